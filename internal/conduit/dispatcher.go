// Package conduit implements the Conduit Query API: the request path that
// authenticates callers, deduplicates and rate-limits query references,
// dispatches to DQM Supervisors, and assembles ordered results (§4.I).
package conduit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hydrogen-dev/hydrogen/internal/dberrors"
	"github.com/hydrogen-dev/hydrogen/internal/dqm"
	"github.com/hydrogen-dev/hydrogen/internal/migration"
	"github.com/hydrogen-dev/hydrogen/pkg/logger"
)

// DefaultRequestTimeout bounds how long Dispatcher waits for every
// canonical query in a request to complete.
const DefaultRequestTimeout = 30 * time.Second

// IngressRequestsPerSecond and IngressBurst bound the coarse per-caller
// HTTP throttle in front of the Dispatcher (see http.go); this is
// independent of the per-database max_queries_per_request check enforced
// by Queries itself.
const (
	IngressRequestsPerSecond = 50
	IngressBurst             = 100
)

// QueryInput is one entry of a Conduit request's "queries" array.
type QueryInput struct {
	QueryRef int            `json:"query_ref"`
	Params   map[string]any `json:"params,omitempty"`
}

// QueryResult is one entry of a Conduit response's "results" array,
// reported in the caller's original input order.
type QueryResult struct {
	QueryRef     int              `json:"query_ref"`
	Rows         []map[string]any `json:"rows,omitempty"`
	RowsAffected int64            `json:"rows_affected,omitempty"`
	Error        string           `json:"error,omitempty"`
}

// Database bundles the per-database collaborators the Dispatcher fans
// requests out to: the DQM Supervisor that owns the queues/workers, and
// the Migration Executor whose in-memory Queries table resolves query
// refs to rendered SQL, tier, and parameter schema.
type Database struct {
	Name                 string
	Supervisor           *dqm.Supervisor
	Executor             *migration.Executor
	MaxQueriesPerRequest int
}

// Dispatcher is the process-wide Conduit entry point: one instance fans
// requests out across every configured database's Supervisor.
type Dispatcher struct {
	databases map[string]*Database
	log       *logger.Logger
}

// NewDispatcher builds a Dispatcher with no databases registered; call
// Register for each configured database before serving requests.
func NewDispatcher(log *logger.Logger) *Dispatcher {
	return &Dispatcher{databases: make(map[string]*Database), log: log}
}

// Register installs db under its own Name, replacing any previous entry.
func (d *Dispatcher) Register(db *Database) {
	d.databases[db.Name] = db
}

// Lookup returns the registered Database, or ErrUnknownDatabase.
func (d *Dispatcher) Lookup(name string) (*Database, error) {
	db, ok := d.databases[name]
	if !ok {
		return nil, dberrors.NewConduitError(name, dberrors.ErrUnknownDatabase, "")
	}
	return db, nil
}

// canonicalize builds the input-index -> canonical-index mapping by
// first-occurrence on query_ref (§4.I step 2), plus the deduplicated
// canonical list submitted downstream.
func canonicalize(queries []QueryInput) (canonical []QueryInput, mapping []int) {
	seen := make(map[int]int, len(queries))
	mapping = make([]int, len(queries))
	for i, q := range queries {
		if idx, ok := seen[q.QueryRef]; ok {
			mapping[i] = idx
			continue
		}
		idx := len(canonical)
		seen[q.QueryRef] = idx
		canonical = append(canonical, q)
		mapping[i] = idx
	}
	return canonical, mapping
}

// bindParams orders a request's named parameters according to the query's
// declared ParamNames schema. A name absent from the request binds nil.
func bindParams(record migration.QueryRecord, params map[string]any) []any {
	if len(record.ParamNames) == 0 {
		return nil
	}
	out := make([]any, len(record.ParamNames))
	for i, name := range record.ParamNames {
		out[i] = params[name]
	}
	return out
}

// fingerprint is a stable prepared-statement cache key for one query ref's
// rendered SQL; query refs are stable within a database, so the ref itself
// is already a canonical fingerprint.
func fingerprint(queryRef int) string {
	return fmt.Sprintf("qref:%d", queryRef)
}

// Queries runs the unauthenticated dispatch pipeline (§4.I) for database
// against queries, returning one QueryResult per input index regardless of
// deduplication.
func (d *Dispatcher) Queries(ctx context.Context, database string, queries []QueryInput) ([]QueryResult, error) {
	return d.dispatch(ctx, database, queries)
}

// AuthQueries behaves like Queries; token validation happens at the HTTP
// boundary (identity is not otherwise consulted by the dispatch pipeline
// itself — see internal/conduit/http.go).
func (d *Dispatcher) AuthQueries(ctx context.Context, database string, queries []QueryInput) ([]QueryResult, error) {
	return d.dispatch(ctx, database, queries)
}

// dispatch implements §4.I steps 1-5: validate, deduplicate, rate-limit,
// dispatch, assemble.
func (d *Dispatcher) dispatch(ctx context.Context, database string, queries []QueryInput) ([]QueryResult, error) {
	if database == "" {
		return nil, dberrors.NewConduitError(database, dberrors.ErrUnknownDatabase, "empty database name")
	}
	if len(queries) == 0 {
		return nil, dberrors.NewConduitError(database, dberrors.ErrUnknownQueryRef, "queries must be a non-empty list")
	}

	db, err := d.Lookup(database)
	if err != nil {
		return nil, err
	}

	canonical, mapping := canonicalize(queries)

	limit := db.MaxQueriesPerRequest
	if limit <= 0 {
		limit = 20
	}
	if len(canonical) > limit {
		return nil, dberrors.NewConduitError(database, dberrors.ErrRateLimited,
			fmt.Sprintf("%d unique query refs exceeds limit %d", len(canonical), limit))
	}

	items := make([]*dqm.WorkItem, len(canonical))
	canonResults := make([]QueryResult, len(canonical))
	deadline := time.Now().Add(DefaultRequestTimeout)

	for i, q := range canonical {
		record, ok := db.Executor.Lookup(q.QueryRef)
		if !ok {
			canonResults[i] = QueryResult{QueryRef: q.QueryRef, Error: dberrors.ErrUnknownQueryRef.Error()}
			continue
		}

		params := bindParams(record, q.Params)
		item := dqm.NewWorkItem(q.QueryRef, fingerprint(q.QueryRef), record.SQL, params, record.Tier, deadline)
		item.Arity = len(record.ParamNames)

		switch outcome := db.Supervisor.Submit(item); outcome {
		case dqm.Accepted:
			items[i] = item
		case dqm.QueueFull:
			canonResults[i] = QueryResult{QueryRef: q.QueryRef, Error: dberrors.ErrQueueFull.Error()}
		case dqm.NotRunning:
			canonResults[i] = QueryResult{QueryRef: q.QueryRef, Error: dberrors.ErrNotRunning.Error()}
		}
	}

	for i, item := range items {
		if item == nil {
			continue
		}
		canonResults[i] = awaitResult(ctx, canonical[i].QueryRef, item, deadline)
	}

	// Assembly: response array position i corresponds to input position i,
	// regardless of dedup/dispatch order (§4.I step 5, testable property
	// in spec.md §8).
	out := make([]QueryResult, len(queries))
	for i, c := range mapping {
		out[i] = canonResults[c]
	}
	return out, nil
}

func awaitResult(ctx context.Context, queryRef int, item *dqm.WorkItem, deadline time.Time) QueryResult {
	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	select {
	case res := <-item.Response():
		return toQueryResult(queryRef, res)
	case <-waitCtx.Done():
		return QueryResult{QueryRef: queryRef, Error: dberrors.ErrTimeout.Error()}
	}
}

func toQueryResult(queryRef int, res dqm.Result) QueryResult {
	if res.Err != nil {
		return QueryResult{QueryRef: queryRef, Error: res.Err.Error()}
	}
	out := QueryResult{QueryRef: queryRef, RowsAffected: res.RowsAffected}
	if res.Rows == nil {
		return out
	}
	defer res.Rows.Close()

	cols, err := res.Rows.Columns()
	if err != nil {
		return QueryResult{QueryRef: queryRef, Error: err.Error()}
	}

	var rows []map[string]any
	for res.Rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := res.Rows.Scan(ptrs...); err != nil {
			return QueryResult{QueryRef: queryRef, Error: err.Error()}
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		rows = append(rows, row)
	}
	if err := res.Rows.Err(); err != nil {
		return QueryResult{QueryRef: queryRef, Error: err.Error()}
	}
	out.Rows = rows
	return out
}

// Databases returns every registered database name, sorted, for the status
// endpoint.
func (d *Dispatcher) Databases() []string {
	names := make([]string, 0, len(d.databases))
	for name := range d.databases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
