package conduit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hydrogen-dev/hydrogen/internal/dqm"
	"github.com/hydrogen-dev/hydrogen/internal/engine"
	"github.com/hydrogen-dev/hydrogen/internal/migration"
)

// fakeConn is a minimal engine.Conn double: every Execute call succeeds
// with RowsAffected 1 and records how many times it ran, so tests can
// assert dedup actually avoided duplicate backend work.
type fakeConn struct {
	mu        sync.Mutex
	execCalls int32
}

func (c *fakeConn) Tag() engine.Tag                            { return engine.Postgres }
func (c *fakeConn) Disconnect(ctx context.Context) error        { return nil }
func (c *fakeConn) Begin(context.Context, engine.Isolation) error { return nil }
func (c *fakeConn) Commit(context.Context) error                { return nil }
func (c *fakeConn) Rollback(context.Context) error               { return nil }

func (c *fakeConn) Prepare(ctx context.Context, fingerprint, sql string, arity int) (engine.PreparedRef, error) {
	return engine.PreparedRef{Name: fingerprint, Arity: arity}, nil
}

func (c *fakeConn) Execute(ctx context.Context, stmt engine.Statement, params []any, deadline time.Time) (engine.Result, error) {
	atomic.AddInt32(&c.execCalls, 1)
	return engine.Result{RowsAffected: 1}, nil
}

func (c *fakeConn) DeallocateAll(ctx context.Context) error { return nil }
func (c *fakeConn) TxState() engine.TxState                 { return engine.TxState{} }
func (c *fakeConn) Healthy(ctx context.Context) error        { return nil }

func (c *fakeConn) calls() int32 { return atomic.LoadInt32(&c.execCalls) }

type fakeProvider struct {
	conn *fakeConn
}

func (p *fakeProvider) Tag() engine.Tag { return engine.Postgres }
func (p *fakeProvider) Connect(ctx context.Context, endpoint engine.Endpoint) (engine.Conn, error) {
	return p.conn, nil
}

// newTestDatabase builds a fully Running Database (Supervisor + Executor)
// backed by one fakeConn, with a handful of trivial queries registered
// under refs 1-6.
func newTestDatabase(t *testing.T, maxQueries int) (*Database, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	reg := engine.NewRegistry()
	reg.Register(&fakeProvider{conn: conn})

	sup := dqm.NewSupervisor("acuranzo", engine.Endpoint{Tag: engine.Postgres}, 2, 0, reg, nil, dqm.NewMetrics())
	if err := sup.Launch(context.Background()); err != nil {
		t.Fatalf("launch: %v", err)
	}
	t.Cleanup(func() { _ = sup.Drain(context.Background()) })

	te := migration.NewTemplateEngine()
	ex := migration.NewExecutor("acuranzo", engine.Postgres, sup, te, nil)

	var queries []migration.QueryTemplate
	for ref := 1; ref <= 6; ref++ {
		queries = append(queries, migration.QueryTemplate{QueryRef: ref, Tier: dqm.Fast, SQL: "SELECT 1"})
	}
	sources := []migration.Source{{Design: "bootstrap", Ordinal: 1, Forward: "SELECT 1", Reverse: "SELECT 1", Queries: queries}}
	if err := ex.Load(sources); err != nil {
		t.Fatalf("load: %v", err)
	}

	return &Database{Name: "acuranzo", Supervisor: sup, Executor: ex, MaxQueriesPerRequest: maxQueries}, conn
}

// TestDedupUnderLimit is scenario 1 from spec.md §8: max_queries_per_request
// = 5, input [1,2,1,3,2] canonicalizes to [1,2,3], and the response mirrors
// the duplicate structure of the request.
func TestDedupUnderLimit(t *testing.T) {
	db, conn := newTestDatabase(t, 5)
	d := NewDispatcher(nil)
	d.Register(db)

	input := []QueryInput{{QueryRef: 1}, {QueryRef: 2}, {QueryRef: 1}, {QueryRef: 3}, {QueryRef: 2}}
	results, err := d.Queries(context.Background(), "acuranzo", input)
	if err != nil {
		t.Fatalf("Queries: %v", err)
	}
	if len(results) != 5 {
		t.Fatalf("len(results) = %d, want 5", len(results))
	}
	for i, r := range results {
		if r.QueryRef != input[i].QueryRef {
			t.Fatalf("results[%d].QueryRef = %d, want %d", i, r.QueryRef, input[i].QueryRef)
		}
		if r.Error != "" {
			t.Fatalf("results[%d] unexpected error: %s", i, r.Error)
		}
	}
	if conn.calls() != 3 {
		t.Fatalf("backend execute calls = %d, want 3 (one per unique query_ref)", conn.calls())
	}
}

// TestDedupOverLimit is scenario 2: 6 unique refs against a limit of 5
// returns RateLimited without dispatching anything.
func TestDedupOverLimit(t *testing.T) {
	db, conn := newTestDatabase(t, 5)
	d := NewDispatcher(nil)
	d.Register(db)

	input := []QueryInput{{QueryRef: 1}, {QueryRef: 2}, {QueryRef: 3}, {QueryRef: 1}, {QueryRef: 4}, {QueryRef: 2}, {QueryRef: 5}, {QueryRef: 6}}
	_, err := d.Queries(context.Background(), "acuranzo", input)
	if err == nil {
		t.Fatal("expected RateLimited error")
	}
	if conn.calls() != 0 {
		t.Fatalf("backend execute calls = %d, want 0 (nothing dispatched on RateLimited)", conn.calls())
	}
}

func TestUnknownDatabase(t *testing.T) {
	d := NewDispatcher(nil)
	_, err := d.Queries(context.Background(), "nope", []QueryInput{{QueryRef: 1}})
	if err == nil {
		t.Fatal("expected UnknownDatabase error")
	}
}

func TestUnknownQueryRefSurfacesPerQuery(t *testing.T) {
	db, _ := newTestDatabase(t, 5)
	d := NewDispatcher(nil)
	d.Register(db)

	results, err := d.Queries(context.Background(), "acuranzo", []QueryInput{{QueryRef: 999}})
	if err != nil {
		t.Fatalf("Queries: %v", err)
	}
	if len(results) != 1 || results[0].Error == "" {
		t.Fatalf("expected a per-query error slot for an unknown ref, got %+v", results)
	}
}
