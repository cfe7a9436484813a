package migration

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hydrogen-dev/hydrogen/internal/dberrors"
	"github.com/hydrogen-dev/hydrogen/internal/dqm"
	"github.com/hydrogen-dev/hydrogen/internal/engine"
	"github.com/hydrogen-dev/hydrogen/pkg/logger"
)

// appliedTable is the name of the per-database persisted record of which
// ordinals have been committed, laid out per the applied-migration table
// contract: (ordinal, content_hash, applied_at, engine).
const appliedTable = "hydrogen_schema_migrations"

// Rendered is one migration after the Template Engine has produced
// engine-specific SQL for both directions.
type Rendered struct {
	Source     Source
	ForwardSQL string
	ReverseSQL string

	// ContentHash is a stable digest of the rendered forward+reverse SQL,
	// used for restart integrity checks.
	ContentHash string
}

// AppliedRecord mirrors one row of the applied-migration table.
type AppliedRecord struct {
	Ordinal     int       `db:"ordinal"`
	ContentHash string    `db:"content_hash"`
	AppliedAt   time.Time `db:"applied_at"`
	Engine      string    `db:"engine"`
}

// QueryRecord is one entry of the in-memory Queries table the Conduit
// Dispatcher resolves query refs against.
type QueryRecord struct {
	QueryRef   int
	SQL        string
	Tier       dqm.Tier
	Engine     engine.Tag
	ParamNames []string
}

func contentHash(forward, reverse string) string {
	h := sha256.Sum256([]byte(forward + "\x00" + reverse))
	return hex.EncodeToString(h[:])
}

// Executor discovers, orders, applies, and reverses migrations for one
// configured database, driving all migration SQL through the lead DQM
// worker via Supervisor.RunOnLead.
type Executor struct {
	database string
	tag      engine.Tag
	sup      *dqm.Supervisor
	te       *TemplateEngine
	log      *logger.Logger

	mu       sync.RWMutex
	rendered []Rendered
	queries  map[int]QueryRecord
}

// NewExecutor builds an Executor for database, bound to tag's SQL dialect
// and sup's lead worker.
func NewExecutor(database string, tag engine.Tag, sup *dqm.Supervisor, te *TemplateEngine, log *logger.Logger) *Executor {
	return &Executor{
		database: database,
		tag:      tag,
		sup:      sup,
		te:       te,
		log:      log,
		queries:  make(map[int]QueryRecord),
	}
}

// Load renders every source through the Template Engine and populates the
// in-memory Queries table from migration metadata. Written only here;
// Lookup is safe to call concurrently afterward without further locking on
// the caller's part.
func (e *Executor) Load(sources []Source) error {
	sorted := make([]Source, len(sources))
	copy(sorted, sources)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Ordinal < sorted[j].Ordinal })

	rendered := make([]Rendered, 0, len(sorted))
	queries := make(map[int]QueryRecord, len(sorted))

	for _, s := range sorted {
		fwd, err := e.te.Render(e.tag, s.Forward)
		if err != nil {
			return wrapOrdinalErr(s.Design, s.Ordinal, err)
		}
		rev, err := e.te.Render(e.tag, s.Reverse)
		if err != nil {
			return wrapOrdinalErr(s.Design, s.Ordinal, err)
		}
		rendered = append(rendered, Rendered{
			Source:      s,
			ForwardSQL:  fwd,
			ReverseSQL:  rev,
			ContentHash: contentHash(fwd, rev),
		})

		for _, q := range s.Queries {
			sql, err := e.te.Render(e.tag, q.SQL)
			if err != nil {
				return wrapOrdinalErr(s.Design, s.Ordinal, err)
			}
			queries[q.QueryRef] = QueryRecord{QueryRef: q.QueryRef, SQL: sql, Tier: q.Tier, Engine: e.tag, ParamNames: q.ParamNames}
		}
	}

	e.mu.Lock()
	e.rendered = rendered
	e.queries = queries
	e.mu.Unlock()
	return nil
}

// wrapOrdinalErr attaches design/ordinal context to a Template Engine error
// that was built without it (the engine renders one template at a time and
// does not know which migration it belongs to).
func wrapOrdinalErr(design string, ordinal int, err error) error {
	var me *dberrors.MigrationError
	if errors.As(err, &me) {
		me.Design = design
		me.Ordinal = ordinal
		return me
	}
	return err
}

// Lookup resolves a Conduit query ref to its rendered SQL, tier, and engine.
func (e *Executor) Lookup(queryRef int) (QueryRecord, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.queries[queryRef]
	return r, ok
}

// bindvarType maps an engine tag to sqlx's placeholder style: Postgres uses
// $N ordinals, the other three engines take ?.
func bindvarType(tag engine.Tag) int {
	if tag == engine.Postgres {
		return sqlx.DOLLAR
	}
	return sqlx.QUESTION
}

func createAppliedTableSQL(tag engine.Tag) string {
	return "CREATE TABLE IF NOT EXISTS " + appliedTable + " (" +
		"ordinal INTEGER PRIMARY KEY, " +
		"content_hash VARCHAR(64) NOT NULL, " +
		"applied_at TIMESTAMP NOT NULL, " +
		"engine VARCHAR(16) NOT NULL)"
}

func selectAppliedSQL() string {
	return "SELECT ordinal, content_hash, applied_at, engine FROM " + appliedTable
}

func insertAppliedSQL(tag engine.Tag, rec AppliedRecord) (string, []any, error) {
	q, args, err := sqlx.Named(
		"INSERT INTO "+appliedTable+" (ordinal, content_hash, applied_at, engine) "+
			"VALUES (:ordinal, :content_hash, :applied_at, :engine)", rec)
	if err != nil {
		return "", nil, err
	}
	return sqlx.Rebind(bindvarType(tag), q), args, nil
}

func deleteAppliedSQL(tag engine.Tag, ordinal int) (string, []any, error) {
	q, args, err := sqlx.Named(
		"DELETE FROM "+appliedTable+" WHERE ordinal = :ordinal",
		map[string]any{"ordinal": ordinal})
	if err != nil {
		return "", nil, err
	}
	return sqlx.Rebind(bindvarType(tag), q), args, nil
}

// ensureTable creates the applied-migration table if it does not already
// exist, via the lead worker.
func (e *Executor) ensureTable(ctx context.Context) error {
	return e.sup.RunOnLead(ctx, func(c engine.Conn) error {
		_, err := c.Execute(ctx, engine.Statement{SQL: createAppliedTableSQL(e.tag)}, nil, time.Time{})
		return err
	})
}

// loadApplied reads the current applied-migration table via the lead
// worker.
func (e *Executor) loadApplied(ctx context.Context) (map[int]AppliedRecord, error) {
	applied := make(map[int]AppliedRecord)
	err := e.sup.RunOnLead(ctx, func(c engine.Conn) error {
		res, err := c.Execute(ctx, engine.Statement{SQL: selectAppliedSQL()}, nil, time.Time{})
		if err != nil {
			return err
		}
		if res.Rows == nil {
			return nil
		}
		defer res.Rows.Close()
		for res.Rows.Next() {
			var rec AppliedRecord
			if err := res.Rows.Scan(&rec.Ordinal, &rec.ContentHash, &rec.AppliedAt, &rec.Engine); err != nil {
				return err
			}
			applied[rec.Ordinal] = rec
		}
		return res.Rows.Err()
	})
	return applied, err
}

func (e *Executor) renderedSnapshot() []Rendered {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rendered, len(e.rendered))
	copy(out, e.rendered)
	return out
}

// VerifyIntegrity checks that the on-disk content hash matches the stored
// hash for every ordinal present in both sets. A mismatch is fatal: callers
// must not let the owning DQM transition to Running.
func (e *Executor) VerifyIntegrity(ctx context.Context) error {
	applied, err := e.loadApplied(ctx)
	if err != nil {
		return err
	}
	for _, r := range e.renderedSnapshot() {
		a, ok := applied[r.Source.Ordinal]
		if !ok {
			continue
		}
		if a.ContentHash != r.ContentHash {
			return dberrors.NewMigrationError(r.Source.Design, r.Source.Ordinal, dberrors.ErrHashMismatch, nil)
		}
	}
	return nil
}

// Apply runs every on-disk migration not yet present in the applied table,
// in ascending ordinal order, each as its own transaction: begin, execute
// the rendered forward SQL, insert the applied-migration row, commit. A
// failure at any step rolls back and halts the apply phase; later
// migrations are not attempted.
func (e *Executor) Apply(ctx context.Context) error {
	applied, err := e.loadApplied(ctx)
	if err != nil {
		return err
	}

	for _, r := range e.renderedSnapshot() {
		if _, ok := applied[r.Source.Ordinal]; ok {
			continue
		}

		r := r
		insertSQL, insertArgs, err := insertAppliedSQL(e.tag, AppliedRecord{
			Ordinal:     r.Source.Ordinal,
			ContentHash: r.ContentHash,
			AppliedAt:   time.Now().UTC(),
			Engine:      string(e.tag),
		})
		if err != nil {
			return dberrors.NewMigrationError(r.Source.Design, r.Source.Ordinal, dberrors.ErrMigrationFailed, err)
		}
		runErr := e.sup.RunOnLead(ctx, func(c engine.Conn) error {
			if err := c.Begin(ctx, engine.ReadCommitted); err != nil {
				return err
			}
			if _, err := c.Execute(ctx, engine.Statement{SQL: r.ForwardSQL}, nil, time.Time{}); err != nil {
				_ = c.Rollback(ctx)
				return err
			}
			if _, err := c.Execute(ctx, engine.Statement{SQL: insertSQL}, insertArgs, time.Time{}); err != nil {
				_ = c.Rollback(ctx)
				return err
			}
			return c.Commit(ctx)
		})
		if runErr != nil {
			if e.log != nil {
				e.log.WithField("database", e.database).WithField("ordinal", r.Source.Ordinal).WithError(runErr).Error("migration apply failed")
			}
			return dberrors.NewMigrationError(r.Source.Design, r.Source.Ordinal, dberrors.ErrMigrationFailed, runErr)
		}
	}
	return nil
}

// Migrate is the composed Launching-time hook: ensure the applied-migration
// table exists, verify restart integrity, then apply any outstanding
// migrations. Intended as the verify func passed to
// Supervisor.LaunchWithVerify.
func (e *Executor) Migrate(ctx context.Context) error {
	if err := e.ensureTable(ctx); err != nil {
		return err
	}
	if err := e.VerifyIntegrity(ctx); err != nil {
		return err
	}
	return e.Apply(ctx)
}

var dropTablePattern = regexp.MustCompile(`(?i)drop\s+table\s+(?:if\s+exists\s+)?([A-Za-z_][A-Za-z0-9_.]*)`)

// reverseSafetyCheck enforces the stricter reading of the reverse-migration
// contract: a reverse migration must not drop a table that still holds
// rows. Exact provenance of "rows this migration added" is not tracked
// (doing so would require statement-level change logging this system does
// not keep), so this checks non-emptiness of every table a reverse
// migration drops — a table that's still non-empty is treated as carrying
// data the reverse step did not itself remove and is therefore unsafe to
// drop.
func reverseSafetyCheck(ctx context.Context, c engine.Conn, reverseSQL string) error {
	for _, m := range dropTablePattern.FindAllStringSubmatch(reverseSQL, -1) {
		table := m[1]
		res, err := c.Execute(ctx, engine.Statement{SQL: "SELECT COUNT(*) FROM " + table}, nil, time.Time{})
		if err != nil {
			// Table already gone, or not yet countable this way; let the
			// DROP statement itself surface any real problem.
			continue
		}
		if res.Rows == nil {
			continue
		}
		var count int64
		if res.Rows.Next() {
			_ = res.Rows.Scan(&count)
		}
		res.Rows.Close()
		if count > 0 {
			return dberrors.NewMigrationError("", 0, dberrors.ErrReverseUnsafe, fmt.Errorf("table %s has %d row(s)", table, count))
		}
	}
	return nil
}

// Reverse runs the rendered reverse SQL of every applied migration in
// descending ordinal order, each in its own transaction, removing its
// applied-migration row on success. A reverse step that would drop a
// non-empty table aborts with ErrReverseUnsafe; any other SQL failure
// aborts immediately. Migrations already reversed (or never on disk) are
// skipped.
func (e *Executor) Reverse(ctx context.Context) error {
	applied, err := e.loadApplied(ctx)
	if err != nil {
		return err
	}

	byOrdinal := make(map[int]Rendered)
	for _, r := range e.renderedSnapshot() {
		byOrdinal[r.Source.Ordinal] = r
	}

	ordinals := make([]int, 0, len(applied))
	for o := range applied {
		ordinals = append(ordinals, o)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(ordinals)))

	for _, o := range ordinals {
		r, ok := byOrdinal[o]
		if !ok {
			continue
		}

		deleteSQL, deleteArgs, err := deleteAppliedSQL(e.tag, o)
		if err != nil {
			return dberrors.NewMigrationError(r.Source.Design, o, dberrors.ErrMigrationFailed, err)
		}
		runErr := e.sup.RunOnLead(ctx, func(c engine.Conn) error {
			if err := reverseSafetyCheck(ctx, c, r.ReverseSQL); err != nil {
				return err
			}
			if err := c.Begin(ctx, engine.ReadCommitted); err != nil {
				return err
			}
			if _, err := c.Execute(ctx, engine.Statement{SQL: r.ReverseSQL}, nil, time.Time{}); err != nil {
				_ = c.Rollback(ctx)
				return err
			}
			if _, err := c.Execute(ctx, engine.Statement{SQL: deleteSQL}, deleteArgs, time.Time{}); err != nil {
				_ = c.Rollback(ctx)
				return err
			}
			return c.Commit(ctx)
		})
		if runErr != nil {
			if dberrors.IsReverseUnsafe(runErr) {
				return runErr
			}
			return dberrors.NewMigrationError(r.Source.Design, o, dberrors.ErrMigrationFailed, runErr)
		}
	}
	return nil
}
