package dqm

import (
	"context"
	"time"

	"github.com/hydrogen-dev/hydrogen/infrastructure/resilience"
	"github.com/hydrogen-dev/hydrogen/internal/dberrors"
	"github.com/hydrogen-dev/hydrogen/internal/engine"
	"github.com/hydrogen-dev/hydrogen/pkg/logger"
)

// reconnectRetryConfig defines the reconnect backoff schedule: 100ms,
// 400ms, 1600ms, 6400ms, capped at 6.4s, giving up after 5 tries.
// cenkalti/backoff's ExponentialBackOff with Multiplier 4 and no jitter
// reproduces this schedule exactly; MaxAttempts counts the initial attempt
// plus four retries.
func reconnectRetryConfig() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     6400 * time.Millisecond,
		Multiplier:   4,
		Jitter:       0,
	}
}

// Worker is one worker goroutine: it owns exactly one connection for its
// entire lifetime and pulls WorkItems from its DQM's Queues by strict tier
// priority.
type Worker struct {
	ID       int
	Lead     bool
	Database string

	tag      engine.Tag
	endpoint engine.Endpoint
	registry *engine.Registry
	queues   *Queues
	breaker  *resilience.CircuitBreaker
	log      *logger.Logger
	metrics  *Metrics

	migrating func() bool // supervisor.migrating.Load, injected to avoid an import cycle

	conn   engine.Conn
	connMu struct{} // documents single-owner discipline; no lock needed

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	lastQueryAt time.Time
	busy        bool
}

// NewWorker constructs a Worker bound to database/endpoint's engine. The
// Worker does not dial until Start is called.
func NewWorker(id int, lead bool, database string, endpoint engine.Endpoint, registry *engine.Registry, queues *Queues, log *logger.Logger, metrics *Metrics, migrating func() bool) *Worker {
	return &Worker{
		ID:        id,
		Lead:      lead,
		Database:  database,
		tag:       endpoint.Tag,
		endpoint:  endpoint,
		registry:  registry,
		queues:    queues,
		breaker:   resilience.New(resilience.DefaultConfig()),
		log:       log,
		metrics:   metrics,
		migrating: migrating,
		done:      make(chan struct{}),
	}
}

// Connect dials the Worker's Connection. Called synchronously during
// Supervisor Launch so a connect failure can fail-fast before any Worker
// goroutine starts.
func (w *Worker) Connect(ctx context.Context) error {
	conn, err := w.registry.Connect(ctx, w.endpoint)
	if err != nil {
		return err
	}
	w.conn = conn
	return nil
}

// Start launches the Worker's dequeue loop in its own goroutine.
func (w *Worker) Start(parent context.Context) {
	w.ctx, w.cancel = context.WithCancel(parent)
	go w.run()
}

// Stop cancels the Worker's context, preempting a blocked queue wait or an
// in-progress reconnect backoff sleep.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
}

// Done reports when the Worker's goroutine has exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Disconnect closes the Worker's Connection. Only safe to call after the
// Worker's goroutine has exited.
func (w *Worker) Disconnect(ctx context.Context) error {
	if w.conn == nil {
		return nil
	}
	return w.conn.Disconnect(ctx)
}

// LastQueryAge reports how long it has been since this Worker finished a
// Work item, for the Supervisor's status() operation.
func (w *Worker) LastQueryAge() time.Duration {
	if w.lastQueryAt.IsZero() {
		return 0
	}
	return time.Since(w.lastQueryAt)
}

// Busy reports whether the Worker is currently executing a Work item.
func (w *Worker) Busy() bool { return w.busy }

func (w *Worker) run() {
	defer close(w.done)
	for {
		item, ok := w.queues.DequeueAllowed(w.allows)
		if !ok {
			return
		}
		w.process(item)
	}
}

// allows implements the lead/migration tier-exclusion rule: while a
// migration is in progress, the lead services only the Slow tier and
// every other Worker skips it.
func (w *Worker) allows(t Tier) bool {
	migrating := w.migrating != nil && w.migrating()
	if !migrating {
		return true
	}
	if w.Lead {
		return t == Slow
	}
	return t != Slow
}

func (w *Worker) process(item *WorkItem) {
	defer w.queues.Finish(item.ID)
	w.busy = true
	defer func() {
		w.busy = false
		w.lastQueryAt = time.Now()
	}()

	if item.Cancelled() {
		item.post(Result{Err: dberrors.NewQueueError(w.Database, item.Tier.String(), dberrors.ErrCancelled)})
		return
	}

	if err := w.ensureHealthy(w.ctx); err != nil {
		item.post(Result{Err: err})
		return
	}

	if item.Cancelled() {
		item.post(Result{Err: dberrors.NewQueueError(w.Database, item.Tier.String(), dberrors.ErrCancelled)})
		return
	}

	start := time.Now()
	res := w.execute(item)
	if dberrors.IsConflict(res.Err) && item.RetryOnConflict {
		item.RetryOnConflict = false
		res = w.execute(item)
	}
	if w.metrics != nil {
		w.metrics.ObserveQuery(w.Database, item.Tier.String(), res.Err == nil, time.Since(start))
	}
	item.post(res)
}

func (w *Worker) execute(item *WorkItem) Result {
	return w.executeAttempt(item, true)
}

// executeAttempt runs item against w.conn. On ConnLost it reconnects and,
// per §4.D step 4/5, re-prepares and re-executes the same item once against
// the new connection (allowReconnect guards against looping past that one
// retry). A failure on the retried attempt surfaces verbatim.
func (w *Worker) executeAttempt(item *WorkItem, allowReconnect bool) Result {
	ctx := w.ctx
	var cancel context.CancelFunc
	if !item.Deadline.IsZero() {
		ctx, cancel = context.WithDeadline(ctx, item.Deadline)
		defer cancel()
	}

	if item.execFn != nil {
		if err := item.execFn(w.conn); err != nil {
			if allowReconnect && dberrors.IsConnLost(err) {
				if rerr := w.reconnect(w.ctx); rerr != nil {
					return Result{Err: rerr}
				}
				return w.executeAttempt(item, false)
			}
			return Result{Err: err}
		}
		return Result{}
	}

	stmt := engine.Statement{SQL: item.SQL}
	if item.Fingerprint != "" {
		ref, err := w.conn.Prepare(ctx, item.Fingerprint, item.SQL, item.Arity)
		if err != nil {
			if allowReconnect && dberrors.IsConnLost(err) {
				if rerr := w.reconnect(w.ctx); rerr != nil {
					return Result{Err: rerr}
				}
				return w.executeAttempt(item, false)
			}
			return Result{Err: err}
		}
		stmt = engine.Statement{Prepared: &ref}
	}

	out, err := w.conn.Execute(ctx, stmt, item.Params, item.Deadline)
	if err != nil {
		if allowReconnect && dberrors.IsConnLost(err) {
			if rerr := w.reconnect(w.ctx); rerr != nil {
				return Result{Err: rerr}
			}
			return w.executeAttempt(item, false)
		}
		return Result{Err: err}
	}
	return Result{RowsAffected: out.RowsAffected, Rows: out.Rows}
}

// ensureHealthy performs a liveness probe and reconnects on failure.
func (w *Worker) ensureHealthy(ctx context.Context) error {
	if err := w.conn.Healthy(ctx); err == nil {
		return nil
	}
	return w.reconnect(ctx)
}

// reconnect redials the backend with the bounded exponential schedule:
// 100ms/400ms/1600ms/6400ms, capped at 6.4s, giving up after 5 tries. A
// circuit breaker around the dial prevents a downed backend from making
// every Worker in the DQM retry in lockstep.
func (w *Worker) reconnect(ctx context.Context) error {
	var newConn engine.Conn
	attempt := func() error {
		c, err := w.registry.Connect(ctx, w.endpoint)
		if err != nil {
			return err
		}
		newConn = c
		return nil
	}

	err := resilience.Retry(ctx, reconnectRetryConfig(), func() error {
		return w.breaker.Execute(ctx, attempt)
	})
	if err != nil {
		return dberrors.NewConnError(w.Database, string(w.tag), dberrors.ErrConnLost)
	}

	if w.conn != nil {
		_ = w.conn.Disconnect(ctx)
	}
	w.conn = newConn
	return nil
}
