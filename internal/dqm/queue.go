// Package dqm implements the database queue manager: the per-database
// supervisor that owns four priority-tiered work queues and a pool of
// workers, each bound for its entire lifetime to one live connection.
package dqm

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hydrogen-dev/hydrogen/internal/dberrors"
	"github.com/hydrogen-dev/hydrogen/internal/engine"
)

// Tier selects which of the four queues a Work item lives on. Declared in
// strict dequeue-priority order: Cached > Fast > Medium > Slow.
type Tier int

const (
	Slow Tier = iota
	Medium
	Fast
	Cached
)

// tierOrder lists tiers in dequeue-priority order, highest first.
var tierOrder = [...]Tier{Cached, Fast, Medium, Slow}

func (t Tier) String() string {
	switch t {
	case Slow:
		return "slow"
	case Medium:
		return "medium"
	case Fast:
		return "fast"
	case Cached:
		return "cached"
	default:
		return "unknown"
	}
}

// DefaultQueueCapacity is the default bound for each of the four per-DQM
// tiers.
const DefaultQueueCapacity = 256

// Result is what a Worker posts back to a WorkItem's caller: either a row
// cursor/row count, or an error.
type Result struct {
	RowsAffected int64
	Rows         engine.RowReader
	Err          error
}

// WorkItem is one unit of dispatched work: a query reference, its
// already-resolved SQL and parameters, a response channel, a deadline, and
// a cooperative cancel flag.
type WorkItem struct {
	ID       string
	QueryRef int

	// Fingerprint is the canonical SQL fingerprint used to key the
	// prepared-statement cache; SQL is the resolved statement text,
	// Params its bound parameter vector.
	Fingerprint string
	SQL         string
	Params      []any
	Arity       int

	Tier     Tier
	Deadline time.Time

	// RetryOnConflict allows one automatic retry after a conflict error;
	// set false for items whose caller has already retried once.
	RetryOnConflict bool

	// InTx marks migration-path items that must run inside the lead
	// worker's already-open transaction rather than opening their own.
	InTx bool

	// execFn, when set, bypasses the generic prepare-and-execute path
	// entirely: the Worker calls it directly with its Connection,
	// letting the caller (the Migration Executor) drive Begin/Execute/
	// Commit/Rollback itself. Used by Supervisor.RunOnLead.
	execFn func(engine.Conn) error

	response  chan Result
	cancelled atomic.Bool
}

// NewWorkItem builds a WorkItem with a fresh UUID and a buffered response
// channel (buffered so a Worker posting a result never blocks on a caller
// that gave up waiting).
func NewWorkItem(queryRef int, fingerprint, sql string, params []any, tier Tier, deadline time.Time) *WorkItem {
	return &WorkItem{
		ID:              uuid.NewString(),
		QueryRef:        queryRef,
		Fingerprint:     fingerprint,
		SQL:             sql,
		Params:          params,
		Tier:            tier,
		Deadline:        deadline,
		RetryOnConflict: true,
		response:        make(chan Result, 1),
	}
}

// Cancelled reports whether Cancel has been called on this item.
func (w *WorkItem) Cancelled() bool { return w.cancelled.Load() }

// Response returns the channel a submitter reads the eventual Result from.
func (w *WorkItem) Response() <-chan Result { return w.response }

func (w *WorkItem) post(r Result) {
	select {
	case w.response <- r:
	default:
		// A previous post already delivered (e.g. cancel raced execution);
		// never block the Worker on a full buffer-of-one.
	}
}

// broadcaster is a condition-variable substitute built from closing and
// replacing a channel: every goroutine currently selecting on current()
// wakes up when signal() closes it, which is the idiomatic Go stand-in for
// a condvar's Broadcast.
type broadcaster struct {
	mu sync.Mutex
	ch chan struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{ch: make(chan struct{})}
}

func (b *broadcaster) current() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch
}

func (b *broadcaster) signal() {
	b.mu.Lock()
	close(b.ch)
	b.ch = make(chan struct{})
	b.mu.Unlock()
}

type trackedState int32

const (
	stateQueued trackedState = iota
	stateStarted
	stateDone
)

type tracked struct {
	item  *WorkItem
	state atomic.Int32
}

// Queues holds the four bounded, FIFO-within-tier channels for one DQM.
// Enqueue never blocks: a full tier fails the submitter with
// ErrQueueFull. Dequeue applies strict tier priority only at the moment a
// Worker asks for the next item — there is no global FIFO across tiers.
type Queues struct {
	database string
	capacity int
	chans    map[Tier]chan *WorkItem
	wake     *broadcaster
	stop     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	pending map[string]*tracked
}

// NewQueues builds four queues of the given per-tier capacity
// (DefaultQueueCapacity when capacity <= 0). database names the owning DQM,
// attached to QueueFull errors for diagnostics.
func NewQueues(database string, capacity int) *Queues {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	q := &Queues{
		database: database,
		capacity: capacity,
		chans:    make(map[Tier]chan *WorkItem, len(tierOrder)),
		wake:     newBroadcaster(),
		stop:     make(chan struct{}),
		pending:  make(map[string]*tracked),
	}
	for _, t := range tierOrder {
		q.chans[t] = make(chan *WorkItem, capacity)
	}
	return q
}

// Stop wakes every blocked Worker and causes subsequent Dequeue calls to
// return immediately with ok=false. Idempotent.
func (q *Queues) Stop() {
	q.stopOnce.Do(func() { close(q.stop) })
}

// Submit enqueues item on its declared tier, or returns ErrQueueFull if
// that tier is at capacity.
func (q *Queues) Submit(item *WorkItem) error {
	ch, ok := q.chans[item.Tier]
	if !ok {
		// Tier is a closed enum; an unrecognized value is a caller bug, not
		// a runtime condition callers should handle.
		panic("dqm: work item carries an unknown tier")
	}
	select {
	case ch <- item:
	default:
		return dberrors.NewQueueError(q.database, item.Tier.String(), dberrors.ErrQueueFull)
	}

	q.mu.Lock()
	q.pending[item.ID] = &tracked{item: item}
	q.mu.Unlock()

	q.wake.signal()
	return nil
}

// Dequeue blocks until a Worker can be handed the highest-priority
// available item, or the Queues are stopped. It marks the returned item
// "started" so a racing Cancel reports AlreadyStarted instead of
// Cancelled.
func (q *Queues) Dequeue() (*WorkItem, bool) {
	return q.DequeueAllowed(alwaysAllowed)
}

func (q *Queues) tryDequeueOnce() (*WorkItem, bool) {
	return q.tryDequeueFiltered(alwaysAllowed)
}

func alwaysAllowed(Tier) bool { return true }

func (q *Queues) tryDequeueFiltered(allowed func(Tier) bool) (*WorkItem, bool) {
	for _, t := range tierOrder {
		if !allowed(t) {
			continue
		}
		select {
		case item := <-q.chans[t]:
			q.markStarted(item.ID)
			return item, true
		default:
		}
	}
	return nil, false
}

// DequeueAllowed behaves like Dequeue but restricts which tiers a Worker
// will pull from on each attempt, per the lead/migration exclusion rule.
func (q *Queues) DequeueAllowed(allowed func(Tier) bool) (*WorkItem, bool) {
	for {
		if item, ok := q.tryDequeueFiltered(allowed); ok {
			return item, true
		}
		select {
		case <-q.wake.current():
			continue
		case <-q.stop:
			return nil, false
		}
	}
}

func (q *Queues) markStarted(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if tr, ok := q.pending[id]; ok {
		tr.state.Store(int32(stateStarted))
	}
}

// Finish removes item's bookkeeping entry once a Worker has produced (or
// abandoned) a result for it, so Pending's map does not grow unbounded.
func (q *Queues) Finish(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, id)
}

// CancelOutcome enumerates the possible results of cancelling a work item.
type CancelOutcome int

const (
	Cancelled CancelOutcome = iota
	NotFound
	AlreadyStarted
)

// Cancel sets the cancel flag on the enqueued item named by id without
// removing it from its queue: the owning Worker observes the flag at
// dequeue.
func (q *Queues) Cancel(id string) CancelOutcome {
	q.mu.Lock()
	defer q.mu.Unlock()
	tr, ok := q.pending[id]
	if !ok {
		return NotFound
	}
	switch trackedState(tr.state.Load()) {
	case stateStarted, stateDone:
		return AlreadyStarted
	default:
		tr.item.cancelled.Store(true)
		return Cancelled
	}
}

// Depth reports the current number of items buffered in each tier, for the
// DQM Supervisor's status reporting and for queue-depth metrics.
func (q *Queues) Depth() map[Tier]int {
	out := make(map[Tier]int, len(tierOrder))
	for _, t := range tierOrder {
		out[t] = len(q.chans[t])
	}
	return out
}

// Drain cancels every item still sitting in a queue (not yet dequeued),
// for the Running -> Draining transition: enqueued-but-not-started items
// are cancelled outright rather than left to run.
func (q *Queues) Drain() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, tr := range q.pending {
		if trackedState(tr.state.Load()) == stateQueued {
			tr.item.cancelled.Store(true)
		}
	}
}
