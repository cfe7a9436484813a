package dqm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hydrogen-dev/hydrogen/internal/dberrors"
	"github.com/hydrogen-dev/hydrogen/internal/engine"
	"github.com/hydrogen-dev/hydrogen/pkg/logger"
)

// State is one of the DQM lifecycle states.
type State int

const (
	Init State = iota
	Launching
	Running
	Draining
	Landed
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case Launching:
		return "launching"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Landed:
		return "landed"
	default:
		return "unknown"
	}
}

// SubmitOutcome enumerates the possible results of submitting a work item.
type SubmitOutcome int

const (
	Accepted SubmitOutcome = iota
	QueueFull
	NotRunning
)

// WorkerStatus is one Worker's contribution to Status().
type WorkerStatus struct {
	ID           int
	Lead         bool
	Busy         bool
	LastQueryAge time.Duration
}

// Status is the DQM Supervisor's status snapshot.
type Status struct {
	Database    string
	State       State
	QueueDepths map[Tier]int
	Workers     []WorkerStatus
}

// Supervisor owns the Queues and Worker pool for one configured database.
// Exactly one Supervisor exists per logical database for the process
// lifetime.
type Supervisor struct {
	Database string
	Endpoint engine.Endpoint

	registry    *engine.Registry
	log         *logger.Logger
	metrics     *Metrics
	queues      *Queues
	workerCount int

	mu      sync.RWMutex
	state   State
	workers []*Worker

	migrating atomic.Bool

	drainGrace time.Duration
}

// NewSupervisor builds a Supervisor in the Init state. Call Launch before
// Submit or RunOnLead.
func NewSupervisor(database string, endpoint engine.Endpoint, workerCount int, queueCapacity int, registry *engine.Registry, log *logger.Logger, metrics *Metrics) *Supervisor {
	if workerCount < 1 {
		workerCount = 1
	}
	return &Supervisor{
		Database:    database,
		Endpoint:    endpoint,
		registry:    registry,
		log:         log,
		metrics:     metrics,
		queues:      NewQueues(database, queueCapacity),
		workerCount: workerCount,
		state:       Init,
		drainGrace:  10 * time.Second,
	}
}

// SetDrainGrace overrides the default grace window allowed for in-flight
// work items to finish during Running -> Draining.
func (s *Supervisor) SetDrainGrace(d time.Duration) { s.drainGrace = d }

func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SetSupervisorRunning(s.Database, st == Running)
	}
}

// Launch opens workerCount connections, designates worker 0 as lead, and
// starts every Worker's dequeue loop: Init -> Launching -> Running. A
// connect failure during Launching tears down any already-opened
// connections and leaves the Supervisor in Init.
func (s *Supervisor) Launch(ctx context.Context) error {
	return s.LaunchWithVerify(ctx, nil)
}

// LaunchWithVerify behaves like Launch, but runs verify once every worker is
// connected and started while still in the Launching state. A non-nil error
// from verify (e.g. a migration hash mismatch or a failed migration apply)
// tears down every connection opened for this Launch attempt and leaves the
// Supervisor in Init rather than Running — the caller is expected to be the
// migration executor driving the Apply phase before the database accepts
// query traffic.
func (s *Supervisor) LaunchWithVerify(ctx context.Context, verify func(context.Context) error) error {
	if s.State() != Init {
		return fmt.Errorf("dqm %s: Launch called from state %s", s.Database, s.State())
	}
	s.setState(Launching)

	workers, err := s.connectWorkers(ctx)
	if err != nil {
		s.setState(Init)
		return err
	}

	s.mu.Lock()
	s.workers = workers
	s.mu.Unlock()

	for _, w := range workers {
		w.Start(context.Background())
	}

	if verify != nil {
		if err := verify(ctx); err != nil {
			for _, w := range workers {
				w.Stop()
				_ = w.Disconnect(ctx)
			}
			s.mu.Lock()
			s.workers = nil
			s.mu.Unlock()
			s.setState(Init)
			return err
		}
	}

	s.setState(Running)
	if s.metrics != nil {
		s.metrics.SetConnections(s.Database, len(workers))
	}
	if s.log != nil {
		s.log.WithField("database", s.Database).WithField("workers", s.workerCount).Info("dqm running")
	}
	return nil
}

// connectWorkers dials workerCount fresh connections, tearing down any
// already-opened connection on the first failure.
func (s *Supervisor) connectWorkers(ctx context.Context) ([]*Worker, error) {
	workers := make([]*Worker, 0, s.workerCount)
	for i := 0; i < s.workerCount; i++ {
		w := NewWorker(i, i == 0, s.Database, s.Endpoint, s.registry, s.queues, s.log, s.metrics, s.migrating.Load)
		if err := w.Connect(ctx); err != nil {
			for _, opened := range workers {
				_ = opened.Disconnect(ctx)
			}
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, nil
}

// lead returns the designated lead Worker.
func (s *Supervisor) lead() *Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.workers) == 0 {
		return nil
	}
	return s.workers[0]
}

// Submit enqueues item on the queue matching its declared tier. Returns
// NotRunning outside the Running state and QueueFull when the target tier
// is saturated.
func (s *Supervisor) Submit(item *WorkItem) SubmitOutcome {
	if s.State() != Running {
		return NotRunning
	}
	if err := s.queues.Submit(item); err != nil {
		return QueueFull
	}
	return Accepted
}

// Cancel marks a still-queued item cancelled.
func (s *Supervisor) Cancel(id string) CancelOutcome {
	return s.queues.Cancel(id)
}

// Status reports the current lifecycle state, per-tier queue depths, and
// per-worker busy/idle state.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	workers := make([]*Worker, len(s.workers))
	copy(workers, s.workers)
	state := s.state
	s.mu.RUnlock()

	depths := s.queues.Depth()
	if s.metrics != nil {
		for tier, depth := range depths {
			s.metrics.SetQueueDepth(s.Database, tier.String(), depth)
		}
	}

	statuses := make([]WorkerStatus, 0, len(workers))
	for _, w := range workers {
		if s.metrics != nil {
			s.metrics.SetWorkerBusy(s.Database, fmt.Sprintf("%d", w.ID), w.Busy())
		}
		statuses = append(statuses, WorkerStatus{
			ID:           w.ID,
			Lead:         w.Lead,
			Busy:         w.Busy(),
			LastQueryAge: w.LastQueryAge(),
		})
	}

	return Status{
		Database:    s.Database,
		State:       state,
		QueueDepths: depths,
		Workers:     statuses,
	}
}

// RunOnLead submits fn to run exclusively against the lead Worker's
// connection, flowing through the Slow tier like any other work item —
// the migration executor uses this to drive a transaction across
// multiple statements without bypassing queueing entirely. While fn
// runs, migrating() reports true, which the lead/non-lead tier-exclusion
// rule in Worker.allows enforces.
func (s *Supervisor) RunOnLead(ctx context.Context, fn func(engine.Conn) error) error {
	if s.State() != Running && s.State() != Launching {
		return dberrors.NewQueueError(s.Database, Slow.String(), dberrors.ErrNotRunning)
	}

	s.migrating.Store(true)
	defer s.migrating.Store(false)

	item := NewWorkItem(0, "", "", nil, Slow, time.Time{})
	resultCh := make(chan error, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		r := <-item.response
		resultCh <- r.Err
	}()

	item.execFn = fn
	if err := s.queues.Submit(item); err != nil {
		return err
	}

	select {
	case <-done:
		return <-resultCh
	case <-ctx.Done():
		s.queues.Cancel(item.ID)
		<-done
		return ctx.Err()
	}
}

// Drain transitions Running -> Draining -> Landed: stops accepting new
// submissions, cancels enqueued-but-not-started items, allows in-flight
// items up to the configured grace window, then joins every Worker and
// closes its connection.
func (s *Supervisor) Drain(ctx context.Context) error {
	if s.State() != Running {
		return fmt.Errorf("dqm %s: Drain called from state %s", s.Database, s.State())
	}
	s.setState(Draining)
	s.queues.Drain()

	s.mu.RLock()
	workers := make([]*Worker, len(s.workers))
	copy(workers, s.workers)
	s.mu.RUnlock()

	// Stopping the queues alone ends each Worker's loop once its current
	// item finishes; Worker.Stop is deliberately withheld here so an
	// in-flight backend call keeps its execution context for the full
	// grace window. A stop request preempts only the queue wait and the
	// reconnect backoff sleep, never an in-flight execute.
	s.queues.Stop()

	graceCtx, cancel := context.WithTimeout(ctx, s.drainGrace)
	defer cancel()
	for _, w := range workers {
		select {
		case <-w.Done():
		case <-graceCtx.Done():
		}
	}

	// Grace window elapsed (or every worker already exited); now preempt
	// whatever is still running and join the stragglers.
	for _, w := range workers {
		w.Stop()
	}
	for _, w := range workers {
		<-w.Done()
	}

	for _, w := range workers {
		_ = w.Disconnect(ctx)
	}
	if s.metrics != nil {
		s.metrics.SetConnections(s.Database, 0)
	}

	s.setState(Landed)
	if s.log != nil {
		s.log.WithField("database", s.Database).Info("dqm landed")
	}
	return nil
}
