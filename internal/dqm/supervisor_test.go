package dqm

import (
	"context"
	"testing"
	"time"

	"github.com/hydrogen-dev/hydrogen/internal/engine"
)

func newTestSupervisor(t *testing.T, workers int) (*Supervisor, *fakeProvider) {
	t.Helper()
	p := &fakeProvider{tag: engine.Postgres}
	reg := newTestRegistry(p)
	s := NewSupervisor("t", engine.Endpoint{Tag: engine.Postgres}, workers, 0, reg, nil, NewMetrics())
	s.SetDrainGrace(time.Second)
	return s, p
}

func TestSupervisorLaunchRunsAndSubmits(t *testing.T) {
	s, _ := newTestSupervisor(t, 2)
	if err := s.Launch(context.Background()); err != nil {
		t.Fatalf("launch: %v", err)
	}
	defer s.Drain(context.Background())

	if s.State() != Running {
		t.Fatalf("state = %v, want Running", s.State())
	}

	item := NewWorkItem(1, "", "SELECT 1", nil, Fast, time.Time{})
	if outcome := s.Submit(item); outcome != Accepted {
		t.Fatalf("Submit = %v, want Accepted", outcome)
	}

	select {
	case res := <-item.Response():
		if res.Err != nil {
			t.Fatalf("unexpected error: %v", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestSupervisorSubmitBeforeLaunchIsNotRunning(t *testing.T) {
	s, _ := newTestSupervisor(t, 1)
	item := NewWorkItem(1, "", "SELECT 1", nil, Fast, time.Time{})
	if outcome := s.Submit(item); outcome != NotRunning {
		t.Fatalf("Submit = %v, want NotRunning", outcome)
	}
}

func TestSupervisorLaunchFailureLeavesInit(t *testing.T) {
	p := &fakeProvider{tag: engine.Postgres, failN: 10}
	reg := newTestRegistry(p)
	s := NewSupervisor("t", engine.Endpoint{Tag: engine.Postgres}, 2, 0, reg, nil, NewMetrics())

	if err := s.Launch(context.Background()); err == nil {
		t.Fatal("expected Launch to fail when every connect attempt fails")
	}
	if s.State() != Init {
		t.Fatalf("state = %v, want Init after a failed Launch", s.State())
	}
}

func TestSupervisorLaunchWithVerifyFailureRefusesRunning(t *testing.T) {
	s, _ := newTestSupervisor(t, 2)

	verifyErr := context.DeadlineExceeded
	err := s.LaunchWithVerify(context.Background(), func(context.Context) error {
		if s.State() != Launching {
			t.Errorf("verify ran in state %v, want Launching", s.State())
		}
		return verifyErr
	})
	if err != verifyErr {
		t.Fatalf("LaunchWithVerify err = %v, want %v", err, verifyErr)
	}
	if s.State() == Running {
		t.Fatal("expected the supervisor to refuse Running after a failed verify")
	}

	item := NewWorkItem(1, "", "SELECT 1", nil, Fast, time.Time{})
	if outcome := s.Submit(item); outcome != NotRunning {
		t.Fatalf("Submit = %v, want NotRunning after a failed verify", outcome)
	}
}

func TestSupervisorRunOnLeadDrivesLeadConnExclusively(t *testing.T) {
	s, _ := newTestSupervisor(t, 2)
	if err := s.Launch(context.Background()); err != nil {
		t.Fatalf("launch: %v", err)
	}
	defer s.Drain(context.Background())

	var sawConn engine.Conn
	err := s.RunOnLead(context.Background(), func(c engine.Conn) error {
		sawConn = c
		return nil
	})
	if err != nil {
		t.Fatalf("RunOnLead: %v", err)
	}
	if sawConn == nil {
		t.Fatal("expected RunOnLead's fn to receive a connection")
	}
}

func TestSupervisorRunOnLeadPropagatesError(t *testing.T) {
	s, _ := newTestSupervisor(t, 1)
	if err := s.Launch(context.Background()); err != nil {
		t.Fatalf("launch: %v", err)
	}
	defer s.Drain(context.Background())

	boom := context.DeadlineExceeded
	err := s.RunOnLead(context.Background(), func(c engine.Conn) error {
		return boom
	})
	if err != boom {
		t.Fatalf("RunOnLead err = %v, want %v", err, boom)
	}
}

func TestSupervisorDrainCancelsQueuedWork(t *testing.T) {
	s, _ := newTestSupervisor(t, 1)
	if err := s.Launch(context.Background()); err != nil {
		t.Fatalf("launch: %v", err)
	}

	// Occupy the single worker with a slow item so the next submission
	// stays queued until Drain cancels it.
	blocker := NewWorkItem(1, "", "", nil, Fast, time.Time{})
	blockCh := make(chan struct{})
	blocker.execFn = func(engine.Conn) error {
		<-blockCh
		return nil
	}
	if outcome := s.Submit(blocker); outcome != Accepted {
		t.Fatalf("Submit(blocker) = %v", outcome)
	}

	queued := NewWorkItem(2, "", "SELECT 1", nil, Fast, time.Time{})
	if outcome := s.Submit(queued); outcome != Accepted {
		t.Fatalf("Submit(queued) = %v", outcome)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(blockCh)
	}()

	if err := s.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if s.State() != Landed {
		t.Fatalf("state = %v, want Landed", s.State())
	}
	if !queued.Cancelled() {
		t.Fatal("expected the still-queued item to be cancelled by Drain")
	}
}

func TestSupervisorStatusReportsQueueDepths(t *testing.T) {
	s, _ := newTestSupervisor(t, 1)
	if err := s.Launch(context.Background()); err != nil {
		t.Fatalf("launch: %v", err)
	}
	defer s.Drain(context.Background())

	status := s.Status()
	if status.Database != "t" {
		t.Fatalf("Database = %q, want %q", status.Database, "t")
	}
	if status.State != Running {
		t.Fatalf("State = %v, want Running", status.State)
	}
	if len(status.Workers) != 1 {
		t.Fatalf("len(Workers) = %d, want 1", len(status.Workers))
	}
	if !status.Workers[0].Lead {
		t.Fatal("expected the sole worker to be lead")
	}
}

// blockingConn overrides fakeConn's Execute to block until the execution
// context is cancelled, recording when that happened, so drain tests can
// observe whether an in-flight backend call survives the grace window.
type blockingConn struct {
	*fakeConn
	started   chan struct{}
	cancelled chan time.Time
}

func (c *blockingConn) Execute(ctx context.Context, stmt engine.Statement, params []any, deadline time.Time) (engine.Result, error) {
	close(c.started)
	<-ctx.Done()
	c.cancelled <- time.Now()
	return engine.Result{}, ctx.Err()
}

type blockingProvider struct{ conn *blockingConn }

func (p *blockingProvider) Tag() engine.Tag { return engine.Postgres }

func (p *blockingProvider) Connect(ctx context.Context, endpoint engine.Endpoint) (engine.Conn, error) {
	return p.conn, nil
}

// TestDrainAllowsInFlightWorkTheFullGraceWindow pins the suspension-point
// rule: a stop request preempts the queue wait and the reconnect backoff,
// never an in-flight execute. Drain must leave a running backend call its
// execution context until the grace window elapses.
func TestDrainAllowsInFlightWorkTheFullGraceWindow(t *testing.T) {
	conn := &blockingConn{
		fakeConn:  newFakeConn(engine.Postgres),
		started:   make(chan struct{}),
		cancelled: make(chan time.Time, 1),
	}
	reg := engine.NewRegistry()
	reg.Register(&blockingProvider{conn: conn})

	s := NewSupervisor("t", engine.Endpoint{Tag: engine.Postgres}, 1, 0, reg, nil, NewMetrics())
	grace := 200 * time.Millisecond
	s.SetDrainGrace(grace)
	if err := s.Launch(context.Background()); err != nil {
		t.Fatalf("launch: %v", err)
	}

	item := NewWorkItem(1, "", "SELECT 1", nil, Slow, time.Time{})
	if outcome := s.Submit(item); outcome != Accepted {
		t.Fatalf("Submit = %v, want Accepted", outcome)
	}

	select {
	case <-conn.started:
	case <-time.After(time.Second):
		t.Fatal("worker never started the item")
	}

	drainStart := time.Now()
	if err := s.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	select {
	case at := <-conn.cancelled:
		if elapsed := at.Sub(drainStart); elapsed < grace {
			t.Fatalf("in-flight execute cancelled after %v, before the %v grace window", elapsed, grace)
		}
	default:
		t.Fatal("in-flight execute was never preempted")
	}

	if s.State() != Landed {
		t.Fatalf("state = %v, want Landed", s.State())
	}
}
