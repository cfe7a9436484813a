package dqm

import (
	"testing"
	"time"
)

func TestQueuesStrictTierPriority(t *testing.T) {
	q := NewQueues("t", 0)

	slow := NewWorkItem(1, "", "SELECT 1", nil, Slow, time.Time{})
	medium := NewWorkItem(2, "", "SELECT 1", nil, Medium, time.Time{})
	fast := NewWorkItem(3, "", "SELECT 1", nil, Fast, time.Time{})
	cached := NewWorkItem(4, "", "SELECT 1", nil, Cached, time.Time{})

	for _, it := range []*WorkItem{slow, medium, fast, cached} {
		if err := q.Submit(it); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	want := []*WorkItem{cached, fast, medium, slow}
	for i, w := range want {
		got, ok := q.Dequeue()
		if !ok {
			t.Fatalf("dequeue %d: queue stopped unexpectedly", i)
		}
		if got.ID != w.ID {
			t.Fatalf("dequeue %d: got query_ref %d, want %d", i, got.QueryRef, w.QueryRef)
		}
	}
}

func TestQueuesFIFOWithinTier(t *testing.T) {
	q := NewQueues("t", 0)
	a := NewWorkItem(1, "", "", nil, Slow, time.Time{})
	b := NewWorkItem(2, "", "", nil, Slow, time.Time{})
	c := NewWorkItem(3, "", "", nil, Slow, time.Time{})
	for _, it := range []*WorkItem{a, b, c} {
		if err := q.Submit(it); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	for _, want := range []*WorkItem{a, b, c} {
		got, ok := q.Dequeue()
		if !ok || got.ID != want.ID {
			t.Fatalf("expected FIFO order, got %v want %v (ok=%v)", got, want, ok)
		}
	}
}

func TestQueuesSubmitQueueFull(t *testing.T) {
	q := NewQueues("t", 1)
	first := NewWorkItem(1, "", "", nil, Slow, time.Time{})
	second := NewWorkItem(2, "", "", nil, Slow, time.Time{})

	if err := q.Submit(first); err != nil {
		t.Fatalf("unexpected error on first submit: %v", err)
	}
	if err := q.Submit(second); err == nil {
		t.Fatal("expected QueueFull on second submit")
	}
}

func TestQueuesCancelBeforeDequeue(t *testing.T) {
	q := NewQueues("t", 0)
	item := NewWorkItem(1, "", "", nil, Slow, time.Time{})
	if err := q.Submit(item); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if outcome := q.Cancel(item.ID); outcome != Cancelled {
		t.Fatalf("Cancel = %v, want Cancelled", outcome)
	}

	got, ok := q.Dequeue()
	if !ok {
		t.Fatal("expected to dequeue the cancelled item")
	}
	if !got.Cancelled() {
		t.Fatal("expected dequeued item to report Cancelled() == true")
	}
}

func TestQueuesCancelUnknownID(t *testing.T) {
	q := NewQueues("t", 0)
	if outcome := q.Cancel("does-not-exist"); outcome != NotFound {
		t.Fatalf("Cancel = %v, want NotFound", outcome)
	}
}

func TestQueuesCancelAfterStartIsAlreadyStarted(t *testing.T) {
	q := NewQueues("t", 0)
	item := NewWorkItem(1, "", "", nil, Slow, time.Time{})
	if err := q.Submit(item); err != nil {
		t.Fatalf("submit: %v", err)
	}

	got, ok := q.Dequeue()
	if !ok || got.ID != item.ID {
		t.Fatalf("dequeue failed")
	}

	if outcome := q.Cancel(item.ID); outcome != AlreadyStarted {
		t.Fatalf("Cancel = %v, want AlreadyStarted", outcome)
	}
}

func TestQueuesDequeueBlocksUntilStop(t *testing.T) {
	q := NewQueues("t", 0)
	done := make(chan struct{})
	go func() {
		_, ok := q.Dequeue()
		if ok {
			t.Error("expected Dequeue to report !ok after Stop")
		}
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Dequeue returned before Stop was called")
	case <-time.After(20 * time.Millisecond):
	}

	q.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not return after Stop")
	}
}

func TestQueuesDrainCancelsQueuedOnly(t *testing.T) {
	q := NewQueues("t", 0)
	queued := NewWorkItem(1, "", "", nil, Slow, time.Time{})
	if err := q.Submit(queued); err != nil {
		t.Fatalf("submit: %v", err)
	}
	q.Drain()
	if !queued.Cancelled() {
		t.Fatal("expected queued item to be cancelled by Drain")
	}
}
