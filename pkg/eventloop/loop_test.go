package eventloop

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestQueueDispatchOrder(t *testing.T) {
	loop := New(Config{})
	q := NewQueue[int]("test", 8)

	var got []int
	err := AddQueue(loop, q, Options{Priority: PriorityNormal}, func(v int) {
		got = append(got, v)
		if len(got) == 3 {
			loop.Stop()
		}
	})
	if err != nil {
		t.Fatalf("AddQueue failed: %v", err)
	}

	for i := 1; i <= 3; i++ {
		if err := q.Enqueue(i); err != nil {
			t.Fatalf("Enqueue(%d) failed: %v", i, err)
		}
	}

	if err := loop.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := []int{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("dispatched %d elements, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("element %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestPriorityOverridesRegistrationOrder(t *testing.T) {
	loop := New(Config{})
	low := NewQueue[string]("low", 8)
	high := NewQueue[string]("high", 8)

	var got []string
	record := func(v string) {
		got = append(got, v)
		if len(got) == 4 {
			loop.Stop()
		}
	}

	// Low priority registered first; high must still win the sweep
	if err := AddQueue(loop, low, Options{Priority: PriorityLow}, record); err != nil {
		t.Fatalf("AddQueue(low) failed: %v", err)
	}
	if err := AddQueue(loop, high, Options{Priority: PriorityHigh}, record); err != nil {
		t.Fatalf("AddQueue(high) failed: %v", err)
	}

	low.Enqueue("l1")
	low.Enqueue("l2")
	high.Enqueue("h1")
	high.Enqueue("h2")

	if err := loop.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := []string{"h1", "h2", "l1", "l2"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dispatch order = %v, want %v", got, want)
		}
	}
}

func TestSamePriorityFollowsRegistrationOrder(t *testing.T) {
	loop := New(Config{})
	a := NewQueue[string]("a", 8)
	b := NewQueue[string]("b", 8)

	var got []string
	record := func(v string) {
		got = append(got, v)
		if len(got) == 2 {
			loop.Stop()
		}
	}

	if err := AddQueue(loop, a, Options{Priority: PriorityNormal}, record); err != nil {
		t.Fatalf("AddQueue(a) failed: %v", err)
	}
	if err := AddQueue(loop, b, Options{Priority: PriorityNormal}, record); err != nil {
		t.Fatalf("AddQueue(b) failed: %v", err)
	}

	// Fill b before a; a still dispatches first
	b.Enqueue("from-b")
	a.Enqueue("from-a")

	if err := loop.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got[0] != "from-a" || got[1] != "from-b" {
		t.Errorf("dispatch order = %v, want [from-a from-b]", got)
	}
}

func TestTimerFires(t *testing.T) {
	loop := New(Config{})

	ticks := 0
	_, err := loop.AddTimer("tick", 5*time.Millisecond, Options{}, func() {
		ticks++
		if ticks == 3 {
			loop.Stop()
		}
	})
	if err != nil {
		t.Fatalf("AddTimer failed: %v", err)
	}

	if err := loop.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if ticks != 3 {
		t.Errorf("ticks = %d, want 3", ticks)
	}
}

func TestTimerRejectsNonPositiveInterval(t *testing.T) {
	loop := New(Config{})
	if _, err := loop.AddTimer("bad", 0, Options{}, func() {}); err == nil {
		t.Error("expected error for zero interval")
	}
}

func TestTriggerCoalesces(t *testing.T) {
	loop := New(Config{})

	count := 0
	trig, err := loop.AddTrigger("user", Options{}, func() {
		count++
		loop.Stop()
	})
	if err != nil {
		t.Fatalf("AddTrigger failed: %v", err)
	}

	// Multiple firings before the loop runs collapse into one dispatch
	trig.Fire()
	trig.Fire()
	trig.Fire()

	if err := loop.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if count != 1 {
		t.Errorf("dispatches = %d, want 1", count)
	}
}

func TestPrepareGatesSource(t *testing.T) {
	loop := New(Config{})
	q := NewQueue[string]("gated", 8)

	var ready atomic.Bool
	var got []string

	err := AddQueue(loop, q, Options{
		Priority: PriorityNormal,
		Prepare:  ready.Load,
	}, func(v string) {
		got = append(got, v)
		loop.Stop()
	})
	if err != nil {
		t.Fatalf("AddQueue failed: %v", err)
	}

	// High-priority timer flips the gate; until then the queued element
	// must stay undelivered.
	_, err = loop.AddTimer("gate", 5*time.Millisecond, Options{Priority: PriorityHigh}, func() {
		got = append(got, "gate-open")
		ready.Store(true)
	})
	if err != nil {
		t.Fatalf("AddTimer failed: %v", err)
	}

	q.Enqueue("item")

	if err := loop.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(got) < 2 || got[0] != "gate-open" || got[len(got)-1] != "item" {
		t.Errorf("dispatch order = %v, want gate-open before item", got)
	}
}

func TestRemoveRunsFinalizeOnce(t *testing.T) {
	loop := New(Config{})
	q := NewQueue[int]("victim", 8)

	finalized := 0
	err := AddQueue(loop, q, Options{
		Finalize: func() { finalized++ },
	}, func(int) {})
	if err != nil {
		t.Fatalf("AddQueue failed: %v", err)
	}

	if err := loop.Remove("victim"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if finalized != 1 {
		t.Errorf("finalized = %d, want 1", finalized)
	}

	if err := loop.Remove("victim"); !errors.Is(err, ErrSourceNotFound) {
		t.Errorf("expected ErrSourceNotFound, got %v", err)
	}
	if finalized != 1 {
		t.Errorf("finalized = %d after double remove, want 1", finalized)
	}
}

func TestShutdownFinalizesInRegistrationOrder(t *testing.T) {
	loop := New(Config{})

	var finalized []string
	first := NewQueue[int]("first", 1)
	if err := AddQueue(loop, first, Options{
		Finalize: func() { finalized = append(finalized, "first") },
	}, func(int) { loop.Stop() }); err != nil {
		t.Fatalf("AddQueue failed: %v", err)
	}

	second := NewQueue[int]("second", 1)
	if err := AddQueue(loop, second, Options{
		Priority: PriorityHigh,
		Finalize: func() { finalized = append(finalized, "second") },
	}, func(int) {}); err != nil {
		t.Fatalf("AddQueue failed: %v", err)
	}

	first.Enqueue(1)

	if err := loop.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(finalized) != 2 || finalized[0] != "first" || finalized[1] != "second" {
		t.Errorf("finalize order = %v, want [first second]", finalized)
	}
}

func TestRunTwiceFails(t *testing.T) {
	loop := New(Config{})

	errCh := make(chan error, 1)
	go func() {
		errCh <- loop.Run()
	}()

	// Wait for the first Run to take ownership
	deadline := time.Now().Add(2 * time.Second)
	for !loop.Running() {
		if time.Now().After(deadline) {
			t.Fatal("loop never started")
		}
		time.Sleep(time.Millisecond)
	}

	if err := loop.Run(); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}

	loop.Stop()
	if err := <-errCh; err != nil {
		t.Errorf("first Run returned %v", err)
	}
}

func TestAddSourceWhileRunning(t *testing.T) {
	loop := New(Config{})

	// Keep the loop alive with an idle trigger
	if _, err := loop.AddTrigger("idle", Options{}, func() {}); err != nil {
		t.Fatalf("AddTrigger failed: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- loop.Run()
	}()
	deadline := time.Now().Add(2 * time.Second)
	for !loop.Running() {
		if time.Now().After(deadline) {
			t.Fatal("loop never started")
		}
		time.Sleep(time.Millisecond)
	}

	q := NewQueue[string]("late", 4)
	delivered := make(chan string, 1)
	err := AddQueue(loop, q, Options{Priority: PriorityNormal}, func(v string) {
		delivered <- v
		loop.Stop()
	})
	if err != nil {
		t.Fatalf("AddQueue failed: %v", err)
	}

	if err := q.Enqueue("hello"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	select {
	case v := <-delivered:
		if v != "hello" {
			t.Errorf("delivered %q, want %q", v, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("element never dispatched")
	}

	if err := <-errCh; err != nil {
		t.Errorf("Run returned %v", err)
	}
}

func TestDuplicateSourceName(t *testing.T) {
	loop := New(Config{})
	a := NewQueue[int]("dup", 1)
	b := NewQueue[int]("dup", 1)

	if err := AddQueue(loop, a, Options{}, func(int) {}); err != nil {
		t.Fatalf("first AddQueue failed: %v", err)
	}
	if err := AddQueue(loop, b, Options{}, func(int) {}); !errors.Is(err, ErrDuplicateSource) {
		t.Errorf("expected ErrDuplicateSource, got %v", err)
	}
}

func TestQueueTryEnqueueFull(t *testing.T) {
	q := NewQueue[int]("bounded", 2)

	if err := q.TryEnqueue(1); err != nil {
		t.Fatalf("TryEnqueue(1) failed: %v", err)
	}
	if err := q.TryEnqueue(2); err != nil {
		t.Fatalf("TryEnqueue(2) failed: %v", err)
	}
	if err := q.TryEnqueue(3); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
	if q.Len() != 2 || q.Cap() != 2 {
		t.Errorf("Len/Cap = %d/%d, want 2/2", q.Len(), q.Cap())
	}
}

func TestQueueClosed(t *testing.T) {
	q := NewQueue[int]("closing", 2)
	q.Close()
	q.Close() // idempotent

	if err := q.Enqueue(1); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Enqueue after close: expected ErrQueueClosed, got %v", err)
	}
	if err := q.TryEnqueue(1); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("TryEnqueue after close: expected ErrQueueClosed, got %v", err)
	}
}

func TestQueueDefaultCapacity(t *testing.T) {
	q := NewQueue[int]("defaulted", 0)
	if q.Cap() != DefaultQueueSize {
		t.Errorf("Cap = %d, want %d", q.Cap(), DefaultQueueSize)
	}
	if q.Name() != "defaulted" {
		t.Errorf("Name = %q", q.Name())
	}
}
