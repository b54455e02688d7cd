package sched

import (
	"testing"
	"time"
)

func TestManualFiresDueTasksInOrder(t *testing.T) {
	t.Parallel()

	scheduler := NewManual()
	var order []string
	scheduler.After(5*time.Minute, func() { order = append(order, "second") })
	scheduler.After(1*time.Minute, func() { order = append(order, "first") })

	if fired := scheduler.Advance(10 * time.Minute); fired != 2 {
		t.Fatalf("expected 2 fired tasks, got %d", fired)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("unexpected fire order %v", order)
	}
	if scheduler.Pending() != 0 {
		t.Fatalf("expected no pending tasks")
	}
}

func TestManualDoesNotFireEarly(t *testing.T) {
	t.Parallel()

	scheduler := NewManual()
	fired := false
	scheduler.After(5*time.Minute, func() { fired = true })

	scheduler.Advance(4 * time.Minute)
	if fired {
		t.Fatalf("task fired before its due time")
	}
	scheduler.Advance(1 * time.Minute)
	if !fired {
		t.Fatalf("task did not fire at its due time")
	}
}

func TestManualCancelPreventsFire(t *testing.T) {
	t.Parallel()

	scheduler := NewManual()
	fired := false
	handle := scheduler.After(time.Minute, func() { fired = true })
	scheduler.Cancel(handle)

	scheduler.Advance(time.Hour)
	if fired {
		t.Fatalf("cancelled task fired")
	}
}

func TestManualFiresCallbackScheduledTasks(t *testing.T) {
	t.Parallel()

	scheduler := NewManual()
	var order []string
	scheduler.After(1*time.Minute, func() {
		order = append(order, "level1")
		scheduler.After(2*time.Minute, func() { order = append(order, "level2") })
	})

	if fired := scheduler.Advance(5 * time.Minute); fired != 2 {
		t.Fatalf("expected chained task to fire within the advance, got %d", fired)
	}
	if len(order) != 2 || order[1] != "level2" {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestRealCancelStopsTimer(t *testing.T) {
	t.Parallel()

	scheduler := NewReal()
	defer scheduler.Close()

	fired := make(chan struct{}, 1)
	handle := scheduler.After(50*time.Millisecond, func() { fired <- struct{}{} })
	scheduler.Cancel(handle)

	select {
	case <-fired:
		t.Fatalf("cancelled timer fired")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestRealFires(t *testing.T) {
	t.Parallel()

	scheduler := NewReal()
	defer scheduler.Close()

	fired := make(chan struct{}, 1)
	scheduler.After(10*time.Millisecond, func() { fired <- struct{}{} })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatalf("timer did not fire")
	}
}
