package clock

import (
	"testing"
	"time"
)

func TestFakeAdvanceFiresDueWaiters(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	f := NewFake(start)

	early := f.After(time.Second)
	late := f.After(time.Minute)
	if f.Waiters() != 2 {
		t.Fatalf("Waiters() = %d, want 2", f.Waiters())
	}

	f.Advance(2 * time.Second)
	select {
	case got := <-early:
		if !got.Equal(start.Add(2 * time.Second)) {
			t.Errorf("fired at %v", got)
		}
	default:
		t.Fatal("early waiter did not fire")
	}
	select {
	case <-late:
		t.Fatal("late waiter fired too soon")
	default:
	}
	if f.Waiters() != 1 {
		t.Errorf("Waiters() = %d, want 1", f.Waiters())
	}
}

func TestAutoFake(t *testing.T) {
	start := time.Unix(0, 0)
	f := NewAutoFake(start)
	<-f.After(5 * time.Second)
	<-f.After(time.Second)
	if got := f.Now().Sub(start); got != 6*time.Second {
		t.Errorf("elapsed = %v, want 6s", got)
	}
}
