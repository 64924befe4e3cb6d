package monstermq

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerFires(t *testing.T) {
	s := NewScheduler()
	defer s.Close()

	fired := make(chan string, 2)
	s.Schedule("b", time.Now().Add(60*time.Millisecond), func() { fired <- "b" })
	s.Schedule("a", time.Now().Add(10*time.Millisecond), func() { fired <- "a" })

	for _, want := range []string{"a", "b"} {
		select {
		case got := <-fired:
			if got != want {
				t.Fatalf("fired %q, want %q", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("task %q never fired", want)
		}
	}
}

func TestSchedulerCancel(t *testing.T) {
	s := NewScheduler()
	defer s.Close()

	var fired atomic.Bool
	s.Schedule("x", time.Now().Add(50*time.Millisecond), func() { fired.Store(true) })
	if !s.Cancel("x") {
		t.Fatal("Cancel of a pending task must return true")
	}
	if s.Cancel("x") {
		t.Error("second Cancel must return false")
	}
	time.Sleep(150 * time.Millisecond)
	if fired.Load() {
		t.Error("cancelled task fired")
	}
}

func TestSchedulerReplaceSameID(t *testing.T) {
	s := NewScheduler()
	defer s.Close()

	var first, second atomic.Bool
	s.Schedule("will:c1", time.Now().Add(30*time.Millisecond), func() { first.Store(true) })
	s.Schedule("will:c1", time.Now().Add(60*time.Millisecond), func() { second.Store(true) })

	deadline := time.Now().Add(2 * time.Second)
	for !second.Load() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if first.Load() {
		t.Error("replaced task fired")
	}
	if !second.Load() {
		t.Error("replacement task never fired")
	}
}
