package events

import (
	"fmt"
	"sync"
	"testing"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Notify(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.String()
	}
	return out
}

func TestSeverityPrefix(t *testing.T) {
	tests := []struct {
		name     string
		event    Event
		expected string
	}{
		{"success", Event{Severity: Success, Message: "train finished successful."}, "Success: train finished successful."},
		{"error", Event{Severity: Error, Message: "failed to train."}, "Error: failed to train."},
		{"info", Event{Severity: Info, Message: "collect 11 images, 200 are need."}, "collect 11 images, 200 are need."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.event.String(); got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestBus_FIFO(t *testing.T) {
	bus := NewBus(4)
	rec := &recorder{}
	bus.Subscribe(rec)
	bus.Start()

	for i := 0; i < 100; i++ {
		bus.Infof("event %d", i)
	}
	bus.Close()

	lines := rec.lines()
	if len(lines) != 100 {
		t.Fatalf("expected 100 events, got %d", len(lines))
	}
	for i, line := range lines {
		if want := fmt.Sprintf("event %d", i); line != want {
			t.Fatalf("event %d out of order: got %q", i, line)
		}
	}
}

func TestBus_EmptyMessageIsNoop(t *testing.T) {
	bus := NewBus(0)
	rec := &recorder{}
	bus.Subscribe(rec)
	bus.Start()

	bus.Publish(Event{})
	bus.Successf("")
	bus.Errorf("disk full")
	bus.Close()

	lines := rec.lines()
	if len(lines) != 1 || lines[0] != "Error: disk full" {
		t.Errorf("expected only the non-empty event, got %v", lines)
	}
}

func TestBus_PublishAfterCloseIsDropped(t *testing.T) {
	bus := NewBus(1)
	rec := &recorder{}
	bus.Subscribe(rec)
	bus.Start()

	bus.Successf("first")
	bus.Close()
	bus.Successf("late")
	bus.Close()

	lines := rec.lines()
	if len(lines) != 1 || lines[0] != "Success: first" {
		t.Errorf("unexpected events %v", lines)
	}
}

func TestBus_CloseWithoutConsumerDrains(t *testing.T) {
	bus := NewBus(8)
	rec := &recorder{}
	bus.Subscribe(rec)

	bus.Infof("a")
	bus.Infof("b")
	bus.Close()

	if lines := rec.lines(); len(lines) != 2 {
		t.Errorf("expected queued events to be delivered on close, got %v", lines)
	}
}

func TestBus_ConcurrentProducers(t *testing.T) {
	bus := NewBus(0)
	rec := &recorder{}
	bus.Subscribe(rec)
	bus.Start()

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				bus.Infof("p%d-%d", p, i)
			}
		}(p)
	}
	wg.Wait()
	bus.Close()

	lines := rec.lines()
	if len(lines) != 100 {
		t.Fatalf("expected 100 events, got %d", len(lines))
	}

	// Per-producer order is preserved.
	next := map[byte]int{}
	for _, line := range lines {
		var p, i int
		if _, err := fmt.Sscanf(line, "p%d-%d", &p, &i); err != nil {
			t.Fatalf("unexpected line %q", line)
		}
		if i != next[byte(p)] {
			t.Fatalf("producer %d out of order: got %d want %d", p, i, next[byte(p)])
		}
		next[byte(p)]++
	}
}

func TestObserverFunc(t *testing.T) {
	var got Event
	ObserverFunc(func(e Event) { got = e }).Notify(Event{Message: "x"})
	if got.Message != "x" {
		t.Errorf("ObserverFunc did not forward event")
	}
}
