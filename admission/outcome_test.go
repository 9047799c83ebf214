package admission

import (
	"sync"
	"testing"
	"time"
)

func TestAdmitOutcomeFirstWriterWins(t *testing.T) {
	p := NewAdmitOutcome()
	if got := p.Set(Admitted); got != Admitted {
		t.Fatalf("first set: %v", got)
	}
	if got := p.Set(Cancelled); got != Admitted {
		t.Fatalf("later set must observe the winner: %v", got)
	}
	if got, ok := p.Get(0); !ok || got != Admitted {
		t.Fatalf("get: %v ok=%v", got, ok)
	}
}

func TestAdmitOutcomeTimeout(t *testing.T) {
	p := NewAdmitOutcome()
	start := time.Now()
	if _, ok := p.Get(20 * time.Millisecond); ok {
		t.Fatalf("unset promise should time out")
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatalf("returned early")
	}
	// After the timeout the reader races a Set, same as the controller.
	if got := p.Set(RejectedOrTimedOut); got != RejectedOrTimedOut {
		t.Fatalf("post-timeout set: %v", got)
	}
}

func TestAdmitOutcomeConcurrentProducers(t *testing.T) {
	p := NewAdmitOutcome()
	var wg sync.WaitGroup
	results := make([]Outcome, 3)
	for i, o := range []Outcome{Admitted, Cancelled, RejectedOrTimedOut} {
		wg.Add(1)
		go func(i int, o Outcome) {
			defer wg.Done()
			results[i] = p.Set(o)
		}(i, o)
	}
	wg.Wait()
	// Every producer observed the same winner, and Get agrees.
	winner, ok := p.Get(time.Second)
	if !ok {
		t.Fatalf("promise should be set")
	}
	for i, r := range results {
		if r != winner {
			t.Fatalf("producer %d observed %v, winner %v", i, r, winner)
		}
	}
}

func TestAdmitOutcomePeek(t *testing.T) {
	p := NewAdmitOutcome()
	if _, ok := p.Peek(); ok {
		t.Fatalf("peek before set")
	}
	p.Set(Cancelled)
	if got, ok := p.Peek(); !ok || got != Cancelled {
		t.Fatalf("peek after set: %v ok=%v", got, ok)
	}
}
