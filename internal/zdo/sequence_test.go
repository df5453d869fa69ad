package zdo

import (
	"sync"
	"testing"
)

func TestSequenceRangeAndWrap(t *testing.T) {
	s := NewSequence()
	for i := 1; i <= 254; i++ {
		got := s.Next()
		if got != uint8(i) {
			t.Fatalf("allocation %d = %d", i, got)
		}
	}
	// 255 is never produced; the sequence wraps back to 1.
	if got := s.Next(); got != 1 {
		t.Errorf("after 254 allocations, Next() = %d, want 1", got)
	}
	if got := s.Next(); got != 2 {
		t.Errorf("Next() = %d, want 2", got)
	}
}

func TestSequenceValuesAlwaysValid(t *testing.T) {
	s := NewSequence()
	for i := 0; i < 1000; i++ {
		got := s.Next()
		if got < 1 || got > 254 {
			t.Fatalf("allocation %d = %d, out of [1,254]", i, got)
		}
	}
}

func TestSequenceConcurrentAllocationIsUnique(t *testing.T) {
	s := NewSequence()
	const workers = 10
	const perWorker = 25 // 250 total, within one wrap period

	results := make(chan uint8, workers*perWorker)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				results <- s.Next()
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[uint8]bool)
	for id := range results {
		if seen[id] {
			t.Fatalf("duplicate transaction id %d", id)
		}
		seen[id] = true
	}
	if len(seen) != workers*perWorker {
		t.Errorf("got %d distinct ids, want %d", len(seen), workers*perWorker)
	}
}
