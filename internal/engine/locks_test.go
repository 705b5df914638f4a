package engine

import (
	"sync"
	"testing"
)

func TestJobLocksPrune(t *testing.T) {
	l := newJobLocks()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.lock("job-1")
			counter++
			unlock()
			unlock()
		}()
	}
	wg.Wait()
	if counter != 20 {
		t.Fatalf("expected 20 increments, got %d", counter)
	}
	if n := l.size(); n != 0 {
		t.Fatalf("expected lock entries pruned, got %d", n)
	}
}
