package server

import (
	"sync"
	"testing"
)

func TestDrawLocksSerializeSameDraw(t *testing.T) {
	locks := newDrawLocks()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			locks.acquire("draw-1")
			counter++
			locks.release("draw-1")
		}()
	}
	wg.Wait()

	if counter != 32 {
		t.Fatalf("counter = %d, want 32", counter)
	}
}

func TestDrawLocksDropEntryWhenUnused(t *testing.T) {
	locks := newDrawLocks()

	locks.acquire("draw-1")
	locks.release("draw-1")

	locks.mu.Lock()
	defer locks.mu.Unlock()
	if len(locks.locks) != 0 {
		t.Fatalf("lock entries = %d, want 0 after release", len(locks.locks))
	}
}

func TestDrawLocksIndependentAcrossDraws(t *testing.T) {
	locks := newDrawLocks()

	locks.acquire("draw-1")
	done := make(chan struct{})
	go func() {
		locks.acquire("draw-2")
		locks.release("draw-2")
		close(done)
	}()
	<-done
	locks.release("draw-1")
}
