package domain

import (
	"strconv"
	"sync"
	"testing"
	"time"
)

func TestEventStamperEncodesMillisBase36(t *testing.T) {
	at := time.UnixMilli(1700000000000)
	stamper := NewEventStamperAt(func() time.Time { return at })

	got := stamper.Next()
	want := strconv.FormatInt(at.UnixMilli(), 36)
	if got != want {
		t.Fatalf("event id = %q, want %q", got, want)
	}
}

func TestEventStamperIsStrictlyIncreasingWithinSameMillisecond(t *testing.T) {
	at := time.UnixMilli(1700000000000)
	stamper := NewEventStamperAt(func() time.Time { return at })

	first := stamper.Next()
	second := stamper.Next()
	if first == second {
		t.Fatalf("expected distinct ids, both were %q", first)
	}

	firstValue, err := strconv.ParseInt(first, 36, 64)
	if err != nil {
		t.Fatalf("parse first id: %v", err)
	}
	secondValue, err := strconv.ParseInt(second, 36, 64)
	if err != nil {
		t.Fatalf("parse second id: %v", err)
	}
	if secondValue <= firstValue {
		t.Fatalf("second id %d is not after first id %d", secondValue, firstValue)
	}
}

func TestEventStamperIsSafeForConcurrentUse(t *testing.T) {
	stamper := NewEventStamper()

	const stamps = 64
	ids := make(chan string, stamps)
	var wg sync.WaitGroup
	for i := 0; i < stamps; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- stamper.Next()
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]struct{}, stamps)
	for id := range ids {
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate event id %q", id)
		}
		seen[id] = struct{}{}
	}
}
