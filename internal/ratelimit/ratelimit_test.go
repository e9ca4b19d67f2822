package ratelimit

import (
	"testing"
	"time"
)

func TestAdmitsUpToLimitThenDenies(t *testing.T) {
	l := New(3)
	defer l.Stop()

	addr := "203.0.113.5:4433"
	for i := 0; i < 3; i++ {
		if !l.Check(addr) {
			t.Fatalf("connection %d should be admitted", i+1)
		}
	}
	if l.Check(addr) {
		t.Fatal("4th connection within the same window must be denied")
	}
}

func TestDistinctAddressesHaveIndependentWindows(t *testing.T) {
	l := New(1)
	defer l.Stop()

	if !l.Check("10.0.0.1") {
		t.Fatal("first address should be admitted")
	}
	if !l.Check("10.0.0.2") {
		t.Fatal("second, distinct address should be admitted independently")
	}
	if l.Check("10.0.0.1") {
		t.Fatal("first address already exhausted its window")
	}
}

func TestWindowResetsAfterExpiry(t *testing.T) {
	l := New(1)
	defer l.Stop()

	addr := "203.0.113.5"
	if !l.Check(addr) {
		t.Fatal("first connection should be admitted")
	}
	if l.Check(addr) {
		t.Fatal("second connection should be denied before expiry")
	}

	// Force the window to have already ended by backdating the entry rather
	// than sleeping 60s in a test.
	l.mu.Lock()
	l.entries[addr].windowEnd = time.Now().Add(-time.Second)
	l.mu.Unlock()

	if !l.Check(addr) {
		t.Fatal("connection after window expiry should start a fresh window")
	}
}

func TestSweepRemovesExpiredEntries(t *testing.T) {
	l := New(5)
	defer l.Stop()

	l.Check("10.1.1.1")
	l.Check("10.1.1.2")

	l.mu.Lock()
	l.entries["10.1.1.1"].windowEnd = time.Now().Add(-time.Minute)
	l.mu.Unlock()

	l.sweep(time.Now())

	l.mu.Lock()
	_, stale := l.entries["10.1.1.1"]
	_, fresh := l.entries["10.1.1.2"]
	l.mu.Unlock()

	if stale {
		t.Fatal("expired entry should have been swept")
	}
	if !fresh {
		t.Fatal("unexpired entry should survive a sweep")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	l := New(1)
	l.Stop()
	l.Stop()
}
