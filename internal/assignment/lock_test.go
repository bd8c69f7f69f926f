package assignment

import (
	"testing"
	"time"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	locks := newKeyedMutex()
	unlock := locks.lock("team-1|2026-09-02")

	acquired := make(chan struct{})
	go func() {
		release := locks.lock("team-1|2026-09-02")
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatalf("second holder acquired the lock before release")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatalf("second holder never acquired the lock")
	}
}

func TestKeyedMutexAllowsDifferentKeys(t *testing.T) {
	locks := newKeyedMutex()
	unlockFirst := locks.lock("team-1|2026-09-02")
	defer unlockFirst()

	done := make(chan struct{})
	go func() {
		release := locks.lock("team-1|2026-09-03")
		release()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("different key should not contend")
	}
}

func TestKeyedMutexDropsReleasedEntries(t *testing.T) {
	locks := newKeyedMutex()
	unlock := locks.lock("team-1|2026-09-02")
	unlock()

	locks.mu.Lock()
	defer locks.mu.Unlock()
	if len(locks.entries) != 0 {
		t.Fatalf("expected entries to be reclaimed, got %d", len(locks.entries))
	}
}
