package layout

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTryAcquireExclusiveFailsFastWhenHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".forge-lock")

	l1, err := TryAcquireExclusive(path)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer l1.Release()

	_, err = TryAcquireExclusive(path)
	if err == nil {
		t.Fatal("expected second TryAcquireExclusive to fail while the first lock is held")
	}
	held, ok := err.(*ErrLockHeld)
	if !ok {
		t.Fatalf("expected *ErrLockHeld, got %T: %v", err, err)
	}
	if held.HolderPID == 0 {
		t.Fatal("expected the holder PID to be recorded")
	}
}

func TestAcquireExclusiveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".forge-lock")

	l, err := AcquireExclusive(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Release(); err != nil {
		t.Fatal(err)
	}

	l2, err := AcquireExclusive(path, nil)
	if err != nil {
		t.Fatalf("re-acquiring after Release: %v", err)
	}
	l2.Release()
}

// TestNoConcurrentWriters exercises spec.md §8's "no concurrent writers"
// property directly: many goroutines race to acquire the build root lock,
// and an int32 held as a "currently inside the critical section" counter
// must never exceed 1.
func TestNoConcurrentWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".forge-lock")

	var inside int32
	var sawOverlap int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := AcquireExclusive(path, nil)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if atomic.AddInt32(&inside, 1) > 1 {
				atomic.StoreInt32(&sawOverlap, 1)
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			l.Release()
		}()
	}
	wg.Wait()

	if atomic.LoadInt32(&sawOverlap) != 0 {
		t.Fatal("more than one goroutine held the build root lock at once")
	}
}
