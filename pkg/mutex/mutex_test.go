package mutex

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLockSerializesSameKey(t *testing.T) {
	var km KeyedMutex
	var inside atomic.Int32
	var wg sync.WaitGroup

	// Hammer one key from many goroutines; at most one may be inside the
	// critical section at a time, including goroutines that start after
	// earlier holders have already unlocked.
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			km.Lock("k")
			defer km.Unlock("k")

			if n := inside.Add(1); n != 1 {
				t.Errorf("%d goroutines inside the critical section", n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}

	wg.Wait()
}

func TestLockAfterUnlockStillExcludesHolder(t *testing.T) {
	var km KeyedMutex

	km.Lock("k")

	second := make(chan struct{})
	go func() {
		km.Lock("k")
		close(second)
	}()

	// Give the second goroutine time to block on the stored mutex, then
	// release; it must take over the lock.
	time.Sleep(20 * time.Millisecond)
	km.Unlock("k")
	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("second locker never acquired the lock")
	}

	// A third locker arriving now must wait for the second holder, even
	// though the first Unlock already happened.
	third := make(chan struct{})
	go func() {
		km.Lock("k")
		close(third)
	}()

	select {
	case <-third:
		t.Fatal("third locker acquired the lock while the second still holds it")
	case <-time.After(100 * time.Millisecond):
	}

	km.Unlock("k")
	select {
	case <-third:
	case <-time.After(2 * time.Second):
		t.Fatal("third locker never acquired the lock after release")
	}
	km.Unlock("k")
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	var km KeyedMutex

	km.Lock("a")
	defer km.Unlock("a")

	done := make(chan struct{})
	go func() {
		km.Lock("b")
		km.Unlock("b")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("independent key was blocked")
	}
}
