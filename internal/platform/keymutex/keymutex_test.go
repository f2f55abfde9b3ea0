package keymutex

import (
	"sync"
	"testing"
	"time"
)

func TestLockSerialisesSameKey(t *testing.T) {
	m := New()
	var counter int

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock("ord_1")
			counter++
			m.Unlock("ord_1")
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Fatalf("expected 50 increments, got %d", counter)
	}
	if m.Len() != 0 {
		t.Fatalf("expected entries to be released, got %d", m.Len())
	}
}

func TestDistinctKeysDoNotBlock(t *testing.T) {
	m := New()
	m.Lock("ord_1")
	defer m.Unlock("ord_1")

	done := make(chan struct{})
	go func() {
		m.Lock("ord_2")
		m.Unlock("ord_2")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestUnlockUnheldKeyPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	New().Unlock("ord_missing")
}
