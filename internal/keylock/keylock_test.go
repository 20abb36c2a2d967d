package keylock

import (
	"sync"
	"testing"
)

func TestTable_SerializesSameKey(t *testing.T) {
	tbl := New()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := tbl.Lock("k")
			defer unlock()
			c := counter
			counter = c + 1
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Fatalf("expected 50, got %d", counter)
	}
	if tbl.Len() != 0 {
		t.Errorf("expected table to be empty, got %d entries", tbl.Len())
	}
}

func TestTable_DistinctKeysDoNotBlock(t *testing.T) {
	tbl := New()
	unlockA := tbl.Lock("a")
	done := make(chan struct{})
	go func() {
		unlock := tbl.Lock("b")
		unlock()
		close(done)
	}()
	<-done
	unlockA()
}
