package lib

import (
	"sync"
	"testing"
)

func TestQueueKeepsOrder(t *testing.T) {
	q := NewQueue[int]()
	for i := 0; i < 5; i++ {
		q.Push(i)
	}
	<-q.Ready()
	got := q.Drain()
	for i, v := range got {
		if v != i {
			t.Fatalf("got %v, want 0..4 in order", got)
		}
	}
	if q.Len() != 0 {
		t.Errorf("queue not empty after drain: %d", q.Len())
	}
}

func TestQueueConcurrentProducers(t *testing.T) {
	q := NewQueue[int]()
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				q.Push(p*100 + i)
			}
		}()
	}
	wg.Wait()

	seen := map[int]bool{}
	last := map[int]int{}
	for _, v := range q.Drain() {
		producer := v / 100
		if prev, ok := last[producer]; ok && v < prev {
			t.Fatalf("producer %d reordered: %d after %d", producer, v, prev)
		}
		last[producer] = v
		seen[v] = true
	}
	if len(seen) != 800 {
		t.Errorf("got %d distinct items, want 800", len(seen))
	}
}

func TestQueueClose(t *testing.T) {
	q := NewQueue[string]()
	q.Push("a")
	left := q.Close()
	if len(left) != 1 || left[0] != "a" {
		t.Errorf("close returned %v", left)
	}
	if q.Push("b") {
		t.Error("push after close succeeded")
	}
	if !q.Closed() {
		t.Error("queue not reported closed")
	}
}
