package stream

import (
	"sync"
	"testing"
	"time"
)

func TestQueueDeliversInOrderAfterClose(t *testing.T) {
	q := NewQueue[int]()
	for i := 0; i < 1000; i++ {
		if !q.Push(i) {
			t.Fatalf("push %d refused", i)
		}
	}
	q.Close()
	if q.Push(1000) {
		t.Fatal("push after close should be refused")
	}

	want := 0
	for v := range q.C() {
		if v != want {
			t.Fatalf("got %d, want %d", v, want)
		}
		want++
	}
	if want != 1000 {
		t.Fatalf("received %d items, want 1000", want)
	}
}

func TestQueuePushNeverBlocks(t *testing.T) {
	q := NewQueue[string]()
	defer q.Abandon()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			q.Push("x")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("push blocked without a consumer")
	}
}

func TestQueueConcurrentProducers(t *testing.T) {
	q := NewQueue[int]()
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				q.Push(i)
			}
		}()
	}
	wg.Wait()
	q.Close()

	count := 0
	for range q.C() {
		count++
	}
	if count != 1000 {
		t.Fatalf("received %d items, want 1000", count)
	}
}

func TestQueueAbandonDropsPending(t *testing.T) {
	q := NewQueue[int]()
	q.Push(1)
	q.Push(2)
	q.Abandon()
	q.Abandon()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-q.C():
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("channel not closed after abandon")
		}
	}
}
