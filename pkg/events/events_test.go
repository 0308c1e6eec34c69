package events

import (
	"sync"
	"testing"
)

func TestBroadcasterSubscribeUnsubscribe(t *testing.T) {
	b := NewBroadcaster[string]()

	s1 := b.Subscribe(func(string) {})
	s2 := b.Subscribe(func(string) {})
	if b.Count() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", b.Count())
	}

	s1.Unsubscribe()
	s1.Unsubscribe()
	if b.Count() != 1 {
		t.Fatalf("expected 1 subscriber after unsubscribe, got %d", b.Count())
	}

	s2.Unsubscribe()
	if b.Count() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.Count())
	}
}

func TestBroadcasterForwardOnly(t *testing.T) {
	b := NewBroadcaster[string]()
	b.Publish("before")

	var got []string
	sub := b.Subscribe(func(v string) { got = append(got, v) })
	defer sub.Unsubscribe()

	b.Publish("a")
	b.Publish("b")

	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("expected [a b], got %v", got)
	}
}

func TestBroadcasterOrderAcrossSubscribers(t *testing.T) {
	b := NewBroadcaster[int]()
	var order []string
	b.Subscribe(func(int) { order = append(order, "first") })
	b.Subscribe(func(int) { order = append(order, "second") })

	b.Publish(1)

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("unexpected delivery order %v", order)
	}
}

func TestBroadcasterUnsubscribeInsideCallback(t *testing.T) {
	b := NewBroadcaster[int]()
	calls := 0
	var sub *Subscription
	sub = b.Subscribe(func(int) {
		calls++
		sub.Unsubscribe()
	})

	b.Publish(1)
	b.Publish(2)

	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestLatestReplaysCurrentValue(t *testing.T) {
	l := NewLatest(0)
	l.Publish(1)
	l.Publish(2)

	var got []int
	sub := l.Subscribe(func(v int) { got = append(got, v) })
	defer sub.Unsubscribe()
	l.Publish(3)

	if len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Fatalf("expected [2 3], got %v", got)
	}
	if l.Value() != 3 {
		t.Fatalf("expected value 3, got %d", l.Value())
	}
}

func TestLatestConcurrentPublish(t *testing.T) {
	l := NewLatest(0)
	var mu sync.Mutex
	seen := 0
	l.Subscribe(func(int) {
		mu.Lock()
		seen++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			l.Publish(v)
		}(i)
	}
	wg.Wait()

	if seen != 51 {
		t.Fatalf("expected 51 deliveries, got %d", seen)
	}
}

func TestNilSubscriptionUnsubscribe(t *testing.T) {
	var s *Subscription
	s.Unsubscribe()
}
