package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case e, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription closed")
		}
		return e
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	return Event{}
}

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Shutdown()

	sub, err := bus.Subscribe(context.Background(), "mymaster")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	bus.Publish(Event{Type: ODown, Master: "mymaster", Node: "127.0.0.1:7000", Epoch: 1})
	e := receive(t, sub)
	if e.Type != ODown || e.Seq != 1 || e.Time.IsZero() {
		t.Errorf("event = %+v", e)
	}
	if got := e.String(); got != "+odown master mymaster 127.0.0.1:7000 #epoch 1" {
		t.Errorf("String() = %q", got)
	}
}

func TestMasterIsolationAndWildcard(t *testing.T) {
	bus := NewBus(10)
	defer bus.Shutdown()
	ctx := context.Background()

	a, _ := bus.Subscribe(ctx, "a")
	all, _ := bus.Subscribe(ctx, "")

	bus.Publish(Event{Type: SDown, Master: "b"})
	bus.Publish(Event{Type: SDown, Master: "a"})

	if e := receive(t, a); e.Master != "a" {
		t.Errorf("subscriber a got %+v", e)
	}
	if e := receive(t, all); e.Master != "b" {
		t.Errorf("wildcard first event %+v", e)
	}
	if e := receive(t, all); e.Master != "a" {
		t.Errorf("wildcard second event %+v", e)
	}
}

func TestRecent(t *testing.T) {
	bus := NewBus(3)
	defer bus.Shutdown()

	for i := 0; i < 5; i++ {
		m := "a"
		if i%2 == 1 {
			m = "b"
		}
		bus.Publish(Event{Type: SDown, Master: m})
	}

	all := bus.Recent("", 0, 10)
	if len(all) != 3 || all[0].Seq != 3 || all[2].Seq != 5 {
		t.Fatalf("Recent(all) = %+v", all)
	}
	if got := bus.Recent("a", 0, 10); len(got) != 2 || got[0].Seq != 3 || got[1].Seq != 5 {
		t.Errorf("Recent(a) = %+v", got)
	}
	if got := bus.Recent("", 4, 10); len(got) != 1 || got[0].Seq != 5 {
		t.Errorf("Recent(after 4) = %+v", got)
	}
	if got := bus.Recent("", 0, 1); len(got) != 1 || got[0].Seq != 5 {
		t.Errorf("Recent(n=1) = %+v", got)
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	bus := NewBus(10)
	defer bus.Shutdown()

	sub, _ := bus.Subscribe(context.Background(), "m")
	for i := 0; i < cap(sub.ch)+5; i++ {
		bus.Publish(Event{Type: SDown, Master: "m"})
	}
	if sub.Dropped() != 5 {
		t.Errorf("Dropped() = %d, want 5", sub.Dropped())
	}
}

func TestContextCancelUnsubscribes(t *testing.T) {
	bus := NewBus(10)
	defer bus.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	sub, _ := bus.Subscribe(ctx, "m")
	cancel()

	select {
	case _, ok := <-sub.C():
		if ok {
			t.Fatal("unexpected event")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after cancel")
	}
	if n := bus.SubscriberCount("m"); n != 0 {
		t.Errorf("SubscriberCount = %d", n)
	}
}

func TestShutdown(t *testing.T) {
	bus := NewBus(10)
	sub, _ := bus.Subscribe(context.Background(), "")
	bus.Shutdown()
	bus.Shutdown()

	if _, ok := <-sub.C(); ok {
		t.Error("channel should be closed")
	}
	if _, err := bus.Subscribe(context.Background(), ""); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe after shutdown = %v", err)
	}
	bus.Publish(Event{Type: SDown})
}

func TestConcurrentPublishUnsubscribe(t *testing.T) {
	bus := NewBus(100)
	defer bus.Shutdown()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				bus.Publish(Event{Type: SDown, Master: "m"})
			}
		}()
		go func() {
			defer wg.Done()
			sub, err := bus.Subscribe(context.Background(), "m")
			if err != nil {
				return
			}
			sub.Unsubscribe()
		}()
	}
	wg.Wait()
}
