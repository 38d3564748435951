package events

import (
	"sync"
	"testing"
	"time"
)

func TestBus_DeliversInPublishOrder(t *testing.T) {
	b := NewBus()
	defer b.Close()

	var mu sync.Mutex
	var got []string
	cancel := b.Subscribe("test", func(ev Event) {
		mu.Lock()
		got = append(got, ev.Name())
		mu.Unlock()
	})
	defer cancel()

	b.Publish(MatchStarted{GameID: "g1"})
	b.Publish(MatchEnded{GameID: "g1"})
	b.Publish(LogsUploaded{GameID: "g1", URL: "http://x"})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	})
	mu.Lock()
	defer mu.Unlock()
	if got[0] != "match_started" || got[1] != "match_ended" || got[2] != "logs_uploaded" {
		t.Fatalf("order = %v", got)
	}
}

func TestBus_SubscriberPanicDoesNotStopDelivery(t *testing.T) {
	b := NewBus()
	defer b.Close()

	var mu sync.Mutex
	var seen int
	cancel := b.Subscribe("panicky", func(ev Event) {
		mu.Lock()
		seen++
		mu.Unlock()
		if ev.Name() == "match_started" {
			panic("boom")
		}
	})
	defer cancel()

	b.Publish(MatchStarted{GameID: "g1"})
	b.Publish(MatchEnded{GameID: "g1"})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen == 2
	})
}

func TestBus_CancelStopsDelivery(t *testing.T) {
	b := NewBus()
	defer b.Close()

	var mu sync.Mutex
	var seen int
	cancel := b.Subscribe("test", func(Event) {
		mu.Lock()
		seen++
		mu.Unlock()
	})

	b.Publish(MatchStarted{GameID: "g1"})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen == 1
	})

	cancel()
	cancel() // second cancel is a no-op
	b.Publish(MatchEnded{GameID: "g1"})
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if seen != 1 {
		t.Fatalf("delivered after cancel: seen = %d", seen)
	}
}

func TestBus_FanOut(t *testing.T) {
	b := NewBus()

	var wg sync.WaitGroup
	wg.Add(2)
	b.Subscribe("a", func(Event) { wg.Done() })
	b.Subscribe("b", func(Event) { wg.Done() })

	b.Publish(MatchStarted{GameID: "g1"})
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("not all subscribers saw the event")
	}
	b.Close()
	b.Publish(MatchEnded{GameID: "g1"}) // after Close, a silent no-op
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
