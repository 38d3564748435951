// Package events is the in-process publish/subscribe channel decoupling
// lifecycle transitions from their consumers. Delivery is ordered per
// subscriber; there is no ordering guarantee across subscribers. A failing
// or slow subscriber never stops the publisher or its peers.
package events

import (
	"log/slog"
	"sync"

	"github.com/pickupstack/pickup/internal/games"
)

// Event is one lifecycle notification.
type Event interface{ Name() string }

type GameCreated struct{ Game *games.Game }

type GameChanged struct{ Old, New *games.Game }

type SubstituteRequested struct{ GameID, PlayerID string }

type SubstituteRequestCanceled struct{ GameID, PlayerID string }

type PlayerReplaced struct{ GameID, ReplaceeID, ReplacementID string }

type MatchStarted struct{ GameID string }

type MatchEnded struct{ GameID string }

type LogsUploaded struct{ GameID, URL string }

func (GameCreated) Name() string               { return "game_created" }
func (GameChanged) Name() string               { return "game_changed" }
func (SubstituteRequested) Name() string       { return "substitute_requested" }
func (SubstituteRequestCanceled) Name() string { return "substitute_request_canceled" }
func (PlayerReplaced) Name() string            { return "player_replaced" }
func (MatchStarted) Name() string              { return "match_started" }
func (MatchEnded) Name() string                { return "match_ended" }
func (LogsUploaded) Name() string              { return "logs_uploaded" }

// Handler consumes one event. Handlers for the same subscriber run
// sequentially in publish order.
type Handler func(Event)

type subscriber struct {
	name string
	ch   chan Event
	done chan struct{}
}

// Bus fans events out to subscribers, one goroutine per subscriber.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscriber
	closed bool
}

func NewBus() *Bus { return &Bus{} }

const subscriberBuffer = 256

// Subscribe registers a handler under a diagnostic name. The returned
// function cancels the subscription. Panicking handlers are recovered and
// logged; delivery continues with the next event.
func (b *Bus) Subscribe(name string, h Handler) (cancel func()) {
	s := &subscriber{name: name, ch: make(chan Event, subscriberBuffer), done: make(chan struct{})}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	go func() {
		for ev := range s.ch {
			deliver(name, h, ev)
		}
		close(s.done)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.remove(s)
			close(s.ch)
			<-s.done
		})
	}
}

func deliver(name string, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event subscriber panicked", "subscriber", name, "event", ev.Name(), "panic", r)
		}
	}()
	h(ev)
}

// Publish enqueues the event for every subscriber. A subscriber whose
// buffer is full misses the event; the publisher is never blocked.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			slog.Warn("event subscriber backlogged, dropping event", "subscriber", s.name, "event", ev.Name())
		}
	}
}

func (b *Bus) remove(target *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == target {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Close stops delivery and waits for subscriber goroutines to drain.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.closed = true
	b.mu.Unlock()
	for _, s := range subs {
		close(s.ch)
		<-s.done
	}
}
