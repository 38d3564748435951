package export

import (
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/pickupstack/pickup/internal/events"
	"github.com/pickupstack/pickup/internal/games"
)

type captureQueue struct {
	mu        sync.Mutex
	published []map[string]any
}

func (q *captureQueue) PublishGameEvent(evt map[string]any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.published = append(q.published, evt)
	return nil
}

func (q *captureQueue) Close() error { return nil }

func (q *captureQueue) all() []map[string]any {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]map[string]any, len(q.published))
	copy(out, q.published)
	return out
}

func TestAttach_ForwardsFlattenedEvents(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	q := &captureQueue{}
	detach := Attach(bus, q)
	defer detach()

	old := &games.Game{ID: "g1", Number: 7, Map: "cp_process", State: games.StateCreated}
	new_ := &games.Game{ID: "g1", Number: 7, Map: "cp_process", State: games.StateConfiguring, GameServer: "alpha"}
	bus.Publish(events.GameChanged{Old: old, New: new_})
	bus.Publish(events.PlayerReplaced{GameID: "g1", ReplaceeID: "p1", ReplacementID: "p2"})

	deadline := time.Now().Add(time.Second)
	for len(q.all()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("published = %v", q.all())
		}
		time.Sleep(time.Millisecond)
	}

	got := q.all()
	first := got[0]
	if first["event"] != "game_changed" || first["old_state"] != "created" || first["new_state"] != "configuring" || first["server"] != "alpha" {
		t.Fatalf("first = %v", first)
	}
	if first["ts"] == "" {
		t.Fatal("missing timestamp")
	}
	second := got[1]
	if second["event"] != "player_replaced" || second["replacee_id"] != "p1" || second["replacement_id"] != "p2" {
		t.Fatalf("second = %v", second)
	}
}

func TestNewFromConfig_DefaultsToNoop(t *testing.T) {
	v := viper.New()
	if _, ok := NewFromConfig(v).(*Noop); !ok {
		t.Fatal("empty config should yield the noop queue")
	}

	v.Set("export.type", "carrier-pigeon")
	if _, ok := NewFromConfig(v).(*Noop); !ok {
		t.Fatal("unsupported type should fall back to noop")
	}
}
