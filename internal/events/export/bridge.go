package export

import (
	"log/slog"
	"time"

	"github.com/pickupstack/pickup/internal/events"
)

// Attach subscribes the queue to the bus and forwards every lifecycle
// event, flattened to a map. Returns the unsubscribe function.
func Attach(bus *events.Bus, q Queue) func() {
	return bus.Subscribe("event-export", func(ev events.Event) {
		m := flatten(ev)
		if m == nil {
			return
		}
		m["event"] = ev.Name()
		m["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
		if err := q.PublishGameEvent(m); err != nil {
			slog.Error("event export: publish", "event", ev.Name(), "error", err)
		}
	})
}

func flatten(ev events.Event) map[string]any {
	switch e := ev.(type) {
	case events.GameCreated:
		return map[string]any{"game_id": e.Game.ID, "number": e.Game.Number, "map": e.Game.Map}
	case events.GameChanged:
		return map[string]any{
			"game_id":   e.New.ID,
			"number":    e.New.Number,
			"old_state": e.Old.State.String(),
			"new_state": e.New.State.String(),
			"server":    e.New.GameServer,
		}
	case events.SubstituteRequested:
		return map[string]any{"game_id": e.GameID, "player_id": e.PlayerID}
	case events.SubstituteRequestCanceled:
		return map[string]any{"game_id": e.GameID, "player_id": e.PlayerID}
	case events.PlayerReplaced:
		return map[string]any{"game_id": e.GameID, "replacee_id": e.ReplaceeID, "replacement_id": e.ReplacementID}
	case events.MatchStarted:
		return map[string]any{"game_id": e.GameID}
	case events.MatchEnded:
		return map[string]any{"game_id": e.GameID}
	case events.LogsUploaded:
		return map[string]any{"game_id": e.GameID, "url": e.URL}
	default:
		return nil
	}
}
