package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	GameIDKey     = attribute.Key("game.id")
	GameNumberKey = attribute.Key("game.number")
	GameMapKey    = attribute.Key("game.map")
	GameStateKey  = attribute.Key("game.state")
	ServerIDKey   = attribute.Key("server.id")
)

// GameMetrics is the metric set covering the orchestration core.
type GameMetrics struct {
	gamesLaunched     metric.Int64Counter
	gamesEnded        metric.Int64Counter
	gamesInterrupted  metric.Int64Counter
	assignFailures    metric.Int64Counter
	substitutesAsked  metric.Int64Counter
	playersReplaced   metric.Int64Counter
	assignLatency     metric.Float64Histogram
	orphanedGamesSeen metric.Int64Counter
}

func NewGameMetrics(m metric.Meter) (*GameMetrics, error) {
	var g GameMetrics
	var err error
	if g.gamesLaunched, err = m.Int64Counter("pickup.games.launched",
		metric.WithDescription("Games that reached the active state")); err != nil {
		return nil, err
	}
	if g.gamesEnded, err = m.Int64Counter("pickup.games.ended",
		metric.WithDescription("Games that ended normally")); err != nil {
		return nil, err
	}
	if g.gamesInterrupted, err = m.Int64Counter("pickup.games.interrupted",
		metric.WithDescription("Games that were interrupted")); err != nil {
		return nil, err
	}
	if g.assignFailures, err = m.Int64Counter("pickup.assign.failures",
		metric.WithDescription("Server assignment attempts that failed")); err != nil {
		return nil, err
	}
	if g.substitutesAsked, err = m.Int64Counter("pickup.substitutes.requested",
		metric.WithDescription("Substitute requests raised")); err != nil {
		return nil, err
	}
	if g.playersReplaced, err = m.Int64Counter("pickup.substitutes.fulfilled",
		metric.WithDescription("Substitute requests fulfilled")); err != nil {
		return nil, err
	}
	if g.assignLatency, err = m.Float64Histogram("pickup.assign.duration",
		metric.WithDescription("Time spent picking and booking a server"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if g.orphanedGamesSeen, err = m.Int64Counter("pickup.sweep.orphaned_games",
		metric.WithDescription("Orphaned games found by the recovery sweep")); err != nil {
		return nil, err
	}
	return &g, nil
}

func (g *GameMetrics) GameLaunched(ctx context.Context, gameID string, number int64) {
	if g == nil {
		return
	}
	g.gamesLaunched.Add(ctx, 1, metric.WithAttributes(GameIDKey.String(gameID), GameNumberKey.Int64(number)))
}

func (g *GameMetrics) GameEnded(ctx context.Context, gameID string) {
	if g == nil {
		return
	}
	g.gamesEnded.Add(ctx, 1, metric.WithAttributes(GameIDKey.String(gameID)))
}

func (g *GameMetrics) GameInterrupted(ctx context.Context, gameID string) {
	if g == nil {
		return
	}
	g.gamesInterrupted.Add(ctx, 1, metric.WithAttributes(GameIDKey.String(gameID)))
}

func (g *GameMetrics) AssignFailed(ctx context.Context, gameID string) {
	if g == nil {
		return
	}
	g.assignFailures.Add(ctx, 1, metric.WithAttributes(GameIDKey.String(gameID)))
}

func (g *GameMetrics) AssignTook(ctx context.Context, d time.Duration, serverID string) {
	if g == nil {
		return
	}
	g.assignLatency.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(ServerIDKey.String(serverID)))
}

func (g *GameMetrics) SubstituteRequested(ctx context.Context, gameID string) {
	if g == nil {
		return
	}
	g.substitutesAsked.Add(ctx, 1, metric.WithAttributes(GameIDKey.String(gameID)))
}

func (g *GameMetrics) PlayerReplaced(ctx context.Context, gameID string) {
	if g == nil {
		return
	}
	g.playersReplaced.Add(ctx, 1, metric.WithAttributes(GameIDKey.String(gameID)))
}

func (g *GameMetrics) OrphanedGames(ctx context.Context, n int64) {
	if g == nil {
		return
	}
	g.orphanedGamesSeen.Add(ctx, n)
}
