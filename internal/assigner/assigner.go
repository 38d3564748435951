// Package assigner guarantees that every in-progress game without a server
// eventually gets one, and that leasing decisions never race each other.
// All booking across all games is serialized by one mutex, because the
// server pool is a shared mutable resource with no transactional booking
// primitive of its own.
package assigner

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pickupstack/pickup/internal/events"
	"github.com/pickupstack/pickup/internal/games"
	"github.com/pickupstack/pickup/internal/gameserver"
	"github.com/pickupstack/pickup/internal/telemetry"
)

// Configurer pushes the server configuration sequence for a freshly
// assigned game. Runs outside the assigner lock.
type Configurer interface {
	Configure(ctx context.Context, game *games.Game)
}

const sweepPeriod = time.Minute

type Assigner struct {
	mu      sync.Mutex
	repo    *games.Repo
	pool    *gameserver.Pool
	bus     *events.Bus
	metrics *telemetry.GameMetrics

	cfgMu      sync.RWMutex
	configurer Configurer
}

func New(repo *games.Repo, pool *gameserver.Pool, bus *events.Bus, metrics *telemetry.GameMetrics) *Assigner {
	return &Assigner{repo: repo, pool: pool, bus: bus, metrics: metrics}
}

// SetConfigurer hooks the coordinator in. Kept separate from New because
// the coordinator needs the assigner to release servers.
func (a *Assigner) SetConfigurer(c Configurer) {
	a.cfgMu.Lock()
	a.configurer = c
	a.cfgMu.Unlock()
}

// Start subscribes to game-created events and runs the recovery sweep
// until ctx is cancelled.
func (a *Assigner) Start(ctx context.Context) {
	cancelSub := a.bus.Subscribe("assigner", func(ev events.Event) {
		created, ok := ev.(events.GameCreated)
		if !ok {
			return
		}
		// one attempt; the sweep is the retry mechanism
		if _, err := a.Assign(ctx, created.Game.ID, ""); err != nil {
			slog.Error("assigning server to new game failed", "game", created.Game.Number, "error", err)
		}
	})
	go func() {
		defer cancelSub()
		ticker := time.NewTicker(sweepPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.handleOrphanedGames(ctx)
			}
		}
	}()
}

// Assign books a server for the game, records the lease, and advances
// created games to configuring. If serverID is empty the provider's best
// free server is used. The game is left unassigned on failure so the next
// sweep retries it.
func (a *Assigner) Assign(ctx context.Context, gameID, serverID string) (*games.Game, error) {
	a.mu.Lock()
	g, err := a.doAssign(ctx, gameID, serverID)
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	a.triggerConfiguration(ctx, g)
	return g, nil
}

// handleOrphanedGames is the recovery sweep: oldest orphaned game first,
// one stuck game never blocks recovery of the others.
func (a *Assigner) handleOrphanedGames(ctx context.Context) {
	a.mu.Lock()
	orphaned, err := a.repo.ListOrphaned(ctx)
	if err != nil {
		a.mu.Unlock()
		slog.Error("listing orphaned games failed", "error", err)
		return
	}
	a.metrics.OrphanedGames(ctx, int64(len(orphaned)))
	var assigned []*games.Game
	for _, g := range orphaned {
		slog.Debug("launching game", "game", g.Number)
		got, err := a.doAssign(ctx, g.ID, "")
		if err != nil {
			slog.Error("sweep could not assign server", "game", g.Number, "error", err)
			continue
		}
		assigned = append(assigned, got)
	}
	a.mu.Unlock()
	for _, g := range assigned {
		a.triggerConfiguration(ctx, g)
	}
}

func (a *Assigner) doAssign(ctx context.Context, gameID, serverID string) (*games.Game, error) {
	g, err := a.repo.GetByID(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if !g.IsInProgress() {
		return nil, &games.GameInWrongStateError{GameID: g.ID, State: g.State}
	}
	// the 1:1 lease holds: keep the current server unless the caller
	// explicitly asks for a different one
	if g.GameServerID != "" && (serverID == "" || serverID == g.GameServerID) {
		return g, nil
	}

	start := time.Now()
	var details *gameserver.Details
	if serverID != "" {
		details, err = a.pool.Take(ctx, g.ID, serverID)
	} else {
		details, err = a.pool.TakeFirstFree(ctx, g.ID)
	}
	if err != nil {
		a.metrics.AssignFailed(ctx, g.ID)
		return nil, &games.CannotAssignGameServerError{GameID: g.ID, Number: g.Number, Err: err}
	}
	a.metrics.AssignTook(ctx, time.Since(start), details.ID)

	// server swap: free the old lease only once the new one is booked, so
	// the game never references an unleased server
	if g.GameServerID != "" {
		if err := a.pool.Release(ctx, g.GameServerID, g.ID, gameserver.ReleaseManual); err != nil {
			if relErr := a.pool.Release(ctx, details.ID, g.ID, gameserver.ReleaseManual); relErr != nil {
				slog.Error("releasing replacement server failed", "server", details.ID, "error", relErr)
			}
			return nil, &games.CannotAssignGameServerError{GameID: g.ID, Number: g.Number, Err: err}
		}
	}

	updated, err := a.repo.UpdateInState(ctx, g.ID, games.InProgressStates, func(g *games.Game) error {
		g.GameServerID = details.ID
		g.GameServer = details.Name
		g.GameServerAddress = connectAddress(details)
		if g.State == games.StateCreated {
			g.State = games.StateConfiguring
		}
		return nil
	})
	if err != nil {
		// the game advanced under us; hand the server straight back
		if relErr := a.pool.Release(ctx, details.ID, g.ID, gameserver.ReleaseManual); relErr != nil {
			slog.Error("releasing server after lost race failed", "server", details.ID, "error", relErr)
		}
		if errors.Is(err, games.ErrStaleState) {
			return a.repo.GetByID(ctx, gameID)
		}
		return nil, err
	}

	slog.Info("using server for game", "server", details.Name, "game", updated.Number)
	a.bus.Publish(events.GameChanged{Old: g, New: updated})
	return updated, nil
}

func connectAddress(d *gameserver.Details) string {
	if d.Address == "" {
		return ""
	}
	return net.JoinHostPort(d.Address, strconv.Itoa(d.Port))
}

// triggerConfiguration starts the remote configuration exchange outside
// the lock so a slow server cannot stall other leasing decisions.
func (a *Assigner) triggerConfiguration(ctx context.Context, g *games.Game) {
	if g.State != games.StateConfiguring {
		return
	}
	a.cfgMu.RLock()
	c := a.configurer
	a.cfgMu.RUnlock()
	if c == nil {
		return
	}
	go c.Configure(ctx, g)
}

// Release returns the game's leased server to the pool and clears the
// lease reference on the game.
func (a *Assigner) Release(ctx context.Context, gameID string, reason gameserver.ReleaseReason) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var serverID string
	_, err := a.repo.UpdateInState(ctx, gameID, games.AllStates, func(g *games.Game) error {
		serverID = g.GameServerID
		g.GameServerID = ""
		g.GameServer = ""
		g.GameServerAddress = ""
		return nil
	})
	if err != nil {
		return err
	}
	if serverID == "" {
		return nil
	}
	return a.pool.Release(ctx, serverID, gameID, reason)
}
