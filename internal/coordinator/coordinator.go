// Package coordinator drives games through their lifecycle: it creates
// them on behalf of the queue-forming collaborator, configures leased
// servers, reacts to match start/end telemetry, and force-ends games.
package coordinator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pickupstack/pickup/internal/events"
	"github.com/pickupstack/pickup/internal/games"
	"github.com/pickupstack/pickup/internal/gameserver"
	"github.com/pickupstack/pickup/internal/rcon"
	"github.com/pickupstack/pickup/internal/telemetry"
)

// Releaser returns a game's leased server to the pool. Implemented by the
// assigner so that all pool mutation stays behind its lock.
type Releaser interface {
	Release(ctx context.Context, gameID string, reason gameserver.ReleaseReason) error
}

// ActiveGames maintains the player -> current game pointer.
type ActiveGames interface {
	Set(ctx context.Context, playerID, gameID string) error
	Clear(ctx context.Context, playerID, gameID string) error
}

// Config carries the knobs of the remote configuration exchange.
type Config struct {
	// LogAddress is the host:port game servers relay their log lines to.
	LogAddress string `yaml:"log_address"`
	// ExecConfig is the server config executed before changelevel.
	ExecConfig string `yaml:"exec_config"`
	// ConfigureTimeout bounds the whole command sequence.
	ConfigureTimeout time.Duration `yaml:"configure_timeout"`
}

type Coordinator struct {
	repo    *games.Repo
	pool    *gameserver.Pool
	bus     *events.Bus
	rel     Releaser
	active  ActiveGames
	metrics *telemetry.GameMetrics
	cfg     Config

	mu        sync.Mutex
	passwords map[string]string // game id -> connect password, for connect-info
}

func New(repo *games.Repo, pool *gameserver.Pool, bus *events.Bus, rel Releaser, active ActiveGames, metrics *telemetry.GameMetrics, cfg Config) *Coordinator {
	if cfg.ConfigureTimeout <= 0 {
		cfg.ConfigureTimeout = 30 * time.Second
	}
	if cfg.ExecConfig == "" {
		cfg.ExecConfig = "pickup"
	}
	return &Coordinator{
		repo:      repo,
		pool:      pool,
		bus:       bus,
		rel:       rel,
		active:    active,
		metrics:   metrics,
		cfg:       cfg,
		passwords: map[string]string{},
	}
}

// Start reacts to match telemetry events until ctx is cancelled.
func (c *Coordinator) Start(ctx context.Context) (cancel func()) {
	return c.bus.Subscribe("coordinator", func(ev events.Event) {
		switch e := ev.(type) {
		case events.MatchStarted:
			c.handleMatchStarted(ctx, e.GameID)
		case events.MatchEnded:
			c.handleMatchEnded(ctx, e.GameID)
		case events.PlayerReplaced:
			c.handlePlayerReplaced(ctx, e)
		}
	})
}

// CreateGame is the entry point the queue-forming collaborator calls once
// a full team lineup is ready. All slots start active; assignment is
// triggered by the published event.
func (c *Coordinator) CreateGame(ctx context.Context, mapName string, slots []games.NewSlot) (*games.Game, error) {
	g, err := c.repo.Create(ctx, mapName, slots)
	if err != nil {
		return nil, err
	}
	for _, s := range g.Slots {
		if err := c.active.Set(ctx, s.PlayerID, g.ID); err != nil {
			slog.Error("setting active-game pointer failed", "player", s.PlayerID, "error", err)
		}
	}
	slog.Info("game created", "game", g.Number, "map", g.Map, "slots", len(g.Slots))
	c.bus.Publish(events.GameCreated{Game: g})
	return g, nil
}

// Configure issues the ordered command set to the game's leased server and
// advances configuring -> launching. A failure or timeout is terminal for
// the game: it transitions to interrupted and the server goes back for a
// full reset. Called by the assigner outside its lock.
func (c *Coordinator) Configure(ctx context.Context, g *games.Game) {
	ctx, cancelTimeout := context.WithTimeout(ctx, c.cfg.ConfigureTimeout)
	defer cancelTimeout()

	if err := c.configureServer(ctx, g); err != nil {
		slog.Error("configuring server failed", "game", g.Number, "server", g.GameServer, "error", err)
		c.interrupt(context.WithoutCancel(ctx), g.ID)
		return
	}

	updated, err := c.repo.UpdateInState(ctx, g.ID, []games.GameState{games.StateConfiguring}, func(g *games.Game) error {
		g.State = games.StateLaunching
		return nil
	})
	if err != nil {
		if !errors.Is(err, games.ErrStaleState) {
			slog.Error("marking game as launching failed", "game", g.Number, "error", err)
		}
		return
	}
	slog.Info("game configured", "game", updated.Number, "server", updated.GameServer)
	c.bus.Publish(events.GameChanged{Old: g, New: updated})
}

func (c *Coordinator) configureServer(ctx context.Context, g *games.Game) error {
	controls, err := c.pool.Controls(ctx, g.GameServerID)
	if err != nil {
		return err
	}
	defer controls.Close()

	password := newPassword()
	c.mu.Lock()
	c.passwords[g.ID] = password
	c.mu.Unlock()

	cmds := []string{rcon.DelAllGamePlayers()}
	for _, s := range g.Slots {
		cmds = append(cmds, rcon.AddGamePlayer(s.PlayerID, s.PlayerID, s.Team, s.GameClass))
	}
	cmds = append(cmds,
		rcon.EnablePlayerWhitelist(),
		rcon.SetPassword(password),
		rcon.LogAddressAdd(c.cfg.LogAddress),
		rcon.LogSecret(g.LogSecret),
		rcon.ExecConfig(c.cfg.ExecConfig),
		rcon.Changelevel(g.Map),
	)
	for _, cmd := range cmds {
		if err := controls.Send(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

// ConnectInfo returns address and password players use to join, valid only
// while the game holds its lease.
func (c *Coordinator) ConnectInfo(ctx context.Context, gameID string) (address, password string, err error) {
	g, err := c.repo.GetByID(ctx, gameID)
	if err != nil {
		return "", "", err
	}
	if g.GameServerID == "" || g.GameServerAddress == "" {
		return "", "", gameserver.ErrServerUnavailable
	}
	c.mu.Lock()
	password = c.passwords[g.ID]
	c.mu.Unlock()
	return g.GameServerAddress, password, nil
}

func (c *Coordinator) handleMatchStarted(ctx context.Context, gameID string) {
	old, err := c.repo.GetByID(ctx, gameID)
	if err != nil {
		slog.Error("match started for unknown game", "game", gameID, "error", err)
		return
	}
	updated, err := c.repo.UpdateInState(ctx, gameID, []games.GameState{games.StateLaunching}, func(g *games.Game) error {
		g.State = games.StateActive
		now := time.Now()
		g.LaunchedAt = &now
		return nil
	})
	if err != nil {
		if !errors.Is(err, games.ErrStaleState) {
			slog.Error("marking game as active failed", "game", gameID, "error", err)
		}
		return
	}
	slog.Info("match started", "game", updated.Number)
	c.metrics.GameLaunched(ctx, updated.ID, updated.Number)
	c.bus.Publish(events.GameChanged{Old: old, New: updated})
}

func (c *Coordinator) handleMatchEnded(ctx context.Context, gameID string) {
	old, err := c.repo.GetByID(ctx, gameID)
	if err != nil {
		slog.Error("match ended for unknown game", "game", gameID, "error", err)
		return
	}
	updated, err := c.repo.UpdateInState(ctx, gameID, []games.GameState{games.StateActive}, func(g *games.Game) error {
		g.State = games.StateEnded
		now := time.Now()
		g.EndedAt = &now
		return nil
	})
	if err != nil {
		if !errors.Is(err, games.ErrStaleState) {
			slog.Error("marking game as ended failed", "game", gameID, "error", err)
		}
		return
	}
	slog.Info("match ended", "game", updated.Number)
	c.metrics.GameEnded(ctx, updated.ID)
	c.bus.Publish(events.GameChanged{Old: old, New: updated})
	c.finalize(ctx, updated, gameserver.ReleaseGameEnded)
}

// handlePlayerReplaced swaps the roster entry on the live server so the
// replacement can connect and the vacating player is let go.
func (c *Coordinator) handlePlayerReplaced(ctx context.Context, e events.PlayerReplaced) {
	g, err := c.repo.GetByID(ctx, e.GameID)
	if err != nil || g.GameServerID == "" {
		return
	}
	slot := g.SlotByPlayer(e.ReplacementID)
	if slot == nil {
		return
	}
	controls, err := c.pool.Controls(ctx, g.GameServerID)
	if err != nil {
		slog.Error("roster swap: no controls", "game", g.Number, "error", err)
		return
	}
	defer controls.Close()
	cmds := []string{
		rcon.DelGamePlayer(e.ReplaceeID),
		rcon.AddGamePlayer(e.ReplacementID, e.ReplacementID, slot.Team, slot.GameClass),
	}
	for _, cmd := range cmds {
		if err := controls.Send(ctx, cmd); err != nil {
			slog.Error("roster swap failed", "game", g.Number, "error", err)
			return
		}
	}
}

// ForceEnd interrupts an in-progress game. Slot statuses are left as they
// were for the terminal snapshot.
func (c *Coordinator) ForceEnd(ctx context.Context, gameID string) (*games.Game, error) {
	old, err := c.repo.GetByID(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if !old.IsInProgress() {
		return nil, &games.GameInWrongStateError{GameID: old.ID, State: old.State}
	}
	updated, err := c.repo.UpdateInState(ctx, gameID, games.InProgressStates, func(g *games.Game) error {
		g.State = games.StateInterrupted
		now := time.Now()
		g.EndedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("game force-ended", "game", updated.Number)
	c.metrics.GameInterrupted(ctx, updated.ID)
	c.bus.Publish(events.GameChanged{Old: old, New: updated})
	c.finalize(ctx, updated, gameserver.ReleaseGameInterrupted)
	return c.repo.GetByID(ctx, gameID)
}

// interrupt is the configuration-failure path.
func (c *Coordinator) interrupt(ctx context.Context, gameID string) {
	old, err := c.repo.GetByID(ctx, gameID)
	if err != nil {
		return
	}
	updated, err := c.repo.UpdateInState(ctx, gameID, games.InProgressStates, func(g *games.Game) error {
		g.State = games.StateInterrupted
		now := time.Now()
		g.EndedAt = &now
		return nil
	})
	if err != nil {
		if !errors.Is(err, games.ErrStaleState) {
			slog.Error("interrupting game failed", "game", gameID, "error", err)
		}
		return
	}
	c.metrics.GameInterrupted(ctx, updated.ID)
	c.bus.Publish(events.GameChanged{Old: old, New: updated})
	c.finalize(ctx, updated, gameserver.ReleaseGameInterrupted)
}

// finalize releases the lease and clears active-game pointers after a
// terminal transition.
func (c *Coordinator) finalize(ctx context.Context, g *games.Game, reason gameserver.ReleaseReason) {
	if g.GameServerID != "" {
		if err := c.rel.Release(ctx, g.ID, reason); err != nil {
			slog.Error("releasing server failed", "game", g.Number, "server", g.GameServerID, "error", err)
		}
	}
	for _, playerID := range g.ActivePlayerIDs() {
		if err := c.active.Clear(ctx, playerID, g.ID); err != nil {
			slog.Error("clearing active-game pointer failed", "player", playerID, "error", err)
		}
	}
	c.mu.Lock()
	delete(c.passwords, g.ID)
	c.mu.Unlock()
}

func newPassword() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
