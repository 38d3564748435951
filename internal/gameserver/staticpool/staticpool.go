// Package staticpool is the Provider backed by a fixed, operator-managed
// list of game servers declared in a yaml file. The file is hot-reloaded:
// edits take effect without a restart, and servers currently leased keep
// their lease across reloads.
package staticpool

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pickupstack/pickup/internal/gameserver"
	"github.com/pickupstack/pickup/internal/rcon"
)

// Dialer opens a console connection to one server.
type Dialer func(address string, port int, password string) (gameserver.Controls, error)

// ServerConfig is one entry of the pool file.
type ServerConfig struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Address      string `yaml:"address"`
	Port         int    `yaml:"port"`
	RconPassword string `yaml:"rcon_password"`
}

// FileConfig is the pool file layout.
type FileConfig struct {
	Priority int            `yaml:"priority"`
	Servers  []ServerConfig `yaml:"servers"`
}

type server struct {
	cfg        ServerConfig
	assignedTo string // game id holding the lease, "" when free
	needsReset bool   // set after an interrupted release, cleared by cleanup
	removed    bool   // dropped from the file; discard once free
}

// Provider is the static pool.
type Provider struct {
	mu       sync.RWMutex
	priority int
	servers  map[string]*server
	order    []string // file order, selection preference
	dial     Dialer
}

func New(dial Dialer) *Provider {
	return &Provider{servers: map[string]*server{}, dial: dial}
}

// Load replaces the pool definition from the given file. Leased servers
// keep their lease; servers removed from the file are discarded once free.
func (p *Provider) Load(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read pool file: %w", err)
	}
	var fc FileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse pool file: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.priority = fc.Priority
	seen := map[string]bool{}
	p.order = p.order[:0]
	for _, sc := range fc.Servers {
		if sc.ID == "" {
			sc.ID = fmt.Sprintf("%s:%d", sc.Address, sc.Port)
		}
		seen[sc.ID] = true
		p.order = append(p.order, sc.ID)
		if existing, ok := p.servers[sc.ID]; ok {
			existing.cfg = sc
			existing.removed = false
			continue
		}
		p.servers[sc.ID] = &server{cfg: sc}
	}
	for id, s := range p.servers {
		if !seen[id] {
			if s.assignedTo == "" {
				delete(p.servers, id)
			} else {
				s.removed = true
			}
		}
	}
	slog.Info("static pool loaded", "servers", len(p.order), "priority", p.priority)
	return nil
}

func (p *Provider) Name() string { return "static" }

func (p *Provider) Priority() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.priority
}

// FindOptions lists free, offerable servers in file order.
func (p *Provider) FindOptions(ctx context.Context) ([]gameserver.Option, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []gameserver.Option
	for _, id := range p.order {
		s := p.servers[id]
		if s == nil || s.assignedTo != "" || s.needsReset || s.removed {
			continue
		}
		out = append(out, gameserver.Option{
			ID:       s.cfg.ID,
			Name:     s.cfg.Name,
			Address:  s.cfg.Address,
			Port:     s.cfg.Port,
			Provider: p.Name(),
		})
	}
	return out, nil
}

func (p *Provider) Take(ctx context.Context, gameID, serverID string) (*gameserver.Details, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.servers[serverID]
	if s == nil || s.assignedTo != "" || s.needsReset || s.removed {
		return nil, gameserver.ErrServerUnavailable
	}
	s.assignedTo = gameID
	return details(s), nil
}

func (p *Provider) TakeFirstFree(ctx context.Context, gameID string) (*gameserver.Details, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range p.order {
		s := p.servers[id]
		if s == nil || s.assignedTo != "" || s.needsReset || s.removed {
			continue
		}
		s.assignedTo = gameID
		return details(s), nil
	}
	return nil, gameserver.ErrNoFreeServer
}

// Release frees the server. An interrupted game leaves the server in an
// unknown state, so it is withheld from the pool until a full reset pass
// completes; a clean end only needs the roster cleared.
func (p *Provider) Release(ctx context.Context, serverID, gameID string, reason gameserver.ReleaseReason) error {
	p.mu.Lock()
	s := p.servers[serverID]
	if s == nil || s.assignedTo != gameID {
		p.mu.Unlock()
		return gameserver.ErrServerUnavailable
	}
	s.assignedTo = ""
	if s.removed {
		delete(p.servers, serverID)
		p.mu.Unlock()
		return nil
	}
	full := reason == gameserver.ReleaseGameInterrupted
	if full {
		s.needsReset = true
	}
	cfg := s.cfg
	p.mu.Unlock()

	go p.cleanup(cfg, full)
	return nil
}

func (p *Provider) cleanup(cfg ServerConfig, full bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cmds := []string{rcon.DelAllGamePlayers(), rcon.DisablePlayerWhitelist()}
	if full {
		cmds = append(cmds, rcon.KickAll(), rcon.SetPassword(""), rcon.LogSecret("0"))
	}
	err := p.sendAll(ctx, cfg, cmds)
	if err != nil {
		slog.Error("server cleanup failed", "server", cfg.Name, "error", err)
	}
	if full {
		p.mu.Lock()
		if s := p.servers[cfg.ID]; s != nil {
			// offer the server again even if cleanup partially failed;
			// the operator sees the error above
			s.needsReset = false
		}
		p.mu.Unlock()
	}
}

func (p *Provider) sendAll(ctx context.Context, cfg ServerConfig, cmds []string) error {
	c, err := p.dial(cfg.Address, cfg.Port, cfg.RconPassword)
	if err != nil {
		return err
	}
	defer c.Close()
	for _, cmd := range cmds {
		if err := c.Send(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) Controls(ctx context.Context, serverID string) (gameserver.Controls, error) {
	p.mu.RLock()
	s := p.servers[serverID]
	p.mu.RUnlock()
	if s == nil {
		return nil, gameserver.ErrServerUnavailable
	}
	return p.dial(s.cfg.Address, s.cfg.Port, s.cfg.RconPassword)
}

func details(s *server) *gameserver.Details {
	return &gameserver.Details{
		ID:       s.cfg.ID,
		Name:     s.cfg.Name,
		Address:  s.cfg.Address,
		Port:     s.cfg.Port,
		Provider: "static",
	}
}
