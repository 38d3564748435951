// Package gameserver defines the contract between the orchestration core
// and the pool of leasable game servers. The core exclusively decides when
// a lease starts and ends; providers exclusively own server runtime
// configuration.
package gameserver

import (
	"context"
	"errors"
)

// ReleaseReason tells the provider why a server is being freed so it can
// apply the matching cleanup policy.
type ReleaseReason string

const (
	ReleaseManual          ReleaseReason = "manual"
	ReleaseGameEnded       ReleaseReason = "game_ended"
	ReleaseGameInterrupted ReleaseReason = "game_interrupted"
)

var (
	// ErrNoFreeServer is returned when no provider can offer a server.
	ErrNoFreeServer = errors.New("no free game server")

	// ErrServerUnavailable is returned when the requested server does not
	// exist or is already leased.
	ErrServerUnavailable = errors.New("game server unavailable")
)

// Option is one leasable server as advertised by a provider.
type Option struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Address  string `json:"address"`
	Port     int    `json:"port"`
	Provider string `json:"provider"`
	Flavor   string `json:"flavor,omitempty"`
}

// Details describes a booked server.
type Details struct {
	ID       string
	Name     string
	Address  string
	Port     int
	Provider string
}

// Controls is direct access to a leased server. Only valid while the lease
// is held.
type Controls interface {
	// Send executes one fire-and-forget console command.
	Send(ctx context.Context, cmd string) error
	Close() error
}

// Provider exposes one inventory of leasable game servers.
type Provider interface {
	Name() string
	// Priority orders providers during selection; higher wins.
	Priority() int
	FindOptions(ctx context.Context) ([]Option, error)
	Take(ctx context.Context, gameID, serverID string) (*Details, error)
	TakeFirstFree(ctx context.Context, gameID string) (*Details, error)
	Release(ctx context.Context, serverID, gameID string, reason ReleaseReason) error
	Controls(ctx context.Context, serverID string) (Controls, error)
}
