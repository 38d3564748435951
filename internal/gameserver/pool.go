package gameserver

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Pool aggregates every registered provider and selects across them by
// declared priority. The assigner talks to the pool only; it never needs
// to know which provider flavor backs a server.
type Pool struct {
	mu        sync.RWMutex
	providers []Provider
}

func NewPool(providers ...Provider) *Pool {
	p := &Pool{}
	for _, pr := range providers {
		p.Register(pr)
	}
	return p
}

func (p *Pool) Register(pr Provider) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.providers = append(p.providers, pr)
	sort.SliceStable(p.providers, func(i, j int) bool {
		return p.providers[i].Priority() > p.providers[j].Priority()
	})
}

func (p *Pool) snapshot() []Provider {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Provider, len(p.providers))
	copy(out, p.providers)
	return out
}

// FindAllOptions lists every server any provider can offer right now, in
// provider priority order.
func (p *Pool) FindAllOptions(ctx context.Context) ([]Option, error) {
	var all []Option
	for _, pr := range p.snapshot() {
		opts, err := pr.FindOptions(ctx)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", pr.Name(), err)
		}
		all = append(all, opts...)
	}
	return all, nil
}

// Take books a specific server, locating the provider that owns it.
func (p *Pool) Take(ctx context.Context, gameID, serverID string) (*Details, error) {
	for _, pr := range p.snapshot() {
		opts, err := pr.FindOptions(ctx)
		if err != nil {
			continue
		}
		for _, o := range opts {
			if o.ID == serverID {
				return pr.Take(ctx, gameID, serverID)
			}
		}
	}
	return nil, ErrServerUnavailable
}

// TakeFirstFree books the best available server, trying providers in
// priority order.
func (p *Pool) TakeFirstFree(ctx context.Context, gameID string) (*Details, error) {
	for _, pr := range p.snapshot() {
		d, err := pr.TakeFirstFree(ctx, gameID)
		if err == nil {
			return d, nil
		}
	}
	return nil, ErrNoFreeServer
}

// Release returns a server to whichever provider it came from.
func (p *Pool) Release(ctx context.Context, serverID, gameID string, reason ReleaseReason) error {
	var last error
	for _, pr := range p.snapshot() {
		err := pr.Release(ctx, serverID, gameID, reason)
		if err == nil {
			return nil
		}
		last = err
	}
	if last == nil {
		last = ErrServerUnavailable
	}
	return last
}

// Controls resolves direct access to a leased server.
func (p *Pool) Controls(ctx context.Context, serverID string) (Controls, error) {
	var last error
	for _, pr := range p.snapshot() {
		c, err := pr.Controls(ctx, serverID)
		if err == nil {
			return c, nil
		}
		last = err
	}
	if last == nil {
		last = ErrServerUnavailable
	}
	return nil, last
}
