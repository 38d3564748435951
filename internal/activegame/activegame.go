// Package activegame tracks which in-progress game each player currently
// belongs to. The pointer is volatile lookup state, kept in Redis so the
// REST/real-time delivery layers can read it without touching the games
// table.
package activegame

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const keyPrefix = "players:active-game:"

// claimPrefix guards one open substitute claim per player system-wide.
const claimPrefix = "players:substitute-claim:"

// claimTTL bounds how long a crashed claimant can wedge a slot.
const claimTTL = 30 * time.Second

type Store struct{ cli *redis.Client }

func New(cli *redis.Client) *Store { return &Store{cli: cli} }

func NewFromURL(url string) (*Store, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &Store{cli: redis.NewClient(opt)}, nil
}

// Set points the player at the given game.
func (s *Store) Set(ctx context.Context, playerID, gameID string) error {
	return s.cli.Set(ctx, keyPrefix+playerID, gameID, 0).Err()
}

// Get returns the player's current game id, or "" if none.
func (s *Store) Get(ctx context.Context, playerID string) (string, error) {
	v, err := s.cli.Get(ctx, keyPrefix+playerID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

// Clear removes the pointer only if it still points at the given game, so
// a player already moved to a newer game is left alone.
func (s *Store) Clear(ctx context.Context, playerID, gameID string) error {
	const script = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) end return 0`
	return s.cli.Eval(ctx, script, []string{keyPrefix + playerID}, gameID).Err()
}

// TryClaim marks the player as actively claiming one substitute request.
// Returns false when another claim is still open.
func (s *Store) TryClaim(ctx context.Context, playerID string) (bool, error) {
	return s.cli.SetNX(ctx, claimPrefix+playerID, "1", claimTTL).Result()
}

// ReleaseClaim drops the claim marker after the replacement committed or
// failed.
func (s *Store) ReleaseClaim(ctx context.Context, playerID string) error {
	return s.cli.Del(ctx, claimPrefix+playerID).Err()
}

func (s *Store) Close() error { return s.cli.Close() }
