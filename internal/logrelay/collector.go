// Package logrelay collects the log lines leased servers send back during
// a match, keyed by each game's log secret, and hands the assembled file
// to the upload pipeline when the match ends.
package logrelay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	redis "github.com/redis/go-redis/v9"

	"github.com/pickupstack/pickup/internal/events"
	"github.com/pickupstack/pickup/internal/games"
)

// Message is one raw log line as delivered by the network receiver. The
// secret is the sv_logsecret the server was configured with.
type Message struct {
	Secret  string
	Payload string
}

// Uploader ships one assembled log file to the external log hosting
// service and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, mapName string, gameNumber int64, logFile string) (string, error)
}

func bufferKey(gameID string) string { return fmt.Sprintf("games/%s/logs", gameID) }

// Cache is the log buffer store. ErrNoBuffer marks a missing key.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Del(ctx context.Context, key string) error
}

var ErrNoBuffer = errors.New("no log buffer")

// RedisCache is the production Cache.
type RedisCache struct{ Cli *redis.Client }

func (r RedisCache) Get(ctx context.Context, key string) (string, error) {
	v, err := r.Cli.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNoBuffer
	}
	return v, err
}

func (r RedisCache) Set(ctx context.Context, key, value string) error {
	return r.Cli.Set(ctx, key, value, 0).Err()
}

func (r RedisCache) Del(ctx context.Context, key string) error {
	return r.Cli.Del(ctx, key).Err()
}

type Collector struct {
	mu       sync.Mutex
	repo     *games.Repo
	cache    Cache
	bus      *events.Bus
	uploader Uploader
}

func New(repo *games.Repo, cache Cache, bus *events.Bus, uploader Uploader) *Collector {
	return &Collector{repo: repo, cache: cache, bus: bus, uploader: uploader}
}

// Start uploads logs whenever a match ends, until the subscription is
// cancelled.
func (c *Collector) Start(ctx context.Context) (cancel func()) {
	return c.bus.Subscribe("log-collector", func(ev events.Event) {
		ended, ok := ev.(events.MatchEnded)
		if !ok {
			return
		}
		c.UploadLogs(ctx, ended.GameID)
	})
}

// HandleMessage appends one log line to the buffer of the game the secret
// belongs to. Lines with unknown secrets are dropped silently; stray
// traffic from old matches is expected.
func (c *Collector) HandleMessage(ctx context.Context, msg Message) {
	g, err := c.repo.GetByLogSecret(ctx, msg.Secret)
	if err != nil {
		return
	}
	line := "L " + msg.Payload

	// append-read-modify-write per game, serialized so lines keep order
	c.mu.Lock()
	defer c.mu.Unlock()
	key := bufferKey(g.ID)
	existing, err := c.cache.Get(ctx, key)
	switch {
	case errors.Is(err, ErrNoBuffer):
		err = c.cache.Set(ctx, key, line)
	case err == nil:
		err = c.cache.Set(ctx, key, existing+"\n"+line)
	}
	if err != nil {
		slog.Error("buffering log line failed", "game", g.Number, "error", err)
	}
}

// UploadLogs ships the collected log file and drops the buffer. A failed
// upload keeps the buffer for a manual retry.
func (c *Collector) UploadLogs(ctx context.Context, gameID string) {
	if c.uploader == nil {
		return
	}
	g, err := c.repo.GetByID(ctx, gameID)
	if err != nil {
		slog.Error("uploading logs: unknown game", "game", gameID, "error", err)
		return
	}
	slog.Info("uploading logs", "game", g.Number)

	key := bufferKey(g.ID)
	logFile, err := c.cache.Get(ctx, key)
	if errors.Is(err, ErrNoBuffer) {
		logFile = ""
	} else if err != nil {
		slog.Error("reading log buffer failed", "game", g.Number, "error", err)
		return
	}

	url, err := c.uploader.Upload(ctx, g.Map, g.Number, logFile)
	if err != nil {
		slog.Error("uploading logs failed", "game", g.Number, "error", err)
		return
	}
	slog.Info("logs uploaded", "game", g.Number, "url", url)
	if err := c.cache.Del(ctx, key); err != nil {
		slog.Error("dropping log buffer failed", "game", g.Number, "error", err)
	}
	c.bus.Publish(events.LogsUploaded{GameID: g.ID, URL: url})
}
