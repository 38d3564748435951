package export

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

type redisQueue struct {
	cli    *redis.Client
	stream string
	maxLen int64
}

// NewRedis publishes game events to a Redis stream. A bad URL degrades to
// the noop queue so event export never takes the server down.
func NewRedis(url, stream string, maxLen int64) Queue {
	opt, err := redis.ParseURL(url)
	if err != nil {
		slog.Error("event export: redis parse url", "error", err)
		return NewNoop()
	}
	if stream == "" {
		stream = "pickup:game-events"
	}
	return &redisQueue{cli: redis.NewClient(opt), stream: stream, maxLen: maxLen}
}

func (q *redisQueue) PublishGameEvent(evt map[string]any) error {
	// Single 'data' field with a JSON body keeps the stream schema-flexible.
	b, _ := json.Marshal(evt)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	args := &redis.XAddArgs{Stream: q.stream, Values: map[string]any{"data": string(b)}}
	if q.maxLen > 0 {
		args.MaxLen = q.maxLen
		args.Approx = true
	}
	return q.cli.XAdd(ctx, args).Err()
}

func (q *redisQueue) Close() error { return q.cli.Close() }
