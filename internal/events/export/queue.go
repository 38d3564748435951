// Package export forwards lifecycle events to an external stream so the
// notification, Discord and metrics collaborators can consume them out of
// process. Implementations can be backed by Kafka, Redis Streams, or a
// no-op for dev.
package export

// Queue publishes one flattened lifecycle event.
type Queue interface {
	PublishGameEvent(evt map[string]any) error
	Close() error
}

type Noop struct{}

func NewNoop() *Noop { return &Noop{} }

func (n *Noop) PublishGameEvent(map[string]any) error { return nil }
func (n *Noop) Close() error                          { return nil }
