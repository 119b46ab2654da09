package api

import (
	"context"
	"encoding/json"
)

// Interfaces the HTTP layer needs; implementations live in services.

// TreeStore is the subset of the realtime store the REST surface reads and
// writes.
type TreeStore interface {
	Get(ctx context.Context, path string) (json.RawMessage, error)
	Set(ctx context.Context, path string, value json.RawMessage) error
	Remove(ctx context.Context, path string) error
}

// SessionCounter reports live gateway connections.
type SessionCounter interface {
	SessionCount() int
}

// QueueReporter reports pending persistence jobs. It is nil when the gateway
// runs without a database.
type QueueReporter interface {
	GetQueueLength() int
}
