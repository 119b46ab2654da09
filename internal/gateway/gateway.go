// Package gateway is the client side of the sync gateway: a key-value tree
// with point writes, one-shot reads, push subscriptions and onDisconnect
// cleanup. Remote talks to a gateway server over websocket; Local serves the
// same surface from an in-process store.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrDisconnected = errors.New("gateway disconnected")
	ErrClosed       = errors.New("gateway closed")
	ErrBackpressure = errors.New("gateway send buffer full")
)

// Listener receives the encoded value at a path, or nil when it is absent.
type Listener = func(value json.RawMessage)

// Client is what the typewriter needs from a gateway. Writes are applied
// remotely in call order; their completion is not awaited.
type Client interface {
	Set(ctx context.Context, path string, value any) error
	Update(ctx context.Context, path string, fields map[string]any) error
	Remove(ctx context.Context, path string) error
	Get(ctx context.Context, path string) (json.RawMessage, error)
	Subscribe(path string, fn Listener) (func(), error)
	OnDisconnectRemove(ctx context.Context, path string) error
	// OnConnect runs fn now if connected and again after every reconnect.
	OnConnect(fn func()) func()
	Connected() bool
	Close() error
}

func encode(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	return b, nil
}

func encodeFields(fields map[string]any) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		raw, err := encode(v)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		out[k] = raw
	}
	return out, nil
}
