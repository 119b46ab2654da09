package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"afteryou/internal/services/realtime"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/segmentio/ksuid"
)

const outboxSize = 1024

// Applier receives mutations published by other gateway instances.
type Applier interface {
	ApplyRemote(m realtime.Mutation) error
}

// Envelope is what travels over the Redis channel.
type Envelope struct {
	Origin   string            `json:"origin"`
	Mutation realtime.Mutation `json:"mutation"`
}

// RedisBroker fans store mutations out to every gateway instance sharing a
// Redis channel. Publish only queues; a background loop does the network I/O.
type RedisBroker struct {
	client     *redis.Client
	channel    string
	instanceID string
	logger     zerolog.Logger

	outbox  chan realtime.Mutation
	dropped int64
	mu      sync.Mutex
}

func NewRedisBroker(addr, channel string, logger zerolog.Logger) *RedisBroker {
	return newBroker(redis.NewClient(&redis.Options{Addr: addr}), channel, logger)
}

func newBroker(client *redis.Client, channel string, logger zerolog.Logger) *RedisBroker {
	id := ksuid.New().String()
	return &RedisBroker{
		client:     client,
		channel:    channel,
		instanceID: id,
		logger:     logger.With().Str("component", "broker").Str("instance", id).Logger(),
		outbox:     make(chan realtime.Mutation, outboxSize),
	}
}

// InstanceID identifies this process on the channel.
func (b *RedisBroker) InstanceID() string {
	return b.instanceID
}

// Ping checks the connection.
func (b *RedisBroker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to reach redis: %w", err)
	}
	return nil
}

// Publish queues m without blocking. When the outbox is full the mutation is
// dropped; peers converge again on the next write to the same key.
func (b *RedisBroker) Publish(m realtime.Mutation) {
	select {
	case b.outbox <- m:
	default:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		b.logger.Warn().Str("path", m.Path).Msg("broker outbox full, mutation dropped")
	}
}

// Dropped returns how many mutations could not be queued.
func (b *RedisBroker) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Run publishes queued mutations and applies peer mutations until ctx ends.
func (b *RedisBroker) Run(ctx context.Context, applier Applier) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}
	b.logger.Info().Str("channel", b.channel).Msg("broker subscribed")

	incoming := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil

		case m := <-b.outbox:
			payload, err := b.encode(m)
			if err != nil {
				b.logger.Warn().Err(err).Msg("failed to encode mutation")
				continue
			}
			if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil && !errors.Is(err, context.Canceled) {
				b.logger.Warn().Str("path", m.Path).Err(err).Msg("failed to publish mutation")
			}

		case msg, ok := <-incoming:
			if !ok {
				return nil
			}
			if err := b.handleMessage(msg.Payload, applier); err != nil {
				b.logger.Warn().Err(err).Msg("failed to apply peer mutation")
			}
		}
	}
}

func (b *RedisBroker) encode(m realtime.Mutation) ([]byte, error) {
	return json.Marshal(Envelope{Origin: b.instanceID, Mutation: m})
}

// handleMessage applies a peer's mutation. Our own echoes are ignored.
func (b *RedisBroker) handleMessage(payload string, applier Applier) error {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return fmt.Errorf("failed to decode envelope: %w", err)
	}
	if env.Origin == b.instanceID {
		return nil
	}
	if err := applier.ApplyRemote(env.Mutation); err != nil {
		return fmt.Errorf("failed to apply %s %s: %w", env.Mutation.Op, env.Mutation.Path, err)
	}
	return nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}
