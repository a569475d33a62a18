// Package relay carries room and user events between server instances.
package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/spotter-app/spotter-server/internal/core"
)

// Redis implements core.Relay over a single Redis pub/sub channel.
// Every instance, the publisher included, receives every envelope.
type Redis struct {
	client  *redis.Client
	channel string
	log     *zerolog.Logger
}

// Options configure the Redis relay.
type Options struct {
	Addr     string
	Password string
	Channel  string
}

// NewRedis connects to Redis and verifies the connection with PING.
func NewRedis(ctx context.Context, opts Options, logger *zerolog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return NewRedisWithClient(client, opts.Channel, logger), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, channel string, logger *zerolog.Logger) *Redis {
	if channel == "" {
		channel = "spotter:chat"
	}
	return &Redis{client: client, channel: channel, log: logger}
}

// Publish sends env to every subscribed instance.
func (r *Redis) Publish(ctx context.Context, env core.Envelope) error {
	payload, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe delivers envelopes until ctx is done. Undecodable payloads are logged and skipped.
func (r *Redis) Subscribe(ctx context.Context, deliver func(core.Envelope)) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	// Wait for the subscription to be confirmed before reporting readiness.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe %s: %w", r.channel, err)
	}
	r.log.Info().Str("channel", r.channel).Msg("relay subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis subscription %s closed", r.channel)
			}
			env, err := decodeEnvelope([]byte(msg.Payload))
			if err != nil {
				r.log.Warn().Err(err).Str("channel", r.channel).Msg("drop relay payload")
				continue
			}
			deliver(env)
		}
	}
}

// Close releases the Redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func encodeEnvelope(env core.Envelope) ([]byte, error) {
	if env.Event == nil {
		return nil, fmt.Errorf("encode envelope: missing event")
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return payload, nil
}

func decodeEnvelope(payload []byte) (core.Envelope, error) {
	var env core.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return core.Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == nil || env.Target == "" {
		return core.Envelope{}, fmt.Errorf("decode envelope: incomplete envelope")
	}
	switch env.Kind {
	case core.EnvelopeRoom, core.EnvelopeUser:
	default:
		return core.Envelope{}, fmt.Errorf("decode envelope: unknown kind %q", env.Kind)
	}
	return env, nil
}
