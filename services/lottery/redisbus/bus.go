// Package redisbus fans committed lottery events out over Redis pub/sub.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/R3E-Network/nolosslottery/internal/events"
)

// DefaultChannel is the pub/sub channel events are published on.
const DefaultChannel = "lottery.events"

type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Message is the JSON payload published for each event.
type Message struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Account   string    `json:"account"`
	AmountWei string    `json:"amount_wei"`
	Round     uint64    `json:"round,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	At        time.Time `json:"at"`
}

// Bus publishes events to a Redis channel.
type Bus struct {
	client  publisher
	closer  func() error
	channel string
}

var _ events.Sink = (*Bus)(nil)

// Config configures the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, cfg Config) (*Bus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	b := newBus(client, cfg.Channel)
	b.closer = client.Close
	return b, nil
}

func newBus(client publisher, channel string) *Bus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Bus{client: client, channel: channel}
}

// Channel returns the channel events are published on.
func (b *Bus) Channel() string { return b.channel }

// Publish encodes evt as JSON and publishes it.
func (b *Bus) Publish(ctx context.Context, evt events.Event) error {
	payload, err := Encode(evt)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", evt.Type, err)
	}
	return nil
}

// Close closes the underlying client.
func (b *Bus) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer()
}

// Encode renders evt as the published JSON payload.
func Encode(evt events.Event) ([]byte, error) {
	msg := Message{
		ID:        evt.ID,
		Type:      string(evt.Type),
		Account:   evt.Account.Hex(),
		AmountWei: "0",
		Round:     evt.Round,
		RequestID: evt.RequestID,
		At:        evt.At,
	}
	if evt.Amount != nil {
		msg.AmountWei = evt.Amount.Dec()
	}
	return json.Marshal(msg)
}
