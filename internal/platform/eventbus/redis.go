// Package eventbus publishes ledger events to Redis so that other services
// can follow vault activity without polling the API.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Client is the subset of *redis.Client used by Publisher.
type Client interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// Open parses a redis:// URL and verifies the server answers.
func Open(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

type Option func(*Publisher)

// WithStream also appends every message to a capped Redis stream, which
// gives late subscribers a replayable tail.
func WithStream(name string, maxLen int64) Option {
	return func(p *Publisher) {
		p.stream = name
		p.streamMaxLen = maxLen
	}
}

// Publisher sends JSON messages to a pub/sub channel.
type Publisher struct {
	client       Client
	channel      string
	stream       string
	streamMaxLen int64
}

func NewPublisher(client Client, channel string, opts ...Option) *Publisher {
	p := &Publisher{client: client, channel: channel}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Publish JSON-encodes v and sends it. eventType becomes a stream field so
// stream readers can filter without decoding.
func (p *Publisher) Publish(ctx context.Context, eventType string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", eventType, err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s to %s: %w", eventType, p.channel, err)
	}
	if p.stream == "" {
		return nil
	}
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{"type": eventType, "data": string(data)},
	}
	if p.streamMaxLen > 0 {
		args.MaxLen = p.streamMaxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("append %s to stream %s: %w", eventType, p.stream, err)
	}
	return nil
}

// Ping reports whether Redis answers.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *Publisher) Close() error {
	return p.client.Close()
}
