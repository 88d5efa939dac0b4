package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medvault/medvault/internal/config"
	"github.com/medvault/medvault/internal/domain/ledger"
	"github.com/medvault/medvault/internal/platform/eventbus"
	"github.com/medvault/medvault/internal/platform/webhook"
	"github.com/medvault/medvault/internal/platform/websocket"
)

// redisSink publishes every committed event on the configured channel.
func redisSink(p *eventbus.Publisher) ledger.EventSink {
	return ledger.EventSinkFunc(func(ctx context.Context, ev *ledger.Event) error {
		return p.Publish(ctx, string(ev.Type), ev)
	})
}

// webhookSink queues events for the webhook worker. Delivery never blocks
// the request that committed the event.
func webhookSink(m *webhook.Manager) ledger.EventSink {
	return ledger.EventSinkFunc(func(_ context.Context, ev *ledger.Event) error {
		wev, err := toWebhookEvent(ev)
		if err != nil {
			return err
		}
		return m.Enqueue(wev)
	})
}

// feedSink pushes each event to the live connections of the principals it
// names. Nobody else sees it.
func feedSink(h *websocket.Hub) ledger.EventSink {
	return ledger.EventSinkFunc(func(_ context.Context, ev *ledger.Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode %s event: %w", ev.Type, err)
		}
		h.Send(audience(ev), websocket.Event{
			Type:      string(ev.Type),
			Seq:       ev.Seq,
			Timestamp: ev.At,
			Data:      data,
		})
		return nil
	})
}

func audience(ev *ledger.Event) []string {
	return []string{string(ev.Principal), string(ev.Patient), string(ev.Uploader), string(ev.Grantee)}
}

func toWebhookEvent(ev *ledger.Event) (webhook.Event, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return webhook.Event{}, fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	return webhook.Event{
		ID:        uuid.NewString(),
		Type:      string(ev.Type),
		Seq:       ev.Seq,
		Payload:   payload,
		Timestamp: ev.At,
	}, nil
}

// sinks is the event fan-out of a running server. run starts background
// delivery; close releases connections.
type sinks struct {
	sink  ledger.EventSink
	feed  *websocket.Hub
	run   func(ctx context.Context)
	close func()
}

func buildSinks(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*sinks, error) {
	feed := websocket.NewHub(logger.With().Str("component", "feed").Logger())
	out := ledger.MultiSink{ledger.LogSink(logger), feedSink(feed)}
	s := &sinks{feed: feed, run: func(context.Context) {}, close: func() {}}

	if cfg.RedisURL != "" {
		client, err := eventbus.Open(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		pub := eventbus.NewPublisher(client, cfg.RedisChannel, eventbus.WithStream(cfg.RedisChannel, 100000))
		out = append(out, redisSink(pub))
		s.close = func() { pub.Close() }
		logger.Info().Str("channel", cfg.RedisChannel).Msg("publishing ledger events to redis")
	}

	if len(cfg.WebhookURLs) > 0 {
		mgr := webhook.NewManager(webhook.NewMemoryStore(), webhook.WithLogger(logger))
		for _, u := range cfg.WebhookURLs {
			if _, err := mgr.RegisterEndpoint(ctx, u, cfg.WebhookSecret); err != nil {
				s.close()
				return nil, fmt.Errorf("register webhook: %w", err)
			}
		}
		out = append(out, webhookSink(mgr))
		s.run = mgr.Run
		logger.Info().Int("endpoints", len(cfg.WebhookURLs)).Msg("delivering ledger events to webhooks")
	}

	s.sink = out
	return s, nil
}
