// Yapit - Document-to-Speech Synthesis and Streaming
// Copyright 2026 Yapit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yapit-tts/yapit

package natsbridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/yapit-tts/yapit/internal/logging"
	"github.com/yapit-tts/yapit/internal/queue"
)

// eventsTopic carries session status events between gateways. Core
// NATS fanout, no queue group: every gateway sees every event and
// delivers it to whichever sessions it holds locally.
const eventsTopic = "yapit.session.events"

const metaSessionID = "session_id"

var (
	// BridgedEventsTotal counts events crossing the bridge.
	BridgedEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_events_total",
			Help: "Session events published to and delivered from NATS",
		},
		[]string{"direction"}, // published, delivered
	)
)

// Config holds bridge connection settings.
type Config struct {
	URL           string
	MaxReconnects int
	ReconnectWait time.Duration
	CloseTimeout  time.Duration
}

// DefaultConfig returns production defaults for the given server URL.
func DefaultConfig(url string) Config {
	return Config{
		URL:           url,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		CloseTimeout:  10 * time.Second,
	}
}

// Bridge wraps a queue substrate and reroutes session events through
// NATS. All queue operations pass through to the wrapped substrate
// unchanged; only PublishEvent changes destination. Serve pumps remote
// events back into the local substrate so SubscribeEvents keeps
// working exactly as before.
type Bridge struct {
	queue.Substrate

	publisher  message.Publisher
	subscriber message.Subscriber
}

// New connects a bridge to the NATS server at cfg.URL.
func New(inner queue.Substrate, cfg Config, logger watermill.LoggerAdapter) (*Bridge, error) {
	if logger == nil {
		logger = watermill.NewStdLogger(false, false)
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 10 * time.Second
	}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("Bridge disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("Bridge reconnected", watermill.LogFields{
				"url": nc.ConnectedUrl(),
			})
		}),
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream:   wmNats.JetStreamConfig{Disabled: true},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create bridge publisher: %w", err)
	}

	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:          cfg.URL,
		NatsOptions:  natsOpts,
		Unmarshaler:  &wmNats.NATSMarshaler{},
		CloseTimeout: cfg.CloseTimeout,
		JetStream:    wmNats.JetStreamConfig{Disabled: true},
	}, logger)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("create bridge subscriber: %w", err)
	}

	return &Bridge{Substrate: inner, publisher: pub, subscriber: sub}, nil
}

// PublishEvent sends the event to NATS instead of the local substrate.
// Serve loops it back locally, so sessions on this gateway still
// receive it.
func (b *Bridge) PublishEvent(ctx context.Context, sessionID string, payload []byte) error {
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(metaSessionID, sessionID)
	msg.SetContext(ctx)

	if err := b.publisher.Publish(eventsTopic, msg); err != nil {
		return fmt.Errorf("publish session event: %w", err)
	}
	BridgedEventsTotal.WithLabelValues("published").Inc()
	return nil
}

// Serve implements suture.Service. It delivers events arriving from
// NATS into the local substrate's session channels.
func (b *Bridge) Serve(ctx context.Context) error {
	messages, err := b.subscriber.Subscribe(ctx, eventsTopic)
	if err != nil {
		return fmt.Errorf("subscribe session events: %w", err)
	}

	logging.Info().Str("topic", eventsTopic).Msg("event bridge running")

	for msg := range messages {
		sessionID := msg.Metadata.Get(metaSessionID)
		if sessionID == "" {
			logging.Warn().Str("msg_id", msg.UUID).Msg("bridged event missing session id")
			msg.Ack()
			continue
		}

		if err := b.Substrate.PublishEvent(ctx, sessionID, msg.Payload); err != nil {
			if errors.Is(err, queue.ErrClosed) {
				msg.Ack()
				return err
			}
			logging.Warn().Err(err).Str("session_id", sessionID).Msg("local event delivery failed")
		} else {
			BridgedEventsTotal.WithLabelValues("delivered").Inc()
		}
		// Fire-and-forget fanout: an undeliverable event is not worth
		// a redelivery loop.
		msg.Ack()
	}

	return ctx.Err()
}

// String implements fmt.Stringer for suture's log messages.
func (b *Bridge) String() string {
	return "nats-bridge"
}

// Close shuts down the NATS clients and the wrapped substrate.
func (b *Bridge) Close() error {
	pubErr := b.publisher.Close()
	subErr := b.subscriber.Close()
	return errors.Join(pubErr, subErr, b.Substrate.Close())
}
