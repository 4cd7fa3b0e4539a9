package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/EdanStarfire/claudecode-webui-sub001/internal/config"
	"github.com/EdanStarfire/claudecode-webui-sub001/internal/logger"
)

// NatsEventBus fans session events out over NATS, for deployments running
// more than one conductord process in front of a shared registry backend.
type NatsEventBus struct {
	conn *nats.Conn
	log  *logger.Logger
}

// NewNatsEventBus connects to the configured NATS server with the
// reconnection policy the rest of the corpus uses for broker connections.
func NewNatsEventBus(cfg config.NATSConfig, log *logger.Logger) (*NatsEventBus, error) {
	log = log.WithFields(zap.String("component", "eventbus"))

	opts := []nats.Option{
		nats.Name("conductord"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info("nats connection closed")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	log.Info("connected to nats", zap.String("url", cfg.URL))
	return &NatsEventBus{conn: conn, log: log}, nil
}

// Publish marshals event as JSON and sends it on subject.
func (b *NatsEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe registers handler for subject.
func (b *NatsEventBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.log.Error("failed to unmarshal event", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		if err := handler(context.Background(), &event); err != nil {
			b.log.Error("event handler failed", zap.String("subject", msg.Subject), zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return &natsSubscription{sub: sub}, nil
}

// Close drains and closes the NATS connection.
func (b *NatsEventBus) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.log.Warn("error draining nats connection", zap.Error(err))
		b.conn.Close()
	}
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}
