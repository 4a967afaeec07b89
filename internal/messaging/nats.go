// Package messaging provides the NATS invalidation bus that connects the
// write paths to every server instance's live-query engine. Each write
// publishes the dependency keys it touched; every instance subscribes to
// the wildcard and feeds the keys into its local engine, so reactive
// queries keep working when the backend scales horizontally.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/johnvesslyalti/tars-chat/internal/live"
)

// SubjectInvalidation is the subject prefix for dependency-key
// invalidations: sync.inval.<key>.
const SubjectInvalidation = "sync.inval"

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "tars-chat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// Bus wraps the NATS connection with invalidation pub/sub helpers.
type Bus struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewBus connects to NATS with the given config and returns a ready bus.
// It returns an error if the initial connection fails.
func NewBus(config NATSConfig) (*Bus, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())
	return &Bus{conn: nc}, nil
}

// PublishInvalidation publishes one message per touched key. The key rides
// in the subject itself; there is no payload to parse on the other end.
func (b *Bus) PublishInvalidation(keys ...live.Key) error {
	for _, key := range keys {
		subject := SubjectInvalidation + "." + string(key)
		if err := b.conn.Publish(subject, nil); err != nil {
			return fmt.Errorf("nats publish %s: %w", subject, err)
		}
	}
	return nil
}

// SubscribeInvalidations registers a handler for every invalidation key
// published anywhere in the cluster, including by this process.
func (b *Bus) SubscribeInvalidations(handler func(key live.Key)) error {
	subject := SubjectInvalidation + ".>"
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		key := msg.Subject[len(SubjectInvalidation)+1:]
		handler(live.Key(key))
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", sub.Subject, err)
		}
	}
	b.subs = nil

	if err := b.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] bus closed")
}
