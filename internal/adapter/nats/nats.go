// Package nats connects to NATS and carries cache invalidations between
// replicas over core pub/sub. The same connection backs the JetStream KV
// cache when NATS is the L2 tier.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Conn owns the NATS connection and its JetStream context.
type Conn struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect establishes a connection to NATS with reconnects enabled.
func Connect(_ context.Context, url string, log *slog.Logger) (*Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("ratekeeper"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	log.Info("nats connected", "url", url)
	return &Conn{nc: nc, js: js}, nil
}

// JetStream returns the JetStream context for KV buckets.
func (c *Conn) JetStream() jetstream.JetStream { return c.js }

// Ping reports whether the connection is currently up.
func (c *Conn) Ping(_ context.Context) error {
	if s := c.nc.Status(); s != nats.CONNECTED {
		return fmt.Errorf("nats %s", s)
	}
	return nil
}

// Close drains subscriptions and shuts down the connection.
func (c *Conn) Close() error {
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

// invalidation is the wire form of one announcement.
type invalidation struct {
	Key    string `json:"key"`
	Origin string `json:"origin"`
}

// Notifier implements notifier.Publisher and notifier.Subscriber. Each
// instance tags its announcements with a random origin and ignores its own.
type Notifier struct {
	nc      *nats.Conn
	subject string
	origin  string
	log     *slog.Logger
}

// NewNotifier creates a Notifier on subject.
func NewNotifier(c *Conn, subject string, log *slog.Logger) *Notifier {
	return &Notifier{
		nc:      c.nc,
		subject: subject,
		origin:  uuid.NewString(),
		log:     log.With("component", "invalidation"),
	}
}

// PublishInvalidation announces that key changed.
func (n *Notifier) PublishInvalidation(_ context.Context, key string) error {
	data, err := json.Marshal(invalidation{Key: key, Origin: n.origin})
	if err != nil {
		return fmt.Errorf("marshal invalidation: %w", err)
	}
	if err := n.nc.Publish(n.subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", n.subject, err)
	}
	return nil
}

// SubscribeInvalidations calls handler for every key announced by another
// instance. The returned cancel unsubscribes.
func (n *Notifier) SubscribeInvalidations(handler func(key string)) (func(), error) {
	sub, err := n.nc.Subscribe(n.subject, func(msg *nats.Msg) {
		var inv invalidation
		if err := json.Unmarshal(msg.Data, &inv); err != nil {
			n.log.Warn("malformed invalidation", "error", err)
			return
		}
		if inv.Origin == n.origin || inv.Key == "" {
			return
		}
		handler(inv.Key)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", n.subject, err)
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil {
			n.log.Warn("nats unsubscribe failed", "error", err)
		}
	}, nil
}
