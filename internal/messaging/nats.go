// Package messaging provides the NATS client the edge uses to fan cache
// invalidations out to peer instances, announce session lifecycle events,
// and relay tagged chat frames to and from the chat backend.
package messaging

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATS subjects used by the edge.
const (
	SubjectCacheInvalidate = "cache.invalidate"
	SubjectSessionEvents   = "session.events"
	SubjectChatOutbound    = "chat.outbound"
	SubjectChatInbound     = "chat.inbound" // + .<session_id>
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	log  zerolog.Logger
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

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
		Name:          "counselly-edge",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config. It returns an error
// if the initial connection fails.
func NewNATSClient(config NATSConfig, log zerolog.Logger) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info().Msg("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Info().Str("url", nc.ConnectedUrl()).Msg("connected")

	return &NATSClient{
		conn: nc,
		log:  log,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for subject and stores the subscription
// under key for later cleanup.
func (c *NATSClient) Subscribe(key, subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	if old, ok := c.subs[key]; ok {
		old.Unsubscribe()
	}
	c.subs[key] = sub
	c.mu.Unlock()

	return nil
}

// PublishInvalidation broadcasts a cache invalidation. An empty key
// clears every entry.
func (c *NATSClient) PublishInvalidation(inv Invalidation) error {
	data, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("nats: encode invalidation: %w", err)
	}
	return c.Publish(SubjectCacheInvalidate, data)
}

// SubscribeInvalidations delivers every cache invalidation to handler.
// Undecodable payloads are logged and dropped.
func (c *NATSClient) SubscribeInvalidations(handler func(Invalidation)) error {
	return c.Subscribe(SubjectCacheInvalidate, SubjectCacheInvalidate, func(msg *nats.Msg) {
		var inv Invalidation
		if err := json.Unmarshal(msg.Data, &inv); err != nil {
			c.log.Warn().Err(err).Msg("bad invalidation payload")
			return
		}
		handler(inv)
	})
}

// PublishSessionEvent announces a session lifecycle change.
func (c *NATSClient) PublishSessionEvent(ev SessionEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("nats: encode session event: %w", err)
	}
	return c.Publish(SubjectSessionEvents, data)
}

// PublishChatOutbound sends a tagged chat frame to the chat backend.
func (c *NATSClient) PublishChatOutbound(data []byte) error {
	return c.Publish(SubjectChatOutbound, data)
}

// SubscribeChatInbound subscribes to chat.inbound.<sessionID> and stores
// the subscription under key. Subscribing again with the same key replaces
// the previous subscription.
func (c *NATSClient) SubscribeChatInbound(key, sessionID string, handler func(data []byte)) error {
	return c.Subscribe("inbound:"+key, SubjectChatInbound+"."+sessionID, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// UnsubscribeChatInbound removes the inbound subscription stored under key.
func (c *NATSClient) UnsubscribeChatInbound(key string) error {
	return c.unsubscribe("inbound:" + key)
}

// Connected reports whether the underlying connection is up.
func (c *NATSClient) Connected() bool {
	return c.conn.IsConnected()
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn().Err(err).Str("sub", key).Msg("drain failed")
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.log.Warn().Err(err).Msg("connection drain failed")
	}

	c.log.Info().Msg("client closed")
}

func (c *NATSClient) unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}
