// Package messaging wraps the NATS connection shared by the chat-server
// binaries. Gateways subscribe to one delivery subject per local
// connection so a frame addressed to a connection on another instance can
// still reach it; moderation events flow to the moderator service.
package messaging

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/guptmilan/chat-server/internal/moderation"
)

// NATS subjects.
const (
	SubjectDeliver          = "deliver" // + .<conn_id>
	SubjectModerationReport = "moderation.report"
	SubjectModerationFlag   = "moderation.flag"

	// ModeratorQueue load-balances moderation events across moderator replicas.
	ModeratorQueue = "moderator"
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	log  *zap.SugaredLogger
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
		URL:           nats.DefaultURL,
		Name:          "guptmilan",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS and returns a ready client. It returns an
// error if the initial connection fails.
func NewNATSClient(config NATSConfig, log *zap.SugaredLogger) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnw("disconnected", "error", err)
			} else {
				log.Warn("disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infow("reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Infow("connected", "url", nc.ConnectedUrl())

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

// DeliverSubject returns the delivery subject of a connection.
func DeliverSubject(connID string) string {
	return SubjectDeliver + "." + connID
}

// PublishDeliver sends an encoded frame to whichever instance holds connID.
// Without a subscriber the message is dropped, which is the relay's
// behavior for a departed destination.
func (c *NATSClient) PublishDeliver(connID string, frame []byte) error {
	return c.Publish(DeliverSubject(connID), frame)
}

// SubscribeDeliver registers handler for frames addressed to connID.
func (c *NATSClient) SubscribeDeliver(connID string, handler func(frame []byte)) error {
	subject := DeliverSubject(connID)
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribeDeliver drops the delivery subscription of connID.
func (c *NATSClient) UnsubscribeDeliver(connID string) error {
	return c.unsubscribe(DeliverSubject(connID))
}

// PublishReport announces a recorded report to the moderator.
func (c *NATSClient) PublishReport(ev moderation.ReportEvent) error {
	return c.publishJSON(SubjectModerationReport, ev)
}

// PublishFlag announces a flagged chat message to the moderator.
func (c *NATSClient) PublishFlag(ev moderation.FlagEvent) error {
	return c.publishJSON(SubjectModerationFlag, ev)
}

// SubscribeReports consumes report events in the moderator queue group.
func (c *NATSClient) SubscribeReports(handler func(ev moderation.ReportEvent)) error {
	return c.queueSubscribe(SubjectModerationReport, func(data []byte) {
		var ev moderation.ReportEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.Warnw("bad report event", "error", err)
			return
		}
		handler(ev)
	})
}

// SubscribeFlags consumes flag events in the moderator queue group.
func (c *NATSClient) SubscribeFlags(handler func(ev moderation.FlagEvent)) error {
	return c.queueSubscribe(SubjectModerationFlag, func(data []byte) {
		var ev moderation.FlagEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.Warnw("bad flag event", "error", err)
			return
		}
		handler(ev)
	})
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.Warnw("drain subscription", "subject", subject, "error", err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.log.Warnw("connection drain", "error", err)
	}
}

func (c *NATSClient) publishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("nats marshal %s: %w", subject, err)
	}
	return c.Publish(subject, data)
}

func (c *NATSClient) queueSubscribe(subject string, handler func(data []byte)) error {
	sub, err := c.conn.QueueSubscribe(subject, ModeratorQueue, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// unsubscribe removes and unsubscribes from a specific subject.
func (c *NATSClient) unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}
