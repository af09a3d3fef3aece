// Package events publishes slot, sink and lifecycle changes over NATS.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Topic is the last subject token
type Topic string

const (
	TopicSlot      Topic = "slot"
	TopicSink      Topic = "sink"
	TopicLifecycle Topic = "lifecycle"
)

// Lifecycle payload actions
const (
	ActionBuilt      = "built"
	ActionTornDown   = "torn_down"
	ActionIdle       = "idle"
	ActionUpdated    = "updated"
	ActionRestarting = "restarting"
)

// Lifecycle describes a graph-level change
type Lifecycle struct {
	Action   string `json:"action"`
	GraphID  uint64 `json:"graph_id,omitempty"`
	Channels int    `json:"channels,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Notifier receives state changes. Implementations must not block.
type Notifier interface {
	Publish(topic Topic, payload any)
}

// Nop discards everything
type Nop struct{}

// Publish does nothing
func (Nop) Publish(Topic, any) {}

// Envelope is the JSON message body
type Envelope struct {
	Serial  string    `json:"serial"`
	BootID  string    `json:"boot_id"`
	Topic   Topic     `json:"topic"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// Config configures the NATS publisher
type Config struct {
	URL           string
	SubjectPrefix string
	Serial        string
	BootID        string
}

type conn interface {
	Publish(subject string, data []byte) error
}

// Publisher sends envelopes to <prefix>.<serial>.<topic>
type Publisher struct {
	log    *zap.Logger
	conn   conn
	nc     *nats.Conn
	prefix string
	serial string
	bootID string
	now    func() time.Time
}

// Connect dials NATS. The connection keeps reconnecting in the background,
// so publishing while disconnected is buffered by the client.
func Connect(log *zap.Logger, cfg Config) (*Publisher, error) {
	opts := []nats.Option{
		nats.Name("go-video-streamer"),
		nats.Timeout(10 * time.Second),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	log.Info("nats connection established", zap.String("url", cfg.URL))

	p := newPublisher(log, nc, cfg)
	p.nc = nc
	return p, nil
}

func newPublisher(log *zap.Logger, c conn, cfg Config) *Publisher {
	return &Publisher{
		log:    log,
		conn:   c,
		prefix: cfg.SubjectPrefix,
		serial: cfg.Serial,
		bootID: cfg.BootID,
		now:    time.Now,
	}
}

// Subject returns the full subject of a topic
func (p *Publisher) Subject(topic Topic) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, p.serial, topic)
}

// Publish sends one envelope. Failures are logged only.
func (p *Publisher) Publish(topic Topic, payload any) {
	data, err := json.Marshal(Envelope{
		Serial:  p.serial,
		BootID:  p.bootID,
		Topic:   topic,
		At:      p.now().UTC(),
		Payload: payload,
	})
	if err != nil {
		p.log.Warn("failed to encode event", zap.String("topic", string(topic)), zap.Error(err))
		return
	}
	if err := p.conn.Publish(p.Subject(topic), data); err != nil {
		p.log.Warn("failed to publish event", zap.String("topic", string(topic)), zap.Error(err))
	}
}

// IsConnected reports the NATS connection state
func (p *Publisher) IsConnected() bool {
	return p.nc != nil && p.nc.IsConnected()
}

// Close drains the connection, falling back to an immediate close
func (p *Publisher) Close() {
	if p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.log.Warn("failed to drain nats connection, closing", zap.Error(err))
		p.nc.Close()
	}
}
