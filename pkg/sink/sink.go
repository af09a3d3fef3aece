// Package sink tracks the delivery health of each channel output and
// restarts a failed sink once the network is reachable again.
package sink

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/video-system/go-video-streamer/pkg/pipeline"
	"github.com/video-system/go-video-streamer/pkg/settings"
)

// State is the resilience state of an endpoint
type State int

const (
	StateHealthy State = iota
	StateRetrying
)

// String returns the state name
func (s State) String() string {
	if s == StateRetrying {
		return "RETRYING"
	}
	return "HEALTHY"
}

// MarshalText renders the state name in JSON
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Endpoint is one channel output
type Endpoint struct {
	Channel     int       `json:"channel"`
	Destination string    `json:"destination"`
	State       State     `json:"state"`
	Since       time.Time `json:"since"`
	Failures    int       `json:"failures"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
}

// Transition describes an endpoint state change
type Transition struct {
	Channel int    `json:"channel"`
	From    State  `json:"from"`
	To      State  `json:"to"`
	Reason  string `json:"reason"`
}

// Prober checks whether the network is reachable
type Prober interface {
	Probe(ctx context.Context) error
}

// TCPProber dials a well-known address
type TCPProber struct {
	Address string
	Timeout time.Duration
}

// Probe opens and closes one TCP connection
func (p TCPProber) Probe(ctx context.Context) error {
	d := net.Dialer{Timeout: p.Timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return fmt.Errorf("dial %s: %w", p.Address, err)
	}
	return conn.Close()
}

// Controller owns every endpoint. It runs on the orchestrator loop only.
type Controller struct {
	log          *zap.Logger
	endpoints    []*Endpoint
	onTransition func(Transition)
	now          func() time.Time
}

// NewController creates a controller with no endpoints
func NewController(log *zap.Logger) *Controller {
	return &Controller{log: log, now: time.Now}
}

// OnTransition registers a hook called for every state change
func (c *Controller) OnTransition(fn func(Transition)) {
	c.onTransition = fn
}

// Reset replaces the endpoints for a new graph; all start healthy
func (c *Controller) Reset(channels []settings.ChannelSettings) {
	eps := make([]*Endpoint, 0, len(channels))
	for _, ch := range channels {
		eps = append(eps, &Endpoint{
			Channel:     ch.Index,
			Destination: ch.Destination,
			State:       StateHealthy,
			Since:       c.now(),
		})
	}
	c.endpoints = eps
}

func (c *Controller) find(channel int) *Endpoint {
	for _, ep := range c.endpoints {
		if ep.Channel == channel {
			return ep
		}
	}
	return nil
}

func (c *Controller) set(ep *Endpoint, to State, reason string) {
	from := ep.State
	if from == to {
		return
	}
	ep.State = to
	ep.Since = c.now()
	c.log.Info("sink transition",
		zap.Int("channel", ep.Channel),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.String("reason", reason),
	)
	if c.onTransition != nil {
		c.onTransition(Transition{Channel: ep.Channel, From: from, To: to, Reason: reason})
	}
}

// Endpoint returns the view of one channel
func (c *Controller) Endpoint(channel int) (Endpoint, bool) {
	ep := c.find(channel)
	if ep == nil {
		return Endpoint{}, false
	}
	return *ep, true
}

// Statuses returns every endpoint in channel order
func (c *Controller) Statuses() []Endpoint {
	out := make([]Endpoint, len(c.endpoints))
	for i, ep := range c.endpoints {
		out[i] = *ep
	}
	return out
}

// SetDestination records a new destination for a channel
func (c *Controller) SetDestination(channel int, uri string) error {
	ep := c.find(channel)
	if ep == nil {
		return fmt.Errorf("channel %d: %w", channel, pipeline.ErrUnknownChannel)
	}
	ep.Destination = uri
	return nil
}

// Fail records a delivery error. It returns true when the endpoint newly
// enters RETRYING and a retry needs scheduling.
func (c *Controller) Fail(channel int, err error) bool {
	ep := c.find(channel)
	if ep == nil {
		return false
	}
	ep.Failures++
	if err != nil {
		ep.LastError = err.Error()
	}
	if ep.State == StateRetrying {
		return false
	}
	ep.Attempts = 0
	c.set(ep, StateRetrying, "delivery error")
	return true
}

// Retrying reports whether the endpoint waits for a retry
func (c *Controller) Retrying(channel int) bool {
	ep := c.find(channel)
	return ep != nil && ep.State == StateRetrying
}

// Retry reapplies the destination and restarts the sink of one channel.
// On failure the endpoint stays RETRYING.
func (c *Controller) Retry(g pipeline.Graph, channel int) error {
	ep := c.find(channel)
	if ep == nil {
		return fmt.Errorf("channel %d: %w", channel, pipeline.ErrUnknownChannel)
	}
	if ep.State != StateRetrying {
		return nil
	}
	ep.Attempts++

	if err := g.SetSinkLocation(channel, ep.Destination); err != nil {
		ep.LastError = err.Error()
		return fmt.Errorf("set sink location: %w", err)
	}
	if err := g.RestartSink(channel); err != nil {
		ep.LastError = err.Error()
		return fmt.Errorf("restart sink: %w", err)
	}
	ep.LastError = ""
	c.set(ep, StateHealthy, fmt.Sprintf("restarted after %d attempts", ep.Attempts))
	return nil
}
