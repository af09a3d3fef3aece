// Package slot binds logical channels to physical cameras and performs the
// attach and detach surgery on the channel selector.
//
// A Controller is owned by the orchestrator control loop and is not safe
// for concurrent use. The only operation that may run elsewhere is the
// probe of a branch returned by Prepare.
package slot

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/video-system/go-video-streamer/pkg/pipeline"
)

// State is the connection state of a slot
type State int

const (
	// StateUnbound means no camera address is assigned
	StateUnbound State = iota
	// StatePlaceholder means the channel shows the test source
	StatePlaceholder
	// StateLive means the camera feeds the channel
	StateLive
	// StateFailed means surgery failed after a good probe; the placeholder is active
	StateFailed
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateUnbound:
		return "UNBOUND"
	case StatePlaceholder:
		return "PLACEHOLDER"
	case StateLive:
		return "LIVE"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	// ErrNoSlot is returned for a channel without a slot
	ErrNoSlot = errors.New("no slot for channel")
	// ErrBusy is returned while an attach is already in flight for the slot
	ErrBusy = errors.New("attach already in progress")
	// ErrStale is returned when a probed branch no longer matches its slot
	ErrStale = errors.New("slot changed while probing")
)

// Slot is the public view of one binding
type Slot struct {
	Channel   int       `json:"channel"`
	Address   string    `json:"address,omitempty"`
	State     State     `json:"state"`
	Since     time.Time `json:"since"`
	LastError string    `json:"last_error,omitempty"`
}

// Transition describes a state or binding change
type Transition struct {
	Channel int    `json:"channel"`
	Address string `json:"address,omitempty"`
	From    State  `json:"from"`
	To      State  `json:"to"`
	Reason  string `json:"reason"`
}

// Request asks the orchestrator to attach a camera to a slot
type Request struct {
	Channel int
	Address string
}

type record struct {
	Slot
	branch  pipeline.Branch
	pending bool
}

// Controller owns every slot
type Controller struct {
	log          *zap.Logger
	slots        []*record
	onTransition func(Transition)
	now          func() time.Time
}

// NewController creates a controller with no slots
func NewController(log *zap.Logger) *Controller {
	return &Controller{log: log, now: time.Now}
}

// OnTransition registers a hook called for every state change
func (c *Controller) OnTransition(fn func(Transition)) {
	c.onTransition = fn
}

// Reset replaces the slot set for a new graph. Channels that survive keep
// their camera binding in PLACEHOLDER; new channels start UNBOUND.
func (c *Controller) Reset(channels []int) {
	old := make(map[int]*record, len(c.slots))
	for _, r := range c.slots {
		old[r.Channel] = r
	}

	slots := make([]*record, 0, len(channels))
	for _, ch := range channels {
		r := &record{Slot: Slot{Channel: ch, State: StateUnbound, Since: c.now()}}
		if prev, ok := old[ch]; ok && prev.Address != "" {
			r.Address = prev.Address
			r.State = StatePlaceholder
			if prev.State != StatePlaceholder {
				c.emit(Transition{Channel: ch, Address: prev.Address, From: prev.State, To: StatePlaceholder, Reason: "graph rebuilt"})
			}
		}
		slots = append(slots, r)
	}
	c.slots = slots
}

// Slot returns the view of one channel
func (c *Controller) Slot(channel int) (Slot, bool) {
	r := c.find(channel)
	if r == nil {
		return Slot{}, false
	}
	return r.Slot, true
}

// Statuses returns every slot in channel order
func (c *Controller) Statuses() []Slot {
	out := make([]Slot, len(c.slots))
	for i, r := range c.slots {
		out[i] = r.Slot
	}
	return out
}

// Pending reports whether any attach is in flight
func (c *Controller) Pending() bool {
	for _, r := range c.slots {
		if r.pending {
			return true
		}
	}
	return false
}

func (c *Controller) find(channel int) *record {
	for _, r := range c.slots {
		if r.Channel == channel {
			return r
		}
	}
	return nil
}

func (c *Controller) boundTo(address string) *record {
	for _, r := range c.slots {
		if r.Address == address {
			return r
		}
	}
	return nil
}

func (c *Controller) emit(t Transition) {
	if c.onTransition != nil {
		c.onTransition(t)
	}
}

func (c *Controller) set(r *record, to State, reason string) {
	from := r.State
	if from == to {
		return
	}
	r.State = to
	r.Since = c.now()
	c.log.Info("slot transition",
		zap.Int("channel", r.Channel),
		zap.String("device", r.Address),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.String("reason", reason),
	)
	c.emit(Transition{Channel: r.Channel, Address: r.Address, From: from, To: to, Reason: reason})
}

// Prepare builds an isolated camera branch for a request. The caller probes
// it, then hands it to Commit or Abandon.
func (c *Controller) Prepare(g pipeline.Graph, req Request, format pipeline.CameraFormat) (pipeline.Branch, error) {
	r := c.find(req.Channel)
	if r == nil {
		return nil, fmt.Errorf("channel %d: %w", req.Channel, ErrNoSlot)
	}
	if r.pending {
		return nil, fmt.Errorf("channel %d: %w", req.Channel, ErrBusy)
	}
	if r.State == StateFailed {
		c.cleanup(g, r)
	}

	b, err := g.NewCameraBranch(req.Channel, req.Address, format)
	if err != nil {
		return nil, fmt.Errorf("create camera branch: %w", err)
	}
	r.pending = true
	return b, nil
}

// Abandon discards a prepared branch whose probe failed or whose result is no longer wanted
func (c *Controller) Abandon(g pipeline.Graph, b pipeline.Branch, cause error) {
	g.DiscardBranch(b)

	r := c.find(b.Channel())
	if r == nil || !r.pending {
		return
	}
	r.pending = false
	if cause != nil {
		r.LastError = cause.Error()
		c.log.Warn("camera attach abandoned",
			zap.Int("channel", r.Channel),
			zap.String("device", b.Device()),
			zap.Error(cause),
		)
	}
}

// Commit links a probed branch into the graph and makes it the active input
func (c *Controller) Commit(g pipeline.Graph, b pipeline.Branch) error {
	r := c.find(b.Channel())
	if r == nil || !r.pending || r.Address != b.Device() {
		g.DiscardBranch(b)
		if r != nil && r.Address != b.Device() {
			r.pending = false
		}
		return fmt.Errorf("channel %d: %w", b.Channel(), ErrStale)
	}
	r.pending = false

	if err := g.LinkBranch(b); err != nil {
		g.DiscardBranch(b)
		r.LastError = err.Error()
		c.set(r, StateFailed, "link failed")
		return fmt.Errorf("link camera: %w", err)
	}

	if err := g.ActivateBranch(b); err != nil {
		return c.unwind(g, r, b, fmt.Errorf("activate camera: %w", err))
	}
	if err := g.SyncBranch(b); err != nil {
		return c.unwind(g, r, b, fmt.Errorf("sync camera: %w", err))
	}

	r.branch = b
	r.LastError = ""
	c.set(r, StateLive, "attached")
	return nil
}

// unwind returns a half-attached channel to its placeholder
func (c *Controller) unwind(g pipeline.Graph, r *record, b pipeline.Branch, cause error) error {
	if err := g.ActivatePlaceholder(r.Channel); err != nil {
		c.log.Error("failed to restore placeholder", zap.Int("channel", r.Channel), zap.Error(err))
	}
	r.branch = b
	c.cleanup(g, r)
	r.LastError = cause.Error()
	c.set(r, StateFailed, "attach surgery failed")
	return cause
}

// cleanup removes a leftover branch, keeping it for a later attempt when
// removal fails
func (c *Controller) cleanup(g pipeline.Graph, r *record) {
	if r.branch == nil {
		return
	}
	if err := g.UnlinkBranch(r.branch); err != nil {
		c.log.Warn("unlink camera failed", zap.Int("channel", r.Channel), zap.Error(err))
		return
	}
	if err := g.RemoveBranch(r.branch); err != nil {
		c.log.Warn("remove camera failed", zap.Int("channel", r.Channel), zap.Error(err))
	}
	r.branch = nil
}

// Attach probes and links a camera in one call. Attaching the address a
// LIVE slot already carries does nothing. A failed probe leaves the slot
// in PLACEHOLDER and returns a *pipeline.DeviceProbeError.
func (c *Controller) Attach(g pipeline.Graph, req Request, format pipeline.CameraFormat) error {
	r := c.find(req.Channel)
	if r == nil {
		return fmt.Errorf("channel %d: %w", req.Channel, ErrNoSlot)
	}
	if r.State == StateLive && r.Address == req.Address {
		return nil
	}
	if r.State == StateLive {
		if err := c.Detach(g, req.Channel, "rebinding"); err != nil {
			return err
		}
	}
	if other := c.boundTo(req.Address); other != nil && other != r {
		return fmt.Errorf("device %s is bound to channel %d", req.Address, other.Channel)
	}
	if r.Address != req.Address {
		r.Address = req.Address
		if r.State == StateUnbound {
			c.set(r, StatePlaceholder, "bound")
		}
	}

	b, err := c.Prepare(g, req, format)
	if err != nil {
		return err
	}
	if err := g.ProbeBranch(b); err != nil {
		c.Abandon(g, b, err)
		return err
	}
	return c.Commit(g, b)
}

// Detach switches the channel back to its placeholder and removes the
// camera branch. Detaching a slot that is not LIVE does nothing, except
// that a FAILED slot gets its leftovers cleaned up.
func (c *Controller) Detach(g pipeline.Graph, channel int, reason string) error {
	r := c.find(channel)
	if r == nil {
		return fmt.Errorf("channel %d: %w", channel, ErrNoSlot)
	}
	switch r.State {
	case StateLive:
	case StateFailed:
		c.cleanup(g, r)
		if r.branch == nil {
			c.set(r, StatePlaceholder, reason)
		}
		return nil
	default:
		return nil
	}

	// the selector must leave the camera input before it is unlinked
	if err := g.ActivatePlaceholder(channel); err != nil {
		return fmt.Errorf("restore placeholder: %w", err)
	}
	if err := g.UnlinkBranch(r.branch); err != nil {
		r.LastError = err.Error()
		c.set(r, StateFailed, "unlink failed")
		return fmt.Errorf("unlink camera: %w", err)
	}
	if err := g.RemoveBranch(r.branch); err != nil {
		c.log.Warn("remove camera failed", zap.Int("channel", channel), zap.Error(err))
	}
	r.branch = nil
	c.set(r, StatePlaceholder, reason)
	return nil
}

// Fail records a mid-stream camera error and detaches the camera
func (c *Controller) Fail(g pipeline.Graph, channel int, cause error) error {
	r := c.find(channel)
	if r == nil {
		return fmt.Errorf("channel %d: %w", channel, ErrNoSlot)
	}
	if cause != nil {
		r.LastError = cause.Error()
	}
	return c.Detach(g, channel, "camera error")
}

// Reconcile matches the current candidate addresses, in scan order, against
// the slots. It detaches cameras that disappeared, binds new addresses to
// free slots, and returns an attach request for every bound slot whose
// camera is present but not live.
//
// Bindings are sticky: a camera that vanishes keeps its slot until another
// new address needs it, so a camera that comes back returns to its channel.
func (c *Controller) Reconcile(g pipeline.Graph, candidates []string) []Request {
	present := make(map[string]bool, len(candidates))
	for _, a := range candidates {
		present[a] = true
	}

	for _, r := range c.slots {
		if r.Address == "" || present[r.Address] || r.pending {
			continue
		}
		if err := c.Detach(g, r.Channel, "device gone"); err != nil {
			c.log.Warn("detach failed", zap.Int("channel", r.Channel), zap.Error(err))
		}
	}

	for _, addr := range candidates {
		if c.boundTo(addr) != nil {
			continue
		}
		r := c.freeSlot(present)
		if r == nil {
			break
		}
		prev := r.Address
		r.Address = addr
		r.LastError = ""
		if r.State == StateUnbound {
			c.set(r, StatePlaceholder, "bound")
		} else {
			c.log.Info("slot rebound",
				zap.Int("channel", r.Channel),
				zap.String("from", prev),
				zap.String("to", addr),
			)
			c.emit(Transition{Channel: r.Channel, Address: addr, From: r.State, To: r.State, Reason: "rebound"})
		}
	}

	var reqs []Request
	for _, r := range c.slots {
		if r.pending || r.Address == "" || !present[r.Address] {
			continue
		}
		if r.State == StatePlaceholder || r.State == StateFailed {
			reqs = append(reqs, Request{Channel: r.Channel, Address: r.Address})
		}
	}
	return reqs
}

// freeSlot returns the first slot, in channel order, that is unbound or
// holds a binding to an absent camera
func (c *Controller) freeSlot(present map[string]bool) *record {
	for _, r := range c.slots {
		if r.pending || r.State == StateLive {
			continue
		}
		if r.Address == "" || !present[r.Address] {
			return r
		}
	}
	return nil
}
