// Package orchestrator owns the live pipeline graph. A single control loop
// builds, mutates and heals it in response to hot-plug scans, graph bus
// events and remote configuration changes.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/video-system/go-video-streamer/internal/devices"
	"github.com/video-system/go-video-streamer/pkg/events"
	"github.com/video-system/go-video-streamer/pkg/pipeline"
	"github.com/video-system/go-video-streamer/pkg/remote"
	"github.com/video-system/go-video-streamer/pkg/settings"
	"github.com/video-system/go-video-streamer/pkg/sink"
	"github.com/video-system/go-video-streamer/pkg/slot"
)

// Enumerator lists capture devices in scan order
type Enumerator interface {
	ListCaptureDevices(ctx context.Context) ([]devices.Camera, error)
}

// ConfigSource fetches and holds the desired snapshot
type ConfigSource interface {
	Poll(ctx context.Context) (settings.Snapshot, error)
	Desired() (settings.Snapshot, bool)
	Status() remote.FetchStatus
}

// DeviceControl issues camera control commands
type DeviceControl interface {
	SetWhiteBalance(ctx context.Context, device string, kelvin int) error
}

// Options wires an Orchestrator
type Options struct {
	Engine   pipeline.Engine
	Devices  Enumerator
	Config   ConfigSource
	Control  DeviceControl
	Prober   sink.Prober
	Notifier events.Notifier
	Log      *zap.Logger

	Policy      devices.Policy
	MaxChannels int
	Workers     int

	PollInterval      time.Duration
	ReconcileInterval time.Duration
	RetryInterval     time.Duration
	EOSTimeout        time.Duration
	ControlTimeout    time.Duration

	// more than EscalationLimit shared failures within EscalationWindow
	// end the process
	EscalationLimit  int
	EscalationWindow time.Duration

	Encoder   pipeline.EncoderSpec
	Audio     pipeline.AudioSpec
	Recording pipeline.RecordingSpec
	BootID    string
}

func (o *Options) setDefaults() {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.Notifier == nil {
		o.Notifier = events.Nop{}
	}
	if o.Policy == "" {
		o.Policy = devices.PolicyLast
	}
	if o.MaxChannels <= 0 || o.MaxChannels > settings.MaxChannels {
		o.MaxChannels = settings.MaxChannels
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.ReconcileInterval <= 0 {
		o.ReconcileInterval = 5 * time.Second
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 10 * time.Second
	}
	if o.EOSTimeout <= 0 {
		o.EOSTimeout = 2 * time.Second
	}
	if o.ControlTimeout <= 0 {
		o.ControlTimeout = 3 * time.Second
	}
	if o.EscalationLimit <= 0 {
		o.EscalationLimit = 3
	}
	if o.EscalationWindow <= 0 {
		o.EscalationWindow = time.Minute
	}
}

// Mode is the coarse state of the streamer
type Mode string

const (
	ModeStarting  Mode = "starting"
	ModeIdle      Mode = "idle"
	ModeStreaming Mode = "streaming"
	ModeStopping  Mode = "stopping"
)

// Status is a point-in-time view for the API
type Status struct {
	Mode      Mode               `json:"mode"`
	BootID    string             `json:"boot_id"`
	GraphID   uint64             `json:"graph_id,omitempty"`
	Pending   string             `json:"pending,omitempty"`
	Applied   *settings.Snapshot `json:"applied,omitempty"`
	Slots     []slot.Slot        `json:"slots"`
	Sinks     []sink.Endpoint    `json:"sinks"`
	Devices   []string           `json:"devices"`
	Fetch     remote.FetchStatus `json:"last_fetch"`
	Restart   string             `json:"restart,omitempty"`
	UpdatedAt time.Time          `json:"updated_at"`
}

type requestKind int

const (
	requestReconcile requestKind = iota
	requestRefresh
)

// Orchestrator runs the control loop. Only Status, RequestReconcile and
// RequestRefresh may be called from other goroutines.
type Orchestrator struct {
	opts  Options
	log   *zap.Logger
	slots *slot.Controller
	sinks *sink.Controller
	sched *scheduler
	now   func() time.Time

	// loop-owned state
	graph       pipeline.Graph
	events      <-chan pipeline.Event
	gen         uint64
	mode        Mode
	started     bool
	seeding     bool
	applied     settings.Snapshot
	pending     string
	attachQueue []slot.Request
	deferred    map[int]error
	replan      bool
	polling     bool
	scanning    bool
	lastScan    []string
	failures    []time.Time
	exit        *TopologyChangeRequiresRestart
	exitErr     error

	// worker pool
	sem        *semaphore.Weighted
	results    chan any
	wg         sync.WaitGroup
	workCtx    context.Context
	cancelWork context.CancelFunc

	requests chan requestKind

	mu     sync.RWMutex
	status Status
}

// New creates an orchestrator
func New(opts Options) *Orchestrator {
	opts.setDefaults()
	log := opts.Log.Named("orchestrator")

	o := &Orchestrator{
		opts:     opts,
		log:      log,
		slots:    slot.NewController(opts.Log.Named("slot")),
		sinks:    sink.NewController(opts.Log.Named("sink")),
		sched:    newScheduler(),
		now:      time.Now,
		mode:     ModeStarting,
		deferred: make(map[int]error),
		sem:      semaphore.NewWeighted(int64(opts.Workers)),
		results:  make(chan any, opts.Workers),
		requests: make(chan requestKind, 4),
	}
	o.workCtx, o.cancelWork = context.WithCancel(context.Background())

	o.slots.OnTransition(func(tr slot.Transition) {
		opts.Notifier.Publish(events.TopicSlot, tr)
	})
	o.sinks.OnTransition(func(tr sink.Transition) {
		opts.Notifier.Publish(events.TopicSink, tr)
	})
	o.publishStatus()
	return o
}

// Run is the control loop. It returns when ctx is cancelled (RestartNone)
// or when the process must be relaunched. The graph is always torn down
// before Run returns.
func (o *Orchestrator) Run(ctx context.Context) (RestartReason, error) {
	stop := context.AfterFunc(ctx, o.cancelWork)
	defer stop()
	defer func() {
		o.cancelWork()
		o.wg.Wait()
	}()

	o.mode = ModeIdle
	if _, ok := o.opts.Config.Desired(); ok {
		o.seeding = true
		o.applyDesired("last known configuration")
		o.seeding = false
	}
	o.sched.push(taskPoll, o.now())
	o.publishStatus()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for o.exit == nil {
		var timerC <-chan time.Time
		if _, when, ok := o.sched.next(); ok {
			arm(timer, max(when.Sub(o.now()), 0))
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			o.mode = ModeStopping
			o.teardown("shutdown")
			o.publishStatus()
			return RestartNone, nil
		case <-timerC:
			for _, t := range o.sched.due(o.now()) {
				o.runTask(t)
			}
		case ev, ok := <-o.events:
			if !ok {
				o.events = nil
				continue
			}
			o.handleEvent(ev)
		case r := <-o.results:
			o.handleResult(r)
		case req := <-o.requests:
			o.handleRequest(req)
		}

		o.flushDeferred()
		o.publishStatus()
	}

	o.log.Warn("leaving control loop",
		zap.Stringer("reason", o.exit.Reason),
		zap.String("detail", o.exit.Detail),
		zap.Error(o.exitErr),
	)
	o.mode = ModeStopping
	o.teardown(o.exit.Detail)
	o.opts.Notifier.Publish(events.TopicLifecycle, events.Lifecycle{
		Action: events.ActionRestarting,
		Reason: o.exit.Reason.String(),
	})
	o.publishStatus()
	return o.exit.Reason, o.exitErr
}

// Status returns the latest status view
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status
}

// RequestReconcile asks the loop for an immediate hot-plug scan. It
// returns false when the request queue is full.
func (o *Orchestrator) RequestReconcile() bool {
	return o.request(requestReconcile)
}

// RequestRefresh asks the loop for an immediate configuration poll
func (o *Orchestrator) RequestRefresh() bool {
	return o.request(requestRefresh)
}

func (o *Orchestrator) request(k requestKind) bool {
	select {
	case o.requests <- k:
		return true
	default:
		return false
	}
}

func (o *Orchestrator) handleRequest(k requestKind) {
	switch k {
	case requestReconcile:
		o.sched.push(taskReconcile, o.now())
	case requestRefresh:
		o.sched.push(taskPoll, o.now())
	}
}

func (o *Orchestrator) publishStatus() {
	st := Status{
		Mode:      o.mode,
		BootID:    o.opts.BootID,
		Pending:   o.pending,
		Slots:     o.slots.Statuses(),
		Sinks:     o.sinks.Statuses(),
		Devices:   append([]string(nil), o.lastScan...),
		UpdatedAt: o.now(),
	}
	if o.opts.Config != nil {
		st.Fetch = o.opts.Config.Status()
	}
	if o.graph != nil {
		st.GraphID = o.graph.ID()
	}
	if o.started {
		applied := o.applied.Clone()
		st.Applied = &applied
	}
	if o.exit != nil {
		st.Restart = o.exit.Reason.String()
	}

	o.mu.Lock()
	o.status = st
	o.mu.Unlock()
}

// dispatch runs fn on the worker pool and delivers its result to the loop.
// It returns false without queueing when every worker is busy.
func (o *Orchestrator) dispatch(job string, fn func(ctx context.Context) any) bool {
	if !o.sem.TryAcquire(1) {
		o.log.Debug("worker pool busy", zap.String("job", job))
		return false
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.sem.Release(1)
		r := fn(o.workCtx)
		select {
		case o.results <- r:
		case <-o.workCtx.Done():
		}
	}()
	return true
}

// begin takes the mutation gate
func (o *Orchestrator) begin(op string) error {
	if o.pending != "" {
		return &mutationError{op: op, pending: o.pending}
	}
	o.pending = op
	return nil
}

func (o *Orchestrator) end() {
	o.pending = ""
}

type mutationError struct {
	op, pending string
}

func (e *mutationError) Error() string {
	return e.op + " while " + e.pending + " is in progress: " + ErrMutationPending.Error()
}

func (e *mutationError) Unwrap() error { return ErrMutationPending }

func (o *Orchestrator) signalExit(reason RestartReason, detail string, err error) {
	if o.exit != nil {
		return
	}
	o.exit = &TopologyChangeRequiresRestart{Reason: reason, Detail: detail}
	o.exitErr = err
}
