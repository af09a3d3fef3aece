package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/video-system/go-video-streamer/internal/devices"
	"github.com/video-system/go-video-streamer/pkg/pipeline"
	"github.com/video-system/go-video-streamer/pkg/settings"
	"github.com/video-system/go-video-streamer/pkg/slot"
)

// results marshaled back from the worker pool
type (
	pollResult struct {
		snap settings.Snapshot
		err  error
	}
	scanResult struct {
		gen   uint64
		paths []string
		err   error
	}
	probeResult struct {
		gen    uint64
		graph  pipeline.Graph
		branch pipeline.Branch
		err    error
	}
	reachResult struct {
		gen     uint64
		channel int
		err     error
	}
)

var errPoolBusy = errors.New("worker pool busy")

func (o *Orchestrator) runTask(t task) {
	switch t {
	case taskPoll:
		o.startPoll()
	case taskReconcile:
		o.startReconcile()
	default:
		if ch, ok := t.sinkChannel(); ok {
			o.startReach(ch)
		}
	}
}

func (o *Orchestrator) handleResult(r any) {
	switch r := r.(type) {
	case pollResult:
		o.finishPoll(r)
	case scanResult:
		o.finishScan(r)
	case probeResult:
		o.finishProbe(r)
	case reachResult:
		o.finishReach(r)
	}
}

// --- configuration polling ---------------------------------------------------

func (o *Orchestrator) startPoll() {
	if o.polling {
		return
	}
	ok := o.dispatch("poll", func(ctx context.Context) any {
		snap, err := o.opts.Config.Poll(ctx)
		return pollResult{snap: snap, err: err}
	})
	if !ok {
		o.sched.push(taskPoll, o.now().Add(o.pollInterval()))
		return
	}
	o.polling = true
}

func (o *Orchestrator) finishPoll(r pollResult) {
	o.polling = false
	if r.err != nil {
		// the synchronizer keeps the last good snapshot; nothing to correct
		o.log.Warn("configuration fetch failed", zap.Error(r.err))
	} else {
		o.applyDesired("poll")
	}
	if o.exit == nil {
		o.sched.push(taskPoll, o.now().Add(o.pollInterval()))
	}
}

// --- hot-plug reconciliation ---------------------------------------------------

func (o *Orchestrator) startReconcile() {
	o.sched.push(taskReconcile, o.now().Add(o.opts.ReconcileInterval))
	if o.graph == nil || o.scanning {
		return
	}
	if o.pending != "" || len(o.attachQueue) > 0 {
		o.log.Debug("reconcile deferred", zap.String("pending", o.pending))
		return
	}

	gen := o.gen
	ok := o.dispatch("scan", func(ctx context.Context) any {
		cams, err := o.opts.Devices.ListCaptureDevices(ctx)
		paths := make([]string, len(cams))
		for i, c := range cams {
			paths[i] = c.Path
		}
		return scanResult{gen: gen, paths: paths, err: err}
	})
	o.scanning = ok
}

func (o *Orchestrator) finishScan(r scanResult) {
	o.scanning = false
	if r.gen != o.gen || o.graph == nil {
		return
	}
	if r.err != nil {
		o.log.Warn("device scan failed", zap.Error(r.err))
		return
	}
	o.lastScan = r.paths

	if err := o.begin("reconcile"); err != nil {
		o.log.Debug("reconcile skipped", zap.Error(err))
		return
	}
	slots := len(o.slots.Statuses())
	candidates := devices.Select(r.paths, o.applied.CameraSkip, slots, o.opts.Policy)
	reqs := o.slots.Reconcile(o.graph, candidates)
	o.end()

	o.attachQueue = append(o.attachQueue, reqs...)
	o.nextAttach()
}

// nextAttach starts the next queued attach. Attaches run one at a time: the
// branch is built on the loop, probed on a worker and linked back on the
// loop.
func (o *Orchestrator) nextAttach() {
	for len(o.attachQueue) > 0 && o.pending == "" && o.graph != nil {
		req := o.attachQueue[0]
		o.attachQueue = o.attachQueue[1:]

		ch := o.appliedChannel(req.Channel)
		if ch == nil {
			continue
		}
		format := pipeline.CameraFormat{
			Width:     ch.Resolution.Width,
			Height:    ch.Resolution.Height,
			FrameRate: ch.FrameRate,
		}

		if err := o.begin("attach"); err != nil {
			return
		}
		g := o.graph
		b, err := o.slots.Prepare(g, req, format)
		if err != nil {
			o.end()
			o.log.Warn("cannot prepare camera",
				zap.Int("channel", req.Channel),
				zap.String("device", req.Address),
				zap.Error(err),
			)
			continue
		}

		gen := o.gen
		ok := o.dispatch("probe", func(context.Context) any {
			return probeResult{gen: gen, graph: g, branch: b, err: g.ProbeBranch(b)}
		})
		if !ok {
			o.slots.Abandon(g, b, errPoolBusy)
			o.end()
			o.attachQueue = nil
		}
		return
	}
}

func (o *Orchestrator) finishProbe(r probeResult) {
	if r.gen != o.gen || o.graph == nil {
		r.graph.DiscardBranch(r.branch)
		o.log.Debug("discarding stale probe",
			zap.Int("channel", r.branch.Channel()),
			zap.String("device", r.branch.Device()),
		)
		return
	}
	o.end()

	ch := r.branch.Channel()
	switch {
	case r.err != nil:
		o.slots.Abandon(o.graph, r.branch, r.err)
	default:
		if err := o.slots.Commit(o.graph, r.branch); err != nil {
			o.log.Warn("camera attach failed", zap.Int("channel", ch), zap.Error(err))
			break
		}
		if applied := o.appliedChannel(ch); applied != nil {
			o.setWhiteBalance(ch, applied.WhiteBalance)
		}
	}
	o.nextAttach()
}

// --- sink resilience -----------------------------------------------------------

func (o *Orchestrator) failSink(channel int, err error) {
	if o.sinks.Fail(channel, err) {
		o.sched.push(sinkRetryTask(channel), o.now().Add(o.opts.RetryInterval))
	}
}

func (o *Orchestrator) startReach(channel int) {
	if o.graph == nil || !o.sinks.Retrying(channel) {
		return
	}
	gen := o.gen
	ok := o.dispatch("reachability", func(ctx context.Context) any {
		return reachResult{gen: gen, channel: channel, err: o.opts.Prober.Probe(ctx)}
	})
	if !ok {
		o.sched.push(sinkRetryTask(channel), o.now().Add(o.opts.RetryInterval))
	}
}

func (o *Orchestrator) finishReach(r reachResult) {
	if r.gen != o.gen || o.graph == nil {
		return
	}
	retry := func() {
		o.sched.push(sinkRetryTask(r.channel), o.now().Add(o.opts.RetryInterval))
	}
	if r.err != nil {
		o.log.Info("network unreachable, sink retry postponed", zap.Int("channel", r.channel), zap.Error(r.err))
		retry()
		return
	}
	if err := o.begin("sink retry"); err != nil {
		retry()
		return
	}
	err := o.sinks.Retry(o.graph, r.channel)
	o.end()
	if err != nil {
		o.log.Warn("sink retry failed", zap.Int("channel", r.channel), zap.Error(err))
		retry()
	}
}

// --- graph events --------------------------------------------------------------

func (o *Orchestrator) handleEvent(ev pipeline.Event) {
	if o.graph == nil || ev.GraphID != o.graph.ID() {
		return
	}
	fields := []zap.Field{
		zap.Uint64("graph", ev.GraphID),
		zap.String("source", ev.Source),
		zap.Stringer("owner", ev.Owner),
	}

	switch ev.Kind {
	case pipeline.EventError:
		o.log.Error("graph error", append(fields,
			zap.String("message", ev.Message),
			zap.String("debug", ev.Debug),
			zap.String("category", ev.Category),
		)...)
		o.handleError(ev)
	case pipeline.EventWarning:
		o.log.Warn("graph warning", append(fields, zap.String("message", ev.Message))...)
	case pipeline.EventEOS:
		o.log.Warn("unexpected end of stream", fields...)
		o.recover("end of stream", &pipeline.SharedElementFailure{
			Owner:  pipeline.Owner{Role: pipeline.RolePipeline, Channel: pipeline.SharedChannel},
			Source: ev.Source,
			Err:    errors.New("end of stream"),
		})
	case pipeline.EventStateChanged:
		o.log.Debug("graph state changed", append(fields,
			zap.String("from", ev.OldState),
			zap.String("to", ev.NewState),
		)...)
	case pipeline.EventElement:
		o.log.Debug("element message", append(fields, zap.String("message", ev.Message))...)
	}
}

// handleError picks the remediation scope from the owner of the failing
// element
func (o *Orchestrator) handleError(ev pipeline.Event) {
	err := ev.Err()
	if !ev.Known || ev.Owner.Shared() {
		o.recover("shared element failure", err)
		return
	}

	ch := ev.Owner.Channel
	switch ev.Owner.Role {
	case pipeline.RoleCamera:
		if _, live := o.graph.Owner(ev.Source); ev.Retired || !live {
			o.log.Debug("error from removed camera ignored", zap.Int("channel", ch), zap.String("source", ev.Source))
			return
		}
		o.failCamera(ch, err)
	case pipeline.RoleSink, pipeline.RoleMuxer:
		o.failSink(ch, err)
	case pipeline.RoleRecorder:
		o.log.Warn("recording error ignored", zap.Int("channel", ch), zap.Error(err))
	default:
		o.recover(fmt.Sprintf("channel %d %s failure", ch, ev.Owner.Role), err)
	}
}

func (o *Orchestrator) failCamera(channel int, cause error) {
	var devErr *pipeline.DeviceProbeError
	if errors.As(cause, &devErr) && devErr.Device == "" {
		if s, ok := o.slots.Slot(channel); ok {
			devErr.Device = s.Address
		}
	}
	if err := o.begin("camera failure"); err != nil {
		o.deferred[channel] = cause
		return
	}
	defer o.end()
	if err := o.slots.Fail(o.graph, channel, cause); err != nil {
		o.log.Warn("camera detach failed", zap.Int("channel", channel), zap.Error(err))
	}
}

// flushDeferred runs work that waited for the mutation gate
func (o *Orchestrator) flushDeferred() {
	if o.pending != "" || o.graph == nil || o.exit != nil {
		return
	}
	for ch, cause := range o.deferred {
		delete(o.deferred, ch)
		if s, ok := o.slots.Slot(ch); ok && s.State == slot.StateLive {
			o.failCamera(ch, cause)
		}
	}
	if o.replan {
		o.replan = false
		o.applyDesired("deferred")
	}
}

// recover rebuilds the graph from the applied snapshot. Too many failures
// in the escalation window end the process instead.
func (o *Orchestrator) recover(reason string, cause error) {
	n, escalate := o.noteFailure()
	if escalate {
		o.signalExit(RestartUnrecoverable, reason, cause)
		return
	}

	o.log.Warn("rebuilding graph",
		zap.String("reason", reason),
		zap.Int("failures", n),
		zap.Error(cause),
	)
	if err := o.rebuild(o.applied.Clone(), reason); err != nil {
		o.buildFailed(reason, errors.Join(cause, err))
	}
}

// noteFailure records a failure and reports whether the escalation window
// is exceeded
func (o *Orchestrator) noteFailure() (int, bool) {
	now := o.now()
	cutoff := now.Add(-o.opts.EscalationWindow)
	kept := o.failures[:0]
	for _, t := range o.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	o.failures = append(kept, now)
	return len(o.failures), len(o.failures) > o.opts.EscalationLimit
}
