package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/video-system/go-video-streamer/pkg/events"
	"github.com/video-system/go-video-streamer/pkg/pipeline"
	"github.com/video-system/go-video-streamer/pkg/settings"
	"github.com/video-system/go-video-streamer/pkg/slot"
)

// applyDesired closes the gap between the desired and applied snapshots
// with the smallest corrective action
func (o *Orchestrator) applyDesired(trigger string) {
	desired, ok := o.opts.Config.Desired()
	if !ok {
		return
	}
	desired = desired.LimitActive(o.opts.MaxChannels)
	if desired.RequiresReboot {
		o.signalExit(RestartReboot, "reboot requested by platform", nil)
		return
	}
	if !o.started {
		// restart-bound settings take effect at process start
		o.applied = settings.Snapshot{
			ReserveMode: desired.ReserveMode,
			CameraSkip:  desired.CameraSkip,
			AudioSkip:   desired.AudioSkip,
		}
		o.started = true
	}

	cs := settings.Diff(desired, o.applied)
	if cs.Kind == settings.ChangeNone {
		return
	}
	o.log.Info("configuration changed",
		zap.String("trigger", trigger),
		zap.Stringer("change", cs),
	)

	switch cs.Kind {
	case settings.ChangeGlobalSetting:
		if cs.RequiresRestart {
			reason := RestartTopology
			if desired.ReserveMode && !o.applied.ReserveMode {
				reason = RestartStandby
			}
			o.signalExit(reason, cs.String(), nil)
			return
		}
		o.applied.PollInterval = desired.PollInterval
		o.sched.push(taskPoll, o.now().Add(o.pollInterval()))

	case settings.ChangeChannelTopology:
		if err := o.rebuild(desired, cs.String()); err != nil {
			o.buildFailed(trigger, err)
		}

	case settings.ChangePropertyOnly:
		if o.pending != "" {
			o.replan = true
			return
		}
		for _, pc := range cs.Properties {
			ch, _ := desired.Channel(pc.Channel)
			if err := o.updateChannelProperties(pc.Channel, ch.BitrateKbps, ch.WhiteBalance); err != nil {
				o.log.Warn("property update failed", zap.Int("channel", pc.Channel), zap.Error(err))
			}
		}
		o.applied.PollInterval = desired.PollInterval
		o.opts.Notifier.Publish(events.TopicLifecycle, events.Lifecycle{
			Action:  events.ActionUpdated,
			GraphID: o.graphID(),
			Reason:  cs.String(),
		})
	}
}

// build constructs and starts a graph for the active channels of desired.
// A failed build leaves no graph.
func (o *Orchestrator) build(desired settings.Snapshot, active []settings.ChannelSettings) error {
	if err := o.begin("build"); err != nil {
		return err
	}
	defer o.end()

	spec := pipeline.GraphSpec{
		Channels:    active,
		AudioDevice: desired.AudioDevice,
		Encoder:     o.opts.Encoder,
		Audio:       o.opts.Audio,
		Recording:   o.opts.Recording,
		BootID:      o.opts.BootID,
	}
	if desired.SilenceAudio {
		spec.AudioDevice = ""
	}

	g, err := o.opts.Engine.Build(spec)
	if err != nil {
		return err
	}
	if err := g.Start(); err != nil {
		g.Teardown(0)
		return &pipeline.GraphConstructionError{Stage: "start", Err: err}
	}

	o.graph = g
	o.events = g.Events()
	o.applied = desired.Clone()
	o.mode = ModeStreaming

	indexes := make([]int, len(active))
	for i, ch := range active {
		indexes[i] = ch.Index
	}
	o.slots.Reset(indexes)
	o.sinks.Reset(active)
	o.sched.push(taskReconcile, o.now())

	o.log.Info("graph running",
		zap.Uint64("graph", g.ID()),
		zap.Int("channels", len(active)),
		zap.String("audio", spec.AudioDevice),
	)
	o.opts.Notifier.Publish(events.TopicLifecycle, events.Lifecycle{
		Action:   events.ActionBuilt,
		GraphID:  g.ID(),
		Channels: len(active),
	})
	return nil
}

// teardown stops the graph. It always wins: any pending operation is
// cancelled and its eventual result discarded.
func (o *Orchestrator) teardown(reason string) {
	if o.graph == nil {
		return
	}
	o.gen++
	o.pending = ""
	o.attachQueue = nil
	o.replan = false
	clear(o.deferred)
	for _, ep := range o.sinks.Statuses() {
		o.sched.remove(sinkRetryTask(ep.Channel))
	}

	g := o.graph
	o.graph = nil
	o.events = nil
	g.Teardown(o.opts.EOSTimeout)
	if o.mode == ModeStreaming {
		o.mode = ModeIdle
	}

	o.log.Info("graph torn down", zap.Uint64("graph", g.ID()), zap.String("reason", reason))
	o.opts.Notifier.Publish(events.TopicLifecycle, events.Lifecycle{
		Action:  events.ActionTornDown,
		GraphID: g.ID(),
		Reason:  reason,
	})
}

// rebuild tears down and builds again. With no active channel the
// streamer stays idle.
func (o *Orchestrator) rebuild(desired settings.Snapshot, reason string) error {
	o.teardown(reason)

	desired = desired.LimitActive(o.opts.MaxChannels)
	active := desired.ActiveChannels()
	if len(active) == 0 {
		o.applied = desired.Clone()
		o.slots.Reset(nil)
		o.sinks.Reset(nil)
		o.mode = ModeIdle
		o.log.Info("streaming idle",
			zap.Bool("enabled", desired.StreamingEnabled),
			zap.Bool("reserve_mode", desired.ReserveMode),
		)
		o.opts.Notifier.Publish(events.TopicLifecycle, events.Lifecycle{Action: events.ActionIdle, Reason: reason})
		return nil
	}
	return o.build(desired, active)
}

// buildFailed leaves the streamer idle with nothing applied, so the next
// poll builds again. A seeded last known configuration that no longer
// builds is dropped without counting; other build failures share the
// escalation window with graph failures.
func (o *Orchestrator) buildFailed(trigger string, err error) {
	o.applied.Channels = nil
	o.slots.Reset(nil)
	o.sinks.Reset(nil)
	o.mode = ModeIdle

	if o.seeding {
		o.log.Warn("last known configuration does not build, waiting for the platform", zap.Error(err))
		return
	}
	n, escalate := o.noteFailure()
	if escalate {
		o.signalExit(RestartUnrecoverable, "build failed", err)
		return
	}
	o.log.Error("graph build failed, retrying on the next poll",
		zap.String("trigger", trigger),
		zap.Int("failures", n),
		zap.Error(err),
	)
}

// updateChannelProperties changes bitrate and white balance on the running
// graph. A failed camera control command is logged only.
func (o *Orchestrator) updateChannelProperties(channel, bitrateKbps, whiteBalance int) error {
	if o.graph == nil {
		return fmt.Errorf("channel %d: %w", channel, pipeline.ErrUnknownChannel)
	}
	if err := o.begin("update properties"); err != nil {
		return err
	}
	defer o.end()

	applied := o.appliedChannel(channel)
	if applied == nil {
		return fmt.Errorf("channel %d: %w", channel, pipeline.ErrUnknownChannel)
	}

	if applied.BitrateKbps != bitrateKbps {
		if err := o.graph.SetBitrate(channel, bitrateKbps); err != nil {
			return fmt.Errorf("set bitrate: %w", err)
		}
		o.log.Info("bitrate updated",
			zap.Int("channel", channel),
			zap.Int("from_kbps", applied.BitrateKbps),
			zap.Int("to_kbps", bitrateKbps),
		)
		applied.BitrateKbps = bitrateKbps
	}
	if applied.WhiteBalance != whiteBalance {
		o.setWhiteBalance(channel, whiteBalance)
		applied.WhiteBalance = whiteBalance
	}
	return nil
}

func (o *Orchestrator) appliedChannel(channel int) *settings.ChannelSettings {
	for i := range o.applied.Channels {
		if o.applied.Channels[i].Index == channel {
			return &o.applied.Channels[i]
		}
	}
	return nil
}

// setWhiteBalance pushes the value to a LIVE camera
func (o *Orchestrator) setWhiteBalance(channel, kelvin int) {
	if o.opts.Control == nil {
		return
	}
	s, ok := o.slots.Slot(channel)
	if !ok || s.State != slot.StateLive {
		return
	}
	ctx, cancel := context.WithTimeout(o.workCtx, o.opts.ControlTimeout)
	defer cancel()
	if err := o.opts.Control.SetWhiteBalance(ctx, s.Address, kelvin); err != nil {
		o.log.Warn("white balance command failed",
			zap.Int("channel", channel),
			zap.String("device", s.Address),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) pollInterval() time.Duration {
	if o.applied.PollInterval > 0 {
		return o.applied.PollInterval
	}
	return o.opts.PollInterval
}

func (o *Orchestrator) graphID() uint64 {
	if o.graph == nil {
		return 0
	}
	return o.graph.ID()
}
