package pipeline

import (
	"errors"
	"fmt"
)

// ErrUnknownChannel is returned for a channel index the graph does not carry
var ErrUnknownChannel = errors.New("unknown channel")

// DeviceProbeError means a camera could not be opened or failed while
// streaming. The channel keeps its placeholder. Source is the element that
// reported a streaming error; Device is the camera path when known.
type DeviceProbeError struct {
	Channel int
	Device  string
	Source  string
	Err     error
}

func (e *DeviceProbeError) Error() string {
	switch {
	case e.Source == "":
		return fmt.Sprintf("probe %s for channel %d: %v", e.Device, e.Channel, e.Err)
	case e.Device == "":
		return fmt.Sprintf("camera element %s on channel %d: %v", e.Source, e.Channel, e.Err)
	default:
		return fmt.Sprintf("camera %s on channel %d (%s): %v", e.Device, e.Channel, e.Source, e.Err)
	}
}

func (e *DeviceProbeError) Unwrap() error { return e.Err }

// GraphConstructionError means a build failed. Nothing of the attempted
// graph survives it.
type GraphConstructionError struct {
	Stage string
	Err   error
}

func (e *GraphConstructionError) Error() string {
	return fmt.Sprintf("build graph (%s): %v", e.Stage, e.Err)
}

func (e *GraphConstructionError) Unwrap() error { return e.Err }

// SinkDeliveryError is a delivery failure confined to one channel sink
type SinkDeliveryError struct {
	Channel int
	Source  string
	Err     error
}

func (e *SinkDeliveryError) Error() string {
	return fmt.Sprintf("sink %s on channel %d: %v", e.Source, e.Channel, e.Err)
}

func (e *SinkDeliveryError) Unwrap() error { return e.Err }

// SharedElementFailure is an error in an element no single channel owns
type SharedElementFailure struct {
	Owner  Owner
	Source string
	Err    error
}

func (e *SharedElementFailure) Error() string {
	return fmt.Sprintf("shared element %s (%s): %v", e.Source, e.Owner, e.Err)
}

func (e *SharedElementFailure) Unwrap() error { return e.Err }
