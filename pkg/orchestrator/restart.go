package orchestrator

import (
	"errors"
	"fmt"
)

// RestartReason tells the entry point why the control loop returned
type RestartReason int

const (
	// RestartNone is a clean shutdown
	RestartNone RestartReason = iota
	// RestartTopology means a restart-bound global setting changed
	RestartTopology
	// RestartStandby means reserve mode was switched on
	RestartStandby
	// RestartUnrecoverable means the graph could not be healed in process
	RestartUnrecoverable
	// RestartReboot means the platform asked for a host reboot
	RestartReboot
)

// String returns the reason name
func (r RestartReason) String() string {
	switch r {
	case RestartNone:
		return "none"
	case RestartTopology:
		return "topology"
	case RestartStandby:
		return "standby"
	case RestartUnrecoverable:
		return "unrecoverable"
	case RestartReboot:
		return "reboot"
	default:
		return "unknown"
	}
}

// MarshalText renders the reason name in JSON
func (r RestartReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// ErrMutationPending is returned when a graph mutation is issued while
// another one has not completed
var ErrMutationPending = errors.New("graph mutation pending")

// TopologyChangeRequiresRestart signals an orderly exit so the supervisor
// relaunches the process. It is a designed outcome, not a failure.
type TopologyChangeRequiresRestart struct {
	Reason RestartReason
	Detail string
}

func (e *TopologyChangeRequiresRestart) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("restart required: %s", e.Reason)
	}
	return fmt.Sprintf("restart required: %s: %s", e.Reason, e.Detail)
}
