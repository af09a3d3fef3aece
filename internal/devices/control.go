package devices

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// Control issues camera control commands through v4l2-ctl
type Control struct {
	runner Runner
}

// NewControl creates a camera control
func NewControl(runner Runner) *Control {
	return &Control{runner: runner}
}

// auto white balance control names, current kernels first. Kernels before
// 5.19 only know the second one.
var autoWhiteBalanceControls = []string{"white_balance_automatic", "white_balance_temperature_auto"}

// SetWhiteBalance disables auto white balance and sets an explicit temperature
func (c *Control) SetWhiteBalance(ctx context.Context, device string, kelvin int) error {
	var errs []error
	for _, ctrl := range autoWhiteBalanceControls {
		_, err := c.runner.Run(ctx, "v4l2-ctl",
			"--device", device,
			"--set-ctrl="+ctrl+"=0",
			"--set-ctrl=white_balance_temperature="+strconv.Itoa(kelvin),
		)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("set white balance on %s: %w", device, errors.Join(errs...))
}
