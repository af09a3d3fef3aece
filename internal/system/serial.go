// Package system reads host identity and talks to logind.
package system

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Files read by Serial
var (
	CPUInfoPath   = "/proc/cpuinfo"
	MachineIDPath = "/etc/machine-id"
)

// ErrNoSerial is returned when no identity source is readable
var ErrNoSerial = errors.New("no device serial found")

// Serial returns the board serial from cpuinfo, falling back to the
// machine id
func Serial() (string, error) {
	return serialFrom(CPUInfoPath, MachineIDPath)
}

func serialFrom(cpuinfo, machineID string) (string, error) {
	if data, err := os.ReadFile(cpuinfo); err == nil {
		if s := parseCPUSerial(data); s != "" {
			return s, nil
		}
	}
	data, err := os.ReadFile(machineID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoSerial, err)
	}
	if s := strings.TrimSpace(string(data)); s != "" {
		return s, nil
	}
	return "", ErrNoSerial
}

func parseCPUSerial(data []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), ":")
		if !ok || strings.TrimSpace(key) != "Serial" {
			continue
		}
		v := strings.TrimSpace(value)
		// all-zero serials are placeholders on some boards
		if strings.Trim(v, "0") == "" {
			return ""
		}
		return v
	}
	return ""
}
