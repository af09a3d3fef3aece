package system

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const rk3588CPUInfo = `processor	: 0
BogoMIPS	: 48.00
Features	: fp asimd evtstrm aes pmull sha1 sha2 crc32 atomics fphp asimdhp cpuid

Serial		: 3f1c2a9b77d04e21
`

func write(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestSerialFromCPUInfo(t *testing.T) {
	dir := t.TempDir()
	cpu := write(t, dir, "cpuinfo", rk3588CPUInfo)
	mid := write(t, dir, "machine-id", "abcdef\n")

	got, err := serialFrom(cpu, mid)
	if err != nil {
		t.Fatalf("serial: %v", err)
	}
	if got != "3f1c2a9b77d04e21" {
		t.Errorf("unexpected serial %q", got)
	}
}

func TestSerialFallsBackToMachineID(t *testing.T) {
	dir := t.TempDir()
	mid := write(t, dir, "machine-id", "0123456789abcdef\n")

	tests := []struct {
		name string
		cpu  string
	}{
		{"missing cpuinfo", filepath.Join(dir, "none")},
		{"no serial line", write(t, dir, "cpuinfo-noserial", "processor\t: 0\n")},
		{"zero serial", write(t, dir, "cpuinfo-zero", "Serial\t\t: 0000000000000000\n")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := serialFrom(tt.cpu, mid)
			if err != nil || got != "0123456789abcdef" {
				t.Errorf("expected machine id, got %q, %v", got, err)
			}
		})
	}
}

func TestSerialNotFound(t *testing.T) {
	dir := t.TempDir()
	_, err := serialFrom(filepath.Join(dir, "a"), filepath.Join(dir, "b"))
	if !errors.Is(err, ErrNoSerial) {
		t.Errorf("expected ErrNoSerial, got %v", err)
	}
}
