package recording

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func writeSegment(t *testing.T, dir, name string, size int, mod time.Time) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mod, mod); err != nil {
		t.Fatal(err)
	}
	return path
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestScanIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	writeSegment(t, dir, "ch0-1a2b3c4d-00001.mp4", 10, now.Add(-time.Minute))
	writeSegment(t, dir, "ch0-1a2b3c4d-00000.mp4", 10, now.Add(-2*time.Minute))
	writeSegment(t, dir, "notes.txt", 10, now)
	writeSegment(t, dir, "ch0-1a2b3c4d-00002.mkv", 10, now)

	r := NewRetention(zaptest.NewLogger(t), Config{Path: dir})
	segs, err := r.Scan()
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(segs) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(segs))
	}
	if segs[0].Sequence != 0 || segs[1].Sequence != 1 || segs[0].Boot != "1a2b3c4d" {
		t.Errorf("unexpected order %+v", segs)
	}
}

func TestScanMissingDirectory(t *testing.T) {
	r := NewRetention(zaptest.NewLogger(t), Config{Path: filepath.Join(t.TempDir(), "absent")})
	segs, err := r.Scan()
	if err != nil || segs != nil {
		t.Fatalf("expected empty scan, got %v %v", segs, err)
	}
}

func TestPrune(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		maxAge   time.Duration
		maxBytes int64
		removed  []string
		kept     []string
	}{
		{
			name:    "age",
			maxAge:  time.Hour,
			removed: []string{"ch0-aaaa-00000.mp4", "ch1-aaaa-00000.mp4"},
			kept:    []string{"ch0-aaaa-00001.mp4", "ch1-aaaa-00001.mp4"},
		},
		{
			name:     "size",
			maxBytes: 250,
			removed:  []string{"ch0-aaaa-00000.mp4", "ch1-aaaa-00000.mp4"},
			kept:     []string{"ch0-aaaa-00001.mp4", "ch1-aaaa-00001.mp4"},
		},
		{
			name:     "newest per channel survives",
			maxAge:   time.Minute,
			maxBytes: 1,
			removed:  []string{"ch0-aaaa-00000.mp4", "ch1-aaaa-00000.mp4"},
			kept:     []string{"ch0-aaaa-00001.mp4", "ch1-aaaa-00001.mp4"},
		},
		{
			name: "no limits",
			kept: []string{"ch0-aaaa-00000.mp4", "ch0-aaaa-00001.mp4", "ch1-aaaa-00000.mp4", "ch1-aaaa-00001.mp4"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeSegment(t, dir, "ch0-aaaa-00000.mp4", 100, now.Add(-3*time.Hour))
			writeSegment(t, dir, "ch1-aaaa-00000.mp4", 100, now.Add(-2*time.Hour))
			writeSegment(t, dir, "ch0-aaaa-00001.mp4", 100, now.Add(-30*time.Minute))
			writeSegment(t, dir, "ch1-aaaa-00001.mp4", 100, now.Add(-10*time.Minute))

			r := NewRetention(zaptest.NewLogger(t), Config{Path: dir, MaxAge: tt.maxAge, MaxBytes: tt.maxBytes})
			r.now = func() time.Time { return now }

			n, err := r.Prune()
			if err != nil {
				t.Fatalf("Prune failed: %v", err)
			}
			if n != len(tt.removed) {
				t.Errorf("expected %d removed, got %d", len(tt.removed), n)
			}
			for _, name := range tt.removed {
				if exists(filepath.Join(dir, name)) {
					t.Errorf("%s should be removed", name)
				}
			}
			for _, name := range tt.kept {
				if !exists(filepath.Join(dir, name)) {
					t.Errorf("%s should be kept", name)
				}
			}

			st := r.Status()
			if st.Segments != len(tt.kept) || st.Removed != len(tt.removed) {
				t.Errorf("unexpected status %+v", st)
			}
		})
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "rec")
	r := NewRetention(zaptest.NewLogger(t), Config{Path: dir, Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for r.Status().LastPrune.IsZero() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	if !exists(dir) {
		t.Error("recording path not created")
	}
}
