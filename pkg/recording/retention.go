// Package recording keeps the local segment directory within its age and
// size budget.
package recording

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultInterval is how often the directory is pruned
const DefaultInterval = time.Minute

// segment names are ch<N>-<boot8>-<seq>.mp4
var segmentName = regexp.MustCompile(`^ch(\d+)-([0-9A-Za-z-]{1,8})-(\d+)\.mp4$`)

// Config holds retention configuration
type Config struct {
	Path     string
	MaxAge   time.Duration // 0 keeps segments regardless of age
	MaxBytes int64         // 0 means no size limit
	Interval time.Duration
}

// Segment is one finished or in-progress recording file
type Segment struct {
	Channel   int       `json:"channel"`
	Boot      string    `json:"boot"`
	Sequence  int       `json:"sequence"`
	Path      string    `json:"path"`
	ModTime   time.Time `json:"mod_time"`
	SizeBytes int64     `json:"size_bytes"`
}

// Status summarizes the recording directory
type Status struct {
	Segments  int       `json:"segments"`
	Bytes     int64     `json:"bytes"`
	Oldest    time.Time `json:"oldest,omitzero"`
	Newest    time.Time `json:"newest,omitzero"`
	Removed   int       `json:"removed"`
	LastPrune time.Time `json:"last_prune,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Retention prunes old segments
type Retention struct {
	cfg Config
	log *zap.Logger
	now func() time.Time

	mu     sync.RWMutex
	status Status
}

// NewRetention creates a retention manager for cfg.Path
func NewRetention(log *zap.Logger, cfg Config) *Retention {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Retention{cfg: cfg, log: log, now: time.Now}
}

// Run prunes on every interval until ctx is cancelled
func (r *Retention) Run(ctx context.Context) error {
	if err := os.MkdirAll(r.cfg.Path, 0o755); err != nil {
		return fmt.Errorf("create recording path: %w", err)
	}
	r.log.Info("recording retention started",
		zap.String("path", r.cfg.Path),
		zap.Duration("max_age", r.cfg.MaxAge),
		zap.Int64("max_bytes", r.cfg.MaxBytes),
	)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := r.Prune(); err != nil {
			r.log.Warn("recording prune failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Status returns the state after the last prune
func (r *Retention) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Scan lists the segments in the directory, oldest first
func (r *Retention) Scan() ([]Segment, error) {
	entries, err := os.ReadDir(r.cfg.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read recording path: %w", err)
	}

	var out []Segment
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := segmentName.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue // removed while scanning
		}
		ch, _ := strconv.Atoi(m[1])
		seq, _ := strconv.Atoi(m[3])
		out = append(out, Segment{
			Channel:   ch,
			Boot:      m[2],
			Sequence:  seq,
			Path:      filepath.Join(r.cfg.Path, e.Name()),
			ModTime:   info.ModTime(),
			SizeBytes: info.Size(),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].ModTime.Before(out[j].ModTime)
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out, nil
}

// Prune removes segments older than MaxAge, then the oldest segments until
// the directory fits MaxBytes. The newest segment of each channel is the
// one being written and is never removed.
func (r *Retention) Prune() (int, error) {
	segs, err := r.Scan()
	if err != nil {
		r.record(nil, 0, err)
		return 0, err
	}

	newest := make(map[int]int)
	for i, s := range segs {
		newest[s.Channel] = i
	}

	var total int64
	for _, s := range segs {
		total += s.SizeBytes
	}

	cutoff := time.Time{}
	if r.cfg.MaxAge > 0 {
		cutoff = r.now().Add(-r.cfg.MaxAge)
	}

	var (
		kept    []Segment
		removed int
		errs    []error
	)
	for i, s := range segs {
		expired := !cutoff.IsZero() && s.ModTime.Before(cutoff)
		oversize := r.cfg.MaxBytes > 0 && total > r.cfg.MaxBytes
		if newest[s.Channel] == i || (!expired && !oversize) {
			kept = append(kept, s)
			continue
		}
		if err := os.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			kept = append(kept, s)
			continue
		}
		total -= s.SizeBytes
		removed++
	}

	if removed > 0 {
		r.log.Info("recording segments pruned", zap.Int("removed", removed), zap.Int("kept", len(kept)))
	}
	err = errors.Join(errs...)
	r.record(kept, removed, err)
	return removed, err
}

func (r *Retention) record(kept []Segment, removed int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Status{Removed: r.status.Removed + removed, LastPrune: r.now()}
	for _, s := range kept {
		st.Segments++
		st.Bytes += s.SizeBytes
	}
	if len(kept) > 0 {
		st.Oldest = kept[0].ModTime
		st.Newest = kept[len(kept)-1].ModTime
	}
	if err != nil {
		st.LastError = err.Error()
	}
	r.status = st
}
