// Package remote fetches the desired configuration and keeps the last
// snapshot that was fetched successfully.
package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"github.com/video-system/go-video-streamer/pkg/settings"
)

// Source produces a complete desired snapshot
type Source interface {
	Fetch(ctx context.Context) (settings.Snapshot, error)
}

// SourceFunc adapts a function to Source
type SourceFunc func(ctx context.Context) (settings.Snapshot, error)

// Fetch calls f
func (f SourceFunc) Fetch(ctx context.Context) (settings.Snapshot, error) {
	return f(ctx)
}

// ConfigFetchError wraps any failure to obtain a fresh snapshot
type ConfigFetchError struct {
	Err error
}

func (e *ConfigFetchError) Error() string {
	return fmt.Sprintf("fetch config: %v", e.Err)
}

func (e *ConfigFetchError) Unwrap() error {
	return e.Err
}

// FetchStatus describes the most recent poll
type FetchStatus struct {
	At        time.Time `json:"at"`
	OK        bool      `json:"ok"`
	Error     string    `json:"error,omitempty"`
	Successes int       `json:"successes"`
	Failures  int       `json:"failures"`
}

// Synchronizer holds the desired snapshot
type Synchronizer struct {
	log       *zap.Logger
	source    Source
	statePath string
	group     singleflight.Group
	now       func() time.Time

	mu      sync.RWMutex
	desired settings.Snapshot
	have    bool
	status  FetchStatus
}

// NewSynchronizer creates a synchronizer. An empty statePath disables the
// last-known-good file.
func NewSynchronizer(log *zap.Logger, source Source, statePath string) *Synchronizer {
	return &Synchronizer{
		log:       log,
		source:    source,
		statePath: statePath,
		now:       time.Now,
	}
}

// Seed installs a snapshot without fetching
func (s *Synchronizer) Seed(snap settings.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.desired = snap.Clone()
	s.have = true
}

// LoadState seeds the desired snapshot from the state file. A missing file
// is not an error.
func (s *Synchronizer) LoadState() (bool, error) {
	if s.statePath == "" {
		return false, nil
	}
	data, err := os.ReadFile(s.statePath)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read state: %w", err)
	}

	var snap settings.Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return false, fmt.Errorf("parse state: %w", err)
	}
	snap.Normalize()
	s.Seed(snap)
	s.log.Info("seeded last known configuration",
		zap.String("path", s.statePath),
		zap.Time("fetched_at", snap.FetchedAt),
		zap.Int("channels", len(snap.Channels)),
	)
	return true, nil
}

// Poll fetches a fresh snapshot. Concurrent calls share one fetch. On
// failure the desired snapshot is left untouched and a *ConfigFetchError
// is returned.
func (s *Synchronizer) Poll(ctx context.Context) (settings.Snapshot, error) {
	v, err, _ := s.group.Do("fetch", func() (any, error) {
		return s.poll(ctx)
	})
	if err != nil {
		return settings.Snapshot{}, err
	}
	return v.(settings.Snapshot).Clone(), nil
}

func (s *Synchronizer) poll(ctx context.Context) (settings.Snapshot, error) {
	snap, err := s.source.Fetch(ctx)
	now := s.now()
	if err != nil {
		s.mu.Lock()
		s.status.At = now
		s.status.OK = false
		s.status.Error = err.Error()
		s.status.Failures++
		s.mu.Unlock()
		return settings.Snapshot{}, &ConfigFetchError{Err: err}
	}

	if dropped := snap.Normalize(); dropped > 0 {
		s.log.Warn("ignoring channels beyond capacity",
			zap.Int("dropped", dropped),
			zap.Int("max", settings.MaxChannels),
		)
	}
	snap.FetchedAt = now

	s.mu.Lock()
	changed := !s.have || !sameContent(s.desired, snap)
	s.desired = snap.Clone()
	s.have = true
	s.status.At = now
	s.status.OK = true
	s.status.Error = ""
	s.status.Successes++
	s.mu.Unlock()

	if changed {
		if err := s.persist(snap); err != nil {
			s.log.Warn("failed to persist configuration", zap.Error(err))
		}
	}
	return snap, nil
}

// Desired returns the current desired snapshot and whether one exists
func (s *Synchronizer) Desired() (settings.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.desired.Clone(), s.have
}

// Status returns the outcome of the last poll
func (s *Synchronizer) Status() FetchStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Plan diffs the desired snapshot against what is applied
func (s *Synchronizer) Plan(applied settings.Snapshot) settings.ChangeSet {
	desired, ok := s.Desired()
	if !ok {
		return settings.ChangeSet{Kind: settings.ChangeNone}
	}
	return settings.Diff(desired, applied)
}

func (s *Synchronizer) persist(snap settings.Snapshot) error {
	if s.statePath == "" {
		return nil
	}
	data, err := yaml.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.statePath), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := s.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, s.statePath); err != nil {
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}

// sameContent compares snapshots ignoring fetch time
func sameContent(a, b settings.Snapshot) bool {
	a.FetchedAt, b.FetchedAt = time.Time{}, time.Time{}
	return reflect.DeepEqual(a, b)
}
