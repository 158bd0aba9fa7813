// Package queue keeps one view of the external scheduler's active jobs per
// scheduling tick.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrQueryFailed marks a failed scheduler query. It is transient: callers
// skip the tick and try again on the next one.
var ErrQueryFailed = errors.New("queue: query failed")

// Source lists the job names currently active for the invoking user.
type Source interface {
	ActiveJobNames(ctx context.Context) ([]string, error)
}

// Snapshot is an immutable point-in-time multiset of active job names.
type Snapshot struct {
	names []string
	taken time.Time
}

// NewSnapshot copies names into a snapshot.
func NewSnapshot(names []string, taken time.Time) Snapshot {
	cp := make([]string, 0, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			cp = append(cp, n)
		}
	}
	sort.Strings(cp)
	return Snapshot{names: cp, taken: taken}
}

// Len returns the number of active jobs.
func (s Snapshot) Len() int { return len(s.names) }

// Taken returns when the snapshot was captured.
func (s Snapshot) Taken() time.Time { return s.taken }

// Names returns a copy of the sorted job names.
func (s Snapshot) Names() []string {
	return append([]string(nil), s.names...)
}

// CountMatching returns how many active jobs start with prefix. An empty
// prefix never matches.
func (s Snapshot) CountMatching(prefix string) int {
	if prefix == "" {
		return 0
	}
	start := sort.SearchStrings(s.names, prefix)
	count := 0
	for i := start; i < len(s.names) && strings.HasPrefix(s.names[i], prefix); i++ {
		count++
	}
	return count
}

// CountJob returns how many active jobs are named exactly name or name
// followed by an underscore suffix. Unlike CountMatching it does not count
// jobs of a sibling whose name merely extends name.
func (s Snapshot) CountJob(name string) int {
	if name == "" {
		return 0
	}
	start := sort.SearchStrings(s.names, name)
	count := 0
	for i := start; i < len(s.names) && strings.HasPrefix(s.names[i], name); i++ {
		if rest := s.names[i][len(name):]; rest == "" || rest[0] == '_' {
			count++
		}
	}
	return count
}

// Monitor issues exactly one Source query per Refresh.
type Monitor struct {
	source  Source
	timeout time.Duration
	now     func() time.Time

	mu      sync.Mutex
	current Snapshot
	queries int
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides the snapshot timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMonitor wraps source. A non-positive timeout disables the deadline.
func NewMonitor(source Source, timeout time.Duration, opts ...Option) *Monitor {
	m := &Monitor{source: source, timeout: timeout, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Refresh queries the source once and replaces the current snapshot. On
// failure the previous snapshot is kept and the error wraps ErrQueryFailed.
func (m *Monitor) Refresh(ctx context.Context) (Snapshot, error) {
	if m == nil || m.source == nil {
		return Snapshot{}, fmt.Errorf("%w: no source configured", ErrQueryFailed)
	}
	qctx := ctx
	if m.timeout > 0 {
		var cancel context.CancelFunc
		qctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	names, err := m.source.ActiveJobNames(qctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries++
	if err != nil {
		return m.current, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}
	m.current = NewSnapshot(names, m.now())
	return m.current, nil
}

// Current returns the last successful snapshot.
func (m *Monitor) Current() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Queries reports how many times the source has been queried.
func (m *Monitor) Queries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queries
}
