// Package usage meters per-user consumption and enforces the budgets
// configured under the usage section.
//
// Budgets use fixed windows: the first charge in a window stamps the
// window's end, later charges accumulate until the stamp expires, then
// the bucket restarts. The supervisor checks before a run and charges
// after it, so an active run can push a budget past its limit once;
// the next run is denied until the window turns over.
package usage

import (
	"fmt"
	"sync"
	"time"

	"github.com/munshi-ai/munshi/pkg/config"
)

// Charge is the consumption of one finished run.
type Charge struct {
	Runs   int64
	Tokens int64
}

// Snapshot reports the state of one budget for one user.
type Snapshot struct {
	Metric    config.UsageMetric `json:"metric"`
	Window    config.UsageWindow `json:"window"`
	Used      int64              `json:"used"`
	Limit     int64              `json:"limit"`
	Remaining int64              `json:"remaining"`
	ResetsAt  time.Time          `json:"resets_at"`
}

// ExceededError denies a run whose user has an exhausted budget.
type ExceededError struct {
	Metric     config.UsageMetric
	Window     config.UsageWindow
	Used       int64
	Limit      int64
	RetryAfter time.Duration
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("%s budget exhausted for the current %s (%d/%d)",
		e.Metric, e.Window, e.Used, e.Limit)
}

type bucketKey struct {
	user   string
	metric config.UsageMetric
	window config.UsageWindow
}

type bucket struct {
	used int64
	end  time.Time
}

// Meter tracks consumption per user against the configured limits.
// A meter built from a disabled config allows everything.
type Meter struct {
	mu      sync.Mutex
	limits  []config.UsageLimit
	buckets map[bucketKey]*bucket
	now     func() time.Time
}

// NewMeter builds a meter for the given budgets. The config is
// expected to be validated.
func NewMeter(cfg config.UsageConfig) *Meter {
	m := &Meter{
		buckets: make(map[bucketKey]*bucket),
		now:     time.Now,
	}
	if cfg.Enabled {
		m.limits = append(m.limits, cfg.Limits...)
	}
	return m
}

// SetLimits swaps the budgets. Accumulated usage keeps counting under
// the new limits; a disabled config clears them.
func (m *Meter) SetLimits(cfg config.UsageConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("usage: %w", err)
	}
	var next []config.UsageLimit
	if cfg.Enabled {
		next = append(next, cfg.Limits...)
	}
	m.mu.Lock()
	m.limits = next
	m.mu.Unlock()
	return nil
}

// Allow reports whether userID may start a run. A denial is an
// *ExceededError naming the exhausted budget that turns over first.
func (m *Meter) Allow(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var denial *ExceededError
	for _, l := range m.limits {
		b := m.buckets[bucketKey{userID, l.Metric, l.Window}]
		if b == nil || !b.end.After(now) {
			continue
		}
		if b.used < l.Limit {
			continue
		}
		retry := b.end.Sub(now)
		if denial == nil || retry < denial.RetryAfter {
			denial = &ExceededError{
				Metric:     l.Metric,
				Window:     l.Window,
				Used:       b.used,
				Limit:      l.Limit,
				RetryAfter: retry,
			}
		}
	}
	if denial != nil {
		return denial
	}
	return nil
}

// Charge records a finished run's consumption for userID.
func (m *Meter) Charge(userID string, c Charge) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, l := range m.limits {
		amount := c.Runs
		if l.Metric == config.UsageMetricTokens {
			amount = c.Tokens
		}
		if amount <= 0 {
			continue
		}
		key := bucketKey{userID, l.Metric, l.Window}
		b := m.buckets[key]
		if b == nil || !b.end.After(now) {
			b = &bucket{end: now.Add(windowDuration(l.Window))}
			m.buckets[key] = b
		}
		b.used += amount
	}
}

// Snapshot reports every configured budget for userID.
func (m *Meter) Snapshot(userID string) []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	out := make([]Snapshot, 0, len(m.limits))
	for _, l := range m.limits {
		s := Snapshot{
			Metric:   l.Metric,
			Window:   l.Window,
			Limit:    l.Limit,
			ResetsAt: now.Add(windowDuration(l.Window)),
		}
		if b := m.buckets[bucketKey{userID, l.Metric, l.Window}]; b != nil && b.end.After(now) {
			s.Used = b.used
			s.ResetsAt = b.end
		}
		s.Remaining = l.Limit - s.Used
		if s.Remaining < 0 {
			s.Remaining = 0
		}
		out = append(out, s)
	}
	return out
}

func windowDuration(w config.UsageWindow) time.Duration {
	switch w {
	case config.UsageWindowMinute:
		return time.Minute
	case config.UsageWindowDay:
		return 24 * time.Hour
	default:
		return time.Hour
	}
}
