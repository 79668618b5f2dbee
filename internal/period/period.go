// Package period computes the accounting window of a role quota.
package period

import (
	"time"

	"raidline/internal/domain"
)

// DefaultLength is the period used when a community configures none.
const DefaultLength = 7 * 24 * time.Hour

// Window is the half-open interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// WindowFor returns the window a role's quota and leaderboards are scoped to.
func WindowFor(cfg domain.RoleQuotaConfig) Window {
	return Window{Start: cfg.PeriodStart.UTC(), End: cfg.PeriodReset.UTC()}
}

// Contains reports whether t falls inside the window. A zero End means the
// window is open ended.
func (w Window) Contains(t time.Time) bool {
	if t.Before(w.Start) {
		return false
	}
	return w.End.IsZero() || t.Before(w.End)
}

// Bounds returns the window as optional query bounds.
func (w Window) Bounds() (since, until *time.Time) {
	if !w.Start.IsZero() {
		s := w.Start
		since = &s
	}
	if !w.End.IsZero() {
		u := w.End
		until = &u
	}
	return since, until
}

// Reset starts a new period at now. Non-positive lengths use DefaultLength.
func Reset(cfg domain.RoleQuotaConfig, now time.Time, length time.Duration) domain.RoleQuotaConfig {
	if length <= 0 {
		length = DefaultLength
	}
	now = now.UTC().Truncate(time.Second)
	cfg.PeriodStart = now
	cfg.PeriodReset = now.Add(length)
	return cfg
}

// LengthFromDays converts a configured day count, falling back to DefaultLength.
func LengthFromDays(days int) time.Duration {
	if days <= 0 {
		return DefaultLength
	}
	return time.Duration(days) * 24 * time.Hour
}
