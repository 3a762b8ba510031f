package model

import (
	"fmt"
	"time"
)

// TimeSlot is a clock-time window during which the scheduler may run.
// Start and End are "HH:MM" in 24-hour local time. A slot with Start > End
// wraps across midnight (e.g. 22:00-06:00).
type TimeSlot struct {
	Start   string `json:"start"`
	End     string `json:"end"`
	Enabled bool   `json:"enabled"`
}

// Contains reports whether the wall-clock time t falls inside the slot.
func (s TimeSlot) Contains(t time.Time) bool {
	if !s.Enabled {
		return false
	}
	start, err := parseClock(s.Start)
	if err != nil {
		return false
	}
	end, err := parseClock(s.End)
	if err != nil {
		return false
	}
	now := t.Hour()*60 + t.Minute()
	if start <= end {
		return now >= start && now < end
	}
	// Wraps midnight: the slot covers [start, 24:00) and [00:00, end).
	return now >= start || now < end
}

// Validate checks the slot's clock strings.
func (s TimeSlot) Validate() error {
	if _, err := parseClock(s.Start); err != nil {
		return fmt.Errorf("model: time slot start: %w", err)
	}
	if _, err := parseClock(s.End); err != nil {
		return fmt.Errorf("model: time slot end: %w", err)
	}
	return nil
}

// parseClock converts "HH:MM" to minutes since midnight.
func parseClock(v string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(v, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("parse clock %q: %w", v, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock %q out of range", v)
	}
	return h*60 + m, nil
}

// ResourceLimits bounds how much of the host the engine may consume before
// the health probe reports unhealthy.
type ResourceLimits struct {
	MaxCPUPercent float64 `json:"max_cpu_percent"`
	MaxMemoryMB   int     `json:"max_memory_mb"`
}

// AutonomousConfig is the runtime configuration of the scheduler.
// It is a single logical row, versioned by replace-on-update: load latest,
// apply a partial patch, write a new version. The scheduler holds one
// in-memory copy, refreshed on update.
type AutonomousConfig struct {
	Enabled                 bool           `json:"enabled"`
	IntervalMinutes         int            `json:"interval_minutes"`
	QualityThreshold        float64        `json:"quality_threshold"`
	MaxConcurrentOperations int            `json:"max_concurrent_operations"`
	MaxDailyOperations      int            `json:"max_daily_operations"`
	TimeSlots               []TimeSlot     `json:"time_slots"`
	ResourceLimits          ResourceLimits `json:"resource_limits"`
	ContentTypes            []ContentType  `json:"content_types"`
}

// Interval returns the tick period.
func (c AutonomousConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// InActiveSlot reports whether t falls inside at least one enabled slot.
// A config with no slots at all is always active.
func (c AutonomousConfig) InActiveSlot(t time.Time) bool {
	if len(c.TimeSlots) == 0 {
		return true
	}
	for _, slot := range c.TimeSlots {
		if slot.Contains(t) {
			return true
		}
	}
	return false
}

// DefaultAutonomousConfig returns the configuration used before any version
// has been written to the config store.
func DefaultAutonomousConfig() AutonomousConfig {
	return AutonomousConfig{
		Enabled:                 false,
		IntervalMinutes:         30,
		QualityThreshold:        70,
		MaxConcurrentOperations: 1,
		MaxDailyOperations:      20,
		TimeSlots:               nil, // no slots: any time of day
		ResourceLimits: ResourceLimits{
			MaxCPUPercent: 80,
			MaxMemoryMB:   2048,
		},
		ContentTypes: AllContentTypes,
	}
}

// Validate checks invariants the scheduler depends on.
func (c AutonomousConfig) Validate() error {
	if c.IntervalMinutes <= 0 {
		return fmt.Errorf("model: interval_minutes must be positive")
	}
	if c.QualityThreshold < 0 || c.QualityThreshold > 100 {
		return fmt.Errorf("model: quality_threshold must be in [0,100]")
	}
	if c.MaxDailyOperations < 0 {
		return fmt.Errorf("model: max_daily_operations must not be negative")
	}
	for _, s := range c.TimeSlots {
		if err := s.Validate(); err != nil {
			return err
		}
	}
	for _, t := range c.ContentTypes {
		if !t.Valid() {
			return fmt.Errorf("model: unknown content type %q", t)
		}
	}
	return nil
}

// ConfigPatch is a partial update to AutonomousConfig. Nil fields are left
// unchanged; slices replace wholesale.
type ConfigPatch struct {
	Enabled                 *bool           `json:"enabled,omitempty"`
	IntervalMinutes         *int            `json:"interval_minutes,omitempty"`
	QualityThreshold        *float64        `json:"quality_threshold,omitempty"`
	MaxConcurrentOperations *int            `json:"max_concurrent_operations,omitempty"`
	MaxDailyOperations      *int            `json:"max_daily_operations,omitempty"`
	TimeSlots               []TimeSlot      `json:"time_slots,omitempty"`
	ResourceLimits          *ResourceLimits `json:"resource_limits,omitempty"`
	ContentTypes            []ContentType   `json:"content_types,omitempty"`
}

// Apply returns a copy of c with the patch applied.
func (c AutonomousConfig) Apply(p ConfigPatch) AutonomousConfig {
	out := c
	if p.Enabled != nil {
		out.Enabled = *p.Enabled
	}
	if p.IntervalMinutes != nil {
		out.IntervalMinutes = *p.IntervalMinutes
	}
	if p.QualityThreshold != nil {
		out.QualityThreshold = *p.QualityThreshold
	}
	if p.MaxConcurrentOperations != nil {
		out.MaxConcurrentOperations = *p.MaxConcurrentOperations
	}
	if p.MaxDailyOperations != nil {
		out.MaxDailyOperations = *p.MaxDailyOperations
	}
	if p.TimeSlots != nil {
		out.TimeSlots = p.TimeSlots
	}
	if p.ResourceLimits != nil {
		out.ResourceLimits = *p.ResourceLimits
	}
	if p.ContentTypes != nil {
		out.ContentTypes = p.ContentTypes
	}
	return out
}
