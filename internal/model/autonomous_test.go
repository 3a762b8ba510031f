package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clock(hhmm string) time.Time {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		panic(err)
	}
	return t
}

func TestTimeSlotContains(t *testing.T) {
	day := TimeSlot{Start: "09:00", End: "17:00", Enabled: true}

	assert.True(t, day.Contains(clock("09:00")))
	assert.True(t, day.Contains(clock("12:30")))
	assert.False(t, day.Contains(clock("17:00"))) // end is exclusive
	assert.False(t, day.Contains(clock("08:59")))
	assert.False(t, day.Contains(clock("23:00")))
}

func TestTimeSlotWrapsMidnight(t *testing.T) {
	night := TimeSlot{Start: "22:00", End: "06:00", Enabled: true}

	assert.True(t, night.Contains(clock("23:30")))
	assert.True(t, night.Contains(clock("02:00")))
	assert.True(t, night.Contains(clock("22:00")))
	assert.False(t, night.Contains(clock("12:00")))
	assert.False(t, night.Contains(clock("06:00")))
	assert.False(t, night.Contains(clock("21:59")))
}

func TestTimeSlotDisabledNeverMatches(t *testing.T) {
	slot := TimeSlot{Start: "00:00", End: "23:59", Enabled: false}
	assert.False(t, slot.Contains(clock("12:00")))
}

func TestTimeSlotValidate(t *testing.T) {
	assert.NoError(t, TimeSlot{Start: "22:00", End: "06:00"}.Validate())
	assert.Error(t, TimeSlot{Start: "24:00", End: "06:00"}.Validate())
	assert.Error(t, TimeSlot{Start: "22:00", End: "06:60"}.Validate())
	assert.Error(t, TimeSlot{Start: "evening", End: "06:00"}.Validate())
}

func TestInActiveSlot(t *testing.T) {
	cfg := DefaultAutonomousConfig()

	// No slots configured: always active.
	assert.True(t, cfg.InActiveSlot(clock("03:00")))

	cfg.TimeSlots = []TimeSlot{
		{Start: "09:00", End: "12:00", Enabled: true},
		{Start: "22:00", End: "06:00", Enabled: true},
	}
	assert.True(t, cfg.InActiveSlot(clock("10:00")))
	assert.True(t, cfg.InActiveSlot(clock("02:00")))
	assert.False(t, cfg.InActiveSlot(clock("15:00")))

	// All slots disabled behaves like none match, not like no slots.
	for i := range cfg.TimeSlots {
		cfg.TimeSlots[i].Enabled = false
	}
	assert.False(t, cfg.InActiveSlot(clock("10:00")))
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultAutonomousConfig()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.IntervalMinutes = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.QualityThreshold = 101
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.MaxDailyOperations = -1
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.ContentTypes = []ContentType{"sonnet"}
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.TimeSlots = []TimeSlot{{Start: "25:00", End: "06:00"}}
	assert.Error(t, bad.Validate())
}

func TestConfigPatchApply(t *testing.T) {
	cfg := DefaultAutonomousConfig()

	enabled := true
	interval := 15
	limits := ResourceLimits{MaxCPUPercent: 50, MaxMemoryMB: 512}
	next := cfg.Apply(ConfigPatch{
		Enabled:         &enabled,
		IntervalMinutes: &interval,
		ResourceLimits:  &limits,
		ContentTypes:    []ContentType{ContentScene},
	})

	assert.True(t, next.Enabled)
	assert.Equal(t, 15, next.IntervalMinutes)
	assert.Equal(t, limits, next.ResourceLimits)
	assert.Equal(t, []ContentType{ContentScene}, next.ContentTypes)

	// Untouched fields carry over; the original is not mutated.
	assert.Equal(t, cfg.QualityThreshold, next.QualityThreshold)
	assert.False(t, cfg.Enabled)

	// An empty patch changes nothing.
	assert.Equal(t, next, next.Apply(ConfigPatch{}))
}
