package escalation

import (
	"fmt"
	"time"
)

// MaxLevel is the highest escalation level an alert can reach.
const MaxLevel = 5

// Timing holds the elapsed-time thresholds for levels 2..MaxLevel; an open
// alert starts at level 1 the moment it triggers.
type Timing []time.Duration

// Built-in presets. Tenants may override these with a custom table.
const (
	PresetNormal  = "normal"
	PresetRapid   = "rapid"
	PresetRelaxed = "relaxed"
	PresetCustom  = "custom"
)

var presets = map[string]Timing{
	PresetNormal:  {30 * time.Minute, 2 * time.Hour, 4 * time.Hour, 8 * time.Hour},
	PresetRapid:   {5 * time.Minute, 15 * time.Minute, 30 * time.Minute, time.Hour},
	PresetRelaxed: {2 * time.Hour, 8 * time.Hour, 24 * time.Hour, 48 * time.Hour},
}

// PresetTiming resolves a built-in preset name.
func PresetTiming(name string) (Timing, error) {
	t, ok := presets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPreset, name)
	}
	return t, nil
}

// TimingFromSeconds builds a custom table from per-level thresholds in
// seconds, as carried on the wire and in the tenant override row.
func TimingFromSeconds(secs []int64) (Timing, error) {
	if len(secs) != MaxLevel-1 {
		return nil, fmt.Errorf("%w: custom table needs %d thresholds, got %d",
			ErrUnknownPreset, MaxLevel-1, len(secs))
	}
	t := make(Timing, len(secs))
	for i, s := range secs {
		d := time.Duration(s) * time.Second
		if d <= 0 || (i > 0 && d <= t[i-1]) {
			return nil, fmt.Errorf("%w: thresholds must be positive and increasing", ErrUnknownPreset)
		}
		t[i] = d
	}
	return t, nil
}

// Seconds is the wire form of a timing table.
func (t Timing) Seconds() []int64 {
	secs := make([]int64, len(t))
	for i, d := range t {
		secs[i] = int64(d / time.Second)
	}
	return secs
}

// LevelFor computes the level an alert should be at after the given elapsed
// time. The result is pure in elapsed time, which is what makes server and
// device converge on the same value independently.
func (t Timing) LevelFor(elapsed time.Duration) int {
	level := 1
	for i, threshold := range t {
		if elapsed >= threshold {
			level = i + 2
		}
	}
	return level
}

// NextDue returns the time the next level transition becomes due for an
// alert at the given level, or false once the table is exhausted.
func (t Timing) NextDue(triggeredAt time.Time, level int) (time.Time, bool) {
	if level >= MaxLevel || level < 1 || level-1 >= len(t) {
		return time.Time{}, false
	}
	return triggeredAt.Add(t[level-1]), true
}
