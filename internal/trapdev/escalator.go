package trapdev

import (
	"time"

	"github.com/trapline/trapline/internal/escalation"
	"github.com/trapline/trapline/internal/mqttx"
)

// Escalator is the device-local escalation state machine. It recomputes the
// level from the persisted trigger time, not from a countdown, so an
// arbitrarily long outage or power cycle lands on exactly the level the
// server would have computed for the same elapsed time.
type Escalator struct {
	state *State
	file  *StateFile
}

func NewEscalator(state *State, file *StateFile) *Escalator {
	return &Escalator{state: state, file: file}
}

func (e *Escalator) timing() escalation.Timing {
	if e.state.Preset == escalation.PresetCustom {
		if t, err := escalation.TimingFromSeconds(e.state.CustomTiming); err == nil {
			return t
		}
	}
	if t, err := escalation.PresetTiming(e.state.Preset); err == nil {
		return t
	}
	t, _ := escalation.PresetTiming(escalation.PresetNormal)
	return t
}

// Trigger opens a local alert. A trigger while one is active is a no-op:
// the trap is already alarming.
func (e *Escalator) Trigger(alertID string, now time.Time) error {
	if e.state.AlertActive {
		return nil
	}
	e.state.AlertActive = true
	e.state.AlertID = alertID
	e.state.AlertTriggeredAt = now
	e.state.AlertLevel = 1
	e.state.AlertAcked = false
	return e.file.Save(e.state)
}

// Recompute advances the level for the current wall clock and reports
// whether it changed. Monotonic while the alert is open; frozen once acked.
func (e *Escalator) Recompute(now time.Time) (int, bool, error) {
	if !e.state.AlertActive || e.state.AlertAcked {
		return e.state.AlertLevel, false, nil
	}
	target := e.timing().LevelFor(now.Sub(e.state.AlertTriggeredAt))
	if target <= e.state.AlertLevel {
		return e.state.AlertLevel, false, nil
	}
	e.state.AlertLevel = target
	if err := e.file.Save(e.state); err != nil {
		return e.state.AlertLevel, false, err
	}
	return target, true, nil
}

// Ack freezes escalation at the current level.
func (e *Escalator) Ack() error {
	if !e.state.AlertActive || e.state.AlertAcked {
		return nil
	}
	e.state.AlertAcked = true
	return e.file.Save(e.state)
}

// Clear ends the alert lifecycle and resets the machine.
func (e *Escalator) Clear() error {
	if !e.state.AlertActive {
		return nil
	}
	e.state.AlertActive = false
	e.state.AlertID = ""
	e.state.AlertTriggeredAt = time.Time{}
	e.state.AlertLevel = 0
	e.state.AlertAcked = false
	return e.file.Save(e.state)
}

// ApplyCommand installs a server-pushed timing table and, when the server
// is ahead, raises the presentation level. The level never goes down: the
// local monotonic value wins otherwise.
func (e *Escalator) ApplyCommand(cmd mqttx.EscalationCommand) error {
	changed := false
	if cmd.Preset != "" && cmd.Preset != e.state.Preset {
		e.state.Preset = cmd.Preset
		changed = true
	}
	if cmd.CustomTiming != nil {
		e.state.CustomTiming = cmd.CustomTiming
		e.state.Preset = escalation.PresetCustom
		changed = true
	}
	if cmd.ForceLevel != nil && e.state.AlertActive && *cmd.ForceLevel > e.state.AlertLevel {
		e.state.AlertLevel = *cmd.ForceLevel
		changed = true
	}
	if !changed {
		return nil
	}
	return e.file.Save(e.state)
}

// Sync is the reconnect reconciliation payload.
func (e *Escalator) Sync() mqttx.AlertSync {
	return mqttx.AlertSync{
		AlertID:     e.state.AlertID,
		Active:      e.state.AlertActive,
		Level:       e.state.AlertLevel,
		TriggeredAt: e.state.AlertTriggeredAt,
		Acked:       e.state.AlertAcked,
	}
}
