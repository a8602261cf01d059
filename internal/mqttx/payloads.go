package mqttx

import "time"

// RotateCommand is published to command/rotate_credentials. The broker-side
// entry is not touched until the device acknowledges this rotation id.
type RotateCommand struct {
	Password   string    `json:"password"`
	RotationID string    `json:"rotationId"`
	Timestamp  time.Time `json:"timestamp"`
}

// RotationAck is published by the device to rotation_ack after the new
// credential has been persisted locally, before disconnecting.
type RotationAck struct {
	RotationID string `json:"rotationId"`
	Success    bool   `json:"success"`
}

// AlertEvent is published by the device when the trap condition triggers.
type AlertEvent struct {
	AlertID     string    `json:"alertId"`
	TriggeredAt time.Time `json:"triggeredAt"`
	Battery     float64   `json:"battery,omitempty"`
}

// AlertClearedEvent reports a device-local clear (trap reset in the field).
type AlertClearedEvent struct {
	AlertID   string    `json:"alertId"`
	ClearedAt time.Time `json:"clearedAt"`
}

// EscalationUpdate reports the device's locally computed escalation level.
type EscalationUpdate struct {
	AlertID string `json:"alertId"`
	Level   int    `json:"level"`
	Acked   bool   `json:"acked"`
}

// AlertSync is published on reconnect so server and device can reconcile
// escalation state after an outage.
type AlertSync struct {
	AlertID     string    `json:"alertId"`
	Active      bool      `json:"active"`
	Level       int       `json:"level"`
	TriggeredAt time.Time `json:"triggeredAt"`
	Acked       bool      `json:"acked"`
}

// StatusEvent is the periodic device heartbeat.
type StatusEvent struct {
	Battery   float64   `json:"battery"`
	RSSI      int       `json:"rssi"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertClearCommand is published to command/alert_clear.
type AlertClearCommand struct {
	Reason  string `json:"reason"`
	AlertID string `json:"alertId"`
}

// EscalationCommand is published to command/escalation. Either a named
// preset or a custom timing table is carried; ForceLevel pins the device's
// presentation level when the server has advanced past it.
type EscalationCommand struct {
	Preset       string  `json:"preset,omitempty"`
	CustomTiming []int64 `json:"customTiming,omitempty"` // seconds per level
	ForceLevel   *int    `json:"forceLevel,omitempty"`
}

// RevokeCommand is published non-retained to command/revoke on unclaim. A
// retained revoke would be re-delivered to a later claimant of the same
// hardware, so it is strictly fire-and-forget.
type RevokeCommand struct {
	Reason string `json:"reason"`
}
