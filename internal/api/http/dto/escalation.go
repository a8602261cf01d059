package dto

import "time"

type AlertResponse struct {
	ID             string     `json:"id"`
	DeviceAddress  string     `json:"deviceAddress"`
	TenantID       string     `json:"tenantId"`
	TriggeredAt    time.Time  `json:"triggeredAt"`
	Level          int        `json:"level"`
	LastTransition time.Time  `json:"lastTransition"`
	ServerAcked    bool       `json:"serverAcked"`
	DeviceAcked    bool       `json:"deviceAcked"`
	Preset         string     `json:"preset"`
	ClearedAt      *time.Time `json:"clearedAt,omitempty"`
}

type ClearAlertRequest struct {
	Reason string `json:"reason"`
}

// TenantPresetRequest installs a custom timing table; an empty thresholds
// list reverts the tenant to the built-in presets.
type TenantPresetRequest struct {
	Thresholds []int64 `json:"thresholds"`
}
