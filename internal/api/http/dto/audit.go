package dto

import "time"

type AuditEntryResponse struct {
	ID            int64          `json:"id"`
	DeviceAddress string         `json:"deviceAddress"`
	Action        string         `json:"action"`
	Trigger       string         `json:"trigger"`
	Actor         string         `json:"actor,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Success       bool           `json:"success"`
	CreatedAt     time.Time      `json:"createdAt"`
}
