package dto

import "time"

type RegisterDeviceRequest struct {
	Address string `json:"address" binding:"required"`
}

type DeviceResponse struct {
	Address     string     `json:"address"`
	TenantID    string     `json:"tenantId,omitempty"`
	Claimed     bool       `json:"claimed"`
	ClaimedAt   *time.Time `json:"claimedAt,omitempty"`
	UnclaimedAt *time.Time `json:"unclaimedAt,omitempty"`
	Fingerprint string     `json:"fingerprint,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

type IssueClaimCodeRequest struct {
	TenantID string `json:"tenantId" binding:"required"`
	TTLHours int    `json:"ttlHours"`
}

type IssueClaimCodeResponse struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type ClaimWithCodeRequest struct {
	Address string `json:"address" binding:"required"`
	Code    string `json:"code" binding:"required"`
}

type ClaimWithTokenRequest struct {
	Address   string    `json:"address" binding:"required"`
	Token     string    `json:"token" binding:"required"`
	Timestamp time.Time `json:"timestamp" binding:"required"`
	TenantID  string    `json:"tenantId" binding:"required"`
}

// CredentialsResponse carries the full credential set exactly once, at
// claim or recovery time. It is never re-readable afterwards.
type CredentialsResponse struct {
	Address        string `json:"address"`
	TenantID       string `json:"tenantId"`
	BrokerPassword string `json:"brokerPassword"`
	RecoveryKey    string `json:"recoveryKey,omitempty"`
}

type UnclaimRequest struct {
	Reason string `json:"reason"`
}

type MoveRequest struct {
	TenantID string `json:"tenantId" binding:"required"`
	Reason   string `json:"reason"`
}
