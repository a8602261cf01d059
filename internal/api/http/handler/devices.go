package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/trapline/trapline/internal/api/http/dto"
	"github.com/trapline/trapline/internal/api/http/middleware"
	"github.com/trapline/trapline/internal/audit"
	"github.com/trapline/trapline/internal/brokeracl"
	"github.com/trapline/trapline/internal/lifecycle"
	"github.com/trapline/trapline/internal/registry"
	"github.com/trapline/trapline/internal/rotation"
)

// DeviceRegistry is the slice of the registry the HTTP layer reads from
// directly; all mutations go through the orchestrator.
type DeviceRegistry interface {
	CreateDevice(ctx context.Context, address string) (*registry.Device, error)
	GetByAddress(ctx context.Context, address string) (*registry.Device, error)
	ListDevices(ctx context.Context) ([]registry.Device, error)
	IssueClaimCode(ctx context.Context, tenantID string, ttl time.Duration) (*registry.ClaimCode, string, error)
}

const (
	defaultClaimCodeTTL = 7 * 24 * time.Hour
	auditListLimit      = 100
)

type DeviceHandler struct {
	reg     DeviceRegistry
	orch    *lifecycle.Orchestrator
	rotator *rotation.Engine
	ledger  audit.Ledger
}

func NewDeviceHandler(reg DeviceRegistry, orch *lifecycle.Orchestrator, rotator *rotation.Engine, ledger audit.Ledger) *DeviceHandler {
	return &DeviceHandler{reg: reg, orch: orch, rotator: rotator, ledger: ledger}
}

func (h *DeviceHandler) Register(c *gin.Context) {
	var req dto.RegisterDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	d, err := h.reg.CreateDevice(c.Request.Context(), req.Address)
	if err != nil {
		if errors.Is(err, registry.ErrDeviceExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "device already registered"})
			return
		}
		slog.Error("Failed to register device", "address", req.Address, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register device"})
		return
	}

	c.JSON(http.StatusCreated, deviceResponse(d))
}

func (h *DeviceHandler) List(c *gin.Context) {
	devices, err := h.reg.ListDevices(c.Request.Context())
	if err != nil {
		slog.Error("Failed to list devices", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list devices"})
		return
	}

	resp := make([]dto.DeviceResponse, len(devices))
	for i := range devices {
		resp[i] = deviceResponse(&devices[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *DeviceHandler) Get(c *gin.Context) {
	d, err := h.reg.GetByAddress(c.Request.Context(), c.Param("address"))
	if err != nil {
		if errors.Is(err, registry.ErrDeviceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
			return
		}
		slog.Error("Failed to load device", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load device"})
		return
	}
	c.JSON(http.StatusOK, deviceResponse(d))
}

func (h *DeviceHandler) IssueClaimCode(c *gin.Context) {
	var req dto.IssueClaimCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ttl := defaultClaimCodeTTL
	if req.TTLHours > 0 {
		ttl = time.Duration(req.TTLHours) * time.Hour
	}

	cc, code, err := h.reg.IssueClaimCode(c.Request.Context(), req.TenantID, ttl)
	if err != nil {
		slog.Error("Failed to issue claim code", "tenant", req.TenantID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue claim code"})
		return
	}

	// The plaintext code is returned exactly once; only its hash is stored.
	c.JSON(http.StatusCreated, dto.IssueClaimCodeResponse{
		Code:      code,
		ExpiresAt: cc.ExpiresAt,
	})
}

// ClaimWithCode is the field-installer path: no operator session, the
// single-use code is the authorization.
func (h *DeviceHandler) ClaimWithCode(c *gin.Context) {
	var req dto.ClaimWithCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	creds, err := h.orch.ClaimWithCode(c.Request.Context(), req.Address, req.Code, c.ClientIP())
	if err != nil {
		h.claimError(c, err)
		return
	}
	c.JSON(http.StatusOK, credentialsResponse(creds))
}

// ClaimWithToken is the factory-provisioning path: the device proves its
// identity with a MAC over its address and a fresh timestamp.
func (h *DeviceHandler) ClaimWithToken(c *gin.Context) {
	var req dto.ClaimWithTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	creds, err := h.orch.ClaimWithToken(c.Request.Context(), req.Address, req.Token, req.Timestamp, req.TenantID)
	if err != nil {
		h.claimError(c, err)
		return
	}
	c.JSON(http.StatusOK, credentialsResponse(creds))
}

func (h *DeviceHandler) claimError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, registry.ErrDeviceNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
	case errors.Is(err, registry.ErrAlreadyClaimed):
		c.JSON(http.StatusConflict, gin.H{"error": "device already claimed"})
	case errors.Is(err, registry.ErrCodeNotFound),
		errors.Is(err, registry.ErrCodeConsumed),
		errors.Is(err, registry.ErrCodeExpired):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid claim code"})
	case errors.Is(err, lifecycle.ErrInvalidToken):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid claim token"})
	case errors.Is(err, brokeracl.ErrUnreachable):
		c.JSON(http.StatusBadGateway, gin.H{"error": "broker unreachable, claim rolled back"})
	default:
		slog.Error("Claim failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "claim failed"})
	}
}

func (h *DeviceHandler) Unclaim(c *gin.Context) {
	// Body is optional; an absent reason is fine.
	var req dto.UnclaimRequest
	_ = c.ShouldBindJSON(&req)

	address := c.Param("address")
	err := h.orch.Unclaim(c.Request.Context(), address, audit.TriggerAdministrative, c.GetString(middleware.CtxOperator), req.Reason)
	if err != nil {
		h.lifecycleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *DeviceHandler) Move(c *gin.Context) {
	var req dto.MoveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	address := c.Param("address")
	err := h.orch.Move(c.Request.Context(), address, req.TenantID, audit.TriggerAdministrative, c.GetString(middleware.CtxOperator), req.Reason)
	if err != nil {
		h.lifecycleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Rotate blocks until the device acks or the rotation times out; the
// response tells the operator which way it went.
func (h *DeviceHandler) Rotate(c *gin.Context) {
	address := c.Param("address")
	err := h.rotator.Rotate(c.Request.Context(), address, audit.TriggerAdministrative, c.GetString(middleware.CtxOperator))
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrDeviceNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		case errors.Is(err, registry.ErrNotClaimed):
			c.JSON(http.StatusConflict, gin.H{"error": "device not claimed"})
		case errors.Is(err, rotation.ErrRotationPending):
			c.JSON(http.StatusConflict, gin.H{"error": "rotation already pending"})
		case errors.Is(err, rotation.ErrRotationTimeout):
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "device did not acknowledge, old credential remains valid"})
		case errors.Is(err, rotation.ErrRotationRejected):
			c.JSON(http.StatusBadGateway, gin.H{"error": "device rejected rotation"})
		case errors.Is(err, brokeracl.ErrUnreachable):
			c.JSON(http.StatusBadGateway, gin.H{"error": "broker unreachable"})
		default:
			slog.Error("Rotation failed", "address", address, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "rotation failed"})
		}
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *DeviceHandler) Audit(c *gin.Context) {
	entries, err := h.ledger.ListByDevice(c.Request.Context(), c.Param("address"), auditListLimit)
	if err != nil {
		slog.Error("Failed to list audit entries", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list audit entries"})
		return
	}

	resp := make([]dto.AuditEntryResponse, len(entries))
	for i, e := range entries {
		resp[i] = dto.AuditEntryResponse{
			ID:            e.ID,
			DeviceAddress: e.DeviceAddress,
			Action:        string(e.Action),
			Trigger:       string(e.Trigger),
			Actor:         e.Actor,
			Reason:        e.Reason,
			Metadata:      e.Metadata,
			Success:       e.Success,
			CreatedAt:     e.CreatedAt,
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *DeviceHandler) lifecycleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, registry.ErrDeviceNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
	case errors.Is(err, registry.ErrNotClaimed):
		c.JSON(http.StatusConflict, gin.H{"error": "device not claimed"})
	case errors.Is(err, brokeracl.ErrUnreachable):
		c.JSON(http.StatusBadGateway, gin.H{"error": "broker unreachable, change rolled back"})
	default:
		slog.Error("Lifecycle operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "operation failed"})
	}
}

func deviceResponse(d *registry.Device) dto.DeviceResponse {
	return dto.DeviceResponse{
		Address:     d.Address,
		TenantID:    d.TenantID,
		Claimed:     d.Claimed(),
		ClaimedAt:   d.ClaimedAt,
		UnclaimedAt: d.UnclaimedAt,
		Fingerprint: d.Fingerprint,
		CreatedAt:   d.CreatedAt,
	}
}

func credentialsResponse(creds *lifecycle.Credentials) dto.CredentialsResponse {
	return dto.CredentialsResponse{
		Address:        creds.Address,
		TenantID:       creds.TenantID,
		BrokerPassword: creds.BrokerPassword,
		RecoveryKey:    creds.RecoveryKey,
	}
}
