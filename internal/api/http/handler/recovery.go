package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/trapline/trapline/internal/api/http/dto"
	"github.com/trapline/trapline/internal/brokeracl"
	"github.com/trapline/trapline/internal/recovery"
)

type RecoveryHandler struct {
	svc *recovery.Service
}

func NewRecoveryHandler(svc *recovery.Service) *RecoveryHandler {
	return &RecoveryHandler{svc: svc}
}

// Recover is the device-facing out-of-band endpoint. The proof in the body
// is the authorization; there is no session.
func (h *RecoveryHandler) Recover(c *gin.Context) {
	var req dto.RecoverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	creds, err := h.svc.Recover(c.Request.Context(), req.Address, req.Proof, c.ClientIP())
	if err != nil {
		switch {
		case errors.Is(err, recovery.ErrInvalidProof):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid recovery proof"})
		case errors.Is(err, brokeracl.ErrUnreachable):
			c.JSON(http.StatusBadGateway, gin.H{"error": "broker unreachable"})
		default:
			slog.Error("Recovery failed", "address", req.Address, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "recovery failed"})
		}
		return
	}

	c.JSON(http.StatusOK, dto.CredentialsResponse{
		Address:        creds.Address,
		TenantID:       creds.TenantID,
		BrokerPassword: creds.BrokerPassword,
	})
}

// ReconcileAll repairs the whole broker ACL set against the registry.
// Admin-only; used after a broker state loss.
func (h *RecoveryHandler) ReconcileAll(c *gin.Context) {
	report, err := h.svc.ReconcileAll(c.Request.Context())
	if err != nil {
		slog.Error("Bulk reconciliation failed", "error", err)
		status := http.StatusInternalServerError
		if errors.Is(err, brokeracl.ErrUnreachable) {
			status = http.StatusBadGateway
		}
		resp := gin.H{"error": "reconciliation failed"}
		if report != nil {
			resp["partial"] = dto.ReconcileReport{
				Synced:  report.Synced,
				Removed: report.Removed,
				Failed:  report.Failed,
			}
		}
		c.JSON(status, resp)
		return
	}

	c.JSON(http.StatusOK, dto.ReconcileReport{
		Synced:  report.Synced,
		Removed: report.Removed,
		Failed:  report.Failed,
	})
}
