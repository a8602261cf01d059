package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/trapline/trapline/internal/api/http/dto"
	"github.com/trapline/trapline/internal/escalation"
)

type AlertHandler struct {
	engine *escalation.Engine
	store  escalation.AlertStore
}

func NewAlertHandler(engine *escalation.Engine, store escalation.AlertStore) *AlertHandler {
	return &AlertHandler{engine: engine, store: store}
}

func (h *AlertHandler) GetOpenByDevice(c *gin.Context) {
	a, err := h.store.GetOpenByDevice(c.Request.Context(), c.Param("address"))
	if err != nil {
		if errors.Is(err, escalation.ErrAlertNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no open alert for device"})
			return
		}
		slog.Error("Failed to load alert", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load alert"})
		return
	}
	c.JSON(http.StatusOK, alertResponse(a))
}

// Ack freezes escalation at the current level; it never resets it.
func (h *AlertHandler) Ack(c *gin.Context) {
	err := h.engine.Ack(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.alertError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *AlertHandler) Clear(c *gin.Context) {
	var req dto.ClearAlertRequest
	_ = c.ShouldBindJSON(&req)

	err := h.engine.Clear(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		h.alertError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *AlertHandler) SetTenantPreset(c *gin.Context) {
	var req dto.TenantPresetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var secs []int64
	if len(req.Thresholds) > 0 {
		secs = req.Thresholds
	}
	err := h.engine.SetTenantPreset(c.Request.Context(), c.Param("tenant"), secs)
	if err != nil {
		if errors.Is(err, escalation.ErrUnknownPreset) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid threshold table"})
			return
		}
		slog.Error("Failed to set tenant preset", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to set preset"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *AlertHandler) alertError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, escalation.ErrAlertNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
	case errors.Is(err, escalation.ErrAlertCleared):
		c.JSON(http.StatusConflict, gin.H{"error": "alert already cleared"})
	default:
		slog.Error("Alert operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "operation failed"})
	}
}

func alertResponse(a *escalation.Alert) dto.AlertResponse {
	return dto.AlertResponse{
		ID:             a.ID,
		DeviceAddress:  a.DeviceAddress,
		TenantID:       a.TenantID,
		TriggeredAt:    a.TriggeredAt,
		Level:          a.Level,
		LastTransition: a.LastTransition,
		ServerAcked:    a.ServerAcked,
		DeviceAcked:    a.DeviceAcked,
		Preset:         a.Preset,
		ClearedAt:      a.ClearedAt,
	}
}
