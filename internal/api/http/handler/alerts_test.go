package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trapline/trapline/internal/api/http/dto"
	"github.com/trapline/trapline/internal/escalation"
	"github.com/trapline/trapline/internal/mqttx"
)

func newAlertRouter(t *testing.T) (*gin.Engine, *escalation.Engine, *escalation.Memory) {
	t.Helper()
	store := escalation.NewMemory()
	engine := escalation.NewEngine(store, nopPublisher{}, nil, time.Minute)
	h := NewAlertHandler(engine, store)

	r := gin.New()
	r.GET("/devices/:address/alert", h.GetOpenByDevice)
	r.POST("/alerts/:id/ack", h.Ack)
	r.POST("/alerts/:id/clear", h.Clear)
	r.PUT("/tenants/:tenant/escalation", h.SetTenantPreset)
	return r, engine, store
}

func openTestAlert(t *testing.T, engine *escalation.Engine) {
	t.Helper()
	_, err := engine.HandleAlert(context.Background(), "tenant-1", "dev-1", mqttx.AlertEvent{
		AlertID:     "alert-1",
		TriggeredAt: time.Now(),
	})
	require.NoError(t, err)
}

func TestGetOpenAlertEndpoint(t *testing.T) {
	r, engine, _ := newAlertRouter(t)
	openTestAlert(t, engine)

	req, _ := http.NewRequest("GET", "/devices/dev-1/alert", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.AlertResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "alert-1", resp.ID)
	assert.Equal(t, 1, resp.Level)

	req, _ = http.NewRequest("GET", "/devices/quiet/alert", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAckAndClearEndpoints(t *testing.T) {
	r, engine, store := newAlertRouter(t)
	openTestAlert(t, engine)

	w := postJSON(t, r, "/alerts/alert-1/ack", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	a, err := store.Get(context.Background(), "alert-1")
	require.NoError(t, err)
	assert.True(t, a.ServerAcked)

	w = postJSON(t, r, "/alerts/alert-1/clear", dto.ClearAlertRequest{Reason: "serviced"})
	assert.Equal(t, http.StatusNoContent, w.Code)

	// The lifecycle is over: a second clear conflicts, an unknown id 404s.
	w = postJSON(t, r, "/alerts/alert-1/clear", dto.ClearAlertRequest{})
	assert.Equal(t, http.StatusConflict, w.Code)
	w = postJSON(t, r, "/alerts/ghost/ack", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSetTenantPresetEndpoint(t *testing.T) {
	r, _, store := newAlertRouter(t)

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(dto.TenantPresetRequest{
		Thresholds: []int64{60, 120, 300, 600},
	}))
	req, _ := http.NewRequest("PUT", "/tenants/tenant-1/escalation", &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)

	secs, err := store.TenantTiming(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, []int64{60, 120, 300, 600}, secs)

	// Malformed table rejected.
	buf.Reset()
	require.NoError(t, json.NewEncoder(&buf).Encode(dto.TenantPresetRequest{Thresholds: []int64{5}}))
	req, _ = http.NewRequest("PUT", "/tenants/tenant-1/escalation", &buf)
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
