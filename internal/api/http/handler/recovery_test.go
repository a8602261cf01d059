package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trapline/trapline/internal/api/http/dto"
	"github.com/trapline/trapline/internal/audit"
	"github.com/trapline/trapline/internal/brokeracl"
	"github.com/trapline/trapline/internal/reconcile"
	"github.com/trapline/trapline/internal/recovery"
	"github.com/trapline/trapline/internal/registry"
)

func newRecoveryRouter(t *testing.T) (*gin.Engine, *registry.Memory, *brokeracl.Memory) {
	t.Helper()
	reg := registry.NewMemory()
	broker := brokeracl.NewMemory()
	rec := reconcile.NewReconciler(reg, broker)
	svc := recovery.NewService(reg, rec, broker, audit.NewMemory())
	h := NewRecoveryHandler(svc)

	r := gin.New()
	r.POST("/recovery/recover", h.Recover)
	r.POST("/admin/reconcile", h.ReconcileAll)
	return r, reg, broker
}

func postJSON(t *testing.T, r *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest("POST", path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRecoverEndpoint(t *testing.T) {
	r, reg, broker := newRecoveryRouter(t)
	ctx := context.Background()

	_, err := reg.CreateDevice(ctx, "dev-1")
	require.NoError(t, err)
	require.NoError(t, reg.Claim(ctx, "dev-1", "tenant-1", "tp_cached", registry.Fingerprint("tp_cached"), "rk_abc"))

	w := postJSON(t, r, "/recovery/recover", dto.RecoverRequest{Address: "dev-1", Proof: "rk_abc"})
	require.Equal(t, http.StatusOK, w.Code)

	var creds dto.CredentialsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &creds))
	assert.Equal(t, "tp_cached", creds.BrokerPassword)
	assert.Equal(t, "tp_cached", broker.Password("dev-1"))
}

func TestRecoverEndpointBadProof(t *testing.T) {
	r, reg, _ := newRecoveryRouter(t)
	ctx := context.Background()

	_, err := reg.CreateDevice(ctx, "dev-1")
	require.NoError(t, err)
	require.NoError(t, reg.Claim(ctx, "dev-1", "tenant-1", "tp_cached", registry.Fingerprint("tp_cached"), "rk_abc"))

	w := postJSON(t, r, "/recovery/recover", dto.RecoverRequest{Address: "dev-1", Proof: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Unknown devices are indistinguishable from bad proofs.
	w = postJSON(t, r, "/recovery/recover", dto.RecoverRequest{Address: "ghost", Proof: "rk_abc"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestReconcileAllEndpoint(t *testing.T) {
	r, reg, broker := newRecoveryRouter(t)
	ctx := context.Background()

	_, err := reg.CreateDevice(ctx, "dev-1")
	require.NoError(t, err)
	require.NoError(t, reg.Claim(ctx, "dev-1", "tenant-1", "tp_one", registry.Fingerprint("tp_one"), "rk"))
	require.NoError(t, broker.Create(ctx, "ghost", "tp_ghost"))

	w := postJSON(t, r, "/admin/reconcile", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var report dto.ReconcileReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, 1, report.Synced)
	assert.Equal(t, 1, report.Removed)
	assert.Equal(t, "tp_one", broker.Password("dev-1"))
}
