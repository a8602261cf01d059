package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trapline/trapline/internal/auth"
	"github.com/trapline/trapline/internal/operators"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testSecret = "middleware-test-secret"

func protectedRouter(t *testing.T, extra ...gin.HandlerFunc) *gin.Engine {
	t.Helper()
	engine := gin.New()
	handlers := append([]gin.HandlerFunc{JWTAuth(testSecret)}, extra...)
	handlers = append(handlers, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"operator": c.GetString(CtxOperator)})
	})
	engine.GET("/protected", handlers...)
	return engine
}

func get(router *gin.Engine, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestJWTAuth(t *testing.T) {
	token, err := auth.GenerateToken(auth.Config{Secret: testSecret, TTL: time.Minute},
		"op-1", "ranger", operators.RoleOperator)
	require.NoError(t, err)

	router := protectedRouter(t)

	t.Run("valid token", func(t *testing.T) {
		rr := get(router, map[string]string{"Authorization": "Bearer " + token})
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), "ranger")
	})

	t.Run("missing header", func(t *testing.T) {
		rr := get(router, nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("not a bearer token", func(t *testing.T) {
		rr := get(router, map[string]string{"Authorization": "Basic abc"})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("garbage token", func(t *testing.T) {
		rr := get(router, map[string]string{"Authorization": "Bearer not.a.jwt"})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}

func TestRequireRole(t *testing.T) {
	operatorToken, err := auth.GenerateToken(auth.Config{Secret: testSecret, TTL: time.Minute},
		"op-1", "ranger", operators.RoleOperator)
	require.NoError(t, err)
	adminToken, err := auth.GenerateToken(auth.Config{Secret: testSecret, TTL: time.Minute},
		"op-2", "chief", operators.RoleAdmin)
	require.NoError(t, err)

	router := protectedRouter(t, RequireRole(operators.RoleAdmin))

	t.Run("admin passes", func(t *testing.T) {
		rr := get(router, map[string]string{"Authorization": "Bearer " + adminToken})
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("operator rejected", func(t *testing.T) {
		rr := get(router, map[string]string{"Authorization": "Bearer " + operatorToken})
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})
}

func TestAPIKeyAuth(t *testing.T) {
	newRouter := func(key string) *gin.Engine {
		engine := gin.New()
		engine.GET("/protected", APIKeyAuth(key), func(c *gin.Context) {
			c.Status(http.StatusOK)
		})
		return engine
	}

	t.Run("correct key", func(t *testing.T) {
		rr := get(newRouter("sekrit"), map[string]string{"X-API-Key": "sekrit"})
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("wrong key", func(t *testing.T) {
		rr := get(newRouter("sekrit"), map[string]string{"X-API-Key": "guess"})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("missing key", func(t *testing.T) {
		rr := get(newRouter("sekrit"), nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("unconfigured key disables endpoint", func(t *testing.T) {
		rr := get(newRouter(""), map[string]string{"X-API-Key": "anything"})
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})
}
