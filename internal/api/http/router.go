package http

import (
	"github.com/gin-gonic/gin"

	"github.com/trapline/trapline/internal/api/http/handler"
	"github.com/trapline/trapline/internal/api/http/middleware"
	"github.com/trapline/trapline/internal/audit"
	"github.com/trapline/trapline/internal/auth"
	"github.com/trapline/trapline/internal/escalation"
	"github.com/trapline/trapline/internal/lifecycle"
	"github.com/trapline/trapline/internal/operators"
	"github.com/trapline/trapline/internal/recovery"
	"github.com/trapline/trapline/internal/rotation"
)

type Services struct {
	Auth       *auth.Service
	Registry   handler.DeviceRegistry
	Lifecycle  *lifecycle.Orchestrator
	Rotation   *rotation.Engine
	Recovery   *recovery.Service
	Escalation *escalation.Engine
	Alerts     escalation.AlertStore
	Ledger     audit.Ledger

	JWTSecret   string
	AdminAPIKey string
}

func SetupRoute(engine *gin.Engine, srvs *Services) {
	engine.Use(middleware.RequestLogger())

	healthHandler := handler.NewHealthHandler()
	engine.GET("/health", healthHandler.Check)

	authHandler := handler.NewAuthHandler(srvs.Auth)
	deviceHandler := handler.NewDeviceHandler(srvs.Registry, srvs.Lifecycle, srvs.Rotation, srvs.Ledger)
	recoveryHandler := handler.NewRecoveryHandler(srvs.Recovery)
	alertHandler := handler.NewAlertHandler(srvs.Escalation, srvs.Alerts)

	v1 := engine.Group("/api/v1")

	// Unauthenticated device-facing endpoints: the claim code, the device
	// token or the recovery proof is the authorization.
	v1.POST("/auth/login", authHandler.Login)
	v1.POST("/claim/code", deviceHandler.ClaimWithCode)
	v1.POST("/claim/token", deviceHandler.ClaimWithToken)
	v1.POST("/recovery/recover", recoveryHandler.Recover)

	// Operator console, behind JWT.
	operator := v1.Group("", middleware.JWTAuth(srvs.JWTSecret))
	{
		operator.POST("/devices", deviceHandler.Register)
		operator.GET("/devices", deviceHandler.List)
		operator.GET("/devices/:address", deviceHandler.Get)
		operator.POST("/devices/:address/unclaim", deviceHandler.Unclaim)
		operator.POST("/devices/:address/move", deviceHandler.Move)
		operator.POST("/devices/:address/rotate", deviceHandler.Rotate)
		operator.GET("/devices/:address/audit", deviceHandler.Audit)
		operator.GET("/devices/:address/alert", alertHandler.GetOpenByDevice)

		operator.POST("/claim-codes", deviceHandler.IssueClaimCode)

		operator.POST("/alerts/:id/ack", alertHandler.Ack)
		operator.POST("/alerts/:id/clear", alertHandler.Clear)

		operator.PUT("/tenants/:tenant/escalation",
			middleware.RequireRole(operators.RoleAdmin), alertHandler.SetTenantPreset)
	}

	// Break-glass operations, behind the static admin key.
	admin := v1.Group("/admin", middleware.APIKeyAuth(srvs.AdminAPIKey))
	{
		admin.POST("/auth/register", authHandler.Register)
		admin.POST("/reconcile", recoveryHandler.ReconcileAll)
	}
}
