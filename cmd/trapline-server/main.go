package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	internalhttp "github.com/trapline/trapline/internal/api/http"
	"github.com/trapline/trapline/internal/audit"
	"github.com/trapline/trapline/internal/auth"
	"github.com/trapline/trapline/internal/brokeracl"
	"github.com/trapline/trapline/internal/db"
	"github.com/trapline/trapline/internal/escalation"
	"github.com/trapline/trapline/internal/lifecycle"
	"github.com/trapline/trapline/internal/mqttx"
	"github.com/trapline/trapline/internal/operators"
	"github.com/trapline/trapline/internal/reconcile"
	"github.com/trapline/trapline/internal/recovery"
	"github.com/trapline/trapline/internal/registry"
	"github.com/trapline/trapline/internal/rotation"
)

var AppVersion string

func main() {
	InitConfig()

	slog.Info("Trapline Server", "version", AppVersion)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := db.RunMigrations(config.Database.Url, config.Database.Schema); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	pool, err := db.InitDB(ctx, config.Database.Url, config.Database.Schema)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	regStore := registry.NewStore(pool)
	ledger := audit.NewStore(pool)
	alertStore := escalation.NewStore(pool)
	operatorStore := operators.NewPGStore(pool)

	aclClient := brokeracl.NewHTTPClient(brokeracl.HTTPConfig{
		BaseURL:  config.Broker.ApiUrl,
		Username: config.Broker.Username,
		Password: config.Broker.Password,
		Timeout:  config.Broker.Timeout,
	})
	reconciler := reconcile.NewReconciler(regStore, aclClient)
	debouncer := reconcile.NewDebouncer(reconciler, 0)

	var rotator *rotation.Engine
	var escalator *escalation.Engine

	mqttClient, err := mqttx.NewClient(mqttx.Config{
		BrokerURL: config.Mqtt.Url,
		ClientID:  config.Mqtt.ClientId,
		Username:  config.Mqtt.Username,
		Password:  config.Mqtt.Password,
		Timeout:   config.Mqtt.Timeout,
	}, func(c *mqttx.Client) {
		subscribeDeviceEvents(c, debouncer,
			func() *rotation.Engine { return rotator },
			func() *escalation.Engine { return escalator })
	})
	if err != nil {
		slog.Error("Failed to connect to MQTT broker", "error", err)
		os.Exit(1)
	}
	defer mqttClient.Disconnect()

	orchestrator := lifecycle.NewOrchestrator(regStore, ledger, reconciler, mqttClient, []byte(config.Factory.Secret))
	rotator = rotation.NewEngine(regStore, reconciler, ledger, mqttClient, config.Sweep.AckTimeout)
	recoverySvc := recovery.NewService(regStore, reconciler, aclClient, ledger)
	escalator = escalation.NewEngine(alertStore, mqttClient, escalation.NopNotifier{}, config.Sweep.Interval)
	authSvc := auth.NewService(operatorStore, config.Auth)

	go escalator.Run(ctx)

	services := &internalhttp.Services{
		Auth:        authSvc,
		Registry:    regStore,
		Lifecycle:   orchestrator,
		Rotation:    rotator,
		Recovery:    recoverySvc,
		Escalation:  escalator,
		Alerts:      alertStore,
		Ledger:      ledger,
		JWTSecret:   config.Auth.Secret,
		AdminAPIKey: config.Http.AdminAPIKey,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"PUT", "PATCH", "GET", "POST", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	engine.Use(gin.Recovery())
	internalhttp.SetupRoute(engine, services)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Http.Port),
		Handler: engine,
	}

	errChan := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-errChan:
		slog.Error("Server error", "error", err)
	case <-ctx.Done():
		slog.Info("Received shutdown signal")
	}

	slog.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	slog.Info("Shutdown complete")
}

// subscribeDeviceEvents wires the device-published leaves into the engines.
// Engines are fetched through closures because the MQTT connect callback
// can fire before wiring completes and again on every reconnect.
func subscribeDeviceEvents(c *mqttx.Client, debouncer *reconcile.Debouncer, rotator func() *rotation.Engine, escalator func() *escalation.Engine) {
	subscribe := func(leaf string, handle func(tenant, address string, payload []byte)) {
		err := c.Subscribe(mqttx.Subscription(leaf), func(topic string, payload []byte) {
			tenant, address, _, err := mqttx.ParseDeviceTopic(topic)
			if err != nil {
				slog.Warn("Dropping message on unrecognized topic", "topic", topic)
				return
			}
			handle(tenant, address, payload)
		})
		if err != nil {
			slog.Error("Failed to subscribe", "leaf", leaf, "error", err)
		}
	}

	// Every heartbeat re-asserts registry intent on the broker, so drift
	// left by a crashed claim or rotation heals without operator action.
	subscribe(mqttx.LeafStatus, func(_, address string, _ []byte) {
		debouncer.Request(address)
	})

	subscribe(mqttx.LeafRotationAck, func(_, address string, payload []byte) {
		var ack mqttx.RotationAck
		if json.Unmarshal(payload, &ack) != nil {
			return
		}
		if e := rotator(); e != nil {
			e.HandleAck(address, ack.RotationID, ack.Success)
		}
	})

	subscribe(mqttx.LeafAlert, func(tenant, address string, payload []byte) {
		var ev mqttx.AlertEvent
		if json.Unmarshal(payload, &ev) != nil {
			return
		}
		if e := escalator(); e != nil {
			if _, err := e.HandleAlert(context.Background(), tenant, address, ev); err != nil {
				slog.Error("Failed to open alert", "address", address, "error", err)
			}
		}
	})

	subscribe(mqttx.LeafAlertCleared, func(_, address string, payload []byte) {
		var ev mqttx.AlertClearedEvent
		if json.Unmarshal(payload, &ev) != nil {
			return
		}
		if e := escalator(); e != nil {
			if err := e.HandleAlertCleared(context.Background(), address, ev); err != nil {
				slog.Error("Failed to clear alert", "address", address, "error", err)
			}
		}
	})

	subscribe(mqttx.LeafEscalationUpdate, func(_, address string, payload []byte) {
		var ev mqttx.EscalationUpdate
		if json.Unmarshal(payload, &ev) != nil {
			return
		}
		if e := escalator(); e != nil {
			if err := e.HandleEscalationUpdate(context.Background(), address, ev); err != nil {
				slog.Error("Failed to apply escalation update", "address", address, "error", err)
			}
		}
	})

	subscribe(mqttx.LeafAlertSync, func(tenant, address string, payload []byte) {
		var ev mqttx.AlertSync
		if json.Unmarshal(payload, &ev) != nil {
			return
		}
		if e := escalator(); e != nil {
			if err := e.HandleAlertSync(context.Background(), tenant, address, ev); err != nil {
				slog.Error("Failed to reconcile alert state", "address", address, "error", err)
			}
		}
	})
}
