package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/trapline/trapline/internal/mqttx"
	"github.com/trapline/trapline/internal/trapdev"
)

var AppVersion string

func main() {
	if len(os.Args) > 1 && os.Args[1] == "claim" {
		if err := runClaim(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
		return
	}

	InitConfig()

	slog.Info("Trapline Device", "version", AppVersion)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	file := trapdev.NewStateFile(config.Device.StateFile)
	state, err := loadOrRecover(ctx, file)
	if err != nil {
		slog.Error("Failed to load device state", "error", err)
		os.Exit(1)
	}
	if !state.Claimed() {
		slog.Error("Device is not claimed; run the claim subcommand first")
		os.Exit(1)
	}

	dial := func(password string) (trapdev.Conn, error) {
		return mqttx.NewClient(mqttx.Config{
			BrokerURL: config.Mqtt.Url,
			ClientID:  state.Address,
			Username:  state.Address,
			Password:  password,
			Timeout:   config.Mqtt.Timeout,
		}, nil)
	}

	loop := trapdev.NewLoop(state, file, dial, config.Device.TickInterval)

	err = loop.Run(ctx)
	switch {
	case errors.Is(err, trapdev.ErrNotConnectable):
		// Stored credentials no longer work. One recovery attempt over the
		// side channel, then one more run with the recovered credential.
		slog.Warn("No stored credential accepted, attempting recovery")
		state, err = recoverCredentials(ctx, file, state.Address)
		if err != nil {
			slog.Error("Recovery failed", "error", err)
			os.Exit(1)
		}
		loop = trapdev.NewLoop(state, file, dial, config.Device.TickInterval)
		if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Device loop stopped", "error", err)
			os.Exit(1)
		}
	case errors.Is(err, trapdev.ErrRevoked):
		slog.Info("Claim revoked by server, exiting")
	case err != nil && !errors.Is(err, context.Canceled):
		slog.Error("Device loop stopped", "error", err)
		os.Exit(1)
	}

	slog.Info("Shutdown complete")
}

// loadOrRecover reads persisted state, falling back to the recovery channel
// when the file is corrupt and an operator-provisioned proof is available.
func loadOrRecover(ctx context.Context, file *trapdev.StateFile) (*trapdev.State, error) {
	state, err := file.Load()
	if err == nil {
		return state, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("no device state at %s; run the claim subcommand first", config.Device.StateFile)
	}
	if !errors.Is(err, trapdev.ErrCorrupt) {
		return nil, err
	}

	slog.Warn("Device state corrupt, attempting recovery", "error", err)
	address := os.Getenv("DEVICE_ADDRESS")
	if address == "" {
		return nil, fmt.Errorf("state corrupt and DEVICE_ADDRESS not set, cannot recover")
	}
	return recoverCredentials(ctx, file, address)
}

// recover exchanges the out-of-band proof for a fresh credential set and
// rebuilds the state file around it. Alert state does not survive this
// path; the server re-seeds it through alert_sync on the next connect.
func recoverCredentials(ctx context.Context, file *trapdev.StateFile, address string) (*trapdev.State, error) {
	if config.Recovery.Proof == "" {
		return nil, fmt.Errorf("no recovery proof configured")
	}

	client := trapdev.NewRecoveryClient(config.Backend.Url, config.Backend.Timeout)
	creds, err := client.Recover(ctx, address, config.Recovery.Proof)
	if err != nil {
		return nil, err
	}

	state := &trapdev.State{
		Address:        creds.Address,
		TenantID:       creds.TenantID,
		BrokerPassword: creds.BrokerPassword,
	}
	if err := file.Save(state); err != nil {
		return nil, fmt.Errorf("failed to persist recovered credentials: %w", err)
	}
	slog.Info("Recovered credentials persisted", "address", creds.Address)
	return state, nil
}
