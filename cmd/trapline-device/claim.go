package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"

	"github.com/trapline/trapline/internal/api/http/dto"
	"github.com/trapline/trapline/internal/trapdev"
)

// runClaim redeems a claim code against the backend and writes the returned
// credential set to the state file. This is the field-installation step; the
// normal run loop refuses to start without it.
func runClaim(args []string) error {
	fs := flag.NewFlagSet("claim", flag.ExitOnError)
	server := fs.String("server", "", "Backend URL (e.g., http://server:8080)")
	address := fs.String("address", "", "Device hardware address")
	code := fs.String("code", "", "Claim code issued by an operator")
	statePath := fs.String("state", "./device-state.json", "Path to the device state file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *server == "" {
		return fmt.Errorf("--server is required")
	}
	if *address == "" {
		return fmt.Errorf("--address is required")
	}
	if *code == "" {
		return fmt.Errorf("--code is required")
	}

	reqBody, err := json.Marshal(dto.ClaimWithCodeRequest{Address: *address, Code: *code})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := *server + "/api/v1/claim/code"
	resp, err := http.Post(url, "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("claim failed (HTTP %d): %s", resp.StatusCode, string(body))
	}

	var creds dto.CredentialsResponse
	if err := json.Unmarshal(body, &creds); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	state := &trapdev.State{
		Address:        creds.Address,
		TenantID:       creds.TenantID,
		BrokerPassword: creds.BrokerPassword,
		RecoveryKey:    creds.RecoveryKey,
	}
	if err := trapdev.NewStateFile(*statePath).Save(state); err != nil {
		return fmt.Errorf("failed to persist credentials: %w", err)
	}

	fmt.Println("Claim successful!")
	fmt.Printf("  Address: %s\n", creds.Address)
	fmt.Printf("  Tenant:  %s\n", creds.TenantID)
	fmt.Printf("  State:   %s\n", *statePath)
	fmt.Println()
	fmt.Println("Store the recovery key somewhere safe; it is not shown again.")

	return nil
}
