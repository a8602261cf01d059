package trapdev

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrRecoveryRejected means the backend did not accept the proof. There is
// nothing further the device can do on its own.
var ErrRecoveryRejected = errors.New("recovery rejected")

// RecoveryClient calls the backend's out-of-band recovery endpoint over
// HTTP. It is the device's last resort when no stored credential works.
type RecoveryClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewRecoveryClient(baseURL string, timeout time.Duration) *RecoveryClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &RecoveryClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type recoverRequest struct {
	Address string `json:"address"`
	Proof   string `json:"proof"`
}

// RecoveredCredentials is the payload the backend returns over the
// recovery channel.
type RecoveredCredentials struct {
	Address        string `json:"address"`
	TenantID       string `json:"tenantId"`
	BrokerPassword string `json:"brokerPassword"`
}

// Recover presents the proof (recovery key or credential fingerprint) and
// returns a working credential set on success.
func (c *RecoveryClient) Recover(ctx context.Context, address, proof string) (*RecoveredCredentials, error) {
	body, err := json.Marshal(recoverRequest{Address: address, Proof: proof})
	if err != nil {
		return nil, err
	}

	url := c.baseURL + "/api/v1/recovery/recover"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("recovery request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var creds RecoveredCredentials
		if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
			return nil, fmt.Errorf("malformed recovery response: %w", err)
		}
		return &creds, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrRecoveryRejected
	default:
		return nil, fmt.Errorf("recovery request failed with status %d", resp.StatusCode)
	}
}
