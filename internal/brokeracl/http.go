package brokeracl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const defaultTimeout = 10 * time.Second

type HTTPConfig struct {
	BaseURL  string // broker admin API root, e.g. http://broker:18083/api/v5
	Username string // admin API credentials
	Password string
	AuthnID  string // authenticator id, e.g. password_based:built_in_database
	Timeout  time.Duration
}

// HTTPClient implements Client against the broker's admin REST API.
type HTTPClient struct {
	cfg    HTTPConfig
	client *http.Client
}

func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.AuthnID == "" {
		cfg.AuthnID = "password_based:built_in_database"
	}
	return &HTTPClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type userEntry struct {
	UserID   string `json:"user_id"`
	Password string `json:"password,omitempty"`
}

func (c *HTTPClient) usersURL(username string) string {
	u := fmt.Sprintf("%s/authentication/%s/users", c.cfg.BaseURL, url.PathEscape(c.cfg.AuthnID))
	if username != "" {
		u += "/" + url.PathEscape(username)
	}
	return u
}

func (c *HTTPClient) do(ctx context.Context, method, rawURL string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return resp, nil
}

func (c *HTTPClient) Create(ctx context.Context, username, password string) error {
	resp, err := c.do(ctx, http.MethodPost, c.usersURL(""), userEntry{UserID: username, Password: password})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: user %s", ErrInvalidCredential, username)
	default:
		return fmt.Errorf("%w: create returned HTTP %d", ErrUnreachable, resp.StatusCode)
	}
}

func (c *HTTPClient) Delete(ctx context.Context, username string) error {
	resp, err := c.do(ctx, http.MethodDelete, c.usersURL(username), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusNotFound:
		return ErrNotFound
	default:
		return fmt.Errorf("%w: delete returned HTTP %d", ErrUnreachable, resp.StatusCode)
	}
}

func (c *HTTPClient) Exists(ctx context.Context, username string) (bool, error) {
	resp, err := c.do(ctx, http.MethodGet, c.usersURL(username), nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("%w: get returned HTTP %d", ErrUnreachable, resp.StatusCode)
	}
}

func (c *HTTPClient) ListUsernames(ctx context.Context) ([]string, error) {
	resp, err := c.do(ctx, http.MethodGet, c.usersURL("")+"?limit=10000", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: list returned HTTP %d", ErrUnreachable, resp.StatusCode)
	}

	var body struct {
		Data []userEntry `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode user list: %w", err)
	}

	usernames := make([]string, 0, len(body.Data))
	for _, u := range body.Data {
		usernames = append(usernames, u.UserID)
	}
	return usernames, nil
}
