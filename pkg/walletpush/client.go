package walletpush

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/fx"

	"localspot-loyalty/pkg/config"
)

// Credentials binds a program to its externally provisioned pass template.
type Credentials struct {
	TemplateID string
	APIKey     string
	PassTypeID string
}

func (c Credentials) Complete() bool {
	return c.TemplateID != "" && c.APIKey != "" && c.PassTypeID != ""
}

type IssueResult struct {
	Serial     string `json:"serialNumber"`
	AppleURL   string `json:"landingUrl"`
	GoogleURL  string `json:"googlePassUrl"`
	ScanURL    string `json:"scanUrl"`
	TemplateID string `json:"templateId"`
}

// Client wraps the wallet provider HTTP API. It is an unreliable network
// dependency; retries belong to the task layer, not here.
type Client interface {
	IssuePass(ctx context.Context, creds Credentials, fields map[string]string) (*IssueResult, error)
	UpdatePassField(ctx context.Context, creds Credentials, serial, field, value string, push bool) error
}

var Module = fx.Module("walletpush",
	fx.Provide(NewHTTPClient),
)

type httpClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(cfg *config.Config) Client {
	timeout := cfg.WalletPush.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &httpClient{
		baseURL: cfg.WalletPush.BaseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *httpClient) IssuePass(ctx context.Context, creds Credentials, fields map[string]string) (*IssueResult, error) {
	endpoint := fmt.Sprintf("%s/api/v1/templates/%s/pass", c.baseURL, url.PathEscape(creds.TemplateID))

	body, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", creds.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("walletpush issue pass: status %d: %s", resp.StatusCode, string(b))
	}

	var result IssueResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("walletpush issue pass: decode: %w", err)
	}

	if result.Serial == "" {
		return nil, fmt.Errorf("walletpush issue pass: empty serial")
	}

	return &result, nil
}

func (c *httpClient) UpdatePassField(ctx context.Context, creds Credentials, serial, field, value string, push bool) error {
	endpoint := fmt.Sprintf("%s/api/v1/passes/%s/%s/values/%s",
		c.baseURL,
		url.PathEscape(creds.PassTypeID),
		url.PathEscape(serial),
		url.PathEscape(field),
	)

	payload := map[string]any{
		"value": value,
		"push":  push,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", creds.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("walletpush update field %s: status %d: %s", field, resp.StatusCode, string(b))
	}

	return nil
}
