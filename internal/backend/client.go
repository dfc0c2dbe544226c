package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/tunnelkeeper/internal/errdefs"
)

//go:generate mockgen -destination=mocks/mock_backend.go -package=mocks . TokenSource,StatusSender

// TokenSource issues tunnel tokens.
type TokenSource interface {
	FetchToken(ctx context.Context, backendURL string) (string, error)
}

// StatusSender receives periodic status reports.
type StatusSender interface {
	ReportStatus(ctx context.Context, backendURL string, r StatusReport) error
}

// TokenResponse is the body of GET {backendURL}/api/token.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// StatusReport is posted to {backendURL}/api/status.
type StatusReport struct {
	TunnelName       string    `json:"tunnelName"`
	TunnelRunning    bool      `json:"tunnelRunning"`
	TunnelURL        string    `json:"tunnelURL,omitempty"`
	WebServerRunning bool      `json:"webServerRunning"`
	WebServerPort    int       `json:"webServerPort,omitempty"`
	ReportedAt       time.Time `json:"reportedAt"`
}

type Config struct {
	Timeout    time.Duration
	TokenPath  string
	StatusPath string
	Logger     *slog.Logger
	HTTPClient *http.Client // optional, overrides Timeout
}

// Client talks to the token-issuing backend.
type Client struct {
	http       *http.Client
	tokenPath  string
	statusPath string
	log        *slog.Logger
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.TokenPath == "" {
		cfg.TokenPath = "/api/token"
	}
	if cfg.StatusPath == "" {
		cfg.StatusPath = "/api/status"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		http:       hc,
		tokenPath:  cfg.TokenPath,
		statusPath: cfg.StatusPath,
		log:        cfg.Logger.With("component", "backend"),
	}
}

func join(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

// FetchToken requests a tunnel token. Every failure wraps errdefs.ErrTokenFetch.
func (c *Client) FetchToken(ctx context.Context, backendURL string) (string, error) {
	url := join(backendURL, c.tokenPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build token request: %v: %w", err, errdefs.ErrTokenFetch)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("token request failed", "url", url, "error", err)
		return "", fmt.Errorf("request %s: %v: %w", url, err, errdefs.ErrTokenFetch)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.log.Warn("token request rejected", "url", url, "status", resp.StatusCode, "body", string(body))
		return "", fmt.Errorf("backend returned status %d: %s: %w", resp.StatusCode,
			strings.TrimSpace(string(body)), errdefs.ErrTokenFetch)
	}

	var tr TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decode token response: %v: %w", err, errdefs.ErrTokenFetch)
	}
	if strings.TrimSpace(tr.Token) == "" {
		return "", fmt.Errorf("backend returned an empty token: %w", errdefs.ErrTokenFetch)
	}
	c.log.Debug("token fetched", "url", url, "expiresAt", tr.ExpiresAt)
	return tr.Token, nil
}

// ReportStatus posts r to the backend.
func (c *Client) ReportStatus(ctx context.Context, backendURL string, r StatusReport) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	url := join(backendURL, c.statusPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build status request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("backend returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
