package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/loykin/tunnelkeeper/internal/errdefs"
)

const defaultBaseURL = "http://127.0.0.1:7391/api"

// Client talks to a running tunnelkeeper daemon.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	Enabled    bool   // Enable TLS
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: defaultBaseURL,
		Timeout: 30 * time.Second,
	}
}

// APIError is a non-2xx answer from the daemon. It unwraps to the matching
// errdefs sentinel so callers can use errors.Is.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("API error %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error { return errdefs.FromCode(e.Code) }

// New creates a new API client with optional TLS.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tunnel/status", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

func (c *Client) StartTunnel(ctx context.Context, req StartTunnelRequest) (StartTunnelResult, error) {
	var out StartTunnelResult
	err := c.doRequest(ctx, http.MethodPost, "/tunnel/start", req, &out)
	return out, err
}

func (c *Client) StopTunnel(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodPost, "/tunnel/stop", nil, &okResponse{})
}

func (c *Client) TunnelStatus(ctx context.Context) (TunnelStatus, error) {
	var out TunnelStatus
	err := c.doRequest(ctx, http.MethodGet, "/tunnel/status", nil, &out)
	return out, err
}

// LastTunnelError returns and clears the daemon's pending tunnel failure.
func (c *Client) LastTunnelError(ctx context.Context) (string, error) {
	var out lastErrorResponse
	err := c.doRequest(ctx, http.MethodGet, "/tunnel/last-error", nil, &out)
	return out.Error, err
}

func (c *Client) StartWebServer(ctx context.Context, req StartWebServerRequest) (int, error) {
	var out StartWebServerResult
	if err := c.doRequest(ctx, http.MethodPost, "/webserver/start", req, &out); err != nil {
		return 0, err
	}
	return out.Port, nil
}

func (c *Client) StopWebServer(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodPost, "/webserver/stop", nil, &okResponse{})
}

func (c *Client) WebServerStatus(ctx context.Context) (WebServerStatus, error) {
	var out WebServerStatus
	err := c.doRequest(ctx, http.MethodGet, "/webserver/status", nil, &out)
	return out, err
}

func (c *Client) StopAll(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodPost, "/stop-all", nil, &okResponse{})
}

func (c *Client) GetConfig(ctx context.Context) (UserConfig, error) {
	var out UserConfig
	err := c.doRequest(ctx, http.MethodGet, "/config", nil, &out)
	return out, err
}

// UpdateConfig replaces the daemon config and returns the stored (clamped) value.
func (c *Client) UpdateConfig(ctx context.Context, cfg UserConfig) (UserConfig, error) {
	var out UserConfig
	err := c.doRequest(ctx, http.MethodPut, "/config", cfg, &out)
	return out, err
}

func (c *Client) ReportNow(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodPost, "/report", nil, &okResponse{})
}

func (c *Client) History(ctx context.Context, limit int) ([]Event, error) {
	path := "/history"
	if limit > 0 {
		path += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}
	var out []Event
	err := c.doRequest(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}

	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true
		}
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
		if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}

	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}

	tlsConfig.RootCAs = caCertPool
	return nil
}

// doRequest sends in as JSON (when non-nil) and decodes a 2xx body into out.
func (c *Client) doRequest(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	u := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", u)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse turns a non-2xx response into an *APIError.
func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		c.logger.Error("Failed to decode error response", "status", resp.StatusCode)
		return &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	c.logger.Debug("API request failed", "error", errorResp.Error, "code", errorResp.Code, "status", resp.StatusCode)
	return &APIError{Status: resp.StatusCode, Code: errorResp.Code, Message: errorResp.Error}
}
