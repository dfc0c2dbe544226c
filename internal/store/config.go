package store

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"

	"github.com/loykin/tunnelkeeper/internal/errdefs"
)

// Defaults applied to missing fields.
const (
	DefaultBackendURL             = "https://api.example.com"
	DefaultTunnelName             = "my-tunnel"
	DefaultRefreshIntervalSeconds = 300
	DefaultWebServerPort          = 8080

	MinRefreshIntervalSeconds = 60
	MaxRefreshIntervalSeconds = 3600

	maxTunnelNameLen = 64
)

// Config is the user-facing orchestrator configuration.
type Config struct {
	BackendURL             string `json:"backendURL" mapstructure:"backendURL"`
	TunnelName             string `json:"tunnelName" mapstructure:"tunnelName"`
	ManualToken            string `json:"manualToken,omitempty" mapstructure:"manualToken"`
	RefreshIntervalSeconds int    `json:"refreshIntervalSeconds" mapstructure:"refreshIntervalSeconds"`
	AutoStart              bool   `json:"autoStart" mapstructure:"autoStart"`
	MinimizeToTray         bool   `json:"minimizeToTray" mapstructure:"minimizeToTray"`
	WebServerPort          int    `json:"webServerPort" mapstructure:"webServerPort"`
}

// Default returns the configuration used when nothing is persisted yet.
func Default() Config {
	return Config{
		BackendURL:             DefaultBackendURL,
		TunnelName:             DefaultTunnelName,
		RefreshIntervalSeconds: DefaultRefreshIntervalSeconds,
		MinimizeToTray:         true,
		WebServerPort:          DefaultWebServerPort,
	}
}

// Clamp forces RefreshIntervalSeconds into [60, 3600].
func (c Config) Clamp() Config {
	switch {
	case c.RefreshIntervalSeconds < MinRefreshIntervalSeconds:
		c.RefreshIntervalSeconds = MinRefreshIntervalSeconds
	case c.RefreshIntervalSeconds > MaxRefreshIntervalSeconds:
		c.RefreshIntervalSeconds = MaxRefreshIntervalSeconds
	}
	return c
}

// Validate reports the first invalid field wrapped in errdefs.ErrValidation.
// RefreshIntervalSeconds is clamped, never rejected.
func (c Config) Validate() error {
	u, err := url.Parse(strings.TrimSpace(c.BackendURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("backendURL %q must be an absolute http(s) URL: %w", c.BackendURL, errdefs.ErrValidation)
	}
	if !isSafeName(c.TunnelName) {
		return fmt.Errorf("tunnelName %q must be 1-%d characters of [A-Za-z0-9._-]: %w", c.TunnelName, maxTunnelNameLen, errdefs.ErrValidation)
	}
	if strings.IndexFunc(c.ManualToken, unicode.IsSpace) >= 0 {
		return fmt.Errorf("manualToken must not contain whitespace: %w", errdefs.ErrValidation)
	}
	if c.WebServerPort < 0 || c.WebServerPort > 65535 {
		return fmt.Errorf("webServerPort %d out of range [0,65535]: %w", c.WebServerPort, errdefs.ErrValidation)
	}
	return nil
}

func isSafeName(s string) bool {
	if s == "" || len(s) > maxTunnelNameLen || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}
