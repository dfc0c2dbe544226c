package client

import "time"

// StartTunnelRequest starts the tunnel; an empty ManualToken falls back to
// the stored token and then the backend.
type StartTunnelRequest struct {
	ManualToken string `json:"manualToken,omitempty"`
}

// StartWebServerRequest starts the web server. A nil Port uses the
// configured port; 0 asks for an ephemeral one.
type StartWebServerRequest struct {
	Port *int `json:"port,omitempty"`
}

type TunnelStatus struct {
	Running    bool       `json:"running"`
	TunnelName string     `json:"tunnelName"`
	TunnelURL  string     `json:"tunnelURL,omitempty"`
	Logs       []string   `json:"logs"`
	State      string     `json:"state"`
	PID        int        `json:"pid,omitempty"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
}

type WebServerStatus struct {
	Running   bool   `json:"running"`
	Port      int    `json:"port,omitempty"`
	State     string `json:"state"`
	PID       int    `json:"pid,omitempty"`
	LastError string `json:"lastError,omitempty"`
}

// StartTunnelResult carries the web server started alongside the tunnel.
// WebServerError is set when the tunnel came up but the web server did not.
type StartTunnelResult struct {
	OK             bool            `json:"ok"`
	WebServer      WebServerStatus `json:"webServer"`
	WebServerError string          `json:"webServerError,omitempty"`
}

type StartWebServerResult struct {
	OK   bool `json:"ok"`
	Port int  `json:"port"`
}

// UserConfig mirrors the daemon's user configuration.
type UserConfig struct {
	BackendURL             string `json:"backendURL"`
	TunnelName             string `json:"tunnelName"`
	ManualToken            string `json:"manualToken,omitempty"`
	RefreshIntervalSeconds int    `json:"refreshIntervalSeconds"`
	AutoStart              bool   `json:"autoStart"`
	MinimizeToTray         bool   `json:"minimizeToTray"`
	WebServerPort          int    `json:"webServerPort"`
}

// Event is one lifecycle history entry.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Process    string    `json:"process"`
	PID        int       `json:"pid"`
	OccurredAt time.Time `json:"occurred_at"`
	Detail     string    `json:"detail,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

type lastErrorResponse struct {
	Error string `json:"error,omitempty"`
}
