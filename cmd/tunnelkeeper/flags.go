package main

import "time"

const defaultAPIUrl = "http://127.0.0.1:7391/api"

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// APIFlags selects the daemon a client command talks to.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
	Insecure   bool
}

type TunnelStartFlags struct {
	API         APIFlags
	ManualToken string
}

type StatusFlags struct {
	API      APIFlags
	Watch    bool
	Interval time.Duration
	// Count bounds watch iterations; 0 runs until interrupted.
	Count int
}

type WebStartFlags struct {
	API  APIFlags
	Port int
	// PortSet distinguishes --port=0 (ephemeral) from no flag (configured port).
	PortSet bool
}

// ConfigSetFlags carries only the fields the user changed.
type ConfigSetFlags struct {
	API             APIFlags
	BackendURL      *string
	TunnelName      *string
	ManualToken     *string
	RefreshInterval *int
	AutoStart       *bool
	MinimizeToTray  *bool
	WebServerPort   *int
}

type HistoryFlags struct {
	API   APIFlags
	Limit int
}

type ServeFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
	Listen    string
}

type SiteFlags struct {
	Host string
	Port int
}
