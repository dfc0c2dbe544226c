package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/tunnelkeeper/internal/logger"
)

// Config is the daemon settings file (TOML). It is separate from the
// user-facing config.json owned by the store package.
type Config struct {
	StateDir string   `mapstructure:"state_dir"`
	UseOSEnv bool     `mapstructure:"use_os_env"`
	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`

	Log       logger.Config   `mapstructure:"log"`
	Server    ServerConfig    `mapstructure:"server"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	History   HistoryConfig   `mapstructure:"history"`
	Backend   BackendConfig   `mapstructure:"backend"`
	Tunnel    TunnelConfig    `mapstructure:"tunnel"`
	WebServer WebServerConfig `mapstructure:"webserver"`
}

type ServerConfig struct {
	Listen   string    `mapstructure:"listen"`
	BasePath string    `mapstructure:"base_path"`
	TLS      TLSConfig `mapstructure:"tls"`
	// PIDFile and LogFile are used by serve --daemonize.
	PIDFile string `mapstructure:"pidfile"`
	LogFile string `mapstructure:"logfile"`
}

// TLSConfig enables HTTPS on the control API.
type TLSConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	CertFile   string   `mapstructure:"cert_file"`
	KeyFile    string   `mapstructure:"key_file"`
	Dir        string   `mapstructure:"dir"`
	AutoGen    bool     `mapstructure:"auto_generate"`
	CommonName string   `mapstructure:"common_name"`
	DNSNames   []string `mapstructure:"dns_names"`
	IPAddrs    []string `mapstructure:"ip_addresses"`
	ValidDays  int      `mapstructure:"valid_days"`
}

type MetricsConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

// HistoryConfig lists lifecycle event sinks by DSN
// (sqlite://, postgres://, clickhouse://).
type HistoryConfig struct {
	Sinks []string `mapstructure:"sinks"`
}

type BackendConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	TokenPath    string        `mapstructure:"token_path"`
	StatusPath   string        `mapstructure:"status_path"`
	ReportStatus bool          `mapstructure:"report_status"`
}

// TunnelConfig describes how the tunnel client is launched.
// Args and Env accept {token}, {name} and {pidfile} placeholders.
type TunnelConfig struct {
	Binary       string            `mapstructure:"binary"`
	Args         []string          `mapstructure:"args"`
	Env          []string          `mapstructure:"env"`
	WorkDir      string            `mapstructure:"work_dir"`
	ReadyPattern string            `mapstructure:"ready_pattern"`
	URLPattern   string            `mapstructure:"url_pattern"`
	PIDFile      string            `mapstructure:"pid_file"`
	ReadyCommand string            `mapstructure:"ready_command"`
	ReadyTimeout time.Duration     `mapstructure:"ready_timeout"`
	StartGrace   time.Duration     `mapstructure:"start_grace"`
	StopGrace    time.Duration     `mapstructure:"stop_grace"`
	LogCapacity  int               `mapstructure:"log_capacity"`
	AutoDownload bool              `mapstructure:"auto_download"`
	CacheDir     string            `mapstructure:"cache_dir"`
	Log          logger.FileConfig `mapstructure:"log"`
}

// WebServerConfig describes the local web server child. An empty Command
// re-executes the daemon binary with Args (the built-in site).
type WebServerConfig struct {
	Command      string            `mapstructure:"command"`
	Args         []string          `mapstructure:"args"`
	Env          []string          `mapstructure:"env"`
	HealthPath   string            `mapstructure:"health_path"`
	ReadyTimeout time.Duration     `mapstructure:"ready_timeout"`
	StopGrace    time.Duration     `mapstructure:"stop_grace"`
	LogCapacity  int               `mapstructure:"log_capacity"`
	Log          logger.FileConfig `mapstructure:"log"`
}

const (
	DefaultListen       = "127.0.0.1:7391"
	DefaultBasePath     = "/api"
	DefaultReadyPattern = `Registered tunnel connection|https://\S+\.trycloudflare\.com`
	DefaultURLPattern   = `https://\S*(?:trycloudflare|cloudflare)\.com\S*`
)

// Default returns the settings used when no file is given.
func Default() Config {
	return Config{
		UseOSEnv: true,
		Log:      logger.Config{Level: "info", Format: logger.FormatText, Time: true},
		Server:   ServerConfig{Listen: DefaultListen, BasePath: DefaultBasePath},
		Metrics:  MetricsConfig{Enabled: true, SampleInterval: 5 * time.Second},
		Backend: BackendConfig{
			Timeout:    30 * time.Second,
			TokenPath:  "/api/token",
			StatusPath: "/api/status",
		},
		Tunnel: TunnelConfig{
			Binary:       "cloudflared",
			Args:         []string{"tunnel", "--no-autoupdate", "run"},
			Env:          []string{"TUNNEL_TOKEN={token}"},
			ReadyPattern: DefaultReadyPattern,
			URLPattern:   DefaultURLPattern,
			ReadyTimeout: 30 * time.Second,
			StartGrace:   2 * time.Second,
			StopGrace:    5 * time.Second,
			LogCapacity:  200,
			AutoDownload: true,
		},
		WebServer: WebServerConfig{
			Args:         []string{"site", "--port", "{port}"},
			HealthPath:   "/health",
			ReadyTimeout: 10 * time.Second,
			StopGrace:    5 * time.Second,
			LogCapacity:  200,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("use_os_env", d.UseOSEnv)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.time", d.Log.Time)
	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.base_path", d.Server.BasePath)
	v.SetDefault("server.tls.valid_days", 365)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.sample_interval", d.Metrics.SampleInterval)
	v.SetDefault("backend.timeout", d.Backend.Timeout)
	v.SetDefault("backend.token_path", d.Backend.TokenPath)
	v.SetDefault("backend.status_path", d.Backend.StatusPath)
	v.SetDefault("tunnel.binary", d.Tunnel.Binary)
	v.SetDefault("tunnel.args", d.Tunnel.Args)
	v.SetDefault("tunnel.env", d.Tunnel.Env)
	v.SetDefault("tunnel.ready_pattern", d.Tunnel.ReadyPattern)
	v.SetDefault("tunnel.url_pattern", d.Tunnel.URLPattern)
	v.SetDefault("tunnel.ready_timeout", d.Tunnel.ReadyTimeout)
	v.SetDefault("tunnel.start_grace", d.Tunnel.StartGrace)
	v.SetDefault("tunnel.stop_grace", d.Tunnel.StopGrace)
	v.SetDefault("tunnel.log_capacity", d.Tunnel.LogCapacity)
	v.SetDefault("tunnel.auto_download", d.Tunnel.AutoDownload)
	v.SetDefault("webserver.args", d.WebServer.Args)
	v.SetDefault("webserver.health_path", d.WebServer.HealthPath)
	v.SetDefault("webserver.ready_timeout", d.WebServer.ReadyTimeout)
	v.SetDefault("webserver.stop_grace", d.WebServer.StopGrace)
	v.SetDefault("webserver.log_capacity", d.WebServer.LogCapacity)
}

// Load reads the TOML settings at path. An empty path returns Default().
// Relative paths inside the file resolve against the file's directory.
func Load(path string) (*Config, error) {
	if path == "" {
		d := Default()
		return &d, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	c.resolvePaths(filepath.Dir(path))
	return &c, nil
}

func (c *Config) validate() error {
	if c.Tunnel.Binary == "" {
		return fmt.Errorf("tunnel.binary is required")
	}
	if c.Tunnel.LogCapacity < 0 || c.WebServer.LogCapacity < 0 {
		return fmt.Errorf("log_capacity must not be negative")
	}
	if c.Tunnel.ReadyTimeout <= 0 || c.WebServer.ReadyTimeout <= 0 {
		return fmt.Errorf("ready_timeout must be positive")
	}
	if c.Server.TLS.Enabled && !c.Server.TLS.AutoGen && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") &&
		c.Server.TLS.Dir == "" {
		return fmt.Errorf("server.tls requires cert_file and key_file, dir, or auto_generate")
	}
	return nil
}

func (c *Config) resolvePaths(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.StateDir = abs(c.StateDir)
	c.Log.Path = abs(c.Log.Path)
	c.Server.PIDFile = abs(c.Server.PIDFile)
	c.Server.LogFile = abs(c.Server.LogFile)
	c.Server.TLS.CertFile = abs(c.Server.TLS.CertFile)
	c.Server.TLS.KeyFile = abs(c.Server.TLS.KeyFile)
	c.Server.TLS.Dir = abs(c.Server.TLS.Dir)
	c.Tunnel.CacheDir = abs(c.Tunnel.CacheDir)
	c.Tunnel.Log.Dir = abs(c.Tunnel.Log.Dir)
	c.WebServer.Log.Dir = abs(c.WebServer.Log.Dir)
	if strings.ContainsRune(c.Tunnel.Binary, filepath.Separator) {
		c.Tunnel.Binary = abs(c.Tunnel.Binary)
	}
	for i, f := range c.EnvFiles {
		c.EnvFiles[i] = abs(f)
	}
}

// GlobalEnv returns Env plus every env_files entry as KEY=VALUE pairs.
// Inline Env wins over file values.
func (c *Config) GlobalEnv() ([]string, error) {
	merged := map[string]string{}
	order := []string{}
	put := func(k, v string) {
		if _, ok := merged[k]; !ok {
			order = append(order, k)
		}
		merged[k] = v
	}
	for _, f := range c.EnvFiles {
		m, err := loadEnvFile(f)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", f, err)
		}
		for k, v := range m {
			put(k, v)
		}
	}
	for _, kv := range c.Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			put(kv[:i], kv[i+1:])
		}
	}
	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+merged[k])
	}
	return out, nil
}

// LoadEnvFile parses a dotenv-style file into KEY=VALUE pairs.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

func loadEnvFile(path string) (map[string]string, error) {
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.Trim(strings.TrimSpace(line[i+1:]), `"'`)
			m[k] = v
		}
	}
	return m, nil
}
