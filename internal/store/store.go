package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/viper"
)

const (
	appDirName = "tunnelkeeper"
	fileName   = "config.json"

	// legacyRefreshKey is the interval key written by older desktop builds.
	legacyRefreshKey = "refreshInterval"
)

// Store loads the Config once and persists every accepted update.
// It is safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	path string
	cur  Config
	log  *slog.Logger
}

// DefaultPath returns <user config dir>/tunnelkeeper/config.json.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	return filepath.Join(dir, appDirName, fileName), nil
}

// Open loads the config at path. A missing file yields defaults; a file that
// cannot be parsed is logged and replaced by defaults on the next update.
func Open(path string, log *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("store: empty config path")
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Store{path: path, log: log.With("component", "store")}
	cfg, err := load(path)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		s.log.Info("no config file, using defaults", "path", path)
	default:
		s.log.Warn("config file unreadable, using defaults", "path", path, "error", err)
	}
	s.cur = cfg
	return s, nil
}

func load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	def := Default()
	v.SetDefault("backendURL", def.BackendURL)
	v.SetDefault("tunnelName", def.TunnelName)
	v.SetDefault("refreshIntervalSeconds", def.RefreshIntervalSeconds)
	v.SetDefault("autoStart", def.AutoStart)
	v.SetDefault("minimizeToTray", def.MinimizeToTray)
	v.SetDefault("webServerPort", def.WebServerPort)

	if _, err := os.Stat(path); err != nil {
		return def, err
	}
	if err := v.ReadInConfig(); err != nil {
		return def, err
	}
	if !v.InConfig("refreshIntervalSeconds") && v.InConfig(legacyRefreshKey) {
		v.Set("refreshIntervalSeconds", v.GetInt(legacyRefreshKey))
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return def, err
	}
	return c.Clamp(), nil
}

func (s *Store) Path() string { return s.path }

// Get returns a copy of the current config.
func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Update validates and clamps c, writes it to disk and makes it current.
// On any error the previous config stays in effect.
func (s *Store) Update(c Config) (Config, error) {
	c = c.Clamp()
	if err := c.Validate(); err != nil {
		return s.Get(), err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeAtomic(s.path, c); err != nil {
		return s.cur, fmt.Errorf("persist config: %w", err)
	}
	s.cur = c
	s.log.Info("config updated", "backendURL", c.BackendURL, "tunnelName", c.TunnelName,
		"refreshIntervalSeconds", c.RefreshIntervalSeconds, "autoStart", c.AutoStart)
	return c, nil
}

// writeAtomic replaces path with c via a temp file and rename so readers
// never observe a partial file.
func writeAtomic(path string, c Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if _, err := tmp.Write(append(b, '\n')); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
