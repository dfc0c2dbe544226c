package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Output formats accepted by Config.Format
const (
	FormatText  = "text"
	FormatJSON  = "json"
	FormatColor = "color"
)

// FileConfig describes rotated log files.
// For child processes, when StdoutPath/StderrPath are empty and Dir is set,
// output goes to Dir/<name>.stdout.log and Dir/<name>.stderr.log.
type FileConfig struct {
	Dir        string `mapstructure:"dir" json:"dir,omitempty"`
	StdoutPath string `mapstructure:"stdout" json:"stdout,omitempty"`
	StderrPath string `mapstructure:"stderr" json:"stderr,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" json:"max_size_mb,omitempty"`
	MaxBackups int    `mapstructure:"max_backups" json:"max_backups,omitempty"`
	MaxAgeDays int    `mapstructure:"max_age_days" json:"max_age_days,omitempty"`
	Compress   bool   `mapstructure:"compress" json:"compress,omitempty"`
}

// Config configures the daemon logger and the mirror files for child output.
type Config struct {
	Level  string     `mapstructure:"level" json:"level,omitempty"`
	Format string     `mapstructure:"format" json:"format,omitempty"`
	Time   bool       `mapstructure:"time" json:"time,omitempty"`
	Path   string     `mapstructure:"path" json:"path,omitempty"` // daemon log file, rotated
	File   FileConfig `mapstructure:"file" json:"file,omitempty"`
}

// ProcessWriters returns rotated writers for a child's stdout and stderr.
// Either may be nil when neither Dir nor an explicit path is configured.
func (c Config) ProcessWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	stdout := c.File.StdoutPath
	stderr := c.File.StderrPath
	if stdout == "" && c.File.Dir != "" {
		stdout = filepath.Join(c.File.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if stderr == "" && c.File.Dir != "" {
		stderr = filepath.Join(c.File.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	if c.File.Dir != "" {
		if err := os.MkdirAll(c.File.Dir, 0o750); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
	}
	var outW, errW io.WriteCloser
	if stdout != "" {
		outW = c.File.rotated(stdout)
	}
	if stderr != "" {
		errW = c.File.rotated(stderr)
	}
	return outW, errW, nil
}

func (f FileConfig) rotated(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

// New builds the daemon logger. Output goes to w and, when Path is set, to a
// rotated file as well. The returned closer releases the file (nil-safe no-op otherwise).
func New(c Config, w io.Writer) (*slog.Logger, io.Closer) {
	var closer io.Closer = nopCloser{}
	if c.Path != "" {
		_ = os.MkdirAll(filepath.Dir(c.Path), 0o750)
		f := c.File.rotated(c.Path)
		closer = f
		if w == nil {
			w = f
		} else {
			w = io.MultiWriter(w, f)
		}
	}
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Level)}
	var h slog.Handler
	switch strings.ToLower(c.Format) {
	case FormatJSON:
		h = slog.NewJSONHandler(w, opts)
	case FormatColor:
		h = NewColorTextHandler(w, opts, c.Time)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), closer
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
