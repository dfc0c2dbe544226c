package binaries

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/loykin/tunnelkeeper/internal/errdefs"
)

const (
	DefaultReleaseAPI   = "https://api.github.com/repos/cloudflare/cloudflared/releases/latest"
	DefaultDownloadBase = "https://github.com/cloudflare/cloudflared/releases/download"

	// MinBinarySize rejects truncated downloads and HTML error pages.
	MinBinarySize = 10 << 20

	versionFile = "cloudflared.version"
)

type Config struct {
	Binary       string // explicit path or a name looked up in PATH
	CacheDir     string
	AutoDownload bool
	ReleaseAPI   string
	DownloadBase string
	MinSize      int64
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// Resolver locates the tunnel client binary, downloading it into CacheDir
// when allowed.
type Resolver struct {
	mu  sync.Mutex
	cfg Config
	log *slog.Logger
}

func NewResolver(cfg Config) *Resolver {
	if cfg.Binary == "" {
		cfg.Binary = "cloudflared"
	}
	if cfg.ReleaseAPI == "" {
		cfg.ReleaseAPI = DefaultReleaseAPI
	}
	if cfg.DownloadBase == "" {
		cfg.DownloadBase = DefaultDownloadBase
	}
	if cfg.MinSize <= 0 {
		cfg.MinSize = MinBinarySize
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if cfg.CacheDir == "" {
		if dir, err := os.UserCacheDir(); err == nil {
			cfg.CacheDir = filepath.Join(dir, "tunnelkeeper")
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Resolver{cfg: cfg, log: cfg.Logger.With("component", "binaries")}
}

// CachedPath is where a downloaded binary lives.
func (r *Resolver) CachedPath() string {
	name := "cloudflared"
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return filepath.Join(r.cfg.CacheDir, name)
}

// Resolve returns a runnable binary path: the configured path, then PATH,
// then the cache, then a fresh download. Failures wrap errdefs.ErrSpawn.
func (r *Resolver) Resolve(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bin := r.cfg.Binary
	if strings.ContainsRune(bin, filepath.Separator) || strings.ContainsRune(bin, '/') {
		if _, err := os.Stat(bin); err != nil {
			return "", fmt.Errorf("tunnel binary %s: %v: %w", bin, err, errdefs.ErrSpawn)
		}
		return bin, nil
	}
	if p, err := exec.LookPath(bin); err == nil {
		return p, nil
	}
	if r.cfg.CacheDir != "" && r.valid(r.CachedPath()) {
		return r.CachedPath(), nil
	}
	if !r.cfg.AutoDownload {
		return "", fmt.Errorf("tunnel binary %q not found in PATH or cache: %w", bin, errdefs.ErrSpawn)
	}
	p, _, err := r.downloadLocked(ctx)
	if err != nil {
		return "", fmt.Errorf("download %s: %v: %w", bin, err, errdefs.ErrSpawn)
	}
	return p, nil
}

func (r *Resolver) valid(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() || info.Size() < r.cfg.MinSize {
		return false
	}
	if runtime.GOOS != "windows" && info.Mode()&0o111 == 0 {
		return os.Chmod(path, 0o755) == nil
	}
	return true
}

type release struct {
	TagName string `json:"tag_name"`
}

// Latest asks the release API for the newest tag.
func (r *Resolver) Latest(ctx context.Context) (*semver.Version, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.ReleaseAPI, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	resp, err := r.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("release API returned status %d", resp.StatusCode)
	}
	var rel release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return nil, "", fmt.Errorf("decode release: %w", err)
	}
	v, err := semver.NewVersion(rel.TagName)
	if err != nil {
		return nil, "", fmt.Errorf("release tag %q: %w", rel.TagName, err)
	}
	return v, rel.TagName, nil
}

// CachedVersion returns the version recorded for the cached binary.
func (r *Resolver) CachedVersion() (*semver.Version, error) {
	b, err := os.ReadFile(filepath.Join(r.cfg.CacheDir, versionFile))
	if err != nil {
		return nil, err
	}
	return semver.NewVersion(strings.TrimSpace(string(b)))
}

// Update downloads the latest release when it is newer than the cached one.
func (r *Resolver) Update(ctx context.Context) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	latest, _, err := r.Latest(ctx)
	if err != nil {
		return "", false, err
	}
	if cur, err := r.CachedVersion(); err == nil && r.valid(r.CachedPath()) && !latest.GreaterThan(cur) {
		r.log.Info("cached tunnel binary is current", "version", cur.Original())
		return r.CachedPath(), false, nil
	}
	p, _, err := r.downloadLocked(ctx)
	if err != nil {
		return "", false, err
	}
	return p, true, nil
}

func (r *Resolver) downloadLocked(ctx context.Context) (string, string, error) {
	if r.cfg.CacheDir == "" {
		return "", "", errors.New("no cache dir configured")
	}
	asset, packed, err := AssetName(runtime.GOOS, runtime.GOARCH)
	if err != nil {
		return "", "", err
	}
	_, tag, err := r.Latest(ctx)
	if err != nil {
		return "", "", err
	}
	if err := os.MkdirAll(r.cfg.CacheDir, 0o755); err != nil {
		return "", "", err
	}
	url := strings.TrimRight(r.cfg.DownloadBase, "/") + "/" + tag + "/" + asset
	r.log.Info("downloading tunnel binary", "url", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", err
	}
	resp, err := r.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("download returned status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(r.cfg.CacheDir, ".cloudflared-*")
	if err != nil {
		return "", "", err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	var body io.Reader = resp.Body
	if packed {
		err = extractTgz(body, tmp)
	} else {
		_, err = io.Copy(tmp, body)
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", "", err
	}
	if info, err := os.Stat(tmpName); err != nil || info.Size() < r.cfg.MinSize {
		return "", "", fmt.Errorf("downloaded binary is smaller than %d bytes", r.cfg.MinSize)
	}
	if err := os.Chmod(tmpName, 0o755); err != nil {
		return "", "", err
	}
	dst := r.CachedPath()
	if err := os.Rename(tmpName, dst); err != nil {
		return "", "", err
	}
	_ = os.WriteFile(filepath.Join(r.cfg.CacheDir, versionFile), []byte(tag+"\n"), 0o644)
	r.log.Info("tunnel binary ready", "path", dst, "version", tag)
	return dst, tag, nil
}

// AssetName maps a platform to the release asset name. packed reports a .tgz.
func AssetName(goos, goarch string) (name string, packed bool, err error) {
	switch goos {
	case "linux":
		switch goarch {
		case "amd64", "arm64", "386", "arm":
			return "cloudflared-linux-" + goarch, false, nil
		}
	case "darwin":
		switch goarch {
		case "amd64", "arm64":
			return "cloudflared-darwin-" + goarch + ".tgz", true, nil
		}
	case "windows":
		switch goarch {
		case "amd64", "386":
			return "cloudflared-windows-" + goarch + ".exe", false, nil
		}
	}
	return "", false, fmt.Errorf("no cloudflared release for %s/%s", goos, goarch)
}
