package detector

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

// fakeLines is a minimal LineSource.
type fakeLines struct {
	mu    sync.Mutex
	lines []string
}

func (f *fakeLines) add(l string) {
	f.mu.Lock()
	f.lines = append(f.lines, l)
	f.mu.Unlock()
}

func (f *fakeLines) Since(c uint64) ([]string, uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := uint64(len(f.lines))
	if c >= n {
		return nil, n
	}
	return append([]string(nil), f.lines[c:]...), n
}

func TestLogPatternMatchesOnlyNewLines(t *testing.T) {
	src := &fakeLines{}
	d := NewLogPattern(regexp.MustCompile(`Registered tunnel connection`), src)

	ok, err := d.Ready()
	require.NoError(t, err)
	assert.False(t, ok)

	src.add("INF Starting tunnel")
	ok, _ = d.Ready()
	assert.False(t, ok)

	src.add("INF Registered tunnel connection connIndex=0")
	ok, _ = d.Ready()
	assert.True(t, ok)
	// latched
	ok, _ = d.Ready()
	assert.True(t, ok)
	assert.Equal(t, "log:Registered tunnel connection", d.Describe())
}

func TestHTTPHealth(t *testing.T) {
	var healthy bool
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := HTTPHealth{URL: srv.URL + "/health"}
	ok, err := d.Ready()
	require.NoError(t, err)
	assert.False(t, ok)

	mu.Lock()
	healthy = true
	mu.Unlock()
	ok, err = d.Ready()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHTTPHealthConnectionRefusedIsNotReady(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	ok, err := HTTPHealth{URL: url, Timeout: 200 * time.Millisecond}.Ready()
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestDelay(t *testing.T) {
	d := &Delay{Duration: 30 * time.Millisecond}
	ok, _ := d.Ready()
	assert.False(t, ok)
	time.Sleep(40 * time.Millisecond)
	ok, _ = d.Ready()
	assert.True(t, ok)
}

func TestCommandDetector(t *testing.T) {
	requireUnix(t)
	ok, err := CommandDetector{Command: "true"}.Ready()
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = CommandDetector{Command: "sh -c 'exit 3'"}.Ready()
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = CommandDetector{Command: "  "}.Ready()
	assert.Error(t, err)

	_, err = CommandDetector{Command: "/definitely/missing/binary"}.Ready()
	assert.Error(t, err)
	assert.Equal(t, "cmd:true", CommandDetector{Command: "true"}.Describe())
}

func TestPIDFileDetector(t *testing.T) {
	dir := t.TempDir()
	pf := filepath.Join(dir, "tunnel.pid")
	d := PIDFileDetector{PIDFile: pf}

	ok, err := d.Ready()
	require.NoError(t, err)
	assert.False(t, ok, "missing file is not ready")

	require.NoError(t, os.WriteFile(pf, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o600))
	ok, err = d.Ready()
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, os.WriteFile(pf, []byte("garbage"), 0o600))
	_, err = d.Ready()
	assert.Error(t, err)
}

func TestAny(t *testing.T) {
	a := Any{&Delay{Duration: time.Hour}, &Delay{Duration: 0}}
	ok, err := a.Ready()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "any(delay:1h0m0s,delay:0s)", a.Describe())

	ok, err = Any{CommandDetector{}}.Ready()
	assert.Error(t, err)
	assert.False(t, ok)
}
