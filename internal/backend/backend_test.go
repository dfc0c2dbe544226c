package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/tunnelkeeper/internal/errdefs"
)

func TestFetchTokenOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/token", r.URL.Path)
		assert.Equal(t, http.MethodGet, r.Method)
		_ = json.NewEncoder(w).Encode(TokenResponse{Token: "eyJ0b2tlbiI6MX0", ExpiresAt: time.Now().Add(time.Hour)})
	}))
	defer srv.Close()

	c := New(Config{Timeout: time.Second})
	tok, err := c.FetchToken(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, "eyJ0b2tlbiI6MX0", tok)
}

func TestFetchTokenFailuresWrapTokenFetch(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusUnauthorized)
		},
		"garbage": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("<html>"))
		},
		"empty": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"token":"  "}`))
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(h)
			defer srv.Close()
			_, err := New(Config{}).FetchToken(context.Background(), srv.URL)
			require.Error(t, err)
			assert.ErrorIs(t, err, errdefs.ErrTokenFetch)
		})
	}
}

func TestFetchTokenUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(Config{Timeout: time.Second}).FetchToken(context.Background(), url)
	assert.ErrorIs(t, err, errdefs.ErrTokenFetch)
	assert.Equal(t, errdefs.CodeTokenFetch, errdefs.Code(err))
}

func TestReportStatus(t *testing.T) {
	var got StatusReport
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/custom/status", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(Config{StatusPath: "custom/status"})
	err := c.ReportStatus(context.Background(), srv.URL, StatusReport{TunnelName: "t", TunnelRunning: true, WebServerPort: 8080})
	require.NoError(t, err)
	assert.Equal(t, "t", got.TunnelName)
	assert.True(t, got.TunnelRunning)
	assert.Equal(t, 8080, got.WebServerPort)
}

func TestReportStatusRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	err := New(Config{}).ReportStatus(context.Background(), srv.URL, StatusReport{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

type recordingSender struct {
	mu      sync.Mutex
	reports []StatusReport
	urls    []string
}

func (s *recordingSender) ReportStatus(_ context.Context, url string, r StatusReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.urls = append(s.urls, url)
	s.reports = append(s.reports, r)
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}

func TestReporterReportNow(t *testing.T) {
	rec := &recordingSender{}
	r := NewReporter(rec, func() (string, StatusReport, bool) {
		return "http://backend", StatusReport{TunnelName: "x"}, true
	}, nil)
	require.NoError(t, r.ReportNow(context.Background()))
	require.Equal(t, 1, rec.count())
	assert.Equal(t, "http://backend", rec.urls[0])
	assert.False(t, rec.reports[0].ReportedAt.IsZero())
}

func TestReporterSkipsWhenSnapshotDeclines(t *testing.T) {
	rec := &recordingSender{}
	r := NewReporter(rec, func() (string, StatusReport, bool) { return "", StatusReport{}, false }, nil)
	require.NoError(t, r.ReportNow(context.Background()))
	assert.Equal(t, 0, rec.count())
}

func TestReporterScheduleRescheduleStop(t *testing.T) {
	rec := &recordingSender{}
	var calls atomic.Int32
	r := NewReporter(rec, func() (string, StatusReport, bool) {
		calls.Add(1)
		return "http://backend", StatusReport{}, true
	}, nil)

	assert.Equal(t, time.Duration(0), r.Interval())
	require.Error(t, r.Start(0))
	require.NoError(t, r.Start(time.Second))
	assert.Error(t, r.Start(time.Second))
	assert.Equal(t, time.Second, r.Interval())

	require.Eventually(t, func() bool { return rec.count() >= 1 }, 4*time.Second, 50*time.Millisecond)

	require.NoError(t, r.Reschedule(time.Hour))
	assert.Equal(t, time.Hour, r.Interval())

	r.Stop()
	r.Stop()
	assert.Equal(t, time.Duration(0), r.Interval())
	n := calls.Load()
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, n, calls.Load())
}
