package webserver

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// DefaultHost is where the site binds; the tunnel connects over loopback.
const DefaultHost = "127.0.0.1"

var statusPage = template.Must(template.New("status").Parse(`<!DOCTYPE html>
<html>
<head>
	<meta charset="utf-8">
	<title>tunnelkeeper</title>
	<style>
		body { font-family: system-ui, sans-serif; margin: 0; min-height: 100vh; display: flex;
			align-items: center; justify-content: center; background: #f4f5f7; }
		.card { background: #fff; padding: 40px; border-radius: 10px; box-shadow: 0 10px 25px rgba(0,0,0,.12); max-width: 500px; text-align: center; }
		.port { font-size: 24px; font-weight: bold; color: #3b5bdb; }
		.badge { display: inline-block; background: #2f9e44; color: #fff; padding: 6px 14px; border-radius: 16px; font-size: 14px; }
	</style>
</head>
<body>
	<div class="card">
		<h1>Web server running</h1>
		<p><strong>Port:</strong> <span class="port">{{.Port}}</span></p>
		<p>The tunnel is forwarding traffic to this server.</p>
		<p>Requested path: <code>{{.Path}}</code></p>
		<div class="badge">active</div>
	</div>
</body>
</html>
`))

type pageData struct {
	Port int
	Path string
}

// NewSite builds the echo app served by the site process: /health reports
// liveness, every other path renders the status page.
func NewSite(port int) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"status": "ok", "port": port})
	})
	page := func(c echo.Context) error {
		c.Response().Header().Set(echo.HeaderContentType, echo.MIMETextHTMLCharsetUTF8)
		c.Response().WriteHeader(http.StatusOK)
		return statusPage.Execute(c.Response(), pageData{Port: port, Path: c.Request().URL.Path})
	}
	e.GET("/", page)
	e.RouteNotFound("/*", page)
	return e
}

// RunSite serves the site on host:port until ctx is done, then shuts down
// gracefully.
func RunSite(ctx context.Context, host string, port int, log *slog.Logger) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port %d", port)
	}
	if host == "" {
		host = DefaultHost
	}
	if log == nil {
		log = slog.Default()
	}
	e := NewSite(port)
	e.Server.ReadHeaderTimeout = 10 * time.Second
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	errc := make(chan error, 1)
	go func() { errc <- e.Start(addr) }()
	log.Info("site listening", "addr", addr)

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("site shutdown: %w", err)
	}
	log.Info("site stopped", "addr", addr)
	return nil
}
