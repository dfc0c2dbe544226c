package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/loykin/tunnelkeeper/pkg/client"
)

// command runs client-side subcommands against the daemon API.
type command struct {
	out io.Writer
}

func (c command) client(f APIFlags) *client.Client {
	url := f.APIUrl
	if url == "" {
		url = defaultAPIUrl
	}
	return client.New(client.Config{BaseURL: url, Timeout: f.APITimeout, Insecure: f.Insecure})
}

// connect returns a client for a reachable daemon.
func (c command) connect(ctx context.Context, f APIFlags) (*client.Client, error) {
	cl := c.client(f)
	if !cl.IsReachable(ctx) {
		url := f.APIUrl
		if url == "" {
			url = defaultAPIUrl
		}
		return nil, fmt.Errorf("daemon not reachable at %s - please start daemon first with 'tunnelkeeper serve'", url)
	}
	return cl, nil
}

func (c command) printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(c.out, string(b))
}

func (c command) TunnelStart(ctx context.Context, f TunnelStartFlags) error {
	cl, err := c.connect(ctx, f.API)
	if err != nil {
		return err
	}
	res, err := cl.StartTunnel(ctx, client.StartTunnelRequest{ManualToken: f.ManualToken})
	if err != nil {
		return err
	}
	c.printJSON(res)
	return nil
}

func (c command) TunnelStop(ctx context.Context, f APIFlags) error {
	cl, err := c.connect(ctx, f)
	if err != nil {
		return err
	}
	if err := cl.StopTunnel(ctx); err != nil {
		return err
	}
	st, err := cl.TunnelStatus(ctx)
	if err != nil {
		return err
	}
	c.printJSON(st)
	return nil
}

// TunnelStatus prints the tunnel status once, or every Interval with --watch.
func (c command) TunnelStatus(ctx context.Context, f StatusFlags) error {
	cl, err := c.connect(ctx, f.API)
	if err != nil {
		return err
	}
	return c.watch(ctx, f, func() (any, error) { return cl.TunnelStatus(ctx) })
}

func (c command) TunnelLastError(ctx context.Context, f APIFlags) error {
	cl, err := c.connect(ctx, f)
	if err != nil {
		return err
	}
	msg, err := cl.LastTunnelError(ctx)
	if err != nil {
		return err
	}
	if msg == "" {
		_, _ = fmt.Fprintln(c.out, "no tunnel error")
		return nil
	}
	_, _ = fmt.Fprintln(c.out, msg)
	return nil
}

func (c command) WebStart(ctx context.Context, f WebStartFlags) error {
	cl, err := c.connect(ctx, f.API)
	if err != nil {
		return err
	}
	var req client.StartWebServerRequest
	if f.PortSet {
		port := f.Port
		req.Port = &port
	}
	port, err := cl.StartWebServer(ctx, req)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "web server starting on port %d\n", port)
	return nil
}

func (c command) WebStop(ctx context.Context, f APIFlags) error {
	cl, err := c.connect(ctx, f)
	if err != nil {
		return err
	}
	return cl.StopWebServer(ctx)
}

func (c command) WebStatus(ctx context.Context, f StatusFlags) error {
	cl, err := c.connect(ctx, f.API)
	if err != nil {
		return err
	}
	return c.watch(ctx, f, func() (any, error) { return cl.WebServerStatus(ctx) })
}

func (c command) StopAll(ctx context.Context, f APIFlags) error {
	cl, err := c.connect(ctx, f)
	if err != nil {
		return err
	}
	if err := cl.StopAll(ctx); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, "tunnel and web server stopped")
	return nil
}

func (c command) ConfigGet(ctx context.Context, f APIFlags) error {
	cl, err := c.connect(ctx, f)
	if err != nil {
		return err
	}
	cfg, err := cl.GetConfig(ctx)
	if err != nil {
		return err
	}
	c.printJSON(cfg)
	return nil
}

// ConfigSet reads the current config, applies the changed fields and writes it back.
func (c command) ConfigSet(ctx context.Context, f ConfigSetFlags) error {
	cl, err := c.connect(ctx, f.API)
	if err != nil {
		return err
	}
	cfg, err := cl.GetConfig(ctx)
	if err != nil {
		return err
	}
	changed := false
	set := func(apply func()) {
		apply()
		changed = true
	}
	if f.BackendURL != nil {
		set(func() { cfg.BackendURL = *f.BackendURL })
	}
	if f.TunnelName != nil {
		set(func() { cfg.TunnelName = *f.TunnelName })
	}
	if f.ManualToken != nil {
		set(func() { cfg.ManualToken = *f.ManualToken })
	}
	if f.RefreshInterval != nil {
		set(func() { cfg.RefreshIntervalSeconds = *f.RefreshInterval })
	}
	if f.AutoStart != nil {
		set(func() { cfg.AutoStart = *f.AutoStart })
	}
	if f.MinimizeToTray != nil {
		set(func() { cfg.MinimizeToTray = *f.MinimizeToTray })
	}
	if f.WebServerPort != nil {
		set(func() { cfg.WebServerPort = *f.WebServerPort })
	}
	if !changed {
		return errors.New("nothing to change: pass at least one field flag")
	}
	updated, err := cl.UpdateConfig(ctx, cfg)
	if err != nil {
		return err
	}
	c.printJSON(updated)
	return nil
}

func (c command) History(ctx context.Context, f HistoryFlags) error {
	cl, err := c.connect(ctx, f.API)
	if err != nil {
		return err
	}
	events, err := cl.History(ctx, f.Limit)
	if err != nil {
		return err
	}
	c.printJSON(events)
	return nil
}

func (c command) Report(ctx context.Context, f APIFlags) error {
	cl, err := c.connect(ctx, f)
	if err != nil {
		return err
	}
	if err := cl.ReportNow(ctx); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, "status reported")
	return nil
}

func (c command) watch(ctx context.Context, f StatusFlags, fetch func() (any, error)) error {
	interval := f.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	for i := 0; ; i++ {
		v, err := fetch()
		if err != nil {
			return err
		}
		c.printJSON(v)
		if !f.Watch || (f.Count > 0 && i+1 >= f.Count) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}
