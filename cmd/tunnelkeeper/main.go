package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/tunnelkeeper"
	"github.com/loykin/tunnelkeeper/internal/logger"
	"github.com/loykin/tunnelkeeper/internal/webserver"
)

const shutdownTimeout = 30 * time.Second

func main() {
	root := buildRoot(os.Stdout)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot assembles the command tree; output goes to out.
func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	cmd := command{out: out}

	root := createRootCommand(globalFlags)
	root.SetOut(out)
	root.AddCommand(
		createServeCommand(globalFlags, out),
		createSiteCommand(),
		createTunnelCommand(cmd),
		createWebCommand(cmd),
		createStopAllCommand(cmd),
		createConfigCommand(cmd),
		createHistoryCommand(cmd),
		createReportCommand(cmd),
		createBinaryCommand(globalFlags, out),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "tunnelkeeper",
		Short: "Keep a Cloudflare tunnel and its local web server running together",
		Long: `Tunnelkeeper supervises a cloudflared tunnel and the local web server it
exposes. The two are started and stopped as a pair: when one goes down the
other is stopped too.

Examples:
  tunnelkeeper serve                       # Start the daemon
  tunnelkeeper tunnel start --token=...    # Start tunnel (and web server)
  tunnelkeeper tunnel status --watch
  tunnelkeeper stop-all`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "daemon API URL (default "+defaultAPIUrl+")")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 30*time.Second, "request timeout")
	cmd.Flags().BoolVar(&f.Insecure, "insecure", false, "skip TLS verification")
}

func createServeCommand(globalFlags *GlobalFlags, out io.Writer) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the tunnelkeeper daemon",
		Long: `Start the daemon that owns the tunnel and web server processes and
serves the control API.

Examples:
  tunnelkeeper serve
  tunnelkeeper serve config.toml
  tunnelkeeper serve --daemonize --pidfile=/tmp/tk.pid --logfile=/tmp/tk.log`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := globalFlags.ConfigPath
			if len(args) > 0 {
				configPath = args[0]
			}
			return runServeCommand(cmd.Context(), configPath, serveFlags, out)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write daemon PID to file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon logs to file")
	cmd.Flags().StringVar(&serveFlags.Listen, "listen", "", "override server.listen")
	return cmd
}

func runServeCommand(ctx context.Context, configPath string, flags *ServeFlags, out io.Writer) error {
	cfg, err := tunnelkeeper.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if flags.PidFile == "" {
		flags.PidFile = cfg.Server.PIDFile
	}
	if flags.LogFile == "" {
		flags.LogFile = cfg.Server.LogFile
	}
	if flags.Daemonize {
		return daemonize(flags.PidFile, flags.LogFile, out)
	}
	if flags.Listen != "" {
		cfg.Server.Listen = flags.Listen
	}

	var w io.Writer = os.Stderr
	if flags.LogFile != "" {
		cfg.Log.Path = flags.LogFile
		w = nil
	}
	log, closer := logger.New(cfg.Log, w)
	defer func() { _ = closer.Close() }()

	if flags.PidFile != "" {
		if err := writePidFile(flags.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("write pid file: %w", err)
		}
		defer func() { _ = removePidFile(flags.PidFile) }()
	}

	d, err := tunnelkeeper.NewDaemon(cfg, tunnelkeeper.DaemonOptions{Logger: log})
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := d.Start(ctx); err != nil {
		_ = d.Shutdown(context.Background())
		return err
	}
	log.Info("tunnelkeeper started", "api", d.Addr(), "config", d.Store().Path())

	<-ctx.Done()
	log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return d.Shutdown(sctx)
}

func createSiteCommand() *cobra.Command {
	f := &SiteFlags{}
	cmd := &cobra.Command{
		Use:    "site",
		Short:  "Serve the built-in local site (run by the daemon)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return tunnelkeeper.RunSite(ctx, f.Host, f.Port, nil)
		},
	}
	cmd.Flags().StringVar(&f.Host, "host", webserver.DefaultHost, "listen host")
	cmd.Flags().IntVar(&f.Port, "port", 0, "listen port (required)")
	if err := cmd.MarkFlagRequired("port"); err != nil {
		panic(err)
	}
	return cmd
}

func createTunnelCommand(c command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tunnel",
		Short: "Control the tunnel",
	}

	startFlags := &TunnelStartFlags{}
	start := &cobra.Command{
		Use:   "start",
		Short: "Start the tunnel and, if needed, the web server",
		Long: `Start the tunnel. The token comes from --token, then the stored manual
token, then the backend. The web server is started on the configured port
when it is not already running.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.TunnelStart(cmd.Context(), *startFlags)
		},
	}
	start.Flags().StringVar(&startFlags.ManualToken, "token", "", "tunnel token (overrides stored and backend tokens)")
	addAPIFlags(start, &startFlags.API)

	stopFlags := &APIFlags{}
	stop := &cobra.Command{
		Use:   "stop",
		Short: "Stop the tunnel only",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.TunnelStop(cmd.Context(), *stopFlags)
		},
	}
	addAPIFlags(stop, stopFlags)

	statusFlags := &StatusFlags{}
	status := &cobra.Command{
		Use:   "status",
		Short: "Show tunnel status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.TunnelStatus(cmd.Context(), *statusFlags)
		},
	}
	addStatusFlags(status, statusFlags)

	lastFlags := &APIFlags{}
	last := &cobra.Command{
		Use:   "last-error",
		Short: "Print and clear the last tunnel failure",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.TunnelLastError(cmd.Context(), *lastFlags)
		},
	}
	addAPIFlags(last, lastFlags)

	cmd.AddCommand(start, stop, status, last)
	return cmd
}

func addStatusFlags(cmd *cobra.Command, f *StatusFlags) {
	cmd.Flags().BoolVar(&f.Watch, "watch", false, "poll continuously")
	cmd.Flags().DurationVar(&f.Interval, "interval", 2*time.Second, "watch interval")
	cmd.Flags().IntVar(&f.Count, "count", 0, "stop watching after N polls (0 = forever)")
	addAPIFlags(cmd, &f.API)
}

func createWebCommand(c command) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "web",
		Aliases: []string{"webserver"},
		Short:   "Control the local web server",
	}

	startFlags := &WebStartFlags{}
	start := &cobra.Command{
		Use:   "start",
		Short: "Start the web server",
		Long: `Start the local web server. Without --port the configured port is used;
--port=0 picks a free one.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			startFlags.PortSet = cmd.Flags().Changed("port")
			return c.WebStart(cmd.Context(), *startFlags)
		},
	}
	start.Flags().IntVar(&startFlags.Port, "port", 0, "listen port")
	addAPIFlags(start, &startFlags.API)

	stopFlags := &APIFlags{}
	stop := &cobra.Command{
		Use:   "stop",
		Short: "Stop the web server only",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.WebStop(cmd.Context(), *stopFlags)
		},
	}
	addAPIFlags(stop, stopFlags)

	statusFlags := &StatusFlags{}
	status := &cobra.Command{
		Use:   "status",
		Short: "Show web server status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.WebStatus(cmd.Context(), *statusFlags)
		},
	}
	addStatusFlags(status, statusFlags)

	cmd.AddCommand(start, stop, status)
	return cmd
}

func createStopAllCommand(c command) *cobra.Command {
	f := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "stop-all",
		Short: "Stop the tunnel, then the web server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.StopAll(cmd.Context(), *f)
		},
	}
	addAPIFlags(cmd, f)
	return cmd
}

func createConfigCommand(c command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read or change the user configuration",
	}

	getFlags := &APIFlags{}
	get := &cobra.Command{
		Use:   "get",
		Short: "Print the current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.ConfigGet(cmd.Context(), *getFlags)
		},
	}
	addAPIFlags(get, getFlags)

	setFlags := &ConfigSetFlags{}
	var (
		backendURL, tunnelName, manualToken string
		refresh, port                       int
		autoStart, tray                     bool
	)
	set := &cobra.Command{
		Use:   "set",
		Short: "Change configuration fields",
		Long: `Change one or more fields; unspecified fields keep their value.

Examples:
  tunnelkeeper config set --tunnel-name=demo --refresh-interval=120
  tunnelkeeper config set --auto-start=true --web-port=0`,
		RunE: func(cmd *cobra.Command, args []string) error {
			fl := cmd.Flags()
			if fl.Changed("backend-url") {
				setFlags.BackendURL = &backendURL
			}
			if fl.Changed("tunnel-name") {
				setFlags.TunnelName = &tunnelName
			}
			if fl.Changed("manual-token") {
				setFlags.ManualToken = &manualToken
			}
			if fl.Changed("refresh-interval") {
				setFlags.RefreshInterval = &refresh
			}
			if fl.Changed("auto-start") {
				setFlags.AutoStart = &autoStart
			}
			if fl.Changed("minimize-to-tray") {
				setFlags.MinimizeToTray = &tray
			}
			if fl.Changed("web-port") {
				setFlags.WebServerPort = &port
			}
			return c.ConfigSet(cmd.Context(), *setFlags)
		},
	}
	set.Flags().StringVar(&backendURL, "backend-url", "", "backend base URL")
	set.Flags().StringVar(&tunnelName, "tunnel-name", "", "tunnel name")
	set.Flags().StringVar(&manualToken, "manual-token", "", "stored tunnel token (empty clears it)")
	set.Flags().IntVar(&refresh, "refresh-interval", 0, "status report interval in seconds (clamped to 60-3600)")
	set.Flags().BoolVar(&autoStart, "auto-start", false, "start the tunnel when the daemon starts")
	set.Flags().BoolVar(&tray, "minimize-to-tray", false, "desktop shell preference")
	set.Flags().IntVar(&port, "web-port", 0, "web server port (0 = ephemeral)")
	addAPIFlags(set, &setFlags.API)

	cmd.AddCommand(get, set)
	return cmd
}

func createHistoryCommand(c command) *cobra.Command {
	f := &HistoryFlags{}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent lifecycle events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.History(cmd.Context(), *f)
		},
	}
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "number of events")
	addAPIFlags(cmd, &f.API)
	return cmd
}

func createReportCommand(c command) *cobra.Command {
	f := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Send a status report to the backend now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Report(cmd.Context(), *f)
		},
	}
	addAPIFlags(cmd, f)
	return cmd
}

func createBinaryCommand(globalFlags *GlobalFlags, out io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "binary",
		Short: "Manage the cloudflared binary",
	}
	path := &cobra.Command{
		Use:   "path",
		Short: "Resolve (and download if allowed) the tunnel binary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBinaryPath(cmd.Context(), globalFlags.ConfigPath, out)
		},
	}
	update := &cobra.Command{
		Use:   "update",
		Short: "Download the latest release into the cache when newer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBinaryUpdate(cmd.Context(), globalFlags.ConfigPath, out)
		},
	}
	cmd.AddCommand(path, update)
	return cmd
}

func runBinaryPath(ctx context.Context, configPath string, out io.Writer) error {
	cfg, err := tunnelkeeper.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	p, err := tunnelkeeper.NewBinaryResolver(cfg.Tunnel, nil).Resolve(ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(out, p)
	return nil
}

func runBinaryUpdate(ctx context.Context, configPath string, out io.Writer) error {
	cfg, err := tunnelkeeper.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	p, updated, err := tunnelkeeper.NewBinaryResolver(cfg.Tunnel, nil).Update(ctx)
	if err != nil {
		return err
	}
	if updated {
		_, _ = fmt.Fprintf(out, "updated %s\n", p)
	} else {
		_, _ = fmt.Fprintf(out, "%s is up to date\n", p)
	}
	return nil
}
