package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// daemonArgs drops --daemonize and re-appends the resolved pid/log files.
func daemonArgs(args []string, pidFile, logFile string) []string {
	var out []string
	skipNext := false
	for _, arg := range args {
		if skipNext {
			skipNext = false
			continue
		}
		switch {
		case arg == "--daemonize" || strings.HasPrefix(arg, "--daemonize="):
			continue
		case arg == "--pidfile" || arg == "--logfile":
			skipNext = true
			continue
		case strings.HasPrefix(arg, "--pidfile=") || strings.HasPrefix(arg, "--logfile="):
			continue
		}
		out = append(out, arg)
	}
	if pidFile != "" {
		out = append(out, "--pidfile", pidFile)
	}
	if logFile != "" {
		out = append(out, "--logfile", logFile)
	}
	return out
}

// daemonize re-executes the current binary detached from the terminal and
// exits the parent once the child is started.
func daemonize(pidFile string, logFile string, stdout io.Writer) error {
	if os.Getppid() == 1 {
		return nil
	}

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	// #nosec G204
	cmd := exec.Command(executable, daemonArgs(os.Args[1:], pidFile, logFile)...)
	configureDaemonAttrs(cmd)
	cmd.Stdin = nil

	if logFile != "" {
		// #nosec G304
		logF, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer func() { _ = logF.Close() }()
		cmd.Stdout = logF
		cmd.Stderr = logF
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon process: %w", err)
	}

	if pidFile != "" {
		if err := writePidFile(pidFile, cmd.Process.Pid); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
	}

	_, _ = fmt.Fprintf(stdout, "Daemon started with PID %d\n", cmd.Process.Pid)
	os.Exit(0)
	return nil
}

// writePidFile writes the daemon PID to a file
func writePidFile(pidFile string, pid int) error {
	// #nosec G302
	f, err := os.OpenFile(pidFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = f.WriteString(strconv.Itoa(pid))
	return err
}

// removePidFile removes the PID file
func removePidFile(pidFile string) error {
	if pidFile == "" {
		return nil
	}
	return os.Remove(pidFile)
}
