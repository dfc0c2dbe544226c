package detector

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"
)

// CommandDetector runs Command and reports ready when it exits 0.
type CommandDetector struct {
	Command string
	Timeout time.Duration
}

// buildShellAwareCommand avoids a shell unless metacharacters are present.
func buildShellAwareCommand(ctx context.Context, cmdStr string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.CommandContext(ctx, "/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.CommandContext(ctx, parts[0], parts[1:]...)
}

func (d CommandDetector) Ready() (bool, error) {
	if strings.TrimSpace(d.Command) == "" {
		return false, errors.New("empty readiness command")
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := buildShellAwareCommand(ctx, d.Command).Run()
	if err == nil {
		return true, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return false, nil
	}
	return false, err
}

func (d CommandDetector) Describe() string { return "cmd:" + d.Command }
