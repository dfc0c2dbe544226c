//go:build windows

package process

import "os"

// Windows has no SIGTERM for console-less children; both paths terminate.
func terminateGroup(pid int) error { return killGroup(pid) }

func killGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return p.Kill()
}
