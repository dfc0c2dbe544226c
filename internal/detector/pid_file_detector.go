package detector

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// PIDFileDetector is ready once PIDFile holds the pid of a live process.
// cloudflared writes its pidfile only after the first successful connection,
// which makes this a precise readiness signal for tunnels.
type PIDFileDetector struct {
	PIDFile string
}

func (d PIDFileDetector) Ready() (bool, error) {
	data, err := os.ReadFile(d.PIDFile)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	first, _, _ := strings.Cut(strings.TrimSpace(string(data)), "\n")
	if first == "" {
		// still being written
		return false, nil
	}
	pid, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil || pid <= 0 {
		return false, fmt.Errorf("invalid pid in %s: %q", d.PIDFile, first)
	}
	ok, err := gopsproc.PidExists(int32(pid))
	if err != nil {
		return false, nil
	}
	return ok, nil
}

func (d PIDFileDetector) Describe() string { return "pidfile:" + d.PIDFile }
