package process

import (
	"context"
	"slices"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// pidReuseTolerance is the allowed skew between the recorded and the observed
// start time before a pid is considered recycled.
const pidReuseTolerance = 2 // seconds

var aliveProbeTimeout = 500 * time.Millisecond

// isAlive reports whether pid is a live, non-zombie process that is still the
// one started at startUnix (0 skips the identity check).
func isAlive(pid int, startUnix int64) bool {
	if pid <= 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), aliveProbeTimeout)
	defer cancel()
	ok, err := gopsproc.PidExistsWithContext(ctx, int32(pid))
	if err != nil || !ok {
		return false
	}
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	if st, err := p.StatusWithContext(ctx); err == nil && slices.Contains(st, gopsproc.Zombie) {
		return false
	}
	if startUnix > 0 {
		if cur := procStartUnix(pid); cur > 0 && abs64(cur-startUnix) > pidReuseTolerance {
			return false
		}
	}
	return true
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
