//go:build !windows

package process

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	sysconf "github.com/tklauser/go-sysconf"
)

// procStartUnix returns the process start time in Unix seconds, or 0 when
// it cannot be determined.
func procStartUnix(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	switch runtime.GOOS {
	case "linux":
		return procStartUnixLinux(pid)
	default:
		p, err := gopsproc.NewProcess(int32(pid))
		if err != nil {
			return 0
		}
		ms, err := p.CreateTime()
		if err != nil || ms <= 0 {
			return 0
		}
		return ms / 1000
	}
}

// procStartUnixLinux derives the start time from /proc/<pid>/stat and the boot time.
func procStartUnixLinux(pid int) int64 {
	statPath := "/proc/" + strconv.Itoa(pid) + "/stat"
	b, err := os.ReadFile(statPath)
	if err != nil {
		return 0
	}
	line := string(b)
	// comm may contain spaces; fields start after the closing paren
	end := strings.LastIndex(line, ") ")
	if end == -1 {
		return 0
	}
	rest := strings.TrimSpace(line[end+2:])
	parts := strings.Fields(rest)
	// starttime is field 22 overall, index 19 after comm
	if len(parts) < 20 {
		return 0
	}
	startTicks, err := strconv.ParseInt(parts[19], 10, 64)
	if err != nil || startTicks <= 0 {
		return 0
	}

	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0
	}
	defer func() { _ = f.Close() }()
	var btime int64
	s := bufio.NewScanner(f)
	for s.Scan() {
		text := s.Text()
		if strings.HasPrefix(text, "btime ") {
			v := strings.TrimSpace(strings.TrimPrefix(text, "btime "))
			if bt, err := strconv.ParseInt(v, 10, 64); err == nil {
				btime = bt
				break
			}
		}
	}
	if btime == 0 {
		return 0
	}

	clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || clk <= 0 {
		clk = 100
	}

	return btime + startTicks/clk
}
