package process

import "time"

// State is the lifecycle state of a supervised process.
type State int32

const (
	StateNotStarted State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Active reports whether the process is expected to be up.
func (s State) Active() bool { return s == StateStarting || s == StateRunning }

// Terminal reports whether the process has exited and been reaped.
func (s State) Terminal() bool { return s == StateStopped || s == StateFailed }

// Status is a point-in-time copy of a Handle.
type Status struct {
	Name      string    `json:"name"`
	PID       int       `json:"pid"`
	State     string    `json:"state"`
	Alive     bool      `json:"alive"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
	ExitCode  int       `json:"exit_code"`
	LastError string    `json:"last_error,omitempty"`
}
