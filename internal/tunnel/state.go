package tunnel

// State is the tunnel manager's lifecycle state.
//
// Idle -> Starting -> Running -> Stopping -> Idle
// Starting|Running -> Failed -> (Stopping) -> Idle
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
	StateFailed
)

var stateNames = []string{"idle", "starting", "running", "stopping", "failed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Active reports whether a child is expected to be alive in this state.
func (s State) Active() bool { return s == StateStarting || s == StateRunning }
