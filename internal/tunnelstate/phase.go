package tunnelstate

// Phase is the per-tunnel lifecycle phase. A tunnel that is not Idle ignores
// user toggles and is skipped by the reconciliation poller.
type Phase string

// Tunnel lifecycle phases.
const (
	PhaseIdle       Phase = "idle"
	PhaseStarting   Phase = "starting"
	PhaseStopping   Phase = "stopping"
	PhaseRecovering Phase = "recovering"
)

// allowedTransitions lists every legal phase change. A toggle that started a
// tunnel may be taken over by conflict recovery.
var allowedTransitions = map[Phase]map[Phase]struct{}{
	PhaseIdle: {
		PhaseStarting:   {},
		PhaseStopping:   {},
		PhaseRecovering: {},
	},
	PhaseStarting: {
		PhaseIdle:       {},
		PhaseRecovering: {},
	},
	PhaseStopping: {
		PhaseIdle: {},
	},
	PhaseRecovering: {
		PhaseIdle: {},
	},
}

// CanTransition reports whether from -> to is a legal phase change.
func CanTransition(from, to Phase) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}
