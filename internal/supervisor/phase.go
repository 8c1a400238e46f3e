package supervisor

// Phase is a discrete step in a browser instance's startup. Transitions
// are monotonic; the only way back is the restart action, which destroys
// the instance and registers a fresh one.
type Phase int

const (
	PhaseRegistered Phase = iota
	PhaseLaunching
	PhaseConnecting
	PhaseLoadingPage
	PhaseAuthenticating
	PhaseReady
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseRegistered:
		return "REGISTERED"
	case PhaseLaunching:
		return "LAUNCHING"
	case PhaseConnecting:
		return "CONNECTING"
	case PhaseLoadingPage:
		return "LOADING_PAGE"
	case PhaseAuthenticating:
		return "AUTHENTICATING"
	case PhaseReady:
		return "READY"
	case PhaseFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// startupPhases is the ordered path from registration to ready.
var startupPhases = []Phase{
	PhaseLaunching,
	PhaseConnecting,
	PhaseLoadingPage,
	PhaseAuthenticating,
	PhaseReady,
}
