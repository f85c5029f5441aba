package export

// State is a stage of an export run.
type State int

// Run states in order. StateFailed is terminal and reachable from any stage.
const (
	StateInit State = iota
	StateAuthenticated
	StateFetching
	StateStaged
	StateBundled
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAuthenticated:
		return "authenticated"
	case StateFetching:
		return "fetching"
	case StateStaged:
		return "staged"
	case StateBundled:
		return "bundled"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON and YAML reports.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
