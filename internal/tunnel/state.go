package tunnel

// State is the lifecycle of one tunnel session.
type State int

const (
	Unstarted State = iota
	PortsAllocated
	Connecting
	Established
	Degraded
	Retrying
	Terminated
	Failed
)

func (s State) String() string {
	switch s {
	case Unstarted:
		return "unstarted"
	case PortsAllocated:
		return "ports-allocated"
	case Connecting:
		return "connecting"
	case Established:
		return "established"
	case Degraded:
		return "degraded"
	case Retrying:
		return "retrying"
	case Terminated:
		return "terminated"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// running reports whether a session in state s owns a transport process or
// is in the middle of starting one.
func (s State) running() bool {
	switch s {
	case PortsAllocated, Connecting, Established, Degraded, Retrying:
		return true
	}
	return false
}
