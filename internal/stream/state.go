package stream

// State is the lifecycle state of the managed connection.
type State int

const (
	Closed State = iota
	Connecting
	Open
	Closing
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// Status is an observable copy of the manager state.
type Status struct {
	State    State
	Epoch    uint64
	Capacity int
	// Attempts counts consecutive failed opens since the last successful one.
	Attempts int
	Frames   uint64
	Dropped  uint64
	// LastError is the most recent connection or parse failure, nil once a
	// connection opens again.
	LastError error
}
