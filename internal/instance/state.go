package instance

// State is the lifecycle state of an Instance.
//
//	Uninstantiated -> Instantiating -> Ready -> Trapped -> (Reset) -> Ready
//	                                     \----------\--> Closed
type State int32

const (
	Uninstantiated State = iota
	Instantiating
	Ready
	// Trapped is sticky: every call fails until Reset.
	Trapped
	// Closed is terminal.
	Closed
)

func (s State) String() string {
	switch s {
	case Uninstantiated:
		return "uninstantiated"
	case Instantiating:
		return "instantiating"
	case Ready:
		return "ready"
	case Trapped:
		return "trapped"
	case Closed:
		return "closed"
	}
	return "unknown"
}
