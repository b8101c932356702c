package replication

// State is the lifecycle of the networked relay link.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

type StateSubscription struct {
	fn func(State)
}

type Handler func(Event)

type Subscription struct {
	entity Entity
	fn     Handler
}
