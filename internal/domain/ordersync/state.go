package ordersync

// State is a step of the per-job state machine.
type State int

const (
	StateReceived State = iota
	StateValidating
	StateAllocating
	StateTransforming
	StateReplicating
	StateAggregating
	StateCompleted
	StateAborted
)

var stateNames = [...]string{
	StateReceived:     "received",
	StateValidating:   "validating",
	StateAllocating:   "allocating",
	StateTransforming: "transforming",
	StateReplicating:  "replicating",
	StateAggregating:  "aggregating",
	StateCompleted:    "completed",
	StateAborted:      "aborted",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// next lists the allowed transitions.
var next = map[State][]State{
	StateReceived:     {StateValidating, StateAborted},
	StateValidating:   {StateAllocating, StateAborted},
	StateAllocating:   {StateTransforming, StateAborted},
	StateTransforming: {StateReplicating},
	StateReplicating:  {StateAggregating},
	StateAggregating:  {StateCompleted},
}

// CanTransition reports whether the machine may move from s to to.
func (s State) CanTransition(to State) bool {
	for _, n := range next[s] {
		if n == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}
