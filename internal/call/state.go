package call

type State string

const (
	StateRinging          State = "ringing"
	StateGreeting         State = "greeting"
	StateIntentCapture    State = "intent_capture"
	StateSlotNegotiation  State = "slot_negotiation"
	StateConfirmation     State = "confirmation"
	StateHandoffRequested State = "handoff_requested"
	StateHumanConnected   State = "human_connected"
	StateCompleted        State = "completed"
	StateCanceled         State = "canceled"
	StateFailed           State = "failed"
)

func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCanceled, StateFailed:
		return true
	}
	return false
}

// transitions is the complete state graph. Anything absent is a bug.
var transitions = map[State][]State{
	StateRinging:          {StateGreeting, StateCanceled, StateFailed},
	StateGreeting:         {StateIntentCapture, StateHandoffRequested, StateCanceled, StateFailed},
	StateIntentCapture:    {StateSlotNegotiation, StateHandoffRequested, StateCompleted, StateCanceled, StateFailed},
	StateSlotNegotiation:  {StateConfirmation, StateIntentCapture, StateHandoffRequested, StateCanceled, StateFailed},
	StateConfirmation:     {StateSlotNegotiation, StateIntentCapture, StateCompleted, StateHandoffRequested, StateCanceled, StateFailed},
	StateHandoffRequested: {StateHumanConnected, StateCanceled, StateFailed},
	StateHumanConnected:   {StateCompleted, StateFailed},
}

func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
