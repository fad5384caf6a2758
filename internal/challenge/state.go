package challenge

// State is a state of the result-access challenge.
type State int

const (
	// StateIdle: nothing loaded yet.
	StateIdle State = iota
	// StateAwaitingRequest: the result resolved; the user may request a code.
	StateAwaitingRequest
	// StateCodeSent: a code was issued; the user may submit it or resend after the cooldown.
	StateCodeSent
	// StateVerifying: a submitted code is being checked by the server.
	StateVerifying
	// StateSuccess: the code was accepted. The only state in which the PDF may be fetched.
	StateSuccess
	// StateNoContact: the server has no contact to send a code to. Terminal.
	StateNoContact
	// StateCodeRejected: the server rejected the code. Transient; the controller moves on to StateCodeSent.
	StateCodeRejected
	// StateNotFound: the result id does not resolve. Terminal.
	StateNotFound
)

var stateNames = [...]string{
	StateIdle:            "IDLE",
	StateAwaitingRequest: "AWAITING_REQUEST",
	StateCodeSent:        "CODE_SENT",
	StateVerifying:       "VERIFYING",
	StateSuccess:         "SUCCESS",
	StateNoContact:       "NO_CONTACT",
	StateCodeRejected:    "CODE_REJECTED",
	StateNotFound:        "NOT_FOUND",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// Terminal reports whether no action can leave s.
func (s State) Terminal() bool {
	return s == StateNoContact || s == StateNotFound || s == StateSuccess
}
