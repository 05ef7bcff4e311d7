package challenge

// Outcome is the result of verifying a challenge answer. Rejections are
// expected results, not errors. The zero value is a rejection.
type Outcome int

const (
	OutcomeInvalidChallenge Outcome = iota
	OutcomeAccepted
	OutcomeExpired
	OutcomeWrongAnswer
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeInvalidChallenge:
		return "invalid"
	case OutcomeExpired:
		return "expired"
	case OutcomeWrongAnswer:
		return "wrong_answer"
	default:
		return "unknown"
	}
}

// MessageID is the localization key of the message shown to the user.
func (o Outcome) MessageID() string {
	switch o {
	case OutcomeAccepted:
		return ""
	case OutcomeExpired:
		return "expired_challenge"
	case OutcomeWrongAnswer:
		return "wrong_answer"
	default:
		return "invalid_challenge"
	}
}

// Err converts a rejection into an *Error. It returns nil for OutcomeAccepted.
func (o Outcome) Err() error {
	if o == OutcomeAccepted {
		return nil
	}

	return NewError("verify", o.MessageID(), ErrRejected, o)
}
