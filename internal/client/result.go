package client

// Outcome is how a request that produced no error ended.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeSaved
	OutcomeNoReply
	OutcomeRejected
	OutcomeUnexpected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSaved:
		return "saved"
	case OutcomeNoReply:
		return "no reply"
	case OutcomeRejected:
		return "rejected"
	case OutcomeUnexpected:
		return "unexpected"
	default:
		return "none"
	}
}

// Result describes the server's answer to one save request.
type Result struct {
	Outcome Outcome
	Status  int
	Message string
	Raw     []byte // decompressed reply payload
}

// OK reports whether the server confirmed the save.
func (r Result) OK() bool {
	return r.Outcome == OutcomeSaved
}

// Err returns the reason a request was not confirmed, or nil.
func (r Result) Err() error {
	switch r.Outcome {
	case OutcomeNoReply:
		return ErrNoReply
	case OutcomeRejected:
		return &ApplicationError{Status: r.Status, Message: r.Message}
	case OutcomeUnexpected:
		return &UnexpectedResponseError{Payload: r.Raw}
	}
	return nil
}
