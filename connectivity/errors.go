package connectivity

import "errors"

// Failure kinds. A failed Call returns a *CallError whose Kind is one of
// these, so callers test with errors.Is.
var (
	ErrNotRoutable     = errors.New("service not routable")
	ErrNoTransport     = errors.New("no transport for strategy")
	ErrTransportFailed = errors.New("transport could not be built")
	ErrTimeout         = errors.New("call timed out")
	ErrCircuitOpen     = errors.New("circuit open")
	ErrPanicked        = errors.New("handler panicked")
)

// CallError describes why a service could not be reached.
type CallError struct {
	Service string
	Kind    error
	// Detail names the strategy or endpoint involved, when known.
	Detail string
	Err    error
}

func (e *CallError) Error() string {
	msg := "connectivity: " + e.Service + ": " + e.Kind.Error()
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CallError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func callError(service string, kind error, detail string, cause error) *CallError {
	return &CallError{Service: service, Kind: kind, Detail: detail, Err: cause}
}
