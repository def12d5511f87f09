package supervisor

import (
	"fmt"
	"strings"

	"github.com/benaskins/cluster/internal/audit"
)

// Failure reasons reported by services and groups.
const (
	ReasonStartScript = "start script reported error"
	ReasonNotStarted  = "could not start service"
	ReasonStopScript  = "stop script reported error"
	ReasonNotStopped  = "service would not shut down"
	ReasonUnknownUser = "could not resolve run-as user"
	ReasonGroupStart  = "not all services started"
	ReasonGroupStop   = "not all services shut down"
)

// Kind classifies the result of a start or stop.
type Kind int

const (
	// AlreadySatisfied means the service was already in the target state and
	// no command was run.
	AlreadySatisfied Kind = iota + 1
	// Succeeded means the command ran and the service reached the target state.
	Succeeded
	// Failed means the command reported an error or the service did not reach
	// the target state within the polling budget.
	Failed
	// Skipped means the operation was interrupted before reaching the service.
	Skipped
)

func (k Kind) String() string {
	switch k {
	case AlreadySatisfied:
		return "already_satisfied"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Skipped:
		return "skipped"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Outcome is the value returned by a single start or stop.
type Outcome struct {
	Kind   Kind   `json:"kind"`
	Reason string `json:"reason,omitempty"`
	Err    error  `json:"-"` // underlying cause of a failure, if any
}

func failed(reason string, cause error) Outcome {
	return Outcome{Kind: Failed, Reason: reason, Err: cause}
}

// Failed reports whether the outcome is a failure.
func (o Outcome) Failed() bool {
	return o.Kind == Failed
}

func (o Outcome) String() string {
	if o.Kind != Failed {
		return o.Kind.String()
	}
	if o.Err != nil {
		return fmt.Sprintf("failed: %s: %v", o.Reason, o.Err)
	}
	return "failed: " + o.Reason
}

// ServiceResult pairs an outcome with the service and action that produced it.
type ServiceResult struct {
	Service string       `json:"service"`
	Action  audit.Action `json:"action"`
	Outcome Outcome      `json:"outcome"`
}

// ActionFailedError is the aggregate failure of a group operation. It is
// returned after every service has been attempted.
type ActionFailedError struct {
	Reason   string
	Failures []ServiceResult
}

func (e *ActionFailedError) Error() string {
	if len(e.Failures) == 0 {
		return e.Reason
	}
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s (%s)", f.Service, f.Outcome.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, strings.Join(parts, ", "))
}

// Unwrap returns the underlying causes of the individual failures.
func (e *ActionFailedError) Unwrap() []error {
	var errs []error
	for _, f := range e.Failures {
		if f.Outcome.Err != nil {
			errs = append(errs, f.Outcome.Err)
		}
	}
	return errs
}
