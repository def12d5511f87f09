package supervisor

import (
	"context"
	"errors"
	"fmt"
)

// Exit codes reported by the command line entry point.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 2
)

// Verb is one of the four group operations.
type Verb int

const (
	VerbStart Verb = iota + 1
	VerbStop
	VerbRestart
	VerbStatus
)

// Verbs lists every verb in usage order.
var Verbs = []Verb{VerbStart, VerbStop, VerbRestart, VerbStatus}

func (v Verb) String() string {
	switch v {
	case VerbStart:
		return "start"
	case VerbStop:
		return "stop"
	case VerbRestart:
		return "restart"
	case VerbStatus:
		return "status"
	default:
		return fmt.Sprintf("verb(%d)", int(v))
	}
}

func (v Verb) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// ParseVerb maps a command line word onto a verb.
func ParseVerb(s string) (Verb, error) {
	for _, v := range Verbs {
		if v.String() == s {
			return v, nil
		}
	}
	return 0, &UsageError{Msg: fmt.Sprintf("unknown command %q", s)}
}

// UsageError reports a malformed invocation. No service action is taken.
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string {
	return e.Msg
}

// Usage returns the one-line usage for the named program.
func Usage(prog string) string {
	return prog + " (start|stop|restart|status)"
}

// Dispatch runs the verb against the group.
func Dispatch(ctx context.Context, g *Group, v Verb) (Report, error) {
	switch v {
	case VerbStart:
		return g.Start(ctx)
	case VerbStop:
		return g.Stop(ctx)
	case VerbRestart:
		return g.Restart(ctx)
	case VerbStatus:
		return g.Status()
	default:
		return Report{}, &UsageError{Msg: fmt.Sprintf("unknown command %q", v)}
	}
}

// ExitCode maps the error returned by Dispatch onto a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var usage *UsageError
	if errors.As(err, &usage) {
		return ExitUsage
	}
	return ExitFailure
}
