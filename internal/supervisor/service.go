package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benaskins/cluster/internal/driver"
	"github.com/benaskins/cluster/internal/identity"
	"github.com/benaskins/cluster/internal/liveness"
	"github.com/benaskins/cluster/internal/spec"
)

const (
	// DefaultPollInterval is the delay between liveness probes after an action.
	DefaultPollInterval = 100 * time.Millisecond

	// DefaultPollAttempts is the number of probes before an action times out.
	DefaultPollAttempts = 100
)

// PollPolicy bounds the wait for a service to reach its target state.
type PollPolicy struct {
	Interval time.Duration
	Attempts int
}

func (p PollPolicy) withDefaults() PollPolicy {
	if p.Interval <= 0 {
		p.Interval = DefaultPollInterval
	}
	if p.Attempts <= 0 {
		p.Attempts = DefaultPollAttempts
	}
	return p
}

// Prober reports the liveness of one pidfile.
type Prober interface {
	Check() (liveness.State, error)
}

// Status is the observed state of a service.
type Status struct {
	Name    string `json:"name"`
	Alive   bool   `json:"alive"`
	PID     int    `json:"pid,omitempty"`
	Process string `json:"process,omitempty"`
	Pidfile string `json:"pidfile"`
}

func (st Status) String() string {
	switch {
	case st.Alive && st.Process != "":
		return fmt.Sprintf("%s: running (pid %d, %s)", st.Name, st.PID, st.Process)
	case st.Alive:
		return fmt.Sprintf("%s: running (pid %d)", st.Name, st.PID)
	case st.PID > 0:
		return fmt.Sprintf("%s: stopped (stale pid %d)", st.Name, st.PID)
	default:
		return fmt.Sprintf("%s: stopped (no pid)", st.Name)
	}
}

// Service controls one pidfile-backed service. It keeps no state between
// calls; every operation starts from a fresh probe.
type Service struct {
	desc    spec.Descriptor
	pidfile string
	probe   Prober
	ids     identity.Context
	runner  driver.Runner
	policy  PollPolicy
	environ []string
	logger  *slog.Logger
}

// Name returns the service name.
func (s *Service) Name() string {
	return s.desc.Name
}

// Pidfile returns the resolved pidfile path.
func (s *Service) Pidfile() string {
	return s.pidfile
}

// Start runs the start command unless the service is already alive, then
// waits for it to become alive. The error return is reserved for conditions
// that make liveness undeterminable; everything else is an Outcome.
func (s *Service) Start(ctx context.Context) (Outcome, error) {
	s.logger.Info("attempting to start")

	st, err := s.probe.Check()
	if err != nil {
		return Outcome{}, err
	}
	if st.Alive {
		s.logger.Info("service is already started", "pid", st.PID)
		return Outcome{Kind: AlreadySatisfied}, nil
	}

	return s.transition(ctx, s.desc.StartCommand, true, ReasonStartScript, ReasonNotStarted)
}

// Stop runs the stop command unless the service is already dead, then waits
// for it to die.
func (s *Service) Stop(ctx context.Context) (Outcome, error) {
	s.logger.Info("attempting to stop")

	st, err := s.probe.Check()
	if err != nil {
		return Outcome{}, err
	}
	if !st.Alive {
		s.logger.Info("service is already stopped")
		return Outcome{Kind: AlreadySatisfied}, nil
	}

	return s.transition(ctx, s.desc.StopCommand, false, ReasonStopScript, ReasonNotStopped)
}

// Status probes the service once.
func (s *Service) Status() (Status, error) {
	st, err := s.probe.Check()
	if err != nil {
		return Status{}, err
	}

	status := Status{
		Name:    s.desc.Name,
		Alive:   st.Alive,
		PID:     st.PID,
		Pidfile: s.pidfile,
	}
	if st.Alive {
		if name, err := liveness.ProcessName(st.PID); err == nil {
			status.Process = name
		}
	}
	return status, nil
}

func (s *Service) transition(ctx context.Context, line string, wantAlive bool, scriptReason, timeoutReason string) (Outcome, error) {
	argv, err := driver.Split(line)
	if err != nil {
		return s.fail(failed(scriptReason, err)), nil
	}
	argv, err = identity.Wrap(s.ids, s.desc.User, argv)
	if err != nil {
		return s.fail(failed(ReasonUnknownUser, err)), nil
	}

	s.logger.Debug("running command", "argv", argv)
	code, err := s.runner.Run(ctx, argv, driver.MergeEnv(s.environ, s.desc.Env))
	if err != nil {
		return s.fail(failed(scriptReason, err)), nil
	}
	if code != 0 {
		return s.fail(failed(scriptReason, fmt.Errorf("exit status %d", code))), nil
	}

	reached, err := s.await(ctx, wantAlive)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return s.fail(failed(timeoutReason, err)), nil
		}
		return Outcome{}, err
	}
	if !reached {
		return s.fail(failed(timeoutReason, nil)), nil
	}

	s.logger.Info("service reached target state", "alive", wantAlive)
	return Outcome{Kind: Succeeded}, nil
}

// await polls the probe until it reports wantAlive or the attempts run out.
func (s *Service) await(ctx context.Context, wantAlive bool) (bool, error) {
	for attempt := 1; ; attempt++ {
		st, err := s.probe.Check()
		if err != nil {
			return false, err
		}
		if st.Alive == wantAlive {
			return true, nil
		}
		if attempt >= s.policy.Attempts {
			return false, nil
		}

		timer := time.NewTimer(s.policy.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Service) fail(o Outcome) Outcome {
	s.logger.Error("action failed", "reason", o.Reason, "error", o.Err)
	return o
}
