package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/benaskins/cluster/internal/audit"
	"github.com/benaskins/cluster/internal/driver"
	"github.com/benaskins/cluster/internal/identity"
	"github.com/benaskins/cluster/internal/liveness"
	"github.com/benaskins/cluster/internal/spec"
)

// Report collects what a group operation did, in the order it did it.
type Report struct {
	Verb     Verb            `json:"verb"`
	Results  []ServiceResult `json:"results,omitempty"`
	Statuses []Status        `json:"statuses,omitempty"`
}

// Group is an ordered set of services. Start runs in declaration order and
// Stop in exactly the reverse order; services are handled one at a time.
type Group struct {
	services []*Service
	audit    audit.Recorder
	ids      identity.Context
	logger   *slog.Logger

	runDir  string
	policy  PollPolicy
	runner  driver.Runner
	environ []string
	prober  func(pidfile string) Prober
}

// Option configures a group.
type Option func(*Group)

// WithRunDir sets the directory used for pidfiles that descriptors leave unset.
func WithRunDir(dir string) Option {
	return func(g *Group) {
		g.runDir = dir
	}
}

// WithPollPolicy sets how long services are polled after an action.
func WithPollPolicy(p PollPolicy) Option {
	return func(g *Group) {
		g.policy = p
	}
}

// WithIdentity sets the identity context used for run-as users.
func WithIdentity(ids identity.Context) Option {
	return func(g *Group) {
		g.ids = ids
	}
}

// WithRunner sets the runner that executes start and stop commands.
func WithRunner(r driver.Runner) Option {
	return func(g *Group) {
		g.runner = r
	}
}

// WithEnviron sets the inherited environment that descriptor env is merged into.
func WithEnviron(env []string) Option {
	return func(g *Group) {
		g.environ = env
	}
}

// WithAudit records every start and stop outcome.
func WithAudit(r audit.Recorder) Option {
	return func(g *Group) {
		g.audit = r
	}
}

// WithProber replaces the pidfile probe.
func WithProber(newProber func(pidfile string) Prober) Option {
	return func(g *Group) {
		g.prober = newProber
	}
}

// WithLogger sets the parent logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Group) {
		g.logger = l
	}
}

// NewGroup creates a group from descriptors in declaration order.
func NewGroup(descs []spec.Descriptor, opts ...Option) *Group {
	g := &Group{
		ids:     identity.System{},
		logger:  slog.Default(),
		environ: os.Environ(),
		prober:  func(pidfile string) Prober { return liveness.New(pidfile) },
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.runner == nil {
		g.runner = driver.NewExec(driver.ExecConfig{})
	}
	g.policy = g.policy.withDefaults()
	g.logger = g.logger.With("component", "supervisor")

	for _, d := range descs {
		pidfile := d.PidfileIn(g.runDir)
		g.services = append(g.services, &Service{
			desc:    d,
			pidfile: pidfile,
			probe:   g.prober(pidfile),
			ids:     g.ids,
			runner:  g.runner,
			policy:  g.policy,
			environ: g.environ,
			logger:  g.logger.With("service", d.Name),
		})
	}
	return g
}

// Services returns the services in declaration order.
func (g *Group) Services() []*Service {
	return slices.Clone(g.services)
}

// Start starts every service in declaration order. A failing service does
// not stop the loop; the group fails at the end if any service failed.
func (g *Group) Start(ctx context.Context) (Report, error) {
	report := Report{Verb: VerbStart}
	err := g.run(ctx, &report, g.services, audit.ActionStart, ReasonGroupStart)
	return report, err
}

// Stop stops every service in reverse declaration order, continuing past
// failures so a stuck service cannot block shutdown of the others.
func (g *Group) Stop(ctx context.Context) (Report, error) {
	report := Report{Verb: VerbStop}
	err := g.run(ctx, &report, reversed(g.services), audit.ActionStop, ReasonGroupStop)
	return report, err
}

// Restart stops then starts the group. Start is attempted even when stop
// reported an aggregate failure, and that stop failure is the error
// returned. Nothing is rolled back. An interrupted stop skips the start.
func (g *Group) Restart(ctx context.Context) (Report, error) {
	report := Report{Verb: VerbRestart}

	stopErr := g.run(ctx, &report, reversed(g.services), audit.ActionStop, ReasonGroupStop)
	var failed *ActionFailedError
	if stopErr != nil && (ctx.Err() != nil || !errors.As(stopErr, &failed)) {
		return report, stopErr
	}
	if stopErr != nil {
		g.logger.Warn("starting services after incomplete shutdown", "error", stopErr)
	}

	startErr := g.run(ctx, &report, g.services, audit.ActionStart, ReasonGroupStart)
	if stopErr != nil {
		return report, stopErr
	}
	return report, startErr
}

// Status probes every service in declaration order.
func (g *Group) Status() (Report, error) {
	report := Report{Verb: VerbStatus}
	for _, svc := range g.services {
		st, err := svc.Status()
		if err != nil {
			return report, fmt.Errorf("status %s: %w", svc.Name(), err)
		}
		report.Statuses = append(report.Statuses, st)
	}
	return report, nil
}

func (g *Group) run(ctx context.Context, report *Report, order []*Service, action audit.Action, reason string) error {
	var failures []ServiceResult

	for i, svc := range order {
		if ctxErr := ctx.Err(); ctxErr != nil {
			for _, rest := range order[i:] {
				report.Results = append(report.Results, ServiceResult{
					Service: rest.Name(),
					Action:  action,
					Outcome: Outcome{Kind: Skipped, Err: ctxErr},
				})
			}
			g.logger.Warn("interrupted, skipping remaining services", "action", action, "skipped", len(order)-i)
			interrupted := fmt.Errorf("%s interrupted: %w", action, ctxErr)
			if len(failures) > 0 {
				return errors.Join(&ActionFailedError{Reason: reason, Failures: failures}, interrupted)
			}
			return interrupted
		}

		var out Outcome
		var err error
		switch action {
		case audit.ActionStart:
			out, err = svc.Start(ctx)
		case audit.ActionStop:
			out, err = svc.Stop(ctx)
		default:
			return fmt.Errorf("unsupported action %q", action)
		}
		if err != nil {
			// Liveness could not be determined; acting on a guess is unsafe.
			return fmt.Errorf("%s %s: %w", action, svc.Name(), err)
		}

		res := ServiceResult{Service: svc.Name(), Action: action, Outcome: out}
		report.Results = append(report.Results, res)
		g.record(svc, res)

		if out.Failed() {
			failures = append(failures, res)
		}
	}

	if len(failures) > 0 {
		return &ActionFailedError{Reason: reason, Failures: failures}
	}
	return nil
}

func (g *Group) record(svc *Service, res ServiceResult) {
	if g.audit == nil {
		return
	}

	entry := audit.Entry{
		Action:  res.Action,
		Service: res.Service,
		Outcome: res.Outcome.Kind.String(),
	}
	if res.Outcome.Failed() {
		entry.Reason = res.Outcome.Reason
		if res.Outcome.Err != nil {
			entry.Error = res.Outcome.Err.Error()
		}
	}
	if pid, err := liveness.ReadPID(svc.Pidfile()); err == nil {
		entry.PID = pid
	}
	if u, err := g.ids.Current(); err == nil {
		entry.Actor = u.Name
	}

	if err := g.audit.Log(entry); err != nil {
		g.logger.Warn("failed to write audit entry", "service", res.Service, "error", err)
	}
}

func reversed(services []*Service) []*Service {
	order := slices.Clone(services)
	slices.Reverse(order)
	return order
}
