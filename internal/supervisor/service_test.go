package supervisor

import (
	"context"
	"errors"
	"os"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/benaskins/cluster/internal/liveness"
	"github.com/benaskins/cluster/internal/spec"
)

func TestServiceStartAlreadyAlive(t *testing.T) {
	tc := newTestCluster(t, []string{"web"})
	markAlive(t, tc.pidfile("web"))

	out, err := tc.service("web").Start(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Kind != AlreadySatisfied {
		t.Errorf("expected already satisfied, got %v", out)
	}
	if calls := tc.runner.Calls(); len(calls) != 0 {
		t.Errorf("expected no command to run, got %v", calls)
	}
}

func TestServiceStartSucceeds(t *testing.T) {
	tc := newTestCluster(t, []string{"web"})
	svc := tc.service("web")

	out, err := svc.Start(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Kind != Succeeded {
		t.Errorf("expected succeeded, got %v", out)
	}

	alive, err := liveness.New(tc.pidfile("web")).Alive()
	if err != nil || !alive {
		t.Errorf("expected service alive after start, got %v, %v", alive, err)
	}
}

func TestServiceStartScriptError(t *testing.T) {
	tc := newTestCluster(t, []string{"web"})
	tc.runner.exit["start-web"] = 1
	delete(tc.runner.onRun, "start-web")

	out, err := tc.service("web").Start(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Failed() || out.Reason != ReasonStartScript {
		t.Errorf("expected %q failure, got %v", ReasonStartScript, out)
	}
	// One probe before the command, none after a failed command.
	if n := tc.probers[tc.pidfile("web")].Checks(); n != 1 {
		t.Errorf("expected 1 probe, got %d", n)
	}
}

func TestServiceStartNeverAlive(t *testing.T) {
	tc := newTestCluster(t, []string{"web"})
	delete(tc.runner.onRun, "start-web")

	out, err := tc.service("web").Start(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Failed() || out.Reason != ReasonNotStarted {
		t.Errorf("expected %q failure, got %v", ReasonNotStarted, out)
	}
	// Initial probe plus the full polling budget of 5.
	if n := tc.probers[tc.pidfile("web")].Checks(); n != 6 {
		t.Errorf("expected 6 probes, got %d", n)
	}
}

func TestServiceStartBecomesAliveLate(t *testing.T) {
	tc := newTestCluster(t, []string{"web"}, WithPollPolicy(PollPolicy{Interval: 20 * time.Millisecond, Attempts: 50}))
	pidfile := tc.pidfile("web")
	tc.runner.onRun["start-web"] = func() {
		go func() {
			time.Sleep(100 * time.Millisecond)
			markAlive(t, pidfile)
		}()
	}

	out, err := tc.service("web").Start(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Kind != Succeeded {
		t.Errorf("expected succeeded after delayed pidfile, got %v", out)
	}
}

func TestServiceStopAlreadyDead(t *testing.T) {
	tc := newTestCluster(t, []string{"web"})

	out, err := tc.service("web").Stop(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Kind != AlreadySatisfied {
		t.Errorf("expected already satisfied, got %v", out)
	}
	if calls := tc.runner.Calls(); len(calls) != 0 {
		t.Errorf("expected no command to run, got %v", calls)
	}
}

func TestServiceStopSucceeds(t *testing.T) {
	tc := newTestCluster(t, []string{"web"})
	markAlive(t, tc.pidfile("web"))

	out, err := tc.service("web").Stop(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Kind != Succeeded {
		t.Errorf("expected succeeded, got %v", out)
	}
	if _, err := os.Stat(tc.pidfile("web")); !os.IsNotExist(err) {
		t.Errorf("expected pidfile gone, got %v", err)
	}
}

func TestServiceStopWouldNotShutDown(t *testing.T) {
	tc := newTestCluster(t, []string{"web"})
	markAlive(t, tc.pidfile("web"))
	delete(tc.runner.onRun, "stop-web")

	out, err := tc.service("web").Stop(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Failed() || out.Reason != ReasonNotStopped {
		t.Errorf("expected %q failure, got %v", ReasonNotStopped, out)
	}
}

func TestServiceStopScriptError(t *testing.T) {
	tc := newTestCluster(t, []string{"web"})
	markAlive(t, tc.pidfile("web"))
	tc.runner.exit["stop-web"] = 2

	out, err := tc.service("web").Stop(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Failed() || out.Reason != ReasonStopScript {
		t.Errorf("expected %q failure, got %v", ReasonStopScript, out)
	}
	if out.Err == nil || !strings.Contains(out.Err.Error(), "exit status 2") {
		t.Errorf("expected exit status in cause, got %v", out.Err)
	}
}

func TestServicePermissionDeniedIsFatal(t *testing.T) {
	tc := newTestCluster(t, []string{"web"},
		WithProber(func(string) Prober { return deniedProber{} }))

	_, err := tc.service("web").Start(context.Background())
	if !errors.Is(err, liveness.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if calls := tc.runner.Calls(); len(calls) != 0 {
		t.Errorf("expected no command after permission denied, got %v", calls)
	}

	if _, err := tc.service("web").Status(); !errors.Is(err, liveness.ErrPermissionDenied) {
		t.Errorf("expected status to surface ErrPermissionDenied, got %v", err)
	}
}

func TestServiceRunAsOtherUserAddsSwitch(t *testing.T) {
	runner := newFakeRunner()
	g := NewGroup([]spec.Descriptor{
		{Name: "web", StartCommand: "/opt/web start", StopCommand: "/opt/web stop", User: "www-data"},
		{Name: "api", StartCommand: "/opt/api start", StopCommand: "/opt/api stop", User: "ops"},
	},
		WithRunDir(t.TempDir()),
		WithRunner(runner),
		WithIdentity(fakeIdentity{}),
		WithPollPolicy(PollPolicy{Interval: time.Millisecond, Attempts: 1}),
	)

	g.Start(context.Background())

	want := []string{"switch www-data /opt/web start", "/opt/api start"}
	if calls := runner.Calls(); !slices.Equal(calls, want) {
		t.Errorf("expected %v, got %v", want, calls)
	}
}

func TestServiceUnknownUserFails(t *testing.T) {
	runner := newFakeRunner()
	g := NewGroup([]spec.Descriptor{
		{Name: "web", StartCommand: "/opt/web start", StopCommand: "/opt/web stop", User: "ghost"},
	},
		WithRunDir(t.TempDir()),
		WithRunner(runner),
		WithIdentity(fakeIdentity{}),
	)

	out, err := g.Services()[0].Start(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Failed() || out.Reason != ReasonUnknownUser {
		t.Errorf("expected %q failure, got %v", ReasonUnknownUser, out)
	}
	if len(runner.Calls()) != 0 {
		t.Errorf("expected no command for unknown user, got %v", runner.Calls())
	}
}

func TestServiceTokenizesShellWords(t *testing.T) {
	g := NewGroup([]spec.Descriptor{
		{Name: "web", StartCommand: `/opt/web start --title "front end"`, StopCommand: "x"},
	},
		WithRunDir(t.TempDir()),
		WithIdentity(fakeIdentity{}),
		WithPollPolicy(PollPolicy{Interval: time.Millisecond, Attempts: 1}),
	)

	var argv []string
	svc := g.Services()[0]
	svc.runner = runnerFunc(func(ctx context.Context, a []string, env []string) (int, error) {
		argv = a
		return 0, nil
	})
	svc.Start(context.Background())

	want := []string{"/opt/web", "start", "--title", "front end"}
	if !slices.Equal(argv, want) {
		t.Errorf("expected %q, got %q", want, argv)
	}
}

func TestServiceUnparseableCommandFails(t *testing.T) {
	tc := newTestCluster(t, nil)
	g := NewGroup([]spec.Descriptor{
		{Name: "web", StartCommand: `/opt/web "unterminated`, StopCommand: "x"},
	}, WithRunDir(tc.runDir), WithRunner(tc.runner), WithIdentity(fakeIdentity{}))

	out, err := g.Services()[0].Start(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Failed() || out.Reason != ReasonStartScript {
		t.Errorf("expected %q failure, got %v", ReasonStartScript, out)
	}
}

func TestServiceMergesEnvironment(t *testing.T) {
	runner := newFakeRunner()
	g := NewGroup([]spec.Descriptor{
		{Name: "web", StartCommand: "web", StopCommand: "x", Env: map[string]string{"PORT": "8080", "HOME": "/srv"}},
	},
		WithRunDir(t.TempDir()),
		WithRunner(runner),
		WithIdentity(fakeIdentity{}),
		WithEnviron([]string{"PATH=/usr/bin", "HOME=/root"}),
		WithPollPolicy(PollPolicy{Interval: time.Millisecond, Attempts: 1}),
	)

	g.Start(context.Background())

	if len(runner.envs) != 1 {
		t.Fatalf("expected 1 command, got %d", len(runner.envs))
	}
	want := []string{"PATH=/usr/bin", "HOME=/srv", "PORT=8080"}
	if !slices.Equal(runner.envs[0], want) {
		t.Errorf("expected env %v, got %v", want, runner.envs[0])
	}
}

func TestServiceDefaultPidfile(t *testing.T) {
	dir := t.TempDir()
	g := NewGroup([]spec.Descriptor{
		{Name: "web", StartCommand: "a", StopCommand: "b"},
		{Name: "db", StartCommand: "a", StopCommand: "b", Pidfile: "/tmp/custom-db.pid"},
	}, WithRunDir(dir))

	svcs := g.Services()
	if want := dir + "/web.pid"; svcs[0].Pidfile() != want {
		t.Errorf("expected %q, got %q", want, svcs[0].Pidfile())
	}
	if svcs[1].Pidfile() != "/tmp/custom-db.pid" {
		t.Errorf("expected explicit pidfile, got %q", svcs[1].Pidfile())
	}
}

func TestServiceCancelledWhilePolling(t *testing.T) {
	tc := newTestCluster(t, []string{"web"}, WithPollPolicy(PollPolicy{Interval: time.Second, Attempts: 100}))
	delete(tc.runner.onRun, "start-web")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	out, err := tc.service("web").Start(ctx)
	if err != nil {
		t.Fatalf("cancellation must be an outcome, got error: %v", err)
	}
	if !out.Failed() || out.Reason != ReasonNotStarted {
		t.Errorf("expected %q failure, got %v", ReasonNotStarted, out)
	}
	if !errors.Is(out.Err, context.Canceled) {
		t.Errorf("expected context.Canceled cause, got %v", out.Err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("polling did not stop on cancellation")
	}
}

func TestServiceStatus(t *testing.T) {
	tc := newTestCluster(t, []string{"web"})
	svc := tc.service("web")

	st, err := svc.Status()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.Alive || st.PID != 0 {
		t.Errorf("expected dead with no pid, got %+v", st)
	}
	if st.String() != "web: stopped (no pid)" {
		t.Errorf("unexpected status line %q", st.String())
	}

	markAlive(t, tc.pidfile("web"))
	st, err = svc.Status()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !st.Alive || st.PID != os.Getpid() {
		t.Errorf("expected alive with own pid, got %+v", st)
	}
	if !strings.HasPrefix(st.String(), "web: running (pid ") {
		t.Errorf("unexpected status line %q", st.String())
	}

	if err := os.WriteFile(tc.pidfile("web"), []byte("99999999"), 0644); err != nil {
		t.Fatal(err)
	}
	st, _ = svc.Status()
	if st.String() != "web: stopped (stale pid 99999999)" {
		t.Errorf("unexpected status line %q", st.String())
	}
}

type runnerFunc func(ctx context.Context, argv []string, env []string) (int, error)

func (f runnerFunc) Run(ctx context.Context, argv []string, env []string) (int, error) {
	return f(ctx, argv, env)
}
