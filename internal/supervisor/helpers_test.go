package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benaskins/cluster/internal/audit"
	"github.com/benaskins/cluster/internal/identity"
	"github.com/benaskins/cluster/internal/liveness"
	"github.com/benaskins/cluster/internal/spec"
)

// fakeRunner records every command and simulates the service writing or
// removing its own pidfile.
type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	envs  [][]string
	exit  map[string]int
	onRun map[string]func()
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		exit:  make(map[string]int),
		onRun: make(map[string]func()),
	}
}

func (f *fakeRunner) Run(ctx context.Context, argv []string, env []string) (int, error) {
	line := strings.Join(argv, " ")

	f.mu.Lock()
	f.calls = append(f.calls, line)
	f.envs = append(f.envs, env)
	fn := f.onRun[line]
	code := f.exit[line]
	f.mu.Unlock()

	if fn != nil {
		fn()
	}
	return code, nil
}

func (f *fakeRunner) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeIdentity struct{}

func (fakeIdentity) Current() (identity.User, error) {
	return identity.User{Name: "ops", UID: 1000}, nil
}

func (fakeIdentity) Lookup(name string) (identity.User, error) {
	switch name {
	case "ops":
		return identity.User{Name: "ops", UID: 1000}, nil
	case "www-data":
		return identity.User{Name: "www-data", UID: 33}, nil
	}
	return identity.User{}, fmt.Errorf("%w %q", identity.ErrUnknownUser, name)
}

func (fakeIdentity) SwitchPrefix(u identity.User) []string {
	return []string{"switch", u.Name}
}

type countingProber struct {
	Prober
	mu     sync.Mutex
	checks int
}

func (c *countingProber) Check() (liveness.State, error) {
	c.mu.Lock()
	c.checks++
	c.mu.Unlock()
	return c.Prober.Check()
}

func (c *countingProber) Checks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checks
}

type deniedProber struct{}

func (deniedProber) Check() (liveness.State, error) {
	return liveness.State{PID: 1}, fmt.Errorf("pid 1: %w", liveness.ErrPermissionDenied)
}

type memoryAudit struct {
	entries []audit.Entry
}

func (m *memoryAudit) Log(e audit.Entry) error {
	m.entries = append(m.entries, e)
	return nil
}

func markAlive(t *testing.T, pidfile string) {
	t.Helper()
	if err := os.WriteFile(pidfile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
}

func markDead(t *testing.T, pidfile string) {
	t.Helper()
	if err := os.Remove(pidfile); err != nil && !os.IsNotExist(err) {
		t.Fatal(err)
	}
}

// testCluster wires a group of fake services named after names. Each
// service's start command writes its pidfile and its stop command removes it.
type testCluster struct {
	group   *Group
	runner  *fakeRunner
	runDir  string
	probers map[string]*countingProber
}

func newTestCluster(t *testing.T, names []string, opts ...Option) *testCluster {
	t.Helper()

	tc := &testCluster{
		runner:  newFakeRunner(),
		runDir:  t.TempDir(),
		probers: make(map[string]*countingProber),
	}

	var descs []spec.Descriptor
	for _, name := range names {
		descs = append(descs, spec.Descriptor{
			Name:         name,
			StartCommand: "start-" + name,
			StopCommand:  "stop-" + name,
		})
		pidfile := tc.pidfile(name)
		tc.runner.onRun["start-"+name] = func() { markAlive(t, pidfile) }
		tc.runner.onRun["stop-"+name] = func() { markDead(t, pidfile) }
	}

	base := []Option{
		WithRunDir(tc.runDir),
		WithRunner(tc.runner),
		WithIdentity(fakeIdentity{}),
		WithPollPolicy(PollPolicy{Interval: time.Millisecond, Attempts: 5}),
		WithProber(func(pidfile string) Prober {
			p := &countingProber{Prober: liveness.New(pidfile)}
			tc.probers[pidfile] = p
			return p
		}),
	}
	tc.group = NewGroup(descs, append(base, opts...)...)
	return tc
}

func (tc *testCluster) pidfile(name string) string {
	return filepath.Join(tc.runDir, name+".pid")
}

func (tc *testCluster) service(name string) *Service {
	for _, s := range tc.group.Services() {
		if s.Name() == name {
			return s
		}
	}
	return nil
}
