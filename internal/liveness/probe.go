// Package liveness decides whether a pidfile-backed process is running.
//
// The pidfile is the only source of truth: a missing or malformed pidfile
// means "not running", and a pid that cannot be signalled because it does not
// exist means "not running". A pid that exists but belongs to someone we may
// not signal is reported as ErrPermissionDenied, never as "not running".
package liveness

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrPermissionDenied means the pid in the pidfile exists but the caller may
// not signal it, so liveness cannot be determined.
var ErrPermissionDenied = errors.New("no permission to check the status of that pid")

// State is the result of a single probe.
type State struct {
	PID   int  // 0 when the pidfile is missing or malformed
	Alive bool
}

// Probe checks one pidfile. It holds no state between calls.
type Probe struct {
	path   string
	signal func(pid int, sig unix.Signal) error
}

// New returns a probe bound to the given pidfile.
func New(pidfile string) *Probe {
	return &Probe{path: pidfile, signal: unix.Kill}
}

// Path returns the pidfile this probe reads.
func (p *Probe) Path() string {
	return p.path
}

// Check reads the pidfile and sends signal 0 to the recorded pid.
func (p *Probe) Check() (State, error) {
	pid, err := ReadPID(p.path)
	if err != nil {
		return State{}, err
	}
	if pid == 0 {
		return State{}, nil
	}

	err = p.signal(pid, 0)
	switch {
	case err == nil:
		return State{PID: pid, Alive: true}, nil
	case errors.Is(err, unix.ESRCH):
		return State{PID: pid}, nil
	case errors.Is(err, unix.EPERM):
		return State{PID: pid}, fmt.Errorf("pid %d from %s: %w", pid, p.path, ErrPermissionDenied)
	default:
		return State{PID: pid}, fmt.Errorf("signalling pid %d from %s: %w", pid, p.path, err)
	}
}

// Alive reports whether the process named by the pidfile is running.
func (p *Probe) Alive() (bool, error) {
	st, err := p.Check()
	return st.Alive, err
}

// ReadPID returns the pid stored in a pidfile, or 0 if the file is missing or
// does not hold a positive decimal pid. Only I/O failures other than
// "does not exist" are returned as errors.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading pidfile %s: %w", path, err)
	}

	return parsePID(strings.TrimSpace(string(data))), nil
}

// parsePID accepts only plain decimal digits that fit in a pid_t. Larger
// values would be truncated by kill(2) into 0 or -1, which address process
// groups rather than a single process.
func parsePID(s string) int {
	if s == "" || strings.TrimLeft(s, "0123456789") != "" {
		return 0
	}
	pid, err := strconv.ParseInt(s, 10, 32)
	if err != nil || pid <= 0 {
		return 0
	}
	return int(pid)
}
