// Package identity resolves system users and decides when a command needs to
// be re-executed under a different identity.
package identity

import (
	"errors"
	"fmt"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

// ErrUnknownUser is returned when a run-as user cannot be resolved.
var ErrUnknownUser = errors.New("unknown user")

// DefaultSudoPath is the privilege-switch tool used when none is configured.
const DefaultSudoPath = "sudo"

// User is a resolved system identity.
type User struct {
	Name string
	UID  int
}

// Context is the process-wide identity capability a service depends on.
type Context interface {
	// Current returns the effective user of this process.
	Current() (User, error)
	// Lookup resolves a user name to a system identity.
	Lookup(name string) (User, error)
	// SwitchPrefix returns the argv prefix that runs a command as u.
	SwitchPrefix(u User) []string
}

// Wrap returns argv unchanged when username is empty or already matches the
// effective user, and prefixed with a privilege switch otherwise.
func Wrap(ids Context, username string, argv []string) ([]string, error) {
	if username == "" {
		return argv, nil
	}

	target, err := ids.Lookup(username)
	if err != nil {
		return nil, err
	}
	current, err := ids.Current()
	if err != nil {
		return nil, fmt.Errorf("resolving effective user: %w", err)
	}
	if target.UID == current.UID {
		return argv, nil
	}

	prefix := ids.SwitchPrefix(target)
	wrapped := make([]string, 0, len(prefix)+len(argv))
	wrapped = append(wrapped, prefix...)
	return append(wrapped, argv...), nil
}

// System is the Context backed by the host's user database and sudo.
type System struct {
	SudoPath string
}

func (s System) Current() (User, error) {
	uid := unix.Geteuid()
	u, err := user.LookupId(strconv.Itoa(uid))
	if err != nil {
		// An effective uid without a passwd entry is still a valid identity.
		return User{Name: strconv.Itoa(uid), UID: uid}, nil
	}
	return User{Name: u.Username, UID: uid}, nil
}

func (s System) Lookup(name string) (User, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return User{}, fmt.Errorf("%w %q: %v", ErrUnknownUser, name, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return User{}, fmt.Errorf("%w %q: non-numeric uid %q", ErrUnknownUser, name, u.Uid)
	}
	return User{Name: u.Username, UID: uid}, nil
}

// SwitchPrefix runs the command through sudo non-interactively, keeping the
// merged environment.
func (s System) SwitchPrefix(u User) []string {
	sudo := s.SudoPath
	if sudo == "" {
		sudo = DefaultSudoPath
	}
	return []string{sudo, "-n", "-E", "-u", u.Name, "--"}
}
