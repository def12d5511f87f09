package driver

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/mattn/go-shellwords"
)

var (
	// ErrEmptyCommand is returned when a command line has no words.
	ErrEmptyCommand = errors.New("empty command")

	// ErrShellOperator is returned when a command line uses shell control
	// operators, which are not interpreted.
	ErrShellOperator = errors.New("command contains a shell operator; wrap it in sh -c")
)

// Runner executes an action command to completion. The returned exit code is
// only meaningful when err is nil; err reports that the command could not be
// run at all.
type Runner interface {
	Run(ctx context.Context, argv []string, env []string) (int, error)
}

// Split tokenizes a command line with POSIX shell quoting rules. Variables
// and backticks are left unexpanded.
func Split(line string) ([]string, error) {
	p := shellwords.NewParser()
	argv, err := p.Parse(line)
	if err != nil {
		return nil, fmt.Errorf("parsing command %q: %w", line, err)
	}
	if p.Position >= 0 {
		return nil, fmt.Errorf("parsing command %q: %w", line, ErrShellOperator)
	}
	if len(argv) == 0 {
		return nil, ErrEmptyCommand
	}
	return argv, nil
}

// MergeEnv returns base with overrides applied. Existing keys are replaced
// in place and new keys are appended in sorted order.
func MergeEnv(base []string, overrides map[string]string) []string {
	env := make([]string, 0, len(base)+len(overrides))
	seen := make(map[string]bool, len(overrides))

	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if v, ok := overrides[key]; ok {
			if !seen[key] {
				env = append(env, key+"="+v)
				seen[key] = true
			}
			continue
		}
		env = append(env, kv)
	}

	for _, key := range slices.Sorted(maps.Keys(overrides)) {
		if !seen[key] {
			env = append(env, key+"="+overrides[key])
		}
	}
	return env
}
