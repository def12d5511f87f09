package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/benaskins/cluster/internal/audit"
	"github.com/benaskins/cluster/internal/config"
	"github.com/benaskins/cluster/internal/identity"
	"github.com/benaskins/cluster/internal/spec"
	"github.com/benaskins/cluster/internal/supervisor"
	"github.com/spf13/cobra"
)

const (
	progName           = "cluster"
	defaultClusterFile = "cluster.yaml"
)

type options struct {
	clusterFile string
	logLevel    string
	jsonOut     bool
	watch       bool
}

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs the command line and returns the process exit code.
func execute(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)

	code := supervisor.ExitCode(err)
	switch code {
	case supervisor.ExitUsage:
		fmt.Fprintf(stderr, "Error: %v\nUsage: %s\n", err, supervisor.Usage(progName))
	case supervisor.ExitFailure:
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return code
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   progName + " (start|stop|restart|status)",
		Short: "Start, stop and inspect a group of pidfile-backed services",
		Long: "Start services in the order they are declared in the cluster file and " +
			"stop them in reverse. Each service is controlled through its own start " +
			"and stop commands and observed through its pidfile.",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return &supervisor.UsageError{Msg: fmt.Sprintf("expected exactly one command, got %d", len(args))}
			}
			_, err := supervisor.ParseVerb(args[0])
			return err
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts, args[0], stdout, stderr)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	cmd.Flags().StringVarP(&opts.clusterFile, "config", "c", "", "Cluster file (default "+defaultClusterFile+")")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error (default info)")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "Print the report as JSON")
	cmd.Flags().BoolVar(&opts.watch, "watch", false, "With status, report again whenever a pidfile changes")
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &supervisor.UsageError{Msg: err.Error()}
	})

	return cmd
}

func run(ctx context.Context, opts *options, word string, stdout, stderr io.Writer) error {
	verb, err := supervisor.ParseVerb(word)
	if err != nil {
		return err
	}
	if opts.watch && verb != supervisor.VerbStatus {
		return &supervisor.UsageError{Msg: "--watch only applies to status"}
	}

	settings, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}

	level, err := settings.Level(opts.logLevel)
	if err != nil {
		if opts.logLevel != "" {
			return &supervisor.UsageError{Msg: err.Error()}
		}
		return fmt.Errorf("loading settings: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	path := settings.ClusterPath(opts.clusterFile, defaultClusterFile)
	cluster, err := spec.Load(path)
	if err != nil {
		return err
	}
	logger.Debug("loaded cluster", "file", path, "name", cluster.Name, "services", cluster.Names())

	groupOpts := []supervisor.Option{
		supervisor.WithRunDir(cluster.RunDir),
		supervisor.WithPollPolicy(supervisor.PollPolicy{
			Interval: cluster.PollInterval.Duration,
			Attempts: cluster.PollAttempts,
		}),
		supervisor.WithIdentity(identity.System{SudoPath: settings.SudoPath}),
		supervisor.WithLogger(logger),
	}
	if auditPath := settings.AuditPath(); auditPath != "" {
		al, err := audit.NewLogger(auditPath)
		if err != nil {
			return err
		}
		defer al.Close()
		groupOpts = append(groupOpts, supervisor.WithAudit(al))
	}

	g := supervisor.NewGroup(cluster.Services, groupOpts...)
	out := newRenderer(stdout, opts.jsonOut)

	if opts.watch {
		return g.Watch(ctx, func(rep supervisor.Report) {
			if err := out.Report(rep); err != nil {
				logger.Error("rendering status", "error", err)
			}
		})
	}

	rep, err := supervisor.Dispatch(ctx, g, verb)
	if rerr := out.Report(rep); rerr != nil && err == nil {
		err = rerr
	}
	return err
}
