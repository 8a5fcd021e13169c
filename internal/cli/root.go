package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/wesleyorama2/rampart/internal/loadtest/config"
)

var version = "0.1.0"

// Exit codes of the rampart process.
const (
	ExitPassed      = 0
	ExitFailed      = 1
	ExitConfigError = 2
)

// errThresholdsFailed is returned by run when the verdict is fail.
var errThresholdsFailed = errors.New("thresholds have been crossed")

// globalState is shared by all commands of one invocation.
type globalState struct {
	stdout io.Writer
	stderr io.Writer
	lookup func(string) (string, bool)
	logger *logrus.Logger

	logLevel  string
	logFormat string
	noColor   bool
}

// NewRootCmd builds the command tree writing to the given streams.
func NewRootCmd(stdout, stderr io.Writer) *cobra.Command {
	gs := &globalState{
		stdout: stdout,
		stderr: stderr,
		lookup: os.LookupEnv,
		logger: logrus.New(),
	}
	return newRootCmd(gs)
}

func newRootCmd(gs *globalState) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "rampart",
		Short:   "A staged closed-model load tester",
		Version: version,
		Long: `Rampart drives a pool of virtual users through a staged ramp profile,
records every iteration into a metric store and evaluates pass/fail
thresholds while the test runs.

  rampart run --config load-test.yaml
  rampart run --url https://api.example.com/health --stages "30s:50,1m:50,30s:0"`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return gs.setupLogger(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.SetOut(gs.stdout)
	rootCmd.SetErr(gs.stderr)
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &config.ConfigError{Source: "flags", Err: err}
	})

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&gs.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flags.StringVar(&gs.logFormat, "log-format", "text", "log format: text or json")
	flags.BoolVar(&gs.noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(newRunCmd(gs))
	rootCmd.AddCommand(newValidateCmd(gs))
	rootCmd.AddCommand(newVersionCmd(gs))
	return rootCmd
}

// setupLogger configures the root logger from flags, falling back to the
// environment for values not set on the command line.
func (gs *globalState) setupLogger(cmd *cobra.Command) error {
	env, err := config.LoadEnv(gs.lookup)
	if err != nil {
		return err
	}

	level, format := gs.logLevel, gs.logFormat
	if !cmd.Flags().Changed("log-level") && env.LogLevel != "" {
		level = env.LogLevel
	}
	if !cmd.Flags().Changed("log-format") && env.LogFormat != "" {
		format = env.LogFormat
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return &config.ConfigError{Source: "--log-level", Err: err}
	}
	gs.logger.SetLevel(lvl)
	gs.logger.SetOutput(gs.stderr)

	switch strings.ToLower(format) {
	case "json":
		gs.logger.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		gs.logger.SetFormatter(&logrus.TextFormatter{
			DisableColors: gs.noColor,
			FullTimestamp: true,
		})
	default:
		return &config.ConfigError{Source: "--log-format", Err: fmt.Errorf("unknown format %q", format)}
	}
	return nil
}

// ExitCode maps a command error to the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitPassed
	case config.IsConfigError(err):
		return ExitConfigError
	default:
		return ExitFailed
	}
}

// Execute runs the command tree against the process arguments and returns
// the exit code. This is called by main.main().
func Execute() int {
	return ExecuteContext(context.Background(), os.Args[1:], os.Stdout, os.Stderr)
}

// ExecuteContext runs the command tree with the given arguments.
func ExecuteContext(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCmd(stdout, stderr)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(ctx)
	if err != nil && !errors.Is(err, errThresholdsFailed) {
		fmt.Fprintln(stderr, "Error:", err)
	}
	return ExitCode(err)
}
