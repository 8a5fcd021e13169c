package cli

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/wesleyorama2/rampart/internal/loadtest/config"
	"github.com/wesleyorama2/rampart/internal/loadtest/engine"
	"github.com/wesleyorama2/rampart/internal/loadtest/output"
	"github.com/wesleyorama2/rampart/internal/loadtest/workload"
)

// profileFlags select and override the load profile.
type profileFlags struct {
	configFile   string
	url          string
	stages       string
	thresholds   []string
	tick         time.Duration
	gracefulStop time.Duration
	abortOnFail  bool
}

func (f *profileFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVarP(&f.configFile, "config", "c", "", "load profile file (YAML or JSON)")
	flags.StringVar(&f.url, "url", "", "URL to GET when no profile file is given")
	flags.StringVar(&f.stages, "stages", "", `ramp stages as "duration:target", comma separated (e.g. "30s:50,1m:50,30s:0")`)
	flags.StringArrayVar(&f.thresholds, "threshold", nil, `threshold as "metric:expression", repeatable (e.g. "http_req_duration:p(95)<50")`)
	flags.DurationVar(&f.tick, "tick", 0, "control loop interval (default 100ms)")
	flags.DurationVar(&f.gracefulStop, "graceful-stop", 0, "cancel iterations still running this long after draining starts")
	flags.BoolVar(&f.abortOnFail, "abort-on-fail", false, "abort the test as soon as any threshold fails")
}

type runFlags struct {
	profileFlags
	outputs []string
	quiet   bool
}

func newRunCmd(gs *globalState) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a load test",
		Long: `Run a staged load test from a profile file or from flags.

Config file mode:
  rampart run --config load-test.yaml

Quick mode (single GET request):
  rampart run --url https://api.example.com/health \
    --stages "30s:10,2m:10,30s:0" \
    --threshold "http_req_duration:p(95)<200"

Outputs:
  rampart run -c load-test.yaml --out json=result.json --out prometheus=:9090

The exit code is 0 when all thresholds pass, 1 when any fails and 2 when
the configuration is invalid.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTest(cmd, gs, f)
		},
	}
	f.register(cmd)
	cmd.Flags().StringArrayVarP(&f.outputs, "out", "o", nil,
		fmt.Sprintf("additional output as type=argument, repeatable (types: %s)", strings.Join(output.Types(), ", ")))
	cmd.Flags().BoolVarP(&f.quiet, "quiet", "q", false, "print only the threshold verdicts")
	return cmd
}

func runTest(cmd *cobra.Command, gs *globalState, f *runFlags) error {
	logger := gs.logger

	profile, err := loadProfile(cmd, gs, &f.profileFlags)
	if err != nil {
		return err
	}

	wl, err := workload.NewHTTP(profile, logger)
	if err != nil {
		return err
	}
	defer wl.Close()

	engCfg, err := engine.FromProfile(profile)
	if err != nil {
		return err
	}

	console := output.NewConsole(output.ConsoleConfig{
		Writer:  gs.stdout,
		Quiet:   f.quiet,
		NoColor: gs.noColor,
	})
	extra, err := output.Create(f.outputs, output.Params{Logger: logger, Stdout: gs.stdout})
	if err != nil {
		return &config.ConfigError{Source: "--out", Err: err}
	}
	outputs := append([]engine.Output{console}, extra...)

	eng, err := engine.New(engCfg, wl.Iterate,
		engine.WithLogger(logger),
		engine.WithOutputs(outputs...),
		engine.WithRegistrar(wl.RegisterMetrics),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := eng.Run(ctx)
	if err != nil {
		return err
	}

	if !result.Passed {
		for _, t := range result.FailedThresholds() {
			logger.WithFields(logrus.Fields{
				"metric":    t.Metric,
				"threshold": t.Expression,
				"verdict":   t.Verdict,
			}).Error("Threshold not met")
		}
		return errThresholdsFailed
	}
	return nil
}

// loadProfile reads the profile from --config or builds one from --url,
// then overlays the environment and flags. The result is prepared and
// validated.
func loadProfile(cmd *cobra.Command, gs *globalState, f *profileFlags) (*config.TestConfig, error) {
	var (
		profile *config.TestConfig
		source  string
		err     error
	)
	switch {
	case f.configFile != "":
		source = f.configFile
		profile, err = config.LoadConfig(f.configFile)
		if err != nil {
			return nil, err
		}
	case f.url != "":
		source = "flags"
		profile = buildConfigFromFlags(f.url)
	default:
		return nil, &config.ConfigError{Err: errors.New("either --config or --url is required")}
	}

	env, err := config.LoadEnv(gs.lookup)
	if err != nil {
		return nil, err
	}
	if err := profile.ApplyEnv(env); err != nil {
		return nil, err
	}

	if err := applyFlags(cmd, profile, f); err != nil {
		return nil, err
	}

	if len(profile.Stages) == 0 && f.configFile == "" {
		profile.Stages = []config.StageConfig{{Duration: defaultStageDuration, Target: defaultStageTarget}}
	}

	if err := profile.Prepare(); err != nil {
		return nil, &config.ConfigError{Source: source, Err: err}
	}
	return profile, nil
}

const (
	defaultStageDuration = "30s"
	defaultStageTarget   = 10
)

func buildConfigFromFlags(url string) *config.TestConfig {
	return &config.TestConfig{
		Name:        "CLI Test",
		Description: fmt.Sprintf("Test generated from CLI flags for %s", url),
		Requests: []config.RequestConfig{
			{
				Name:   "cli-request",
				Method: "GET",
				URL:    url,
			},
		},
	}
}

func applyFlags(cmd *cobra.Command, profile *config.TestConfig, f *profileFlags) error {
	if f.stages != "" {
		stages, err := parseStages(f.stages)
		if err != nil {
			return &config.ConfigError{Source: "--stages", Err: err}
		}
		profile.Stages = stages
	}

	for _, raw := range f.thresholds {
		metric, expr, err := parseThresholdFlag(raw)
		if err != nil {
			return &config.ConfigError{Source: "--threshold", Err: err}
		}
		if profile.Thresholds == nil {
			profile.Thresholds = make(map[string][]config.ThresholdConfig)
		}
		profile.Thresholds[metric] = append(profile.Thresholds[metric], config.ThresholdConfig{Threshold: expr})
	}

	flags := cmd.Flags()
	if flags.Changed("tick") {
		profile.Options.Tick = config.Duration(f.tick)
	}
	if flags.Changed("graceful-stop") {
		profile.Options.GracefulStop = config.Duration(f.gracefulStop)
	}
	if flags.Changed("abort-on-fail") {
		profile.Options.AbortOnFail = f.abortOnFail
	}
	return nil
}

// parseStages parses stages from CLI format "30s:10,2m:10,30s:0"
func parseStages(stagesStr string) ([]config.StageConfig, error) {
	var stages []config.StageConfig

	parts := strings.Split(stagesStr, ",")
	for i, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		// Parse "duration:target" format
		colonIdx := strings.LastIndex(part, ":")
		if colonIdx == -1 {
			return nil, fmt.Errorf("stage %d: expected 'duration:target' format, got '%s'", i+1, part)
		}

		durationStr := part[:colonIdx]
		targetStr := part[colonIdx+1:]

		if _, err := config.ParseDurationString(durationStr); err != nil {
			return nil, fmt.Errorf("stage %d: invalid duration '%s': %w", i+1, durationStr, err)
		}

		target, err := strconv.Atoi(targetStr)
		if err != nil {
			return nil, fmt.Errorf("stage %d: invalid target '%s': %w", i+1, targetStr, err)
		}

		stages = append(stages, config.StageConfig{
			Duration: durationStr,
			Target:   target,
			Name:     fmt.Sprintf("stage-%d", i+1),
		})
	}

	if len(stages) == 0 {
		return nil, fmt.Errorf("at least one stage is required")
	}

	return stages, nil
}

// parseThresholdFlag splits "metric:expression". The metric may be a
// submetric selector whose braces contain colons.
func parseThresholdFlag(s string) (metric, expr string, err error) {
	from := 0
	if brace := strings.LastIndex(s, "}"); brace != -1 {
		from = brace
	}
	idx := strings.Index(s[from:], ":")
	if idx == -1 {
		return "", "", fmt.Errorf("expected 'metric:expression', got '%s'", s)
	}
	idx += from

	metric = strings.TrimSpace(s[:idx])
	expr = strings.TrimSpace(s[idx+1:])
	if metric == "" || expr == "" {
		return "", "", fmt.Errorf("expected 'metric:expression', got '%s'", s)
	}
	return metric, expr, nil
}
