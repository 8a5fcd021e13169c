package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/rampart/internal/loadtest/engine"
	"github.com/wesleyorama2/rampart/internal/loadtest/executor"
	"github.com/wesleyorama2/rampart/internal/loadtest/workload"
)

func newValidateCmd(gs *globalState) *cobra.Command {
	f := &profileFlags{}
	cmd := &cobra.Command{
		Use:   "validate [profile]",
		Short: "Validate a load profile without running it",
		Long: `Load, validate and compile a profile: stages, requests, checks and
thresholds. Exits 2 when the profile is invalid.

  rampart validate load-test.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				f.configFile = args[0]
			}
			return validateProfile(cmd, gs, f)
		},
	}
	f.register(cmd)
	return cmd
}

func validateProfile(cmd *cobra.Command, gs *globalState, f *profileFlags) error {
	profile, err := loadProfile(cmd, gs, f)
	if err != nil {
		return err
	}

	wl, err := workload.NewHTTP(profile, gs.logger)
	if err != nil {
		return err
	}
	defer wl.Close()

	engCfg, err := engine.FromProfile(profile)
	if err != nil {
		return err
	}
	eng, err := engine.New(engCfg, wl.Iterate,
		engine.WithLogger(gs.logger),
		engine.WithRegistrar(wl.RegisterMetrics),
	)
	if err != nil {
		return err
	}
	// thresholds bind to metric kinds only once the store is built
	if err := eng.Validate(); err != nil {
		return err
	}

	schedule, err := executor.NewStageSchedule(engCfg.Executor.Stages, engCfg.Executor.StartVUs)
	if err != nil {
		return err
	}
	name := profile.Name
	if name == "" {
		name = "profile"
	}
	fmt.Fprintf(gs.stdout, "✓ %s is valid\n", name)
	fmt.Fprintf(gs.stdout, "  stages:     %d (%s, up to %d VUs)\n", len(schedule.Stages()), schedule.TotalDuration(), schedule.MaxTarget())
	fmt.Fprintf(gs.stdout, "  requests:   %d\n", len(profile.Requests))
	fmt.Fprintf(gs.stdout, "  thresholds: %d\n", len(engCfg.Thresholds))
	return nil
}
