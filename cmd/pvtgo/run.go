package main

import (
	"context"
	"fmt"

	"github.com/cjeanneret/pvtgo/internal/config"
	"github.com/cjeanneret/pvtgo/internal/debug"
	"github.com/cjeanneret/pvtgo/internal/logic/motion"
	"github.com/cjeanneret/pvtgo/internal/logic/plan"
	"github.com/cjeanneret/pvtgo/internal/logic/plot"
	"github.com/cjeanneret/pvtgo/internal/web"
)

func newRunner(cfg *config.Config, hw *hardware, log *debug.Logger) *plan.Runner {
	ctrl := motion.NewController(log,
		motion.WithPollInterval(cfg.PollInterval()),
		motion.WithStartTimeout(cfg.StartTimeout()),
		motion.WithCompletionMargin(cfg.CompletionMargin()),
		motion.WithLoadAttempts(cfg.Trajectory.LoadAttempts),
	)
	return plan.NewRunner(hw.axes, ctrl, cfg.Group(), cfg.TimeQuantum(),
		plan.WithTolerances(cfg.Trajectory.Tolerances),
		plan.WithLogger(log),
	)
}

// runPlan generates p, optionally plots it, and executes it unless dryRun.
func runPlan(ctx context.Context, r *plan.Runner, p *plan.Plan, plotDir string, dryRun bool, log *debug.Logger) error {
	if plotDir != "" || dryRun {
		log.Step(2, "Generating samples")
		traj, err := r.Build(p)
		if err != nil {
			return fmt.Errorf("plan %q: %w", p.Name, err)
		}
		log.Summary(fmt.Sprintf("Plan %s: %.3fs", p.Name, traj.Duration()))
		for _, a := range traj.Axes() {
			log.Value("Samples "+a.Name(), traj.Queue(a.Name()).Len())
		}
		if plotDir != "" {
			files, err := plot.Samples(traj, plotDir)
			if err != nil {
				return fmt.Errorf("plotting: %w", err)
			}
			log.Info("wrote %d plots to %s", len(files), plotDir)
		}
		if dryRun {
			return nil
		}
	}

	log.Section("Running plan " + p.Name)
	res, err := r.Run(ctx, p)
	if err != nil {
		return err
	}
	log.Info("plan %s complete: run %s, %.3fs", res.Plan, res.RunID, res.Duration)
	return nil
}

// formConfig describes the axes for the web UI, prefilled with p.
func formConfig(cfg *config.Config, p *plan.Plan) web.FormConfig {
	fc := web.FormConfig{
		Controller: cfg.Controller.Kind,
		Group:      cfg.Controller.Group,
		Plan:       p,
	}
	for _, a := range cfg.Axes {
		fc.Axes = append(fc.Axes, web.AxisInfo{
			Name:         a.Name,
			Velocity:     a.Velocity,
			Acceleration: a.Acceleration,
			Jerk:         a.Jerk,
		})
	}
	return fc
}
