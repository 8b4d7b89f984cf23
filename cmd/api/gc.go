package main

import (
	"context"
	"time"

	"github.com/molpadia/molpadrive/internal/config"
	"github.com/molpadia/molpadrive/internal/gc"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var maxAge time.Duration

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Abort upload sessions that stayed active longer than the maximum age",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCollector(cmd.Context(), "sweep", (*gc.Collector).Sweep)
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Abort multipart uploads whose session is missing or finished",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCollector(cmd.Context(), "reconcile", (*gc.Collector).Reconcile)
	},
}

func init() {
	for _, cmd := range []*cobra.Command{sweepCmd, reconcileCmd} {
		cmd.Flags().DurationVar(&maxAge, "max-age", 0, "minimum age of the uploads to abort (default: gc.max_age)")
	}
}

func runCollector(ctx context.Context, job string, run func(*gc.Collector, context.Context, time.Duration) (gc.Result, error)) error {
	cfg, log, err := setup(config.LoadJobs)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	be, err := newBackend(cfg, "")
	if err != nil {
		return err
	}
	age := maxAge
	if age <= 0 {
		age = cfg.GC.MaxAge
	}
	res, err := run(gc.New(be.sessions, be.objects, gc.WithLogger(log)), ctx, age)
	log.WithFields(logrus.Fields{
		"job":     job,
		"max_age": age,
		"scanned": res.Scanned,
		"aborted": res.Aborted,
	}).Info("garbage collection finished")
	return err
}
