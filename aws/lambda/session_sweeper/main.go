package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/hashicorp/go-multierror"
	"github.com/molpadia/molpadrive/internal/config"
	"github.com/molpadia/molpadrive/internal/gc"
	"github.com/molpadia/molpadrive/internal/infrastructure/persistence"
	"github.com/molpadia/molpadrive/internal/logging"
	"github.com/sirupsen/logrus"
)

// Output of one scheduled run, visible in the invocation result.
type Output struct {
	Swept      gc.Result `json:"swept"`
	Reconciled gc.Result `json:"reconciled"`
}

type sweeper struct {
	collector *gc.Collector
	cfg       *config.Config
	log       logrus.FieldLogger
}

// Abort stale sessions, then orphaned multipart uploads.
func (s *sweeper) handler(ctx context.Context, event events.CloudWatchEvent) (Output, error) {
	log := s.log.WithFields(logrus.Fields{"event_id": event.ID, "scheduled_at": event.Time})
	var out Output
	var errs error
	var err error
	if out.Swept, err = s.collector.Sweep(ctx, s.cfg.GC.MaxAge); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("sweep: %w", err))
	}
	if out.Reconciled, err = s.collector.Reconcile(ctx, s.cfg.GC.MaxAge); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("reconcile: %w", err))
	}
	log.WithFields(logrus.Fields{
		"swept":      out.Swept.Aborted,
		"reconciled": out.Reconciled.Aborted,
	}).Info("scheduled garbage collection finished")
	return out, errs
}

func main() {
	cfg, err := config.LoadJobs(os.Getenv("MOLPADRIVE_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	sess := session.Must(session.NewSession(&aws.Config{Region: aws.String(cfg.AWS.Region)}))
	sessions := persistence.NewSessionRepository(sess, cfg.AWS.SessionsTable, cfg.AWS.StatusIndex, cfg.AWS.ProfilesTable)
	objects := persistence.NewS3ObjectStore(sess, cfg.AWS.Bucket)

	s := &sweeper{collector: gc.New(sessions, objects, gc.WithLogger(log)), cfg: cfg, log: log}
	lambda.Start(s.handler)
}
