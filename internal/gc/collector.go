// Package gc aborts upload sessions that were abandoned before completion and
// multipart uploads the object store still holds for finished sessions.
package gc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/molpadia/molpadrive/internal/apperr"
	"github.com/molpadia/molpadrive/internal/domain/repository"
	"github.com/molpadia/molpadrive/internal/keys"
	"github.com/molpadia/molpadrive/internal/metrics"
	"github.com/sirupsen/logrus"
)

const DefaultMaxAge = 24 * time.Hour

type Collector struct {
	sessions repository.SessionRepository
	objects  repository.ObjectStore
	log      logrus.FieldLogger
	metrics  *metrics.Metrics
	now      func() time.Time
}

type Option func(*Collector)

func WithLogger(log logrus.FieldLogger) Option { return func(c *Collector) { c.log = log } }
func WithMetrics(m *metrics.Metrics) Option    { return func(c *Collector) { c.metrics = m } }
func WithClock(now func() time.Time) Option    { return func(c *Collector) { c.now = now } }

func New(sessions repository.SessionRepository, objects repository.ObjectStore, opts ...Option) *Collector {
	c := &Collector{
		sessions: sessions,
		objects:  objects,
		log:      logrus.StandardLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type Result struct {
	Scanned int `json:"scanned"`
	Aborted int `json:"aborted"`
}

// Sweep aborts the sessions still active that were created more than maxAge
// ago. Sessions finished concurrently are skipped. Failures of single
// sessions do not stop the sweep and are returned together at the end.
func (c *Collector) Sweep(ctx context.Context, maxAge time.Duration) (Result, error) {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	now := c.now()
	stale, err := c.sessions.ListStale(ctx, now.Add(-maxAge))
	if err != nil {
		return Result{}, fmt.Errorf("failed to list stale sessions: %w", err)
	}

	res := Result{Scanned: len(stale)}
	var result *multierror.Error
	for _, s := range stale {
		if err := ctx.Err(); err != nil {
			result = multierror.Append(result, err)
			break
		}
		log := c.log.WithFields(logrus.Fields{"upload_id": s.UploadID, "key": s.Key, "owner_id": s.OwnerID})
		if err := c.objects.AbortMultipartUpload(ctx, s.Key, s.UploadID); err != nil && !errors.Is(err, apperr.ErrNotFound) {
			c.metrics.UpstreamFailure("AbortMultipartUpload")
			log.WithError(err).Warn("failed to abort multipart upload of stale session")
		}
		err := c.sessions.Abort(ctx, s.UploadID, now)
		switch {
		case errors.Is(err, apperr.ErrConflict), errors.Is(err, apperr.ErrNotFound):
			log.Debug("stale session finished before the sweep")
		case err != nil:
			result = multierror.Append(result, fmt.Errorf("abort session %s: %w", s.UploadID, err))
		default:
			res.Aborted++
			log.WithField("age", now.Sub(s.CreatedAt).Round(time.Second)).Info("stale session aborted")
		}
	}
	c.metrics.GCAborted("sweep", res.Aborted)
	c.log.WithFields(logrus.Fields{"scanned": res.Scanned, "aborted": res.Aborted}).Info("stale session sweep finished")
	return res, result.ErrorOrNil()
}

// Reconcile aborts multipart uploads older than maxAge whose session is
// missing or already terminal. Staging uploads of the resumable gateway live
// under their own prefix and have no session, so they are left alone.
func (c *Collector) Reconcile(ctx context.Context, maxAge time.Duration) (Result, error) {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	cutoff := c.now().Add(-maxAge)
	pending, err := c.objects.ListMultipartUploads(ctx, "")
	if err != nil {
		c.metrics.UpstreamFailure("ListMultipartUploads")
		return Result{}, fmt.Errorf("failed to list multipart uploads: %w", err)
	}

	var res Result
	var result *multierror.Error
	for _, p := range pending {
		if strings.HasPrefix(p.Key, keys.TempPrefix+"/") || !p.Initiated.Before(cutoff) {
			continue
		}
		res.Scanned++
		s, err := c.sessions.GetByID(ctx, p.UploadID)
		switch {
		case errors.Is(err, apperr.ErrNotFound):
		case err != nil:
			result = multierror.Append(result, fmt.Errorf("get session %s: %w", p.UploadID, err))
			continue
		case !s.Status.Terminal():
			continue
		}
		if err := c.objects.AbortMultipartUpload(ctx, p.Key, p.UploadID); err != nil && !errors.Is(err, apperr.ErrNotFound) {
			c.metrics.UpstreamFailure("AbortMultipartUpload")
			result = multierror.Append(result, fmt.Errorf("abort upload %s: %w", p.UploadID, err))
			continue
		}
		res.Aborted++
		c.log.WithFields(logrus.Fields{"upload_id": p.UploadID, "key": p.Key}).Info("orphaned multipart upload aborted")
	}
	c.metrics.GCAborted("reconcile", res.Aborted)
	return res, result.ErrorOrNil()
}

// Run sweeps and reconciles every interval until ctx is done.
func (c *Collector) Run(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Sweep(ctx, maxAge); err != nil {
				c.log.WithError(err).Error("stale session sweep failed")
			}
			if _, err := c.Reconcile(ctx, maxAge); err != nil {
				c.log.WithError(err).Error("multipart upload reconciliation failed")
			}
		}
	}
}
