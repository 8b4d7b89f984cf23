// Package session implements the server-side authority over multipart
// upload sessions: it issues per-part upload grants, finalizes or aborts
// sessions and keeps the owner's quota ledger in step with completions.
//
// The coordinator holds no per-session state of its own. Every cross-request
// decision goes through conditional writes of the session repository, so any
// number of coordinators may serve the same sessions.
package session

import (
	"cmp"
	"context"
	"errors"
	"time"

	"github.com/molpadia/molpadrive/internal/apperr"
	"github.com/molpadia/molpadrive/internal/domain/entity"
	"github.com/molpadia/molpadrive/internal/domain/repository"
	"github.com/molpadia/molpadrive/internal/keys"
	"github.com/molpadia/molpadrive/internal/metrics"
	"github.com/molpadia/molpadrive/internal/planner"
	"github.com/molpadia/molpadrive/internal/retry"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

const (
	DefaultGrantTTL    = time.Hour
	DefaultContentType = "application/octet-stream"
)

type Coordinator struct {
	sessions      repository.SessionRepository
	profiles      repository.ProfileRepository
	objects       repository.ObjectStore
	log           logrus.FieldLogger
	metrics       *metrics.Metrics
	now           func() time.Time
	grantTTL      time.Duration
	metadataRetry retry.Policy
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithGrantTTL sets how long a presigned part URL stays valid.
func WithGrantTTL(ttl time.Duration) Option {
	return func(c *Coordinator) {
		if ttl > 0 {
			c.grantTTL = ttl
		}
	}
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Coordinator) { c.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithMetadataRetry sets the policy for completion transactions that lost a
// race against another transaction on the same owner.
func WithMetadataRetry(p retry.Policy) Option {
	return func(c *Coordinator) { c.metadataRetry = p }
}

func New(sessions repository.SessionRepository, profiles repository.ProfileRepository, objects repository.ObjectStore, opts ...Option) *Coordinator {
	c := &Coordinator{
		sessions:      sessions,
		profiles:      profiles,
		objects:       objects,
		log:           logrus.StandardLogger(),
		now:           time.Now,
		grantTTL:      DefaultGrantTTL,
		metadataRetry: retry.Metadata,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type InitiateInput struct {
	FileName    string
	FileSize    int64
	ContentType string
	Folder      entity.Folder
	SubPath     string
}

type InitiateOutput struct {
	UploadID string
	Key      string
	Plan     planner.Plan
}

// Grant authorizes the direct upload of one part until ExpiresAt.
type Grant struct {
	URL        string
	PartNumber int64
	ExpiresAt  time.Time
}

type CompleteOutput struct {
	Location string
	ETag     string
	Key      string
}

// Initiate opens a multipart upload for the actor and records its session.
func (c *Coordinator) Initiate(ctx context.Context, actor entity.Actor, in InitiateInput) (out *InitiateOutput, err error) {
	defer c.observe("initiate", time.Now(), &err)

	if !in.Folder.Valid() {
		return nil, apperr.Validation("unknown folder %q", in.Folder)
	}
	plan, err := planner.Compute(in.FileSize)
	if err != nil {
		return nil, err
	}
	key, err := keys.Derive(in.Folder, actor.ID, in.SubPath, in.FileName)
	if err != nil {
		return nil, err
	}
	profile, err := c.profileOf(ctx, actor)
	if err != nil {
		return nil, err
	}
	if !profile.CanWrite(in.Folder) {
		return nil, apperr.Permission("role %s may not upload to the %s folder", profile.Role, in.Folder)
	}
	if in.Folder == entity.FolderPersonal && !profile.HasRoomFor(in.FileSize) {
		return nil, apperr.QuotaExceeded("storage quota exceeded: %d of %d bytes used", profile.StorageUsed, profile.StorageLimit)
	}

	contentType := in.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}
	uploadID, err := c.objects.CreateMultipartUpload(ctx, key, contentType)
	if err != nil {
		c.metrics.UpstreamFailure("CreateMultipartUpload")
		return nil, apperr.Upstream(err, "failed to create multipart upload")
	}

	s := entity.NewUploadSession(uploadID, key, actor.ID, in.FileName, contentType, in.FileSize, in.Folder, in.SubPath, c.now())
	if err := c.sessions.Create(ctx, s); err != nil {
		if abortErr := c.objects.AbortMultipartUpload(context.WithoutCancel(ctx), key, uploadID); abortErr != nil {
			c.log.WithError(abortErr).WithField("upload_id", uploadID).Warn("failed to abort multipart upload of unsaved session")
		}
		return nil, err
	}

	c.sessionLog(s).WithFields(logrus.Fields{
		"file_size":  in.FileSize,
		"num_chunks": plan.NumChunks,
	}).Info("upload session initiated")
	return &InitiateOutput{UploadID: uploadID, Key: key, Plan: plan}, nil
}

// SignPart issues a time-boxed grant for exactly one part of the session.
func (c *Coordinator) SignPart(ctx context.Context, actor entity.Actor, uploadID string, partNumber int64) (g *Grant, err error) {
	defer c.observe("sign_part", time.Now(), &err)

	if partNumber < 1 || partNumber > planner.MaxPartCount {
		return nil, apperr.Validation("part number must be between 1 and %d", planner.MaxPartCount)
	}
	s, err := c.activeSession(ctx, actor, uploadID)
	if err != nil {
		return nil, err
	}
	// The role may have changed since the session was initiated.
	profile, err := c.profileOf(ctx, actor)
	if err != nil {
		return nil, err
	}
	if !profile.CanWrite(s.Folder) {
		return nil, apperr.Permission("role %s may not upload to the %s folder", profile.Role, s.Folder)
	}
	if s.Status == entity.StatusInitiated {
		if err := c.sessions.MarkUploading(ctx, uploadID); err != nil {
			return nil, err
		}
	}

	expires := c.now().Add(c.grantTTL)
	url, err := c.objects.SignUploadPart(ctx, s.Key, uploadID, partNumber, c.grantTTL)
	if err != nil {
		c.metrics.UpstreamFailure("SignUploadPart")
		return nil, apperr.Upstream(err, "failed to sign part %d", partNumber)
	}
	return &Grant{URL: url, PartNumber: partNumber, ExpiresAt: expires}, nil
}

// Complete finalizes the session from the uploaded parts. Parts may be given
// in any order. A failed completion is never retried here.
func (c *Coordinator) Complete(ctx context.Context, actor entity.Actor, uploadID string, parts []*entity.Part) (out *CompleteOutput, err error) {
	defer c.observe("complete", time.Now(), &err)

	sorted, err := sortParts(parts)
	if err != nil {
		return nil, err
	}
	s, err := c.activeSession(ctx, actor, uploadID)
	if err != nil {
		return nil, err
	}

	obj, err := c.objects.CompleteMultipartUpload(ctx, s.Key, uploadID, sorted)
	if err != nil {
		c.metrics.UpstreamFailure("CompleteMultipartUpload")
		if apperr.KindOf(err) == apperr.KindValidation {
			return nil, err
		}
		return nil, apperr.Upstream(err, "failed to complete multipart upload")
	}

	at := c.now()
	err = c.metadataRetry.Do(ctx, func(ctx context.Context) error {
		err := c.sessions.Complete(ctx, s, obj, s.ChargesQuota(), at)
		if errors.Is(err, repository.ErrTransactionConflict) {
			return err
		}
		return retry.Permanent(err)
	})
	if err != nil {
		c.sessionLog(s).WithError(err).Error("object finalized but session could not be completed")
		return nil, err
	}

	c.metrics.AddCompletedBytes(s.FileSize)
	c.sessionLog(s).WithField("parts", len(sorted)).Info("upload session completed")
	return &CompleteOutput{Location: obj.Location, ETag: obj.ETag, Key: s.Key}, nil
}

// Abort moves the session to aborted. A provider failure is logged and left
// for the reconciler; the session still becomes terminal.
func (c *Coordinator) Abort(ctx context.Context, actor entity.Actor, uploadID, key string) (err error) {
	defer c.observe("abort", time.Now(), &err)

	s, err := c.activeSession(ctx, actor, uploadID)
	if err != nil {
		return err
	}
	if key != "" && key != s.Key {
		return apperr.Validation("key does not belong to upload %s", uploadID)
	}
	if err := c.objects.AbortMultipartUpload(ctx, s.Key, uploadID); err != nil {
		c.metrics.UpstreamFailure("AbortMultipartUpload")
		c.sessionLog(s).WithError(err).Warn("failed to abort multipart upload")
	}
	if err := c.sessions.Abort(ctx, uploadID, c.now()); err != nil {
		return err
	}
	c.sessionLog(s).Info("upload session aborted")
	return nil
}

// ListParts returns the parts the object store holds for an active session.
func (c *Coordinator) ListParts(ctx context.Context, actor entity.Actor, uploadID string) (parts []*entity.Part, err error) {
	defer c.observe("list_parts", time.Now(), &err)

	s, err := c.activeSession(ctx, actor, uploadID)
	if err != nil {
		return nil, err
	}
	parts, err = c.objects.ListParts(ctx, s.Key, uploadID)
	if err != nil {
		c.metrics.UpstreamFailure("ListParts")
		return nil, apperr.Upstream(err, "failed to list parts")
	}
	return parts, nil
}

// Get returns the session if the actor owns it.
func (c *Coordinator) Get(ctx context.Context, actor entity.Actor, uploadID string) (*entity.UploadSession, error) {
	s, err := c.sessions.GetByID(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if s.OwnerID != actor.ID {
		return nil, apperr.Permission("upload %s belongs to another owner", uploadID)
	}
	return s, nil
}

// Usage returns the actor's quota ledger.
func (c *Coordinator) Usage(ctx context.Context, actor entity.Actor) (*entity.Profile, error) {
	return c.profileOf(ctx, actor)
}

// Load the session, check that the actor owns it and that it is not terminal.
func (c *Coordinator) activeSession(ctx context.Context, actor entity.Actor, uploadID string) (*entity.UploadSession, error) {
	s, err := c.Get(ctx, actor, uploadID)
	if err != nil {
		return nil, err
	}
	if s.Status.Terminal() {
		return nil, apperr.Conflict("upload %s is already %s", uploadID, s.Status)
	}
	return s, nil
}

func (c *Coordinator) profileOf(ctx context.Context, actor entity.Actor) (*entity.Profile, error) {
	if actor.ID == "" {
		return nil, apperr.Auth("unauthenticated")
	}
	p, err := c.profiles.GetByID(ctx, actor.ID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.Auth("no profile for %s", actor.ID)
	}
	return p, err
}

func (c *Coordinator) observe(op string, start time.Time, err *error) {
	c.metrics.ObserveOperation(op, start, *err)
}

func (c *Coordinator) sessionLog(s *entity.UploadSession) logrus.FieldLogger {
	return c.log.WithFields(logrus.Fields{
		"upload_id": s.UploadID,
		"key":       s.Key,
		"owner_id":  s.OwnerID,
	})
}

// Validate the parts and return a copy in ascending part number order.
func sortParts(parts []*entity.Part) ([]*entity.Part, error) {
	if len(parts) == 0 {
		return nil, apperr.Validation("at least one part is required")
	}
	if int64(len(parts)) > planner.MaxPartCount {
		return nil, apperr.Validation("at most %d parts are allowed", planner.MaxPartCount)
	}
	sorted := make([]*entity.Part, 0, len(parts))
	seen := make(map[int64]bool, len(parts))
	for _, p := range parts {
		if p == nil {
			return nil, apperr.Validation("part must not be null")
		}
		if p.PartNumber < 1 || p.PartNumber > planner.MaxPartCount {
			return nil, apperr.Validation("part number must be between 1 and %d", planner.MaxPartCount)
		}
		if p.ETag == "" {
			return nil, apperr.Validation("part %d has no etag", p.PartNumber)
		}
		if seen[p.PartNumber] {
			return nil, apperr.Validation("part %d is listed twice", p.PartNumber)
		}
		seen[p.PartNumber] = true
		sorted = append(sorted, &entity.Part{PartNumber: p.PartNumber, ETag: p.ETag, Size: p.Size})
	}
	slices.SortFunc(sorted, func(a, b *entity.Part) int {
		return cmp.Compare(a.PartNumber, b.PartNumber)
	})
	return sorted, nil
}
