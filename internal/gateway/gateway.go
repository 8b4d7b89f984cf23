// Package gateway implements a byte-offset resumable upload protocol on top
// of the object store. Bytes are staged under a temporary key and relocated
// to the caller's canonical key once the last byte arrives.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/molpadia/molpadrive/internal/apperr"
	"github.com/molpadia/molpadrive/internal/domain/entity"
	"github.com/molpadia/molpadrive/internal/domain/repository"
	"github.com/molpadia/molpadrive/internal/keys"
	"github.com/molpadia/molpadrive/internal/metrics"
	"github.com/molpadia/molpadrive/internal/planner"
	"github.com/sirupsen/logrus"
)

const (
	DefaultMaxChunkSize  int64 = 64 << 20
	DefaultMaxUploadSize int64 = 50 << 30

	infoSuffix = ".info"
	partSuffix = ".part"
)

// Upload is the state of one resumable upload, stored as a JSON sidecar
// object next to the staged bytes.
type Upload struct {
	ID          string         `json:"id"`
	UploadID    string         `json:"uploadId"`
	Size        int64          `json:"size"`
	Offset      int64          `json:"offset"`
	DestKey     string         `json:"destKey"`
	OwnerID     string         `json:"ownerId"`
	FileName    string         `json:"fileName,omitempty"`
	ContentType string         `json:"contentType,omitempty"`
	// Number of parts stored in the temporary multipart upload.
	Parts int64 `json:"parts"`
	// Bytes held in the incomplete part object, below the part size.
	Pending   int64     `json:"pending"`
	Completed bool      `json:"completed,omitempty"`
	Relocated bool      `json:"relocated,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func (u *Upload) tempKey() string { return keys.TempPrefix + "/" + u.ID }
func (u *Upload) infoKey() string { return u.tempKey() + infoSuffix }
func (u *Upload) partKey() string { return u.tempKey() + partSuffix }

type CreateInput struct {
	DestKey     string
	Size        int64
	FileName    string
	ContentType string
}

type Gateway struct {
	objects       repository.ObjectStore
	profiles      repository.ProfileRepository
	log           logrus.FieldLogger
	metrics       *metrics.Metrics
	now           func() time.Time
	maxChunkSize  int64
	maxUploadSize int64
	minPartSize   int64
	maxParts      int64
	locks         keyedMutex
}

type Option func(*Gateway)

func WithLogger(log logrus.FieldLogger) Option { return func(g *Gateway) { g.log = log } }
func WithMetrics(m *metrics.Metrics) Option    { return func(g *Gateway) { g.metrics = m } }
func WithClock(now func() time.Time) Option    { return func(g *Gateway) { g.now = now } }

// WithLimits bounds a single request body and a whole upload.
func WithLimits(maxChunkSize, maxUploadSize int64) Option {
	return func(g *Gateway) {
		if maxChunkSize > 0 {
			g.maxChunkSize = maxChunkSize
		}
		if maxUploadSize > 0 {
			g.maxUploadSize = maxUploadSize
		}
	}
}

// WithMinPartSize sets how many bytes are staged before they are flushed as
// a part. Only stores without a part size floor may lower it.
func WithMinPartSize(n int64) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.minPartSize = n
		}
	}
}

func New(objects repository.ObjectStore, profiles repository.ProfileRepository, opts ...Option) *Gateway {
	g := &Gateway{
		objects:       objects,
		profiles:      profiles,
		log:           logrus.StandardLogger(),
		now:           time.Now,
		maxChunkSize:  DefaultMaxChunkSize,
		maxUploadSize: DefaultMaxUploadSize,
		minPartSize:   planner.MinChunkSize,
		maxParts:      planner.MaxPartCount,
		locks:         keyedMutex{locks: make(map[string]*lockEntry)},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Create starts an upload into in.DestKey and returns its state.
func (g *Gateway) Create(ctx context.Context, actor entity.Actor, in CreateInput) (*Upload, error) {
	if in.Size <= 0 {
		return nil, apperr.Validation("Upload-Length must be positive")
	}
	if in.Size > g.maxUploadSize {
		return nil, apperr.SizeExceeded("upload of %d bytes exceeds the maximum of %d bytes", in.Size, g.maxUploadSize)
	}
	if err := keys.Validate(in.DestKey); err != nil {
		return nil, err
	}
	if err := g.authorize(ctx, actor, in.DestKey, in.Size); err != nil {
		return nil, err
	}

	u := &Upload{
		ID:          strings.ReplaceAll(uuid.NewString(), "-", ""),
		Size:        in.Size,
		DestKey:     in.DestKey,
		OwnerID:     actor.ID,
		FileName:    in.FileName,
		ContentType: in.ContentType,
		CreatedAt:   g.now(),
	}
	uploadID, err := g.objects.CreateMultipartUpload(ctx, u.tempKey(), in.ContentType)
	if err != nil {
		g.metrics.UpstreamFailure("CreateMultipartUpload")
		return nil, apperr.Upstream(err, "failed to create temporary upload")
	}
	u.UploadID = uploadID
	if err := g.saveInfo(ctx, u); err != nil {
		if abortErr := g.objects.AbortMultipartUpload(context.WithoutCancel(ctx), u.tempKey(), uploadID); abortErr != nil {
			g.uploadLog(u).WithError(abortErr).Warn("failed to abort temporary upload of unsaved upload")
		}
		return nil, err
	}
	g.uploadLog(u).WithField("size", u.Size).Info("resumable upload created")
	return u, nil
}

// Status returns the upload if the actor owns it.
func (g *Gateway) Status(ctx context.Context, actor entity.Actor, id string) (*Upload, error) {
	return g.load(ctx, actor, id)
}

// Append writes body at offset, which must equal the current offset. When the
// last byte arrives the upload is relocated to its destination key; a
// relocation failure is returned even though the bytes are stored, and an
// empty append at the full offset retries it.
func (g *Gateway) Append(ctx context.Context, actor entity.Actor, id string, offset int64, body io.Reader) (*Upload, error) {
	unlock := g.locks.lock(id)
	defer unlock()

	u, err := g.load(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if offset != u.Offset {
		return nil, apperr.Conflict("offset %d does not match the current offset %d", offset, u.Offset)
	}
	if u.Offset == u.Size {
		if extra, err := io.ReadAll(io.LimitReader(body, 1)); err == nil && len(extra) > 0 {
			return nil, apperr.Validation("upload %s already holds all %d bytes", id, u.Size)
		}
		if err := g.finish(ctx, u); err != nil {
			return nil, err
		}
		return u, nil
	}

	data, err := io.ReadAll(io.LimitReader(body, g.maxChunkSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	if int64(len(data)) > g.maxChunkSize {
		return nil, apperr.SizeExceeded("request body exceeds %d bytes", g.maxChunkSize)
	}
	if u.Offset+int64(len(data)) > u.Size {
		return nil, apperr.Validation("%d bytes at offset %d exceed Upload-Length %d", len(data), u.Offset, u.Size)
	}
	if len(data) == 0 {
		return u, nil
	}

	buf := data
	if u.Pending > 0 {
		pending, err := g.readObject(ctx, u.partKey())
		if err != nil {
			return nil, err
		}
		buf = append(pending, data...)
	}

	final := u.Offset+int64(len(data)) == u.Size
	if int64(len(buf)) >= g.partSize(u.Size) || final {
		n := u.Parts + 1
		if n > g.maxParts {
			return nil, apperr.SizeExceeded("upload %s needs more than %d parts", id, g.maxParts)
		}
		if _, err := g.objects.UploadPart(ctx, u.tempKey(), u.UploadID, n, bytes.NewReader(buf), int64(len(buf))); err != nil {
			g.metrics.UpstreamFailure("UploadPart")
			return nil, apperr.Upstream(err, "failed to store part %d", n)
		}
		u.Parts = n
		if u.Pending > 0 {
			if err := g.objects.DeleteObject(ctx, u.partKey()); err != nil {
				g.uploadLog(u).WithError(err).Warn("failed to delete incomplete part")
			}
		}
		u.Pending = 0
	} else {
		if err := g.objects.PutObject(ctx, u.partKey(), "application/octet-stream", bytes.NewReader(buf), int64(len(buf))); err != nil {
			g.metrics.UpstreamFailure("PutObject")
			return nil, apperr.Upstream(err, "failed to stage incomplete part")
		}
		u.Pending = int64(len(buf))
	}
	u.Offset += int64(len(data))
	g.metrics.AddGatewayBytes(int64(len(data)))

	if err := g.saveInfo(ctx, u); err != nil {
		return nil, err
	}
	if final {
		if err := g.finish(ctx, u); err != nil {
			return nil, err
		}
	}
	return u, nil
}

// Terminate discards the upload and its staged bytes.
func (g *Gateway) Terminate(ctx context.Context, actor entity.Actor, id string) error {
	unlock := g.locks.lock(id)
	defer unlock()

	u, err := g.load(ctx, actor, id)
	if err != nil {
		return err
	}
	var result *multierror.Error
	err = g.objects.AbortMultipartUpload(ctx, u.tempKey(), u.UploadID)
	gone := errors.Is(err, apperr.ErrNotFound)
	if err != nil && !gone {
		result = multierror.Append(result, err)
	}
	// A completed multipart upload leaves the temporary object behind.
	result = multierror.Append(result, g.cleanup(ctx, u, gone || u.Completed))
	if err := result.ErrorOrNil(); err != nil {
		return apperr.Upstream(err, "failed to terminate upload %s", id)
	}
	g.uploadLog(u).Info("resumable upload terminated")
	return nil
}

// Relocate the completed temporary object to its destination key. Each step
// is recorded in the sidecar so a retry resumes after the last one that
// succeeded.
func (g *Gateway) finish(ctx context.Context, u *Upload) error {
	log := g.uploadLog(u)
	if !u.Completed {
		if err := g.completeTemp(ctx, u); err != nil {
			log.WithError(err).Error("failed to complete temporary upload")
			return err
		}
		u.Completed = true
		if err := g.saveInfo(ctx, u); err != nil {
			return err
		}
	}
	if !u.Relocated {
		if err := g.objects.CopyObject(ctx, u.tempKey(), u.DestKey, u.Size); err != nil {
			g.metrics.UpstreamFailure("CopyObject")
			log.WithError(err).Error("failed to relocate upload")
			return fmt.Errorf("failed to relocate upload to %s: %w", u.DestKey, err)
		}
		if folder, owner := keys.Folder(u.DestKey); folder == entity.FolderPersonal {
			if err := g.profiles.AddStorageUsed(ctx, owner, u.Size); err != nil {
				log.WithError(err).Error("failed to charge storage quota")
				return fmt.Errorf("failed to charge storage quota: %w", err)
			}
		}
		u.Relocated = true
		if err := g.saveInfo(ctx, u); err != nil {
			log.WithError(err).Warn("failed to record relocation")
		}
	}
	if err := g.cleanup(ctx, u, true); err != nil {
		log.WithError(err).Error("failed to clean up relocated upload")
		return fmt.Errorf("failed to clean up upload %s: %w", u.ID, err)
	}
	log.WithField("size", u.Size).Info("resumable upload relocated")
	return nil
}

// Complete the temporary multipart upload from the parts the store holds.
func (g *Gateway) completeTemp(ctx context.Context, u *Upload) error {
	parts, err := g.objects.ListParts(ctx, u.tempKey(), u.UploadID)
	if errors.Is(err, apperr.ErrNotFound) && g.exists(ctx, u.tempKey()) {
		// Completed by an earlier attempt that failed to record it.
		return nil
	}
	if err != nil {
		g.metrics.UpstreamFailure("ListParts")
		return apperr.Upstream(err, "failed to list parts of upload %s", u.ID)
	}
	if int64(len(parts)) != u.Parts {
		return fmt.Errorf("temporary upload %s holds %d parts, expected %d", u.ID, len(parts), u.Parts)
	}
	if _, err := g.objects.CompleteMultipartUpload(ctx, u.tempKey(), u.UploadID, parts); err != nil {
		g.metrics.UpstreamFailure("CompleteMultipartUpload")
		return fmt.Errorf("failed to complete temporary upload: %w", err)
	}
	return nil
}

// Bytes staged before a part is flushed. Large uploads use the planned chunk
// size so they fit in the part limit.
func (g *Gateway) partSize(size int64) int64 {
	plan, err := planner.Compute(size)
	if err != nil || plan.Strategy == planner.SingleChunk {
		return g.minPartSize
	}
	return max(g.minPartSize, plan.ChunkSize)
}

// Delete the staged objects of u. withObject also deletes the completed
// temporary object itself.
func (g *Gateway) cleanup(ctx context.Context, u *Upload, withObject bool) error {
	targets := []string{u.infoKey()}
	if withObject {
		targets = append([]string{u.tempKey()}, targets...)
	}
	if u.Pending > 0 {
		targets = append(targets, u.partKey())
	}
	var result *multierror.Error
	for _, key := range targets {
		if err := g.objects.DeleteObject(ctx, key); err != nil {
			g.metrics.UpstreamFailure("DeleteObject")
			result = multierror.Append(result, fmt.Errorf("delete %s: %w", key, err))
		}
	}
	return result.ErrorOrNil()
}

// Check that the actor may write size bytes to key.
func (g *Gateway) authorize(ctx context.Context, actor entity.Actor, key string, size int64) error {
	if actor.ID == "" {
		return apperr.Auth("unauthenticated")
	}
	profile, err := g.profiles.GetByID(ctx, actor.ID)
	if errors.Is(err, apperr.ErrNotFound) {
		return apperr.Auth("no profile for %s", actor.ID)
	}
	if err != nil {
		return err
	}
	folder, owner := keys.Folder(key)
	switch {
	case folder == entity.FolderPersonal && owner != actor.ID:
		return apperr.Permission("key %s is outside the caller's folder", key)
	case !profile.CanWrite(folder):
		return apperr.Permission("role %s may not upload to the %s folder", profile.Role, folder)
	case folder == entity.FolderPersonal && !profile.HasRoomFor(size):
		return apperr.QuotaExceeded("storage quota exceeded: %d of %d bytes used", profile.StorageUsed, profile.StorageLimit)
	}
	return nil
}

func (g *Gateway) load(ctx context.Context, actor entity.Actor, id string) (*Upload, error) {
	if id == "" || strings.ContainsAny(id, "/.") {
		return nil, apperr.NotFound("upload %q does not exist", id)
	}
	data, err := g.readObject(ctx, keys.TempPrefix+"/"+id+infoSuffix)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.NotFound("upload %s does not exist", id)
	}
	if err != nil {
		return nil, err
	}
	var u Upload
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("corrupt upload info %s: %w", id, err)
	}
	if u.OwnerID != actor.ID {
		return nil, apperr.Permission("upload %s belongs to another owner", id)
	}
	return &u, nil
}

func (g *Gateway) saveInfo(ctx context.Context, u *Upload) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	if err := g.objects.PutObject(ctx, u.infoKey(), "application/json", bytes.NewReader(data), int64(len(data))); err != nil {
		g.metrics.UpstreamFailure("PutObject")
		return apperr.Upstream(err, "failed to save upload info")
	}
	return nil
}

func (g *Gateway) exists(ctx context.Context, key string) bool {
	rc, err := g.objects.GetObject(ctx, key)
	if err != nil {
		return false
	}
	rc.Close()
	return true
}

func (g *Gateway) readObject(ctx context.Context, key string) ([]byte, error) {
	rc, err := g.objects.GetObject(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (g *Gateway) uploadLog(u *Upload) logrus.FieldLogger {
	return g.log.WithFields(logrus.Fields{
		"upload": u.ID,
		"key":    u.DestKey,
		"owner":  u.OwnerID,
	})
}

// keyedMutex serializes requests for the same upload within this process.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &lockEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
