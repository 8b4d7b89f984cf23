package repository

import (
	"context"
	"errors"
	"time"

	"github.com/molpadia/molpadrive/internal/domain/entity"
)

// ErrTransactionConflict is returned when a write lost a race against a
// concurrent transaction and may be retried as is.
var ErrTransactionConflict = errors.New("transaction conflict")

type SessionRepository interface {
	// Create a session record; fails with Conflict if the upload ID exists.
	Create(ctx context.Context, s *entity.UploadSession) error
	// Get the session by the upload ID; fails with NotFound if missing.
	GetByID(ctx context.Context, uploadID string) (*entity.UploadSession, error)
	// Move an initiated session to uploading. Uploading sessions are left as is;
	// terminal sessions fail with Conflict.
	MarkUploading(ctx context.Context, uploadID string) error
	// Atomically mark the session completed and, when chargeQuota is set, add
	// its size to the owner's storage usage. Fails with Conflict and leaves the
	// ledger untouched if the session is already terminal.
	Complete(ctx context.Context, s *entity.UploadSession, obj *entity.CompletedObject, chargeQuota bool, at time.Time) error
	// Mark the session aborted; fails with Conflict if it is already terminal.
	Abort(ctx context.Context, uploadID string, at time.Time) error
	// List non-terminal sessions created strictly before the cutoff.
	ListStale(ctx context.Context, before time.Time) ([]*entity.UploadSession, error)
}

type ProfileRepository interface {
	// Get the owner profile; fails with NotFound if missing.
	GetByID(ctx context.Context, ownerID string) (*entity.Profile, error)
	// Save a profile, replacing any existing one.
	Save(ctx context.Context, p *entity.Profile) error
	// Atomically add delta bytes to the owner's storage usage.
	AddStorageUsed(ctx context.Context, ownerID string, delta int64) error
}
