package repository

import (
	"context"
	"io"
	"time"

	"github.com/molpadia/molpadrive/internal/domain/entity"
)

type ObjectStore interface {
	// Initiates a multipart upload and return the provider-assigned upload ID.
	CreateMultipartUpload(ctx context.Context, key, contentType string) (string, error)
	// Presign an upload URL scoped to exactly one part.
	SignUploadPart(ctx context.Context, key, uploadID string, partNumber int64, ttl time.Duration) (string, error)
	// Upload a file part through the server and return its entity tag.
	UploadPart(ctx context.Context, key, uploadID string, partNumber int64, body io.ReadSeeker, size int64) (string, error)
	// Finalize the multipart upload; parts must be in ascending order.
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []*entity.Part) (*entity.CompletedObject, error)
	// Discard the multipart upload and its parts.
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error
	// List multipart uploads still open under the prefix.
	ListMultipartUploads(ctx context.Context, prefix string) ([]*entity.PendingUpload, error)
	// List the parts received for a multipart upload.
	ListParts(ctx context.Context, key, uploadID string) ([]*entity.Part, error)

	// Copy an object of the given size to another key.
	CopyObject(ctx context.Context, srcKey, dstKey string, size int64) error
	DeleteObject(ctx context.Context, key string) error
	// Get the object body; fails with NotFound if missing.
	GetObject(ctx context.Context, key string) (io.ReadCloser, error)
	// Upload an entire object.
	PutObject(ctx context.Context, key, contentType string, body io.ReadSeeker, size int64) error
}
