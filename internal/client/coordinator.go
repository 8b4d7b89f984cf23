// Package client uploads local files through the session coordinator: it
// plans the parts, PUTs them directly to the object store with per-part
// grants and keeps enough state to resume an interrupted upload.
package client

import (
	"context"
	"time"

	"github.com/molpadia/molpadrive/internal/domain/entity"
	"github.com/molpadia/molpadrive/internal/planner"
)

// Coordinator is the server side of an upload as seen by the client.
type Coordinator interface {
	Initiate(ctx context.Context, req InitiateRequest) (*Initiated, error)
	SignPart(ctx context.Context, uploadID string, partNumber int64) (*Grant, error)
	Complete(ctx context.Context, uploadID string, parts []*entity.Part) (*Completed, error)
	Abort(ctx context.Context, uploadID, key string) error
	ListParts(ctx context.Context, uploadID string) ([]*entity.Part, error)
}

type InitiateRequest struct {
	FileName    string        `json:"fileName"`
	FileSize    int64         `json:"fileSize"`
	ContentType string        `json:"contentType,omitempty"`
	Folder      entity.Folder `json:"folder"`
	SubPath     string        `json:"subPath,omitempty"`
}

type Initiated struct {
	UploadID string       `json:"uploadId"`
	Key      string       `json:"key"`
	Plan     planner.Plan `json:"plan"`
}

// Grant authorizes the PUT of one part to URL until ExpiresAt.
type Grant struct {
	URL        string    `json:"presignedUrl"`
	PartNumber int64     `json:"partNumber"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

type Completed struct {
	Location string `json:"location"`
	ETag     string `json:"etag"`
	Key      string `json:"key"`
}
