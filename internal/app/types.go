package app

import (
	"time"

	"github.com/molpadia/molpadrive/internal/domain/entity"
	"github.com/molpadia/molpadrive/internal/planner"
)

type InitiateRequest struct {
	FileName    string        `json:"fileName" validate:"required,max=255"`
	FileSize    int64         `json:"fileSize" validate:"gt=0"`
	ContentType string        `json:"contentType" validate:"max=255"`
	Folder      entity.Folder `json:"folder" validate:"required,oneof=personal shared"`
	SubPath     string        `json:"subPath" validate:"max=1024"`
}

type InitiateResponse struct {
	UploadID string       `json:"uploadId"`
	Key      string       `json:"key"`
	Plan     planner.Plan `json:"plan"`
}

type GrantResponse struct {
	PresignedURL string    `json:"presignedUrl"`
	PartNumber   int64     `json:"partNumber"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

type PartsResponse struct {
	Parts []*entity.Part `json:"parts"`
}

type CompleteRequest struct {
	Parts []*entity.Part `json:"parts" validate:"required,min=1,max=10000,dive,required"`
}

type CompleteResponse struct {
	Location string `json:"location"`
	ETag     string `json:"etag"`
	Key      string `json:"key"`
}

// The key is optional. When given it must match the session.
type AbortRequest struct {
	Key string `json:"key"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}

type QuotaResponse struct {
	StorageUsed  int64       `json:"storageUsed"`
	StorageLimit int64       `json:"storageLimit"`
	Role         entity.Role `json:"role"`
}

// A zero MaxAgeHours uses the collector default.
type CleanupRequest struct {
	MaxAgeHours float64 `json:"maxAgeHours" validate:"gte=0"`
}

type CleanupResponse struct {
	Scanned int `json:"scanned"`
	Aborted int `json:"aborted"`
	Orphans int `json:"orphans"`
}

type HealthResponse struct {
	Status string `json:"status"`
}
