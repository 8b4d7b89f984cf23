package entity

import "time"

type Folder string

const (
	FolderPersonal Folder = "personal"
	FolderShared   Folder = "shared"
)

func (f Folder) Valid() bool { return f == FolderPersonal || f == FolderShared }

type Status string

const (
	StatusInitiated Status = "initiated"
	StatusUploading Status = "uploading"
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusAborted }

// The entity of a multipart upload session.
type UploadSession struct {
	UploadID    string     `dynamodbav:"upload_id" json:"uploadId"`
	Key         string     `dynamodbav:"key" json:"key"`
	OwnerID     string     `dynamodbav:"owner_id" json:"ownerId"`
	FileName    string     `dynamodbav:"file_name" json:"fileName"`
	FileSize    int64      `dynamodbav:"file_size" json:"fileSize"`
	ContentType string     `dynamodbav:"content_type" json:"contentType"`
	Folder      Folder     `dynamodbav:"folder" json:"folder"`
	SubPath     string     `dynamodbav:"sub_path,omitempty" json:"subPath,omitempty"`
	Status      Status     `dynamodbav:"status" json:"status"`
	CreatedAt   time.Time  `dynamodbav:"created_at,unixtime" json:"createdAt"`
	CompletedAt *time.Time `dynamodbav:"completed_at,omitempty,unixtime" json:"completedAt,omitempty"`
	AbortedAt   *time.Time `dynamodbav:"aborted_at,omitempty,unixtime" json:"abortedAt,omitempty"`
	Location    string     `dynamodbav:"location,omitempty" json:"location,omitempty"`
	ETag        string     `dynamodbav:"etag,omitempty" json:"etag,omitempty"`
}

func NewUploadSession(uploadID, key, ownerID, fileName, contentType string, size int64, folder Folder, subPath string, now time.Time) *UploadSession {
	return &UploadSession{
		UploadID:    uploadID,
		Key:         key,
		OwnerID:     ownerID,
		FileName:    fileName,
		FileSize:    size,
		ContentType: contentType,
		Folder:      folder,
		SubPath:     subPath,
		Status:      StatusInitiated,
		CreatedAt:   now,
	}
}

// Mark the session as completed with the finalized object.
func (s *UploadSession) MarkCompleted(obj *CompletedObject, at time.Time) {
	s.Status = StatusCompleted
	s.CompletedAt = &at
	if obj != nil {
		s.Location = obj.Location
		s.ETag = obj.ETag
	}
}

// Mark the session as aborted.
func (s *UploadSession) MarkAborted(at time.Time) {
	s.Status = StatusAborted
	s.AbortedAt = &at
}

// ChargesQuota reports whether completing the session counts against the owner's quota.
func (s *UploadSession) ChargesQuota() bool { return s.Folder == FolderPersonal }

// The part portion of an uploaded file.
type Part struct {
	PartNumber int64  `json:"partNumber"`     // Part number that identifies the part.
	ETag       string `json:"etag"`           // Entity tag returned by the object store.
	Size       int64  `json:"size,omitempty"` // Size in bytes, when known.
}

// The object produced by a completed multipart upload.
type CompletedObject struct {
	Location string
	ETag     string
}

// A multipart upload that still holds part data in the object store.
type PendingUpload struct {
	Key       string
	UploadID  string
	Initiated time.Time
}
