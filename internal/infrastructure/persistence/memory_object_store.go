package persistence

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/molpadia/molpadrive/internal/apperr"
	"github.com/molpadia/molpadrive/internal/domain/entity"
)

// LocalPartsPath is where MemoryObjectStore receives presigned part uploads.
const LocalPartsPath = "/_local/parts"

type memPart struct {
	data []byte
	etag string
}

type memUpload struct {
	key         string
	contentType string
	initiated   time.Time
	parts       map[int64]memPart
}

type memObject struct {
	data        []byte
	contentType string
	etag        string
}

// MemoryObjectStore is an in-process object store with S3 multipart
// semantics. Presigned part URLs point at its own HTTP handler, which must
// be mounted under LocalPartsPath of BaseURL.
type MemoryObjectStore struct {
	BaseURL     string
	MinPartSize int64 // smallest accepted non-final part, 0 disables the check
	Now         func() time.Time

	mu       sync.Mutex
	secret   []byte
	uploads  map[string]*memUpload
	objects  map[string]memObject
	failures map[string]error
}

func NewMemoryObjectStore(baseURL string) *MemoryObjectStore {
	return &MemoryObjectStore{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Now:      time.Now,
		secret:   []byte(uuid.NewString()),
		uploads:  make(map[string]*memUpload),
		objects:  make(map[string]memObject),
		failures: make(map[string]error),
	}
}

// SetFailure makes every call of op fail with err until cleared with a nil err.
func (s *MemoryObjectStore) SetFailure(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

func (s *MemoryObjectStore) failure(op string) error {
	return s.failures[op]
}

func (s *MemoryObjectStore) CreateMultipartUpload(ctx context.Context, key, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("CreateMultipartUpload"); err != nil {
		return "", err
	}
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	s.uploads[id] = &memUpload{key: key, contentType: contentType, initiated: s.Now(), parts: make(map[int64]memPart)}
	return id, nil
}

func (s *MemoryObjectStore) SignUploadPart(ctx context.Context, key, uploadID string, partNumber int64, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("SignUploadPart"); err != nil {
		return "", err
	}
	expires := s.Now().Add(ttl).Unix()
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("signature", s.sign(uploadID, partNumber, expires))
	return fmt.Sprintf("%s%s/%s/%d?%s", s.BaseURL, LocalPartsPath, uploadID, partNumber, q.Encode()), nil
}

func (s *MemoryObjectStore) sign(uploadID string, partNumber, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s:%d:%d", uploadID, partNumber, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *MemoryObjectStore) UploadPart(ctx context.Context, key, uploadID string, partNumber int64, body io.ReadSeeker, size int64) (string, error) {
	data, err := io.ReadAll(io.LimitReader(body, size))
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("UploadPart"); err != nil {
		return "", err
	}
	return s.putPart(uploadID, partNumber, data)
}

func (s *MemoryObjectStore) putPart(uploadID string, partNumber int64, data []byte) (string, error) {
	u, ok := s.uploads[uploadID]
	if !ok {
		return "", apperr.NotFound("multipart upload %s does not exist", uploadID)
	}
	etag := quotedMD5(data)
	u.parts[partNumber] = memPart{data: data, etag: etag}
	return etag, nil
}

func (s *MemoryObjectStore) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []*entity.Part) (*entity.CompletedObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("CompleteMultipartUpload"); err != nil {
		return nil, err
	}
	u, ok := s.uploads[uploadID]
	if !ok || u.key != key {
		return nil, apperr.NotFound("multipart upload %s does not exist", uploadID)
	}
	if len(parts) == 0 {
		return nil, apperr.Validation("no parts to complete")
	}

	var buf bytes.Buffer
	etags := md5.New()
	for i, p := range parts {
		if i > 0 && p.PartNumber <= parts[i-1].PartNumber {
			return nil, apperr.Validation("parts are not in ascending order")
		}
		stored, ok := u.parts[p.PartNumber]
		if !ok || stored.etag != p.ETag {
			return nil, apperr.Validation("part %d was not uploaded", p.PartNumber)
		}
		if s.MinPartSize > 0 && i < len(parts)-1 && int64(len(stored.data)) < s.MinPartSize {
			return nil, apperr.Validation("part %d is smaller than %d bytes", p.PartNumber, s.MinPartSize)
		}
		buf.Write(stored.data)
		etags.Write([]byte(stored.etag))
	}

	etag := fmt.Sprintf("%q", fmt.Sprintf("%s-%d", hex.EncodeToString(etags.Sum(nil)), len(parts)))
	s.objects[key] = memObject{data: buf.Bytes(), contentType: u.contentType, etag: etag}
	delete(s.uploads, uploadID)
	return &entity.CompletedObject{Location: s.BaseURL + "/" + key, ETag: etag}, nil
}

func (s *MemoryObjectStore) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("AbortMultipartUpload"); err != nil {
		return err
	}
	if _, ok := s.uploads[uploadID]; !ok {
		return apperr.NotFound("multipart upload %s does not exist", uploadID)
	}
	delete(s.uploads, uploadID)
	return nil
}

func (s *MemoryObjectStore) ListMultipartUploads(ctx context.Context, prefix string) ([]*entity.PendingUpload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("ListMultipartUploads"); err != nil {
		return nil, err
	}
	var out []*entity.PendingUpload
	for id, u := range s.uploads {
		if strings.HasPrefix(u.key, prefix) {
			out = append(out, &entity.PendingUpload{Key: u.key, UploadID: id, Initiated: u.initiated})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *MemoryObjectStore) ListParts(ctx context.Context, key, uploadID string) ([]*entity.Part, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[uploadID]
	if !ok {
		return nil, apperr.NotFound("multipart upload %s does not exist", uploadID)
	}
	parts := make([]*entity.Part, 0, len(u.parts))
	for n, p := range u.parts {
		parts = append(parts, &entity.Part{PartNumber: n, ETag: p.etag, Size: int64(len(p.data))})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

func (s *MemoryObjectStore) CopyObject(ctx context.Context, srcKey, dstKey string, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("CopyObject"); err != nil {
		return err
	}
	obj, ok := s.objects[srcKey]
	if !ok {
		return apperr.NotFound("object %s does not exist", srcKey)
	}
	s.objects[dstKey] = obj
	return nil
}

func (s *MemoryObjectStore) DeleteObject(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("DeleteObject"); err != nil {
		return err
	}
	delete(s.objects, key)
	return nil
}

func (s *MemoryObjectStore) GetObject(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, apperr.NotFound("object %s does not exist", key)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (s *MemoryObjectStore) PutObject(ctx context.Context, key, contentType string, body io.ReadSeeker, size int64) error {
	data, err := io.ReadAll(io.LimitReader(body, size))
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("PutObject"); err != nil {
		return err
	}
	s.objects[key] = memObject{data: data, contentType: contentType, etag: quotedMD5(data)}
	return nil
}

// Object returns a copy of a stored object's bytes.
func (s *MemoryObjectStore) Object(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

// Register mounts the presigned part receiver on r.
func (s *MemoryObjectStore) Register(r *mux.Router) {
	r.Methods(http.MethodPut).Path(LocalPartsPath + "/{uploadId}/{partNumber:[0-9]+}").HandlerFunc(s.receivePart)
}

// Receive a presigned part upload.
func (s *MemoryObjectStore) receivePart(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	uploadID := vars["uploadId"]
	partNumber, _ := strconv.ParseInt(vars["partNumber"], 10, 64)
	expires, err := strconv.ParseInt(r.URL.Query().Get("expires"), 10, 64)
	if err != nil {
		http.Error(w, "missing expiry", http.StatusForbidden)
		return
	}
	if !hmac.Equal([]byte(r.URL.Query().Get("signature")), []byte(s.sign(uploadID, partNumber, expires))) {
		http.Error(w, "signature does not match", http.StatusForbidden)
		return
	}
	if s.Now().Unix() > expires {
		http.Error(w, "request has expired", http.StatusForbidden)
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if err := s.failure("ReceivePart"); err != nil {
		s.mu.Unlock()
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	etag, err := s.putPart(uploadID, partNumber, data)
	s.mu.Unlock()
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
}

func quotedMD5(data []byte) string {
	sum := md5.Sum(data)
	return fmt.Sprintf("%q", hex.EncodeToString(sum[:]))
}
