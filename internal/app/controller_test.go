package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/molpadia/molpadrive/internal/auth"
	"github.com/molpadia/molpadrive/internal/client"
	"github.com/molpadia/molpadrive/internal/domain/entity"
	"github.com/molpadia/molpadrive/internal/gateway"
	"github.com/molpadia/molpadrive/internal/gc"
	"github.com/molpadia/molpadrive/internal/infrastructure/persistence"
	"github.com/molpadia/molpadrive/internal/logging"
	"github.com/molpadia/molpadrive/internal/metrics"
	"github.com/molpadia/molpadrive/internal/planner"
	"github.com/molpadia/molpadrive/internal/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret = "0123456789abcdef0123456789abcdef"
	mib        = int64(1 << 20)
)

type server struct {
	t       *testing.T
	url     string
	store   *persistence.MemoryStore
	objects *persistence.MemoryObjectStore
	tokens  map[string]string
	ready   error
}

type serverOption func(*server, *[]session.Option)

// Sessions appear to have been created at the given time.
func createdAt(at time.Time) serverOption {
	return func(s *server, opts *[]session.Option) {
		*opts = append(*opts, session.WithClock(func() time.Time { return at }))
		s.objects.Now = func() time.Time { return at }
	}
}

func newServer(t *testing.T, opts ...serverOption) *server {
	t.Helper()
	ctx := context.Background()
	s := &server{
		t:       t,
		store:   persistence.NewMemoryStore(),
		objects: persistence.NewMemoryObjectStore(""),
		tokens:  make(map[string]string),
	}
	profiles := []*entity.Profile{
		{OwnerID: "u1", Role: entity.RoleUser, StorageLimit: 100 * mib},
		{OwnerID: "u2", Role: entity.RoleUser, StorageLimit: 100 * mib},
		{OwnerID: "boss", Role: entity.RoleAdmin, StorageLimit: 100 * mib},
	}
	verifier := auth.NewVerifier(testSecret)
	for _, p := range profiles {
		require.NoError(t, s.store.Profiles().Save(ctx, p))
		token, err := verifier.Issue(p.OwnerID, time.Hour)
		require.NoError(t, err)
		s.tokens[p.OwnerID] = token
	}

	var sessionOpts []session.Option
	for _, opt := range opts {
		opt(s, &sessionOpts)
	}
	log := logging.Discard()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	sessionOpts = append(sessionOpts, session.WithLogger(log), session.WithMetrics(m))

	r := mux.NewRouter()
	s.objects.Register(r)
	SetupRoutes(r, Services{
		Coordinator:    session.New(s.store.Sessions(), s.store.Profiles(), s.objects, sessionOpts...),
		Collector:      gc.New(s.store.Sessions(), s.objects, gc.WithLogger(log), gc.WithMetrics(m)),
		Gateway:        gateway.New(s.objects, s.store.Profiles(), gateway.WithLogger(log), gateway.WithMetrics(m)),
		Verifier:       verifier,
		AllowedOrigins: []string{"https://app.example.com"},
		Gatherer:       reg,
		Ready:          func(ctx context.Context) error { return s.ready },
		Log:            log,
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	s.url = srv.URL
	s.objects.BaseURL = srv.URL
	return s
}

func (s *server) do(owner, method, path string, body interface{}) *http.Response {
	s.t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(s.t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.url+path, rd)
	require.NoError(s.t, err)
	if owner != "" {
		req.Header.Set("Authorization", "Bearer "+s.tokens[owner])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(s.t, err)
	s.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (s *server) initiate(owner string, req InitiateRequest) InitiateResponse {
	s.t.Helper()
	resp := s.do(owner, "POST", APIPrefix+"/uploads", req)
	require.Equal(s.t, http.StatusCreated, resp.StatusCode)
	return decode[InitiateResponse](s.t, resp)
}

// Sign part n and PUT data to the grant like a browser would.
func (s *server) putPart(owner, uploadID string, n int64, data []byte) string {
	s.t.Helper()
	resp := s.do(owner, "POST", APIPrefix+"/uploads/"+uploadID+"/parts/"+strconv.FormatInt(n, 10)+"/sign", nil)
	require.Equal(s.t, http.StatusOK, resp.StatusCode)
	grant := decode[GrantResponse](s.t, resp)
	assert.Equal(s.t, n, grant.PartNumber)

	req, err := http.NewRequest("PUT", grant.PresignedURL, bytes.NewReader(data))
	require.NoError(s.t, err)
	put, err := http.DefaultClient.Do(req)
	require.NoError(s.t, err)
	defer put.Body.Close()
	require.Equal(s.t, http.StatusOK, put.StatusCode)
	return put.Header.Get("ETag")
}

func TestUploadFlow(t *testing.T) {
	s := newServer(t)
	data := []byte("hello molpadrive")

	started := s.initiate("u1", InitiateRequest{FileName: "notes.txt", FileSize: int64(len(data)), Folder: entity.FolderPersonal, SubPath: "docs"})
	assert.Equal(t, "users/u1/docs/notes.txt", started.Key)
	assert.Equal(t, planner.SingleChunk, started.Plan.Strategy)
	assert.Equal(t, int64(1), started.Plan.NumChunks)

	etag := s.putPart("u1", started.UploadID, 1, data)

	resp := s.do("u1", "GET", APIPrefix+"/uploads/"+started.UploadID+"/parts", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	parts := decode[PartsResponse](t, resp)
	require.Len(t, parts.Parts, 1)
	assert.Equal(t, etag, parts.Parts[0].ETag)

	resp = s.do("u1", "POST", APIPrefix+"/uploads/"+started.UploadID+"/complete", CompleteRequest{Parts: []*entity.Part{{PartNumber: 1, ETag: etag}}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	done := decode[CompleteResponse](t, resp)
	assert.Equal(t, started.Key, done.Key)
	assert.Equal(t, s.url+"/"+started.Key, done.Location)

	stored, ok := s.objects.Object(started.Key)
	require.True(t, ok)
	assert.Equal(t, data, stored)

	resp = s.do("u1", "GET", APIPrefix+"/uploads/"+started.UploadID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode[entity.UploadSession](t, resp)
	assert.Equal(t, entity.StatusCompleted, status.Status)
	assert.NotNil(t, status.CompletedAt)

	resp = s.do("u1", "GET", APIPrefix+"/quota", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, QuotaResponse{StorageUsed: int64(len(data)), StorageLimit: 100 * mib, Role: entity.RoleUser}, decode[QuotaResponse](t, resp))

	// A second completion is rejected and the ledger is unchanged.
	resp = s.do("u1", "POST", APIPrefix+"/uploads/"+started.UploadID+"/complete", CompleteRequest{Parts: []*entity.Part{{PartNumber: 1, ETag: etag}}})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	e := decode[AppError](t, resp)
	assert.Equal(t, http.StatusConflict, e.Code)
	assert.Contains(t, e.Message, "completed")

	p, err := s.store.Profiles().GetByID(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), p.StorageUsed)
}

func TestCompleteAcceptsPartsInAnyOrder(t *testing.T) {
	s := newServer(t)
	size := 12 * mib
	started := s.initiate("u1", InitiateRequest{FileName: "video.mp4", FileSize: size, Folder: entity.FolderPersonal})
	require.Equal(t, int64(3), started.Plan.NumChunks)

	var parts []*entity.Part
	for n := int64(3); n >= 1; n-- {
		_, length := started.Plan.PartRange(n)
		etag := s.putPart("u1", started.UploadID, n, bytes.Repeat([]byte{byte('a' + n)}, int(length)))
		parts = append(parts, &entity.Part{PartNumber: n, ETag: etag})
	}
	resp := s.do("u1", "POST", APIPrefix+"/uploads/"+started.UploadID+"/complete", CompleteRequest{Parts: parts})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stored, ok := s.objects.Object("users/u1/video.mp4")
	require.True(t, ok)
	require.Len(t, stored, int(size))
	assert.Equal(t, byte('b'), stored[0])
	assert.Equal(t, byte('d'), stored[size-1])
}

func TestRejects(t *testing.T) {
	s := newServer(t)
	foreign := s.initiate("u2", InitiateRequest{FileName: "a.txt", FileSize: 10, Folder: entity.FolderPersonal})

	tests := []struct {
		name    string
		owner   string
		method  string
		path    string
		body    interface{}
		code    int
		message string
	}{
		{"no token", "", "POST", "/uploads", InitiateRequest{}, http.StatusUnauthorized, "authorization header required"},
		{"bad json", "u1", "POST", "/uploads", "{", http.StatusBadRequest, "cannot parse JSON"},
		{"empty body", "u1", "POST", "/uploads", "", http.StatusBadRequest, "must not be empty"},
		{"missing file name", "u1", "POST", "/uploads", InitiateRequest{FileSize: 1, Folder: entity.FolderPersonal}, http.StatusBadRequest, "fileName is required"},
		{"unknown folder", "u1", "POST", "/uploads", InitiateRequest{FileName: "a", FileSize: 1, Folder: "public"}, http.StatusBadRequest, "folder must satisfy oneof"},
		{"zero size", "u1", "POST", "/uploads", InitiateRequest{FileName: "a", FileSize: 0, Folder: entity.FolderPersonal}, http.StatusBadRequest, "fileSize"},
		{"traversal", "u1", "POST", "/uploads", InitiateRequest{FileName: "a", FileSize: 1, Folder: entity.FolderPersonal, SubPath: "../x"}, http.StatusBadRequest, "sub path"},
		{"shared as user", "u1", "POST", "/uploads", InitiateRequest{FileName: "a", FileSize: 1, Folder: entity.FolderShared}, http.StatusForbidden, "may not upload"},
		{"over quota", "u1", "POST", "/uploads", InitiateRequest{FileName: "a", FileSize: 101 * mib, Folder: entity.FolderPersonal}, http.StatusRequestEntityTooLarge, "quota"},
		{"bad part number", "u1", "POST", "/uploads/" + foreign.UploadID + "/parts/x/sign", nil, http.StatusBadRequest, "part number"},
		{"part number zero", "u2", "POST", "/uploads/" + foreign.UploadID + "/parts/0/sign", nil, http.StatusBadRequest, "part number"},
		{"unknown upload", "u1", "GET", "/uploads/missing", nil, http.StatusNotFound, "missing"},
		{"foreign upload", "u1", "GET", "/uploads/" + foreign.UploadID + "/parts", nil, http.StatusForbidden, "another owner"},
		{"foreign sign", "u1", "POST", "/uploads/" + foreign.UploadID + "/parts/1/sign", nil, http.StatusForbidden, "another owner"},
		{"empty parts", "u2", "POST", "/uploads/" + foreign.UploadID + "/complete", CompleteRequest{}, http.StatusBadRequest, "parts is required"},
		{"cleanup as user", "u1", "POST", "/admin/cleanup", CleanupRequest{}, http.StatusForbidden, "admin"},
		{"negative age", "boss", "POST", "/admin/cleanup", CleanupRequest{MaxAgeHours: -1}, http.StatusBadRequest, "maxAgeHours"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.do(tt.owner, tt.method, APIPrefix+tt.path, tt.body)
			assert.Equal(t, tt.code, resp.StatusCode)
			assert.Equal(t, "application/json", strings.Split(resp.Header.Get("Content-Type"), ";")[0])
			e := decode[AppError](t, resp)
			assert.Equal(t, tt.code, e.Code)
			assert.Contains(t, e.Message, tt.message)
		})
	}
}

func TestAbort(t *testing.T) {
	s := newServer(t)
	started := s.initiate("u1", InitiateRequest{FileName: "a.txt", FileSize: 10, Folder: entity.FolderPersonal})
	path := APIPrefix + "/uploads/" + started.UploadID

	resp := s.do("u1", "DELETE", path, AbortRequest{Key: "users/u1/b.txt"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.do("u1", "DELETE", path, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, OKResponse{OK: true}, decode[OKResponse](t, resp))

	resp = s.do("u1", "DELETE", path, AbortRequest{Key: started.Key})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = s.do("u1", "POST", path+"/parts/1/sign", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	pending, err := s.objects.ListMultipartUploads(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCleanup(t *testing.T) {
	s := newServer(t, createdAt(time.Now().Add(-48*time.Hour)))
	ctx := context.Background()
	started := s.initiate("u1", InitiateRequest{FileName: "old.bin", FileSize: 10, Folder: entity.FolderPersonal})
	_, err := s.objects.CreateMultipartUpload(ctx, "users/u1/orphan.bin", "")
	require.NoError(t, err)

	resp := s.do("boss", "POST", APIPrefix+"/admin/cleanup", CleanupRequest{MaxAgeHours: 24})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, CleanupResponse{Scanned: 1, Aborted: 1, Orphans: 1}, decode[CleanupResponse](t, resp))

	sess, err := s.store.Sessions().GetByID(ctx, started.UploadID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusAborted, sess.Status)

	// An empty body uses the default age and finds nothing left.
	resp = s.do("boss", "POST", APIPrefix+"/admin/cleanup", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, CleanupResponse{}, decode[CleanupResponse](t, resp))
}

func TestHealthz(t *testing.T) {
	s := newServer(t)
	resp := s.do("", "GET", "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode[HealthResponse](t, resp).Status)

	s.ready = errors.New("table is gone")
	resp = s.do("", "GET", "/healthz", nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "unavailable", decode[HealthResponse](t, resp).Status)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newServer(t)
	s.initiate("u1", InitiateRequest{FileName: "a.txt", FileSize: 10, Folder: entity.FolderPersonal})

	resp := s.do("", "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `molpadrive_session_operations_total{operation="initiate",outcome="ok"} 1`)
}

func TestRequestID(t *testing.T) {
	s := newServer(t)
	resp := s.do("", "GET", "/healthz", nil)
	assert.Len(t, resp.Header.Get("X-Request-Id"), 36)

	req, err := http.NewRequest("GET", s.url+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-Id", "req-1")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "req-1", resp.Header.Get("X-Request-Id"))
}

func TestAPIPreflight(t *testing.T) {
	s := newServer(t)
	req, err := http.NewRequest("OPTIONS", s.url+APIPrefix+"/uploads", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestGatewayIsMounted(t *testing.T) {
	s := newServer(t)
	resp := s.do("u1", "OPTIONS", gateway.BasePath, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "1.0.0", resp.Header.Get("Tus-Version"))
}

// Upload a multipart file end to end with the client over HTTP.
func TestClientUploadsThroughAPI(t *testing.T) {
	s := newServer(t)
	data := make([]byte, 12*mib)
	for i := range data {
		data[i] = byte(i % 251)
	}

	sched := client.NewScheduler(client.NewAPIClient(s.url, s.tokens["u1"]), client.NewMemoryResumeStore(),
		client.WithLogger(logging.Discard()))
	defer sched.Close()
	task := sched.Add(client.NewBytesSource("video.mp4", data, time.Now()), client.Destination{Folder: entity.FolderPersonal, SubPath: "media", ContentType: "video/mp4"})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	state, err := task.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, client.StateCompleted, state, task.Err())
	assert.Equal(t, "users/u1/media/video.mp4", task.Result().Key)

	stored, ok := s.objects.Object("users/u1/media/video.mp4")
	require.True(t, ok)
	assert.True(t, bytes.Equal(data, stored))

	p, err := s.store.Profiles().GetByID(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), p.StorageUsed)
}
