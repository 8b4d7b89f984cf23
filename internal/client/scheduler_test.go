package client

import (
	"context"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/molpadia/molpadrive/internal/apperr"
	"github.com/molpadia/molpadrive/internal/domain/entity"
	"github.com/molpadia/molpadrive/internal/infrastructure/persistence"
	"github.com/molpadia/molpadrive/internal/logging"
	"github.com/molpadia/molpadrive/internal/retry"
	"github.com/molpadia/molpadrive/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	owner     = entity.Actor{ID: "u1"}
	fastRetry = retry.Policy{MaxAttempts: 4, BaseDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}
	personal  = Destination{Folder: entity.FolderPersonal, ContentType: "video/mp4"}
)

// localCoordinator calls the session coordinator in process as owner.
type localCoordinator struct {
	c *session.Coordinator

	mu    sync.Mutex
	signs map[int64]int
}

func (l *localCoordinator) Initiate(ctx context.Context, req InitiateRequest) (*Initiated, error) {
	out, err := l.c.Initiate(ctx, owner, session.InitiateInput{
		FileName:    req.FileName,
		FileSize:    req.FileSize,
		ContentType: req.ContentType,
		Folder:      req.Folder,
		SubPath:     req.SubPath,
	})
	if err != nil {
		return nil, err
	}
	return &Initiated{UploadID: out.UploadID, Key: out.Key, Plan: out.Plan}, nil
}

func (l *localCoordinator) SignPart(ctx context.Context, uploadID string, partNumber int64) (*Grant, error) {
	l.mu.Lock()
	l.signs[partNumber]++
	l.mu.Unlock()
	g, err := l.c.SignPart(ctx, owner, uploadID, partNumber)
	if err != nil {
		return nil, err
	}
	return &Grant{URL: g.URL, PartNumber: g.PartNumber, ExpiresAt: g.ExpiresAt}, nil
}

func (l *localCoordinator) Complete(ctx context.Context, uploadID string, parts []*entity.Part) (*Completed, error) {
	out, err := l.c.Complete(ctx, owner, uploadID, parts)
	if err != nil {
		return nil, err
	}
	return &Completed{Location: out.Location, ETag: out.ETag, Key: out.Key}, nil
}

func (l *localCoordinator) Abort(ctx context.Context, uploadID, key string) error {
	return l.c.Abort(ctx, owner, uploadID, key)
}

func (l *localCoordinator) ListParts(ctx context.Context, uploadID string) ([]*entity.Part, error) {
	return l.c.ListParts(ctx, owner, uploadID)
}

func (l *localCoordinator) signCount(n int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.signs[n]
}

type recorder struct {
	mu       sync.Mutex
	states   []State
	progress int
}

func (r *recorder) OnStateChange(t *Task, s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) OnProgress(t *Task, p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress++
}

type env struct {
	t        *testing.T
	objects  *persistence.MemoryObjectStore
	sessions *session.Coordinator
	coord    *localCoordinator
	resume   *MemoryResumeStore
	observer *recorder
	puts     atomic.Int64
	arrived  chan string

	mu        sync.Mutex
	intercept func(w http.ResponseWriter, r *http.Request) bool
	release   chan struct{}
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		t:        t,
		resume:   NewMemoryResumeStore(),
		observer: &recorder{},
		arrived:  make(chan string, 64),
		release:  make(chan struct{}),
	}
	router := mux.NewRouter()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.puts.Add(1)
		select {
		case e.arrived <- r.URL.Path:
		default:
		}
		e.mu.Lock()
		intercept := e.intercept
		e.mu.Unlock()
		if intercept != nil && intercept(w, r) {
			return
		}
		router.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(e.release) })

	e.objects = persistence.NewMemoryObjectStore(srv.URL)
	e.objects.Register(router)
	store := persistence.NewMemoryStore()
	require.NoError(t, store.Profiles().Save(context.Background(), &entity.Profile{OwnerID: owner.ID, Role: entity.RoleUser, StorageLimit: 1 << 30}))
	e.sessions = session.New(store.Sessions(), store.Profiles(), e.objects, session.WithLogger(logging.Discard()))
	e.coord = &localCoordinator{c: e.sessions, signs: make(map[int64]int)}
	return e
}

func (e *env) scheduler(opts ...Option) *Scheduler {
	opts = append([]Option{
		WithLogger(logging.Discard()),
		WithObserver(e.observer),
		WithRetryPolicies(fastRetry, fastRetry, fastRetry),
	}, opts...)
	s := NewScheduler(e.coord, e.resume, opts...)
	e.t.Cleanup(s.Close)
	return s
}

func (e *env) setIntercept(fn func(w http.ResponseWriter, r *http.Request) bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.intercept = fn
}

// Hold part PUTs until the client gives up on them.
func (e *env) block() {
	e.setIntercept(func(w http.ResponseWriter, r *http.Request) bool {
		io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-e.release:
		}
		return true
	})
}

func (e *env) awaitPut() {
	e.t.Helper()
	select {
	case <-e.arrived:
	case <-time.After(5 * time.Second):
		e.t.Fatal("no part upload arrived")
	}
}

func (e *env) object(key string) []byte {
	e.t.Helper()
	data, ok := e.objects.Object(key)
	require.True(e.t, ok, "object %s does not exist", key)
	return data
}

// 12 MiB splits into parts of 5, 5 and 2 MiB.
func testFile(name string) (*BytesSource, []byte) {
	data := make([]byte, 12<<20)
	rand.New(rand.NewSource(7)).Read(data)
	return NewBytesSource(name, data, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)), data
}

func wait(t *testing.T, task *Task) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	state, err := task.Wait(ctx)
	require.NoError(t, err)
	return state
}

func TestUploadFile(t *testing.T) {
	e := newEnv(t)
	src, data := testFile("clip.mp4")
	task := e.scheduler().Add(src, personal)

	require.Equal(t, StateCompleted, wait(t, task), task.Err())
	assert.Equal(t, "users/u1/clip.mp4", task.Result().Key)
	assert.Equal(t, data, e.object("users/u1/clip.mp4"))
	assert.Equal(t, int64(3), e.puts.Load())

	p := task.Progress()
	assert.Equal(t, src.Size(), p.Uploaded)
	assert.Equal(t, time.Duration(0), p.ETA)

	records, err := e.resume.List()
	require.NoError(t, err)
	assert.Empty(t, records)

	e.observer.mu.Lock()
	defer e.observer.mu.Unlock()
	assert.Equal(t, []State{StateQueued, StateUploading, StateCompleted}, e.observer.states)
	assert.Positive(t, e.observer.progress)
}

func TestUploadSmallFile(t *testing.T) {
	e := newEnv(t)
	src := NewBytesSource("notes.txt", []byte("hello"), time.Now())
	task := e.scheduler().Add(src, Destination{Folder: entity.FolderPersonal, SubPath: "docs"})

	require.Equal(t, StateCompleted, wait(t, task), task.Err())
	assert.Equal(t, "hello", string(e.object("users/u1/docs/notes.txt")))
}

func TestUploadManyFiles(t *testing.T) {
	e := newEnv(t)
	s := e.scheduler(WithMaxFiles(3))
	var tasks []*Task
	for _, name := range []string{"a.txt", "b.txt", "c.txt", "d.txt", "e.txt"} {
		tasks = append(tasks, s.Add(NewBytesSource(name, []byte(name), time.Now()), personal))
	}
	for _, task := range tasks {
		require.Equal(t, StateCompleted, wait(t, task), task.Err())
	}
	assert.Len(t, s.Tasks(), 5)
	assert.Equal(t, "c.txt", string(e.object("users/u1/c.txt")))
}

func TestResumeSkipsStoredParts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	src, data := testFile("clip.mp4")

	started, err := e.coord.Initiate(ctx, InitiateRequest{FileName: src.Name(), FileSize: src.Size(), Folder: entity.FolderPersonal})
	require.NoError(t, err)
	offset, length := started.Plan.PartRange(1)
	_, err = e.objects.UploadPart(ctx, started.Key, started.UploadID, 1, strings.NewReader(string(data[offset:offset+length])), length)
	require.NoError(t, err)
	require.NoError(t, e.resume.Save(&ResumeRecord{Fingerprint: Fingerprint(src), UploadID: started.UploadID, Key: started.Key}))

	task := e.scheduler().Add(src, personal)
	require.Equal(t, StateCompleted, wait(t, task), task.Err())
	assert.Equal(t, started.UploadID, task.UploadID())
	assert.Equal(t, int64(2), e.puts.Load())
	assert.Equal(t, 0, e.coord.signCount(1))
	assert.Equal(t, data, e.object(started.Key))
}

func TestUnverifiableRecordStartsOver(t *testing.T) {
	e := newEnv(t)
	src, data := testFile("clip.mp4")
	require.NoError(t, e.resume.Save(&ResumeRecord{Fingerprint: Fingerprint(src), UploadID: "gone", Key: "users/u1/clip.mp4"}))

	task := e.scheduler().Add(src, personal)
	require.Equal(t, StateCompleted, wait(t, task), task.Err())
	assert.NotEqual(t, "gone", task.UploadID())
	assert.Equal(t, int64(3), e.puts.Load())
	assert.Equal(t, data, e.object("users/u1/clip.mp4"))
}

func TestTransientFailuresAreRetried(t *testing.T) {
	e := newEnv(t)
	var failures atomic.Int64
	e.setIntercept(func(w http.ResponseWriter, r *http.Request) bool {
		if failures.Add(1) > 2 {
			return false
		}
		io.Copy(io.Discard, r.Body)
		http.Error(w, "slow down", http.StatusServiceUnavailable)
		return true
	})
	src, data := testFile("clip.mp4")
	task := e.scheduler().Add(src, personal)

	require.Equal(t, StateCompleted, wait(t, task), task.Err())
	assert.Equal(t, int64(5), e.puts.Load())
	assert.Equal(t, data, e.object("users/u1/clip.mp4"))
}

func TestForbiddenRefreshesGrant(t *testing.T) {
	e := newEnv(t)
	var rejected atomic.Bool
	e.setIntercept(func(w http.ResponseWriter, r *http.Request) bool {
		if !strings.HasSuffix(r.URL.Path, "/1") || !rejected.CompareAndSwap(false, true) {
			return false
		}
		io.Copy(io.Discard, r.Body)
		http.Error(w, "request has expired", http.StatusForbidden)
		return true
	})
	src, _ := testFile("clip.mp4")
	task := e.scheduler().Add(src, personal)

	require.Equal(t, StateCompleted, wait(t, task), task.Err())
	assert.Equal(t, 2, e.coord.signCount(1))
	assert.Equal(t, 1, e.coord.signCount(2))
}

func TestPermanentFailureThenRetry(t *testing.T) {
	e := newEnv(t)
	var broken atomic.Bool
	broken.Store(true)
	e.setIntercept(func(w http.ResponseWriter, r *http.Request) bool {
		if !broken.Load() {
			return false
		}
		io.Copy(io.Discard, r.Body)
		http.Error(w, strings.Repeat("bad digest ", 100), http.StatusBadRequest)
		return true
	})
	src, data := testFile("clip.mp4")
	task := e.scheduler().Add(src, personal)

	require.Equal(t, StateError, wait(t, task))
	assert.Contains(t, task.Err(), "400")
	assert.LessOrEqual(t, len(task.Err()), apperr.MaxMessageLen)
	assert.Error(t, task.Resume())

	broken.Store(false)
	require.NoError(t, task.Retry())
	require.Equal(t, StateCompleted, wait(t, task), task.Err())
	assert.Equal(t, data, e.object("users/u1/clip.mp4"))
}

func TestPauseAndResume(t *testing.T) {
	e := newEnv(t)
	e.block()
	src, data := testFile("clip.mp4")
	task := e.scheduler().Add(src, personal)
	e.awaitPut()

	require.NoError(t, task.Pause())
	assert.Equal(t, StatePaused, task.State())
	assert.Error(t, task.Pause())
	_, err := e.resume.Load(Fingerprint(src))
	require.NoError(t, err)

	e.setIntercept(nil)
	require.NoError(t, task.Resume())
	require.Equal(t, StateCompleted, wait(t, task), task.Err())
	assert.Equal(t, data, e.object("users/u1/clip.mp4"))
}

func TestCancel(t *testing.T) {
	e := newEnv(t)
	e.block()
	src, _ := testFile("clip.mp4")
	task := e.scheduler().Add(src, personal)
	e.awaitPut()

	require.NoError(t, task.Cancel(context.Background()))
	assert.Equal(t, StateCanceled, task.State())

	s, err := e.sessions.Get(context.Background(), owner, task.UploadID())
	require.NoError(t, err)
	assert.Equal(t, entity.StatusAborted, s.Status)
	_, err = e.resume.Load(Fingerprint(src))
	assert.ErrorIs(t, err, ErrNoRecord)

	assert.ErrorIs(t, task.Cancel(context.Background()), apperr.ErrConflict)
	assert.Error(t, task.Retry())
}

func TestCancelQueuedTask(t *testing.T) {
	e := newEnv(t)
	e.block()
	s := e.scheduler(WithMaxFiles(1))
	first, _ := testFile("first.mp4")
	running := s.Add(first, personal)
	e.awaitPut()
	queued := s.Add(NewBytesSource("second.txt", []byte("second"), time.Now()), personal)

	require.NoError(t, queued.Cancel(context.Background()))
	assert.Equal(t, StateCanceled, queued.State())
	assert.Empty(t, queued.UploadID())

	require.NoError(t, running.Cancel(context.Background()))
	_, ok := e.objects.Object("users/u1/second.txt")
	assert.False(t, ok)
}

func TestPauseQueuedTask(t *testing.T) {
	e := newEnv(t)
	e.block()
	s := e.scheduler(WithMaxFiles(1))
	first, _ := testFile("first.mp4")
	running := s.Add(first, personal)
	e.awaitPut()
	queued := s.Add(NewBytesSource("second.txt", []byte("second"), time.Now()), personal)

	require.NoError(t, queued.Pause())
	assert.Equal(t, StatePaused, queued.State())

	require.NoError(t, running.Cancel(context.Background()))
	e.setIntercept(nil)
	require.NoError(t, queued.Resume())
	require.Equal(t, StateCompleted, wait(t, queued), queued.Err())
}

func TestCloseLeavesTasksPaused(t *testing.T) {
	e := newEnv(t)
	e.block()
	s := NewScheduler(e.coord, e.resume, WithLogger(logging.Discard()), WithRetryPolicies(fastRetry, fastRetry, fastRetry))
	src, _ := testFile("clip.mp4")
	task := s.Add(src, personal)
	e.awaitPut()

	s.Close()
	assert.Equal(t, StatePaused, task.State())
	_, err := e.resume.Load(Fingerprint(src))
	assert.NoError(t, err)
}

func TestClosePausesQueuedTasks(t *testing.T) {
	e := newEnv(t)
	e.block()
	s := e.scheduler(WithMaxFiles(1))
	first, _ := testFile("first.mp4")
	running := s.Add(first, personal)
	e.awaitPut()
	queued := s.Add(NewBytesSource("second.txt", []byte("second"), time.Now()), personal)

	s.Close()
	assert.Equal(t, StatePaused, running.State())
	assert.Equal(t, StatePaused, wait(t, queued))
	assert.Empty(t, queued.UploadID())
}

func TestLimiterAdapt(t *testing.T) {
	l := newLimiter(2)
	const fast, slow = 100.0, 10.0

	limit, changed := l.adapt(50, fast, slow, 2, 5)
	assert.False(t, changed)
	assert.Equal(t, 2, limit)

	for i := 0; i < 5; i++ {
		limit, _ = l.adapt(500, fast, slow, 2, 5)
	}
	assert.Equal(t, 5, limit)

	limit, changed = l.adapt(5, fast, slow, 2, 5)
	assert.True(t, changed)
	assert.Equal(t, 4, limit)

	// An unknown rate never shrinks the limit.
	_, changed = l.adapt(0, fast, slow, 2, 5)
	assert.False(t, changed)
}

func TestLimiterAcquire(t *testing.T) {
	l := newLimiter(1)
	require.NoError(t, l.acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.acquire(ctx), context.DeadlineExceeded)

	acquired := make(chan struct{})
	go func() {
		l.acquire(context.Background())
		close(acquired)
	}()
	l.release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("release did not wake the waiter")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"server error", &APIError{Status: 503}, false},
		{"throttled", &APIError{Status: 429}, false},
		{"timeout", &APIError{Status: 408}, false},
		{"conflict", &APIError{Status: 409}, true},
		{"validation", apperr.Validation("bad"), true},
		{"upstream", apperr.Upstream(io.ErrUnexpectedEOF, "store"), false},
		{"network", io.ErrUnexpectedEOF, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			fastRetry.Do(context.Background(), func(context.Context) error {
				attempts++
				return classify(tt.err)
			})
			if tt.permanent {
				assert.Equal(t, 1, attempts)
			} else {
				assert.Equal(t, fastRetry.MaxAttempts, attempts)
			}
		})
	}
}
