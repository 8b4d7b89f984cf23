package client

import (
	"context"
	"sync"
	"time"

	"github.com/molpadia/molpadrive/internal/apperr"
	"github.com/molpadia/molpadrive/internal/domain/entity"
)

type State string

const (
	StateQueued    State = "queued"
	StateUploading State = "uploading"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateError     State = "error"
	StateCanceled  State = "canceled"
)

// Settled reports whether a task in this state makes no progress on its own.
func (s State) Settled() bool {
	return s == StatePaused || s == StateCompleted || s == StateError || s == StateCanceled
}

// Destination says where an upload goes.
type Destination struct {
	Folder      entity.Folder
	SubPath     string
	ContentType string
}

type Progress struct {
	Uploaded int64
	Total    int64
	Speed    float64 // bytes per second
	ETA      time.Duration
}

// Observer receives task updates. Calls come from worker goroutines and
// must not block.
type Observer interface {
	OnStateChange(t *Task, state State)
	OnProgress(t *Task, p Progress)
}

type nopObserver struct{}

func (nopObserver) OnStateChange(*Task, State) {}
func (nopObserver) OnProgress(*Task, Progress) {}

// Task is the upload of one Source.
type Task struct {
	ID     string
	Source Source
	Dest   Destination

	sched *Scheduler
	meter *SpeedMeter

	mu       sync.Mutex
	state    State
	errMsg   string
	uploadID string
	key      string
	uploaded int64
	result   *Completed
	// stop is the state requested by Pause or Cancel while the task runs.
	stop    State
	cancel  context.CancelFunc
	done    chan struct{}
	changed chan struct{}
}

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the message of the last failure, capped at apperr.MaxMessageLen.
func (t *Task) Err() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errMsg
}

func (t *Task) UploadID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.uploadID
}

// Result returns the finalized object of a completed task.
func (t *Task) Result() *Completed {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

func (t *Task) Progress() Progress {
	t.mu.Lock()
	uploaded := t.uploaded
	t.mu.Unlock()
	total := t.Source.Size()
	rate := t.meter.Rate()
	return Progress{Uploaded: uploaded, Total: total, Speed: rate, ETA: ETA(total-uploaded, rate)}
}

// Pause stops a queued or uploading task and waits until its parts in
// flight are canceled. Completed parts are kept for Resume.
func (t *Task) Pause() error {
	t.mu.Lock()
	switch {
	case t.stop != "":
		t.mu.Unlock()
		return apperr.Conflict("upload is already stopping")
	case t.state == StateQueued:
		t.sched.dequeue(t)
		t.setState(StatePaused)
		t.mu.Unlock()
		t.sched.observer.OnStateChange(t, StatePaused)
		return nil
	case t.state == StateUploading:
		t.stop = StatePaused
		t.cancel()
		done := t.done
		t.mu.Unlock()
		<-done
		return nil
	default:
		state := t.state
		t.mu.Unlock()
		return apperr.Conflict("cannot pause a %s upload", state)
	}
}

// Resume queues a paused task again.
func (t *Task) Resume() error {
	return t.requeue(StatePaused)
}

// Retry queues a failed task again.
func (t *Task) Retry() error {
	return t.requeue(StateError)
}

func (t *Task) requeue(from State) error {
	t.mu.Lock()
	if t.state != from || t.stop != "" {
		state := t.state
		t.mu.Unlock()
		return apperr.Conflict("cannot queue a %s upload", state)
	}
	t.errMsg = ""
	t.setState(StateQueued)
	t.mu.Unlock()
	t.sched.observer.OnStateChange(t, StateQueued)
	t.sched.enqueue(t)
	return nil
}

// Cancel stops the task, aborts its session and forgets its resume record.
func (t *Task) Cancel(ctx context.Context) error {
	t.mu.Lock()
	switch {
	case t.state == StateCompleted, t.state == StateCanceled, t.stop == StateCanceled:
		state := t.state
		t.mu.Unlock()
		return apperr.Conflict("cannot cancel a %s upload", state)
	case t.state == StateUploading:
		t.stop = StateCanceled
		t.cancel()
		done := t.done
		t.mu.Unlock()
		<-done
	default:
		t.stop = StateCanceled
		t.mu.Unlock()
		t.sched.dequeue(t)
	}

	t.mu.Lock()
	if t.state == StateCompleted {
		t.mu.Unlock()
		return apperr.Conflict("upload completed before it could be canceled")
	}
	uploadID, key := t.uploadID, t.key
	t.mu.Unlock()

	fp := Fingerprint(t.Source)
	if uploadID == "" {
		if rec, err := t.sched.store.Load(fp); err == nil {
			uploadID, key = rec.UploadID, rec.Key
		}
	}
	log := t.sched.log.WithField("task", t.ID)
	if uploadID != "" {
		if err := t.sched.coord.Abort(ctx, uploadID, key); err != nil {
			log.WithError(err).WithField("upload_id", uploadID).Warn("failed to abort canceled upload")
		}
	}
	if err := t.sched.store.Delete(fp); err != nil {
		log.WithError(err).Warn("failed to delete resume record")
	}

	t.mu.Lock()
	t.stop = ""
	t.setState(StateCanceled)
	t.mu.Unlock()
	t.sched.observer.OnStateChange(t, StateCanceled)
	return nil
}

// Wait blocks until the task settles or ctx is done.
func (t *Task) Wait(ctx context.Context) (State, error) {
	for {
		t.mu.Lock()
		state, stop, changed := t.state, t.stop, t.changed
		t.mu.Unlock()
		if state.Settled() && stop == "" {
			return state, nil
		}
		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-changed:
		}
	}
}

// Must be called with t.mu held.
func (t *Task) setState(s State) {
	t.state = s
	close(t.changed)
	t.changed = make(chan struct{})
}

// Move a queued task to uploading. It fails if the task was paused or
// canceled after it left the queue.
func (t *Task) begin(cancel context.CancelFunc) bool {
	t.mu.Lock()
	if t.state != StateQueued || t.stop != "" {
		t.mu.Unlock()
		return false
	}
	t.cancel = cancel
	t.done = make(chan struct{})
	t.setState(StateUploading)
	t.mu.Unlock()
	t.sched.observer.OnStateChange(t, StateUploading)
	return true
}

// Pause a task the closed scheduler will never run.
func (t *Task) park() {
	t.mu.Lock()
	if t.state != StateQueued || t.stop != "" {
		t.mu.Unlock()
		return
	}
	t.setState(StatePaused)
	t.mu.Unlock()
	t.sched.observer.OnStateChange(t, StatePaused)
}

// End a run. A run stopped by Cancel stays uploading until Cancel has
// aborted the session.
func (t *Task) finish(err error, shutdown bool) {
	t.mu.Lock()
	stop := t.stop
	close(t.done)
	t.done = nil
	t.cancel = nil

	var to State
	switch {
	case err == nil:
		to = StateCompleted
	case stop == StateCanceled:
		t.mu.Unlock()
		return
	case stop == StatePaused, shutdown:
		to = StatePaused
	default:
		to = StateError
		t.errMsg = apperr.Truncate(err.Error())
	}
	t.stop = ""
	t.setState(to)
	t.mu.Unlock()
	t.sched.observer.OnStateChange(t, to)
}

func (t *Task) attach(uploadID, key string, uploaded int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.uploadID = uploadID
	t.key = key
	t.uploaded = uploaded
}

func (t *Task) complete(res *Completed) {
	t.mu.Lock()
	t.result = res
	t.uploaded = t.Source.Size()
	t.mu.Unlock()
	t.sched.observer.OnProgress(t, t.Progress())
}

// Count n bytes sent, or take back bytes of a failed part when n < 0.
func (t *Task) addProgress(n int64) {
	t.mu.Lock()
	t.uploaded += n
	t.mu.Unlock()
	if n > 0 && t.meter.Add(n, time.Now()) {
		t.sched.observer.OnProgress(t, t.Progress())
	}
}
