package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/molpadia/molpadrive/internal/apperr"
	"github.com/molpadia/molpadrive/internal/domain/entity"
	"github.com/molpadia/molpadrive/internal/planner"
	"github.com/molpadia/molpadrive/internal/retry"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Grants are renewed this long before they expire.
const grantExpirySkew = 30 * time.Second

// upload is the state of one run of a task.
type upload struct {
	task   *Task
	plan   planner.Plan
	log    logrus.FieldLogger
	mu     sync.Mutex
	rec    *ResumeRecord
	grants map[int64]*Grant
}

func (s *Scheduler) transfer(ctx context.Context, t *Task) error {
	plan, err := planner.Compute(t.Source.Size())
	if err != nil {
		return err
	}
	rec := s.resumable(ctx, t, plan)
	if rec == nil {
		if rec, err = s.initiate(ctx, t); err != nil {
			return err
		}
	}

	up := &upload{
		task:   t,
		plan:   plan,
		rec:    rec,
		grants: make(map[int64]*Grant),
		log: s.log.WithFields(logrus.Fields{
			"task":      t.ID,
			"upload_id": rec.UploadID,
			"key":       rec.Key,
		}),
	}
	have := make(map[int64]bool, len(rec.CompletedParts))
	var uploaded int64
	for _, p := range rec.CompletedParts {
		have[p.PartNumber] = true
		_, length := plan.PartRange(p.PartNumber)
		uploaded += length
	}
	t.attach(rec.UploadID, rec.Key, uploaded)

	var todo []int64
	for n := int64(1); n <= plan.NumChunks; n++ {
		if !have[n] {
			todo = append(todo, n)
		}
	}
	up.log.WithFields(logrus.Fields{"parts": plan.NumChunks, "remaining": len(todo)}).Info("uploading parts")
	if err := s.uploadParts(ctx, up, todo); err != nil {
		return err
	}

	parts := up.completedParts()
	if int64(len(parts)) != plan.NumChunks {
		return fmt.Errorf("only %d of %d parts were uploaded", len(parts), plan.NumChunks)
	}
	res, err := s.coord.Complete(ctx, rec.UploadID, parts)
	if err != nil {
		return fmt.Errorf("failed to complete upload: %w", err)
	}
	if err := s.store.Delete(rec.Fingerprint); err != nil {
		up.log.WithError(err).Warn("failed to delete resume record")
	}
	t.complete(res)
	up.log.WithField("location", res.Location).Info("upload completed")
	return nil
}

// Start a session and record it for resumption.
func (s *Scheduler) initiate(ctx context.Context, t *Task) (*ResumeRecord, error) {
	contentType := t.Dest.ContentType
	var out *Initiated
	err := s.rpcRetry.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.coord.Initiate(ctx, InitiateRequest{
			FileName:    t.Source.Name(),
			FileSize:    t.Source.Size(),
			ContentType: contentType,
			Folder:      t.Dest.Folder,
			SubPath:     t.Dest.SubPath,
		})
		return classify(err)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initiate upload: %w", err)
	}
	rec := &ResumeRecord{
		Fingerprint:    Fingerprint(t.Source),
		FileName:       t.Source.Name(),
		FileSize:       t.Source.Size(),
		UploadID:       out.UploadID,
		Key:            out.Key,
		CompletedParts: []*entity.Part{},
		UpdatedAt:      time.Now(),
	}
	if err := s.store.Save(rec); err != nil {
		s.log.WithError(err).WithField("upload_id", rec.UploadID).Warn("failed to save resume record")
	}
	return rec, nil
}

// Return the resume record of the task with the parts the object store
// verifiably holds, or nil when the upload has to start over.
func (s *Scheduler) resumable(ctx context.Context, t *Task, plan planner.Plan) *ResumeRecord {
	fp := Fingerprint(t.Source)
	rec, err := s.store.Load(fp)
	if errors.Is(err, ErrNoRecord) {
		return nil
	}
	log := s.log.WithField("task", t.ID)
	if err != nil {
		log.WithError(err).Warn("failed to load resume record")
		return nil
	}

	var stored []*entity.Part
	err = s.rpcRetry.Do(ctx, func(ctx context.Context) error {
		var err error
		stored, err = s.coord.ListParts(ctx, rec.UploadID)
		return classify(err)
	})
	if err != nil {
		if ctx.Err() == nil {
			log.WithError(err).WithField("upload_id", rec.UploadID).Info("discarding resume record that cannot be verified")
			if err := s.store.Delete(fp); err != nil {
				log.WithError(err).Warn("failed to delete resume record")
			}
		}
		return nil
	}

	rec.CompletedParts = rec.CompletedParts[:0]
	for _, p := range stored {
		_, length := plan.PartRange(p.PartNumber)
		if length == 0 || p.ETag == "" || (p.Size > 0 && p.Size != length) {
			continue
		}
		rec.CompletedParts = append(rec.CompletedParts, &entity.Part{PartNumber: p.PartNumber, ETag: p.ETag, Size: length})
	}
	log.WithFields(logrus.Fields{"upload_id": rec.UploadID, "parts": len(rec.CompletedParts)}).Info("resuming upload")
	return rec
}

// Upload the parts with a concurrency that follows the smoothed rate.
func (s *Scheduler) uploadParts(ctx context.Context, up *upload, todo []int64) error {
	lim := newLimiter(s.minParts)
	g, gctx := errgroup.WithContext(ctx)
	for _, n := range todo {
		if err := lim.acquire(gctx); err != nil {
			break
		}
		n := n
		g.Go(func() error {
			defer lim.release()
			if err := s.uploadPart(gctx, up, n); err != nil {
				return err
			}
			if limit, changed := lim.adapt(up.task.meter.Rate(), s.fastThreshold, s.slowThreshold, s.minParts, s.maxParts); changed {
				up.log.WithField("concurrency", limit).Debug("part concurrency adjusted")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (s *Scheduler) uploadPart(ctx context.Context, up *upload, n int64) error {
	offset, length := up.plan.PartRange(n)
	var etag string
	err := s.partRetry.DoNotify(ctx, func(ctx context.Context) error {
		grant, err := s.grant(ctx, up, n)
		if err != nil {
			return retry.Permanent(err)
		}
		etag, err = s.putPart(ctx, up.task, grant.URL, offset, length)
		if err == nil {
			return nil
		}
		switch status := StatusOf(err); {
		case status == http.StatusForbidden || status == http.StatusConflict:
			up.invalidate(n)
			return err
		case isPermanentStatus(status):
			return retry.Permanent(err)
		}
		return err
	}, func(err error, attempt int, wait time.Duration) {
		up.log.WithError(err).WithFields(logrus.Fields{"part_number": n, "attempt": attempt}).Warn("retrying part upload")
	})
	if err != nil {
		return fmt.Errorf("part %d: %w", n, err)
	}
	up.done(s, n, etag, length)
	return nil
}

// Return a valid grant for part n, requesting a fresh one when needed.
func (s *Scheduler) grant(ctx context.Context, up *upload, n int64) (*Grant, error) {
	up.mu.Lock()
	g := up.grants[n]
	up.mu.Unlock()
	if g != nil && time.Until(g.ExpiresAt) > grantExpirySkew {
		return g, nil
	}
	err := s.grantRetry.Do(ctx, func(ctx context.Context) error {
		var err error
		g, err = s.coord.SignPart(ctx, up.rec.UploadID, n)
		return classify(err)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign part: %w", err)
	}
	up.mu.Lock()
	up.grants[n] = g
	up.mu.Unlock()
	return g, nil
}

// PUT the bytes of a part to the presigned URL and return the ETag.
func (s *Scheduler) putPart(ctx context.Context, t *Task, url string, offset, length int64) (string, error) {
	body := &progressReader{r: io.NewSectionReader(t.Source, offset, length), task: t}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, body)
	if err != nil {
		return "", retry.Permanent(err)
	}
	req.ContentLength = length

	resp, err := s.http.Do(req)
	if err != nil {
		t.addProgress(-body.n)
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.addProgress(-body.n)
		return "", decodeError(resp)
	}
	io.Copy(io.Discard, resp.Body)
	etag := resp.Header.Get("ETag")
	if etag == "" {
		t.addProgress(-body.n)
		return "", retry.Permanent(errors.New("object store reply has no ETag header"))
	}
	return etag, nil
}

func (up *upload) invalidate(n int64) {
	up.mu.Lock()
	defer up.mu.Unlock()
	delete(up.grants, n)
}

// Record a finished part and save the resume record.
func (up *upload) done(s *Scheduler, n int64, etag string, size int64) {
	up.mu.Lock()
	defer up.mu.Unlock()
	delete(up.grants, n)
	up.rec.CompletedParts = append(up.rec.CompletedParts, &entity.Part{PartNumber: n, ETag: etag, Size: size})
	up.rec.UpdatedAt = time.Now()
	if err := s.store.Save(up.rec); err != nil {
		up.log.WithError(err).Warn("failed to save resume record")
	}
}

func (up *upload) completedParts() []*entity.Part {
	up.mu.Lock()
	defer up.mu.Unlock()
	parts := make([]*entity.Part, 0, len(up.rec.CompletedParts))
	seen := make(map[int64]bool)
	for _, p := range up.rec.CompletedParts {
		if !seen[p.PartNumber] {
			seen[p.PartNumber] = true
			parts = append(parts, &entity.Part{PartNumber: p.PartNumber, ETag: p.ETag})
		}
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts
}

type progressReader struct {
	r    io.Reader
	task *Task
	n    int64
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.n += int64(n)
		p.task.addProgress(int64(n))
	}
	return n, err
}

// Mark errors that a retry cannot fix as permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if isPermanentStatus(StatusOf(err)) || apperr.IsTerminal(err) {
		return retry.Permanent(err)
	}
	return err
}

func isPermanentStatus(status int) bool {
	return status >= 400 && status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooManyRequests
}

// limiter is a counting semaphore whose size can change while it is held.
type limiter struct {
	mu     sync.Mutex
	limit  int
	active int
	wake   chan struct{}
}

func newLimiter(limit int) *limiter {
	return &limiter{limit: limit, wake: make(chan struct{})}
}

func (l *limiter) acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		if l.active < l.limit {
			l.active++
			l.mu.Unlock()
			return nil
		}
		wake := l.wake
		l.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

func (l *limiter) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active--
	l.broadcast()
}

// Grow the limit above fast and shrink it below slow, within [min, max].
func (l *limiter) adapt(rate, fast, slow float64, min, max int) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case rate > fast && l.limit < max:
		l.limit++
		l.broadcast()
	case rate > 0 && rate < slow && l.limit > min:
		l.limit--
	default:
		return l.limit, false
	}
	return l.limit, true
}

func (l *limiter) broadcast() {
	close(l.wake)
	l.wake = make(chan struct{})
}
