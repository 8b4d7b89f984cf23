package client

import (
	"context"
	"net/http"
	"strconv"
	"sync"

	"github.com/molpadia/molpadrive/internal/retry"
	"github.com/sirupsen/logrus"
)

const (
	DefaultMaxFiles           = 2
	DefaultMinPartConcurrency = 2
	DefaultMaxPartConcurrency = 5
	// Smoothed rates above FastThreshold add a part slot, rates below
	// SlowThreshold remove one.
	DefaultFastThreshold float64 = 8 << 20
	DefaultSlowThreshold float64 = 1 << 20
)

// Scheduler runs upload tasks on MaxFiles workers.
type Scheduler struct {
	coord    Coordinator
	store    ResumeStore
	observer Observer
	log      logrus.FieldLogger
	http     *http.Client

	maxFiles      int
	minParts      int
	maxParts      int
	fastThreshold float64
	slowThreshold float64
	speedAlpha    float64
	partRetry     retry.Policy
	grantRetry    retry.Policy
	rpcRetry      retry.Policy

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*Task
	tasks  []*Task
	seq    int
	closed bool
}

type Option func(*Scheduler)

func WithMaxFiles(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxFiles = n
		}
	}
}

// WithPartConcurrency bounds the number of parts of one file in flight.
func WithPartConcurrency(min, max int) Option {
	return func(s *Scheduler) {
		if min > 0 && max >= min {
			s.minParts, s.maxParts = min, max
		}
	}
}

// WithThresholds sets the smoothed rates, in bytes per second, at which the
// part concurrency grows and shrinks.
func WithThresholds(fast, slow float64) Option {
	return func(s *Scheduler) { s.fastThreshold, s.slowThreshold = fast, slow }
}

func WithSpeedAlpha(alpha float64) Option    { return func(s *Scheduler) { s.speedAlpha = alpha } }
func WithObserver(o Observer) Option         { return func(s *Scheduler) { s.observer = o } }
func WithLogger(l logrus.FieldLogger) Option { return func(s *Scheduler) { s.log = l } }
func WithHTTPClient(c *http.Client) Option   { return func(s *Scheduler) { s.http = c } }

// WithRetryPolicies replaces the policies for part PUTs, grant requests
// and the other coordinator calls.
func WithRetryPolicies(part, grant, rpc retry.Policy) Option {
	return func(s *Scheduler) { s.partRetry, s.grantRetry, s.rpcRetry = part, grant, rpc }
}

// NewScheduler starts the workers. Close stops them.
func NewScheduler(coord Coordinator, store ResumeStore, opts ...Option) *Scheduler {
	s := &Scheduler{
		coord:         coord,
		store:         store,
		observer:      nopObserver{},
		log:           logrus.StandardLogger(),
		http:          http.DefaultClient,
		maxFiles:      DefaultMaxFiles,
		minParts:      DefaultMinPartConcurrency,
		maxParts:      DefaultMaxPartConcurrency,
		fastThreshold: DefaultFastThreshold,
		slowThreshold: DefaultSlowThreshold,
		speedAlpha:    DefaultSpeedAlpha,
		partRetry:     retry.PartTransfer,
		grantRetry:    retry.GrantRefresh,
		rpcRetry:      retry.CoordinatorRPC,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cond = sync.NewCond(&s.mu)
	s.ctx, s.stop = context.WithCancel(context.Background())
	for i := 0; i < s.maxFiles; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Add queues the upload of src.
func (s *Scheduler) Add(src Source, dest Destination) *Task {
	s.mu.Lock()
	s.seq++
	t := &Task{
		ID:      strconv.Itoa(s.seq),
		Source:  src,
		Dest:    dest,
		sched:   s,
		meter:   NewSpeedMeter(s.speedAlpha, 0),
		state:   StateQueued,
		changed: make(chan struct{}),
	}
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()

	s.observer.OnStateChange(t, StateQueued)
	s.enqueue(t)
	return t
}

func (s *Scheduler) Tasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Task(nil), s.tasks...)
}

// Close stops the workers. Uploads in flight and uploads still queued are
// paused and keep their resume records.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	queued := s.queue
	s.queue = nil
	s.cond.Broadcast()
	s.mu.Unlock()
	s.stop()
	s.wg.Wait()
	for _, t := range queued {
		t.park()
	}
}

func (s *Scheduler) enqueue(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, t)
	s.cond.Signal()
}

func (s *Scheduler) dequeue(t *Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, q := range s.queue {
		if q == t {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return true
		}
	}
	return false
}

// Block until a task is queued. It returns nil once the scheduler is closed.
func (s *Scheduler) next() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		return nil
	}
	t := s.queue[0]
	s.queue = s.queue[1:]
	return t
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		t := s.next()
		if t == nil {
			return
		}
		s.run(t)
	}
}

func (s *Scheduler) run(t *Task) {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	if !t.begin(cancel) {
		return
	}
	err := s.transfer(ctx, t)
	if err != nil && ctx.Err() == nil {
		s.log.WithError(err).WithFields(logrus.Fields{"task": t.ID, "file": t.Source.Name()}).Error("upload failed")
	}
	t.finish(err, s.ctx.Err() != nil)
}
