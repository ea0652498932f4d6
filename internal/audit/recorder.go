package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mfa-service/internal/model"
	"mfa-service/internal/util"
)

const (
	DefaultTimeout   = 5 * time.Second
	DefaultQueueSize = 1024
	DefaultWorkers   = 2
)

// Sink receives a copy of every access log after it is stored.
type Sink interface {
	Name() string
	Write(ctx context.Context, entry *model.AccessLog) error
}

// Recorder persists access logs and fans them out to sinks. Recording never
// fails the caller: errors are logged and dropped. The store write happens
// inline; sink delivery runs on background workers fed by a bounded queue.
type Recorder struct {
	repo    model.AccessLogRepository
	sinks   []Sink
	timeout time.Duration
	now     func() time.Time

	queueSize int
	workers   int
	queue     chan model.AccessLog
	wg        sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

type Option func(*Recorder)

func WithSinks(sinks ...Sink) Option {
	return func(r *Recorder) {
		r.sinks = append(r.sinks, sinks...)
	}
}

func WithTimeout(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		r.now = now
	}
}

// WithQueue sizes the sink queue and the number of workers draining it.
func WithQueue(size, workers int) Option {
	return func(r *Recorder) {
		if size > 0 {
			r.queueSize = size
		}
		if workers > 0 {
			r.workers = workers
		}
	}
}

func NewRecorder(repo model.AccessLogRepository, opts ...Option) *Recorder {
	r := &Recorder{
		repo:      repo,
		timeout:   DefaultTimeout,
		now:       time.Now,
		queueSize: DefaultQueueSize,
		workers:   DefaultWorkers,
	}
	for _, opt := range opts {
		opt(r)
	}

	if len(r.sinks) > 0 {
		r.queue = make(chan model.AccessLog, r.queueSize)
		for i := 0; i < r.workers; i++ {
			r.wg.Add(1)
			go r.worker()
		}
	}
	return r
}

// Record stores entry and queues it for the sinks. It survives cancellation
// of ctx so a client hanging up does not lose the entry. When the queue is
// full the sink copy is dropped.
func (r *Recorder) Record(ctx context.Context, entry model.AccessLog) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now().UTC()
	}

	if err := r.repo.CreateAccessLog(ctx, &entry); err != nil {
		util.Error("Failed to store access log",
			zap.String("action", string(entry.Action)),
			util.Phone(entry.PhoneNumber),
			zap.Error(err))
	}

	if r.queue == nil {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- entry:
	default:
		util.Warn("Audit queue full - sink delivery dropped",
			zap.String("action", string(entry.Action)),
			zap.String("id", entry.ID))
	}
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for entry := range r.queue {
		r.deliver(entry)
	}
}

// deliver writes entry to every sink concurrently, bounded by the timeout.
func (r *Recorder) deliver(entry model.AccessLog) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, sink := range r.sinks {
		sink := sink
		g.Go(func() error {
			if err := sink.Write(gctx, &entry); err != nil {
				util.Warn("Audit sink write failed",
					zap.String("sink", sink.Name()),
					zap.String("action", string(entry.Action)),
					zap.Error(err))
			}
			// one slow sink must not cancel the others
			return nil
		})
	}
	_ = g.Wait()
}

// Close stops accepting sink deliveries and waits for the queued ones.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	if r.queue != nil {
		close(r.queue)
	}
	r.mu.Unlock()

	r.wg.Wait()
}

func (r *Recorder) Sinks() []string {
	names := make([]string, 0, len(r.sinks))
	for _, s := range r.sinks {
		names = append(names, s.Name())
	}
	return names
}
