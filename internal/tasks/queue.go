// Package tasks runs the in-process background job queue. Expensive work
// (embedding, extraction, attachment processing) is deferred here so the
// write path stays fast.
package tasks

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/puo-memo/puomemo/internal/domain"
)

type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
	priorityCount
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return "unknown"
}

// Task is one unit of background work. Key selects the serialization lane;
// tasks sharing a key (the memory id) never run concurrently.
type Task struct {
	ID          uuid.UUID
	Type        string
	Priority    Priority
	Key         string
	TenantID    uuid.UUID
	Payload     map[string]any
	SubmittedAt time.Time
	Attempts    int
}

// Handler executes one task type. Returning an error re-enqueues the task
// until max attempts.
type Handler func(ctx context.Context, t Task) error

// Publisher receives the task.failed event when a task is dropped.
type Publisher interface {
	Publish(ctx context.Context, e domain.Event)
}

type lane struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queues [priorityCount][]Task
	closed bool
}

func newLane() *lane {
	l := &lane{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *lane) push(t Task) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.queues[t.Priority] = append(l.queues[t.Priority], t)
	l.cond.Signal()
	return true
}

// pop blocks until a task is available or the lane is closed and drained.
func (l *lane) pop() (Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		for p := range l.queues {
			if len(l.queues[p]) > 0 {
				t := l.queues[p][0]
				l.queues[p] = l.queues[p][1:]
				return t, true
			}
		}
		if l.closed {
			return Task{}, false
		}
		l.cond.Wait()
	}
}

func (l *lane) close() {
	l.mu.Lock()
	l.closed = true
	l.cond.Broadcast()
	l.mu.Unlock()
}

type Queue struct {
	lanes       []*lane
	slots       chan struct{}
	handlers    map[string]Handler
	maxAttempts int
	logger      *zap.Logger
	publisher   Publisher

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
}

// Options sizes the queue. Lanes controls key-hash spread (more lanes, fewer
// unrelated keys sharing a serialization lane); Workers caps how many handlers
// run at once. Lanes defaults to Workers.
type Options struct {
	Workers     int
	Lanes       int
	MaxAttempts int
}

func NewQueue(opts Options, publisher Publisher, logger *zap.Logger) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Lanes <= 0 {
		opts.Lanes = opts.Workers
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	lanes := make([]*lane, opts.Lanes)
	for i := range lanes {
		lanes[i] = newLane()
	}
	return &Queue{
		lanes:       lanes,
		slots:       make(chan struct{}, opts.Workers),
		handlers:    make(map[string]Handler),
		maxAttempts: opts.MaxAttempts,
		logger:      logger,
		publisher:   publisher,
	}
}

// Register binds a handler to a task type. All registration happens before
// Start.
func (q *Queue) Register(taskType string, h Handler) {
	q.handlers[taskType] = h
}

func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	q.baseCtx, q.cancel = context.WithCancel(context.Background())
	for _, l := range q.lanes {
		q.wg.Add(1)
		go q.worker(l)
	}
}

// Enqueue submits a task. The lane is chosen by hashing the key so writes to
// the same memory serialize; an empty key falls back to the task id.
func (q *Queue) Enqueue(t Task) error {
	if _, ok := q.handlers[t.Type]; !ok {
		return domain.Invalidf("no handler registered for task type %q", t.Type)
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Key == "" {
		t.Key = t.ID.String()
	}
	if t.SubmittedAt.IsZero() {
		t.SubmittedAt = time.Now().UTC()
	}
	if t.Priority < PriorityHigh || t.Priority > PriorityLow {
		t.Priority = PriorityNormal
	}

	if !q.laneFor(t.Key).push(t) {
		return domain.NewError(domain.KindInternal, "task queue is shut down")
	}
	return nil
}

func (q *Queue) laneFor(key string) *lane {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return q.lanes[h.Sum32()%uint32(len(q.lanes))]
}

// worker owns one lane, so tasks sharing a key execute in order. The slots
// semaphore bounds handler parallelism across lanes to Options.Workers.
func (q *Queue) worker(l *lane) {
	defer q.wg.Done()
	for {
		t, ok := l.pop()
		if !ok {
			return
		}
		q.slots <- struct{}{}
		q.run(l, t)
		<-q.slots
	}
}

func (q *Queue) run(l *lane, t Task) {
	handler := q.handlers[t.Type]
	for {
		t.Attempts++

		err := handler(q.baseCtx, t)
		if err == nil {
			return
		}

		if t.Attempts >= q.maxAttempts {
			q.logger.Error("task dropped after max attempts",
				zap.String("task_id", t.ID.String()),
				zap.String("type", t.Type),
				zap.Int("attempts", t.Attempts),
				zap.Error(err))
			if q.publisher != nil {
				q.publisher.Publish(q.baseCtx, domain.NewEvent(domain.EventTaskFailed, t.TenantID, map[string]any{
					"task_id": t.ID.String(),
					"type":    t.Type,
					"error":   err.Error(),
				}))
			}
			return
		}

		q.logger.Warn("task failed, re-enqueueing",
			zap.String("task_id", t.ID.String()),
			zap.String("type", t.Type),
			zap.Int("attempt", t.Attempts),
			zap.Error(err))
		if l.push(t) {
			return
		}
		// The lane closed for shutdown, so the re-push was rejected. Retry
		// inline: the task keeps its full attempt budget and still ends in
		// success or a task.failed event, never a silent drop.
	}
}

// Shutdown stops intake and drains in-flight and queued tasks until ctx
// expires, then cancels whatever is still running.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()

	for _, l := range q.lanes {
		l.close()
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		return fmt.Errorf("task queue drain: %w", ctx.Err())
	}
}
