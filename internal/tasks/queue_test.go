package tasks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/puo-memo/puomemo/internal/domain"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *capturePublisher) Publish(_ context.Context, e domain.Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *capturePublisher) all() []domain.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Event(nil), p.events...)
}

func drain(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Shutdown(ctx))
}

func TestPriorityOrdering(t *testing.T) {
	q := NewQueue(Options{Workers: 1, MaxAttempts: 1}, nil, zap.NewNop())

	var mu sync.Mutex
	var order []string
	q.Register("record", func(ctx context.Context, task Task) error {
		mu.Lock()
		order = append(order, task.Payload["label"].(string))
		mu.Unlock()
		return nil
	})

	// Enqueue before Start so the single worker sees a populated queue.
	enqueue := func(label string, p Priority) {
		require.NoError(t, q.Enqueue(Task{
			Type: "record", Priority: p, Key: label,
			Payload: map[string]any{"label": label},
		}))
	}
	enqueue("low-1", PriorityLow)
	enqueue("normal-1", PriorityNormal)
	enqueue("high-1", PriorityHigh)
	enqueue("high-2", PriorityHigh)
	enqueue("normal-2", PriorityNormal)

	q.Start()
	drain(t, q)

	assert.Equal(t, []string{"high-1", "high-2", "normal-1", "normal-2", "low-1"}, order)
}

func TestSameKeySerializes(t *testing.T) {
	q := NewQueue(Options{Workers: 4, MaxAttempts: 1}, nil, zap.NewNop())

	var mu sync.Mutex
	running := 0
	maxRunning := 0
	q.Register("slow", func(ctx context.Context, task Task) error {
		mu.Lock()
		running++
		if running > maxRunning {
			maxRunning = running
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		running--
		mu.Unlock()
		return nil
	})

	q.Start()
	memoryID := uuid.New().String()
	for i := 0; i < 10; i++ {
		require.NoError(t, q.Enqueue(Task{Type: "slow", Key: memoryID}))
	}
	drain(t, q)

	assert.Equal(t, 1, maxRunning)
}

func TestWorkerSlotsCapParallelism(t *testing.T) {
	q := NewQueue(Options{Workers: 2, Lanes: 8, MaxAttempts: 1}, nil, zap.NewNop())

	var mu sync.Mutex
	running := 0
	maxRunning := 0
	done := 0
	q.Register("slow", func(ctx context.Context, task Task) error {
		mu.Lock()
		running++
		if running > maxRunning {
			maxRunning = running
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		running--
		done++
		mu.Unlock()
		return nil
	})

	q.Start()
	for i := 0; i < 16; i++ {
		require.NoError(t, q.Enqueue(Task{Type: "slow", Key: uuid.New().String()}))
	}
	drain(t, q)

	assert.Equal(t, 16, done)
	assert.LessOrEqual(t, maxRunning, 2)
}

func TestRetryThenSuccess(t *testing.T) {
	q := NewQueue(Options{Workers: 1, MaxAttempts: 3}, nil, zap.NewNop())

	var mu sync.Mutex
	calls := 0
	q.Register("flaky", func(ctx context.Context, task Task) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	q.Start()
	require.NoError(t, q.Enqueue(Task{Type: "flaky"}))
	drain(t, q)

	assert.Equal(t, 3, calls)
}

func TestMaxAttemptsEmitsFailureEvent(t *testing.T) {
	pub := &capturePublisher{}
	q := NewQueue(Options{Workers: 1, MaxAttempts: 2}, pub, zap.NewNop())

	tenantID := uuid.New()
	calls := 0
	var mu sync.Mutex
	q.Register("doomed", func(ctx context.Context, task Task) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("permanent")
	})

	q.Start()
	require.NoError(t, q.Enqueue(Task{Type: "doomed", TenantID: tenantID}))
	drain(t, q)

	assert.Equal(t, 2, calls)

	events := pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventTaskFailed, events[0].Type)
	assert.Equal(t, tenantID, events[0].TenantID)
	assert.Equal(t, "doomed", events[0].Data["type"])
}

// A retry re-push rejected by a closed lane must not lose the task: the
// remaining attempts run inline during drain and exhaustion still emits the
// failure event.
func TestShutdownRetriesInlineAfterLaneClose(t *testing.T) {
	pub := &capturePublisher{}
	q := NewQueue(Options{Workers: 1, MaxAttempts: 3}, pub, zap.NewNop())

	tenantID := uuid.New()
	started := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	calls := 0
	q.Register("stubborn", func(ctx context.Context, task Task) error {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			close(started)
			<-release
		}
		return errors.New("still failing")
	})

	q.Start()
	require.NoError(t, q.Enqueue(Task{Type: "stubborn", TenantID: tenantID}))
	<-started

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- q.Shutdown(ctx)
	}()

	// Hold the first attempt until every lane has closed, so its re-push is
	// guaranteed to be rejected.
	for {
		allClosed := true
		for _, l := range q.lanes {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if !closed {
				allClosed = false
				break
			}
		}
		if allClosed {
			break
		}
		time.Sleep(time.Millisecond)
	}
	close(release)
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, calls)

	events := pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventTaskFailed, events[0].Type)
	assert.Equal(t, tenantID, events[0].TenantID)
}

func TestEnqueueUnknownType(t *testing.T) {
	q := NewQueue(Options{Workers: 1}, nil, zap.NewNop())

	err := q.Enqueue(Task{Type: "nobody-registered-this"})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindInvalid))
}

func TestEnqueueAfterShutdown(t *testing.T) {
	q := NewQueue(Options{Workers: 1}, nil, zap.NewNop())
	q.Register("noop", func(ctx context.Context, task Task) error { return nil })
	q.Start()
	drain(t, q)

	err := q.Enqueue(Task{Type: "noop"})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindInternal))
}

func TestShutdownDrainsQueued(t *testing.T) {
	q := NewQueue(Options{Workers: 2}, nil, zap.NewNop())

	var mu sync.Mutex
	done := 0
	q.Register("count", func(ctx context.Context, task Task) error {
		time.Sleep(time.Millisecond)
		mu.Lock()
		done++
		mu.Unlock()
		return nil
	})

	q.Start()
	for i := 0; i < 20; i++ {
		require.NoError(t, q.Enqueue(Task{Type: "count", Key: uuid.New().String()}))
	}
	drain(t, q)

	assert.Equal(t, 20, done)
}
