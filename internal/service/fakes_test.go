package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/puo-memo/puomemo/internal/domain"
	"github.com/puo-memo/puomemo/internal/store"
	"github.com/puo-memo/puomemo/internal/tasks"
)

// fakeMemoryStore is a map-backed domain.MemoryStore covering the paths the
// services exercise.
type fakeMemoryStore struct {
	domain.MemoryStore

	mu         sync.Mutex
	memories   map[uuid.UUID]*domain.Memory
	versions   map[uuid.UUID][]domain.MemoryVersion
	nearDup    *domain.Memory
	nearSim    float64
	embeddings map[uuid.UUID][]float32
}

func newFakeMemoryStore() *fakeMemoryStore {
	return &fakeMemoryStore{
		memories:   map[uuid.UUID]*domain.Memory{},
		versions:   map[uuid.UUID][]domain.MemoryVersion{},
		embeddings: map[uuid.UUID][]float32{},
	}
}

func (f *fakeMemoryStore) Create(_ context.Context, m *domain.Memory, v *domain.MemoryVersion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m.ID = uuid.New()
	m.CurrentVersion = 1
	m.CreatedAt = time.Now().UTC()
	m.UpdatedAt = m.CreatedAt
	stored := *m
	f.memories[m.ID] = &stored

	v.MemoryID = m.ID
	v.VersionNumber = 1
	v.CreatedAt = m.CreatedAt
	f.versions[m.ID] = append(f.versions[m.ID], *v)
	return nil
}

func (f *fakeMemoryStore) Update(_ context.Context, m *domain.Memory, v *domain.MemoryVersion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.memories[m.ID]
	if !ok {
		return store.ErrNotFound
	}
	stored.Content = m.Content
	stored.Title = m.Title
	stored.Tags = m.Tags
	stored.Metadata = m.Metadata
	stored.Visibility = m.Visibility
	stored.Fingerprint = m.Fingerprint
	stored.CurrentVersion++
	stored.UpdatedAt = time.Now().UTC()
	m.CurrentVersion = stored.CurrentVersion

	v.MemoryID = m.ID
	v.VersionNumber = stored.CurrentVersion
	v.CreatedAt = stored.UpdatedAt
	f.versions[m.ID] = append(f.versions[m.ID], *v)
	return nil
}

func visibleTo(rc domain.RequestContext, m *domain.Memory) bool {
	if m.TenantID != rc.TenantID {
		return false
	}
	if rc.CanManageMemories() {
		return true
	}
	if m.Visibility == domain.VisibilityPrivate {
		return m.CreatedBy != nil && *m.CreatedBy == rc.UserID
	}
	return true
}

func (f *fakeMemoryStore) GetByID(_ context.Context, rc domain.RequestContext, id uuid.UUID) (*domain.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.memories[id]
	if !ok || !visibleTo(rc, m) {
		return nil, store.ErrNotFound
	}
	copied := *m
	return &copied, nil
}

func (f *fakeMemoryStore) Delete(_ context.Context, rc domain.RequestContext, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.memories[id]
	if !ok || !visibleTo(rc, m) {
		return store.ErrNotFound
	}
	delete(f.memories, id)
	return nil
}

func (f *fakeMemoryStore) List(_ context.Context, rc domain.RequestContext, opts domain.ListOpts) ([]domain.Memory, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Memory
	for _, m := range f.memories {
		if visibleTo(rc, m) {
			out = append(out, *m)
		}
	}
	total := len(out)
	if opts.Offset >= len(out) {
		return nil, total, nil
	}
	end := opts.Offset + opts.Limit
	if end > len(out) {
		end = len(out)
	}
	return out[opts.Offset:end], total, nil
}

func (f *fakeMemoryStore) CountByTenant(_ context.Context, tenantID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, m := range f.memories {
		if m.TenantID == tenantID {
			count++
		}
	}
	return count, nil
}

func (f *fakeMemoryStore) FindByFingerprint(_ context.Context, tenantID uuid.UUID, _ *uuid.UUID, fingerprint string, since time.Time) (*domain.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.memories {
		if m.TenantID == tenantID && m.Fingerprint == fingerprint && m.CreatedAt.After(since) {
			copied := *m
			return &copied, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeMemoryStore) FindNearDuplicate(_ context.Context, _ uuid.UUID, _ *uuid.UUID, _ string, _ time.Time, _ float64) (*domain.Memory, float64, error) {
	if f.nearDup != nil {
		copied := *f.nearDup
		return &copied, f.nearSim, nil
	}
	return nil, 0, store.ErrNotFound
}

func (f *fakeMemoryStore) SetEmbedding(_ context.Context, id uuid.UUID, embedding []float32, model string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.memories[id]
	if !ok {
		return store.ErrNotFound
	}
	f.embeddings[id] = embedding
	m.EmbeddingModel = model
	return nil
}

// fakeTenantStore serves one tenant.
type fakeTenantStore struct {
	domain.TenantStore

	tenant *domain.Tenant
}

func (f *fakeTenantStore) GetByID(_ context.Context, id uuid.UUID) (*domain.Tenant, error) {
	if f.tenant != nil && f.tenant.ID == id {
		return f.tenant, nil
	}
	return nil, store.ErrNotFound
}

// fakeCorrectionStore keeps corrections per memory, newest last.
type fakeCorrectionStore struct {
	corrections map[uuid.UUID][]domain.Correction
	versions    []domain.MemoryVersion
	memoryStore *fakeMemoryStore
}

func newFakeCorrectionStore(ms *fakeMemoryStore) *fakeCorrectionStore {
	return &fakeCorrectionStore{corrections: map[uuid.UUID][]domain.Correction{}, memoryStore: ms}
}

func (f *fakeCorrectionStore) Add(_ context.Context, c *domain.Correction, v *domain.MemoryVersion) error {
	c.ID = uuid.New()
	c.CorrectedAt = time.Now().UTC()
	f.corrections[c.MemoryID] = append(f.corrections[c.MemoryID], *c)
	f.versions = append(f.versions, *v)
	if m, ok := f.memoryStore.memories[c.MemoryID]; ok {
		m.HasCorrection = true
		m.CurrentVersion = v.VersionNumber
	}
	return nil
}

func (f *fakeCorrectionStore) Latest(_ context.Context, memoryID uuid.UUID) (*domain.Correction, error) {
	list := f.corrections[memoryID]
	if len(list) == 0 {
		return nil, store.ErrNotFound
	}
	latest := list[len(list)-1]
	return &latest, nil
}

func (f *fakeCorrectionStore) ListByMemory(_ context.Context, memoryID uuid.UUID) ([]domain.Correction, error) {
	return f.corrections[memoryID], nil
}

// fakeVersionStore reads from the memory store's version log.
type fakeVersionStore struct {
	memoryStore *fakeMemoryStore
	pruned      int64
}

func (f *fakeVersionStore) ListByMemory(_ context.Context, memoryID uuid.UUID, limit int) ([]domain.MemoryVersion, error) {
	all := f.memoryStore.versions[memoryID]
	out := make([]domain.MemoryVersion, 0, len(all))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (f *fakeVersionStore) Get(_ context.Context, memoryID uuid.UUID, versionNumber int) (*domain.MemoryVersion, error) {
	for _, v := range f.memoryStore.versions[memoryID] {
		if v.VersionNumber == versionNumber {
			copied := v
			return &copied, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeVersionStore) CountByMemory(_ context.Context, memoryID uuid.UUID) (int, error) {
	return len(f.memoryStore.versions[memoryID]), nil
}

func (f *fakeVersionStore) Prune(_ context.Context, memoryID uuid.UUID, keep int) (int64, error) {
	all := f.memoryStore.versions[memoryID]
	if len(all) <= keep {
		return 0, nil
	}
	removed := int64(len(all) - keep)
	f.memoryStore.versions[memoryID] = all[len(all)-keep:]
	f.pruned += removed
	return removed, nil
}

// captureQueue records enqueued tasks.
type captureQueue struct {
	mu    sync.Mutex
	tasks []tasks.Task
}

func (q *captureQueue) Enqueue(t tasks.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, t)
	return nil
}

func (q *captureQueue) byType(taskType string) []tasks.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []tasks.Task
	for _, t := range q.tasks {
		if t.Type == taskType {
			out = append(out, t)
		}
	}
	return out
}

// opSequence records the interleaving of enqueues and publishes so tests can
// assert relative ordering.
type opSequence struct {
	mu  sync.Mutex
	ops []string
}

func (s *opSequence) add(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, op)
}

func (s *opSequence) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = nil
}

// index returns the position of the first occurrence of op, or -1.
func (s *opSequence) index(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, o := range s.ops {
		if o == op {
			return i
		}
	}
	return -1
}

// sequencedQueue stamps each enqueue into the shared sequence.
type sequencedQueue struct {
	seq   *opSequence
	inner captureQueue
}

func (q *sequencedQueue) Enqueue(t tasks.Task) error {
	q.seq.add("task:" + t.Type)
	return q.inner.Enqueue(t)
}

// sequencedPublisher stamps each publish into the shared sequence.
type sequencedPublisher struct {
	seq   *opSequence
	inner capturePublisher
}

func (p *sequencedPublisher) Publish(ctx context.Context, e domain.Event) {
	p.seq.add("event:" + string(e.Type))
	p.inner.Publish(ctx, e)
}

// capturePublisher records published events.
type capturePublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *capturePublisher) Publish(_ context.Context, e domain.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *capturePublisher) byType(t domain.EventType) []domain.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.Event
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
