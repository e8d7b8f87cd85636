package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/puo-memo/puomemo/internal/dedup"
	"github.com/puo-memo/puomemo/internal/domain"
	"github.com/puo-memo/puomemo/internal/embedding"
	"github.com/puo-memo/puomemo/internal/tasks"
)

type fakeExtractor struct{}

func (fakeExtractor) Extract(context.Context, string) (*domain.ExtractionResult, error) {
	return &domain.ExtractionResult{}, nil
}

type memoryEnv struct {
	memories    *fakeMemoryStore
	corrections *fakeCorrectionStore
	tenant      *domain.Tenant
	userID      uuid.UUID
	queue       *captureQueue
	published   *capturePublisher
	svc         *MemoryService
}

func newMemoryEnv(t *testing.T) *memoryEnv {
	t.Helper()
	ms := newFakeMemoryStore()
	cs := newFakeCorrectionStore(ms)
	tenant := &domain.Tenant{
		ID:       uuid.New(),
		Slug:     "acme",
		Name:     "Acme",
		Settings: domain.DefaultTenantSettings(),
	}
	queue := &captureQueue{}
	pub := &capturePublisher{}
	svc := NewMemoryService(MemoryServiceDeps{
		Memories:    ms,
		Corrections: cs,
		Tenants:     &fakeTenantStore{tenant: tenant},
		Deduper:     dedup.New(ms, 0, zap.NewNop()),
		Queue:       queue,
		Embedder:    embedding.NewMockClient(8),
		Extractor:   fakeExtractor{},
		Publisher:   pub,
	}, zap.NewNop())
	return &memoryEnv{
		memories:    ms,
		corrections: cs,
		tenant:      tenant,
		userID:      uuid.New(),
		queue:       queue,
		published:   pub,
		svc:         svc,
	}
}

func (e *memoryEnv) rc() domain.RequestContext {
	return domain.RequestContext{TenantID: e.tenant.ID, UserID: e.userID, Role: domain.RoleMember}
}

func TestCreateMemory(t *testing.T) {
	env := newMemoryEnv(t)
	ctx := context.Background()

	res, err := env.svc.Create(ctx, env.rc(), CreateMemoryRequest{
		Content: "postgres connection pooling notes",
		Title:   "pgbouncer",
		Tags:    []string{"infra", "postgres", "infra"},
	})
	require.NoError(t, err)
	require.Equal(t, StatusCreated, res.Status)
	require.NotNil(t, res.Memory)

	m := res.Memory
	assert.NotEqual(t, uuid.Nil, m.ID)
	assert.Equal(t, 1, m.CurrentVersion)
	assert.Equal(t, domain.VisibilityPrivate, m.Visibility)
	assert.Equal(t, []string{"infra", "postgres"}, m.Tags)
	assert.NotEmpty(t, m.Fingerprint)

	versions := env.memories.versions[m.ID]
	require.Len(t, versions, 1)
	assert.Equal(t, 1, versions[0].VersionNumber)
	assert.Equal(t, domain.ChangeCreate, versions[0].ChangeType)

	embeds := env.queue.byType(tasks.TypeGenerateEmbedding)
	require.Len(t, embeds, 1)
	assert.Equal(t, m.ID.String(), embeds[0].Key)
	assert.Equal(t, tasks.PriorityNormal, embeds[0].Priority)

	extracts := env.queue.byType(tasks.TypeExtractEntities)
	require.Len(t, extracts, 1)
	assert.Equal(t, tasks.PriorityLow, extracts[0].Priority)

	created := env.published.byType(domain.EventMemoryCreated)
	require.Len(t, created, 1)
	assert.Equal(t, env.tenant.ID, created[0].TenantID)
}

func TestCreateMemoryValidation(t *testing.T) {
	env := newMemoryEnv(t)
	ctx := context.Background()

	_, err := env.svc.Create(ctx, env.rc(), CreateMemoryRequest{Content: ""})
	assert.True(t, domain.IsKind(err, domain.KindInvalid))

	tags := make([]string, domain.MaxTags+1)
	for i := range tags {
		tags[i] = "t"
	}
	_, err = env.svc.Create(ctx, env.rc(), CreateMemoryRequest{Content: "x", Tags: tags})
	assert.True(t, domain.IsKind(err, domain.KindInvalid))

	_, err = env.svc.Create(ctx, env.rc(), CreateMemoryRequest{Content: "x", Visibility: "everyone"})
	assert.True(t, domain.IsKind(err, domain.KindInvalid))

	_, err = env.svc.Create(ctx, domain.RequestContext{}, CreateMemoryRequest{Content: "x"})
	assert.True(t, domain.IsKind(err, domain.KindUnauthorized))
}

func TestCreateMemoryQuota(t *testing.T) {
	env := newMemoryEnv(t)
	env.tenant.Settings.MaxMemories = 1
	ctx := context.Background()

	_, err := env.svc.Create(ctx, env.rc(), CreateMemoryRequest{Content: "first memory"})
	require.NoError(t, err)

	_, err = env.svc.Create(ctx, env.rc(), CreateMemoryRequest{Content: "second memory"})
	assert.True(t, domain.IsKind(err, domain.KindQuotaExceeded))
}

func TestCreateMemoryDuplicateFound(t *testing.T) {
	env := newMemoryEnv(t)
	ctx := context.Background()

	first, err := env.svc.Create(ctx, env.rc(), CreateMemoryRequest{Content: "deploy checklist for the api"})
	require.NoError(t, err)

	res, err := env.svc.Create(ctx, env.rc(), CreateMemoryRequest{Content: "Deploy checklist, for the API!"})
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicateFound, res.Status)
	require.NotNil(t, res.Existing)
	assert.Equal(t, first.Memory.ID, res.Existing.ID)
	assert.Equal(t, 1.0, res.Similarity)
	assert.Len(t, env.memories.memories, 1)
}

func TestCreateMemoryForceBypassesDedup(t *testing.T) {
	env := newMemoryEnv(t)
	ctx := context.Background()

	_, err := env.svc.Create(ctx, env.rc(), CreateMemoryRequest{Content: "same content twice"})
	require.NoError(t, err)

	res, err := env.svc.Create(ctx, env.rc(), CreateMemoryRequest{Content: "same content twice", Force: true})
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, res.Status)
	assert.Len(t, env.memories.memories, 2)
}

func TestCreateMemoryAutoMerge(t *testing.T) {
	env := newMemoryEnv(t)
	ctx := context.Background()

	first, err := env.svc.Create(ctx, env.rc(), CreateMemoryRequest{
		Content: "kubernetes upgrade notes",
		Tags:    []string{"memorylane"},
	})
	require.NoError(t, err)

	res, err := env.svc.Create(ctx, env.rc(), CreateMemoryRequest{
		Content: "kubernetes upgrade notes",
		Tags:    []string{"infra"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusMerged, res.Status)
	assert.Equal(t, first.Memory.ID, res.Memory.ID)
	assert.Equal(t, 2, res.Memory.CurrentVersion)
	assert.Contains(t, res.Memory.Tags, "infra")
	assert.Len(t, env.memories.memories, 1)

	versions := env.memories.versions[first.Memory.ID]
	require.Len(t, versions, 2)
	assert.Equal(t, domain.ChangeUpdate, versions[1].ChangeType)
	assert.Equal(t, "merged duplicate content", versions[1].ChangeReason)

	assert.Len(t, env.published.byType(domain.EventMemoryUpdated), 1)
}

func TestCreateMemorySyncEmbedding(t *testing.T) {
	env := newMemoryEnv(t)
	ctx := context.Background()

	res, err := env.svc.Create(ctx, env.rc(), CreateMemoryRequest{Content: "embed me inline", Sync: true})
	require.NoError(t, err)

	assert.Empty(t, env.queue.byType(tasks.TypeGenerateEmbedding))
	vec := env.memories.embeddings[res.Memory.ID]
	assert.Len(t, vec, 8)
	assert.Equal(t, "mock", res.Memory.EmbeddingModel)
}

// Lifecycle events must reach the bus before the async tasks they describe
// are enqueued, so a fast worker cannot emit embedding_complete for a memory
// whose created/updated event has not gone out yet.
func TestLifecycleEventsPrecedeAsyncTasks(t *testing.T) {
	seq := &opSequence{}
	ms := newFakeMemoryStore()
	tenant := &domain.Tenant{
		ID:       uuid.New(),
		Slug:     "acme",
		Name:     "Acme",
		Settings: domain.DefaultTenantSettings(),
	}
	svc := NewMemoryService(MemoryServiceDeps{
		Memories:    ms,
		Corrections: newFakeCorrectionStore(ms),
		Tenants:     &fakeTenantStore{tenant: tenant},
		Deduper:     dedup.New(ms, 0, zap.NewNop()),
		Queue:       &sequencedQueue{seq: seq},
		Embedder:    embedding.NewMockClient(8),
		Extractor:   fakeExtractor{},
		Publisher:   &sequencedPublisher{seq: seq},
	}, zap.NewNop())
	rc := domain.RequestContext{TenantID: tenant.ID, UserID: uuid.New(), Role: domain.RoleMember}
	ctx := context.Background()

	created, err := svc.Create(ctx, rc, CreateMemoryRequest{Content: "release notes draft"})
	require.NoError(t, err)

	createdIdx := seq.index("event:" + string(domain.EventMemoryCreated))
	embedIdx := seq.index("task:" + tasks.TypeGenerateEmbedding)
	extractIdx := seq.index("task:" + tasks.TypeExtractEntities)
	require.NotEqual(t, -1, createdIdx)
	require.NotEqual(t, -1, embedIdx)
	require.NotEqual(t, -1, extractIdx)
	assert.Less(t, createdIdx, embedIdx)
	assert.Less(t, createdIdx, extractIdx)

	seq.reset()
	newContent := "release notes final"
	_, err = svc.Update(ctx, rc, created.Memory.ID, UpdateMemoryRequest{Content: &newContent})
	require.NoError(t, err)

	updatedIdx := seq.index("event:" + string(domain.EventMemoryUpdated))
	embedIdx = seq.index("task:" + tasks.TypeGenerateEmbedding)
	require.NotEqual(t, -1, updatedIdx)
	require.NotEqual(t, -1, embedIdx)
	assert.Less(t, updatedIdx, embedIdx)

	// The auto-merge path re-embeds the merged content; same rule applies.
	_, err = svc.Create(ctx, rc, CreateMemoryRequest{
		Content: "oncall handoff checklist",
		Tags:    []string{"memorylane"},
	})
	require.NoError(t, err)
	seq.reset()
	res, err := svc.Create(ctx, rc, CreateMemoryRequest{Content: "oncall handoff checklist"})
	require.NoError(t, err)
	require.Equal(t, StatusMerged, res.Status)

	updatedIdx = seq.index("event:" + string(domain.EventMemoryUpdated))
	embedIdx = seq.index("task:" + tasks.TypeGenerateEmbedding)
	require.NotEqual(t, -1, updatedIdx)
	require.NotEqual(t, -1, embedIdx)
	assert.Less(t, updatedIdx, embedIdx)
}

func TestUpdateMemory(t *testing.T) {
	env := newMemoryEnv(t)
	ctx := context.Background()

	created, err := env.svc.Create(ctx, env.rc(), CreateMemoryRequest{Content: "draft of the incident report"})
	require.NoError(t, err)
	oldFingerprint := created.Memory.Fingerprint

	newContent := "final incident report with root cause"
	updated, err := env.svc.Update(ctx, env.rc(), created.Memory.ID, UpdateMemoryRequest{Content: &newContent})
	require.NoError(t, err)
	assert.Equal(t, newContent, updated.Content)
	assert.Equal(t, 2, updated.CurrentVersion)
	assert.NotEqual(t, oldFingerprint, updated.Fingerprint)

	versions := env.memories.versions[created.Memory.ID]
	require.Len(t, versions, 2)
	assert.Equal(t, domain.ChangeUpdate, versions[1].ChangeType)
	assert.Equal(t, newContent, versions[1].Content)

	// The content change re-enqueues async enrichment.
	assert.Len(t, env.queue.byType(tasks.TypeGenerateEmbedding), 2)
	assert.Len(t, env.queue.byType(tasks.TypeExtractEntities), 2)
	assert.Len(t, env.published.byType(domain.EventMemoryUpdated), 1)
}

func TestUpdateMemoryForbiddenForOtherUser(t *testing.T) {
	env := newMemoryEnv(t)
	ctx := context.Background()

	created, err := env.svc.Create(ctx, env.rc(), CreateMemoryRequest{
		Content:    "team runbook",
		Visibility: "team",
	})
	require.NoError(t, err)

	other := domain.RequestContext{TenantID: env.tenant.ID, UserID: uuid.New(), Role: domain.RoleMember}
	title := "renamed"
	_, err = env.svc.Update(ctx, other, created.Memory.ID, UpdateMemoryRequest{Title: &title})
	assert.True(t, domain.IsKind(err, domain.KindForbidden))
}

func TestGetPrivateMemoryHiddenAcrossTenants(t *testing.T) {
	env := newMemoryEnv(t)
	ctx := context.Background()

	created, err := env.svc.Create(ctx, env.rc(), CreateMemoryRequest{Content: "private note"})
	require.NoError(t, err)

	other := domain.RequestContext{TenantID: uuid.New(), UserID: uuid.New()}
	_, err = env.svc.Get(ctx, other, created.Memory.ID)
	assert.True(t, domain.IsKind(err, domain.KindNotFound))

	teammate := domain.RequestContext{TenantID: env.tenant.ID, UserID: uuid.New(), Role: domain.RoleMember}
	_, err = env.svc.Get(ctx, teammate, created.Memory.ID)
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
}

func TestGetAppliesCorrection(t *testing.T) {
	env := newMemoryEnv(t)
	ctx := context.Background()

	created, err := env.svc.Create(ctx, env.rc(), CreateMemoryRequest{Content: "the meeting is on tuesday"})
	require.NoError(t, err)

	c, err := env.svc.AddCorrection(ctx, env.rc(), created.Memory.ID, "the meeting is on wednesday", "rescheduled")
	require.NoError(t, err)
	assert.Equal(t, "the meeting is on tuesday", c.OriginalContentSnapshot)

	got, err := env.svc.Get(ctx, env.rc(), created.Memory.ID)
	require.NoError(t, err)
	assert.Equal(t, "the meeting is on wednesday", got.Content)
	assert.True(t, got.HasCorrection)
}

func TestDeleteMemory(t *testing.T) {
	env := newMemoryEnv(t)
	ctx := context.Background()

	created, err := env.svc.Create(ctx, env.rc(), CreateMemoryRequest{Content: "temporary scratch note"})
	require.NoError(t, err)

	require.NoError(t, env.svc.Delete(ctx, env.rc(), created.Memory.ID))
	assert.Empty(t, env.memories.memories)

	deleted := env.published.byType(domain.EventMemoryDeleted)
	require.Len(t, deleted, 1)
	assert.Equal(t, created.Memory.ID.String(), deleted[0].Data["memory_id"])

	err = env.svc.Delete(ctx, env.rc(), created.Memory.ID)
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
}

func TestListValidation(t *testing.T) {
	env := newMemoryEnv(t)
	ctx := context.Background()

	_, _, err := env.svc.List(ctx, env.rc(), domain.ListOpts{Limit: domain.MaxListLimit + 1})
	assert.True(t, domain.IsKind(err, domain.KindInvalid))

	_, _, err = env.svc.List(ctx, env.rc(), domain.ListOpts{Offset: -1})
	assert.True(t, domain.IsKind(err, domain.KindInvalid))

	_, err = env.svc.Create(ctx, env.rc(), CreateMemoryRequest{Content: "only entry"})
	require.NoError(t, err)

	memories, total, err := env.svc.List(ctx, env.rc(), domain.ListOpts{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, memories, 1)
}
