package graph

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/puo-memo/puomemo/internal/domain"
	"github.com/puo-memo/puomemo/internal/store"
)

// fakeEntityStore is a map-backed domain.EntityStore.
type fakeEntityStore struct {
	entities     map[uuid.UUID]*domain.Entity
	relations    map[string]*domain.Relation
	associations map[string]*domain.MemoryEntityAssociation
}

func newFakeEntityStore() *fakeEntityStore {
	return &fakeEntityStore{
		entities:     map[uuid.UUID]*domain.Entity{},
		relations:    map[string]*domain.Relation{},
		associations: map[string]*domain.MemoryEntityAssociation{},
	}
}

func (f *fakeEntityStore) FindByNameOrAlias(_ context.Context, name string) (*domain.Entity, error) {
	name = strings.TrimSpace(name)
	for _, e := range f.entities {
		if strings.EqualFold(e.Name, name) {
			return e, nil
		}
		for _, a := range e.Aliases {
			if strings.EqualFold(a, name) {
				return e, nil
			}
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeEntityStore) Insert(_ context.Context, e *domain.Entity) error {
	e.ID = uuid.New()
	if e.OccurrenceCount == 0 {
		e.OccurrenceCount = 1
	}
	f.entities[e.ID] = e
	return nil
}

func (f *fakeEntityStore) UpdateObservation(_ context.Context, e *domain.Entity) error {
	stored, ok := f.entities[e.ID]
	if !ok {
		return store.ErrNotFound
	}
	stored.Aliases = e.Aliases
	stored.Attributes = e.Attributes
	stored.OccurrenceCount++
	return nil
}

func (f *fakeEntityStore) GetByIDs(_ context.Context, ids []uuid.UUID) ([]domain.Entity, error) {
	var out []domain.Entity
	for _, id := range ids {
		if e, ok := f.entities[id]; ok {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (f *fakeEntityStore) Search(_ context.Context, query string, entityType *domain.EntityType, limit int) ([]domain.Entity, error) {
	var out []domain.Entity
	for _, e := range f.entities {
		if entityType != nil && e.EntityType != *entityType {
			continue
		}
		if strings.Contains(strings.ToLower(e.Name), strings.ToLower(query)) {
			out = append(out, *e)
		}
	}
	return out, nil
}

func relKey(r *domain.Relation) string {
	return r.FromEntityID.String() + "|" + r.ToEntityID.String() + "|" + r.RelationType
}

func (f *fakeEntityStore) UpsertRelation(_ context.Context, r *domain.Relation) error {
	key := relKey(r)
	if existing, ok := f.relations[key]; ok {
		if r.Confidence > existing.Confidence {
			existing.Confidence = r.Confidence
		}
		*r = *existing
		return nil
	}
	r.ID = uuid.New()
	stored := *r
	f.relations[key] = &stored
	return nil
}

func (f *fakeEntityStore) EdgesTouching(_ context.Context, ids []uuid.UUID) ([]domain.Relation, error) {
	idSet := map[uuid.UUID]struct{}{}
	for _, id := range ids {
		idSet[id] = struct{}{}
	}
	var out []domain.Relation
	for _, r := range f.relations {
		if _, from := idSet[r.FromEntityID]; from {
			out = append(out, *r)
			continue
		}
		if _, to := idSet[r.ToEntityID]; to {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeEntityStore) Associate(_ context.Context, a *domain.MemoryEntityAssociation) error {
	f.associations[a.MemoryID.String()+"|"+a.EntityID.String()] = a
	return nil
}

func (f *fakeEntityStore) DeleteAssociationsByMemory(_ context.Context, memoryID uuid.UUID) error {
	for k := range f.associations {
		if strings.HasPrefix(k, memoryID.String()+"|") {
			delete(f.associations, k)
		}
	}
	return nil
}

func newTestService(f *fakeEntityStore) *Service {
	return NewService(f, nil, nil, zap.NewNop())
}

func TestUpsertEntityNew(t *testing.T) {
	f := newFakeEntityStore()
	s := newTestService(f)

	e, err := s.UpsertEntity(context.Background(), domain.ExtractedEntity{
		Name: "Postgres", Type: "Technology", Confidence: 0.9,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.EntityTechnology, e.EntityType)
	assert.Equal(t, 1, e.OccurrenceCount)
}

func TestUpsertEntityUnknownTypeCoerced(t *testing.T) {
	s := newTestService(newFakeEntityStore())

	e, err := s.UpsertEntity(context.Background(), domain.ExtractedEntity{Name: "Thing", Type: "widget"})
	require.NoError(t, err)
	assert.Equal(t, domain.EntityOther, e.EntityType)
}

func TestUpsertEntityEmptyNameRejected(t *testing.T) {
	s := newTestService(newFakeEntityStore())

	_, err := s.UpsertEntity(context.Background(), domain.ExtractedEntity{Name: "   "})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindInvalid))
}

func TestUpsertEntityMergesAliasesAndAttributes(t *testing.T) {
	f := newFakeEntityStore()
	s := newTestService(f)
	ctx := context.Background()

	first, err := s.UpsertEntity(ctx, domain.ExtractedEntity{
		Name: "Kubernetes", Type: "technology", Aliases: []string{"k8s"},
		Attributes: map[string]any{"category": "orchestration"},
	})
	require.NoError(t, err)

	// Second observation arrives under a known alias.
	second, err := s.UpsertEntity(ctx, domain.ExtractedEntity{
		Name: "k8s", Aliases: []string{"kube"},
		Attributes: map[string]any{"category": "container orchestration"},
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Contains(t, second.Aliases, "kube")
	assert.Contains(t, second.Aliases, "k8s")
	assert.NotContains(t, second.Aliases, "Kubernetes")
	assert.Equal(t, "container orchestration", second.Attributes["category"])
	assert.Equal(t, 2, f.entities[first.ID].OccurrenceCount)
}

func TestCreateRelationRequiresEndpoints(t *testing.T) {
	s := newTestService(newFakeEntityStore())

	_, err := s.CreateRelation(context.Background(), domain.ExtractedRelation{
		From: "Nobody", To: "Nothing", Type: "works_on",
	}, nil)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
}

func TestCreateRelationNormalizesAndClamps(t *testing.T) {
	f := newFakeEntityStore()
	s := newTestService(f)
	ctx := context.Background()

	_, err := s.UpsertEntity(ctx, domain.ExtractedEntity{Name: "Ada", Type: "person"})
	require.NoError(t, err)
	_, err = s.UpsertEntity(ctx, domain.ExtractedEntity{Name: "Engine", Type: "project"})
	require.NoError(t, err)

	rel, err := s.CreateRelation(ctx, domain.ExtractedRelation{
		From: "Ada", To: "Engine", Type: "Works On!", Confidence: 1.7,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "works_on", rel.RelationType)
	assert.Equal(t, float32(1), rel.Confidence)
}

func TestCreateRelationKeepsMaxConfidence(t *testing.T) {
	f := newFakeEntityStore()
	s := newTestService(f)
	ctx := context.Background()

	_, _ = s.UpsertEntity(ctx, domain.ExtractedEntity{Name: "Ada", Type: "person"})
	_, _ = s.UpsertEntity(ctx, domain.ExtractedEntity{Name: "Engine", Type: "project"})

	_, err := s.CreateRelation(ctx, domain.ExtractedRelation{From: "Ada", To: "Engine", Type: "works_on", Confidence: 0.9}, nil)
	require.NoError(t, err)

	rel, err := s.CreateRelation(ctx, domain.ExtractedRelation{From: "Ada", To: "Engine", Type: "works_on", Confidence: 0.4}, nil)
	require.NoError(t, err)
	assert.Equal(t, float32(0.9), rel.Confidence)
}

func TestIngestCountsAndSkips(t *testing.T) {
	f := newFakeEntityStore()
	s := newTestService(f)
	memoryID := uuid.New()

	entities, relations, err := s.Ingest(context.Background(), memoryID, &domain.ExtractionResult{
		Entities: []domain.ExtractedEntity{
			{Name: "Ada", Type: "person", Confidence: 0.9},
			{Name: "Engine", Type: "project", Confidence: 0.8},
			{Name: "", Type: "person"}, // dropped
		},
		Relations: []domain.ExtractedRelation{
			{From: "Ada", To: "Engine", Type: "works_on", Confidence: 0.7},
			{From: "Ada", To: "Ghost", Type: "knows", Confidence: 0.5}, // endpoint missing
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, entities)
	assert.Equal(t, 1, relations)
	assert.Len(t, f.associations, 2)
}

func TestNeighborhoodBFS(t *testing.T) {
	f := newFakeEntityStore()
	s := newTestService(f)
	ctx := context.Background()

	// a - b - c - d chain
	for _, name := range []string{"a", "b", "c", "d"} {
		_, err := s.UpsertEntity(ctx, domain.ExtractedEntity{Name: name, Type: "concept"})
		require.NoError(t, err)
	}
	for _, pair := range [][2]string{{"a", "b"}, {"b", "c"}, {"c", "d"}} {
		_, err := s.CreateRelation(ctx, domain.ExtractedRelation{From: pair[0], To: pair[1], Type: "linked_to", Confidence: 1}, nil)
		require.NoError(t, err)
	}

	n, err := s.Neighborhood(ctx, "a", 2)
	require.NoError(t, err)
	assert.Equal(t, "a", n.CentralEntity)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, n.Nodes)
	assert.Equal(t, 2, n.TotalConnections)

	full, err := s.Neighborhood(ctx, "a", 5)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, full.Nodes)
	assert.Equal(t, 3, full.TotalConnections)
}

func TestNeighborhoodIncludesCentralEntity(t *testing.T) {
	f := newFakeEntityStore()
	s := newTestService(f)
	ctx := context.Background()

	_, err := s.UpsertEntity(ctx, domain.ExtractedEntity{Name: "Alice Chen", Type: "person"})
	require.NoError(t, err)
	_, err = s.UpsertEntity(ctx, domain.ExtractedEntity{Name: "Acme Corp", Type: "organization"})
	require.NoError(t, err)
	_, err = s.UpsertEntity(ctx, domain.ExtractedEntity{Name: "London", Type: "location"})
	require.NoError(t, err)

	_, err = s.CreateRelation(ctx, domain.ExtractedRelation{From: "Alice Chen", To: "Acme Corp", Type: "works_at", Confidence: 0.9}, nil)
	require.NoError(t, err)
	_, err = s.CreateRelation(ctx, domain.ExtractedRelation{From: "Acme Corp", To: "London", Type: "located_in", Confidence: 0.9}, nil)
	require.NoError(t, err)

	n, err := s.Neighborhood(ctx, "Alice Chen", 2)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Alice Chen", "Acme Corp", "London"}, n.Nodes)
}

func TestNeighborhoodUnknownEntity(t *testing.T) {
	s := newTestService(newFakeEntityStore())

	_, err := s.Neighborhood(context.Background(), "ghost", 2)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
}

func TestSearchEntitiesEmptyQuery(t *testing.T) {
	s := newTestService(newFakeEntityStore())

	_, err := s.SearchEntities(context.Background(), "  ", nil, 10)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindInvalid))
}
