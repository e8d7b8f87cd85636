// Package graph maintains the entity/relation side-store fed by extraction
// and exposes bounded-depth neighborhood traversal.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/puo-memo/puomemo/internal/cache"
	"github.com/puo-memo/puomemo/internal/domain"
	"github.com/puo-memo/puomemo/internal/store"
)

const MaxNeighborhoodDepth = 5

var ErrEntityNotFound = domain.NotFound("entity")

type Service struct {
	entities domain.EntityStore
	embedder domain.Embedder
	cache    domain.Cache
	logger   *zap.Logger
}

func NewService(entities domain.EntityStore, embedder domain.Embedder, c domain.Cache, logger *zap.Logger) *Service {
	if c == nil {
		c = cache.Noop{}
	}
	return &Service{entities: entities, embedder: embedder, cache: c, logger: logger}
}

// UpsertEntity resolves by case-folded name or alias. Found entities get
// alias union, newest-wins attribute merge, and an occurrence bump; new ones
// are inserted with occurrence_count=1 and, when an embedder is wired, a
// name embedding.
func (s *Service) UpsertEntity(ctx context.Context, e domain.ExtractedEntity) (*domain.Entity, error) {
	name := strings.TrimSpace(e.Name)
	if name == "" {
		return nil, domain.Invalidf("entity name is empty")
	}

	existing, err := s.entities.FindByNameOrAlias(ctx, name)
	if err == nil {
		existing.Aliases = mergeAliases(existing.Aliases, e.Aliases, name, existing.Name)
		existing.Attributes = mergeAttributes(existing.Attributes, e.Attributes)
		if err := s.entities.UpdateObservation(ctx, existing); err != nil {
			return nil, fmt.Errorf("update entity %s: %w", existing.ID, err)
		}
		s.cache.Delete(ctx, cache.Key(cache.KindEntityGraph, strings.ToLower(existing.Name)))
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	entity := &domain.Entity{
		Name:       name,
		EntityType: domain.NormalizeEntityType(e.Type),
		Aliases:    domain.NormalizeTags(e.Aliases),
		Attributes: e.Attributes,
	}
	if entity.Aliases == nil {
		entity.Aliases = []string{}
	}
	if entity.Attributes == nil {
		entity.Attributes = map[string]any{}
	}
	if s.embedder != nil {
		if vec, embErr := s.embedder.Embed(ctx, name); embErr == nil {
			entity.Embedding = vec
		} else {
			s.logger.Warn("entity name embedding failed", zap.String("name", name), zap.Error(embErr))
		}
	}
	if err := s.entities.Insert(ctx, entity); err != nil {
		return nil, fmt.Errorf("insert entity %q: %w", name, err)
	}
	return entity, nil
}

// CreateRelation records an edge between two existing entities. Both
// endpoints must resolve; re-observation keeps the higher confidence.
func (s *Service) CreateRelation(ctx context.Context, r domain.ExtractedRelation, sourceMemory *uuid.UUID) (*domain.Relation, error) {
	relType := domain.NormalizeRelationType(r.Type)
	if relType == "" {
		return nil, domain.Invalidf("relation type is empty")
	}

	from, err := s.entities.FindByNameOrAlias(ctx, r.From)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrEntityNotFound
		}
		return nil, err
	}
	to, err := s.entities.FindByNameOrAlias(ctx, r.To)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrEntityNotFound
		}
		return nil, err
	}

	rel := &domain.Relation{
		FromEntityID:   from.ID,
		ToEntityID:     to.ID,
		RelationType:   relType,
		Attributes:     r.Attributes,
		Confidence:     domain.ClampConfidence(r.Confidence),
		SourceMemoryID: sourceMemory,
	}
	if rel.Attributes == nil {
		rel.Attributes = map[string]any{}
	}
	if err := s.entities.UpsertRelation(ctx, rel); err != nil {
		return nil, fmt.Errorf("upsert relation %s-%s: %w", r.From, r.To, err)
	}
	return rel, nil
}

func (s *Service) Associate(ctx context.Context, memoryID, entityID uuid.UUID, relevance float32) error {
	return s.entities.Associate(ctx, &domain.MemoryEntityAssociation{
		MemoryID:       memoryID,
		EntityID:       entityID,
		RelevanceScore: domain.ClampConfidence(relevance),
	})
}

// Ingest applies a full extraction result for one memory: entities first,
// then relations between them, then associations. Returns counts.
func (s *Service) Ingest(ctx context.Context, memoryID uuid.UUID, result *domain.ExtractionResult) (int, int, error) {
	if result == nil {
		return 0, 0, nil
	}

	upserted := 0
	for _, e := range result.Entities {
		entity, err := s.UpsertEntity(ctx, e)
		if err != nil {
			if domain.IsKind(err, domain.KindInvalid) {
				continue
			}
			return upserted, 0, err
		}
		if err := s.Associate(ctx, memoryID, entity.ID, e.Confidence); err != nil {
			return upserted, 0, fmt.Errorf("associate entity %q: %w", entity.Name, err)
		}
		upserted++
	}

	related := 0
	for _, r := range result.Relations {
		if _, err := s.CreateRelation(ctx, r, &memoryID); err != nil {
			// Relations referencing entities the model invented are skipped.
			if domain.IsKind(err, domain.KindNotFound) || domain.IsKind(err, domain.KindInvalid) {
				s.logger.Debug("skipping relation", zap.String("from", r.From), zap.String("to", r.To), zap.Error(err))
				continue
			}
			return upserted, related, err
		}
		related++
	}
	return upserted, related, nil
}

// Neighborhood runs a breadth-first traversal from the named entity over
// incoming and outgoing edges, up to depth levels (capped at 5).
func (s *Service) Neighborhood(ctx context.Context, name string, depth int) (*domain.Neighborhood, error) {
	if depth < 1 {
		depth = 1
	}
	if depth > MaxNeighborhoodDepth {
		depth = MaxNeighborhoodDepth
	}

	cacheKey := cache.Key(cache.KindEntityGraph, fmt.Sprintf("%s:%d", strings.ToLower(strings.TrimSpace(name)), depth))
	if data, ok := s.cache.Get(ctx, cacheKey); ok {
		var n domain.Neighborhood
		if err := json.Unmarshal(data, &n); err == nil {
			return &n, nil
		}
	}

	central, err := s.entities.FindByNameOrAlias(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrEntityNotFound
		}
		return nil, err
	}

	visited := map[uuid.UUID]string{central.ID: central.Name}
	frontier := []uuid.UUID{central.ID}
	var edges []domain.GraphEdge
	seenEdges := map[uuid.UUID]struct{}{}

	for level := 1; level <= depth && len(frontier) > 0; level++ {
		relations, err := s.entities.EdgesTouching(ctx, frontier)
		if err != nil {
			return nil, fmt.Errorf("expand level %d: %w", level, err)
		}

		var discovered []uuid.UUID
		for _, rel := range relations {
			if _, dup := seenEdges[rel.ID]; dup {
				continue
			}
			seenEdges[rel.ID] = struct{}{}

			for _, endpoint := range []uuid.UUID{rel.FromEntityID, rel.ToEntityID} {
				if _, ok := visited[endpoint]; !ok {
					discovered = append(discovered, endpoint)
					visited[endpoint] = "" // resolved below
				}
			}
			edges = append(edges, domain.GraphEdge{
				From:  rel.FromEntityID.String(),
				To:    rel.ToEntityID.String(),
				Type:  rel.RelationType,
				Depth: level,
			})
		}

		if len(discovered) > 0 {
			resolved, err := s.entities.GetByIDs(ctx, discovered)
			if err != nil {
				return nil, fmt.Errorf("resolve level %d: %w", level, err)
			}
			for _, e := range resolved {
				visited[e.ID] = e.Name
			}
		}
		frontier = discovered
	}

	// Edges carry entity names on the wire, not ids.
	byID := make(map[string]string, len(visited))
	for id, entityName := range visited {
		byID[id.String()] = entityName
	}
	for i := range edges {
		if n, ok := byID[edges[i].From]; ok && n != "" {
			edges[i].From = n
		}
		if n, ok := byID[edges[i].To]; ok && n != "" {
			edges[i].To = n
		}
	}

	// The central entity is itself a node of its neighborhood.
	nodes := make([]string, 0, len(visited))
	for _, entityName := range visited {
		if entityName != "" {
			nodes = append(nodes, entityName)
		}
	}
	sort.Strings(nodes)

	n := &domain.Neighborhood{
		CentralEntity:    central.Name,
		Nodes:            nodes,
		Edges:            edges,
		TotalConnections: len(edges),
	}
	if data, err := json.Marshal(n); err == nil {
		s.cache.Set(ctx, cacheKey, data, cache.TTLFor(cache.KindEntityGraph))
	}
	return n, nil
}

func (s *Service) SearchEntities(ctx context.Context, query string, entityType *domain.EntityType, limit int) ([]domain.Entity, error) {
	if strings.TrimSpace(query) == "" {
		return nil, domain.Invalidf("entity search query is empty")
	}
	return s.entities.Search(ctx, query, entityType, limit)
}

func (s *Service) DeleteMemoryAssociations(ctx context.Context, memoryID uuid.UUID) error {
	return s.entities.DeleteAssociationsByMemory(ctx, memoryID)
}

// mergeAliases unions the existing aliases with new ones plus the incoming
// surface form, excluding the canonical name itself.
func mergeAliases(existing, incoming []string, surfaceForm, canonical string) []string {
	all := domain.UnionTags(existing, incoming)
	if !strings.EqualFold(surfaceForm, canonical) {
		all = domain.UnionTags(all, []string{surfaceForm})
	}
	out := all[:0]
	for _, a := range all {
		if !strings.EqualFold(a, canonical) {
			out = append(out, a)
		}
	}
	return out
}

// mergeAttributes overlays incoming keys on existing, newest wins.
func mergeAttributes(existing, incoming map[string]any) map[string]any {
	if existing == nil {
		existing = map[string]any{}
	}
	for k, v := range incoming {
		existing[k] = v
	}
	return existing
}
