package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/puo-memo/puomemo/internal/domain"
)

type EntityStore struct {
	pool *Pool
}

func NewEntityStore(pool *Pool) *EntityStore {
	return &EntityStore{pool: pool}
}

const entityColumns = `id, name, entity_type, aliases, attributes, occurrence_count, first_seen, last_seen`

func scanEntity(row pgx.Row) (*domain.Entity, error) {
	e := &domain.Entity{}
	err := row.Scan(&e.ID, &e.Name, &e.EntityType, &e.Aliases, &e.Attributes,
		&e.OccurrenceCount, &e.FirstSeen, &e.LastSeen)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

// FindByNameOrAlias resolves an entity by case-folded canonical name or any
// alias match. Aliases compare with equality, not pattern matching, so stored
// % or _ characters stay literal.
func (s *EntityStore) FindByNameOrAlias(ctx context.Context, name string) (*domain.Entity, error) {
	return scanEntity(s.pool.DB().QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM entities
		 WHERE LOWER(name) = LOWER($1)
		    OR LOWER($1) = ANY(SELECT LOWER(a) FROM unnest(aliases) AS a)
		 LIMIT 1`, entityColumns),
		strings.TrimSpace(name)))
}

func (s *EntityStore) Insert(ctx context.Context, e *domain.Entity) error {
	var embedding *pgvector.Vector
	if len(e.Embedding) > 0 {
		vec := pgvector.NewVector(e.Embedding)
		embedding = &vec
	}
	if e.OccurrenceCount == 0 {
		e.OccurrenceCount = 1
	}
	return s.pool.DB().QueryRow(ctx,
		`INSERT INTO entities (name, entity_type, aliases, attributes, occurrence_count, embedding)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (LOWER(name)) DO UPDATE
		   SET occurrence_count = entities.occurrence_count + 1, last_seen = NOW()
		 RETURNING id, first_seen, last_seen`,
		e.Name, e.EntityType, e.Aliases, e.Attributes, e.OccurrenceCount, embedding,
	).Scan(&e.ID, &e.FirstSeen, &e.LastSeen)
}

// UpdateObservation unions aliases, merges attributes newest-wins, bumps
// occurrence_count and last_seen.
func (s *EntityStore) UpdateObservation(ctx context.Context, e *domain.Entity) error {
	tag, err := s.pool.DB().Exec(ctx,
		`UPDATE entities
		 SET aliases = ARRAY(SELECT DISTINCT unnest(aliases || $1::text[])),
		     attributes = attributes || $2,
		     occurrence_count = occurrence_count + 1,
		     last_seen = NOW()
		 WHERE id = $3`,
		e.Aliases, e.Attributes, e.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *EntityStore) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]domain.Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.DB().Query(ctx,
		fmt.Sprintf(`SELECT %s FROM entities WHERE id = ANY($1)`, entityColumns), ids)
	if err != nil {
		return nil, fmt.Errorf("entities by ids: %w", err)
	}
	defer rows.Close()

	var entities []domain.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, *e)
	}
	return entities, rows.Err()
}

func (s *EntityStore) Search(ctx context.Context, query string, entityType *domain.EntityType, limit int) ([]domain.Entity, error) {
	if limit <= 0 {
		limit = 20
	}

	args := []any{"%" + query + "%"}
	conditions := []string{`(name ILIKE $1 OR EXISTS (SELECT 1 FROM unnest(aliases) al WHERE al ILIKE $1))`}
	if entityType != nil {
		args = append(args, *entityType)
		conditions = append(conditions, fmt.Sprintf("entity_type = $%d", len(args)))
	}
	args = append(args, limit)

	sql := fmt.Sprintf(
		`SELECT %s FROM entities WHERE %s ORDER BY occurrence_count DESC LIMIT $%d`,
		entityColumns, strings.Join(conditions, " AND "), len(args))

	rows, err := s.pool.DB().Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("search entities: %w", err)
	}
	defer rows.Close()

	var entities []domain.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, *e)
	}
	return entities, rows.Err()
}

// UpsertRelation inserts or, on the (from, to, type) conflict, keeps the
// higher confidence and merges attributes.
func (s *EntityStore) UpsertRelation(ctx context.Context, r *domain.Relation) error {
	return s.pool.DB().QueryRow(ctx,
		`INSERT INTO relations (from_entity_id, to_entity_id, relation_type, attributes, confidence, source_memory_id)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (from_entity_id, to_entity_id, relation_type) DO UPDATE
		   SET confidence = GREATEST(relations.confidence, EXCLUDED.confidence),
		       attributes = relations.attributes || EXCLUDED.attributes
		 RETURNING id, confidence, created_at`,
		r.FromEntityID, r.ToEntityID, r.RelationType, r.Attributes, r.Confidence, r.SourceMemoryID,
	).Scan(&r.ID, &r.Confidence, &r.CreatedAt)
}

// EdgesTouching returns relations where any given entity is an endpoint.
func (s *EntityStore) EdgesTouching(ctx context.Context, ids []uuid.UUID) ([]domain.Relation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.DB().Query(ctx,
		`SELECT id, from_entity_id, to_entity_id, relation_type, attributes, confidence, source_memory_id, created_at
		 FROM relations
		 WHERE from_entity_id = ANY($1) OR to_entity_id = ANY($1)`,
		ids)
	if err != nil {
		return nil, fmt.Errorf("edges touching: %w", err)
	}
	defer rows.Close()

	var relations []domain.Relation
	for rows.Next() {
		var r domain.Relation
		if err := rows.Scan(&r.ID, &r.FromEntityID, &r.ToEntityID, &r.RelationType,
			&r.Attributes, &r.Confidence, &r.SourceMemoryID, &r.CreatedAt); err != nil {
			return nil, err
		}
		relations = append(relations, r)
	}
	return relations, rows.Err()
}

func (s *EntityStore) Associate(ctx context.Context, a *domain.MemoryEntityAssociation) error {
	_, err := s.pool.DB().Exec(ctx,
		`INSERT INTO memory_entity_associations (memory_id, entity_id, relevance_score)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (memory_id, entity_id) DO UPDATE SET relevance_score = EXCLUDED.relevance_score`,
		a.MemoryID, a.EntityID, a.RelevanceScore)
	return err
}

func (s *EntityStore) DeleteAssociationsByMemory(ctx context.Context, memoryID uuid.UUID) error {
	_, err := s.pool.DB().Exec(ctx,
		`DELETE FROM memory_entity_associations WHERE memory_id = $1`, memoryID)
	return err
}
