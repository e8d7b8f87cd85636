package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/puo-memo/puomemo/internal/domain"
)

// ExtrasStore persists the lexical extraction side tables: action items,
// external references, and conversation links.
type ExtrasStore struct {
	pool *Pool
}

func NewExtrasStore(pool *Pool) *ExtrasStore {
	return &ExtrasStore{pool: pool}
}

func (s *ExtrasStore) CreateActionItem(ctx context.Context, item *domain.ActionItem) error {
	if item.Status == "" {
		item.Status = domain.ActionPending
	}
	return s.pool.DB().QueryRow(ctx,
		`INSERT INTO action_items (memory_id, text, status, priority, due_date)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		item.MemoryID, item.Text, item.Status, item.Priority, item.DueDate,
	).Scan(&item.ID, &item.CreatedAt)
}

func (s *ExtrasStore) ListActionItems(ctx context.Context, memoryID uuid.UUID) ([]domain.ActionItem, error) {
	rows, err := s.pool.DB().Query(ctx,
		`SELECT id, memory_id, text, status, priority, due_date, created_at
		 FROM action_items WHERE memory_id = $1 ORDER BY priority DESC, created_at`,
		memoryID)
	if err != nil {
		return nil, fmt.Errorf("list action items: %w", err)
	}
	defer rows.Close()

	var items []domain.ActionItem
	for rows.Next() {
		var it domain.ActionItem
		if err := rows.Scan(&it.ID, &it.MemoryID, &it.Text, &it.Status, &it.Priority, &it.DueDate, &it.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (s *ExtrasStore) UpdateActionItemStatus(ctx context.Context, id uuid.UUID, status domain.ActionItemStatus) error {
	tag, err := s.pool.DB().Exec(ctx,
		`UPDATE action_items SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *ExtrasStore) CreateExternalReference(ctx context.Context, ref *domain.ExternalReference) error {
	return s.pool.DB().QueryRow(ctx,
		`INSERT INTO external_references (memory_id, reference_type, value, context, is_valid)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		ref.MemoryID, ref.ReferenceType, ref.Value, ref.Context, ref.IsValid,
	).Scan(&ref.ID, &ref.CreatedAt)
}

func (s *ExtrasStore) ListExternalReferences(ctx context.Context, memoryID uuid.UUID) ([]domain.ExternalReference, error) {
	rows, err := s.pool.DB().Query(ctx,
		`SELECT id, memory_id, reference_type, value, context, is_valid, created_at
		 FROM external_references WHERE memory_id = $1 ORDER BY created_at`,
		memoryID)
	if err != nil {
		return nil, fmt.Errorf("list external references: %w", err)
	}
	defer rows.Close()

	var refs []domain.ExternalReference
	for rows.Next() {
		var r domain.ExternalReference
		if err := rows.Scan(&r.ID, &r.MemoryID, &r.ReferenceType, &r.Value, &r.Context, &r.IsValid, &r.CreatedAt); err != nil {
			return nil, err
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

func (s *ExtrasStore) UpsertConversationLink(ctx context.Context, link *domain.ConversationLink) error {
	return s.pool.DB().QueryRow(ctx,
		`INSERT INTO conversation_links (source_conversation_id, target_conversation_id, link_type, context)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (source_conversation_id, target_conversation_id)
		   DO UPDATE SET link_type = EXCLUDED.link_type, context = EXCLUDED.context
		 RETURNING created_at`,
		link.SourceConversationID, link.TargetConversationID, link.LinkType, link.Context,
	).Scan(&link.CreatedAt)
}

func (s *ExtrasStore) ListConversationLinks(ctx context.Context, conversationID uuid.UUID) ([]domain.ConversationLink, error) {
	rows, err := s.pool.DB().Query(ctx,
		`SELECT source_conversation_id, target_conversation_id, link_type, context, created_at
		 FROM conversation_links
		 WHERE source_conversation_id = $1 OR target_conversation_id = $1
		 ORDER BY created_at DESC`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("list conversation links: %w", err)
	}
	defer rows.Close()

	var links []domain.ConversationLink
	for rows.Next() {
		var l domain.ConversationLink
		if err := rows.Scan(&l.SourceConversationID, &l.TargetConversationID, &l.LinkType, &l.Context, &l.CreatedAt); err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, rows.Err()
}
