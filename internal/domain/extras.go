package domain

import (
	"time"

	"github.com/google/uuid"
)

type ActionItemStatus string

const (
	ActionPending    ActionItemStatus = "pending"
	ActionInProgress ActionItemStatus = "in_progress"
	ActionCompleted  ActionItemStatus = "completed"
	ActionCancelled  ActionItemStatus = "cancelled"
)

type ActionItem struct {
	ID        uuid.UUID        `json:"id"`
	MemoryID  uuid.UUID        `json:"memory_id"`
	Text      string           `json:"text"`
	Status    ActionItemStatus `json:"status"`
	Priority  int              `json:"priority"`
	DueDate   *time.Time       `json:"due_date,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

type ReferenceType string

const (
	RefURL       ReferenceType = "url"
	RefGitHub    ReferenceType = "github"
	RefSlackUser ReferenceType = "slack_user"
	RefEmail     ReferenceType = "email"
	RefPhone     ReferenceType = "phone"
)

type ExternalReference struct {
	ID            uuid.UUID     `json:"id"`
	MemoryID      uuid.UUID     `json:"memory_id"`
	ReferenceType ReferenceType `json:"reference_type"`
	Value         string        `json:"value"`
	Context       string        `json:"context,omitempty"`
	IsValid       bool          `json:"is_valid"`
	CreatedAt     time.Time     `json:"created_at"`
}

type ConversationLinkType string

const (
	LinkContinuation ConversationLinkType = "continuation"
	LinkReference    ConversationLinkType = "reference"
	LinkRelated      ConversationLinkType = "related"
	LinkFollowup     ConversationLinkType = "followup"
)

type ConversationLink struct {
	SourceConversationID uuid.UUID            `json:"source_conversation_id"`
	TargetConversationID uuid.UUID            `json:"target_conversation_id"`
	LinkType             ConversationLinkType `json:"link_type"`
	Context              string               `json:"context,omitempty"`
	CreatedAt            time.Time            `json:"created_at"`
}
