package extraction

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/puo-memo/puomemo/internal/domain"
)

func TestDetectReferences(t *testing.T) {
	memoryID := uuid.New()
	text := "See https://docs.example.com/setup for details.\n" +
		"Tracked in acme/backend#42, ping ops@example.com if it regresses.\n" +
		"Also https://github.com/acme/backend/pull/7 has context."

	refs := DetectReferences(memoryID, text)
	require.Len(t, refs, 4)

	byValue := make(map[string]domain.ExternalReference)
	for _, r := range refs {
		assert.Equal(t, memoryID, r.MemoryID)
		assert.True(t, r.IsValid)
		byValue[r.Value] = r
	}

	assert.Equal(t, domain.RefURL, byValue["https://docs.example.com/setup"].ReferenceType)
	assert.Equal(t, domain.RefGitHub, byValue["acme/backend#42"].ReferenceType)
	assert.Equal(t, domain.RefEmail, byValue["ops@example.com"].ReferenceType)
	assert.Equal(t, domain.RefGitHub, byValue["https://github.com/acme/backend/pull/7"].ReferenceType)

	assert.Contains(t, byValue["ops@example.com"].Context, "acme/backend#42")
}

func TestDetectReferencesDeduplicates(t *testing.T) {
	text := "https://example.com and again https://example.com"
	refs := DetectReferences(uuid.New(), text)
	assert.Len(t, refs, 1)
}

func TestDetectReferencesStripsTrailingPunctuation(t *testing.T) {
	refs := DetectReferences(uuid.New(), "read https://example.com/page.")
	require.Len(t, refs, 1)
	assert.Equal(t, "https://example.com/page", refs[0].Value)
}

func TestDetectReferencesEmpty(t *testing.T) {
	assert.Empty(t, DetectReferences(uuid.New(), "nothing to see here"))
}

func TestDetectActionItems(t *testing.T) {
	memoryID := uuid.New()
	text := "Notes from standup:\n" +
		"- [ ] rotate the staging credentials\n" +
		"- [x] upgrade pgvector\n" +
		"TODO: fix the flaky ingest test ASAP\n" +
		"action item: write the runbook\n" +
		"- regular bullet, not a task"

	items := DetectActionItems(memoryID, text)
	require.Len(t, items, 4)

	byText := make(map[string]domain.ActionItem)
	for _, it := range items {
		assert.Equal(t, memoryID, it.MemoryID)
		assert.Equal(t, domain.ActionPending, it.Status)
		byText[it.Text] = it
	}

	assert.Contains(t, byText, "rotate the staging credentials")
	assert.Contains(t, byText, "upgrade pgvector")
	assert.Contains(t, byText, "write the runbook")
	assert.Equal(t, 1, byText["fix the flaky ingest test ASAP"].Priority)
	assert.Equal(t, 0, byText["rotate the staging credentials"].Priority)
}

func TestDetectActionItemsDeduplicates(t *testing.T) {
	text := "- [ ] ship it\n- [ ] ship it"
	items := DetectActionItems(uuid.New(), text)
	assert.Len(t, items, 1)
}
