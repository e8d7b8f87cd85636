package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/puo-memo/puomemo/internal/domain"
	"github.com/puo-memo/puomemo/internal/store"
)

// fakeMemoryStore covers only the dedup lookups.
type fakeMemoryStore struct {
	domain.MemoryStore

	byFingerprint map[string]*domain.Memory
	nearDup       *domain.Memory
	nearDupScore  float64
}

func (f *fakeMemoryStore) FindByFingerprint(_ context.Context, _ uuid.UUID, _ *uuid.UUID, fingerprint string, _ time.Time) (*domain.Memory, error) {
	if m, ok := f.byFingerprint[fingerprint]; ok {
		return m, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeMemoryStore) FindNearDuplicate(_ context.Context, _ uuid.UUID, _ *uuid.UUID, _ string, _ time.Time, threshold float64) (*domain.Memory, float64, error) {
	if f.nearDup != nil && f.nearDupScore >= threshold {
		return f.nearDup, f.nearDupScore, nil
	}
	return nil, 0, store.ErrNotFound
}

func TestFingerprintNormalization(t *testing.T) {
	a := Fingerprint("Hello,   World!")
	b := Fingerprint("hello world")
	c := Fingerprint("hello  world?!")
	d := Fingerprint("goodbye world")

	assert.Equal(t, a, b)
	assert.Equal(t, a, c)
	assert.NotEqual(t, a, d)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "meeting notes q3 2025", Normalize("  Meeting Notes:  Q3/2025!! "))
	assert.Equal(t, "", Normalize("!!! ??? ..."))
}

func TestCheckExactDuplicate(t *testing.T) {
	content := "Deploy checklist for Friday"
	existing := &domain.Memory{ID: uuid.New(), Content: content}
	fake := &fakeMemoryStore{
		byFingerprint: map[string]*domain.Memory{Fingerprint(content): existing},
	}
	d := New(fake, 0, zap.NewNop())

	res, err := d.Check(context.Background(), uuid.New(), nil, content, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.True(t, res.Exact)
	assert.Equal(t, existing.ID, res.Existing.ID)
	assert.Equal(t, 1.0, res.Similarity)
}

func TestCheckNearDuplicate(t *testing.T) {
	near := &domain.Memory{ID: uuid.New(), Content: "deploy checklist for friday evening"}
	fake := &fakeMemoryStore{
		byFingerprint: map[string]*domain.Memory{},
		nearDup:       near,
		nearDupScore:  0.93,
	}
	d := New(fake, 0, zap.NewNop())

	res, err := d.Check(context.Background(), uuid.New(), nil, "Deploy checklist for Friday", time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.False(t, res.Exact)
	assert.InDelta(t, 0.93, res.Similarity, 0.001)
}

func TestConfiguredThresholdReachesScan(t *testing.T) {
	near := &domain.Memory{ID: uuid.New(), Content: "deploy checklist"}
	fake := &fakeMemoryStore{
		byFingerprint: map[string]*domain.Memory{},
		nearDup:       near,
		nearDupScore:  0.75,
	}

	// A 0.75 match passes a lowered threshold but not the default.
	loose := New(fake, 0.7, zap.NewNop())
	res, err := loose.Check(context.Background(), uuid.New(), nil, "deploy checklist for friday", time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	strict := New(fake, 0, zap.NewNop())
	res, err = strict.Check(context.Background(), uuid.New(), nil, "deploy checklist for friday", time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
}

func TestCheckNoDuplicate(t *testing.T) {
	fake := &fakeMemoryStore{byFingerprint: map[string]*domain.Memory{}}
	d := New(fake, 0, zap.NewNop())

	res, err := d.Check(context.Background(), uuid.New(), nil, "entirely new thought", time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Nil(t, res.Existing)
}

func TestMergeReplace(t *testing.T) {
	existing := &domain.Memory{Content: "old", Tags: []string{"a", "b"}}

	content, tags := Merge(existing, "new", []string{"b", "c"}, MergeReplace)
	assert.Equal(t, "new", content)
	assert.Equal(t, []string{"a", "b", "c"}, tags)
}

func TestMergeAppend(t *testing.T) {
	existing := &domain.Memory{Content: "first", Tags: []string{"a"}}

	content, tags := Merge(existing, "second", []string{"b"}, MergeAppend)
	assert.Equal(t, "first\n\n---\n\nsecond", content)
	assert.Equal(t, []string{"a", "b"}, tags)
}

func TestMergeSmartSuperset(t *testing.T) {
	longer := "The deploy failed because the migration lock was held"
	existing := &domain.Memory{Content: longer}

	content, _ := Merge(existing, "the deploy failed", nil, MergeSmart)
	assert.Equal(t, longer, content)

	existing = &domain.Memory{Content: "the deploy failed"}
	content, _ = Merge(existing, longer, nil, MergeSmart)
	assert.Equal(t, longer, content)
}

func TestMergeSmartDisjointAppends(t *testing.T) {
	existing := &domain.Memory{Content: "alpha"}

	content, _ := Merge(existing, "omega", nil, MergeSmart)
	assert.Equal(t, "alpha\n\n---\n\nomega", content)
}

func TestAutoMerge(t *testing.T) {
	assert.True(t, AutoMerge([]string{"work", "memorylane"}))
	assert.True(t, AutoMerge([]string{"memorylane-auto"}))
	assert.False(t, AutoMerge([]string{"work", "notes"}))
	assert.False(t, AutoMerge(nil))
}

func TestValidMergeStrategy(t *testing.T) {
	assert.True(t, ValidMergeStrategy(MergeSmart))
	assert.True(t, ValidMergeStrategy(MergeAppend))
	assert.True(t, ValidMergeStrategy(MergeReplace))
	assert.False(t, ValidMergeStrategy("upsert"))
}
