package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// MockClient produces deterministic unit-length vectors derived from the
// input text. Identical texts embed identically, so similarity math is
// exercisable in tests without a provider.
type MockClient struct {
	dimension int

	EmbedError error
	EmbedCalls []string
}

func NewMockClient(dimension int) *MockClient {
	return &MockClient{dimension: dimension}
}

func (c *MockClient) Embed(_ context.Context, text string) ([]float32, error) {
	c.EmbedCalls = append(c.EmbedCalls, text)
	if c.EmbedError != nil {
		return nil, c.EmbedError
	}

	seed := sha256.Sum256([]byte(text))
	vec := make([]float32, c.dimension)
	var norm float64
	for i := range vec {
		// Stretch the 32-byte digest across the vector by re-hashing blocks.
		block := sha256.Sum256(append(seed[:], byte(i), byte(i>>8)))
		v := float32(int32(binary.BigEndian.Uint32(block[:4]))) / float32(math.MaxInt32)
		vec[i] = v
		norm += float64(v) * float64(v)
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}

func (c *MockClient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return c.Embed(ctx, text)
}

func (c *MockClient) Dimension() int {
	return c.dimension
}

func (c *MockClient) ModelName() string {
	return "mock"
}
