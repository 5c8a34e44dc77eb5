package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"

	"github.com/scrypster/memento/pkg/types"
)

// PseudoProvider produces deterministic embeddings derived from a
// SHA-256 hash of the content. It stands in when no real provider is
// configured or the configured one is unavailable, so the rest of the
// system keeps working with stable (if semantically blind) vectors.
type PseudoProvider struct {
	model      string
	dimensions int
}

// NewPseudoProvider creates a pseudo provider with the given output
// dimension.
func NewPseudoProvider(model string, dimensions int) *PseudoProvider {
	if dimensions <= 0 {
		dimensions = 1536
	}
	if model == "" {
		model = "pseudo"
	}
	return &PseudoProvider{model: model, dimensions: dimensions}
}

func (p *PseudoProvider) Kind() string    { return "pseudo" }
func (p *PseudoProvider) Dimensions() int { return p.dimensions }

// Embed derives one vector per text. The same text always produces the
// same vector for a given model and dimension.
func (p *PseudoProvider) Embed(_ context.Context, texts []string) ([][]float32, types.EmbeddingUsage, error) {
	var usage types.EmbeddingUsage
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = p.vectorFor(text)
		usage.PromptTokens += EstimateTokens(text)
	}
	usage.TotalTokens = usage.PromptTokens
	return vectors, usage, nil
}

// vectorFor expands the content hash into dimensions*4 bytes by
// chained hashing, maps each 4-byte word to [-1, 1), and normalizes
// the result to unit length so cosine scores stay comparable.
func (p *PseudoProvider) vectorFor(text string) []float32 {
	seed := sha256.Sum256([]byte(p.model + "\x00" + text))

	vec := make([]float32, p.dimensions)
	block := seed
	word := 0
	for i := 0; i < p.dimensions; i++ {
		if word+4 > len(block) {
			block = sha256.Sum256(block[:])
			word = 0
		}
		u := binary.BigEndian.Uint32(block[word : word+4])
		word += 4
		vec[i] = float32(u)/float32(math.MaxUint32>>1) - 1
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}

// HealthCheck always succeeds.
func (p *PseudoProvider) HealthCheck(context.Context) error { return nil }

// EstimateTokens approximates token count as len/4, minimum 1. Used
// for cost accounting when the provider does not report usage and for
// pseudo embeddings.
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}
