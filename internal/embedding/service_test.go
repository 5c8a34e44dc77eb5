package embedding

import (
	"context"
	"testing"
	"time"

	"github.com/scrypster/memento/internal/config"
	"github.com/scrypster/memento/pkg/types"
)

func newTestService(t *testing.T, provider Provider) *Service {
	t.Helper()
	cfg := config.EmbeddingConfig{
		Model:      "text-embedding-3-small",
		Dimensions: 8,
		BatchSize:  2,
		MaxRetries: 2,
		RetryDelay: config.Duration(time.Millisecond),
		CacheSize:  16,
	}
	s, err := NewService(cfg, provider)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	s.sleep = func(context.Context, time.Duration) error { return nil }
	return s
}

// countingProvider wraps the pseudo provider and counts round trips.
type countingProvider struct {
	*PseudoProvider
	calls int
	fail  int // fail this many calls before succeeding
}

func (c *countingProvider) Kind() string { return "counting" }

func (c *countingProvider) Embed(ctx context.Context, texts []string) ([][]float32, types.EmbeddingUsage, error) {
	c.calls++
	if c.fail > 0 {
		c.fail--
		return nil, types.EmbeddingUsage{}, &types.ErrProviderUnavailable{Provider: "counting", Err: context.DeadlineExceeded}
	}
	return c.PseudoProvider.Embed(ctx, texts)
}

func TestGenerateEmbeddingIsDeterministicAndCached(t *testing.T) {
	p := &countingProvider{PseudoProvider: NewPseudoProvider("m", 8)}
	s := newTestService(t, p)

	first, err := s.GenerateEmbedding(context.Background(), "func add(a, b int) int", "sym:add")
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	second, err := s.GenerateEmbedding(context.Background(), "func add(a, b int) int", "sym:add")
	if err != nil {
		t.Fatalf("second call: %v", err)
	}

	if p.calls != 1 {
		t.Errorf("provider called %d times, want 1", p.calls)
	}
	if !second.Cached {
		t.Error("second result not marked cached")
	}
	if !vectorsEqual(first.Embedding, second.Embedding) {
		t.Error("cached embedding differs from original")
	}
	if first.Usage.TotalTokens != second.Usage.TotalTokens {
		t.Errorf("token counts differ: %d vs %d", first.Usage.TotalTokens, second.Usage.TotalTokens)
	}
}

func TestBatchRespectsBatchSizeAndCache(t *testing.T) {
	p := &countingProvider{PseudoProvider: NewPseudoProvider("m", 8)}
	s := newTestService(t, p)

	inputs := []types.EmbeddingInput{
		{Content: "alpha"}, {Content: "beta"}, {Content: "gamma"},
	}
	res, err := s.GenerateEmbeddingsBatch(context.Background(), inputs)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(res.Results) != 3 {
		t.Fatalf("got %d results, want 3", len(res.Results))
	}
	// batchSize=2 → two provider round trips for three misses.
	if p.calls != 2 {
		t.Errorf("provider called %d times, want 2", p.calls)
	}
	if res.TotalTokens == 0 || res.TotalCost <= 0 {
		t.Errorf("usage not accounted: tokens=%d cost=%f", res.TotalTokens, res.TotalCost)
	}

	// Same batch again: all hits, no provider traffic, no new cost.
	again, err := s.GenerateEmbeddingsBatch(context.Background(), inputs)
	if err != nil {
		t.Fatalf("second batch: %v", err)
	}
	if p.calls != 2 {
		t.Errorf("cache miss on repeat batch: %d calls", p.calls)
	}
	if again.TotalCost != 0 {
		t.Errorf("repeat batch billed %f", again.TotalCost)
	}
	for i := range inputs {
		if !vectorsEqual(res.Results[i].Embedding, again.Results[i].Embedding) {
			t.Errorf("result %d differs between runs", i)
		}
	}
}

func TestRetryThenFallbackToPseudo(t *testing.T) {
	// Fails every attempt; after maxRetries the service must answer
	// with a deterministic pseudo-embedding instead of an error.
	p := &countingProvider{PseudoProvider: NewPseudoProvider("m", 8), fail: 100}
	s := newTestService(t, p)

	res, err := s.GenerateEmbedding(context.Background(), "orphan", "")
	if err != nil {
		t.Fatalf("fallback should not error: %v", err)
	}
	if len(res.Embedding) != 8 {
		t.Errorf("fallback dims = %d, want 8", len(res.Embedding))
	}
	// 1 initial + 2 retries
	if p.calls != 3 {
		t.Errorf("provider attempted %d times, want 3", p.calls)
	}

	want := s.fallback.vectorFor("orphan")
	if !vectorsEqual(res.Embedding, want) {
		t.Error("fallback embedding not deterministic")
	}
}

func TestNoProviderUsesPseudo(t *testing.T) {
	s := newTestService(t, nil)
	a, err := s.GenerateEmbedding(context.Background(), "x", "")
	if err != nil {
		t.Fatalf("pseudo: %v", err)
	}
	b, _ := s.GenerateEmbedding(context.Background(), "x", "")
	if !vectorsEqual(a.Embedding, b.Embedding) {
		t.Error("pseudo embeddings not stable")
	}
}

func TestCostTable(t *testing.T) {
	s := newTestService(t, nil)
	if got := s.cost(1000); got != 0.00002 {
		t.Errorf("cost(1000) = %v, want 0.00002", got)
	}

	s.cfg.Model = "some-unlisted-model"
	if got := s.cost(1000); got != fallbackPricePer1K {
		t.Errorf("unlisted model cost = %v, want fallback %v", got, fallbackPricePer1K)
	}
}

func vectorsEqual(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
