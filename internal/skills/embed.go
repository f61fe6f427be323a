package skills

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"gonum.org/v1/gonum/floats"

	"github.com/codebox-ai/codebox/internal/config"
	"github.com/codebox-ai/codebox/internal/errdefs"
)

// Embedder turns texts into vectors for semantic ranking. The library works
// without one; search then degrades to substring matching.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
	// EmbedQuery embeds a search query, which retrieval models may treat
	// differently from documents.
	EmbedQuery(ctx context.Context, query string) ([]float64, error)
	Dimension() int
}

// Cosine returns the cosine similarity of two vectors, 0 when either is
// empty or zero.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	na := floats.Norm(a, 2)
	nb := floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(a, b) / (na * nb)
}

// NewEmbedder builds the configured embedding backend, or nil when none is
// configured.
func NewEmbedder(cfg config.EmbedderConfig) Embedder {
	if cfg.URL == "" {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPEmbedder{
		client: resty.New().SetBaseURL(cfg.URL).SetTimeout(timeout),
	}
}

const queryInstruction = "Represent this sentence for searching relevant passages: "

// HTTPEmbedder calls a remote embedding endpoint accepting
// {"texts": [...]} and returning {"vectors": [[...], ...]}.
type HTTPEmbedder struct {
	client    *resty.Client
	dimension int
}

func (e *HTTPEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	var out struct {
		Vectors [][]float64 `json:"vectors"`
	}
	resp, err := e.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]any{"texts": texts}).
		SetResult(&out).
		Post("")
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindTransport, err, "embedding request")
	}
	if resp.IsError() {
		return nil, errdefs.New(errdefs.KindTransport, "embedding endpoint returned %d", resp.StatusCode())
	}
	if len(out.Vectors) != len(texts) {
		return nil, errdefs.New(errdefs.KindTransport,
			"embedding endpoint returned %d vectors for %d texts", len(out.Vectors), len(texts))
	}
	if e.dimension == 0 && len(out.Vectors) > 0 {
		e.dimension = len(out.Vectors[0])
	}
	return out.Vectors, nil
}

func (e *HTTPEmbedder) EmbedQuery(ctx context.Context, query string) ([]float64, error) {
	vectors, err := e.Embed(ctx, []string{queryInstruction + query})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (e *HTTPEmbedder) Dimension() int { return e.dimension }

const hashDimension = 64

// HashEmbedder produces deterministic pseudo-embeddings from token hashes.
// Useful in tests and development where no model is available: identical
// texts map to identical unit vectors, and texts sharing words point in
// related directions.
type HashEmbedder struct{}

func (HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, text := range texts {
		out[i] = hashVector(text)
	}
	return out, nil
}

func (HashEmbedder) EmbedQuery(ctx context.Context, query string) ([]float64, error) {
	return hashVector(query), nil
}

func (HashEmbedder) Dimension() int { return hashDimension }

// hashVector sums one pseudo-random vector per lowercased whitespace-separated
// token, each seeded by the token's sha256, and normalizes the sum.
func hashVector(text string) []float64 {
	vec := make([]float64, hashDimension)
	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) == 0 {
		tokens = []string{text}
	}
	for _, token := range tokens {
		digest := sha256.Sum256([]byte(token))
		seed := digest[:]
		for i := 0; i < hashDimension; i += 4 {
			for j := 0; j < 4 && i+j < hashDimension; j++ {
				word := binary.BigEndian.Uint64(seed[j*8 : j*8+8])
				vec[i+j] += float64(word%100000)/50000.0 - 1.0
			}
			next := sha256.Sum256(seed)
			seed = next[:]
		}
	}
	norm := floats.Norm(vec, 2)
	if norm > 0 {
		floats.Scale(1/norm, vec)
	}
	return vec
}
