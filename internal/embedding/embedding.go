// Package embedding resolves embedding vectors and their dimensions through
// the downstream RAG service. Similarity itself is computed inside the vector
// store; this package guarantees that every vector written or queried matches
// the dimension the table was declared with.
package embedding

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// DefaultDimension is assumed when a model's width cannot be determined.
const DefaultDimension = 1024

// Generator produces an embedding for one text with a named model.
// Implemented by the RAG downstream client.
type Generator interface {
	GenerateEmbedding(ctx context.Context, text, model string) ([]float32, error)
}

// knownDimensions seeds the cache with models whose width is fixed upstream.
func knownDimensions() map[string]int {
	return map[string]int{
		"bge-m3":                 1024,
		"text-embedding-ada-002": 1536,
		"text-embedding-3-small": 1536,
		"text-embedding-3-large": 3072,
	}
}

// Resolver answers "how wide are this model's vectors" without baking one
// dimension into table DDL. Unknown models are probed once with a throwaway
// embedding and the answer is cached for the process lifetime.
type Resolver struct {
	gen Generator
	log *zap.Logger

	mu   sync.Mutex
	dims map[string]int
}

// NewResolver builds a Resolver backed by gen.
func NewResolver(gen Generator, log *zap.Logger) *Resolver {
	return &Resolver{
		gen:  gen,
		log:  log.Named("embedding"),
		dims: knownDimensions(),
	}
}

// Override pins a model's dimension, for configurations that declare it
// explicitly. Non-positive values are ignored.
func (r *Resolver) Override(model string, dim int) {
	if dim <= 0 {
		return
	}
	r.mu.Lock()
	r.dims[model] = dim
	r.mu.Unlock()
}

// Dimension resolves the vector width for model. A failed probe falls back
// to DefaultDimension without caching, so a later call may still learn the
// real width.
func (r *Resolver) Dimension(ctx context.Context, model string) int {
	r.mu.Lock()
	if d, ok := r.dims[model]; ok {
		r.mu.Unlock()
		return d
	}
	r.mu.Unlock()

	vec, err := r.gen.GenerateEmbedding(ctx, "test", model)
	if err != nil || len(vec) == 0 {
		r.log.Warn("dimension probe failed, assuming default",
			zap.String("model", model),
			zap.Int("default", DefaultDimension),
			zap.Error(err))
		return DefaultDimension
	}

	r.mu.Lock()
	r.dims[model] = len(vec)
	r.mu.Unlock()

	r.log.Info("detected embedding dimension",
		zap.String("model", model),
		zap.Int("dimension", len(vec)))
	return len(vec)
}

// Format renders a vector as a pgvector literal: "[0.1,0.2,...]".
func Format(vec []float32) string {
	var b strings.Builder
	b.Grow(len(vec)*10 + 2)
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
