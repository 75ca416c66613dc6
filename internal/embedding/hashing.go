package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

const defaultHashDimension = 256

// HashingProvider is a deterministic, dependency-free embedder: each token is
// hashed into a bucket and the vector is L2-normalized. Quality is far below
// a real model, but results are stable across processes, which is what the
// cache and the idempotence tests need.
type HashingProvider struct {
	dimension int
}

// NewHashingProvider creates a hashing embedder with the given dimension
// (default 256 when zero).
func NewHashingProvider(dimension int) *HashingProvider {
	if dimension <= 0 {
		dimension = defaultHashDimension
	}
	return &HashingProvider{dimension: dimension}
}

// Embed hashes token counts into fixed-size vectors.
func (p *HashingProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, p.dimension)
		for _, tok := range tokenize(text) {
			h := fnv.New32a()
			h.Write([]byte(tok))
			vec[int(h.Sum32())%p.dimension]++
		}
		normalize(vec)
		out[i] = vec
	}
	return out, nil
}

// Dimension returns the fixed vector dimension.
func (p *HashingProvider) Dimension() int { return p.dimension }

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}
