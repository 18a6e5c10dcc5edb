package embedproviders

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

const localDim = 384

// Local is a pure-CPU, dependency-free embedding provider. It hashes
// overlapping word shingles into a fixed-size vector and L2-normalizes the
// result: deterministic, repeatable, no network round trip, and no retry
// behavior — a failure here would be a programming bug, never a transient
// condition.
type Local struct{}

func NewLocal() *Local {
	return &Local{}
}

func (l *Local) Dim() int { return localDim }

func (l *Local) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, localDim)
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return vec, nil
	}

	const shingleSize = 2
	for i := range words {
		end := i + shingleSize
		if end > len(words) {
			end = len(words)
		}
		shingle := strings.Join(words[i:end], " ")
		h := fnv.New32a()
		_, _ = h.Write([]byte(shingle))
		sum := h.Sum32()
		idx := sum % uint32(localDim)
		sign := float32(1)
		if sum%2 == 0 {
			sign = -1
		}
		vec[idx] += sign
	}

	normalize(vec)
	return vec, nil
}

func normalize(v []float32) {
	var sumSq float64
	for _, f := range v {
		sumSq += float64(f) * float64(f)
	}
	if sumSq == 0 {
		return
	}
	norm := float32(1 / math.Sqrt(sumSq))
	for i := range v {
		v[i] *= norm
	}
}
