package vectorstore

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// localEmbedding is a deterministic bag-of-words hashing embedder. It maps
// each token into a fixed-size vector by feature hashing and L2-normalizes
// the result, so cosine similarity reflects token overlap. It exists to make
// the embedded chromem backend work with no model download and no network;
// operators wanting real semantic similarity point the qdrant backend at an
// externally embedded collection.
func localEmbedding(dim int) func(ctx context.Context, text string) ([]float32, error) {
	return func(_ context.Context, text string) ([]float32, error) {
		vec := make([]float32, dim)
		for _, tok := range strings.Fields(strings.ToLower(text)) {
			h := fnv.New32a()
			h.Write([]byte(strings.Trim(tok, ".,;:!?\"'()[]{}")))
			sum := h.Sum32()
			idx := int(sum % uint32(dim))
			sign := float32(1)
			if sum&0x80000000 != 0 {
				sign = -1
			}
			vec[idx] += sign
		}

		var norm float64
		for _, v := range vec {
			norm += float64(v) * float64(v)
		}
		if norm == 0 {
			vec[0] = 1
			return vec, nil
		}
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
		return vec, nil
	}
}

// clampScore normalizes a cosine similarity into [0, 1].
func clampScore(sim float64) float64 {
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}
