package core

import "math"

// NormalizeL2 scales a vector to unit length in place. Zero vectors are left
// untouched.
func NormalizeL2(v []float32) {
	var sumSquares float64
	for _, x := range v {
		sumSquares += float64(x) * float64(x)
	}
	if sumSquares == 0 {
		return
	}
	magnitude := math.Sqrt(sumSquares)
	for i := range v {
		v[i] = float32(float64(v[i]) / magnitude)
	}
}

// MeanPool averages a set of equal-length vectors into one. Vectors whose
// length differs from the first are skipped. Returns nil for empty input.
func MeanPool(vecs [][]float32) []float32 {
	if len(vecs) == 0 {
		return nil
	}
	dim := len(vecs[0])
	sum := make([]float64, dim)
	n := 0
	for _, v := range vecs {
		if len(v) != dim {
			continue
		}
		for i, x := range v {
			sum[i] += float64(x)
		}
		n++
	}
	if n == 0 {
		return nil
	}
	out := make([]float32, dim)
	for i := range sum {
		out[i] = float32(sum[i] / float64(n))
	}
	return out
}

// CosineSimilarity computes cos(a, b) in a single pass. Mismatched or empty
// inputs score zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Softmax converts raw similarity scores into a probability distribution.
func Softmax(scores []float64) []float64 {
	if len(scores) == 0 {
		return nil
	}
	maxScore := scores[0]
	for _, s := range scores[1:] {
		if s > maxScore {
			maxScore = s
		}
	}
	out := make([]float64, len(scores))
	var sum float64
	for i, s := range scores {
		out[i] = math.Exp(s - maxScore)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// FitDim truncates or zero-pads a vector to exactly dim entries. A nil input
// yields an all-zero vector.
func FitDim(v []float32, dim int) []float32 {
	out := make([]float32, dim)
	copy(out, v)
	return out
}

// BuildFeatureVector concatenates the visual and text embeddings, visual
// first, zero-filling whichever side is missing. The result always has
// length FeatureVectorDim.
func BuildFeatureVector(visual, text []float32) []float32 {
	out := make([]float32, FeatureVectorDim)
	copy(out[:VisualEmbeddingDim], FitDim(visual, VisualEmbeddingDim))
	copy(out[VisualEmbeddingDim:], FitDim(text, TextEmbeddingDim))
	return out
}

// Round1 rounds to one decimal place.
func Round1(x float64) float64 {
	return math.Round(x*10) / 10
}

// Round2 rounds to two decimal places.
func Round2(x float64) float64 {
	return math.Round(x*100) / 100
}

// SplitFeatureVector cuts a combined feature vector back into its visual and
// text halves. Vectors of the wrong length are rejected.
func SplitFeatureVector(f []float32) (visual, text []float32, ok bool) {
	if len(f) != FeatureVectorDim {
		return nil, nil, false
	}
	return f[:VisualEmbeddingDim], f[VisualEmbeddingDim:], true
}
