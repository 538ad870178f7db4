package facematch

import "math"

// CosineSimilarity computes (a·b)/(‖a‖‖b‖) in float64.
// Returns ok=false for mismatched lengths, empty vectors, or zero vectors.
func CosineSimilarity(a, b []float32) (float64, bool) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, false
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0, false
	}

	similarity := dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
	// Clamp to [-1, 1] to handle floating point errors
	if similarity > 1 {
		similarity = 1
	}
	if similarity < -1 {
		similarity = -1
	}

	return similarity, true
}

// CosineDistance is 1 - cosine similarity, 2 for invalid input.
func CosineDistance(a, b []float32) float64 {
	sim, ok := CosineSimilarity(a, b)
	if !ok {
		return 2.0
	}
	return 1 - sim
}
