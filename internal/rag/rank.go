package rag

import "github.com/seanblong/catalograg/pkg/models"

// FilterByThreshold drops results whose similarity is strictly below min or
// is NaN, which pgvector reports for zero vectors. Order is preserved.
func FilterByThreshold(results []models.RetrievalResult, min float64) []models.RetrievalResult {
	out := make([]models.RetrievalResult, 0, len(results))
	for _, r := range results {
		if !(r.Similarity >= min) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// DedupeByProduct keeps the first result for each product and drops the rest.
// Results without a product are always kept. Input is expected in descending
// similarity, so the kept result is the best scoring one.
func DedupeByProduct(results []models.RetrievalResult) []models.RetrievalResult {
	seen := make(map[string]struct{}, len(results))
	out := make([]models.RetrievalResult, 0, len(results))
	for _, r := range results {
		if id := r.ProductID(); id != "" {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
		}
		out = append(out, r)
	}
	return out
}
