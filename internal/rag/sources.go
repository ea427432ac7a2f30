package rag

import (
	"math"

	"github.com/seanblong/catalograg/pkg/models"
)

// SnippetLength is the number of characters kept in a citation snippet.
const SnippetLength = 200

// Snippet returns the first SnippetLength characters of text followed by
// "...", or text unchanged when it is short enough.
func Snippet(text string) string {
	runes := []rune(text)
	if len(runes) <= SnippetLength {
		return text
	}
	return string(runes[:SnippetLength]) + "..."
}

// RoundScore rounds a similarity to three decimal places.
func RoundScore(s float64) float64 {
	return math.Round(s*1000) / 1000
}

// FormatSources turns results into citations in the same order.
func FormatSources(results []models.RetrievalResult) []models.Source {
	out := make([]models.Source, 0, len(results))
	for _, r := range results {
		score := RoundScore(r.Similarity)
		src := models.Source{
			Title:   r.Document.Title,
			Snippet: Snippet(r.Chunk.Text),
			Score:   &score,
		}
		if id := r.ProductID(); id != "" {
			src.ProductID = &id
		}
		out = append(out, src)
	}
	return out
}
