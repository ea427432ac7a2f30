package models

import "time"

type Product struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Category     string `json:"category"`
	Manufacturer string `json:"manufacturer"`
	PriceCents   int64  `json:"price_cents"`
	Description  string `json:"description"`
}

type Document struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	SourceURI string    `json:"source_uri"`
	ProductID *string   `json:"product_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Chunk is the unit of retrieval. A nil Embedding means the chunk has not
// been embedded yet and is invisible to search.
type Chunk struct {
	ID         string         `json:"id"`
	DocumentID string         `json:"document_id"`
	Index      int            `json:"index"`
	Text       string         `json:"text"`
	Embedding  []float32      `json:"-"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// RetrievalResult joins a chunk with its document and, when linked, the
// document's product. Similarity is 1 - cosine distance.
type RetrievalResult struct {
	Chunk      Chunk    `json:"chunk"`
	Document   Document `json:"document"`
	Product    *Product `json:"product,omitempty"`
	Similarity float64  `json:"similarity"`
}

// ProductID returns the linked product identifier or "" when the chunk has
// no associated product.
func (r RetrievalResult) ProductID() string {
	if r.Product == nil {
		return ""
	}
	return r.Product.ID
}

type QueryFilters struct {
	Category *string `json:"category,omitempty"`
}

type QueryRequest struct {
	Query   string        `json:"query"`
	Filters *QueryFilters `json:"filters,omitempty"`
}

// CategoryFilter returns the requested category or "" for an unfiltered query.
func (q QueryRequest) CategoryFilter() string {
	if q.Filters == nil || q.Filters.Category == nil {
		return ""
	}
	return *q.Filters.Category
}

type Source struct {
	Title     string   `json:"title"`
	Snippet   string   `json:"snippet"`
	ProductID *string  `json:"productId,omitempty"`
	Score     *float64 `json:"score,omitempty"`
}

type ResponseMetadata struct {
	ChunksRetrieved int    `json:"chunksRetrieved"`
	EmbeddingModel  string `json:"embeddingModel,omitempty"`
	CompletionModel string `json:"completionModel,omitempty"`
}

type RagResponse struct {
	Answer   string            `json:"answer"`
	Sources  []Source          `json:"sources"`
	Metadata *ResponseMetadata `json:"metadata,omitempty"`
}

// IndexStats reports how much of the catalog has been embedded.
type IndexStats struct {
	TotalChunks    int64 `json:"total_chunks"`
	EmbeddedChunks int64 `json:"embedded_chunks"`
}

// Coverage returns the embedded fraction as a percentage.
func (s IndexStats) Coverage() float64 {
	if s.TotalChunks == 0 {
		return 0
	}
	return float64(s.EmbeddedChunks) / float64(s.TotalChunks) * 100
}
