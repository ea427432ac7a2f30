package ingest

import "strings"

const (
	DefaultChunkSize    = 700
	DefaultChunkOverlap = 150
)

// Chunker splits text into overlapping windows of whitespace-delimited words.
// A word stands in for a token.
type Chunker struct {
	Size    int
	Overlap int
}

// NewChunker returns a Chunker, substituting defaults for out-of-range values.
func NewChunker(size, overlap int) Chunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	return Chunker{Size: size, Overlap: overlap}
}

// Chunk returns the windows of text in order. Blank text yields no chunks.
func (c Chunker) Chunk(text string) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	size, overlap := c.Size, c.Overlap
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	step := size - overlap

	var out []string
	for start := 0; start < len(words); start += step {
		end := start + size
		if end > len(words) {
			end = len(words)
		}
		out = append(out, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
	}
	return out
}
