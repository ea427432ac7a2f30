package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/karrick/godirwalk"
	"github.com/ledongthuc/pdf"
	"github.com/rs/zerolog/log"

	"github.com/seanblong/catalograg/pkg/models"
)

// FileSystemWalker defines the interface for walking directories
type FileSystemWalker interface {
	Walk(root string, options *godirwalk.Options) error
}

// FileReader defines the interface for reading files
type FileReader interface {
	ReadFile(filename string) ([]byte, error)
}

// DefaultFileSystemWalker implements FileSystemWalker using godirwalk
type DefaultFileSystemWalker struct{}

func (d *DefaultFileSystemWalker) Walk(root string, options *godirwalk.Options) error {
	return godirwalk.Walk(root, options)
}

// DefaultFileReader implements FileReader using os
type DefaultFileReader struct{}

func (d *DefaultFileReader) ReadFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

// DocumentWriter is the catalog store write path used by seeding.
type DocumentWriter interface {
	UpsertDocument(ctx context.Context, doc models.Document, product *models.Product, chunks []models.Chunk) error
}

// SeedReport summarises a seeding run.
type SeedReport struct {
	Files     int
	Products  int
	Documents int
	Chunks    int
	Failed    int
}

// Seeder loads catalog files from a directory tree into the store. Chunks are
// written without embeddings; the embedding job fills them in.
type Seeder struct {
	Store      DocumentWriter
	Root       string
	Chunker    Chunker
	Walker     FileSystemWalker
	FileReader FileReader
}

// NewSeeder creates a Seeder reading catalog files under root.
func NewSeeder(s DocumentWriter, root string, chunker Chunker) *Seeder {
	return &Seeder{
		Store:      s,
		Root:       root,
		Chunker:    chunker,
		Walker:     &DefaultFileSystemWalker{},
		FileReader: &DefaultFileReader{},
	}
}

// Run seeds every *.yaml / *.yml file under Root. A file or document that
// fails is logged and counted; the run continues with the rest.
func (sd *Seeder) Run(ctx context.Context) (SeedReport, error) {
	var rep SeedReport

	err := sd.Walker.Walk(sd.Root, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			// Handle test case where de might be nil (for MockFileSystemWalker)
			if de != nil && de.IsDir() {
				if path != sd.Root && strings.HasPrefix(filepath.Base(path), ".") {
					return godirwalk.SkipThis
				}
				return nil
			}
			switch strings.ToLower(filepath.Ext(path)) {
			case ".yaml", ".yml":
			default:
				return nil
			}

			rep.Files++
			if err := sd.seedFile(ctx, path, &rep); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Error().Err(err).Str("path", path).Msg("seeding catalog file failed")
				rep.Failed++
			}
			return nil
		},
	})
	if err != nil {
		return rep, err
	}

	log.Info().
		Int("files", rep.Files).
		Int("products", rep.Products).
		Int("documents", rep.Documents).
		Int("chunks", rep.Chunks).
		Int("failed", rep.Failed).
		Msg("seeding complete")
	return rep, nil
}

func (sd *Seeder) seedFile(ctx context.Context, path string, rep *SeedReport) error {
	b, err := sd.FileReader.ReadFile(path)
	if err != nil {
		return err
	}
	cat, err := ParseCatalog(b)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)

	for _, p := range cat.Products {
		product := p.Product()
		if p.Document == nil {
			// A product with no document is still listed under its category.
			doc := models.Document{
				ID:        DocumentID(DocumentEntry{Title: product.Name}, product.ID),
				Title:     product.Name,
				ProductID: &product.ID,
			}
			var chunks []models.Chunk
			if product.Description != "" {
				chunks = sd.buildChunks(doc.ID, []string{product.Description}, product)
			}
			if err := sd.Store.UpsertDocument(ctx, doc, product, chunks); err != nil {
				return fmt.Errorf("product %q: %w", product.Name, err)
			}
			rep.Products++
			rep.Documents++
			rep.Chunks += len(chunks)
			continue
		}

		n, err := sd.seedDocument(ctx, dir, *p.Document, product)
		if err != nil {
			log.Error().Err(err).Str("path", path).Str("product", product.Name).Msg("seeding document failed")
			rep.Failed++
			continue
		}
		rep.Products++
		rep.Documents++
		rep.Chunks += n
	}

	for _, d := range cat.Documents {
		n, err := sd.seedDocument(ctx, dir, d, nil)
		if err != nil {
			log.Error().Err(err).Str("path", path).Str("document", d.Title).Msg("seeding document failed")
			rep.Failed++
			continue
		}
		rep.Documents++
		rep.Chunks += n
	}
	return nil
}

func (sd *Seeder) seedDocument(ctx context.Context, dir string, d DocumentEntry, product *models.Product) (int, error) {
	var productID *string
	pid := ""
	if product != nil {
		pid = product.ID
		productID = &product.ID
	}

	texts := make([]string, 0, len(d.Chunks))
	for _, c := range d.Chunks {
		if c = strings.TrimSpace(c); c != "" {
			texts = append(texts, c)
		}
	}
	if d.File != "" {
		p := d.File
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		body, err := sd.extractText(p)
		if err != nil {
			return 0, fmt.Errorf("document %q: %w", d.Title, err)
		}
		texts = append(texts, sd.Chunker.Chunk(body)...)
	}
	if len(texts) == 0 {
		return 0, fmt.Errorf("document %q: no text", d.Title)
	}

	doc := models.Document{
		ID:        DocumentID(d, pid),
		Title:     d.Title,
		SourceURI: d.SourceURI,
		ProductID: productID,
	}
	if doc.SourceURI == "" {
		doc.SourceURI = d.File
	}

	chunks := sd.buildChunks(doc.ID, texts, product)
	if err := sd.Store.UpsertDocument(ctx, doc, product, chunks); err != nil {
		return 0, fmt.Errorf("document %q: %w", d.Title, err)
	}
	log.Debug().Str("document", d.Title).Int("chunks", len(chunks)).Msg("seeded document")
	return len(chunks), nil
}

func (sd *Seeder) buildChunks(docID string, texts []string, product *models.Product) []models.Chunk {
	chunks := make([]models.Chunk, len(texts))
	for i, t := range texts {
		meta := map[string]any{"length": len([]rune(t))}
		if product != nil {
			meta["category"] = product.Category
			meta["productName"] = product.Name
		}
		chunks[i] = models.Chunk{
			ID:         ChunkID(docID, i),
			DocumentID: docID,
			Index:      i,
			Text:       t,
			Metadata:   meta,
		}
	}
	return chunks
}

// extractText returns the plain text of a .txt, .md or .pdf file.
func (sd *Seeder) extractText(path string) (string, error) {
	b, err := sd.FileReader.ReadFile(path)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md", ".markdown":
		return string(b), nil
	case ".pdf":
		return pdfText(b)
	default:
		return "", fmt.Errorf("unsupported document type %q", filepath.Ext(path))
	}
}

func pdfText(b []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(b), int64(len(b)))
	if err != nil {
		return "", fmt.Errorf("reading pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	return buf.String(), nil
}
