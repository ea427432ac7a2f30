package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/catalograg/internal/store/sqlite"
	"github.com/seanblong/catalograg/pkg/models"
)

// ErrNotFound is returned when a write targets a chunk that does not exist.
var ErrNotFound = sqlite.ErrNotFound

// Index types accepted by WithIndexType.
const (
	IndexHNSW    = "hnsw"
	IndexIVFFlat = "ivfflat"
)

// pgvector refuses ANN indexes on vector columns wider than this.
const maxIndexedDim = 2000

// CatalogStore is the read side used at query time plus the write path used
// by offline ingestion.
type CatalogStore interface {
	Migrate(ctx context.Context, dim int) error
	Search(ctx context.Context, vec []float32, k int, category string) ([]models.RetrievalResult, error)
	UpsertDocument(ctx context.Context, doc models.Document, product *models.Product, chunks []models.Chunk) error
	PendingChunks(ctx context.Context, after string, limit int) ([]models.Chunk, error)
	SetChunkEmbedding(ctx context.Context, id string, vec []float32) error
	GetCategories(ctx context.Context) ([]string, error)
	Stats(ctx context.Context) (models.IndexStats, error)
	Ping(ctx context.Context) error
	Close()
}

// Store provides methods to interact with the database.
type Store struct {
	pool      *pgxpool.Pool
	indexType string
}

// Option configures a Store.
type Option func(*Store)

// WithIndexType selects the approximate nearest-neighbour index built by
// Migrate. Unknown values fall back to HNSW.
func WithIndexType(t string) Option {
	return func(s *Store) {
		s.indexType = strings.ToLower(strings.TrimSpace(t))
	}
}

// Open returns the backend named by url. "sqlite://path" (or "sqlite::memory:")
// selects the embedded SQLite store; anything else is treated as a Postgres URL.
func Open(ctx context.Context, url string, opts ...Option) (CatalogStore, error) {
	if path, ok := strings.CutPrefix(url, "sqlite://"); ok {
		return sqlite.Open(ctx, path)
	}
	if path, ok := strings.CutPrefix(url, "sqlite:"); ok {
		return sqlite.Open(ctx, path)
	}
	return New(ctx, url, opts...)
}

// New creates a new Store instance connected to the given database URL.
func New(ctx context.Context, url string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := &Store{pool: p, indexType: IndexHNSW}
	for _, o := range opts {
		o(s)
	}
	if s.indexType != IndexHNSW && s.indexType != IndexIVFFlat {
		s.indexType = IndexHNSW
	}
	return s, nil
}

func (s *Store) Close() { s.pool.Close() }

// Migrate applies necessary database migrations and schema setup.
func (s *Store) Migrate(ctx context.Context, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("migrate: invalid embedding dimension %d", dim)
	}
	q := `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS products (
  id           TEXT PRIMARY KEY,
  name         TEXT NOT NULL,
  category     TEXT NOT NULL,
  manufacturer TEXT NOT NULL DEFAULT '',
  price        NUMERIC(12,2) NOT NULL DEFAULT 0 CHECK (price >= 0),
  description  TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS products_category_idx
  ON products (category);

CREATE TABLE IF NOT EXISTS documents (
  id         TEXT PRIMARY KEY,
  title      TEXT NOT NULL,
  source_uri TEXT NOT NULL DEFAULT '',
  product_id TEXT REFERENCES products (id) ON DELETE SET NULL,
  created_at TIMESTAMP WITH TIME ZONE DEFAULT now()
);

CREATE INDEX IF NOT EXISTS documents_product_idx
  ON documents (product_id);

CREATE TABLE IF NOT EXISTS chunks (
  id          TEXT PRIMARY KEY,
  document_id TEXT NOT NULL REFERENCES documents (id) ON DELETE CASCADE,
  idx         INT NOT NULL,
  text        TEXT NOT NULL,
  embedding   vector(%d),
  metadata    JSONB,
  UNIQUE (document_id, idx)
);
`
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(q, dim)); err != nil {
		return err
	}

	if dim > maxIndexedDim {
		log.Warn().Int("dim", dim).Msg("embedding dimension too wide for an ANN index, searches will scan")
		return nil
	}

	idx := `CREATE INDEX IF NOT EXISTS chunks_embedding_hnsw_idx
  ON chunks USING hnsw (embedding vector_cosine_ops);`
	if s.indexType == IndexIVFFlat {
		idx = `CREATE INDEX IF NOT EXISTS chunks_embedding_ivfflat_idx
  ON chunks USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);`
	}
	_, err := s.pool.Exec(ctx, idx)
	return err
}

const searchSQL = `
SELECT
  c.id, c.document_id, c.idx, c.text, COALESCE(c.metadata, '{}'::jsonb),
  d.id, d.title, d.source_uri, d.product_id, d.created_at,
  p.id, p.name, p.category, p.manufacturer, (p.price * 100)::bigint, p.description,
  1 - (c.embedding <=> $1::vector) AS similarity
FROM chunks c
JOIN documents d ON d.id = c.document_id
LEFT JOIN products p ON p.id = d.product_id
WHERE c.embedding IS NOT NULL %s
ORDER BY c.embedding <=> $1::vector
LIMIT $2;
`

// Search returns up to k chunks nearest to vec by cosine distance. A non-empty
// category restricts results to chunks whose document's product has exactly
// that category.
func (s *Store) Search(ctx context.Context, vec []float32, k int, category string) ([]models.RetrievalResult, error) {
	if k <= 0 {
		return []models.RetrievalResult{}, nil
	}

	args := []any{pgvector.NewVector(vec), k}
	where := ""
	if category != "" {
		where = "AND p.category = $3"
		args = append(args, category)
	}
	q := fmt.Sprintf(searchSQL, where)

	// A filtered HNSW scan discards candidates after the index walk, so widen
	// the candidate list to keep k results reachable.
	if category != "" && s.indexType == IndexHNSW {
		var out []models.RetrievalResult
		err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, "SET LOCAL hnsw.ef_search = 200"); err != nil {
				return err
			}
			rows, err := tx.Query(ctx, q, args...)
			if err != nil {
				return err
			}
			out, err = scanResults(rows)
			return err
		})
		return out, err
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return scanResults(rows)
}

func scanResults(rows pgx.Rows) ([]models.RetrievalResult, error) {
	defer rows.Close()

	out := []models.RetrievalResult{}
	for rows.Next() {
		var r models.RetrievalResult
		var pid, pname, pcat, pmanu, pdesc *string
		var pprice *int64
		if err := rows.Scan(
			&r.Chunk.ID, &r.Chunk.DocumentID, &r.Chunk.Index, &r.Chunk.Text, &r.Chunk.Metadata,
			&r.Document.ID, &r.Document.Title, &r.Document.SourceURI, &r.Document.ProductID, &r.Document.CreatedAt,
			&pid, &pname, &pcat, &pmanu, &pprice, &pdesc,
			&r.Similarity,
		); err != nil {
			return nil, err
		}
		if pid != nil {
			r.Product = &models.Product{
				ID:           *pid,
				Name:         deref(pname),
				Category:     deref(pcat),
				Manufacturer: deref(pmanu),
				Description:  deref(pdesc),
			}
			if pprice != nil {
				r.Product.PriceCents = *pprice
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// UpsertDocument writes a document, its optional product and its chunks in
// one transaction. A chunk whose text is unchanged keeps its embedding; a
// changed chunk loses it so the embedding job picks it up again. Chunks past
// the new end of the document are removed.
func (s *Store) UpsertDocument(ctx context.Context, doc models.Document, product *models.Product, chunks []models.Chunk) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if product != nil {
			if product.PriceCents < 0 {
				return fmt.Errorf("product %s: negative price", product.ID)
			}
			const pq = `
				INSERT INTO products (id, name, category, manufacturer, price, description)
				VALUES ($1, $2, $3, $4, $5::numeric / 100, $6)
				ON CONFLICT (id) DO UPDATE SET
					name         = EXCLUDED.name,
					category     = EXCLUDED.category,
					manufacturer = EXCLUDED.manufacturer,
					price        = EXCLUDED.price,
					description  = EXCLUDED.description;`
			if _, err := tx.Exec(ctx, pq,
				product.ID, product.Name, product.Category, product.Manufacturer, product.PriceCents, product.Description,
			); err != nil {
				return fmt.Errorf("upsert product %s: %w", product.ID, err)
			}
		}

		const dq = `
			INSERT INTO documents (id, title, source_uri, product_id, created_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (id) DO UPDATE SET
				title      = EXCLUDED.title,
				source_uri = EXCLUDED.source_uri,
				product_id = EXCLUDED.product_id,
				created_at = documents.created_at;`
		if _, err := tx.Exec(ctx, dq, doc.ID, doc.Title, doc.SourceURI, doc.ProductID); err != nil {
			return fmt.Errorf("upsert document %s: %w", doc.ID, err)
		}

		const cq = `
			INSERT INTO chunks (id, document_id, idx, text, embedding, metadata)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET
				idx       = EXCLUDED.idx,
				text      = EXCLUDED.text,
				metadata  = EXCLUDED.metadata,
				embedding = COALESCE(
					EXCLUDED.embedding,
					CASE WHEN chunks.text = EXCLUDED.text THEN chunks.embedding END
				);`
		batch := &pgx.Batch{}
		for _, c := range chunks {
			var ev any = (*pgvector.Vector)(nil)
			if c.Embedding != nil {
				v := pgvector.NewVector(c.Embedding)
				ev = &v
			}
			batch.Queue(cq, c.ID, doc.ID, c.Index, c.Text, ev, c.Metadata)
		}
		batch.Queue(`DELETE FROM chunks WHERE document_id = $1 AND idx >= $2`, doc.ID, len(chunks))
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("upsert chunks for %s: %w", doc.ID, err)
		}
		return nil
	})
}

// PendingChunks returns up to limit chunks without an embedding whose id
// sorts after the given cursor.
func (s *Store) PendingChunks(ctx context.Context, after string, limit int) ([]models.Chunk, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, document_id, idx, text
		FROM chunks
		WHERE embedding IS NULL AND id > $1
		ORDER BY id
		LIMIT $2`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Chunk
	for rows.Next() {
		var c models.Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Index, &c.Text); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetChunkEmbedding stores vec as the embedding of chunk id.
func (s *Store) SetChunkEmbedding(ctx context.Context, id string, vec []float32) error {
	tag, err := s.pool.Exec(ctx, `UPDATE chunks SET embedding = $2 WHERE id = $1`, id, pgvector.NewVector(vec))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("chunk %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetCategories returns the distinct product categories in ascending order.
func (s *Store) GetCategories(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, "SELECT DISTINCT category FROM products ORDER BY category")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cats := []string{}
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		cats = append(cats, c)
	}

	return cats, rows.Err()
}

// Stats counts chunks and how many of them carry an embedding.
func (s *Store) Stats(ctx context.Context) (models.IndexStats, error) {
	var st models.IndexStats
	err := s.pool.QueryRow(ctx, `SELECT count(*), count(embedding) FROM chunks`).
		Scan(&st.TotalChunks, &st.EmbeddedChunks)
	return st, err
}

// Ping checks the database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}
