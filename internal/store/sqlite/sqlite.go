// Package sqlite is an embedded catalog store for development and small
// catalogs. Embeddings are little-endian float32 BLOBs and similarity search
// is an exact scan over every embedded chunk.
package sqlite

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/catalograg/pkg/models"

	_ "modernc.org/sqlite" // SQLite driver
)

// ErrNotFound is returned when a write targets a chunk that does not exist.
var ErrNotFound = errors.New("not found")

// Store is a catalog store backed by a single SQLite database.
type Store struct {
	db   *sql.DB
	path string
	dim  int
}

// Open opens (creating if needed) the database at path. ":memory:" gives a
// private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite: empty database path")
	}

	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// An in-memory database exists per connection.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the database connection.
func (s *Store) Close() {
	if err := s.db.Close(); err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("closing sqlite store")
	}
}

// Ping checks the database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Migrate creates the schema and pins the embedding dimension. Reopening a
// database with a different dimension is an error.
func (s *Store) Migrate(ctx context.Context, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("migrate: invalid embedding dimension %d", dim)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS products (
  id           TEXT PRIMARY KEY,
  name         TEXT NOT NULL,
  category     TEXT NOT NULL,
  manufacturer TEXT NOT NULL DEFAULT '',
  price_cents  INTEGER NOT NULL DEFAULT 0 CHECK (price_cents >= 0),
  description  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS products_category_idx ON products (category);

CREATE TABLE IF NOT EXISTS documents (
  id         TEXT PRIMARY KEY,
  title      TEXT NOT NULL,
  source_uri TEXT NOT NULL DEFAULT '',
  product_id TEXT REFERENCES products (id) ON DELETE SET NULL,
  created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
  id          TEXT PRIMARY KEY,
  document_id TEXT NOT NULL REFERENCES documents (id) ON DELETE CASCADE,
  idx         INTEGER NOT NULL,
  text        TEXT NOT NULL,
  embedding   BLOB,
  metadata    TEXT NOT NULL DEFAULT '{}',
  UNIQUE (document_id, idx)
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	var stored string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = 'embedding_dim'`).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO settings (key, value) VALUES ('embedding_dim', ?)`, fmt.Sprint(dim)); err != nil {
			return fmt.Errorf("recording embedding dimension: %w", err)
		}
	case err != nil:
		return fmt.Errorf("reading embedding dimension: %w", err)
	case stored != fmt.Sprint(dim):
		return fmt.Errorf("database was created for %s-dimension embeddings, not %d", stored, dim)
	}

	s.dim = dim
	return nil
}

// Search scores every embedded chunk against vec and returns the k most
// similar. A non-empty category keeps only chunks whose document's product has
// exactly that category.
func (s *Store) Search(ctx context.Context, vec []float32, k int, category string) ([]models.RetrievalResult, error) {
	if k <= 0 {
		return []models.RetrievalResult{}, nil
	}
	if s.dim != 0 && len(vec) != s.dim {
		return nil, fmt.Errorf("search: query vector has %d dimensions, store has %d", len(vec), s.dim)
	}

	q := `
SELECT
  c.id, c.document_id, c.idx, c.text, c.metadata, c.embedding,
  d.id, d.title, d.source_uri, d.product_id, d.created_at,
  p.id, p.name, p.category, p.manufacturer, p.price_cents, p.description
FROM chunks c
JOIN documents d ON d.id = c.document_id
LEFT JOIN products p ON p.id = d.product_id
WHERE c.embedding IS NOT NULL`
	var args []any
	if category != "" {
		q += ` AND p.category = ?`
		args = append(args, category)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()

	qnorm := norm(vec)
	top := &resultHeap{}
	for rows.Next() {
		r, blob, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		r.Similarity = cosine(vec, qnorm, bytesToFloat32Slice(blob))

		if top.Len() < k {
			heap.Push(top, r)
		} else if better(r, (*top)[0]) {
			(*top)[0] = r
			heap.Fix(top, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]models.RetrievalResult, top.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(top).(models.RetrievalResult)
	}
	return out, nil
}

func scanResult(rows *sql.Rows) (models.RetrievalResult, []byte, error) {
	var r models.RetrievalResult
	var blob []byte
	var metadataJSON, createdAt string
	var docProduct sql.NullString
	var pid, pname, pcat, pmanu, pdesc sql.NullString
	var pprice sql.NullInt64

	if err := rows.Scan(
		&r.Chunk.ID, &r.Chunk.DocumentID, &r.Chunk.Index, &r.Chunk.Text, &metadataJSON, &blob,
		&r.Document.ID, &r.Document.Title, &r.Document.SourceURI, &docProduct, &createdAt,
		&pid, &pname, &pcat, &pmanu, &pprice, &pdesc,
	); err != nil {
		return r, nil, fmt.Errorf("scanning chunk: %w", err)
	}

	if metadataJSON != "" && metadataJSON != "null" {
		if err := json.Unmarshal([]byte(metadataJSON), &r.Chunk.Metadata); err != nil {
			return r, nil, fmt.Errorf("unmarshaling chunk metadata: %w", err)
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		r.Document.CreatedAt = t
	}
	if docProduct.Valid {
		r.Document.ProductID = &docProduct.String
	}
	if pid.Valid {
		r.Product = &models.Product{
			ID:           pid.String,
			Name:         pname.String,
			Category:     pcat.String,
			Manufacturer: pmanu.String,
			PriceCents:   pprice.Int64,
			Description:  pdesc.String,
		}
	}
	return r, blob, nil
}

// UpsertDocument writes a document, its optional product and its chunks in
// one transaction. A chunk whose text is unchanged keeps its embedding; a
// changed chunk loses it. Chunks past the new end of the document are removed.
func (s *Store) UpsertDocument(ctx context.Context, doc models.Document, product *models.Product, chunks []models.Chunk) error {
	for _, c := range chunks {
		if c.Embedding != nil && s.dim != 0 && len(c.Embedding) != s.dim {
			return fmt.Errorf("chunk %s: embedding has %d dimensions, store has %d", c.ID, len(c.Embedding), s.dim)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if product != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO products (id, name, category, manufacturer, price_cents, description)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				name         = excluded.name,
				category     = excluded.category,
				manufacturer = excluded.manufacturer,
				price_cents  = excluded.price_cents,
				description  = excluded.description`,
			product.ID, product.Name, product.Category, product.Manufacturer, product.PriceCents, product.Description,
		); err != nil {
			return fmt.Errorf("upsert product %s: %w", product.ID, err)
		}
	}

	var productID any
	if doc.ProductID != nil {
		productID = *doc.ProductID
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (id, title, source_uri, product_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title      = excluded.title,
			source_uri = excluded.source_uri,
			product_id = excluded.product_id`,
		doc.ID, doc.Title, doc.SourceURI, productID, time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("upsert document %s: %w", doc.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, document_id, idx, text, embedding, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			idx       = excluded.idx,
			text      = excluded.text,
			metadata  = excluded.metadata,
			embedding = COALESCE(
				excluded.embedding,
				CASE WHEN chunks.text = excluded.text THEN chunks.embedding END
			)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range chunks {
		meta := "{}"
		if c.Metadata != nil {
			b, err := json.Marshal(c.Metadata)
			if err != nil {
				return fmt.Errorf("marshaling chunk metadata: %w", err)
			}
			meta = string(b)
		}
		var blob any
		if len(c.Embedding) > 0 {
			blob = float32SliceToBytes(c.Embedding)
		}
		if _, err := stmt.ExecContext(ctx, c.ID, doc.ID, c.Index, c.Text, blob, meta); err != nil {
			return fmt.Errorf("upsert chunk %s: %w", c.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunks WHERE document_id = ? AND idx >= ?`, doc.ID, len(chunks)); err != nil {
		return fmt.Errorf("trimming chunks for %s: %w", doc.ID, err)
	}
	return tx.Commit()
}

// PendingChunks returns up to limit chunks without an embedding whose id
// sorts after the given cursor.
func (s *Store) PendingChunks(ctx context.Context, after string, limit int) ([]models.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, idx, text
		FROM chunks
		WHERE embedding IS NULL AND id > ?
		ORDER BY id
		LIMIT ?`, after, limit)
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
	if len(vec) == 0 {
		return fmt.Errorf("chunk %s: empty embedding", id)
	}
	if s.dim != 0 && len(vec) != s.dim {
		return fmt.Errorf("chunk %s: embedding has %d dimensions, store has %d", id, len(vec), s.dim)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE chunks SET embedding = ? WHERE id = ?`, float32SliceToBytes(vec), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("chunk %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetCategories returns the distinct product categories in ascending order.
func (s *Store) GetCategories(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT category FROM products ORDER BY category`)
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
	err := s.db.QueryRowContext(ctx, `SELECT count(*), count(embedding) FROM chunks`).
		Scan(&st.TotalChunks, &st.EmbeddedChunks)
	return st, err
}

// cosine returns 1 - cosine distance. A zero vector on either side scores 0.
func cosine(q []float32, qnorm float64, v []float32) float64 {
	if len(v) != len(q) || qnorm == 0 {
		return 0
	}
	var dot, vv float64
	for i := range q {
		dot += float64(q[i]) * float64(v[i])
		vv += float64(v[i]) * float64(v[i])
	}
	if vv == 0 {
		return 0
	}
	return dot / (qnorm * math.Sqrt(vv))
}

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

// better orders results by similarity, breaking ties by chunk id so scans are
// deterministic.
func better(a, b models.RetrievalResult) bool {
	if a.Similarity != b.Similarity {
		return a.Similarity > b.Similarity
	}
	return a.Chunk.ID < b.Chunk.ID
}

// resultHeap is a min-heap on similarity holding the current top k.
type resultHeap []models.RetrievalResult

func (h resultHeap) Len() int           { return len(h) }
func (h resultHeap) Less(i, j int) bool { return better(h[j], h[i]) }
func (h resultHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *resultHeap) Push(x any)        { *h = append(*h, x.(models.RetrievalResult)) }
func (h *resultHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// float32SliceToBytes converts a []float32 to a byte slice for storage.
func float32SliceToBytes(floats []float32) []byte {
	if len(floats) == 0 {
		return nil
	}
	buf := make([]byte, len(floats)*4)
	for i, f := range floats {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// bytesToFloat32Slice converts a byte slice back to []float32.
func bytesToFloat32Slice(data []byte) []float32 {
	if len(data) == 0 {
		return nil
	}
	floats := make([]float32, len(data)/4)
	for i := range floats {
		floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return floats
}
