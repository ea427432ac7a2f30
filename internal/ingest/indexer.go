package ingest

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/seanblong/catalograg/internal/ai"
	"github.com/seanblong/catalograg/pkg/models"
)

const DefaultBatchSize = 100

// EmbeddingStore is the store surface the embedding job needs.
type EmbeddingStore interface {
	PendingChunks(ctx context.Context, after string, limit int) ([]models.Chunk, error)
	SetChunkEmbedding(ctx context.Context, id string, vec []float32) error
	Stats(ctx context.Context) (models.IndexStats, error)
}

// Report summarises an embedding run.
type Report struct {
	Processed int
	Succeeded int
	Failed    int
	Stats     models.IndexStats
}

// Indexer embeds every chunk that has no embedding yet.
type Indexer struct {
	Store     EmbeddingStore
	Embedder  ai.Embedder
	BatchSize int
	Workers   int
	Limiter   *rate.Limiter
}

// New creates a new Indexer. ratePerSec <= 0 disables throttling; workers <= 0
// uses the number of CPUs, capped at 8.
func New(s EmbeddingStore, embedder ai.Embedder, ratePerSec float64, workers int) *Indexer {
	if workers <= 0 {
		workers = runtime.NumCPU()
		if workers > 8 {
			workers = 8 // Cap at 8 to avoid overwhelming the AI API
		}
	}
	limit := rate.Inf
	burst := workers
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
		if burst < 1 {
			burst = 1
		}
	}
	return &Indexer{
		Store:     s,
		Embedder:  embedder,
		BatchSize: DefaultBatchSize,
		Workers:   workers,
		Limiter:   rate.NewLimiter(limit, burst),
	}
}

// Run pages through pending chunks and embeds them with a pool of workers.
// Individual failures are logged and counted; the chunk stays pending for the
// next run. Cancellation stops the run and returns the context error.
func (ix *Indexer) Run(ctx context.Context) (Report, error) {
	var rep Report
	if ix.Embedder == nil || !ix.Embedder.Configured() {
		return rep, fmt.Errorf("embedding job: %w", ai.ErrNotConfigured)
	}
	batch := ix.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	workers := ix.Workers
	if workers <= 0 {
		workers = 1
	}

	log.Info().Int("workers", workers).Int("batch", batch).Msg("starting embedding job")

	var processed, succeeded, failed atomic.Int64
	workChan := make(chan models.Chunk, workers*2)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			log.Debug().Int("worker", workerID).Msg("worker started")

			for c := range workChan {
				processed.Add(1)
				if err := ix.embedChunk(ctx, c); err != nil {
					failed.Add(1)
					if !errors.Is(err, context.Canceled) {
						log.Error().Err(err).Str("chunk", c.ID).Msg("embedding chunk failed")
					}
					continue
				}
				succeeded.Add(1)
			}

			log.Debug().Int("worker", workerID).Msg("worker finished")
		}(i)
	}

	var pageErr error
	after := ""
page:
	for {
		chunks, err := ix.Store.PendingChunks(ctx, after, batch)
		if err != nil {
			pageErr = fmt.Errorf("fetching pending chunks: %w", err)
			break
		}
		if len(chunks) == 0 {
			break
		}
		for _, c := range chunks {
			select {
			case workChan <- c:
			case <-ctx.Done():
				break page
			}
		}
		after = chunks[len(chunks)-1].ID
		if len(chunks) < batch {
			break
		}
	}

	close(workChan)
	wg.Wait()

	rep.Processed = int(processed.Load())
	rep.Succeeded = int(succeeded.Load())
	rep.Failed = int(failed.Load())

	if err := ctx.Err(); err != nil {
		return rep, err
	}
	if pageErr != nil {
		return rep, pageErr
	}

	stats, err := ix.Store.Stats(ctx)
	if err != nil {
		return rep, fmt.Errorf("reading index stats: %w", err)
	}
	rep.Stats = stats

	log.Info().
		Int("processed", rep.Processed).
		Int("succeeded", rep.Succeeded).
		Int("failed", rep.Failed).
		Int64("embedded", stats.EmbeddedChunks).
		Int64("total", stats.TotalChunks).
		Float64("coverage", stats.Coverage()).
		Msg("embedding job complete")
	return rep, nil
}

func (ix *Indexer) embedChunk(ctx context.Context, c models.Chunk) error {
	if ix.Limiter != nil {
		if err := ix.Limiter.Wait(ctx); err != nil {
			return err
		}
	}
	vec, err := ix.Embedder.Embed(ctx, c.Text)
	if err != nil {
		return err
	}
	if err := ai.CheckDim(vec, ix.Embedder.Dim()); err != nil {
		return err
	}
	return ix.Store.SetChunkEmbedding(ctx, c.ID, vec)
}
