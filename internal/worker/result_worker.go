package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ResultWriter persists finished session outcomes.
type ResultWriter interface {
	UpsertResults(ctx context.Context, batch []model.ResultRecord) error
	UpsertResult(ctx context.Context, rec model.ResultRecord) error
}

type ResultWorker struct {
	store ResultWriter
	rdb   *redis.Client
	log   zerolog.Logger

	batchSize    int
	batchTimeout time.Duration
}

func NewResultWorker(store ResultWriter, rdb *redis.Client, log zerolog.Logger) *ResultWorker {
	return &ResultWorker{
		store:        store,
		rdb:          rdb,
		log:          log.With().Str("component", "result_worker").Logger(),
		batchSize:    BatchSize,
		batchTimeout: BatchTimeout,
	}
}

// ----------------------------------------------------------------
// Worker loop with batching
// ----------------------------------------------------------------

func (w *ResultWorker) Start(ctx context.Context) {
	w.log.Info().Msg("ResultWorker started")

	batch := make([]model.ResultRecord, 0, w.batchSize)
	lastFlush := time.Now()

	for {
		// Should flush?
		if len(batch) > 0 &&
			(len(batch) >= w.batchSize || time.Since(lastFlush) >= w.batchTimeout) {

			w.flushSafe(ctx, batch)
			batch = batch[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.log.Info().Msg("Shutdown requested. Flushing remaining batch...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			w.flushSafe(shutdownCtx, batch)
			cancel()
			return

		default:
			item, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PersistResultsQueue).Result()
			if err != nil {
				if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
					w.log.Error().Err(err).Msg("BLPop error")
					sleepCtx(ctx, time.Second)
				}
				continue
			}

			if len(item) < 2 {
				continue
			}

			var rec model.ResultRecord
			if err := json.Unmarshal([]byte(item[1]), &rec); err != nil {
				w.log.Error().Err(err).Msg("Invalid JSON payload")
				continue
			}

			batch = append(batch, rec)
		}
	}
}

// ----------------------------------------------------------------
// Batch upsert with per-row fallback
// ----------------------------------------------------------------

func (w *ResultWorker) flushSafe(ctx context.Context, batch []model.ResultRecord) {
	if len(batch) == 0 {
		return
	}

	// A session can finish, get requeued and arrive again in the same
	// batch. ON CONFLICT cannot touch the same row twice in one statement.
	batch = latestPerSession(batch)

	err := w.store.UpsertResults(ctx, batch)
	if err == nil {
		w.log.Debug().Int("rows", len(batch)).Msg("Results persisted")
		return
	}
	w.log.Warn().Err(err).Msg("bulk result upsert failed, using fallback")

	for _, rec := range batch {
		if err := w.store.UpsertResult(ctx, rec); err != nil {
			if isBadRecord(err) {
				w.log.Error().Err(err).Str("session_id", rec.SessionID).Msg("Dropping result with invalid session id")
				continue
			}
			w.log.Error().Err(err).Str("session_id", rec.SessionID).Msg("UpsertResult failed, requeueing")
			raw, _ := json.Marshal(rec)
			if err := w.rdb.RPush(ctx, config.WorkerKey.PersistResultsQueue, raw).Err(); err != nil {
				w.log.Error().Err(err).Str("session_id", rec.SessionID).Msg("CRITICAL: Failed to requeue result. Data loss occurred.")
			}
		}
	}
}

// latestPerSession keeps the last record per session, preserving order.
func latestPerSession(batch []model.ResultRecord) []model.ResultRecord {
	index := make(map[string]int, len(batch))
	out := make([]model.ResultRecord, 0, len(batch))
	for _, rec := range batch {
		if i, ok := index[rec.SessionID]; ok {
			out[i] = rec
			continue
		}
		index[rec.SessionID] = len(out)
		out = append(out, rec)
	}
	return out
}
