// Package analysis is the file-analysis stage: it turns a batch of
// source files into POI rows via one LLM call, emitting the outbox
// events that drive the rest of the pipeline.
package analysis

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"codeatlas/internal/batch"
	"codeatlas/internal/llm"
	"codeatlas/internal/logging"
	"codeatlas/internal/store"
	"codeatlas/internal/types"
)

// Worker consumes file-analysis jobs. Each job payload is one
// batch.Batch; file paths inside it are relative to the scan root.
type Worker struct {
	root   string
	store  *store.Store
	client llm.Client
	log    *zap.Logger
}

// NewWorker builds an analysis worker rooted at the scan directory.
func NewWorker(root string, st *store.Store, client llm.Client) *Worker {
	return &Worker{
		root:   root,
		store:  st,
		client: client,
		log:    logging.Get(logging.CategoryAnalysis),
	}
}

// Handle processes one batch job. Transient LLM failures return an
// error so the queue retries; a persistently unparseable response marks
// every file in the batch failed and emits diagnostic events, which
// completes the job.
func (w *Worker) Handle(ctx context.Context, payload []byte) error {
	var b batch.Batch
	if err := json.Unmarshal(payload, &b); err != nil {
		return fmt.Errorf("bad batch payload: %w", err)
	}
	if len(b.Files) == 0 {
		return fmt.Errorf("batch %s has no files", b.ID)
	}

	timer := logging.StartTimer(logging.CategoryAnalysis, "batch")
	defer timer.StopWithThreshold(time.Minute)

	contents, missing := w.readContents(b)
	if len(contents) == 0 {
		return w.failBatch(ctx, b, "no readable files in batch")
	}

	prompt := batch.ConstructBatchPrompt(b, contents)

	result, err := w.analyze(ctx, b, prompt)
	if err != nil {
		if llm.IsTransient(err) {
			return err
		}
		w.log.Error("batch analysis failed permanently",
			zap.String("batch", b.ID), zap.Error(err))
		return w.failBatch(ctx, b, err.Error())
	}
	if result.Dropped > 0 || result.Invalid > 0 {
		w.log.Warn("batch response partially discarded",
			zap.String("batch", b.ID),
			zap.Int("dropped_blocks", result.Dropped),
			zap.Int("invalid_pois", result.Invalid))
	}

	return w.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, f := range b.Files {
			if missing[f.Path] {
				if err := w.store.SetFileStatusTx(ctx, tx, f.Path, types.FileStatusFailed); err != nil {
					return err
				}
				if err := w.store.AppendEventTx(ctx, tx, types.EventFileFailed, f.Path,
					types.FileEventPayload{FilePath: f.Path, Reason: "file unreadable at analysis time"}); err != nil {
					return err
				}
				continue
			}

			pois := result.POIs[f.Path]
			if err := w.store.InsertPOIsTx(ctx, tx, pois); err != nil {
				return err
			}
			if err := w.store.SetFileStatusTx(ctx, tx, f.Path, types.FileStatusAnalyzed); err != nil {
				return err
			}
			if len(pois) == 0 {
				continue
			}

			ids := make([]string, 0, len(pois))
			for _, p := range pois {
				ids = append(ids, p.ID)
			}
			if err := w.store.AppendEventTx(ctx, tx, types.EventPOICreated, f.Path,
				types.FileEventPayload{FilePath: f.Path, POIIDs: ids}); err != nil {
				return err
			}
			if err := w.store.AppendEventTx(ctx, tx, types.EventRelationshipsRequested, f.Path,
				types.FileEventPayload{FilePath: f.Path, POIIDs: ids}); err != nil {
				return err
			}
		}
		return nil
	})
}

// analyze runs the LLM call and parse, retrying exactly once with a
// stricter instruction when the response cannot be parsed.
func (w *Worker) analyze(ctx context.Context, b batch.Batch, prompt string) (batch.ParseResult, error) {
	response, err := w.client.CompleteWithSystem(ctx, systemPrompt, prompt)
	if err != nil {
		return batch.ParseResult{}, err
	}

	result, perr := batch.ParseBatchResponse(b, response)
	if perr == nil {
		return result, nil
	}

	w.log.Warn("unparseable batch response, re-prompting once",
		zap.String("batch", b.ID), zap.Error(perr))
	response, err = w.client.CompleteWithSystem(ctx, systemPrompt+strictRetryHint, prompt)
	if err != nil {
		return batch.ParseResult{}, err
	}
	return batch.ParseBatchResponse(b, response)
}

// failBatch marks every batch file failed and emits one diagnostic
// event per file, all in one transaction.
func (w *Worker) failBatch(ctx context.Context, b batch.Batch, reason string) error {
	return w.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, f := range b.Files {
			if err := w.store.SetFileStatusTx(ctx, tx, f.Path, types.FileStatusFailed); err != nil {
				return err
			}
			if err := w.store.AppendEventTx(ctx, tx, types.EventFileFailed, f.Path,
				types.FileEventPayload{FilePath: f.Path, Reason: reason}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (w *Worker) readContents(b batch.Batch) (contents map[string]string, missing map[string]bool) {
	contents = make(map[string]string, len(b.Files))
	missing = make(map[string]bool)
	for _, f := range b.Files {
		data, err := os.ReadFile(filepath.Join(w.root, filepath.FromSlash(f.Path)))
		if err != nil {
			w.log.Warn("batch file unreadable", zap.String("path", f.Path), zap.Error(err))
			missing[f.Path] = true
			continue
		}
		contents[f.Path] = string(data)
	}
	return contents, missing
}
