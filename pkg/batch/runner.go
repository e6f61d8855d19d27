package batch

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/pario-ai/llmbatch/pkg/dataset"
	"github.com/pario-ai/llmbatch/pkg/models"
)

// DefaultChunkSize is used when a Runner is given a non-positive size.
const DefaultChunkSize = 50

// Runner feeds rows to a Processor in chunks and logs each chunk's
// results to a progress file so an interrupted run can resume.
type Runner struct {
	proc      *Processor
	chunkSize int
	progress  *dataset.Progress
	logger    *zap.Logger
}

// NewRunner returns a Runner. progress may be nil to disable resuming.
func NewRunner(proc *Processor, chunkSize int, progress *dataset.Progress, logger *zap.Logger) *Runner {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{proc: proc, chunkSize: chunkSize, progress: progress, logger: logger}
}

// Run processes rows and returns one result per row in input order.
// Rows with a successful result in the progress file are not processed
// again; failed ones are retried. When ctx is cancelled the remaining
// chunks are skipped, their rows fail and ctx.Err() is returned.
func (r *Runner) Run(ctx context.Context, rows []models.Row) ([]models.Result, error) {
	done, err := r.resumed(rows)
	if err != nil {
		return nil, err
	}

	todo := make([]models.Row, 0, len(rows))
	for _, row := range rows {
		if _, ok := done[row.Index]; !ok {
			todo = append(todo, row)
		}
	}
	if len(done) > 0 {
		r.logger.Info("resuming from progress file",
			zap.String("path", r.progress.Path()),
			zap.Int("done", len(done)),
			zap.Int("remaining", len(todo)),
		)
	}

	results := make([]models.Result, 0, len(rows))
	for _, res := range done {
		results = append(results, res)
	}

	var runErr error
	chunks := (len(todo) + r.chunkSize - 1) / r.chunkSize
	for n, chunk := range slices.Collect(slices.Chunk(todo, r.chunkSize)) {
		if runErr = ctx.Err(); runErr != nil {
			for _, row := range chunk {
				results = append(results, models.Result{
					Index: row.Index,
					ID:    row.ID,
					Error: fmt.Sprintf("not dispatched: %v", runErr),
				})
			}
			continue
		}

		res, err := r.proc.ProcessBatch(ctx, chunk)
		if res == nil {
			return nil, err
		}
		results = append(results, res...)
		runErr = err

		if r.progress != nil {
			if err := r.progress.Append(res); err != nil {
				r.logger.Warn("progress write failed", zap.Error(err))
			}
		}
		stats := models.Summarize(res)
		r.logger.Info("chunk done",
			zap.Int("chunk", n+1),
			zap.Int("chunks", chunks),
			zap.Int("rows", stats.Rows),
			zap.Int("api_calls", stats.APICalls),
			zap.Int("cache_hits", stats.CacheHits),
			zap.Int("failed", stats.Failed),
		)
	}

	pos := make(map[int]int, len(rows))
	for i, row := range rows {
		pos[row.Index] = i
	}
	slices.SortFunc(results, func(a, b models.Result) int { return cmp.Compare(pos[a.Index], pos[b.Index]) })
	return results, runErr
}

// resumed returns the successful logged results for indexes in rows.
func (r *Runner) resumed(rows []models.Row) (map[int]models.Result, error) {
	done := make(map[int]models.Result)
	if r.progress == nil {
		return done, nil
	}
	logged, err := r.progress.Load()
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if res, ok := logged[row.Index]; ok && res.Success {
			done[row.Index] = res
		}
	}
	return done, nil
}
