// Package chunkproc fans a MR's diff chunks out to the LLM client
// under a bounded concurrency limit and merges the results back in
// chunk order, isolating a single chunk's failure from the rest of
// the run (spec.md §4.6, C5).
package chunkproc

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nolood/review-bot-sub000/internal/domain"
	"github.com/nolood/review-bot-sub000/internal/llm"
)

// Reviewer is the subset of llm.Client the processor depends on,
// narrowed for testability.
type Reviewer interface {
	Review(ctx context.Context, diffText string) ([]domain.Critique, llm.Usage, error)
}

// Options configures a Process run.
type Options struct {
	Concurrency  int // errgroup.SetLimit; <=0 means unlimited
	ChunkTimeout time.Duration
}

// Result is the per-chunk outcome of a Process run.
type Result struct {
	Index     int
	Critiques []domain.Critique
	Usage     llm.Usage
	Err       error
}

// Stats summarizes a completed Process run.
type Stats struct {
	ChunksTotal  int
	ChunksFailed int
	TotalUsage   llm.Usage
}

// Process submits every chunk to reviewer concurrently (bounded by
// opts.Concurrency), serializing each chunk's diff text first. A
// chunk that errors or times out is recorded and skipped; it never
// aborts the others (spec.md §4.6 item 6, §5 concurrency model).
func Process(ctx context.Context, reviewer Reviewer, chunks []domain.DiffChunk, opts Options) ([]Result, Stats) {
	results := make([]Result, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	if opts.Concurrency > 0 {
		g.SetLimit(opts.Concurrency)
	}

	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			callCtx := gctx
			var cancel context.CancelFunc
			if opts.ChunkTimeout > 0 {
				callCtx, cancel = context.WithTimeout(gctx, opts.ChunkTimeout)
				defer cancel()
			}

			critiques, usage, err := reviewer.Review(callCtx, serializeChunk(chunk))
			results[i] = Result{Index: i, Critiques: critiques, Usage: usage, Err: err}
			if err != nil {
				slog.Warn("chunk review failed", "chunk_index", i, "files", chunk.FilePaths(), "error", err)
			}
			// Never propagate a single chunk's error through errgroup:
			// that would cancel gctx and abort every other in-flight
			// chunk. Each chunk's failure is isolated in its Result.
			return nil
		})
	}

	_ = g.Wait()

	stats := Stats{ChunksTotal: len(chunks)}
	for _, r := range results {
		if r.Err != nil {
			stats.ChunksFailed++
			continue
		}
		stats.TotalUsage.PromptTokens += r.Usage.PromptTokens
		stats.TotalUsage.CompletionTokens += r.Usage.CompletionTokens
		stats.TotalUsage.TotalTokens += r.Usage.TotalTokens
	}
	return results, stats
}

// serializeChunk renders a DiffChunk back into the unified-diff text
// the LLM expects, concatenating each file's raw fragment with a
// path header so the model can attribute critiques per file.
func serializeChunk(chunk domain.DiffChunk) string {
	var out string
	for _, f := range chunk.Files {
		out += "diff --git a/" + f.Path() + " b/" + f.Path() + "\n"
		out += f.RawDiff
		if len(out) > 0 && out[len(out)-1] != '\n' {
			out += "\n"
		}
	}
	return out
}
