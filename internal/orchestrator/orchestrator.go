// Package orchestrator drives one end-to-end review run: fetch diff,
// parse, map lines, fan out to the LLM, dedupe, and publish (spec.md
// §4.7, C8). It is the one place that calls every other core
// component.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nolood/review-bot-sub000/internal/chunkproc"
	"github.com/nolood/review-bot-sub000/internal/config"
	"github.com/nolood/review-bot-sub000/internal/dedup"
	"github.com/nolood/review-bot-sub000/internal/diffparser"
	"github.com/nolood/review-bot-sub000/internal/domain"
	"github.com/nolood/review-bot-sub000/internal/forge"
	"github.com/nolood/review-bot-sub000/internal/linemapper"
	"github.com/nolood/review-bot-sub000/internal/metrics"
	"github.com/nolood/review-bot-sub000/internal/publisher"
)

// ForgeClient is the subset of forge.Client the orchestrator needs:
// MR fetch plus everything CommentPublisher needs to post.
type ForgeClient interface {
	publisher.ForgeClient
	GetMergeRequest(ctx context.Context, ref domain.MergeRequestRef) (*forge.MergeRequest, error)
	GetDiffs(ctx context.Context, ref domain.MergeRequestRef) ([]diffparser.RawFileDiff, error)
}

// Orchestrator runs the fetch→parse→chunk→analyze→dedupe→publish
// pipeline for one MR at a time. A single instance is shared across
// concurrently running reviews; it holds no per-review state of its
// own (each Run call builds its own LineMapper and Publisher).
type Orchestrator struct {
	forge          ForgeClient
	reviewer       chunkproc.Reviewer
	commitTracker  *dedup.CommitTracker
	commentTracker *dedup.CommentTracker
	cfg            *config.Config
}

// New builds an Orchestrator.
func New(forgeClient ForgeClient, reviewer chunkproc.Reviewer, commitTracker *dedup.CommitTracker, commentTracker *dedup.CommentTracker, cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		forge:          forgeClient,
		reviewer:       reviewer,
		commitTracker:  commitTracker,
		commentTracker: commentTracker,
		cfg:            cfg,
	}
}

// Run executes one review of ref, in the ten steps spec.md §4.7 lists.
func (o *Orchestrator) Run(ctx context.Context, ref domain.MergeRequestRef) (domain.ReviewResult, error) {
	start := time.Now()
	metrics.ActiveReviews.Inc()
	defer metrics.ActiveReviews.Dec()

	result, err := o.run(ctx, ref)
	result.ProcessingTime = time.Since(start)

	state := "completed"
	if err != nil {
		state = "failed"
		result.Status = "failed"
		result.Message = err.Error()
	}
	metrics.ReviewsTotal.WithLabelValues(state).Inc()
	metrics.ReviewDuration.WithLabelValues(state).Observe(result.ProcessingTime.Seconds())

	return result, err
}

func (o *Orchestrator) run(ctx context.Context, ref domain.MergeRequestRef) (domain.ReviewResult, error) {
	// Step 1: fetch MR metadata and raw diffs concurrently.
	var mr *forge.MergeRequest
	var rawDiffs []diffparser.RawFileDiff

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		mr, err = o.forge.GetMergeRequest(gctx, ref)
		return err
	})
	g.Go(func() error {
		var err error
		rawDiffs, err = o.forge.GetDiffs(gctx, ref)
		return err
	})
	if err := g.Wait(); err != nil {
		return domain.ReviewResult{}, fmt.Errorf("fetch mr: %w", err)
	}

	// Step 2: parse diffs into FileDiffs.
	fileDiffs, err := diffparser.ParseAll(rawDiffs)
	if err != nil {
		return domain.ReviewResult{}, fmt.Errorf("parse diffs: %w", err)
	}

	// Step 3: build the LineMapper over the parsed diffs.
	mapper := linemapper.Build(fileDiffs)

	// Step 4: filter + chunk.
	chunks := diffparser.Chunk(fileDiffs, diffparser.ChunkOptions{
		MaxTokensPerChunk:  o.cfg.Chunker.MaxDiffSize,
		IgnorePatterns:     o.cfg.Chunker.IgnorePatterns,
		PrioritizePatterns: o.cfg.Chunker.PrioritizePatterns,
		MaxChunks:          o.cfg.Chunker.MaxChunks,
	})

	result := domain.ReviewResult{Status: "completed", FilesReviewed: len(fileDiffs)}

	// Step 5: empty chunk set short-circuits with an empty success.
	if len(chunks) == 0 {
		result.Message = "no reviewable chunks"
		return result, nil
	}

	// Step 6: fan out to the LLM.
	chunkResults, stats := chunkproc.Process(ctx, o.reviewer, chunks, chunkproc.Options{
		Concurrency:  o.cfg.Scheduling.ConcurrentGLMRequests,
		ChunkTimeout: o.cfg.Scheduling.ChunkTimeout,
	})
	result.ChunksTotal = stats.ChunksTotal
	result.ChunksFailed = stats.ChunksFailed
	result.PromptTokens = stats.TotalUsage.PromptTokens
	result.CompletionTokens = stats.TotalUsage.CompletionTokens
	result.TotalTokens = stats.TotalUsage.TotalTokens
	metrics.LLMTokensUsed.WithLabelValues("prompt").Add(float64(stats.TotalUsage.PromptTokens))
	metrics.LLMTokensUsed.WithLabelValues("completion").Add(float64(stats.TotalUsage.CompletionTokens))
	for _, r := range chunkResults {
		if r.Err != nil {
			metrics.ChunksProcessed.WithLabelValues("failed").Inc()
			continue
		}
		metrics.ChunksProcessed.WithLabelValues("success").Inc()
	}

	// Step 7: cleanup stale bot comments before publishing new ones.
	// Per-note failures here are logged and otherwise ignored; the new
	// review still publishes (spec.md §4.6).
	if o.cfg.Dedup.Enabled {
		cleanup := o.commentTracker.Cleanup(ctx, ref, dedup.CleanupStrategy(o.cfg.Dedup.CleanupPolicy))
		if cleanup.FailedCount > 0 {
			slog.Warn("comment cleanup had failures", "deleted", cleanup.DeletedCount, "failed", cleanup.FailedCount)
		}
	}

	// Step 8: format and publish.
	batch := buildBatch(chunkResultsInOrder(chunkResults))
	pub := publisher.New(o.forge, mapper, o.cfg.Scheduling.APIRequestDelay)
	pubResult := pub.Publish(ctx, ref, mr.DiffRefs, batch)

	result.CommentsPosted = pubResult.FileCommentsPosted + pubResult.InlinePosted + pubResult.FallbackPosted
	if pubResult.SummaryPublished {
		metrics.CommentsPublished.WithLabelValues("general").Inc()
	}
	metrics.CommentsPublished.WithLabelValues("inline").Add(float64(pubResult.InlinePosted))
	metrics.CommentsPublished.WithLabelValues("fallback_general").Add(float64(pubResult.FallbackPosted))
	metrics.CommentsPublished.WithLabelValues("general").Add(float64(pubResult.FileCommentsPosted))

	if len(pubResult.Errors) > 0 {
		result.Message = fmt.Sprintf("published with %d errors", len(pubResult.Errors))
	}

	// Step 9: mark the head commit reviewed.
	o.commitTracker.MarkReviewed(ref, mr.DiffRefs.HeadSHA, result.CommentsPosted)

	return result, nil
}

// chunkResultsInOrder returns only the successful results, already in
// chunk-index order since chunkproc.Process writes results[i] by
// index rather than completion order.
func chunkResultsInOrder(results []chunkproc.Result) []chunkproc.Result {
	out := make([]chunkproc.Result, 0, len(results))
	for _, r := range results {
		if r.Err == nil {
			out = append(out, r)
		}
	}
	return out
}

// buildBatch flattens every chunk's critiques into one CommentBatch,
// concatenating critiques in chunk-index order (spec.md §4.4) and
// joining multiple summary critiques into one banner.
func buildBatch(results []chunkproc.Result) domain.CommentBatch {
	var batch domain.CommentBatch
	var summaries []string

	for _, r := range results {
		for _, c := range r.Critiques {
			fc := domain.FormattedComment{Critique: c, Title: titleFor(c.Type)}
			switch {
			case c.Type == domain.CritiqueSummary && c.File == "":
				if c.Comment != "" {
					summaries = append(summaries, c.Comment)
				}
			case c.Line != nil:
				batch.InlineComments = append(batch.InlineComments, fc)
			default:
				batch.FileComments = append(batch.FileComments, fc)
			}
		}
	}

	batch.Summary = strings.Join(summaries, "\n\n")
	return batch
}

func titleFor(t domain.CritiqueType) string {
	switch t {
	case domain.CritiqueIssue:
		return "Issue"
	case domain.CritiqueSuggestion:
		return "Suggestion"
	case domain.CritiqueQuestion:
		return "Question"
	case domain.CritiqueSummary:
		return "Summary"
	default:
		return ""
	}
}
