package diffparser

import (
	"path/filepath"
	"strings"

	"github.com/nolood/review-bot-sub000/internal/domain"
)

// tokenRatio estimates tokens-per-character for diff content. The
// teacher's splitter uses a flat len/4; we keep that same rough ratio
// since diff text (code + markers) behaves like code for this
// estimator's purposes (spec.md §4.1).
const tokenRatio = 0.25

// EstimateTokens returns a rough token count for s.
func EstimateTokens(s string) int {
	return int(float64(len(s)) * tokenRatio)
}

// ChunkOptions configures Chunk.
type ChunkOptions struct {
	MaxTokensPerChunk  int
	IgnorePatterns     []string
	PrioritizePatterns []string
	MaxChunks          int // <0 = unlimited, 0 = truncate to no chunks, >0 = cap
}

// Chunk partitions diffs into domain.DiffChunks under the configured
// token budget. Files matching an ignore pattern are excluded
// outright; files matching a prioritize pattern sort first. Ties keep
// stable input order. A single file that alone exceeds the budget
// becomes its own chunk (never split mid-hunk, per spec.md §4.1).
func Chunk(diffs []domain.FileDiff, opts ChunkOptions) []domain.DiffChunk {
	filtered := filterIgnored(diffs, opts.IgnorePatterns)
	ordered := prioritize(filtered, opts.PrioritizePatterns)

	budget := opts.MaxTokensPerChunk
	if budget <= 0 {
		budget = 40000
	}

	var chunks []domain.DiffChunk
	var current []domain.FileDiff
	currentTokens := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		chunks = append(chunks, domain.DiffChunk{Files: current})
		current = nil
		currentTokens = 0
	}

	for _, fd := range ordered {
		t := EstimateTokens(fd.RawDiff)
		if t > budget {
			flush()
			chunks = append(chunks, domain.DiffChunk{Files: []domain.FileDiff{fd}})
			continue
		}
		if currentTokens+t > budget && len(current) > 0 {
			flush()
		}
		current = append(current, fd)
		currentTokens += t
	}
	flush()

	if opts.MaxChunks >= 0 && len(chunks) > opts.MaxChunks {
		chunks = chunks[:opts.MaxChunks]
	}
	return chunks
}

func filterIgnored(diffs []domain.FileDiff, ignore []string) []domain.FileDiff {
	if len(ignore) == 0 {
		return diffs
	}
	out := make([]domain.FileDiff, 0, len(diffs))
	for _, fd := range diffs {
		if matchesAny(fd.Path(), ignore) {
			continue
		}
		out = append(out, fd)
	}
	return out
}

func prioritize(diffs []domain.FileDiff, patterns []string) []domain.FileDiff {
	if len(patterns) == 0 {
		return diffs
	}
	prioritized := make([]domain.FileDiff, 0, len(diffs))
	rest := make([]domain.FileDiff, 0, len(diffs))
	for _, fd := range diffs {
		if matchesAny(fd.Path(), patterns) {
			prioritized = append(prioritized, fd)
		} else {
			rest = append(rest, fd)
		}
	}
	return append(prioritized, rest...)
}

func matchesAny(path string, patterns []string) bool {
	base := filepath.Base(path)
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}
		if ok, _ := filepath.Match(p, path); ok {
			return true
		}
		if strings.Contains(path, p) {
			return true
		}
	}
	return false
}
