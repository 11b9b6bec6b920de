// Package domain holds the canonical data structures shared across the
// review pipeline: webhook -> supervisor -> orchestrator -> publisher.
package domain

import (
	"strconv"
	"time"
)

// MergeRequestRef is the unique coordinate of a merge request on the Forge.
type MergeRequestRef struct {
	ProjectID int64
	MRIID     int64
}

// Key returns the dedup key "{project}:{mr}" that CommitTracker
// prefixes its per-commit cache keys with.
func (r MergeRequestRef) Key() string {
	return strconv.FormatInt(r.ProjectID, 10) + ":" + strconv.FormatInt(r.MRIID, 10)
}

// DiffRefs anchors an inline comment to a specific version of the diff.
// Fetched once per review and held immutable for its lifetime.
type DiffRefs struct {
	BaseSHA  string
	StartSHA string
	HeadSHA  string
}

// LineKind classifies a line inside a diff hunk.
type LineKind string

const (
	LineAdded   LineKind = "added"
	LineRemoved LineKind = "removed"
	LineContext LineKind = "context"
)

// HunkLine is one physical line inside a Hunk.
type HunkLine struct {
	Kind LineKind
	Text string
}

// Hunk is a contiguous region of a unified diff.
type Hunk struct {
	OldStart int
	OldCount int
	NewStart int
	NewCount int
	Lines    []HunkLine
}

// FileDiff is the parsed diff for a single file.
type FileDiff struct {
	OldPath    string
	NewPath    string
	Hunks      []Hunk
	IsNew      bool
	IsDeleted  bool
	IsRenamed  bool
	RawDiff    string // the unified-diff fragment as returned by the Forge
}

// Path returns the path a line-position lookup should key on: the new
// path, or the old path for a deleted file that has no new path.
func (f FileDiff) Path() string {
	if f.NewPath != "" {
		return f.NewPath
	}
	return f.OldPath
}

// DiffChunk is an ordered group of FileDiffs whose serialized size
// stays under a configured token budget (spec.md §3).
type DiffChunk struct {
	Files []FileDiff
}

// FilePaths returns the chunk's member file paths, in order.
func (c DiffChunk) FilePaths() []string {
	paths := make([]string, len(c.Files))
	for i, f := range c.Files {
		paths[i] = f.Path()
	}
	return paths
}

// CritiqueType classifies an LLM critique.
type CritiqueType string

const (
	CritiqueIssue      CritiqueType = "issue"
	CritiqueSuggestion CritiqueType = "suggestion"
	CritiqueQuestion   CritiqueType = "question"
	CritiqueSummary    CritiqueType = "summary"
)

// Severity ranks a critique's importance.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Critique is one normalized feedback item returned by the LLM.
type Critique struct {
	File     string
	Line     *int // nil for file-level/summary critiques
	Comment  string
	Type     CritiqueType
	Severity Severity
}

// FormattedComment is a Critique enriched with presentation fields,
// ready for CommentPublisher to render as markdown.
type FormattedComment struct {
	Critique
	Title        string
	CodeSnippet  string
	Suggestion   string
}

// IsInline reports whether this comment targets a specific line.
func (f FormattedComment) IsInline() bool {
	return f.Line != nil
}

// CommentBatch groups everything a single review run will publish.
type CommentBatch struct {
	Summary        string
	FileComments   []FormattedComment // line == nil
	InlineComments []FormattedComment // line != nil
}

// ReviewedCommit is a CommitTracker cache entry.
type ReviewedCommit struct {
	ProjectID    int64
	MRIID        int64
	CommitSHA    string
	ReviewedAt   time.Time
	CommentCount int
	ExpiresAt    time.Time
}

// TrackedComment is a prior note authored by the bot, as listed by
// CommentTracker for cleanup-policy application.
type TrackedComment struct {
	CommentID    string
	NoteID       string
	DiscussionID string // empty for a general (non-inline) note
	Body         string
	Author       string
	CreatedAt    time.Time
	IsInline     bool
	FilePath     string
	LineNumber   int
}

// TaskState is a ReviewTask lifecycle state. Transitions are monotonic:
// pending -> running -> {completed, failed, cancelled}.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
)

// ReviewResult is what a completed ReviewTask carries.
type ReviewResult struct {
	Status         string
	ProcessingTime time.Duration
	FilesReviewed  int
	ChunksTotal    int
	ChunksFailed   int
	CommentsPosted int
	PromptTokens   int
	CompletionTokens int
	TotalTokens    int
	Message        string
}

// ReviewTask is the supervisor's record of one submitted review.
type ReviewTask struct {
	TaskID      string
	MR          MergeRequestRef
	HeadSHA     string
	State       TaskState
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Progress    float64
	Message     string
	Result      *ReviewResult
	Error       string
}
