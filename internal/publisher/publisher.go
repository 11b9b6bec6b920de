// Package publisher formats normalized critiques as GitLab-flavored
// markdown and publishes them through the Forge client, with the
// inline-to-general fallback protocol and rate limiting spec.md §4.5
// (C6) describes.
package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/nolood/review-bot-sub000/internal/apperr"
	"github.com/nolood/review-bot-sub000/internal/domain"
	"github.com/nolood/review-bot-sub000/internal/forge"
	"github.com/nolood/review-bot-sub000/internal/linemapper"
)

var severityEmoji = map[domain.Severity]string{
	domain.SeverityLow:      "💡",
	domain.SeverityMedium:   "⚠️",
	domain.SeverityHigh:     "🔴",
	domain.SeverityCritical: "🚨",
}

var typeEmoji = map[domain.CritiqueType]string{
	domain.CritiqueIssue:      "🐛",
	domain.CritiqueSuggestion: "💭",
	domain.CritiqueQuestion:   "❓",
	domain.CritiqueSummary:    "📋",
}

// ForgeClient is the subset of forge.Client the publisher needs,
// narrowed for testability.
type ForgeClient interface {
	CreateDiscussion(ctx context.Context, ref domain.MergeRequestRef, body string, pos forge.NotePosition) (string, error)
	CreateNote(ctx context.Context, ref domain.MergeRequestRef, body string) (string, error)
}

// Publisher posts a CommentBatch to a single MR, pacing requests and
// falling an inline comment back to a general note when the Forge
// rejects its position.
type Publisher struct {
	client ForgeClient
	mapper *linemapper.LineMapper
	delay  time.Duration
	lastAt time.Time
}

// New builds a Publisher. mapper may be nil if the diff couldn't be
// parsed; every inline comment then degrades straight to a general
// note.
func New(client ForgeClient, mapper *linemapper.LineMapper, apiRequestDelay time.Duration) *Publisher {
	return &Publisher{client: client, mapper: mapper, delay: apiRequestDelay}
}

// Result tallies what actually got published.
type Result struct {
	SummaryPublished   bool
	FileCommentsPosted int
	InlinePosted       int
	FallbackPosted     int
	Errors             []error
}

// Publish posts batch.Summary first, then every file and inline
// comment, grouped by file path and ordered stably within each group
// (spec.md §4.5: file-name-then-batch-index ordering).
func (p *Publisher) Publish(ctx context.Context, ref domain.MergeRequestRef, refs domain.DiffRefs, batch domain.CommentBatch) Result {
	var res Result

	if batch.Summary != "" {
		p.pace()
		if _, err := p.client.CreateNote(ctx, ref, formatSummary(batch.Summary)); err != nil {
			slog.Warn("publish summary failed", "error", err)
			res.Errors = append(res.Errors, err)
		} else {
			res.SummaryPublished = true
		}
	}

	ordered := orderByFileThenIndex(batch.FileComments, batch.InlineComments)
	for _, c := range ordered {
		p.pace()
		body := formatComment(c)

		if !c.IsInline() {
			if _, err := p.client.CreateNote(ctx, ref, body); err != nil {
				res.Errors = append(res.Errors, err)
				continue
			}
			res.FileCommentsPosted++
			continue
		}

		published, fallback, err := p.publishInline(ctx, ref, refs, c, body)
		if err != nil {
			res.Errors = append(res.Errors, err)
			continue
		}
		if fallback {
			res.FallbackPosted++
		} else if published {
			res.InlinePosted++
		}
	}

	return res
}

// publishInline validates the position against the LineMapper before
// ever calling the Forge; if that validation fails, or the Forge
// itself rejects the position (apperr.ForgeAPIError.PositionRejected),
// it retries as a general note carrying the original file:line intent
// in the note body (spec.md §4.5 item 3).
func (p *Publisher) publishInline(ctx context.Context, ref domain.MergeRequestRef, refs domain.DiffRefs, c domain.FormattedComment, body string) (published, fallback bool, err error) {
	line := *c.Line

	if p.mapper == nil || !p.mapper.IsValid(c.File, line) {
		_, ferr := p.client.CreateNote(ctx, ref, fallbackBody(body, c.File, line, "that line is not part of the diff"))
		return false, ferr == nil, ferr
	}

	info := p.mapper.Info(c.File, line)
	pos := forge.NotePosition{
		BaseSHA:  refs.BaseSHA,
		StartSHA: refs.StartSHA,
		HeadSHA:  refs.HeadSHA,
		NewPath:  c.File,
		OldPath:  c.File,
		NewLine:  &line,
	}
	if info != nil {
		pos.OldLine = info.OldLine
		pos.LineCode = info.LineCode
	}

	_, err = p.client.CreateDiscussion(ctx, ref, body, pos)
	if err == nil {
		return true, false, nil
	}

	var apiErr *apperr.ForgeAPIError
	if e, ok := err.(*apperr.ForgeAPIError); ok {
		apiErr = e
	}
	if apiErr == nil || !apiErr.PositionRejected {
		return false, false, err
	}

	slog.Warn("forge rejected inline position, falling back to general note", "file", c.File, "line", line)
	id, ferr := p.client.CreateNote(ctx, ref, fallbackBody(body, c.File, line, "the Forge rejected the inline position"))
	return false, ferr == nil && id != "", ferr
}

func fallbackBody(body, file string, line int, reason string) string {
	return fmt.Sprintf("%s\n\n---\n*Note: this comment was intended for `%s:%d`, but %s.*", body, file, line, reason)
}

// pace sleeps just enough to keep consecutive posts at least delay
// apart, mirroring the original bot's last-comment-time rate limiter.
func (p *Publisher) pace() {
	if p.delay <= 0 {
		return
	}
	if p.lastAt.IsZero() {
		p.lastAt = time.Now()
		return
	}
	if elapsed := time.Since(p.lastAt); elapsed < p.delay {
		time.Sleep(p.delay - elapsed)
	}
	p.lastAt = time.Now()
}

func formatSummary(summary string) string {
	timestamp := time.Now().UTC().Format("2006-01-02 15:04:05 UTC")
	return fmt.Sprintf("# 🤖 Code Review Summary\n\n%s\n\n---\n\n*Generated at %s*", summary, timestamp)
}

func formatComment(c domain.FormattedComment) string {
	sevEmoji := severityEmoji[c.Severity]
	tEmoji := typeEmoji[c.Type]

	header := sevEmoji + " " + tEmoji
	if c.Title != "" {
		header += fmt.Sprintf(" **%s**", c.Title)
	}

	parts := []string{header, "`" + string(c.Severity) + "`", "", c.Comment}

	if c.CodeSnippet != "" {
		parts = append(parts, "\n```\n"+c.CodeSnippet+"\n```")
	}
	if c.Suggestion != "" {
		parts = append(parts, "\n**Suggestion:** "+c.Suggestion)
	}
	if c.File != "" {
		fileInfo := "📁 `" + c.File + "`"
		if c.Line != nil {
			fileInfo += fmt.Sprintf(":%d", *c.Line)
		}
		parts = append(parts, "", fileInfo)
	}

	out := parts[0]
	for _, p := range parts[1:] {
		out += "\n" + p
	}
	return out
}

// orderByFileThenIndex groups file and inline comments by file path
// and returns them sorted by path, preserving each comment's relative
// order within its file (spec.md §4.5).
func orderByFileThenIndex(fileComments, inlineComments []domain.FormattedComment) []domain.FormattedComment {
	all := make([]domain.FormattedComment, 0, len(fileComments)+len(inlineComments))
	all = append(all, fileComments...)
	all = append(all, inlineComments...)

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].File < all[j].File
	})
	return all
}
