package dedup

import (
	"context"
	"log/slog"

	"github.com/nolood/review-bot-sub000/internal/domain"
	"github.com/nolood/review-bot-sub000/internal/forge"
)

// CleanupStrategy selects which of the bot's prior notes get removed
// before a new review run posts its comments.
type CleanupStrategy string

const (
	StrategyDeleteAll         CleanupStrategy = "delete_all"
	StrategyDeleteSummaryOnly CleanupStrategy = "delete_summary_only"
	StrategyKeepAll           CleanupStrategy = "keep_all"
	StrategyDeleteOutdated    CleanupStrategy = "delete_outdated"
)

// NoteClient is the subset of forge.Client the tracker needs.
type NoteClient interface {
	ListNotes(ctx context.Context, ref domain.MergeRequestRef) ([]forge.NoteSummary, error)
	DeleteNote(ctx context.Context, ref domain.MergeRequestRef, noteID string) error
	ListDiscussions(ctx context.Context, ref domain.MergeRequestRef) ([]forge.Discussion, error)
	DeleteDiscussionNote(ctx context.Context, ref domain.MergeRequestRef, discussionID, noteID string) error
}

// CommentTracker lists and removes the bot's own prior notes on a MR,
// applying one of the cleanup strategies before a new batch of review
// comments is published (spec.md §4.7, C7).
type CommentTracker struct {
	client      NoteClient
	botUsername string
}

// NewCommentTracker builds a CommentTracker. botUsername identifies
// which notes belong to the bot; notes from any other author are never
// touched.
func NewCommentTracker(client NoteClient, botUsername string) *CommentTracker {
	return &CommentTracker{client: client, botUsername: botUsername}
}

// CleanupResult tallies a cleanup run's outcome.
type CleanupResult struct {
	DeletedCount int
	FailedCount  int
	KeptCount    int
	Errors       []error
}

// BotNotes returns every general (non-inline) note on ref authored by
// the bot, excluding system notes.
func (t *CommentTracker) BotNotes(ctx context.Context, ref domain.MergeRequestRef) ([]forge.NoteSummary, error) {
	notes, err := t.client.ListNotes(ctx, ref)
	if err != nil {
		return nil, err
	}
	out := make([]forge.NoteSummary, 0, len(notes))
	for _, n := range notes {
		if n.System || n.Author != t.botUsername {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// botDiscussionNote is one inline note the bot authored, along with
// the discussion thread it lives in (needed to address the delete
// endpoint, which is scoped per-discussion).
type botDiscussionNote struct {
	discussionID string
	noteID       string
}

// botDiscussionNotes returns every inline note across all of ref's
// discussion threads authored by the bot, excluding system notes.
func (t *CommentTracker) botDiscussionNotes(ctx context.Context, ref domain.MergeRequestRef) ([]botDiscussionNote, error) {
	discussions, err := t.client.ListDiscussions(ctx, ref)
	if err != nil {
		return nil, err
	}
	var out []botDiscussionNote
	for _, d := range discussions {
		for _, n := range d.Notes {
			if n.System || n.Author != t.botUsername {
				continue
			}
			out = append(out, botDiscussionNote{discussionID: d.ID, noteID: n.ID})
		}
	}
	return out, nil
}

// Cleanup fetches the bot's notes on ref and deletes whichever ones
// strategy selects. KeepAll never calls the Forge at all.
// DeleteSummaryOnly only ever touches general notes (the "summary",
// per spec.md's CommentBatch split). DeleteAll and DeleteOutdated also
// remove the bot's inline discussion notes; DeleteOutdated collapses
// to DeleteAll's behavior since distinguishing "outdated" from
// "current" would need each note's originating commit, which the
// Forge's discussions payload does not expose.
func (t *CommentTracker) Cleanup(ctx context.Context, ref domain.MergeRequestRef, strategy CleanupStrategy) CleanupResult {
	var res CleanupResult

	if strategy == StrategyKeepAll {
		return res
	}

	notes, err := t.BotNotes(ctx, ref)
	if err != nil {
		res.Errors = append(res.Errors, err)
		return res
	}

	toDelete := selectForDeletion(notes, strategy)
	res.KeptCount = len(notes) - len(toDelete)

	for _, n := range toDelete {
		if err := t.client.DeleteNote(ctx, ref, n.ID); err != nil {
			res.FailedCount++
			res.Errors = append(res.Errors, err)
			slog.Warn("failed to delete bot note", "note_id", n.ID, "error", err)
			continue
		}
		res.DeletedCount++
	}

	if strategy != StrategyDeleteAll && strategy != StrategyDeleteOutdated {
		return res
	}

	discNotes, err := t.botDiscussionNotes(ctx, ref)
	if err != nil {
		res.Errors = append(res.Errors, err)
		return res
	}
	for _, n := range discNotes {
		if err := t.client.DeleteDiscussionNote(ctx, ref, n.discussionID, n.noteID); err != nil {
			res.FailedCount++
			res.Errors = append(res.Errors, err)
			slog.Warn("failed to delete bot discussion note", "discussion_id", n.discussionID, "note_id", n.noteID, "error", err)
			continue
		}
		res.DeletedCount++
	}
	return res
}

// selectForDeletion filters general notes per strategy.
func selectForDeletion(notes []forge.NoteSummary, strategy CleanupStrategy) []forge.NoteSummary {
	switch strategy {
	case StrategyDeleteAll, StrategyDeleteOutdated, StrategyDeleteSummaryOnly:
		return notes
	default:
		return nil
	}
}
