// Package forge implements the REST client for the Git-hosting Forge
// (GitLab-shaped API): merge request metadata, raw diffs, notes, and
// discussions (spec.md §4.2, C1).
package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nolood/review-bot-sub000/internal/apperr"
	"github.com/nolood/review-bot-sub000/internal/diffparser"
	"github.com/nolood/review-bot-sub000/internal/domain"
	"github.com/nolood/review-bot-sub000/internal/metrics"
	"github.com/nolood/review-bot-sub000/internal/retry"
)

// tokenRoundTripper injects the bearer token on every outbound
// request. Modeled on the teacher's client.TokenRoundTripper.
type tokenRoundTripper struct {
	base  http.RoundTripper
	token string
}

func (t *tokenRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+t.token)
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// positionRejectedMarkers are substrings GitLab's 400 response bodies
// carry when a note's position/line_code was rejected outright, as
// opposed to some other validation failure. CommentPublisher uses
// ForgeAPIError.PositionRejected, never these strings directly.
// The fourth marker is compound: both "bad request" and "note" must
// appear in the body (spec.md §4.5 item 3).
var positionRejectedMarkers = []string{
	"line_code",
	"can't be blank",
	"must be a valid line code",
}

const (
	positionRejectedCompoundA = "bad request"
	positionRejectedCompoundB = "note"
)

// Client is the Forge REST client. One instance is shared across all
// concurrent reviews; it holds no per-review state.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      retry.Policy
}

// New builds a Client. timeout bounds every individual HTTP call;
// retry governs the backoff schedule Do() applies around each call.
func New(baseURL, token string, timeout time.Duration, policy retry.Policy) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Transport: &tokenRoundTripper{token: token},
			Timeout:   timeout,
		},
		retry: policy,
	}
}

// MergeRequest is the subset of MR metadata the orchestrator needs.
type MergeRequest struct {
	IID          int64
	Title        string
	Description  string
	SourceBranch string
	TargetBranch string
	Draft        bool
	WorkInProgress bool
	Labels       []string
	Author       string
	DiffRefs     domain.DiffRefs
}

// GetMergeRequest fetches MR metadata.
func (c *Client) GetMergeRequest(ctx context.Context, ref domain.MergeRequestRef) (*MergeRequest, error) {
	path := fmt.Sprintf("/projects/%d/merge_requests/%d", ref.ProjectID, ref.MRIID)
	body, err := c.doJSON(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	r := gjson.ParseBytes(body)
	labels := make([]string, 0)
	for _, l := range r.Get("labels").Array() {
		labels = append(labels, l.String())
	}

	return &MergeRequest{
		IID:            r.Get("iid").Int(),
		Title:          r.Get("title").String(),
		Description:    r.Get("description").String(),
		SourceBranch:   r.Get("source_branch").String(),
		TargetBranch:   r.Get("target_branch").String(),
		Draft:          r.Get("draft").Bool(),
		WorkInProgress: r.Get("work_in_progress").Bool(),
		Labels:         labels,
		Author:         r.Get("author.username").String(),
		DiffRefs: domain.DiffRefs{
			BaseSHA:  r.Get("diff_refs.base_sha").String(),
			StartSHA: r.Get("diff_refs.start_sha").String(),
			HeadSHA:  r.Get("diff_refs.head_sha").String(),
		},
	}, nil
}

// GetDiffs fetches every per-file unified diff for the MR's current
// version. Callers pass the result straight through diffparser.ParseAll.
func (c *Client) GetDiffs(ctx context.Context, ref domain.MergeRequestRef) ([]diffparser.RawFileDiff, error) {
	path := fmt.Sprintf("/projects/%d/merge_requests/%d/diffs", ref.ProjectID, ref.MRIID)
	body, err := c.doJSON(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	results := gjson.ParseBytes(body).Array()
	out := make([]diffparser.RawFileDiff, 0, len(results))
	for _, f := range results {
		out = append(out, diffparser.RawFileDiff{
			OldPath:     f.Get("old_path").String(),
			NewPath:     f.Get("new_path").String(),
			Diff:        f.Get("diff").String(),
			NewFile:     f.Get("new_file").Bool(),
			DeletedFile: f.Get("deleted_file").Bool(),
			RenamedFile: f.Get("renamed_file").Bool(),
		})
	}
	return out, nil
}

// NotePosition anchors an inline note to a diff location.
type NotePosition struct {
	BaseSHA      string
	StartSHA     string
	HeadSHA      string
	OldPath      string
	NewPath      string
	OldLine      *int
	NewLine      *int
	LineCode     string
}

// CreateDiscussion posts an inline comment as a new discussion thread.
// On a 400 whose body matches a position-rejection marker, the
// returned *apperr.ForgeAPIError has PositionRejected set so the
// publisher can retry as a general note instead of inspecting strings
// itself.
func (c *Client) CreateDiscussion(ctx context.Context, ref domain.MergeRequestRef, body string, pos NotePosition) (string, error) {
	payload := map[string]any{
		"body": body,
		"position": map[string]any{
			"base_sha":      pos.BaseSHA,
			"start_sha":     pos.StartSHA,
			"head_sha":      pos.HeadSHA,
			"old_path":      pos.OldPath,
			"new_path":      pos.NewPath,
			"position_type": "text",
		},
	}
	if pos.OldLine != nil {
		payload["position"].(map[string]any)["old_line"] = *pos.OldLine
	}
	if pos.NewLine != nil {
		payload["position"].(map[string]any)["new_line"] = *pos.NewLine
	}
	if pos.LineCode != "" {
		payload["position"].(map[string]any)["line_code"] = pos.LineCode
	}

	path := fmt.Sprintf("/projects/%d/merge_requests/%d/discussions", ref.ProjectID, ref.MRIID)
	respBody, err := c.doJSON(ctx, http.MethodPost, path, payload)
	if err != nil {
		return "", markPositionRejected(err)
	}
	return gjson.GetBytes(respBody, "id").String(), nil
}

// CreateNote posts a general (non-inline) note on the MR.
func (c *Client) CreateNote(ctx context.Context, ref domain.MergeRequestRef, body string) (string, error) {
	path := fmt.Sprintf("/projects/%d/merge_requests/%d/notes", ref.ProjectID, ref.MRIID)
	respBody, err := c.doJSON(ctx, http.MethodPost, path, map[string]any{"body": body})
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(respBody, "id").String(), nil
}

// ListNotes returns the MR's notes, oldest first, from a single page
// of at most 100; later pages are not fetched.
func (c *Client) ListNotes(ctx context.Context, ref domain.MergeRequestRef) ([]NoteSummary, error) {
	path := fmt.Sprintf("/projects/%d/merge_requests/%d/notes?per_page=100&order_by=created_at&sort=asc", ref.ProjectID, ref.MRIID)
	body, err := c.doJSON(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	results := gjson.ParseBytes(body).Array()
	out := make([]NoteSummary, 0, len(results))
	for _, n := range results {
		out = append(out, NoteSummary{
			ID:     n.Get("id").String(),
			Body:   n.Get("body").String(),
			Author: n.Get("author.username").String(),
			System: n.Get("system").Bool(),
		})
	}
	return out, nil
}

// NoteSummary is the subset of a note's fields CommentTracker needs to
// apply a cleanup policy.
type NoteSummary struct {
	ID     string
	Body   string
	Author string
	System bool
}

// DeleteNote removes a note by ID.
func (c *Client) DeleteNote(ctx context.Context, ref domain.MergeRequestRef, noteID string) error {
	path := fmt.Sprintf("/projects/%d/merge_requests/%d/notes/%s", ref.ProjectID, ref.MRIID, noteID)
	_, err := c.doJSON(ctx, http.MethodDelete, path, nil)
	return err
}

// ResolveDiscussion marks a discussion thread resolved.
func (c *Client) ResolveDiscussion(ctx context.Context, ref domain.MergeRequestRef, discussionID string) error {
	path := fmt.Sprintf("/projects/%d/merge_requests/%d/discussions/%s?resolved=true", ref.ProjectID, ref.MRIID, discussionID)
	_, err := c.doJSON(ctx, http.MethodPut, path, nil)
	return err
}

// DiscussionNote is one note within a discussion thread.
type DiscussionNote struct {
	ID     string
	Body   string
	Author string
	System bool
}

// Discussion is an inline comment thread: its id plus every note
// posted to it, opening note first.
type Discussion struct {
	ID    string
	Notes []DiscussionNote
}

// ListDiscussions returns the MR's discussion threads, inline and
// non-inline alike, from the first page of the Forge's default page
// size (later pages are not fetched), so CommentTracker can clean up bot-authored
// inline comments as well as general notes (spec.md §4.6 policy
// table: "every bot note, summary + inline").
func (c *Client) ListDiscussions(ctx context.Context, ref domain.MergeRequestRef) ([]Discussion, error) {
	path := fmt.Sprintf("/projects/%d/merge_requests/%d/discussions", ref.ProjectID, ref.MRIID)
	body, err := c.doJSON(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	results := gjson.ParseBytes(body).Array()
	out := make([]Discussion, 0, len(results))
	for _, d := range results {
		notes := d.Get("notes").Array()
		discNotes := make([]DiscussionNote, 0, len(notes))
		for _, n := range notes {
			discNotes = append(discNotes, DiscussionNote{
				ID:     n.Get("id").String(),
				Body:   n.Get("body").String(),
				Author: n.Get("author.username").String(),
				System: n.Get("system").Bool(),
			})
		}
		out = append(out, Discussion{ID: d.Get("id").String(), Notes: discNotes})
	}
	return out, nil
}

// DeleteDiscussionNote removes one note from an inline discussion
// thread.
func (c *Client) DeleteDiscussionNote(ctx context.Context, ref domain.MergeRequestRef, discussionID, noteID string) error {
	path := fmt.Sprintf("/projects/%d/merge_requests/%d/discussions/%s/notes/%s", ref.ProjectID, ref.MRIID, discussionID, noteID)
	_, err := c.doJSON(ctx, http.MethodDelete, path, nil)
	return err
}

// DiscussionFirstAuthor fetches a discussion's opening note's author
// username, used by WebhookDispatcher to confirm a "done" reply lands
// on a discussion the bot itself started before resolving it.
func (c *Client) DiscussionFirstAuthor(ctx context.Context, ref domain.MergeRequestRef, discussionID string) (string, error) {
	path := fmt.Sprintf("/projects/%d/merge_requests/%d/discussions/%s", ref.ProjectID, ref.MRIID, discussionID)
	body, err := c.doJSON(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(body, "notes.0.author.username").String(), nil
}

// doJSON executes one request with retry.Do wrapping the transport
// call, returning the response body on any 2xx and a typed
// *apperr.ForgeAPIError otherwise.
func (c *Client) doJSON(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var respBody []byte

	err := retry.Do(ctx, c.retry, func(ctx context.Context) error {
		var reqBody io.Reader
		if payload != nil {
			b, err := json.Marshal(payload)
			if err != nil {
				return err
			}
			reqBody = bytes.NewReader(b)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			metrics.ForgeAPIErrors.WithLabelValues(path, strconv.Itoa(resp.StatusCode)).Inc()
			return &apperr.ForgeAPIError{
				Status:   resp.StatusCode,
				Endpoint: path,
				Body:     string(body),
			}
		}

		respBody = body
		return nil
	})

	return respBody, err
}

// markPositionRejected inspects a ForgeAPIError's body once, at the
// single call site that needs it, and sets PositionRejected so every
// downstream consumer branches on the typed field (spec.md §4.5 item
// 3, §7: never sniff error strings again after this point).
func markPositionRejected(err error) error {
	apiErr, ok := err.(*apperr.ForgeAPIError)
	if !ok || apiErr.Status != http.StatusBadRequest {
		return err
	}
	lower := strings.ToLower(apiErr.Body)
	for _, marker := range positionRejectedMarkers {
		if strings.Contains(lower, marker) {
			apiErr.PositionRejected = true
			return apiErr
		}
	}
	if strings.Contains(lower, positionRejectedCompoundA) && strings.Contains(lower, positionRejectedCompoundB) {
		apiErr.PositionRejected = true
	}
	return apiErr
}
