// Package llm wraps the openai-go chat-completion client with the
// retry policy, JSON critique parsing, and token-usage accounting the
// review pipeline needs (spec.md §4.6, C2). One unary request per
// chunk — no streaming, no tool-calling loop.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/nolood/review-bot-sub000/internal/apperr"
	"github.com/nolood/review-bot-sub000/internal/domain"
	"github.com/nolood/review-bot-sub000/internal/retry"
)

const systemPrompt = `You are an automated code reviewer. You will be given a unified diff ` +
	`chunk. Respond ONLY with a JSON object of the form:
{"comments": [
  {"file": "path", "line": 123, "type": "issue|suggestion|question|summary", "severity": "low|medium|high|critical", "comment": "text"}
]}
"line" is the new-file line number and may be omitted for file-level or summary feedback.`

// Client submits diff chunks to the LLM and returns normalized critiques.
type Client struct {
	oai         openai.Client
	model       string
	temperature float64
	maxTokens   int
	timeout     time.Duration
	retry       retry.Policy
}

// New builds an llm.Client. timeout bounds each individual call via a
// context deadline applied in Review, matching how ForgeClient bounds
// its own calls.
func New(apiURL, apiKey, model string, temperature float64, maxTokens int, timeout time.Duration, policy retry.Policy) *Client {
	return &Client{
		oai: openai.NewClient(
			option.WithAPIKey(apiKey),
			option.WithBaseURL(apiURL),
		),
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		timeout:     timeout,
		retry:       policy,
	}
}

// Usage reports the token accounting for one completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Review submits one chunk's diff text and returns the critiques the
// model extracted, plus the raw token usage for budget bookkeeping.
// On malformed JSON it falls back to a single medium-severity
// suggestion carrying the whole response, rather than discarding the completion
// (spec.md §4.6 item 5 — a parse failure should not mean zero signal).
func (c *Client) Review(ctx context.Context, diffText string) ([]domain.Critique, Usage, error) {
	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(diffText),
		},
		Temperature: openai.Float(c.temperature),
	}
	if c.maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(c.maxTokens))
	}
	jsonFormat := shared.NewResponseFormatJSONObjectParam()
	params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{OfJSONObject: &jsonFormat}

	var text string
	var usage Usage

	err := retry.Do(ctx, c.retry, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		resp, err := c.oai.Chat.Completions.New(callCtx, params)
		if err != nil {
			return wrapError(err)
		}
		if len(resp.Choices) == 0 {
			return &apperr.LLMError{Reason: "no choices in response"}
		}
		text = resp.Choices[0].Message.Content
		usage = Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		}
		return nil
	})
	if err != nil {
		return nil, Usage{}, err
	}

	critiques, parseErr := parseCritiques(text)
	if parseErr != nil {
		// spec.md §4.6 item 5: a parse failure degrades to a single
		// medium-severity suggestion targeted at no specific file,
		// carrying the raw completion text, rather than zero signal.
		return []domain.Critique{{
			Type:     domain.CritiqueSuggestion,
			Severity: domain.SeverityMedium,
			Comment:  text,
		}}, usage, nil
	}
	return critiques, usage, nil
}

type critiqueResponse struct {
	Comments []struct {
		File     string `json:"file"`
		Line     *int   `json:"line"`
		Type     string `json:"type"`
		Severity string `json:"severity"`
		Comment  string `json:"comment"`
	} `json:"comments"`
}

func parseCritiques(text string) ([]domain.Critique, error) {
	var parsed critiqueResponse
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return nil, err
	}

	out := make([]domain.Critique, 0, len(parsed.Comments))
	for _, c := range parsed.Comments {
		out = append(out, domain.Critique{
			File:     c.File,
			Line:     c.Line,
			Comment:  c.Comment,
			Type:     normalizeCritiqueType(c.Type),
			Severity: normalizeSeverity(c.Severity),
		})
	}
	return out, nil
}

func normalizeCritiqueType(t string) domain.CritiqueType {
	switch domain.CritiqueType(t) {
	case domain.CritiqueIssue, domain.CritiqueSuggestion, domain.CritiqueQuestion, domain.CritiqueSummary:
		return domain.CritiqueType(t)
	default:
		return domain.CritiqueIssue
	}
}

func normalizeSeverity(s string) domain.Severity {
	switch domain.Severity(s) {
	case domain.SeverityLow, domain.SeverityMedium, domain.SeverityHigh, domain.SeverityCritical:
		return domain.Severity(s)
	default:
		return domain.SeverityMedium
	}
}

// wrapError classifies an openai-go error as retriable for 429/5xx,
// matching ForgeAPIError's classification so retry.Do treats both
// clients' failures consistently.
func wrapError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &apperr.LLMError{
			Status:      apiErr.StatusCode,
			IsRetriable: apiErr.StatusCode == 429 || apiErr.StatusCode >= 500,
			Reason:      apiErr.Message,
		}
	}
	return fmt.Errorf("llm request: %w", err)
}
