// Package apperr defines the typed error hierarchy that ForgeClient,
// LLMClient, and the orchestration layers use instead of sniffing
// error strings. See spec.md §7.
package apperr

import "fmt"

// ConfigError signals invalid/missing configuration at startup.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "config error: " + e.Reason }

// ForgeAPIError is a non-2xx response from the Forge.
type ForgeAPIError struct {
	Status   int
	Endpoint string
	Body     string
	// PositionRejected is set by ForgeClient after inspecting a 400
	// response body for the recognized inline-position rejection
	// markers (spec.md §4.5 item 3). CommentPublisher branches on
	// this field, never on the error message.
	PositionRejected bool
}

func (e *ForgeAPIError) Error() string {
	return fmt.Sprintf("forge api error: %d %s", e.Status, e.Endpoint)
}

// Retriable reports whether the status warrants a transport retry.
func (e *ForgeAPIError) Retriable() bool {
	return e.Status == 429 || e.Status >= 500
}

// LLMError is a non-2xx or malformed-JSON response from the LLM.
type LLMError struct {
	Status       int
	IsRetriable  bool
	Reason       string
}

func (e *LLMError) Error() string {
	return fmt.Sprintf("llm error: status=%d retriable=%v %s", e.Status, e.IsRetriable, e.Reason)
}

// Retriable reports whether the LLM call warrants a transport retry.
func (e *LLMError) Retriable() bool { return e.IsRetriable }

// DiffParsingError marks a malformed hunk or bookkeeping inconsistency.
// It terminates the single review, never the process.
type DiffParsingError struct {
	File    string
	LineNo  int
	Excerpt string
}

func (e *DiffParsingError) Error() string {
	return fmt.Sprintf("diff parse error in %s at line %d: %s", e.File, e.LineNo, e.Excerpt)
}

// TokenLimitError marks a chunk that exceeds configured bounds before
// submission; the caller skips the chunk with a logged warning.
type TokenLimitError struct {
	Estimated int
	Budget    int
}

func (e *TokenLimitError) Error() string {
	return fmt.Sprintf("token limit exceeded: estimated=%d budget=%d", e.Estimated, e.Budget)
}

// RetryExhaustedError is emitted after the final retry attempt fails.
type RetryExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Last }

// ConcurrencyError is raised when the supervisor or dispatcher rejects
// admission. Kind distinguishes the reject reasons from spec.md
// §4.8/§4.9: the dispatcher answers too_many_reviews with 429 and
// already_reviewed with 200.
type ConcurrencyError struct {
	Kind string // "too_many_reviews" | "already_reviewed"
}

func (e *ConcurrencyError) Error() string { return "concurrency: " + e.Kind }

// ErrTooManyReviews and ErrAlreadyReviewed are the two admission-reject
// kinds the supervisor raises (spec.md §4.8).
var (
	ErrTooManyReviews  = &ConcurrencyError{Kind: "too_many_reviews"}
	ErrAlreadyReviewed = &ConcurrencyError{Kind: "already_reviewed"}
)
