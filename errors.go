package diligent

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrorKind is the closed provider-error taxonomy. Every vendor error is
// classified into exactly one of these before the retry wrapper or the
// agent loop ever sees it.
type ErrorKind string

const (
	ErrorKindRateLimit       ErrorKind = "rate_limit"
	ErrorKindOverloaded      ErrorKind = "overloaded"
	ErrorKindContextOverflow ErrorKind = "context_overflow"
	ErrorKindAuth            ErrorKind = "auth"
	ErrorKindNetwork         ErrorKind = "network"
	ErrorKindUnknown         ErrorKind = "unknown"
)

// Retryable reports whether the retry wrapper should re-drive a call that
// failed with this kind.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorKindRateLimit, ErrorKindOverloaded, ErrorKindNetwork:
		return true
	default:
		return false
	}
}

// ProviderError is the single error type providers, the retry wrapper, and
// the agent loop pass around. Message is the vendor's human-readable text;
// StatusCode is the HTTP status when one applies (0 for transport errors).
type ProviderError struct {
	Kind         ErrorKind
	Message      string
	StatusCode   int
	RetryAfterMs int64
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (http %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// contextOverflowPhrases are substrings vendors use in 400-level error
// bodies when a request exceeds the model's context window. Classification
// is textual because vendors do not agree on a dedicated status code.
var contextOverflowPhrases = []string{
	"context length",
	"context_length",
	"too many tokens",
	"exceeds the model",
	"maximum context length",
	"prompt is too long",
}

// ClassifyHTTPError maps an HTTP status code and response body to a
// ProviderError per the closed taxonomy.
func ClassifyHTTPError(status int, body string, retryAfterHeader, retryAfterMsHeader string) *ProviderError {
	lower := strings.ToLower(body)
	switch {
	case status == 429:
		return &ProviderError{Kind: ErrorKindRateLimit, Message: body, StatusCode: status, RetryAfterMs: parseRetryAfter(retryAfterHeader, retryAfterMsHeader)}
	case status == 529:
		return &ProviderError{Kind: ErrorKindOverloaded, Message: body, StatusCode: status}
	case status == 400 && containsAny(lower, contextOverflowPhrases):
		return &ProviderError{Kind: ErrorKindContextOverflow, Message: body, StatusCode: status}
	case status == 401 || status == 403:
		return &ProviderError{Kind: ErrorKindAuth, Message: body, StatusCode: status}
	default:
		return &ProviderError{Kind: ErrorKindUnknown, Message: body, StatusCode: status}
	}
}

// ClassifyTransportError maps a transport-level (non-HTTP) failure, such
// as a dial or read error, to a ProviderError.
func ClassifyTransportError(err error) *ProviderError {
	msg := err.Error()
	lower := strings.ToLower(msg)
	if containsAny(lower, []string{"econnrefused", "econnreset", "etimedout", "fetch failed", "network", "connection reset", "i/o timeout"}) {
		return &ProviderError{Kind: ErrorKindNetwork, Message: msg}
	}
	return &ProviderError{Kind: ErrorKindUnknown, Message: msg}
}

func containsAny(s string, substrs []string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// parseRetryAfter prefers retry-after-ms (milliseconds) and falls back to
// retry-after (seconds). Returns 0 when neither header is present or parses.
func parseRetryAfter(retryAfter, retryAfterMs string) int64 {
	if retryAfterMs != "" {
		if ms, err := strconv.ParseInt(strings.TrimSpace(retryAfterMs), 10, 64); err == nil {
			return ms
		}
	}
	if retryAfter != "" {
		if secs, err := strconv.ParseInt(strings.TrimSpace(retryAfter), 10, 64); err == nil {
			return secs * 1000
		}
	}
	return 0
}

// Sentinel and structured errors outside the provider taxonomy.

var (
	// ErrUnknownTool is wrapped into a tool-result error, never surfaced
	// as a fatal agent error.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrInvalidArgs is wrapped into a tool-result error when schema
	// validation of a tool call's input fails.
	ErrInvalidArgs = errors.New("invalid arguments")
	// ErrCancelled marks an agent-loop or retry-wrapper abort triggered
	// by the caller's cancellation signal.
	ErrCancelled = errors.New("cancelled")
)

// ErrSessionVersion is returned by Resume when a session file's
// header version exceeds the version this build understands.
type ErrSessionVersion struct {
	SessionID string
	Got, Want int
}

func (e *ErrSessionVersion) Error() string {
	return fmt.Sprintf("session %s: unsupported version %d (want <= %d)", e.SessionID, e.Got, e.Want)
}

// ErrCorruptSession marks a session file that failed to parse; list()
// skips these rather than failing the whole enumeration.
type ErrCorruptSession struct {
	Path string
	Err  error
}

func (e *ErrCorruptSession) Error() string {
	return fmt.Sprintf("corrupt session file %s: %v", e.Path, e.Err)
}

func (e *ErrCorruptSession) Unwrap() error { return e.Err }

// FatalError is the serializable form of an uncaught exception within the
// agent loop, carried on the error{fatal:true} AgentEvent.
type FatalError struct {
	Message string `json:"message"`
	Name    string `json:"name"`
	Stack   string `json:"stack,omitempty"`
}

func (e *FatalError) Error() string { return e.Message }

// NewFatalError wraps an arbitrary error into the serializable form used
// on the error{fatal:true} event and the agent_end{} it precedes.
func NewFatalError(err error) *FatalError {
	name := "error"
	var pe *ProviderError
	if errors.As(err, &pe) {
		name = string(pe.Kind)
	}
	return &FatalError{Message: err.Error(), Name: name}
}

// looksLikeContextOverflow does the substring match the session manager
// uses to recognize a reactive-compaction trigger even when the error
// reaches it already serialized to plain text (e.g. via FatalError).
func looksLikeContextOverflow(msg string) bool {
	return containsAny(strings.ToLower(msg), contextOverflowPhrases)
}
