// Package llm defines the provider-neutral contracts for language models and
// embedding providers.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a prompt.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is a generation request.
type Request struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Usage is the token accounting a provider reported. Reported is false when
// the provider gave no counts and the caller must estimate.
type Usage struct {
	InputTokens  int
	OutputTokens int
	Reported     bool
}

// Completion is the result of a generation. On a failed stream it holds the
// text emitted before the failure.
type Completion struct {
	Text  string
	Usage Usage
}

// Generator produces text from a prompt.
type Generator interface {
	Generate(ctx context.Context, req Request) (Completion, error)
	// Stream calls emit with every fragment in generation order. An error
	// returned by emit stops generation and is returned.
	Stream(ctx context.Context, req Request, emit func(fragment string) error) (Completion, error)
}

// Embedder maps text to fixed-dimension vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ProviderError is a failed call to a model provider. StatusCode is zero when
// the request never got an HTTP response.
type ProviderError struct {
	Provider   string
	Op         string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Provider, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Transient reports whether retrying may succeed: transport failures,
// rate limiting and server errors.
func (e *ProviderError) Transient() bool {
	if errors.Is(e.Err, context.Canceled) {
		return false
	}
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == http.StatusTooManyRequests, e.StatusCode == http.StatusRequestTimeout:
		return true
	case e.StatusCode >= 500:
		return true
	}
	return false
}

// ErrEmptyResponse is returned when a provider answered without content.
var ErrEmptyResponse = errors.New("empty response")
