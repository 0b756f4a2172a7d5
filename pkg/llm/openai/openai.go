// Package openai adapts langchaingo's OpenAI client to the llm contracts.
// It also serves OpenAI-compatible providers such as DeepSeek through BaseURL.
package openai

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	lcopenai "github.com/tmc/langchaingo/llms/openai"

	"github.com/WessleyAI/docchat/pkg/llm"
)

// Config selects the endpoint and models.
type Config struct {
	Provider       string // label used in errors, e.g. "openai" or "deepseek"
	APIKey         string
	BaseURL        string
	Model          string
	EmbeddingModel string
}

type contentGenerator interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

// Client implements llm.Generator.
type Client struct {
	provider string
	model    contentGenerator
}

var _ llm.Generator = (*Client)(nil)

func clientOptions(cfg Config) []lcopenai.Option {
	opts := []lcopenai.Option{lcopenai.WithToken(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, lcopenai.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Model != "" {
		opts = append(opts, lcopenai.WithModel(cfg.Model))
	}
	if cfg.EmbeddingModel != "" {
		opts = append(opts, lcopenai.WithEmbeddingModel(cfg.EmbeddingModel))
	}
	return opts
}

// New creates a chat client.
func New(cfg Config) (*Client, error) {
	m, err := lcopenai.New(clientOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("openai: new client: %w", err)
	}
	return newWithModel(cfg.Provider, m), nil
}

func newWithModel(provider string, m contentGenerator) *Client {
	if provider == "" {
		provider = "openai"
	}
	return &Client{provider: provider, model: m}
}

// Generate blocks until the full answer is available.
func (c *Client) Generate(ctx context.Context, req llm.Request) (llm.Completion, error) {
	return c.Stream(ctx, req, nil)
}

// Stream forwards fragments through langchaingo's streaming callback.
func (c *Client) Stream(ctx context.Context, req llm.Request, emit func(string) error) (llm.Completion, error) {
	var out llm.Completion
	var streamed []byte
	var emitErr error

	opts := []llms.CallOption{llms.WithTemperature(req.Temperature)}
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}
	if emit != nil {
		opts = append(opts, llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}
			streamed = append(streamed, chunk...)
			if err := emit(string(chunk)); err != nil {
				emitErr = err
				return err
			}
			return nil
		}))
	}

	resp, err := c.model.GenerateContent(ctx, toMessageContent(req.Messages), opts...)
	if err != nil {
		out.Text = string(streamed)
		if emitErr != nil {
			return out, emitErr
		}
		return out, c.wrap(err)
	}
	if len(resp.Choices) == 0 {
		return out, &llm.ProviderError{Provider: c.provider, Op: "chat", StatusCode: 200, Err: llm.ErrEmptyResponse}
	}

	choice := resp.Choices[0]
	out.Text = choice.Content
	if out.Text == "" {
		out.Text = string(streamed)
	}
	out.Usage = usageFrom(choice.GenerationInfo)
	return out, nil
}

func toMessageContent(msgs []llm.Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(msgs))
	for _, m := range msgs {
		role := llms.ChatMessageTypeHuman
		switch m.Role {
		case llm.RoleSystem:
			role = llms.ChatMessageTypeSystem
		case llm.RoleAssistant:
			role = llms.ChatMessageTypeAI
		}
		out = append(out, llms.TextParts(role, m.Content))
	}
	return out
}

func usageFrom(info map[string]any) llm.Usage {
	in, okIn := intField(info, "PromptTokens")
	outTok, okOut := intField(info, "CompletionTokens")
	return llm.Usage{InputTokens: in, OutputTokens: outTok, Reported: okIn && okOut && (in+outTok) > 0}
}

func intField(info map[string]any, key string) (int, bool) {
	switch v := info[key].(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

var statusPattern = regexp.MustCompile(`status code:? (\d{3})`)

func (c *Client) wrap(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	status := 0
	if m := statusPattern.FindStringSubmatch(err.Error()); m != nil {
		status, _ = strconv.Atoi(m[1])
	}
	return &llm.ProviderError{Provider: c.provider, Op: "chat", StatusCode: status, Err: err}
}

// Embedder implements llm.Embedder with langchaingo's embeddings package.
type Embedder struct {
	provider string
	impl     embeddings.Embedder
}

var _ llm.Embedder = (*Embedder)(nil)

// NewEmbedder creates an embedding client.
func NewEmbedder(cfg Config) (*Embedder, error) {
	m, err := lcopenai.New(clientOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("openai: new embedding client: %w", err)
	}
	impl, err := embeddings.NewEmbedder(m)
	if err != nil {
		return nil, fmt.Errorf("openai: new embedder: %w", err)
	}
	provider := cfg.Provider
	if provider == "" {
		provider = "openai"
	}
	return &Embedder{provider: provider, impl: impl}, nil
}

// Embed returns the embedding of a query.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v, err := e.impl.EmbedQuery(ctx, text)
	if err != nil {
		return nil, &llm.ProviderError{Provider: e.provider, Op: "embed", Err: err}
	}
	return v, nil
}

// EmbedBatch embeds documents in one call.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	v, err := e.impl.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, &llm.ProviderError{Provider: e.provider, Op: "embed batch", Err: err}
	}
	if len(v) != len(texts) {
		return nil, &llm.ProviderError{Provider: e.provider, Op: "embed batch", StatusCode: 200, Err: fmt.Errorf("got %d vectors for %d texts", len(v), len(texts))}
	}
	return v, nil
}
