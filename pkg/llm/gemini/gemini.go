// Package gemini adapts Google's genai SDK to llm.Generator.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"google.golang.org/genai"

	"github.com/WessleyAI/docchat/pkg/llm"
)

type streamFunc func(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]

// Client implements llm.Generator on the Gemini API.
type Client struct {
	model  string
	stream streamFunc
}

var _ llm.Generator = (*Client)(nil)

// New creates a Gemini client for model using apiKey.
func New(ctx context.Context, apiKey, model string) (*Client, error) {
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	return &Client{model: model, stream: c.Models.GenerateContentStream}, nil
}

// Generate blocks until the full answer is available.
func (c *Client) Generate(ctx context.Context, req llm.Request) (llm.Completion, error) {
	return c.Stream(ctx, req, nil)
}

// Stream ranges over the SDK's response iterator and forwards text parts.
func (c *Client) Stream(ctx context.Context, req llm.Request, emit func(string) error) (llm.Completion, error) {
	contents, cfg := c.build(req)

	var out llm.Completion
	var text strings.Builder
	for resp, err := range c.stream(ctx, c.model, contents, cfg) {
		if err != nil {
			out.Text = text.String()
			if errors.Is(err, context.Canceled) {
				return out, err
			}
			return out, wrap(err)
		}
		if resp == nil {
			continue
		}
		if u := resp.UsageMetadata; u != nil {
			out.Usage = llm.Usage{
				InputTokens:  int(u.PromptTokenCount),
				OutputTokens: int(u.CandidatesTokenCount),
				Reported:     u.PromptTokenCount+u.CandidatesTokenCount > 0,
			}
		}
		frag := resp.Text()
		if frag == "" {
			continue
		}
		text.WriteString(frag)
		if emit != nil {
			if err := emit(frag); err != nil {
				out.Text = text.String()
				return out, err
			}
		}
	}
	out.Text = text.String()
	if out.Text == "" {
		return out, &llm.ProviderError{Provider: "google", Op: "chat", StatusCode: 200, Err: llm.ErrEmptyResponse}
	}
	return out, nil
}

func (c *Client) build(req llm.Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	temp := float32(req.Temperature)
	cfg := &genai.GenerateContentConfig{
		Temperature:     &temp,
		MaxOutputTokens: int32(req.MaxTokens),
	}
	var system []string
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			system = append(system, m.Content)
		case llm.RoleAssistant:
			contents = append(contents, &genai.Content{Role: "model", Parts: []*genai.Part{{Text: m.Content}}})
		default:
			contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{{Text: m.Content}}})
		}
	}
	if len(system) > 0 {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: strings.Join(system, "\n\n")}}}
	}
	return contents, cfg
}

func wrap(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &llm.ProviderError{Provider: "google", Op: "chat", StatusCode: apiErr.Code, Err: err}
	}
	return &llm.ProviderError{Provider: "google", Op: "chat", Err: err}
}
