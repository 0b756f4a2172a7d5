package gemini

import (
	"context"
	"errors"
	"iter"
	"testing"

	"google.golang.org/genai"

	"github.com/WessleyAI/docchat/pkg/llm"
)

func textResponse(s string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Role: "model", Parts: []*genai.Part{{Text: s}}},
	}}}
}

func fakeStream(items []*genai.GenerateContentResponse, failAfter error, seen **genai.GenerateContentConfig) streamFunc {
	return func(_ context.Context, _ string, _ []*genai.Content, cfg *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
		*seen = cfg
		return func(yield func(*genai.GenerateContentResponse, error) bool) {
			for _, it := range items {
				if !yield(it, nil) {
					return
				}
			}
			if failAfter != nil {
				yield(nil, failAfter)
			}
		}
	}
}

func TestStream(t *testing.T) {
	last := textResponse("lo")
	last.UsageMetadata = &genai.GenerateContentResponseUsageMetadata{PromptTokenCount: 30, CandidatesTokenCount: 2}
	var cfg *genai.GenerateContentConfig
	c := &Client{model: "gemini-pro", stream: fakeStream([]*genai.GenerateContentResponse{textResponse("Hel"), last}, nil, &cfg)}

	var got []string
	out, err := c.Stream(context.Background(), llm.Request{
		Messages:    []llm.Message{{Role: llm.RoleSystem, Content: "be brief"}, {Role: llm.RoleUser, Content: "hi"}},
		Temperature: 0.7,
		MaxTokens:   500,
	}, func(s string) error { got = append(got, s); return nil })
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if len(got) != 2 || out.Text != "Hello" {
		t.Fatalf("fragments %v text %q", got, out.Text)
	}
	if out.Usage.InputTokens != 30 || out.Usage.OutputTokens != 2 || !out.Usage.Reported {
		t.Fatalf("usage %+v", out.Usage)
	}
	if cfg.SystemInstruction == nil || cfg.MaxOutputTokens != 500 {
		t.Fatalf("config not built: %+v", cfg)
	}
}

func TestStreamErrorKeepsPartial(t *testing.T) {
	var cfg *genai.GenerateContentConfig
	c := &Client{model: "gemini-pro", stream: fakeStream([]*genai.GenerateContentResponse{textResponse("par")}, errors.New("reset"), &cfg)}
	out, err := c.Generate(context.Background(), llm.Request{})
	var pe *llm.ProviderError
	if !errors.As(err, &pe) || !pe.Transient() {
		t.Fatalf("expected transient provider error, got %v", err)
	}
	if out.Text != "par" {
		t.Fatalf("partial text %q", out.Text)
	}
}

func TestStreamEmpty(t *testing.T) {
	var cfg *genai.GenerateContentConfig
	c := &Client{model: "gemini-pro", stream: fakeStream(nil, nil, &cfg)}
	if _, err := c.Generate(context.Background(), llm.Request{}); !errors.Is(err, llm.ErrEmptyResponse) {
		t.Fatalf("expected ErrEmptyResponse, got %v", err)
	}
}
