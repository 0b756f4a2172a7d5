package openai

import (
	"context"
	"errors"
	"testing"

	"github.com/tmc/langchaingo/llms"

	"github.com/WessleyAI/docchat/pkg/llm"
)

type fakeModel struct {
	fragments []string
	resp      *llms.ContentResponse
	err       error
	gotMsgs   []llms.MessageContent
	gotOpts   llms.CallOptions
}

func (f *fakeModel) GenerateContent(ctx context.Context, msgs []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.gotMsgs = msgs
	for _, o := range options {
		o(&f.gotOpts)
	}
	if f.gotOpts.StreamingFunc != nil {
		for _, frag := range f.fragments {
			if err := f.gotOpts.StreamingFunc(ctx, []byte(frag)); err != nil {
				return nil, err
			}
		}
	}
	return f.resp, f.err
}

func TestStreamForwardsFragmentsAndUsage(t *testing.T) {
	fm := &fakeModel{
		fragments: []string{"Hel", "lo"},
		resp: &llms.ContentResponse{Choices: []*llms.ContentChoice{{
			Content:        "Hello",
			GenerationInfo: map[string]any{"PromptTokens": 120, "CompletionTokens": 2},
		}}},
	}
	c := newWithModel("deepseek", fm)

	var got []string
	out, err := c.Stream(context.Background(), llm.Request{
		Messages:    []llm.Message{{Role: llm.RoleSystem, Content: "sys"}, {Role: llm.RoleUser, Content: "q"}, {Role: llm.RoleAssistant, Content: "a"}},
		Temperature: 0.7,
		MaxTokens:   500,
	}, func(s string) error { got = append(got, s); return nil })
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if len(got) != 2 || out.Text != "Hello" {
		t.Fatalf("fragments %v text %q", got, out.Text)
	}
	if !out.Usage.Reported || out.Usage.InputTokens != 120 || out.Usage.OutputTokens != 2 {
		t.Fatalf("usage %+v", out.Usage)
	}
	if fm.gotOpts.MaxTokens != 500 || fm.gotOpts.Temperature != 0.7 {
		t.Fatalf("options %+v", fm.gotOpts)
	}
	if fm.gotMsgs[0].Role != llms.ChatMessageTypeSystem || fm.gotMsgs[2].Role != llms.ChatMessageTypeAI {
		t.Fatalf("roles not mapped: %+v", fm.gotMsgs)
	}
}

func TestGenerateMapsStatus(t *testing.T) {
	fm := &fakeModel{err: errors.New("API returned unexpected status code: 429: rate limit")}
	_, err := newWithModel("", fm).Generate(context.Background(), llm.Request{})
	var pe *llm.ProviderError
	if !errors.As(err, &pe) || pe.StatusCode != 429 || !pe.Transient() || pe.Provider != "openai" {
		t.Fatalf("expected transient 429, got %v", err)
	}

	fm = &fakeModel{err: errors.New("API returned unexpected status code: 401: bad key")}
	_, err = newWithModel("", fm).Generate(context.Background(), llm.Request{})
	if !errors.As(err, &pe) || pe.Transient() {
		t.Fatalf("401 must not be transient, got %v", err)
	}
}

func TestStreamEmitErrorWins(t *testing.T) {
	stop := errors.New("disconnected")
	fm := &fakeModel{fragments: []string{"a", "b"}}
	out, err := newWithModel("openai", fm).Stream(context.Background(), llm.Request{}, func(string) error { return stop })
	if !errors.Is(err, stop) {
		t.Fatalf("expected emit error, got %v", err)
	}
	if out.Text != "a" {
		t.Fatalf("partial text %q", out.Text)
	}
}

func TestEmptyChoices(t *testing.T) {
	fm := &fakeModel{resp: &llms.ContentResponse{}}
	if _, err := newWithModel("openai", fm).Generate(context.Background(), llm.Request{}); !errors.Is(err, llm.ErrEmptyResponse) {
		t.Fatalf("expected ErrEmptyResponse, got %v", err)
	}
}

func TestUsageMissing(t *testing.T) {
	if u := usageFrom(nil); u.Reported {
		t.Fatalf("usage without counts must not be reported: %+v", u)
	}
}
