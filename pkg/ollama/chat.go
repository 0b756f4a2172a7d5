package ollama

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/WessleyAI/docchat/pkg/llm"
)

// ChatClient implements llm.Generator against Ollama's /api/chat.
type ChatClient struct {
	baseURL string
	model   string
	client  *http.Client
}

var _ llm.Generator = (*ChatClient)(nil)

// NewChatClient creates an Ollama chat client.
func NewChatClient(baseURL, model string) *ChatClient {
	return &ChatClient{baseURL: baseURL, model: model, client: &http.Client{}}
}

type chatReq struct {
	Model    string         `json:"model"`
	Messages []llm.Message  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	Error           string `json:"error"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

func (c *ChatClient) request(req llm.Request, stream bool) chatReq {
	opts := map[string]any{"temperature": req.Temperature}
	if req.MaxTokens > 0 {
		opts["num_predict"] = req.MaxTokens
	}
	return chatReq{Model: c.model, Messages: req.Messages, Stream: stream, Options: opts}
}

// Generate returns the full answer in one response.
func (c *ChatClient) Generate(ctx context.Context, req llm.Request) (llm.Completion, error) {
	return c.Stream(ctx, req, nil)
}

// Stream reads Ollama's newline-delimited JSON stream and forwards every
// content fragment to emit. A nil emit collects the text only.
func (c *ChatClient) Stream(ctx context.Context, req llm.Request, emit func(string) error) (llm.Completion, error) {
	var out llm.Completion
	resp, err := postJSON(ctx, c.client, c.baseURL+"/api/chat", c.request(req, true))
	if err != nil {
		return out, &llm.ProviderError{Provider: "ollama", Op: "chat", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return out, &llm.ProviderError{Provider: "ollama", Op: "chat", StatusCode: resp.StatusCode, Err: errors.New(string(msg))}
	}

	var text strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var chunk chatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Error != "" {
			out.Text = text.String()
			return out, &llm.ProviderError{Provider: "ollama", Op: "chat", StatusCode: http.StatusInternalServerError, Err: errors.New(chunk.Error)}
		}
		if chunk.Message.Content != "" {
			text.WriteString(chunk.Message.Content)
			if emit != nil {
				if err := emit(chunk.Message.Content); err != nil {
					out.Text = text.String()
					return out, err
				}
			}
		}
		if chunk.Done {
			out.Text = text.String()
			out.Usage = llm.Usage{InputTokens: chunk.PromptEvalCount, OutputTokens: chunk.EvalCount, Reported: chunk.EvalCount > 0}
			return out, nil
		}
	}

	out.Text = text.String()
	if err := scanner.Err(); err != nil {
		return out, &llm.ProviderError{Provider: "ollama", Op: "chat", Err: fmt.Errorf("read stream: %w", err)}
	}
	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	return out, &llm.ProviderError{Provider: "ollama", Op: "chat", Err: io.ErrUnexpectedEOF}
}
