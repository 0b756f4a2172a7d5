package rag

import (
	"fmt"
	"strings"

	"github.com/WessleyAI/docchat/pkg/llm"
)

const defaultSystemPrompt = `You are a helpful assistant that answers questions about the company's
documents: policies, the employee handbook, products and technical specifications.

When answering:
1. Use only the information in the provided context and cite the source titles you used.
2. If the context does not contain the answer, say so clearly.
3. Be concise. Use bullet points or numbered lists when they make the answer clearer.`

const noContext = "No relevant documents found."

// buildContext renders sources as a numbered block.
func buildContext(sources []Source) string {
	if len(sources) == 0 {
		return noContext
	}
	var b strings.Builder
	for i, s := range sources {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[Document %d] %s\n", i+1, s.Title)
		fmt.Fprintf(&b, "Category: %s\n", s.Metadata.Category)
		fmt.Fprintf(&b, "Content: %s\n", s.Content)
	}
	return b.String()
}

func userPrompt(question, context string) string {
	return fmt.Sprintf(`Based on the following context, answer the user's question.

CONTEXT:
%s
USER QUESTION:
%s

If the information needed to answer is not in the context, state that clearly.`, context, question)
}

// buildMessages assembles the prompt: system prompt, at most maxHistory of
// the most recent prior exchanges, then the grounded question. A negative
// maxHistory drops history entirely.
func buildMessages(system string, history []Exchange, maxHistory int, question string, sources []Source) []llm.Message {
	switch {
	case maxHistory < 0:
		history = nil
	case len(history) > maxHistory:
		history = history[len(history)-maxHistory:]
	}
	msgs := make([]llm.Message, 0, 2+2*len(history))
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: system})
	for _, h := range history {
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: h.Query})
		if h.Response != "" {
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: h.Response})
		}
	}
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: userPrompt(question, buildContext(sources))})
}
