package costs

import (
	"log/slog"
	"math"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/WessleyAI/docchat/pkg/llm"
)

const (
	encodingName  = "cl100k_base"
	perMessage    = 4
	replyPriming  = 2
	wordsToTokens = 1.33
)

// TokenCount is a token total and whether it came from the word estimator.
type TokenCount struct {
	Tokens      int  `json:"tokens"`
	Approximate bool `json:"approximate"`
}

// Tokenizer counts tokens with the BPE matching the model family, or
// estimates from word counts when no exact tokenizer applies.
type Tokenizer struct {
	enc *tiktoken.Tiktoken
}

// NewTokenizer loads cl100k_base. If it cannot be loaded every count is an
// estimate.
func NewTokenizer(logger *slog.Logger) *Tokenizer {
	if logger == nil {
		logger = slog.Default()
	}
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		logger.Warn("costs: tokenizer unavailable, estimating from words", "encoding", encodingName, "err", err)
		return &Tokenizer{}
	}
	return &Tokenizer{enc: enc}
}

func (t *Tokenizer) exact(p Provider) bool {
	if t == nil || t.enc == nil {
		return false
	}
	switch p {
	case ProviderOpenAI, ProviderDeepSeek, ProviderAnthropic:
		return true
	}
	return false
}

// Count counts the tokens of a single text.
func (t *Tokenizer) Count(p Provider, text string) TokenCount {
	if t.exact(p) {
		return TokenCount{Tokens: len(t.enc.Encode(text, nil, nil))}
	}
	return TokenCount{Tokens: estimate(text), Approximate: true}
}

// CountMessages counts a chat prompt including per-message framing.
func (t *Tokenizer) CountMessages(p Provider, msgs []llm.Message) TokenCount {
	if t.exact(p) {
		n := replyPriming
		for _, m := range msgs {
			n += perMessage + len(t.enc.Encode(string(m.Role), nil, nil)) + len(t.enc.Encode(m.Content, nil, nil))
		}
		return TokenCount{Tokens: n}
	}
	n := 0
	for _, m := range msgs {
		n += perMessage + estimate(m.Content)
	}
	return TokenCount{Tokens: n, Approximate: true}
}

func estimate(text string) int {
	words := len(strings.Fields(text))
	return int(math.Ceil(float64(words) * wordsToTokens))
}
