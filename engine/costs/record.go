package costs

import (
	"time"
	"unicode/utf8"
)

// MaxQueryLength bounds the query text stored with a record.
const MaxQueryLength = 500

// CostRecord is one priced language-model invocation. Records are immutable
// once written.
type CostRecord struct {
	RequestID      string    `json:"request_id"`
	Timestamp      time.Time `json:"timestamp"`
	Model          string    `json:"model"`
	Provider       Provider  `json:"provider"`
	InputTokens    int       `json:"input_tokens"`
	OutputTokens   int       `json:"output_tokens"`
	TotalTokens    int       `json:"total_tokens"`
	InputCost      float64   `json:"input_cost"`
	OutputCost     float64   `json:"output_cost"`
	TotalCost      float64   `json:"total_cost"`
	Query          string    `json:"query"`
	ResponseLength int       `json:"response_length"`
	LatencyMS      int64     `json:"latency_ms"`
	Approximate    bool      `json:"approximate"`
}

// RecordInput is what the chat engine knows at the end of an exchange.
type RecordInput struct {
	RequestID      string
	Timestamp      time.Time
	Provider       Provider
	Model          string
	InputTokens    int
	OutputTokens   int
	Query          string
	ResponseLength int
	Latency        time.Duration
	Approximate    bool
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
