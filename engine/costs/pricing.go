// Package costs turns token usage into priced, persisted cost records and
// serves the analytics built on them.
package costs

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"
	"sync"

	"github.com/WessleyAI/docchat/engine/domain"
)

// Provider names a model vendor.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderDeepSeek  Provider = "deepseek"
	ProviderAnthropic Provider = "anthropic"
	ProviderGoogle    Provider = "google"
	ProviderOllama    Provider = "ollama"
)

// ParseProvider maps configuration spellings onto a Provider.
func ParseProvider(s string) Provider {
	switch p := strings.ToLower(strings.TrimSpace(s)); p {
	case "gemini", "vertex":
		return ProviderGoogle
	default:
		return Provider(p)
	}
}

// AnyModel matches every model of a provider in the price table.
const AnyModel = "*"

// ModelKey identifies one priced model.
type ModelKey struct {
	Provider Provider
	Model    string
}

func (k ModelKey) String() string { return string(k.Provider) + "/" + k.Model }

// Price is USD per 1,000 tokens.
type Price struct {
	InputPer1K  float64 `json:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k"`
}

// Cost prices a token count. Each component is rounded to 6 decimals.
func (p Price) Cost(inputTokens, outputTokens int) (input, output, total float64) {
	in := float64(inputTokens) / 1000 * p.InputPer1K
	out := float64(outputTokens) / 1000 * p.OutputPer1K
	return round6(in), round6(out), round6(in + out)
}

func round6(v float64) float64 { return math.Round(v*1e6) / 1e6 }

// DefaultPrices is the built-in table.
func DefaultPrices() map[ModelKey]Price {
	return map[ModelKey]Price{
		{ProviderOpenAI, "gpt-4"}:                     {0.03, 0.06},
		{ProviderOpenAI, "gpt-4-turbo"}:               {0.01, 0.03},
		{ProviderOpenAI, "gpt-3.5-turbo"}:             {0.0015, 0.002},
		{ProviderDeepSeek, "deepseek/deepseek-chat"}:  {0.00014, 0.00028},
		{ProviderDeepSeek, "deepseek/deepseek-coder"}: {0.00014, 0.00028},
		{ProviderAnthropic, "claude-3-opus"}:          {0.015, 0.075},
		{ProviderAnthropic, "claude-3-sonnet"}:        {0.003, 0.015},
		{ProviderAnthropic, "claude-3-haiku"}:         {0.00025, 0.00125},
		{ProviderGoogle, "gemini-pro"}:                {0.0005, 0.0015},
		{ProviderGoogle, "gemini-pro-vision"}:         {0.0005, 0.0015},
		{ProviderOllama, AnyModel}:                    {0, 0},
	}
}

// Table is the closed set of priced models. Lookups for anything not in the
// table fail; nothing is priced at zero unless an entry says so.
type Table struct {
	mu     sync.RWMutex
	prices map[ModelKey]Price
}

// NewTable starts from DefaultPrices and applies overrides on top.
func NewTable(overrides map[ModelKey]Price) *Table {
	prices := DefaultPrices()
	maps.Copy(prices, overrides)
	return &Table{prices: prices}
}

// Set adds or replaces one entry.
func (t *Table) Set(key ModelKey, p Price) {
	t.mu.Lock()
	t.prices[key] = p
	t.mu.Unlock()
}

// Lookup returns the price for (provider, model). A provider-wide AnyModel
// entry applies when there is no exact match.
func (t *Table) Lookup(provider Provider, model string) (Price, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if p, ok := t.prices[ModelKey{provider, model}]; ok {
		return p, nil
	}
	if p, ok := t.prices[ModelKey{provider, AnyModel}]; ok {
		return p, nil
	}
	return Price{}, domain.NewConfigError("pricing", fmt.Errorf("%w: %s/%s", domain.ErrUnknownModel, provider, model))
}

// Keys lists the priced models in a stable order.
func (t *Table) Keys() []ModelKey {
	t.mu.RLock()
	keys := slices.Collect(maps.Keys(t.prices))
	t.mu.RUnlock()
	slices.SortFunc(keys, func(a, b ModelKey) int { return strings.Compare(a.String(), b.String()) })
	return keys
}
