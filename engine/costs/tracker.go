package costs

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/WessleyAI/docchat/engine/domain"
	"github.com/WessleyAI/docchat/pkg/fn"
)

const (
	alertWindowDays = 7
	dateLayout      = "2006-01-02"
)

// Thresholds behind the efficiency suggestions.
const (
	HighSpendUSD          = 50.0
	HighTokensPerRequest  = 2000.0
	SkewFactor            = 2.0
	DominantModelSpendPct = 80.0
)

// Publisher fans recorded costs out to other processes.
type Publisher interface {
	PublishCost(ctx context.Context, rec CostRecord) error
}

// Tracker prices, persists and analyses cost records. It is safe for
// concurrent use; the Store serialises writers.
type Tracker struct {
	store  Store
	prices *Table
	pub    Publisher
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

// WithPublisher sends every recorded cost to p after it is persisted.
func WithPublisher(p Publisher) Option { return func(t *Tracker) { t.pub = p } }

func NewTracker(store Store, prices *Table, logger *slog.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if prices == nil {
		prices = NewTable(nil)
	}
	t := &Tracker{store: store, prices: prices, now: time.Now, logger: logger}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Prices exposes the pricing table.
func (t *Tracker) Prices() *Table { return t.prices }

// NewRecord prices a usage report. Unknown models are a configuration error.
func (t *Tracker) NewRecord(in RecordInput) (CostRecord, error) {
	price, err := t.prices.Lookup(in.Provider, in.Model)
	if err != nil {
		return CostRecord{}, err
	}
	ts := in.Timestamp
	if ts.IsZero() {
		ts = t.now()
	}
	inCost, outCost, total := price.Cost(in.InputTokens, in.OutputTokens)
	return CostRecord{
		RequestID:      in.RequestID,
		Timestamp:      ts.UTC(),
		Model:          in.Model,
		Provider:       in.Provider,
		InputTokens:    in.InputTokens,
		OutputTokens:   in.OutputTokens,
		TotalTokens:    in.InputTokens + in.OutputTokens,
		InputCost:      inCost,
		OutputCost:     outCost,
		TotalCost:      total,
		Query:          truncateRunes(in.Query, MaxQueryLength),
		ResponseLength: in.ResponseLength,
		LatencyMS:      in.Latency.Milliseconds(),
		Approximate:    in.Approximate,
	}, nil
}

// Record persists rec. Failures come back as a PersistenceError; the caller
// must treat the record as possibly lost.
func (t *Tracker) Record(ctx context.Context, rec CostRecord) error {
	if rec.RequestID == "" {
		return domain.NewValidationError("request_id", "", domain.ErrEmptyRequestID)
	}
	if err := t.store.Insert(ctx, rec); err != nil {
		t.logger.Error("costs: record lost", "request_id", rec.RequestID, "total_cost", rec.TotalCost, "err", err)
		var pe *domain.PersistenceError
		if !errors.As(err, &pe) {
			err = domain.NewPersistenceError("insert cost record", err)
		}
		return err
	}
	t.logger.Info("costs: recorded",
		"request_id", rec.RequestID,
		"provider", rec.Provider,
		"model", rec.Model,
		"total_tokens", rec.TotalTokens,
		"total_cost", rec.TotalCost,
		"approximate", rec.Approximate,
	)
	if t.pub != nil {
		if err := t.pub.PublishCost(ctx, rec); err != nil {
			t.logger.Warn("costs: publish failed", "request_id", rec.RequestID, "err", err)
		}
	}
	return nil
}

// Track prices and records in one step.
func (t *Tracker) Track(ctx context.Context, in RecordInput) (CostRecord, error) {
	rec, err := t.NewRecord(in)
	if err != nil {
		return CostRecord{}, err
	}
	return rec, t.Record(ctx, rec)
}

// window returns [from, to) covering days UTC calendar days ending today.
func (t *Tracker) window(days int) (from, to time.Time) {
	today := t.now().UTC().Truncate(24 * time.Hour)
	return today.AddDate(0, 0, -(days - 1)), today.AddDate(0, 0, 1)
}

func (t *Tracker) records(ctx context.Context, days int) ([]CostRecord, time.Time, error) {
	if err := domain.ValidateDays(days); err != nil {
		return nil, time.Time{}, err
	}
	from, to := t.window(days)
	recs, err := t.store.Range(ctx, from, to)
	if err != nil {
		return nil, from, fmt.Errorf("costs: load window: %w", err)
	}
	return recs, from, nil
}

// DailyCost aggregates one UTC day.
type DailyCost struct {
	Date         string  `json:"date"`
	Requests     int     `json:"requests"`
	Tokens       int     `json:"tokens"`
	Cost         float64 `json:"cost"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
}

// Summary aggregates a trailing window.
type Summary struct {
	PeriodDays    int         `json:"period_days"`
	StartDate     string      `json:"start_date"`
	TotalRequests int         `json:"total_requests"`
	TotalTokens   int         `json:"total_tokens"`
	TotalCost     float64     `json:"total_cost"`
	AvgLatencyMS  float64     `json:"avg_latency_ms"`
	Daily         []DailyCost `json:"daily_breakdown"`
}

// Summary totals the last days UTC calendar days, today included. The daily
// breakdown lists days with activity, oldest first.
func (t *Tracker) Summary(ctx context.Context, days int) (Summary, error) {
	recs, from, err := t.records(ctx, days)
	if err != nil {
		return Summary{}, err
	}
	s := Summary{PeriodDays: days, StartDate: from.Format(dateLayout), Daily: []DailyCost{}}
	tot := aggregate(recs)
	s.TotalRequests, s.TotalTokens, s.TotalCost, s.AvgLatencyMS = tot.requests, tot.tokens, tot.cost, tot.avgLatency()

	byDay := fn.GroupBy(recs, func(r CostRecord) string { return r.Timestamp.UTC().Format(dateLayout) })
	for day, rs := range byDay {
		a := aggregate(rs)
		s.Daily = append(s.Daily, DailyCost{Date: day, Requests: a.requests, Tokens: a.tokens, Cost: a.cost, AvgLatencyMS: a.avgLatency()})
	}
	slices.SortFunc(s.Daily, func(a, b DailyCost) int { return cmp.Compare(a.Date, b.Date) })
	return s, nil
}

// ModelUsage aggregates one (provider, model) pair.
type ModelUsage struct {
	Provider     Provider `json:"provider"`
	Model        string   `json:"model"`
	Requests     int      `json:"requests"`
	Tokens       int      `json:"tokens"`
	Cost         float64  `json:"cost"`
	AvgLatencyMS float64  `json:"avg_latency_ms"`
}

// Breakdown groups the window by model, highest cost first.
func (t *Tracker) Breakdown(ctx context.Context, days int) ([]ModelUsage, error) {
	recs, _, err := t.records(ctx, days)
	if err != nil {
		return nil, err
	}
	return breakdown(recs), nil
}

func breakdown(recs []CostRecord) []ModelUsage {
	groups := fn.GroupBy(recs, func(r CostRecord) ModelKey { return ModelKey{r.Provider, r.Model} })
	out := make([]ModelUsage, 0, len(groups))
	for k, rs := range groups {
		a := aggregate(rs)
		out = append(out, ModelUsage{Provider: k.Provider, Model: k.Model, Requests: a.requests, Tokens: a.tokens, Cost: a.cost, AvgLatencyMS: a.avgLatency()})
	}
	slices.SortFunc(out, func(a, b ModelUsage) int {
		if c := cmp.Compare(b.Cost, a.Cost); c != 0 {
			return c
		}
		return cmp.Compare(ModelKey{a.Provider, a.Model}.String(), ModelKey{b.Provider, b.Model}.String())
	})
	return out
}

// ModelEfficiency is the per-model slice of an Efficiency report.
type ModelEfficiency struct {
	Provider       Provider `json:"provider"`
	Model          string   `json:"model"`
	CostPerRequest float64  `json:"cost_per_request"`
	CostPerToken   float64  `json:"cost_per_token"`
	RequestsPct    float64  `json:"requests_percentage"`
	CostPct        float64  `json:"cost_percentage"`
}

// Efficiency reports unit costs and optimization suggestions.
type Efficiency struct {
	PeriodDays             int               `json:"period_days"`
	CostPerRequest         float64           `json:"cost_per_request"`
	CostPerToken           float64           `json:"cost_per_token"`
	TokensPerRequest       float64           `json:"tokens_per_request"`
	MedianTokensPerRequest float64           `json:"median_tokens_per_request"`
	Models                 []ModelEfficiency `json:"model_efficiency"`
	Suggestions            []string          `json:"optimization_suggestions"`
}

func (t *Tracker) Efficiency(ctx context.Context, days int) (Efficiency, error) {
	recs, _, err := t.records(ctx, days)
	if err != nil {
		return Efficiency{}, err
	}
	e := Efficiency{PeriodDays: days, Models: []ModelEfficiency{}, Suggestions: []string{}}
	tot := aggregate(recs)
	if tot.requests == 0 {
		e.Suggestions = append(e.Suggestions, "No cost data recorded in this period.")
		return e, nil
	}

	e.CostPerRequest = tot.cost / float64(tot.requests)
	e.TokensPerRequest = float64(tot.tokens) / float64(tot.requests)
	if tot.tokens > 0 {
		e.CostPerToken = tot.cost / float64(tot.tokens)
	}
	e.MedianTokensPerRequest = median(fn.Map(recs, func(r CostRecord) float64 { return float64(r.TotalTokens) }))

	var (
		dominant    ModelEfficiency
		hasDominant bool
	)
	for _, m := range breakdown(recs) {
		me := ModelEfficiency{
			Provider:       m.Provider,
			Model:          m.Model,
			CostPerRequest: m.Cost / float64(m.Requests),
			RequestsPct:    float64(m.Requests) / float64(tot.requests) * 100,
		}
		if m.Tokens > 0 {
			me.CostPerToken = m.Cost / float64(m.Tokens)
		}
		if tot.cost > 0 {
			me.CostPct = m.Cost / tot.cost * 100
		}
		e.Models = append(e.Models, me)
		if me.CostPct > DominantModelSpendPct && !hasDominant {
			dominant, hasDominant = me, true
		}
	}

	if tot.cost > HighSpendUSD {
		e.Suggestions = append(e.Suggestions, "Consider using more cost-effective models for simple queries.")
	}
	if e.TokensPerRequest > HighTokensPerRequest {
		e.Suggestions = append(e.Suggestions, "Optimize prompts to reduce token usage.")
	}
	if e.MedianTokensPerRequest > 0 && e.TokensPerRequest > SkewFactor*e.MedianTokensPerRequest {
		e.Suggestions = append(e.Suggestions, fmt.Sprintf(
			"Average tokens per request (%.0f) is more than twice the median (%.0f); cap history or context for long conversations.",
			e.TokensPerRequest, e.MedianTokensPerRequest))
	}
	if hasDominant {
		e.Suggestions = append(e.Suggestions, fmt.Sprintf(
			"%s/%s accounts for %.0f%% of spend; route simple queries to a cheaper model.",
			dominant.Provider, dominant.Model, dominant.CostPct))
	}
	return e, nil
}

func median(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	slices.Sort(vs)
	mid := len(vs) / 2
	if len(vs)%2 == 1 {
		return vs[mid]
	}
	return (vs[mid-1] + vs[mid]) / 2
}

// Alert flags one day whose spend exceeded the threshold.
type Alert struct {
	Date      string  `json:"date"`
	Cost      float64 `json:"daily_cost"`
	Requests  int     `json:"requests"`
	Threshold float64 `json:"threshold"`
	Excess    float64 `json:"excess"`
	Message   string  `json:"message"`
}

// Alerts checks the last seven UTC days for spend strictly above threshold,
// highest spend first.
func (t *Tracker) Alerts(ctx context.Context, threshold float64) ([]Alert, error) {
	if err := domain.ValidateThreshold(threshold); err != nil {
		return nil, err
	}
	recs, _, err := t.records(ctx, alertWindowDays)
	if err != nil {
		return nil, err
	}
	alerts := []Alert{}
	byDay := fn.GroupBy(recs, func(r CostRecord) string { return r.Timestamp.UTC().Format(dateLayout) })
	for day, rs := range byDay {
		a := aggregate(rs)
		if a.cost <= threshold {
			continue
		}
		excess := round6(a.cost - threshold)
		alerts = append(alerts, Alert{
			Date:      day,
			Cost:      a.cost,
			Requests:  a.requests,
			Threshold: threshold,
			Excess:    excess,
			Message:   fmt.Sprintf("Spend of $%.2f on %s exceeded the $%.2f threshold by $%.2f.", a.cost, day, threshold, excess),
		})
	}
	slices.SortFunc(alerts, func(a, b Alert) int {
		if c := cmp.Compare(b.Cost, a.Cost); c != 0 {
			return c
		}
		return cmp.Compare(a.Date, b.Date)
	})
	return alerts, nil
}

// Realtime is today's running spend.
type Realtime struct {
	CurrentTime        time.Time `json:"current_time"`
	TodayCost          float64   `json:"today_total_cost"`
	TodayRequests      int       `json:"today_total_requests"`
	TodayTokens        int       `json:"today_total_tokens"`
	HourlyRate         float64   `json:"hourly_average_cost"`
	ProjectedDailyCost float64   `json:"projected_daily_cost"`
	CostPerRequest     float64   `json:"cost_per_request"`
}

// Realtime projects today's spend from the hours elapsed since UTC midnight,
// counting at least one hour so early-morning projections stay bounded.
func (t *Tracker) Realtime(ctx context.Context) (Realtime, error) {
	recs, from, err := t.records(ctx, 1)
	if err != nil {
		return Realtime{}, err
	}
	now := t.now().UTC()
	a := aggregate(recs)
	r := Realtime{CurrentTime: now, TodayCost: a.cost, TodayRequests: a.requests, TodayTokens: a.tokens}
	hours := max(now.Sub(from).Hours(), 1)
	r.HourlyRate = round6(a.cost / hours)
	r.ProjectedDailyCost = round6(r.HourlyRate * 24)
	if a.requests > 0 {
		r.CostPerRequest = round6(a.cost / float64(a.requests))
	}
	return r, nil
}

// Health reports whether the store answers queries.
func (t *Tracker) Health(ctx context.Context) error {
	from, to := t.window(1)
	if _, err := t.store.Range(ctx, from, to); err != nil {
		return fmt.Errorf("costs: health: %w", err)
	}
	return nil
}

type totals struct {
	requests int
	tokens   int
	cost     float64
	latency  int64
}

func (a totals) avgLatency() float64 {
	if a.requests == 0 {
		return 0
	}
	return float64(a.latency) / float64(a.requests)
}

func aggregate(recs []CostRecord) totals {
	return fn.Reduce(recs, totals{}, func(a totals, r CostRecord) totals {
		a.requests++
		a.tokens += r.TotalTokens
		a.cost = round6(a.cost + r.TotalCost)
		a.latency += r.LatencyMS
		return a
	})
}
