// Package rag orchestrates the Retrieval-Augmented Generation pipeline.
// It accepts a user question, embeds it, searches for relevant chunks,
// builds a grounded prompt, calls the language model (single-shot or
// streaming) and records what the exchange cost.
package rag

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/WessleyAI/docchat/engine/costs"
	"github.com/WessleyAI/docchat/engine/domain"
	"github.com/WessleyAI/docchat/engine/semantic"
	"github.com/WessleyAI/docchat/pkg/fn"
	"github.com/WessleyAI/docchat/pkg/llm"
	"github.com/WessleyAI/docchat/pkg/metrics"
	"github.com/WessleyAI/docchat/pkg/resilience"
)

var tracer = otel.Tracer("engine/rag")

// Retriever is the read side of the vector store.
type Retriever interface {
	Query(ctx context.Context, vec []float32, topK int, f semantic.Filter) ([]semantic.Match, error)
}

// TokenCounter counts prompt and completion tokens when the provider does
// not report usage.
type TokenCounter interface {
	Count(p costs.Provider, text string) costs.TokenCount
	CountMessages(p costs.Provider, msgs []llm.Message) costs.TokenCount
}

// CostRecorder prices and persists the usage of one exchange.
type CostRecorder interface {
	Track(ctx context.Context, in costs.RecordInput) (costs.CostRecord, error)
}

// Options configures the RAG pipeline behaviour.
type Options struct {
	Provider      costs.Provider
	Model         string
	TopK          int
	Temperature   float64
	MaxTokens     int
	MaxHistory    int
	SearchTimeout time.Duration
	SystemPrompt  string
	StreamBuffer  int
	Retry         fn.RetryOpts
	Breaker       resilience.BreakerOpts
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Provider:      costs.ProviderOpenAI,
		Model:         "gpt-3.5-turbo",
		TopK:          5,
		Temperature:   0.7,
		MaxTokens:     500,
		MaxHistory:    6,
		SearchTimeout: 5 * time.Second,
		SystemPrompt:  defaultSystemPrompt,
		StreamBuffer:  64,
		Retry:         fn.DefaultRetry,
		Breaker:       resilience.DefaultBreakerOpts,
	}
}

// Deps holds the collaborators of the chat engine. Embedder must be the
// same model the corpus was ingested with.
type Deps struct {
	Embedder  llm.Embedder
	Generator llm.Generator
	Retriever Retriever
	Tokens    TokenCounter    // nil estimates from word counts
	Costs     CostRecorder    // nil disables cost recording
	Metrics   *metrics.Chat   // optional
	Logger    *slog.Logger
}

// Service is the RAG orchestration service.
type Service struct {
	embed   llm.Embedder
	gen     llm.Generator
	search  Retriever
	tokens  TokenCounter
	costs   CostRecorder
	metrics *metrics.Chat
	breaker *resilience.Breaker
	opts    Options
	logger  *slog.Logger
}

// New creates a new RAG Service. Zero-valued options fall back to
// DefaultOptions.
func New(deps Deps, opts Options) (*Service, error) {
	switch {
	case deps.Embedder == nil:
		return nil, errors.New("rag: embedder is required")
	case deps.Generator == nil:
		return nil, errors.New("rag: generator is required")
	case deps.Retriever == nil:
		return nil, errors.New("rag: retriever is required")
	}
	opts = withDefaults(opts)
	if err := domain.ValidateTopK(opts.TopK); err != nil {
		return nil, domain.NewConfigError("top_k", err)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	tokens := deps.Tokens
	if tokens == nil {
		tokens = (*costs.Tokenizer)(nil)
	}
	bo := opts.Breaker
	bo.IsFailure = domain.IsTransient
	return &Service{
		embed:   deps.Embedder,
		gen:     deps.Generator,
		search:  deps.Retriever,
		tokens:  tokens,
		costs:   deps.Costs,
		metrics: deps.Metrics,
		breaker: resilience.NewBreaker(bo),
		opts:    opts,
		logger:  deps.Logger,
	}, nil
}

func withDefaults(o Options) Options {
	d := DefaultOptions()
	if o.Provider == "" {
		o.Provider = d.Provider
	}
	if o.Model == "" {
		o.Model = d.Model
	}
	if o.TopK == 0 {
		o.TopK = d.TopK
	}
	if o.MaxTokens == 0 {
		o.MaxTokens = d.MaxTokens
	}
	if o.MaxHistory == 0 {
		o.MaxHistory = d.MaxHistory
	}
	if o.SearchTimeout == 0 {
		o.SearchTimeout = d.SearchTimeout
	}
	if o.SystemPrompt == "" {
		o.SystemPrompt = d.SystemPrompt
	}
	if o.StreamBuffer <= 0 {
		o.StreamBuffer = d.StreamBuffer
	}
	if o.Retry.MaxAttempts == 0 {
		o.Retry = d.Retry
	}
	return o
}

// Options returns the effective options.
func (s *Service) Options() Options { return s.opts }

// Exchange is one prior question and answer of the conversation.
type Exchange struct {
	Query    string `json:"query"`
	Response string `json:"response"`
}

// Request is one chat turn.
type Request struct {
	RequestID string          `json:"request_id,omitempty"` // generated when empty
	Message   string          `json:"message"`
	History   []Exchange      `json:"history,omitempty"`
	TopK      int             `json:"top_k,omitempty"` // 0 uses the service default
	Filter    semantic.Filter `json:"-"`
}

// Source is a citation backing the answer.
type Source struct {
	Title    string           `json:"title"`
	Score    float64          `json:"score"`
	Content  string           `json:"content"`
	Metadata domain.ChunkMeta `json:"metadata"`
}

// Usage is the token accounting of an exchange. Recorded is false when the
// cost record could not be written and may be lost.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Approximate  bool    `json:"approximate"`
	Cost         float64 `json:"cost"`
	Recorded     bool    `json:"recorded"`
}

// Answer represents the structured response from the RAG pipeline.
type Answer struct {
	RequestID  string   `json:"request_id"`
	Response   string   `json:"response"`
	Sources    []Source `json:"sources"`
	Confidence float64  `json:"confidence"`
	Usage      Usage    `json:"usage"`
}

// exchange is the state carried from retrieval into generation.
type exchange struct {
	req      Request
	start    time.Time
	span     trace.Span
	sources  []Source
	messages []llm.Message
}

func (s *Service) validate(req Request) (Request, error) {
	if err := domain.ValidateMessage(req.Message); err != nil {
		return req, err
	}
	for i, h := range req.History {
		if strings.TrimSpace(h.Query) == "" {
			return req, domain.NewValidationError("history", "#"+strconv.Itoa(i), domain.ErrEmptyHistory)
		}
	}
	if req.TopK == 0 {
		req.TopK = s.opts.TopK
	}
	if err := domain.ValidateTopK(req.TopK); err != nil {
		return req, err
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	req.Message = strings.TrimSpace(req.Message)
	return req, nil
}

// Answer runs the full pipeline and returns the complete answer.
func (s *Service) Answer(ctx context.Context, req Request) (*Answer, error) {
	req, err := s.validate(req)
	if err != nil {
		s.count("answer", "invalid")
		return nil, newStageError(StageReceived, err)
	}
	ctx, ex, serr := s.prepare(ctx, req)
	if serr != nil {
		s.count("answer", outcome(serr))
		return nil, serr
	}
	defer ex.span.End()

	genStart := time.Now()
	comp, err := s.complete(ctx, ex)
	s.observe(StageGenerating, genStart)
	usage := s.settle(ctx, ex, comp, comp.Text, err)
	if err != nil {
		serr := s.fail(ex, StageGenerating, err)
		s.count("answer", outcome(serr))
		return nil, serr
	}

	s.count("answer", "completed")
	ex.span.SetStatus(codes.Ok, "")
	return &Answer{
		RequestID:  req.RequestID,
		Response:   comp.Text,
		Sources:    ex.sources,
		Confidence: confidence(ex.sources),
		Usage:      usage,
	}, nil
}

// prepare embeds the question, retrieves matches and assembles the prompt.
// On success the returned exchange owns an open span, carried by the
// returned context.
func (s *Service) prepare(ctx context.Context, req Request) (context.Context, *exchange, *StageError) {
	ctx, span := tracer.Start(ctx, "rag.exchange", trace.WithAttributes(
		attribute.String("request_id", req.RequestID),
		attribute.Int("top_k", req.TopK),
	))
	ex := &exchange{req: req, start: time.Now(), span: span}
	s.logger.Info("rag: exchange start", "request_id", req.RequestID, "question_len", len(req.Message), "history", len(req.History))

	// 1. Embed the query.
	t := time.Now()
	vec, err := fn.Retry(ctx, s.retryOpts(StageEmbeddingQuery, nil), func(ctx context.Context) fn.Result[[]float32] {
		return fn.FromPair(s.embed.Embed(ctx, req.Message))
	}).Unwrap()
	s.observe(StageEmbeddingQuery, t)
	if err != nil {
		serr := s.fail(ex, StageEmbeddingQuery, err)
		span.End()
		return ctx, nil, serr
	}

	// 2. Semantic search.
	t = time.Now()
	searchCtx, cancel := context.WithTimeout(ctx, s.opts.SearchTimeout)
	matches, err := s.search.Query(searchCtx, vec, req.TopK, req.Filter)
	cancel()
	s.observe(StageRetrieving, t)
	if err != nil {
		serr := s.fail(ex, StageRetrieving, err)
		span.End()
		return ctx, nil, serr
	}

	// 3. Deduplicate and build the prompt.
	t = time.Now()
	ex.sources = dedupe(matches)
	ex.messages = buildMessages(s.opts.SystemPrompt, req.History, s.opts.MaxHistory, req.Message, ex.sources)
	s.observe(StageAssemblingContext, t)
	span.SetAttributes(attribute.Int("matches", len(matches)), attribute.Int("sources", len(ex.sources)))
	s.logger.Info("rag: context assembled", "request_id", req.RequestID, "matches", len(matches), "sources", len(ex.sources))
	return ctx, ex, nil
}

func (s *Service) llmRequest(ex *exchange) llm.Request {
	return llm.Request{Messages: ex.messages, Temperature: s.opts.Temperature, MaxTokens: s.opts.MaxTokens}
}

// complete runs single-shot generation through the breaker with retry.
func (s *Service) complete(ctx context.Context, ex *exchange) (llm.Completion, error) {
	req := s.llmRequest(ex)
	return fn.Retry(ctx, s.retryOpts(StageGenerating, nil), func(ctx context.Context) fn.Result[llm.Completion] {
		var comp llm.Completion
		err := s.breaker.Call(ctx, func(ctx context.Context) error {
			var err error
			comp, err = s.gen.Generate(ctx, req)
			return err
		})
		return fn.FromPair(comp, err)
	}).Unwrap()
}

// settle computes usage and records cost exactly once. It runs after the
// exchange reached GENERATING whatever the outcome, and survives
// cancellation of ctx.
func (s *Service) settle(ctx context.Context, ex *exchange, comp llm.Completion, emitted string, genErr error) Usage {
	u := Usage{InputTokens: comp.Usage.InputTokens, OutputTokens: comp.Usage.OutputTokens}
	if !comp.Usage.Reported {
		in := s.tokens.CountMessages(s.opts.Provider, ex.messages)
		out := s.tokens.Count(s.opts.Provider, emitted)
		u.InputTokens, u.OutputTokens = in.Tokens, out.Tokens
		u.Approximate = in.Approximate || out.Approximate
	}
	if m := s.metrics; m != nil {
		m.Tokens.WithLabelValues("input").Add(float64(u.InputTokens))
		m.Tokens.WithLabelValues("output").Add(float64(u.OutputTokens))
	}
	if s.costs == nil {
		return u
	}

	rec, err := s.costs.Track(context.WithoutCancel(ctx), costs.RecordInput{
		RequestID:      ex.req.RequestID,
		Provider:       s.opts.Provider,
		Model:          s.opts.Model,
		InputTokens:    u.InputTokens,
		OutputTokens:   u.OutputTokens,
		Query:          ex.req.Message,
		ResponseLength: utf8.RuneCountInString(emitted),
		Latency:        time.Since(ex.start),
		Approximate:    u.Approximate,
	})
	if err != nil {
		s.logger.Error("rag: cost not recorded, record may be lost",
			"request_id", ex.req.RequestID, "err", err, "generation_err", genErr)
		return u
	}
	u.Cost = rec.TotalCost
	u.Recorded = true
	if m := s.metrics; m != nil {
		m.CostUSD.WithLabelValues(string(rec.Provider), rec.Model).Add(rec.TotalCost)
	}
	return u
}

// fail tags err with stage, logs the full cause and marks the span.
func (s *Service) fail(ex *exchange, stage Stage, err error) *StageError {
	serr := newStageError(stage, err)
	ex.span.RecordError(err)
	ex.span.SetStatus(codes.Error, serr.Error())
	if serr.Kind == domain.KindCanceled {
		s.logger.Info("rag: exchange cancelled", "request_id", ex.req.RequestID, "stage", stage.String())
	} else {
		s.logger.Error("rag: exchange failed",
			"request_id", ex.req.RequestID,
			"stage", stage.String(),
			"kind", serr.Kind.String(),
			"err", err,
		)
	}
	return serr
}

// retryOpts retries transient errors only. Circuit-open rejections are never
// retried; extra can veto further attempts.
func (s *Service) retryOpts(stage Stage, extra func() bool) fn.RetryOpts {
	opts := s.opts.Retry
	opts.Retryable = func(err error) bool {
		if errors.Is(err, resilience.ErrCircuitOpen) || !domain.IsTransient(err) {
			return false
		}
		return extra == nil || extra()
	}
	opts.OnRetry = func(attempt int, err error) {
		s.logger.Warn("rag: retrying", "stage", stage.String(), "attempt", attempt, "err", err)
		if m := s.metrics; m != nil {
			m.Retries.WithLabelValues(stage.label()).Inc()
		}
	}
	return opts
}

func (s *Service) observe(stage Stage, start time.Time) {
	if m := s.metrics; m != nil {
		metrics.Since(m.StageDuration.WithLabelValues(stage.label()), start)
	}
}

func (s *Service) count(mode, outcome string) {
	if m := s.metrics; m != nil {
		m.Requests.WithLabelValues(mode, outcome).Inc()
	}
}

func outcome(err *StageError) string {
	if err.Kind == domain.KindCanceled {
		return "canceled"
	}
	return "failed"
}

// dedupe keeps the first source per title, preserving relevance order.
func dedupe(matches []semantic.Match) []Source {
	sources := fn.Map(matches, func(m semantic.Match) Source {
		title := m.Chunk.Meta.Title
		if title == "" {
			title = m.Chunk.Meta.SourceFile
		}
		if title == "" {
			title = "Document"
		}
		return Source{Title: title, Score: m.Score, Content: m.Chunk.Text, Metadata: m.Chunk.Meta}
	})
	out := fn.UniqueBy(sources, func(s Source) string { return s.Title })
	if out == nil {
		out = []Source{}
	}
	return out
}

// confidence is the mean score of the top three sources.
func confidence(sources []Source) float64 {
	top := sources[:min(3, len(sources))]
	if len(top) == 0 {
		return 0
	}
	sum := fn.Reduce(top, 0.0, func(acc float64, s Source) float64 { return acc + s.Score })
	return sum / float64(len(top))
}
