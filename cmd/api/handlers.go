package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/WessleyAI/docchat/engine/catalog"
	"github.com/WessleyAI/docchat/engine/costs"
	"github.com/WessleyAI/docchat/engine/domain"
	"github.com/WessleyAI/docchat/engine/rag"
	"github.com/WessleyAI/docchat/engine/semantic"
	"github.com/WessleyAI/docchat/pkg/mid"
	"github.com/WessleyAI/docchat/pkg/resilience"
)

const maxBodyBytes = 1 << 20

type chatService interface {
	Answer(ctx context.Context, req rag.Request) (*rag.Answer, error)
	Stream(ctx context.Context, req rag.Request) (<-chan rag.Event, error)
}

type costService interface {
	Summary(ctx context.Context, days int) (costs.Summary, error)
	Breakdown(ctx context.Context, days int) ([]costs.ModelUsage, error)
	Efficiency(ctx context.Context, days int) (costs.Efficiency, error)
	Alerts(ctx context.Context, threshold float64) ([]costs.Alert, error)
	Export(ctx context.Context, w io.Writer, format costs.Format, days int) error
	Realtime(ctx context.Context) (costs.Realtime, error)
	Health(ctx context.Context) error
}

type queryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type catalogService interface {
	List(ctx context.Context, f catalog.Filter) ([]catalog.Entry, error)
	Categories(ctx context.Context) ([]catalog.CategoryStats, error)
}

// server holds the handler dependencies. catalog is nil when Neo4j is not
// configured.
type server struct {
	chat    chatService
	embed   queryEmbedder
	store   semantic.Store
	costs   costService
	catalog catalogService
	logger  *slog.Logger
}

// routes builds the API mux. Endpoints that call a model share one rate limiter.
func (s *server) routes(limiter *resilience.Limiter, metrics http.Handler) http.Handler {
	limited := mid.RateLimit(limiter)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.Handle("POST /api/chat", limited(http.HandlerFunc(s.handleChat)))
	mux.Handle("POST /api/chat/stream", limited(http.HandlerFunc(s.handleChatStream)))
	mux.HandleFunc("GET /api/chat/status", s.handleStatus)
	mux.HandleFunc("GET /api/documents", s.handleDocuments)
	mux.Handle("GET /api/search", limited(http.HandlerFunc(s.handleSearch)))
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/catalog", s.handleCatalog)
	mux.HandleFunc("GET /api/costs/summary", s.handleCostSummary)
	mux.HandleFunc("GET /api/costs/breakdown", s.handleCostBreakdown)
	mux.HandleFunc("GET /api/costs/efficiency", s.handleCostEfficiency)
	mux.HandleFunc("GET /api/costs/alerts", s.handleCostAlerts)
	mux.HandleFunc("GET /api/costs/export", s.handleCostExport)
	mux.HandleFunc("GET /api/costs/realtime", s.handleCostRealtime)
	mux.HandleFunc("GET /api/costs/health", s.handleCostHealth)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	return mux
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusOf maps the error taxonomy onto HTTP.
func statusOf(err error) int {
	kind := domain.KindOf(err)
	var se *rag.StageError
	if errors.As(err, &se) {
		kind = se.Kind
	}
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindTransient:
		return http.StatusServiceUnavailable
	case domain.KindCanceled:
		return 499
	case domain.KindInternal:
		if se != nil && se.Stage != rag.StageAssemblingContext {
			// Upstream provider or store failure.
			return http.StatusBadGateway
		}
	}
	return http.StatusInternalServerError
}

// errorMessage never exposes internal causes.
func errorMessage(err error) string {
	var se *rag.StageError
	switch {
	case errors.As(err, &se):
		return se.Message()
	case domain.KindOf(err) == domain.KindValidation:
		return err.Error()
	case domain.KindOf(err) == domain.KindNotFound:
		return "not found"
	}
	return "internal server error"
}

func (s *server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= 500 {
		s.logger.Error("request failed", "path", r.URL.Path, "status", status, "err", err)
	}
	writeJSON(w, status, map[string]string{"error": errorMessage(err)})
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, domain.NewValidationError(key, v, err)
	}
	return n, nil
}

func queryFloat(r *http.Request, key string, fallback float64) (float64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, domain.NewValidationError(key, v, err)
	}
	return f, nil
}

// --- Chat ---

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ChatRequest is the JSON body for POST /api/chat and /api/chat/stream.
type ChatRequest struct {
	Message  string          `json:"message"`
	History  []rag.Exchange  `json:"history,omitempty"`
	TopK     int             `json:"top_k,omitempty"`
	Category domain.Category `json:"category,omitempty"`
}

// SourceView is a citation as sent to clients.
type SourceView struct {
	Title    string           `json:"title"`
	Score    float64          `json:"score"`
	Metadata domain.ChunkMeta `json:"metadata"`
}

func sourceViews(sources []rag.Source) []SourceView {
	out := make([]SourceView, len(sources))
	for i, src := range sources {
		out[i] = SourceView{Title: src.Title, Score: src.Score, Metadata: src.Metadata}
	}
	return out
}

// ChatResponse is the JSON response for POST /api/chat.
type ChatResponse struct {
	RequestID  string       `json:"request_id"`
	Response   string       `json:"response"`
	Sources    []SourceView `json:"sources"`
	Confidence float64      `json:"confidence"`
	Usage      rag.Usage    `json:"usage"`
	Timestamp  time.Time    `json:"timestamp"`
}

func decodeChat(w http.ResponseWriter, r *http.Request) (rag.Request, error) {
	var body ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		return rag.Request{}, domain.NewValidationError("body", "", fmt.Errorf("invalid request body: %w", err))
	}
	return rag.Request{
		RequestID: r.Header.Get("X-Request-ID"),
		Message:   body.Message,
		History:   body.History,
		TopK:      body.TopK,
		Filter:    semantic.Filter{Category: body.Category},
	}, nil
}

func (s *server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChat(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ans, err := s.chat.Answer(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ChatResponse{
		RequestID:  ans.RequestID,
		Response:   ans.Response,
		Sources:    sourceViews(ans.Sources),
		Confidence: ans.Confidence,
		Usage:      ans.Usage,
		Timestamp:  time.Now().UTC(),
	})
}

// sseEvent is one server-sent event payload. Sources is a pointer so the
// sources frame always carries the array, empty or not.
type sseEvent struct {
	Event      string        `json:"event"`
	Content    string        `json:"content,omitempty"`
	Sources    *[]SourceView `json:"sources,omitempty"`
	Confidence *float64      `json:"confidence,omitempty"`
	Usage      *rag.Usage    `json:"usage,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// handleChatStream streams the exchange as SSE: start, token*, then
// sources and done, or a final error event.
func (s *server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChat(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	events, err := s.chat.Stream(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	// Streams outlive the server's write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	send := func(ev sseEvent) error {
		b, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
			return err
		}
		return rc.Flush()
	}

	if err := send(sseEvent{Event: "start"}); err != nil {
		return
	}
	for ev := range events {
		var out sseEvent
		switch ev.Type {
		case rag.EventToken:
			out = sseEvent{Event: "token", Content: ev.Content}
		case rag.EventSources:
			views, conf, usage := sourceViews(ev.Sources), ev.Confidence, ev.Usage
			out = sseEvent{Event: "sources", Sources: &views, Confidence: &conf, Usage: &usage}
		case rag.EventError:
			out = sseEvent{Event: "error", Error: ev.Err.Message()}
		}
		if err := send(out); err != nil {
			// The client is gone; the request context cancels the producer.
			s.logger.Debug("stream write failed", "err", err)
			for range events {
			}
			return
		}
		if ev.Type == rag.EventSources {
			send(sseEvent{Event: "done"})
		}
	}
}

// StatusResponse is the JSON response for GET /api/chat/status.
type StatusResponse struct {
	Status      string    `json:"status"`
	Documents   int       `json:"documents"`
	Chunks      int       `json:"chunks"`
	LastUpdated time.Time `json:"last_updated"`
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := semantic.CollectStats(r.Context(), s.store)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Status:      "operational",
		Documents:   st.Documents,
		Chunks:      st.Chunks,
		LastUpdated: st.LastUpdated,
	})
}

// --- Documents ---

func (s *server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	q := r.URL.Query()
	metas, err := s.store.ListMetadata(r.Context(), semantic.Filter{
		Category:   domain.Category(q.Get("category")),
		SourceFile: q.Get("file"),
		Offset:     offset,
		Limit:      limit,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if metas == nil {
		metas = []domain.ChunkMeta{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"chunks": metas, "count": len(metas)})
}

const (
	defaultSearchLimit = 10
	previewRunes       = 200
)

// SearchHit is one semantic search result.
type SearchHit struct {
	ID         string           `json:"id"`
	Content    string           `json:"content"`
	Preview    string           `json:"content_preview"`
	Similarity float64          `json:"similarity"`
	Metadata   domain.ChunkMeta `json:"metadata"`
}

// SearchResponse is the JSON response for GET /api/search.
type SearchResponse struct {
	Query   string      `json:"query"`
	Results []SearchHit `json:"results"`
	Count   int         `json:"count"`
}

// handleSearch runs retrieval without generation.
func (s *server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		s.fail(w, r, domain.NewValidationError("q", "", domain.ErrEmptyMessage))
		return
	}
	limit, err := queryInt(r, "limit", defaultSearchLimit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := domain.ValidateTopK(limit); err != nil {
		s.fail(w, r, err)
		return
	}

	vec, err := s.embed.Embed(r.Context(), q)
	if err != nil {
		s.fail(w, r, &rag.StageError{Stage: rag.StageEmbeddingQuery, Kind: domain.KindOf(err), Err: err})
		return
	}
	matches, err := s.store.Query(r.Context(), vec, limit, semantic.Filter{
		Category: domain.Category(r.URL.Query().Get("category")),
	})
	if err != nil {
		s.fail(w, r, &rag.StageError{Stage: rag.StageRetrieving, Kind: domain.KindOf(err), Err: err})
		return
	}

	hits := make([]SearchHit, len(matches))
	for i, m := range matches {
		hits[i] = SearchHit{
			ID:         m.Chunk.ID,
			Content:    m.Chunk.Text,
			Preview:    preview(m.Chunk.Text, previewRunes),
			Similarity: math.Round(m.Score*1000) / 1000,
			Metadata:   m.Chunk.Meta,
		}
	}
	writeJSON(w, http.StatusOK, SearchResponse{Query: q, Results: hits, Count: len(hits)})
}

func preview(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n]) + "..."
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := semantic.CollectStats(r.Context(), s.store)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "catalog is not configured"})
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	entries, err := s.catalog.List(r.Context(), catalog.Filter{
		Category: domain.Category(r.URL.Query().Get("category")),
		Offset:   offset,
		Limit:    limit,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	cats, err := s.catalog.Categories(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": entries, "categories": cats})
}

// --- Costs ---

func (s *server) handleCostSummary(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", 30)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	sum, err := s.costs.Summary(r.Context(), days)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *server) handleCostBreakdown(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", 30)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rows, err := s.costs.Breakdown(r.Context(), days)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if rows == nil {
		rows = []costs.ModelUsage{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *server) handleCostEfficiency(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", 30)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	eff, err := s.costs.Efficiency(r.Context(), days)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, eff)
}

func (s *server) handleCostAlerts(w http.ResponseWriter, r *http.Request) {
	threshold, err := queryFloat(r, "threshold", 10)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	alerts, err := s.costs.Alerts(r.Context(), threshold)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if alerts == nil {
		alerts = []costs.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts, "threshold": threshold})
}

func (s *server) handleCostExport(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", 30)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	format := costs.FormatJSON
	if v := r.URL.Query().Get("format"); v != "" {
		if format, err = costs.ParseFormat(v); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	var buf bytes.Buffer
	if err := s.costs.Export(r.Context(), &buf, format, days); err != nil {
		s.fail(w, r, err)
		return
	}
	if format == costs.FormatCSV {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="costs-%s.csv"`, time.Now().UTC().Format("2006-01-02")))
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

func (s *server) handleCostRealtime(w http.ResponseWriter, r *http.Request) {
	rt, err := s.costs.Realtime(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rt)
}

func (s *server) handleCostHealth(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	if err := s.costs.Health(r.Context()); err != nil {
		s.logger.Error("cost tracking unhealthy", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"status":    "unhealthy",
			"timestamp": now,
			"error":     "cost store unavailable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "healthy",
		"timestamp":     now,
		"cost_tracking": "active",
	})
}
