package rag

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/WessleyAI/docchat/pkg/fn"
	"github.com/WessleyAI/docchat/pkg/llm"
)

// EventType discriminates stream events.
type EventType string

const (
	EventToken   EventType = "token"
	EventSources EventType = "sources"
	EventError   EventType = "error"
)

// Event is one item of a streamed exchange. The channel carrying events is
// closed when the exchange ends; there is no explicit end event.
type Event struct {
	Type       EventType
	Content    string      // EventToken
	Sources    []Source    // EventSources
	Confidence float64     // EventSources
	Usage      Usage       // EventSources
	Err        *StageError // EventError
}

// Stream runs the pipeline and streams the answer. Invalid requests are
// rejected before any work starts; every later failure arrives as a single
// EventError, always the last event. Tokens arrive in generation order and
// a successful exchange ends with exactly one EventSources.
//
// Cancelling ctx stops the producer and the provider call; the channel is
// closed without a further event.
func (s *Service) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	req, err := s.validate(req)
	if err != nil {
		s.count("stream", "invalid")
		return nil, newStageError(StageReceived, err)
	}
	ch := make(chan Event, s.opts.StreamBuffer)
	go s.produce(ctx, req, ch)
	return ch, nil
}

func (s *Service) produce(ctx context.Context, req Request, ch chan<- Event) {
	defer close(ch)

	send := func(ev Event) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	ctx, ex, serr := s.prepare(ctx, req)
	if serr != nil {
		s.count("stream", outcome(serr))
		if ctx.Err() == nil {
			send(Event{Type: EventError, Err: serr})
		}
		return
	}
	defer ex.span.End()

	var emitted strings.Builder
	emit := func(fragment string) error {
		if fragment == "" {
			return nil
		}
		if !send(Event{Type: EventToken, Content: fragment}) {
			return ctx.Err()
		}
		emitted.WriteString(fragment)
		return nil
	}

	genStart := time.Now()
	llmReq := s.llmRequest(ex)
	// Only retry while nothing has reached the client; a retry after tokens
	// were sent would duplicate them.
	opts := s.retryOpts(StageGenerating, func() bool { return emitted.Len() == 0 })
	comp, err := fn.Retry(ctx, opts, func(ctx context.Context) fn.Result[llm.Completion] {
		var comp llm.Completion
		err := s.breaker.Call(ctx, func(ctx context.Context) error {
			var err error
			comp, err = s.gen.Stream(ctx, llmReq, emit)
			return err
		})
		return fn.FromPair(comp, err)
	}).Unwrap()
	s.observe(StageStreamingTokens, genStart)

	usage := s.settle(ctx, ex, comp, emitted.String(), err)
	if err != nil {
		stage := StageGenerating
		if emitted.Len() > 0 {
			stage = StageStreamingTokens
		}
		serr := s.fail(ex, stage, err)
		s.count("stream", outcome(serr))
		if ctx.Err() == nil {
			send(Event{Type: EventError, Err: serr})
		}
		return
	}

	s.count("stream", "completed")
	ex.span.SetStatus(codes.Ok, "")
	send(Event{
		Type:       EventSources,
		Sources:    ex.sources,
		Confidence: confidence(ex.sources),
		Usage:      usage,
	})
	s.logger.Info("rag: stream completed", "request_id", req.RequestID, "chars", emitted.Len(), "elapsed", time.Since(ex.start))
}
