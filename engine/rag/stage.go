package rag

import (
	"errors"
	"fmt"

	"github.com/WessleyAI/docchat/engine/domain"
	"github.com/WessleyAI/docchat/pkg/resilience"
)

// Stage is a step of a chat exchange.
type Stage int

const (
	StageReceived Stage = iota
	StageEmbeddingQuery
	StageRetrieving
	StageAssemblingContext
	StageGenerating
	StageStreamingTokens
	StageCompleted
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageReceived:
		return "RECEIVED"
	case StageEmbeddingQuery:
		return "EMBEDDING_QUERY"
	case StageRetrieving:
		return "RETRIEVING"
	case StageAssemblingContext:
		return "ASSEMBLING_CONTEXT"
	case StageGenerating:
		return "GENERATING"
	case StageStreamingTokens:
		return "STREAMING_TOKENS"
	case StageCompleted:
		return "COMPLETED"
	case StageFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// label is the lower-case metric label for s.
func (s Stage) label() string {
	switch s {
	case StageEmbeddingQuery:
		return "embed"
	case StageRetrieving:
		return "retrieve"
	case StageAssemblingContext:
		return "assemble"
	case StageGenerating, StageStreamingTokens:
		return "generate"
	default:
		return "request"
	}
}

// StageError is a failed exchange tagged with the stage it failed in.
type StageError struct {
	Stage Stage
	Kind  domain.Kind
	Err   error
}

func newStageError(stage Stage, err error) *StageError {
	var se *StageError
	if errors.As(err, &se) {
		return se
	}
	kind := domain.KindOf(err)
	if errors.Is(err, resilience.ErrCircuitOpen) {
		kind = domain.KindTransient
	}
	return &StageError{Stage: stage, Kind: kind, Err: err}
}

func (e *StageError) Error() string {
	return fmt.Sprintf("rag: %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Message is the user-facing text for the error. It never includes the cause.
func (e *StageError) Message() string {
	switch e.Kind {
	case domain.KindValidation:
		return "The request was invalid. Please check your message and try again."
	case domain.KindTransient:
		return "The assistant is temporarily unavailable. Please try again shortly."
	case domain.KindConfiguration:
		return "The assistant is misconfigured. Please contact an administrator."
	case domain.KindCanceled:
		return "The request was cancelled."
	case domain.KindPersistence:
		return "The request could not be saved."
	}
	switch e.Stage {
	case StageEmbeddingQuery, StageRetrieving:
		return "Searching the knowledge base failed. Please try again."
	case StageGenerating, StageStreamingTokens:
		return "Generating an answer failed. Please try again."
	}
	return "Something went wrong. Please try again."
}
