package domain

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// Limits applied to incoming requests.
const (
	MaxMessageLength = 4000
	MaxDays          = 365
	MaxTopK          = 20
)

// ValidateChunking rejects window parameters that would loop forever or lose text.
func ValidateChunking(size, overlap int) error {
	switch {
	case size <= 0:
		return NewConfigError("chunk_size", ErrInvalidChunking)
	case overlap < 0:
		return NewConfigError("chunk_overlap", ErrInvalidChunking)
	case overlap >= size:
		return NewConfigError("chunk_overlap", ErrInvalidChunking)
	}
	return nil
}

// ValidateTopK checks a retrieval limit against [1, MaxTopK].
func ValidateTopK(k int) error {
	if k <= 0 || k > MaxTopK {
		return NewValidationError("top_k", strconv.Itoa(k), ErrInvalidTopK)
	}
	return nil
}

// ValidateMessage checks a chat message.
func ValidateMessage(msg string) error {
	trimmed := strings.TrimSpace(msg)
	if trimmed == "" {
		return NewValidationError("message", msg, ErrEmptyMessage)
	}
	if utf8.RuneCountInString(trimmed) > MaxMessageLength {
		return NewValidationError("message", string([]rune(trimmed)[:64])+"...", ErrMessageTooLong)
	}
	return nil
}

// ValidateDays checks an analytics window.
func ValidateDays(days int) error {
	if days < 1 || days > MaxDays {
		return NewValidationError("days", strconv.Itoa(days), ErrInvalidDays)
	}
	return nil
}

// ValidateThreshold checks a daily cost alert threshold.
func ValidateThreshold(threshold float64) error {
	if !(threshold > 0) {
		return NewValidationError("threshold", strconv.FormatFloat(threshold, 'f', -1, 64), ErrInvalidThreshold)
	}
	return nil
}
