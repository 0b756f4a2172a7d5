// Package repo defines the generic Repository interface and list options.
package repo

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no entity has the requested ID.
var ErrNotFound = errors.New("repo: not found")

// Repository is a generic keyed store.
type Repository[T any, ID comparable] interface {
	Get(ctx context.Context, id ID) (T, error)
	List(ctx context.Context, opts ListOpts) ([]T, error)
	Upsert(ctx context.Context, entity T) error
	Delete(ctx context.Context, id ID) error
	Count(ctx context.Context, filter map[string]any) (int64, error)
}

// ListOpts controls pagination and filtering for List operations. Filter
// entries are matched by equality on the named property.
type ListOpts struct {
	Offset  int
	Limit   int
	OrderBy string
	Filter  map[string]any
}

// DefaultLimit applies when ListOpts.Limit is not positive.
const DefaultLimit = 100
