// Package search mirrors classified failure lines into an external vector
// index so SearchTestMatcher can find lines whose messages read alike.
// Postgres stays the source of truth; the index is fed through an outbox.
package search

import (
	"context"
)

// Result is a neighbor returned by the index: a classified failure line,
// its best classification at index time and the raw cosine similarity.
type Result struct {
	FailureLineID       int64
	ClassifiedFailureID int64
	Score               float32
}

// Point is the data needed to upsert one failure line into the index.
type Point struct {
	FailureLineID       int64
	ClassifiedFailureID int64
	RepositoryID        int64
	Test                string
	Action              string
	Vector              []float32
}

// Index is the write side of the vector index used by the outbox worker.
// Implementations must be safe for concurrent use.
type Index interface {
	Upsert(ctx context.Context, points []Point) error
	DeleteByIDs(ctx context.Context, lineIDs []int64) error
	Healthy(ctx context.Context) error
}
