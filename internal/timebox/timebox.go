// Package timebox applies a function to a lazy sequence within a time budget.
package timebox

import (
	"context"
	"iter"
	"time"
)

// Run yields fn(item) for items of seq until budget has elapsed or ctx is
// done. The budget is checked after each item, so the first item is always
// processed, even with a zero budget. Items past the cutoff are never pulled
// from seq.
func Run[T, R any](ctx context.Context, seq iter.Seq[T], budget time.Duration, fn func(context.Context, T) R) iter.Seq[R] {
	return RunWithClock(ctx, seq, budget, fn, time.Now)
}

// RunWithClock is Run with an explicit time source.
func RunWithClock[T, R any](ctx context.Context, seq iter.Seq[T], budget time.Duration, fn func(context.Context, T) R, now func() time.Time) iter.Seq[R] {
	return func(yield func(R) bool) {
		deadline := now().Add(budget)
		for item := range seq {
			if !yield(fn(ctx, item)) {
				return
			}
			if ctx.Err() != nil || !now().Before(deadline) {
				return
			}
		}
	}
}

// Collect is a convenience wrapper that gathers the results of Run along
// with whether the whole sequence was consumed.
func Collect[T, R any](ctx context.Context, items []T, budget time.Duration, fn func(context.Context, T) R) (results []R, complete bool) {
	for r := range Run(ctx, func(yield func(T) bool) {
		for _, it := range items {
			if !yield(it) {
				return
			}
		}
	}, budget, fn) {
		results = append(results, r)
	}
	return results, len(results) == len(items)
}
