package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestIsRetriable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"serialization", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock wrapped", fmt.Errorf("upsert job: %w", &pgconn.PgError{Code: "40P01"}), true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetriable(tt.err))
		})
	}
}

func TestReplay(t *testing.T) {
	conflict := &pgconn.PgError{Code: "40001"}
	noWait := func() backoff.BackOff { return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, txReplays) }

	t.Run("succeeds after conflicts", func(t *testing.T) {
		calls := 0
		err := replay(context.Background(), noWait(), func() error {
			calls++
			if calls < 3 {
				return conflict
			}
			return nil
		}, nil)
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after the replay budget", func(t *testing.T) {
		calls := 0
		var replays []error
		err := replay(context.Background(), noWait(), func() error {
			calls++
			return conflict
		}, func(err error, _ time.Duration) { replays = append(replays, err) })
		assert.ErrorIs(t, err, conflict)
		assert.Equal(t, txReplays+1, calls)
		assert.Len(t, replays, txReplays)
	})

	t.Run("does not replay other errors", func(t *testing.T) {
		calls := 0
		err := replay(context.Background(), noWait(), func() error {
			calls++
			return ErrNotFound
		}, nil)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, 1, calls)
	})
}
