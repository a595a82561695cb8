//go:build integration
// +build integration

package postgres_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessOnce_DuplicateDeliveryIsSkipped(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()
	msgID := uuid.NewString()

	calls := 0
	fn := func(tx pgx.Tx) error {
		calls++
		return nil
	}

	processed, err := repo.ProcessOnce(ctx, msgID, "payment_results", fn)
	require.NoError(t, err)
	assert.True(t, processed)

	processed, err = repo.ProcessOnce(ctx, msgID, "payment_results", fn)
	require.NoError(t, err)
	assert.False(t, processed)
	assert.Equal(t, 1, calls)

	// A different handler name is a separate fence.
	processed, err = repo.ProcessOnce(ctx, msgID, "other_handler", fn)
	require.NoError(t, err)
	assert.True(t, processed)
}

// Dedupe keys are opaque strings: broker-assigned ids and payload hashes must
// fence exactly like envelope UUIDs instead of erroring on insert.
func TestProcessOnce_NonUUIDMessageID(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	for _, msgID := range []string{
		"hash:3d1f9c0aa2b14de0b7a55c9e4f6d8a21",
		"amq.ctag-7Xb2ppQm9yN1",
	} {
		calls := 0
		fn := func(tx pgx.Tx) error {
			calls++
			return nil
		}

		processed, err := repo.ProcessOnce(ctx, msgID, "payment_results", fn)
		require.NoError(t, err)
		assert.True(t, processed)

		processed, err = repo.ProcessOnce(ctx, msgID, "payment_results", fn)
		require.NoError(t, err)
		assert.False(t, processed)
		assert.Equal(t, 1, calls)
	}
}

func TestProcessOnce_FailureReleasesTheFence(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()
	msgID := uuid.NewString()

	boom := errors.New("handler failed")
	_, err := repo.ProcessOnce(ctx, msgID, "payment_results", func(tx pgx.Tx) error {
		return boom
	})
	require.ErrorIs(t, err, boom)

	// The rollback dropped the marker, so a redelivery gets through.
	processed, err := repo.ProcessOnce(ctx, msgID, "payment_results", func(tx pgx.Tx) error {
		return nil
	})
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestTryMarkProcessed_EmptyMessageID(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	// No message_id means the caller falls back to at-least-once.
	ok, err := repo.TryMarkProcessed(ctx, "", "payment_results")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.TryMarkProcessed(ctx, "", "payment_results")
	require.NoError(t, err)
	assert.True(t, ok)
}
