package idempotency

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryLedgerAcquire(t *testing.T) {
	ledger := NewInMemoryLedger()
	ctx := context.Background()

	rec, won, err := ledger.Acquire(ctx, "reservation.create", "key-1", "fp-1", "res-1")
	require.NoError(t, err)
	assert.True(t, won)
	assert.Equal(t, "res-1", rec.ResultReference)

	// Same key, same fingerprint: replay returns the original result.
	rec, won, err = ledger.Acquire(ctx, "reservation.create", "key-1", "fp-1", "res-2")
	require.NoError(t, err)
	assert.False(t, won)
	assert.Equal(t, "res-1", rec.ResultReference)
}

func TestInMemoryLedgerFingerprintMismatch(t *testing.T) {
	ledger := NewInMemoryLedger()
	ctx := context.Background()

	_, _, err := ledger.Acquire(ctx, "reservation.create", "key-1", "fp-1", "res-1")
	require.NoError(t, err)

	_, _, err = ledger.Acquire(ctx, "reservation.create", "key-1", "fp-other", "res-2")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestInMemoryLedgerOperationScoping(t *testing.T) {
	ledger := NewInMemoryLedger()
	ctx := context.Background()

	_, won, err := ledger.Acquire(ctx, "reservation.create", "key-1", "fp-1", "res-1")
	require.NoError(t, err)
	assert.True(t, won)

	// Same key under a different operation is a distinct row.
	_, won, err = ledger.Acquire(ctx, "payment_intent.create", "key-1", "fp-1", "pi-1")
	require.NoError(t, err)
	assert.True(t, won)
}

func TestInMemoryLedgerConcurrentAcquire(t *testing.T) {
	ledger := NewInMemoryLedger()
	ctx := context.Background()

	const contenders = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for range contenders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, won, err := ledger.Acquire(ctx, "reservation.create", "key-1", "fp-1", "res-1")
			require.NoError(t, err)
			if won {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
}
