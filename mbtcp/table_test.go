package mbtcp

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-mbus/mbus"
)

func TestTransactionTable_InsertRemove(t *testing.T) {
	require := require.New(t)

	table := newTransactionTable()

	txn := &pendingTxn{result: newPendingResponse()}
	require.NoError(table.insert(42, txn))
	require.Equal(1, table.size())

	require.ErrorIs(table.insert(42, &pendingTxn{}), mbus.ErrDuplicateTransactionID)

	got, ok := table.removeIfPresent(42)
	require.True(ok)
	require.Same(txn, got)
	require.Equal(0, table.size())

	_, ok = table.removeIfPresent(42)
	require.False(ok)
}

func TestTransactionTable_RemoveRace(t *testing.T) {
	// exactly one of two concurrent removal attempts for the same identifier
	// may succeed; this is the arbiter of the response-vs-timeout race
	table := newTransactionTable()

	const iterations = 2000

	for i := 0; i < iterations; i++ {
		id := uint16(i)
		require.NoError(t, table.insert(id, &pendingTxn{}))

		var wins atomic.Int32
		var wg sync.WaitGroup

		wg.Add(2)
		for j := 0; j < 2; j++ {
			go func() {
				defer wg.Done()
				if _, ok := table.removeIfPresent(id); ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()

		require.Equal(t, int32(1), wins.Load(), "id %d removed by %d goroutines", id, wins.Load())
	}
}

func TestTransactionTable_Drain(t *testing.T) {
	require := require.New(t)

	table := newTransactionTable()

	for i := 0; i < 100; i++ {
		require.NoError(table.insert(uint16(i), &pendingTxn{}))
	}

	drained := table.drain()
	require.Len(drained, 100)
	require.Equal(0, table.size())

	require.Empty(table.drain())
}

func TestTransactionTable_DrainRace(t *testing.T) {
	// a concurrent drain and per-id removals must hand out every record
	// exactly once
	table := newTransactionTable()

	const n = 1000

	for i := 0; i < n; i++ {
		require.NoError(t, table.insert(uint16(i), &pendingTxn{}))
	}

	var claimed atomic.Int32
	var wg sync.WaitGroup

	wg.Add(2)

	go func() {
		defer wg.Done()
		claimed.Add(int32(len(table.drain())))
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			if _, ok := table.removeIfPresent(uint16(i)); ok {
				claimed.Add(1)
			}
		}
	}()

	wg.Wait()

	require.Equal(t, int32(n), claimed.Load())
	require.Equal(t, 0, table.size())
}
