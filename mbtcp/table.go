package mbtcp

import (
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-mbus/mbus"
)

// pendingTxn is the live state tracked for one open transaction. It is owned
// exclusively by the transaction table while open and never mutated in place;
// removal from the table transfers ownership to the resolving path.
type pendingTxn struct {
	result    *PendingResponse
	timer     mbus.TimerHandle
	startedAt time.Time
}

// transactionTable maps open transaction identifiers to their pending state.
//
// Its atomic remove-if-present is the single synchronization point deciding
// the response-vs-timeout race: exactly one of two concurrent removal
// attempts for the same identifier succeeds, the other observes absence.
// No external locking is required or permitted for that decision.
type transactionTable struct {
	m *xsync.MapOf[uint16, *pendingTxn]
}

func newTransactionTable() *transactionTable {
	return &transactionTable{m: xsync.NewMapOf[uint16, *pendingTxn]()}
}

// insert adds txn under id. It fails with ErrDuplicateTransactionID when id is
// already open, which only happens past the 65536 open-transaction capacity.
func (t *transactionTable) insert(id uint16, txn *pendingTxn) error {
	if _, loaded := t.m.LoadOrStore(id, txn); loaded {
		return mbus.ErrDuplicateTransactionID
	}

	return nil
}

// removeIfPresent atomically removes and returns the transaction for id.
// The second return value reports whether the transaction was still open.
func (t *transactionTable) removeIfPresent(id uint16) (*pendingTxn, bool) {
	return t.m.LoadAndDelete(id)
}

// drain empties the table and returns every transaction that was open.
// Each entry is claimed through the same atomic removal used by the
// resolution paths, so a concurrent response or timeout for the same
// identifier still resolves it at most once.
func (t *transactionTable) drain() []*pendingTxn {
	var drained []*pendingTxn

	t.m.Range(func(id uint16, _ *pendingTxn) bool {
		if txn, ok := t.m.LoadAndDelete(id); ok {
			drained = append(drained, txn)
		}

		return true
	})

	return drained
}

// size returns the number of currently open transactions.
func (t *transactionTable) size() int {
	return t.m.Size()
}
