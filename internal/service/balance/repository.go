// Package balance holds the use-case driver of the ledger engine and the
// repository contract it consumes.
package balance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/killertux/aledger/internal/ledger"
)

// Repository is the persistence capability the driver requires. The
// store-backed implementation lives in internal/storage/ledgerstore; tests
// use a queued-response double.
type Repository interface {
	// Append commits the given entries to the account in the listed order,
	// atomically, returning one EntryWithBalance per input in order.
	Append(ctx context.Context, accountID uuid.UUID, entries []ledger.Entry) ([]ledger.EntryWithBalance, error)
	// Revert produces one compensating entry per requested id, atomically.
	Revert(ctx context.Context, accountID uuid.UUID, entryIDs []ledger.EntryID) ([]ledger.EntryWithBalance, error)
	// Balance returns the HEAD snapshot of the account.
	Balance(ctx context.Context, accountID uuid.UUID) (ledger.EntryWithBalance, error)
	// EntryChain returns up to limit rows of the entry's revert chain in
	// descending sequence order, starting from the continuation point.
	EntryChain(ctx context.Context, accountID uuid.UUID, entryID ledger.EntryID, cont ledger.EntryToContinue, limit int) ([]ledger.EntryWithBalance, error)
	// EntriesByDate returns up to limit entries created within [start, end]
	// in the requested order, with a continuation cursor when the page is
	// full.
	EntriesByDate(ctx context.Context, accountID uuid.UUID, start, end time.Time, limit int, order ledger.Order, startAfter *uint64) ([]ledger.EntryWithBalance, *ledger.Cursor, error)
}

// OptimisticLockError reports that the account HEAD moved between the read
// and the transactional write.
type OptimisticLockError struct {
	AccountID uuid.UUID
}

func (e *OptimisticLockError) Error() string {
	return fmt.Sprintf("optimistic lock error in updating HEAD of account %s", e.AccountID)
}

// EntriesAlreadyExistError reports input entry ids colliding with committed
// entries of the account.
type EntriesAlreadyExistError struct {
	AccountID uuid.UUID
	EntryIDs  []ledger.EntryID
}

func (e *EntriesAlreadyExistError) Error() string {
	return fmt.Sprintf("entries %v already exist in account %s", e.EntryIDs, e.AccountID)
}

// EntriesDoNotExistError reports revert requests for ids with no current
// applied entry.
type EntriesDoNotExistError struct {
	AccountID uuid.UUID
	EntryIDs  []ledger.EntryID
}

func (e *EntriesDoNotExistError) Error() string {
	return fmt.Sprintf("entries %v do not exist in account %s", e.EntryIDs, e.AccountID)
}

// ConditionFailedError reports a conditional that does not hold on the
// post-application balances.
type ConditionFailedError struct {
	EntryID     ledger.EntryID
	Conditional ledger.Conditional
}

func (e *ConditionFailedError) Error() string {
	return fmt.Sprintf("conditional %s failed for entry %s", e.Conditional, e.EntryID)
}

// NotFoundError reports a read of an unknown account or entry.
type NotFoundError struct {
	AccountID uuid.UUID
	EntryID   ledger.EntryID
}

func (e *NotFoundError) Error() string {
	if e.EntryID != "" {
		return fmt.Sprintf("entry %s not found", e.EntryID)
	}
	return fmt.Sprintf("account %s not found", e.AccountID)
}
