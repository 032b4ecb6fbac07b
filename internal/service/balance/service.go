package balance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/killertux/aledger/internal/errs"
	"github.com/killertux/aledger/internal/ledger"
)

// Transactional-write item budgets. A push costs one slot per entry plus the
// HEAD slot; a delete costs three slots per entry plus the HEAD slot.
const (
	pushChunkSize   = 99
	deleteChunkSize = 33
	maxTries        = 5
)

var lockRetries = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "aledger",
	Name:      "optimistic_lock_retries_total",
	Help:      "Number of write retries caused by optimistic lock conflicts.",
})

// NonAppliedReason explains why an input was not applied. Codes are part of
// the wire contract.
type NonAppliedReason struct {
	Code    uint16 `json:"error_code"`
	Message string `json:"error"`
}

var (
	ReasonOptimisticLockFailed = NonAppliedReason{Code: 100, Message: "Optimistic lock failed. Try again later"}
	ReasonEntriesAlreadyExists = NonAppliedReason{Code: 200, Message: "Entry already exists for this account"}
	ReasonEntriesDoesNotExists = NonAppliedReason{Code: 300, Message: "Entry does not exists or reverted for this account"}
	ReasonConditionFailed      = NonAppliedReason{Code: 400, Message: "Condition failed for this entry"}
)

// ReasonOther wraps an unexpected error into a code-900 reason.
func ReasonOther(err error) NonAppliedReason {
	return NonAppliedReason{Code: 900, Message: fmt.Sprintf("Other unexpected error: %s", err)}
}

// NonAppliedEntry is a push input that was not applied.
type NonAppliedEntry struct {
	Reason NonAppliedReason
	Entry  ledger.Entry
}

// NonAppliedDelete is a delete input that was not applied.
type NonAppliedDelete struct {
	Reason  NonAppliedReason
	Request ledger.DeleteEntryRequest
}

// SleepFunc pauses between retries; it returns early if ctx is cancelled.
type SleepFunc func(ctx context.Context, d time.Duration)

func sleepContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Service drives the write and read use cases over a Repository.
type Service struct {
	repo  Repository
	log   *slog.Logger
	sleep SleepFunc
}

// New builds a Service with the real backoff sleep.
func New(repo Repository, log *slog.Logger) *Service {
	return NewWithSleep(repo, log, sleepContext)
}

// NewWithSleep builds a Service with an injected sleep, for tests.
func NewWithSleep(repo Repository, log *slog.Logger, sleep SleepFunc) *Service {
	return &Service{repo: repo, log: log, sleep: sleep}
}

// Push appends entries across accounts. Inputs are grouped per account and
// committed in chunks; conflicting inputs land in the non-applied list while
// their neighbors keep going. rng feeds the retry jitter and is owned by the
// request.
func (s *Service) Push(ctx context.Context, rng *rand.Rand, entries []ledger.Entry) ([]ledger.EntryWithBalance, []NonAppliedEntry) {
	var applied []ledger.EntryWithBalance
	var nonApplied []NonAppliedEntry

	for _, group := range groupByAccount(entries, func(e ledger.Entry) uuid.UUID { return e.AccountID }) {
		for _, chunk := range chunks(group.items, pushChunkSize) {
			a, na := s.pushChunk(ctx, rng, group.accountID, chunk)
			applied = append(applied, a...)
			nonApplied = append(nonApplied, na...)
		}
	}
	return applied, dedupNonAppliedEntries(nonApplied)
}

func (s *Service) pushChunk(ctx context.Context, rng *rand.Rand, accountID uuid.UUID, chunk []ledger.Entry) ([]ledger.EntryWithBalance, []NonAppliedEntry) {
	var nonApplied []NonAppliedEntry
	tries := 0
	for {
		tries++
		applied, err := s.repo.Append(ctx, accountID, chunk)
		if err == nil {
			return applied, nonApplied
		}
		s.log.WarnContext(ctx, "error appending entries", "account_id", accountID, "error", err)

		var lockErr *OptimisticLockError
		var dupErr *EntriesAlreadyExistError
		var condErr *ConditionFailedError
		switch {
		case errors.As(err, &lockErr) && tries != maxTries:
			lockRetries.Inc()
			if tries == 1 {
				continue
			}
			s.sleep(ctx, jitter(rng))
		case errors.As(err, &dupErr):
			var out []ledger.Entry
			chunk, out = extractEntries(chunk, dupErr.EntryIDs)
			for _, e := range out {
				nonApplied = append(nonApplied, NonAppliedEntry{Reason: ReasonEntriesAlreadyExists, Entry: e})
			}
		case errors.As(err, &condErr):
			var out []ledger.Entry
			chunk, out = extractEntries(chunk, []ledger.EntryID{condErr.EntryID})
			for _, e := range out {
				nonApplied = append(nonApplied, NonAppliedEntry{Reason: ReasonConditionFailed, Entry: e})
			}
		default:
			reason := reasonForWriteError(err)
			for _, e := range chunk {
				nonApplied = append(nonApplied, NonAppliedEntry{Reason: reason, Entry: e})
			}
			return nil, nonApplied
		}
	}
}

// Delete reverts entries across accounts, with the same grouping, chunking
// and retry discipline as Push.
func (s *Service) Delete(ctx context.Context, rng *rand.Rand, requests []ledger.DeleteEntryRequest) ([]ledger.EntryWithBalance, []NonAppliedDelete) {
	var applied []ledger.EntryWithBalance
	var nonApplied []NonAppliedDelete

	for _, group := range groupByAccount(requests, func(r ledger.DeleteEntryRequest) uuid.UUID { return r.AccountID }) {
		for _, chunk := range chunks(group.items, deleteChunkSize) {
			a, na := s.deleteChunk(ctx, rng, group.accountID, chunk)
			applied = append(applied, a...)
			nonApplied = append(nonApplied, na...)
		}
	}
	return applied, dedupNonAppliedDeletes(nonApplied)
}

func (s *Service) deleteChunk(ctx context.Context, rng *rand.Rand, accountID uuid.UUID, chunk []ledger.DeleteEntryRequest) ([]ledger.EntryWithBalance, []NonAppliedDelete) {
	var nonApplied []NonAppliedDelete
	ids := make([]ledger.EntryID, len(chunk))
	for i, r := range chunk {
		ids[i] = r.EntryID
	}
	tries := 0
	for {
		tries++
		applied, err := s.repo.Revert(ctx, accountID, ids)
		if err == nil {
			return applied, nonApplied
		}
		s.log.WarnContext(ctx, "error reverting entries", "account_id", accountID, "error", err)

		var lockErr *OptimisticLockError
		var missingErr *EntriesDoNotExistError
		switch {
		case errors.As(err, &lockErr) && tries != maxTries:
			lockRetries.Inc()
			if tries == 1 {
				continue
			}
			s.sleep(ctx, jitter(rng))
		case errors.As(err, &missingErr):
			var out []ledger.DeleteEntryRequest
			chunk, out = extractRequests(chunk, missingErr.EntryIDs)
			ids, _ = extractIDs(ids, missingErr.EntryIDs)
			for _, r := range out {
				nonApplied = append(nonApplied, NonAppliedDelete{Reason: ReasonEntriesDoesNotExists, Request: r})
			}
		default:
			reason := reasonForWriteError(err)
			for _, r := range chunk {
				nonApplied = append(nonApplied, NonAppliedDelete{Reason: reason, Request: r})
			}
			return nil, nonApplied
		}
	}
}

// Balance returns the HEAD snapshot of the account.
func (s *Service) Balance(ctx context.Context, accountID uuid.UUID) (ledger.EntryWithBalance, error) {
	return s.repo.Balance(ctx, accountID)
}

// Entries lists entries created within [start, end].
func (s *Service) Entries(ctx context.Context, accountID uuid.UUID, start, end time.Time, limit int, order ledger.Order) ([]ledger.EntryWithBalance, *ledger.Cursor, error) {
	return s.repo.EntriesByDate(ctx, accountID, start, end, limit, order, nil)
}

// EntriesFromCursor resumes a date-ranged listing. The cursor must belong to
// the path account.
func (s *Service) EntriesFromCursor(ctx context.Context, accountID uuid.UUID, cursor ledger.EntriesCursor, limit int) ([]ledger.EntryWithBalance, *ledger.Cursor, error) {
	if cursor.AccountID != accountID {
		return nil, nil, fmt.Errorf("%w: cursor does not belong to account %s", errs.ErrUnprocessable, accountID)
	}
	seq := cursor.Sequence
	return s.repo.EntriesByDate(ctx, accountID, cursor.StartDate, cursor.EndDate, limit, cursor.Order, &seq)
}

// Entry returns the revert chain of an entry id newest-first.
func (s *Service) Entry(ctx context.Context, accountID uuid.UUID, entryID ledger.EntryID, limit int) ([]ledger.EntryWithBalance, *ledger.Cursor, error) {
	return s.entryChain(ctx, accountID, entryID, ledger.ContinueFromStart(), limit)
}

// EntryFromCursor resumes an entry-chain scan. The cursor must belong to the
// path account and entry.
func (s *Service) EntryFromCursor(ctx context.Context, accountID uuid.UUID, entryID ledger.EntryID, cursor ledger.EntryCursor, limit int) ([]ledger.EntryWithBalance, *ledger.Cursor, error) {
	if cursor.AccountID != accountID || cursor.EntryID != entryID {
		return nil, nil, fmt.Errorf("%w: cursor does not belong to entry %s", errs.ErrUnprocessable, entryID)
	}
	return s.entryChain(ctx, accountID, entryID, cursor.Continue, limit)
}

func (s *Service) entryChain(ctx context.Context, accountID uuid.UUID, entryID ledger.EntryID, cont ledger.EntryToContinue, limit int) ([]ledger.EntryWithBalance, *ledger.Cursor, error) {
	entries, err := s.repo.EntryChain(ctx, accountID, entryID, cont, limit)
	if err != nil {
		return nil, nil, err
	}
	if len(entries) < limit {
		return entries, nil, nil
	}
	last := entries[len(entries)-1]
	next := ledger.ContinueAfterSequence(last.Sequence)
	if last.Status.Kind == ledger.StatusApplied {
		next = ledger.ContinueAfterCurrent()
	}
	cursor := &ledger.Cursor{Entry: &ledger.EntryCursor{
		AccountID: accountID,
		EntryID:   entryID,
		Continue:  next,
	}}
	return entries, cursor, nil
}

// jitter draws a uniformly random backoff in [10, 100) ms.
func jitter(rng *rand.Rand) time.Duration {
	return time.Duration(10+rng.Intn(90)) * time.Millisecond
}

func reasonForWriteError(err error) NonAppliedReason {
	var lockErr *OptimisticLockError
	if errors.As(err, &lockErr) {
		return ReasonOptimisticLockFailed
	}
	return ReasonOther(err)
}

type accountGroup[T any] struct {
	accountID uuid.UUID
	items     []T
}

// groupByAccount buckets items per account, keeping accounts in first-seen
// order and items in input order.
func groupByAccount[T any](items []T, key func(T) uuid.UUID) []accountGroup[T] {
	index := make(map[uuid.UUID]int)
	var groups []accountGroup[T]
	for _, item := range items {
		id := key(item)
		i, ok := index[id]
		if !ok {
			i = len(groups)
			index[id] = i
			groups = append(groups, accountGroup[T]{accountID: id})
		}
		groups[i].items = append(groups[i].items, item)
	}
	return groups
}

func chunks[T any](items []T, size int) [][]T {
	var out [][]T
	for len(items) > size {
		out = append(out, items[:size])
		items = items[size:]
	}
	return append(out, items)
}

func extractEntries(entries []ledger.Entry, ids []ledger.EntryID) (kept, extracted []ledger.Entry) {
	set := idSet(ids)
	for _, e := range entries {
		if set[e.EntryID] {
			extracted = append(extracted, e)
		} else {
			kept = append(kept, e)
		}
	}
	return kept, extracted
}

func extractRequests(requests []ledger.DeleteEntryRequest, ids []ledger.EntryID) (kept, extracted []ledger.DeleteEntryRequest) {
	set := idSet(ids)
	for _, r := range requests {
		if set[r.EntryID] {
			extracted = append(extracted, r)
		} else {
			kept = append(kept, r)
		}
	}
	return kept, extracted
}

func extractIDs(all []ledger.EntryID, remove []ledger.EntryID) (kept, extracted []ledger.EntryID) {
	set := idSet(remove)
	for _, id := range all {
		if set[id] {
			extracted = append(extracted, id)
		} else {
			kept = append(kept, id)
		}
	}
	return kept, extracted
}

func idSet(ids []ledger.EntryID) map[ledger.EntryID]bool {
	set := make(map[ledger.EntryID]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

// An input may surface more than once; report it once.
func dedupNonAppliedEntries(in []NonAppliedEntry) []NonAppliedEntry {
	type key struct {
		code      uint16
		accountID uuid.UUID
		entryID   ledger.EntryID
	}
	seen := make(map[key]bool, len(in))
	out := in[:0]
	for _, na := range in {
		k := key{na.Reason.Code, na.Entry.AccountID, na.Entry.EntryID}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, na)
	}
	return out
}

func dedupNonAppliedDeletes(in []NonAppliedDelete) []NonAppliedDelete {
	type key struct {
		code      uint16
		accountID uuid.UUID
		entryID   ledger.EntryID
	}
	seen := make(map[key]bool, len(in))
	out := in[:0]
	for _, na := range in {
		k := key{na.Reason.Code, na.Request.AccountID, na.Request.EntryID}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, na)
	}
	return out
}
