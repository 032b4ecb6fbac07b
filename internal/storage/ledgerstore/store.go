// Package ledgerstore implements the balance.Repository contract over the kv
// store contract. One account maps to one HEAD row guarded by optimistic
// locking plus one partition per entry id holding the entry's revert chain.
package ledgerstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/killertux/aledger/internal/clock"
	"github.com/killertux/aledger/internal/ledger"
	"github.com/killertux/aledger/internal/service/balance"
	"github.com/killertux/aledger/internal/storage/kv"
)

// Store is the kv-backed ledger repository.
type Store struct {
	kv    kv.Store
	clock clock.Clock
}

// New builds a Store over the given kv backend.
func New(store kv.Store, clk clock.Clock) *Store {
	return &Store{kv: store, clock: clk}
}

// Indexes lists the secondary indexes the Store requires from its backend.
func Indexes() []kv.IndexDef {
	return []kv.IndexDef{IndexByCreatedAt}
}

// Append commits entries to the account atomically. Every entry row is
// guarded by a not-exists condition on its id and the HEAD row by an
// equals condition on the balances and sequence read before the write, so a
// concurrent commit cancels the whole transaction.
func (s *Store) Append(ctx context.Context, accountID uuid.UUID, entries []ledger.Entry) ([]ledger.EntryWithBalance, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	// A repeated id inside one batch would put the same key twice in one
	// transaction; report it as an existing entry so the caller drops every
	// copy and retries the rest.
	if dups := duplicateIDs(entries); len(dups) > 0 {
		return nil, &balance.EntriesAlreadyExistError{AccountID: accountID, EntryIDs: dups}
	}
	head, headRaw, headExists, err := s.readHead(ctx, accountID)
	if err != nil {
		return nil, err
	}
	startSeq := uint64(0)
	base := map[ledger.BalanceName]decimal.Decimal{}
	if headExists {
		startSeq = head.Sequence + 1
		base = head.LedgerBalances
	}

	computed, headBalances, err := balanceForward(base, entries, startSeq, s.clock.Now())
	if err != nil {
		return nil, err
	}

	writes := make([]kv.WriteItem, 0, len(computed)+1)
	for _, e := range computed {
		item, err := entryItem(e)
		if err != nil {
			return nil, err
		}
		writes = append(writes, kv.WriteItem{Put: &kv.Put{
			Key:  kv.Key{PK: entryPK(accountID, e.EntryID), SK: skCurrent},
			Item: item,
			Cond: kv.NotExists(),
		}})
	}
	headEntry := computed[len(computed)-1]
	headEntry.LedgerBalances = headBalances
	headWrite, err := headWriteItem(accountID, headEntry, headRaw, headExists)
	if err != nil {
		return nil, err
	}
	writes = append(writes, headWrite)

	if err := s.kv.TransactWrite(ctx, writes); err != nil {
		var canceled *kv.TxCanceledError
		if !errors.As(err, &canceled) {
			return nil, err
		}
		headIdx := len(writes) - 1
		var dups []ledger.EntryID
		for _, reason := range canceled.Reasons {
			if reason.Index == headIdx {
				return nil, &balance.OptimisticLockError{AccountID: accountID}
			}
			if reason.Index >= 0 && reason.Index < len(computed) {
				dups = append(dups, computed[reason.Index].EntryID)
			}
		}
		if len(dups) > 0 {
			return nil, &balance.EntriesAlreadyExistError{AccountID: accountID, EntryIDs: dups}
		}
		return nil, &balance.OptimisticLockError{AccountID: accountID}
	}
	return computed, nil
}

// Revert writes one compensating entry per requested id. The reverted row is
// moved from its current sort key to a historical one in the same
// transaction, so a second revert of the same id cancels on the delete
// condition.
func (s *Store) Revert(ctx context.Context, accountID uuid.UUID, entryIDs []ledger.EntryID) ([]ledger.EntryWithBalance, error) {
	if len(entryIDs) == 0 {
		return nil, nil
	}
	head, headRaw, headExists, err := s.readHead(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !headExists {
		return nil, &balance.EntriesDoNotExistError{AccountID: accountID, EntryIDs: entryIDs}
	}

	targets, missing, err := s.liveEntries(ctx, accountID, entryIDs)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, &balance.EntriesDoNotExistError{AccountID: accountID, EntryIDs: missing}
	}

	comps := make([]ledger.Entry, 0, len(targets))
	for _, target := range targets {
		negated := make(map[ledger.FieldName]decimal.Decimal, len(target.entry.LedgerFields))
		for name, v := range target.entry.LedgerFields {
			negated[name] = v.Neg()
		}
		comps = append(comps, ledger.Entry{
			AccountID:        accountID,
			EntryID:          ledger.EntryID(uuid.Must(uuid.NewV7()).String()),
			LedgerFields:     negated,
			AdditionalFields: target.entry.AdditionalFields,
			Status:           ledger.Revert(target.entry.Sequence),
		})
	}
	computed, headBalances, err := balanceForward(head.LedgerBalances, comps, head.Sequence+1, s.clock.Now())
	if err != nil {
		return nil, err
	}

	writes := make([]kv.WriteItem, 0, 3*len(targets)+1)
	for i, comp := range computed {
		target := targets[i]
		compItem, err := entryItem(comp)
		if err != nil {
			return nil, err
		}
		writes = append(writes, kv.WriteItem{Put: &kv.Put{
			Key:  kv.Key{PK: entryPK(accountID, comp.EntryID), SK: skRevert},
			Item: compItem,
			Cond: kv.NotExists(),
		}})

		historical := target.entry
		historical.Status = ledger.Reverted(comp.Sequence)
		histItem, err := entryItem(historical)
		if err != nil {
			return nil, err
		}
		writes = append(writes, kv.WriteItem{Put: &kv.Put{
			Key:  kv.Key{PK: entryPK(accountID, target.entry.EntryID), SK: skReverted(comp.Sequence)},
			Item: histItem,
			Cond: kv.NotExists(),
		}})
		writes = append(writes, kv.WriteItem{Delete: &kv.Delete{
			Key:  kv.Key{PK: entryPK(accountID, target.entry.EntryID), SK: target.sk},
			Cond: kv.Exists(),
		}})
	}
	headEntry := computed[len(computed)-1]
	headEntry.LedgerBalances = headBalances
	headWrite, err := headWriteItem(accountID, headEntry, headRaw, true)
	if err != nil {
		return nil, err
	}
	writes = append(writes, headWrite)

	if err := s.kv.TransactWrite(ctx, writes); err != nil {
		var canceled *kv.TxCanceledError
		if !errors.As(err, &canceled) {
			return nil, err
		}
		return nil, &balance.OptimisticLockError{AccountID: accountID}
	}
	return computed, nil
}

// Balance returns the HEAD snapshot of the account.
func (s *Store) Balance(ctx context.Context, accountID uuid.UUID) (ledger.EntryWithBalance, error) {
	head, _, ok, err := s.readHead(ctx, accountID)
	if err != nil {
		return ledger.EntryWithBalance{}, err
	}
	if !ok {
		return ledger.EntryWithBalance{}, &balance.NotFoundError{AccountID: accountID}
	}
	return head, nil
}

// EntryChain scans the revert chain of an entry id newest-first. The sort
// keys are laid out so a descending scan yields the current row first and
// then the historical rows in reverse revert order.
func (s *Store) EntryChain(ctx context.Context, accountID uuid.UUID, entryID ledger.EntryID, cont ledger.EntryToContinue, limit int) ([]ledger.EntryWithBalance, error) {
	var skCond kv.SKCondition
	switch cont.Kind {
	case ledger.ContinueStart:
		skCond = kv.BeginsWith("|")
	case ledger.ContinueCurrentEntry:
		skCond = kv.LessThan(skCurrent)
	case ledger.ContinueSequence:
		skCond = kv.LessThan(skReverted(cont.Sequence))
	default:
		return nil, fmt.Errorf("unknown continuation kind %q", cont.Kind)
	}
	items, err := s.kv.Query(ctx, kv.Query{
		PK:         entryPK(accountID, entryID),
		SK:         skCond,
		Descending: true,
		Limit:      limit,
	})
	if err != nil {
		return nil, err
	}
	if len(items) == 0 && cont.Kind == ledger.ContinueStart {
		return nil, &balance.NotFoundError{AccountID: accountID, EntryID: entryID}
	}
	out := make([]ledger.EntryWithBalance, 0, len(items))
	for _, item := range items {
		e, err := decodeEntry(accountID, item)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// EntriesByDate lists entries created within [start, end] through the
// by_created_at index, walking the day buckets in the requested direction.
// startAfter excludes the boundary row a previous page ended on.
func (s *Store) EntriesByDate(ctx context.Context, accountID uuid.UUID, start, end time.Time, limit int, order ledger.Order, startAfter *uint64) ([]ledger.EntryWithBalance, *ledger.Cursor, error) {
	start = start.UTC()
	end = end.UTC()

	lo := formatCreatedAt(start, 0)
	hi := end.Format(createdAtLayout) + "|" + maxPaddedSequence
	if startAfter != nil {
		if order == ledger.OrderDesc {
			hi = formatCreatedAt(end, *startAfter)
		} else {
			lo = formatCreatedAt(start, *startAfter)
		}
	}

	day := func(t time.Time) time.Time {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	cur, far := day(end), day(start)
	if order == ledger.OrderAsc {
		cur, far = day(start), day(end)
	}

	var acc []ledger.EntryWithBalance
	for {
		items, err := s.kv.Query(ctx, kv.Query{
			Index:      IndexByCreatedAt.Name,
			PK:         accountID.String() + "|" + cur.Format(dayLayout),
			SK:         kv.Between(lo, hi),
			Descending: order == ledger.OrderDesc,
			Limit:      limit + 2 - len(acc),
		})
		if err != nil {
			return nil, nil, err
		}
		for _, item := range items {
			e, err := decodeEntry(accountID, item)
			if err != nil {
				return nil, nil, err
			}
			if startAfter != nil && e.Sequence == *startAfter {
				continue
			}
			acc = append(acc, e)
		}
		if len(acc) > limit {
			break
		}
		if order == ledger.OrderDesc {
			if !cur.After(far) {
				break
			}
			cur = cur.AddDate(0, 0, -1)
		} else {
			if !cur.Before(far) {
				break
			}
			cur = cur.AddDate(0, 0, 1)
		}
	}

	if len(acc) > limit {
		acc = acc[:limit]
	}
	var cursor *ledger.Cursor
	if len(acc) == limit && limit > 0 {
		last := acc[len(acc)-1]
		next := ledger.EntriesCursor{
			AccountID: accountID,
			StartDate: start,
			EndDate:   end,
			Order:     order,
			Sequence:  last.Sequence,
		}
		if order == ledger.OrderDesc {
			next.EndDate = last.CreatedAt
		} else {
			next.StartDate = last.CreatedAt
		}
		cursor = &ledger.Cursor{Entries: &next}
	}
	return acc, cursor, nil
}

// duplicateIDs returns the entry ids appearing more than once in the batch,
// each listed once.
func duplicateIDs(entries []ledger.Entry) []ledger.EntryID {
	seen := make(map[ledger.EntryID]bool, len(entries))
	flagged := make(map[ledger.EntryID]bool)
	var dups []ledger.EntryID
	for _, e := range entries {
		if seen[e.EntryID] && !flagged[e.EntryID] {
			flagged[e.EntryID] = true
			dups = append(dups, e.EntryID)
		}
		seen[e.EntryID] = true
	}
	return dups
}

// readHead fetches and decodes the HEAD row, retaining the raw item so the
// optimistic-lock condition compares the exact stored representation.
func (s *Store) readHead(ctx context.Context, accountID uuid.UUID) (ledger.EntryWithBalance, kv.Item, bool, error) {
	item, ok, err := s.kv.Get(ctx, kv.Key{PK: accountPK(accountID), SK: skCurrent})
	if err != nil || !ok {
		return ledger.EntryWithBalance{}, nil, false, err
	}
	head, err := decodeEntry(accountID, item)
	if err != nil {
		return ledger.EntryWithBalance{}, nil, false, err
	}
	return head, item, true, nil
}

// liveEntry pairs a decoded entry with the sort key its current row occupies.
type liveEntry struct {
	entry ledger.EntryWithBalance
	sk    string
}

// liveEntries batch-reads the live row of every id, looking at both sort
// keys a live row can occupy. Compensating entries live under the revert
// sort key, so they too can be reverted.
func (s *Store) liveEntries(ctx context.Context, accountID uuid.UUID, entryIDs []ledger.EntryID) ([]liveEntry, []ledger.EntryID, error) {
	keys := make([]kv.Key, 0, 2*len(entryIDs))
	for _, id := range entryIDs {
		pk := entryPK(accountID, id)
		keys = append(keys, kv.Key{PK: pk, SK: skCurrent}, kv.Key{PK: pk, SK: skRevert})
	}
	items, err := s.kv.BatchGet(ctx, keys)
	if err != nil {
		return nil, nil, err
	}

	var out []liveEntry
	var missing []ledger.EntryID
	for _, id := range entryIDs {
		pk := entryPK(accountID, id)
		sk := skCurrent
		item, ok := items[kv.Key{PK: pk, SK: skCurrent}]
		if !ok {
			sk = skRevert
			item, ok = items[kv.Key{PK: pk, SK: skRevert}]
		}
		if !ok {
			missing = append(missing, id)
			continue
		}
		e, err := decodeEntry(accountID, item)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, liveEntry{entry: e, sk: sk})
	}
	return out, missing, nil
}

// headWriteItem builds the HEAD write of a commit: a guarded create for a
// fresh account, or an update conditioned on the balances and sequence read
// before the transaction.
func headWriteItem(accountID uuid.UUID, head ledger.EntryWithBalance, prev kv.Item, exists bool) (kv.WriteItem, error) {
	item, err := headItem(head)
	if err != nil {
		return kv.WriteItem{}, err
	}
	key := kv.Key{PK: accountPK(accountID), SK: skCurrent}
	if !exists {
		return kv.WriteItem{Put: &kv.Put{Key: key, Item: item, Cond: kv.NotExists()}}, nil
	}
	return kv.WriteItem{Update: &kv.Update{
		Key: key,
		Set: item,
		Cond: kv.AttributesEqual(kv.Item{
			attrLedgerBalances: prev[attrLedgerBalances],
			attrSequence:       prev[attrSequence],
		}),
	}}, nil
}

// balanceForward rolls the balance vector of base through entries in order,
// assigning sequences from startSeq. Each produced entry carries balances for
// its own fields only; the returned map is the full vector after the last
// entry, destined for the HEAD row. Conditionals are checked against the
// full post-application vector.
func balanceForward(base map[ledger.BalanceName]decimal.Decimal, entries []ledger.Entry, startSeq uint64, now time.Time) ([]ledger.EntryWithBalance, map[ledger.BalanceName]decimal.Decimal, error) {
	running := make(map[ledger.BalanceName]decimal.Decimal, len(base))
	for name, v := range base {
		running[name] = v
	}
	out := make([]ledger.EntryWithBalance, 0, len(entries))
	for i, e := range entries {
		own := make(map[ledger.BalanceName]decimal.Decimal, len(e.LedgerFields))
		for name, delta := range e.LedgerFields {
			b := name.Balance()
			next := running[b].Add(delta)
			running[b] = next
			own[b] = next
		}
		for _, cond := range e.Conditionals {
			if !cond.Holds(running) {
				return nil, nil, &balance.ConditionFailedError{EntryID: e.EntryID, Conditional: cond}
			}
		}
		out = append(out, ledger.EntryWithBalance{
			AccountID:        e.AccountID,
			EntryID:          e.EntryID,
			LedgerBalances:   own,
			LedgerFields:     e.LedgerFields,
			AdditionalFields: e.AdditionalFields,
			Status:           e.Status,
			Sequence:         startSeq + uint64(i),
			CreatedAt:        now,
		})
	}
	return out, running, nil
}
