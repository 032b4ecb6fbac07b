package ledgerstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/killertux/aledger/internal/clock"
	"github.com/killertux/aledger/internal/ledger"
	"github.com/killertux/aledger/internal/service/balance"
	"github.com/killertux/aledger/internal/storage/kv/memory"
)

func newTestStore(t *testing.T) (*Store, *clock.Fixed) {
	t.Helper()
	clk := clock.NewFixed(time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC))
	return New(memory.New(Indexes()...), clk), clk
}

func entry(accountID uuid.UUID, id string, fields map[string]int64) ledger.Entry {
	out := ledger.Entry{
		AccountID:    accountID,
		EntryID:      ledger.EntryID(id),
		LedgerFields: map[ledger.FieldName]decimal.Decimal{},
		Status:       ledger.Applied(),
	}
	for name, v := range fields {
		out.LedgerFields[ledger.FieldName(name)] = decimal.NewFromInt(v)
	}
	return out
}

func assertBalance(t *testing.T, e ledger.EntryWithBalance, name string, want int64) {
	t.Helper()
	got, ok := e.LedgerBalances[ledger.BalanceName(name)]
	if !ok {
		t.Fatalf("balance %s missing in %v", name, e.LedgerBalances)
	}
	if !got.Equal(decimal.NewFromInt(want)) {
		t.Fatalf("balance %s = %s, want %d", name, got, want)
	}
}

func TestAppendSingleEntry(t *testing.T) {
	store, _ := newTestStore(t)
	accountID := uuid.New()

	applied, err := store.Append(context.Background(), accountID, []ledger.Entry{
		entry(accountID, "e1", map[string]int64{"amount": 100}),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(applied) != 1 {
		t.Fatalf("expected 1 applied entry, got %d", len(applied))
	}
	if applied[0].Sequence != 0 {
		t.Fatalf("sequence = %d, want 0", applied[0].Sequence)
	}
	assertBalance(t, applied[0], "balance_amount", 100)

	head, err := store.Balance(context.Background(), accountID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if head.EntryID != "e1" || head.Sequence != 0 {
		t.Fatalf("head = %s/%d, want e1/0", head.EntryID, head.Sequence)
	}
	assertBalance(t, head, "balance_amount", 100)
}

func TestAppendBatchSequencesAndBalances(t *testing.T) {
	store, _ := newTestStore(t)
	accountID := uuid.New()

	applied, err := store.Append(context.Background(), accountID, []ledger.Entry{
		entry(accountID, "e1", map[string]int64{"amount": 100}),
		entry(accountID, "e2", map[string]int64{"amount": -30}),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if applied[0].Sequence != 0 || applied[1].Sequence != 1 {
		t.Fatalf("sequences = %d,%d want 0,1", applied[0].Sequence, applied[1].Sequence)
	}
	assertBalance(t, applied[1], "balance_amount", 70)
}

func TestAppendBalancesCoverOwnFieldsOnly(t *testing.T) {
	store, _ := newTestStore(t)
	accountID := uuid.New()

	applied, err := store.Append(context.Background(), accountID, []ledger.Entry{
		entry(accountID, "e1", map[string]int64{"local_amount": 100}),
		entry(accountID, "e2", map[string]int64{"usd_amount": 5}),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(applied[1].LedgerBalances) != 1 {
		t.Fatalf("expected only the entry's own balance, got %v", applied[1].LedgerBalances)
	}
	assertBalance(t, applied[1], "balance_usd_amount", 5)

	head, err := store.Balance(context.Background(), accountID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	assertBalance(t, head, "balance_local_amount", 100)
	assertBalance(t, head, "balance_usd_amount", 5)
}

func TestAppendEmptyBatchIsNoOp(t *testing.T) {
	store, _ := newTestStore(t)

	applied, err := store.Append(context.Background(), uuid.New(), nil)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if applied != nil {
		t.Fatalf("expected no entries, got %v", applied)
	}
}

func TestAppendDuplicateEntryID(t *testing.T) {
	store, _ := newTestStore(t)
	accountID := uuid.New()
	ctx := context.Background()

	if _, err := store.Append(ctx, accountID, []ledger.Entry{
		entry(accountID, "e1", map[string]int64{"amount": 100}),
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	_, err := store.Append(ctx, accountID, []ledger.Entry{
		entry(accountID, "e1", map[string]int64{"amount": 5}),
		entry(accountID, "e3", map[string]int64{"amount": 7}),
	})
	var dup *balance.EntriesAlreadyExistError
	if !errors.As(err, &dup) {
		t.Fatalf("expected EntriesAlreadyExistError, got %v", err)
	}
	if len(dup.EntryIDs) != 1 || dup.EntryIDs[0] != "e1" {
		t.Fatalf("duplicated ids = %v, want [e1]", dup.EntryIDs)
	}

	head, err := store.Balance(ctx, accountID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if head.Sequence != 0 {
		t.Fatalf("failed append must not move HEAD, sequence = %d", head.Sequence)
	}
}

func TestAppendDuplicateEntryIDWithinBatch(t *testing.T) {
	store, _ := newTestStore(t)
	accountID := uuid.New()
	ctx := context.Background()

	_, err := store.Append(ctx, accountID, []ledger.Entry{
		entry(accountID, "e1", map[string]int64{"amount": 100}),
		entry(accountID, "e1", map[string]int64{"amount": 100}),
		entry(accountID, "e2", map[string]int64{"amount": 7}),
	})
	var dup *balance.EntriesAlreadyExistError
	if !errors.As(err, &dup) {
		t.Fatalf("expected EntriesAlreadyExistError, got %v", err)
	}
	if len(dup.EntryIDs) != 1 || dup.EntryIDs[0] != "e1" {
		t.Fatalf("duplicated ids = %v, want [e1]", dup.EntryIDs)
	}

	// Nothing commits; in particular the delta must not be double-counted.
	var notFoundErr *balance.NotFoundError
	if _, err := store.Balance(ctx, accountID); !errors.As(err, &notFoundErr) {
		t.Fatalf("HEAD must stay absent, got %v", err)
	}
}

func TestAppendConditionalFailureOnFreshAccount(t *testing.T) {
	store, _ := newTestStore(t)
	accountID := uuid.New()
	ctx := context.Background()

	e := entry(accountID, "e1", map[string]int64{"amount": -5})
	e.Conditionals = []ledger.Conditional{
		ledger.GreaterThanOrEqualTo("balance_amount", decimal.Zero),
	}
	_, err := store.Append(ctx, accountID, []ledger.Entry{e})
	var cond *balance.ConditionFailedError
	if !errors.As(err, &cond) {
		t.Fatalf("expected ConditionFailedError, got %v", err)
	}
	if cond.EntryID != "e1" {
		t.Fatalf("failed entry = %s, want e1", cond.EntryID)
	}

	var notFoundErr *balance.NotFoundError
	if _, err := store.Balance(ctx, accountID); !errors.As(err, &notFoundErr) {
		t.Fatalf("HEAD must stay absent, got %v", err)
	}
}

func TestAppendConditionalHoldsOnPostApplicationBalance(t *testing.T) {
	store, _ := newTestStore(t)
	accountID := uuid.New()

	e1 := entry(accountID, "e1", map[string]int64{"amount": 100})
	e2 := entry(accountID, "e2", map[string]int64{"amount": -30})
	e2.Conditionals = []ledger.Conditional{
		ledger.GreaterThanOrEqualTo("balance_amount", decimal.Zero),
	}
	applied, err := store.Append(context.Background(), accountID, []ledger.Entry{e1, e2})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	assertBalance(t, applied[1], "balance_amount", 70)
}

func TestRevertAndReAdd(t *testing.T) {
	store, _ := newTestStore(t)
	accountID := uuid.New()
	ctx := context.Background()

	if _, err := store.Append(ctx, accountID, []ledger.Entry{
		entry(accountID, "e1", map[string]int64{"amount": 100}),
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	reverted, err := store.Revert(ctx, accountID, []ledger.EntryID{"e1"})
	if err != nil {
		t.Fatalf("revert: %v", err)
	}
	if len(reverted) != 1 {
		t.Fatalf("expected 1 compensating entry, got %d", len(reverted))
	}
	comp := reverted[0]
	if comp.Status != ledger.Revert(0) {
		t.Fatalf("status = %v, want Revert(0)", comp.Status)
	}
	if comp.Sequence != 1 {
		t.Fatalf("sequence = %d, want 1", comp.Sequence)
	}
	assertBalance(t, comp, "balance_amount", 0)

	applied, err := store.Append(ctx, accountID, []ledger.Entry{
		entry(accountID, "e1", map[string]int64{"amount": 100}),
	})
	if err != nil {
		t.Fatalf("re-add after revert: %v", err)
	}
	if applied[0].Sequence != 2 {
		t.Fatalf("sequence = %d, want 2", applied[0].Sequence)
	}
	assertBalance(t, applied[0], "balance_amount", 100)
}

func TestRevertMarksHistoricalRow(t *testing.T) {
	store, _ := newTestStore(t)
	accountID := uuid.New()
	ctx := context.Background()

	if _, err := store.Append(ctx, accountID, []ledger.Entry{
		entry(accountID, "e1", map[string]int64{"amount": 100}),
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := store.Revert(ctx, accountID, []ledger.EntryID{"e1"}); err != nil {
		t.Fatalf("revert: %v", err)
	}

	chain, err := store.EntryChain(ctx, accountID, "e1", ledger.ContinueFromStart(), 10)
	if err != nil {
		t.Fatalf("entry chain: %v", err)
	}
	if len(chain) != 1 {
		t.Fatalf("chain length = %d, want 1", len(chain))
	}
	if chain[0].Status != ledger.Reverted(1) {
		t.Fatalf("status = %v, want Reverted(1)", chain[0].Status)
	}
	if chain[0].Sequence != 0 {
		t.Fatalf("historical row keeps its sequence, got %d", chain[0].Sequence)
	}
}

func TestRevertMissingEntries(t *testing.T) {
	store, _ := newTestStore(t)
	accountID := uuid.New()
	ctx := context.Background()

	if _, err := store.Append(ctx, accountID, []ledger.Entry{
		entry(accountID, "e1", map[string]int64{"amount": 100}),
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	_, err := store.Revert(ctx, accountID, []ledger.EntryID{"missing", "e1"})
	var missing *balance.EntriesDoNotExistError
	if !errors.As(err, &missing) {
		t.Fatalf("expected EntriesDoNotExistError, got %v", err)
	}
	if len(missing.EntryIDs) != 1 || missing.EntryIDs[0] != "missing" {
		t.Fatalf("missing ids = %v, want [missing]", missing.EntryIDs)
	}
}

func TestRevertOnUnknownAccount(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Revert(context.Background(), uuid.New(), []ledger.EntryID{"e1"})
	var missing *balance.EntriesDoNotExistError
	if !errors.As(err, &missing) {
		t.Fatalf("expected EntriesDoNotExistError, got %v", err)
	}
}

func TestRevertTwiceFailsSecondTime(t *testing.T) {
	store, _ := newTestStore(t)
	accountID := uuid.New()
	ctx := context.Background()

	if _, err := store.Append(ctx, accountID, []ledger.Entry{
		entry(accountID, "e1", map[string]int64{"amount": 100}),
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := store.Revert(ctx, accountID, []ledger.EntryID{"e1"}); err != nil {
		t.Fatalf("first revert: %v", err)
	}
	_, err := store.Revert(ctx, accountID, []ledger.EntryID{"e1"})
	var missing *balance.EntriesDoNotExistError
	if !errors.As(err, &missing) {
		t.Fatalf("expected EntriesDoNotExistError, got %v", err)
	}
}

func TestRevertOfRevert(t *testing.T) {
	store, _ := newTestStore(t)
	accountID := uuid.New()
	ctx := context.Background()

	if _, err := store.Append(ctx, accountID, []ledger.Entry{
		entry(accountID, "e1", map[string]int64{"amount": 100}),
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	reverted, err := store.Revert(ctx, accountID, []ledger.EntryID{"e1"})
	if err != nil {
		t.Fatalf("revert: %v", err)
	}

	again, err := store.Revert(ctx, accountID, []ledger.EntryID{reverted[0].EntryID})
	if err != nil {
		t.Fatalf("revert of revert: %v", err)
	}
	if again[0].Status != ledger.Revert(1) {
		t.Fatalf("status = %v, want Revert(1)", again[0].Status)
	}
	assertBalance(t, again[0], "balance_amount", 100)

	head, err := store.Balance(ctx, accountID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	assertBalance(t, head, "balance_amount", 100)
}

func TestBalanceUnknownAccount(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Balance(context.Background(), uuid.New())
	var notFoundErr *balance.NotFoundError
	if !errors.As(err, &notFoundErr) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestEntryChainUnknownEntry(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.EntryChain(context.Background(), uuid.New(), "nope", ledger.ContinueFromStart(), 10)
	var notFoundErr *balance.NotFoundError
	if !errors.As(err, &notFoundErr) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestEntryChainNewestFirstWithContinuation(t *testing.T) {
	store, _ := newTestStore(t)
	accountID := uuid.New()
	ctx := context.Background()

	if _, err := store.Append(ctx, accountID, []ledger.Entry{
		entry(accountID, "e1", map[string]int64{"amount": 100}),
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := store.Revert(ctx, accountID, []ledger.EntryID{"e1"}); err != nil {
		t.Fatalf("revert: %v", err)
	}
	if _, err := store.Append(ctx, accountID, []ledger.Entry{
		entry(accountID, "e1", map[string]int64{"amount": 50}),
	}); err != nil {
		t.Fatalf("re-add: %v", err)
	}

	chain, err := store.EntryChain(ctx, accountID, "e1", ledger.ContinueFromStart(), 10)
	if err != nil {
		t.Fatalf("entry chain: %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("chain length = %d, want 2", len(chain))
	}
	if chain[0].Sequence != 2 || chain[0].Status != ledger.Applied() {
		t.Fatalf("newest row = %d/%v, want 2/applied", chain[0].Sequence, chain[0].Status)
	}
	if chain[1].Sequence != 0 || chain[1].Status != ledger.Reverted(1) {
		t.Fatalf("oldest row = %d/%v, want 0/Reverted(1)", chain[1].Sequence, chain[1].Status)
	}

	// Page of one plus the continuation below the current row.
	page, err := store.EntryChain(ctx, accountID, "e1", ledger.ContinueFromStart(), 1)
	if err != nil {
		t.Fatalf("entry chain: %v", err)
	}
	if len(page) != 1 || page[0].Sequence != 2 {
		t.Fatalf("first page = %v", page)
	}
	rest, err := store.EntryChain(ctx, accountID, "e1", ledger.ContinueAfterCurrent(), 10)
	if err != nil {
		t.Fatalf("entry chain: %v", err)
	}
	if len(rest) != 1 || rest[0].Sequence != 0 {
		t.Fatalf("second page = %v", rest)
	}
}

func appendAt(t *testing.T, store *Store, clk *clock.Fixed, accountID uuid.UUID, id string, amount int64, at time.Time) ledger.EntryWithBalance {
	t.Helper()
	clk.Set(at)
	applied, err := store.Append(context.Background(), accountID, []ledger.Entry{
		entry(accountID, id, map[string]int64{"amount": amount}),
	})
	if err != nil {
		t.Fatalf("append %s: %v", id, err)
	}
	return applied[0]
}

func TestEntriesByDatePaginationAsc(t *testing.T) {
	store, clk := newTestStore(t)
	accountID := uuid.New()
	ctx := context.Background()
	t0 := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c", "d", "e"} {
		appendAt(t, store, clk, accountID, id, 10, t0.Add(time.Duration(i)*35*time.Second))
	}
	start, end := t0.Add(-time.Hour), t0.Add(time.Hour)

	entries, cursor, err := store.EntriesByDate(ctx, accountID, start, end, 3, ledger.OrderAsc, nil)
	if err != nil {
		t.Fatalf("entries by date: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("page length = %d, want 3", len(entries))
	}
	for i, e := range entries {
		if e.Sequence != uint64(i) {
			t.Fatalf("entry %d has sequence %d", i, e.Sequence)
		}
	}
	if cursor == nil || cursor.Entries == nil {
		t.Fatalf("expected a continuation cursor")
	}

	rest, next, err := store.EntriesByDate(ctx, accountID, cursor.Entries.StartDate, cursor.Entries.EndDate, 3, cursor.Entries.Order, &cursor.Entries.Sequence)
	if err != nil {
		t.Fatalf("entries by date: %v", err)
	}
	if len(rest) != 2 || rest[0].Sequence != 3 || rest[1].Sequence != 4 {
		t.Fatalf("second page = %v", rest)
	}
	if next != nil {
		t.Fatalf("expected no cursor on the final page")
	}
}

func TestEntriesByDatePaginationDesc(t *testing.T) {
	store, clk := newTestStore(t)
	accountID := uuid.New()
	ctx := context.Background()
	t0 := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c", "d", "e"} {
		appendAt(t, store, clk, accountID, id, 10, t0.Add(time.Duration(i)*35*time.Second))
	}
	start, end := t0.Add(-time.Hour), t0.Add(time.Hour)

	entries, cursor, err := store.EntriesByDate(ctx, accountID, start, end, 3, ledger.OrderDesc, nil)
	if err != nil {
		t.Fatalf("entries by date: %v", err)
	}
	want := []uint64{4, 3, 2}
	for i, e := range entries {
		if e.Sequence != want[i] {
			t.Fatalf("entry %d has sequence %d, want %d", i, e.Sequence, want[i])
		}
	}
	if cursor == nil || cursor.Entries == nil {
		t.Fatalf("expected a continuation cursor")
	}

	rest, next, err := store.EntriesByDate(ctx, accountID, cursor.Entries.StartDate, cursor.Entries.EndDate, 3, cursor.Entries.Order, &cursor.Entries.Sequence)
	if err != nil {
		t.Fatalf("entries by date: %v", err)
	}
	if len(rest) != 2 || rest[0].Sequence != 1 || rest[1].Sequence != 0 {
		t.Fatalf("second page = %v", rest)
	}
	if next != nil {
		t.Fatalf("expected no cursor on the final page")
	}
}

func TestEntriesByDateSpansDays(t *testing.T) {
	store, clk := newTestStore(t)
	accountID := uuid.New()
	ctx := context.Background()
	day1 := time.Date(2024, 5, 10, 23, 0, 0, 0, time.UTC)
	day2 := time.Date(2024, 5, 11, 1, 0, 0, 0, time.UTC)

	appendAt(t, store, clk, accountID, "a", 10, day1)
	appendAt(t, store, clk, accountID, "b", 10, day2)

	entries, _, err := store.EntriesByDate(ctx, accountID, day1.Add(-time.Hour), day2.Add(time.Hour), 10, ledger.OrderDesc, nil)
	if err != nil {
		t.Fatalf("entries by date: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected both days, got %d entries", len(entries))
	}
	if entries[0].EntryID != "b" || entries[1].EntryID != "a" {
		t.Fatalf("descending order across days broken: %v, %v", entries[0].EntryID, entries[1].EntryID)
	}
}

func TestEntriesByDateReversedRangeIsEmpty(t *testing.T) {
	store, clk := newTestStore(t)
	accountID := uuid.New()
	t0 := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	appendAt(t, store, clk, accountID, "a", 10, t0)

	entries, cursor, err := store.EntriesByDate(context.Background(), accountID, t0.Add(time.Hour), t0.Add(-time.Hour), 10, ledger.OrderDesc, nil)
	if err != nil {
		t.Fatalf("entries by date: %v", err)
	}
	if len(entries) != 0 || cursor != nil {
		t.Fatalf("expected empty result, got %v", entries)
	}
}
