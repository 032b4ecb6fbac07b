package balance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/killertux/aledger/internal/errs"
	"github.com/killertux/aledger/internal/ledger"
)

type fakeResult struct {
	entries []ledger.EntryWithBalance
	err     error
}

// fakeRepo pops queued responses; with an empty queue it echoes the input as
// applied, which keeps happy-path tests short.
type fakeRepo struct {
	appendQueue  []fakeResult
	appendCalls  [][]ledger.Entry
	revertQueue  []fakeResult
	revertCalls  [][]ledger.EntryID
	chainEntries []ledger.EntryWithBalance
}

func (f *fakeRepo) Append(_ context.Context, accountID uuid.UUID, entries []ledger.Entry) ([]ledger.EntryWithBalance, error) {
	f.appendCalls = append(f.appendCalls, entries)
	if len(f.appendQueue) > 0 {
		r := f.appendQueue[0]
		f.appendQueue = f.appendQueue[1:]
		return r.entries, r.err
	}
	out := make([]ledger.EntryWithBalance, 0, len(entries))
	for i, e := range entries {
		out = append(out, ledger.EntryWithBalance{
			AccountID:    accountID,
			EntryID:      e.EntryID,
			LedgerFields: e.LedgerFields,
			Status:       e.Status,
			Sequence:     uint64(i),
		})
	}
	return out, nil
}

func (f *fakeRepo) Revert(_ context.Context, accountID uuid.UUID, ids []ledger.EntryID) ([]ledger.EntryWithBalance, error) {
	f.revertCalls = append(f.revertCalls, ids)
	if len(f.revertQueue) > 0 {
		r := f.revertQueue[0]
		f.revertQueue = f.revertQueue[1:]
		return r.entries, r.err
	}
	out := make([]ledger.EntryWithBalance, 0, len(ids))
	for i, id := range ids {
		out = append(out, ledger.EntryWithBalance{AccountID: accountID, EntryID: id, Sequence: uint64(i)})
	}
	return out, nil
}

func (f *fakeRepo) Balance(context.Context, uuid.UUID) (ledger.EntryWithBalance, error) {
	return ledger.EntryWithBalance{}, nil
}

func (f *fakeRepo) EntryChain(context.Context, uuid.UUID, ledger.EntryID, ledger.EntryToContinue, int) ([]ledger.EntryWithBalance, error) {
	return f.chainEntries, nil
}

func (f *fakeRepo) EntriesByDate(context.Context, uuid.UUID, time.Time, time.Time, int, ledger.Order, *uint64) ([]ledger.EntryWithBalance, *ledger.Cursor, error) {
	return nil, nil, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testService(repo Repository) (*Service, *[]time.Duration) {
	var sleeps []time.Duration
	svc := NewWithSleep(repo, testLogger(), func(_ context.Context, d time.Duration) {
		sleeps = append(sleeps, d)
	})
	return svc, &sleeps
}

func testRNG() *rand.Rand { return rand.New(rand.NewSource(42)) }

func pushEntry(accountID uuid.UUID, id string) ledger.Entry {
	return ledger.Entry{
		AccountID: accountID,
		EntryID:   ledger.EntryID(id),
		LedgerFields: map[ledger.FieldName]decimal.Decimal{
			"amount": decimal.NewFromInt(10),
		},
		Status: ledger.Applied(),
	}
}

func TestPushRetriesExhaustOptimisticLock(t *testing.T) {
	accountID := uuid.New()
	repo := &fakeRepo{}
	for i := 0; i < 5; i++ {
		repo.appendQueue = append(repo.appendQueue, fakeResult{err: &OptimisticLockError{AccountID: accountID}})
	}
	svc, sleeps := testService(repo)

	applied, nonApplied := svc.Push(context.Background(), testRNG(), []ledger.Entry{pushEntry(accountID, "e1")})
	if len(applied) != 0 {
		t.Fatalf("expected nothing applied, got %v", applied)
	}
	if len(repo.appendCalls) != 5 {
		t.Fatalf("append called %d times, want 5", len(repo.appendCalls))
	}
	// First retry is immediate; tries 2-4 back off before retrying.
	if len(*sleeps) != 3 {
		t.Fatalf("slept %d times, want 3", len(*sleeps))
	}
	for _, d := range *sleeps {
		if d < 10*time.Millisecond || d >= 100*time.Millisecond {
			t.Fatalf("backoff %v outside [10ms, 100ms)", d)
		}
	}
	if len(nonApplied) != 1 || nonApplied[0].Reason != ReasonOptimisticLockFailed {
		t.Fatalf("non-applied = %v, want one code-100 entry", nonApplied)
	}
}

func TestPushRecoversAfterLockConflict(t *testing.T) {
	accountID := uuid.New()
	repo := &fakeRepo{appendQueue: []fakeResult{{err: &OptimisticLockError{AccountID: accountID}}}}
	svc, sleeps := testService(repo)

	applied, nonApplied := svc.Push(context.Background(), testRNG(), []ledger.Entry{pushEntry(accountID, "e1")})
	if len(nonApplied) != 0 {
		t.Fatalf("non-applied = %v, want none", nonApplied)
	}
	if len(applied) != 1 {
		t.Fatalf("applied = %v, want one entry", applied)
	}
	if len(repo.appendCalls) != 2 || len(*sleeps) != 0 {
		t.Fatalf("first retry must be immediate: %d calls, %d sleeps", len(repo.appendCalls), len(*sleeps))
	}
}

func TestPushPartitionsDuplicates(t *testing.T) {
	accountID := uuid.New()
	repo := &fakeRepo{appendQueue: []fakeResult{
		{err: &EntriesAlreadyExistError{AccountID: accountID, EntryIDs: []ledger.EntryID{"e1"}}},
	}}
	svc, _ := testService(repo)

	applied, nonApplied := svc.Push(context.Background(), testRNG(), []ledger.Entry{
		pushEntry(accountID, "e1"),
		pushEntry(accountID, "e3"),
	})
	if len(applied) != 1 || applied[0].EntryID != "e3" {
		t.Fatalf("applied = %v, want [e3]", applied)
	}
	if len(nonApplied) != 1 || nonApplied[0].Reason != ReasonEntriesAlreadyExists || nonApplied[0].Entry.EntryID != "e1" {
		t.Fatalf("non-applied = %v, want e1 with code 200", nonApplied)
	}
	if len(repo.appendCalls) != 2 || len(repo.appendCalls[1]) != 1 || repo.appendCalls[1][0].EntryID != "e3" {
		t.Fatalf("retry must carry the reduced chunk, got %v", repo.appendCalls)
	}
}

func TestPushPartitionsConditionFailures(t *testing.T) {
	accountID := uuid.New()
	repo := &fakeRepo{appendQueue: []fakeResult{
		{err: &ConditionFailedError{EntryID: "e1", Conditional: ledger.GreaterThanOrEqualTo("balance_amount", decimal.Zero)}},
	}}
	svc, _ := testService(repo)

	applied, nonApplied := svc.Push(context.Background(), testRNG(), []ledger.Entry{
		pushEntry(accountID, "e1"),
		pushEntry(accountID, "e2"),
	})
	if len(applied) != 1 || applied[0].EntryID != "e2" {
		t.Fatalf("applied = %v, want [e2]", applied)
	}
	if len(nonApplied) != 1 || nonApplied[0].Reason != ReasonConditionFailed {
		t.Fatalf("non-applied = %v, want e1 with code 400", nonApplied)
	}
}

func TestPushFlushesChunkOnFatalError(t *testing.T) {
	accountID := uuid.New()
	repo := &fakeRepo{appendQueue: []fakeResult{{err: errors.New("store exploded")}}}
	svc, _ := testService(repo)

	applied, nonApplied := svc.Push(context.Background(), testRNG(), []ledger.Entry{
		pushEntry(accountID, "e1"),
		pushEntry(accountID, "e2"),
	})
	if len(applied) != 0 || len(nonApplied) != 2 {
		t.Fatalf("applied=%v nonApplied=%v, want full flush", applied, nonApplied)
	}
	for _, na := range nonApplied {
		if na.Reason.Code != 900 {
			t.Fatalf("code = %d, want 900", na.Reason.Code)
		}
		if na.Reason.Message != "Other unexpected error: store exploded" {
			t.Fatalf("message = %q", na.Reason.Message)
		}
	}
}

func TestPushGroupsByAccount(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	repo := &fakeRepo{}
	svc, _ := testService(repo)

	applied, nonApplied := svc.Push(context.Background(), testRNG(), []ledger.Entry{
		pushEntry(a, "e1"),
		pushEntry(b, "e2"),
		pushEntry(a, "e3"),
	})
	if len(nonApplied) != 0 || len(applied) != 3 {
		t.Fatalf("applied=%d nonApplied=%d", len(applied), len(nonApplied))
	}
	if len(repo.appendCalls) != 2 {
		t.Fatalf("append called %d times, want one per account", len(repo.appendCalls))
	}
	if len(repo.appendCalls[0]) != 2 || repo.appendCalls[0][1].EntryID != "e3" {
		t.Fatalf("first account chunk = %v", repo.appendCalls[0])
	}
}

func TestPushChunksLargeBatches(t *testing.T) {
	accountID := uuid.New()
	repo := &fakeRepo{}
	svc, _ := testService(repo)

	entries := make([]ledger.Entry, 0, 150)
	for i := 0; i < 150; i++ {
		entries = append(entries, pushEntry(accountID, fmt.Sprintf("e%03d", i)))
	}
	svc.Push(context.Background(), testRNG(), entries)
	if len(repo.appendCalls) != 2 {
		t.Fatalf("append called %d times, want 2 chunks", len(repo.appendCalls))
	}
	if len(repo.appendCalls[0]) != 99 || len(repo.appendCalls[1]) != 51 {
		t.Fatalf("chunk sizes = %d,%d want 99,51", len(repo.appendCalls[0]), len(repo.appendCalls[1]))
	}
}

func TestDeletePartitionsMissingEntries(t *testing.T) {
	accountID := uuid.New()
	repo := &fakeRepo{revertQueue: []fakeResult{
		{err: &EntriesDoNotExistError{AccountID: accountID, EntryIDs: []ledger.EntryID{"invalid"}}},
	}}
	svc, _ := testService(repo)

	applied, nonApplied := svc.Delete(context.Background(), testRNG(), []ledger.DeleteEntryRequest{
		{AccountID: accountID, EntryID: "invalid"},
		{AccountID: accountID, EntryID: "e1"},
	})
	if len(applied) != 1 || applied[0].EntryID != "e1" {
		t.Fatalf("applied = %v, want [e1]", applied)
	}
	if len(nonApplied) != 1 || nonApplied[0].Reason != ReasonEntriesDoesNotExists {
		t.Fatalf("non-applied = %v, want invalid with code 300", nonApplied)
	}
	if len(repo.revertCalls) != 2 || len(repo.revertCalls[1]) != 1 || repo.revertCalls[1][0] != "e1" {
		t.Fatalf("retry must carry the reduced id list, got %v", repo.revertCalls)
	}
}

func TestDeleteChunksAt33(t *testing.T) {
	accountID := uuid.New()
	repo := &fakeRepo{}
	svc, _ := testService(repo)

	reqs := make([]ledger.DeleteEntryRequest, 0, 40)
	for i := 0; i < 40; i++ {
		reqs = append(reqs, ledger.DeleteEntryRequest{AccountID: accountID, EntryID: ledger.EntryID(fmt.Sprintf("e%03d", i))})
	}
	svc.Delete(context.Background(), testRNG(), reqs)
	if len(repo.revertCalls) != 2 || len(repo.revertCalls[0]) != 33 || len(repo.revertCalls[1]) != 7 {
		t.Fatalf("chunks = %v, want 33 then 7", len(repo.revertCalls))
	}
}

func TestNonAppliedDeduplication(t *testing.T) {
	accountID := uuid.New()
	in := []NonAppliedEntry{
		{Reason: ReasonEntriesAlreadyExists, Entry: pushEntry(accountID, "e1")},
		{Reason: ReasonEntriesAlreadyExists, Entry: pushEntry(accountID, "e1")},
		{Reason: ReasonOptimisticLockFailed, Entry: pushEntry(accountID, "e1")},
	}
	out := dedupNonAppliedEntries(in)
	if len(out) != 2 {
		t.Fatalf("deduped length = %d, want 2", len(out))
	}
}

func TestEntryChainCursorContinuation(t *testing.T) {
	accountID := uuid.New()
	ctx := context.Background()

	repo := &fakeRepo{chainEntries: []ledger.EntryWithBalance{
		{AccountID: accountID, EntryID: "e1", Status: ledger.Applied(), Sequence: 4},
	}}
	svc, _ := testService(repo)
	_, cursor, err := svc.Entry(ctx, accountID, "e1", 1)
	if err != nil {
		t.Fatalf("entry: %v", err)
	}
	if cursor == nil || cursor.Entry == nil || cursor.Entry.Continue != ledger.ContinueAfterCurrent() {
		t.Fatalf("cursor = %+v, want continue after current", cursor)
	}

	repo.chainEntries = []ledger.EntryWithBalance{
		{AccountID: accountID, EntryID: "e1", Status: ledger.Reverted(3), Sequence: 2},
	}
	_, cursor, err = svc.Entry(ctx, accountID, "e1", 1)
	if err != nil {
		t.Fatalf("entry: %v", err)
	}
	if cursor == nil || cursor.Entry == nil || cursor.Entry.Continue != ledger.ContinueAfterSequence(2) {
		t.Fatalf("cursor = %+v, want continue after sequence 2", cursor)
	}

	_, cursor, err = svc.Entry(ctx, accountID, "e1", 5)
	if err != nil {
		t.Fatalf("entry: %v", err)
	}
	if cursor != nil {
		t.Fatalf("short page must not produce a cursor, got %+v", cursor)
	}
}

func TestEntriesFromCursorRejectsForeignAccount(t *testing.T) {
	svc, _ := testService(&fakeRepo{})

	_, _, err := svc.EntriesFromCursor(context.Background(), uuid.New(), ledger.EntriesCursor{
		AccountID: uuid.New(),
		Order:     ledger.OrderDesc,
	}, 10)
	if !errors.Is(err, errs.ErrUnprocessable) {
		t.Fatalf("expected unprocessable, got %v", err)
	}
}
