package v1

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/killertux/aledger/internal/ledger"
	"github.com/killertux/aledger/internal/service/balance"
)

// ledgerResponse is the wire form of an entry with its balance snapshot.
type ledgerResponse struct {
	AccountID        uuid.UUID                              `json:"account_id"`
	EntryID          ledger.EntryID                         `json:"entry_id"`
	LedgerBalances   map[ledger.BalanceName]decimal.Decimal `json:"ledger_balances"`
	LedgerFields     map[ledger.FieldName]decimal.Decimal   `json:"ledger_fields"`
	AdditionalFields json.RawMessage                        `json:"additional_fields"`
	CreatedAt        time.Time                              `json:"created_at"`
}

func toLedgerResponse(e ledger.EntryWithBalance) ledgerResponse {
	return ledgerResponse{
		AccountID:        e.AccountID,
		EntryID:          e.EntryID,
		LedgerBalances:   e.LedgerBalances,
		LedgerFields:     e.LedgerFields,
		AdditionalFields: e.AdditionalFields,
		CreatedAt:        e.CreatedAt,
	}
}

func toLedgerResponses(entries []ledger.EntryWithBalance) []ledgerResponse {
	out := make([]ledgerResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toLedgerResponse(e))
	}
	return out
}

type pushEntryRequest struct {
	AccountID        uuid.UUID                            `json:"account_id"`
	EntryID          ledger.EntryID                       `json:"entry_id"`
	LedgerFields     map[ledger.FieldName]decimal.Decimal `json:"ledger_fields"`
	AdditionalFields json.RawMessage                      `json:"additional_fields"`
	Conditionals     []ledger.Conditional                 `json:"conditionals,omitempty"`
}

func (r pushEntryRequest) toEntry() ledger.Entry {
	return ledger.Entry{
		AccountID:        r.AccountID,
		EntryID:          r.EntryID,
		LedgerFields:     r.LedgerFields,
		AdditionalFields: r.AdditionalFields,
		Status:           ledger.Applied(),
		Conditionals:     r.Conditionals,
	}
}

func fromEntry(e ledger.Entry) pushEntryRequest {
	return pushEntryRequest{
		AccountID:        e.AccountID,
		EntryID:          e.EntryID,
		LedgerFields:     e.LedgerFields,
		AdditionalFields: e.AdditionalFields,
		Conditionals:     e.Conditionals,
	}
}

type pushEntryResponse struct {
	AppliedEntries    []ledgerResponse  `json:"applied_entries"`
	NonAppliedEntries []nonAppliedEntry `json:"non_applied_entries"`
}

type nonAppliedEntry struct {
	Error     string           `json:"error"`
	ErrorCode uint16           `json:"error_code"`
	Entry     pushEntryRequest `json:"entry"`
}

func toPushResponse(applied []ledger.EntryWithBalance, nonApplied []balance.NonAppliedEntry) pushEntryResponse {
	out := pushEntryResponse{
		AppliedEntries:    toLedgerResponses(applied),
		NonAppliedEntries: make([]nonAppliedEntry, 0, len(nonApplied)),
	}
	for _, na := range nonApplied {
		out.NonAppliedEntries = append(out.NonAppliedEntries, nonAppliedEntry{
			Error:     na.Reason.Message,
			ErrorCode: na.Reason.Code,
			Entry:     fromEntry(na.Entry),
		})
	}
	return out
}

type deleteEntryResponse struct {
	AppliedEntries    []ledgerResponse        `json:"applied_entries"`
	NonAppliedEntries []nonAppliedDeleteEntry `json:"non_applied_entries"`
}

type nonAppliedDeleteEntry struct {
	Error              string                    `json:"error"`
	ErrorCode          uint16                    `json:"error_code"`
	DeleteEntryRequest ledger.DeleteEntryRequest `json:"delete_entry_request"`
}

func toDeleteResponse(applied []ledger.EntryWithBalance, nonApplied []balance.NonAppliedDelete) deleteEntryResponse {
	out := deleteEntryResponse{
		AppliedEntries:    toLedgerResponses(applied),
		NonAppliedEntries: make([]nonAppliedDeleteEntry, 0, len(nonApplied)),
	}
	for _, na := range nonApplied {
		out.NonAppliedEntries = append(out.NonAppliedEntries, nonAppliedDeleteEntry{
			Error:              na.Reason.Message,
			ErrorCode:          na.Reason.Code,
			DeleteEntryRequest: na.Request,
		})
	}
	return out
}

type entriesResponse struct {
	Entries []ledgerResponse `json:"entries"`
	Cursor  string           `json:"cursor,omitempty"`
}

func toEntriesResponse(entries []ledger.EntryWithBalance, cursor *ledger.Cursor) (entriesResponse, error) {
	out := entriesResponse{Entries: toLedgerResponses(entries)}
	if cursor != nil {
		encoded, err := cursor.Encode()
		if err != nil {
			return entriesResponse{}, err
		}
		out.Cursor = encoded
	}
	return out, nil
}
