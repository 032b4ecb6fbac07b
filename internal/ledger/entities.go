package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/killertux/aledger/internal/errs"
)

func init() {
	// Ledger amounts are integers; emit them as JSON numbers, not strings.
	decimal.MarshalJSONWithoutQuotes = true
}

const balancePrefix = "balance_"

// EntryID is the client-supplied idempotency key of an entry, unique per
// account. It may not contain the `|` separator used by the storage key
// schema and is capped at 64 characters.
type EntryID string

// NewEntryID validates and wraps a raw entry id.
func NewEntryID(s string) (EntryID, error) {
	if s == "" {
		return "", fmt.Errorf("%w: entry id cannot be empty", errs.ErrInvalid)
	}
	if strings.Contains(s, "|") {
		return "", fmt.Errorf("%w: entry id cannot contain the `|` char", errs.ErrInvalid)
	}
	if len(s) > 64 {
		return "", fmt.Errorf("%w: entry id cannot be longer than 64 characters", errs.ErrInvalid)
	}
	return EntryID(s), nil
}

func (e EntryID) String() string { return string(e) }

// UnmarshalText validates ids arriving through JSON fields.
func (e *EntryID) UnmarshalText(b []byte) error {
	id, err := NewEntryID(string(b))
	if err != nil {
		return err
	}
	*e = id
	return nil
}

func (e EntryID) MarshalText() ([]byte, error) { return []byte(e), nil }

// FieldName names a signed delta inside an entry. The `balance_` prefix is
// reserved for the derived balance names.
type FieldName string

// NewFieldName validates and wraps a raw ledger field name.
func NewFieldName(s string) (FieldName, error) {
	if s == "" {
		return "", fmt.Errorf("%w: ledger field name cannot be empty", errs.ErrInvalid)
	}
	if strings.HasPrefix(s, balancePrefix) {
		return "", fmt.Errorf("%w: ledger field cannot start with `balance_`", errs.ErrInvalid)
	}
	return FieldName(s), nil
}

func (f FieldName) String() string { return string(f) }

// Balance returns the canonical balance name derived from the field name.
func (f FieldName) Balance() BalanceName { return BalanceName(balancePrefix + string(f)) }

func (f *FieldName) UnmarshalText(b []byte) error {
	name, err := NewFieldName(string(b))
	if err != nil {
		return err
	}
	*f = name
	return nil
}

func (f FieldName) MarshalText() ([]byte, error) { return []byte(f), nil }

// BalanceName names a running balance. It always starts with `balance_`.
type BalanceName string

// NewBalanceName validates and wraps a raw balance name.
func NewBalanceName(s string) (BalanceName, error) {
	if !strings.HasPrefix(s, balancePrefix) {
		return "", fmt.Errorf("%w: ledger balance name must start with `balance_`", errs.ErrInvalid)
	}
	return BalanceName(s), nil
}

func (b BalanceName) String() string { return string(b) }

func (b *BalanceName) UnmarshalText(raw []byte) error {
	name, err := NewBalanceName(string(raw))
	if err != nil {
		return err
	}
	*b = name
	return nil
}

func (b BalanceName) MarshalText() ([]byte, error) { return []byte(b), nil }

// Entry is the input shape of a ledger entry: a vector of signed integer
// deltas plus free-form additional fields. Conditionals, when present, are
// preconditions on the post-application balances.
type Entry struct {
	AccountID        uuid.UUID
	EntryID          EntryID
	LedgerFields     map[FieldName]decimal.Decimal
	AdditionalFields json.RawMessage
	Status           EntryStatus
	Conditionals     []Conditional
}

// EntryWithBalance is the stored and returned shape: the entry plus the
// balance snapshot it produced, its per-account sequence and creation time.
type EntryWithBalance struct {
	AccountID        uuid.UUID
	EntryID          EntryID
	LedgerBalances   map[BalanceName]decimal.Decimal
	LedgerFields     map[FieldName]decimal.Decimal
	AdditionalFields json.RawMessage
	Status           EntryStatus
	Sequence         uint64
	CreatedAt        time.Time
}

// Entry strips the balance snapshot, recovering the input shape.
func (e EntryWithBalance) Entry() Entry {
	return Entry{
		AccountID:        e.AccountID,
		EntryID:          e.EntryID,
		LedgerFields:     e.LedgerFields,
		AdditionalFields: e.AdditionalFields,
		Status:           e.Status,
	}
}

// Order is the scan direction of a date-ranged listing.
type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

// ParseOrder accepts the two scan directions case-insensitively.
func ParseOrder(s string) (Order, error) {
	switch strings.ToLower(s) {
	case "asc":
		return OrderAsc, nil
	case "desc":
		return OrderDesc, nil
	}
	return "", fmt.Errorf("%w: order must be `asc` or `desc`", errs.ErrInvalid)
}

func (o *Order) UnmarshalText(b []byte) error {
	order, err := ParseOrder(string(b))
	if err != nil {
		return err
	}
	*o = order
	return nil
}

func (o Order) MarshalText() ([]byte, error) { return []byte(o), nil }

// DeleteEntryRequest asks for the logical revert of one entry.
type DeleteEntryRequest struct {
	AccountID uuid.UUID `json:"account_id"`
	EntryID   EntryID   `json:"entry_id"`
}
