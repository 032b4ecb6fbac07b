package ledger

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/killertux/aledger/internal/errs"
)

// ContinueKind discriminates the continuation points of an entry-chain scan.
type ContinueKind string

const (
	// ContinueStart scans the whole chain.
	ContinueStart ContinueKind = "start"
	// ContinueCurrentEntry skips the current row and continues down.
	ContinueCurrentEntry ContinueKind = "current_entry"
	// ContinueSequence continues strictly below the given historical row.
	ContinueSequence ContinueKind = "sequence"
)

// EntryToContinue is the continuation point inside an entry's revert chain.
type EntryToContinue struct {
	Kind     ContinueKind
	Sequence uint64
}

// ContinueFromStart scans the chain from its newest row.
func ContinueFromStart() EntryToContinue { return EntryToContinue{Kind: ContinueStart} }

// ContinueAfterCurrent continues below the current (not reverted) row.
func ContinueAfterCurrent() EntryToContinue { return EntryToContinue{Kind: ContinueCurrentEntry} }

// ContinueAfterSequence continues below the historical row at seq.
func ContinueAfterSequence(seq uint64) EntryToContinue {
	return EntryToContinue{Kind: ContinueSequence, Sequence: seq}
}

func (e EntryToContinue) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case ContinueStart, ContinueCurrentEntry:
		return json.Marshal(string(e.Kind))
	case ContinueSequence:
		return json.Marshal(map[string]uint64{string(ContinueSequence): e.Sequence})
	}
	return nil, fmt.Errorf("unknown continuation kind %q", e.Kind)
}

func (e *EntryToContinue) UnmarshalJSON(b []byte) error {
	var tag string
	if err := json.Unmarshal(b, &tag); err == nil {
		switch ContinueKind(tag) {
		case ContinueStart:
			*e = ContinueFromStart()
		case ContinueCurrentEntry:
			*e = ContinueAfterCurrent()
		default:
			return fmt.Errorf("%w: unknown continuation %q", errs.ErrInvalid, tag)
		}
		return nil
	}
	var tagged map[string]uint64
	if err := json.Unmarshal(b, &tagged); err != nil || len(tagged) != 1 {
		return fmt.Errorf("%w: malformed continuation", errs.ErrInvalid)
	}
	seq, ok := tagged[string(ContinueSequence)]
	if !ok {
		return fmt.Errorf("%w: malformed continuation", errs.ErrInvalid)
	}
	*e = ContinueAfterSequence(seq)
	return nil
}

// EntriesCursor continues a date-ranged listing. The range endpoint adjacent
// to the traversal direction is rewritten to the last returned row's
// creation time; Sequence excludes that boundary row on resumption.
type EntriesCursor struct {
	AccountID uuid.UUID `json:"account_id"`
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
	Order     Order     `json:"order"`
	Sequence  uint64    `json:"sequence"`
}

// EntryCursor continues an entry-chain scan.
type EntryCursor struct {
	AccountID uuid.UUID       `json:"account_id"`
	EntryID   EntryID         `json:"entry_id"`
	Continue  EntryToContinue `json:"entry_to_continue"`
}

// Cursor is an opaque continuation token; exactly one variant is set.
type Cursor struct {
	Entries *EntriesCursor `json:"from_entries_query,omitempty"`
	Entry   *EntryCursor   `json:"from_entry_query,omitempty"`
}

// Encode serialises the cursor as base64 of its JSON form.
func (c Cursor) Encode() (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// DecodeCursor is total with structural validation: a token that does not
// decode to exactly one variant is rejected.
func DecodeCursor(s string) (Cursor, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: invalid cursor", errs.ErrUnprocessable)
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return Cursor{}, fmt.Errorf("%w: invalid cursor", errs.ErrUnprocessable)
	}
	if (c.Entries == nil) == (c.Entry == nil) {
		return Cursor{}, fmt.Errorf("%w: invalid cursor", errs.ErrUnprocessable)
	}
	return c, nil
}
