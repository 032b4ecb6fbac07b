package ledger

import (
	"encoding/json"
	"fmt"

	"github.com/killertux/aledger/internal/errs"
)

// StatusKind discriminates the closed set of entry statuses.
type StatusKind string

const (
	// StatusApplied marks a live entry counted in the account balance.
	StatusApplied StatusKind = "applied"
	// StatusReverted marks an historical entry cancelled by a later revert.
	StatusReverted StatusKind = "reverted"
	// StatusRevert marks a compensating entry produced by a revert.
	StatusRevert StatusKind = "revert"
)

// EntryStatus is a tagged variant. For Reverted it carries the sequence of
// the entry that reverted it; for Revert the sequence of the entry it
// cancels.
type EntryStatus struct {
	Kind     StatusKind
	Sequence uint64
}

// Applied builds the status of a live entry.
func Applied() EntryStatus { return EntryStatus{Kind: StatusApplied} }

// Reverted builds the status of an entry cancelled by the entry at seq.
func Reverted(seq uint64) EntryStatus { return EntryStatus{Kind: StatusReverted, Sequence: seq} }

// Revert builds the status of a compensating entry cancelling the entry at
// seq.
func Revert(seq uint64) EntryStatus { return EntryStatus{Kind: StatusRevert, Sequence: seq} }

// MarshalJSON encodes the tagged form: "applied", {"reverted": n} or
// {"revert": n}.
func (s EntryStatus) MarshalJSON() ([]byte, error) {
	switch s.Kind {
	case StatusApplied:
		return json.Marshal(string(StatusApplied))
	case StatusReverted, StatusRevert:
		return json.Marshal(map[string]uint64{string(s.Kind): s.Sequence})
	}
	return nil, fmt.Errorf("unknown entry status kind %q", s.Kind)
}

func (s *EntryStatus) UnmarshalJSON(b []byte) error {
	var tag string
	if err := json.Unmarshal(b, &tag); err == nil {
		if tag != string(StatusApplied) {
			return fmt.Errorf("%w: unknown entry status %q", errs.ErrInvalid, tag)
		}
		*s = Applied()
		return nil
	}
	var tagged map[string]uint64
	if err := json.Unmarshal(b, &tagged); err != nil {
		return fmt.Errorf("%w: malformed entry status", errs.ErrInvalid)
	}
	if len(tagged) != 1 {
		return fmt.Errorf("%w: malformed entry status", errs.ErrInvalid)
	}
	for kind, seq := range tagged {
		switch StatusKind(kind) {
		case StatusReverted:
			*s = Reverted(seq)
		case StatusRevert:
			*s = Revert(seq)
		default:
			return fmt.Errorf("%w: unknown entry status %q", errs.ErrInvalid, kind)
		}
	}
	return nil
}
