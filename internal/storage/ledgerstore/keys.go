package ledgerstore

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/killertux/aledger/internal/ledger"
	"github.com/killertux/aledger/internal/storage/kv"
)

// Key schema. Clients and on-disk compatibility depend on these literals.
const (
	accountPKPrefix = "ACCOUNT_ID:"
	entryPKPrefix   = "ENTRY_ID:"

	// skCurrent is the current (not yet reverted) row of an entry id, and
	// also the sort key of the per-account HEAD row.
	skCurrent = "|~"
	// skRevert is a compensating entry row, stored under the compensating
	// entry's own partition.
	skRevert = "|REVERT"
	// skRevertedPrefix prefixes historical rows; the suffix is the
	// zero-padded sequence of the entry that reverted them.
	skRevertedPrefix = "|REVERT_ENTRY_SEQUENCE:"
)

// Attribute names.
const (
	attrLedgerBalances   = "ledger_balances"
	attrLedgerFields     = "ledger_fields"
	attrAdditionalFields = "additional_fields"
	attrEntryStatus      = "entry_status"
	attrSequence         = "sequence"
	attrCreatedAt        = "created_at"
	attrAccountIDAndDate = "account_id_and_date"
	attrEntryID          = "entry_id"
)

// IndexByCreatedAt is the secondary index serving date-ranged listings. Its
// sort key is the composite "<rfc3339>|<zero-padded sequence>" so entries
// created within the same instant keep a total order matching sequence.
var IndexByCreatedAt = kv.IndexDef{
	Name:      "by_created_at",
	HashAttr:  attrAccountIDAndDate,
	RangeAttr: attrCreatedAt,
}

// headDateMarker keeps HEAD rows out of the by_created_at index partitions.
const headDateMarker = "head"

// createdAtLayout is fixed-width so lexical order equals chronological
// order.
const (
	createdAtLayout = "2006-01-02T15:04:05.000000000Z"
	dayLayout       = "2006-01-02"
)

// sequence padding width: enough for the full uint64 range.
const sequenceDigits = 20

func accountPK(accountID uuid.UUID) string {
	return accountPKPrefix + accountID.String()
}

func entryPK(accountID uuid.UUID, entryID ledger.EntryID) string {
	return accountPKPrefix + accountID.String() + "|" + entryPKPrefix + entryID.String()
}

// entryIDFromPK recovers the entry id from an entry-scoped partition key.
func entryIDFromPK(pk string) (ledger.EntryID, bool) {
	i := strings.Index(pk, "|"+entryPKPrefix)
	if i < 0 {
		return "", false
	}
	return ledger.EntryID(pk[i+1+len(entryPKPrefix):]), true
}

func paddedSequence(seq uint64) string {
	return fmt.Sprintf("%0*d", sequenceDigits, seq)
}

// maxPaddedSequence sorts above every padded sequence value.
var maxPaddedSequence = strings.Repeat("9", sequenceDigits)

func skReverted(revertingSeq uint64) string {
	return skRevertedPrefix + paddedSequence(revertingSeq)
}

func formatCreatedAt(t time.Time, seq uint64) string {
	return t.UTC().Format(createdAtLayout) + "|" + paddedSequence(seq)
}

func parseCreatedAt(s string) (time.Time, error) {
	raw, _, ok := strings.Cut(s, "|")
	if !ok {
		return time.Time{}, fmt.Errorf("malformed created_at %q", s)
	}
	return time.Parse(createdAtLayout, raw)
}

func accountIDAndDate(accountID uuid.UUID, t time.Time) string {
	return accountID.String() + "|" + t.UTC().Format(dayLayout)
}

func parseSequence(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}
