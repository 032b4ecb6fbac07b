package ledgerstore

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/killertux/aledger/internal/ledger"
	"github.com/killertux/aledger/internal/storage/kv"
)

func encodeBalances(balances map[ledger.BalanceName]decimal.Decimal) kv.Map {
	out := make(kv.Map, len(balances))
	for name, v := range balances {
		out[name.String()] = kv.Number(v.String())
	}
	return out
}

func encodeFields(fields map[ledger.FieldName]decimal.Decimal) kv.Map {
	out := make(kv.Map, len(fields))
	for name, v := range fields {
		out[name.String()] = kv.Number(v.String())
	}
	return out
}

func decodeBalances(m kv.Map) (map[ledger.BalanceName]decimal.Decimal, error) {
	out := make(map[ledger.BalanceName]decimal.Decimal, len(m))
	for name, v := range m {
		balanceName, err := ledger.NewBalanceName(name)
		if err != nil {
			return nil, err
		}
		n, ok := v.(kv.Number)
		if !ok {
			return nil, fmt.Errorf("balance %s is not a number", name)
		}
		d, err := decimal.NewFromString(string(n))
		if err != nil {
			return nil, err
		}
		out[balanceName] = d
	}
	return out, nil
}

func decodeFields(m kv.Map) (map[ledger.FieldName]decimal.Decimal, error) {
	out := make(map[ledger.FieldName]decimal.Decimal, len(m))
	for name, v := range m {
		fieldName, err := ledger.NewFieldName(name)
		if err != nil {
			return nil, err
		}
		n, ok := v.(kv.Number)
		if !ok {
			return nil, fmt.Errorf("field %s is not a number", name)
		}
		d, err := decimal.NewFromString(string(n))
		if err != nil {
			return nil, err
		}
		out[fieldName] = d
	}
	return out, nil
}

// entryItem builds the stored attribute set of an entry row.
func entryItem(e ledger.EntryWithBalance) (kv.Item, error) {
	status, err := json.Marshal(e.Status)
	if err != nil {
		return nil, err
	}
	additional := e.AdditionalFields
	if len(additional) == 0 {
		additional = json.RawMessage("null")
	}
	return kv.Item{
		attrLedgerBalances:   encodeBalances(e.LedgerBalances),
		attrLedgerFields:     encodeFields(e.LedgerFields),
		attrAdditionalFields: kv.String(additional),
		attrEntryStatus:      kv.String(status),
		attrSequence:         kv.Number(fmt.Sprintf("%d", e.Sequence)),
		attrCreatedAt:        kv.String(formatCreatedAt(e.CreatedAt, e.Sequence)),
		attrAccountIDAndDate: kv.String(accountIDAndDate(e.AccountID, e.CreatedAt)),
	}, nil
}

// headItem builds the HEAD row from the last entry of a commit. HEAD rows
// carry the entry id as an attribute and stay out of the date index.
func headItem(e ledger.EntryWithBalance) (kv.Item, error) {
	item, err := entryItem(e)
	if err != nil {
		return nil, err
	}
	item[attrAccountIDAndDate] = kv.String(headDateMarker)
	item[attrEntryID] = kv.String(e.EntryID.String())
	return item, nil
}

// decodeEntry rebuilds an EntryWithBalance from a stored row. The entry id
// comes from the partition key for entry rows and from the entry_id
// attribute for HEAD rows.
func decodeEntry(accountID uuid.UUID, item kv.Item) (ledger.EntryWithBalance, error) {
	var out ledger.EntryWithBalance
	out.AccountID = accountID
	key, _ := item.ItemKey()

	if id, ok := entryIDFromPK(key.PK); ok {
		out.EntryID = id
	} else if raw, ok := item.GetString(attrEntryID); ok {
		id, err := ledger.NewEntryID(raw)
		if err != nil {
			return out, err
		}
		out.EntryID = id
	} else {
		return out, fmt.Errorf("missing entry id for row %s/%s", key.PK, key.SK)
	}

	balances, ok := item.GetMap(attrLedgerBalances)
	if !ok {
		return out, missingAttr(key, attrLedgerBalances)
	}
	decoded, err := decodeBalances(balances)
	if err != nil {
		return out, err
	}
	out.LedgerBalances = decoded

	fields, ok := item.GetMap(attrLedgerFields)
	if !ok {
		return out, missingAttr(key, attrLedgerFields)
	}
	decodedFields, err := decodeFields(fields)
	if err != nil {
		return out, err
	}
	out.LedgerFields = decodedFields

	additional, ok := item.GetString(attrAdditionalFields)
	if !ok {
		return out, missingAttr(key, attrAdditionalFields)
	}
	out.AdditionalFields = json.RawMessage(additional)

	rawStatus, ok := item.GetString(attrEntryStatus)
	if !ok {
		return out, missingAttr(key, attrEntryStatus)
	}
	if err := json.Unmarshal([]byte(rawStatus), &out.Status); err != nil {
		return out, fmt.Errorf("decoding entry_status of %s/%s: %w", key.PK, key.SK, err)
	}

	rawSeq, ok := item.GetNumber(attrSequence)
	if !ok {
		return out, missingAttr(key, attrSequence)
	}
	seq, err := parseSequence(rawSeq)
	if err != nil {
		return out, err
	}
	out.Sequence = seq

	rawCreated, ok := item.GetString(attrCreatedAt)
	if !ok {
		return out, missingAttr(key, attrCreatedAt)
	}
	created, err := parseCreatedAt(rawCreated)
	if err != nil {
		return out, err
	}
	out.CreatedAt = created
	return out, nil
}

func missingAttr(key kv.Key, attr string) error {
	return fmt.Errorf("missing %s for row %s", attr, strings.Join([]string{key.PK, key.SK}, "/"))
}
