// Package kv defines the store contract the ledger adapter is written
// against: a partitioned key/value store with composite (pk, sk) keys,
// per-item condition expressions, all-or-nothing multi-item writes with
// per-item cancellation reasons, batch gets and secondary-index queries.
package kv

import (
	"context"
	"fmt"
	"strings"
)

// Key is the composite primary key of an item.
type Key struct {
	PK string
	SK string
}

// Value is a stored attribute value; the variants are closed.
type Value interface{ isValue() }

// String is a string attribute.
type String string

// Number is a stringified integer attribute. Keeping the wire form as a
// string preserves the full 128-bit range.
type Number string

// Map is a nested map attribute.
type Map map[string]Value

func (String) isValue() {}
func (Number) isValue() {}
func (Map) isValue()    {}

// Key attribute names. Backends surface the composite key of every returned
// item under these attributes, mirroring stores where key attributes are
// ordinary item attributes.
const (
	AttrPK = "pk"
	AttrSK = "sk"
)

// Item is the attribute set of a row.
type Item map[string]Value

// ItemKey recovers the composite key from an item's key attributes.
func (i Item) ItemKey() (Key, bool) {
	pk, okPK := i.GetString(AttrPK)
	sk, okSK := i.GetString(AttrSK)
	return Key{PK: pk, SK: sk}, okPK && okSK
}

// GetString returns the named string attribute.
func (i Item) GetString(name string) (string, bool) {
	v, ok := i[name].(String)
	return string(v), ok
}

// GetNumber returns the named number attribute.
func (i Item) GetNumber(name string) (string, bool) {
	v, ok := i[name].(Number)
	return string(v), ok
}

// GetMap returns the named map attribute.
func (i Item) GetMap(name string) (Map, bool) {
	v, ok := i[name].(Map)
	return v, ok
}

// Equal reports deep equality of two values.
func Equal(a, b Value) bool {
	switch av := a.(type) {
	case String:
		bv, ok := b.(String)
		return ok && av == bv
	case Number:
		bv, ok := b.(Number)
		return ok && av == bv
	case Map:
		bv, ok := b.(Map)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			w, ok := bv[k]
			if !ok || !Equal(v, w) {
				return false
			}
		}
		return true
	}
	return false
}

// ConditionKind discriminates the condition expressions the engine needs.
type ConditionKind int

const (
	// CondNone imposes no condition.
	CondNone ConditionKind = iota
	// CondNotExists requires that no item exists at the key.
	CondNotExists
	// CondExists requires that an item exists at the key.
	CondExists
	// CondEquals requires the listed attributes to equal the given values.
	CondEquals
)

// Condition is a per-item condition expression.
type Condition struct {
	Kind   ConditionKind
	Equals Item
}

// NotExists requires item absence.
func NotExists() Condition { return Condition{Kind: CondNotExists} }

// Exists requires item presence.
func Exists() Condition { return Condition{Kind: CondExists} }

// AttributesEqual requires the given attributes to match the stored item.
func AttributesEqual(attrs Item) Condition { return Condition{Kind: CondEquals, Equals: attrs} }

// Put creates or replaces an item.
type Put struct {
	Key  Key
	Item Item
	Cond Condition
}

// Update sets attributes on an existing item.
type Update struct {
	Key  Key
	Set  Item
	Cond Condition
}

// Delete removes an item.
type Delete struct {
	Key  Key
	Cond Condition
}

// WriteItem is one element of a transactional write; exactly one of the
// fields is set.
type WriteItem struct {
	Put    *Put
	Update *Update
	Delete *Delete
}

// Key returns the key the write targets.
func (w WriteItem) Key() Key {
	switch {
	case w.Put != nil:
		return w.Put.Key
	case w.Update != nil:
		return w.Update.Key
	case w.Delete != nil:
		return w.Delete.Key
	}
	return Key{}
}

// SKKind discriminates sort-key predicates.
type SKKind int

const (
	// SKAll matches every sort key in the partition.
	SKAll SKKind = iota
	// SKBeginsWith matches sort keys with the given prefix.
	SKBeginsWith
	// SKLessThan matches sort keys strictly below the given value.
	SKLessThan
	// SKBetween matches sort keys within [Lower, Upper].
	SKBetween
)

// SKCondition is the sort-key predicate of a query.
type SKCondition struct {
	Kind  SKKind
	Lower string
	Upper string
}

// BeginsWith matches sort keys prefixed by p.
func BeginsWith(p string) SKCondition { return SKCondition{Kind: SKBeginsWith, Lower: p} }

// LessThan matches sort keys strictly below v.
func LessThan(v string) SKCondition { return SKCondition{Kind: SKLessThan, Lower: v} }

// Between matches sort keys within [lo, hi], inclusive.
func Between(lo, hi string) SKCondition { return SKCondition{Kind: SKBetween, Lower: lo, Upper: hi} }

// Matches evaluates the predicate against a sort-key value.
func (c SKCondition) Matches(sk string) bool {
	switch c.Kind {
	case SKAll:
		return true
	case SKBeginsWith:
		return strings.HasPrefix(sk, c.Lower)
	case SKLessThan:
		return sk < c.Lower
	case SKBetween:
		return sk >= c.Lower && sk <= c.Upper
	}
	return false
}

// IndexDef names a secondary index and the attributes it is keyed on.
type IndexDef struct {
	Name      string
	HashAttr  string
	RangeAttr string
}

// Query reads a partition, optionally through a secondary index, with a
// sort-key predicate and scan direction.
type Query struct {
	// Index is the secondary index name, or empty for the primary index.
	Index      string
	PK         string
	SK         SKCondition
	Descending bool
	Limit      int
}

// CancellationReason explains why one item of a cancelled transaction
// failed. Reasons are positional: Index addresses the submitted write list.
type CancellationReason struct {
	Index           int
	Key             Key
	ConditionFailed bool
}

// TxCanceledError reports an all-or-nothing write that was cancelled. Only
// failing items are listed.
type TxCanceledError struct {
	Reasons []CancellationReason
}

func (e *TxCanceledError) Error() string {
	return fmt.Sprintf("transaction canceled: %d condition failure(s)", len(e.Reasons))
}

// Store is the capability set the ledger adapter consumes. Get is strongly
// consistent. All operations honour context cancellation.
type Store interface {
	Get(ctx context.Context, key Key) (Item, bool, error)
	BatchGet(ctx context.Context, keys []Key) (map[Key]Item, error)
	Query(ctx context.Context, q Query) ([]Item, error)
	TransactWrite(ctx context.Context, writes []WriteItem) error
}
