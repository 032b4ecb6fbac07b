// Package memory is an in-memory implementation of the kv contract, used by
// tests and as the default dev backend.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/killertux/aledger/internal/storage/kv"
)

// Store keeps partitions in mutex-guarded maps. Transactions evaluate every
// condition under the lock before applying any write, so commits are
// all-or-nothing and serialised.
type Store struct {
	mu      sync.RWMutex
	rows    map[string]map[string]kv.Item // pk -> sk -> attrs
	indexes []kv.IndexDef
}

// New builds an empty store aware of the given secondary indexes.
func New(indexes ...kv.IndexDef) *Store {
	return &Store{rows: make(map[string]map[string]kv.Item), indexes: indexes}
}

func cloneValue(v kv.Value) kv.Value {
	if m, ok := v.(kv.Map); ok {
		out := make(kv.Map, len(m))
		for k, inner := range m {
			out[k] = cloneValue(inner)
		}
		return out
	}
	return v
}

func cloneItem(item kv.Item) kv.Item {
	out := make(kv.Item, len(item))
	for k, v := range item {
		out[k] = cloneValue(v)
	}
	return out
}

func (s *Store) Get(ctx context.Context, key kv.Key) (kv.Item, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.rows[key.PK][key.SK]
	if !ok {
		return nil, false, nil
	}
	return cloneItem(item), true, nil
}

func (s *Store) BatchGet(ctx context.Context, keys []kv.Key) (map[kv.Key]kv.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[kv.Key]kv.Item, len(keys))
	for _, key := range keys {
		if item, ok := s.rows[key.PK][key.SK]; ok {
			out[key] = cloneItem(item)
		}
	}
	return out, nil
}

func (s *Store) Query(ctx context.Context, q kv.Query) ([]kv.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	type row struct {
		sk   string
		item kv.Item
	}
	var rows []row
	if q.Index == "" {
		for sk, item := range s.rows[q.PK] {
			if q.SK.Matches(sk) {
				rows = append(rows, row{sk: sk, item: item})
			}
		}
	} else {
		def, ok := s.indexDef(q.Index)
		if !ok {
			return nil, errUnknownIndex(q.Index)
		}
		for _, partition := range s.rows {
			for _, item := range partition {
				hash, _ := item.GetString(def.HashAttr)
				if hash != q.PK {
					continue
				}
				rng, _ := item.GetString(def.RangeAttr)
				if q.SK.Matches(rng) {
					rows = append(rows, row{sk: rng, item: item})
				}
			}
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if q.Descending {
			return rows[i].sk > rows[j].sk
		}
		return rows[i].sk < rows[j].sk
	})
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	out := make([]kv.Item, 0, len(rows))
	for _, r := range rows {
		out = append(out, cloneItem(r.item))
	}
	return out, nil
}

func (s *Store) TransactWrite(ctx context.Context, writes []kv.WriteItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var reasons []kv.CancellationReason
	for i, w := range writes {
		key := w.Key()
		_, exists := s.rows[key.PK][key.SK]
		cond := writeCondition(w)
		if !s.conditionHolds(key, cond, exists) {
			reasons = append(reasons, kv.CancellationReason{Index: i, Key: key, ConditionFailed: true})
		}
	}
	if len(reasons) > 0 {
		return &kv.TxCanceledError{Reasons: reasons}
	}
	for _, w := range writes {
		key := w.Key()
		switch {
		case w.Put != nil:
			if s.rows[key.PK] == nil {
				s.rows[key.PK] = make(map[string]kv.Item)
			}
			item := cloneItem(w.Put.Item)
			item[kv.AttrPK] = kv.String(key.PK)
			item[kv.AttrSK] = kv.String(key.SK)
			s.rows[key.PK][key.SK] = item
		case w.Update != nil:
			item := s.rows[key.PK][key.SK]
			if item == nil {
				item = kv.Item{kv.AttrPK: kv.String(key.PK), kv.AttrSK: kv.String(key.SK)}
				if s.rows[key.PK] == nil {
					s.rows[key.PK] = make(map[string]kv.Item)
				}
				s.rows[key.PK][key.SK] = item
			}
			for name, v := range w.Update.Set {
				item[name] = cloneValue(v)
			}
		case w.Delete != nil:
			delete(s.rows[key.PK], key.SK)
		}
	}
	return nil
}

func writeCondition(w kv.WriteItem) kv.Condition {
	switch {
	case w.Put != nil:
		return w.Put.Cond
	case w.Update != nil:
		return w.Update.Cond
	case w.Delete != nil:
		return w.Delete.Cond
	}
	return kv.Condition{}
}

func (s *Store) conditionHolds(key kv.Key, cond kv.Condition, exists bool) bool {
	switch cond.Kind {
	case kv.CondNone:
		return true
	case kv.CondNotExists:
		return !exists
	case kv.CondExists:
		return exists
	case kv.CondEquals:
		if !exists {
			return false
		}
		item := s.rows[key.PK][key.SK]
		for name, want := range cond.Equals {
			got, ok := item[name]
			if !ok || !kv.Equal(got, want) {
				return false
			}
		}
		return true
	}
	return false
}

func (s *Store) indexDef(name string) (kv.IndexDef, bool) {
	for _, def := range s.indexes {
		if def.Name == name {
			return def, true
		}
	}
	return kv.IndexDef{}, false
}

type errUnknownIndex string

func (e errUnknownIndex) Error() string { return "unknown index " + string(e) }
