// Package postgres backs the kv contract with a single relational table:
// aledger(pk, sk, attrs jsonb). Conditions are evaluated inside a
// transaction holding row locks, so multi-item writes keep the
// all-or-nothing semantics the contract promises.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/killertux/aledger/internal/storage/kv"
)

const uniqueViolation = "23505"

// Store holds a pgx connection pool. All methods are safe for concurrent use.
type Store struct {
	pool    *pgxpool.Pool
	indexes []kv.IndexDef
}

// Open establishes a pgx pool using the provided connection string.
func Open(ctx context.Context, dsn string, indexes ...kv.IndexDef) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool, indexes: indexes}, nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ready pings the pool to verify connectivity.
func (s *Store) Ready(ctx context.Context) error { return s.pool.Ping(ctx) }

// Init creates the table and one expression index per secondary index.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		create table if not exists aledger (
			pk text not null,
			sk text not null,
			attrs jsonb not null,
			primary key (pk, sk)
		)
	`)
	if err != nil {
		return err
	}
	for _, def := range s.indexes {
		stmt := fmt.Sprintf(
			`create index if not exists aledger_%s_idx on aledger ((attrs->'%s'->>'s'), (attrs->'%s'->>'s'))`,
			def.Name, def.HashAttr, def.RangeAttr,
		)
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key kv.Key) (kv.Item, bool, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `select attrs from aledger where pk = $1 and sk = $2`, key.PK, key.SK).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	item, err := decodeItem(raw)
	if err != nil {
		return nil, false, err
	}
	injectKey(item, key)
	return item, true, nil
}

func (s *Store) BatchGet(ctx context.Context, keys []kv.Key) (map[kv.Key]kv.Item, error) {
	if len(keys) == 0 {
		return map[kv.Key]kv.Item{}, nil
	}
	pks := make([]string, len(keys))
	sks := make([]string, len(keys))
	for i, key := range keys {
		pks[i] = key.PK
		sks[i] = key.SK
	}
	rows, err := s.pool.Query(ctx, `
		select pk, sk, attrs from aledger
		where (pk, sk) in (select unnest($1::text[]), unnest($2::text[]))
	`, pks, sks)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[kv.Key]kv.Item, len(keys))
	for rows.Next() {
		var key kv.Key
		var raw []byte
		if err := rows.Scan(&key.PK, &key.SK, &raw); err != nil {
			return nil, err
		}
		item, err := decodeItem(raw)
		if err != nil {
			return nil, err
		}
		injectKey(item, key)
		out[key] = item
	}
	return out, rows.Err()
}

func (s *Store) Query(ctx context.Context, q kv.Query) ([]kv.Item, error) {
	var sb strings.Builder
	var args []any
	hashExpr, rangeExpr := "pk", "sk"
	if q.Index != "" {
		def, ok := s.indexDef(q.Index)
		if !ok {
			return nil, fmt.Errorf("unknown index %s", q.Index)
		}
		hashExpr = fmt.Sprintf("attrs->'%s'->>'s'", def.HashAttr)
		rangeExpr = fmt.Sprintf("attrs->'%s'->>'s'", def.RangeAttr)
	}
	sb.WriteString("select pk, sk, attrs from aledger where " + hashExpr + " = $1")
	args = append(args, q.PK)

	switch q.SK.Kind {
	case kv.SKAll:
	case kv.SKBeginsWith:
		args = append(args, q.SK.Lower)
		fmt.Fprintf(&sb, " and starts_with(%s, $%d)", rangeExpr, len(args))
	case kv.SKLessThan:
		args = append(args, q.SK.Lower)
		fmt.Fprintf(&sb, " and %s < $%d", rangeExpr, len(args))
	case kv.SKBetween:
		args = append(args, q.SK.Lower, q.SK.Upper)
		fmt.Fprintf(&sb, " and %s between $%d and $%d", rangeExpr, len(args)-1, len(args))
	}
	dir := "asc"
	if q.Descending {
		dir = "desc"
	}
	fmt.Fprintf(&sb, " order by %s %s", rangeExpr, dir)
	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&sb, " limit $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []kv.Item
	for rows.Next() {
		var key kv.Key
		var raw []byte
		if err := rows.Scan(&key.PK, &key.SK, &raw); err != nil {
			return nil, err
		}
		item, err := decodeItem(raw)
		if err != nil {
			return nil, err
		}
		injectKey(item, key)
		out = append(out, item)
	}
	return out, rows.Err()
}

// TransactWrite locks every touched row, evaluates all conditions, and only
// then applies the writes. A not-exists race that slips past the lock phase
// surfaces as a unique violation on insert and is reported as a condition
// failure for that write.
func (s *Store) TransactWrite(ctx context.Context, writes []kv.WriteItem) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var reasons []kv.CancellationReason
	for i, w := range writes {
		key := w.Key()
		var raw []byte
		exists := true
		err := tx.QueryRow(ctx, `select attrs from aledger where pk = $1 and sk = $2 for update`, key.PK, key.SK).Scan(&raw)
		if errors.Is(err, pgx.ErrNoRows) {
			exists = false
		} else if err != nil {
			return err
		}
		var item kv.Item
		if exists {
			if item, err = decodeItem(raw); err != nil {
				return err
			}
		}
		if !conditionHolds(writeCondition(w), item, exists) {
			reasons = append(reasons, kv.CancellationReason{Index: i, Key: key, ConditionFailed: true})
		}
	}
	if len(reasons) > 0 {
		return &kv.TxCanceledError{Reasons: reasons}
	}

	for i, w := range writes {
		key := w.Key()
		switch {
		case w.Put != nil:
			raw, err := encodeItem(w.Put.Item)
			if err != nil {
				return err
			}
			var stmt string
			if w.Put.Cond.Kind == kv.CondNotExists {
				// A plain insert keeps concurrent creators from silently
				// overwriting each other.
				stmt = `insert into aledger (pk, sk, attrs) values ($1, $2, $3)`
			} else {
				stmt = `insert into aledger (pk, sk, attrs) values ($1, $2, $3)
					on conflict (pk, sk) do update set attrs = excluded.attrs`
			}
			if _, err := tx.Exec(ctx, stmt, key.PK, key.SK, raw); err != nil {
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
					return &kv.TxCanceledError{Reasons: []kv.CancellationReason{
						{Index: i, Key: key, ConditionFailed: true},
					}}
				}
				return err
			}
		case w.Update != nil:
			raw, err := encodeItem(w.Update.Set)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
				insert into aledger (pk, sk, attrs) values ($1, $2, $3)
				on conflict (pk, sk) do update set attrs = aledger.attrs || excluded.attrs
			`, key.PK, key.SK, raw); err != nil {
				return err
			}
		case w.Delete != nil:
			if _, err := tx.Exec(ctx, `delete from aledger where pk = $1 and sk = $2`, key.PK, key.SK); err != nil {
				return err
			}
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) indexDef(name string) (kv.IndexDef, bool) {
	for _, def := range s.indexes {
		if def.Name == name {
			return def, true
		}
	}
	return kv.IndexDef{}, false
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

func conditionHolds(cond kv.Condition, item kv.Item, exists bool) bool {
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

func injectKey(item kv.Item, key kv.Key) {
	item[kv.AttrPK] = kv.String(key.PK)
	item[kv.AttrSK] = kv.String(key.SK)
}

// Attribute values are stored tagged: {"s": …}, {"n": …} or {"m": {…}}.

func encodeValue(v kv.Value) any {
	switch t := v.(type) {
	case kv.String:
		return map[string]any{"s": string(t)}
	case kv.Number:
		return map[string]any{"n": string(t)}
	case kv.Map:
		m := make(map[string]any, len(t))
		for k, inner := range t {
			m[k] = encodeValue(inner)
		}
		return map[string]any{"m": m}
	}
	return nil
}

func encodeItem(item kv.Item) ([]byte, error) {
	out := make(map[string]any, len(item))
	for name, v := range item {
		if name == kv.AttrPK || name == kv.AttrSK {
			continue
		}
		out[name] = encodeValue(v)
	}
	return json.Marshal(out)
}

type wireValue struct {
	S *string              `json:"s"`
	N *string              `json:"n"`
	M map[string]wireValue `json:"m"`
}

func decodeValue(v wireValue) (kv.Value, error) {
	switch {
	case v.S != nil:
		return kv.String(*v.S), nil
	case v.N != nil:
		return kv.Number(*v.N), nil
	case v.M != nil:
		m := make(kv.Map, len(v.M))
		for k, inner := range v.M {
			decoded, err := decodeValue(inner)
			if err != nil {
				return nil, err
			}
			m[k] = decoded
		}
		return m, nil
	}
	return nil, errors.New("attribute value has no recognised tag")
}

func decodeItem(raw []byte) (kv.Item, error) {
	var wire map[string]wireValue
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, err
	}
	out := make(kv.Item, len(wire))
	for name, v := range wire {
		decoded, err := decodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("decoding attribute %s: %w", name, err)
		}
		out[name] = decoded
	}
	return out, nil
}
