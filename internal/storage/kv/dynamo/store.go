// Package dynamo backs the kv contract with a DynamoDB table. The contract
// maps one-to-one: conditional expressions, TransactWriteItems and a global
// secondary index per kv.IndexDef.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/killertux/aledger/internal/storage/kv"
)

// Store wraps a DynamoDB client bound to one table.
type Store struct {
	client  *dynamodb.Client
	table   string
	indexes []kv.IndexDef
}

// New builds a Store over the given client and table.
func New(client *dynamodb.Client, table string, indexes ...kv.IndexDef) *Store {
	return &Store{client: client, table: table, indexes: indexes}
}

// gsiName derives the physical index name from the logical one, e.g.
// by_created_at on table a_ledger becomes a_ledger_created_at_idx.
func (s *Store) gsiName(def kv.IndexDef) string {
	return fmt.Sprintf("%s_%s_idx", s.table, strings.TrimPrefix(def.Name, "by_"))
}

// CreateTable provisions the table and its secondary indexes, then waits for
// it to become active. Intended for local development and tests.
func (s *Store) CreateTable(ctx context.Context) error {
	attrs := []types.AttributeDefinition{
		{AttributeName: aws.String(kv.AttrPK), AttributeType: types.ScalarAttributeTypeS},
		{AttributeName: aws.String(kv.AttrSK), AttributeType: types.ScalarAttributeTypeS},
	}
	var gsis []types.GlobalSecondaryIndex
	for _, def := range s.indexes {
		attrs = append(attrs,
			types.AttributeDefinition{AttributeName: aws.String(def.HashAttr), AttributeType: types.ScalarAttributeTypeS},
			types.AttributeDefinition{AttributeName: aws.String(def.RangeAttr), AttributeType: types.ScalarAttributeTypeS},
		)
		gsis = append(gsis, types.GlobalSecondaryIndex{
			IndexName: aws.String(s.gsiName(def)),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String(def.HashAttr), KeyType: types.KeyTypeHash},
				{AttributeName: aws.String(def.RangeAttr), KeyType: types.KeyTypeRange},
			},
			Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			ProvisionedThroughput: &types.ProvisionedThroughput{
				ReadCapacityUnits:  aws.Int64(1),
				WriteCapacityUnits: aws.Int64(1),
			},
		})
	}
	_, err := s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:            aws.String(s.table),
		AttributeDefinitions: attrs,
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(kv.AttrPK), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(kv.AttrSK), KeyType: types.KeyTypeRange},
		},
		GlobalSecondaryIndexes: gsis,
		ProvisionedThroughput: &types.ProvisionedThroughput{
			ReadCapacityUnits:  aws.Int64(1),
			WriteCapacityUnits: aws.Int64(1),
		},
	})
	if err != nil {
		var inUse *types.ResourceInUseException
		if errors.As(err, &inUse) {
			return nil
		}
		return err
	}
	waiter := dynamodb.NewTableExistsWaiter(s.client)
	return waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)}, 2*time.Minute)
}

// DeleteTable drops the table.
func (s *Store) DeleteTable(ctx context.Context) error {
	_, err := s.client.DeleteTable(ctx, &dynamodb.DeleteTableInput{TableName: aws.String(s.table)})
	return err
}

func (s *Store) Get(ctx context.Context, key kv.Key) (kv.Item, bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            encodeKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, false, err
	}
	if out.Item == nil {
		return nil, false, nil
	}
	item, err := decodeItem(out.Item)
	if err != nil {
		return nil, false, err
	}
	return item, true, nil
}

func (s *Store) BatchGet(ctx context.Context, keys []kv.Key) (map[kv.Key]kv.Item, error) {
	out := make(map[kv.Key]kv.Item, len(keys))
	pending := make([]map[string]types.AttributeValue, 0, len(keys))
	for _, key := range keys {
		pending = append(pending, encodeKey(key))
	}
	for len(pending) > 0 {
		resp, err := s.client.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{
			RequestItems: map[string]types.KeysAndAttributes{
				s.table: {Keys: pending, ConsistentRead: aws.Bool(true)},
			},
		})
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Responses[s.table] {
			item, err := decodeItem(raw)
			if err != nil {
				return nil, err
			}
			key, ok := item.ItemKey()
			if !ok {
				return nil, errors.New("item missing key attributes")
			}
			out[key] = item
		}
		pending = resp.UnprocessedKeys[s.table].Keys
	}
	return out, nil
}

func (s *Store) Query(ctx context.Context, q kv.Query) ([]kv.Item, error) {
	hashAttr, rangeAttr := kv.AttrPK, kv.AttrSK
	var indexName *string
	if q.Index != "" {
		def, ok := s.indexDef(q.Index)
		if !ok {
			return nil, fmt.Errorf("unknown index %s", q.Index)
		}
		hashAttr, rangeAttr = def.HashAttr, def.RangeAttr
		indexName = aws.String(s.gsiName(def))
	}

	names := map[string]string{"#h": hashAttr, "#r": rangeAttr}
	values := map[string]types.AttributeValue{
		":h": &types.AttributeValueMemberS{Value: q.PK},
	}
	expr := "#h = :h"
	switch q.SK.Kind {
	case kv.SKAll:
		delete(names, "#r")
	case kv.SKBeginsWith:
		expr += " AND begins_with(#r, :lo)"
		values[":lo"] = &types.AttributeValueMemberS{Value: q.SK.Lower}
	case kv.SKLessThan:
		expr += " AND #r < :lo"
		values[":lo"] = &types.AttributeValueMemberS{Value: q.SK.Lower}
	case kv.SKBetween:
		expr += " AND #r BETWEEN :lo AND :hi"
		values[":lo"] = &types.AttributeValueMemberS{Value: q.SK.Lower}
		values[":hi"] = &types.AttributeValueMemberS{Value: q.SK.Upper}
	}

	var out []kv.Item
	var startKey map[string]types.AttributeValue
	for {
		input := &dynamodb.QueryInput{
			TableName:                 aws.String(s.table),
			IndexName:                 indexName,
			KeyConditionExpression:    aws.String(expr),
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
			ScanIndexForward:          aws.Bool(!q.Descending),
			ExclusiveStartKey:         startKey,
		}
		if q.Limit > 0 {
			input.Limit = aws.Int32(int32(q.Limit - len(out)))
		}
		resp, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Items {
			item, err := decodeItem(raw)
			if err != nil {
				return nil, err
			}
			out = append(out, item)
		}
		if resp.LastEvaluatedKey == nil || (q.Limit > 0 && len(out) >= q.Limit) {
			return out, nil
		}
		startKey = resp.LastEvaluatedKey
	}
}

func (s *Store) TransactWrite(ctx context.Context, writes []kv.WriteItem) error {
	items := make([]types.TransactWriteItem, 0, len(writes))
	for _, w := range writes {
		item, err := s.transactItem(w)
		if err != nil {
			return err
		}
		items = append(items, item)
	}
	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err == nil {
		return nil
	}
	var canceled *types.TransactionCanceledException
	if !errors.As(err, &canceled) {
		return err
	}
	var reasons []kv.CancellationReason
	for i, reason := range canceled.CancellationReasons {
		if reason.Code == nil || *reason.Code == "None" {
			continue
		}
		reasons = append(reasons, kv.CancellationReason{
			Index:           i,
			Key:             writes[i].Key(),
			ConditionFailed: *reason.Code == "ConditionalCheckFailed",
		})
	}
	return &kv.TxCanceledError{Reasons: reasons}
}

func (s *Store) transactItem(w kv.WriteItem) (types.TransactWriteItem, error) {
	switch {
	case w.Put != nil:
		item := encodeItem(w.Put.Item)
		item[kv.AttrPK] = &types.AttributeValueMemberS{Value: w.Put.Key.PK}
		item[kv.AttrSK] = &types.AttributeValueMemberS{Value: w.Put.Key.SK}
		put := &types.Put{TableName: aws.String(s.table), Item: item}
		applyCondition(w.Put.Cond, &put.ConditionExpression, &put.ExpressionAttributeNames, &put.ExpressionAttributeValues)
		return types.TransactWriteItem{Put: put}, nil
	case w.Update != nil:
		update := &types.Update{
			TableName: aws.String(s.table),
			Key:       encodeKey(w.Update.Key),
		}
		names := map[string]string{}
		values := map[string]types.AttributeValue{}
		var sets []string
		i := 0
		for name, v := range w.Update.Set {
			if name == kv.AttrPK || name == kv.AttrSK {
				continue
			}
			n := fmt.Sprintf("#u%d", i)
			val := fmt.Sprintf(":u%d", i)
			names[n] = name
			values[val] = encodeValue(v)
			sets = append(sets, n+" = "+val)
			i++
		}
		update.UpdateExpression = aws.String("SET " + strings.Join(sets, ", "))
		update.ExpressionAttributeNames = names
		update.ExpressionAttributeValues = values
		applyCondition(w.Update.Cond, &update.ConditionExpression, &update.ExpressionAttributeNames, &update.ExpressionAttributeValues)
		return types.TransactWriteItem{Update: update}, nil
	case w.Delete != nil:
		del := &types.Delete{TableName: aws.String(s.table), Key: encodeKey(w.Delete.Key)}
		applyCondition(w.Delete.Cond, &del.ConditionExpression, &del.ExpressionAttributeNames, &del.ExpressionAttributeValues)
		return types.TransactWriteItem{Delete: del}, nil
	}
	return types.TransactWriteItem{}, errors.New("empty write item")
}

func applyCondition(cond kv.Condition, expr **string, names *map[string]string, values *map[string]types.AttributeValue) {
	switch cond.Kind {
	case kv.CondNotExists:
		*expr = aws.String("attribute_not_exists(pk)")
	case kv.CondExists:
		*expr = aws.String("attribute_exists(pk)")
	case kv.CondEquals:
		if *names == nil {
			*names = map[string]string{}
		}
		if *values == nil {
			*values = map[string]types.AttributeValue{}
		}
		var parts []string
		i := 0
		for name, want := range cond.Equals {
			n := fmt.Sprintf("#c%d", i)
			v := fmt.Sprintf(":c%d", i)
			(*names)[n] = name
			(*values)[v] = encodeValue(want)
			parts = append(parts, n+" = "+v)
			i++
		}
		*expr = aws.String(strings.Join(parts, " AND "))
	}
}

func (s *Store) indexDef(name string) (kv.IndexDef, bool) {
	for _, def := range s.indexes {
		if def.Name == name {
			return def, true
		}
	}
	return kv.IndexDef{}, false
}

func encodeKey(key kv.Key) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		kv.AttrPK: &types.AttributeValueMemberS{Value: key.PK},
		kv.AttrSK: &types.AttributeValueMemberS{Value: key.SK},
	}
}

func encodeValue(v kv.Value) types.AttributeValue {
	switch t := v.(type) {
	case kv.String:
		return &types.AttributeValueMemberS{Value: string(t)}
	case kv.Number:
		return &types.AttributeValueMemberN{Value: string(t)}
	case kv.Map:
		m := make(map[string]types.AttributeValue, len(t))
		for k, inner := range t {
			m[k] = encodeValue(inner)
		}
		return &types.AttributeValueMemberM{Value: m}
	}
	return &types.AttributeValueMemberNULL{Value: true}
}

func encodeItem(item kv.Item) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(item))
	for name, v := range item {
		out[name] = encodeValue(v)
	}
	return out
}

func decodeValue(v types.AttributeValue) (kv.Value, error) {
	switch t := v.(type) {
	case *types.AttributeValueMemberS:
		return kv.String(t.Value), nil
	case *types.AttributeValueMemberN:
		return kv.Number(t.Value), nil
	case *types.AttributeValueMemberM:
		m := make(kv.Map, len(t.Value))
		for k, inner := range t.Value {
			decoded, err := decodeValue(inner)
			if err != nil {
				return nil, err
			}
			m[k] = decoded
		}
		return m, nil
	}
	return nil, fmt.Errorf("unsupported attribute value %T", v)
}

func decodeItem(raw map[string]types.AttributeValue) (kv.Item, error) {
	out := make(kv.Item, len(raw))
	for name, v := range raw {
		decoded, err := decodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("decoding attribute %s: %w", name, err)
		}
		out[name] = decoded
	}
	return out, nil
}
