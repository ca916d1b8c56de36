package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoOptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/dbridge-io/dbridge/core/logger"
	apperrors "github.com/dbridge-io/dbridge/core/shared/errors"
)

// schemaSampleSize bounds how many documents TableSchema inspects when
// inferring a collection's shape.
const schemaSampleSize = 50

// MongoAdapter talks to MongoDB. Statements are JSON command documents
// executed via RunCommand, e.g.
//
//	{ "find": "orders", "filter": { "status": "open" } }
//	{ "insert": "orders", "documents": [{ "id": "456", "total": 100 }] }
//	{ "delete": "orders", "deletes": [{ "q": { "id": "123" }, "limit": 1 }] }
type MongoAdapter struct {
	client   *mongo.Client
	database string
	log      *logger.Logger
}

func newMongoAdapter(creds Credentials) (*MongoAdapter, error) {
	database := creds["database"]
	if database == "" {
		return nil, apperrors.NewValidation("mongodb credentials missing database name", nil)
	}

	log := logger.New("adapter:mongodb")
	log.Debugf("opening MongoDB connection")

	opts := mongoOptions.Client().ApplyURI(creds.DSN())
	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, apperrors.NewConnection("failed to connect to mongodb", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, apperrors.NewConnection("failed to ping mongodb", err)
	}

	log.Debugf("MongoDB connection opened")
	return &MongoAdapter{client: client, database: database, log: log}, nil
}

func (m *MongoAdapter) Kind() Kind { return KindMongoDB }

func (m *MongoAdapter) Ping(ctx context.Context) error {
	if err := m.client.Ping(ctx, readpref.Primary()); err != nil {
		return apperrors.NewConnection("mongodb ping failed", err)
	}
	return nil
}

// ExecuteQuery runs a raw MongoDB command. The statement must be a JSON
// object; params are not used by this engine and are rejected to keep the
// contract honest.
func (m *MongoAdapter) ExecuteQuery(ctx context.Context, statement string, params ...any) (*Result, error) {
	if len(params) > 0 {
		return nil, apperrors.NewValidation("mongodb statements embed their arguments; positional params are not accepted", nil)
	}

	cmd, err := commandToBsonD(json.RawMessage(statement))
	if err != nil {
		return nil, apperrors.NewValidation("mongodb statement must be a JSON command object", err)
	}

	db := m.client.Database(m.database)

	var result bson.M
	if err := db.RunCommand(ctx, cmd).Decode(&result); err != nil {
		return nil, apperrors.NewExecution("mongodb command failed", err)
	}

	// find/aggregate responses carry documents inside cursor.firstBatch
	if cursor, ok := result["cursor"].(bson.M); ok {
		if firstBatch, ok := cursor["firstBatch"].(bson.A); ok {
			rows := make([]map[string]any, 0, len(firstBatch))
			for _, doc := range firstBatch {
				if d, ok := doc.(bson.M); ok {
					rows = append(rows, bsonToMap(d))
				}
			}
			return &Result{Rows: rows, RowCount: len(rows)}, nil
		}
	}

	// write commands report the touched document count as n
	if n, ok := result["n"]; ok {
		return &Result{Rows: []map[string]any{bsonToMap(result)}, RowCount: int(asInt64(n))}, nil
	}

	row := bsonToMap(result)
	return &Result{Rows: []map[string]any{row}, RowCount: 1}, nil
}

// FetchTableRows streams every document of a collection through a
// driver cursor. The find-command path in ExecuteQuery returns only the
// cursor's first batch, which would truncate large collections.
func (m *MongoAdapter) FetchTableRows(ctx context.Context, table string) ([]map[string]any, error) {
	cursor, err := m.client.Database(m.database).Collection(table).Find(ctx, bson.D{})
	if err != nil {
		return nil, apperrors.NewExecution(fmt.Sprintf("failed to read collection '%s'", table), err)
	}
	defer cursor.Close(ctx)

	var rows []map[string]any
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, apperrors.NewExecution(fmt.Sprintf("failed to decode document in '%s'", table), err)
		}
		rows = append(rows, bsonToMap(doc))
	}
	if err := cursor.Err(); err != nil {
		return nil, apperrors.NewExecution(fmt.Sprintf("cursor error reading '%s'", table), err)
	}
	return rows, nil
}

func (m *MongoAdapter) ListTables(ctx context.Context) ([]string, error) {
	names, err := m.client.Database(m.database).ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, apperrors.NewExecution("failed to list collections", err)
	}
	sort.Strings(names)
	return names, nil
}

// TableSchema infers a collection's shape by sampling documents: the
// column set is the union of keys seen, typed by the first value observed.
func (m *MongoAdapter) TableSchema(ctx context.Context, table string) (*TableSchema, error) {
	coll := m.client.Database(m.database).Collection(table)

	cursor, err := coll.Find(ctx, bson.D{}, mongoOptions.Find().SetLimit(schemaSampleSize))
	if err != nil {
		return nil, apperrors.NewExecution(fmt.Sprintf("failed to sample collection '%s'", table), err)
	}
	defer cursor.Close(ctx)

	types := map[string]string{}
	var order []string
	sampled := 0
	for cursor.Next(ctx) {
		sampled++
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			continue
		}
		for key, value := range doc {
			if _, seen := types[key]; !seen {
				types[key] = bsonTypeName(value)
				order = append(order, key)
			}
		}
	}
	if err := cursor.Err(); err != nil {
		return nil, apperrors.NewExecution("error sampling documents", err)
	}
	if sampled == 0 {
		// Distinguish a missing collection from an empty one
		names, err := m.ListTables(ctx)
		if err != nil {
			return nil, err
		}
		found := false
		for _, name := range names {
			if name == table {
				found = true
				break
			}
		}
		if !found {
			return nil, apperrors.NewNotFound("collection", table)
		}
	}

	sort.Strings(order)
	schema := &TableSchema{Table: table, PrimaryKey: []string{"_id"}}
	for _, key := range order {
		schema.Columns = append(schema.Columns, Column{Name: key, Type: types[key], Nullable: key != "_id"})
	}
	return schema, nil
}

func (m *MongoAdapter) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	docs := make([]any, 0, len(rows))
	for _, row := range rows {
		doc := bson.M{}
		for i, col := range columns {
			if i < len(row) {
				doc[col] = row[i]
			}
		}
		docs = append(docs, doc)
	}

	res, err := m.client.Database(m.database).Collection(table).InsertMany(ctx, docs)
	if err != nil {
		return 0, apperrors.NewExecution(fmt.Sprintf("batch insert into '%s' failed", table), err)
	}
	return int64(len(res.InsertedIDs)), nil
}

func (m *MongoAdapter) Begin(ctx context.Context) error {
	return apperrors.NewNotSupported(string(KindMongoDB), "transactions")
}

func (m *MongoAdapter) Commit(ctx context.Context) error {
	return apperrors.NewNotSupported(string(KindMongoDB), "transactions")
}

func (m *MongoAdapter) Rollback(ctx context.Context) error {
	return apperrors.NewNotSupported(string(KindMongoDB), "transactions")
}

func (m *MongoAdapter) QueryPlan(ctx context.Context, statement string) (*Result, error) {
	return nil, apperrors.NewNotSupported(string(KindMongoDB), "query planner metrics")
}

func (m *MongoAdapter) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

// commandToBsonD parses a JSON command into bson.D preserving key order.
// RunCommand requires the command name (e.g. "find") to be the first key.
func commandToBsonD(raw json.RawMessage) (bson.D, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	t, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := t.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("command must be a JSON object")
	}

	var d bson.D
	for dec.More() {
		keyToken, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyToken.(string)
		if !ok {
			return nil, fmt.Errorf("invalid command key")
		}

		var value any
		if err := dec.Decode(&value); err != nil {
			return nil, err
		}
		d = append(d, bson.E{Key: key, Value: normalizeJSONValue(value)})
	}

	if len(d) == 0 {
		return nil, fmt.Errorf("command must not be empty")
	}
	return d, nil
}

// normalizeJSONValue converts json.Number values into int64 or float64 so
// the driver does not send them as strings.
func normalizeJSONValue(v any) any {
	switch value := v.(type) {
	case json.Number:
		if i, err := value.Int64(); err == nil {
			return i
		}
		if f, err := value.Float64(); err == nil {
			return f
		}
		return value.String()
	case map[string]any:
		out := make(map[string]any, len(value))
		for k, item := range value {
			out[k] = normalizeJSONValue(item)
		}
		return out
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = normalizeJSONValue(item)
		}
		return out
	default:
		return v
	}
}

// bsonToMap converts a bson.M into a plain map, flattening nested bson
// types so results serialize cleanly.
func bsonToMap(doc bson.M) map[string]any {
	out := make(map[string]any, len(doc))
	for key, value := range doc {
		out[key] = flattenBSONValue(value)
	}
	return out
}

func flattenBSONValue(v any) any {
	switch value := v.(type) {
	case bson.M:
		return bsonToMap(value)
	case bson.D:
		out := make(map[string]any, len(value))
		for _, e := range value {
			out[e.Key] = flattenBSONValue(e.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = flattenBSONValue(item)
		}
		return out
	case bson.ObjectID:
		return value.Hex()
	default:
		return v
	}
}

func bsonTypeName(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case int32, int64, int:
		return "int"
	case float64, float32:
		return "double"
	case bool:
		return "bool"
	case bson.M, bson.D:
		return "object"
	case bson.A:
		return "array"
	case time.Time:
		return "date"
	case bson.ObjectID:
		return "objectId"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T", v)
	}
}
