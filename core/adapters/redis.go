package adapters

import (
	"context"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/dbridge-io/dbridge/core/logger"
	apperrors "github.com/dbridge-io/dbridge/core/shared/errors"
)

// RedisAdapter talks to Redis. Statements are raw command strings like
// "GET key" or "SET key value". Schema introspection, transactions and
// bulk insert are not part of this engine's capability set.
type RedisAdapter struct {
	client *redis.Client
	log    *logger.Logger
}

func newRedisAdapter(creds Credentials) (*RedisAdapter, error) {
	log := logger.New("adapter:redis")
	log.Debugf("opening Redis connection")

	opt, err := redis.ParseURL(creds.DSN())
	if err != nil {
		return nil, apperrors.NewValidation("failed to parse redis connection string", err)
	}

	client := redis.NewClient(opt)

	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, apperrors.NewConnection("failed to ping redis", err)
	}

	log.Debugf("Redis connection opened")
	return &RedisAdapter{client: client, log: log}, nil
}

func (r *RedisAdapter) Kind() Kind { return KindRedis }

func (r *RedisAdapter) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return apperrors.NewConnection("redis ping failed", err)
	}
	return nil
}

func (r *RedisAdapter) ExecuteQuery(ctx context.Context, statement string, params ...any) (*Result, error) {
	parts := strings.Fields(statement)
	if len(parts) == 0 {
		return nil, apperrors.NewValidation("empty redis command", nil)
	}

	args := make([]any, 0, len(parts)+len(params))
	args = append(args, strings.ToUpper(parts[0]))
	for _, part := range parts[1:] {
		args = append(args, part)
	}
	// Positional params append after the literal command tokens
	args = append(args, params...)

	cmd := r.client.Do(ctx, args...)
	if cmd.Err() != nil {
		if cmd.Err() == redis.Nil {
			return &Result{Rows: []map[string]any{}, RowCount: 0}, nil
		}
		return nil, apperrors.NewExecution("redis command failed", cmd.Err())
	}

	val, err := cmd.Result()
	if err != nil {
		return nil, apperrors.NewExecution("failed to read redis result", err)
	}

	rows := redisResultRows(val)
	return &Result{Rows: rows, RowCount: len(rows)}, nil
}

// redisResultRows shapes a command reply into the uniform row form. Array
// replies become one row per element under the "value" column.
func redisResultRows(val any) []map[string]any {
	switch v := val.(type) {
	case []any:
		rows := make([]map[string]any, 0, len(v))
		for i, item := range v {
			rows = append(rows, map[string]any{"index": i, "value": item})
		}
		return rows
	case map[any]any:
		row := make(map[string]any, len(v))
		for key, item := range v {
			if k, ok := key.(string); ok {
				row[k] = item
			}
		}
		return []map[string]any{row}
	default:
		return []map[string]any{{"value": v}}
	}
}

func (r *RedisAdapter) ListTables(ctx context.Context) ([]string, error) {
	return nil, apperrors.NewNotSupported(string(KindRedis), "table listing")
}

func (r *RedisAdapter) TableSchema(ctx context.Context, table string) (*TableSchema, error) {
	return nil, apperrors.NewNotSupported(string(KindRedis), "schema introspection")
}

func (r *RedisAdapter) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	return 0, apperrors.NewNotSupported(string(KindRedis), "bulk insert")
}

func (r *RedisAdapter) Begin(ctx context.Context) error {
	return apperrors.NewNotSupported(string(KindRedis), "transactions")
}

func (r *RedisAdapter) Commit(ctx context.Context) error {
	return apperrors.NewNotSupported(string(KindRedis), "transactions")
}

func (r *RedisAdapter) Rollback(ctx context.Context) error {
	return apperrors.NewNotSupported(string(KindRedis), "transactions")
}

func (r *RedisAdapter) QueryPlan(ctx context.Context, statement string) (*Result, error) {
	return nil, apperrors.NewNotSupported(string(KindRedis), "query planner metrics")
}

func (r *RedisAdapter) Close() error {
	return r.client.Close()
}
