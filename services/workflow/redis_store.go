package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	executionKeyPrefix = "automation:execution:"
	workflowRunsPrefix = "automation:workflow:"
	workflowRunsSuffix = ":executions"
)

// RedisExecutionStore keeps execution records in Redis. Each record is a
// JSON string; a sorted set per workflow indexes records by start time.
type RedisExecutionStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisExecutionStore creates a store on client. A positive ttl expires
// finished records after that long.
func NewRedisExecutionStore(client redis.UniversalClient, ttl time.Duration) *RedisExecutionStore {
	return &RedisExecutionStore{client: client, ttl: ttl}
}

func executionKey(id string) string { return executionKeyPrefix + id }

func workflowRunsKey(workflowID string) string {
	return workflowRunsPrefix + workflowID + workflowRunsSuffix
}

func (s *RedisExecutionStore) Create(ctx context.Context, exec *Execution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, executionKey(exec.ID), data, 0)
		pipe.ZAdd(ctx, workflowRunsKey(exec.WorkflowID), redis.Z{
			Score:  float64(exec.StartedAt.UnixMilli()),
			Member: exec.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

func (s *RedisExecutionStore) Update(ctx context.Context, exec *Execution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}

	var ttl time.Duration
	if exec.Status.Terminal() {
		ttl = s.ttl
	}
	ok, err := s.client.SetXX(ctx, executionKey(exec.ID), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if !ok {
		return ErrExecutionNotFound
	}
	return nil
}

func (s *RedisExecutionStore) Get(ctx context.Context, id string) (*Execution, error) {
	data, err := s.client.Get(ctx, executionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}

	var exec Execution
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, fmt.Errorf("unmarshal execution: %w", err)
	}
	return &exec, nil
}

// ListByWorkflow reads the newest ids from the index and loads their records.
// Ids whose record has expired are pruned from the index and the next older
// ids are read in their place, so a page is short only when the index runs out.
func (s *RedisExecutionStore) ListByWorkflow(ctx context.Context, workflowID string, limit int) ([]Execution, error) {
	if limit <= 0 {
		return []Execution{}, nil
	}

	index := workflowRunsKey(workflowID)
	out := make([]Execution, 0, limit)
	for len(out) < limit {
		// Live ids ahead of start are kept and stale ones were removed, so
		// start always points at the first unread id.
		start := int64(len(out))
		ids, err := s.client.ZRevRange(ctx, index, start, start+int64(limit-len(out))-1).Result()
		if err != nil {
			return nil, fmt.Errorf("list executions: %w", err)
		}
		if len(ids) == 0 {
			break
		}

		page, stale, err := s.load(ctx, ids)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(stale) == 0 {
			break
		}
		if err := s.client.ZRem(ctx, index, stale...).Err(); err != nil {
			return nil, fmt.Errorf("prune executions: %w", err)
		}
	}
	return out, nil
}

// load fetches the records for ids, returning the ids that no longer have one.
func (s *RedisExecutionStore) load(ctx context.Context, ids []string) ([]Execution, []any, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = executionKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("list executions: %w", err)
	}

	page := make([]Execution, 0, len(values))
	var stale []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var exec Execution
		if err := json.Unmarshal([]byte(raw), &exec); err != nil {
			return nil, nil, fmt.Errorf("unmarshal execution %s: %w", ids[i], err)
		}
		page = append(page, exec)
	}
	return page, stale, nil
}
