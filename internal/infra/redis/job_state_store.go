package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"screening-engine/internal/config"
	"screening-engine/internal/domain"
	"screening-engine/internal/domain/model"
	"screening-engine/internal/domain/ports/repository"
	"screening-engine/internal/infra/metrics"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

var _ repository.JobStateStore = (*JobStateStore)(nil)

const (
	activeKey    = "batches:active"
	maxCASPasses = 8
)

func batchKey(id string) string { return "batch:" + id }
func itemsKey(id string) string { return "batch:" + id + ":items" }

// batchMeta is the immutable part of a batch, kept as JSON in the "meta"
// field of batch:{id}. Status, counters and the cancel flag are plain hash
// fields so scripts can update them in place.
type batchMeta struct {
	ID        string              `json:"id"`
	CreatedAt time.Time           `json:"created_at"`
	ExpiresAt time.Time           `json:"expires_at"`
	ItemIDs   []string            `json:"item_ids"`
	Selection model.Selection     `json:"selection"`
	Task      model.TaskConfig    `json:"task"`
	Request   model.RequestConfig `json:"request"`
}

// JobStateStore keeps batches in Redis:
//
//	batch:{id}        hash  meta, status, pending..cancelled, cancel_requested, finished_at
//	batch:{id}:items  hash  itemId -> JSON ItemRecord
//	batches:active    zset  batch ids scored by expiry
//
// Both keys of a batch carry the retention TTL.
type JobStateStore struct {
	client       *Client
	waitReplicas int
	waitTimeout  time.Duration
	log          *zerolog.Logger
	now          func() time.Time
}

func NewJobStateStore(client *Client, cfg config.StoreConfig, logger *zerolog.Logger) *JobStateStore {
	l := logger.With().Str("component", "RedisJobStateStore").Logger()
	return &JobStateStore{
		client:       client,
		waitReplicas: cfg.WaitReplicas,
		waitTimeout:  cfg.WaitTimeout,
		log:          &l,
		now:          time.Now,
	}
}

// wait blocks until the configured number of replicas acknowledged the
// preceding writes of this connection.
func (s *JobStateStore) wait(ctx context.Context) {
	if s.waitReplicas <= 0 {
		return
	}
	n, err := s.client.cli.Wait(ctx, s.waitReplicas, s.waitTimeout).Result()
	if err != nil {
		s.log.Warn().Err(err).Msg("WAIT failed")
		return
	}
	if int(n) < s.waitReplicas {
		s.log.Warn().Int64("acked", n).Int("want", s.waitReplicas).Msg("write not acknowledged by all replicas")
	}
}

// luaCreateBatch writes a new batch, its items, both TTLs and the active
// index entry in one step. Item fields go in chunks to stay below the Lua
// stack limit of unpack.
//
// KEYS: batch, items, active
// ARGV: meta, status, pending, processing, completed, error, cancelled,
//
//	cancelRequested, expiresAtMs, expiresAtSec, batchId, then itemId/JSON pairs
var luaCreateBatch = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 or redis.call("EXISTS", KEYS[2]) == 1 then return 0 end
redis.call("HSET", KEYS[1], "meta", ARGV[1], "status", ARGV[2],
	"pending", ARGV[3], "processing", ARGV[4], "completed", ARGV[5], "error", ARGV[6], "cancelled", ARGV[7],
	"cancel_requested", ARGV[8])
local n = #ARGV
for i = 12, n, 1000 do
	redis.call("HSET", KEYS[2], unpack(ARGV, i, math.min(i + 999, n)))
end
redis.call("PEXPIREAT", KEYS[1], ARGV[9])
if n >= 12 then
	redis.call("PEXPIREAT", KEYS[2], ARGV[9])
end
redis.call("ZADD", KEYS[3], ARGV[10], ARGV[11])
return 1`)

func (s *JobStateStore) CreateBatch(ctx context.Context, batch *model.BatchJob, items []model.ItemRecord) error {
	start := s.now()
	if batch == nil || batch.ID == "" || batch.ExpiresAt.IsZero() {
		return domain.ErrInvalidArgument
	}
	meta, err := json.Marshal(batchMeta{
		ID:        batch.ID,
		CreatedAt: batch.CreatedAt,
		ExpiresAt: batch.ExpiresAt,
		ItemIDs:   batch.ItemIDs,
		Selection: batch.Selection,
		Task:      batch.Task,
		Request:   batch.Request,
	})
	if err != nil {
		return err
	}

	var counts model.Counts
	fields := make([]interface{}, 0, 2*len(items))
	for _, it := range items {
		b, err := json.Marshal(it)
		if err != nil {
			return err
		}
		fields = append(fields, it.ID, b)
		counts.Move("", it.Status)
	}
	args := append([]interface{}{
		meta, string(batch.Status),
		counts.Pending, counts.Processing, counts.Completed, counts.Error, counts.Cancelled,
		boolField(batch.CancelRequested),
		batch.ExpiresAt.UnixMilli(), batch.ExpiresAt.Unix(), batch.ID,
	}, fields...)

	keys := []string{batchKey(batch.ID), itemsKey(batch.ID), activeKey}
	created, err := luaCreateBatch.Run(ctx, s.client.cli, keys, args...).Int64()
	if err != nil {
		return err
	}
	if created == 0 {
		return fmt.Errorf("batch %s: %w", batch.ID, domain.ErrAlreadyExists)
	}
	batch.Counts = counts
	s.wait(ctx)
	metrics.ObserveStoreWrite(config.BackendRedis, "create", s.now().Sub(start))
	return nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

var luaSetStatus = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then return -1 end
local s = redis.call("HGET", KEYS[1], "status")
if s == "completed" or s == "completed_with_errors" or s == "cancelled" then return -2 end
redis.call("HSET", KEYS[1], "status", ARGV[1])
return 0`)

func (s *JobStateStore) SetBatchStatus(ctx context.Context, batchID string, status model.BatchStatus) error {
	if status.Terminal() {
		return fmt.Errorf("status %s is set by item writes only: %w", status, domain.ErrInvalidArgument)
	}
	code, err := luaSetStatus.Run(ctx, s.client.cli, []string{batchKey(batchID)}, string(status)).Int64()
	if err != nil {
		return err
	}
	switch code {
	case -1:
		return domain.ErrNotFound
	case -2:
		return domain.ErrBatchFinalized
	}
	s.wait(ctx)
	return nil
}

// luaUpdateItem swaps an item record if it still equals the expected JSON,
// moves one unit between the status counters and finalizes the batch when
// nothing is outstanding.
//
// KEYS: batch, items, active
// ARGV: itemId, expected, next, fromStatus, toStatus, finishedAt, batchId
var luaUpdateItem = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then return {-1} end
local cur = redis.call("HGET", KEYS[2], ARGV[1])
if not cur then return {-1} end
if cur ~= ARGV[2] then return {1} end
redis.call("HSET", KEYS[2], ARGV[1], ARGV[3])
if ARGV[4] ~= ARGV[5] then
	redis.call("HINCRBY", KEYS[1], ARGV[4], -1)
	redis.call("HINCRBY", KEYS[1], ARGV[5], 1)
end
local h = redis.call("HMGET", KEYS[1], "pending", "processing", "completed", "error", "cancelled", "status")
local p = tonumber(h[1]) or 0
local pr = tonumber(h[2]) or 0
local c = tonumber(h[3]) or 0
local e = tonumber(h[4]) or 0
local x = tonumber(h[5]) or 0
local status = h[6] or ""
local finalized = 0
if p + pr == 0 and status ~= "completed" and status ~= "completed_with_errors" and status ~= "cancelled" then
	if x > 0 then
		status = "cancelled"
	elseif e > 0 then
		status = "completed_with_errors"
	else
		status = "completed"
	end
	redis.call("HSET", KEYS[1], "status", status, "finished_at", ARGV[6])
	redis.call("ZREM", KEYS[3], ARGV[7])
	finalized = 1
end
return {0, p, pr, c, e, x, finalized, status}`)

// UpdateItem reads the item, applies the transition in Go and writes it
// back with a compare-and-swap script, retrying when another writer won.
func (s *JobStateStore) UpdateItem(ctx context.Context, batchID, itemID string, u model.ItemUpdate) (model.UpdateResult, error) {
	start := s.now()
	bk, ik := batchKey(batchID), itemsKey(batchID)

	for pass := 0; pass < maxCASPasses; pass++ {
		cur, err := s.client.cli.HGet(ctx, ik, itemID).Result()
		if errors.Is(err, redis.Nil) {
			return model.UpdateResult{}, fmt.Errorf("item %s/%s: %w", batchID, itemID, domain.ErrNotFound)
		}
		if err != nil {
			return model.UpdateResult{}, err
		}
		var rec model.ItemRecord
		if err := json.Unmarshal([]byte(cur), &rec); err != nil {
			return model.UpdateResult{}, fmt.Errorf("decode item %s: %w", itemID, err)
		}
		now := s.now()
		next, err := rec.Apply(u, now)
		if err != nil {
			return model.UpdateResult{Item: rec}, err
		}
		nb, err := json.Marshal(next)
		if err != nil {
			return model.UpdateResult{}, err
		}

		res, err := luaUpdateItem.Run(ctx, s.client.cli, []string{bk, ik, activeKey},
			itemID, cur, nb, string(rec.Status), string(next.Status), now.UTC().Format(time.RFC3339Nano), batchID,
		).Slice()
		if err != nil {
			return model.UpdateResult{}, err
		}
		switch toInt(res[0]) {
		case -1:
			return model.UpdateResult{}, fmt.Errorf("batch %s: %w", batchID, domain.ErrNotFound)
		case 1:
			continue
		}
		out := model.UpdateResult{
			Item: next,
			Counts: model.Counts{
				Pending:    toInt(res[1]),
				Processing: toInt(res[2]),
				Completed:  toInt(res[3]),
				Error:      toInt(res[4]),
				Cancelled:  toInt(res[5]),
			},
			Finalized: toInt(res[6]) == 1,
		}
		if st, ok := res[7].(string); ok {
			out.Status = model.BatchStatus(st)
		}
		s.wait(ctx)
		metrics.ObserveStoreWrite(config.BackendRedis, "update_item", s.now().Sub(start))
		return out, nil
	}
	return model.UpdateResult{}, fmt.Errorf("item %s/%s: gave up after %d concurrent write conflicts", batchID, itemID, maxCASPasses)
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	}
	return 0
}

func (s *JobStateStore) decodeBatch(h map[string]string) (*model.BatchJob, error) {
	raw, ok := h["meta"]
	if !ok {
		return nil, domain.ErrNotFound
	}
	var m batchMeta
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("decode batch meta: %w", err)
	}
	b := &model.BatchJob{
		ID:              m.ID,
		CreatedAt:       m.CreatedAt,
		ExpiresAt:       m.ExpiresAt,
		ItemIDs:         m.ItemIDs,
		Selection:       m.Selection,
		Task:            m.Task,
		Request:         m.Request,
		Status:          model.BatchStatus(h["status"]),
		CancelRequested: h["cancel_requested"] == "1",
		Counts: model.Counts{
			Pending:    toInt(h["pending"]),
			Processing: toInt(h["processing"]),
			Completed:  toInt(h["completed"]),
			Error:      toInt(h["error"]),
			Cancelled:  toInt(h["cancelled"]),
		},
	}
	if v := h["finished_at"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			b.FinishedAt = &t
		}
	}
	if b.Expired(s.now()) {
		return nil, domain.ErrNotFound
	}
	return b, nil
}

func (s *JobStateStore) GetBatchMeta(ctx context.Context, batchID string) (*model.BatchJob, error) {
	h, err := s.client.cli.HGetAll(ctx, batchKey(batchID)).Result()
	if err != nil {
		return nil, err
	}
	if len(h) == 0 {
		return nil, domain.ErrNotFound
	}
	return s.decodeBatch(h)
}

func (s *JobStateStore) GetBatch(ctx context.Context, batchID string) (*model.BatchSnapshot, error) {
	var metaCmd, itemsCmd *redis.StringStringMapCmd
	_, err := s.client.cli.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		metaCmd = pipe.HGetAll(ctx, batchKey(batchID))
		itemsCmd = pipe.HGetAll(ctx, itemsKey(batchID))
		return nil
	})
	if err != nil {
		return nil, err
	}
	h := metaCmd.Val()
	if len(h) == 0 {
		return nil, domain.ErrNotFound
	}
	b, err := s.decodeBatch(h)
	if err != nil {
		return nil, err
	}
	raw := itemsCmd.Val()
	items := make([]model.ItemRecord, 0, len(b.ItemIDs))
	for _, id := range b.ItemIDs {
		v, ok := raw[id]
		if !ok {
			continue
		}
		var rec model.ItemRecord
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			return nil, fmt.Errorf("decode item %s: %w", id, err)
		}
		items = append(items, rec)
	}
	return &model.BatchSnapshot{Batch: *b, Items: items}, nil
}

func (s *JobStateStore) ListActiveBatches(ctx context.Context) ([]string, error) {
	now := strconv.FormatInt(s.now().Unix(), 10)
	// expired members have no keys left behind them
	if err := s.client.cli.ZRemRangeByScore(ctx, activeKey, "-inf", "("+now).Err(); err != nil {
		return nil, err
	}
	return s.client.cli.ZRangeByScore(ctx, activeKey, &redis.ZRangeBy{Min: now, Max: "+inf"}).Result()
}

var luaCancel = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then return -1 end
local s = redis.call("HGET", KEYS[1], "status")
if s == "completed" or s == "completed_with_errors" or s == "cancelled" then return 0 end
redis.call("HSET", KEYS[1], "cancel_requested", "1")
return 1`)

func (s *JobStateStore) MarkCancelRequested(ctx context.Context, batchID string) (*model.BatchJob, error) {
	code, err := luaCancel.Run(ctx, s.client.cli, []string{batchKey(batchID)}).Int64()
	if err != nil {
		return nil, err
	}
	if code == -1 {
		return nil, domain.ErrNotFound
	}
	if code == 1 {
		s.wait(ctx)
	}
	return s.GetBatchMeta(ctx, batchID)
}

func (s *JobStateStore) DeleteBatch(ctx context.Context, batchID string) error {
	start := s.now()
	var delCmd *redis.IntCmd
	_, err := s.client.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		delCmd = pipe.Del(ctx, batchKey(batchID), itemsKey(batchID))
		pipe.ZRem(ctx, activeKey, batchID)
		return nil
	})
	if err != nil {
		return err
	}
	if delCmd.Val() == 0 {
		return domain.ErrNotFound
	}
	s.wait(ctx)
	metrics.ObserveStoreWrite(config.BackendRedis, "delete", s.now().Sub(start))
	return nil
}
