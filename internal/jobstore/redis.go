package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Smile2578/anabai-queue/internal/jobs"
)

// RedisStore implements Store on top of Redis. Each queue owns a waiting
// list, delayed/active/completed/failed sorted sets (scored by due, claim,
// and finish time respectively), one hash per job, and optional deduplication
// reservation keys.
type RedisStore struct {
	client *redis.Client
}

// New wraps an existing Redis client.
func New(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) waitingKey(q string) string   { return "queue:" + q + ":waiting" }
func (s *RedisStore) delayedKey(q string) string   { return "queue:" + q + ":delayed" }
func (s *RedisStore) activeKey(q string) string    { return "queue:" + q + ":active" }
func (s *RedisStore) completedKey(q string) string { return "queue:" + q + ":completed" }
func (s *RedisStore) failedKey(q string) string    { return "queue:" + q + ":failed" }
func (s *RedisStore) jobPrefix(q string) string    { return "queue:" + q + ":job:" }
func (s *RedisStore) jobKey(q, id string) string   { return s.jobPrefix(q) + id }
func (s *RedisStore) dedupeKey(q, d string) string { return "queue:" + q + ":dedupe:" + d }

func (s *RedisStore) stateKey(q string, st jobs.State) string {
	switch st {
	case jobs.StateDelayed:
		return s.delayedKey(q)
	case jobs.StateActive:
		return s.activeKey(q)
	case jobs.StateCompleted:
		return s.completedKey(q)
	case jobs.StateFailed:
		return s.failedKey(q)
	default:
		return s.waitingKey(q)
	}
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, jobs.ErrStoreUnavailable, err)
}

// claimScript promotes due delayed jobs and pops one waiting job into the
// active set in a single atomic step. This is the only permitted
// waiting/delayed -> active transition.
var claimScript = redis.NewScript(`
local waiting = KEYS[1]
local delayed = KEYS[2]
local active = KEYS[3]
local prefix = ARGV[1]
local now = ARGV[2]
local due = redis.call('ZRANGEBYSCORE', delayed, '-inf', now, 'LIMIT', 0, 100)
for _, id in ipairs(due) do
  redis.call('ZREM', delayed, id)
  redis.call('RPUSH', waiting, id)
  redis.call('HSET', prefix .. id, 'state', 'waiting')
end
local id = redis.call('LPOP', waiting)
if not id then
  return false
end
redis.call('ZADD', active, now, id)
redis.call('HSET', prefix .. id, 'state', 'active', 'processed_ms', now)
return id
`)

// completeScript transitions active -> completed, guarding against jobs the
// stuck sweep already reclaimed.
var completeScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[3], 'state', 'completed', 'finished_ms', ARGV[2], 'result', ARGV[3])
redis.call('HDEL', KEYS[3], 'last_error')
return 1
`)

// failScript transitions active -> failed permanently.
var failScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[3], 'state', 'failed', 'finished_ms', ARGV[2], 'attempts', ARGV[3], 'last_error', ARGV[4])
return 1
`)

// delayScript transitions active -> delayed for a retry.
var delayScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[3], 'state', 'delayed', 'attempts', ARGV[3], 'last_error', ARGV[4])
redis.call('HDEL', KEYS[3], 'processed_ms')
return 1
`)

// requeueScript re-queues a permanently failed job (operator override). The
// attempt counter and last failure are reset so the job gets a clean retry
// budget.
var requeueScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('RPUSH', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[3], 'state', 'waiting', 'attempts', 0)
redis.call('HDEL', KEYS[3], 'finished_ms', 'processed_ms', 'last_error')
return 1
`)

// stuckScript force-fails active jobs claimed at or before the cutoff.
var stuckScript = redis.NewScript(`
local active = KEYS[1]
local failed = KEYS[2]
local prefix = ARGV[1]
local cutoff = ARGV[2]
local now = ARGV[3]
local ids = redis.call('ZRANGEBYSCORE', active, '-inf', cutoff, 'LIMIT', 0, 100)
for _, id in ipairs(ids) do
  redis.call('ZREM', active, id)
  redis.call('ZADD', failed, now, id)
  redis.call('HSET', prefix .. id, 'state', 'failed', 'finished_ms', now)
end
return ids
`)

func (s *RedisStore) Enqueue(ctx context.Context, job jobs.Job, delay time.Duration) (jobs.Job, bool, error) {
	q := job.QueueName
	if job.DeduplicationID != "" {
		reserved, err := s.client.SetNX(ctx, s.dedupeKey(q, job.DeduplicationID), job.ID, 0).Result()
		if err != nil {
			return jobs.Job{}, false, storeErr("reserve dedupe key", err)
		}
		if !reserved {
			existingID, err := s.client.Get(ctx, s.dedupeKey(q, job.DeduplicationID)).Result()
			if err == nil {
				if existing, err := s.GetJob(ctx, q, existingID); err == nil {
					return existing, true, nil
				}
			}
			// Reservation points at a vanished job; replace it.
			if err := s.client.Set(ctx, s.dedupeKey(q, job.DeduplicationID), job.ID, 0).Err(); err != nil {
				return jobs.Job{}, false, storeErr("replace dedupe key", err)
			}
		}
	}

	now := time.Now().UTC()
	job.CreatedAt = now
	job.State = jobs.StateWaiting
	if delay > 0 {
		job.State = jobs.StateDelayed
	}

	fields := map[string]any{
		"id":              job.ID,
		"queue":           q,
		"payload":         string(job.Payload),
		"state":           string(job.State),
		"attempts":        0,
		"max_attempts":    job.MaxAttempts,
		"backoff_kind":    string(job.Backoff.Kind),
		"backoff_base_ms": job.Backoff.BaseDelay.Milliseconds(),
		"created_ms":      now.UnixMilli(),
	}
	if job.DeduplicationID != "" {
		fields["dedupe_id"] = job.DeduplicationID
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.jobKey(q, job.ID), fields)
	if delay > 0 {
		pipe.ZAdd(ctx, s.delayedKey(q), redis.Z{Score: float64(now.Add(delay).UnixMilli()), Member: job.ID})
	} else {
		pipe.RPush(ctx, s.waitingKey(q), job.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return jobs.Job{}, false, storeErr("enqueue job", err)
	}
	return job, false, nil
}

func (s *RedisStore) ClaimNext(ctx context.Context, queue string) (*jobs.Job, error) {
	keys := []string{s.waitingKey(queue), s.delayedKey(queue), s.activeKey(queue)}
	res, err := claimScript.Run(ctx, s.client, keys, s.jobPrefix(queue), time.Now().UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("claim next", err)
	}
	id, ok := res.(string)
	if !ok {
		return nil, storeErr("claim next", fmt.Errorf("unexpected script result type %T", res))
	}
	job, err := s.GetJob(ctx, queue, id)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *RedisStore) Complete(ctx context.Context, queue, id string, result jobs.Result) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	keys := []string{s.activeKey(queue), s.completedKey(queue), s.jobKey(queue, id)}
	n, err := completeScript.Run(ctx, s.client, keys, id, time.Now().UnixMilli(), string(raw)).Int()
	if err != nil {
		return storeErr("complete job", err)
	}
	if n == 0 {
		return fmt.Errorf("complete job %s: no longer active: %w", id, jobs.ErrNotFound)
	}
	s.releaseDedupe(ctx, queue, id)
	return nil
}

func (s *RedisStore) Fail(ctx context.Context, queue, id string, attempts int, failure jobs.FailureInfo) error {
	raw, err := json.Marshal(failure)
	if err != nil {
		return fmt.Errorf("marshal failure: %w", err)
	}
	keys := []string{s.activeKey(queue), s.failedKey(queue), s.jobKey(queue, id)}
	n, err := failScript.Run(ctx, s.client, keys, id, time.Now().UnixMilli(), attempts, string(raw)).Int()
	if err != nil {
		return storeErr("fail job", err)
	}
	if n == 0 {
		return fmt.Errorf("fail job %s: no longer active: %w", id, jobs.ErrNotFound)
	}
	s.releaseDedupe(ctx, queue, id)
	return nil
}

func (s *RedisStore) MoveToDelayed(ctx context.Context, queue, id string, delay time.Duration, attempts int, failure jobs.FailureInfo) error {
	raw, err := json.Marshal(failure)
	if err != nil {
		return fmt.Errorf("marshal failure: %w", err)
	}
	due := time.Now().Add(delay).UnixMilli()
	keys := []string{s.activeKey(queue), s.delayedKey(queue), s.jobKey(queue, id)}
	n, err := delayScript.Run(ctx, s.client, keys, id, due, attempts, string(raw)).Int()
	if err != nil {
		return storeErr("delay job", err)
	}
	if n == 0 {
		return fmt.Errorf("delay job %s: no longer active: %w", id, jobs.ErrNotFound)
	}
	return nil
}

func (s *RedisStore) RequeueFailed(ctx context.Context, queue, id string) (jobs.Job, error) {
	keys := []string{s.failedKey(queue), s.waitingKey(queue), s.jobKey(queue, id)}
	n, err := requeueScript.Run(ctx, s.client, keys, id).Int()
	if err != nil {
		return jobs.Job{}, storeErr("requeue failed job", err)
	}
	if n == 0 {
		return jobs.Job{}, fmt.Errorf("requeue job %s: not in failed state: %w", id, jobs.ErrNotFound)
	}
	// Re-reserve the dedupe key: the job is in flight again.
	job, err := s.GetJob(ctx, queue, id)
	if err != nil {
		return jobs.Job{}, err
	}
	if job.DeduplicationID != "" {
		_ = s.client.Set(ctx, s.dedupeKey(queue, job.DeduplicationID), id, 0).Err()
	}
	return job, nil
}

func (s *RedisStore) GetJob(ctx context.Context, queue, id string) (jobs.Job, error) {
	fields, err := s.client.HGetAll(ctx, s.jobKey(queue, id)).Result()
	if err != nil {
		return jobs.Job{}, storeErr("get job", err)
	}
	if len(fields) == 0 {
		return jobs.Job{}, fmt.Errorf("job %s: %w", id, jobs.ErrNotFound)
	}
	return jobFromFields(id, queue, fields), nil
}

func (s *RedisStore) GetCounts(ctx context.Context, queue string) (jobs.Counts, error) {
	pipe := s.client.Pipeline()
	waiting := pipe.LLen(ctx, s.waitingKey(queue))
	active := pipe.ZCard(ctx, s.activeKey(queue))
	delayed := pipe.ZCard(ctx, s.delayedKey(queue))
	completed := pipe.ZCard(ctx, s.completedKey(queue))
	failed := pipe.ZCard(ctx, s.failedKey(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return jobs.Counts{}, storeErr("get counts", err)
	}
	return jobs.Counts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

func (s *RedisStore) ListJobs(ctx context.Context, queue string, states []jobs.State, limit int64) ([]jobs.Job, error) {
	if len(states) == 0 {
		states = jobs.AllStates
	}
	if limit <= 0 {
		limit = 100
	}
	var out []jobs.Job
	for _, st := range states {
		var ids []string
		var err error
		if st == jobs.StateWaiting {
			ids, err = s.client.LRange(ctx, s.waitingKey(queue), 0, limit-1).Result()
		} else {
			ids, err = s.client.ZRange(ctx, s.stateKey(queue, st), 0, limit-1).Result()
		}
		if err != nil {
			return nil, storeErr("list jobs", err)
		}
		for _, id := range ids {
			job, err := s.GetJob(ctx, queue, id)
			if errors.Is(err, jobs.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			out = append(out, job)
		}
	}
	return out, nil
}

func (s *RedisStore) DeleteJob(ctx context.Context, queue, id string) error {
	job, err := s.GetJob(ctx, queue, id)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.LRem(ctx, s.waitingKey(queue), 0, id)
	pipe.ZRem(ctx, s.delayedKey(queue), id)
	pipe.ZRem(ctx, s.activeKey(queue), id)
	pipe.ZRem(ctx, s.completedKey(queue), id)
	pipe.ZRem(ctx, s.failedKey(queue), id)
	if job.DeduplicationID != "" {
		pipe.Del(ctx, s.dedupeKey(queue, job.DeduplicationID))
	}
	pipe.Del(ctx, s.jobKey(queue, id))
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr("delete job", err)
	}
	return nil
}

func (s *RedisStore) UpdateProgress(ctx context.Context, queue, id string, progress json.RawMessage) error {
	if err := s.client.HSet(ctx, s.jobKey(queue, id), "progress", string(progress)).Err(); err != nil {
		return storeErr("update progress", err)
	}
	return nil
}

func (s *RedisStore) PruneTerminal(ctx context.Context, queue string, state jobs.State, olderThan time.Duration, keepMax int64) ([]jobs.Job, error) {
	if !state.Terminal() {
		return nil, fmt.Errorf("prune: state %q is not terminal: %w", state, jobs.ErrValidation)
	}
	key := s.stateKey(queue, state)
	cutoff := time.Now().Add(-olderThan).UnixMilli()

	ids, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return nil, storeErr("prune: list aged", err)
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}

	if keepMax >= 0 {
		total, err := s.client.ZCard(ctx, key).Result()
		if err != nil {
			return nil, storeErr("prune: card", err)
		}
		if excess := total - keepMax; excess > 0 {
			// Oldest first: lowest finish-time scores.
			oldest, err := s.client.ZRange(ctx, key, 0, excess-1).Result()
			if err != nil {
				return nil, storeErr("prune: list excess", err)
			}
			for _, id := range oldest {
				if _, ok := seen[id]; !ok {
					ids = append(ids, id)
					seen[id] = struct{}{}
				}
			}
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pruned := make([]jobs.Job, 0, len(ids))
	pipe := s.client.TxPipeline()
	for _, id := range ids {
		job, err := s.GetJob(ctx, queue, id)
		if err == nil {
			pruned = append(pruned, job)
		}
		pipe.ZRem(ctx, key, id)
		pipe.Del(ctx, s.jobKey(queue, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, storeErr("prune: remove", err)
	}
	return pruned, nil
}

func (s *RedisStore) RecoverStuck(ctx context.Context, queue string, olderThan time.Duration) ([]jobs.Job, error) {
	now := time.Now()
	cutoff := now.Add(-olderThan).UnixMilli()
	keys := []string{s.activeKey(queue), s.failedKey(queue)}
	ids, err := stuckScript.Run(ctx, s.client, keys, s.jobPrefix(queue), cutoff, now.UnixMilli()).StringSlice()
	if err != nil {
		return nil, storeErr("recover stuck", err)
	}
	recovered := make([]jobs.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.GetJob(ctx, queue, id)
		if err != nil {
			continue
		}
		failure := jobs.FailureInfo{
			Kind:    jobs.KindStuckInActive,
			Message: fmt.Sprintf("active for more than %s, owning worker presumed gone", olderThan),
			Attempt: job.AttemptsMade,
		}
		raw, _ := json.Marshal(failure)
		_ = s.client.HSet(ctx, s.jobKey(queue, id), "last_error", string(raw)).Err()
		s.releaseDedupe(ctx, queue, id)
		job.State = jobs.StateFailed
		job.LastError = &failure
		recovered = append(recovered, job)
	}
	return recovered, nil
}

func (s *RedisStore) CompletedSince(ctx context.Context, queue string, since time.Time) (int64, error) {
	n, err := s.client.ZCount(ctx, s.completedKey(queue), strconv.FormatInt(since.UnixMilli(), 10), "+inf").Result()
	if err != nil {
		return 0, storeErr("completed since", err)
	}
	return n, nil
}

func (s *RedisStore) ActiveClaimTimes(ctx context.Context, queue string, limit int64) ([]time.Time, error) {
	if limit <= 0 {
		limit = 100
	}
	zs, err := s.client.ZRangeWithScores(ctx, s.activeKey(queue), 0, limit-1).Result()
	if err != nil {
		return nil, storeErr("active claim times", err)
	}
	out := make([]time.Time, 0, len(zs))
	for _, z := range zs {
		out = append(out, time.UnixMilli(int64(z.Score)))
	}
	return out, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// releaseDedupe clears the deduplication reservation on terminal transitions
// so a new equivalent job can be enqueued.
func (s *RedisStore) releaseDedupe(ctx context.Context, queue, id string) {
	dedupe, err := s.client.HGet(ctx, s.jobKey(queue, id), "dedupe_id").Result()
	if err != nil || dedupe == "" {
		return
	}
	_ = s.client.Del(ctx, s.dedupeKey(queue, dedupe)).Err()
}

func jobFromFields(id, queue string, fields map[string]string) jobs.Job {
	job := jobs.Job{
		ID:        id,
		QueueName: queue,
		State:     jobs.State(fields["state"]),
	}
	if v := fields["payload"]; v != "" {
		job.Payload = json.RawMessage(v)
	}
	job.AttemptsMade, _ = strconv.Atoi(fields["attempts"])
	job.MaxAttempts, _ = strconv.Atoi(fields["max_attempts"])
	job.Backoff.Kind = jobs.BackoffKind(fields["backoff_kind"])
	if ms, err := strconv.ParseInt(fields["backoff_base_ms"], 10, 64); err == nil {
		job.Backoff.BaseDelay = time.Duration(ms) * time.Millisecond
	}
	job.DeduplicationID = fields["dedupe_id"]
	if v := fields["progress"]; v != "" {
		job.Progress = json.RawMessage(v)
	}
	if v := fields["result"]; v != "" {
		job.Result = json.RawMessage(v)
	}
	if v := fields["last_error"]; v != "" {
		var failure jobs.FailureInfo
		if err := json.Unmarshal([]byte(v), &failure); err == nil {
			job.LastError = &failure
		}
	}
	if ms, err := strconv.ParseInt(fields["created_ms"], 10, 64); err == nil {
		job.CreatedAt = time.UnixMilli(ms).UTC()
	}
	if ms, err := strconv.ParseInt(fields["processed_ms"], 10, 64); err == nil {
		t := time.UnixMilli(ms).UTC()
		job.ProcessedAt = &t
	}
	if ms, err := strconv.ParseInt(fields["finished_ms"], 10, 64); err == nil {
		t := time.UnixMilli(ms).UTC()
		job.FinishedAt = &t
	}
	return job
}
