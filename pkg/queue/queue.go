// Package queue 基于 Redis 列表的可靠任务队列。
//
// 每个队列使用以下键：
//
//	<prefix>:<name>:waiting                 待处理（LPUSH 入队，BRPOPLPUSH 出队）
//	<prefix>:<name>:processing:<consumer>   消费者各自的处理中列表，确认后删除，重启后由 Recover 放回
//	<prefix>:<name>:delayed                 等待重试的任务，score 为可执行时间（毫秒）
//	<prefix>:<name>:failed                  超过最大尝试次数的任务
//
// consumer 需要在重启前后保持不变（如主机名加进程角色），
// 多个进程共用同一个 consumer 时会互相回收对方正在处理的任务。
//
// 投递语义为至少一次，处理函数必须幂等。
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const keyPrefix = "lms:queue"

// Job 队列中的任务
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	LastError  string          `json:"lastError,omitempty"`
}

// Decode 将负载解析到 v
func (j *Job) Decode(v interface{}) error {
	return json.Unmarshal(j.Payload, v)
}

type Options struct {
	MaxAttempts int
	Backoff     time.Duration
	PollTimeout time.Duration
	// Consumer 处理中列表的归属，默认 "default"
	Consumer string
}

// Outcome 单次处理的结果
type Outcome int

const (
	OutcomeIdle Outcome = iota
	OutcomeSucceeded
	OutcomeRetried
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeRetried:
		return "retried"
	case OutcomeFailed:
		return "failed"
	default:
		return "idle"
	}
}

type Handler func(ctx context.Context, job *Job) error

type RedisQueue struct {
	rdb  *redis.Client
	name string
	opts Options
}

func New(rdb *redis.Client, name string, opts Options) *RedisQueue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 5 * time.Second
	}
	if opts.Consumer == "" {
		opts.Consumer = "default"
	}
	return &RedisQueue{rdb: rdb, name: name, opts: opts}
}

func (q *RedisQueue) Name() string { return q.name }

func (q *RedisQueue) key(suffix string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, q.name, suffix)
}

func (q *RedisQueue) processingKey() string {
	return q.key("processing:" + q.opts.Consumer)
}

// Enqueue 入队并返回任务 ID；入队成功即返回，不等待处理结果
func (q *RedisQueue) Enqueue(ctx context.Context, payload interface{}) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	job := Job{
		ID:         uuid.New().String(),
		Queue:      q.name,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}
	encoded, err := json.Marshal(job)
	if err != nil {
		return "", err
	}
	if err := q.rdb.LPush(ctx, q.key("waiting"), encoded).Err(); err != nil {
		return "", err
	}
	return job.ID, nil
}

// Process 取出一个任务交给 handler 处理；队列为空时返回 OutcomeIdle
func (q *RedisQueue) Process(ctx context.Context, handler Handler) (Outcome, *Job, error) {
	if _, err := q.PromoteDue(ctx, 100); err != nil {
		return OutcomeIdle, nil, err
	}

	raw, err := q.rdb.BRPopLPush(ctx, q.key("waiting"), q.processingKey(), q.opts.PollTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return OutcomeIdle, nil, nil
	}
	if err != nil {
		return OutcomeIdle, nil, err
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// 无法解析的任务直接移入失败队列，避免反复阻塞
		if ferr := q.moveToFailed(ctx, raw, raw); ferr != nil {
			return OutcomeIdle, nil, ferr
		}
		return OutcomeFailed, nil, fmt.Errorf("decode job: %w", err)
	}

	job.Attempts++
	if herr := handler(ctx, &job); herr != nil {
		job.LastError = herr.Error()
		outcome, err := q.retry(ctx, &job, raw)
		if err != nil {
			return outcome, &job, err
		}
		return outcome, &job, herr
	}

	if err := q.rdb.LRem(ctx, q.processingKey(), 1, raw).Err(); err != nil {
		return OutcomeSucceeded, &job, err
	}
	return OutcomeSucceeded, &job, nil
}

func (q *RedisQueue) retry(ctx context.Context, job *Job, raw string) (Outcome, error) {
	encoded, err := json.Marshal(job)
	if err != nil {
		return OutcomeFailed, err
	}

	if job.Attempts >= q.opts.MaxAttempts {
		return OutcomeFailed, q.moveToFailed(ctx, raw, string(encoded))
	}

	runAt := time.Now().Add(Backoff(q.opts.Backoff, job.Attempts))
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processingKey(), 1, raw)
		pipe.ZAdd(ctx, q.key("delayed"), &redis.Z{
			Score:  float64(runAt.UnixMilli()),
			Member: string(encoded),
		})
		return nil
	})
	return OutcomeRetried, err
}

func (q *RedisQueue) moveToFailed(ctx context.Context, raw, encoded string) error {
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processingKey(), 1, raw)
		pipe.LPush(ctx, q.key("failed"), encoded)
		return nil
	})
	return err
}

var promoteScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, item in ipairs(items) do
	redis.call('ZREM', KEYS[1], item)
	redis.call('LPUSH', KEYS[2], item)
end
return #items
`)

// PromoteDue 把到期的重试任务移回 waiting
func (q *RedisQueue) PromoteDue(ctx context.Context, limit int) (int, error) {
	n, err := promoteScript.Run(ctx, q.rdb,
		[]string{q.key("delayed"), q.key("waiting")},
		time.Now().UnixMilli(), limit,
	).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// Recover 将本消费者上次遗留在处理中列表的任务放回 waiting，不影响其它消费者
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.rdb.RPopLPush(ctx, q.processingKey(), q.key("waiting")).Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, err
		}
		moved++
	}
}

// Stats 各状态任务数量，Processing 只统计本消费者
type Stats struct {
	Waiting    int64 `json:"waiting"`
	Processing int64 `json:"processing"`
	Delayed    int64 `json:"delayed"`
	Failed     int64 `json:"failed"`
}

func (q *RedisQueue) Stats(ctx context.Context) (*Stats, error) {
	var waiting, processing, delayed, failed *redis.IntCmd
	_, err := q.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		waiting = pipe.LLen(ctx, q.key("waiting"))
		processing = pipe.LLen(ctx, q.processingKey())
		delayed = pipe.ZCard(ctx, q.key("delayed"))
		failed = pipe.LLen(ctx, q.key("failed"))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Stats{
		Waiting:    waiting.Val(),
		Processing: processing.Val(),
		Delayed:    delayed.Val(),
		Failed:     failed.Val(),
	}, nil
}

// Backoff 指数退避：base * 2^(attempt-1)
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 16 {
		attempt = 16
	}
	return base * time.Duration(1<<uint(attempt-1))
}
