// Package queue is the durable task queue: a persistent priority FIFO
// with DAG dependency gating, backed by Redis. Atomic claim,
// exponential backoff and poison-pill fingerprinting on repeated
// failure, stall reclaim of jobs left active past StallAfter (there is
// no lease renewal), and a starvation guard
// that ages up long-waiting low-priority jobs all carry over from a
// SQLite/database-sql task store's semantics, generalized onto a
// Redis-family ordered-store contract using github.com/redis/go-redis/v9
// in place of mattn/go-sqlite3.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/basket/goclaw-orchestrator/internal/model"
)

// State is a QueueJob's lifecycle state.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateDelayed   State = "delayed"
)

// Queue lifecycle event topics, published over Redis pub/sub so they
// reach every controller process, not just the one that mutated state.
const (
	EventJobAdded     = "job:added"
	EventJobAssigned  = "job:assigned"
	EventJobCompleted = "job:completed"
	EventJobFailed    = "job:failed"
	EventQueueReady   = "queue:ready"
	EventQueueError   = "queue:error"
)

// Sentinel errors.
var (
	ErrResultMismatch = fmt.Errorf("queue: workResult.taskId does not match taskId")
	ErrQueue          = fmt.Errorf("queue: operation failed")
	ErrNotFound       = fmt.Errorf("queue: job not found")
	ErrNotActive      = fmt.Errorf("queue: job is not active")
)

const (
	defaultMaxAttempts  = 3
	defaultBaseBackoff  = 5 * time.Second
	defaultMaxBackoff   = 5 * time.Minute
	defaultStallAfter   = 2 * time.Minute
	defaultAgeAfter     = 30 * time.Second
	poisonThreshold     = 3
	maintenanceInterval = 10 * time.Second
)

// QueueJob is the persisted wrapper around a Task.
type QueueJob struct {
	ID           string      `json:"id"`
	Task         model.Task  `json:"task"`
	Attempts     int         `json:"attempts"`
	MaxAttempts  int         `json:"maxAttempts"`
	AssignedTo   string      `json:"assignedTo,omitempty"`
	State        State       `json:"state"`
	QueuePriority int64      `json:"queuePriority"`
	EnqueuedAt   time.Time   `json:"enqueuedAt"`
	AvailableAt  time.Time   `json:"availableAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
	LastError    string      `json:"lastError,omitempty"`
	ErrorFingerprint string  `json:"errorFingerprint,omitempty"`
	PoisonCount  int         `json:"poisonCount"`
}

// AddOptions configures addTask.
type AddOptions struct {
	Delay       time.Duration
	MaxAttempts int
}

// Stats summarizes job counts by state.
type Stats struct {
	Waiting   int64
	Active    int64
	Completed int64
	Failed    int64
	Delayed   int64
}

// Config configures a Queue.
type Config struct {
	KeyPrefix    string
	StallAfter   time.Duration
	AgeAfter     time.Duration
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
}

// DefaultConfig returns conservative stall, aging, and backoff defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:   "goclaw",
		StallAfter:  defaultStallAfter,
		AgeAfter:    defaultAgeAfter,
		BaseBackoff: defaultBaseBackoff,
		MaxBackoff:  defaultMaxBackoff,
	}
}

// Queue is the durable, Redis-backed priority task queue.
type Queue struct {
	client *redis.Client
	cfg    Config
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Queue over an existing Redis client. The caller owns
// the client's lifecycle except that Close also closes it.
func New(client *redis.Client, cfg Config, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "goclaw"
	}
	if cfg.StallAfter <= 0 {
		cfg.StallAfter = defaultStallAfter
	}
	if cfg.AgeAfter <= 0 {
		cfg.AgeAfter = defaultAgeAfter
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaultBaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	q := &Queue{client: client, cfg: cfg, logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.wg.Add(1)
	go q.maintenanceLoop(ctx)
	return q
}

func (q *Queue) taskKey(id string) string    { return q.cfg.KeyPrefix + ":task:" + id }
func (q *Queue) readyKey() string            { return q.cfg.KeyPrefix + ":ready" }
func (q *Queue) delayedKey() string          { return q.cfg.KeyPrefix + ":delayed" }
func (q *Queue) resultKey(taskID string) string { return q.cfg.KeyPrefix + ":result:" + taskID }
func (q *Queue) statsKey() string            { return q.cfg.KeyPrefix + ":stats" }

func (q *Queue) publish(ctx context.Context, topic string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		q.logger.Warn("queue: failed to marshal event payload", "topic", topic, "error", err)
		return
	}
	if err := q.client.Publish(ctx, q.cfg.KeyPrefix+":events:"+topic, data).Err(); err != nil {
		q.logger.Warn("queue: failed to publish event", "topic", topic, "error", err)
	}
}

// readyScore orders the ready sorted set: highest queue-priority first,
// ties broken by earliest enqueue time (FIFO). Larger score sorts
// first under ZREVRANGE.
func readyScore(weight int64, enqueuedAt time.Time) float64 {
	const epoch = 1e13 // far enough in the future that (epoch - ms) stays positive for decades
	ms := float64(enqueuedAt.UnixMilli())
	return float64(weight)*1e15 + (epoch - ms)
}

// AddTask persists task with its computed queue-priority and returns
// the job id (equal to the task id — tasks and jobs are 1:1 in this
// kernel).
func (q *Queue) AddTask(ctx context.Context, task model.Task, opts AddOptions) (string, error) {
	if err := model.ValidateTask(task); err != nil {
		return "", err
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	now := time.Now()
	availableAt := now
	state := StateWaiting
	if opts.Delay > 0 {
		availableAt = now.Add(opts.Delay)
		state = StateDelayed
	}

	band := model.PriorityBand(task.Priority)
	weight := model.BandWeight(band)

	job := QueueJob{
		ID:            task.ID,
		Task:          task,
		Attempts:      0,
		MaxAttempts:   maxAttempts,
		State:         state,
		QueuePriority: weight,
		EnqueuedAt:    now,
		AvailableAt:   availableAt,
		UpdatedAt:     now,
	}

	if err := q.saveJob(ctx, &job); err != nil {
		return "", err
	}

	if state == StateWaiting {
		if err := q.client.ZAdd(ctx, q.readyKey(), redis.Z{Score: readyScore(weight, now), Member: job.ID}).Err(); err != nil {
			return "", fmt.Errorf("%w: enqueue ready: %v", ErrQueue, err)
		}
	} else {
		if err := q.client.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(availableAt.UnixMilli()), Member: job.ID}).Err(); err != nil {
			return "", fmt.Errorf("%w: enqueue delayed: %v", ErrQueue, err)
		}
	}
	q.client.HIncrBy(ctx, q.statsKey(), string(state), 1)
	q.publish(ctx, EventJobAdded, job)
	return job.ID, nil
}

func (q *Queue) saveJob(ctx context.Context, job *QueueJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("%w: marshal job: %v", ErrQueue, err)
	}
	if err := q.client.HSet(ctx, q.taskKey(job.ID), "data", data).Err(); err != nil {
		return fmt.Errorf("%w: save job: %v", ErrQueue, err)
	}
	return nil
}

func (q *Queue) loadJob(ctx context.Context, id string) (*QueueJob, error) {
	data, err := q.client.HGet(ctx, q.taskKey(id), "data").Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load job: %v", ErrQueue, err)
	}
	var job QueueJob
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("%w: unmarshal job: %v", ErrQueue, err)
	}
	return &job, nil
}

// dependenciesSatisfied reports whether every dependency of job is in
// StateCompleted.
func (q *Queue) dependenciesSatisfied(ctx context.Context, job *QueueJob) (bool, error) {
	for _, depID := range job.Task.Dependencies {
		dep, err := q.loadJob(ctx, depID)
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if dep.State != StateCompleted {
			return false, nil
		}
	}
	return true, nil
}

// GetNextTask returns the highest-priority waiting task whose
// dependencies are all completed and whose assignedTo is either unset
// or equal to agentID, atomically marking it active. Returns
// (nil, nil) if no such task exists.
func (q *Queue) GetNextTask(ctx context.Context, agentID string) (*model.Task, error) {
	q.promoteDue(ctx)

	ids, err := q.client.ZRevRange(ctx, q.readyKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: scan ready set: %v", ErrQueue, err)
	}

	for _, id := range ids {
		job, err := q.loadJob(ctx, id)
		if errors.Is(err, ErrNotFound) {
			q.client.ZRem(ctx, q.readyKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if job.AssignedTo != "" && job.AssignedTo != agentID {
			continue
		}
		ok, err := q.dependenciesSatisfied(ctx, job)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		claimed, err := q.tryClaim(ctx, id, agentID)
		if err != nil {
			return nil, err
		}
		if !claimed {
			continue // another caller won the race; try the next candidate
		}

		task := job.Task
		task.AssignedTo = agentID
		task.Status = model.TaskInProgress
		q.publish(ctx, EventJobAssigned, map[string]string{"taskId": id, "agentId": agentID})
		return &task, nil
	}
	return nil, nil
}

// tryClaim performs the at-most-one-assignment compare-and-swap: it
// only succeeds if the job is still waiting when the transaction
// commits. A WATCH invalidated by a concurrent claimant's write
// (redis.TxFailedErr) is an expected race loss, not a store error.
func (q *Queue) tryClaim(ctx context.Context, id, agentID string) (bool, error) {
	claimed := false
	err := q.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.HGet(ctx, q.taskKey(id), "data").Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var job QueueJob
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			return err
		}
		if job.State != StateWaiting {
			return nil
		}
		job.State = StateActive
		job.AssignedTo = agentID
		job.UpdatedAt = time.Now()
		updated, err := json.Marshal(job)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, q.taskKey(id), "data", updated)
			pipe.ZRem(ctx, q.readyKey(), id)
			pipe.HIncrBy(ctx, q.statsKey(), string(StateWaiting), -1)
			pipe.HIncrBy(ctx, q.statsKey(), string(StateActive), 1)
			return nil
		})
		if err == nil {
			claimed = true
		}
		return err
	}, q.taskKey(id))
	if errors.Is(err, redis.TxFailedErr) {
		// Another worker's WATCHed transaction committed first: this is
		// an expected race loss, not a store failure. Let the caller
		// move on to the next candidate instead of aborting the scan.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: claim job %s: %v", ErrQueue, id, err)
	}
	return claimed, nil
}

// CompleteTask requires the job be active, persists the result to the
// per-task result side-queue, and moves the job to completed.
func (q *Queue) CompleteTask(ctx context.Context, taskID string, workResult model.WorkResult) error {
	if workResult.TaskID != taskID {
		return ErrResultMismatch
	}
	if err := model.ValidateWorkResult(workResult); err != nil {
		return err
	}

	job, err := q.loadJob(ctx, taskID)
	if err != nil {
		return err
	}
	if job.State != StateActive {
		return ErrNotActive
	}
	job.State = StateCompleted
	job.UpdatedAt = time.Now()
	if err := q.saveJob(ctx, job); err != nil {
		return err
	}
	if err := q.submitResultData(ctx, workResult); err != nil {
		return err
	}

	q.client.HIncrBy(ctx, q.statsKey(), string(StateActive), -1)
	q.client.HIncrBy(ctx, q.statsKey(), string(StateCompleted), 1)
	q.publish(ctx, EventJobCompleted, map[string]string{"taskId": taskID})
	return nil
}

// FailTask moves the job to failed if attempts are exhausted or the
// same error has repeated poisonThreshold times, else re-schedules it
// with exponential backoff base·2^attempts. The attempt counter is
// incremented before the delay is computed, so the Nth failure waits
// base·2^(N-1): the first retry is never delayed by a full extra
// doubling it hasn't earned yet.
func (q *Queue) FailTask(ctx context.Context, taskID string, taskErr error) error {
	job, err := q.loadJob(ctx, taskID)
	if err != nil {
		return err
	}

	errMsg := taskErr.Error()
	fingerprint := errorFingerprint(errMsg)
	poisonCount := 1
	if job.ErrorFingerprint != "" && job.ErrorFingerprint == fingerprint {
		poisonCount = job.PoisonCount + 1
	}

	job.Attempts++
	job.LastError = errMsg
	job.ErrorFingerprint = fingerprint
	job.PoisonCount = poisonCount
	job.UpdatedAt = time.Now()

	terminal := job.Attempts >= job.MaxAttempts || poisonCount >= poisonThreshold
	prevState := job.State

	if terminal {
		job.State = StateFailed
		job.AssignedTo = ""
		if err := q.saveJob(ctx, job); err != nil {
			return err
		}
		q.client.HIncrBy(ctx, q.statsKey(), string(prevState), -1)
		q.client.HIncrBy(ctx, q.statsKey(), string(StateFailed), 1)
		q.publish(ctx, EventJobFailed, map[string]any{"taskId": taskID, "terminal": true, "error": errMsg})
		return nil
	}

	delay := backoffDelay(q.cfg.BaseBackoff, q.cfg.MaxBackoff, job.Attempts)
	job.State = StateDelayed
	job.AssignedTo = ""
	job.AvailableAt = time.Now().Add(delay)
	if err := q.saveJob(ctx, job); err != nil {
		return err
	}
	if err := q.client.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(job.AvailableAt.UnixMilli()), Member: taskID}).Err(); err != nil {
		return fmt.Errorf("%w: requeue delayed: %v", ErrQueue, err)
	}
	q.client.HIncrBy(ctx, q.statsKey(), string(prevState), -1)
	q.client.HIncrBy(ctx, q.statsKey(), string(StateDelayed), 1)
	q.publish(ctx, EventJobFailed, map[string]any{"taskId": taskID, "terminal": false, "error": errMsg, "retryAt": job.AvailableAt})
	return nil
}

func backoffDelay(base, max time.Duration, attempts int) time.Duration {
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		delay = max
	}
	return delay
}

func errorFingerprint(errMsg string) string {
	normalized := strings.ToLower(strings.TrimSpace(errMsg))
	if len(normalized) > 512 {
		normalized = normalized[:512]
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(normalized))
	return strconv.FormatUint(h.Sum64(), 16)
}

// SubmitResult pushes a WorkResult to the result side-queue without
// touching the job's main-queue state, for subordinate-side submission
// paths that bypass CompleteTask.
func (q *Queue) SubmitResult(ctx context.Context, workResult model.WorkResult) error {
	if err := model.ValidateWorkResult(workResult); err != nil {
		return err
	}
	return q.submitResultData(ctx, workResult)
}

func (q *Queue) submitResultData(ctx context.Context, workResult model.WorkResult) error {
	data, err := json.Marshal(workResult)
	if err != nil {
		return fmt.Errorf("%w: marshal result: %v", ErrQueue, err)
	}
	if err := q.client.Set(ctx, q.resultKey(workResult.TaskID), data, 0).Err(); err != nil {
		return fmt.Errorf("%w: submit result: %v", ErrQueue, err)
	}
	return nil
}

// Result returns the submitted WorkResult for a task, if any.
func (q *Queue) Result(ctx context.Context, taskID string) (*model.WorkResult, error) {
	data, err := q.client.Get(ctx, q.resultKey(taskID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get result: %v", ErrQueue, err)
	}
	var wr model.WorkResult
	if err := json.Unmarshal([]byte(data), &wr); err != nil {
		return nil, fmt.Errorf("%w: unmarshal result: %v", ErrQueue, err)
	}
	return &wr, nil
}

// RemoveTask deletes a job and its associated result, returning false
// if it did not exist.
func (q *Queue) RemoveTask(ctx context.Context, id string) (bool, error) {
	job, err := q.loadJob(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	pipe := q.client.TxPipeline()
	pipe.Del(ctx, q.taskKey(id))
	pipe.Del(ctx, q.resultKey(id))
	pipe.ZRem(ctx, q.readyKey(), id)
	pipe.ZRem(ctx, q.delayedKey(), id)
	pipe.HIncrBy(ctx, q.statsKey(), string(job.State), -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("%w: remove job: %v", ErrQueue, err)
	}
	return true, nil
}

// GetStats returns job counts by state.
func (q *Queue) GetStats(ctx context.Context) (Stats, error) {
	raw, err := q.client.HGetAll(ctx, q.statsKey()).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("%w: get stats: %v", ErrQueue, err)
	}
	get := func(state State) int64 {
		v, _ := strconv.ParseInt(raw[string(state)], 10, 64)
		return v
	}
	return Stats{
		Waiting:   get(StateWaiting),
		Active:    get(StateActive),
		Completed: get(StateCompleted),
		Failed:    get(StateFailed),
		Delayed:   get(StateDelayed),
	}, nil
}

// GetAllTasks returns every job currently tracked by the queue.
func (q *Queue) GetAllTasks(ctx context.Context) ([]QueueJob, error) {
	var jobs []QueueJob
	var cursor uint64
	pattern := q.cfg.KeyPrefix + ":task:*"
	for {
		keys, next, err := q.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: scan tasks: %v", ErrQueue, err)
		}
		for _, key := range keys {
			id := strings.TrimPrefix(key, q.cfg.KeyPrefix+":task:")
			job, err := q.loadJob(ctx, id)
			if err != nil {
				continue
			}
			jobs = append(jobs, *job)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return jobs, nil
}

// Cleanup deletes completed/failed jobs older than maxAge.
func (q *Queue) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	jobs, err := q.GetAllTasks(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, job := range jobs {
		if job.State != StateCompleted && job.State != StateFailed {
			continue
		}
		if job.UpdatedAt.After(cutoff) {
			continue
		}
		ok, err := q.RemoveTask(ctx, job.ID)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

// Close stops the maintenance loop and closes the underlying client.
func (q *Queue) Close() error {
	q.cancel()
	q.wg.Wait()
	return q.client.Close()
}
