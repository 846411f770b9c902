package queue

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/basket/goclaw-orchestrator/internal/model"
)

// maintenanceLoop promotes due delayed jobs, reclaims stalled active
// jobs, and ages starved waiting jobs, on a fixed tick: fire once
// immediately, then on every tick, until ctx is cancelled.
func (q *Queue) maintenanceLoop(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	q.runMaintenance(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.runMaintenance(ctx)
		}
	}
}

func (q *Queue) runMaintenance(ctx context.Context) {
	q.promoteDue(ctx)
	if n, err := q.reclaimStalled(ctx); err != nil {
		q.logger.Error("queue: reclaim stalled failed", "error", err)
	} else if n > 0 {
		q.logger.Info("queue: reclaimed stalled jobs", "count", n)
	}
	if n, err := q.agePriorities(ctx); err != nil {
		q.logger.Error("queue: age priorities failed", "error", err)
	} else if n > 0 {
		q.logger.Debug("queue: aged waiting job priorities", "count", n)
	}
}

// promoteDue moves delayed jobs whose availableAt has passed into the
// ready set.
func (q *Queue) promoteDue(ctx context.Context) {
	now := time.Now()
	ids, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: floatStr(float64(now.UnixMilli())),
	}).Result()
	if err != nil {
		q.logger.Error("queue: scan delayed set", "error", err)
		return
	}
	for _, id := range ids {
		job, err := q.loadJob(ctx, id)
		if errors.Is(err, ErrNotFound) {
			q.client.ZRem(ctx, q.delayedKey(), id)
			continue
		}
		if err != nil || job.State != StateDelayed {
			continue
		}
		job.State = StateWaiting
		job.UpdatedAt = now
		if err := q.saveJob(ctx, job); err != nil {
			continue
		}
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.delayedKey(), id)
		pipe.ZAdd(ctx, q.readyKey(), redis.Z{Score: readyScore(job.QueuePriority, job.EnqueuedAt), Member: id})
		pipe.HIncrBy(ctx, q.statsKey(), string(StateDelayed), -1)
		pipe.HIncrBy(ctx, q.statsKey(), string(StateWaiting), 1)
		if _, err := pipe.Exec(ctx); err != nil {
			q.logger.Error("queue: promote delayed job", "id", id, "error", err)
		}
		q.publish(ctx, EventQueueReady, map[string]string{"taskId": id})
	}
}

// reclaimStalled moves active jobs that have sat past StallAfter
// without completing back to waiting, incrementing attempts — the
// kernel's concretization of "worker crash (detected as stall)".
func (q *Queue) reclaimStalled(ctx context.Context) (int, error) {
	jobs, err := q.GetAllTasks(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-q.cfg.StallAfter)
	reclaimed := 0
	for _, job := range jobs {
		if job.State != StateActive || job.UpdatedAt.After(cutoff) {
			continue
		}
		job.Attempts++
		job.AssignedTo = ""
		job.UpdatedAt = time.Now()

		if job.Attempts >= job.MaxAttempts {
			job.State = StateFailed
			if err := q.saveJob(ctx, &job); err != nil {
				continue
			}
			q.client.HIncrBy(ctx, q.statsKey(), string(StateActive), -1)
			q.client.HIncrBy(ctx, q.statsKey(), string(StateFailed), 1)
			q.publish(ctx, EventJobFailed, map[string]any{"taskId": job.ID, "terminal": true, "error": "stalled past retry budget"})
			reclaimed++
			continue
		}

		job.State = StateWaiting
		if err := q.saveJob(ctx, &job); err != nil {
			continue
		}
		if err := q.client.ZAdd(ctx, q.readyKey(), redis.Z{Score: readyScore(job.QueuePriority, job.EnqueuedAt), Member: job.ID}).Err(); err != nil {
			continue
		}
		q.client.HIncrBy(ctx, q.statsKey(), string(StateActive), -1)
		q.client.HIncrBy(ctx, q.statsKey(), string(StateWaiting), 1)
		q.publish(ctx, EventQueueReady, map[string]string{"taskId": job.ID})
		reclaimed++
	}
	return reclaimed, nil
}

// agePriorities bumps the queue-priority weight of waiting jobs that
// have sat unclaimed longer than AgeAfter, preventing starvation of
// low-priority work. The bump stops at the critical band's own weight
// — aging promotes, it never lets a job outrank what "critical" means.
func (q *Queue) agePriorities(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-q.cfg.AgeAfter)
	ids, err := q.client.ZRange(ctx, q.readyKey(), 0, -1).Result()
	if err != nil {
		return 0, err
	}
	aged := 0
	for _, id := range ids {
		job, err := q.loadJob(ctx, id)
		if err != nil || job.State != StateWaiting {
			continue
		}
		if job.UpdatedAt.After(cutoff) {
			continue
		}
		if job.QueuePriority >= model.BandWeight(model.PriorityCritical) {
			continue
		}
		job.QueuePriority++
		job.UpdatedAt = time.Now()
		if err := q.saveJob(ctx, job); err != nil {
			continue
		}
		if err := q.client.ZAdd(ctx, q.readyKey(), redis.Z{Score: readyScore(job.QueuePriority, job.EnqueuedAt), Member: id}).Err(); err != nil {
			continue
		}
		aged++
	}
	return aged, nil
}

func floatStr(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
