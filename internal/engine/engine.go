// Package engine is the Delivery Engine: it claims due DeliveryJobs
// from the store, batches them per the specification's per-channel
// policy, dispatches to the matching channel adapter, and decides
// retry/dead-letter/success from the classified result - the one place
// retry policy lives, per the error-taxonomy design note.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"notifyhub/internal/analytics"
	"notifyhub/internal/channels"
	"notifyhub/internal/config"
	"notifyhub/internal/corelog"
	"notifyhub/internal/enginequeue"
	"notifyhub/internal/errs"
	"notifyhub/internal/model"
	"notifyhub/internal/ratelimit"
	"notifyhub/internal/retrypolicy"
	"notifyhub/internal/store"
)

// Engine owns one dispatch loop per (channel, priority) pair.
type Engine struct {
	jobs      *store.DeliveryJobRepo
	attempts  *store.DeliveryAttemptRepo
	queue     *enginequeue.Queue
	limiter   ratelimit.Limiter
	cfg       *config.Config
	adapters  map[model.Channel]channels.Adapter
	analytics *analytics.Recorder
	log       *corelog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(jobs *store.DeliveryJobRepo, attempts *store.DeliveryAttemptRepo, queue *enginequeue.Queue,
	limiter ratelimit.Limiter, cfg *config.Config, adapters map[model.Channel]channels.Adapter, analyticsRecorder *analytics.Recorder) *Engine {
	return &Engine{
		jobs:      jobs,
		attempts:  attempts,
		queue:     queue,
		limiter:   limiter,
		cfg:       cfg,
		adapters:  adapters,
		analytics: analyticsRecorder,
		log:       corelog.Default().With("component", "engine"),
	}
}

var allPriorities = []model.Priority{model.PriorityUrgent, model.PriorityHigh, model.PriorityNormal, model.PriorityLow}

// Start launches one dispatch loop per (channel, priority) combination
// for every adapter registered with the engine.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	for channel, adapter := range e.adapters {
		policy := e.queuePolicyFor(channel)
		for _, priority := range allPriorities {
			e.wg.Add(1)
			go e.dispatchLoop(ctx, channel, adapter, priority, policy)
		}
	}
}

// Stop cancels every dispatch loop and waits up to the configured
// drain timeout for in-flight batches to finish flushing.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(e.cfg.Adapter.DrainTimeout()):
		e.log.Warn("drain timeout exceeded, some batches may not have flushed")
	}
}

type channelQueueConfig = config.ChannelQueueConfig

func (e *Engine) queuePolicyFor(channel model.Channel) channelQueueConfig {
	switch channel {
	case model.ChannelEmail:
		return e.cfg.Queue.Email
	case model.ChannelSMS:
		return e.cfg.Queue.SMS
	case model.ChannelPush:
		return e.cfg.Queue.Push
	default:
		return e.cfg.Queue.InApp
	}
}

func (e *Engine) dispatchLoop(ctx context.Context, channel model.Channel, adapter channels.Adapter, priority model.Priority, qcfg channelQueueConfig) {
	defer e.wg.Done()

	batchSize, flushTimeout := 1, time.Duration(0)
	if priority.Batches() {
		policy := qcfg.Normal
		if priority == model.PriorityLow {
			policy = qcfg.Low
		}
		batchSize, flushTimeout = policy.BatchSize, policy.FlushTimeout
	}

	b := newBatcher(batchSize, flushTimeout, func(jobs []*model.DeliveryJob) {
		e.deliverBatch(ctx, channel, adapter, jobs)
	})

	pollInterval := 500 * time.Millisecond
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.Drain()
			return
		case <-ticker.C:
			e.claimAndAdd(ctx, channel, priority, b, qcfg.MaxConcurrency)
		}
	}
}

func (e *Engine) claimAndAdd(ctx context.Context, channel model.Channel, priority model.Priority, b *batcher, limit int) {
	now := time.Now().UTC()
	jobs, err := e.jobs.ClaimBatch(channel, priority, limit, now, e.cfg.Adapter.VisibilityTimeout())
	if err != nil {
		e.log.Error("claim batch %s/%s: %v", channel, priority, err)
		return
	}
	for _, job := range jobs {
		if job.ExpiresAt != nil && job.ExpiresAt.Before(now) {
			e.expireJob(job)
			continue
		}
		b.Add(job)
	}
}

func (e *Engine) expireJob(job *model.DeliveryJob) {
	if err := e.jobs.MarkExpired(job.ID); err != nil {
		e.log.Error("mark expired %s: %v", job.ID, err)
	}
	e.recordAttempt(job, model.AttemptExpired, "", nil)
}

func (e *Engine) deliverBatch(ctx context.Context, channel model.Channel, adapter channels.Adapter, jobs []*model.DeliveryJob) {
	if len(jobs) == 0 {
		return
	}

	limited := jobs[:0]
	for _, job := range jobs {
		key := string(channel)
		if channel == model.ChannelInApp {
			key += ":" + job.UserID
		}
		if err := e.limiter.Allow(ctx, key, perMinLimit(e.cfg, channel)); err != nil {
			e.deferRateLimited(job)
			continue
		}
		limited = append(limited, job)
	}
	if len(limited) == 0 {
		return
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, e.cfg.Adapter.Timeout())
	defer cancel()

	results := adapter.Send(timeoutCtx, limited)
	byID := make(map[string]*model.DeliveryJob, len(limited))
	for _, job := range limited {
		byID[job.ID] = job
	}

	for _, res := range results {
		job := byID[res.JobID]
		if job == nil {
			continue
		}
		if res.Err == nil {
			e.succeed(job, res.ProviderMessageID)
			continue
		}
		e.scheduleRetry(job, res.Err)
	}
}

func perMinLimit(cfg *config.Config, channel model.Channel) int {
	switch channel {
	case model.ChannelEmail:
		return cfg.Rate.Email
	case model.ChannelSMS:
		return cfg.Rate.SMS
	case model.ChannelPush:
		return cfg.Rate.Push
	default:
		return cfg.Rate.InApp
	}
}

func (e *Engine) succeed(job *model.DeliveryJob, providerMessageID string) {
	if err := e.jobs.MarkSucceeded(job.ID); err != nil {
		e.log.Error("mark succeeded %s: %v", job.ID, err)
	}
	if err := e.queue.Remove(context.Background(), job.Channel, job.Priority, job.ID); err != nil {
		e.log.Warn("dequeue succeeded job %s: %v", job.ID, err)
	}
	e.recordAttempt(job, model.AttemptDelivered, providerMessageID, nil)
}

// deferRateLimited pushes a rate-limited job back a minute without
// touching its attempt count: the send was never tried, so this is not
// a delivery failure, just a later turn.
func (e *Engine) deferRateLimited(job *model.DeliveryJob) {
	notBefore := time.Now().UTC().Add(time.Minute)
	if err := e.jobs.Reschedule(job.ID, job.Attempts, notBefore); err != nil {
		e.log.Error("defer rate-limited job %s: %v", job.ID, err)
	}
	if err := e.queue.Enqueue(context.Background(), job.Channel, job.Priority, job.ID, notBefore); err != nil {
		e.log.Warn("re-enqueue rate-limited job %s: %v", job.ID, err)
	}
}

// scheduleRetry applies the error taxonomy's retry decision: only
// Transient is retryable, and only while attempts remain; everything
// else - including Transient once exhausted - dead-letters the job.
func (e *Engine) scheduleRetry(job *model.DeliveryJob, cause error) {
	job.Attempts++
	policy := retrypolicy.New(job.MaxAttempts, e.cfg.Retry.Base(), e.cfg.Retry.Cap())

	if errs.Retryable(cause) && !policy.Exhausted(job.Attempts) {
		notBefore := time.Now().UTC().Add(policy.NextDelay(job.Attempts))
		if err := e.jobs.Reschedule(job.ID, job.Attempts, notBefore); err != nil {
			e.log.Error("reschedule %s: %v", job.ID, err)
		}
		if err := e.queue.Enqueue(context.Background(), job.Channel, job.Priority, job.ID, notBefore); err != nil {
			e.log.Warn("re-enqueue %s: %v", job.ID, err)
		}
		e.recordAttempt(job, model.AttemptFailed, "", cause)
		return
	}

	kind := errs.KindOf(cause)
	if errs.Retryable(cause) {
		kind = errs.Exhausted
	}
	if err := e.jobs.MarkDeadLettered(job.ID, job.Attempts); err != nil {
		e.log.Error("dead-letter %s: %v", job.ID, err)
	}
	if err := e.queue.Remove(context.Background(), job.Channel, job.Priority, job.ID); err != nil {
		e.log.Warn("dequeue dead-lettered job %s: %v", job.ID, err)
	}
	e.recordAttemptKind(job, model.AttemptFailed, "", cause, kind)
}

func (e *Engine) recordAttempt(job *model.DeliveryJob, status model.AttemptStatus, providerMessageID string, cause error) {
	e.recordAttemptKind(job, status, providerMessageID, cause, errs.KindOf(cause))
}

func (e *Engine) recordAttemptKind(job *model.DeliveryJob, status model.AttemptStatus, providerMessageID string, cause error, kind errs.Kind) {
	now := time.Now().UTC()
	attempt := &model.DeliveryAttempt{
		ID:                uuid.NewString(),
		NotificationID:    job.NotificationID,
		JobID:             job.ID,
		Channel:           job.Channel,
		AttemptIndex:      job.Attempts,
		Status:            status,
		ProviderMessageID: providerMessageID,
		AttemptedAt:       now,
	}
	if cause != nil {
		attempt.ErrorKind = string(kind)
		attempt.ErrorMessage = cause.Error()
	}
	if status.Terminal() {
		attempt.SettledAt = &now
	}

	latest, err := e.attempts.LatestStatus(job.ID)
	if err == nil && !model.ValidTransition(latest, status) {
		e.log.Warn("dropping out-of-order attempt for job %s: %s -> %s", job.ID, latest, status)
		return
	}

	if err := e.attempts.Append(attempt); err != nil {
		e.log.Error("append attempt for job %s: %v", job.ID, err)
	}
	if e.analytics != nil {
		e.analytics.Record(job.NotificationID, job.ID, job.Channel, job.Type, string(status))
	}
}
