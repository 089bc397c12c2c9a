package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/camden-git/campaignstudio/models"
	"github.com/camden-git/campaignstudio/realtime"
	"github.com/camden-git/campaignstudio/repository"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

var ErrUnknownKind = errors.New("no handler registered for job kind")

// Handler executes one attempt of a job and returns a reference to what it
// produced. Errors wrapped with Permanent are not retried.
type Handler func(ctx context.Context, job *models.GenerationJob) (string, error)

type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

type Publisher interface {
	Publish(userID uint, event realtime.Event)
}

type Options struct {
	Workers     int
	MaxAttempts int
	Backoff     time.Duration
}

// JobRunner executes persisted generation jobs on a fixed pool of workers.
type JobRunner struct {
	jobs     repository.JobRepository
	queue    Queue
	handlers map[string]Handler
	events   Publisher
	opts     Options
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	Wg       sync.WaitGroup
	StopChan chan struct{}
	Pending  map[uint]bool
	Mutex    sync.Mutex
	timers   map[uint]*time.Timer
	stopped  bool
}

func NewJobRunner(jobs repository.JobRepository, queue Queue, events Publisher, opts Options, log *zap.Logger) *JobRunner {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 10 * time.Second
	}
	return &JobRunner{
		jobs:     jobs,
		queue:    queue,
		handlers: make(map[string]Handler),
		events:   events,
		opts:     opts,
		log:      log.Named("jobs"),
		StopChan: make(chan struct{}),
		Pending:  make(map[uint]bool),
		timers:   make(map[uint]*time.Timer),
	}
}

// Register binds a handler to a job kind. Call before Start.
func (r *JobRunner) Register(kind string, h Handler) {
	r.handlers[kind] = h
}

// Start resumes unfinished jobs and launches the workers.
func (r *JobRunner) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	if err := r.resume(); err != nil {
		r.cancel()
		return err
	}

	r.Wg.Add(r.opts.Workers)
	for i := 0; i < r.opts.Workers; i++ {
		go r.worker(i)
	}
	r.log.Info("job workers started", zap.Int("workers", r.opts.Workers), zap.Int("max_attempts", r.opts.MaxAttempts))
	return nil
}

// Stop cancels running handlers, drops pending retries and waits for the
// workers to exit. Interrupted jobs are picked up again by the next Start.
func (r *JobRunner) Stop() {
	r.Mutex.Lock()
	if r.stopped {
		r.Mutex.Unlock()
		return
	}
	r.stopped = true
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
	r.Mutex.Unlock()

	if r.cancel != nil {
		r.cancel()
	}
	close(r.StopChan)
	r.Wg.Wait()
	r.log.Info("job workers stopped")
}

// Enqueue persists a job and hands it to the queue.
func (r *JobRunner) Enqueue(ctx context.Context, userID uint, kind string, targetID uint, payload map[string]interface{}) (*models.GenerationJob, error) {
	if _, ok := r.handlers[kind]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	job := &models.GenerationJob{
		UserID:      userID,
		Kind:        kind,
		TargetID:    targetID,
		Payload:     datatypes.JSONMap(payload),
		Status:      models.JobStatusQueued,
		MaxAttempts: r.opts.MaxAttempts,
	}
	if err := r.jobs.Create(job); err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}

	if err := r.QueueJob(ctx, job.ID); err != nil {
		if markErr := r.jobs.MarkFailed(job.ID, err.Error()); markErr != nil {
			r.log.Error("failed to mark unqueued job", zap.Uint("job_id", job.ID), zap.Error(markErr))
		}
		job.Status = models.JobStatusFailed
		job.LastError = err.Error()
		return job, err
	}
	r.log.Info("job queued", zap.Uint("job_id", job.ID), zap.String("kind", kind), zap.Uint("target_id", targetID))
	r.publish(job)
	return job, nil
}

// QueueJob pushes an existing job ID unless it is already queued or running
// in this process.
func (r *JobRunner) QueueJob(ctx context.Context, jobID uint) error {
	r.Mutex.Lock()
	if r.Pending[jobID] {
		r.Mutex.Unlock()
		return nil
	}
	r.Pending[jobID] = true
	r.Mutex.Unlock()

	if err := r.queue.Push(ctx, jobID); err != nil {
		r.release(jobID)
		return err
	}
	return nil
}

func (r *JobRunner) release(jobID uint) {
	r.Mutex.Lock()
	delete(r.Pending, jobID)
	r.Mutex.Unlock()
}

func (r *JobRunner) resume() error {
	unfinished, err := r.jobs.ListUnfinished()
	if err != nil {
		return fmt.Errorf("list unfinished jobs: %w", err)
	}
	now := time.Now()
	for _, job := range unfinished {
		if job.NextRunAt != nil && job.NextRunAt.After(now) {
			r.schedule(job.ID, job.NextRunAt.Sub(now))
			continue
		}
		if err := r.QueueJob(r.ctx, job.ID); err != nil {
			r.log.Warn("deferring resumed job", zap.Uint("job_id", job.ID), zap.Error(err))
			r.schedule(job.ID, r.opts.Backoff)
		}
	}
	if len(unfinished) > 0 {
		r.log.Info("resumed unfinished jobs", zap.Int("count", len(unfinished)))
	}
	return nil
}

func (r *JobRunner) worker(id int) {
	defer r.Wg.Done()
	log := r.log.With(zap.Int("worker", id))

	for {
		select {
		case <-r.StopChan:
			return
		default:
		}

		jobID, err := r.queue.Pop(r.ctx)
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			log.Error("queue pop failed", zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-r.StopChan:
				return
			}
			continue
		}

		retryIn, retry := r.process(log, jobID)
		r.release(jobID)
		if retry {
			r.schedule(jobID, retryIn)
		}
	}
}

// process runs one attempt and reports whether and when to try again.
func (r *JobRunner) process(log *zap.Logger, jobID uint) (time.Duration, bool) {
	job, err := r.jobs.MarkRunning(jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Debug("job not runnable, skipping", zap.Uint("job_id", jobID))
		} else {
			log.Error("failed to mark job running", zap.Uint("job_id", jobID), zap.Error(err))
		}
		return 0, false
	}
	log = log.With(zap.Uint("job_id", job.ID), zap.String("kind", job.Kind), zap.Int("attempt", job.Attempts))
	r.publish(job)

	handler, ok := r.handlers[job.Kind]
	if !ok {
		r.fail(log, job, fmt.Errorf("%w: %s", ErrUnknownKind, job.Kind))
		return 0, false
	}

	start := time.Now()
	ref, err := r.invoke(handler, job)
	if err == nil {
		if markErr := r.jobs.MarkSucceeded(job.ID, ref); markErr != nil {
			log.Error("failed to mark job succeeded", zap.Error(markErr))
		}
		job.Status = models.JobStatusSucceeded
		job.ResultRef = ref
		job.LastError = ""
		log.Info("job succeeded", zap.Duration("took", time.Since(start)), zap.String("result_ref", ref))
		r.publish(job)
		return 0, false
	}

	if r.ctx.Err() != nil {
		// shutting down; the next Start picks it up again
		if markErr := r.jobs.MarkRetrying(job.ID, err.Error(), time.Now()); markErr != nil {
			log.Error("failed to park interrupted job", zap.Error(markErr))
		}
		log.Warn("job interrupted by shutdown", zap.Error(err))
		return 0, false
	}

	if IsPermanent(err) || job.Attempts >= job.MaxAttempts {
		r.fail(log, job, err)
		return 0, false
	}

	delay := r.backoff(job.Attempts)
	if markErr := r.jobs.MarkRetrying(job.ID, err.Error(), time.Now().Add(delay)); markErr != nil {
		log.Error("failed to mark job retrying", zap.Error(markErr))
		return 0, false
	}
	job.Status = models.JobStatusRetrying
	job.LastError = err.Error()
	log.Warn("job attempt failed, retrying", zap.Duration("retry_in", delay), zap.Error(err))
	r.publish(job)
	return delay, true
}

func (r *JobRunner) invoke(h Handler, job *models.GenerationJob) (ref string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = Permanent(fmt.Errorf("handler panic: %v", rec))
		}
	}()
	return h(r.ctx, job)
}

func (r *JobRunner) fail(log *zap.Logger, job *models.GenerationJob, err error) {
	if markErr := r.jobs.MarkFailed(job.ID, err.Error()); markErr != nil {
		log.Error("failed to mark job failed", zap.Error(markErr))
	}
	job.Status = models.JobStatusFailed
	job.LastError = err.Error()
	log.Error("job failed", zap.Error(err))
	r.publish(job)
}

// backoff doubles the base delay for every attempt already made.
func (r *JobRunner) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 10 {
		attempts = 10
	}
	return r.opts.Backoff << uint(attempts-1)
}

func (r *JobRunner) schedule(jobID uint, delay time.Duration) {
	r.Mutex.Lock()
	defer r.Mutex.Unlock()
	if r.stopped {
		return
	}
	if old, ok := r.timers[jobID]; ok {
		old.Stop()
	}
	r.timers[jobID] = time.AfterFunc(delay, func() {
		r.Mutex.Lock()
		delete(r.timers, jobID)
		stopped := r.stopped
		r.Mutex.Unlock()
		if stopped {
			return
		}
		if err := r.QueueJob(r.ctx, jobID); err != nil {
			r.log.Warn("requeue failed, deferring", zap.Uint("job_id", jobID), zap.Error(err))
			r.schedule(jobID, r.opts.Backoff)
		}
	})
}

func (r *JobRunner) publish(job *models.GenerationJob) {
	if r.events == nil {
		return
	}
	r.events.Publish(job.UserID, realtime.Event{
		Type:   realtime.EventJobUpdated,
		JobID:  job.ID,
		Status: job.Status,
		Error:  job.LastError,
		Extra: map[string]interface{}{
			"kind":       job.Kind,
			"target_id":  job.TargetID,
			"attempts":   job.Attempts,
			"result_ref": job.ResultRef,
		},
		Timestamp: time.Now().Unix(),
	})
}
