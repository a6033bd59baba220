// Package worker implements the submission pipeline execution loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/directorybolt/submitd/internal/metrics"
	"github.com/directorybolt/submitd/internal/pipeline"
)

// Config controls Worker behavior.
type Config struct {
	Topic               string
	ReceiptPrefix       string
	ReceiptContentType  string
	ConfidenceThreshold float64
	SolveBudget         pipeline.SolveBudget
	PauseRecheck        time.Duration
}

// Worker consumes queue items and drives each submission task through the
// probe, map, solve and submit stages to a terminal state.
type Worker struct {
	queue     pipeline.Queue
	store     pipeline.TaskStore
	receipts  pipeline.ReceiptStore
	publisher pipeline.Publisher
	prober    pipeline.FormProber
	mapper    pipeline.FieldMapper
	solver    pipeline.CaptchaSolver
	submitter pipeline.Submitter
	limiter   pipeline.Limiter
	retry     pipeline.RetryPolicy
	pauses    *PauseRegistry
	clock     pipeline.Clock
	cfg       Config
	logger    *zap.Logger

	mu       sync.Mutex
	inFlight map[string]bool
	runCtx   context.Context
}

// New constructs a Worker.
func New(
	queue pipeline.Queue,
	store pipeline.TaskStore,
	receipts pipeline.ReceiptStore,
	publisher pipeline.Publisher,
	prober pipeline.FormProber,
	mapper pipeline.FieldMapper,
	solver pipeline.CaptchaSolver,
	submitter pipeline.Submitter,
	limiter pipeline.Limiter,
	retry pipeline.RetryPolicy,
	pauses *PauseRegistry,
	clock pipeline.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.ReceiptContentType == "" {
		cfg.ReceiptContentType = "text/html; charset=utf-8"
	}
	if cfg.PauseRecheck <= 0 {
		cfg.PauseRecheck = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		store:     store,
		receipts:  receipts,
		publisher: publisher,
		prober:    prober,
		mapper:    mapper,
		solver:    solver,
		submitter: submitter,
		limiter:   limiter,
		retry:     retry,
		pauses:    pauses,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
		inFlight:  make(map[string]bool),
	}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	w.mu.Lock()
	if w.runCtx == nil {
		w.runCtx = ctx
	}
	w.mu.Unlock()
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued task", zap.String("task_id", item.TaskID))
		w.processTask(ctx, item)
	}
}

// ProcessOne runs a single queue item inline. Retryable failures still go
// back through the queue; callers wanting a terminal state should poll the
// task store.
func (w *Worker) ProcessOne(ctx context.Context, item pipeline.QueueItem) {
	w.processTask(ctx, item)
}

func (w *Worker) processTask(ctx context.Context, item pipeline.QueueItem) {
	if w.pauses != nil && w.pauses.Paused(item.CustomerID) {
		w.logger.Debug("customer paused, requeueing",
			zap.String("task_id", item.TaskID),
			zap.String("customer_id", item.CustomerID),
		)
		w.requeueLater(item, w.cfg.PauseRecheck)
		return
	}

	pairKey := item.CustomerID + "/" + item.DirectoryID
	if !w.acquire(pairKey) {
		// Another worker holds this customer/directory pair. Never run the
		// same pair concurrently.
		w.requeueLater(item, w.cfg.PauseRecheck)
		return
	}
	defer w.release(pairKey)

	task, err := w.store.GetTask(ctx, item.TaskID)
	if err != nil {
		w.logger.Error("load task failed", zap.String("task_id", item.TaskID), zap.Error(err))
		return
	}
	if task.State.IsTerminal() {
		w.logger.Debug("task already terminal", zap.String("task_id", item.TaskID), zap.String("state", string(task.State)))
		return
	}

	metrics.WorkerStarted()
	defer metrics.WorkerFinished()

	started := w.clock.Now()
	run := &taskRun{task: task, item: item, started: started}

	if reason, skip := w.shouldSkip(task); skip {
		w.finishSkipped(ctx, run, reason)
		return
	}

	if err := w.execute(ctx, run); err != nil {
		w.handleFailure(ctx, run, err)
	}
}

// taskRun carries per-execution state that accumulates across stages.
type taskRun struct {
	task          pipeline.SubmissionTask
	item          pipeline.QueueItem
	started       time.Time
	captchaSolved bool
	captchaCost   float64
	outcome       pipeline.SubmitOutcome
}

func (w *Worker) shouldSkip(task pipeline.SubmissionTask) (pipeline.SkipReason, bool) {
	if task.Directory.RequiresLogin {
		return pipeline.SkipRequiresLogin, true
	}
	if task.Directory.HasCaptcha && task.Directory.CaptchaType != "" {
		if w.solver == nil || !w.solver.SupportsType(task.Directory.CaptchaType) {
			return pipeline.SkipCaptchaUnsupported, true
		}
	}
	return "", false
}

func (w *Worker) execute(ctx context.Context, run *taskRun) error {
	probe, err := w.prober.Probe(ctx, w.submissionURL(run.task))
	if err != nil {
		return fmt.Errorf("probe form: %w", err)
	}
	if probe.RequiresLogin {
		w.finishSkipped(ctx, run, pipeline.SkipRequiresLogin)
		return nil
	}

	mapping, err := w.resolveMapping(ctx, run.task, probe)
	if err != nil {
		return err
	}
	run.task.Mapping = &mapping
	w.updateState(ctx, run, pipeline.TaskStateFormAnalyzed, "")

	token := ""
	if probe.Challenge != nil {
		if w.solver == nil || !w.solver.SupportsType(probe.Challenge.Type) {
			w.finishSkipped(ctx, run, pipeline.SkipCaptchaUnsupported)
			return nil
		}
		w.updateState(ctx, run, pipeline.TaskStateCaptchaPending, "")

		solution, err := w.solver.Solve(ctx, *probe.Challenge, w.cfg.SolveBudget)
		run.captchaCost = solution.Cost
		if err != nil {
			metrics.RecordCaptchaSolve(solution.ProviderUsed, "failure")
			return fmt.Errorf("solve captcha: %w", err)
		}
		metrics.RecordCaptchaSolve(solution.ProviderUsed, "success")
		metrics.AddCaptchaCost(solution.Cost)
		run.captchaSolved = true
		token = solution.Token
	}

	w.updateState(ctx, run, pipeline.TaskStateSubmitting, "")

	if w.limiter != nil {
		if err := w.limiter.Wait(ctx, w.submissionURL(run.task)); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}

	outcome, err := w.submitter.Submit(ctx, run.task, token)
	if err != nil {
		return fmt.Errorf("submit form: %w", err)
	}
	run.outcome = outcome

	w.finishCompleted(ctx, run)
	return nil
}

// resolveMapping reuses a frozen mapping when one exists, otherwise maps the
// probed markup. Cached directory mappings skip the analysis cost entirely.
func (w *Worker) resolveMapping(ctx context.Context, task pipeline.SubmissionTask, probe pipeline.ProbeResult) (pipeline.FormFieldMapping, error) {
	if task.Mapping != nil && !task.Mapping.Unmappable() {
		return *task.Mapping, nil
	}
	if task.Directory.FormMapping != nil && !task.Directory.FormMapping.Unmappable() {
		return *task.Directory.FormMapping, nil
	}
	mapping, err := w.mapper.MapForm(ctx, probe.HTML, pipeline.MapOptions{
		ConfidenceThreshold: w.cfg.ConfidenceThreshold,
	})
	if err != nil {
		return pipeline.FormFieldMapping{}, fmt.Errorf("map form: %w", err)
	}
	metrics.ObserveMappingConfidence(mapping.Confidence)
	if mapping.Unmappable() {
		return pipeline.FormFieldMapping{}, &pipeline.MappingError{Code: pipeline.CodeUnmappableForm}
	}
	if mapping.Confidence < w.cfg.ConfidenceThreshold {
		return pipeline.FormFieldMapping{}, &pipeline.MappingError{
			Code:       pipeline.CodeLowConfidence,
			Confidence: mapping.Confidence,
		}
	}
	return mapping, nil
}

func (w *Worker) handleFailure(ctx context.Context, run *taskRun, err error) {
	if w.retry != nil && w.retry.ShouldRetry(err, run.item.Attempt) {
		attempts := run.item.Attempt + 1
		w.logger.Warn("task attempt failed, retrying",
			zap.String("task_id", run.task.ID),
			zap.Int("attempt", attempts),
			zap.Error(err),
		)
		if uErr := w.store.UpdateTask(ctx, run.task.ID, pipeline.TaskStatePending, err.Error(), attempts); uErr != nil {
			w.logger.Error("retry state update failed", zap.String("task_id", run.task.ID), zap.Error(uErr))
		}
		next := run.item
		next.Attempt = attempts
		w.requeueLater(next, w.retry.Backoff(attempts))
		return
	}

	w.logger.Error("task failed",
		zap.String("task_id", run.task.ID),
		zap.String("code", pipeline.FailureCode(err)),
		zap.Error(err),
	)
	w.finishTerminal(ctx, run, pipeline.TaskStateFailed, pipeline.FailureCode(err))
}

func (w *Worker) finishSkipped(ctx context.Context, run *taskRun, reason pipeline.SkipReason) {
	w.logger.Info("task skipped",
		zap.String("task_id", run.task.ID),
		zap.String("reason", string(reason)),
	)
	w.finishTerminal(ctx, run, pipeline.TaskStateSkipped, string(reason))
}

func (w *Worker) finishCompleted(ctx context.Context, run *taskRun) {
	w.logger.Info("task completed",
		zap.String("task_id", run.task.ID),
		zap.String("customer_id", run.task.CustomerID),
		zap.String("directory_id", run.task.DirectoryID),
		zap.Int("fields_completed", run.outcome.FieldsCompleted),
	)
	w.finishTerminal(ctx, run, pipeline.TaskStateCompleted, "")
}

func (w *Worker) finishTerminal(ctx context.Context, run *taskRun, state pipeline.TaskState, failureReason string) {
	if err := w.store.UpdateTask(ctx, run.task.ID, state, failureReason, run.item.Attempt+1); err != nil {
		w.logger.Error("terminal state update failed", zap.String("task_id", run.task.ID), zap.Error(err))
	}

	receiptURI := ""
	if state == pipeline.TaskStateCompleted && w.receipts != nil && len(run.outcome.ResponseHTML) > 0 {
		uri, err := w.receipts.PutReceipt(ctx, w.receiptPath(run.task), w.cfg.ReceiptContentType, run.outcome.ResponseHTML)
		if err != nil {
			// Evidence archiving never blocks task completion.
			w.logger.Warn("receipt archive failed", zap.String("task_id", run.task.ID), zap.Error(err))
		} else {
			receiptURI = uri
		}
	}

	result := pipeline.SubmissionResult{
		TaskID:           run.task.ID,
		CustomerID:       run.task.CustomerID,
		DirectoryID:      run.task.DirectoryID,
		State:            state,
		Success:          state == pipeline.TaskStateCompleted,
		FieldsCompleted:  run.outcome.FieldsCompleted,
		CaptchaSolved:    run.captchaSolved,
		ProcessingTimeMs: w.clock.Now().Sub(run.started).Milliseconds(),
		Cost:             run.captchaCost,
		FailureReason:    failureReason,
		ReceiptURI:       receiptURI,
		RecordedAt:       w.clock.Now(),
	}
	if err := w.store.RecordResult(ctx, result); err != nil {
		if errors.Is(err, pipeline.ErrResultExists) {
			w.logger.Debug("result already recorded", zap.String("task_id", run.task.ID))
		} else {
			w.logger.Error("record result failed", zap.String("task_id", run.task.ID), zap.Error(err))
		}
	}

	metrics.RecordTaskTerminal(string(state))
	w.publishResult(ctx, result)
}

func (w *Worker) publishResult(ctx context.Context, result pipeline.SubmissionResult) {
	if w.cfg.Topic == "" || w.publisher == nil {
		return
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, pipeline.EventFromResult(result)); err != nil {
		w.logger.Error("publish result failed", zap.String("task_id", result.TaskID), zap.Error(err))
	}
}

func (w *Worker) updateState(ctx context.Context, run *taskRun, state pipeline.TaskState, lastError string) {
	run.task.State = state
	if err := w.store.UpdateTask(ctx, run.task.ID, state, lastError, run.item.Attempt); err != nil {
		w.logger.Error("state update failed",
			zap.String("task_id", run.task.ID),
			zap.String("state", string(state)),
			zap.Error(err),
		)
	}
}

func (w *Worker) submissionURL(task pipeline.SubmissionTask) string {
	if task.Directory.SubmissionURL != "" {
		return task.Directory.SubmissionURL
	}
	return task.Directory.URL
}

func (w *Worker) receiptPath(task pipeline.SubmissionTask) string {
	prefix := strings.Trim(w.cfg.ReceiptPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", task.CustomerID, task.ID)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, task.CustomerID, task.ID)
}

// requeueLater re-enqueues the item after the delay without blocking the
// worker loop. The backoff goroutine is tied to the run loop's context, not
// the delivering caller's: an item handed in through ProcessOne must survive
// its HTTP request ending, or the task would sit in pending with no result.
func (w *Worker) requeueLater(item pipeline.QueueItem, delay time.Duration) {
	ctx := w.requeueContext()
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if err := w.queue.Enqueue(ctx, item); err != nil {
			w.logger.Error("requeue failed", zap.String("task_id", item.TaskID), zap.Error(err))
		}
	}()
}

func (w *Worker) requeueContext() context.Context {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.runCtx != nil {
		return w.runCtx
	}
	return context.Background()
}

func (w *Worker) acquire(pairKey string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inFlight[pairKey] {
		return false
	}
	w.inFlight[pairKey] = true
	return true
}

func (w *Worker) release(pairKey string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inFlight, pairKey)
}
