// Package generation drives a thumbnail request from credit reservation to a
// stored artifact. Submit is the synchronous front half: it validates the
// request, reserves credits and records a pending thumbnail. Process is the
// asynchronous back half: recognition, rendering and storage, then commit,
// or refund and fail. Every step is keyed by the caller's idempotency key, so
// both halves can be replayed without charging or storing twice.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/celebthumb-ai/internal/ai"
	"github.com/celebthumb-ai/internal/apperr"
	"github.com/celebthumb-ai/internal/ledger"
	"github.com/celebthumb-ai/internal/logging"
	"github.com/celebthumb-ai/internal/metadata"
	"github.com/celebthumb-ai/internal/models"
	"github.com/celebthumb-ai/internal/retry"
	"github.com/celebthumb-ai/internal/storage"
)

// ErrStillProcessing is returned when deleting a thumbnail that has not
// reached a terminal state.
var ErrStillProcessing = fmt.Errorf("%w: thumbnail is still processing", apperr.ErrConflict)

// Ledger is the part of the credit ledger the orchestrator drives.
type Ledger interface {
	Reserve(ctx context.Context, userID string, amount int, idempotencyKey string) (*models.Reservation, error)
	Commit(ctx context.Context, res *models.Reservation) error
	Refund(ctx context.Context, res *models.Reservation) error
	Reservation(ctx context.Context, userID, idempotencyKey string) (*models.Reservation, error)
	HeldBefore(ctx context.Context, cutoff time.Time) ([]*models.Reservation, error)
}

type Templates interface {
	Get(ctx context.Context, id string) (*models.Template, error)
}

type OrchestratorConfig struct {
	Ledger     Ledger
	Templates  Templates
	Metadata   metadata.Store
	Storage    storage.Gateway
	Recognizer ai.Recognizer
	Renderer   ai.Renderer
	Logger     *zap.Logger
	// Retry governs calls to recognition, inference, storage and metadata.
	Retry retry.Policy
	// RefundRetry governs refunds, which must not be abandoned.
	RefundRetry retry.Policy
	Now         func() time.Time
}

type Orchestrator struct {
	ledger      Ledger
	templates   Templates
	metadata    metadata.Store
	storage     storage.Gateway
	recognizer  ai.Recognizer
	renderer    ai.Renderer
	logger      *zap.Logger
	retry       retry.Policy
	refundRetry retry.Policy
	validate    *apperr.Validator
	now         func() time.Time

	submits   singleflight.Group
	processes singleflight.Group
}

func NewOrchestrator(config OrchestratorConfig) *Orchestrator {
	policy := config.Retry
	if policy.MaxAttempts == 0 {
		policy = retry.Policy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second, AttemptTimeout: 30 * time.Second}
	}
	refund := config.RefundRetry
	if refund.MaxAttempts == 0 {
		refund = retry.Policy{MaxAttempts: 8, BaseDelay: policy.BaseDelay, MaxDelay: policy.MaxDelay, AttemptTimeout: policy.AttemptTimeout}
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	o := &Orchestrator{
		ledger:      config.Ledger,
		templates:   config.Templates,
		metadata:    config.Metadata,
		storage:     config.Storage,
		recognizer:  config.Recognizer,
		renderer:    config.Renderer,
		logger:      logging.OrNop(config.Logger).Named("generation"),
		retry:       policy,
		refundRetry: refund,
		validate:    apperr.NewValidator(),
		now:         now,
	}
	o.retry.OnRetry = o.logRetry
	o.refundRetry.OnRetry = o.logRetry
	return o
}

func (o *Orchestrator) logRetry(err error, next time.Duration) {
	o.logger.Warn("retrying after failure", zap.Error(err), zap.Duration("backoff", next))
}

// Submit reserves credits for req and records a pending thumbnail. Replaying
// an idempotency key returns the thumbnail recorded for it, in whatever state
// it has reached, without reserving again.
func (o *Orchestrator) Submit(ctx context.Context, userID string, req models.ThumbnailRequest) (*models.Thumbnail, error) {
	if err := o.validate.Struct(req); err != nil {
		return nil, err
	}
	v, err, _ := o.submits.Do(userID+"\x00"+req.IdempotencyKey, func() (any, error) {
		return o.submit(ctx, userID, req)
	})
	if err != nil {
		return nil, err
	}
	cp := *v.(*models.Thumbnail)
	return &cp, nil
}

func (o *Orchestrator) submit(ctx context.Context, userID string, req models.ThumbnailRequest) (*models.Thumbnail, error) {
	id := models.ThumbnailID(userID, req.IdempotencyKey)
	if existing, err := o.metadata.Get(ctx, id); err == nil {
		o.logger.Debug("replayed request", zap.String("thumbnail_id", id), zap.String("status", string(existing.Status)))
		return existing, nil
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up thumbnail: %w", err)
	}

	tpl, err := o.templates.Get(ctx, req.TemplateID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.Invalid("templateId", "references an unknown template")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", err)
	}

	th := models.NewThumbnail(userID, req, tpl.CreditCost, o.now().UTC())
	o.transition(th, models.StageReserving)

	// Once credits may be reserved, the record is written or the credits are
	// refunded even if the caller goes away.
	ctx = context.WithoutCancel(ctx)
	res, err := o.ledger.Reserve(ctx, userID, tpl.CreditCost, req.IdempotencyKey)
	switch {
	case err == nil:
	case errors.Is(err, apperr.ErrDuplicateRequest) && res != nil:
		// Reserved by an earlier attempt whose thumbnail is gone or was
		// never recorded.
		th.Cost = res.Amount
		switch res.Status {
		case models.ReservationCommitted:
			return nil, fmt.Errorf("%w: thumbnail for idempotency key %q was deleted", apperr.ErrAlreadyExists, req.IdempotencyKey)
		case models.ReservationRefunded:
			th.Status = models.StatusFailed
			th.Stage = models.StageFailed
			th.FailureReason = "an earlier attempt with this idempotency key failed"
		}
	default:
		return nil, err
	}

	err = o.metadata.Create(ctx, th)
	switch {
	case err == nil:
		return th, nil
	case errors.Is(err, apperr.ErrAlreadyExists):
		// A concurrent submit with the same key recorded it first.
		return o.metadata.Get(ctx, th.ID)
	}

	cause := fmt.Errorf("failed to record thumbnail: %w", err)
	if res.Status == models.ReservationHeld {
		if refundErr := o.refund(ctx, res); refundErr != nil {
			return nil, errors.Join(cause, refundErr)
		}
	}
	return nil, cause
}

// Process drives the thumbnail for (userID, idempotencyKey) to a terminal
// state. It ignores cancellation of ctx: once started, a generation either
// completes or is refunded and failed. An error means no terminal state was
// reached and Process should be called again.
func (o *Orchestrator) Process(ctx context.Context, userID, idempotencyKey string) error {
	ctx = context.WithoutCancel(ctx)
	id := models.ThumbnailID(userID, idempotencyKey)
	_, err, _ := o.processes.Do(id, func() (any, error) {
		return nil, o.process(ctx, userID, idempotencyKey)
	})
	return err
}

func (o *Orchestrator) process(ctx context.Context, userID, key string) error {
	id := models.ThumbnailID(userID, key)
	th, err := o.metadata.Get(ctx, id)
	if errors.Is(err, apperr.ErrNotFound) {
		return o.releaseOrphan(ctx, userID, key)
	}
	if err != nil {
		return fmt.Errorf("failed to load thumbnail: %w", err)
	}
	if th.Status.Terminal() {
		return nil
	}

	res, err := o.ledger.Reservation(ctx, userID, key)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return o.markFailed(ctx, th, "no credit reservation found")
	case err != nil:
		return fmt.Errorf("failed to load reservation: %w", err)
	case res.Status == models.ReservationCommitted:
		return o.markCompleted(ctx, th)
	case res.Status == models.ReservationRefunded:
		return o.markFailed(ctx, th, "credits were refunded")
	}

	th.Status = models.StatusProcessing
	if err := o.runPipeline(ctx, th); err != nil {
		o.logger.Warn("generation failed",
			zap.String("thumbnail_id", th.ID), zap.String("stage", string(th.Stage)), zap.Error(err))
		return o.failAndRefund(ctx, th, res, failureReason(th.Stage, err))
	}

	if err := o.ledger.Commit(ctx, res); err != nil {
		o.logger.Warn("commit failed", zap.String("thumbnail_id", th.ID), zap.Error(err))
		return o.failAndRefund(ctx, th, res, "credits could not be committed")
	}
	return o.markCompleted(ctx, th)
}

func (o *Orchestrator) runPipeline(ctx context.Context, th *models.Thumbnail) error {
	tpl, err := retry.Do(ctx, o.retry, func(ctx context.Context) (*models.Template, error) {
		return o.templates.Get(ctx, th.Style)
	})
	if err != nil {
		return fmt.Errorf("failed to get template: %w", err)
	}

	if err := o.advance(ctx, th, models.StageRecognizing); err != nil {
		return err
	}
	rec, err := retry.Do(ctx, o.retry, func(ctx context.Context) (*ai.Recognition, error) {
		return o.recognizer.Recognize(ctx, ai.RecognitionInput{
			VideoTitle:     th.VideoTitle,
			Description:    th.Description,
			SourceImageKey: th.SourceImageKey,
		})
	})
	if err != nil {
		return err
	}

	if err := o.advance(ctx, th, models.StageRendering); err != nil {
		return err
	}
	art, err := retry.Do(ctx, o.retry, func(ctx context.Context) (*ai.Artifact, error) {
		return o.renderer.Render(ctx, ai.RenderInput{
			VideoTitle:  th.VideoTitle,
			Description: th.Description,
			Style:       tpl.Name,
			Params:      tpl.Params,
			Recognition: rec,
		})
	})
	if err != nil {
		return err
	}

	if err := o.advance(ctx, th, models.StageStoring); err != nil {
		return err
	}
	locator, err := retry.Do(ctx, o.retry, func(ctx context.Context) (string, error) {
		return o.storage.Store(ctx, art.Data, art.ContentType)
	})
	if err != nil {
		return err
	}
	th.Locator = locator
	return o.save(ctx, th)
}

// Fail refunds and fails the thumbnail for (userID, idempotencyKey) without
// running the pipeline. It is used when the work cannot be dispatched.
func (o *Orchestrator) Fail(ctx context.Context, userID, idempotencyKey string, cause error) error {
	o.logger.Warn("failing undispatched generation",
		zap.String("thumbnail_id", models.ThumbnailID(userID, idempotencyKey)), zap.Error(cause))
	return o.abandon(context.WithoutCancel(ctx), userID, idempotencyKey, "generation could not be scheduled")
}

// Reconcile refunds and fails every generation whose reservation has been
// held since before cutoff. It releases work whose job was lost or gave up
// retrying. It returns how many reservations it settled; failures on one
// reservation do not stop the others and are joined into the error.
func (o *Orchestrator) Reconcile(ctx context.Context, cutoff time.Time) (int, error) {
	ctx = context.WithoutCancel(ctx)
	held, err := o.ledger.HeldBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	settled := 0
	var errs []error
	for _, res := range held {
		id := models.ThumbnailID(res.UserID, res.IdempotencyKey)
		_, err, _ := o.processes.Do(id, func() (any, error) {
			return nil, o.abandon(ctx, res.UserID, res.IdempotencyKey, "generation did not finish in time")
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("reservation %s: %w", res.ID, err))
			continue
		}
		settled++
		o.logger.Warn("released stale reservation",
			zap.String("thumbnail_id", id), zap.String("reservation_id", res.ID), zap.Time("reserved_at", res.CreatedAt))
	}
	return settled, errors.Join(errs...)
}

func (o *Orchestrator) abandon(ctx context.Context, userID, key, reason string) error {
	th, err := o.metadata.Get(ctx, models.ThumbnailID(userID, key))
	if errors.Is(err, apperr.ErrNotFound) {
		return o.releaseOrphan(ctx, userID, key)
	}
	if err != nil {
		return fmt.Errorf("failed to load thumbnail: %w", err)
	}
	if th.Status.Terminal() {
		return nil
	}
	res, err := o.ledger.Reservation(ctx, userID, key)
	if err != nil {
		return fmt.Errorf("failed to load reservation: %w", err)
	}
	return o.failAndRefund(ctx, th, res, reason)
}

// Generate runs Submit and Process inline and returns the thumbnail in its
// terminal state with its URL resolved.
func (o *Orchestrator) Generate(ctx context.Context, userID string, req models.ThumbnailRequest) (*models.Thumbnail, error) {
	th, err := o.Submit(ctx, userID, req)
	if err != nil {
		return nil, err
	}
	if !th.Status.Terminal() {
		if err := o.Process(ctx, userID, req.IdempotencyKey); err != nil {
			return nil, err
		}
	}
	return o.Thumbnail(ctx, userID, th.ID)
}

// releaseOrphan refunds a held reservation whose thumbnail was never
// recorded.
func (o *Orchestrator) releaseOrphan(ctx context.Context, userID, key string) error {
	res, err := o.ledger.Reservation(ctx, userID, key)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load reservation: %w", err)
	}
	if res.Status != models.ReservationHeld {
		return nil
	}
	return o.refund(ctx, res)
}

// failAndRefund refunds before marking the thumbnail failed. When the refund
// cannot be applied the thumbnail is left non-terminal and an error is
// returned so the work is retried.
func (o *Orchestrator) failAndRefund(ctx context.Context, th *models.Thumbnail, res *models.Reservation, reason string) error {
	err := o.refund(ctx, res)
	if errors.Is(err, ledger.ErrAlreadySettled) && th.Locator != "" {
		// A commit whose response was lost went through after all.
		return o.markCompleted(ctx, th)
	}
	if err != nil {
		return err
	}
	return o.markFailed(ctx, th, reason)
}

func (o *Orchestrator) refund(ctx context.Context, res *models.Reservation) error {
	_, err := retry.Do(ctx, o.refundRetry, func(ctx context.Context) (struct{}, error) {
		err := o.ledger.Refund(ctx, res)
		if err == nil || errors.Is(err, ledger.ErrAlreadySettled) || errors.Is(err, apperr.ErrNotFound) {
			return struct{}{}, err
		}
		return struct{}{}, apperr.Transient(err)
	})
	if err != nil {
		o.logger.Error("refund failed", zap.String("reservation_id", res.ID), zap.Error(err))
		return fmt.Errorf("failed to refund reservation %s: %w", res.ID, err)
	}
	o.logger.Info("credits refunded", zap.String("reservation_id", res.ID), zap.Int("amount", res.Amount))
	return nil
}

func (o *Orchestrator) markCompleted(ctx context.Context, th *models.Thumbnail) error {
	th.Status = models.StatusCompleted
	th.FailureReason = ""
	return o.advance(ctx, th, models.StageCompleted)
}

func (o *Orchestrator) markFailed(ctx context.Context, th *models.Thumbnail, reason string) error {
	th.Status = models.StatusFailed
	th.FailureReason = reason
	return o.advance(ctx, th, models.StageFailed)
}

func (o *Orchestrator) advance(ctx context.Context, th *models.Thumbnail, stage models.Stage) error {
	o.transition(th, stage)
	return o.save(ctx, th)
}

func (o *Orchestrator) transition(th *models.Thumbnail, stage models.Stage) {
	th.Stage = stage
	th.UpdatedAt = o.now().UTC()
	o.logger.Info("stage transition",
		zap.String("thumbnail_id", th.ID),
		zap.String("user_id", th.UserID),
		zap.String("stage", string(stage)))
}

func (o *Orchestrator) save(ctx context.Context, th *models.Thumbnail) error {
	_, err := retry.Do(ctx, o.retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, o.metadata.Put(ctx, th)
	})
	if err != nil {
		return fmt.Errorf("failed to save thumbnail: %w", err)
	}
	return nil
}

func failureReason(stage models.Stage, err error) string {
	step := strings.ToLower(string(stage))
	switch {
	case errors.Is(err, apperr.ErrPermanentExternal):
		return step + " rejected by upstream service"
	case errors.Is(err, apperr.ErrTransientExternal):
		return step + " unavailable after retries"
	default:
		return step + " failed"
	}
}
