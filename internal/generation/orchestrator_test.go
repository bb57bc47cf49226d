package generation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/celebthumb-ai/internal/ai"
	"github.com/celebthumb-ai/internal/apperr"
	"github.com/celebthumb-ai/internal/ledger"
	"github.com/celebthumb-ai/internal/metadata"
	"github.com/celebthumb-ai/internal/models"
	"github.com/celebthumb-ai/internal/retry"
	"github.com/celebthumb-ai/internal/storage"
	"github.com/celebthumb-ai/internal/templates"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeRecognizer struct {
	calls atomic.Int32
	// fail returns the error for the nth call, counting from 1.
	fail func(n int32) error
}

func (f *fakeRecognizer) Recognize(_ context.Context, in ai.RecognitionInput) (*ai.Recognition, error) {
	n := f.calls.Add(1)
	if f.fail != nil {
		if err := f.fail(n); err != nil {
			return nil, err
		}
	}
	return &ai.Recognition{Keywords: ai.Keywords(in.VideoTitle, in.Description)}, nil
}

type fakeRenderer struct {
	calls atomic.Int32
	fail  func(n int32) error

	mu   sync.Mutex
	last ai.RenderInput
}

func (f *fakeRenderer) Render(ctx context.Context, in ai.RenderInput) (*ai.Artifact, error) {
	n := f.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.last = in
	f.mu.Unlock()
	if f.fail != nil {
		if err := f.fail(n); err != nil {
			return nil, err
		}
	}
	return &ai.Artifact{Data: []byte("png:" + in.VideoTitle), ContentType: "image/png"}, nil
}

// flakyLedger fails the next refundFailures refunds and runs afterReserve
// once a reservation succeeds. Refund honors ctx like a network client.
type flakyLedger struct {
	*ledger.Ledger
	refundFailures atomic.Int32
	afterReserve   func()
}

func (l *flakyLedger) Reserve(ctx context.Context, userID string, amount int, key string) (*models.Reservation, error) {
	res, err := l.Ledger.Reserve(ctx, userID, amount, key)
	if err == nil && l.afterReserve != nil {
		l.afterReserve()
	}
	return res, err
}

func (l *flakyLedger) Refund(ctx context.Context, res *models.Reservation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.refundFailures.Add(-1) >= 0 {
		return apperr.Transient(errors.New("ledger unavailable"))
	}
	return l.Ledger.Refund(ctx, res)
}

// flakyMetadata fails Create while createErr is set.
type flakyMetadata struct {
	*metadata.MemoryStore
	createErr error
}

func (m *flakyMetadata) Create(ctx context.Context, th *models.Thumbnail) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.createErr != nil {
		return m.createErr
	}
	return m.MemoryStore.Create(ctx, th)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type harness struct {
	ledger     *flakyLedger
	registry   *templates.Registry
	metadata   *flakyMetadata
	storage    *storage.MemoryGateway
	recognizer *fakeRecognizer
	renderer   *fakeRenderer
	orch       *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := &clock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	fast := retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	h := &harness{
		ledger: &flakyLedger{Ledger: ledger.NewLedger(ledger.LedgerConfig{
			Store: ledger.NewMemoryStore(),
			Retry: retry.Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
			Now:   clk.Now,
		})},
		registry:   templates.NewRegistry(templates.RegistryConfig{Store: templates.NewMemoryStore(), Now: clk.Now}),
		metadata:   &flakyMetadata{MemoryStore: metadata.NewMemoryStore()},
		storage:    storage.NewMemoryGateway(),
		recognizer: &fakeRecognizer{},
		renderer:   &fakeRenderer{},
	}
	h.orch = NewOrchestrator(OrchestratorConfig{
		Ledger:      h.ledger,
		Templates:   h.registry,
		Metadata:    h.metadata,
		Storage:     h.storage,
		Recognizer:  h.recognizer,
		Renderer:    h.renderer,
		Retry:       fast,
		RefundRetry: retry.Policy{MaxAttempts: 8, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		Now:         clk.Now,
	})
	return h
}

func (h *harness) account(t *testing.T, userID string, credits int) {
	t.Helper()
	require.NoError(t, h.ledger.OpenAccount(context.Background(), &models.User{
		ID: userID, Email: userID + "@example.com", Plan: "free",
	}, credits))
}

func (h *harness) template(t *testing.T, cost int) string {
	t.Helper()
	tpl, err := h.registry.Create(context.Background(), "admin", models.TemplateRequest{
		Name: "bold", CreditCost: cost, Params: map[string]string{"palette": "neon"},
	})
	require.NoError(t, err)
	return tpl.ID
}

func (h *harness) balance(t *testing.T, userID string) int {
	t.Helper()
	user, err := h.ledger.Account(context.Background(), userID)
	require.NoError(t, err)
	return user.Credits
}

func request(templateID, key string) models.ThumbnailRequest {
	return models.ThumbnailRequest{
		VideoTitle:     "Ranking every goal of the season",
		Description:    "A countdown of the best goals",
		TemplateID:     templateID,
		IdempotencyKey: key,
	}
}

func TestGenerateCompletes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.account(t, "u1", 10)
	tpl := h.template(t, 3)

	th, err := h.orch.Generate(ctx, "u1", request(tpl, "req-1"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, th.Status)
	assert.Equal(t, models.StageCompleted, th.Stage)
	assert.Equal(t, 3, th.Cost)
	assert.NotEmpty(t, th.Locator)
	assert.Equal(t, "mem://"+th.Locator, th.URL)
	assert.Equal(t, 7, h.balance(t, "u1"))

	res, err := h.ledger.Reservation(ctx, "u1", "req-1")
	require.NoError(t, err)
	assert.Equal(t, models.ReservationCommitted, res.Status)

	assert.Equal(t, "bold", h.renderer.last.Style)
	assert.Equal(t, "neon", h.renderer.last.Params["palette"])
	assert.NotEmpty(t, h.renderer.last.Recognition.Keywords)
}

func TestSubmitReturnsPending(t *testing.T) {
	h := newHarness(t)
	h.account(t, "u1", 10)
	tpl := h.template(t, 2)

	th, err := h.orch.Submit(context.Background(), "u1", request(tpl, "req-1"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, th.Status)
	assert.Equal(t, models.StageReserving, th.Stage)
	assert.Equal(t, 8, h.balance(t, "u1"), "credits are held as soon as the request is accepted")
	assert.Zero(t, h.renderer.calls.Load())
}

func TestGenerateReplayChargesOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.account(t, "u1", 10)
	tpl := h.template(t, 3)

	first, err := h.orch.Generate(ctx, "u1", request(tpl, "req-1"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			again, err := h.orch.Generate(ctx, "u1", request(tpl, "req-1"))
			assert.NoError(t, err)
			if again != nil {
				assert.Equal(t, first.ID, again.ID)
				assert.Equal(t, first.Locator, again.Locator)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 7, h.balance(t, "u1"))
	assert.Equal(t, int32(1), h.renderer.calls.Load())
	assert.Equal(t, 1, h.storage.Objects())
}

func TestConcurrentSubmitsWithOneKeyReserveOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.account(t, "u1", 10)
	tpl := h.template(t, 4)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			th, err := h.orch.Submit(ctx, "u1", request(tpl, "same"))
			if assert.NoError(t, err) {
				ids[i] = th.ID
			}
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, models.ThumbnailID("u1", "same"), id)
	}
	assert.Equal(t, 6, h.balance(t, "u1"))
}

func TestConcurrentGenerationsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.account(t, "u1", 10)
	tpl := h.template(t, 10)

	results := make([]error, 2)
	thumbs := make([]*models.Thumbnail, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			thumbs[i], results[i] = h.orch.Generate(ctx, "u1", request(tpl, fmt.Sprintf("req-%d", i)))
		}()
	}
	wg.Wait()

	completed, insufficient := 0, 0
	for i, err := range results {
		switch {
		case err == nil:
			assert.Equal(t, models.StatusCompleted, thumbs[i].Status)
			completed++
		case errors.Is(err, apperr.ErrInsufficientCredits):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, completed)
	assert.Equal(t, 1, insufficient)
	assert.Equal(t, 0, h.balance(t, "u1"))

	list, err := h.orch.Thumbnails(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1, "a rejected request records no thumbnail")
}

func TestInsufficientCreditsLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.account(t, "u1", 2)
	tpl := h.template(t, 3)

	_, err := h.orch.Submit(ctx, "u1", request(tpl, "req-1"))
	require.ErrorIs(t, err, apperr.ErrInsufficientCredits)

	_, err = h.metadata.Get(ctx, models.ThumbnailID("u1", "req-1"))
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	txs, err := h.ledger.History(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
	assert.Equal(t, 2, h.balance(t, "u1"))
}

func TestSubmitValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.account(t, "u1", 10)
	tpl := h.template(t, 1)

	req := request(tpl, "req-1")
	req.VideoTitle = ""
	_, err := h.orch.Submit(ctx, "u1", req)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = h.orch.Submit(ctx, "u1", request("no-such-template", "req-2"))
	var ve apperr.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "templateId", ve.Field)

	assert.Equal(t, 10, h.balance(t, "u1"))
}

func TestPermanentFailureRefundsWithoutRetrying(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.account(t, "u1", 10)
	tpl := h.template(t, 4)
	h.renderer.fail = func(int32) error { return apperr.Permanent(errors.New("prompt rejected")) }

	th, err := h.orch.Generate(ctx, "u1", request(tpl, "req-1"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, th.Status)
	assert.Equal(t, models.StageFailed, th.Stage)
	assert.Equal(t, "rendering rejected by upstream service", th.FailureReason)
	assert.Empty(t, th.URL)
	assert.Equal(t, int32(1), h.renderer.calls.Load())

	assert.Equal(t, 10, h.balance(t, "u1"), "the refund restores exactly the reserved amount")
	res, err := h.ledger.Reservation(ctx, "u1", "req-1")
	require.NoError(t, err)
	assert.Equal(t, models.ReservationRefunded, res.Status)
	assert.Zero(t, h.storage.Objects())
}

func TestTransientFailuresAreRetried(t *testing.T) {
	h := newHarness(t)
	h.account(t, "u1", 10)
	tpl := h.template(t, 1)
	h.recognizer.fail = func(n int32) error {
		if n < 3 {
			return apperr.Transient(errors.New("throttled"))
		}
		return nil
	}

	th, err := h.orch.Generate(context.Background(), "u1", request(tpl, "req-1"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, th.Status)
	assert.Equal(t, int32(3), h.recognizer.calls.Load())
	assert.Equal(t, 9, h.balance(t, "u1"))
}

func TestTransientFailuresGiveUpAndRefund(t *testing.T) {
	h := newHarness(t)
	h.account(t, "u1", 10)
	tpl := h.template(t, 5)
	h.recognizer.fail = func(int32) error { return apperr.Transient(errors.New("throttled")) }

	th, err := h.orch.Generate(context.Background(), "u1", request(tpl, "req-1"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, th.Status)
	assert.Equal(t, "recognizing unavailable after retries", th.FailureReason)
	assert.Equal(t, int32(3), h.recognizer.calls.Load())
	assert.Zero(t, h.renderer.calls.Load())
	assert.Equal(t, 10, h.balance(t, "u1"))
}

func TestUnrefundableFailureStaysRetryable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.account(t, "u1", 10)
	tpl := h.template(t, 4)
	h.renderer.fail = func(int32) error { return apperr.Permanent(errors.New("bad prompt")) }

	th, err := h.orch.Submit(ctx, "u1", request(tpl, "req-1"))
	require.NoError(t, err)

	h.ledger.refundFailures.Store(8)
	require.Error(t, h.orch.Process(ctx, "u1", "req-1"))

	stuck, err := h.metadata.Get(ctx, th.ID)
	require.NoError(t, err)
	assert.False(t, stuck.Status.Terminal(), "a thumbnail is never failed before its credits are back")
	assert.Equal(t, 6, h.balance(t, "u1"))

	require.NoError(t, h.orch.Process(ctx, "u1", "req-1"))
	done, err := h.metadata.Get(ctx, th.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, done.Status)
	assert.Equal(t, 10, h.balance(t, "u1"))
}

func TestProcessFinishesAfterCommit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.account(t, "u1", 10)
	tpl := h.template(t, 2)

	th, err := h.orch.Submit(ctx, "u1", request(tpl, "req-1"))
	require.NoError(t, err)

	// the worker stored the artifact and committed, then died
	th.Stage = models.StageStoring
	th.Status = models.StatusProcessing
	th.Locator = "thumbnails/abc.png"
	require.NoError(t, h.metadata.Put(ctx, th))
	res, err := h.ledger.Reservation(ctx, "u1", "req-1")
	require.NoError(t, err)
	require.NoError(t, h.ledger.Commit(ctx, res))

	require.NoError(t, h.orch.Process(ctx, "u1", "req-1"))
	got, err := h.metadata.Get(ctx, th.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, "thumbnails/abc.png", got.Locator)
	assert.Zero(t, h.renderer.calls.Load())
	assert.Equal(t, 8, h.balance(t, "u1"))
}

func TestProcessFinishesAfterRefund(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.account(t, "u1", 10)
	tpl := h.template(t, 2)

	th, err := h.orch.Submit(ctx, "u1", request(tpl, "req-1"))
	require.NoError(t, err)
	res, err := h.ledger.Reservation(ctx, "u1", "req-1")
	require.NoError(t, err)
	require.NoError(t, h.ledger.Refund(ctx, res))

	require.NoError(t, h.orch.Process(ctx, "u1", "req-1"))
	got, err := h.metadata.Get(ctx, th.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Zero(t, h.recognizer.calls.Load())
	assert.Equal(t, 10, h.balance(t, "u1"))

	// terminal thumbnails are left alone
	require.NoError(t, h.orch.Process(ctx, "u1", "req-1"))
	assert.Equal(t, 10, h.balance(t, "u1"))
}

func TestProcessIgnoresCallerCancellation(t *testing.T) {
	h := newHarness(t)
	h.account(t, "u1", 10)
	tpl := h.template(t, 2)

	_, err := h.orch.Submit(context.Background(), "u1", request(tpl, "req-1"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, h.orch.Process(ctx, "u1", "req-1"))

	th, err := h.orch.Thumbnail(context.Background(), "u1", models.ThumbnailID("u1", "req-1"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, th.Status)
}

func TestFailRefundsUndispatchedWork(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.account(t, "u1", 10)
	tpl := h.template(t, 3)

	th, err := h.orch.Submit(ctx, "u1", request(tpl, "req-1"))
	require.NoError(t, err)
	require.NoError(t, h.orch.Fail(ctx, "u1", "req-1", errors.New("queue unavailable")))

	got, err := h.metadata.Get(ctx, th.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "generation could not be scheduled", got.FailureReason)
	assert.Equal(t, 10, h.balance(t, "u1"))

	require.NoError(t, h.orch.Fail(ctx, "u1", "req-1", errors.New("again")))
	assert.Equal(t, 10, h.balance(t, "u1"))
}

func TestSubmitRefundsWhenRecordCannotBeWritten(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.account(t, "u1", 10)
	tpl := h.template(t, 3)

	h.metadata.createErr = apperr.Transient(errors.New("table unavailable"))
	_, err := h.orch.Submit(ctx, "u1", request(tpl, "req-1"))
	require.Error(t, err)
	assert.Equal(t, 10, h.balance(t, "u1"))

	// replaying the key reports the failed attempt instead of charging again
	h.metadata.createErr = nil
	th, err := h.orch.Submit(ctx, "u1", request(tpl, "req-1"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, th.Status)
	assert.Equal(t, 10, h.balance(t, "u1"))
}

func TestSubmitOutlivesCallerAfterReserving(t *testing.T) {
	h := newHarness(t)
	h.account(t, "u1", 10)
	tpl := h.template(t, 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.ledger.afterReserve = cancel

	th, err := h.orch.Submit(ctx, "u1", request(tpl, "req-1"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, th.Status)
	assert.Equal(t, 7, h.balance(t, "u1"))

	stored, err := h.orch.Thumbnail(context.Background(), "u1", th.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)
}

func TestSubmitRefundsAfterCallerCancels(t *testing.T) {
	h := newHarness(t)
	h.account(t, "u1", 10)
	tpl := h.template(t, 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.ledger.afterReserve = cancel
	h.metadata.createErr = apperr.Permanent(errors.New("item too large"))

	_, err := h.orch.Submit(ctx, "u1", request(tpl, "req-1"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, context.Canceled)
	assert.Equal(t, 10, h.balance(t, "u1"))

	res, err := h.ledger.Reservation(context.Background(), "u1", "req-1")
	require.NoError(t, err)
	assert.Equal(t, models.ReservationRefunded, res.Status)
}

func TestReconcileReleasesStaleWork(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.account(t, "u1", 10)
	tpl := h.template(t, 3)

	pending, err := h.orch.Submit(ctx, "u1", request(tpl, "req-1"))
	require.NoError(t, err)
	_, err = h.ledger.Reserve(ctx, "u1", 2, "req-orphan")
	require.NoError(t, err)
	done, err := h.orch.Generate(ctx, "u1", request(tpl, "req-2"))
	require.NoError(t, err)
	assert.Equal(t, 2, h.balance(t, "u1"))

	n, err := h.orch.Reconcile(ctx, time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Zero(t, n, "nothing was held before the cutoff")
	assert.Equal(t, 2, h.balance(t, "u1"))

	n, err = h.orch.Reconcile(ctx, time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 7, h.balance(t, "u1"))

	th, err := h.orch.Thumbnail(ctx, "u1", pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, th.Status)
	assert.Equal(t, "generation did not finish in time", th.FailureReason)

	kept, err := h.orch.Thumbnail(ctx, "u1", done.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, kept.Status)

	// a job that arrives late finds the work settled
	require.NoError(t, h.orch.Process(ctx, "u1", "req-1"))
	assert.Equal(t, 7, h.balance(t, "u1"))
	assert.Equal(t, int32(1), h.renderer.calls.Load(), "only req-2 was rendered")
}

func TestReconcileReportsUnrefundableWork(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.account(t, "u1", 10)
	tpl := h.template(t, 3)

	pending, err := h.orch.Submit(ctx, "u1", request(tpl, "req-1"))
	require.NoError(t, err)
	cutoff := time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC)

	h.ledger.refundFailures.Store(100)
	n, err := h.orch.Reconcile(ctx, cutoff)
	require.Error(t, err)
	assert.Zero(t, n)
	th, err := h.orch.Thumbnail(ctx, "u1", pending.ID)
	require.NoError(t, err)
	assert.False(t, th.Status.Terminal())

	h.ledger.refundFailures.Store(0)
	n, err = h.orch.Reconcile(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 10, h.balance(t, "u1"))
}

func TestOrphanedReservationIsReleased(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.account(t, "u1", 10)

	_, err := h.ledger.Reserve(ctx, "u1", 4, "req-1")
	require.NoError(t, err)
	require.NoError(t, h.orch.Process(ctx, "u1", "req-1"))
	assert.Equal(t, 10, h.balance(t, "u1"))

	require.NoError(t, h.orch.Process(ctx, "u1", "never-submitted"))
}

func TestThumbnailOwnership(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.account(t, "u1", 10)
	h.account(t, "u2", 10)
	tpl := h.template(t, 1)

	done, err := h.orch.Generate(ctx, "u1", request(tpl, "req-1"))
	require.NoError(t, err)
	pending, err := h.orch.Submit(ctx, "u1", request(tpl, "req-2"))
	require.NoError(t, err)

	_, err = h.orch.Thumbnail(ctx, "u2", done.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.ErrorIs(t, h.orch.Delete(ctx, "u2", done.ID), apperr.ErrNotOwner)
	assert.ErrorIs(t, h.orch.Delete(ctx, "u1", pending.ID), ErrStillProcessing)
	assert.ErrorIs(t, h.orch.Delete(ctx, "u1", "missing"), apperr.ErrNotFound)

	list, err := h.orch.Thumbnails(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, pending.ID, list[0].ID, "newest first")
	assert.Equal(t, "mem://"+done.Locator, list[1].URL)

	require.NoError(t, h.orch.Delete(ctx, "u1", done.ID))
	_, err = h.orch.Thumbnail(ctx, "u1", done.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = h.orch.Submit(ctx, "u1", request(tpl, "req-1"))
	assert.ErrorIs(t, err, apperr.ErrAlreadyExists, "a used key is not charged again")
	assert.Equal(t, 8, h.balance(t, "u1"))
}
