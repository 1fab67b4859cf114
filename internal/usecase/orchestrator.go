// File: internal/usecase/orchestrator.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"screening-engine/internal/config"
	"screening-engine/internal/domain"
	"screening-engine/internal/domain/model"
	"screening-engine/internal/domain/ports/adapter"
	"screening-engine/internal/domain/ports/repository"
	portsuc "screening-engine/internal/domain/ports/usecase"
	"screening-engine/internal/infra/logging"
	"screening-engine/internal/infra/metrics"
)

var _ portsuc.BatchService = (*Orchestrator)(nil)

// ProviderSet reports which provider families have an adapter.
type ProviderSet interface {
	Has(provider string) bool
}

// runningBatch is the in-process state of a batch this instance works on.
type runningBatch struct {
	id        string
	ctx       context.Context
	cancel    context.CancelFunc
	validator *ResponseValidator

	mu            sync.Mutex
	userCancelled bool

	workers int // guarded by Orchestrator.mu
}

func (rb *runningBatch) cancelled() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.userCancelled
}

// Orchestrator runs batches: one goroutine per item drives the retry
// controller and every state change is written to the job state store
// before it is acted on.
type Orchestrator struct {
	store     repository.JobStateStore
	retry     *RetryController
	profiles  *model.ProfileRegistry
	providers ProviderSet
	notifier  adapter.BatchNotifier
	cfg       config.OrchestratorConfig
	retention time.Duration
	log       *zerolog.Logger
	now       func() time.Time

	root context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu       sync.Mutex
	running  map[string]*runningBatch
	inflight map[string]struct{}
}

// NewOrchestrator wires the service. providers and notifier may be nil.
func NewOrchestrator(
	store repository.JobStateStore,
	retry *RetryController,
	profiles *model.ProfileRegistry,
	providers ProviderSet,
	notifier adapter.BatchNotifier,
	cfg config.OrchestratorConfig,
	retention time.Duration,
	logger *zerolog.Logger,
) *Orchestrator {
	l := logger.With().Str("component", "Orchestrator").Logger()
	root, stop := context.WithCancel(context.Background())
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	return &Orchestrator{
		store:     store,
		retry:     retry,
		profiles:  profiles,
		providers: providers,
		notifier:  notifier,
		cfg:       cfg,
		retention: retention,
		log:       &l,
		now:       time.Now,
		root:      root,
		stop:      stop,
		running:   make(map[string]*runningBatch),
		inflight:  make(map[string]struct{}),
	}
}

func inflightKey(batchID, itemID string) string { return batchID + "/" + itemID }

func validateRequest(c model.RequestConfig) error {
	if t := c.Temperature; t != nil && (*t < 0 || *t > 2) {
		return fmt.Errorf("temperature %.2f out of range [0,2]: %w", *t, domain.ErrInvalidArgument)
	}
	if p := c.TopP; p != nil && (*p < 0 || *p > 1) {
		return fmt.Errorf("top_p %.2f out of range [0,1]: %w", *p, domain.ErrInvalidArgument)
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("max_tokens %d: %w", c.MaxTokens, domain.ErrInvalidArgument)
	}
	return nil
}

// SubmitBatch validates the input, stores the batch and its items, and
// starts the work. It returns once the batch is durable.
func (o *Orchestrator) SubmitBatch(ctx context.Context, in portsuc.SubmitBatchInput) (string, error) {
	defer logging.TraceDuration(o.log, "Orchestrator.SubmitBatch")()

	if len(in.Items) == 0 {
		return "", fmt.Errorf("no items: %w", domain.ErrInvalidArgument)
	}
	sel := in.Selection.Resolve()
	if sel.Model == "" {
		return "", fmt.Errorf("model is required: %w", domain.ErrInvalidArgument)
	}
	if o.providers != nil && !o.providers.Has(sel.Provider) {
		return "", fmt.Errorf("provider %q: %w", sel.Provider, domain.ErrUnknownProvider)
	}
	task, err := in.Task.Normalize()
	if err != nil {
		return "", err
	}
	if err := validateRequest(in.Request); err != nil {
		return "", err
	}

	now := o.now().UTC()
	batch := &model.BatchJob{
		ID:        ulid.Make().String(),
		CreatedAt: now,
		ExpiresAt: now.Add(o.retention),
		Selection: sel,
		Task:      task,
		Request:   in.Request,
		Status:    model.BatchUploading,
	}
	seen := make(map[string]struct{}, len(in.Items))
	items := make([]model.ItemRecord, 0, len(in.Items))
	for i, it := range in.Items {
		id := strings.TrimSpace(it.ItemID)
		if id == "" {
			id = uuid.NewString()
		}
		if _, dup := seen[id]; dup {
			return "", fmt.Errorf("duplicate item id %q: %w", id, domain.ErrInvalidArgument)
		}
		seen[id] = struct{}{}
		if strings.TrimSpace(it.Prompt) == "" {
			return "", fmt.Errorf("item #%d (%s) has an empty prompt: %w", i, id, domain.ErrInvalidArgument)
		}
		batch.ItemIDs = append(batch.ItemIDs, id)
		items = append(items, model.ItemRecord{
			ID:           id,
			BatchID:      batch.ID,
			SystemPrompt: it.SystemPrompt,
			Prompt:       it.Prompt,
			Status:       model.ItemPending,
			UpdatedAt:    now,
		})
	}

	if err := o.store.CreateBatch(ctx, batch, items); err != nil {
		return "", fmt.Errorf("create batch: %w", err)
	}
	if err := o.store.SetBatchStatus(ctx, batch.ID, model.BatchProcessing); err != nil {
		// the batch stays "uploading"; recovery picks it up
		return batch.ID, fmt.Errorf("start batch %s: %w", batch.ID, err)
	}
	batch.Status = model.BatchProcessing
	metrics.IncBatchSubmitted()

	o.log.Info().Str("batch_id", batch.ID).Int("items", len(items)).Str("lane", sel.String()).Msg("batch submitted")
	for _, rec := range items {
		o.launch(batch, rec)
	}
	return batch.ID, nil
}

// runningFor returns the in-process state of a batch, creating it on first
// use. Caller holds o.mu.
func (o *Orchestrator) runningFor(b *model.BatchJob) *runningBatch {
	if rb, ok := o.running[b.ID]; ok {
		return rb
	}
	ctx, cancel := context.WithCancel(o.root)
	rb := &runningBatch{id: b.ID, ctx: ctx, cancel: cancel, validator: NewResponseValidator(b.Task)}
	o.running[b.ID] = rb
	return rb
}

// launch starts a worker for rec unless this process already runs it.
func (o *Orchestrator) launch(b *model.BatchJob, rec model.ItemRecord) bool {
	key := inflightKey(b.ID, rec.ID)
	o.mu.Lock()
	if _, busy := o.inflight[key]; busy {
		o.mu.Unlock()
		return false
	}
	o.inflight[key] = struct{}{}
	rb := o.runningFor(b)
	rb.workers++
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.done(rb, key)
		o.runItem(rb, b, rec)
	}()
	return true
}

func (o *Orchestrator) done(rb *runningBatch, key string) {
	o.mu.Lock()
	delete(o.inflight, key)
	rb.workers--
	if rb.workers == 0 && o.running[rb.id] == rb {
		delete(o.running, rb.id)
		rb.cancel()
	}
	o.mu.Unlock()
}

func (o *Orchestrator) runItem(rb *runningBatch, b *model.BatchJob, rec model.ItemRecord) {
	ctx := logging.WithItemID(logging.WithBatchID(rb.ctx, b.ID), rec.ID)
	log := logging.With(ctx, o.log)

	profile := o.profiles.Lookup(b.Selection)
	req := model.NewRequest(b.ID, rec, b.Task.Type, b.Selection, b.Request)

	record := func(ctx context.Context, attempt int, last *model.Outcome) error {
		_, err := o.store.UpdateItem(ctx, b.ID, rec.ID, model.ItemUpdate{Status: model.ItemProcessing, Attempts: attempt, Outcome: last})
		return err
	}
	res, err := o.retry.Run(ctx, RetryInput{
		Request:       req,
		Profile:       profile,
		Task:          b.Task,
		PriorAttempts: rec.Attempts,
		LastOutcome:   rec.Outcome,
		Validator:     rb.validator,
		Record:        record,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrNotFound):
			log.Debug().Err(err).Msg("item no longer workable")
		case ctx.Err() != nil:
			log.Debug().Err(err).Msg("attempt not recorded before shutdown")
		default:
			log.Error().Err(err).Msg("could not record attempt; leaving item for recovery")
		}
		return
	}

	status := model.ItemError
	switch {
	case res.Outcome.IsSuccess():
		status = model.ItemCompleted
	case res.Outcome.Failure != nil && res.Outcome.Failure.Kind == model.FailureCancelled:
		if !rb.cancelled() {
			// process shutdown, not a user cancel: recovery resumes the item
			log.Info().Int("attempts", res.Attempts).Msg("item interrupted")
			return
		}
		status = model.ItemCancelled
	}
	o.finishItem(ctx, b.ID, rec.ID, model.ItemUpdate{Status: status, Outcome: &res.Outcome, Attempts: res.Attempts})
}

// finishItem writes a terminal item state with a context that survives
// cancellation of the batch, then fires batch finalization if this write
// completed the batch.
func (o *Orchestrator) finishItem(ctx context.Context, batchID, itemID string, u model.ItemUpdate) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	log := logging.With(ctx, o.log)

	res, err := o.store.UpdateItem(wctx, batchID, itemID, u)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrNotFound) {
			log.Debug().Err(err).Msg("terminal write skipped")
			return
		}
		log.Error().Err(err).Str("status", string(u.Status)).Msg("could not store item result")
		return
	}
	metrics.IncItemFinalized(string(u.Status))
	log.Debug().Str("status", string(u.Status)).Int("attempts", res.Item.Attempts).Msg("item finished")
	if res.Finalized {
		o.batchFinished(wctx, batchID, res.Status)
	}
}

func (o *Orchestrator) batchFinished(ctx context.Context, batchID string, status model.BatchStatus) {
	metrics.IncBatchFinalized(string(status))
	o.log.Info().Str("batch_id", batchID).Str("status", string(status)).Msg("batch finished")
	if o.notifier == nil {
		return
	}
	meta, err := o.store.GetBatchMeta(ctx, batchID)
	if err != nil {
		o.log.Warn().Err(err).Str("batch_id", batchID).Msg("finished batch not readable for notification")
		return
	}
	if err := o.notifier.BatchFinished(ctx, meta.StatusView()); err != nil {
		o.log.Warn().Err(err).Str("batch_id", batchID).Msg("completion notification failed")
	}
}

func (o *Orchestrator) GetStatus(ctx context.Context, batchID string) (*model.BatchStatusView, error) {
	meta, err := o.store.GetBatchMeta(ctx, batchID)
	if err != nil {
		return nil, err
	}
	v := meta.StatusView()
	return &v, nil
}

// GetResults returns one result per item in submission order. While the
// batch runs, non-terminal items are reported with their current status.
func (o *Orchestrator) GetResults(ctx context.Context, batchID string) ([]model.ItemResult, error) {
	snap, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	out := make([]model.ItemResult, 0, len(snap.Items))
	for _, it := range snap.Items {
		out = append(out, it.Result())
	}
	return out, nil
}

// CancelBatch is idempotent. In-flight and queued calls of this process
// are aborted; items nobody here is working on are cancelled directly.
func (o *Orchestrator) CancelBatch(ctx context.Context, batchID string) error {
	meta, err := o.store.MarkCancelRequested(ctx, batchID)
	if err != nil {
		return err
	}
	if meta.Status.Terminal() {
		return nil
	}
	o.log.Info().Str("batch_id", batchID).Msg("cancel requested")
	o.cancelLocal(batchID)
	_, err = o.cancelOrphans(ctx, batchID)
	return err
}

func (o *Orchestrator) cancelLocal(batchID string) {
	o.mu.Lock()
	rb, ok := o.running[batchID]
	o.mu.Unlock()
	if !ok {
		return
	}
	rb.mu.Lock()
	rb.userCancelled = true
	rb.mu.Unlock()
	rb.cancel()
}

// cancelOrphans moves every non-terminal item that no local worker owns to
// cancelled.
func (o *Orchestrator) cancelOrphans(ctx context.Context, batchID string) (int, error) {
	snap, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, it := range snap.Items {
		if it.Status.Terminal() || o.isInflight(batchID, it.ID) {
			continue
		}
		o.finishItem(ctx, batchID, it.ID, model.ItemUpdate{Status: model.ItemCancelled, Attempts: it.Attempts})
		n++
	}
	return n, nil
}

func (o *Orchestrator) isInflight(batchID, itemID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inflight[inflightKey(batchID, itemID)]
	return ok
}

// DeleteBatch stops local work on the batch and removes it from the store.
func (o *Orchestrator) DeleteBatch(ctx context.Context, batchID string) error {
	o.mu.Lock()
	rb, ok := o.running[batchID]
	o.mu.Unlock()
	if ok {
		rb.cancel()
	}
	if err := o.store.DeleteBatch(ctx, batchID); err != nil {
		return err
	}
	o.log.Info().Str("batch_id", batchID).Msg("batch deleted")
	return nil
}

func (o *Orchestrator) ListActive(ctx context.Context) ([]model.BatchStatusView, error) {
	ids, err := o.store.ListActiveBatches(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.BatchStatusView, 0, len(ids))
	for _, id := range ids {
		meta, err := o.store.GetBatchMeta(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, meta.StatusView())
	}
	return out, nil
}

// Recover scans active batches for work no process is doing: pending or
// processing items not run here and idle longer than the stale threshold,
// and batches whose cancellation was requested elsewhere. Items that already
// spent their attempt budget are closed as errors. It returns the number
// of items it touched.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	defer logging.TraceDuration(o.log, "Orchestrator.Recover")()

	ids, err := o.store.ListActiveBatches(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active batches: %w", err)
	}
	total := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := o.recoverBatch(ctx, id)
		total += n
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			o.log.Error().Err(err).Str("batch_id", id).Msg("batch recovery failed")
		}
	}
	return total, nil
}

func (o *Orchestrator) recoverBatch(ctx context.Context, batchID string) (int, error) {
	snap, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return 0, err
	}
	b := snap.Batch
	if b.Status.Terminal() {
		return 0, nil
	}
	if b.CancelRequested {
		o.cancelLocal(batchID)
		return o.cancelOrphans(ctx, batchID)
	}
	if b.Status == model.BatchUploading {
		if err := o.store.SetBatchStatus(ctx, batchID, model.BatchProcessing); err != nil {
			return 0, err
		}
		b.Status = model.BatchProcessing
	}

	profile := o.profiles.Lookup(b.Selection)
	now := o.now()
	n := 0
	for _, it := range snap.Items {
		if it.Status.Terminal() || o.isInflight(batchID, it.ID) {
			continue
		}
		// a fresh pending item may belong to an instance that has not
		// recorded its first attempt yet
		if now.Sub(it.UpdatedAt) < o.cfg.StaleAfter {
			continue
		}
		if it.Attempts >= profile.MaxAttempts() {
			o.finishItem(ctx, batchID, it.ID, model.ItemUpdate{Status: model.ItemError, Outcome: exhaustedOutcome(it.Outcome), Attempts: it.Attempts})
			metrics.IncItemRecovered(string(it.Status))
			n++
			continue
		}
		if o.launch(&b, it) {
			metrics.IncItemRecovered(string(it.Status))
			n++
		}
	}
	if n > 0 {
		o.log.Info().Str("batch_id", batchID).Int("items", n).Msg("recovered items")
	}
	return n, nil
}

// exhaustedOutcome is the final outcome of an item that ran out of attempts
// while no process owned it.
func exhaustedOutcome(last *model.Outcome) *model.Outcome {
	if last != nil && last.Failure != nil && last.Failure.Kind != model.FailureCancelled {
		return last
	}
	f := model.NewFailure(model.FailureProviderError, "attempt budget exhausted before a result was recorded").
		WithDetail("orphaned").WithRetriable(false)
	o := model.Failed(f)
	return &o
}

// Shutdown stops all local work and waits for workers to exit. Items left
// mid-flight stay processing and are resumed by recovery.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stop()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until no item worker is running (tests and CLI one-shot runs).
func (o *Orchestrator) Wait() { o.wg.Wait() }
