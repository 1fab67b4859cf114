//go:build !integration

package usecase

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"screening-engine/internal/domain"
	"screening-engine/internal/domain/model"
	"screening-engine/internal/domain/ports/adapter"
	"screening-engine/internal/domain/ports/repository"
)

// =============================
// Job state store
// =============================

// MockJobStateStore keeps batches in memory with the same transition and
// finalization rules as the real stores.
type MockJobStateStore struct {
	mu      sync.Mutex
	batches map[string]*model.BatchJob
	items   map[string]map[string]model.ItemRecord
	now     func() time.Time

	// UpdateItemFunc, when set, runs before the default behaviour and can
	// fail the write.
	UpdateItemFunc func(batchID, itemID string, u model.ItemUpdate) error
	finalized      int
}

var _ repository.JobStateStore = (*MockJobStateStore)(nil)

func NewMockJobStateStore() *MockJobStateStore {
	return &MockJobStateStore{
		batches: map[string]*model.BatchJob{},
		items:   map[string]map[string]model.ItemRecord{},
		now:     time.Now,
	}
}

func cloneBatch(b *model.BatchJob) *model.BatchJob {
	cp := *b
	cp.ItemIDs = append([]string(nil), b.ItemIDs...)
	return &cp
}

// live returns the batch unless it is missing or expired. Caller holds mu.
func (s *MockJobStateStore) live(batchID string) (*model.BatchJob, error) {
	b, ok := s.batches[batchID]
	if !ok || b.Expired(s.now()) {
		return nil, domain.ErrNotFound
	}
	return b, nil
}

func (s *MockJobStateStore) CreateBatch(ctx context.Context, batch *model.BatchJob, items []model.ItemRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[batch.ID]; ok {
		return domain.ErrAlreadyExists
	}
	var counts model.Counts
	recs := make(map[string]model.ItemRecord, len(items))
	for _, it := range items {
		recs[it.ID] = it
		counts.Move("", it.Status)
	}
	batch.Counts = counts
	s.batches[batch.ID] = cloneBatch(batch)
	s.items[batch.ID] = recs
	return nil
}

func (s *MockJobStateStore) SetBatchStatus(ctx context.Context, batchID string, status model.BatchStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status.Terminal() {
		return domain.ErrInvalidArgument
	}
	b, err := s.live(batchID)
	if err != nil {
		return err
	}
	if b.Status.Terminal() {
		return domain.ErrBatchFinalized
	}
	b.Status = status
	return nil
}

func (s *MockJobStateStore) UpdateItem(ctx context.Context, batchID, itemID string, u model.ItemUpdate) (model.UpdateResult, error) {
	if s.UpdateItemFunc != nil {
		if err := s.UpdateItemFunc(batchID, itemID, u); err != nil {
			return model.UpdateResult{}, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.live(batchID)
	if err != nil {
		return model.UpdateResult{}, err
	}
	rec, ok := s.items[batchID][itemID]
	if !ok {
		return model.UpdateResult{}, domain.ErrNotFound
	}
	next, err := rec.Apply(u, s.now())
	if err != nil {
		return model.UpdateResult{Item: rec}, err
	}
	s.items[batchID][itemID] = next
	b.Counts.Move(rec.Status, next.Status)

	res := model.UpdateResult{Item: next, Counts: b.Counts, Status: b.Status}
	if !b.Status.Terminal() {
		if st, ok := model.FinalStatus(b.Counts); ok {
			t := s.now()
			b.Status, b.FinishedAt = st, &t
			res.Status, res.Finalized = st, true
			s.finalized++
		}
	}
	return res, nil
}

func (s *MockJobStateStore) GetBatch(ctx context.Context, batchID string) (*model.BatchSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.live(batchID)
	if err != nil {
		return nil, err
	}
	snap := &model.BatchSnapshot{Batch: *cloneBatch(b)}
	for _, id := range b.ItemIDs {
		snap.Items = append(snap.Items, s.items[batchID][id])
	}
	return snap, nil
}

func (s *MockJobStateStore) GetBatchMeta(ctx context.Context, batchID string) (*model.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.live(batchID)
	if err != nil {
		return nil, err
	}
	return cloneBatch(b), nil
}

func (s *MockJobStateStore) ListActiveBatches(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, b := range s.batches {
		if !b.Status.Terminal() && !b.Expired(s.now()) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MockJobStateStore) MarkCancelRequested(ctx context.Context, batchID string) (*model.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.live(batchID)
	if err != nil {
		return nil, err
	}
	if !b.Status.Terminal() {
		b.CancelRequested = true
	}
	return cloneBatch(b), nil
}

func (s *MockJobStateStore) DeleteBatch(ctx context.Context, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.live(batchID); err != nil {
		return err
	}
	delete(s.batches, batchID)
	delete(s.items, batchID)
	return nil
}

// seed stores a batch with pre-built item records, bypassing SubmitBatch.
func (s *MockJobStateStore) seed(b *model.BatchJob, items []model.ItemRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b.Counts = model.Counts{}
	recs := make(map[string]model.ItemRecord, len(items))
	for _, it := range items {
		b.ItemIDs = append(b.ItemIDs, it.ID)
		b.Counts.Move("", it.Status)
		recs[it.ID] = it
	}
	s.batches[b.ID] = cloneBatch(b)
	s.items[b.ID] = recs
}

func (s *MockJobStateStore) Finalizations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalized
}

// =============================
// Adapters
// =============================

// itemLLM replays a per-item script keyed by the prompt text, repeating the
// last entry. Prompts without a script succeed with INCLUDE.
type itemLLM struct {
	mu      sync.Mutex
	scripts map[string][]model.Outcome
	calls   map[string]int
	block   bool          // wait for ctx instead of answering
	delay   time.Duration // simulated provider latency
	peak    int
	cur     int
}

func newItemLLM(scripts map[string][]model.Outcome) *itemLLM {
	return &itemLLM{scripts: scripts, calls: map[string]int{}}
}

func (l *itemLLM) Invoke(ctx context.Context, req model.Request, p model.ProviderProfile) (model.Outcome, time.Duration) {
	l.mu.Lock()
	i := l.calls[req.Prompt]
	l.calls[req.Prompt]++
	l.cur++
	if l.cur > l.peak {
		l.peak = l.cur
	}
	script, block, delay := l.scripts[req.Prompt], l.block, l.delay
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.cur--
		l.mu.Unlock()
	}()

	if block {
		<-ctx.Done()
		return model.Failed(model.NewFailure(model.FailureCancelled, ctx.Err().Error())), 0
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if len(script) == 0 {
		return okRaw("INCLUDE"), time.Millisecond
	}
	if i >= len(script) {
		i = len(script) - 1
	}
	return script[i], time.Millisecond
}

func (l *itemLLM) Calls(prompt string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[prompt]
}

// Peak is the highest number of calls seen running at once.
func (l *itemLLM) Peak() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peak
}

func (l *itemLLM) TotalCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.calls {
		n += c
	}
	return n
}

type MockNotifier struct {
	mu    sync.Mutex
	Views []model.BatchStatusView
	Err   error
}

var _ adapter.BatchNotifier = (*MockNotifier)(nil)

func (n *MockNotifier) BatchFinished(ctx context.Context, view model.BatchStatusView) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Views = append(n.Views, view)
	return n.Err
}

func (n *MockNotifier) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.Views)
}

type providerSet map[string]bool

func (p providerSet) Has(provider string) bool { return p[provider] }

func itemID(i int) string { return fmt.Sprintf("item-%02d", i) }
