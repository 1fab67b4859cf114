package model

import (
	"fmt"
	"time"

	"screening-engine/internal/domain"
)

type BatchStatus string

const (
	BatchUploading           BatchStatus = "uploading"
	BatchProcessing          BatchStatus = "processing"
	BatchCompleted           BatchStatus = "completed"
	BatchCompletedWithErrors BatchStatus = "completed_with_errors"
	BatchCancelled           BatchStatus = "cancelled"
)

func (s BatchStatus) Terminal() bool {
	switch s {
	case BatchCompleted, BatchCompletedWithErrors, BatchCancelled:
		return true
	}
	return false
}

type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemProcessing ItemStatus = "processing"
	ItemCompleted  ItemStatus = "completed"
	ItemError      ItemStatus = "error"
	ItemCancelled  ItemStatus = "cancelled"
)

func (s ItemStatus) Terminal() bool {
	switch s {
	case ItemCompleted, ItemError, ItemCancelled:
		return true
	}
	return false
}

// CanTransition enforces forward-only item progress. processing->processing
// is allowed so each attempt can be recorded.
func (s ItemStatus) CanTransition(to ItemStatus) bool {
	switch s {
	case ItemPending:
		return to == ItemProcessing || to.Terminal()
	case ItemProcessing:
		return to == ItemProcessing || to.Terminal()
	}
	return false
}

// Counts is the per-status tally of a batch's items.
type Counts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Error      int `json:"error"`
	Cancelled  int `json:"cancelled"`
}

func (c *Counts) slot(s ItemStatus) *int {
	switch s {
	case ItemPending:
		return &c.Pending
	case ItemProcessing:
		return &c.Processing
	case ItemCompleted:
		return &c.Completed
	case ItemError:
		return &c.Error
	case ItemCancelled:
		return &c.Cancelled
	}
	return nil
}

// Move shifts one item between buckets.
func (c *Counts) Move(from, to ItemStatus) {
	if from == to {
		return
	}
	if p := c.slot(from); p != nil {
		*p--
	}
	if p := c.slot(to); p != nil {
		*p++
	}
}

func (c Counts) Outstanding() int { return c.Pending + c.Processing }

func (c Counts) Total() int {
	return c.Pending + c.Processing + c.Completed + c.Error + c.Cancelled
}

// FinalStatus decides the batch status once no item is outstanding.
// A batch is cancelled only if a cancel actually stopped an item; a cancel
// that arrived after every item finished leaves the normal outcome.
// ok is false while work remains.
func FinalStatus(c Counts) (status BatchStatus, ok bool) {
	if c.Outstanding() > 0 {
		return "", false
	}
	switch {
	case c.Cancelled > 0:
		return BatchCancelled, true
	case c.Error > 0:
		return BatchCompletedWithErrors, true
	default:
		return BatchCompleted, true
	}
}

type ItemInput struct {
	ItemID       string `json:"item_id"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	Prompt       string `json:"prompt"`
}

// BatchJob is the durable record of one submission.
type BatchJob struct {
	ID              string        `json:"id"`
	CreatedAt       time.Time     `json:"created_at"`
	ExpiresAt       time.Time     `json:"expires_at"`
	FinishedAt      *time.Time    `json:"finished_at,omitempty"`
	ItemIDs         []string      `json:"item_ids"`
	Selection       Selection     `json:"selection"`
	Task            TaskConfig    `json:"task"`
	Request         RequestConfig `json:"request"`
	Counts          Counts        `json:"counts"`
	Status          BatchStatus   `json:"status"`
	CancelRequested bool          `json:"cancel_requested"`
}

func (b *BatchJob) Expired(now time.Time) bool {
	return !b.ExpiresAt.IsZero() && !now.Before(b.ExpiresAt)
}

type ItemRecord struct {
	ID           string     `json:"id"`
	BatchID      string     `json:"batch_id"`
	SystemPrompt string     `json:"system_prompt,omitempty"`
	Prompt       string     `json:"prompt"`
	Status       ItemStatus `json:"status"`
	Outcome      *Outcome   `json:"outcome,omitempty"`
	Attempts     int        `json:"attempts"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// ItemUpdate is the delta written after each state change of an item.
type ItemUpdate struct {
	Status   ItemStatus `json:"status"`
	Outcome  *Outcome   `json:"outcome,omitempty"`
	Attempts int        `json:"attempts"`
}

// Apply validates the update against the current record and returns the
// new record. Attempts never decrease and terminal items never change.
func (r ItemRecord) Apply(u ItemUpdate, now time.Time) (ItemRecord, error) {
	if !r.Status.CanTransition(u.Status) {
		return r, fmt.Errorf("item %s %s -> %s: %w", r.ID, r.Status, u.Status, domain.ErrInvalidTransition)
	}
	if u.Attempts < r.Attempts {
		u.Attempts = r.Attempts
	}
	r.Status = u.Status
	r.Attempts = u.Attempts
	if u.Outcome != nil {
		r.Outcome = u.Outcome
	}
	r.UpdatedAt = now
	return r, nil
}

// UpdateResult reports the item after the write and whether that write
// completed the batch.
type UpdateResult struct {
	Item      ItemRecord
	Counts    Counts
	Finalized bool
	Status    BatchStatus
}

// BatchSnapshot is a batch with its items in submission order.
type BatchSnapshot struct {
	Batch BatchJob
	Items []ItemRecord
}

// ResultError is the public view of a terminal failure.
type ResultError struct {
	Kind       FailureKind `json:"kind"`
	Message    string      `json:"message"`
	HTTPStatus *int        `json:"http_status,omitempty"`
	Detail     string      `json:"detail,omitempty"`
}

type ItemResult struct {
	ItemID        string       `json:"item_id"`
	Status        ItemStatus   `json:"status"`
	Label         string       `json:"label,omitempty"`
	Justification string       `json:"justification,omitempty"`
	Flags         []string     `json:"flags,omitempty"`
	Attempts      int          `json:"attempts"`
	Usage         *TokenUsage  `json:"token_usage,omitempty"`
	Error         *ResultError `json:"error,omitempty"`
}

func (r ItemRecord) Result() ItemResult {
	res := ItemResult{ItemID: r.ID, Status: r.Status, Attempts: r.Attempts}
	if r.Outcome == nil {
		return res
	}
	if s := r.Outcome.Success; s != nil && r.Status == ItemCompleted {
		res.Label = s.Label
		res.Justification = s.Justification
		res.Flags = s.Flags
		u := s.Usage
		res.Usage = &u
	}
	if f := r.Outcome.Failure; f != nil && r.Status != ItemCompleted {
		res.Error = &ResultError{Kind: f.Kind, Message: f.Message, HTTPStatus: f.HTTPStatus, Detail: f.Detail}
	}
	return res
}

// BatchStatusView is what status queries return.
type BatchStatusView struct {
	BatchID   string      `json:"batch_id"`
	Status    BatchStatus `json:"status"`
	Counts    Counts      `json:"counts"`
	Total     int         `json:"total"`
	Selection Selection   `json:"selection"`
	CreatedAt time.Time   `json:"created_at"`
	ExpiresAt time.Time   `json:"expires_at"`
}

func (b *BatchJob) StatusView() BatchStatusView {
	return BatchStatusView{
		BatchID:   b.ID,
		Status:    b.Status,
		Counts:    b.Counts,
		Total:     len(b.ItemIDs),
		Selection: b.Selection,
		CreatedAt: b.CreatedAt,
		ExpiresAt: b.ExpiresAt,
	}
}
