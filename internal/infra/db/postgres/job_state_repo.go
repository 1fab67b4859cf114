package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"

	"screening-engine/internal/config"
	"screening-engine/internal/domain"
	"screening-engine/internal/domain/model"
	"screening-engine/internal/domain/ports/repository"
	"screening-engine/internal/infra/metrics"
)

var _ repository.JobStateStore = (*JobStateRepo)(nil)

const uniqueViolation = "23505"

const batchColumns = `id, status, cancel_requested, pending, processing, completed, errored, cancelled,
  item_ids, selection, task, request, created_at, expires_at, finished_at`

// JobStateRepo is the Postgres job state store. Every item write locks the
// batch row, so counts and finalization commit with the item itself.
type JobStateRepo struct {
	pool *pgxpool.Pool
	tm   repository.TransactionManager
	log  *zerolog.Logger
	now  func() time.Time
}

func NewJobStateRepo(pool *pgxpool.Pool, tm repository.TransactionManager, logger *zerolog.Logger) *JobStateRepo {
	l := logger.With().Str("component", "PostgresJobStateStore").Logger()
	return &JobStateRepo{pool: pool, tm: tm, log: &l, now: time.Now}
}

func (r *JobStateRepo) CreateBatch(ctx context.Context, batch *model.BatchJob, items []model.ItemRecord) error {
	start := r.now()
	if batch == nil || batch.ID == "" || batch.ExpiresAt.IsZero() {
		return domain.ErrInvalidArgument
	}
	itemIDs, err := json.Marshal(batch.ItemIDs)
	if err != nil {
		return err
	}
	sel, err := json.Marshal(batch.Selection)
	if err != nil {
		return err
	}
	task, err := json.Marshal(batch.Task)
	if err != nil {
		return err
	}
	req, err := json.Marshal(batch.Request)
	if err != nil {
		return err
	}

	var counts model.Counts
	rows := make([][]interface{}, 0, len(items))
	for i, it := range items {
		out, err := outcomeArg(it.Outcome)
		if err != nil {
			return err
		}
		rows = append(rows, []interface{}{
			batch.ID, it.ID, i, it.SystemPrompt, it.Prompt, string(it.Status), it.Attempts, out, it.UpdatedAt,
		})
		counts.Move("", it.Status)
	}

	err = r.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		const q = `
INSERT INTO screening_batches (id, status, cancel_requested, pending, processing, completed, errored, cancelled,
  item_ids, selection, task, request, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14);`
		if _, err := execSQL(ctx, r.pool, tx, q,
			batch.ID, string(batch.Status), batch.CancelRequested,
			counts.Pending, counts.Processing, counts.Completed, counts.Error, counts.Cancelled,
			string(itemIDs), string(sel), string(task), string(req), batch.CreatedAt, batch.ExpiresAt,
		); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return fmt.Errorf("batch %s: %w", batch.ID, domain.ErrAlreadyExists)
			}
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		ex, err := getExecutor(r.pool, tx)
		if err != nil {
			return err
		}
		_, err = ex.CopyFrom(ctx, pgx.Identifier{"screening_items"},
			[]string{"batch_id", "item_id", "position", "system_prompt", "prompt", "status", "attempts", "outcome", "updated_at"},
			pgx.CopyFromRows(rows))
		return err
	})
	if err != nil {
		return err
	}
	batch.Counts = counts
	metrics.ObserveStoreWrite(config.BackendPostgres, "create", r.now().Sub(start))
	return nil
}

func outcomeArg(o *model.Outcome) (interface{}, error) {
	if o == nil {
		return nil, nil
	}
	b, err := json.Marshal(o)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// lockBatch reads a live batch row and holds its lock until the tx ends.
func (r *JobStateRepo) lockBatch(ctx context.Context, tx repository.Tx, batchID string) (*model.BatchJob, error) {
	row, err := pickRow(ctx, r.pool, tx,
		`SELECT `+batchColumns+` FROM screening_batches WHERE id = $1 AND expires_at > $2 FOR UPDATE;`,
		batchID, r.now())
	if err != nil {
		return nil, err
	}
	b, err := scanBatch(row)
	if err != nil {
		return nil, fmt.Errorf("batch %s: %w", batchID, err)
	}
	return b, nil
}

func (r *JobStateRepo) SetBatchStatus(ctx context.Context, batchID string, status model.BatchStatus) error {
	if status.Terminal() {
		return fmt.Errorf("status %s is set by item writes only: %w", status, domain.ErrInvalidArgument)
	}
	return r.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		b, err := r.lockBatch(ctx, tx, batchID)
		if err != nil {
			return err
		}
		if b.Status.Terminal() {
			return domain.ErrBatchFinalized
		}
		_, err = execSQL(ctx, r.pool, tx, `UPDATE screening_batches SET status = $2 WHERE id = $1;`, batchID, string(status))
		return err
	})
}

func (r *JobStateRepo) UpdateItem(ctx context.Context, batchID, itemID string, u model.ItemUpdate) (model.UpdateResult, error) {
	start := r.now()
	var out model.UpdateResult

	err := r.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		b, err := r.lockBatch(ctx, tx, batchID)
		if err != nil {
			return err
		}
		row, err := pickRow(ctx, r.pool, tx, `
SELECT item_id, batch_id, system_prompt, prompt, status, attempts, outcome, updated_at
FROM screening_items WHERE batch_id = $1 AND item_id = $2 FOR UPDATE;`, batchID, itemID)
		if err != nil {
			return err
		}
		rec, err := scanItem(row)
		if err != nil {
			return fmt.Errorf("item %s/%s: %w", batchID, itemID, err)
		}

		now := r.now()
		next, err := rec.Apply(u, now)
		if err != nil {
			out.Item = rec
			return err
		}
		outcome, err := outcomeArg(next.Outcome)
		if err != nil {
			return err
		}
		if _, err := execSQL(ctx, r.pool, tx, `
UPDATE screening_items SET status = $3, attempts = $4, outcome = $5, updated_at = $6
WHERE batch_id = $1 AND item_id = $2;`,
			batchID, itemID, string(next.Status), next.Attempts, outcome, next.UpdatedAt); err != nil {
			return err
		}

		counts := b.Counts
		counts.Move(rec.Status, next.Status)
		status := b.Status
		var finishedAt *time.Time
		finalized := false
		if !status.Terminal() {
			if st, ok := model.FinalStatus(counts); ok {
				status, finalized = st, true
				finishedAt = &now
			}
		}
		if _, err := execSQL(ctx, r.pool, tx, `
UPDATE screening_batches
SET pending = $2, processing = $3, completed = $4, errored = $5, cancelled = $6,
    status = $7, finished_at = COALESCE($8, finished_at)
WHERE id = $1;`,
			batchID, counts.Pending, counts.Processing, counts.Completed, counts.Error, counts.Cancelled,
			string(status), finishedAt); err != nil {
			return err
		}

		out = model.UpdateResult{Item: next, Counts: counts, Finalized: finalized, Status: status}
		return nil
	})
	if err != nil {
		return out, err
	}
	metrics.ObserveStoreWrite(config.BackendPostgres, "update_item", r.now().Sub(start))
	return out, nil
}

func scanBatch(row pgx.Row) (*model.BatchJob, error) {
	var (
		b                       model.BatchJob
		status                  string
		itemIDs, sel, task, req []byte
	)
	if err := row.Scan(&b.ID, &status, &b.CancelRequested,
		&b.Counts.Pending, &b.Counts.Processing, &b.Counts.Completed, &b.Counts.Error, &b.Counts.Cancelled,
		&itemIDs, &sel, &task, &req, &b.CreatedAt, &b.ExpiresAt, &b.FinishedAt); err != nil {
		return nil, err
	}
	b.Status = model.BatchStatus(status)
	for _, f := range []struct {
		raw []byte
		dst interface{}
	}{{itemIDs, &b.ItemIDs}, {sel, &b.Selection}, {task, &b.Task}, {req, &b.Request}} {
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("decode batch %s: %w", b.ID, err)
		}
	}
	return &b, nil
}

func scanItem(row pgx.Row) (model.ItemRecord, error) {
	var (
		rec     model.ItemRecord
		status  string
		outcome []byte
	)
	if err := row.Scan(&rec.ID, &rec.BatchID, &rec.SystemPrompt, &rec.Prompt, &status, &rec.Attempts, &outcome, &rec.UpdatedAt); err != nil {
		return rec, err
	}
	rec.Status = model.ItemStatus(status)
	if len(outcome) > 0 {
		var o model.Outcome
		if err := json.Unmarshal(outcome, &o); err != nil {
			return rec, fmt.Errorf("decode outcome of %s: %w", rec.ID, err)
		}
		rec.Outcome = &o
	}
	return rec, nil
}

func (r *JobStateRepo) GetBatchMeta(ctx context.Context, batchID string) (*model.BatchJob, error) {
	row, err := pickRow(ctx, r.pool, nil,
		`SELECT `+batchColumns+` FROM screening_batches WHERE id = $1 AND expires_at > $2;`, batchID, r.now())
	if err != nil {
		return nil, err
	}
	return scanBatch(row)
}

func (r *JobStateRepo) GetBatch(ctx context.Context, batchID string) (*model.BatchSnapshot, error) {
	var snap *model.BatchSnapshot
	// one snapshot: counts and items must agree
	err := r.tm.WithTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(ctx context.Context, tx repository.Tx) error {
		row, err := pickRow(ctx, r.pool, tx,
			`SELECT `+batchColumns+` FROM screening_batches WHERE id = $1 AND expires_at > $2;`, batchID, r.now())
		if err != nil {
			return err
		}
		b, err := scanBatch(row)
		if err != nil {
			return err
		}
		rows, err := queryRows(ctx, r.pool, tx, `
SELECT item_id, batch_id, system_prompt, prompt, status, attempts, outcome, updated_at
FROM screening_items WHERE batch_id = $1 ORDER BY position;`, batchID)
		if err != nil {
			return err
		}
		defer rows.Close()
		items := make([]model.ItemRecord, 0, len(b.ItemIDs))
		for rows.Next() {
			rec, err := scanItem(rows)
			if err != nil {
				return err
			}
			items = append(items, rec)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		snap = &model.BatchSnapshot{Batch: *b, Items: items}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (r *JobStateRepo) ListActiveBatches(ctx context.Context) ([]string, error) {
	rows, err := queryRows(ctx, r.pool, nil, `
SELECT id FROM screening_batches
WHERE status IN ('uploading', 'processing') AND expires_at > $1
ORDER BY created_at;`, r.now())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *JobStateRepo) MarkCancelRequested(ctx context.Context, batchID string) (*model.BatchJob, error) {
	if _, err := execSQL(ctx, r.pool, nil, `
UPDATE screening_batches SET cancel_requested = TRUE
WHERE id = $1 AND expires_at > $2 AND status IN ('uploading', 'processing');`, batchID, r.now()); err != nil {
		return nil, err
	}
	return r.GetBatchMeta(ctx, batchID)
}

func (r *JobStateRepo) DeleteBatch(ctx context.Context, batchID string) error {
	start := r.now()
	tag, err := execSQL(ctx, r.pool, nil,
		`DELETE FROM screening_batches WHERE id = $1 AND expires_at > $2;`, batchID, r.now())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	metrics.ObserveStoreWrite(config.BackendPostgres, "delete", r.now().Sub(start))
	return nil
}

// SweepExpired deletes batches (and, by cascade, their items) whose
// retention ended before now.
func (r *JobStateRepo) SweepExpired(ctx context.Context) (int, error) {
	tag, err := execSQL(ctx, r.pool, nil, `DELETE FROM screening_batches WHERE expires_at <= $1;`, r.now())
	if err != nil {
		return 0, err
	}
	n := int(tag.RowsAffected())
	if n > 0 {
		r.log.Info().Int("batches", n).Msg("swept expired batches")
	}
	return n, nil
}
