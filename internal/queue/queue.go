package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openbatch/ft-sender/internal/events"
	"github.com/openbatch/ft-sender/internal/metrics"
	"github.com/openbatch/ft-sender/internal/repository/sqlite"
	"github.com/openbatch/ft-sender/internal/types"
)

var (
	ErrEmptyReceiver = errors.New("receiver must not be empty")
	ErrNotFound      = errors.New("item not found")
)

// NoRetryLimit disables the auto-stall check in RecoverFailedBatch.
const NoRetryLimit = -1

// DefaultFailureMessage is attached to failure events when the caller
// didn't provide a more specific one.
const DefaultFailureMessage = "batch failed"

type Config struct {
	// Coalescing merges a new enqueue into the single pending item for
	// the same receiver by summing amounts.
	Coalescing bool
	// DefaultHasStorageDeposit applies when a request doesn't say
	// whether the receiver is registered with the FT contract.
	DefaultHasStorageDeposit bool
}

// Queue is the durable transfer queue. Every operation that touches
// more than one row runs inside a single store transaction; lifecycle
// events are published only after commit.
type Queue struct {
	store  *sqlite.Store
	config *Config
	bus    *events.Bus
	log    *slog.Logger
}

// InFlight is a processing batch found at startup, with the items it
// owns. The signed blob is resubmitted verbatim.
type InFlight struct {
	BatchID  int64
	TxHash   string
	SignedTx []byte
	Items    []types.Item
}

// RecoverOptions controls how RecoverFailedBatch treats the items it
// returns to pending.
type RecoverOptions struct {
	// ErrorMessage is recorded on each item when non-empty.
	ErrorMessage string
	// MaxRetries stalls any item whose new retry count exceeds it.
	// NoRetryLimit disables the check.
	MaxRetries int
	// CountRetry increments retry_count on the recycled items. It is
	// false only when the batch failure has already been pinned on a
	// single stalled item and the siblings should retry cleanly.
	CountRetry bool
}

const itemColumns = `id, receiver, amount, memo, has_storage_deposit,
	retry_count, error_message, batch_id, is_stalled, created_at, updated_at`

func New(store *sqlite.Store, config *Config, bus *events.Bus) *Queue {
	return &Queue{
		store:  store,
		config: config,
		bus:    bus,
		log:    slog.With("component", "queue"),
	}
}

// Enqueue accepts a transfer request and returns the id of the item
// that carries it. With coalescing enabled the request may be merged
// into the existing pending item for the same receiver; the amounts
// are summed with arbitrary precision and the merged item keeps the
// newer memo and registration flag.
func (q *Queue) Enqueue(ctx context.Context, req types.TransferRequest) (int64, error) {
	if req.Receiver == "" {
		return 0, ErrEmptyReceiver
	}

	if _, err := parseAmount(req.Amount); err != nil {
		return 0, err
	}

	hasDeposit := q.config.DefaultHasStorageDeposit
	if req.HasStorageDeposit != nil {
		hasDeposit = *req.HasStorageDeposit
	}

	var (
		id        int64
		coalesced bool
	)

	err := q.store.WithTx(ctx, func(tx *sql.Tx) error {
		if q.config.Coalescing {
			var (
				existingID     int64
				existingAmount string
			)

			err := tx.QueryRowContext(ctx,
				`SELECT id, amount FROM items
				 WHERE receiver = ? AND batch_id IS NULL AND is_stalled = 0
				 LIMIT 1`,
				req.Receiver,
			).Scan(&existingID, &existingAmount)

			switch {
			case err == nil:
				merged, sumErr := sumAmounts(existingAmount, req.Amount)
				if sumErr != nil {
					return sumErr
				}

				_, err = tx.ExecContext(ctx,
					`UPDATE items
					 SET amount = ?, memo = ?, has_storage_deposit = ?,
					     updated_at = CURRENT_TIMESTAMP
					 WHERE id = ?`,
					merged, req.Memo, hasDeposit, existingID,
				)
				if err != nil {
					return fmt.Errorf("coalesce item %d: %w", existingID, err)
				}

				id = existingID
				coalesced = true

				return nil

			case errors.Is(err, sql.ErrNoRows):
				// fall through to insert

			default:
				return fmt.Errorf("coalescing lookup: %w", err)
			}
		}

		result, err := tx.ExecContext(ctx,
			`INSERT INTO items (receiver, amount, memo, has_storage_deposit)
			 VALUES (?, ?, ?, ?)`,
			req.Receiver, req.Amount, req.Memo, hasDeposit,
		)
		if err != nil {
			return fmt.Errorf("insert item: %w", err)
		}

		id, err = result.LastInsertId()
		if err != nil {
			return fmt.Errorf("new item id: %w", err)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	metrics.ItemsEnqueued.Inc()
	if coalesced {
		metrics.ItemsCoalesced.Inc()
	}

	if item, err := q.GetItem(ctx, id); err == nil {
		q.publish(events.Event{Kind: events.KindPushed, Item: item})
	}

	return id, nil
}

// Peek returns up to limit pending items in ascending id order. It is
// a read-only scheduling hint; claiming happens in AttachBatch.
func (q *Queue) Peek(ctx context.Context, limit int) ([]types.Item, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := q.store.DB().QueryContext(ctx,
		`SELECT `+itemColumns+` FROM items
		 WHERE batch_id IS NULL AND is_stalled = 0
		 ORDER BY id ASC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("peek: %w", err)
	}
	defer rows.Close()

	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}

	if len(items) > 0 {
		q.publish(events.Event{Kind: events.KindPeeked, Items: items})
	}

	return items, nil
}

// AttachBatch durably records the signed transaction and claims the
// given items for it in one transaction. This has to commit before the
// broadcast is attempted; the stored blob is what makes a crash
// recoverable.
func (q *Queue) AttachBatch(ctx context.Context, txHash string, signedTx []byte,
	itemIDs []int64) (int64, error) {

	if len(itemIDs) == 0 {
		return 0, errors.New("attach batch: no items")
	}

	var batchID int64

	err := q.store.WithTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`INSERT INTO batches (tx_hash, signed_tx, status)
			 VALUES (?, ?, ?)`,
			txHash, signedTx, types.StatusProcessing,
		)
		if err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}

		batchID, err = result.LastInsertId()
		if err != nil {
			return fmt.Errorf("new batch id: %w", err)
		}

		query := fmt.Sprintf(
			`UPDATE items SET batch_id = ?, updated_at = CURRENT_TIMESTAMP
			 WHERE id IN (%s) AND batch_id IS NULL`,
			placeholders(len(itemIDs)),
		)

		args := make([]any, 0, len(itemIDs)+1)
		args = append(args, batchID)
		for _, id := range itemIDs {
			args = append(args, id)
		}

		result, err = tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("claim items: %w", err)
		}

		claimed, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("claimed rows: %w", err)
		}

		if claimed != int64(len(itemIDs)) {
			return fmt.Errorf("claimed %d of %d items, aborting batch",
				claimed, len(itemIDs))
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return batchID, nil
}

// MarkBatchSuccess finalizes a confirmed batch: the chain-reported hash
// replaces the content hash, the blob is dropped, and every owned item
// is marked storage-registered, because the registration action, if
// there was one, has now persisted on-chain.
func (q *Queue) MarkBatchSuccess(ctx context.Context, batchID int64, txHash string) error {
	var items []types.Item

	err := q.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		items, err = batchItemsTx(ctx, tx, batchID)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE batches
			 SET status = ?, tx_hash = ?, signed_tx = NULL,
			     updated_at = CURRENT_TIMESTAMP
			 WHERE id = ?`,
			types.StatusSuccess, txHash, batchID,
		)
		if err != nil {
			return fmt.Errorf("finalize batch %d: %w", batchID, err)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE items
			 SET has_storage_deposit = 1, updated_at = CURRENT_TIMESTAMP
			 WHERE batch_id = ?`,
			batchID,
		)
		if err != nil {
			return fmt.Errorf("mark items registered: %w", err)
		}

		return nil
	})
	if err != nil {
		return err
	}

	metrics.ItemsSucceeded.Add(float64(len(items)))

	for i := range items {
		items[i].HasStorageDeposit = true
		q.publish(events.Event{
			Kind:   events.KindSuccess,
			Item:   &items[i],
			TxHash: txHash,
		})
	}

	return nil
}

// RecoverFailedBatch deletes the batch row and returns its items to
// pending in the same transaction. Depending on the options the items
// are penalized with a retry increment and possibly auto-stalled.
func (q *Queue) RecoverFailedBatch(ctx context.Context, batchID int64,
	opts RecoverOptions) error {

	var items []types.Item

	err := q.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		items, err = batchItemsTx(ctx, tx, batchID)
		if err != nil {
			return err
		}

		if opts.CountRetry {
			var errMsg any
			if opts.ErrorMessage != "" {
				errMsg = opts.ErrorMessage
			}

			_, err = tx.ExecContext(ctx,
				`UPDATE items
				 SET batch_id = NULL, retry_count = retry_count + 1,
				     error_message = COALESCE(?, error_message),
				     updated_at = CURRENT_TIMESTAMP
				 WHERE batch_id = ?`,
				errMsg, batchID,
			)
		} else {
			_, err = tx.ExecContext(ctx,
				`UPDATE items
				 SET batch_id = NULL, updated_at = CURRENT_TIMESTAMP
				 WHERE batch_id = ?`,
				batchID,
			)
		}
		if err != nil {
			return fmt.Errorf("release items of batch %d: %w", batchID, err)
		}

		if opts.CountRetry && opts.MaxRetries != NoRetryLimit {
			ids := make([]any, 0, len(items))
			for _, item := range items {
				ids = append(ids, item.ID)
			}

			if len(ids) > 0 {
				query := fmt.Sprintf(
					`UPDATE items SET is_stalled = 1, updated_at = CURRENT_TIMESTAMP
					 WHERE id IN (%s) AND retry_count > ?`,
					placeholders(len(ids)),
				)

				_, err = tx.ExecContext(ctx, query, append(ids, opts.MaxRetries)...)
				if err != nil {
					return fmt.Errorf("auto-stall items: %w", err)
				}
			}
		}

		_, err = tx.ExecContext(ctx, `DELETE FROM batches WHERE id = ?`, batchID)
		if err != nil {
			return fmt.Errorf("delete batch %d: %w", batchID, err)
		}

		return nil
	})
	if err != nil {
		return err
	}

	message := opts.ErrorMessage
	if message == "" {
		message = DefaultFailureMessage
	}

	for i := range items {
		// mirror the in-transaction updates for the event payload
		items[i].BatchID = nil
		if opts.CountRetry {
			items[i].RetryCount++
			if opts.ErrorMessage != "" {
				msg := opts.ErrorMessage
				items[i].ErrorMessage = &msg
			}
			if opts.MaxRetries != NoRetryLimit && items[i].RetryCount > opts.MaxRetries {
				items[i].IsStalled = true
				metrics.ItemsStalled.Inc()
			}
		}

		if !items[i].IsStalled {
			metrics.ItemsRecycled.Inc()
		}

		q.publish(events.Event{
			Kind:  events.KindFailed,
			Item:  &items[i],
			Error: message,
		})
	}

	return nil
}

// MarkItemsFailed penalizes items that failed before any batch was
// recorded, e.g. when signing failed. Retry counts are incremented and
// the retry limit is enforced exactly as on a batch recovery.
func (q *Queue) MarkItemsFailed(ctx context.Context, itemIDs []int64,
	errMsg string, maxRetries int) error {

	if len(itemIDs) == 0 {
		return nil
	}

	ids := make([]any, 0, len(itemIDs))
	for _, id := range itemIDs {
		ids = append(ids, id)
	}

	var items []types.Item

	err := q.store.WithTx(ctx, func(tx *sql.Tx) error {
		query := fmt.Sprintf(
			`UPDATE items
			 SET retry_count = retry_count + 1, error_message = ?,
			     updated_at = CURRENT_TIMESTAMP
			 WHERE id IN (%s)`,
			placeholders(len(ids)),
		)

		_, err := tx.ExecContext(ctx, query, append([]any{errMsg}, ids...)...)
		if err != nil {
			return fmt.Errorf("mark items failed: %w", err)
		}

		if maxRetries != NoRetryLimit {
			query = fmt.Sprintf(
				`UPDATE items SET is_stalled = 1, updated_at = CURRENT_TIMESTAMP
				 WHERE id IN (%s) AND retry_count > ?`,
				placeholders(len(ids)),
			)

			_, err = tx.ExecContext(ctx, query, append(ids, maxRetries)...)
			if err != nil {
				return fmt.Errorf("auto-stall items: %w", err)
			}
		}

		rows, err := tx.QueryContext(ctx, fmt.Sprintf(
			`SELECT `+itemColumns+` FROM items WHERE id IN (%s) ORDER BY id ASC`,
			placeholders(len(ids))), ids...)
		if err != nil {
			return err
		}
		defer rows.Close()

		items, err = scanItems(rows)
		return err
	})
	if err != nil {
		return err
	}

	for i := range items {
		if items[i].IsStalled {
			metrics.ItemsStalled.Inc()
		}
		q.publish(events.Event{
			Kind:  events.KindFailed,
			Item:  &items[i],
			Error: errMsg,
		})
	}

	return nil
}

// MarkItemStalled parks a single item for operator attention. Used when
// the chain identified the failing action inside a batch: the offender
// is isolated here and the siblings are recycled cleanly.
func (q *Queue) MarkItemStalled(ctx context.Context, itemID int64, errMsg string) error {
	result, err := q.store.DB().ExecContext(ctx,
		`UPDATE items
		 SET is_stalled = 1, error_message = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		errMsg, itemID,
	)
	if err != nil {
		return fmt.Errorf("stall item %d: %w", itemID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}

	metrics.ItemsStalled.Inc()

	return nil
}

// Unstall returns a stalled item to pending. It reports false when the
// item wasn't stalled.
func (q *Queue) Unstall(ctx context.Context, itemID int64) (bool, error) {
	count, err := q.unstallWhere(ctx, `id = ? AND is_stalled = 1`, itemID)
	if err != nil {
		return false, err
	}

	return count > 0, nil
}

// UnstallMany unstalls the given items and returns how many actually
// changed.
func (q *Queue) UnstallMany(ctx context.Context, itemIDs []int64) (int64, error) {
	if len(itemIDs) == 0 {
		return 0, nil
	}

	args := make([]any, 0, len(itemIDs))
	for _, id := range itemIDs {
		args = append(args, id)
	}

	where := fmt.Sprintf(`id IN (%s) AND is_stalled = 1`, placeholders(len(itemIDs)))

	return q.unstallWhere(ctx, where, args...)
}

// UnstallAll unstalls every stalled item.
func (q *Queue) UnstallAll(ctx context.Context) (int64, error) {
	return q.unstallWhere(ctx, `is_stalled = 1`)
}

func (q *Queue) unstallWhere(ctx context.Context, where string, args ...any) (int64, error) {
	// clearing batch_id is defensive; a stalled item should never be
	// attached to a batch
	result, err := q.store.DB().ExecContext(ctx,
		`UPDATE items
		 SET is_stalled = 0, batch_id = NULL, updated_at = CURRENT_TIMESTAMP
		 WHERE `+where,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("unstall: %w", err)
	}

	return result.RowsAffected()
}

// ReplayInFlight returns every batch that was durably signed but not
// resolved, with the items it owns. Called once at startup before the
// scheduling loop begins.
func (q *Queue) ReplayInFlight(ctx context.Context) ([]InFlight, error) {
	rows, err := q.store.DB().QueryContext(ctx,
		`SELECT id, tx_hash, signed_tx FROM batches
		 WHERE status = ? AND signed_tx IS NOT NULL
		 ORDER BY id ASC`,
		types.StatusProcessing,
	)
	if err != nil {
		return nil, fmt.Errorf("replay lookup: %w", err)
	}
	defer rows.Close()

	var inFlight []InFlight

	for rows.Next() {
		var entry InFlight
		if err := rows.Scan(&entry.BatchID, &entry.TxHash, &entry.SignedTx); err != nil {
			return nil, fmt.Errorf("scan in-flight batch: %w", err)
		}
		inFlight = append(inFlight, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range inFlight {
		items, err := q.batchItems(ctx, inFlight[i].BatchID)
		if err != nil {
			return nil, err
		}
		inFlight[i].Items = items
	}

	return inFlight, nil
}

// Recover clears any item still associated with a non-success batch
// and deletes those batch rows. Runs after the in-flight replay has
// dispatched its outcomes.
func (q *Queue) Recover(ctx context.Context) error {
	return q.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE items
			 SET batch_id = NULL, updated_at = CURRENT_TIMESTAMP
			 WHERE batch_id IN (SELECT id FROM batches WHERE status != ?)`,
			types.StatusSuccess,
		)
		if err != nil {
			return fmt.Errorf("reset orphaned items: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`DELETE FROM batches WHERE status != ?`, types.StatusSuccess)
		if err != nil {
			return fmt.Errorf("purge orphaned batches: %w", err)
		}

		return nil
	})
}

// Stats returns a snapshot of queue depth per state.
func (q *Queue) Stats(ctx context.Context) (types.QueueStats, error) {
	var stats types.QueueStats

	queries := []struct {
		dest  *int64
		query string
	}{
		{&stats.Total, `SELECT COUNT(*) FROM items`},
		{&stats.Pending, `SELECT COUNT(*) FROM items
			WHERE batch_id IS NULL AND is_stalled = 0`},
		{&stats.Processing, `SELECT COUNT(*) FROM items i
			JOIN batches b ON i.batch_id = b.id WHERE b.status = 'processing'`},
		{&stats.Success, `SELECT COUNT(*) FROM items i
			JOIN batches b ON i.batch_id = b.id WHERE b.status = 'success'`},
		{&stats.Stalled, `SELECT COUNT(*) FROM items WHERE is_stalled = 1`},
	}

	for _, query := range queries {
		err := q.store.DB().QueryRowContext(ctx, query.query).Scan(query.dest)
		if err != nil {
			return types.QueueStats{}, fmt.Errorf("stats: %w", err)
		}
	}

	return stats, nil
}

// HasWork reports whether anything is pending or in flight.
func (q *Queue) HasWork(ctx context.Context) (bool, error) {
	var hasWork bool

	err := q.store.DB().QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM items WHERE batch_id IS NULL AND is_stalled = 0
		 ) OR EXISTS (
			SELECT 1 FROM batches WHERE status = 'processing'
		 )`,
	).Scan(&hasWork)
	if err != nil {
		return false, fmt.Errorf("has work: %w", err)
	}

	return hasWork, nil
}

// GetItem returns a single item by id.
func (q *Queue) GetItem(ctx context.Context, itemID int64) (*types.Item, error) {
	row := q.store.DB().QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE id = ?`, itemID)

	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return item, nil
}

// ItemFilter narrows ListItems. Zero values mean no filtering.
type ItemFilter struct {
	Receiver string
	Stalled  *bool
}

// ListItems returns items matching the filter in ascending id order.
func (q *Queue) ListItems(ctx context.Context, filter ItemFilter) ([]types.Item, error) {
	var (
		conditions []string
		args       []any
	)

	if filter.Receiver != "" {
		conditions = append(conditions, `receiver = ?`)
		args = append(args, filter.Receiver)
	}
	if filter.Stalled != nil {
		conditions = append(conditions, `is_stalled = ?`)
		args = append(args, *filter.Stalled)
	}

	query := `SELECT ` + itemColumns + ` FROM items`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, ` AND `)
	}
	query += ` ORDER BY id ASC`

	rows, err := q.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

// GetBatch returns a single batch by id.
func (q *Queue) GetBatch(ctx context.Context, batchID int64) (*types.Batch, error) {
	var (
		batch    types.Batch
		signedTx []byte
	)

	err := q.store.DB().QueryRowContext(ctx,
		`SELECT id, tx_hash, signed_tx, status, created_at, updated_at
		 FROM batches WHERE id = ?`, batchID,
	).Scan(&batch.ID, &batch.TxHash, &signedTx, &batch.Status,
		&batch.CreatedAt, &batch.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch %d: %w", batchID, err)
	}

	batch.SignedTx = signedTx

	return &batch, nil
}

func (q *Queue) batchItems(ctx context.Context, batchID int64) ([]types.Item, error) {
	rows, err := q.store.DB().QueryContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE batch_id = ? ORDER BY id ASC`,
		batchID,
	)
	if err != nil {
		return nil, fmt.Errorf("items of batch %d: %w", batchID, err)
	}
	defer rows.Close()

	return scanItems(rows)
}

func batchItemsTx(ctx context.Context, tx *sql.Tx, batchID int64) ([]types.Item, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE batch_id = ? ORDER BY id ASC`,
		batchID,
	)
	if err != nil {
		return nil, fmt.Errorf("items of batch %d: %w", batchID, err)
	}
	defer rows.Close()

	return scanItems(rows)
}

func (q *Queue) publish(event events.Event) {
	if q.bus != nil {
		q.bus.Publish(event)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*types.Item, error) {
	var (
		item         types.Item
		errorMessage sql.NullString
		batchID      sql.NullInt64
	)

	err := row.Scan(&item.ID, &item.Receiver, &item.Amount, &item.Memo,
		&item.HasStorageDeposit, &item.RetryCount, &errorMessage,
		&batchID, &item.IsStalled, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if errorMessage.Valid {
		item.ErrorMessage = &errorMessage.String
	}
	if batchID.Valid {
		item.BatchID = &batchID.Int64
	}

	return &item, nil
}

func scanItems(rows *sql.Rows) ([]types.Item, error) {
	var items []types.Item

	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return items, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
