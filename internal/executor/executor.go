package executor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/openbatch/ft-sender/internal/events"
	"github.com/openbatch/ft-sender/internal/metrics"
	"github.com/openbatch/ft-sender/internal/near"
	"github.com/openbatch/ft-sender/internal/queue"
	"github.com/openbatch/ft-sender/internal/types"
)

const (
	MinBatchSize = 1
	MaxBatchSize = 100
)

type Config struct {
	// BatchSize caps how many items are considered per tick, clamped
	// to [1, 100].
	BatchSize int
	// Interval is the minimum wall time between ticks.
	Interval time.Duration
	// MinQueueToProcess skips the tick when fewer candidates are
	// available.
	MinQueueToProcess int
	// MaxRetries is the retry count past which an item auto-stalls on
	// batch recovery.
	MaxRetries int
	// MaxActionsPerTx is the chain-imposed action budget of one
	// transaction.
	MaxActionsPerTx int
	// Contract is the fungible token contract every batch targets.
	Contract string
}

// Executor owns the scheduling loop. It is the only writer that
// decides when a batch is formed, how large it is, whether it
// succeeded, and how to react to failure. One tick runs at a time and
// at most one batch is outstanding, which keeps nonce management
// trivial.
type Executor struct {
	config      *Config
	queue       *queue.Queue
	signer      near.Signer
	broadcaster near.Broadcaster
	bus         *events.Bus
	log         *slog.Logger

	idleMu      sync.Mutex
	idleWaiters []chan struct{}
}

func New(config *Config, q *queue.Queue, signer near.Signer,
	broadcaster near.Broadcaster, bus *events.Bus) *Executor {

	cfg := *config
	if cfg.BatchSize < MinBatchSize {
		cfg.BatchSize = MinBatchSize
	}
	if cfg.BatchSize > MaxBatchSize {
		cfg.BatchSize = MaxBatchSize
	}
	if cfg.MinQueueToProcess < 1 {
		cfg.MinQueueToProcess = 1
	}

	return &Executor{
		config:      &cfg,
		queue:       q,
		signer:      signer,
		broadcaster: broadcaster,
		bus:         bus,
		log:         slog.With("component", "executor"),
	}
}

// Run performs crash recovery and then drives the tick loop until the
// context is cancelled. A tick in progress always runs to completion.
func (e *Executor) Run(ctx context.Context) error {
	e.log.Info("Starting executor")

	// Recovery errors are logged, not fatal: whatever could not be
	// resolved now is swept into pending by Recover and retried by the
	// loop.
	if err := e.recoverInFlight(ctx); err != nil {
		e.log.Error("in-flight recovery error", "error", err)
	}

	if err := e.queue.Recover(ctx); err != nil {
		e.log.Error("queue recovery error", "error", err)
	}

	delay := time.Duration(0)

	for {
		select {
		case <-ctx.Done():
			e.log.Info("Stopping executor...")
			return ctx.Err()

		case <-time.After(delay):
			started := time.Now()

			e.tick(ctx)

			elapsed := time.Since(started)
			metrics.TickDuration.Observe(elapsed.Seconds())

			delay = e.config.Interval - elapsed
			if delay < 0 {
				delay = 0
			}
		}
	}
}

// WaitUntilIdle blocks until the queue reports no remaining work.
// Multiple waiters may register; all are released on the first idle
// observation after a tick.
func (e *Executor) WaitUntilIdle(ctx context.Context) error {
	for {
		hasWork, err := e.queue.HasWork(ctx)
		if err != nil {
			return err
		}
		if !hasWork {
			return nil
		}

		waiter := make(chan struct{})

		e.idleMu.Lock()
		e.idleWaiters = append(e.idleWaiters, waiter)
		e.idleMu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-waiter:
		}
	}
}

// tick is a single loop iteration: peek under the action budget, sign,
// durably attach, broadcast, dispatch the outcome.
func (e *Executor) tick(ctx context.Context) {
	defer e.finishTick(ctx)

	candidates, err := e.queue.Peek(ctx, e.config.BatchSize)
	if err != nil {
		e.log.Error("peek error", "error", err)
		return
	}

	if len(candidates) < e.config.MinQueueToProcess {
		return
	}

	chosen := fitBudget(candidates, e.config.MaxActionsPerTx)
	if len(chosen) == 0 {
		e.log.Warn("first pending item alone exceeds the action budget",
			"budget", e.config.MaxActionsPerTx)
		return
	}

	actions := buildActions(chosen)

	itemIDs := make([]int64, len(chosen))
	for i, item := range chosen {
		itemIDs[i] = item.ID
	}

	signed, err := e.signer.Sign(ctx, e.config.Contract, actions)
	if err != nil {
		e.log.Error("signing error", "items", itemIDs, "error", err)
		if ferr := e.queue.MarkItemsFailed(ctx, itemIDs, err.Error(),
			e.config.MaxRetries); ferr != nil {
			e.log.Error("couldn't record signing failure", "error", ferr)
		}
		return
	}

	batchID, err := e.queue.AttachBatch(ctx, signed.Hash, signed.Blob, itemIDs)
	if err != nil {
		// nothing was claimed; the items stay pending for the next tick
		e.log.Error("attach batch error", "error", err)
		return
	}

	e.log.Debug("broadcasting batch", "batch", batchID, "items", len(chosen),
		"actions", len(actions), "hash", signed.Hash)

	outcome, sendErr := e.broadcaster.Send(ctx, signed.Blob)
	e.dispatch(ctx, batchID, chosen, outcome, sendErr)
}

// finishTick emits loopCompleted, refreshes the pending gauge and
// wakes idle waiters when the queue has drained.
func (e *Executor) finishTick(ctx context.Context) {
	if e.bus != nil {
		e.bus.Publish(events.Event{Kind: events.KindLoopCompleted})
	}

	if stats, err := e.queue.Stats(ctx); err == nil {
		metrics.PendingItems.Set(float64(stats.Pending))
	}

	hasWork, err := e.queue.HasWork(ctx)
	if err != nil || hasWork {
		return
	}

	e.idleMu.Lock()
	waiters := e.idleWaiters
	e.idleWaiters = nil
	e.idleMu.Unlock()

	for _, waiter := range waiters {
		close(waiter)
	}
}

// recoverInFlight resubmits every durably signed but unresolved batch.
// Submission is idempotent on the signed content: if the transaction
// was accepted before the crash, the chain reports its prior outcome.
func (e *Executor) recoverInFlight(ctx context.Context) error {
	inFlight, err := e.queue.ReplayInFlight(ctx)
	if err != nil {
		return err
	}

	if len(inFlight) == 0 {
		return nil
	}

	e.log.Info("Replaying in-flight batches", "count", len(inFlight))

	for _, entry := range inFlight {
		e.log.Info("resubmitting batch", "batch", entry.BatchID,
			"hash", entry.TxHash, "items", len(entry.Items))

		outcome, sendErr := e.broadcaster.Send(ctx, entry.SignedTx)
		e.dispatch(ctx, entry.BatchID, entry.Items, outcome, sendErr)
	}

	return nil
}

// dispatch interprets a broadcast outcome and drives the state
// transitions for the batch and its items.
func (e *Executor) dispatch(ctx context.Context, batchID int64,
	items []types.Item, outcome *near.Outcome, sendErr error) {

	if sendErr != nil {
		e.log.Error("broadcast transport error", "batch", batchID, "error", sendErr)
		e.failBatch(ctx, batchID, sendErr.Error(), len(items))
		return
	}

	switch outcome.Status {
	case near.OutcomeSuccess:
		if err := e.queue.MarkBatchSuccess(ctx, batchID, outcome.TxHash); err != nil {
			e.log.Error("couldn't finalize batch", "batch", batchID, "error", err)
			return
		}

		metrics.BatchesSent.WithLabelValues("success").Inc()

		e.log.Info("batch confirmed", "batch", batchID,
			"items", len(items), "hash", outcome.TxHash)

		if e.bus != nil {
			e.bus.Publish(events.Event{
				Kind:   events.KindBatchProcessed,
				Count:  len(items),
				OK:     true,
				TxHash: outcome.TxHash,
			})
		}

	case near.OutcomeActionError:
		if outcome.ActionIndex != nil {
			e.isolateFailedAction(ctx, batchID, items, *outcome.ActionIndex,
				outcome.Kind)
			return
		}

		// whole-transaction action failure, e.g. resource accounting
		e.log.Warn("batch action error without an index", "batch", batchID,
			"kind", outcome.Kind)
		e.failBatch(ctx, batchID, outcome.Kind, len(items))

	case near.OutcomeInvalidTx:
		e.log.Warn("transaction rejected", "batch", batchID, "kind", outcome.Kind)
		e.failBatch(ctx, batchID, outcome.Kind, len(items))

	default:
		e.log.Error("unknown outcome", "batch", batchID, "status", outcome.Status)
		e.failBatch(ctx, batchID, string(outcome.Status), len(items))
	}
}

// isolateFailedAction stalls exactly the item owning the failed action
// and recycles the siblings without penalizing their retry counts; the
// batch error belongs to the offender, not the cohort.
func (e *Executor) isolateFailedAction(ctx context.Context, batchID int64,
	items []types.Item, actionIndex int, kind string) {

	offender := itemForAction(items, actionIndex)
	if offender == nil {
		e.log.Error("action index out of range, recycling whole batch",
			"batch", batchID, "index", actionIndex)
		e.failBatch(ctx, batchID, kind, len(items))
		return
	}

	e.log.Warn("stalling item for failed action", "batch", batchID,
		"item", offender.ID, "index", actionIndex, "kind", kind)

	if err := e.queue.MarkItemStalled(ctx, offender.ID, kind); err != nil {
		e.log.Error("couldn't stall item", "item", offender.ID, "error", err)
	}

	err := e.queue.RecoverFailedBatch(ctx, batchID, queue.RecoverOptions{
		MaxRetries: queue.NoRetryLimit,
		CountRetry: false,
	})
	if err != nil {
		e.log.Error("couldn't recover batch", "batch", batchID, "error", err)
		return
	}

	metrics.BatchesSent.WithLabelValues("failed").Inc()

	if e.bus != nil {
		e.bus.Publish(events.Event{
			Kind:  events.KindBatchFailed,
			Count: len(items),
			Error: kind,
		})
	}
}

func (e *Executor) failBatch(ctx context.Context, batchID int64, errMsg string,
	count int) {

	err := e.queue.RecoverFailedBatch(ctx, batchID, queue.RecoverOptions{
		ErrorMessage: errMsg,
		MaxRetries:   e.config.MaxRetries,
		CountRetry:   true,
	})
	if err != nil {
		e.log.Error("couldn't recover batch", "batch", batchID, "error", err)
		return
	}

	metrics.BatchesSent.WithLabelValues("failed").Inc()

	if e.bus != nil {
		e.bus.Publish(events.Event{
			Kind:  events.KindBatchFailed,
			Count: count,
			Error: errMsg,
		})
	}
}

// actionCost is 1 for a registered receiver and 2 otherwise, because
// an unregistered receiver needs a storage_deposit prepended before
// the transfer.
func actionCost(item *types.Item) int {
	if item.HasStorageDeposit {
		return 1
	}
	return 2
}

// fitBudget accepts items in order while the cumulative action cost
// stays within the budget, stopping at the first item that would
// exceed it. The remainder stays pending for a future tick.
func fitBudget(candidates []types.Item, budget int) []types.Item {
	total := 0

	for i := range candidates {
		cost := actionCost(&candidates[i])
		if total+cost > budget {
			return candidates[:i]
		}
		total += cost
	}

	return candidates
}

// buildActions flat-maps each item to its one or two actions,
// preserving order.
func buildActions(items []types.Item) []near.Action {
	actions := make([]near.Action, 0, len(items))

	for i := range items {
		item := &items[i]
		if !item.HasStorageDeposit {
			actions = append(actions, near.StorageDeposit(item.Receiver))
		}
		actions = append(actions, near.FTTransfer(item.Receiver, item.Amount, item.Memo))
	}

	return actions
}

// itemForAction maps a chain-reported action index back to the item
// that contributed the action.
func itemForAction(items []types.Item, actionIndex int) *types.Item {
	offset := 0

	for i := range items {
		offset += actionCost(&items[i])
		if actionIndex < offset {
			return &items[i]
		}
	}

	return nil
}
