package executor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/openbatch/ft-sender/internal/events"
	"github.com/openbatch/ft-sender/internal/helpers"
	"github.com/openbatch/ft-sender/internal/near"
	"github.com/openbatch/ft-sender/internal/queue"
	"github.com/openbatch/ft-sender/internal/repository/sqlite"
	"github.com/openbatch/ft-sender/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSigner struct {
	mu      sync.Mutex
	calls   [][]near.Action
	fail    error
	counter int
}

func (s *fakeSigner) Sign(ctx context.Context, receiverID string,
	actions []near.Action) (*near.SignedTransaction, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail != nil {
		return nil, s.fail
	}

	s.calls = append(s.calls, actions)
	s.counter++

	blob := []byte(fmt.Sprintf("signed-blob-%d", s.counter))

	return &near.SignedTransaction{
		Blob: blob,
		Hash: helpers.ContentHash(blob),
	}, nil
}

func (s *fakeSigner) actionCounts() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make([]int, len(s.calls))
	for i, actions := range s.calls {
		counts[i] = len(actions)
	}

	return counts
}

type broadcastResult struct {
	outcome *near.Outcome
	err     error
}

// fakeBroadcaster replays scripted outcomes in order and falls back to
// success once the script is exhausted.
type fakeBroadcaster struct {
	mu     sync.Mutex
	script []broadcastResult
	blobs  [][]byte
}

func (b *fakeBroadcaster) Send(ctx context.Context, blob []byte) (*near.Outcome, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.blobs = append(b.blobs, blob)

	if len(b.script) > 0 {
		next := b.script[0]
		b.script = b.script[1:]
		return next.outcome, next.err
	}

	return &near.Outcome{
		Status: near.OutcomeSuccess,
		TxHash: fmt.Sprintf("chain-hash-%d", len(b.blobs)),
	}, nil
}

func (b *fakeBroadcaster) sent() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([][]byte(nil), b.blobs...)
}

type fixture struct {
	queue       *queue.Queue
	signer      *fakeSigner
	broadcaster *fakeBroadcaster
	executor    *Executor
}

func newFixture(t *testing.T, config *Config, queueConfig *queue.Config) *fixture {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "executor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	if queueConfig == nil {
		queueConfig = &queue.Config{Coalescing: false}
	}

	bus := events.NewBus(256)
	q := queue.New(store, queueConfig, bus)

	signer := &fakeSigner{}
	broadcaster := &fakeBroadcaster{}

	return &fixture{
		queue:       q,
		signer:      signer,
		broadcaster: broadcaster,
		executor:    New(config, q, signer, broadcaster, bus),
	}
}

func (f *fixture) enqueue(t *testing.T, receiver, amount string, registered bool) int64 {
	t.Helper()

	id, err := f.queue.Enqueue(context.Background(), types.TransferRequest{
		Receiver:          receiver,
		Amount:            amount,
		HasStorageDeposit: &registered,
	})
	require.NoError(t, err)

	return id
}

func TestTick_CoalescedSuccess(t *testing.T) {
	f := newFixture(t, &Config{
		BatchSize:       10,
		MaxRetries:      3,
		MaxActionsPerTx: 100,
		Contract:        "token.near",
	}, &queue.Config{Coalescing: true})
	ctx := context.Background()

	for _, amount := range []string{"100", "200", "300"} {
		_, err := f.queue.Enqueue(ctx, types.TransferRequest{
			Receiver: "alice.near",
			Amount:   amount,
		})
		require.NoError(t, err)
	}

	f.executor.tick(ctx)

	require.Len(t, f.signer.calls, 1)
	actions := f.signer.calls[0]
	require.Len(t, actions, 2, "unregistered receiver costs two actions")
	assert.Equal(t, near.MethodStorageDeposit, actions[0].MethodName)
	assert.Equal(t, near.MethodFTTransfer, actions[1].MethodName)
	assert.Contains(t, string(actions[1].Args), `"600"`)

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)
	assert.Equal(t, int64(1), stats.Success)
	assert.Zero(t, stats.Pending)
}

func TestTick_BatchSizeBound(t *testing.T) {
	f := newFixture(t, &Config{
		BatchSize:       3,
		MaxRetries:      3,
		MaxActionsPerTx: 100,
		Contract:        "token.near",
	}, nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		f.enqueue(t, fmt.Sprintf("user-%02d.near", i), "1", true)
	}

	for i := 0; i < 4; i++ {
		f.executor.tick(ctx)
	}

	assert.Equal(t, []int{3, 3, 3, 1}, f.signer.actionCounts())

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), stats.Success)
	assert.Zero(t, stats.Pending)

	// an extra tick with an empty queue does nothing
	f.executor.tick(ctx)
	assert.Len(t, f.broadcaster.sent(), 4)
}

func TestTick_ActionBudget(t *testing.T) {
	f := newFixture(t, &Config{
		BatchSize:       100,
		MaxRetries:      3,
		MaxActionsPerTx: 100,
		Contract:        "token.near",
	}, nil)
	ctx := context.Background()

	// unregistered receivers cost two actions, so only 50 of the 60 fit
	for i := 0; i < 60; i++ {
		f.enqueue(t, fmt.Sprintf("user-%02d.near", i), "1", false)
	}

	f.executor.tick(ctx)
	f.executor.tick(ctx)

	assert.Equal(t, []int{100, 20}, f.signer.actionCounts())

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(60), stats.Success)
	assert.Zero(t, stats.Pending)
}

func TestTick_MinQueueToProcess(t *testing.T) {
	f := newFixture(t, &Config{
		BatchSize:         10,
		MinQueueToProcess: 3,
		MaxRetries:        3,
		MaxActionsPerTx:   100,
		Contract:          "token.near",
	}, nil)
	ctx := context.Background()

	f.enqueue(t, "alice.near", "1", true)
	f.enqueue(t, "bob.near", "1", true)

	f.executor.tick(ctx)
	assert.Empty(t, f.broadcaster.sent())

	f.enqueue(t, "carol.near", "1", true)

	f.executor.tick(ctx)
	assert.Len(t, f.broadcaster.sent(), 1)
}

func TestTick_IndexedActionErrorIsolatesOffender(t *testing.T) {
	f := newFixture(t, &Config{
		BatchSize:       10,
		MaxRetries:      3,
		MaxActionsPerTx: 100,
		Contract:        "token.near",
	}, nil)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 5; i++ {
		ids = append(ids, f.enqueue(t, fmt.Sprintf("user-%d.near", i), "1", true))
	}

	index := 2
	f.broadcaster.script = []broadcastResult{{
		outcome: &near.Outcome{
			Status:      near.OutcomeActionError,
			ActionIndex: &index,
			Kind:        "AccountDoesNotExist",
		},
	}}

	f.executor.tick(ctx)

	offender, err := f.queue.GetItem(ctx, ids[2])
	require.NoError(t, err)
	assert.True(t, offender.IsStalled)
	assert.Equal(t, 0, offender.RetryCount)
	require.NotNil(t, offender.ErrorMessage)
	assert.Equal(t, "AccountDoesNotExist", *offender.ErrorMessage)

	for _, id := range []int64{ids[0], ids[1], ids[3], ids[4]} {
		sibling, err := f.queue.GetItem(ctx, id)
		require.NoError(t, err)
		assert.True(t, sibling.Pending(), "sibling %d must be recycled", id)
		assert.Equal(t, 0, sibling.RetryCount,
			"the batch error belongs to the offender, not sibling %d", id)
	}

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Processing, "the failed batch must be deleted")
	assert.Equal(t, int64(1), stats.Stalled)
	assert.Equal(t, int64(4), stats.Pending)
}

func TestTick_IndexedErrorMapsThroughMixedCosts(t *testing.T) {
	f := newFixture(t, &Config{
		BatchSize:       10,
		MaxRetries:      3,
		MaxActionsPerTx: 100,
		Contract:        "token.near",
	}, nil)
	ctx := context.Background()

	// actions: [deposit, transfer, transfer, deposit, transfer]
	first := f.enqueue(t, "user-0.near", "1", false)
	second := f.enqueue(t, "user-1.near", "1", true)
	third := f.enqueue(t, "user-2.near", "1", false)

	index := 3 // the deposit of the third item
	f.broadcaster.script = []broadcastResult{{
		outcome: &near.Outcome{
			Status:      near.OutcomeActionError,
			ActionIndex: &index,
			Kind:        "LackBalanceForState",
		},
	}}

	f.executor.tick(ctx)

	offender, err := f.queue.GetItem(ctx, third)
	require.NoError(t, err)
	assert.True(t, offender.IsStalled)

	for _, id := range []int64{first, second} {
		sibling, err := f.queue.GetItem(ctx, id)
		require.NoError(t, err)
		assert.True(t, sibling.Pending())
	}
}

func TestTick_InvalidTxRetriesThenStalls(t *testing.T) {
	f := newFixture(t, &Config{
		BatchSize:       10,
		MaxRetries:      2,
		MaxActionsPerTx: 100,
		Contract:        "token.near",
	}, nil)
	ctx := context.Background()

	id := f.enqueue(t, "alice.near", "1", true)

	reject := broadcastResult{outcome: &near.Outcome{
		Status: near.OutcomeInvalidTx,
		Kind:   "InvalidNonce",
	}}
	f.broadcaster.script = []broadcastResult{reject, reject, reject}

	for i := 0; i < 3; i++ {
		f.executor.tick(ctx)
	}

	item, err := f.queue.GetItem(ctx, id)
	require.NoError(t, err)
	assert.True(t, item.IsStalled)
	assert.Equal(t, 3, item.RetryCount)
	require.NotNil(t, item.ErrorMessage)
	assert.Equal(t, "InvalidNonce", *item.ErrorMessage)

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Processing)

	// the stalled item is no longer picked up
	f.executor.tick(ctx)
	assert.Len(t, f.broadcaster.sent(), 3)
}

func TestTick_TransportErrorRecyclesBatch(t *testing.T) {
	f := newFixture(t, &Config{
		BatchSize:       10,
		MaxRetries:      5,
		MaxActionsPerTx: 100,
		Contract:        "token.near",
	}, nil)
	ctx := context.Background()

	id := f.enqueue(t, "alice.near", "1", true)

	f.broadcaster.script = []broadcastResult{{err: errors.New("connection refused")}}

	f.executor.tick(ctx)

	item, err := f.queue.GetItem(ctx, id)
	require.NoError(t, err)
	assert.True(t, item.Pending())
	assert.Equal(t, 1, item.RetryCount)

	// the next tick succeeds
	f.executor.tick(ctx)

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Success)
}

func TestTick_SigningFailure(t *testing.T) {
	f := newFixture(t, &Config{
		BatchSize:       10,
		MaxRetries:      3,
		MaxActionsPerTx: 100,
		Contract:        "token.near",
	}, nil)
	ctx := context.Background()

	id := f.enqueue(t, "alice.near", "1", true)

	f.signer.fail = errors.New("no access key")

	f.executor.tick(ctx)
	assert.Empty(t, f.broadcaster.sent(), "nothing must be broadcast without a signature")

	item, err := f.queue.GetItem(ctx, id)
	require.NoError(t, err)
	assert.True(t, item.Pending())
	assert.Equal(t, 1, item.RetryCount)
	require.NotNil(t, item.ErrorMessage)
	assert.Contains(t, *item.ErrorMessage, "no access key")
}

func TestRecoverInFlight_ResubmitsStoredBlob(t *testing.T) {
	f := newFixture(t, &Config{
		BatchSize:       10,
		MaxRetries:      3,
		MaxActionsPerTx: 100,
		Contract:        "token.near",
	}, nil)
	ctx := context.Background()

	// a batch was durably signed, then the process died before (or
	// during) the broadcast
	id := f.enqueue(t, "alice.near", "1", false)

	blob := []byte("signed-before-crash")
	batchID, err := f.queue.AttachBatch(ctx, helpers.ContentHash(blob), blob, []int64{id})
	require.NoError(t, err)

	require.NoError(t, f.executor.recoverInFlight(ctx))

	sent := f.broadcaster.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, blob, sent[0], "the stored blob must be resubmitted verbatim")

	batch, err := f.queue.GetBatch(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, batch.Status)

	item, err := f.queue.GetItem(ctx, id)
	require.NoError(t, err)
	assert.True(t, item.HasStorageDeposit)
	require.NotNil(t, item.BatchID)
	assert.Equal(t, batchID, *item.BatchID)
}

func TestRun_WaitUntilIdle(t *testing.T) {
	f := newFixture(t, &Config{
		BatchSize:       10,
		Interval:        time.Millisecond,
		MaxRetries:      3,
		MaxActionsPerTx: 100,
		Contract:        "token.near",
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := 0; i < 5; i++ {
		f.enqueue(t, fmt.Sprintf("user-%d.near", i), "1", true)
	}

	done := make(chan error, 1)
	go func() { done <- f.executor.Run(ctx) }()

	require.NoError(t, f.executor.WaitUntilIdle(ctx))

	stats, err := f.queue.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats.Success)
	assert.Zero(t, stats.Pending)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestFitBudget(t *testing.T) {
	registered := types.Item{HasStorageDeposit: true}
	unregistered := types.Item{HasStorageDeposit: false}

	tests := []struct {
		name   string
		items  []types.Item
		budget int
		want   int
	}{
		{"empty", nil, 10, 0},
		{"all fit", []types.Item{registered, registered}, 2, 2},
		{"stops at first overflow",
			[]types.Item{registered, unregistered, registered}, 2, 1},
		{"single item over budget", []types.Item{unregistered}, 1, 0},
		{"mixed costs", []types.Item{unregistered, unregistered, registered}, 5, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, fitBudget(tt.items, tt.budget), tt.want)
		})
	}
}

func TestItemForAction(t *testing.T) {
	items := []types.Item{
		{ID: 1, HasStorageDeposit: false}, // actions 0, 1
		{ID: 2, HasStorageDeposit: true},  // action 2
		{ID: 3, HasStorageDeposit: false}, // actions 3, 4
	}

	for index, wantID := range map[int]int64{0: 1, 1: 1, 2: 2, 3: 3, 4: 3} {
		item := itemForAction(items, index)
		require.NotNil(t, item, "index %d", index)
		assert.Equal(t, wantID, item.ID, "index %d", index)
	}

	assert.Nil(t, itemForAction(items, 5))
	assert.Nil(t, itemForAction(nil, 0))
}

func TestBuildActions_Order(t *testing.T) {
	items := []types.Item{
		{Receiver: "alice.near", Amount: "10", HasStorageDeposit: false},
		{Receiver: "bob.near", Amount: "20", HasStorageDeposit: true},
	}

	actions := buildActions(items)
	require.Len(t, actions, 3)

	assert.Equal(t, near.MethodStorageDeposit, actions[0].MethodName)
	assert.Contains(t, string(actions[0].Args), "alice.near")

	assert.Equal(t, near.MethodFTTransfer, actions[1].MethodName)
	assert.Contains(t, string(actions[1].Args), "alice.near")

	assert.Equal(t, near.MethodFTTransfer, actions[2].MethodName)
	assert.Contains(t, string(actions[2].Args), "bob.near")
}

func TestNew_ClampsConfig(t *testing.T) {
	e := New(&Config{BatchSize: 0}, nil, nil, nil, nil)
	assert.Equal(t, MinBatchSize, e.config.BatchSize)
	assert.Equal(t, 1, e.config.MinQueueToProcess)

	e = New(&Config{BatchSize: 1000}, nil, nil, nil, nil)
	assert.Equal(t, MaxBatchSize, e.config.BatchSize)
}
