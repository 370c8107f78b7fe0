package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openbatch/ft-sender/internal/api"
	"github.com/openbatch/ft-sender/internal/env"
	"github.com/openbatch/ft-sender/internal/events"
	"github.com/openbatch/ft-sender/internal/executor"
	"github.com/openbatch/ft-sender/internal/health"
	"github.com/openbatch/ft-sender/internal/log"
	"github.com/openbatch/ft-sender/internal/near/rpc"
	"github.com/openbatch/ft-sender/internal/near/signer"
	"github.com/openbatch/ft-sender/internal/queue"
	"github.com/openbatch/ft-sender/internal/repository/sqlite"

	"golang.org/x/sync/errgroup"
)

func main() {
	logLevel := env.GetString("LOG_LEVEL", "INFO")
	log.Setup(logLevel)

	listenPort := env.GetInt("LISTEN_PORT", 8090)
	probesPort := env.GetInt("PROBES_PORT", 8081)
	metricsPort := env.GetInt("METRICS_PORT", 9091)
	dbPath := env.GetString("DB_PATH", "ft-sender.db")
	rpcURL := env.GetString("RPC_URL", "https://rpc.mainnet.near.org")
	ftContract := env.GetString("FT_CONTRACT", "")
	senderAccount := env.GetString("SENDER_ACCOUNT", "")
	senderKey := env.GetString("SENDER_PRIVATE_KEY", "")

	if ftContract == "" || senderAccount == "" || senderKey == "" {
		slog.Error("FT_CONTRACT, SENDER_ACCOUNT and SENDER_PRIVATE_KEY are required")
		return
	}

	// create the context and register signals that could cause its cancellation
	// and gracefull shutdown
	ctx, _ := signal.NotifyContext(
		context.Background(),
		os.Interrupt, os.Kill,
		syscall.SIGTERM,
		syscall.SIGINT,
		syscall.SIGQUIT,
	)

	slog.Info("Opening the store...", "path", dbPath)

	store, err := sqlite.Open(dbPath)
	if err != nil {
		slog.Error("open store", "error", err)
		return
	}
	defer store.Close()

	bus := events.NewBus(env.GetInt("EVENT_BUFFER", 64))

	transferQueue := queue.New(store, &queue.Config{
		Coalescing:               env.GetBool("COALESCING", true),
		DefaultHasStorageDeposit: env.GetBool("DEFAULT_HAS_STORAGE_DEPOSIT", false),
	}, bus)

	keyPair, err := signer.ParseKey(senderAccount, senderKey)
	if err != nil {
		slog.Error("parse sender key", "error", err)
		return
	}

	rpcClient := rpc.New(&rpc.Config{
		URL:            rpcURL,
		RequestTimeout: env.GetDuration("RPC_TIMEOUT", 15*time.Second),
	})

	txSigner := signer.New(keyPair, rpcClient)

	exec := executor.New(&executor.Config{
		BatchSize:         env.GetInt("BATCH_SIZE", 100),
		Interval:          env.GetDuration("TICK_INTERVAL", 500*time.Millisecond),
		MinQueueToProcess: env.GetInt("MIN_QUEUE_TO_PROCESS", 1),
		MaxRetries:        env.GetInt("MAX_RETRIES", 5),
		MaxActionsPerTx:   env.GetInt("MAX_ACTIONS_PER_TX", 100),
		Contract:          ftContract,
	}, transferQueue, txSigner, rpcClient, bus)

	instanceID := getInstanceID()

	checker := health.NewChecker(store, &health.Config{
		StoreCheckInterval: env.GetDuration("STORE_CHECK_INTERVAL", 10*time.Second),
		ID:                 instanceID,
	})

	config := api.Config{
		ListenAddr:   "",
		ListenPort:   listenPort,
		MetricsPort:  metricsPort,
		ProbesPort:   probesPort,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
		ID:           instanceID,
	}

	server := api.NewServer(&config, transferQueue, checker)

	// Graceful shutdown handling
	stop := make(chan os.Signal, 1)

	errGroup, ctx := errgroup.WithContext(ctx)

	errGroup.Go(func() error {
		// when the app is interrupted, the signal will be sent to the stop channel
		waitForShutdown(ctx, stop)
		return nil
	})

	errGroup.Go(func() error {
		server.Start(ctx, stop)
		return nil
	})

	errGroup.Go(func() error {
		checker.Run(ctx)
		return nil
	})

	errGroup.Go(func() error {
		err := exec.Run(ctx)
		if err != nil && err != context.Canceled {
			slog.Error("Executor exited with an error", "error", err)
			return err
		}

		return nil
	})

	if err := errGroup.Wait(); err != nil {
		slog.Error("ft sender exited with an error", "error", err)
	}
}

func waitForShutdown(ctx context.Context, stop chan<- os.Signal) {
	<-ctx.Done()
	slog.Debug("Received a graceful shutdown request")
	stop <- os.Kill
}

func getInstanceID() string {
	instanceID := env.GetString("POD_NAME", "")

	if instanceID == "" {
		instanceID = fmt.Sprint(rand.Intn(math.MaxUint32))
	}

	return instanceID
}
