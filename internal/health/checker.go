package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/openbatch/ft-sender/internal/repository/sqlite"
)

type Config struct {
	StoreCheckInterval time.Duration
	ID                 string
}

type Component string

const (
	ComponentStore Component = "store"
)

type CheckResult struct {
	Timestamp time.Time `json:"timestamp"`
	Result    bool      `json:"result"`
}

type HealthChecks map[Component]CheckResult

type HealthStatus struct {
	Healthy bool         `json:"healthy"`
	Checks  HealthChecks `json:"checks"`
}

// Checker periodically pings the store and keeps the last result for
// the health probes.
type Checker struct {
	config *Config
	store  *sqlite.Store
	log    *slog.Logger
	checks HealthChecks
}

func NewChecker(store *sqlite.Store, config *Config) *Checker {
	return &Checker{
		config: config,
		store:  store,
		log:    slog.With("pod", config.ID, "component", "health"),
		checks: HealthChecks{
			// if this code gets executed, we assume that there was an initial
			// check
			ComponentStore: CheckResult{Timestamp: time.Now(), Result: true},
		},
	}
}

func (c *Checker) Run(ctx context.Context) {
	c.log.Debug("Starting the health checker...")

	storeTicker := time.NewTicker(c.config.StoreCheckInterval)
	defer storeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Debug("Stopping health checker ...")
			return

		case <-storeTicker.C:
			c.checkStore(ctx)
		}
	}
}

func (c *Checker) checkStore(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	err := c.store.Ping(checkCtx)

	c.checks[ComponentStore] = CheckResult{
		Timestamp: time.Now(),
		Result:    err == nil,
	}
}

func (c *Checker) GetHealthStatus() HealthStatus {
	healthy := true

	for component, check := range c.checks {
		if !check.Result {
			healthy = false
			c.log.Error("Component health check failed", "component", component)
		}
	}

	return HealthStatus{
		Healthy: healthy,
		Checks:  c.checks,
	}
}
