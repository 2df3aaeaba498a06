// Package keeper runs the time-driven transitions the core never starts on
// its own: request expiry, early-trigger settlement and maturity
// resolution. The core has no timers; the server shell schedules RunOnce.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/atmx/parametric-engine/internal/metrics"
	"github.com/atmx/parametric-engine/internal/model"
)

var ErrAlreadyRunning = errors.New("keeper: already running")

// Expirer closes underwrite requests past their expiry.
type Expirer interface {
	ExpireDue(ctx context.Context) ([]model.UnderwriteRequest, error)
}

// Resolver settles policies from oracle data.
type Resolver interface {
	SweepEarlyTriggers(ctx context.Context) ([]model.SettlementResult, error)
	ResolveMatured(ctx context.Context) ([]model.SettlementResult, error)
}

// Report counts what one sweep did.
type Report struct {
	Expired        int `json:"expired"`
	EarlyTriggered int `json:"early_triggered"`
	Matured        int `json:"matured"`
}

// Keeper sweeps on a cron schedule.
type Keeper struct {
	expirer  Expirer
	resolver Resolver
	cron     *cron.Cron

	mu      sync.Mutex
	running bool
}

// New creates a keeper over the given components.
func New(expirer Expirer, resolver Resolver) *Keeper {
	return &Keeper{
		expirer:  expirer,
		resolver: resolver,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
}

// RunOnce performs one sweep. Requests are expired first so a request
// closing in this sweep yields a policy the later steps can already see.
// A failing step does not stop the following ones.
func (k *Keeper) RunOnce(ctx context.Context) (Report, error) {
	var (
		rep  Report
		errs []error
	)

	expired, err := k.expirer.ExpireDue(ctx)
	rep.Expired = len(expired)
	if err != nil {
		errs = append(errs, fmt.Errorf("expire requests: %w", err))
	}

	early, err := k.resolver.SweepEarlyTriggers(ctx)
	rep.EarlyTriggered = len(early)
	if err != nil {
		errs = append(errs, fmt.Errorf("early triggers: %w", err))
	}

	matured, err := k.resolver.ResolveMatured(ctx)
	rep.Matured = len(matured)
	if err != nil {
		errs = append(errs, fmt.Errorf("matured policies: %w", err))
	}

	metrics.KeeperSweeps.WithLabelValues("sweep").Inc()
	metrics.KeeperSweeps.WithLabelValues("expired").Add(float64(rep.Expired))
	metrics.KeeperSweeps.WithLabelValues("early_triggered").Add(float64(rep.EarlyTriggered))
	metrics.KeeperSweeps.WithLabelValues("matured").Add(float64(rep.Matured))
	return rep, errors.Join(errs...)
}

// Start schedules RunOnce on spec (standard cron syntax or descriptors such
// as "@every 1m"). Runs never overlap. ctx bounds every run.
func (k *Keeper) Start(ctx context.Context, spec string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.running {
		return ErrAlreadyRunning
	}

	_, err := k.cron.AddFunc(spec, func() {
		rep, err := k.RunOnce(ctx)
		if err != nil {
			slog.Error("keeper sweep failed", "error", err)
		}
		if rep != (Report{}) {
			slog.Info("keeper sweep", "expired", rep.Expired, "early_triggered", rep.EarlyTriggered, "matured", rep.Matured)
		}
	})
	if err != nil {
		return fmt.Errorf("keeper schedule %q: %w", spec, err)
	}

	k.cron.Start()
	k.running = true
	slog.Info("keeper started", "schedule", spec)
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (k *Keeper) Stop() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.running {
		return
	}
	<-k.cron.Stop().Done()
	k.running = false
}
