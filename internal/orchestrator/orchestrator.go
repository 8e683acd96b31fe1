// Package orchestrator implements the Supervisor / Orchestrator (C7):
// spawning one monitor per configured chain, health-checking and
// restarting failed ones, and graceful shutdown.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/contractindexer/indexer/internal/attribution"
	"github.com/contractindexer/indexer/internal/config"
	"github.com/contractindexer/indexer/internal/monitor"
	"github.com/contractindexer/indexer/internal/rpcclient"
	"github.com/contractindexer/indexer/internal/store"
	"github.com/contractindexer/indexer/internal/types"
)

const (
	healthCheckInterval = 30 * time.Second
	joinTimeout         = 5 * time.Second
)

// unit is one supervised chain: its monitor plus the bookkeeping the
// health loop needs to detect and restart a dead run.
type unit struct {
	chain  string
	m      *monitor.Monitor
	cancel context.CancelFunc
	done   chan struct{}
}

// Orchestrator is the top-level service: it owns the shared
// attribution client and persistence store and supervises one
// Monitor goroutine per configured chain.
type Orchestrator struct {
	cfg   *config.Config
	store *store.Store
	attr  *attribution.Client
	log   log.Logger

	mu         sync.Mutex
	units      map[string]*unit
	running    bool
	stopHealth context.CancelFunc
	wg         sync.WaitGroup
}

// New constructs an Orchestrator. Shutdown closes store and attr;
// callers close them themselves only when Start fails, since
// Shutdown does nothing unless Start succeeded.
func New(cfg *config.Config, st *store.Store, attr *attribution.Client) *Orchestrator {
	return &Orchestrator{
		cfg:   cfg,
		store: st,
		attr:  attr,
		log:   log.New("component", "orchestrator"),
		units: make(map[string]*unit),
	}
}

// Start spawns one monitor per chain in networks, skipping any
// non-EVM chain or any chain with no configured RPC endpoints, and
// begins the 30s health-check loop. It returns an error only if no
// monitor could be started at all.
func (o *Orchestrator) Start(ctx context.Context, networks []string) error {
	for _, chain := range networks {
		if o.cfg.NonEVMNetworks[chain] {
			o.log.Warn("skipping non-EVM chain", "chain", chain)
			continue
		}
		endpoints := o.cfg.RPCEndpoints[chain]
		if len(endpoints) == 0 {
			o.log.Warn("skipping chain with no RPC endpoints configured", "chain", chain)
			continue
		}
		o.spawn(ctx, chain, endpoints)
	}

	o.mu.Lock()
	started := len(o.units)
	o.mu.Unlock()
	if started == 0 {
		return fmt.Errorf("orchestrator: no monitors could be started")
	}

	o.mu.Lock()
	o.running = true
	healthCtx, cancel := context.WithCancel(ctx)
	o.stopHealth = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go o.healthLoop(healthCtx)

	o.log.Info("all monitors started", "count", started)
	return nil
}

func (o *Orchestrator) spawn(ctx context.Context, chain string, endpoints []string) {
	newRPC := func(ctx context.Context) (monitor.RPC, error) {
		return rpcclient.New(ctx, chain, endpoints)
	}
	m := monitor.New(chain, newRPC, o.attr, o.store, time.Duration(o.cfg.BlockCheckIntervalSeconds)*time.Second, o.cfg.BatchSize)

	runCtx, cancel := context.WithCancel(ctx)
	u := &unit{chain: chain, m: m, cancel: cancel, done: make(chan struct{})}

	o.mu.Lock()
	o.units[chain] = u
	o.mu.Unlock()

	go o.runUnit(runCtx, u)
	o.log.Info("monitor started", "chain", chain, "poa", o.cfg.POANetworks[chain])
}

func (o *Orchestrator) runUnit(ctx context.Context, u *unit) {
	defer close(u.done)
	if err := u.m.Run(ctx); err != nil {
		o.log.Error("monitor exited with error", "chain", u.chain, "err", err)
	}
}

// healthLoop restarts any unit whose goroutine has exited while the
// orchestrator is still running, resuming it from its last durable
// cursor (the monitor re-reads the persisted cursor on Run).
func (o *Orchestrator) healthLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.checkHealth(ctx)
		}
	}
}

func (o *Orchestrator) checkHealth(ctx context.Context) {
	o.mu.Lock()
	chains := make([]string, 0, len(o.units))
	for c := range o.units {
		chains = append(chains, c)
	}
	o.mu.Unlock()

	for _, chain := range chains {
		o.mu.Lock()
		u := o.units[chain]
		o.mu.Unlock()
		if u == nil {
			continue
		}
		select {
		case <-u.done:
			o.log.Warn("monitor died unexpectedly, restarting", "chain", chain)
			endpoints := o.cfg.RPCEndpoints[chain]
			o.spawn(ctx, chain, endpoints)
		default:
			// still alive
		}
	}

	o.logStats()
}

func (o *Orchestrator) logStats() {
	for _, s := range o.Stats() {
		o.log.Info("chain status",
			"chain", s.Chain, "status", s.Status, "current", s.CurrentBlock, "head", s.Head,
			"behind", s.Behind, "batch", s.CurrentBatchSize, "found", s.Found, "saved", s.Saved,
			"with_entity", s.WithEntity, "errors", s.Errors)
	}
}

// Stats returns a read-only snapshot of every supervised chain's
// counters.
func (o *Orchestrator) Stats() []types.Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]types.Stats, 0, len(o.units))
	for _, u := range o.units {
		out = append(out, u.m.Stats())
	}
	return out
}

// Shutdown clears the running flag, stops the health loop, cancels
// and joins every monitor (with a bounded grace period), then drains
// and closes the store and attribution client.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	if o.stopHealth != nil {
		o.stopHealth()
	}
	units := make([]*unit, 0, len(o.units))
	for _, u := range o.units {
		units = append(units, u)
	}
	o.mu.Unlock()

	o.log.Info("stopping all monitors")
	for _, u := range units {
		u.cancel()
	}
	for _, u := range units {
		select {
		case <-u.done:
		case <-time.After(joinTimeout):
			// anything still running past the grace
			// period is abandoned, not waited on; its effects are
			// idempotent-safe because persistence is keyed on the unique contract_address/network pair.
			o.log.Warn("monitor did not stop within join timeout", "chain", u.chain)
		}
	}

	o.wg.Wait() // health loop only; units are handled via per-unit join above

	o.log.Info("closing store")
	if err := o.store.Close(); err != nil {
		o.log.Error("error closing store", "err", err)
	}

	o.log.Info("closing attribution client")
	o.attr.Close()

	o.log.Info("orchestrator stopped")
}
