// Package monitor implements the Chain Monitor Loop (C6): per-chain
// cursor advance, adaptive catch-up batching, and error backoff.
package monitor

import (
	"context"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/contractindexer/indexer/internal/attribution"
	"github.com/contractindexer/indexer/internal/classifier"
	"github.com/contractindexer/indexer/internal/extractor"
	"github.com/contractindexer/indexer/internal/rpcclient"
	"github.com/contractindexer/indexer/internal/rpcerrors"
	"github.com/contractindexer/indexer/internal/store"
	"github.com/contractindexer/indexer/internal/types"
)

const (
	defaultCheckInterval = 12 * time.Second
	defaultBatchSize     = 10
	enrichmentPoolSize   = 10
	maxConsecutiveErrors = 5
	maxErrorSleep        = 300 * time.Second
)

// RPC is the subset of rpcclient.Adapter the monitor loop drives
// directly; it is also assignable to extractor.RPC and
// classifier.Backend since both are narrower subsets of the same
// method set.
type RPC interface {
	LatestHead(ctx context.Context) (uint64, error)
	GetBlockWithTxs(ctx context.Context, n uint64) (*gethtypes.Block, error)
	GetReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	GetCode(ctx context.Context, address common.Address, block *big.Int) ([]byte, error)
	GetStorage(ctx context.Context, address common.Address, slot common.Hash) ([]byte, error)
	EthCall(ctx context.Context, address common.Address, data []byte) ([]byte, error)
	TraceBlock(ctx context.Context, n uint64) ([]rpcclient.RawTrace, error)
	TraceTransaction(ctx context.Context, txHash common.Hash) ([]rpcclient.RawTrace, error)
	CallTrace(ctx context.Context, txHash common.Hash) (*rpcclient.CallFrame, error)
	Close()
}

// Factory dials a fresh RPC adapter for a chain. The monitor loop
// calls it once at startup and again every time it reinitializes
// after maxConsecutiveErrors.
type Factory func(ctx context.Context) (RPC, error)

// Monitor drives a single chain's cursor forward, discovers
// deployments via the extractor, enriches them via a bounded
// per-chain worker pool (classifier ∥ attribution), and hands
// completed records to the store.
type Monitor struct {
	chain         string
	newRPC        Factory
	attribution   *attribution.Client
	store         *store.Store
	checkInterval time.Duration
	baseBatch     int
	log           log.Logger

	mu  sync.Mutex
	rpc RPC

	statsMu sync.Mutex
	stats   types.Stats
}

// New constructs a Monitor for chain. The RPC connection itself is
// established lazily by Run via newRPC so that construction cannot
// fail on a transient dial error.
func New(chain string, newRPC Factory, attributionClient *attribution.Client, st *store.Store, checkInterval time.Duration, baseBatch int) *Monitor {
	if checkInterval <= 0 {
		checkInterval = defaultCheckInterval
	}
	if baseBatch <= 0 {
		baseBatch = defaultBatchSize
	}
	return &Monitor{
		chain:         chain,
		newRPC:        newRPC,
		attribution:   attributionClient,
		store:         st,
		checkInterval: checkInterval,
		baseBatch:     baseBatch,
		log:           log.New("chain", chain, "component", "monitor"),
		stats:         types.Stats{Chain: chain, Status: "Initializing", CurrentBatchSize: baseBatch},
	}
}

// Stats returns a snapshot of the monitor's read-only counters, for
// the orchestrator's status surface.
func (m *Monitor) Stats() types.Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.stats
}

func (m *Monitor) setStatus(s string) {
	m.statsMu.Lock()
	m.stats.Status = s
	m.statsMu.Unlock()
}

// Run drives the main cycle until ctx is cancelled. It resumes from
// the persisted cursor when present, else starts from the chain's
// current head.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.reinitRPC(ctx); err != nil {
		return err
	}
	defer m.closeRPC()

	cursor, err := m.initCursor(ctx)
	if err != nil {
		return err
	}
	m.log.Info("monitoring started", "cursor", cursor)
	m.setStatus("Running")

	consecutiveErrors := 0

	for {
		select {
		case <-ctx.Done():
			m.log.Info("monitoring stopped")
			return nil
		default:
		}

		nextCursor, err := m.cycle(ctx, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			consecutiveErrors++
			m.statsMu.Lock()
			m.stats.Errors++
			m.statsMu.Unlock()
			m.setStatus(errorStatus(consecutiveErrors))
			m.log.Error("monitor cycle failed", "err", err, "consecutive_errors", consecutiveErrors)

			if consecutiveErrors >= maxConsecutiveErrors {
				m.log.Error("too many consecutive errors, reinitializing rpc adapter")
				if rerr := m.reinitRPC(ctx); rerr != nil {
					m.log.Error("reinitialization failed", "err", rerr)
					if !sleepCtx(ctx, backoffSleep(consecutiveErrors, m.checkInterval)) {
						return nil
					}
					continue
				}
				consecutiveErrors = 0
				m.setStatus("Running")
				continue
			}
			if !sleepCtx(ctx, backoffSleep(consecutiveErrors, m.checkInterval)) {
				return nil
			}
			continue
		}

		consecutiveErrors = 0
		cursor = nextCursor
		if !sleepCtx(ctx, m.checkInterval) {
			return nil
		}
	}
}

// cycle runs a single main-cycle iteration starting at cursor and
// returns the next cursor to resume from.
func (m *Monitor) cycle(ctx context.Context, cursor uint64) (uint64, error) {
	head, err := m.currentRPC().LatestHead(ctx)
	if err != nil {
		return cursor, err
	}
	m.statsMu.Lock()
	m.stats.Head = head
	m.statsMu.Unlock()

	if head <= cursor {
		// head == cursor: nothing new yet, no work and no cursor write.
		// head < cursor: clock/endpoint skew across failover; wait,
		// never rewind.
		return cursor, nil
	}

	behind := head - cursor
	batch := adaptiveBatchSize(m.baseBatch, behind)
	end := cursor + uint64(batch) - 1
	if end > head {
		end = head
	}

	m.statsMu.Lock()
	m.stats.Behind = behind
	m.stats.CurrentBatchSize = batch
	m.statsMu.Unlock()

	if batch > m.baseBatch {
		m.log.Info("catch-up mode", "from", cursor, "to", end, "behind", behind, "batch", batch)
	} else {
		m.log.Info("processing blocks", "from", cursor, "to", end)
	}

	ex := extractor.New(m.currentRPC(), m.chain)
	var found []types.Deployment
	for n := cursor; n <= end; n++ {
		select {
		case <-ctx.Done():
			return cursor, ctx.Err()
		default:
		}
		deployments, err := ex.ExtractBlock(ctx, n)
		if err != nil {
			return cursor, err
		}
		found = append(found, deployments...)
	}

	if len(found) > 0 {
		m.statsMu.Lock()
		m.stats.Found += uint64(len(found))
		m.stats.LastDeploymentTime = time.Now()
		m.statsMu.Unlock()
		if err := m.enrichAndPersist(ctx, found); err != nil {
			return cursor, err
		}
	}

	if err := m.store.SetCursor(ctx, m.chain, end); err != nil {
		return cursor, err
	}

	m.statsMu.Lock()
	m.stats.CurrentBlock = end + 1
	m.statsMu.Unlock()

	return end + 1, nil
}

// enrichAndPersist runs the bounded per-chain enrichment fan-out
// (classifier ∥ attribution, pool of enrichmentPoolSize) over every
// discovered deployment and blocks until all of them have been
// enqueued for persistence: a batch's cursor may only advance after
// every deployment it contains has been enqueued.
func (m *Monitor) enrichAndPersist(ctx context.Context, deployments []types.Deployment) error {
	sem := semaphore.NewWeighted(enrichmentPoolSize)
	g, gctx := errgroup.WithContext(ctx)

	cls := classifier.New(m.currentRPC())

	for i := range deployments {
		d := deployments[i]
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		g.Go(func() error {
			defer sem.Release(1)
			m.enrichOne(gctx, cls, &d)
			m.store.QueueDeployment(d)
			m.statsMu.Lock()
			m.stats.Saved++
			if d.EntityName != nil {
				m.stats.WithEntity++
			}
			m.statsMu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// enrichOne runs classification and attribution in parallel for a
// single deployment.
func (m *Monitor) enrichOne(ctx context.Context, cls *classifier.Classifier, d *types.Deployment) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		d.Classification = cls.Classify(ctx, d.ContractAddress)
	}()

	go func() {
		defer wg.Done()
		payload, err := m.attribution.Lookup(ctx, d.DeployerAddress.Hex(), m.chain)
		if err != nil {
			return
		}
		name, id := attribution.Extract(payload)
		d.EntityName, d.EntityID = name, id
	}()

	wg.Wait()
	d.DiscoveredAt = time.Now()
}

func (m *Monitor) initCursor(ctx context.Context) (uint64, error) {
	last, ok, err := m.store.LastProcessedBlock(ctx, m.chain)
	if err != nil {
		return 0, err
	}
	if ok {
		m.log.Info("resuming from persisted cursor", "block", last+1)
		return last + 1, nil
	}
	head, err := m.currentRPC().LatestHead(ctx)
	if err != nil {
		return 0, err
	}
	m.log.Info("starting fresh from current head", "block", head)
	return head, nil
}

func (m *Monitor) currentRPC() RPC {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rpc
}

func (m *Monitor) reinitRPC(ctx context.Context) error {
	rpc, err := m.newRPC(ctx)
	if err != nil {
		return rpcerrors.Wrap(rpcerrors.ErrRPCUnavailable, m.chain, err)
	}
	m.mu.Lock()
	old := m.rpc
	m.rpc = rpc
	m.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

func (m *Monitor) closeRPC() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rpc != nil {
		m.rpc.Close()
	}
}

// adaptiveBatchSize applies the catch-up multiplier table below.
func adaptiveBatchSize(base int, behind uint64) int {
	switch {
	case behind < 100:
		return base
	case behind < 1_000:
		return base * 2
	case behind < 5_000:
		return base * 5
	case behind < 10_000:
		return base * 10
	case behind < 50_000:
		return base * 20
	default:
		return base * 50
	}
}

// backoffSleep applies check_interval * 2^min(k-1,5), capped at 300s.
func backoffSleep(consecutiveErrors int, checkInterval time.Duration) time.Duration {
	shift := consecutiveErrors - 1
	if shift > 5 {
		shift = 5
	}
	d := checkInterval * time.Duration(uint64(1)<<uint(shift))
	if d > maxErrorSleep {
		return maxErrorSleep
	}
	return d
}

func errorStatus(consecutiveErrors int) string {
	if consecutiveErrors <= 0 {
		return "Running"
	}
	return "Error (#" + strconv.Itoa(consecutiveErrors) + ")"
}

// sleepCtx sleeps for d or returns false early if ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
