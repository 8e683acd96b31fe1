// Package extractor implements the Deployment Extractor (C3): given
// a block, produce the set of contract deployments it contains, using
// a priority cascade of detection methods with decreasing node
// capability requirements.
package extractor

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/contractindexer/indexer/internal/rpcclient"
	"github.com/contractindexer/indexer/internal/types"
)

const fanOutSize = 10

// RPC is the subset of rpcclient.Adapter the extractor depends on.
type RPC interface {
	GetBlockWithTxs(ctx context.Context, n uint64) (*gethtypes.Block, error)
	GetReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	GetCode(ctx context.Context, address common.Address, block *big.Int) ([]byte, error)
	TraceBlock(ctx context.Context, n uint64) ([]rpcclient.RawTrace, error)
	TraceTransaction(ctx context.Context, txHash common.Hash) ([]rpcclient.RawTrace, error)
	CallTrace(ctx context.Context, txHash common.Hash) (*rpcclient.CallFrame, error)
}

// Extractor produces deployment records for a block via a 5-step
// cascade: direct deployments, factory deployments via block-level
// trace, per-transaction trace fallback, debug-tracer call-tree
// fallback, and finally a log-based heuristic fallback.
type Extractor struct {
	rpc   RPC
	chain string
	log   log.Logger
}

func New(rpc RPC, chain string) *Extractor {
	return &Extractor{rpc: rpc, chain: chain, log: log.New("chain", chain, "component", "extractor")}
}

// skipAddresses are well-known null/precompile addresses that never
// themselves represent a legitimate factory-created contract.
func skipAddresses() map[common.Address]bool {
	m := make(map[common.Address]bool, 20)
	for i := int64(0); i <= 19; i++ {
		m[common.BigToAddress(big.NewInt(i))] = true
	}
	return m
}

// ExtractBlock fetches block n and returns every deployment it
// contains. Fetching the block itself is the caller's retry
// responsibility (via RPC's own backoff); individual failing
// transactions are logged and skipped, never failing the whole block.
func (e *Extractor) ExtractBlock(ctx context.Context, n uint64) ([]types.Deployment, error) {
	block, err := e.rpc.GetBlockWithTxs(ctx, n)
	if err != nil {
		return nil, err
	}

	txs := block.Transactions()
	if len(txs) == 0 {
		return nil, nil
	}

	// Block-level trace is attempted once for the whole block; if
	// unsupported, each transaction falls through its own cascade.
	blockTraces, blockTraceErr := e.rpc.TraceBlock(ctx, n)
	tracesByTx := make(map[common.Hash][]rpcclient.RawTrace)
	if blockTraceErr == nil {
		for _, t := range blockTraces {
			tracesByTx[t.TransactionHash] = append(tracesByTx[t.TransactionHash], t)
		}
	}

	var (
		mu      sync.Mutex
		results []types.Deployment
	)
	seen := make(map[[2]string]bool) // (tx_hash, contract_address) dedup

	sem := semaphore.NewWeighted(fanOutSize)
	g, gctx := errgroup.WithContext(ctx)

	for _, tx := range txs {
		tx := tx
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			deployments := e.extractFromTx(gctx, n, tx, blockTraceErr == nil, tracesByTx[tx.Hash()])
			mu.Lock()
			for _, d := range deployments {
				key := [2]string{d.TxHash.Hex(), d.ContractAddress.Hex()}
				if seen[key] {
					continue
				}
				seen[key] = true
				results = append(results, d)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results, nil
}

// extractFromTx runs the priority cascade for a single transaction.
// Failures are logged and treated as "no deployment found", never
// propagated: a bad transaction must not fail the batch.
func (e *Extractor) extractFromTx(ctx context.Context, blockNumber uint64, tx *gethtypes.Transaction, haveBlockTraces bool, txTraces []rpcclient.RawTrace) []types.Deployment {
	receipt, err := e.rpc.GetReceipt(ctx, tx.Hash())
	if err != nil {
		e.log.Debug("skipping tx, receipt fetch failed", "tx", tx.Hash(), "err", err)
		return nil
	}

	// Step 1: direct deployment.
	if tx.To() == nil {
		if receipt.ContractAddress != (common.Address{}) {
			deployer, _ := gethtypes.Sender(gethtypes.LatestSignerForChainID(tx.ChainId()), tx)
			return []types.Deployment{e.newDeployment(blockNumber, tx, receipt, types.KindDirect, nil, deployer, receipt.ContractAddress, receipt.GasUsed)}
		}
		return nil
	}

	// Step 2: block-level trace.
	if haveBlockTraces {
		if deployments := e.fromRawTraces(blockNumber, tx, receipt, txTraces); deployments != nil {
			return deployments
		}
		if len(txTraces) > 0 {
			// block traces existed for this tx but contained no
			// "create" frames: nothing further to try via tracing.
			return nil
		}
	}

	// Step 3: per-transaction trace fallback.
	traces, err := e.rpc.TraceTransaction(ctx, tx.Hash())
	if err == nil {
		if deployments := e.fromRawTraces(blockNumber, tx, receipt, traces); deployments != nil {
			return deployments
		}
		return nil
	}

	// Step 4: debug-tracer fallback.
	callTrace, err := e.rpc.CallTrace(ctx, tx.Hash())
	if err == nil && callTrace != nil {
		creations := walkCallTrace(callTrace, tx.To())
		if len(creations) > 0 {
			return e.fromCreations(blockNumber, tx, receipt, creations)
		}
		return nil
	}

	// Step 5: log-based fallback.
	return e.logBasedFallback(ctx, blockNumber, tx, receipt)
}

func (e *Extractor) fromRawTraces(blockNumber uint64, tx *gethtypes.Transaction, receipt *gethtypes.Receipt, traces []rpcclient.RawTrace) []types.Deployment {
	var out []types.Deployment
	for _, t := range traces {
		if t.Type != "create" || t.Result == nil {
			continue
		}
		factory := tx.To()
		out = append(out, e.newDeployment(blockNumber, tx, receipt, types.KindFactory, factory, t.Action.From, t.Result.Address, t.Result.GasUsedBig()))
	}
	return out
}

func (e *Extractor) fromCreations(blockNumber uint64, tx *gethtypes.Transaction, receipt *gethtypes.Receipt, creations []creation) []types.Deployment {
	out := make([]types.Deployment, 0, len(creations))
	for _, c := range creations {
		out = append(out, e.newDeployment(blockNumber, tx, receipt, types.KindFactory, c.factoryAddress, c.deployerAddress, c.contractAddress, c.gasUsed))
	}
	return out
}

// logBasedFallback iterates the receipt's logs looking for addresses
// that newly received code in this block: the last-resort heuristic
// used when no tracing namespace is available at all.
func (e *Extractor) logBasedFallback(ctx context.Context, blockNumber uint64, tx *gethtypes.Transaction, receipt *gethtypes.Receipt) []types.Deployment {
	skip := skipAddresses()
	seen := make(map[common.Address]bool)
	var out []types.Deployment

	for _, l := range receipt.Logs {
		addr := l.Address
		if seen[addr] || addr == *tx.To() || skip[addr] {
			continue
		}
		seen[addr] = true

		code, err := e.rpc.GetCode(ctx, addr, nil)
		if err != nil || len(code) == 0 {
			continue
		}

		// Treat failure of the n-1 code check itself (e.g. pruned
		// history) as "assume new" rather than dropping the record.
		if blockNumber > 0 {
			prevCode, err := e.rpc.GetCode(ctx, addr, new(big.Int).SetUint64(blockNumber-1))
			if err == nil && len(prevCode) > 0 {
				continue
			}
		}

		deployer := common.Address{}
		from, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(tx.ChainId()), tx)
		if err == nil {
			deployer = from
		}
		out = append(out, e.newDeployment(blockNumber, tx, receipt, types.KindFactory, tx.To(), deployer, addr, receipt.GasUsed))
	}
	return out
}

func (e *Extractor) newDeployment(blockNumber uint64, tx *gethtypes.Transaction, receipt *gethtypes.Receipt, kind types.DeploymentKind, factory *common.Address, deployer, contract common.Address, gasUsed uint64) types.Deployment {
	return types.Deployment{
		ContractAddress: contract,
		Chain:           e.chain,
		DeployerAddress: deployer,
		TxHash:          tx.Hash(),
		BlockNumber:     blockNumber,
		Kind:            kind,
		FactoryAddress:  factory,
		GasUsed:         gasUsed,
		Status:          receipt.Status,
	}
}
