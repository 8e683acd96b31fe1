// Package rpcclient implements the RPC Client Adapter (C1): a small
// typed surface over a chain node that hides endpoint failover and
// retry/backoff from its callers.
package rpcclient

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/contractindexer/indexer/internal/rpcerrors"
)

const (
	callTimeout  = 10 * time.Second
	maxAttempts  = 3
	initialDelay = 1 * time.Second
	maxDelay     = 60 * time.Second
)

// endpoint tracks the per-endpoint connection and health state used
// by the failover state machine ("unhealthy" marks
// reset on successful requests).
type endpoint struct {
	url              string
	client           *ethclient.Client
	rpc              *rpc.Client
	unhealthy        bool
	traceUnsupported bool
}

// Adapter is the per-chain RPC Client Adapter. It owns an ordered
// list of endpoints and rotates through them on connection failure.
type Adapter struct {
	chain string
	log   log.Logger

	mu        sync.Mutex
	endpoints []*endpoint
	cur       int

	// lastHead/staleCalls detect a silently-stalled endpoint (still
	// TCP-connected, no longer advancing) across successive LatestHead
	// calls, as a pre-flight probe that costs no extra RPC call: the
	// monitor loop already calls LatestHead once per check_interval tick.
	lastHead   uint64
	staleCalls int
}

// New dials the first reachable endpoint in urls and returns an
// Adapter for chain. Proof-of-authority chains need no special
// handling here: types.Header models extraData as an unbounded byte
// slice, so their non-standard-length field decodes like any other.
func New(ctx context.Context, chain string, urls []string) (*Adapter, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("rpcclient: no endpoints configured for chain %s", chain)
	}
	a := &Adapter{
		chain: chain,
		log:   log.New("chain", chain),
	}
	for _, u := range urls {
		a.endpoints = append(a.endpoints, &endpoint{url: u})
	}
	if err := a.dialCurrent(ctx); err != nil {
		if rerr := a.rotate(ctx); rerr != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *Adapter) dialCurrent(ctx context.Context) error {
	ep := a.endpoints[a.cur]
	rpcClient, err := rpc.DialContext(ctx, ep.url)
	if err != nil {
		return err
	}
	ep.rpc = rpcClient
	ep.client = ethclient.NewClient(rpcClient)
	ep.unhealthy = false
	return nil
}

// rotate advances to the next endpoint in the list, marking the
// current one unhealthy, and dials it. Returns rpcerrors.ErrRPCUnavailable
// once every endpoint has been tried without success.
func (a *Adapter) rotate(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.endpoints[a.cur].unhealthy = true
	start := a.cur
	for i := 0; i < len(a.endpoints); i++ {
		a.cur = (a.cur + 1) % len(a.endpoints)
		if err := a.dialCurrent(ctx); err == nil {
			a.log.Warn("rotated rpc endpoint", "to", a.endpoints[a.cur].url)
			return nil
		}
		if a.cur == start {
			break
		}
	}
	return rpcerrors.ErrRPCUnavailable
}

func (a *Adapter) current() *endpoint {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.endpoints[a.cur]
}

// Close releases the connection of every endpoint dialed so far.
func (a *Adapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ep := range a.endpoints {
		if ep.client != nil {
			ep.client.Close()
		}
	}
}

// withRetry runs fn against the current endpoint, retrying with
// cenkalti/backoff's exponential policy (1s doubling, capped 60s, up
// to maxAttempts) on same-endpoint transient failures, and rotating
// to the next endpoint immediately on a connection-class failure. It
// rotates at most once per configured endpoint before returning
// ErrRPCUnavailable; ErrRPCNotFound is returned without any retry.
func (a *Adapter) withRetry(ctx context.Context, fn func(ctx context.Context, c *ethclient.Client) error) error {
	var lastErr error
	policy := backoff.WithContext(backoff.WithMaxRetries(NewExponentialBackOff(), maxAttempts-1), ctx)

	operation := func() error {
		ep := a.current()
		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		err := fn(callCtx, ep.client)
		cancel()
		if err == nil {
			a.mu.Lock()
			ep.unhealthy = false
			a.mu.Unlock()
			return nil
		}
		lastErr = err
		if errors.Is(err, rpcerrors.ErrRPCNotFound) {
			return backoff.Permanent(err)
		}
		if isConnectionClass(err) {
			if rotErr := a.rotate(ctx); rotErr != nil {
				return backoff.Permanent(rotErr)
			}
			// A fresh endpoint is already dialed; retry without
			// waiting out the backoff delay meant for same-endpoint
			// transient failures.
			return backoff.Permanent(errRetryNow)
		}
		return err
	}

	rotations := 0
	for {
		// backoff.Retry unwraps a backoff.Permanent error and returns
		// its inner error directly, so errRetryNow/ErrRPCUnavailable
		// are compared against the returned error itself.
		err := backoff.Retry(operation, policy)
		switch {
		case err == nil:
			return nil
		case err == errRetryNow:
			rotations++
			if rotations >= len(a.endpoints) {
				return rpcerrors.Wrap(rpcerrors.ErrRPCUnavailable, a.chain, lastErr)
			}
			continue
		case errors.Is(err, rpcerrors.ErrRPCUnavailable), errors.Is(err, rpcerrors.ErrRPCNotFound):
			return err
		default:
			return rpcerrors.Wrap(rpcerrors.ErrRPCTransient, a.chain, lastErr)
		}
	}
}

// errRetryNow signals withRetry's outer loop to immediately re-enter
// backoff.Retry against the endpoint rotate just dialed, rather than
// consuming one of the same-endpoint exponential-backoff attempts.
var errRetryNow = errors.New("rpcclient: retry against rotated endpoint")

func isConnectionClass(err error) bool {
	// Any error surfacing from the HTTP/websocket transport itself
	// (as opposed to a well-formed JSON-RPC error response, which
	// carries an ErrorCode) is treated as connection-class and
	// triggers endpoint rotation rather than a same-endpoint retry.
	if err == nil {
		return false
	}
	type coder interface{ ErrorCode() int }
	_, isRPCError := err.(coder)
	return !isRPCError
}

// maxStaleTicks bounds how many consecutive unchanged-head
// LatestHead calls are tolerated before the endpoint is treated as
// stalled and rotated away, even though it still answers without a
// transport-level error.
const maxStaleTicks = 3

// LatestHead returns the chain's current head block number. It also
// re-validates the active endpoint against the previous call's head:
// an endpoint that keeps answering the same block number for
// maxStaleTicks consecutive calls is silently stalled and gets
// rotated away without waiting for a hard call-level error.
func (a *Adapter) LatestHead(ctx context.Context) (uint64, error) {
	var head uint64
	err := a.withRetry(ctx, func(ctx context.Context, c *ethclient.Client) error {
		h, err := c.BlockNumber(ctx)
		if err != nil {
			return err
		}
		head = h
		return nil
	})
	if err != nil {
		return head, err
	}

	a.mu.Lock()
	if head == a.lastHead {
		a.staleCalls++
	} else {
		a.lastHead = head
		a.staleCalls = 0
	}
	stalled := a.staleCalls >= maxStaleTicks
	a.mu.Unlock()

	if stalled {
		a.log.Warn("endpoint head appears stalled, rotating", "head", head)
		if rotErr := a.rotate(ctx); rotErr != nil {
			return head, rotErr
		}
		a.mu.Lock()
		a.staleCalls = 0
		a.mu.Unlock()
	}
	return head, nil
}

// GetBlockWithTxs returns block n including full transactions.
func (a *Adapter) GetBlockWithTxs(ctx context.Context, n uint64) (*types.Block, error) {
	var block *types.Block
	err := a.withRetry(ctx, func(ctx context.Context, c *ethclient.Client) error {
		b, err := c.BlockByNumber(ctx, new(big.Int).SetUint64(n))
		if err != nil {
			if err == ethereum.NotFound {
				return rpcerrors.Wrap(rpcerrors.ErrRPCNotFound, a.chain, err)
			}
			return err
		}
		block = b
		return nil
	})
	return block, err
}

// GetReceipt returns the receipt for txHash.
func (a *Adapter) GetReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := a.withRetry(ctx, func(ctx context.Context, c *ethclient.Client) error {
		r, err := c.TransactionReceipt(ctx, txHash)
		if err != nil {
			if err == ethereum.NotFound {
				return rpcerrors.Wrap(rpcerrors.ErrRPCNotFound, a.chain, err)
			}
			return err
		}
		receipt = r
		return nil
	})
	return receipt, err
}

// GetCode returns the bytecode deployed at address at block (nil for
// latest).
func (a *Adapter) GetCode(ctx context.Context, address common.Address, block *big.Int) ([]byte, error) {
	var code []byte
	err := a.withRetry(ctx, func(ctx context.Context, c *ethclient.Client) error {
		b, err := c.CodeAt(ctx, address, block)
		if err != nil {
			return err
		}
		code = b
		return nil
	})
	return code, err
}

// GetStorage returns the 32-byte word at address/slot.
func (a *Adapter) GetStorage(ctx context.Context, address common.Address, slot common.Hash) ([]byte, error) {
	var word []byte
	err := a.withRetry(ctx, func(ctx context.Context, c *ethclient.Client) error {
		w, err := c.StorageAt(ctx, address, slot, nil)
		if err != nil {
			return err
		}
		word = w
		return nil
	})
	return word, err
}

// EthCall executes a read-only call against address with calldata.
func (a *Adapter) EthCall(ctx context.Context, address common.Address, data []byte) ([]byte, error) {
	var out []byte
	err := a.withRetry(ctx, func(ctx context.Context, c *ethclient.Client) error {
		msg := ethereum.CallMsg{To: &address, Data: data}
		b, err := c.CallContract(ctx, msg, nil)
		if err != nil {
			return err
		}
		out = b
		return nil
	})
	return out, err
}

// TraceBlock returns the execution traces for block n via trace_block.
// Once an endpoint reports the trace namespace unsupported, the
// adapter stops attempting block-level traces on it and
// returns rpcerrors.ErrTraceUnsupported immediately on subsequent calls.
func (a *Adapter) TraceBlock(ctx context.Context, n uint64) ([]RawTrace, error) {
	ep := a.current()
	if ep.traceUnsupported {
		return nil, rpcerrors.ErrTraceUnsupported
	}
	var traces []RawTrace
	err := a.withRetry(ctx, func(ctx context.Context, c *ethclient.Client) error {
		return a.current().rpc.CallContext(ctx, &traces, "trace_block", hexBlockNumber(n))
	})
	if err != nil && methodNotSupported(err) {
		a.mu.Lock()
		ep.traceUnsupported = true
		a.mu.Unlock()
		return nil, rpcerrors.ErrTraceUnsupported
	}
	return traces, err
}

// TraceTransaction returns the execution traces for a single
// transaction via trace_transaction.
func (a *Adapter) TraceTransaction(ctx context.Context, txHash common.Hash) ([]RawTrace, error) {
	var traces []RawTrace
	err := a.withRetry(ctx, func(ctx context.Context, c *ethclient.Client) error {
		return a.current().rpc.CallContext(ctx, &traces, "trace_transaction", txHash)
	})
	if err != nil && methodNotSupported(err) {
		return nil, rpcerrors.ErrTraceUnsupported
	}
	return traces, err
}

// CallTrace returns the recursive call tree for a transaction via
// debug_traceTransaction with the callTracer.
func (a *Adapter) CallTrace(ctx context.Context, txHash common.Hash) (*CallFrame, error) {
	var frame CallFrame
	tracerOpts := map[string]interface{}{"tracer": "callTracer"}
	err := a.withRetry(ctx, func(ctx context.Context, c *ethclient.Client) error {
		return a.current().rpc.CallContext(ctx, &frame, "debug_traceTransaction", txHash, tracerOpts)
	})
	if err != nil {
		if methodNotSupported(err) {
			return nil, rpcerrors.ErrTraceUnsupported
		}
		return nil, err
	}
	return &frame, nil
}

func hexBlockNumber(n uint64) string {
	return fmt.Sprintf("0x%x", n)
}

// methodNotSupported recognizes the class of JSON-RPC error returned
// when a node does not implement the requested namespace/method.
func methodNotSupported(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, sub := range []string{"method not found", "Unknown method", "not supported", "does not exist"} {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}

// NewExponentialBackOff builds the cenkalti/backoff policy used by
// withRetry: 1s initial interval doubling up to a 60s cap.
func NewExponentialBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialDelay
	b.MaxInterval = maxDelay
	b.Multiplier = 2
	return b
}
