package extractor

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/contractindexer/indexer/internal/rpcclient"
	"github.com/contractindexer/indexer/internal/rpcerrors"
	"github.com/contractindexer/indexer/internal/types"
)

// fakeRPC is an in-memory RPC for extractor tests: canned block,
// receipts, traces, and code, with per-method error injection to
// force the cascade down to each fallback.
type fakeRPC struct {
	block         *gethtypes.Block
	receipts      map[common.Hash]*gethtypes.Receipt
	blockTraces   []rpcclient.RawTrace
	blockTraceErr error
	txTraces      map[common.Hash][]rpcclient.RawTrace
	txTraceErr    error
	callTraces    map[common.Hash]*rpcclient.CallFrame
	callTraceErr  error
	code          map[common.Address][]byte
	prevCode      map[common.Address][]byte
}

func (f *fakeRPC) GetBlockWithTxs(ctx context.Context, n uint64) (*gethtypes.Block, error) {
	return f.block, nil
}

func (f *fakeRPC) GetReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	r, ok := f.receipts[txHash]
	if !ok {
		return nil, rpcerrors.ErrRPCNotFound
	}
	return r, nil
}

func (f *fakeRPC) GetCode(ctx context.Context, address common.Address, block *big.Int) ([]byte, error) {
	if block != nil {
		return f.prevCode[address], nil
	}
	return f.code[address], nil
}

func (f *fakeRPC) TraceBlock(ctx context.Context, n uint64) ([]rpcclient.RawTrace, error) {
	return f.blockTraces, f.blockTraceErr
}

func (f *fakeRPC) TraceTransaction(ctx context.Context, txHash common.Hash) ([]rpcclient.RawTrace, error) {
	if f.txTraceErr != nil {
		return nil, f.txTraceErr
	}
	return f.txTraces[txHash], nil
}

func (f *fakeRPC) CallTrace(ctx context.Context, txHash common.Hash) (*rpcclient.CallFrame, error) {
	if f.callTraceErr != nil {
		return nil, f.callTraceErr
	}
	return f.callTraces[txHash], nil
}

func blockWithTxs(n uint64, txs []*gethtypes.Transaction) *gethtypes.Block {
	header := &gethtypes.Header{Number: new(big.Int).SetUint64(n)}
	return gethtypes.NewBlockWithHeader(header).WithBody(txs, nil)
}

// signedTx builds a signed transaction so the extractor can recover
// the sender address; to == nil makes it a contract creation.
func signedTx(t *testing.T, to *common.Address) (*gethtypes.Transaction, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	chainID := big.NewInt(1)
	signer := gethtypes.LatestSignerForChainID(chainID)
	tx := gethtypes.MustSignNewTx(key, signer, &gethtypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     0,
		Gas:       1_000_000,
		GasFeeCap: big.NewInt(1),
		GasTipCap: big.NewInt(1),
		Value:     big.NewInt(0),
		To:        to,
	})
	return tx, crypto.PubkeyToAddress(key.PublicKey)
}

// TestExtractBlock_DirectDeployment: a tx with no recipient and a
// receipt carrying a contract address yields one direct record.
func TestExtractBlock_DirectDeployment(t *testing.T) {
	tx, sender := signedTx(t, nil)
	contract := common.HexToAddress("0xcc01")

	f := &fakeRPC{
		block: blockWithTxs(100, []*gethtypes.Transaction{tx}),
		receipts: map[common.Hash]*gethtypes.Receipt{
			tx.Hash(): {ContractAddress: contract, Status: 1, GasUsed: 500_000},
		},
		blockTraceErr: rpcerrors.ErrTraceUnsupported,
	}

	got, err := New(f, "ethereum").ExtractBlock(context.Background(), 100)
	if err != nil {
		t.Fatalf("ExtractBlock: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d deployments, want 1", len(got))
	}
	d := got[0]
	if d.Kind != types.KindDirect {
		t.Errorf("Kind = %q, want direct", d.Kind)
	}
	if d.ContractAddress != contract {
		t.Errorf("ContractAddress = %s, want %s", d.ContractAddress, contract)
	}
	if d.DeployerAddress != sender {
		t.Errorf("DeployerAddress = %s, want recovered sender %s", d.DeployerAddress, sender)
	}
	if d.FactoryAddress != nil {
		t.Errorf("FactoryAddress = %v, want nil for a direct deployment", d.FactoryAddress)
	}
	if d.GasUsed != 500_000 || d.BlockNumber != 100 || d.Chain != "ethereum" {
		t.Errorf("record = %+v, want gas 500000 block 100 chain ethereum", d)
	}
}

// TestExtractBlock_FactoryViaBlockTrace: trace_block reports a create
// frame for a tx calling a factory contract.
func TestExtractBlock_FactoryViaBlockTrace(t *testing.T) {
	factory := common.HexToAddress("0xfac7")
	created := common.HexToAddress("0x1e1e")
	tx, _ := signedTx(t, &factory)

	f := &fakeRPC{
		block: blockWithTxs(200, []*gethtypes.Transaction{tx}),
		receipts: map[common.Hash]*gethtypes.Receipt{
			tx.Hash(): {Status: 1, GasUsed: 90_000},
		},
		blockTraces: []rpcclient.RawTrace{{
			Type:            "create",
			TransactionHash: tx.Hash(),
			Action:          rpcclient.RawTraceAction{From: factory},
			Result:          &rpcclient.RawTraceResult{Address: created, GasUsed: "0x3e8"},
		}},
	}

	got, err := New(f, "ethereum").ExtractBlock(context.Background(), 200)
	if err != nil {
		t.Fatalf("ExtractBlock: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d deployments, want 1", len(got))
	}
	d := got[0]
	if d.Kind != types.KindFactory {
		t.Errorf("Kind = %q, want factory", d.Kind)
	}
	if d.ContractAddress != created {
		t.Errorf("ContractAddress = %s, want %s", d.ContractAddress, created)
	}
	if d.DeployerAddress != factory {
		t.Errorf("DeployerAddress = %s, want the trace action's from %s", d.DeployerAddress, factory)
	}
	if d.FactoryAddress == nil || *d.FactoryAddress != factory {
		t.Errorf("FactoryAddress = %v, want %s (the tx recipient)", d.FactoryAddress, factory)
	}
	if d.GasUsed != 1000 {
		t.Errorf("GasUsed = %d, want 1000 (0x3e8 from the trace result)", d.GasUsed)
	}
}

// TestExtractBlock_FallsBackToTraceTransaction: with trace_block
// unsupported, the per-transaction trace still finds the creation.
func TestExtractBlock_FallsBackToTraceTransaction(t *testing.T) {
	factory := common.HexToAddress("0xfac7")
	created := common.HexToAddress("0x1e1e")
	tx, _ := signedTx(t, &factory)

	f := &fakeRPC{
		block: blockWithTxs(300, []*gethtypes.Transaction{tx}),
		receipts: map[common.Hash]*gethtypes.Receipt{
			tx.Hash(): {Status: 1, GasUsed: 90_000},
		},
		blockTraceErr: rpcerrors.ErrTraceUnsupported,
		txTraces: map[common.Hash][]rpcclient.RawTrace{
			tx.Hash(): {{
				Type:   "create",
				Action: rpcclient.RawTraceAction{From: factory},
				Result: &rpcclient.RawTraceResult{Address: created, GasUsed: "0x64"},
			}},
		},
	}

	got, err := New(f, "ethereum").ExtractBlock(context.Background(), 300)
	if err != nil {
		t.Fatalf("ExtractBlock: %v", err)
	}
	if len(got) != 1 || got[0].ContractAddress != created || got[0].Kind != types.KindFactory {
		t.Fatalf("got %+v, want one factory record for %s", got, created)
	}
}

// TestExtractBlock_FallsBackToCallTracer: both trace namespaces
// unsupported; debug_traceTransaction's call tree yields the nested
// CREATE2 with the enclosing call's to as factory.
func TestExtractBlock_FallsBackToCallTracer(t *testing.T) {
	factory := common.HexToAddress("0xfac7")
	created := common.HexToAddress("0x1e1e")
	tx, _ := signedTx(t, &factory)

	f := &fakeRPC{
		block: blockWithTxs(400, []*gethtypes.Transaction{tx}),
		receipts: map[common.Hash]*gethtypes.Receipt{
			tx.Hash(): {Status: 1, GasUsed: 90_000},
		},
		blockTraceErr: rpcerrors.ErrTraceUnsupported,
		txTraceErr:    rpcerrors.ErrTraceUnsupported,
		callTraces: map[common.Hash]*rpcclient.CallFrame{
			tx.Hash(): {
				Type: "CALL",
				To:   &factory,
				Calls: []rpcclient.CallFrame{
					{Type: "CREATE2", From: factory, To: &created, GasUsed: "0x3e8"},
				},
			},
		},
	}

	got, err := New(f, "ethereum").ExtractBlock(context.Background(), 400)
	if err != nil {
		t.Fatalf("ExtractBlock: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d deployments, want 1", len(got))
	}
	d := got[0]
	if d.ContractAddress != created || d.Kind != types.KindFactory {
		t.Errorf("record = %+v, want factory creation of %s", d, created)
	}
	if d.FactoryAddress == nil || *d.FactoryAddress != factory {
		t.Errorf("FactoryAddress = %v, want the enclosing call's to %s", d.FactoryAddress, factory)
	}
}

// TestExtractBlock_LogBasedFallback: with no tracing at all, an
// address seen in the receipt's logs that has code now but had none
// at n-1 is reported as a factory creation; the tx recipient itself
// is never reported.
func TestExtractBlock_LogBasedFallback(t *testing.T) {
	target := common.HexToAddress("0xfac7")
	created := common.HexToAddress("0x1e1e")
	tx, sender := signedTx(t, &target)

	f := &fakeRPC{
		block: blockWithTxs(500, []*gethtypes.Transaction{tx}),
		receipts: map[common.Hash]*gethtypes.Receipt{
			tx.Hash(): {
				Status:  1,
				GasUsed: 90_000,
				Logs: []*gethtypes.Log{
					{Address: created},
					{Address: target}, // the recipient: excluded
				},
			},
		},
		blockTraceErr: rpcerrors.ErrTraceUnsupported,
		txTraceErr:    rpcerrors.ErrTraceUnsupported,
		callTraceErr:  rpcerrors.ErrTraceUnsupported,
		code:          map[common.Address][]byte{created: {0x60, 0x80}},
	}

	got, err := New(f, "ethereum").ExtractBlock(context.Background(), 500)
	if err != nil {
		t.Fatalf("ExtractBlock: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d deployments, want 1 (recipient must be excluded)", len(got))
	}
	d := got[0]
	if d.ContractAddress != created || d.Kind != types.KindFactory {
		t.Errorf("record = %+v, want factory creation of %s", d, created)
	}
	if d.DeployerAddress != sender {
		t.Errorf("DeployerAddress = %s, want tx sender %s", d.DeployerAddress, sender)
	}
}

// TestExtractBlock_LogFallbackSkipsPreexistingCode: an address that
// already had code at n-1 is not a new deployment.
func TestExtractBlock_LogFallbackSkipsPreexistingCode(t *testing.T) {
	target := common.HexToAddress("0xfac7")
	old := common.HexToAddress("0x01d1")
	tx, _ := signedTx(t, &target)

	f := &fakeRPC{
		block: blockWithTxs(600, []*gethtypes.Transaction{tx}),
		receipts: map[common.Hash]*gethtypes.Receipt{
			tx.Hash(): {Status: 1, Logs: []*gethtypes.Log{{Address: old}}},
		},
		blockTraceErr: rpcerrors.ErrTraceUnsupported,
		txTraceErr:    rpcerrors.ErrTraceUnsupported,
		callTraceErr:  rpcerrors.ErrTraceUnsupported,
		code:          map[common.Address][]byte{old: {0x60, 0x80}},
		prevCode:      map[common.Address][]byte{old: {0x60, 0x80}},
	}

	got, err := New(f, "ethereum").ExtractBlock(context.Background(), 600)
	if err != nil {
		t.Fatalf("ExtractBlock: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d deployments, want 0 for an address with pre-existing code", len(got))
	}
}

// TestExtractBlock_EmptyBlock: zero transactions, zero records, no
// error, so the caller still advances its cursor.
func TestExtractBlock_EmptyBlock(t *testing.T) {
	f := &fakeRPC{block: blockWithTxs(700, nil)}
	got, err := New(f, "ethereum").ExtractBlock(context.Background(), 700)
	if err != nil {
		t.Fatalf("ExtractBlock: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d deployments, want 0 for an empty block", len(got))
	}
}
