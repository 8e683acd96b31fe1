// Package classifier implements the Bytecode Classifier (C4):
// selector-based contract type detection plus best-effort metadata
// enrichment, following the go-ethereum accounts/abi ABI-packing
// conventions for eth_call argument/return encoding.
package classifier

import (
	"context"
	"encoding/hex"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/contractindexer/indexer/internal/types"
)

// Backend holds the three rpcclient.Adapter methods the classifier
// needs; spelled out as an interface so tests can supply a fake node
// without dialing anything.
type Backend interface {
	GetCode(ctx context.Context, address common.Address, block *big.Int) ([]byte, error)
	GetStorage(ctx context.Context, address common.Address, slot common.Hash) ([]byte, error)
	EthCall(ctx context.Context, address common.Address, data []byte) ([]byte, error)
}

// Classifier produces a types.Classification for a contract address.
// It never fails: unrecoverable errors are reported as the "Error"
// type on the returned classification rather than as a Go error.
type Classifier struct {
	backend Backend
}

func New(backend Backend) *Classifier {
	return &Classifier{backend: backend}
}

// Classify fetches code at address and classifies it, enriching the
// result with type-specific metadata via best-effort eth_call.
func (c *Classifier) Classify(ctx context.Context, address common.Address) *types.Classification {
	code, err := c.backend.GetCode(ctx, address, nil)
	if err != nil {
		return &types.Classification{PrimaryType: "Error", AllTypes: []string{"Error"}, Error: err.Error()}
	}
	if len(code) == 0 {
		return &types.Classification{PrimaryType: "EOA", AllTypes: []string{"EOA"}, Confidence: 1.0}
	}

	hexCode := strings.ToLower(hex.EncodeToString(code))

	var allTypes []string
	scores := make(map[string]float64)

	if strings.Contains(hexCode, minimalProxyPattern) {
		allTypes = append(allTypes, "MinimalProxy")
		scores["MinimalProxy"] = 1.0
	}
	if strings.Contains(hexCode, cloneFactoryPattern) {
		allTypes = append(allTypes, "CloneFactory")
		scores["CloneFactory"] = 1.0
	}

	for _, cat := range categories {
		matches := countMatches(hexCode, cat.signatures)
		if matches >= cat.threshold {
			allTypes = append(allTypes, cat.name)
			scores[cat.name] = float64(matches) / float64(len(cat.signatures))
		}
	}

	primary := "Unknown"
	confidence := 0.0
	if len(allTypes) > 0 {
		best := ""
		bestScore := -1.0
		for _, t := range allTypes {
			if s := scores[t]; s > bestScore {
				bestScore = s
				best = t
			}
		}
		primary = best
		confidence = bestScore
	} else {
		allTypes = []string{"Unknown"}
	}

	result := &types.Classification{
		PrimaryType: primary,
		AllTypes:    allTypes,
		Confidence:  confidence,
		BytecodeLen: len(code),
		Metadata:    map[string]any{},
	}

	c.enrich(ctx, address, result)
	return result
}

func countMatches(hexCode string, signatures []string) int {
	n := 0
	for _, sig := range signatures {
		if strings.Contains(hexCode, sig) {
			n++
		}
	}
	return n
}

// enrich performs the per-primary-type metadata calls for the
// classified primary type. Every individual call failure is
// tolerated silently; only successfully decoded fields are added to
// Metadata.
func (c *Classifier) enrich(ctx context.Context, address common.Address, result *types.Classification) {
	switch result.PrimaryType {
	case "ERC20":
		if v, err := c.callString(ctx, address, "name()"); err == nil {
			result.Metadata["token_name"] = v
		}
		if v, err := c.callString(ctx, address, "symbol()"); err == nil {
			result.Metadata["token_symbol"] = v
		}
		if v, err := c.callUint8(ctx, address, "decimals()"); err == nil {
			result.Metadata["token_decimals"] = v
		}
		if v, err := c.callUint256(ctx, address, "totalSupply()"); err == nil {
			result.Metadata["total_supply_raw"] = v.String()
		}
	case "ERC721":
		if v, err := c.callString(ctx, address, "name()"); err == nil {
			result.Metadata["nft_name"] = v
		}
		if v, err := c.callString(ctx, address, "symbol()"); err == nil {
			result.Metadata["nft_symbol"] = v
		}
		if v, err := c.callUint256(ctx, address, "totalSupply()"); err == nil {
			result.Metadata["nft_total_supply"] = v.String()
		}
	case "Pool":
		if v, err := c.callAddress(ctx, address, "token0()"); err == nil {
			result.Metadata["pool_token0"] = v.Hex()
		}
		if v, err := c.callAddress(ctx, address, "token1()"); err == nil {
			result.Metadata["pool_token1"] = v.Hex()
		}
		if r0, r1, err := c.callGetReserves(ctx, address); err == nil {
			result.Metadata["pool_reserve0"] = r0.String()
			result.Metadata["pool_reserve1"] = r1.String()
		}
	case "Proxy":
		if impl, ok := c.implementationAddress(ctx, address); ok {
			result.Metadata["implementation"] = impl.Hex()
		}
	}
}

// implementationAddress resolves a proxy's implementation address,
// first via the implementation() call and, on failure, via the
// EIP-1967 storage slot.
func (c *Classifier) implementationAddress(ctx context.Context, address common.Address) (common.Address, bool) {
	if impl, err := c.callAddress(ctx, address, "implementation()"); err == nil {
		if impl != (common.Address{}) {
			return impl, true
		}
	}
	word, err := c.backend.GetStorage(ctx, address, common.HexToHash(eip1967ImplementationSlot))
	if err != nil {
		return common.Address{}, false
	}
	impl := common.BytesToAddress(word)
	if impl == (common.Address{}) {
		return common.Address{}, false
	}
	return impl, true
}

func selector(signature string) []byte {
	return crypto.Keccak256([]byte(signature))[:4]
}

func (c *Classifier) call(ctx context.Context, address common.Address, signature string) ([]byte, error) {
	return c.backend.EthCall(ctx, address, selector(signature))
}

func (c *Classifier) callString(ctx context.Context, address common.Address, signature string) (string, error) {
	out, err := c.call(ctx, address, signature)
	if err != nil {
		return "", err
	}
	args := abi.Arguments{{Type: mustType("string")}}
	vals, err := args.Unpack(out)
	if err != nil || len(vals) == 0 {
		return "", errUnpack
	}
	s, _ := vals[0].(string)
	return s, nil
}

func (c *Classifier) callUint8(ctx context.Context, address common.Address, signature string) (uint8, error) {
	out, err := c.call(ctx, address, signature)
	if err != nil {
		return 0, err
	}
	args := abi.Arguments{{Type: mustType("uint8")}}
	vals, err := args.Unpack(out)
	if err != nil || len(vals) == 0 {
		return 0, errUnpack
	}
	v, _ := vals[0].(uint8)
	return v, nil
}

func (c *Classifier) callUint256(ctx context.Context, address common.Address, signature string) (*big.Int, error) {
	out, err := c.call(ctx, address, signature)
	if err != nil {
		return nil, err
	}
	args := abi.Arguments{{Type: mustType("uint256")}}
	vals, err := args.Unpack(out)
	if err != nil || len(vals) == 0 {
		return nil, errUnpack
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return nil, errUnpack
	}
	return v, nil
}

func (c *Classifier) callAddress(ctx context.Context, address common.Address, signature string) (common.Address, error) {
	out, err := c.call(ctx, address, signature)
	if err != nil {
		return common.Address{}, err
	}
	args := abi.Arguments{{Type: mustType("address")}}
	vals, err := args.Unpack(out)
	if err != nil || len(vals) == 0 {
		return common.Address{}, errUnpack
	}
	v, ok := vals[0].(common.Address)
	if !ok {
		return common.Address{}, errUnpack
	}
	return v, nil
}

func (c *Classifier) callGetReserves(ctx context.Context, address common.Address) (*big.Int, *big.Int, error) {
	out, err := c.call(ctx, address, "getReserves()")
	if err != nil {
		return nil, nil, err
	}
	args := abi.Arguments{
		{Type: mustType("uint112")},
		{Type: mustType("uint112")},
		{Type: mustType("uint32")},
	}
	vals, err := args.Unpack(out)
	if err != nil || len(vals) < 2 {
		return nil, nil, errUnpack
	}
	r0, ok0 := vals[0].(*big.Int)
	r1, ok1 := vals[1].(*big.Int)
	if !ok0 || !ok1 {
		return nil, nil, errUnpack
	}
	return r0, r1, nil
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

var errUnpack = &unpackError{}

type unpackError struct{}

func (*unpackError) Error() string { return "classifier: failed to unpack call result" }
