package rpcclient

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// RawTrace is a single frame returned by trace_block or
// trace_transaction. Only the fields the extractor needs are
// modeled; everything else in the node's response is ignored by the
// JSON decoder.
type RawTrace struct {
	Type            string          `json:"type"`
	TransactionHash common.Hash     `json:"transactionHash"`
	Action          RawTraceAction  `json:"action"`
	Result          *RawTraceResult `json:"result"`
}

type RawTraceAction struct {
	From common.Address  `json:"from"`
	To   *common.Address `json:"to"`
}

type RawTraceResult struct {
	Address common.Address `json:"address"`
	GasUsed string         `json:"gasUsed"`
}

// GasUsedBig parses the trace result's hex-encoded gasUsed field.
func (r *RawTraceResult) GasUsedBig() uint64 {
	if r == nil || r.GasUsed == "" {
		return 0
	}
	v := new(big.Int)
	v.SetString(trimHexPrefix(r.GasUsed), 16)
	return v.Uint64()
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// CallFrame is a node in the recursive call tree produced by
// debug_traceTransaction with the callTracer. Type is one of CALL,
// STATICCALL, DELEGATECALL, CREATE, CREATE2 (and a few rarer
// variants); Calls holds the nested frames executed by this one.
type CallFrame struct {
	Type    string          `json:"type"`
	From    common.Address  `json:"from"`
	To      *common.Address `json:"to,omitempty"`
	GasUsed string          `json:"gasUsed,omitempty"`
	Input   string          `json:"input,omitempty"`
	Calls   []CallFrame     `json:"calls,omitempty"`
}
