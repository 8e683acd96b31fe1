package extractor

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/contractindexer/indexer/internal/rpcclient"
)

// frame is one unit of pending work for the explicit-stack call-tree
// walk: a call-tracer node paired with the address of its enclosing
// call, so a nested CREATE's factory_address can be resolved without recursion,
// which avoids unbounded stack growth on adversarial call depth.
type frame struct {
	node   rpcclient.CallFrame
	parent *common.Address
}

// walkCallTrace walks root's call tree with an explicit stack and
// returns one creation for every CREATE/CREATE2 node. The parent
// address of a nested CREATE is the enclosing call's `to`; if there
// is none, it is txTo.
func walkCallTrace(root *rpcclient.CallFrame, txTo *common.Address) []creation {
	var out []creation
	stack := []frame{{node: *root, parent: txTo}}

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		callType := strings.ToUpper(top.node.Type)
		if callType == "CREATE" || callType == "CREATE2" {
			if top.node.To != nil {
				factory := txTo
				if top.parent != nil {
					factory = top.parent
				}
				out = append(out, creation{
					contractAddress: *top.node.To,
					deployerAddress: top.node.From,
					factoryAddress:  factory,
					gasUsed:         parseHexGas(top.node.GasUsed),
				})
			}
		}

		// this node's own address becomes the parent for its children
		var nextParent *common.Address
		if top.node.To != nil {
			nextParent = top.node.To
		} else {
			nextParent = top.parent
		}
		for _, child := range top.node.Calls {
			stack = append(stack, frame{node: child, parent: nextParent})
		}
	}
	return out
}

// creation is an intermediate, trace-method-agnostic representation
// of one discovered contract creation before it is turned into a
// types.Deployment by the extractor.
type creation struct {
	contractAddress common.Address
	deployerAddress common.Address
	factoryAddress  *common.Address
	gasUsed         uint64
}

func parseHexGas(s string) uint64 {
	if s == "" {
		return 0
	}
	v := new(big.Int)
	s = strings.TrimPrefix(s, "0x")
	v.SetString(s, 16)
	return v.Uint64()
}
