package classifier

// Selector tables below are the external interface of the classifier:
// the exact 4-byte function selectors searched for in a contract's
// hex-encoded bytecode, grouped by category.

var erc20Signatures = []string{
	"18160ddd", // totalSupply()
	"70a08231", // balanceOf(address)
	"a9059cbb", // transfer(address,uint256)
	"23b872dd", // transferFrom(address,address,uint256)
	"095ea7b3", // approve(address,uint256)
	"dd62ed3e", // allowance(address,address)
}

var erc721Signatures = []string{
	"70a08231", // balanceOf(address)
	"6352211e", // ownerOf(uint256)
	"42842e0e", // safeTransferFrom(address,address,uint256)
	"23b872dd", // transferFrom(address,address,uint256)
	"095ea7b3", // approve(address,uint256)
	"081812fc", // getApproved(uint256)
	"a22cb465", // setApprovalForAll(address,bool)
}

var erc1155Signatures = []string{
	"00fdd58e", // balanceOf(address,uint256)
	"4e1273f4", // balanceOfBatch(address[],uint256[])
	"f242432a", // safeTransferFrom(address,address,uint256,uint256,bytes)
	"2eb2c2d6", // safeBatchTransferFrom(address,address,uint256[],uint256[],bytes)
	"a22cb465", // setApprovalForAll(address,bool)
}

var routerSignatures = []string{
	"38ed1739", // swapExactTokensForTokens
	"8803dbee", // swapTokensForExactTokens
	"7ff36ab5", // swapExactETHForTokens
	"fb3bdb41", // swapETHForExactTokens
	"18cbafe5", // swapExactTokensForETH
	"4a25d94a", // swapTokensForExactETH
	"02751cec", // removeLiquidity
	"e8e33700", // addLiquidity
}

var poolSignatures = []string{
	"0902f1ac", // getReserves()
	"6a627842", // mint(address)
	"89afcb44", // burn(address)
	"022c0d9f", // swap(uint256,uint256,address,bytes)
	"128acb08", // slot0()
	"d21220a7", // token0()
	"0dfe1681", // token1()
}

var factorySignatures = []string{
	"c9c65396", // createPair(address,address)
	"a1671295", // createPool(address,address,uint24)
	"13af4035", // allPairsLength()
	"1e3dd18b", // allPairs(uint256)
	"5c60da1b", // implementation()
	"4e1273f4", // balanceOfBatch(address[],uint256[]), also listed under ERC1155
}

var proxySignatures = []string{
	"5c60da1b", // implementation()
	"3659cfe6", // upgradeTo(address)
	"4f1ef286", // upgradeToAndCall(address,bytes)
	"8f283970", // changeAdmin(address)
	"f851a440", // admin()
}

var stakingSignatures = []string{
	"a694fc3a", // stake(uint256)
	"2e1a7d4d", // withdraw(uint256)
	"3d18b912", // getReward()
	"e9fad8ee", // exit()
	"8b876347", // earned(address)
	"70897b23", // rewardRate()
}

var multisigSignatures = []string{
	"c6427474", // submitTransaction
	"c01a8c84", // confirmTransaction
	"20ea8d86", // revokeConfirmation
	"ee22610b", // executeTransaction
	"025e7c27", // owners(uint256)
	"54741525", // required()
}

var timelockSignatures = []string{
	"3a66f901", // queueTransaction
	"591fcdfe", // executeTransaction
	"c1a287e2", // cancelTransaction
	"7d645fab", // setPendingAdmin
	"26782247", // acceptAdmin
}

// minimalProxyPattern is the EIP-1167 minimal proxy bytecode prefix.
const minimalProxyPattern = "363d3d373d3d3d363d73"

// cloneFactoryPattern is the common clone-factory bytecode prefix.
const cloneFactoryPattern = "3d602d80600a3d3981f3"

// eip1967ImplementationSlot is the storage slot holding a transparent
// or UUPS proxy's implementation address (keccak256("eip1967.proxy.implementation") - 1).
const eip1967ImplementationSlot = "0x360894a13ba1a3210667c828492db98dca3e2076cc3735a920a3ca505d382bbc"

type category struct {
	name       string
	signatures []string
	threshold  int
}

// categories is the fixed priority/threshold table,
// checked in this order when computing all_types; primary_type is
// the highest-scoring type, and on equal scores the one that entered
// all_types first (pattern matches, then this table's order) wins.
var categories = []category{
	{"ERC20", erc20Signatures, 4},
	{"ERC721", erc721Signatures, 4},
	{"ERC1155", erc1155Signatures, 2},
	{"Router", routerSignatures, 2},
	{"Pool", poolSignatures, 2},
	{"Factory", factorySignatures, 2},
	{"Proxy", proxySignatures, 1},
	{"Staking", stakingSignatures, 2},
	{"Multisig", multisigSignatures, 3},
	{"Timelock", timelockSignatures, 2},
}
