// Package types holds the data shapes shared across the indexer's
// components: deployment records, bytecode classifications, and
// chain cursors.
package types

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DeploymentKind distinguishes a top-level contract creation
// transaction from one created internally by another contract.
type DeploymentKind string

const (
	KindDirect  DeploymentKind = "direct"
	KindFactory DeploymentKind = "factory"
)

// Deployment is a single discovered contract creation. Identity is
// (ContractAddress, Chain); a record is not modified once it has been
// queued for persistence.
type Deployment struct {
	ContractAddress common.Address
	Chain           string
	DeployerAddress common.Address
	TxHash          common.Hash
	BlockNumber     uint64
	Kind            DeploymentKind
	FactoryAddress  *common.Address
	GasUsed         uint64
	Status          uint64
	DiscoveredAt    time.Time

	// Enrichment fields, filled in by the enrichment fan-out before
	// the record reaches the persistence store.
	EntityName     *string
	EntityID       *string
	Classification *Classification
}

// Classification is the result of bytecode analysis. It is embedded
// as JSON in the persisted record rather than stored separately.
type Classification struct {
	PrimaryType string         `json:"type"`
	AllTypes    []string       `json:"all_types"`
	Confidence  float64        `json:"confidence"`
	BytecodeLen int            `json:"bytecode_size"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// Cursor is the durable per-chain monitoring position.
type Cursor struct {
	Chain              string
	LastProcessedBlock uint64
	UpdatedAt          time.Time
}

// Stats is the read-only per-chain counter snapshot exposed by the
// supervisor for status reporting.
type Stats struct {
	Chain              string
	CurrentBlock       uint64
	Head               uint64
	Behind             uint64
	CurrentBatchSize   int
	Found              uint64
	Saved              uint64
	WithEntity         uint64
	Errors             uint64
	Status             string
	LastDeploymentTime time.Time
}
