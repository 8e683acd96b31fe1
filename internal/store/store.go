// Package store implements the Persistence Store (C5): idempotent
// batched writes, the durable per-chain cursor, and the read queries
// layered on top, using database/sql over modernc.org/sqlite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ethereum/go-ethereum/log"

	"github.com/contractindexer/indexer/internal/types"
)

const (
	flushBatchSize = 10
	flushInterval  = 500 * time.Millisecond
)

const schema = `
CREATE TABLE IF NOT EXISTS contracts (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	contract_address TEXT NOT NULL,
	network          TEXT NOT NULL,
	deployer_address TEXT NOT NULL,
	entity_name      TEXT,
	entity_id        TEXT,
	block_number     INTEGER NOT NULL,
	transaction_hash TEXT NOT NULL,
	contract_type    TEXT,
	contract_info    TEXT,
	factory_address  TEXT,
	deployment_type  TEXT,
	timestamp        DATETIME DEFAULT CURRENT_TIMESTAMP,
	created_at       DATETIME DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(contract_address, network)
);

CREATE TABLE IF NOT EXISTS monitoring_state (
	network               TEXT PRIMARY KEY,
	last_processed_block  INTEGER NOT NULL,
	updated_at            DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_deployer ON contracts(deployer_address);
CREATE INDEX IF NOT EXISTS idx_entity ON contracts(entity_name);
CREATE INDEX IF NOT EXISTS idx_network ON contracts(network);
CREATE INDEX IF NOT EXISTS idx_contract_type ON contracts(contract_type);
`

// row is the flattened shape queued for a single contract insert.
type row struct {
	contractAddress string
	network         string
	deployerAddress string
	entityName      *string
	entityID        *string
	blockNumber     uint64
	txHash          string
	contractType    *string
	contractInfo    *string
	factoryAddress  *string
	deploymentType  string
}

// Stat is one network's aggregate row, as returned by StatsByNetwork.
type Stat struct {
	Network         string
	TotalContracts  int
	EntityContracts int
	LatestBlock     uint64
}

// ContractRecord is a denormalized read-query result row.
type ContractRecord struct {
	ContractAddress string
	Network         string
	DeployerAddress string
	EntityName      *string
	EntityID        *string
	BlockNumber     uint64
	TransactionHash string
	ContractType    *string
	ContractInfo    *string
	FactoryAddress  *string
	DeploymentType  string
}

// Store is the C5 persistence layer: a single sqlite connection, a
// background batch writer goroutine draining a buffered channel
// (capacity 4096), and synchronous cursor/read operations.
type Store struct {
	db  *sql.DB
	log log.Logger

	queue chan row
	done  chan struct{}
	wg    sync.WaitGroup

	statsMu    sync.Mutex
	batchStats struct{ queued, written, failed int }
}

// Open creates (if needed) the schema at dbPath and starts the
// background batch writer.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}

	s := &Store{
		db:    db,
		log:   log.New("component", "store"),
		queue: make(chan row, 4096),
		done:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s, nil
}

// QueueDeployment enqueues d for the background writer without
// waiting for it to be written. It never fails synchronously; when
// the 4096-entry queue is full it blocks until the writer frees
// space rather than dropping d.
func (s *Store) QueueDeployment(d types.Deployment) {
	r := row{
		contractAddress: d.ContractAddress.Hex(),
		network:         d.Chain,
		deployerAddress: d.DeployerAddress.Hex(),
		entityName:      d.EntityName,
		entityID:        d.EntityID,
		blockNumber:     d.BlockNumber,
		txHash:          d.TxHash.Hex(),
		deploymentType:  string(d.Kind),
	}
	if d.FactoryAddress != nil {
		fa := d.FactoryAddress.Hex()
		r.factoryAddress = &fa
	}
	if d.Classification != nil {
		ct := d.Classification.PrimaryType
		r.contractType = &ct
		if b, err := json.Marshal(classificationInfo(d.Classification)); err == nil {
			ci := string(b)
			r.contractInfo = &ci
		}
	}

	s.statsMu.Lock()
	s.batchStats.queued++
	s.statsMu.Unlock()

	s.queue <- r
}

// classificationInfo reshapes a Classification into the flattened
// contract_info JSON blob stored alongside each row.
func classificationInfo(c *types.Classification) map[string]any {
	m := map[string]any{
		"type":           c.PrimaryType,
		"all_types":      c.AllTypes,
		"confidence":     c.Confidence,
		"bytecode_size":  c.BytecodeLen,
	}
	for k, v := range c.Metadata {
		m[k] = v
	}
	if c.Error != "" {
		m["error"] = c.Error
	}
	return m
}

// writeLoop drains the queue into batches of up to flushBatchSize
// records or flushInterval, whichever comes first.
func (s *Store) writeLoop() {
	defer s.wg.Done()

	timer := time.NewTimer(flushInterval)
	defer timer.Stop()

	var batch []row
	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.flushBatch(batch)
		batch = nil
	}

	for {
		select {
		case r, ok := <-s.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, r)
			if len(batch) >= flushBatchSize {
				flush()
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(flushInterval)
			}
		case <-timer.C:
			flush()
			timer.Reset(flushInterval)
		case <-s.done:
			// drain whatever remains without blocking on new sends
			for {
				select {
				case r := <-s.queue:
					batch = append(batch, r)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *Store) flushBatch(batch []row) {
	placeholders := make([]string, 0, len(batch))
	args := make([]any, 0, len(batch)*11)
	for _, r := range batch {
		placeholders = append(placeholders, "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			r.contractAddress, r.network, r.deployerAddress,
			r.entityName, r.entityID, r.blockNumber, r.txHash,
			r.contractType, r.contractInfo, r.factoryAddress, r.deploymentType,
		)
	}

	query := fmt.Sprintf(`INSERT INTO contracts
		(contract_address, network, deployer_address, entity_name, entity_id,
		 block_number, transaction_hash, contract_type, contract_info, factory_address, deployment_type)
		VALUES %s
		ON CONFLICT(contract_address, network) DO NOTHING`, strings.Join(placeholders, ", "))

	res, err := s.db.Exec(query, args...)
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	if err != nil {
		s.batchStats.failed += len(batch)
		s.log.Error("batch write failed", "size", len(batch), "err", err)
		return
	}
	n, _ := res.RowsAffected()
	s.batchStats.written += int(n)
	s.log.Debug("batch write completed", "written", n, "attempted", len(batch))
}

// BatchStats reports the writer's lifetime queued/written/failed
// counters.
type BatchStats struct {
	Queued, Written, Failed int
}

func (s *Store) BatchStats() BatchStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return BatchStats{s.batchStats.queued, s.batchStats.written, s.batchStats.failed}
}

// SetCursor synchronously upserts the durable cursor for chain.
// Callers must only invoke it after every deployment from the
// committed batch has been enqueued.
func (s *Store) SetCursor(ctx context.Context, chain string, blockNumber uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO monitoring_state (network, last_processed_block, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(network) DO UPDATE SET
			last_processed_block = excluded.last_processed_block,
			updated_at = CURRENT_TIMESTAMP
	`, chain, blockNumber)
	if err != nil {
		return fmt.Errorf("store: set cursor %s=%d: %w", chain, blockNumber, err)
	}
	return nil
}

// LastProcessedBlock returns the persisted cursor for chain, or
// (0, false) if none has been recorded yet.
func (s *Store) LastProcessedBlock(ctx context.Context, chain string) (uint64, bool, error) {
	var n uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_processed_block FROM monitoring_state WHERE network = ?`, chain).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("store: last processed block %s: %w", chain, err)
	}
	return n, true, nil
}

// ContractsByEntity returns every contract attributed to entityName,
// optionally filtered to one network, newest block first.
func (s *Store) ContractsByEntity(ctx context.Context, entityName, network string) ([]ContractRecord, error) {
	if network != "" {
		return s.queryContracts(ctx,
			`SELECT contract_address, network, deployer_address, entity_name, entity_id,
			        block_number, transaction_hash, contract_type, contract_info, factory_address, deployment_type
			 FROM contracts WHERE entity_name = ? AND network = ? ORDER BY block_number DESC`,
			entityName, network)
	}
	return s.queryContracts(ctx,
		`SELECT contract_address, network, deployer_address, entity_name, entity_id,
		        block_number, transaction_hash, contract_type, contract_info, factory_address, deployment_type
		 FROM contracts WHERE entity_name = ? ORDER BY block_number DESC`,
		entityName)
}

// AllEntityContracts returns every contract that has any attributed
// entity, optionally filtered to one network.
func (s *Store) AllEntityContracts(ctx context.Context, network string) ([]ContractRecord, error) {
	if network != "" {
		return s.queryContracts(ctx,
			`SELECT contract_address, network, deployer_address, entity_name, entity_id,
			        block_number, transaction_hash, contract_type, contract_info, factory_address, deployment_type
			 FROM contracts WHERE entity_name IS NOT NULL AND network = ? ORDER BY block_number DESC`,
			network)
	}
	return s.queryContracts(ctx,
		`SELECT contract_address, network, deployer_address, entity_name, entity_id,
		        block_number, transaction_hash, contract_type, contract_info, factory_address, deployment_type
		 FROM contracts WHERE entity_name IS NOT NULL ORDER BY block_number DESC`)
}

// ContractsByFactory returns every contract created by factoryAddress.
func (s *Store) ContractsByFactory(ctx context.Context, factoryAddress, network string) ([]ContractRecord, error) {
	if network != "" {
		return s.queryContracts(ctx,
			`SELECT contract_address, network, deployer_address, entity_name, entity_id,
			        block_number, transaction_hash, contract_type, contract_info, factory_address, deployment_type
			 FROM contracts WHERE factory_address = ? AND network = ? ORDER BY block_number DESC`,
			factoryAddress, network)
	}
	return s.queryContracts(ctx,
		`SELECT contract_address, network, deployer_address, entity_name, entity_id,
		        block_number, transaction_hash, contract_type, contract_info, factory_address, deployment_type
		 FROM contracts WHERE factory_address = ? ORDER BY block_number DESC`,
		factoryAddress)
}

// ContractsByDeploymentType returns every contract whose deployment
// kind (direct/factory) matches deploymentType.
func (s *Store) ContractsByDeploymentType(ctx context.Context, deploymentType, network string) ([]ContractRecord, error) {
	if network != "" {
		return s.queryContracts(ctx,
			`SELECT contract_address, network, deployer_address, entity_name, entity_id,
			        block_number, transaction_hash, contract_type, contract_info, factory_address, deployment_type
			 FROM contracts WHERE deployment_type = ? AND network = ? ORDER BY block_number DESC`,
			deploymentType, network)
	}
	return s.queryContracts(ctx,
		`SELECT contract_address, network, deployer_address, entity_name, entity_id,
		        block_number, transaction_hash, contract_type, contract_info, factory_address, deployment_type
		 FROM contracts WHERE deployment_type = ? ORDER BY block_number DESC`,
		deploymentType)
}

// ContractsByNetwork returns every contract discovered on one chain,
// newest block first.
func (s *Store) ContractsByNetwork(ctx context.Context, network string) ([]ContractRecord, error) {
	return s.queryContracts(ctx,
		`SELECT contract_address, network, deployer_address, entity_name, entity_id,
		        block_number, transaction_hash, contract_type, contract_info, factory_address, deployment_type
		 FROM contracts WHERE network = ? ORDER BY block_number DESC`,
		network)
}

func (s *Store) queryContracts(ctx context.Context, query string, args ...any) ([]ContractRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query: %w", err)
	}
	defer rows.Close()

	var out []ContractRecord
	for rows.Next() {
		var r ContractRecord
		if err := rows.Scan(&r.ContractAddress, &r.Network, &r.DeployerAddress, &r.EntityName, &r.EntityID,
			&r.BlockNumber, &r.TransactionHash, &r.ContractType, &r.ContractInfo, &r.FactoryAddress, &r.DeploymentType); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// StatsByNetwork returns aggregate counts per chain: total contracts,
// contracts with an attributed entity, and the highest block number.
// The orchestrator's status log does not use it; that log is built
// from the monitors' in-memory counters.
func (s *Store) StatsByNetwork(ctx context.Context) (map[string]Stat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT network,
		       COUNT(*) AS total_contracts,
		       COUNT(CASE WHEN entity_name IS NOT NULL THEN 1 END) AS entity_contracts,
		       MAX(block_number) AS latest_block
		FROM contracts
		GROUP BY network
	`)
	if err != nil {
		return nil, fmt.Errorf("store: stats by network: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Stat)
	for rows.Next() {
		var st Stat
		if err := rows.Scan(&st.Network, &st.TotalContracts, &st.EntityContracts, &st.LatestBlock); err != nil {
			return nil, fmt.Errorf("store: stats scan: %w", err)
		}
		out[st.Network] = st
	}
	return out, rows.Err()
}

// Close drains the queue, flushes any remaining batch, stops the
// writer goroutine, and closes the underlying connection.
func (s *Store) Close() error {
	close(s.done)
	s.wg.Wait()
	s.log.Info("store closed", "stats", s.BatchStats())
	return s.db.Close()
}
