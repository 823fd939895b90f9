package core

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Sharding defaults.
const (
	MaxShards             = 256
	MinValidatorsPerShard = 3
	RebalanceThreshold    = 0.3
)

// CrossShardStatus is the status of a CrossShardRecord. Transitions progress
// monotonically; there is no path out of Failed and no rollback of a
// half-applied transfer.
type CrossShardStatus int

const (
	CrossShardPending CrossShardStatus = iota
	CrossShardSourceConfirmed
	CrossShardTargetConfirmed
	CrossShardCompleted
	CrossShardFailed
)

func (s CrossShardStatus) String() string {
	switch s {
	case CrossShardPending:
		return "Pending"
	case CrossShardSourceConfirmed:
		return "SourceConfirmed"
	case CrossShardTargetConfirmed:
		return "TargetConfirmed"
	case CrossShardCompleted:
		return "Completed"
	case CrossShardFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// allowedCrossShardTransitions enumerates the only forward edges of the
// cross-shard state machine. Any pair not present here is rejected.
var allowedCrossShardTransitions = map[CrossShardStatus]map[CrossShardStatus]bool{
	CrossShardPending:         {CrossShardSourceConfirmed: true, CrossShardFailed: true},
	CrossShardSourceConfirmed: {CrossShardTargetConfirmed: true, CrossShardFailed: true},
	CrossShardTargetConfirmed: {CrossShardCompleted: true, CrossShardFailed: true},
	CrossShardCompleted:       {},
	CrossShardFailed:          {},
}

// ShardInfo is the catalog record for one shard.
type ShardInfo struct {
	ShardID        uint16
	Name           string
	ValidatorCount int
	TxCount        uint64
	BlockCount     uint64
	CreationTime   uint64
	LastBlockTime  uint64
	Active         bool
}

// CrossShardRecord tracks one cross-shard transfer's lifecycle.
type CrossShardRecord struct {
	TxHash      Hash
	SourceShard uint16
	TargetShard uint16
	Status      CrossShardStatus
	CreatedAt   uint64
	CompletedAt *uint64
}

// ShardingEngine owns the shard catalog, node assignment, and cross-shard
// records. It is a singleton within a Node, not a process-wide global.
type ShardingEngine struct {
	mu sync.RWMutex

	shards     map[uint16]*ShardInfo
	nodeShard  map[Address]uint16
	crossShard map[Hash]*CrossShardRecord

	log *logrus.Logger
}

// ShardingEngineOption customizes a ShardingEngine at construction.
type ShardingEngineOption func(*ShardingEngine)

// WithShardLogger overrides the logrus logger used for shard-catalog events.
func WithShardLogger(l *logrus.Logger) ShardingEngineOption {
	return func(e *ShardingEngine) { e.log = l }
}

// NewShardingEngine constructs a catalog with shard 0 ("Genesis") already
// created.
func NewShardingEngine(opts ...ShardingEngineOption) *ShardingEngine {
	e := &ShardingEngine{
		shards:     make(map[uint16]*ShardInfo),
		nodeShard:  make(map[Address]uint16),
		crossShard: make(map[Hash]*CrossShardRecord),
		log:        logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.shards[0] = &ShardInfo{ShardID: 0, Name: "Genesis", Active: true, CreationTime: uint64(time.Now().Unix())}
	return e
}

// newShardingEngineAt is used by tests that need a deterministic creation
// timestamp instead of the wall clock.
func newShardingEngineAt(now uint64, opts ...ShardingEngineOption) *ShardingEngine {
	e := &ShardingEngine{
		shards:     make(map[uint16]*ShardInfo),
		nodeShard:  make(map[Address]uint16),
		crossShard: make(map[Hash]*CrossShardRecord),
		log:        logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.shards[0] = &ShardInfo{ShardID: 0, Name: "Genesis", Active: true, CreationTime: now}
	return e
}

// CreateShard allocates the smallest unused shard id and registers it under
// name. Fails with MaxShardsReached once MaxShards catalog entries exist.
func (e *ShardingEngine) CreateShard(name string) (uint16, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.createShardLocked(name, uint64(time.Now().Unix()))
}

func (e *ShardingEngine) createShardLocked(name string, now uint64) (uint16, error) {
	if len(e.shards) >= MaxShards {
		return 0, wrapf(ErrMaxShardsReached, "catalog holds %d shards", len(e.shards))
	}
	var id uint16
	for id = 0; id < MaxShards; id++ {
		if _, taken := e.shards[id]; !taken {
			break
		}
	}
	e.shards[id] = &ShardInfo{ShardID: id, Name: name, Active: true, CreationTime: now}
	e.log.WithFields(logrus.Fields{"shard": id, "name": name}).Debug("shard created")
	return id, nil
}

// shardCount returns the number of catalog entries, used by DetermineShard's
// modulus. Must be called with mu held (read or write).
func (e *ShardingEngine) shardCount() int { return len(e.shards) }

// DetermineShard computes the routing target for tx:
//  1. an explicit non-zero tx.ShardID wins outright;
//  2. otherwise the unsigned, wrapping byte-sum of the first input's
//     referenced transaction hash, modulo the current shard count;
//  3. or shard 0 if the transaction carries no inputs at all.
func (e *ShardingEngine) DetermineShard(tx *Transaction) uint16 {
	if tx.ShardID != 0 {
		return tx.ShardID
	}
	if len(tx.Inputs) == 0 {
		return 0
	}

	e.mu.RLock()
	count := e.shardCount()
	e.mu.RUnlock()
	if count == 0 {
		return 0
	}

	var sum uint32
	for _, b := range tx.Inputs[0].PrevTxHash[:] {
		sum += uint32(b)
	}
	return uint16(sum % uint32(count))
}

// AssignNode records addr's shard membership, incrementing the target
// shard's validator_count. A node reassigned to a new shard is removed from
// its previous shard's count first, preserving "one node, one shard".
func (e *ShardingEngine) AssignNode(addr Address, shardID uint16) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	info, ok := e.shards[shardID]
	if !ok {
		return wrapf(ErrShardNotFound, "shard %d", shardID)
	}
	if prev, had := e.nodeShard[addr]; had {
		if prev == shardID {
			return nil
		}
		if prevInfo, ok := e.shards[prev]; ok && prevInfo.ValidatorCount > 0 {
			prevInfo.ValidatorCount--
		}
	}
	e.nodeShard[addr] = shardID
	info.ValidatorCount++
	return nil
}

// RegisterCrossShard creates a Pending CrossShardRecord for txHash moving
// from source to target. Re-registering an already-tracked hash returns the
// existing record rather than clobbering its progress.
func (e *ShardingEngine) RegisterCrossShard(txHash Hash, source, target uint16, now uint64) (*CrossShardRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if rec, ok := e.crossShard[txHash]; ok {
		return rec, nil
	}
	rec := &CrossShardRecord{TxHash: txHash, SourceShard: source, TargetShard: target, Status: CrossShardPending, CreatedAt: now}
	e.crossShard[txHash] = rec
	return rec, nil
}

// AdvanceCrossShard transitions the record for txHash to next, rejecting any
// edge not in allowedCrossShardTransitions. Reaching Completed or
// Failed stamps CompletedAt exactly once.
func (e *ShardingEngine) AdvanceCrossShard(txHash Hash, next CrossShardStatus, now uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.crossShard[txHash]
	if !ok {
		return wrapf(ErrCrossShardInconsistency, "no cross-shard record for %s", txHash)
	}
	if !allowedCrossShardTransitions[rec.Status][next] {
		return wrapf(ErrCrossShardInconsistency, "tx %s: illegal transition %s -> %s", txHash, rec.Status, next)
	}
	rec.Status = next
	if next == CrossShardCompleted || next == CrossShardFailed {
		t := now
		rec.CompletedAt = &t
	}
	return nil
}

// GetCrossShardRecord returns a copy of the tracked record for txHash.
func (e *ShardingEngine) GetCrossShardRecord(txHash Hash) (CrossShardRecord, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.crossShard[txHash]
	if !ok {
		return CrossShardRecord{}, false
	}
	return *rec, true
}

// RecordTransaction increments shardID's transaction counter, called by Node
// after a transaction is applied to that shard.
func (e *ShardingEngine) RecordTransaction(shardID uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if info, ok := e.shards[shardID]; ok {
		info.TxCount++
	}
}

// RecordBlock increments shardID's block counter and last-block timestamp,
// called by Node after a block is applied to that shard.
func (e *ShardingEngine) RecordBlock(shardID uint16, blockTime uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if info, ok := e.shards[shardID]; ok {
		info.BlockCount++
		info.LastBlockTime = blockTime
	}
}

// GetShardInfo returns a copy of shardID's catalog entry.
func (e *ShardingEngine) GetShardInfo(shardID uint16) (ShardInfo, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	info, ok := e.shards[shardID]
	if !ok {
		return ShardInfo{}, false
	}
	return *info, true
}

// GetAllShards returns every catalog entry, ordered by shard id.
func (e *ShardingEngine) GetAllShards() []ShardInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]ShardInfo, 0, len(e.shards))
	for _, info := range e.shards {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShardID < out[j].ShardID })
	return out
}

// CheckRebalance reports whether any shard's transaction count exceeds
// 1+RebalanceThreshold times the network-wide average.
func (e *ShardingEngine) CheckRebalance() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.checkRebalanceLocked()
}

func (e *ShardingEngine) checkRebalanceLocked() bool {
	if len(e.shards) == 0 {
		return false
	}
	var total uint64
	for _, info := range e.shards {
		total += info.TxCount
	}
	avg := float64(total) / float64(len(e.shards))
	if avg == 0 {
		return false
	}
	for _, info := range e.shards {
		if float64(info.TxCount)/avg > 1+RebalanceThreshold {
			return true
		}
	}
	return false
}

// Rebalance creates a new shard (if under MaxShards) and migrates the
// smallest set of nodes from overloaded shards into it, leaving each source
// shard with at least MinValidatorsPerShard nodes. It is advisory: UTXOs and
// accounts are never moved, only node->shard assignments.
func (e *ShardingEngine) Rebalance(now uint64) (uint16, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.checkRebalanceLocked() {
		return 0, wrapf(ErrInvalidBlock, "rebalance: not needed")
	}

	newID, err := e.createShardLocked(fmt.Sprintf("Shard-%d", now), now)
	if err != nil {
		return 0, err
	}
	newInfo := e.shards[newID]

	var total uint64
	for _, info := range e.shards {
		total += info.TxCount
	}
	avg := float64(total) / float64(len(e.shards))

	type overloaded struct {
		id      uint16
		surplus int
	}
	var over []overloaded
	for id, info := range e.shards {
		if id == newID {
			continue
		}
		if avg > 0 && float64(info.TxCount)/avg > 1+RebalanceThreshold {
			surplus := info.ValidatorCount - MinValidatorsPerShard
			if surplus > 0 {
				over = append(over, overloaded{id: id, surplus: surplus})
			}
		}
	}
	sort.Slice(over, func(i, j int) bool { return over[i].id < over[j].id })

	for addr, shardID := range e.nodeShard {
		for i := range over {
			if over[i].id == shardID && over[i].surplus > 0 {
				e.nodeShard[addr] = newID
				e.shards[shardID].ValidatorCount--
				newInfo.ValidatorCount++
				over[i].surplus--
				break
			}
		}
	}

	return newID, nil
}
