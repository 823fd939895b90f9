package core

import (
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Node composes one instance each of the Sharding Engine and Consensus
// Engine plus one State Manager per live shard, by explicit ownership
// rather than process-wide singletons. Call sites construct exactly one Node
// per process and pass it (or narrower interfaces over it) to collaborators;
// nothing here is package-level mutable state.
type Node struct {
	shardMu   sync.RWMutex
	shards    map[uint16]*StateManager
	lastBlock map[uint16]*Block

	Sharding  *ShardingEngine
	Consensus *ConsensusEngine

	vm              ContractExecutor
	privacyVerifier PrivacyVerifier
	defaultGasLimit uint64

	log *logrus.Logger
}

// NodeOption customizes a Node at construction.
type NodeOption func(*Node)

// WithNodeContractExecutor wires the contract VM used by every shard's
// State Manager.
func WithNodeContractExecutor(vm ContractExecutor) NodeOption {
	return func(n *Node) { n.vm = vm }
}

// WithNodePrivacyVerifier wires the privacy-proof verifier used by
// every shard's State Manager and by the Consensus Engine's block gate.
func WithNodePrivacyVerifier(v PrivacyVerifier) NodeOption {
	return func(n *Node) { n.privacyVerifier = v }
}

// WithNodeDefaultGasLimit sets the node-wide default contract gas limit.
func WithNodeDefaultGasLimit(limit uint64) NodeOption {
	return func(n *Node) { n.defaultGasLimit = limit }
}

// WithNodeLogger overrides the logrus logger shared by every subsystem.
func WithNodeLogger(l *logrus.Logger) NodeOption {
	return func(n *Node) { n.log = l }
}

// WithNodeConsensusOptions forwards options to the embedded ConsensusEngine.
func WithNodeConsensusOptions(opts ...ConsensusEngineOption) NodeOption {
	return func(n *Node) { n.Consensus = NewConsensusEngine(opts...) }
}

// NewNode constructs a Node with shard 0 ("Genesis") already live.
func NewNode(opts ...NodeOption) *Node {
	n := &Node{
		shards:          make(map[uint16]*StateManager),
		lastBlock:       make(map[uint16]*Block),
		Sharding:        NewShardingEngine(),
		Consensus:       NewConsensusEngine(),
		defaultGasLimit: 10_000_000,
		log:             logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.shards[0] = n.newStateManager(0)
	return n
}

func (n *Node) newStateManager(shardID uint16) *StateManager {
	return NewStateManager(shardID,
		WithContractExecutor(n.vm),
		WithDefaultGasLimit(n.defaultGasLimit),
		WithPrivacyVerifier(n.privacyVerifier),
		WithLogger(n.log),
	)
}

// CreateShard allocates a new shard in the catalog and brings up its State
// Manager. The catalog lock (inside Sharding) is
// acquired and released before this method's own shardMu is taken.
func (n *Node) CreateShard(name string) (uint16, error) {
	id, err := n.Sharding.CreateShard(name)
	if err != nil {
		return 0, err
	}
	n.shardMu.Lock()
	n.shards[id] = n.newStateManager(id)
	n.shardMu.Unlock()
	return id, nil
}

// Shard returns the State Manager owning shardID, if it is live.
func (n *Node) Shard(shardID uint16) (*StateManager, bool) {
	n.shardMu.RLock()
	defer n.shardMu.RUnlock()
	sm, ok := n.shards[shardID]
	return sm, ok
}

// findUTXOShard locates which live shard currently holds the UTXO
// (hash, index) as a (spent or unspent) record, used to discover a cross
// shard transaction's source shard from its first input.
func (n *Node) findUTXOShard(hash Hash, index uint32) (uint16, bool) {
	n.shardMu.RLock()
	defer n.shardMu.RUnlock()
	for id, sm := range n.shards {
		if _, ok := sm.GetUTXO(hash, index); ok {
			return id, true
		}
	}
	return 0, false
}

// RouteTransaction determines tx's target shard and, for a
// TxCrossShard transaction whose first input lives on a different shard,
// registers the CrossShardRecord tracking its two-half lifecycle.
func (n *Node) RouteTransaction(tx *Transaction) (uint16, error) {
	target := n.Sharding.DetermineShard(tx)

	if tx.Kind == TxCrossShard && len(tx.Inputs) > 0 {
		source, found := n.findUTXOShard(tx.Inputs[0].PrevTxHash, tx.Inputs[0].OutputIndex)
		if found && source != target {
			if _, err := n.Sharding.RegisterCrossShard(tx.Hash, source, target, uint64(time.Now().Unix())); err != nil {
				return 0, err
			}
		}
	}

	if _, ok := n.Shard(target); !ok {
		return 0, wrapf(ErrShardNotFound, "shard %d", target)
	}
	return target, nil
}

// ApplyCrossShardTransaction drives the two-half cross-shard lifecycle for a
// transaction already registered via RouteTransaction: the source shard
// spends its inputs, the target shard credits its outputs, and the record
// advances Pending -> SourceConfirmed -> TargetConfirmed -> Completed. This
// in-memory core has no durability layer to wait on, so
// "both durable" is satisfied the instant both halves have applied
// in-process. Any half-apply failure marks the record Failed, which is
// terminal and unsupported for recovery.
func (n *Node) ApplyCrossShardTransaction(tx *Transaction) error {
	rec, ok := n.Sharding.GetCrossShardRecord(tx.Hash)
	if !ok {
		return wrapf(ErrCrossShardInconsistency, "no cross-shard record for %s", tx.Hash)
	}

	sourceSM, ok := n.Shard(rec.SourceShard)
	if !ok {
		return wrapf(ErrShardNotFound, "source shard %d", rec.SourceShard)
	}
	targetSM, ok := n.Shard(rec.TargetShard)
	if !ok {
		return wrapf(ErrShardNotFound, "target shard %d", rec.TargetShard)
	}

	now := uint64(time.Now().Unix())

	if err := sourceSM.ApplyCrossShardHalf(tx, CrossShardSourcePhase); err != nil {
		_ = n.Sharding.AdvanceCrossShard(tx.Hash, CrossShardFailed, now)
		return err
	}
	if err := n.Sharding.AdvanceCrossShard(tx.Hash, CrossShardSourceConfirmed, now); err != nil {
		return err
	}

	if err := targetSM.ApplyCrossShardHalf(tx, CrossShardTargetPhase); err != nil {
		_ = n.Sharding.AdvanceCrossShard(tx.Hash, CrossShardFailed, now)
		return err
	}
	if err := n.Sharding.AdvanceCrossShard(tx.Hash, CrossShardTargetConfirmed, now); err != nil {
		return err
	}

	return n.Sharding.AdvanceCrossShard(tx.Hash, CrossShardCompleted, now)
}

// ApplyBlock runs a candidate block through the consensus admission gate
// and, on success, through the owning shard's State Manager, then notifies
// the Sharding Engine of the new statistics.
// predecessor is the shard's previously applied block, or nil for the
// shard's first block.
func (n *Node) ApplyBlock(shardID uint16, block *Block, validatorPubKey ed25519.PublicKey) error {
	sm, ok := n.Shard(shardID)
	if !ok {
		return wrapf(ErrShardNotFound, "shard %d", shardID)
	}

	n.shardMu.RLock()
	predecessor := n.lastBlock[shardID]
	n.shardMu.RUnlock()

	height := sm.CurrentHeight()
	if err := n.Consensus.ValidateBlock(block, predecessor, height, n.privacyVerifier); err != nil {
		return err
	}
	if err := sm.ApplyBlock(block, predecessor, validatorPubKey); err != nil {
		return err
	}

	n.shardMu.Lock()
	n.lastBlock[shardID] = block
	n.shardMu.Unlock()

	n.Sharding.RecordBlock(shardID, block.Header.Timestamp)
	for range block.Transactions {
		n.Sharding.RecordTransaction(shardID)
	}
	return nil
}

// LastBlock returns the most recently applied block for shardID, if any.
func (n *Node) LastBlock(shardID uint16) (*Block, bool) {
	n.shardMu.RLock()
	defer n.shardMu.RUnlock()
	b, ok := n.lastBlock[shardID]
	return b, ok
}
