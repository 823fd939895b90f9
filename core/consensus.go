package core

import (
	"bytes"
	"math"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// APoC defaults.
const (
	DefaultMinStake            = 1000
	DefaultMaxActiveValidators = 100
	DefaultEpochLength         = 100
	DefaultTargetBlockTime     = 30 // seconds
)

// ValidatorInfo is one registered validator's stake, power, and earned
// contribution.
type ValidatorInfo struct {
	Address              Address
	StakeAmount          uint64
	ComputationPower     uint64
	ContributionScore    uint64
	LastValidationTime   uint64
	TotalValidatedBlocks uint64
}

// weight is 50% stake + 25% power + 25% contribution,
// each scaled so the three terms are comparable.
func (v ValidatorInfo) weight() uint64 {
	return v.StakeAmount/2 + v.ComputationPower*1000/4 + v.ContributionScore*1000/4
}

// ConsensusEngine owns the validator table and active-set ordering. It is a
// singleton within a Node, not a process-wide global.
type ConsensusEngine struct {
	mu sync.RWMutex

	validators map[Address]*ValidatorInfo
	activeSet  []Address

	minStake            uint64
	maxActiveValidators int
	epochLength         uint64
	targetBlockTime     uint64

	epoch      uint64
	difficulty float64

	log *logrus.Logger
}

// ConsensusEngineOption customizes a ConsensusEngine at construction.
type ConsensusEngineOption func(*ConsensusEngine)

// WithMinStake overrides MIN_STAKE.
func WithMinStake(stake uint64) ConsensusEngineOption {
	return func(c *ConsensusEngine) { c.minStake = stake }
}

// WithMaxActiveValidators overrides MAX_ACTIVE_VALIDATORS.
func WithMaxActiveValidators(n int) ConsensusEngineOption {
	return func(c *ConsensusEngine) { c.maxActiveValidators = n }
}

// WithEpochLength overrides EPOCH_LENGTH.
func WithEpochLength(n uint64) ConsensusEngineOption {
	return func(c *ConsensusEngine) { c.epochLength = n }
}

// WithTargetBlockTime overrides TARGET_BLOCK_TIME (seconds).
func WithTargetBlockTime(seconds uint64) ConsensusEngineOption {
	return func(c *ConsensusEngine) { c.targetBlockTime = seconds }
}

// WithInitialDifficulty sets the starting difficulty value.
func WithInitialDifficulty(d float64) ConsensusEngineOption {
	return func(c *ConsensusEngine) { c.difficulty = d }
}

// WithConsensusLogger overrides the logrus logger used for consensus events.
func WithConsensusLogger(l *logrus.Logger) ConsensusEngineOption {
	return func(c *ConsensusEngine) { c.log = l }
}

// NewConsensusEngine constructs an empty validator table with APoC defaults,
// overridable via options.
func NewConsensusEngine(opts ...ConsensusEngineOption) *ConsensusEngine {
	c := &ConsensusEngine{
		validators:          make(map[Address]*ValidatorInfo),
		minStake:            DefaultMinStake,
		maxActiveValidators: DefaultMaxActiveValidators,
		epochLength:         DefaultEpochLength,
		targetBlockTime:     DefaultTargetBlockTime,
		difficulty:          1,
		log:                 logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterValidator adds addr to the validator table with the given stake
// and computation power. Fails with StakeTooLow below MinStake. Registering
// an already-known address with identical stake and power is a no-op;
// different values overwrite stake/power (contribution score, which is
// earned separately via RecordContribution, is left untouched) and the
// active set is recomputed.
func (c *ConsensusEngine) RegisterValidator(addr Address, stake, power uint64) error {
	if stake < c.minStake {
		return wrapf(ErrStakeTooLow, "validator %s: stake %d < min %d", addr, stake, c.minStake)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.validators[addr]; ok {
		if existing.StakeAmount == stake && existing.ComputationPower == power {
			return nil
		}
		existing.StakeAmount = stake
		existing.ComputationPower = power
	} else {
		c.validators[addr] = &ValidatorInfo{Address: addr, StakeAmount: stake, ComputationPower: power}
	}
	c.recomputeActiveSetLocked()
	c.log.WithField("validator", addr.String()).Debug("validator registered")
	return nil
}

// UpdateStake sets addr's stake to the given absolute amount (e.g. after a
// StakeDeposit/StakeWithdraw transaction is applied) and recomputes the
// active set. Fails with UnknownValidator if addr was never registered.
func (c *ConsensusEngine) UpdateStake(addr Address, stake uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.validators[addr]
	if !ok {
		return wrapf(ErrUnknownValidator, "%s", addr)
	}
	v.StakeAmount = stake
	c.recomputeActiveSetLocked()
	return nil
}

// RecordContribution sets addr's contribution score to the given absolute
// value and recomputes the active set. This validator table is the sole
// authoritative source for contribution score; contract-side heuristics
// never feed back into it.
func (c *ConsensusEngine) RecordContribution(addr Address, score uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.validators[addr]
	if !ok {
		return wrapf(ErrUnknownValidator, "%s", addr)
	}
	v.ContributionScore = score
	c.recomputeActiveSetLocked()
	return nil
}

// recomputeActiveSetLocked rebuilds activeSet from the current validator
// table: top MaxActiveValidators by weight, ties broken by descending
// address byte-lex order. Must be called with mu held for writing.
func (c *ConsensusEngine) recomputeActiveSetLocked() {
	addrs := make([]Address, 0, len(c.validators))
	for addr := range c.validators {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool {
		wi, wj := c.validators[addrs[i]].weight(), c.validators[addrs[j]].weight()
		if wi != wj {
			return wi > wj
		}
		return bytes.Compare(addrs[i][:], addrs[j][:]) > 0
	})
	if len(addrs) > c.maxActiveValidators {
		addrs = addrs[:c.maxActiveValidators]
	}
	c.activeSet = addrs
}

// ActiveSet returns the current weighted-top active validator set, in
// leader-selection order.
func (c *ConsensusEngine) ActiveSet() []Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Address, len(c.activeSet))
	copy(out, c.activeSet)
	return out
}

// Leader returns the deterministic leader for height h: active_set[h
// mod len(active_set)].
func (c *ConsensusEngine) Leader(height uint64) (Address, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.activeSet) == 0 {
		return Address{}, wrapf(ErrUnknownValidator, "no active validators")
	}
	return c.activeSet[height%uint64(len(c.activeSet))], nil
}

// GetValidator returns a copy of addr's validator record.
func (c *ConsensusEngine) GetValidator(addr Address) (ValidatorInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.validators[addr]
	if !ok {
		return ValidatorInfo{}, false
	}
	return *v, true
}

// CurrentEpoch returns the current epoch counter.
func (c *ConsensusEngine) CurrentEpoch() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epoch
}

// CurrentDifficulty returns the current difficulty value.
func (c *ConsensusEngine) CurrentDifficulty() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return uint64(math.Round(c.difficulty))
}

// isActive reports whether addr is a member of the current active set.
func (c *ConsensusEngine) isActive(addr Address) bool {
	for _, a := range c.activeSet {
		if a == addr {
			return true
		}
	}
	return false
}

// ValidateBlock is the block admission gate: structural validity,
// validator membership in the active set, the declared contribution score
// matching the validator table, and every contained transaction's
// structural validity. On success it records the validation (validated
// block count, last validation time), rotates the epoch at a boundary, and
// adjusts difficulty from the inter-block delta. On failure, no state
// changes.
func (c *ConsensusEngine) ValidateBlock(block, predecessor *Block, height uint64, verifier PrivacyVerifier) error {
	if err := block.CheckStructural(verifier); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	validatorAddr := block.Header.Validator
	if !c.isActive(validatorAddr) {
		return wrapf(ErrUnauthorizedValidator, "%s is not in the active set", validatorAddr)
	}
	v, ok := c.validators[validatorAddr]
	if !ok {
		return wrapf(ErrUnknownValidator, "%s", validatorAddr)
	}
	if block.Header.ValidatorContribution != v.ContributionScore {
		return wrapf(ErrInvalidBlock, "block %s: declared contribution %d does not match validator table %d", block.BlockHash, block.Header.ValidatorContribution, v.ContributionScore)
	}

	v.TotalValidatedBlocks++
	v.LastValidationTime = block.Header.Timestamp

	if height > 0 && height%c.epochLength == 0 {
		c.epoch++
		c.recomputeActiveSetLocked()
	}

	if predecessor != nil {
		delta := block.Header.Timestamp - predecessor.Header.Timestamp
		c.adjustDifficultyLocked(delta)
	}

	c.log.WithFields(logrus.Fields{"block": block.BlockHash.String(), "validator": validatorAddr.String(), "height": height}).Debug("block admitted")
	return nil
}

// adjustDifficultyLocked applies the difficulty controller for an inter-block
// delta of deltaSeconds. Must be called with mu held for writing.
func (c *ConsensusEngine) adjustDifficultyLocked(deltaSeconds uint64) {
	switch {
	case deltaSeconds < c.targetBlockTime:
		c.difficulty *= 1.10
	case deltaSeconds > 2*c.targetBlockTime:
		c.difficulty *= 0.90
	}
}
