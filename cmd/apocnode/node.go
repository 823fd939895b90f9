package main

import (
	"apocnode/core"
	pkgconfig "apocnode/pkg/config"
)

// apocNode bundles the in-process core.Node with the pieces the CLI needs to
// report progress and persist state between commands.
type apocNode struct {
	core *core.Node
}

// newNodeFromConfig wires a core.Node exactly the way an operator's config
// file describes it: APoC thresholds from the Node section, the gas default
// from the VM section, and the wasmer-backed contract executor.
func newNodeFromConfig(cfg *pkgconfig.Config) *apocNode {
	n := core.NewNode(
		core.WithNodeContractExecutor(core.NewWasmContractExecutor()),
		core.WithNodeDefaultGasLimit(uint64(cfg.VM.DefaultGasLimit)),
		core.WithNodeLogger(appLogger),
		core.WithNodeConsensusOptions(
			core.WithMinStake(cfg.Node.MinStake),
			core.WithMaxActiveValidators(cfg.Node.MaxActiveValidators),
			core.WithEpochLength(cfg.Node.EpochLength),
			core.WithTargetBlockTime(cfg.Node.TargetBlockTimeSeconds),
			core.WithConsensusLogger(appLogger),
		),
	)
	return &apocNode{core: n}
}
