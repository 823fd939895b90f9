package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"apocnode/core"
)

// genesisCmd mints shard 0's genesis block: an empty-bodied block signed by
// a freshly generated validator key, which is registered with the minimum
// stake so the block gate in core.ConsensusEngine.ValidateBlock admits it.
func genesisCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "genesis",
		Short: "mint and apply shard 0's genesis block",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			an := newNodeFromConfig(rootConfig)
			node = an

			pub, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return fmt.Errorf("generate validator key: %w", err)
			}
			validator := core.DeriveAddress(pub)

			if err := an.core.Consensus.RegisterValidator(validator, rootConfig.Node.MinStake, 1); err != nil {
				return fmt.Errorf("register genesis validator: %w", err)
			}

			header := core.BlockHeader{
				Version:               1,
				PreviousHash:          core.HashZero,
				Timestamp:             uint64(time.Now().Unix()),
				ShardID:               0,
				Difficulty:            an.core.Consensus.CurrentDifficulty(),
				Validator:             validator,
				ValidatorContribution: 0,
			}
			block := core.NewBlock(header, nil)
			block.Sign(priv)

			if err := an.core.ApplyBlock(0, block, pub); err != nil {
				return fmt.Errorf("apply genesis block: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "genesis block applied: %s\nvalidator: %s\n", block.BlockHash, validator)
			return nil
		},
	}
}
