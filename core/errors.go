package core

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Callers use errors.Is against these; the wrapped
// message carries the human-readable reason.
var (
	ErrInvalidTransaction      = errors.New("invalid transaction")
	ErrDoubleSpend             = errors.New("double spend")
	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrInsufficientStake       = errors.New("insufficient stake")
	ErrShardNotFound           = errors.New("shard not found")
	ErrMaxShardsReached        = errors.New("max shards reached")
	ErrUnknownValidator        = errors.New("unknown validator")
	ErrUnauthorizedValidator   = errors.New("unauthorized validator")
	ErrStakeTooLow             = errors.New("stake too low")
	ErrInvalidBlock            = errors.New("invalid block")
	ErrCompileError            = errors.New("contract compile error")
	ErrTrap                    = errors.New("contract trap")
	ErrOutOfGas                = errors.New("out of gas")
	ErrExportNotFound          = errors.New("contract export not found")
	ErrInstantiationError      = errors.New("contract instantiation error")
	ErrContractExecutionFailed = errors.New("contract execution failed")
	ErrCrossShardInconsistency = errors.New("cross-shard inconsistency")
)

// wrapf formats a detail message and wraps it around a sentinel error so
// callers can both errors.Is against the sentinel and read the reason.
func wrapf(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}
