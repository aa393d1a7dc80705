package svcnode

import "github.com/Klingon-tech/klingnet-chain/pkg/types"

// ChainAdapter is the narrow view of the root chain this package needs:
// tip height, historical block hashes, and UTXO lookups. svcnode never
// imports internal/chain directly — the concrete adapter lives in
// internal/node, which already owns both the chain and this package,
// avoiding the registry<->chain back-reference the original C++ has
// (see Design Notes in SPEC_FULL.md).
type ChainAdapter interface {
	// TipHeight returns the current best height.
	TipHeight() uint64

	// BlockHashAt returns the hash of the block at the given height.
	// ok is false if the height is unknown (too far in the future, or
	// pruned).
	BlockHashAt(height uint64) (hash types.Hash, ok bool)

	// UTXO looks up an unspent output. ok is false if it is spent or
	// unknown. confirmations is TipHeight - creationHeight + 1.
	UTXO(op types.Outpoint) (value uint64, script types.Script, confirmations uint64, ok bool)

	// ConfirmationTime returns the block time at which the given
	// outpoint's creating transaction was confirmed. ok is false if the
	// outpoint's creation height cannot be determined.
	ConfirmationTime(op types.Outpoint) (unixTime uint64, ok bool)

	// Synced reports whether the chain believes itself caught up with
	// the network. Operations that need chain data return ErrNotReady
	// while this is false.
	Synced() bool
}
