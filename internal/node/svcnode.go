package node

import (
	"github.com/Klingon-tech/klingnet-chain/internal/chain"
	"github.com/Klingon-tech/klingnet-chain/internal/utxo"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// rootChainAdapter implements svcnode.ChainAdapter over the root chain
// and its UTXO set, keeping internal/svcnode decoupled from
// internal/chain's concrete types.
type rootChainAdapter struct {
	ch     *chain.Chain
	utxos  *utxo.Store
	synced func() bool
}

func (a *rootChainAdapter) TipHeight() uint64 {
	return a.ch.Height()
}

func (a *rootChainAdapter) BlockHashAt(height uint64) (types.Hash, bool) {
	blk, err := a.ch.GetBlockByHeight(height)
	if err != nil {
		return types.Hash{}, false
	}
	return blk.Hash(), true
}

// UTXO looks up the collateral outpoint and rejects anything that isn't a
// service-node collateral lock: registry.ReceiveAnnouncement only checks
// value, so the script type gate lives here.
func (a *rootChainAdapter) UTXO(op types.Outpoint) (value uint64, script types.Script, confirmations uint64, ok bool) {
	u, err := a.utxos.Get(op)
	if err != nil || u == nil || u.Script.Type != types.ScriptTypeSvcNode {
		return 0, types.Script{}, 0, false
	}
	tip := a.ch.Height()
	if tip < u.Height {
		return u.Value, u.Script, 1, true
	}
	return u.Value, u.Script, tip - u.Height + 1, true
}

func (a *rootChainAdapter) ConfirmationTime(op types.Outpoint) (uint64, bool) {
	u, err := a.utxos.Get(op)
	if err != nil || u == nil {
		return 0, false
	}
	blk, err := a.ch.GetBlockByHeight(u.Height)
	if err != nil {
		return 0, false
	}
	return blk.Header.Timestamp, true
}

func (a *rootChainAdapter) Synced() bool {
	return a.synced()
}
