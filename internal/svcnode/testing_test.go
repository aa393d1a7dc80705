package svcnode

import "github.com/Klingon-tech/klingnet-chain/pkg/types"

// fakeChain is a minimal in-memory ChainAdapter for tests, following
// the same map-backed stand-in pattern used for other narrow interfaces
// in this codebase's tests.
type fakeChain struct {
	tip      uint64
	hashes   map[uint64]types.Hash
	utxos    map[types.Outpoint]fakeUTXO
	confTime map[types.Outpoint]uint64
	synced   bool
}

type fakeUTXO struct {
	value         uint64
	script        types.Script
	confirmations uint64
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		hashes:   make(map[uint64]types.Hash),
		utxos:    make(map[types.Outpoint]fakeUTXO),
		confTime: make(map[types.Outpoint]uint64),
		synced:   true,
	}
}

func (f *fakeChain) TipHeight() uint64 { return f.tip }

func (f *fakeChain) BlockHashAt(height uint64) (types.Hash, bool) {
	h, ok := f.hashes[height]
	return h, ok
}

func (f *fakeChain) UTXO(op types.Outpoint) (uint64, types.Script, uint64, bool) {
	u, ok := f.utxos[op]
	if !ok {
		return 0, types.Script{}, 0, false
	}
	return u.value, u.script, u.confirmations, true
}

func (f *fakeChain) ConfirmationTime(op types.Outpoint) (uint64, bool) {
	t, ok := f.confTime[op]
	return t, ok
}

func (f *fakeChain) Synced() bool { return f.synced }

func outpointN(n byte) types.Outpoint {
	var op types.Outpoint
	op.TxID[0] = n
	op.Index = uint32(n)
	return op
}
