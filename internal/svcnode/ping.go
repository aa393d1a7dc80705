package svcnode

import (
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Ping is a liveness message signed by a record's node key, carrying a
// recent block hash as proof the signer is following the chain.
type Ping struct {
	CollateralOutpoint types.Outpoint `json:"collateral_outpoint"`
	BlockHash          types.Hash     `json:"block_hash"`
	SignTime           int64          `json:"sign_time"`
	Signature          []byte         `json:"signature"`
}

// PingSigningBytes builds the canonical message signed by node_pubkey:
// outpoint || block_hash || sign_time.
func PingSigningBytes(outpoint types.Outpoint, blockHash types.Hash, signTime int64) []byte {
	buf := make([]byte, 0, types.HashSize+4+types.HashSize+8)
	buf = append(buf, outpoint.TxID[:]...)
	buf = appendUint32(buf, outpoint.Index)
	buf = append(buf, blockHash[:]...)
	buf = appendInt64(buf, signTime)
	return buf
}

// Hash returns the signing-bytes hash used to verify/produce Signature.
func (p *Ping) Hash() types.Hash {
	return crypto.Hash(PingSigningBytes(p.CollateralOutpoint, p.BlockHash, p.SignTime))
}
