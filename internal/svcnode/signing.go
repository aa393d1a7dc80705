package svcnode

import (
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// SignAnnounce produces the announce_signature for a new Record under the
// collateral key.
func SignAnnounce(collateralKey *crypto.PrivateKey, addr NetworkAddress, announceTime int64, nodePubKey []byte, protocolVersion uint32) ([]byte, error) {
	hash := crypto.Hash(AnnounceSigningBytes(addr, announceTime, collateralKey.PublicKey(), nodePubKey, protocolVersion))
	return collateralKey.Sign(hash[:])
}

// VerifyAnnounce checks a record's announce_signature against its
// collateral_pubkey for the exact canonical message. Any byte of the
// record changing invalidates the signature.
func VerifyAnnounce(r *Record) bool {
	hash := crypto.Hash(AnnounceSigningBytes(r.NetworkAddr, r.AnnounceTime, r.CollateralPubKey, r.NodePubKey, r.ProtocolVersion))
	return crypto.VerifySignature(hash[:], r.AnnounceSignature, r.CollateralPubKey)
}

// SignPing produces a ping signature under the node key.
func SignPing(nodeKey *crypto.PrivateKey, outpoint types.Outpoint, blockHash types.Hash, signTime int64) ([]byte, error) {
	hash := crypto.Hash(PingSigningBytes(outpoint, blockHash, signTime))
	return nodeKey.Sign(hash[:])
}

// VerifyPing checks a ping's signature against the given node_pubkey.
func VerifyPing(p *Ping, nodePubKey []byte) bool {
	hash := p.Hash()
	return crypto.VerifySignature(hash[:], p.Signature, nodePubKey)
}

// SignVote produces a vote signature under the node key.
func SignVote(nodeKey *crypto.PrivateKey, voter types.Outpoint, targetHeight uint64, payee types.Script) ([]byte, error) {
	hash := crypto.Hash(VoteSigningBytes(voter, targetHeight, payee))
	return nodeKey.Sign(hash[:])
}

// VerifyVote checks a vote's signature against the given node_pubkey.
func VerifyVote(v *Vote, nodePubKey []byte) bool {
	hash := crypto.Hash(VoteSigningBytes(v.VoterOutpoint, v.TargetHeight, v.PayeeScript))
	return crypto.VerifySignature(hash[:], v.Signature, nodePubKey)
}
