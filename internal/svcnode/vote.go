package svcnode

import (
	"encoding/hex"
	"encoding/json"

	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Vote is a single service node's payee election for one upcoming height.
type Vote struct {
	VoterOutpoint types.Outpoint `json:"voter_outpoint"`
	TargetHeight  uint64         `json:"target_height"`
	PayeeScript   types.Script   `json:"payee_script"`
	Signature     []byte         `json:"signature"`
}

type voteJSON struct {
	VoterOutpoint types.Outpoint `json:"voter_outpoint"`
	TargetHeight  uint64         `json:"target_height"`
	PayeeScript   types.Script   `json:"payee_script"`
	Signature     string         `json:"signature"`
}

// MarshalJSON encodes the vote with a hex-encoded signature.
func (v *Vote) MarshalJSON() ([]byte, error) {
	return json.Marshal(voteJSON{
		VoterOutpoint: v.VoterOutpoint,
		TargetHeight:  v.TargetHeight,
		PayeeScript:   v.PayeeScript,
		Signature:     hex.EncodeToString(v.Signature),
	})
}

// UnmarshalJSON decodes a vote encoded by MarshalJSON.
func (v *Vote) UnmarshalJSON(data []byte) error {
	var j voteJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	sig, err := hex.DecodeString(j.Signature)
	if err != nil {
		return err
	}
	v.VoterOutpoint = j.VoterOutpoint
	v.TargetHeight = j.TargetHeight
	v.PayeeScript = j.PayeeScript
	v.Signature = sig
	return nil
}

// VoteSigningBytes builds the canonical message signed by the voter's
// node_pubkey: voter_outpoint || target_height || payee_script.
func VoteSigningBytes(voter types.Outpoint, targetHeight uint64, payee types.Script) []byte {
	buf := make([]byte, 0, types.HashSize+4+8+1+len(payee.Data))
	buf = append(buf, voter.TxID[:]...)
	buf = appendUint32(buf, voter.Index)
	buf = appendUint64(buf, targetHeight)
	buf = append(buf, byte(payee.Type))
	buf = append(buf, payee.Data...)
	return buf
}

// Hash returns the vote's identity hash, derived from (payee_script,
// target_height, voter_outpoint).
func (v *Vote) Hash() types.Hash {
	buf := make([]byte, 0, 1+len(v.PayeeScript.Data)+8+types.HashSize+4)
	buf = append(buf, byte(v.PayeeScript.Type))
	buf = append(buf, v.PayeeScript.Data...)
	buf = appendUint64(buf, v.TargetHeight)
	buf = append(buf, v.VoterOutpoint.TxID[:]...)
	buf = appendUint32(buf, v.VoterOutpoint.Index)
	return crypto.Hash(buf)
}
