package svcnode

import (
	"encoding/json"
	"testing"

	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

func TestVote_JSONRoundtrip(t *testing.T) {
	v := &Vote{
		VoterOutpoint: outpointN(3),
		TargetHeight:  100,
		PayeeScript:   types.Script{Type: types.ScriptTypeP2PKH, Data: []byte{1, 2, 3}},
		Signature:     []byte{9, 9, 9},
	}
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out Vote
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.VoterOutpoint != v.VoterOutpoint || out.TargetHeight != v.TargetHeight {
		t.Fatalf("round-tripped vote = %+v, want %+v", out, v)
	}
	if string(out.Signature) != string(v.Signature) {
		t.Fatalf("round-tripped signature = %x, want %x", out.Signature, v.Signature)
	}
}

func TestVote_HashIdentity(t *testing.T) {
	base := &Vote{
		VoterOutpoint: outpointN(1),
		TargetHeight:  10,
		PayeeScript:   types.Script{Type: types.ScriptTypeP2PKH, Data: []byte{1}},
	}
	same := &Vote{
		VoterOutpoint: outpointN(1),
		TargetHeight:  10,
		PayeeScript:   types.Script{Type: types.ScriptTypeP2PKH, Data: []byte{1}},
		Signature:     []byte{0xFF}, // signature does not enter the identity hash
	}
	if base.Hash() != same.Hash() {
		t.Fatal("Hash() differs for votes identical in (payee, height, voter)")
	}

	differentVoter := *base
	differentVoter.VoterOutpoint = outpointN(2)
	if base.Hash() == differentVoter.Hash() {
		t.Fatal("Hash() collided across different voter outpoints")
	}

	differentHeight := *base
	differentHeight.TargetHeight = 11
	if base.Hash() == differentHeight.Hash() {
		t.Fatal("Hash() collided across different target heights")
	}

	differentPayee := *base
	differentPayee.PayeeScript = types.Script{Type: types.ScriptTypeP2PKH, Data: []byte{2}}
	if base.Hash() == differentPayee.Hash() {
		t.Fatal("Hash() collided across different payee scripts")
	}
}
