package svcnode

import (
	"testing"

	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

func payeeScript(tag byte) types.Script {
	return types.Script{Type: types.ScriptTypeP2PKH, Data: []byte{tag}}
}

func newTestManagerFor(t *testing.T, chain ChainAdapter) *Manager {
	t.Helper()
	return NewManager(chain, ManagerParams{
		MinConfirmations:    1,
		CollateralAmount:    1000,
		MainnetPort:         9333,
		IsMainnet:           false,
		RequiredMinProtocol: 1,
	})
}

// votesFor builds n distinct votes naming the same payee, enough to
// reach quorum when n >= SigsRequired.
func votesFor(height uint64, payee types.Script, n int) []*Vote {
	out := make([]*Vote, n)
	for i := range out {
		op := outpointN(byte(i + 1))
		out[i] = &Vote{VoterOutpoint: op, TargetHeight: height, PayeeScript: payee}
	}
	return out
}

func TestPaymentVoter_WinnerAndCoinbaseValid(t *testing.T) {
	voter := NewPaymentVoter(newTestManagerFor(t, newFakeChain()))

	votesA := votesFor(10, payeeScript(1), SigsRequired)
	votesC := votesFor(10, payeeScript(2), 1)

	voter.blocks[10] = &VoteBlock{Height: 10, Tally: map[string][]*Vote{
		"1": votesA,
		"2": votesC,
	}}

	winner, ok := voter.Winner(10)
	if !ok {
		t.Fatal("Winner() ok = false, want true")
	}
	if !scriptEqual(winner, payeeScript(1)) {
		t.Fatalf("Winner() = %+v, want payee 1", winner)
	}

	if !voter.CoinbaseValid(10, payeeScript(1)) {
		t.Fatal("CoinbaseValid() = false for the elected payee")
	}
	if voter.CoinbaseValid(10, payeeScript(2)) {
		t.Fatal("CoinbaseValid() = true for a non-elected payee")
	}
	// No tally yet at this height: anything validates.
	if !voter.CoinbaseValid(11, payeeScript(9)) {
		t.Fatal("CoinbaseValid() = false at a height with no votes, want true")
	}
}

func TestPaymentVoter_CoinbaseValid_BelowQuorumAcceptsAnyPayee(t *testing.T) {
	voter := NewPaymentVoter(newTestManagerFor(t, newFakeChain()))
	voter.blocks[10] = &VoteBlock{Height: 10, Tally: map[string][]*Vote{
		"1": votesFor(10, payeeScript(1), SigsRequired-1),
	}}

	// Fewer than SigsRequired votes: longest-chain fallback, any payee
	// (or none at all) validates.
	if !voter.CoinbaseValid(10, payeeScript(9)) {
		t.Fatal("CoinbaseValid() = false below quorum, want true (fallback)")
	}
}

func TestPaymentVoter_ValidateCoinbaseOutputs(t *testing.T) {
	voter := NewPaymentVoter(newTestManagerFor(t, newFakeChain()))
	voter.blocks[20] = &VoteBlock{Height: 20, Tally: map[string][]*Vote{
		"k": votesFor(20, payeeScript(7), SigsRequired),
	}}

	okOutputs := []tx.Output{{Script: payeeScript(9)}, {Script: payeeScript(7)}}
	if err := voter.ValidateCoinbaseOutputs(20, okOutputs); err != nil {
		t.Fatalf("ValidateCoinbaseOutputs: %v", err)
	}

	badOutputs := []tx.Output{{Script: payeeScript(9)}}
	if err := voter.ValidateCoinbaseOutputs(20, badOutputs); err == nil {
		t.Fatal("ValidateCoinbaseOutputs() = nil, want an error when no output pays the elected payee")
	}

	if err := voter.ValidateCoinbaseOutputs(21, badOutputs); err != nil {
		t.Fatalf("ValidateCoinbaseOutputs() at an untallied height: %v", err)
	}
}

func TestPaymentVoter_VotesNear(t *testing.T) {
	voter := NewPaymentVoter(newTestManagerFor(t, newFakeChain()))
	for _, h := range []uint64{90, 95, 100, 105, 110} {
		voter.blocks[h] = &VoteBlock{Height: h, Tally: map[string][]*Vote{
			"k": {{TargetHeight: h, PayeeScript: payeeScript(1)}},
		}}
	}

	near := voter.VotesNear(100, 5)
	if len(near) != 5 {
		t.Fatalf("VotesNear(100, 5) len = %d, want 5", len(near))
	}
}

func TestPaymentVoter_VotesNear_NoUnderflow(t *testing.T) {
	voter := NewPaymentVoter(newTestManagerFor(t, newFakeChain()))
	voter.blocks[0] = &VoteBlock{Height: 0, Tally: map[string][]*Vote{
		"k": {{TargetHeight: 0, PayeeScript: payeeScript(1)}},
	}}

	// tip < window: a naive tip-window subtraction would underflow the
	// uint64 loop bound and either panic or scan billions of heights.
	near := voter.VotesNear(2, 100)
	if len(near) != 1 {
		t.Fatalf("VotesNear(2, 100) len = %d, want 1", len(near))
	}
}

func TestPaymentVoter_Prune(t *testing.T) {
	voter := NewPaymentVoter(newTestManagerFor(t, newFakeChain()))
	voter.blocks[10] = &VoteBlock{Height: 10}
	voter.blocks[9990] = &VoteBlock{Height: 9990}

	voter.Prune(10000, 0) // registrySize 0 -> storageLimit floors to MinStorageLimit

	if _, ok := voter.blocks[10]; ok {
		t.Fatal("Prune() did not discard a vote block far outside the storage window")
	}
	if _, ok := voter.blocks[9990]; !ok {
		t.Fatal("Prune() discarded a vote block still inside the storage window")
	}
}

func TestPaymentVoter_ReceiveVote_AcceptsRankedVoterWithinWindow(t *testing.T) {
	voter := NewPaymentVoter(newTestManagerFor(t, newFakeChain()))
	nodeKey := mustKey(t)
	op := outpointN(1)
	record := &Record{CollateralOutpoint: op, NodePubKey: nodeKey.PublicKey(), ActiveState: StateEnabled}
	ranked := []RankedRecord{{Record: record, Rank: 1}}

	payee := payeeScript(1)
	sig, err := SignVote(nodeKey, op, 100, payee)
	if err != nil {
		t.Fatalf("SignVote: %v", err)
	}
	v := &Vote{VoterOutpoint: op, TargetHeight: 100, PayeeScript: payee, Signature: sig}

	if _, err := voter.ReceiveVote(v, 100, ranked); err != nil {
		t.Fatalf("ReceiveVote() within window = %v, want nil", err)
	}
}

func TestPaymentVoter_ReceiveVote_RejectsTooFarInFuture(t *testing.T) {
	voter := NewPaymentVoter(newTestManagerFor(t, newFakeChain()))
	nodeKey := mustKey(t)
	op := outpointN(1)
	record := &Record{CollateralOutpoint: op, NodePubKey: nodeKey.PublicKey(), ActiveState: StateEnabled}
	ranked := []RankedRecord{{Record: record, Rank: 1}}

	payee := payeeScript(1)
	target := uint64(100 + VoteFutureWindow + 1)
	sig, err := SignVote(nodeKey, op, target, payee)
	if err != nil {
		t.Fatalf("SignVote: %v", err)
	}
	v := &Vote{VoterOutpoint: op, TargetHeight: target, PayeeScript: payee, Signature: sig}

	if _, err := voter.ReceiveVote(v, 100, ranked); err != ErrVoteHeightRange {
		t.Fatalf("ReceiveVote() err = %v, want ErrVoteHeightRange", err)
	}
}

func TestPaymentVoter_ReceiveVote_NoUnderflowBelowStorageLimit(t *testing.T) {
	voter := NewPaymentVoter(newTestManagerFor(t, newFakeChain()))
	nodeKey := mustKey(t)
	op := outpointN(1)
	record := &Record{CollateralOutpoint: op, NodePubKey: nodeKey.PublicKey(), ActiveState: StateEnabled}
	ranked := []RankedRecord{{Record: record, Rank: 1}}

	// tip(3) is far below storageLimit(len(ranked)) == MinStorageLimit: a
	// naive tip-storageLimit subtraction would underflow the uint64 bound
	// and reject every vote near genesis.
	payee := payeeScript(1)
	sig, err := SignVote(nodeKey, op, 0, payee)
	if err != nil {
		t.Fatalf("SignVote: %v", err)
	}
	v := &Vote{VoterOutpoint: op, TargetHeight: 0, PayeeScript: payee, Signature: sig}

	if _, err := voter.ReceiveVote(v, 3, ranked); err != nil {
		t.Fatalf("ReceiveVote() near genesis = %v, want nil", err)
	}
}

func TestPaymentVoter_ReceiveVote_RejectsRankOutsideSigsTotal(t *testing.T) {
	voter := NewPaymentVoter(newTestManagerFor(t, newFakeChain()))
	nodeKey := mustKey(t)
	op := outpointN(1)
	record := &Record{CollateralOutpoint: op, NodePubKey: nodeKey.PublicKey(), ActiveState: StateEnabled}
	ranked := []RankedRecord{{Record: record, Rank: SigsTotal + 1}}

	payee := payeeScript(1)
	sig, err := SignVote(nodeKey, op, 100, payee)
	if err != nil {
		t.Fatalf("SignVote: %v", err)
	}
	v := &Vote{VoterOutpoint: op, TargetHeight: 100, PayeeScript: payee, Signature: sig}

	if _, err := voter.ReceiveVote(v, 100, ranked); err != ErrVoterNotRanked {
		t.Fatalf("ReceiveVote() err = %v, want ErrVoterNotRanked", err)
	}
}

func TestStorageLimit_FloorsAtMinimum(t *testing.T) {
	if got := storageLimit(10); got != MinStorageLimit {
		t.Fatalf("storageLimit(10) = %d, want floor %d", got, MinStorageLimit)
	}
	if got := storageLimit(10000); got != 12500 {
		t.Fatalf("storageLimit(10000) = %d, want 12500", got)
	}
}
