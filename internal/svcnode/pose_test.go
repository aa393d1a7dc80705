package svcnode

import (
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

func rankedFor(outpoints ...types.Outpoint) []RankedRecord {
	out := make([]RankedRecord, len(outpoints))
	for i, op := range outpoints {
		out[i] = RankedRecord{Record: &Record{CollateralOutpoint: op}, Rank: i + 1}
	}
	return out
}

func TestPoSeVerifier_SelectTargetsExcludesSelfAndRotates(t *testing.T) {
	self := outpointN(1)
	ranked := rankedFor(self, outpointN(2), outpointN(3), outpointN(4))

	v := NewPoSeVerifier()
	first := v.SelectTargets(ranked, self)
	if len(first) != PoSeConnections {
		t.Fatalf("len(SelectTargets) = %d, want %d", len(first), PoSeConnections)
	}
	for _, t0 := range first {
		if t0 == self {
			t.Fatal("SelectTargets() included the caller's own outpoint")
		}
	}
}

func TestPoSeVerifier_IssueAnswer(t *testing.T) {
	v := NewPoSeVerifier()
	target := outpointN(2)
	now := time.Now()

	nonce, err := v.Issue(target, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !v.Answer(target, nonce, now) {
		t.Fatal("Answer() = false for the correct nonce before the deadline")
	}
	// Challenge cleared: a second Answer call with the same nonce fails.
	if v.Answer(target, nonce, now) {
		t.Fatal("Answer() = true for an already-resolved challenge")
	}
}

func TestPoSeVerifier_AnswerWrongNonce(t *testing.T) {
	v := NewPoSeVerifier()
	target := outpointN(3)
	if _, err := v.Issue(target, time.Minute); err != nil {
		t.Fatal(err)
	}
	var wrong [16]byte
	wrong[0] = 0xFF
	if v.Answer(target, wrong, time.Now()) {
		t.Fatal("Answer() = true for a mismatched nonce")
	}
}

func TestPoSeVerifier_AnswerAfterDeadline(t *testing.T) {
	v := NewPoSeVerifier()
	target := outpointN(4)
	nonce, err := v.Issue(target, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	late := time.Now().Add(time.Hour)
	if v.Answer(target, nonce, late) {
		t.Fatal("Answer() = true despite being past the deadline")
	}
}

func TestPoSeVerifier_Expired(t *testing.T) {
	v := NewPoSeVerifier()
	target := outpointN(5)
	if _, err := v.Issue(target, time.Millisecond); err != nil {
		t.Fatal(err)
	}
	later := time.Now().Add(time.Hour)
	expired := v.Expired(later)
	if len(expired) != 1 || expired[0] != target {
		t.Fatalf("Expired() = %v, want [%v]", expired, target)
	}
	// Drained: a second call reports nothing outstanding.
	if got := v.Expired(later); len(got) != 0 {
		t.Fatalf("Expired() after draining = %v, want empty", got)
	}
}

func TestManager_ReportAddressConflict(t *testing.T) {
	chain := newFakeChain()
	mgr := NewManager(chain, ManagerParams{MinConfirmations: 1, CollateralAmount: 1000})
	older := outpointN(1)
	newer := outpointN(2)
	mgr.records[older] = &Record{CollateralOutpoint: older, AnnounceTime: 100}
	mgr.records[newer] = &Record{CollateralOutpoint: newer, AnnounceTime: 200}

	mgr.ReportAddressConflict(older, newer)

	if mgr.records[older].PoSeScore != 0 {
		t.Fatalf("older record's PoSeScore = %d, want 0", mgr.records[older].PoSeScore)
	}
	if mgr.records[newer].PoSeScore != 1 {
		t.Fatalf("newer record's PoSeScore = %d, want 1", mgr.records[newer].PoSeScore)
	}
}

// TestManager_CheckSameAddr_S6 is seed scenario S6: two records with
// identical network_address; repeated sweeps increment the loser's score
// until it reaches PoSeBanMax.
func TestManager_CheckSameAddr_S6(t *testing.T) {
	chain := newFakeChain()
	mgr := NewManager(chain, ManagerParams{MinConfirmations: 1, CollateralAmount: 1000})
	addr, _ := ParseNetworkAddress("203.0.113.5:9333")

	verified := outpointN(1)
	conflicting := outpointN(2)
	mgr.records[verified] = &Record{CollateralOutpoint: verified, NetworkAddr: addr, AnnounceTime: 100}
	mgr.records[conflicting] = &Record{CollateralOutpoint: conflicting, NetworkAddr: addr, AnnounceTime: 200}

	for i := 1; i <= PoSeBanMax; i++ {
		mgr.CheckSameAddr()
		if mgr.records[verified].PoSeScore != 0 {
			t.Fatalf("iteration %d: verified record's PoSeScore = %d, want 0", i, mgr.records[verified].PoSeScore)
		}
		if mgr.records[conflicting].PoSeScore != i {
			t.Fatalf("iteration %d: conflicting record's PoSeScore = %d, want %d", i, mgr.records[conflicting].PoSeScore, i)
		}
	}

	if mgr.records[conflicting].PoSeScore < PoSeBanMax {
		t.Fatal("conflicting record never reached PoSeBanMax")
	}
}

func TestManager_CheckSameAddr_NoConflictLeavesScoresAlone(t *testing.T) {
	chain := newFakeChain()
	mgr := NewManager(chain, ManagerParams{MinConfirmations: 1, CollateralAmount: 1000})
	a1, _ := ParseNetworkAddress("203.0.113.5:9333")
	a2, _ := ParseNetworkAddress("203.0.113.6:9333")
	op1, op2 := outpointN(1), outpointN(2)
	mgr.records[op1] = &Record{CollateralOutpoint: op1, NetworkAddr: a1}
	mgr.records[op2] = &Record{CollateralOutpoint: op2, NetworkAddr: a2}

	mgr.CheckSameAddr()

	if mgr.records[op1].PoSeScore != 0 || mgr.records[op2].PoSeScore != 0 {
		t.Fatal("CheckSameAddr() penalized records with distinct addresses")
	}
}
