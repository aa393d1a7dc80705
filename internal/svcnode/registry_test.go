package svcnode

import (
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

func testParams() ManagerParams {
	return ManagerParams{
		MinConfirmations:    15,
		CollateralAmount:    1000,
		MainnetPort:         9999,
		IsMainnet:           false,
		RequiredMinProtocol: 1,
	}
}

func signedAnnouncement(t *testing.T, op types.Outpoint, addr NetworkAddress, announceTime int64, collKey, nodeKey *crypto.PrivateKey) *Record {
	t.Helper()
	sig, err := SignAnnounce(collKey, addr, announceTime, nodeKey.PublicKey(), 1)
	if err != nil {
		t.Fatal(err)
	}
	return &Record{
		CollateralOutpoint: op,
		NetworkAddr:        addr,
		CollateralPubKey:   collKey.PublicKey(),
		NodePubKey:         nodeKey.PublicKey(),
		AnnounceSignature:  sig,
		AnnounceTime:       announceTime,
		ProtocolVersion:    1,
		ActiveState:        StatePreEnabled,
	}
}

// TestManager_ReceiveAnnouncement_S2 is seed scenario S2: a valid
// announcement is accepted; a second announcement for the same outpoint
// with an equal or earlier announce_time is rejected as stale, and one
// strictly newer replaces it.
func TestManager_ReceiveAnnouncement_S2(t *testing.T) {
	chain := newFakeChain()
	op := outpointN(1)
	chain.utxos[op] = fakeUTXO{value: 1000, confirmations: 15}
	mgr := NewManager(chain, testParams())

	addr, _ := ParseNetworkAddress("203.0.113.5:9333")
	collKey, nodeKey := mustKey(t), mustKey(t)
	now := time.Now()

	r1 := signedAnnouncement(t, op, addr, now.Unix(), collKey, nodeKey)
	if _, err := mgr.ReceiveAnnouncement(r1, now); err != nil {
		t.Fatalf("ReceiveAnnouncement(initial): %v", err)
	}

	r2 := signedAnnouncement(t, op, addr, now.Unix(), collKey, nodeKey)
	if _, err := mgr.ReceiveAnnouncement(r2, now); err == nil {
		t.Fatal("ReceiveAnnouncement() accepted a non-newer announce_time")
	}

	r3 := signedAnnouncement(t, op, addr, now.Add(time.Second).Unix(), collKey, nodeKey)
	if _, err := mgr.ReceiveAnnouncement(r3, now.Add(time.Second)); err != nil {
		t.Fatalf("ReceiveAnnouncement(newer): %v", err)
	}
	got, _ := mgr.Get(op)
	if got.AnnounceTime != r3.AnnounceTime {
		t.Fatalf("registry kept AnnounceTime=%d, want the newer %d", got.AnnounceTime, r3.AnnounceTime)
	}
}

func TestManager_ReceiveAnnouncement_IdempotentRelay(t *testing.T) {
	chain := newFakeChain()
	op := outpointN(1)
	chain.utxos[op] = fakeUTXO{value: 1000, confirmations: 15}
	mgr := NewManager(chain, testParams())

	var relayed int
	mgr.SetRelayHandlers(func(*Record) { relayed++ }, nil)

	addr, _ := ParseNetworkAddress("203.0.113.5:9333")
	collKey, nodeKey := mustKey(t), mustKey(t)
	now := time.Now()
	r := signedAnnouncement(t, op, addr, now.Unix(), collKey, nodeKey)

	if _, err := mgr.ReceiveAnnouncement(r, now); err != nil {
		t.Fatal(err)
	}
	// Re-delivering the exact same announcement is a silent duplicate,
	// not a replay that re-triggers relay.
	if _, err := mgr.ReceiveAnnouncement(r, now); err != ErrDuplicate {
		t.Fatalf("ReceiveAnnouncement() on a re-delivered announcement = %v, want ErrDuplicate", err)
	}
	if relayed != 1 {
		t.Fatalf("relay callback fired %d times, want 1", relayed)
	}
}

func TestManager_ReceiveAnnouncement_RejectsBadSignature(t *testing.T) {
	chain := newFakeChain()
	op := outpointN(1)
	chain.utxos[op] = fakeUTXO{value: 1000, confirmations: 15}
	mgr := NewManager(chain, testParams())

	addr, _ := ParseNetworkAddress("203.0.113.5:9333")
	collKey, nodeKey := mustKey(t), mustKey(t)
	r := signedAnnouncement(t, op, addr, time.Now().Unix(), collKey, nodeKey)
	r.AnnounceTime++ // invalidates the signature without re-signing

	mb, err := mgr.ReceiveAnnouncement(r, time.Now())
	if err != ErrBadSignature {
		t.Fatalf("err = %v, want ErrBadSignature", err)
	}
	if mb == nil || mb.Penalty != PenaltyKeyMismatch {
		t.Fatalf("misbehavior = %+v, want PenaltyKeyMismatch", mb)
	}
}

func TestManager_ReceiveAnnouncement_RejectsUnknownOutpoint(t *testing.T) {
	chain := newFakeChain()
	op := outpointN(1)
	mgr := NewManager(chain, testParams())

	addr, _ := ParseNetworkAddress("203.0.113.5:9333")
	collKey, nodeKey := mustKey(t), mustKey(t)
	r := signedAnnouncement(t, op, addr, time.Now().Unix(), collKey, nodeKey)

	if _, err := mgr.ReceiveAnnouncement(r, time.Now()); err != ErrOutpointMissing {
		t.Fatalf("err = %v, want ErrOutpointMissing", err)
	}
}

func TestManager_ReceivePing_RateLimitedWithin60sOfMinInterval(t *testing.T) {
	chain := newFakeChain()
	chain.tip = 100
	for h := uint64(0); h <= 100; h++ {
		chain.hashes[h] = types.Hash{byte(h)}
	}
	op := outpointN(1)
	chain.utxos[op] = fakeUTXO{value: 1000, confirmations: 15}
	mgr := NewManager(chain, testParams())

	addr, _ := ParseNetworkAddress("203.0.113.5:9333")
	collKey, nodeKey := mustKey(t), mustKey(t)
	now := time.Now()
	r := signedAnnouncement(t, op, addr, now.Unix(), collKey, nodeKey)
	if _, err := mgr.ReceiveAnnouncement(r, now); err != nil {
		t.Fatal(err)
	}

	sig1, err := SignPing(nodeKey, op, chain.hashes[90], now.Unix())
	if err != nil {
		t.Fatal(err)
	}
	p1 := &Ping{CollateralOutpoint: op, BlockHash: chain.hashes[90], SignTime: now.Unix(), Signature: sig1}
	if _, err := mgr.ReceivePing(p1, now); err != nil {
		t.Fatalf("ReceivePing(first): %v", err)
	}

	// A second ping arriving only MinPingInterval-60s-1s after the first
	// one is rejected as too soon.
	tooSoon := now.Add(MinPingInterval - 61*time.Second)
	sig2, err := SignPing(nodeKey, op, chain.hashes[90], tooSoon.Unix())
	if err != nil {
		t.Fatal(err)
	}
	p2 := &Ping{CollateralOutpoint: op, BlockHash: chain.hashes[90], SignTime: tooSoon.Unix(), Signature: sig2}
	if _, err := mgr.ReceivePing(p2, tooSoon); err != ErrPingTooSoon {
		t.Fatalf("ReceivePing(too soon) = %v, want ErrPingTooSoon", err)
	}

	// But the 60s grace window lets one in MinPingInterval-60s later.
	justInTime := now.Add(time.Duration(int64(MinPingInterval/time.Second)-60) * time.Second)
	sig3, err := SignPing(nodeKey, op, chain.hashes[90], justInTime.Unix())
	if err != nil {
		t.Fatal(err)
	}
	p3 := &Ping{CollateralOutpoint: op, BlockHash: chain.hashes[90], SignTime: justInTime.Unix(), Signature: sig3}
	if _, err := mgr.ReceivePing(p3, justInTime); err != nil {
		t.Fatalf("ReceivePing(at the grace boundary): %v", err)
	}
}

func TestManager_ReceiveListRequest_RateLimitsFullDump(t *testing.T) {
	chain := newFakeChain()
	mgr := NewManager(chain, testParams())
	op := outpointN(1)
	mgr.records[op] = &Record{CollateralOutpoint: op, ActiveState: StateEnabled}

	if _, err := mgr.ReceiveListRequest("peer1", nil, false); err != nil {
		t.Fatalf("first full dump: %v", err)
	}
	if _, err := mgr.ReceiveListRequest("peer1", nil, false); err != ErrRateLimited {
		t.Fatalf("second full dump within DSEGUpdateInterval = %v, want ErrRateLimited", err)
	}
	// A local request bypasses the rate limit.
	if _, err := mgr.ReceiveListRequest("peer1", nil, true); err != nil {
		t.Fatalf("local full dump: %v", err)
	}
}

func TestManager_ReceiveListRequest_ExcludesNewStartRequired(t *testing.T) {
	chain := newFakeChain()
	mgr := NewManager(chain, testParams())
	live := outpointN(1)
	stale := outpointN(2)
	mgr.records[live] = &Record{CollateralOutpoint: live, ActiveState: StateEnabled}
	mgr.records[stale] = &Record{CollateralOutpoint: stale, ActiveState: StateNewStartRequired}

	entries, err := mgr.ReceiveListRequest("peer1", nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Record.CollateralOutpoint != live {
		t.Fatalf("ReceiveListRequest() = %v, want only the live record", entries)
	}
}

func TestManager_ReceiveListRequest_SpecificOutpointIgnoresRateLimit(t *testing.T) {
	chain := newFakeChain()
	mgr := NewManager(chain, testParams())
	op := outpointN(1)
	mgr.records[op] = &Record{CollateralOutpoint: op, ActiveState: StateEnabled}

	entries, err := mgr.ReceiveListRequest("peer1", &op, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("ReceiveListRequest(specific) = %v, want 1 entry", entries)
	}
}

func TestManager_CheckAndRemove_RemovesSpentOutpoint(t *testing.T) {
	chain := newFakeChain()
	spent := outpointN(1)
	stays := outpointN(2)
	chain.utxos[stays] = fakeUTXO{value: 1000, confirmations: 20}
	mgr := NewManager(chain, testParams())
	mgr.records[spent] = &Record{CollateralOutpoint: spent, ActiveState: StateEnabled}
	mgr.records[stays] = &Record{CollateralOutpoint: stays, ActiveState: StateEnabled, LastPing: &Ping{SignTime: time.Now().Unix()}}

	mgr.CheckAndRemove(time.Now())

	if _, ok := mgr.Get(spent); ok {
		t.Fatal("CheckAndRemove() kept a record whose outpoint is no longer a UTXO")
	}
	if _, ok := mgr.Get(stays); !ok {
		t.Fatal("CheckAndRemove() dropped a record that is still a valid UTXO")
	}
}
