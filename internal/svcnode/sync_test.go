package svcnode

import (
	"context"
	"errors"
	"testing"
	"time"
)

// scriptedPeer implements SyncPeer, recording which assets were requested
// and optionally failing a configured number of times per asset.
type scriptedPeer struct {
	failSporksTimes int
	failListTimes   int
	failVotesTimes  int
	seen            []string
}

func (p *scriptedPeer) Addr() string { return "peer1" }

func (p *scriptedPeer) RequestSporks(ctx context.Context) error {
	p.seen = append(p.seen, "SPORKS")
	if p.failSporksTimes > 0 {
		p.failSporksTimes--
		return errors.New("sporks failed")
	}
	return nil
}

func (p *scriptedPeer) RequestList(ctx context.Context) error {
	p.seen = append(p.seen, "LIST")
	if p.failListTimes > 0 {
		p.failListTimes--
		return errors.New("list failed")
	}
	return nil
}

func (p *scriptedPeer) RequestVotes(ctx context.Context) error {
	p.seen = append(p.seen, "VOTES")
	if p.failVotesTimes > 0 {
		p.failVotesTimes--
		return errors.New("votes failed")
	}
	return nil
}

// TestCoordinator_S5 is seed scenario S5: from INITIAL, a tick loop
// against a peer that answers GETSPORKS, DSEG, MNWPAYMENTSYNC produces
// the asset sequence {SPORKS, LIST, VOTES, FINISHED}.
func TestCoordinator_S5(t *testing.T) {
	peer := &scriptedPeer{}
	c := NewCoordinator()
	c.Begin(peer)

	var sequence []SyncAsset
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		c.Tick(ctx)
		sequence = append(sequence, c.Asset())
		if c.Asset() == AssetFinished {
			break
		}
	}

	want := []SyncAsset{AssetSporks, AssetList, AssetVotes, AssetFinished}
	if len(sequence) != len(want) {
		t.Fatalf("sequence = %v, want %v", sequence, want)
	}
	for i := range want {
		if sequence[i] != want[i] {
			t.Fatalf("sequence[%d] = %s, want %s", i, sequence[i], want[i])
		}
	}
}

func TestCoordinator_FailsAfterMaxFailures(t *testing.T) {
	peer := &scriptedPeer{failSporksTimes: SyncMaxFailures}
	c := NewCoordinator()
	c.Begin(peer)

	ctx := context.Background()
	c.Tick(ctx) // INITIAL -> SPORKS
	for i := 0; i < SyncMaxFailures; i++ {
		c.Tick(ctx)
	}
	if c.Asset() != AssetFailed {
		t.Fatalf("Asset() = %s after %d consecutive failures, want FAILED", c.Asset(), SyncMaxFailures)
	}
}

func TestCoordinator_FailedRetriesAfterDelay(t *testing.T) {
	peer := &scriptedPeer{}
	c := NewCoordinator()
	c.Begin(peer)
	c.asset = AssetFailed
	c.lastTick = time.Now().Add(-SyncFailRetry - time.Second)

	c.Tick(context.Background())
	if c.Asset() == AssetFailed {
		t.Fatal("Tick() did not reset a FAILED coordinator past SyncFailRetry")
	}
}

func TestCoordinator_FinishedResetsAfterSleep(t *testing.T) {
	peer := &scriptedPeer{}
	c := NewCoordinator()
	c.Begin(peer)
	c.asset = AssetFinished
	c.startedAt = time.Now().Add(-SyncSleepReset - time.Second)

	c.Tick(context.Background())
	if c.Asset() != AssetInitial {
		t.Fatalf("Asset() = %s after a long sleep past FINISHED, want INITIAL", c.Asset())
	}
}

func TestCoordinator_NoPeerIsNoop(t *testing.T) {
	c := NewCoordinator()
	c.Tick(context.Background()) // no Begin() called
	if c.Asset() != AssetInitial {
		t.Fatalf("Asset() = %s with no peer attached, want INITIAL", c.Asset())
	}
}
