package svcnode

import (
	"context"
	"sync"
	"time"

	klog "github.com/Klingon-tech/klingnet-chain/internal/log"
	"github.com/rs/zerolog"
)

// SyncAsset is a stage in the linear bootstrap sequence a node walks
// through before it trusts its local registry/vote state.
type SyncAsset int

const (
	AssetInitial SyncAsset = iota
	AssetSporks
	AssetList
	AssetVotes
	AssetFinished
	AssetFailed
)

func (a SyncAsset) String() string {
	switch a {
	case AssetInitial:
		return "INITIAL"
	case AssetSporks:
		return "SPORKS"
	case AssetList:
		return "LIST"
	case AssetVotes:
		return "VOTES"
	case AssetFinished:
		return "FINISHED"
	case AssetFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// SyncPeer abstracts the single outbound connection a Coordinator drives
// through the asset sequence, so this package stays decoupled from
// internal/p2p's concrete stream/pubsub types.
type SyncPeer interface {
	Addr() string
	RequestSporks(ctx context.Context) error
	RequestList(ctx context.Context) error
	RequestVotes(ctx context.Context) error
}

// Coordinator drives the bootstrap Synchronization sequence against one
// peer at a time: INITIAL -> SPORKS -> LIST -> VOTES -> FINISHED/FAILED.
// Modeled on internal/p2p.Syncer's request/response loop, generalized to
// a multi-stage asset sequence instead of a single block-range request.
type Coordinator struct {
	mu        sync.Mutex
	asset     SyncAsset
	peer      SyncPeer
	startedAt time.Time
	lastTick  time.Time
	failures  int

	logger zerolog.Logger
}

// NewCoordinator creates a coordinator with no active peer.
func NewCoordinator() *Coordinator {
	return &Coordinator{
		asset:  AssetInitial,
		logger: klog.WithComponent("svcnode-sync"),
	}
}

// Asset returns the current sync stage.
func (c *Coordinator) Asset() SyncAsset {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.asset
}

// Begin attaches peer as the sync source and resets to INITIAL.
func (c *Coordinator) Begin(peer SyncPeer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peer = peer
	c.asset = AssetInitial
	c.startedAt = time.Now()
	c.failures = 0
}

// Tick advances the coordinator by one asset if its request succeeds and
// demotes to FAILED after SyncMaxFailures failed requests. A FAILED
// coordinator goes back to INITIAL once SyncFailRetry has passed since its
// last working tick; a FINISHED one goes back to INITIAL once
// SyncSleepReset has passed since the sync began.
func (c *Coordinator) Tick(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if c.peer == nil {
		return
	}

	switch c.asset {
	case AssetFinished:
		if now.Sub(c.startedAt) > SyncSleepReset {
			c.asset = AssetInitial
			c.startedAt = now
			c.failures = 0
		}
		return
	case AssetFailed:
		if now.Sub(c.lastTick) > SyncFailRetry {
			c.asset = AssetInitial
			c.failures = 0
		}
		return
	}

	c.lastTick = now

	var err error
	switch c.asset {
	case AssetInitial:
		c.asset = AssetSporks
		return
	case AssetSporks:
		err = c.peer.RequestSporks(ctx)
		if err == nil {
			c.asset = AssetList
		}
	case AssetList:
		err = c.peer.RequestList(ctx)
		if err == nil {
			c.asset = AssetVotes
		}
	case AssetVotes:
		err = c.peer.RequestVotes(ctx)
		if err == nil {
			c.asset = AssetFinished
			c.logger.Info().Str("peer", c.peer.Addr()).Msg("Sync finished")
		}
	}

	if err != nil {
		c.failures++
		c.logger.Warn().Err(err).Str("peer", c.peer.Addr()).Str("asset", c.asset.String()).Msg("Sync request failed")
		if c.failures >= SyncMaxFailures {
			c.asset = AssetFailed
		}
	}
}

// Run drives Tick on SyncTickInterval until ctx is canceled. Callers
// typically launch this in its own goroutine, following the
// ticker+context+waitgroup shutdown idiom used across this module.
func (c *Coordinator) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(SyncTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}
