package svcnode

import (
	"fmt"
	"sync"
	"time"

	klog "github.com/Klingon-tech/klingnet-chain/internal/log"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
	"github.com/rs/zerolog"
)

// ActivationStatus is the local service-node activation state machine's
// current phase, distinct from a Record's gossiped
// ActiveState: this tracks whether THIS process is capable of, and has
// successfully, announced itself.
type ActivationStatus int

const (
	ActivationInitial ActivationStatus = iota
	ActivationSyncInProcess
	ActivationInputTooNew
	ActivationNotCapable
	ActivationStarted
)

func (s ActivationStatus) String() string {
	switch s {
	case ActivationInitial:
		return "INITIAL"
	case ActivationSyncInProcess:
		return "SYNC_IN_PROCESS"
	case ActivationInputTooNew:
		return "INPUT_TOO_NEW"
	case ActivationNotCapable:
		return "NOT_CAPABLE"
	case ActivationStarted:
		return "STARTED"
	default:
		return fmt.Sprintf("ActivationStatus(%d)", int(s))
	}
}

// Mode is how this process participates as a service node: LOCAL holds
// the collateral key directly; REMOTE delegates signing to a controller
// wallet elsewhere and only broadcasts pings under a dedicated node key.
type Mode int

const (
	ModeNone Mode = iota
	ModeLocal
	ModeRemote
)

// Activator drives the local activation state machine. In LOCAL mode it
// owns the collateral key and builds+signs the initial announcement
// itself; in REMOTE mode it only holds the node key and signs pings,
// relying on the collateral owner to have already broadcast the
// announcement.
type Activator struct {
	mu sync.Mutex

	mode        Mode
	status      ActivationStatus
	lastReason  string
	outpoint    types.Outpoint
	addr        NetworkAddress
	nodeKey     *crypto.PrivateKey
	collKey     *crypto.PrivateKey // nil in REMOTE mode
	protocolVer uint32

	chain   ChainAdapter
	manager *Manager
	logger  zerolog.Logger

	lastPingSent time.Time
}

// NewActivator configures an activator for either mode. collKey is nil
// for ModeRemote.
func NewActivator(mode Mode, outpoint types.Outpoint, addr NetworkAddress, nodeKey, collKey *crypto.PrivateKey, protocolVer uint32, chain ChainAdapter, manager *Manager) *Activator {
	return &Activator{
		mode:        mode,
		status:      ActivationInitial,
		outpoint:    outpoint,
		addr:        addr,
		nodeKey:     nodeKey,
		collKey:     collKey,
		protocolVer: protocolVer,
		chain:       chain,
		manager:     manager,
		logger:      klog.WithComponent("svcnode-activation"),
	}
}

// Status returns the current activation phase and its last diagnostic
// reason string.
func (a *Activator) Status() (ActivationStatus, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status, a.lastReason
}

// Tick advances the activation state machine by one step. It is intended
// to run on the same periodic cadence as Manager.CheckAndRemove. It
// returns at most one of (a fresh announcement, a liveness ping): a new
// announcement is only ever built once per activation, after which
// STARTED just emits pings no more often than MinPingInterval.
func (a *Activator) Tick(now time.Time) (*Record, *Ping, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.chain.Synced() {
		a.status = ActivationSyncInProcess
		a.lastReason = "waiting for chain sync"
		return nil, nil, nil
	}

	value, _, confs, ok := a.chain.UTXO(a.outpoint)
	if !ok {
		a.status = ActivationNotCapable
		a.lastReason = "collateral outpoint not found"
		return nil, nil, ErrOutpointMissing
	}
	if confs < MinConfirmationsForActivation {
		a.status = ActivationInputTooNew
		a.lastReason = fmt.Sprintf("collateral has %d confirmations, need %d", confs, MinConfirmationsForActivation)
		return nil, nil, nil
	}
	_ = value

	if existing, exists := a.manager.Get(a.outpoint); exists && a.status == ActivationStarted {
		if existing.ActiveState == StatePoSeBan || existing.ActiveState == StateNewStartRequired {
			a.status = ActivationNotCapable
			a.lastReason = "existing record banned or stale, re-announcement required"
			return nil, nil, nil
		}
		ping, err := a.maybePing(now)
		return nil, ping, err
	}

	if a.mode == ModeRemote {
		// REMOTE nodes never build their own announcement; they only
		// confirm the collateral owner's announcement has landed.
		if _, exists := a.manager.Get(a.outpoint); exists {
			a.status = ActivationStarted
			a.lastReason = "remote record observed in registry"
			ping, err := a.maybePing(now)
			return nil, ping, err
		}
		a.status = ActivationSyncInProcess
		a.lastReason = "waiting for controller announcement to propagate"
		return nil, nil, nil
	}

	announceTime := now.Unix()
	sig, err := SignAnnounce(a.collKey, a.addr, announceTime, a.nodeKey.PublicKey(), a.protocolVer)
	if err != nil {
		a.status = ActivationNotCapable
		a.lastReason = fmt.Sprintf("sign announcement: %v", err)
		return nil, nil, err
	}

	record := &Record{
		CollateralOutpoint: a.outpoint,
		NetworkAddr:        a.addr,
		CollateralPubKey:   a.collKey.PublicKey(),
		NodePubKey:         a.nodeKey.PublicKey(),
		AnnounceSignature:  sig,
		AnnounceTime:       announceTime,
		ProtocolVersion:    a.protocolVer,
		ActiveState:        StatePreEnabled,
	}

	a.status = ActivationStarted
	a.lastReason = "announcement broadcast"
	// The announcement itself stands in for a first ping: maybePing won't
	// try again until MinPingInterval after it.
	a.lastPingSent = now
	a.logger.Info().Str("outpoint", a.outpoint.String()).Msg("Service node activated")
	return record, nil, nil
}

// maybePing builds and signs a fresh liveness ping if MinPingInterval has
// elapsed since the last one this Activator sent, carrying the hash of
// the block 12 heights below the current tip.
func (a *Activator) maybePing(now time.Time) (*Ping, error) {
	if !a.lastPingSent.IsZero() && now.Sub(a.lastPingSent) < MinPingInterval {
		return nil, nil
	}

	var bhHeight uint64
	if tip := a.chain.TipHeight(); tip > PingBlockOffset {
		bhHeight = tip - PingBlockOffset
	}
	blockHash, ok := a.chain.BlockHashAt(bhHeight)
	if !ok {
		return nil, ErrBlockHashUnknown
	}

	signTime := now.Unix()
	sig, err := SignPing(a.nodeKey, a.outpoint, blockHash, signTime)
	if err != nil {
		return nil, err
	}
	a.lastPingSent = now
	return &Ping{
		CollateralOutpoint: a.outpoint,
		BlockHash:          blockHash,
		SignTime:           signTime,
		Signature:          sig,
	}, nil
}

// VoteFor implements the Payment Voting component's producing side
// (C7, spec.md §4.7): when this node's own rank at height-RankBlockOffset
// is within SigsTotal, it resolves next_payee_candidate(height) and
// returns a signed vote for it. Returns (nil, nil) when this node is not
// activated, not ranked, or no candidate currently qualifies.
func (a *Activator) VoteFor(height uint64, now time.Time) (*Vote, error) {
	a.mu.Lock()
	started := a.status == ActivationStarted
	a.mu.Unlock()
	if !started {
		return nil, nil
	}

	records := a.manager.Snapshot()
	ranked, err := Rank(records, a.chain, height)
	if err != nil {
		return nil, err
	}

	ownRank := 0
	for _, rr := range ranked {
		if rr.Record.CollateralOutpoint == a.outpoint {
			ownRank = rr.Rank
			break
		}
	}
	if ownRank == 0 || ownRank > SigsTotal {
		return nil, nil
	}

	tip := a.chain.TipHeight()
	confirmedAt := func(op types.Outpoint) (uint64, bool) {
		_, _, confs, ok := a.chain.UTXO(op)
		if !ok || confs == 0 || confs > tip+1 {
			return 0, false
		}
		return tip - confs + 1, true
	}

	qualifying := Qualifying(records, confirmedAt, height, now.Unix())
	candidate, err := NextPayeeCandidate(qualifying, a.chain, height)
	if err != nil {
		return nil, err
	}
	if candidate == nil {
		return nil, nil
	}

	payee := candidate.PayeeScript()
	sig, err := SignVote(a.nodeKey, a.outpoint, height, payee)
	if err != nil {
		return nil, err
	}
	return &Vote{
		VoterOutpoint: a.outpoint,
		TargetHeight:  height,
		PayeeScript:   payee,
		Signature:     sig,
	}, nil
}

// MinConfirmationsForActivation mirrors Manager's collateral confirmation
// floor; kept as its own constant because REDESIGN of the activation
// threshold should not silently affect registry acceptance and vice versa.
const MinConfirmationsForActivation = 15
