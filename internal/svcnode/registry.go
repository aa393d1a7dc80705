package svcnode

import (
	"sync"
	"time"

	klog "github.com/Klingon-tech/klingnet-chain/internal/log"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
	"github.com/rs/zerolog"
)

// Misbehavior reports a peer offense discovered while processing a
// message, so the caller can route it to p2p.BanManager.RecordOffense
// without this package importing internal/p2p.
type Misbehavior struct {
	Penalty int
	Reason  string
}

// ManagerParams are the network-dependent constants the Manager needs.
// They come from config.Genesis / config.NetworkType at construction time.
type ManagerParams struct {
	MinConfirmations    uint64
	CollateralAmount    uint64
	MainnetPort         uint16
	IsMainnet           bool
	RequiredMinProtocol uint32
}

// Manager is the Node Manager (C5): the gossiped registry of service-node
// records, their ranking, and mutual PoSe verification. Same
// map-behind-a-mutex shape as the other chain-state registries, extended
// to a record type with validation, relay, and liveness sweeps.
type Manager struct {
	mu      sync.RWMutex
	records map[types.Outpoint]*Record

	seenAnnounce map[types.Outpoint]types.Hash // last accepted announce signature hash, for idempotent relay
	seenPing     map[types.Outpoint]types.Hash

	chain  ChainAdapter
	cache  *RequestCache
	params ManagerParams
	logger zerolog.Logger

	relayAnnounce func(r *Record)
	relayPing     func(p *Ping)

	watchdogActive bool
}

// NewManager creates an empty registry.
func NewManager(chain ChainAdapter, params ManagerParams) *Manager {
	return &Manager{
		records:      make(map[types.Outpoint]*Record),
		seenAnnounce: make(map[types.Outpoint]types.Hash),
		seenPing:     make(map[types.Outpoint]types.Hash),
		chain:        chain,
		cache:        NewRequestCache(),
		params:       params,
		logger:       klog.WithComponent("svcnode"),
	}
}

// SetRelayHandlers registers callbacks invoked after a newly-accepted
// (not-yet-seen) announcement or ping, so the P2P layer can rebroadcast it.
func (m *Manager) SetRelayHandlers(onAnnounce func(*Record), onPing func(*Ping)) {
	m.relayAnnounce = onAnnounce
	m.relayPing = onPing
}

// TipHeight returns the chain height this manager's adapter currently
// observes, for callers (e.g. RPC handlers) that need it without holding
// their own ChainAdapter reference.
func (m *Manager) TipHeight() uint64 {
	return m.chain.TipHeight()
}

// IsProtectedCollateral reports whether outpoint currently backs a
// record that is not POSE_BAN or NEW_START_REQUIRED, for
// internal/mempool.CollateralGuard.
func (m *Manager) IsProtectedCollateral(outpoint types.Outpoint) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[outpoint]
	if !ok {
		return false
	}
	return r.ActiveState != StatePoSeBan && r.ActiveState != StateNewStartRequired
}

// Count returns the number of records currently in the registry.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Get returns a copy of the record for outpoint, if present.
func (m *Manager) Get(outpoint types.Outpoint) (*Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[outpoint]
	if !ok {
		return nil, false
	}
	cp := *r
	return &cp, true
}

// Snapshot returns a point-in-time copy of all records, safe to iterate
// without holding the registry lock (per the Design Note on
// copy-out-under-lock, process-outside for ranking).
func (m *Manager) Snapshot() []*Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Record, 0, len(m.records))
	for _, r := range m.records {
		cp := *r
		out = append(out, &cp)
	}
	return out
}

// ReceiveAnnouncement validates and, on success, inserts or updates a
// record and schedules it for relay. Chain lock (via ChainAdapter) is
// acquired before the registry lock.
func (m *Manager) ReceiveAnnouncement(r *Record, now time.Time) (*Misbehavior, error) {
	if len(r.CollateralPubKey) != 33 || len(r.NodePubKey) != 33 {
		return &Misbehavior{Penalty: PenaltyMalformedKey, Reason: "malformed key"}, ErrBadKey
	}
	if r.AnnounceTime > now.Add(MaxFutureTime).Unix() {
		return &Misbehavior{Penalty: PenaltyFutureTime, Reason: "announce_time in future"}, ErrFutureTime
	}
	if err := CheckPortPolicy(r.NetworkAddr, m.params.MainnetPort, m.params.IsMainnet); err != nil {
		return &Misbehavior{Penalty: PenaltyKeyMismatch, Reason: "bad port"}, err
	}
	if r.ProtocolVersion < m.params.RequiredMinProtocol {
		return nil, ErrProtocolTooOld
	}
	if !VerifyAnnounce(r) {
		return &Misbehavior{Penalty: PenaltyKeyMismatch, Reason: "bad announce signature"}, ErrBadSignature
	}

	// Chain lock acquired (via adapter) before the registry lock.
	if !m.chain.Synced() {
		return nil, ErrNotReady
	}
	value, script, confs, ok := m.chain.UTXO(r.CollateralOutpoint)
	if !ok {
		return &Misbehavior{Penalty: PenaltyKeyMismatch, Reason: "vin mismatch"}, ErrOutpointMissing
	}
	if value != m.params.CollateralAmount {
		return &Misbehavior{Penalty: PenaltyKeyMismatch, Reason: "bad collateral value"}, ErrBadCollateral
	}
	_ = script // collateral script type checked by the caller wiring the UTXO lookup.
	if confs < m.params.MinConfirmations {
		return nil, ErrNotEnoughConfs
	}
	confTime, ok := m.chain.ConfirmationTime(r.CollateralOutpoint)
	if ok && confTime > uint64(r.AnnounceTime) {
		return &Misbehavior{Penalty: PenaltyFutureTime, Reason: "confirmation after announce"}, ErrTimeOrder
	}

	announceHash := recordAnnounceHash(r)

	m.mu.Lock()
	defer m.mu.Unlock()

	if last, seen := m.seenAnnounce[r.CollateralOutpoint]; seen && last == announceHash {
		return nil, ErrDuplicate // seen already -> drop silently, no score.
	}

	existing, exists := m.records[r.CollateralOutpoint]
	if exists && r.AnnounceTime <= existing.AnnounceTime {
		return nil, ErrStaleAnnounce
	}

	m.records[r.CollateralOutpoint] = r
	m.seenAnnounce[r.CollateralOutpoint] = announceHash
	m.logger.Debug().Str("outpoint", r.CollateralOutpoint.String()).Msg("Accepted service-node announcement")

	if m.relayAnnounce != nil {
		m.relayAnnounce(r)
	}
	return nil, nil
}

// ReceivePing validates and applies a ping to its record.
func (m *Manager) ReceivePing(p *Ping, now time.Time) (*Misbehavior, error) {
	if p.SignTime > now.Add(MaxFutureTime).Unix() {
		return &Misbehavior{Penalty: PenaltyFutureTime, Reason: "ping sign_time in future"}, ErrFutureTime
	}

	tip := m.chain.TipHeight()
	blockAge, known := blockHashAge(m.chain, p.BlockHash, tip)
	if !known {
		return nil, ErrBlockHashUnknown
	}
	if blockAge > MaxPingBlockAge {
		return nil, ErrBlockHashStale
	}

	pingHash := p.Hash()

	m.mu.Lock()
	defer m.mu.Unlock()

	record, exists := m.records[p.CollateralOutpoint]
	if !exists {
		return nil, ErrUnknownRecord
	}

	if last, seen := m.seenPing[p.CollateralOutpoint]; seen && last == pingHash {
		return nil, ErrDuplicate
	}

	if !VerifyPing(p, record.NodePubKey) {
		return &Misbehavior{Penalty: PenaltyKeyMismatch, Reason: "bad ping signature"}, ErrBadSignature
	}

	if record.LastPing != nil {
		minGap := int64(MinPingInterval/time.Second) - 60
		if p.SignTime-record.LastPing.SignTime < minGap {
			return nil, ErrPingTooSoon
		}
	}

	record.LastPing = p
	m.seenPing[p.CollateralOutpoint] = pingHash

	if m.relayPing != nil {
		m.relayPing(p)
	}
	return nil, nil
}

// ListEntry pairs a record with its last observed ping, the unit
// returned by ReceiveListRequest and the DSEG wire message.
type ListEntry struct {
	Record *Record
	Ping   *Ping
}

// ReceiveListRequest implements DSEG: a null outpoint requests a full,
// rate-limited dump; a specific outpoint returns just that record.
func (m *Manager) ReceiveListRequest(peerAddr string, outpoint *types.Outpoint, isLocal bool) ([]ListEntry, error) {
	if outpoint != nil {
		m.mu.RLock()
		defer m.mu.RUnlock()
		r, ok := m.records[*outpoint]
		if !ok {
			return nil, ErrUnknownRecord
		}
		return []ListEntry{{Record: r, Ping: r.LastPing}}, nil
	}

	if !isLocal {
		if m.cache.Has(peerAddr, "dseg") {
			return nil, ErrRateLimited
		}
		m.cache.Mark(peerAddr, "dseg", DSEGUpdateInterval)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ListEntry, 0, len(m.records))
	for _, r := range m.records {
		if r.ActiveState == StateNewStartRequired {
			continue // outdated, withheld from full dumps.
		}
		out = append(out, ListEntry{Record: r, Ping: r.LastPing})
	}
	return out, nil
}

// CheckAndRemove sweeps every record: advances its state machine, and
// removes any record whose collateral outpoint is no longer present in
// the active UTXO set. Intended to run on the periodic tick;
// per-record panics are recovered so one bad record cannot kill the sweep.
func (m *Manager) CheckAndRemove(now time.Time) {
	height := m.chain.TipHeight()

	snapshot := m.Snapshot()
	toRemove := make([]types.Outpoint, 0)
	registrySize := len(snapshot)

	for _, r := range snapshot {
		func(r *Record) {
			defer func() {
				if rec := recover(); rec != nil {
					m.logger.Error().Interface("panic", rec).Str("outpoint", r.CollateralOutpoint.String()).Msg("recovered panic in CheckAndRemove")
				}
			}()

			_, _, _, ok := m.chain.UTXO(r.CollateralOutpoint)
			if !ok {
				toRemove = append(toRemove, r.CollateralOutpoint)
				return
			}
			r.Check(now, height, registrySize, m.params.RequiredMinProtocol, m.watchdogActive)
		}(r)
	}

	m.mu.Lock()
	for _, r := range snapshot {
		if live, ok := m.records[r.CollateralOutpoint]; ok {
			live.ActiveState = r.ActiveState
			live.PoSeBanUntil = r.PoSeBanUntil
			live.PoSeScore = r.PoSeScore
		}
	}
	for _, op := range toRemove {
		delete(m.records, op)
		delete(m.seenAnnounce, op)
		delete(m.seenPing, op)
	}

	m.cache.Sweep()
	m.mu.Unlock()

	m.CheckSameAddr()
}

// SetWatchdogActive toggles whether ENABLED records without a recent
// watchdog vote transition to WATCHDOG_EXPIRED.
func (m *Manager) SetWatchdogActive(active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchdogActive = active
}

func recordAnnounceHash(r *Record) types.Hash {
	return crypto.Hash(r.AnnounceSignature)
}

func blockHashAge(chain ChainAdapter, hash types.Hash, tip uint64) (age uint64, known bool) {
	for h := tip; ; h-- {
		bh, ok := chain.BlockHashAt(h)
		if ok && bh == hash {
			return tip - h, true
		}
		if h == 0 || tip-h > MaxPingBlockAge*4 {
			break
		}
	}
	return 0, false
}
