package svcnode

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Record is one service node's registration: its collateral, addressing,
// keys, and lifecycle state. Keyed uniquely by CollateralOutpoint.
type Record struct {
	CollateralOutpoint types.Outpoint
	NetworkAddr        NetworkAddress
	CollateralPubKey   []byte // 33-byte compressed
	NodePubKey         []byte // 33-byte compressed
	AnnounceSignature  []byte
	AnnounceTime       int64 // unix seconds
	ProtocolVersion    uint32

	LastPing *Ping

	ActiveState ActiveState
	PoSeScore   int
	PoSeBanUntil uint64 // height at which a POSE_BAN record is reconsidered (0 = not banned)

	LastPaidBlock uint64
	LastPaidTime  int64
}

// recordJSON mirrors Record with hex-encoded byte fields, following the
// convention set by pkg/types.Script and pkg/block.Header.
type recordJSON struct {
	CollateralOutpoint types.Outpoint `json:"collateral_outpoint"`
	NetworkAddr        NetworkAddress `json:"network_address"`
	CollateralPubKey   string         `json:"collateral_pubkey"`
	NodePubKey         string         `json:"node_pubkey"`
	AnnounceSignature  string         `json:"announce_signature"`
	AnnounceTime       int64          `json:"announce_time"`
	ProtocolVersion    uint32         `json:"protocol_version"`
	LastPing           *Ping          `json:"last_ping,omitempty"`
	ActiveState        ActiveState    `json:"active_state"`
	PoSeScore          int            `json:"pose_score"`
	PoSeBanUntil       uint64         `json:"pose_ban_until,omitempty"`
	LastPaidBlock      uint64         `json:"last_paid_block"`
	LastPaidTime       int64          `json:"last_paid_time"`
}

// MarshalJSON encodes the record with hex-encoded key/signature fields.
func (r *Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordJSON{
		CollateralOutpoint: r.CollateralOutpoint,
		NetworkAddr:        r.NetworkAddr,
		CollateralPubKey:   hex.EncodeToString(r.CollateralPubKey),
		NodePubKey:         hex.EncodeToString(r.NodePubKey),
		AnnounceSignature:  hex.EncodeToString(r.AnnounceSignature),
		AnnounceTime:       r.AnnounceTime,
		ProtocolVersion:    r.ProtocolVersion,
		LastPing:           r.LastPing,
		ActiveState:        r.ActiveState,
		PoSeScore:          r.PoSeScore,
		PoSeBanUntil:       r.PoSeBanUntil,
		LastPaidBlock:      r.LastPaidBlock,
		LastPaidTime:       r.LastPaidTime,
	})
}

// UnmarshalJSON decodes a record encoded by MarshalJSON.
func (r *Record) UnmarshalJSON(data []byte) error {
	var j recordJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	collPub, err := hex.DecodeString(j.CollateralPubKey)
	if err != nil {
		return fmt.Errorf("decode collateral_pubkey: %w", err)
	}
	nodePub, err := hex.DecodeString(j.NodePubKey)
	if err != nil {
		return fmt.Errorf("decode node_pubkey: %w", err)
	}
	sig, err := hex.DecodeString(j.AnnounceSignature)
	if err != nil {
		return fmt.Errorf("decode announce_signature: %w", err)
	}
	r.CollateralOutpoint = j.CollateralOutpoint
	r.NetworkAddr = j.NetworkAddr
	r.CollateralPubKey = collPub
	r.NodePubKey = nodePub
	r.AnnounceSignature = sig
	r.AnnounceTime = j.AnnounceTime
	r.ProtocolVersion = j.ProtocolVersion
	r.LastPing = j.LastPing
	r.ActiveState = j.ActiveState
	r.PoSeScore = j.PoSeScore
	r.PoSeBanUntil = j.PoSeBanUntil
	r.LastPaidBlock = j.LastPaidBlock
	r.LastPaidTime = j.LastPaidTime
	return nil
}

// AnnounceSigningBytes builds the canonical message signed by
// CollateralPubKey over {network_address, announce_time,
// collateral_pubkey.id, node_pubkey.id, protocol_version}.
// The "id" of a key is its own BLAKE3 hash, so the signed message has a
// fixed shape regardless of future key-encoding changes.
func AnnounceSigningBytes(addr NetworkAddress, announceTime int64, collateralPubKey, nodePubKey []byte, protocolVersion uint32) []byte {
	collID := crypto.Hash(collateralPubKey)
	nodeID := crypto.Hash(nodePubKey)

	buf := make([]byte, 0, 6+8+32+32+4)
	buf = append(buf, addr.Bytes()...)
	buf = appendInt64(buf, announceTime)
	buf = append(buf, collID[:]...)
	buf = append(buf, nodeID[:]...)
	buf = appendUint32(buf, protocolVersion)
	return buf
}

// PayeeScript derives the P2PKH script votes for this record should name:
// the address of its collateral key, matching the derivation
// internal/rpc/wallet_handlers.go uses for every other P2PKH output.
func (r *Record) PayeeScript() types.Script {
	addr := crypto.AddressFromPubKey(r.CollateralPubKey)
	return types.Script{Type: types.ScriptTypeP2PKH, Data: addr.Bytes()}
}

// Check implements the Record liveness state machine transitions.
// now is adjusted network time; registrySize is the current registry size
// (used for PoSe-ban duration and watchdog gating); requiredMinProtocol is
// the currently enforced minimum protocol version; watchdogActive reports
// whether the watchdog subsystem is currently in effect.
func (r *Record) Check(now time.Time, height uint64, registrySize int, requiredMinProtocol uint32, watchdogActive bool) ActiveState {
	// POSE_BAN has first priority, and expires on a height-based timer.
	if r.ActiveState == StatePoSeBan {
		if r.PoSeBanUntil != 0 && height >= r.PoSeBanUntil {
			if r.PoSeScore > 0 {
				r.PoSeScore--
			}
			r.PoSeBanUntil = 0
			// Fall through to re-evaluate from a clean slate below.
		} else {
			return StatePoSeBan
		}
	}

	if r.PoSeScore >= PoSeBanMax {
		r.ActiveState = StatePoSeBan
		r.PoSeBanUntil = height + uint64(registrySize)
		return r.ActiveState
	}

	if r.ProtocolVersion < requiredMinProtocol {
		r.ActiveState = StateUpdateRequired
		return r.ActiveState
	}

	if r.LastPing == nil {
		r.ActiveState = StatePreEnabled
		return r.ActiveState
	}

	if now.Sub(time.Unix(r.LastPing.SignTime, 0)) > NewStartRequired {
		r.ActiveState = StateNewStartRequired
		return r.ActiveState
	}

	if now.Sub(time.Unix(r.LastPing.SignTime, 0)) > Expiration {
		r.ActiveState = StateExpired
		return r.ActiveState
	}

	if r.ActiveState == StatePreEnabled {
		if r.LastPing.SignTime-r.AnnounceTime >= int64(MinPingInterval/time.Second) {
			r.ActiveState = StateEnabled
		}
		return r.ActiveState
	}

	if r.ActiveState == StateEnabled && watchdogActive {
		// Watchdog liveness reuses the same ping timestamp in this
		// implementation (no separate watchdog vote channel); a record
		// that stops pinging for WatchdogMax while the subsystem is
		// active is marked WATCHDOG_EXPIRED instead of EXPIRED so
		// operators can distinguish the two causes.
		if now.Sub(time.Unix(r.LastPing.SignTime, 0)) > WatchdogMax {
			r.ActiveState = StateWatchdogExpired
			return r.ActiveState
		}
	}

	r.ActiveState = StateEnabled
	return r.ActiveState
}

func appendInt64(buf []byte, v int64) []byte {
	return appendUint64(buf, uint64(v))
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	for i := 0; i < 8; i++ {
		tmp[i] = byte(v >> (56 - 8*i))
	}
	return append(buf, tmp[:]...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	for i := 0; i < 4; i++ {
		tmp[i] = byte(v >> (24 - 8*i))
	}
	return append(buf, tmp[:]...)
}
