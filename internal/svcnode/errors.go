package svcnode

import "errors"

// Validation errors. The first one encountered in a message handler
// aborts processing; the record or vote is never partially applied.
var (
	ErrBadSignature     = errors.New("svcnode: signature verification failed")
	ErrBadKey           = errors.New("svcnode: malformed public key")
	ErrMessageMismatch  = errors.New("svcnode: message does not match expected canonical encoding")
	ErrFutureTime       = errors.New("svcnode: timestamp too far in the future")
	ErrBadAddress       = errors.New("svcnode: malformed network address")
	ErrBadPort          = errors.New("svcnode: port policy violation")
	ErrProtocolTooOld   = errors.New("svcnode: protocol_version below required minimum")
	ErrOutpointMissing  = errors.New("svcnode: collateral outpoint not found in UTXO set")
	ErrOutpointSpent    = errors.New("svcnode: collateral outpoint already spent")
	ErrBadCollateral    = errors.New("svcnode: outpoint value does not match collateral amount")
	ErrNotEnoughConfs   = errors.New("svcnode: collateral outpoint below minimum confirmations")
	ErrTimeOrder        = errors.New("svcnode: UTXO confirmation time after announce_time")
	ErrStaleAnnounce    = errors.New("svcnode: announce_time not newer than stored record")
	ErrDuplicate        = errors.New("svcnode: duplicate message, dropped silently")
	ErrUnknownRecord    = errors.New("svcnode: referenced record is not known")
	ErrBlockHashUnknown = errors.New("svcnode: ping block_hash is not known to this node")
	ErrBlockHashStale   = errors.New("svcnode: ping block_hash is older than the allowed window")
	ErrPingTooSoon      = errors.New("svcnode: ping arrived before min_ping_interval elapsed")
	ErrRateLimited      = errors.New("svcnode: request already fulfilled recently")
	ErrVoteHeightRange  = errors.New("svcnode: target_height outside acceptable window")
	ErrVoterNotRanked   = errors.New("svcnode: voter rank exceeds SIGS_TOTAL")
	ErrVoteDuplicate    = errors.New("svcnode: duplicate vote for (voter, target_height)")

	// ErrNotReady signals a transient condition (chain unsynced, list
	// unsynced); the caller should retry on the next tick rather than
	// treat it as a protocol violation.
	ErrNotReady = errors.New("svcnode: not ready, retry next tick")

	// ErrChainUnavailable signals a transient chain-adapter failure.
	ErrChainUnavailable = errors.New("svcnode: chain adapter unavailable")
)
