// Package svcnode implements the service-node overlay: registration,
// gossiped liveness, proof-of-service scoring, and per-block payment
// voting on top of the root chain.
package svcnode

import "time"

// Timing constants. None of these are user-tunable (they are protocol
// rules, not node settings) — see config.ProtocolConfig for the analogous
// split between consensus rules and runtime config.
const (
	// MinPingInterval is the minimum gap enforced between two pings for the
	// same record, and the delay after announce before PRE_ENABLED can
	// become ENABLED.
	MinPingInterval = 10 * time.Minute

	// Expiration is how long a record can go without a ping before it is
	// considered EXPIRED.
	Expiration = 65 * time.Minute

	// NewStartRequired is how long a record can go without a ping before it
	// requires a fresh announcement rather than just a ping.
	NewStartRequired = 3 * time.Hour

	// WatchdogMax is how long a record can go without a watchdog vote
	// before it is considered WATCHDOG_EXPIRED, while the watchdog
	// mechanism is active.
	WatchdogMax = 1 * time.Hour

	// PoSeBanMax is the pose_score value at which a record enters POSE_BAN.
	PoSeBanMax = 5

	// DSEGUpdateInterval bounds how often a non-local peer may ask for a
	// full list dump.
	DSEGUpdateInterval = 3 * time.Hour

	// RecoveryTotal is how many randomly-ranked peers are asked to help
	// recover a record stuck in NEW_START_REQUIRED.
	RecoveryTotal = 10

	// RecoveryRequired is how many agreeing replies are needed to accept a
	// recovered announcement.
	RecoveryRequired = 6

	// RecoveryRetry bounds how often recovery is retried for the same record.
	RecoveryRetry = 3 * time.Hour

	// PoSeRank is the top-N by self-rank that participate in PoSe challenges.
	PoSeRank = 10

	// PoSeConnections is the step between successive PoSe challenge targets.
	PoSeConnections = 1

	// SigsTotal is the number of top-ranked nodes eligible to cast a vote
	// for a given height.
	SigsTotal = 10

	// SigsRequired is the number of votes a payee needs for its coinbase
	// payment to be enforced.
	SigsRequired = 6

	// MinStorageLimit is the floor for storage_limit regardless of
	// registry size.
	MinStorageLimit = 5000

	// RequestCacheTTL is the default fulfilled-request cache entry lifetime.
	RequestCacheTTL = 1 * time.Hour

	// MaxFutureTime bounds how far into the future an announce_time,
	// ping sign_time, or vote may be signed relative to adjusted time.
	MaxFutureTime = 1 * time.Hour

	// MaxPingBlockAge is how many blocks below tip a ping's referenced
	// block_hash may be before it is considered stale.
	MaxPingBlockAge = 24

	// PingBlockOffset is how far below the current tip a freshly-signed
	// ping's block_hash is drawn from.
	PingBlockOffset = 12

	// PayeeWindow is how many upcoming blocks a qualifying record must not
	// already be scheduled within, per next_payee_candidate.
	PayeeWindow = 8

	// VoteFutureWindow bounds how far above tip a vote's target_height may
	// be; the past bound is storage_limit (see storageLimit).
	VoteFutureWindow = 20

	// NewRecordSeconds is the per-registry-slot seconds used by the
	// announce-time-too-new filter in next_payee_candidate:
	// announce_time + registry_size*NewRecordSeconds <= now.
	NewRecordSeconds = 2.6 * 60

	// OldestTenthFraction is the fraction (by last_paid_block) of
	// qualifying records considered for next_payee_candidate.
	OldestTenthFraction = 10

	// MinQualifyingFraction is the fraction of records that must pass the
	// announce-time-too-new filter before it is retried without that filter.
	MinQualifyingFraction = 3

	// SyncTickInterval is the Synchronization Coordinator's tick period.
	SyncTickInterval = 6 * time.Second

	// SyncTimeout is a per-asset time budget. The Coordinator does not read
	// it: an asset moves to FAILED only after SyncMaxFailures failed requests.
	SyncTimeout = 30 * time.Second

	// SyncFailRetry is the delay before a FAILED sync coordinator retries.
	SyncFailRetry = 60 * time.Second

	// SyncSleepReset is the time since a sync began after which a FINISHED
	// coordinator resets to INITIAL. The gap between ticks is not measured,
	// so a sleep does not by itself reset a coordinator in another state.
	SyncSleepReset = 60 * time.Minute

	// SyncMaxFailures is how many consecutive failed requests for the same
	// asset push the Synchronization Coordinator into FAILED.
	SyncMaxFailures = 3
)

// Misbehavior penalty scores.
const (
	PenaltyFutureTime   = 1   // sign_time/announce_time too far in the future.
	PenaltyKeyMismatch  = 33  // key/vin mismatch, bad ping signature.
	PenaltyMalformedKey = 100 // malformed public key.
)
