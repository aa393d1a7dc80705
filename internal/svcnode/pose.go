package svcnode

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// PoSeChallenge is an outstanding proof-of-service-existence check: the
// challenger expects target to answer with the matching nonce before
// the deadline.
type PoSeChallenge struct {
	Target    types.Outpoint
	Nonce     [16]byte
	IssuedAt  time.Time
	Deadline  time.Time
}

// PoSeVerifier runs the sweep of other service nodes and tracks
// outstanding challenges: each round a node checks PoSeConnections
// entries from the top PoSeRank ranked records other than itself,
// stepping a cursor forward every call so coverage rotates across those
// records. The cursor starts at the first of them; the node's own rank
// does not affect which targets are chosen.
type PoSeVerifier struct {
	mu         sync.Mutex
	outstanding map[types.Outpoint]*PoSeChallenge
	cursor      int
}

// NewPoSeVerifier creates an empty verifier.
func NewPoSeVerifier() *PoSeVerifier {
	return &PoSeVerifier{outstanding: make(map[types.Outpoint]*PoSeChallenge)}
}

// SelectTargets returns up to PoSeConnections outpoints to challenge this
// round, drawn from the top PoSeRank ranked records (excluding self),
// advancing the internal cursor so repeated calls rotate coverage.
func (v *PoSeVerifier) SelectTargets(ranked []RankedRecord, self types.Outpoint) []types.Outpoint {
	v.mu.Lock()
	defer v.mu.Unlock()

	pool := make([]types.Outpoint, 0, len(ranked))
	for _, rr := range ranked {
		if rr.Record.CollateralOutpoint == self {
			continue
		}
		pool = append(pool, rr.Record.CollateralOutpoint)
		if len(pool) >= PoSeRank {
			break
		}
	}
	if len(pool) == 0 {
		return nil
	}

	out := make([]types.Outpoint, 0, PoSeConnections)
	for i := 0; i < PoSeConnections && i < len(pool); i++ {
		idx := (v.cursor + i) % len(pool)
		out = append(out, pool[idx])
	}
	v.cursor = (v.cursor + PoSeConnections) % len(pool)
	return out
}

// Issue records a new outstanding challenge for target and returns the
// nonce to send.
func (v *PoSeVerifier) Issue(target types.Outpoint, timeout time.Duration) ([16]byte, error) {
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, err
	}
	now := time.Now()
	v.mu.Lock()
	v.outstanding[target] = &PoSeChallenge{
		Target:   target,
		Nonce:    nonce,
		IssuedAt: now,
		Deadline: now.Add(timeout),
	}
	v.mu.Unlock()
	return nonce, nil
}

// Answer resolves an outstanding challenge: true if target answered the
// correct nonce before its deadline. Either way the challenge is cleared.
func (v *PoSeVerifier) Answer(target types.Outpoint, nonce [16]byte, now time.Time) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	ch, ok := v.outstanding[target]
	if !ok {
		return false
	}
	delete(v.outstanding, target)
	if now.After(ch.Deadline) {
		return false
	}
	return ch.Nonce == nonce
}

// Expired drains and returns every challenge whose deadline has already
// passed without an Answer call, so the caller can penalize the target's
// PoSeScore.
func (v *PoSeVerifier) Expired(now time.Time) []types.Outpoint {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []types.Outpoint
	for target, ch := range v.outstanding {
		if now.After(ch.Deadline) {
			out = append(out, target)
			delete(v.outstanding, target)
		}
	}
	return out
}

// PenalizeMissedChallenge increments a record's PoSe score after a failed
// or timed-out challenge, the only path (besides a direct conflict report)
// by which PoSeScore rises outside of Record.Check's ban/unban logic.
func (m *Manager) PenalizeMissedChallenge(target types.Outpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[target]; ok {
		r.PoSeScore++
	}
}

// ReportAddressConflict flags two records sharing a network address: the
// older announcement wins and the newer one is pushed toward POSE_BAN by
// a score increment, rather than an immediate removal.
func (m *Manager) ReportAddressConflict(a, b types.Outpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ra, aok := m.records[a]
	rb, bok := m.records[b]
	if !aok || !bok {
		return
	}
	if ra.AnnounceTime <= rb.AnnounceTime {
		rb.PoSeScore++
	} else {
		ra.PoSeScore++
	}
}

// CheckSameAddr sweeps the registry for records sharing a network
// address and penalizes every loser of each group: the record with the
// oldest AnnounceTime survives (it is assumed to be the one that answers
// PoSe challenges; the absent verified-flag in this implementation means
// age is the only signal available), the rest get their PoSeScore
// incremented by one, same as a single ReportAddressConflict call.
// Intended to run on the same tick boundary as CheckAndRemove.
func (m *Manager) CheckSameAddr() {
	m.mu.Lock()
	defer m.mu.Unlock()

	byAddr := make(map[NetworkAddress][]*Record)
	for _, r := range m.records {
		if r.NetworkAddr.IsZero() {
			continue
		}
		byAddr[r.NetworkAddr] = append(byAddr[r.NetworkAddr], r)
	}

	for _, group := range byAddr {
		if len(group) < 2 {
			continue
		}
		oldest := group[0]
		for _, r := range group[1:] {
			if r.AnnounceTime < oldest.AnnounceTime {
				oldest = r
			}
		}
		for _, r := range group {
			if r != oldest {
				r.PoSeScore++
			}
		}
	}
}
