package svcnode

import (
	"bytes"
	"sort"

	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// RankBlockOffset is how far below the target height the ranking block
// hash is drawn from, so a rank computed for an upcoming height stays
// stable once that height is buried.
const RankBlockOffset = 101

// Score computes a record's deterministic rank value against blockHash:
// |H(block_hash||outpoint) - H(block_hash)|, treating both hashes as
// big-endian integers.
func Score(blockHash types.Hash, outpoint types.Outpoint) [types.HashSize]byte {
	buf := make([]byte, 0, types.HashSize+types.HashSize+4)
	buf = append(buf, blockHash[:]...)
	buf = append(buf, outpoint.TxID[:]...)
	buf = appendUint32(buf, outpoint.Index)
	combined := crypto.Hash(buf)
	base := crypto.Hash(blockHash[:])
	return absDiff(combined, base)
}

func absDiff(a, b types.Hash) [types.HashSize]byte {
	var out [types.HashSize]byte
	if bytes.Compare(a[:], b[:]) < 0 {
		a, b = b, a
	}
	borrow := 0
	for i := types.HashSize - 1; i >= 0; i-- {
		d := int(a[i]) - int(b[i]) - borrow
		if d < 0 {
			d += 256
			borrow = 1
		} else {
			borrow = 0
		}
		out[i] = byte(d)
	}
	return out
}

// RankedRecord pairs a record with its computed rank score and 1-based
// position for a particular ranking block hash.
type RankedRecord struct {
	Record *Record
	Score  [types.HashSize]byte
	Rank   int
}

// Rank orders records by descending score against the block hash at
// targetHeight-RankBlockOffset, breaking ties by outpoint, and assigns
// each a 1-based rank.
func Rank(records []*Record, chain ChainAdapter, targetHeight uint64) ([]RankedRecord, error) {
	if targetHeight < RankBlockOffset {
		return nil, ErrBlockHashUnknown
	}
	blockHash, ok := chain.BlockHashAt(targetHeight - RankBlockOffset)
	if !ok {
		return nil, ErrBlockHashUnknown
	}

	ranked := make([]RankedRecord, len(records))
	for i, r := range records {
		ranked[i] = RankedRecord{Record: r, Score: Score(blockHash, r.CollateralOutpoint)}
	}
	sort.Slice(ranked, func(i, j int) bool {
		c := bytes.Compare(ranked[i].Score[:], ranked[j].Score[:])
		if c != 0 {
			return c > 0 // descending
		}
		return outpointLess(ranked[i].Record.CollateralOutpoint, ranked[j].Record.CollateralOutpoint)
	})
	for i := range ranked {
		ranked[i].Rank = i + 1
	}
	return ranked, nil
}

// Ranked computes the current ranking for targetHeight over every record
// presently in the registry, using the manager's own ChainAdapter — a
// convenience for callers (e.g. RPC handlers) that only have a Manager
// reference.
func (m *Manager) Ranked(targetHeight uint64) ([]RankedRecord, error) {
	return Rank(m.Snapshot(), m.chain, targetHeight)
}

func outpointLess(a, b types.Outpoint) bool {
	c := bytes.Compare(a.TxID[:], b.TxID[:])
	if c != 0 {
		return c < 0
	}
	return a.Index < b.Index
}

// Qualifying returns the records eligible for payment at height: ENABLED,
// not already scheduled for a nearby height, past the too-new-record
// filter, and with collateral confirmed for at least registry_size
// blocks.
func Qualifying(records []*Record, confirmedAt func(types.Outpoint) (uint64, bool), height uint64, nowUnix int64) []*Record {
	registrySize := len(records)

	pass := func(r *Record, applyNewRecordFilter bool) bool {
		if r.ActiveState != StateEnabled {
			return false
		}
		if r.LastPaidBlock >= height && r.LastPaidBlock < height+PayeeWindow {
			return false // already scheduled within the upcoming window.
		}
		confHeight, ok := confirmedAt(r.CollateralOutpoint)
		if !ok || height < confHeight || height-confHeight < uint64(registrySize) {
			return false
		}
		if applyNewRecordFilter {
			threshold := r.AnnounceTime + int64(float64(registrySize)*NewRecordSeconds)
			if threshold > nowUnix {
				return false
			}
		}
		return true
	}

	var withFilter []*Record
	for _, r := range records {
		if pass(r, true) {
			withFilter = append(withFilter, r)
		}
	}

	var withoutFilterCount int
	for _, r := range records {
		if pass(r, false) {
			withoutFilterCount++
		}
	}

	if withoutFilterCount > 0 && len(withFilter)*MinQualifyingFraction < withoutFilterCount {
		var out []*Record
		for _, r := range records {
			if pass(r, false) {
				out = append(out, r)
			}
		}
		return out
	}
	return withFilter
}

// oldestTenth returns the subset of qualifying with the smallest
// LastPaidBlock, sized to at least one record and at most one tenth of
// the input (OldestTenthFraction).
func oldestTenth(qualifying []*Record) []*Record {
	if len(qualifying) == 0 {
		return nil
	}
	sorted := make([]*Record, len(qualifying))
	copy(sorted, qualifying)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LastPaidBlock < sorted[j].LastPaidBlock })

	n := len(sorted) / OldestTenthFraction
	if n < 1 {
		n = 1
	}
	if n > len(sorted) {
		n = len(sorted)
	}
	return sorted[:n]
}

// NextPayeeCandidate selects the next record due for payment at height:
// among the oldest tenth of qualifying records by last_paid_block, the
// one with the highest rank score against the block hash at
// height-RankBlockOffset.
func NextPayeeCandidate(qualifying []*Record, chain ChainAdapter, height uint64) (*Record, error) {
	pool := oldestTenth(qualifying)
	if len(pool) == 0 {
		return nil, nil
	}
	ranked, err := Rank(pool, chain, height)
	if err != nil {
		return nil, err
	}
	return ranked[0].Record, nil // descending sort -> index 0 has the highest score.
}
