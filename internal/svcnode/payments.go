package svcnode

import (
	"fmt"
	"sync"

	klog "github.com/Klingon-tech/klingnet-chain/internal/log"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
	"github.com/rs/zerolog"
)

// VoteBlock aggregates every vote seen for one target height, keyed by
// payee script, so CoinbaseValid can check the tally without rescanning.
type VoteBlock struct {
	Height uint64
	Tally  map[string][]*Vote // payee script bytes -> votes naming it
}

// PaymentVoter is the Payment Voting component (C7): it collects votes
// per target height, storage-limited, and validates a block's coinbase
// payout against the winning payee.
type PaymentVoter struct {
	mu     sync.Mutex
	blocks map[uint64]*VoteBlock
	seen   map[types.Hash]struct{}

	manager *Manager
	logger  zerolog.Logger
}

// NewPaymentVoter creates an empty vote collector bound to manager (used
// to resolve a voter outpoint's current rank and record).
func NewPaymentVoter(manager *Manager) *PaymentVoter {
	return &PaymentVoter{
		blocks:  make(map[uint64]*VoteBlock),
		seen:    make(map[types.Hash]struct{}),
		manager: manager,
		logger:  klog.WithComponent("svcnode-payments"),
	}
}

// storageLimit returns how many distinct target heights worth of votes to
// retain: max(registrySize*1.25, MinStorageLimit).
func storageLimit(registrySize int) int {
	scaled := registrySize + registrySize/4
	if scaled < MinStorageLimit {
		return MinStorageLimit
	}
	return scaled
}

// ReceiveVote validates and records a vote, rejecting votes outside the
// accepted height window [tip-storage_limit, tip+VoteFutureWindow], from
// voters ranked outside the top SigsTotal (or not ranked at all), or
// duplicated.
func (p *PaymentVoter) ReceiveVote(v *Vote, tip uint64, ranked []RankedRecord) (*Misbehavior, error) {
	limit := uint64(storageLimit(len(ranked)))
	low := uint64(0)
	if tip > limit {
		low = tip - limit
	}
	if v.TargetHeight < low || v.TargetHeight > tip+VoteFutureWindow {
		return nil, ErrVoteHeightRange
	}

	var record *Record
	for _, rr := range ranked {
		if rr.Record.CollateralOutpoint == v.VoterOutpoint {
			if rr.Rank > SigsTotal {
				return nil, ErrVoterNotRanked
			}
			record = rr.Record
			break
		}
	}
	if record == nil {
		return nil, ErrVoterNotRanked
	}

	if !VerifyVote(v, record.NodePubKey) {
		return &Misbehavior{Penalty: PenaltyKeyMismatch, Reason: "bad vote signature"}, ErrBadSignature
	}

	hash := v.Hash()

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.seen[hash]; ok {
		return nil, ErrVoteDuplicate
	}
	p.seen[hash] = struct{}{}

	block, ok := p.blocks[v.TargetHeight]
	if !ok {
		block = &VoteBlock{Height: v.TargetHeight, Tally: make(map[string][]*Vote)}
		p.blocks[v.TargetHeight] = block
	}
	key := string(v.PayeeScript.Data) + string(byte(v.PayeeScript.Type))
	block.Tally[key] = append(block.Tally[key], v)

	return nil, nil
}

// Submit resolves the current tip and ranking from the bound manager and
// applies v through ReceiveVote, sparing callers (e.g. RPC handlers) from
// assembling a ranked record list themselves.
func (p *PaymentVoter) Submit(v *Vote) (*Misbehavior, error) {
	tip := p.manager.TipHeight()
	ranked, err := p.manager.Ranked(tip)
	if err != nil {
		return nil, err
	}
	return p.ReceiveVote(v, tip, ranked)
}

// VotesNear returns every vote held for heights within window of tip, for
// peer-to-peer vote synchronization.
func (p *PaymentVoter) VotesNear(tip uint64, window uint64) []*Vote {
	p.mu.Lock()
	defer p.mu.Unlock()

	low := uint64(0)
	if tip > window {
		low = tip - window
	}
	var out []*Vote
	for h := low; h <= tip+window; h++ {
		block, ok := p.blocks[h]
		if !ok {
			continue
		}
		for _, votes := range block.Tally {
			out = append(out, votes...)
		}
	}
	return out
}

// Winner returns the payee script with the most votes at height, or
// false if no votes (or a tie with no plurality) exist. This is the
// current plurality leader for display purposes and does not itself
// gate on SigsRequired; use bestWithQuorum for enforcement decisions.
func (p *PaymentVoter) Winner(height uint64) (types.Script, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	best, count := p.bestTally(height)
	if count == 0 {
		return types.Script{}, false
	}
	leaders := 0
	for _, votes := range p.blocks[height].Tally {
		if len(votes) == count {
			leaders++
		}
	}
	if leaders > 1 {
		return types.Script{}, false
	}
	return best[0].PayeeScript, true
}

// bestTally returns the largest vote slice held at height and its length.
func (p *PaymentVoter) bestTally(height uint64) ([]*Vote, int) {
	block, ok := p.blocks[height]
	if !ok {
		return nil, 0
	}
	var best []*Vote
	for _, votes := range block.Tally {
		if len(votes) > len(best) {
			best = votes
		}
	}
	return best, len(best)
}

// bestWithQuorum returns the payee script with the most votes at height,
// but only if that tally reaches SigsRequired votes. It is the quorum
// gate spec.md's coinbase_valid/next-block enforcement is built on: a
// payee with fewer than SigsRequired votes never blocks a block, so an
// un-elected or newly-syncing chain keeps validating normally.
func (p *PaymentVoter) bestWithQuorum(height uint64) (types.Script, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	best, count := p.bestTally(height)
	if count < SigsRequired {
		return types.Script{}, false
	}
	return best[0].PayeeScript, true
}

// CoinbaseValid checks whether a block's coinbase output to payeeScript
// matches the recorded winner at height, returning true when no payee
// has reached SigsRequired votes yet (so chains without quorum, or
// without any active service node, still validate blocks normally —
// the longest-chain fallback).
func (p *PaymentVoter) CoinbaseValid(height uint64, payeeScript types.Script) bool {
	winner, ok := p.bestWithQuorum(height)
	if !ok {
		return true
	}
	return scriptEqual(winner, payeeScript)
}

// ValidateCoinbaseOutputs implements chain.ServiceNodePayeeValidator: it
// rejects a block only when some payee has reached SigsRequired votes at
// height and none of the coinbase outputs pay that elected script.
func (p *PaymentVoter) ValidateCoinbaseOutputs(height uint64, outputs []tx.Output) error {
	winner, ok := p.bestWithQuorum(height)
	if !ok {
		return nil
	}
	for _, out := range outputs {
		if scriptEqual(winner, out.Script) {
			return nil
		}
	}
	return fmt.Errorf("coinbase at height %d does not pay elected service-node", height)
}

// Prune discards vote blocks for heights outside the storage window,
// using registrySize to compute the current limit.
func (p *PaymentVoter) Prune(currentHeight uint64, registrySize int) {
	limit := uint64(storageLimit(registrySize))
	p.mu.Lock()
	defer p.mu.Unlock()
	for h := range p.blocks {
		if h+limit < currentHeight {
			delete(p.blocks, h)
		}
	}
}

func scriptEqual(a, b types.Script) bool {
	if a.Type != b.Type || len(a.Data) != len(b.Data) {
		return false
	}
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			return false
		}
	}
	return true
}
