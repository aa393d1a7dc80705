package rpc

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// ── Service-node registry endpoints ─────────────────────────────────────

func (s *Server) requireSvcNodeManager() *Error {
	if s.svcManager == nil {
		return &Error{Code: CodeInternalError, Message: "service-node overlay not enabled"}
	}
	return nil
}

func (s *Server) handleSvcNodeList(_ *Request) (interface{}, *Error) {
	if err := s.requireSvcNodeManager(); err != nil {
		return nil, err
	}
	records := s.svcManager.Snapshot()
	nodes := make([]SvcNodeResult, len(records))
	for i, r := range records {
		nodes[i] = SvcNodeResult{Record: r, State: r.ActiveState.String()}
	}
	return &SvcNodeListResult{Count: len(nodes), Nodes: nodes}, nil
}

func (s *Server) handleSvcNodeGetCount(_ *Request) (interface{}, *Error) {
	if err := s.requireSvcNodeManager(); err != nil {
		return nil, err
	}
	return &SvcNodeListResult{Count: s.svcManager.Count()}, nil
}

func (s *Server) handleSvcNodeGetInfo(req *Request) (interface{}, *Error) {
	if err := s.requireSvcNodeManager(); err != nil {
		return nil, err
	}

	var params OutpointParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.TxID == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "tx_id is required"}
	}

	op, opErr := parseOutpointParam(params)
	if opErr != nil {
		return nil, opErr
	}

	r, ok := s.svcManager.Get(op)
	if !ok {
		return nil, &Error{Code: CodeNotFound, Message: "service node not found"}
	}
	return &SvcNodeResult{Record: r, State: r.ActiveState.String()}, nil
}

func (s *Server) handleSvcNodeAnnounce(req *Request) (interface{}, *Error) {
	if err := s.requireSvcNodeManager(); err != nil {
		return nil, err
	}

	var params SvcNodeAnnounceParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Record == nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "record is required"}
	}

	misbehavior, err := s.svcManager.ReceiveAnnouncement(params.Record, time.Now())
	if err != nil {
		msg := fmt.Sprintf("rejected: %v", err)
		if misbehavior != nil {
			msg = fmt.Sprintf("%s (%s)", msg, misbehavior.Reason)
		}
		return nil, &Error{Code: CodeInvalidParams, Message: msg}
	}

	if s.p2pNode != nil {
		if data, merr := json.Marshal(params.Record); merr == nil {
			if berr := s.p2pNode.BroadcastSvcNodeAnnounce(data); berr != nil {
				s.logger.Warn().Err(berr).Msg("Failed to broadcast service-node announcement")
			}
		}
	}

	return &SvcNodeAnnounceResult{Accepted: true}, nil
}

func (s *Server) handleSvcNodePing(req *Request) (interface{}, *Error) {
	if err := s.requireSvcNodeManager(); err != nil {
		return nil, err
	}

	var params SvcNodePingParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Ping == nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "ping is required"}
	}

	misbehavior, err := s.svcManager.ReceivePing(params.Ping, time.Now())
	if err != nil {
		msg := fmt.Sprintf("rejected: %v", err)
		if misbehavior != nil {
			msg = fmt.Sprintf("%s (%s)", msg, misbehavior.Reason)
		}
		return nil, &Error{Code: CodeInvalidParams, Message: msg}
	}

	if s.p2pNode != nil {
		if data, merr := json.Marshal(params.Ping); merr == nil {
			if berr := s.p2pNode.BroadcastSvcNodePing(data); berr != nil {
				s.logger.Warn().Err(berr).Msg("Failed to broadcast service-node ping")
			}
		}
	}

	return &SvcNodePingResult{Accepted: true}, nil
}

// ── Payment voting endpoints ─────────────────────────────────────────────

func (s *Server) requireSvcNodeVoter() *Error {
	if s.svcVoter == nil {
		return &Error{Code: CodeInternalError, Message: "service-node payment voting not enabled"}
	}
	return nil
}

func (s *Server) handleSvcNodeVote(req *Request) (interface{}, *Error) {
	if err := s.requireSvcNodeVoter(); err != nil {
		return nil, err
	}

	var params SvcNodeVoteParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Vote == nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "vote is required"}
	}

	misbehavior, err := s.svcVoter.Submit(params.Vote)
	if err != nil {
		msg := fmt.Sprintf("rejected: %v", err)
		if misbehavior != nil {
			msg = fmt.Sprintf("%s (%s)", msg, misbehavior.Reason)
		}
		return nil, &Error{Code: CodeInvalidParams, Message: msg}
	}

	if s.p2pNode != nil {
		if data, merr := json.Marshal(params.Vote); merr == nil {
			if berr := s.p2pNode.BroadcastSvcNodeVote(data); berr != nil {
				s.logger.Warn().Err(berr).Msg("Failed to broadcast service-node vote")
			}
		}
	}

	return &SvcNodeVoteResult{Accepted: true}, nil
}

func (s *Server) handleSvcNodeGetWinner(req *Request) (interface{}, *Error) {
	if err := s.requireSvcNodeVoter(); err != nil {
		return nil, err
	}

	var params SvcNodeGetWinnerParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}

	winner, ok := s.svcVoter.Winner(params.Height)
	if !ok {
		return &SvcNodeGetWinnerResult{Height: params.Height, Found: false}, nil
	}
	return &SvcNodeGetWinnerResult{
		Height: params.Height,
		Found:  true,
		Payee:  fmt.Sprintf("%x", winner.Data),
		Type:   int(winner.Type),
	}, nil
}

// ── Kill-switch endpoints ───────────────────────────────────────────────

func (s *Server) requireKillSwitchRegistry() *Error {
	if s.ksRegistry == nil {
		return &Error{Code: CodeInternalError, Message: "kill-switch registry not enabled"}
	}
	return nil
}

func (s *Server) handleKillSwitchGetFlags(_ *Request) (interface{}, *Error) {
	if err := s.requireKillSwitchRegistry(); err != nil {
		return nil, err
	}
	return &KillSwitchFlagsResult{Flags: s.ksRegistry.All()}, nil
}

func (s *Server) handleKillSwitchApply(req *Request) (interface{}, *Error) {
	if err := s.requireKillSwitchRegistry(); err != nil {
		return nil, err
	}

	var params KillSwitchApplyParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Flag == nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "flag is required"}
	}

	changed, err := s.ksRegistry.Apply(params.Flag)
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("rejected: %v", err)}
	}

	if changed && s.p2pNode != nil {
		if data, merr := json.Marshal(params.Flag); merr == nil {
			if berr := s.p2pNode.BroadcastSvcNodeSpork(data); berr != nil {
				s.logger.Warn().Err(berr).Msg("Failed to broadcast kill-switch flag")
			}
		}
	}

	return &KillSwitchApplyResult{Changed: changed}, nil
}

// parseOutpointParam decodes an OutpointParam's hex tx_id into a types.Outpoint.
func parseOutpointParam(params OutpointParam) (types.Outpoint, *Error) {
	var op types.Outpoint
	txIDBytes, err := hex.DecodeString(params.TxID)
	if err != nil || len(txIDBytes) != types.HashSize {
		return op, &Error{Code: CodeInvalidParams, Message: "invalid tx_id: must be 32-byte hex"}
	}
	copy(op.TxID[:], txIDBytes)
	op.Index = params.Index
	return op, nil
}
