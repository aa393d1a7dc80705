package rpc

import (
	"github.com/Klingon-tech/klingnet-chain/internal/killswitch"
	"github.com/Klingon-tech/klingnet-chain/internal/svcnode"
)

// SvcNodeResult wraps a registry record with its human-readable state,
// since Record.ActiveState marshals as a bare integer.
type SvcNodeResult struct {
	Record *svcnode.Record `json:"record"`
	State  string          `json:"state"`
}

// SvcNodeListResult is returned by svcnode_list.
type SvcNodeListResult struct {
	Count int             `json:"count"`
	Nodes []SvcNodeResult `json:"nodes"`
}

// SvcNodeAnnounceParam is used by svcnode_announce.
type SvcNodeAnnounceParam struct {
	Record *svcnode.Record `json:"record"`
}

// SvcNodeAnnounceResult is returned by svcnode_announce.
type SvcNodeAnnounceResult struct {
	Accepted bool `json:"accepted"`
}

// SvcNodePingParam is used by svcnode_ping.
type SvcNodePingParam struct {
	Ping *svcnode.Ping `json:"ping"`
}

// SvcNodePingResult is returned by svcnode_ping.
type SvcNodePingResult struct {
	Accepted bool `json:"accepted"`
}

// SvcNodeVoteParam is used by svcnode_vote.
type SvcNodeVoteParam struct {
	Vote *svcnode.Vote `json:"vote"`
}

// SvcNodeVoteResult is returned by svcnode_vote.
type SvcNodeVoteResult struct {
	Accepted bool `json:"accepted"`
}

// SvcNodeGetWinnerParam is used by svcnode_getWinner.
type SvcNodeGetWinnerParam struct {
	Height uint64 `json:"height"`
}

// SvcNodeGetWinnerResult is returned by svcnode_getWinner.
type SvcNodeGetWinnerResult struct {
	Height uint64 `json:"height"`
	Found  bool   `json:"found"`
	Payee  string `json:"payee,omitempty"` // hex-encoded script data, when found
	Type   int    `json:"type,omitempty"`
}

// KillSwitchFlagsResult is returned by killswitch_getFlags.
type KillSwitchFlagsResult struct {
	Flags []*killswitch.Flag `json:"flags"`
}

// KillSwitchApplyParam is used by killswitch_apply.
type KillSwitchApplyParam struct {
	Flag *killswitch.Flag `json:"flag"`
}

// KillSwitchApplyResult is returned by killswitch_apply.
type KillSwitchApplyResult struct {
	Changed bool `json:"changed"`
}
