package p2p

import (
	"github.com/libp2p/go-libp2p/core/protocol"
)

// GossipSub topic names.
const (
	TopicTransactions = "/klingnet/tx/1.0.0"
	TopicBlocks       = "/klingnet/block/1.0.0"
	TopicHeartbeat    = "/klingnet/heartbeat/1.0.0"

	// TopicSvcNodeAnnounce carries service-node announcements.
	TopicSvcNodeAnnounce = "/klingnet/svcnode/announce/1.0.0"
	// TopicSvcNodePing carries service-node liveness pings.
	TopicSvcNodePing = "/klingnet/svcnode/ping/1.0.0"
	// TopicSvcNodeVote carries per-block payment votes.
	TopicSvcNodeVote = "/klingnet/svcnode/vote/1.0.0"
	// TopicSvcNodeSpork carries kill-switch flag updates.
	TopicSvcNodeSpork = "/klingnet/svcnode/spork/1.0.0"
)

// Handshake protocol constants.
const (
	// HandshakeProtocol is the stream protocol ID for peer compatibility checking.
	HandshakeProtocol = protocol.ID("/klingnet/handshake/1.0.0")

	// ProtocolVersion is the current protocol version advertised during handshake.
	ProtocolVersion uint32 = 1

	// MinProtocolVersion is the minimum protocol version we accept from peers.
	MinProtocolVersion uint32 = 1
)

// Service-node overlay stream protocol IDs: list sync (DSEG), vote sync,
// and mutual PoSe verification (MNVERIFY) all use request/response
// streams rather than gossip, since they are peer-targeted.
const (
	SvcNodeListSyncProtocol   = protocol.ID("/klingnet/svcnode/dseg/1.0.0")
	SvcNodeVoteSyncProtocol   = protocol.ID("/klingnet/svcnode/votesync/1.0.0")
	SvcNodeVerifyProtocol     = protocol.ID("/klingnet/svcnode/verify/1.0.0")
	SvcNodeGetSporksProtocol  = protocol.ID("/klingnet/svcnode/getsporks/1.0.0")
)

// MessageType identifies the type of P2P message.
type MessageType uint8

const (
	MsgTx    MessageType = iota + 1 // Transaction broadcast.
	MsgBlock                        // Block broadcast.

	MsgSvcNodeAnnounce // Service-node announcement broadcast.
	MsgSvcNodePing     // Service-node liveness ping broadcast.
	MsgSvcNodeVote     // Service-node payment vote broadcast.
	MsgSvcNodeSpork    // Kill-switch flag update broadcast.
)

// Message is a P2P protocol message.
type Message struct {
	Type    MessageType `json:"type"`
	Payload []byte      `json:"payload"`
}
