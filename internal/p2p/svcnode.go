package p2p

import (
	"context"
	"fmt"
	"io"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

const (
	svcNodeReadTimeout    = 30 * time.Second
	maxSvcNodeMessageSize = 2 * 1024 * 1024
)

// JoinSvcNodeAnnounce joins the service-node announcement topic.
func (n *Node) JoinSvcNodeAnnounce(handler func(peer.ID, []byte)) error {
	n.svcAnnounceHandler = handler
	topic, sub, err := n.joinTopic(TopicSvcNodeAnnounce)
	if err != nil {
		return err
	}
	n.topicSvcAnnounce, n.subSvcAnnounce = topic, sub
	go n.svcReadLoop(sub, func(from peer.ID, data []byte) {
		if n.svcAnnounceHandler != nil {
			n.svcAnnounceHandler(from, data)
		}
	})
	return nil
}

// JoinSvcNodePing joins the service-node ping topic.
func (n *Node) JoinSvcNodePing(handler func(peer.ID, []byte)) error {
	n.svcPingHandler = handler
	topic, sub, err := n.joinTopic(TopicSvcNodePing)
	if err != nil {
		return err
	}
	n.topicSvcPing, n.subSvcPing = topic, sub
	go n.svcReadLoop(sub, func(from peer.ID, data []byte) {
		if n.svcPingHandler != nil {
			n.svcPingHandler(from, data)
		}
	})
	return nil
}

// JoinSvcNodeVote joins the service-node payment vote topic.
func (n *Node) JoinSvcNodeVote(handler func(peer.ID, []byte)) error {
	n.svcVoteHandler = handler
	topic, sub, err := n.joinTopic(TopicSvcNodeVote)
	if err != nil {
		return err
	}
	n.topicSvcVote, n.subSvcVote = topic, sub
	go n.svcReadLoop(sub, func(from peer.ID, data []byte) {
		if n.svcVoteHandler != nil {
			n.svcVoteHandler(from, data)
		}
	})
	return nil
}

// JoinSvcNodeSpork joins the kill-switch flag update topic.
func (n *Node) JoinSvcNodeSpork(handler func(peer.ID, []byte)) error {
	n.svcSporkHandler = handler
	topic, sub, err := n.joinTopic(TopicSvcNodeSpork)
	if err != nil {
		return err
	}
	n.topicSvcSpork, n.subSvcSpork = topic, sub
	go n.svcReadLoop(sub, func(from peer.ID, data []byte) {
		if n.svcSporkHandler != nil {
			n.svcSporkHandler(from, data)
		}
	})
	return nil
}

func (n *Node) joinTopic(name string) (*pubsub.Topic, *pubsub.Subscription, error) {
	if n.pubsub == nil {
		return nil, nil, fmt.Errorf("p2p node not started")
	}
	topic, err := n.pubsub.Join(name)
	if err != nil {
		return nil, nil, fmt.Errorf("join topic %s: %w", name, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		return nil, nil, fmt.Errorf("subscribe topic %s: %w", name, err)
	}
	return topic, sub, nil
}

func (n *Node) svcReadLoop(sub *pubsub.Subscription, deliver func(peer.ID, []byte)) {
	for {
		msg, err := sub.Next(n.ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}
		func() {
			defer func() { recover() }()
			deliver(msg.ReceivedFrom, msg.Data)
		}()
	}
}

// BroadcastSvcNodeAnnounce publishes a raw (already-serialized) service
// node announcement to the announce topic.
func (n *Node) BroadcastSvcNodeAnnounce(data []byte) error {
	return n.publish(n.topicSvcAnnounce, data)
}

// BroadcastSvcNodePing publishes a raw service node ping.
func (n *Node) BroadcastSvcNodePing(data []byte) error {
	return n.publish(n.topicSvcPing, data)
}

// BroadcastSvcNodeVote publishes a raw payment vote.
func (n *Node) BroadcastSvcNodeVote(data []byte) error {
	return n.publish(n.topicSvcVote, data)
}

// BroadcastSvcNodeSpork publishes a raw kill-switch flag update.
func (n *Node) BroadcastSvcNodeSpork(data []byte) error {
	return n.publish(n.topicSvcSpork, data)
}

func (n *Node) publish(topic *pubsub.Topic, data []byte) error {
	if topic == nil {
		return fmt.Errorf("service-node topic not joined")
	}
	return topic.Publish(n.ctx, data)
}

// RegisterSvcNodeStreamHandler installs a request/response stream
// handler on proto: provider receives the raw request body and the
// remote peer's address string, and returns the raw response body (nil
// to send nothing back). Shared transport for DSEG, vote-sync,
// MNVERIFY, and GETSPORKS.
func (n *Node) RegisterSvcNodeStreamHandler(proto protocol.ID, provider func(peerAddr string, body []byte) []byte) {
	n.host.SetStreamHandler(proto, func(stream network.Stream) {
		defer stream.Close()
		body, err := io.ReadAll(io.LimitReader(stream, maxSvcNodeMessageSize))
		if err != nil {
			return
		}
		_ = stream.SetWriteDeadline(time.Now().Add(svcNodeReadTimeout))
		resp := provider(stream.Conn().RemotePeer().String(), body)
		if resp != nil {
			stream.Write(resp)
		}
	})
}

// RequestSvcNode opens a stream to peerID on proto, sends body, and
// returns the peer's raw response.
func (n *Node) RequestSvcNode(ctx context.Context, peerID peer.ID, proto protocol.ID, body []byte) ([]byte, error) {
	stream, err := n.host.NewStream(ctx, peerID, proto)
	if err != nil {
		return nil, fmt.Errorf("open %s stream: %w", proto, err)
	}
	defer stream.Close()

	if _, err := stream.Write(body); err != nil {
		return nil, fmt.Errorf("write %s request: %w", proto, err)
	}
	stream.CloseWrite()

	_ = stream.SetReadDeadline(time.Now().Add(svcNodeReadTimeout))
	resp, err := io.ReadAll(io.LimitReader(stream, maxSvcNodeMessageSize))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", proto, err)
	}
	return resp, nil
}
