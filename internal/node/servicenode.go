package node

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/internal/killswitch"
	"github.com/Klingon-tech/klingnet-chain/internal/p2p"
	"github.com/Klingon-tech/klingnet-chain/internal/svcnode"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
)

// setupServiceNode wires the service-node overlay: the registry Manager,
// payment voter, kill-switch flag registry, their P2P relay, the
// coinbase payee validator hook into the chain, and (if configured)
// local activation: build, wire handlers, restore persisted state, hand
// off to RPC.
func (n *Node) setupServiceNode() error {
	rules := n.genesis.Protocol.ServiceNode

	var masterPubKey []byte
	if n.cfg.ServiceNode.MasterPubKeyHex != "" {
		var err error
		masterPubKey, err = hex.DecodeString(n.cfg.ServiceNode.MasterPubKeyHex)
		if err != nil {
			return fmt.Errorf("parse servicenode.master_pubkey: %w", err)
		}
	}
	ksRegistry, err := killswitch.LoadRegistry(n.db, masterPubKey)
	if err != nil {
		return fmt.Errorf("load kill-switch registry: %w", err)
	}
	n.ksRegistry = ksRegistry

	adapter := &rootChainAdapter{ch: n.ch, utxos: n.utxoStore, synced: n.IsSynced}
	mgr := svcnode.NewManager(adapter, svcnode.ManagerParams{
		MinConfirmations:    15,
		CollateralAmount:    rules.CollateralAmount,
		MainnetPort:         rules.MainnetPort,
		IsMainnet:           n.cfg.Network != config.Testnet,
		RequiredMinProtocol: rules.RequiredMinProtocol,
	})
	if err := mgr.LoadInto(n.db); err != nil {
		n.logger.Warn().Err(err).Msg("Failed to load persisted service-node registry")
	}
	n.svcManager = mgr

	voter := svcnode.NewPaymentVoter(mgr)
	n.svcVoter = voter

	n.ch.SetServiceNodePayeeValidator(voter.ValidateCoinbaseOutputs)
	if n.pool != nil {
		n.pool.SetCollateralGuard(mgr)
	}

	if n.p2pNode != nil {
		mgr.SetRelayHandlers(
			func(r *svcnode.Record) {
				if data, merr := json.Marshal(r); merr == nil {
					n.p2pNode.BroadcastSvcNodeAnnounce(data)
				}
			},
			func(p *svcnode.Ping) {
				if data, merr := json.Marshal(p); merr == nil {
					n.p2pNode.BroadcastSvcNodePing(data)
				}
			},
		)

		if err := n.p2pNode.JoinSvcNodeAnnounce(func(from peer.ID, data []byte) {
			var r svcnode.Record
			if err := json.Unmarshal(data, &r); err != nil {
				n.p2pNode.BanManager.RecordOffense(from, p2p.PenaltyInvalidTx, "svcnode announce unmarshal: "+err.Error())
				return
			}
			if mb, err := mgr.ReceiveAnnouncement(&r, time.Now()); err != nil && mb != nil {
				n.p2pNode.BanManager.RecordOffense(from, mb.Penalty, mb.Reason)
			}
		}); err != nil {
			n.logger.Warn().Err(err).Msg("Failed to join service-node announce topic")
		}

		if err := n.p2pNode.JoinSvcNodePing(func(from peer.ID, data []byte) {
			var p svcnode.Ping
			if err := json.Unmarshal(data, &p); err != nil {
				n.p2pNode.BanManager.RecordOffense(from, p2p.PenaltyInvalidTx, "svcnode ping unmarshal: "+err.Error())
				return
			}
			if mb, err := mgr.ReceivePing(&p, time.Now()); err != nil && mb != nil {
				n.p2pNode.BanManager.RecordOffense(from, mb.Penalty, mb.Reason)
			}
		}); err != nil {
			n.logger.Warn().Err(err).Msg("Failed to join service-node ping topic")
		}

		if err := n.p2pNode.JoinSvcNodeVote(func(from peer.ID, data []byte) {
			var v svcnode.Vote
			if err := json.Unmarshal(data, &v); err != nil {
				n.p2pNode.BanManager.RecordOffense(from, p2p.PenaltyInvalidTx, "svcnode vote unmarshal: "+err.Error())
				return
			}
			if mb, err := voter.Submit(&v); err != nil && mb != nil {
				n.p2pNode.BanManager.RecordOffense(from, mb.Penalty, mb.Reason)
			}
		}); err != nil {
			n.logger.Warn().Err(err).Msg("Failed to join payment vote topic")
		}

		if err := n.p2pNode.JoinSvcNodeSpork(func(from peer.ID, data []byte) {
			var f killswitch.Flag
			if err := json.Unmarshal(data, &f); err != nil {
				n.p2pNode.BanManager.RecordOffense(from, p2p.PenaltyInvalidTx, "spork unmarshal: "+err.Error())
				return
			}
			if _, err := ksRegistry.Apply(&f); err != nil {
				n.p2pNode.BanManager.RecordOffense(from, svcnode.PenaltyMalformedKey, err.Error())
			}
		}); err != nil {
			n.logger.Warn().Err(err).Msg("Failed to join kill-switch spork topic")
		}

		n.registerSvcNodeStreamHandlers(mgr, voter, ksRegistry)
	}

	if n.rpcServer != nil {
		n.rpcServer.SetServiceNodeRegistry(mgr, voter)
		n.rpcServer.SetKillSwitchRegistry(ksRegistry)
	}

	if n.cfg.ServiceNode.Enabled {
		if err := n.setupLocalActivation(mgr, adapter); err != nil {
			return fmt.Errorf("setup local service-node activation: %w", err)
		}
	}

	n.logger.Info().
		Bool("enabled", rules.Enabled).
		Uint64("collateral", rules.CollateralAmount).
		Msg("Service-node overlay initialized")
	return nil
}

// registerSvcNodeStreamHandlers installs the request/response providers
// for DSEG (list sync), vote sync, and GETSPORKS.
func (n *Node) registerSvcNodeStreamHandlers(mgr *svcnode.Manager, voter *svcnode.PaymentVoter, ksRegistry *killswitch.Registry) {
	n.p2pNode.RegisterSvcNodeStreamHandler(p2p.SvcNodeListSyncProtocol, func(peerAddr string, body []byte) []byte {
		var req struct {
			Outpoint *types.Outpoint `json:"outpoint,omitempty"`
		}
		_ = json.Unmarshal(body, &req)
		entries, err := mgr.ReceiveListRequest(peerAddr, req.Outpoint, false)
		if err != nil {
			return nil
		}
		data, _ := json.Marshal(entries)
		return data
	})

	n.p2pNode.RegisterSvcNodeStreamHandler(p2p.SvcNodeVoteSyncProtocol, func(peerAddr string, body []byte) []byte {
		var req struct {
			Tip    uint64 `json:"tip"`
			Window uint64 `json:"window"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			return nil
		}
		votes := voter.VotesNear(req.Tip, req.Window)
		data, _ := json.Marshal(votes)
		return data
	})

	n.p2pNode.RegisterSvcNodeStreamHandler(p2p.SvcNodeGetSporksProtocol, func(peerAddr string, body []byte) []byte {
		data, _ := json.Marshal(ksRegistry.All())
		return data
	})
}

// svcNodeSyncPeer implements svcnode.SyncPeer over a single remote peer's
// DSEG/vote-sync/GETSPORKS streams.
type svcNodeSyncPeer struct {
	node  *Node
	id    peer.ID
	addr  string
	mgr   *svcnode.Manager
	voter *svcnode.PaymentVoter
	ks    *killswitch.Registry
}

func (s *svcNodeSyncPeer) Addr() string { return s.addr }

func (s *svcNodeSyncPeer) RequestSporks(ctx context.Context) error {
	resp, err := s.node.p2pNode.RequestSvcNode(ctx, s.id, p2p.SvcNodeGetSporksProtocol, nil)
	if err != nil {
		return err
	}
	var flags []*killswitch.Flag
	if err := json.Unmarshal(resp, &flags); err != nil {
		return err
	}
	for _, f := range flags {
		s.ks.Apply(f)
	}
	return nil
}

func (s *svcNodeSyncPeer) RequestList(ctx context.Context) error {
	body, _ := json.Marshal(struct{}{})
	resp, err := s.node.p2pNode.RequestSvcNode(ctx, s.id, p2p.SvcNodeListSyncProtocol, body)
	if err != nil {
		return err
	}
	var entries []svcnode.ListEntry
	if err := json.Unmarshal(resp, &entries); err != nil {
		return err
	}
	now := time.Now()
	for _, e := range entries {
		if e.Record != nil {
			s.mgr.ReceiveAnnouncement(e.Record, now)
		}
		if e.Ping != nil {
			s.mgr.ReceivePing(e.Ping, now)
		}
	}
	return nil
}

func (s *svcNodeSyncPeer) RequestVotes(ctx context.Context) error {
	tip := s.mgr.TipHeight()
	body, _ := json.Marshal(struct {
		Tip    uint64 `json:"tip"`
		Window uint64 `json:"window"`
	}{Tip: tip, Window: svcnode.PayeeWindow})
	resp, err := s.node.p2pNode.RequestSvcNode(ctx, s.id, p2p.SvcNodeVoteSyncProtocol, body)
	if err != nil {
		return err
	}
	var votes []*svcnode.Vote
	if err := json.Unmarshal(resp, &votes); err != nil {
		return err
	}
	for _, v := range votes {
		s.voter.Submit(v)
	}
	return nil
}

// runServiceNodeSync waits for the first available peer, attaches it to
// a bootstrap Coordinator, then hands the coordinator's own tick loop
// off to the waitgroup (Coordinator.Run calls wg.Done() itself).
func (n *Node) runServiceNodeSync() {
	if n.p2pNode == nil || n.svcManager == nil {
		return
	}
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			peers := n.p2pNode.PeerList()
			if len(peers) == 0 {
				continue
			}
			chosen := peers[0]
			coord := svcnode.NewCoordinator()
			coord.Begin(&svcNodeSyncPeer{
				node:  n,
				id:    chosen.ID,
				addr:  chosen.ID.String(),
				mgr:   n.svcManager,
				voter: n.svcVoter,
				ks:    n.ksRegistry,
			})
			n.wg.Add(1)
			go coord.Run(n.ctx, &n.wg)
			return
		}
	}
}

// runServiceNodeSweep periodically expires stale records and prunes old
// vote tallies.
func (n *Node) runServiceNodeSweep() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.svcManager.CheckAndRemove(time.Now())
			if n.svcVoter != nil {
				n.svcVoter.Prune(n.svcManager.TipHeight(), n.svcManager.Count())
			}
		}
	}
}

// setupLocalActivation builds one Activator per locally-managed node
// entry and starts the background tick loop that advances them.
func (n *Node) setupLocalActivation(mgr *svcnode.Manager, adapter *rootChainAdapter) error {
	if len(n.cfg.ServiceNode.Nodes) == 0 {
		n.logger.Warn().Msg("servicenode.enabled is true but no servicenode.config entries are configured")
		return nil
	}

	mode := svcnode.ModeLocal
	if n.cfg.ServiceNode.Mode == config.ServiceNodeModeRemote {
		mode = svcnode.ModeRemote
	}

	for _, entry := range n.cfg.ServiceNode.Nodes {
		keyBytes, err := hex.DecodeString(entry.PrivateKey)
		if err != nil {
			return fmt.Errorf("decode private_key for %q: %w", entry.Alias, err)
		}
		key, err := crypto.PrivateKeyFromBytes(keyBytes)
		if err != nil {
			return fmt.Errorf("load service-node key for %q: %w", entry.Alias, err)
		}
		addr, err := svcnode.ParseNetworkAddress(entry.Address)
		if err != nil {
			return fmt.Errorf("parse service-node address for %q: %w", entry.Alias, err)
		}
		txIDBytes, err := hex.DecodeString(entry.CollateralTx)
		if err != nil || len(txIDBytes) != types.HashSize {
			return fmt.Errorf("invalid collateral_tx for %q", entry.Alias)
		}
		var outpoint types.Outpoint
		copy(outpoint.TxID[:], txIDBytes)
		outpoint.Index = entry.CollateralIndex

		var collKey *crypto.PrivateKey
		if mode == svcnode.ModeLocal {
			collKey = key
		}

		activator := svcnode.NewActivator(mode, outpoint, addr, key, collKey, p2p.ProtocolVersion, adapter, mgr)
		alias := entry.Alias
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.runActivationTick(activator, alias, mgr)
		}()
	}
	return nil
}

func (n *Node) runActivationTick(activator *svcnode.Activator, alias string, mgr *svcnode.Manager) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			record, ping, err := activator.Tick(now)
			if err != nil {
				n.logger.Debug().Err(err).Str("alias", alias).Msg("Service-node activation tick failed")
				continue
			}
			switch {
			case record != nil:
				if _, err := mgr.ReceiveAnnouncement(record, now); err != nil {
					n.logger.Warn().Err(err).Str("alias", alias).Msg("Local announcement rejected by own registry")
					continue
				}
				if n.p2pNode != nil {
					if data, merr := json.Marshal(record); merr == nil {
						n.p2pNode.BroadcastSvcNodeAnnounce(data)
					}
				}
				n.logger.Info().Str("alias", alias).Msg("Service node announced")
			case ping != nil:
				if _, err := mgr.ReceivePing(ping, now); err != nil {
					n.logger.Debug().Err(err).Str("alias", alias).Msg("Local ping rejected by own registry")
					continue
				}
				if n.p2pNode != nil {
					if data, merr := json.Marshal(ping); merr == nil {
						n.p2pNode.BroadcastSvcNodePing(data)
					}
				}
			}

			if n.svcVoter == nil {
				continue
			}
			vote, err := activator.VoteFor(mgr.TipHeight()+1, now)
			if err != nil {
				n.logger.Debug().Err(err).Str("alias", alias).Msg("Service-node vote_for failed")
				continue
			}
			if vote == nil {
				continue
			}
			if mb, err := n.svcVoter.Submit(vote); err != nil {
				if mb != nil {
					n.logger.Warn().Err(err).Str("alias", alias).Msg("Local vote rejected by own voter")
				}
				continue
			}
			if n.p2pNode != nil {
				if data, merr := json.Marshal(vote); merr == nil {
					n.p2pNode.BroadcastSvcNodeVote(data)
				}
			}
		}
	}
}

// IsSynced reports whether the node considers itself caught up with its
// peers, gating activation and registry UTXO lookups that require a
// trustworthy tip.
func (n *Node) IsSynced() bool {
	return n.synced.Load()
}
