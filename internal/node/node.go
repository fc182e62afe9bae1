// Package node owns this process's connection to the relay fleet: a
// libp2p host, gossipsub, and peer discovery over mDNS and the DHT.
package node

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	libp2ptls "github.com/libp2p/go-libp2p/p2p/security/tls"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/libp2p/go-libp2p/p2p/transport/websocket"
	"github.com/multiformats/go-multiaddr"
	mh "github.com/multiformats/go-multihash"

	"github.com/grouprelay/relay-server/internal/config"
)

var log = logging.Logger("relay-node")

// MDNSServiceName is the LAN discovery service tag shared by all relay
// processes in a fleet.
const MDNSServiceName = "grouprelay-mdns"

// Node is this process's membership in the relay fleet.
type Node struct {
	host   host.Host
	dht    *dht.IpfsDHT
	pubsub *pubsub.PubSub
	config *config.Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a fleet node: identity key, libp2p host, DHT routing, and
// a gossipsub instance ready for the bus adapter to ride on.
func New(ctx context.Context, cfg *config.Config) (*Node, error) {
	nodeCtx, cancel := context.WithCancel(ctx)

	n := &Node{
		config: cfg,
		ctx:    nodeCtx,
		cancel: cancel,
	}

	if err := n.init(); err != nil {
		cancel()
		return nil, err
	}

	return n, nil
}

func (n *Node) init() error {
	privKey, err := n.loadOrCreateKey()
	if err != nil {
		return fmt.Errorf("failed to load identity: %w", err)
	}

	listenAddrs := make([]multiaddr.Multiaddr, 0, len(n.config.Network.Listen))
	for _, addr := range n.config.Network.Listen {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return fmt.Errorf("invalid listen address %s: %w", addr, err)
		}
		listenAddrs = append(listenAddrs, ma)
	}

	connMgr, err := connmgr.NewConnManager(
		100, // low water
		n.config.Network.MaxConns,
	)
	if err != nil {
		return fmt.Errorf("failed to create connection manager: %w", err)
	}

	var dhtRouting *dht.IpfsDHT
	n.host, err = libp2p.New(
		libp2p.Identity(privKey),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(websocket.New),
		libp2p.Security(libp2ptls.ID, libp2ptls.New),
		libp2p.Security(noise.ID, noise.New),
		libp2p.ConnectionManager(connMgr),
		libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			var err error
			dhtRouting, err = dht.New(n.ctx, h,
				dht.Mode(dht.ModeAutoServer),
				dht.ProtocolPrefix("/grouprelay"),
			)
			return dhtRouting, err
		}),
		libp2p.NATPortMap(),
	)
	if err != nil {
		return fmt.Errorf("failed to create libp2p host: %w", err)
	}
	n.dht = dhtRouting

	n.pubsub, err = pubsub.NewGossipSub(n.ctx, n.host)
	if err != nil {
		return fmt.Errorf("failed to create pubsub: %w", err)
	}

	log.Infof("node up: peer=%s addrs=%v", n.host.ID(), n.host.Addrs())
	return nil
}

// Start bootstraps DHT routing, connects configured bootstrap peers,
// and launches mDNS and DHT discovery.
func (n *Node) Start(ctx context.Context) error {
	if err := n.dht.Bootstrap(ctx); err != nil {
		return fmt.Errorf("failed to bootstrap DHT: %w", err)
	}

	for _, addr := range n.config.Network.Bootstrap {
		addrInfo, err := peer.AddrInfoFromString(addr)
		if err != nil {
			log.Warnf("invalid bootstrap address %s: %v", addr, err)
			continue
		}
		n.wg.Add(1)
		go func(pi peer.AddrInfo) {
			defer n.wg.Done()
			if err := n.host.Connect(ctx, pi); err != nil {
				log.Warnf("failed to connect to bootstrap peer %s: %v", pi.ID, err)
			} else {
				log.Infof("connected to bootstrap peer %s", pi.ID)
			}
		}(*addrInfo)
	}

	n.wg.Add(1)
	go n.runMDNS()

	n.wg.Add(1)
	go n.runDHTDiscovery()

	return nil
}

// mdnsNotifee handles mDNS peer discovery events.
type mdnsNotifee struct {
	host host.Host
	ctx  context.Context
}

// HandlePeerFound is called when a fleet peer is discovered on the LAN.
func (m *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == m.host.ID() {
		return
	}

	log.Debugf("mDNS discovered peer: %s", pi.ID)

	ctx, cancel := context.WithTimeout(m.ctx, 10*time.Second)
	defer cancel()
	if err := m.host.Connect(ctx, pi); err != nil {
		log.Debugf("failed to connect to mDNS peer %s: %v", pi.ID, err)
	}
}

func (n *Node) runMDNS() {
	defer n.wg.Done()

	notifee := &mdnsNotifee{host: n.host, ctx: n.ctx}
	service := mdns.NewMdnsService(n.host, MDNSServiceName, notifee)
	if err := service.Start(); err != nil {
		log.Warnf("mDNS discovery unavailable: %v", err)
		return
	}
	defer service.Close()

	<-n.ctx.Done()
}

// discoveryCID derives the DHT rendezvous point for a fleet from its
// topic prefix, so fleets with different prefixes never find each
// other.
func discoveryCID(topicPrefix string) (cid.Cid, error) {
	hash := sha256.Sum256([]byte("grouprelay/" + topicPrefix))
	multihash, err := mh.Encode(hash[:], mh.SHA2_256)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to encode discovery multihash: %w", err)
	}
	return cid.NewCidV1(cid.Raw, multihash), nil
}

func (n *Node) runDHTDiscovery() {
	defer n.wg.Done()

	rendezvous, err := discoveryCID(n.config.Relay.TopicPrefix)
	if err != nil {
		log.Errorf("DHT discovery disabled: %v", err)
		return
	}
	log.Infof("DHT discovery namespace: %s", rendezvous)

	announceTicker := time.NewTicker(30 * time.Second)
	defer announceTicker.Stop()

	discoveryTicker := time.NewTicker(60 * time.Second)
	defer discoveryTicker.Stop()

	n.announceOnDHT(rendezvous)

	for {
		select {
		case <-n.ctx.Done():
			log.Debug("DHT discovery stopped")
			return

		case <-announceTicker.C:
			n.announceOnDHT(rendezvous)

		case <-discoveryTicker.C:
			n.discoverPeers(rendezvous)
		}
	}
}

func (n *Node) announceOnDHT(rendezvous cid.Cid) {
	ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
	defer cancel()

	if err := n.dht.Provide(ctx, rendezvous, true); err != nil {
		log.Debugf("DHT announce failed: %v", err)
	}
}

func (n *Node) discoverPeers(rendezvous cid.Cid) {
	ctx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
	defer cancel()

	peerChan := n.dht.FindProvidersAsync(ctx, rendezvous, 20)

	for peerInfo := range peerChan {
		if peerInfo.ID == n.host.ID() {
			continue
		}
		if n.host.Network().Connectedness(peerInfo.ID) == network.Connected {
			continue
		}

		go func(pi peer.AddrInfo) {
			connectCtx, connectCancel := context.WithTimeout(n.ctx, 10*time.Second)
			defer connectCancel()

			if err := n.host.Connect(connectCtx, pi); err != nil {
				log.Debugf("failed to connect to discovered peer %s: %v", pi.ID, err)
			} else {
				log.Infof("connected to discovered relay peer: %s", pi.ID)
			}
		}(peerInfo)
	}
}

func (n *Node) loadOrCreateKey() (crypto.PrivKey, error) {
	keyDir := filepath.Join(n.config.DataDir(), "keys")
	keyPath := filepath.Join(keyDir, "node.key")

	if keyData, err := os.ReadFile(keyPath); err == nil {
		privKey, err := crypto.UnmarshalPrivateKey(keyData)
		if err == nil {
			log.Infof("loaded node identity from %s", keyPath)
			return privKey, nil
		}
		log.Warnf("failed to unmarshal existing key, generating new one: %v", err)
	}

	privKey, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	if err := os.MkdirAll(keyDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}

	keyData, err := crypto.MarshalPrivateKey(privKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	if err := os.WriteFile(keyPath, keyData, 0600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}

	log.Infof("generated new node identity at %s", keyPath)
	return privKey, nil
}

// Stop shuts the node down: discovery loops first, then the host.
func (n *Node) Stop() error {
	n.cancel()
	n.wg.Wait()

	if err := n.host.Close(); err != nil {
		return fmt.Errorf("failed to close host: %w", err)
	}
	return nil
}

// PeerID returns the node's peer ID.
func (n *Node) PeerID() peer.ID {
	return n.host.ID()
}

// ListenAddrs returns the node's listen addresses.
func (n *Node) ListenAddrs() []multiaddr.Multiaddr {
	return n.host.Addrs()
}

// PubSub exposes the gossipsub instance for the bus adapter.
func (n *Node) PubSub() *pubsub.PubSub {
	return n.pubsub
}
