// Package node assembles one ensemble participant: the relay channel, the
// peer registry and the message router, plus the discovery rules that
// decide who connects to whom.
//
// Synths initiate. A synth asks the relay for the controllers on every
// (re)connect and offers to each one, and to every controller that joins
// later. Controllers answer, and ping their synths to collect state.
package node

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/mossy-p/ensemble/internal/metrics"
	"github.com/mossy-p/ensemble/internal/models"
	"github.com/mossy-p/ensemble/internal/peer"
	"github.com/mossy-p/ensemble/internal/router"
	"github.com/mossy-p/ensemble/internal/signaling"
)

type Config struct {
	ID        string
	Role      models.Role
	Signaling signaling.Config
	Peer      peer.Config
	// ICEServers are STUN/TURN URLs for new peer connections.
	ICEServers []string
	// PingInterval is how often a controller pings its synths. Zero
	// disables pinging.
	PingInterval time.Duration
	Debug        bool
	Metrics      metrics.Collector
}

// MessageHandler receives validated data channel messages. Pongs are
// consumed by the node and never reach it.
type MessageHandler interface {
	Handle(peerID string, msg models.Message) error
}

// Pong is the latest pong received from a synth.
type Pong struct {
	State    models.SynthState
	RTT      time.Duration
	Received time.Time
}

type relay interface {
	Connect(ctx context.Context, clientID string) bool
	Send(models.SignalMessage) error
	Close() error
}

type registry interface {
	router.Peers
	Connect(peerID string) error
	ClosePeer(peerID string) error
	CloseAll()
	HandleSignal(models.SignalMessage) error
	GetAllPeers() []peer.PeerInfo
}

// Node is one running participant.
type Node struct {
	cfg    Config
	relay  relay
	peers  registry
	router *router.Router
	now    func() time.Time

	listeners peer.Listeners
	handler   MessageHandler

	mu    sync.Mutex
	pongs map[string]Pong

	stop  chan struct{}
	tasks *taskgroup.Group
}

// New builds a node speaking to the relay in cfg.Signaling over pion peer
// connections.
func New(cfg Config) (*Node, error) {
	if cfg.ID == "" {
		return nil, errors.New("node id is required")
	}
	if cfg.Role != models.RoleController && cfg.Role != models.RoleSynth {
		return nil, fmt.Errorf("invalid role %q", cfg.Role)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}
	cfg.Signaling.Role = cfg.Role
	cfg.Peer.SelfID = cfg.ID
	cfg.Peer.Debug = cfg.Debug
	cfg.Peer.Metrics = cfg.Metrics

	n := newNode(cfg)
	ch := signaling.New(cfg.Signaling, signaling.Handlers{
		OnMessage:      n.handleSignal,
		OnConnected:    n.onConnected,
		OnDisconnected: n.onDisconnected,
	})
	reg := peer.New(cfg.Peer, ch, peer.NewPionFactory(cfg.ICEServers), n)
	n.attach(ch, reg)
	return n, nil
}

func newNode(cfg Config) *Node {
	return &Node{
		cfg:   cfg,
		now:   time.Now,
		pongs: make(map[string]Pong),
		stop:  make(chan struct{}),
	}
}

func (n *Node) attach(r relay, p registry) {
	n.relay = r
	n.peers = p
	n.router = router.New(p, n.cfg.Metrics, n.cfg.Debug)
}

func (n *Node) debugf(format string, args ...any) {
	if n.cfg.Debug {
		log.Printf("[node] "+format, args...)
	}
}

// AddListener subscribes l to peer events. It must be called before Start.
func (n *Node) AddListener(l peer.Listener) { n.listeners = append(n.listeners, l) }

// SetHandler sets the receiver of data channel messages. It must be
// called before Start.
func (n *Node) SetHandler(h MessageHandler) { n.handler = h }

func (n *Node) ID() string { return n.cfg.ID }

func (n *Node) Router() *router.Router { return n.router }

// Peers reports the state of every peer connection.
func (n *Node) Peers() []peer.PeerInfo { return n.peers.GetAllPeers() }

// Start connects to the relay. It reports whether the first attempt
// succeeded; the node keeps trying in the background either way.
func (n *Node) Start(ctx context.Context) bool {
	ok := n.relay.Connect(ctx, n.cfg.ID)
	if n.cfg.Role == models.RoleController && n.cfg.PingInterval > 0 && n.tasks == nil {
		n.tasks = taskgroup.New(nil)
		n.tasks.Go(n.pingLoop)
	}
	return ok
}

// Close stops pinging, tears down every peer connection and leaves the
// relay.
func (n *Node) Close() error {
	select {
	case <-n.stop:
	default:
		close(n.stop)
	}
	if n.tasks != nil {
		n.tasks.Wait()
	}
	n.peers.CloseAll()
	return n.relay.Close()
}

func (n *Node) onConnected() {
	if n.cfg.Role != models.RoleSynth {
		return
	}
	if err := n.relay.Send(models.SignalMessage{Type: models.SignalTypeRequestControllers}); err != nil {
		log.Printf("Failed to request controllers: %v", err)
	}
}

func (n *Node) onDisconnected() {
	// Established peer connections do not depend on the relay.
	n.debugf("Relay lost; %d peer connections kept", len(n.peers.PeerIDs()))
}

func (n *Node) handleSignal(msg models.SignalMessage) {
	switch msg.Type {
	case models.SignalTypeRegistered:
		n.debugf("Registered as %s", msg.ClientID)

	case models.SignalTypeControllersList:
		if n.cfg.Role != models.RoleSynth {
			return
		}
		for _, id := range msg.Controllers {
			n.connect(id)
		}

	case models.SignalTypeControllerJoined:
		if n.cfg.Role == models.RoleSynth {
			n.connect(msg.ControllerID)
		}

	case models.SignalTypeControllerLeft:
		if n.cfg.Role == models.RoleSynth {
			n.closePeer(msg.ControllerID)
		}

	case models.SignalTypeSynthJoined:
		if n.cfg.Role == models.RoleController {
			log.Printf("Synth %s joined", msg.SynthID)
		}

	case models.SignalTypeSynthLeft:
		if n.cfg.Role == models.RoleController {
			n.closePeer(msg.SynthID)
		}

	case models.SignalTypeOffer, models.SignalTypeAnswer, models.SignalTypeICE, models.SignalTypeICECandidate:
		if err := n.peers.HandleSignal(msg); err != nil {
			log.Printf("Failed to handle %s from %s: %v", msg.Type, msg.Source, err)
		}

	case models.SignalTypeError:
		log.Printf("Relay error: %s", msg.Error)

	default:
		n.debugf("Ignoring %q from relay", msg.Type)
	}
}

func (n *Node) connect(peerID string) {
	if peerID == "" || peerID == n.cfg.ID {
		return
	}
	if err := n.peers.Connect(peerID); err != nil {
		log.Printf("Failed to connect to %s: %v", peerID, err)
	}
}

func (n *Node) closePeer(peerID string) {
	if err := n.peers.ClosePeer(peerID); err != nil && !errors.Is(err, peer.ErrUnknownPeer) {
		log.Printf("Failed to close %s: %v", peerID, err)
	}
}

// HandlePeerEvent decodes data channel messages, then passes every event
// on to the listeners.
func (n *Node) HandlePeerEvent(e peer.Event) {
	switch e := e.(type) {
	case peer.DataChannelMessage:
		n.receive(e.ID, e.Data)
	case peer.PeerDisconnected:
		n.mu.Lock()
		delete(n.pongs, e.ID)
		n.mu.Unlock()
	}
	n.listeners.HandlePeerEvent(e)
}

func (n *Node) receive(peerID string, data []byte) {
	msg, err := router.Decode(data)
	if err != nil {
		log.Printf("Dropping message from %s: %v", peerID, err)
		return
	}
	if pong, ok := msg.(*models.PongMessage); ok {
		n.recordPong(peerID, pong)
		return
	}
	if n.handler == nil {
		n.debugf("No handler for %s from %s", msg.MessageType(), peerID)
		return
	}
	if err := n.handler.Handle(peerID, msg); err != nil {
		log.Printf("Failed to handle %s from %s: %v", msg.MessageType(), peerID, err)
	}
}

func (n *Node) recordPong(peerID string, m *models.PongMessage) {
	now := n.now()
	p := Pong{Received: now, RTT: now.Sub(time.UnixMilli(m.Timestamp))}
	if m.State != nil {
		p.State = *m.State
	}
	n.mu.Lock()
	n.pongs[peerID] = p
	n.mu.Unlock()
}

// Pongs returns the latest pong from each synth.
func (n *Node) Pongs() map[string]Pong {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]Pong, len(n.pongs))
	for id, p := range n.pongs {
		out[id] = p
	}
	return out
}

// Ping sends a ping to every peer and returns the number sent.
func (n *Node) Ping() int {
	return n.router.Broadcast(&models.PingMessage{Timestamp: n.now().UnixMilli()})
}

func (n *Node) pingLoop() error {
	t := time.NewTicker(n.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-n.stop:
			return nil
		case <-t.C:
			n.Ping()
		}
	}
}
