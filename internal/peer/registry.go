// Package peer owns the WebRTC connections to remote ensemble members and
// mediates the offer, answer and ICE traffic that establishes them.
package peer

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mossy-p/ensemble/internal/metrics"
	"github.com/mossy-p/ensemble/internal/models"
	"github.com/pion/webrtc/v3"
)

// ErrUnknownPeer is returned for operations on a peer with no record.
var ErrUnknownPeer = errors.New("unknown peer")

// Role determines which side creates the data channel and sends the offer.
type Role int

const (
	Offerer Role = iota
	Answerer
)

func (r Role) String() string {
	if r == Offerer {
		return "offerer"
	}
	return "answerer"
}

// Signaler delivers envelopes to the relay.
type Signaler interface {
	Send(models.SignalMessage) error
}

// Config holds registry settings.
type Config struct {
	// SelfID is this client's id; it breaks glare ties.
	SelfID string
	// ConnectTimeout bounds how long a record may stay short of connected.
	// Zero disables the timeout.
	ConnectTimeout time.Duration
	// MaxRetries is how many times an offerer re-attempts a failed peer.
	MaxRetries int
	// RetryDelay is multiplied by the attempt number between retries.
	RetryDelay time.Duration
	// ChannelLabel names the data channel created by offerers.
	ChannelLabel string
	Debug        bool
	Metrics      metrics.Collector
}

// PeerInfo is a diagnostic snapshot of one peer record.
type PeerInfo struct {
	ID               string
	Role             Role
	ConnectionState  webrtc.PeerConnectionState
	ICEState         webrtc.ICEConnectionState
	DataChannelState webrtc.DataChannelState
	QueuedCandidates int
	RemoteSet        bool
	Created          time.Time
}

// record is the registry entry for one peer. neg serializes negotiation
// steps; mu guards the fields below it and is never held across a call
// into the connection.
type record struct {
	id      string
	role    Role
	conn    Conn
	created time.Time
	closed  atomic.Bool

	neg sync.Mutex

	mu           sync.Mutex
	channel      DataChannel
	remoteSet    bool
	offerPending bool
	pending      []webrtc.ICECandidateInit
	connState    webrtc.PeerConnectionState
	iceState     webrtc.ICEConnectionState
	stopTimer    func() bool
}

// Registry is the authoritative map from peer id to its connection. All
// mutation goes through its methods, which keep at most one live connection
// per peer id.
type Registry struct {
	cfg      Config
	signaler Signaler
	newConn  Factory
	listener Listener
	metrics  metrics.Collector

	// afterFunc schedules f after d and returns a stop function.
	afterFunc func(d time.Duration, f func()) func() bool

	mu      sync.Mutex
	peers   map[string]*record
	retries map[string]int
}

// New creates a registry. The listener may be nil.
func New(cfg Config, signaler Signaler, factory Factory, listener Listener) *Registry {
	if cfg.ChannelLabel == "" {
		cfg.ChannelLabel = "ensemble"
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Nop{}
	}
	return &Registry{
		cfg:      cfg,
		signaler: signaler,
		newConn:  factory,
		listener: listener,
		metrics:  m,
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
		peers:   make(map[string]*record),
		retries: make(map[string]int),
	}
}

// SetListener replaces the event listener. It must be called before any
// connection is created.
func (r *Registry) SetListener(l Listener) { r.listener = l }

// SelfID returns the id this registry signals as.
func (r *Registry) SelfID() string { return r.cfg.SelfID }

func (r *Registry) debugf(format string, args ...any) {
	if r.cfg.Debug {
		log.Printf("[peer] "+format, args...)
	}
}

func (r *Registry) emit(e Event) {
	if r.listener != nil {
		r.listener.HandlePeerEvent(e)
	}
}

// CreateConnection returns the connection for peerID, creating one with the
// given role if there is no record or the existing one is failed or closed.
// A live existing connection is returned unchanged.
func (r *Registry) CreateConnection(peerID string, role Role) (Conn, error) {
	rec, _, err := r.ensure(peerID, role)
	if err != nil {
		return nil, err
	}
	return rec.conn, nil
}

func (r *Registry) ensure(peerID string, role Role) (_ *record, created bool, _ error) {
	r.mu.Lock()
	old := r.peers[peerID]
	if old != nil && old.live() {
		r.mu.Unlock()
		return old, false, nil
	}
	rec, err := r.newRecord(peerID, role)
	if err != nil {
		r.mu.Unlock()
		return nil, false, err
	}
	r.peers[peerID] = rec
	r.mu.Unlock()

	if old != nil {
		r.debugf("Replacing %s connection for peer %s", old.state(), peerID)
		old.shutdown()
	}
	log.Printf("Created %s connection for peer %s", role, peerID)
	r.emit(PeerCreated{ID: peerID, Role: role})
	return rec, true, nil
}

// newRecord builds a record and wires its connection callbacks.
// The caller holds r.mu.
func (r *Registry) newRecord(peerID string, role Role) (*record, error) {
	conn, err := r.newConn()
	if err != nil {
		return nil, fmt.Errorf("peer %s: %w", peerID, err)
	}
	rec := &record{
		id:        peerID,
		role:      role,
		conn:      conn,
		created:   time.Now(),
		connState: webrtc.PeerConnectionStateNew,
		iceState:  webrtc.ICEConnectionStateNew,
	}

	conn.OnICECandidate(func(c *webrtc.ICECandidateInit) {
		if c == nil || !r.current(rec) {
			return
		}
		data, err := json.Marshal(c)
		if err != nil {
			log.Printf("Failed to marshal ICE candidate for peer %s: %v", peerID, err)
			return
		}
		r.signal(models.SignalMessage{Type: models.SignalTypeICE, Target: peerID, Data: data})
	})
	conn.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		r.onStateChange(rec, s)
	})
	conn.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		rec.mu.Lock()
		rec.iceState = s
		rec.mu.Unlock()
		r.debugf("Peer %s ICE state %s", peerID, s)
	})
	conn.OnDataChannel(func(dc DataChannel) {
		r.attachChannel(rec, dc)
	})

	if r.cfg.ConnectTimeout > 0 {
		rec.stopTimer = r.afterFunc(r.cfg.ConnectTimeout, func() { r.onTimeout(rec) })
	}
	return rec, nil
}

// live reports whether rec can still be reused.
func (rec *record) live() bool {
	if rec.closed.Load() {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.connState != webrtc.PeerConnectionStateFailed &&
		rec.connState != webrtc.PeerConnectionStateClosed
}

func (rec *record) state() webrtc.PeerConnectionState {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.connState
}

// shutdown closes rec and everything it owns. It is idempotent.
func (rec *record) shutdown() {
	if rec.closed.Swap(true) {
		return
	}
	rec.mu.Lock()
	ch := rec.channel
	stop := rec.stopTimer
	rec.pending = nil
	rec.offerPending = false
	rec.connState = webrtc.PeerConnectionStateClosed
	rec.mu.Unlock()

	if stop != nil {
		stop()
	}
	if ch != nil {
		if err := ch.Close(); err != nil {
			log.Printf("Error closing data channel for peer %s: %v", rec.id, err)
		}
	}
	if err := rec.conn.Close(); err != nil {
		log.Printf("Error closing peer connection for peer %s: %v", rec.id, err)
	}
}

// current reports whether rec is still the registered, open record for its
// peer. Callbacks and in-flight operations check it before acting.
func (r *Registry) current(rec *record) bool {
	if rec.closed.Load() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peers[rec.id] == rec
}

func (r *Registry) lookup(peerID string) *record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peers[peerID]
}

func (r *Registry) signal(msg models.SignalMessage) {
	msg.Source = r.cfg.SelfID
	if err := r.signaler.Send(msg); err != nil {
		// The signaling channel reconnects on its own; negotiation will be
		// retried by the timeout path if this message mattered.
		log.Printf("Failed to send %s to peer %s: %v", msg.Type, msg.Target, err)
	}
}

func (r *Registry) attachChannel(rec *record, dc DataChannel) {
	rec.mu.Lock()
	if rec.closed.Load() {
		rec.mu.Unlock()
		dc.Close()
		return
	}
	prev := rec.channel
	rec.channel = dc
	rec.mu.Unlock()
	if prev != nil && prev != dc {
		prev.Close()
	}

	dc.OnOpen(func() {
		if !r.current(rec) {
			return
		}
		log.Printf("Data channel %q open with peer %s", dc.Label(), rec.id)
		r.emit(DataChannelOpened{ID: rec.id})
	})
	dc.OnClose(func() {
		r.debugf("Data channel %q closed with peer %s", dc.Label(), rec.id)
	})
	dc.OnMessage(func(m webrtc.DataChannelMessage) {
		if !r.current(rec) {
			return
		}
		r.emit(DataChannelMessage{ID: rec.id, Data: m.Data})
	})
}

func (r *Registry) onStateChange(rec *record, s webrtc.PeerConnectionState) {
	if !r.current(rec) {
		return
	}
	rec.mu.Lock()
	rec.connState = s
	stop := rec.stopTimer
	rec.mu.Unlock()

	r.metrics.PeerStateChanged(s.String())
	r.debugf("Peer %s connection state %s", rec.id, s)

	switch s {
	case webrtc.PeerConnectionStateConnected:
		if stop != nil {
			stop()
		}
		r.mu.Lock()
		delete(r.retries, rec.id)
		r.mu.Unlock()
		log.Printf("Peer %s connected", rec.id)
		r.emit(PeerConnected{ID: rec.id})
	case webrtc.PeerConnectionStateDisconnected:
		r.emit(PeerDisconnected{ID: rec.id, State: s})
	case webrtc.PeerConnectionStateFailed:
		// Closing the connection from inside its own callback is unsafe.
		go r.fail(rec, "connection failed")
	case webrtc.PeerConnectionStateClosed:
		if r.remove(rec) {
			r.emit(PeerDisconnected{ID: rec.id, State: s})
		}
	}
}

func (r *Registry) onTimeout(rec *record) {
	if !r.current(rec) || rec.state() == webrtc.PeerConnectionStateConnected {
		return
	}
	r.fail(rec, fmt.Sprintf("not connected after %v", r.cfg.ConnectTimeout))
}

// fail removes rec and, for offerers with attempts left, schedules a fresh
// connection to the same peer.
func (r *Registry) fail(rec *record, reason string) {
	r.mu.Lock()
	if r.peers[rec.id] != rec {
		r.mu.Unlock()
		return
	}
	delete(r.peers, rec.id)
	attempt := r.retries[rec.id] + 1
	retry := rec.role == Offerer && attempt <= r.cfg.MaxRetries
	if retry {
		r.retries[rec.id] = attempt
	} else {
		delete(r.retries, rec.id)
	}
	r.mu.Unlock()

	rec.shutdown()
	log.Printf("Peer %s failed: %s (retrying: %v)", rec.id, reason, retry)
	r.emit(PeerFailed{ID: rec.id, Reason: reason, Retrying: retry})

	if retry {
		r.afterFunc(time.Duration(attempt)*r.cfg.RetryDelay, func() { r.retry(rec.id, attempt) })
	}
}

func (r *Registry) retry(peerID string, attempt int) {
	r.mu.Lock()
	pending := r.retries[peerID] == attempt
	r.mu.Unlock()
	if !pending {
		// Closed or reconnected in the meantime.
		return
	}
	if err := r.Connect(peerID); err != nil {
		log.Printf("Retry %d for peer %s failed: %v", attempt, peerID, err)
	}
}

// remove deletes rec if it is still registered and reports whether it was.
func (r *Registry) remove(rec *record) bool {
	r.mu.Lock()
	ok := r.peers[rec.id] == rec
	if ok {
		delete(r.peers, rec.id)
	}
	r.mu.Unlock()
	if ok {
		rec.shutdown()
	}
	return ok
}

// Connect opens a connection to peerID as the offerer: it creates the data
// channel and sends an offer. Connect is a no-op when a live connection
// already exists.
func (r *Registry) Connect(peerID string) error {
	rec, created, err := r.ensure(peerID, Offerer)
	if err != nil {
		return err
	}
	if !created {
		r.debugf("Connect to %s: reusing existing connection", peerID)
		return nil
	}

	rec.neg.Lock()
	defer rec.neg.Unlock()

	dc, err := rec.conn.CreateDataChannel(r.cfg.ChannelLabel)
	if err != nil {
		r.remove(rec)
		return fmt.Errorf("failed to create data channel for peer %s: %w", peerID, err)
	}
	r.attachChannel(rec, dc)

	offer, err := rec.conn.CreateOffer()
	if err != nil {
		r.remove(rec)
		return fmt.Errorf("failed to create offer for peer %s: %w", peerID, err)
	}
	if err := rec.conn.SetLocalDescription(offer); err != nil {
		r.remove(rec)
		return fmt.Errorf("failed to set local description for peer %s: %w", peerID, err)
	}
	if !r.current(rec) {
		return nil
	}
	data, err := json.Marshal(offer)
	if err != nil {
		return fmt.Errorf("failed to marshal offer: %w", err)
	}
	rec.mu.Lock()
	rec.offerPending = true
	rec.mu.Unlock()

	r.signal(models.SignalMessage{Type: models.SignalTypeOffer, Target: peerID, Data: data})
	return nil
}

// HandleOffer answers an offer from peerID.
//
// If this side has its own offer outstanding to the same peer (glare), the
// side with the lexicographically smaller id yields: it abandons its offer,
// replaces the connection and answers. The larger id ignores the incoming
// offer and waits for its own answer.
//
// Connections are never renegotiated, so an offer for a peer whose remote
// description is already set starts a new session: the old connection is
// closed and replaced.
func (r *Registry) HandleOffer(peerID string, offer webrtc.SessionDescription) error {
	if old := r.lookup(peerID); old != nil {
		switch {
		case old.hasPendingOffer():
			if r.cfg.SelfID >= peerID {
				log.Printf("Glare with peer %s: keeping our offer", peerID)
				return nil
			}
			log.Printf("Glare with peer %s: yielding to their offer", peerID)
			r.remove(old)
		case old.hasRemote():
			log.Printf("New session offered by peer %s, replacing %s connection", peerID, old.state())
			r.remove(old)
		}
	}

	rec, _, err := r.ensure(peerID, Answerer)
	if err != nil {
		return err
	}

	rec.neg.Lock()
	defer rec.neg.Unlock()
	if !r.current(rec) {
		return nil
	}

	if err := rec.conn.SetRemoteDescription(offer); err != nil {
		r.remove(rec)
		return fmt.Errorf("failed to set remote description for peer %s: %w", peerID, err)
	}
	r.drain(rec)

	answer, err := rec.conn.CreateAnswer()
	if err != nil {
		r.remove(rec)
		return fmt.Errorf("failed to create answer for peer %s: %w", peerID, err)
	}
	if err := rec.conn.SetLocalDescription(answer); err != nil {
		r.remove(rec)
		return fmt.Errorf("failed to set local description for peer %s: %w", peerID, err)
	}
	if !r.current(rec) {
		return nil
	}
	data, err := json.Marshal(answer)
	if err != nil {
		return fmt.Errorf("failed to marshal answer: %w", err)
	}
	r.signal(models.SignalMessage{Type: models.SignalTypeAnswer, Target: peerID, Data: data})
	return nil
}

func (rec *record) hasPendingOffer() bool {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.offerPending && !rec.remoteSet
}

func (rec *record) hasRemote() bool {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.remoteSet
}

// HandleAnswer applies an answer to our outstanding offer. Answers with no
// matching offer are stale and dropped.
func (r *Registry) HandleAnswer(peerID string, answer webrtc.SessionDescription) error {
	rec := r.lookup(peerID)
	if rec == nil {
		r.debugf("Discarding answer from unknown peer %s", peerID)
		return nil
	}

	rec.neg.Lock()
	defer rec.neg.Unlock()
	if !r.current(rec) || !rec.hasPendingOffer() {
		r.debugf("Discarding stale answer from peer %s", peerID)
		return nil
	}

	if err := rec.conn.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("failed to set remote description for peer %s: %w", peerID, err)
	}
	rec.mu.Lock()
	rec.offerPending = false
	rec.mu.Unlock()
	r.drain(rec)
	return nil
}

// HandleICECandidate applies a remote candidate, or queues it until the
// remote description is in place.
func (r *Registry) HandleICECandidate(peerID string, c webrtc.ICECandidateInit) error {
	rec := r.lookup(peerID)
	if rec == nil {
		r.debugf("Discarding ICE candidate from unknown peer %s", peerID)
		return nil
	}

	rec.neg.Lock()
	defer rec.neg.Unlock()
	if !r.current(rec) {
		return nil
	}

	rec.mu.Lock()
	if !rec.remoteSet {
		rec.pending = append(rec.pending, c)
		n := len(rec.pending)
		rec.mu.Unlock()
		r.debugf("Queued ICE candidate %d for peer %s", n, peerID)
		return nil
	}
	rec.mu.Unlock()

	if err := rec.conn.AddICECandidate(c); err != nil {
		return fmt.Errorf("failed to add ICE candidate for peer %s: %w", peerID, err)
	}
	return nil
}

// drain marks the remote description as set and applies queued candidates
// in arrival order. The caller holds rec.neg.
func (r *Registry) drain(rec *record) {
	rec.mu.Lock()
	queue := rec.pending
	rec.pending = nil
	rec.remoteSet = true
	rec.mu.Unlock()

	for i, c := range queue {
		if rec.closed.Load() {
			return
		}
		if err := rec.conn.AddICECandidate(c); err != nil {
			log.Printf("Failed to apply queued ICE candidate %d for peer %s: %v", i+1, rec.id, err)
		}
	}
	if len(queue) > 0 {
		r.debugf("Applied %d queued ICE candidates for peer %s", len(queue), rec.id)
	}
}

// HandleSignal dispatches an offer, answer or ICE envelope from the relay.
// Envelopes addressed to another client, or from an untracked source when
// they are not offers, are ignored. Other types are not the registry's
// concern and return nil.
func (r *Registry) HandleSignal(msg models.SignalMessage) error {
	msg.Normalize()
	switch msg.Type {
	case models.SignalTypeOffer, models.SignalTypeAnswer, models.SignalTypeICE:
	default:
		return nil
	}
	if msg.Source == "" || (msg.Target != "" && msg.Target != r.cfg.SelfID) {
		r.debugf("Ignoring %s from %q addressed to %q", msg.Type, msg.Source, msg.Target)
		return nil
	}

	switch msg.Type {
	case models.SignalTypeOffer:
		var sd webrtc.SessionDescription
		if err := json.Unmarshal(msg.Data, &sd); err != nil {
			return fmt.Errorf("malformed offer from %s: %w", msg.Source, err)
		}
		return r.HandleOffer(msg.Source, sd)
	case models.SignalTypeAnswer:
		var sd webrtc.SessionDescription
		if err := json.Unmarshal(msg.Data, &sd); err != nil {
			return fmt.Errorf("malformed answer from %s: %w", msg.Source, err)
		}
		return r.HandleAnswer(msg.Source, sd)
	default:
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(msg.Data, &c); err != nil {
			return fmt.Errorf("malformed ICE candidate from %s: %w", msg.Source, err)
		}
		return r.HandleICECandidate(msg.Source, c)
	}
}

// ClosePeer tears down the connection to peerID and forgets it.
func (r *Registry) ClosePeer(peerID string) error {
	r.mu.Lock()
	rec := r.peers[peerID]
	delete(r.peers, peerID)
	delete(r.retries, peerID)
	r.mu.Unlock()

	if rec == nil {
		return fmt.Errorf("close %s: %w", peerID, ErrUnknownPeer)
	}
	rec.shutdown()
	log.Printf("Closed connection to peer %s", peerID)
	r.emit(PeerDisconnected{ID: peerID, State: webrtc.PeerConnectionStateClosed})
	return nil
}

// CloseAll tears down every connection.
func (r *Registry) CloseAll() {
	for _, id := range r.PeerIDs() {
		r.ClosePeer(id)
	}
}

// PeerIDs returns the ids of all tracked peers in sorted order.
func (r *Registry) PeerIDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// DataChannel returns the data channel of peerID, or nil.
func (r *Registry) DataChannel(peerID string) DataChannel {
	rec := r.lookup(peerID)
	if rec == nil || rec.closed.Load() {
		return nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.channel
}

// GetPeerInfo returns a snapshot of peerID's record.
func (r *Registry) GetPeerInfo(peerID string) (PeerInfo, bool) {
	rec := r.lookup(peerID)
	if rec == nil {
		return PeerInfo{}, false
	}
	return rec.info(), true
}

// GetAllPeers returns snapshots of every record, sorted by id.
func (r *Registry) GetAllPeers() []PeerInfo {
	var out []PeerInfo
	for _, id := range r.PeerIDs() {
		if info, ok := r.GetPeerInfo(id); ok {
			out = append(out, info)
		}
	}
	return out
}

func (rec *record) info() PeerInfo {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	info := PeerInfo{
		ID:               rec.id,
		Role:             rec.role,
		ConnectionState:  rec.connState,
		ICEState:         rec.iceState,
		QueuedCandidates: len(rec.pending),
		RemoteSet:        rec.remoteSet,
		Created:          rec.created,
	}
	if rec.channel != nil {
		info.DataChannelState = rec.channel.ReadyState()
	}
	return info
}
