// Package router delivers typed, validated messages over the data channels
// of connected peers.
package router

import (
	"log"

	"github.com/mossy-p/ensemble/internal/metrics"
	"github.com/mossy-p/ensemble/internal/models"
	"github.com/mossy-p/ensemble/internal/peer"
	"github.com/pion/webrtc/v3"
)

// Peers gives the router access to data channels. *peer.Registry
// implements it.
type Peers interface {
	DataChannel(peerID string) peer.DataChannel
	PeerIDs() []string
}

// Router sends messages to one peer or to all of them.
type Router struct {
	peers   Peers
	metrics metrics.Collector
	debug   bool
}

// New creates a router over peers. A nil collector records nothing.
func New(peers Peers, m metrics.Collector, debug bool) *Router {
	if m == nil {
		m = metrics.Nop{}
	}
	return &Router{peers: peers, metrics: m, debug: debug}
}

// Send delivers msg to peerID. It returns false when the peer has no open
// channel, which is routine while a handshake is in progress, or when the
// write fails. An invalid msg is logged and not sent.
func (r *Router) Send(peerID string, msg models.Message) bool {
	data, err := Encode(msg)
	if err != nil {
		log.Printf("Refusing to send to %s: %v", peerID, err)
		r.metrics.MessageFailed(string(typeOf(msg)), "invalid")
		return false
	}
	return r.send(peerID, msg.MessageType(), data)
}

// Broadcast delivers msg to every peer with an open channel and returns the
// number of successful sends.
func (r *Router) Broadcast(msg models.Message) int {
	data, err := Encode(msg)
	if err != nil {
		log.Printf("Refusing to broadcast: %v", err)
		r.metrics.MessageFailed(string(typeOf(msg)), "invalid")
		return 0
	}
	sent := 0
	for _, id := range r.peers.PeerIDs() {
		if r.send(id, msg.MessageType(), data) {
			sent++
		}
	}
	return sent
}

func (r *Router) send(peerID string, mt models.MessageType, data []byte) bool {
	dc := r.peers.DataChannel(peerID)
	if dc == nil {
		r.debugf("No data channel for %s, %s not sent", peerID, mt)
		r.metrics.MessageFailed(string(mt), "no_channel")
		return false
	}
	// Checked immediately before the write: the channel may have closed
	// since the caller last looked.
	if dc.ReadyState() != webrtc.DataChannelStateOpen {
		r.debugf("Data channel for %s is %s, %s not sent", peerID, dc.ReadyState(), mt)
		r.metrics.MessageFailed(string(mt), "not_open")
		return false
	}
	if err := dc.SendText(string(data)); err != nil {
		log.Printf("Failed to send %s to %s: %v", mt, peerID, err)
		r.metrics.MessageFailed(string(mt), "write")
		return false
	}
	r.metrics.MessageSent(string(mt))
	return true
}

func (r *Router) debugf(format string, args ...any) {
	if r.debug {
		log.Printf("[router] "+format, args...)
	}
}

func typeOf(msg models.Message) models.MessageType {
	if msg == nil {
		return ""
	}
	return msg.MessageType()
}
