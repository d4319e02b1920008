package peer

import "github.com/pion/webrtc/v3"

// Event is a peer lifecycle notification emitted by the Registry.
// The concrete types below form a closed set.
type Event interface {
	Peer() string
	isEvent()
}

// PeerCreated reports that a new connection record exists for a peer.
type PeerCreated struct {
	ID   string
	Role Role
}

// PeerConnected reports that the connection reached the connected state.
type PeerConnected struct {
	ID string
}

// PeerDisconnected reports a disconnected connection, or one torn down by
// ClosePeer or CloseAll (State is then closed).
type PeerDisconnected struct {
	ID    string
	State webrtc.PeerConnectionState
}

// PeerFailed reports a connection that failed or timed out. Retrying is
// true when the registry will make another attempt.
type PeerFailed struct {
	ID       string
	Reason   string
	Retrying bool
}

// DataChannelOpened reports that the peer's data channel is open.
type DataChannelOpened struct {
	ID string
}

// DataChannelMessage carries a message received on the peer's data channel.
type DataChannelMessage struct {
	ID   string
	Data []byte
}

func (e PeerCreated) Peer() string        { return e.ID }
func (e PeerConnected) Peer() string      { return e.ID }
func (e PeerDisconnected) Peer() string   { return e.ID }
func (e PeerFailed) Peer() string         { return e.ID }
func (e DataChannelOpened) Peer() string  { return e.ID }
func (e DataChannelMessage) Peer() string { return e.ID }

func (PeerCreated) isEvent()        {}
func (PeerConnected) isEvent()      {}
func (PeerDisconnected) isEvent()   {}
func (PeerFailed) isEvent()         {}
func (DataChannelOpened) isEvent()  {}
func (DataChannelMessage) isEvent() {}

// Listener receives registry events. HandlePeerEvent is called without any
// registry lock held and may call back into the Registry.
type Listener interface {
	HandlePeerEvent(Event)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(Event)

func (f ListenerFunc) HandlePeerEvent(e Event) { f(e) }

// Listeners fans an event out to each listener in order.
type Listeners []Listener

func (ls Listeners) HandlePeerEvent(e Event) {
	for _, l := range ls {
		l.HandlePeerEvent(e)
	}
}
