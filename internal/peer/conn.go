package peer

import (
	"fmt"

	"github.com/pion/webrtc/v3"
)

// Conn is the subset of a WebRTC peer connection the registry drives.
// *pionConn adapts *webrtc.PeerConnection; tests substitute fakes.
type Conn interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	CreateDataChannel(label string) (DataChannel, error)

	// OnICECandidate reports locally gathered candidates. A nil candidate
	// marks the end of gathering.
	OnICECandidate(func(*webrtc.ICECandidateInit))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	OnICEConnectionStateChange(func(webrtc.ICEConnectionState))
	OnDataChannel(func(DataChannel))

	ConnectionState() webrtc.PeerConnectionState
	Close() error
}

// DataChannel is satisfied by *webrtc.DataChannel.
type DataChannel interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	SendText(s string) error
	OnOpen(func())
	OnClose(func())
	OnMessage(func(webrtc.DataChannelMessage))
	Close() error
}

// Factory creates a new, unconnected peer connection.
type Factory func() (Conn, error)

// NewPionFactory returns a Factory backed by pion/webrtc using the given
// STUN/TURN server URLs.
func NewPionFactory(iceServers []string) Factory {
	var servers []webrtc.ICEServer
	if len(iceServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: append([]string(nil), iceServers...)})
	}
	return func() (Conn, error) {
		pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
		if err != nil {
			return nil, fmt.Errorf("failed to create peer connection: %w", err)
		}
		return &pionConn{pc: pc}, nil
	}
}

type pionConn struct {
	pc *webrtc.PeerConnection
}

func (c *pionConn) CreateOffer() (webrtc.SessionDescription, error) { return c.pc.CreateOffer(nil) }

func (c *pionConn) CreateAnswer() (webrtc.SessionDescription, error) { return c.pc.CreateAnswer(nil) }

func (c *pionConn) SetLocalDescription(d webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(d)
}

func (c *pionConn) SetRemoteDescription(d webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(d)
}

func (c *pionConn) AddICECandidate(ic webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ic)
}

func (c *pionConn) CreateDataChannel(label string) (DataChannel, error) {
	// Ordered, reliable delivery: program updates must not be reordered.
	return c.pc.CreateDataChannel(label, nil)
}

func (c *pionConn) OnICECandidate(f func(*webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(ic *webrtc.ICECandidate) {
		if ic == nil {
			f(nil)
			return
		}
		init := ic.ToJSON()
		f(&init)
	})
}

func (c *pionConn) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(f)
}

func (c *pionConn) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	c.pc.OnICEConnectionStateChange(f)
}

func (c *pionConn) OnDataChannel(f func(DataChannel)) {
	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) { f(dc) })
}

func (c *pionConn) ConnectionState() webrtc.PeerConnectionState { return c.pc.ConnectionState() }

func (c *pionConn) Close() error { return c.pc.Close() }
