package peer

import (
	"errors"
	"sync"
	"time"

	"github.com/mossy-p/ensemble/internal/models"
	"github.com/pion/webrtc/v3"
)

type fakeConn struct {
	mu       sync.Mutex
	local    *webrtc.SessionDescription
	remote   *webrtc.SessionDescription
	applied  []webrtc.ICECandidateInit
	channels []*fakeChannel
	closed   bool
	// remoteErr, when set, fails SetRemoteDescription.
	remoteErr error

	onICE   func(*webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
	onDC    func(DataChannel)
}

func (c *fakeConn) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (c *fakeConn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (c *fakeConn) SetLocalDescription(d webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local = &d
	return nil
}

func (c *fakeConn) SetRemoteDescription(d webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remoteErr != nil {
		return c.remoteErr
	}
	c.remote = &d
	return nil
}

// AddICECandidate rejects candidates before the remote description, as a
// real transport does.
func (c *fakeConn) AddICECandidate(ic webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return errors.New("remote description not set")
	}
	c.applied = append(c.applied, ic)
	return nil
}

func (c *fakeConn) CreateDataChannel(label string) (DataChannel, error) {
	ch := &fakeChannel{label: label, state: webrtc.DataChannelStateConnecting}
	c.mu.Lock()
	c.channels = append(c.channels, ch)
	c.mu.Unlock()
	return ch, nil
}

func (c *fakeConn) OnICECandidate(f func(*webrtc.ICECandidateInit))              { c.onICE = f }
func (c *fakeConn) OnConnectionStateChange(f func(webrtc.PeerConnectionState))   { c.onState = f }
func (c *fakeConn) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {}
func (c *fakeConn) OnDataChannel(f func(DataChannel))                            { c.onDC = f }
func (c *fakeConn) ConnectionState() webrtc.PeerConnectionState                  { return webrtc.PeerConnectionStateNew }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) appliedCandidates() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, ic := range c.applied {
		out = append(out, ic.Candidate)
	}
	return out
}

type fakeChannel struct {
	mu        sync.Mutex
	label     string
	state     webrtc.DataChannelState
	sent      []string
	onOpen    func()
	onClose   func()
	onMessage func(webrtc.DataChannelMessage)
}

func (d *fakeChannel) Label() string { return d.label }

func (d *fakeChannel) ReadyState() webrtc.DataChannelState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *fakeChannel) SendText(s string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != webrtc.DataChannelStateOpen {
		return errors.New("channel not open")
	}
	d.sent = append(d.sent, s)
	return nil
}

func (d *fakeChannel) OnOpen(f func())                             { d.onOpen = f }
func (d *fakeChannel) OnClose(f func())                            { d.onClose = f }
func (d *fakeChannel) OnMessage(f func(webrtc.DataChannelMessage)) { d.onMessage = f }

func (d *fakeChannel) Close() error {
	d.mu.Lock()
	d.state = webrtc.DataChannelStateClosed
	d.mu.Unlock()
	return nil
}

// open simulates the channel opening.
func (d *fakeChannel) open() {
	d.mu.Lock()
	d.state = webrtc.DataChannelStateOpen
	d.mu.Unlock()
	if d.onOpen != nil {
		d.onOpen()
	}
}

type fakeSignaler struct {
	mu   sync.Mutex
	sent []models.SignalMessage
}

func (s *fakeSignaler) Send(m models.SignalMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, m)
	return nil
}

func (s *fakeSignaler) types() []models.SignalType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SignalType
	for _, m := range s.sent {
		out = append(out, m.Type)
	}
	return out
}

func (s *fakeSignaler) last() models.SignalMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return models.SignalMessage{}
	}
	return s.sent[len(s.sent)-1]
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) HandlePeerEvent(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

// scheduler captures afterFunc calls so tests fire them by hand.
type scheduler struct {
	mu    sync.Mutex
	tasks []*task
}

type task struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (s *scheduler) afterFunc(d time.Duration, f func()) func() bool {
	t := &task{d: d, f: f}
	s.mu.Lock()
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()
	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		was := !t.stopped
		t.stopped = true
		return was
	}
}

// fire runs task i unless it was stopped.
func (s *scheduler) fire(i int) bool {
	s.mu.Lock()
	t := s.tasks[i]
	s.mu.Unlock()
	if t.stopped {
		return false
	}
	t.f()
	return true
}

func (s *scheduler) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

type harness struct {
	reg    *Registry
	sig    *fakeSignaler
	events *eventLog
	sched  *scheduler
	conns  []*fakeConn

	// remoteErr is given to every connection the factory builds.
	remoteErr error
}

func newHarness(selfID string, cfg Config) *harness {
	h := &harness{sig: new(fakeSignaler), events: new(eventLog), sched: new(scheduler)}
	cfg.SelfID = selfID
	factory := func() (Conn, error) {
		c := &fakeConn{remoteErr: h.remoteErr}
		h.conns = append(h.conns, c)
		return c, nil
	}
	h.reg = New(cfg, h.sig, factory, h.events)
	h.reg.afterFunc = h.sched.afterFunc
	return h
}

func (h *harness) lastConn() *fakeConn { return h.conns[len(h.conns)-1] }
