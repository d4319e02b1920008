package node

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/mossy-p/ensemble/config"
	"github.com/mossy-p/ensemble/internal/metrics"
	"github.com/mossy-p/ensemble/internal/models"
	"github.com/mossy-p/ensemble/internal/peer"
	"github.com/mossy-p/ensemble/internal/signaling"
	"github.com/pion/webrtc/v3"
)

type fakeRelay struct {
	mu        sync.Mutex
	connected []string
	sent      []models.SignalMessage
	closed    bool
}

func (r *fakeRelay) Connect(_ context.Context, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = append(r.connected, id)
	return true
}

func (r *fakeRelay) Send(msg models.SignalMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *fakeRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

type fakeChannel struct {
	mu   sync.Mutex
	sent []string
}

func (d *fakeChannel) Label() string                             { return "ensemble" }
func (d *fakeChannel) ReadyState() webrtc.DataChannelState       { return webrtc.DataChannelStateOpen }
func (d *fakeChannel) OnOpen(func())                             {}
func (d *fakeChannel) OnClose(func())                            {}
func (d *fakeChannel) OnMessage(func(webrtc.DataChannelMessage)) {}
func (d *fakeChannel) Close() error                              { return nil }

func (d *fakeChannel) SendText(s string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, s)
	return nil
}

// fakeRegistry records the calls the node makes. Connected peers get an
// open channel.
type fakeRegistry struct {
	mu       sync.Mutex
	calls    []string
	channels map[string]*fakeChannel
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{channels: make(map[string]*fakeChannel)}
}

func (f *fakeRegistry) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeRegistry) Connect(id string) error {
	f.record("connect " + id)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels[id] = new(fakeChannel)
	return nil
}

func (f *fakeRegistry) ClosePeer(id string) error {
	f.record("close " + id)
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.channels[id]; !ok {
		return fmt.Errorf("close %s: %w", id, peer.ErrUnknownPeer)
	}
	delete(f.channels, id)
	return nil
}

func (f *fakeRegistry) CloseAll() { f.record("close-all") }

func (f *fakeRegistry) HandleSignal(msg models.SignalMessage) error {
	f.record(fmt.Sprintf("signal %s %s", msg.Type, msg.Source))
	return nil
}

func (f *fakeRegistry) GetAllPeers() []peer.PeerInfo { return nil }

func (f *fakeRegistry) PeerIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id := range f.channels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (f *fakeRegistry) DataChannel(id string) peer.DataChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.channels[id]; ok {
		return ch
	}
	return nil
}

func (f *fakeRegistry) log() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestNode(role models.Role) (*Node, *fakeRelay, *fakeRegistry) {
	n := newNode(Config{ID: string(role) + "-1", Role: role, Metrics: metrics.Nop{}})
	r, reg := new(fakeRelay), newFakeRegistry()
	n.attach(r, reg)
	return n, r, reg
}

func TestSynthDiscovery(t *testing.T) {
	n, relay, reg := newTestNode(models.RoleSynth)

	n.onConnected()
	if len(relay.sent) != 1 || relay.sent[0].Type != models.SignalTypeRequestControllers {
		t.Fatalf("on connect sent %+v, want request-controllers", relay.sent)
	}

	n.handleSignal(models.SignalMessage{Type: models.SignalTypeControllersList, Controllers: []string{"c1", "synth-1", "c2"}})
	n.handleSignal(models.SignalMessage{Type: models.SignalTypeControllerJoined, ControllerID: "c3"})
	n.handleSignal(models.SignalMessage{Type: models.SignalTypeControllerLeft, ControllerID: "c1"})
	n.handleSignal(models.SignalMessage{Type: models.SignalTypeControllerLeft, ControllerID: "nobody"})
	n.handleSignal(models.SignalMessage{Type: models.SignalTypeSynthLeft, SynthID: "c2"})
	n.handleSignal(models.SignalMessage{Type: models.SignalTypeAnswer, Source: "c2"})

	want := []string{
		"connect c1",
		"connect c2",
		"connect c3",
		"close c1",
		"close nobody",
		"signal answer c2",
	}
	if diff := cmp.Diff(want, reg.log()); diff != "" {
		t.Errorf("registry calls (-want, +got):\n%s", diff)
	}
}

func TestControllerDiscovery(t *testing.T) {
	n, relay, reg := newTestNode(models.RoleController)

	n.onConnected()
	if len(relay.sent) != 0 {
		t.Errorf("controller sent %+v on connect", relay.sent)
	}
	n.handleSignal(models.SignalMessage{Type: models.SignalTypeControllersList, Controllers: []string{"c9"}})
	n.handleSignal(models.SignalMessage{Type: models.SignalTypeControllerJoined, ControllerID: "c9"})
	n.handleSignal(models.SignalMessage{Type: models.SignalTypeSynthJoined, SynthID: "s1"})
	n.handleSignal(models.SignalMessage{Type: models.SignalTypeOffer, Source: "s1"})
	n.handleSignal(models.SignalMessage{Type: models.SignalTypeSynthLeft, SynthID: "s1"})

	want := []string{"signal offer s1", "close s1"}
	if diff := cmp.Diff(want, reg.log()); diff != "" {
		t.Errorf("registry calls (-want, +got):\n%s", diff)
	}
}

type handlerFunc func(string, models.Message) error

func (f handlerFunc) Handle(id string, msg models.Message) error { return f(id, msg) }

func TestReceive(t *testing.T) {
	n, _, _ := newTestNode(models.RoleSynth)
	var got []models.MessageType
	n.SetHandler(handlerFunc(func(id string, msg models.Message) error {
		got = append(got, msg.MessageType())
		return nil
	}))
	var events []string
	n.AddListener(peer.ListenerFunc(func(e peer.Event) {
		events = append(events, fmt.Sprintf("%T", e))
	}))

	for _, data := range []string{
		`{"type":"ping","timestamp":5}`,
		`{"type":"program"}`,
		`not json`,
		`{"type":"command","name":"power","value":true}`,
	} {
		n.HandlePeerEvent(peer.DataChannelMessage{ID: "c1", Data: []byte(data)})
	}
	if diff := cmp.Diff([]models.MessageType{models.MessageTypePing, models.MessageTypeCommand}, got); diff != "" {
		t.Errorf("handled (-want, +got):\n%s", diff)
	}
	if len(events) != 4 {
		t.Errorf("listener saw %d events, want 4", len(events))
	}
}

func TestPongs(t *testing.T) {
	n, _, reg := newTestNode(models.RoleController)
	now := time.UnixMilli(10_000)
	n.now = func() time.Time { return now }

	reg.Connect("s1")
	reg.Connect("s2")
	if sent := n.Ping(); sent != 2 {
		t.Errorf("Ping: got %d, want 2", sent)
	}
	if got := reg.channels["s1"].sent; len(got) != 1 || got[0] != `{"type":"ping","timestamp":10000}` {
		t.Errorf("ping to s1: %q", got)
	}

	now = now.Add(40 * time.Millisecond)
	n.HandlePeerEvent(peer.DataChannelMessage{ID: "s1", Data: []byte(`{"type":"pong","timestamp":10000,"state":{"powered":true,"volume":0.5,"frequency":220,"programs":3}}`)})
	want := map[string]Pong{"s1": {
		State:    models.SynthState{Powered: true, Volume: 0.5, Frequency: 220, Programs: 3},
		RTT:      40 * time.Millisecond,
		Received: now,
	}}
	if diff := cmp.Diff(want, n.Pongs()); diff != "" {
		t.Errorf("pongs (-want, +got):\n%s", diff)
	}

	n.HandlePeerEvent(peer.PeerDisconnected{ID: "s1", State: webrtc.PeerConnectionStateClosed})
	if len(n.Pongs()) != 0 {
		t.Errorf("pong kept after disconnect: %v", n.Pongs())
	}
}

func TestStartClose(t *testing.T) {
	defer leaktest.Check(t)()

	n, relay, reg := newTestNode(models.RoleController)
	n.cfg.PingInterval = time.Millisecond
	if !n.Start(context.Background()) {
		t.Fatal("Start: got false")
	}
	if err := n.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if diff := cmp.Diff([]string{"controller-1"}, relay.connected); diff != "" {
		t.Errorf("connected as (-want, +got):\n%s", diff)
	}
	if !relay.closed {
		t.Error("relay not closed")
	}
	if log := reg.log(); len(log) == 0 || log[len(log)-1] != "close-all" {
		t.Errorf("registry calls: %v", log)
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(Config{Role: models.RoleSynth}); err == nil {
		t.Error("New(no id): got nil error")
	}
	if _, err := New(Config{ID: "x", Role: "drummer"}); err == nil {
		t.Error("New(bad role): got nil error")
	}
}

func TestConfigFrom(t *testing.T) {
	cfg := &config.Config{
		Debug: true,
		Client: config.ClientConfig{
			SignalingURL:       "ws://relay/ws/signal",
			Token:              "tok",
			ICEServers:         []string{"stun:a"},
			ConnectTimeout:     time.Second,
			PeerConnectTimeout: 2 * time.Second,
			PeerMaxRetries:     4,
			ReconnectMin:       time.Second,
			ReconnectMax:       8 * time.Second,
			PingInterval:       3 * time.Second,
		},
	}
	got := ConfigFrom(cfg, "c1", models.RoleController, metrics.Nop{})
	want := Config{
		ID:   "c1",
		Role: models.RoleController,
		Signaling: signaling.Config{
			URL:            "ws://relay/ws/signal",
			Token:          "tok",
			ConnectTimeout: time.Second,
			ReconnectMin:   time.Second,
			ReconnectMax:   8 * time.Second,
		},
		Peer:         peer.Config{ConnectTimeout: 2 * time.Second, MaxRetries: 4},
		ICEServers:   []string{"stun:a"},
		PingInterval: 3 * time.Second,
		Debug:        true,
		Metrics:      metrics.Nop{},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("controller config (-want, +got):\n%s", diff)
	}

	if s := ConfigFrom(cfg, "s1", models.RoleSynth, nil); s.PingInterval != 0 {
		t.Errorf("synth PingInterval: got %v, want 0", s.PingInterval)
	}
}
