package parts

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/mossy-p/ensemble/internal/models"
	"github.com/mossy-p/ensemble/internal/params"
	"github.com/mossy-p/ensemble/internal/peer"
	"github.com/pion/webrtc/v3"
)

// Sender delivers messages to synths. *router.Router implements it.
type Sender interface {
	Send(peerID string, msg models.Message) bool
	Broadcast(msg models.Message) int
}

type Config struct {
	// Transition fills the fields a send does not set itself.
	Transition params.TransitionConfig
	// SendOnJoin sends the current program to a synth as soon as its data
	// channel opens.
	SendOnJoin bool
	Debug      bool
	// Now stamps outgoing messages; time.Now when nil.
	Now func() time.Time
}

// SendOptions adjusts a single SendCurrentPart call.
type SendOptions struct {
	Transition params.TransitionConfig
}

// SendResult tallies one send pass.
type SendResult struct {
	SuccessCount int      `json:"successCount"`
	TotalSynths  int      `json:"totalSynths"`
	Failed       []string `json:"failed,omitempty"`
}

type Statistics struct {
	Parts           int `json:"parts"`
	Synths          int `json:"synths"`
	Assigned        int `json:"assigned"`
	UnassignedParts int `json:"unassignedParts"`
	LastSuccess     int `json:"lastSuccess"`
	LastTotal       int `json:"lastTotal"`
	Sends           int `json:"sends"`
}

// State is a complete snapshot of the authoring model, as stored in a bank.
type State struct {
	Parts      []Part             `json:"parts"`
	Chord      []float64          `json:"chord,omitempty"`
	Parameters params.BaseProgram `json:"parameters"`
	Selections params.Selections  `json:"selections,omitempty"`
	PowerOn    bool               `json:"powerOn"`
}

// Manager owns the parts, the connected synths and their assignments. It
// is safe for concurrent use.
type Manager struct {
	sender Sender
	cfg    Config

	mu     sync.Mutex
	parts  []Part
	nextID int
	synths map[string]bool
	assign map[string]string // synth id -> part id
	base   params.BaseProgram
	sel    params.Selections
	power  bool
	last   SendResult
	sends  int
}

// NewManager creates a manager with the default base program and no parts.
func NewManager(sender Sender, cfg Config) *Manager {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		sender: sender,
		cfg:    cfg,
		synths: make(map[string]bool),
		assign: make(map[string]string),
		base:   params.DefaultBaseProgram(),
		power:  true,
	}
}

func (m *Manager) debugf(format string, args ...any) {
	if m.cfg.Debug {
		log.Printf("[parts] "+format, args...)
	}
}

func (m *Manager) newID() string {
	for {
		m.nextID++
		id := fmt.Sprintf("part-%d", m.nextID)
		if m.find(id) < 0 {
			return id
		}
	}
}

func (m *Manager) find(id string) int {
	for i, p := range m.parts {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// redistribute recomputes assignments. The caller holds m.mu.
func (m *Manager) redistribute() {
	ids := make([]string, 0, len(m.synths))
	for id := range m.synths {
		ids = append(ids, id)
	}
	m.assign = assign(ids, m.parts, m.assign)
	m.debugf("Redistributed %d parts over %d synths", len(m.parts), len(ids))
}

// RedistributeParts reassigns parts to the connected synths, keeping
// existing pairings where possible.
func (m *Manager) RedistributeParts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.redistribute()
}

// SetChord replaces the parts with one per frequency. A frequency already
// present keeps its part id and expression, so synths playing it keep
// playing it.
func (m *Manager) SetChord(frequencies []float64) error {
	for _, f := range frequencies {
		if err := checkFrequency(f); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	used := make([]bool, len(m.parts))
	next := make([]Part, 0, len(frequencies))
	for _, f := range frequencies {
		match := -1
		for i, p := range m.parts {
			if !used[i] && p.Frequency == f {
				match = i
				break
			}
		}
		if match >= 0 {
			used[match] = true
			next = append(next, m.parts[match])
			continue
		}
		next = append(next, Part{ID: "", Frequency: f, Expression: params.Expression{Type: params.ExpressionNone}})
	}
	m.parts = next
	for i := range m.parts {
		if m.parts[i].ID == "" {
			m.parts[i].ID = m.newID()
		}
	}
	m.redistribute()
	return nil
}

// AddPart appends p and returns its id. An empty p.ID is generated.
func (m *Manager) AddPart(p Part) (string, error) {
	if err := checkFrequency(p.Frequency); err != nil {
		return "", err
	}
	if p.Expression.Type == "" {
		p.Expression.Type = params.ExpressionNone
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = m.newID()
	} else if m.find(p.ID) >= 0 {
		return "", fmt.Errorf("part %s already exists", p.ID)
	}
	m.parts = append(m.parts, p)
	m.redistribute()
	return p.ID, nil
}

// RemovePart deletes the part with the given id.
func (m *Manager) RemovePart(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.find(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownPart, id)
	}
	m.parts = append(m.parts[:i], m.parts[i+1:]...)
	m.redistribute()
	return nil
}

// UpdatePart changes the frequency or expression of a part in place. The
// synths playing it keep it.
func (m *Manager) UpdatePart(id string, u Update) error {
	if u.Frequency != nil {
		if err := checkFrequency(*u.Frequency); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.find(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownPart, id)
	}
	if u.Frequency != nil {
		m.parts[i].Frequency = *u.Frequency
	}
	if u.Expression != nil {
		m.parts[i].Expression = *u.Expression
	}
	m.redistribute()
	return nil
}

// Parts returns a copy of the current parts in order.
func (m *Manager) Parts() []Part {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Part(nil), m.parts...)
}

// Chord returns the frequencies of the current parts in order.
func (m *Manager) Chord() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chord()
}

func (m *Manager) chord() []float64 {
	out := make([]float64, len(m.parts))
	for i, p := range m.parts {
		out[i] = p.Frequency
	}
	return out
}

// Assignments reports the part each connected synth plays. Synths without
// a part are absent.
func (m *Manager) Assignments() map[string]Part {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Part, len(m.assign))
	for s, id := range m.assign {
		if i := m.find(id); i >= 0 {
			out[s] = m.parts[i]
		}
	}
	return out
}

// SetBaseProgram replaces the shared parameters. An out of range program is
// rejected.
func (m *Manager) SetBaseProgram(b params.BaseProgram) error {
	if err := b.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.base = b
	return nil
}

func (m *Manager) BaseProgram() params.BaseProgram {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.base
}

// SetHarmonicSelections replaces the harmonic ratio selections. sel is
// copied.
func (m *Manager) SetHarmonicSelections(sel params.Selections) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sel = sel.Clone()
}

func (m *Manager) Power() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.power
}

// SetPower records the power flag and broadcasts a power command. It
// returns the number of synths reached.
func (m *Manager) SetPower(on bool) int {
	m.mu.Lock()
	m.power = on
	m.mu.Unlock()

	n, err := m.SendCommand(models.CommandPower, on)
	if err != nil {
		log.Printf("Failed to send power command: %v", err)
	}
	return n
}

// SendCommand broadcasts a command to every synth and returns the number
// reached.
func (m *Manager) SendCommand(name string, value any) (int, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal %s value: %w", name, err)
	}
	return m.sender.Broadcast(&models.CommandMessage{
		Name:      name,
		Value:     raw,
		Timestamp: m.cfg.Now().UnixMilli(),
	}), nil
}

// AddSynth marks synthID as connected and redistributes.
func (m *Manager) AddSynth(synthID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.synths[synthID] {
		return
	}
	m.synths[synthID] = true
	m.redistribute()
}

// RemoveSynth forgets synthID and redistributes.
func (m *Manager) RemoveSynth(synthID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.synths[synthID] {
		return
	}
	delete(m.synths, synthID)
	delete(m.assign, synthID)
	m.redistribute()
}

// Synths returns the connected synth ids in order.
func (m *Manager) Synths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.synthIDs()
}

func (m *Manager) synthIDs() []string {
	ids := make([]string, 0, len(m.synths))
	for id := range m.synths {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HandlePeerEvent tracks synths as their data channels open and their
// connections end. A disconnected peer may recover, so it is kept until it
// closes or fails.
func (m *Manager) HandlePeerEvent(e peer.Event) {
	switch e := e.(type) {
	case peer.DataChannelOpened:
		m.AddSynth(e.ID)
		if m.cfg.SendOnJoin {
			if _, err := m.SendTo(e.ID, SendOptions{}); err != nil {
				log.Printf("Failed to send program to new synth %s: %v", e.ID, err)
			}
		}
	case peer.PeerDisconnected:
		if e.State == webrtc.PeerConnectionStateClosed {
			m.RemoveSynth(e.ID)
		}
	case peer.PeerFailed:
		m.RemoveSynth(e.ID)
	}
}

type delivery struct {
	synth string
	msg   *models.ProgramMessage
}

// plan resolves the program of every target synth. Any resolve error is a
// problem with shared state, so nothing is returned for delivery.
func (m *Manager) plan(targets []string, opts SendOptions) ([]delivery, error) {
	tc := mergeTransition(opts.Transition, m.cfg.Transition)
	ctx := params.MessageContext{Chord: m.chord(), Power: m.power, Now: m.cfg.Now}

	var out []delivery
	for _, s := range targets {
		i := m.find(m.assign[s])
		if i < 0 {
			continue
		}
		p := m.parts[i]
		prog, err := params.ResolveForSynth(s, params.Assignment{Frequency: p.Frequency, Expression: p.Expression}, m.base, m.sel, tc)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve program: %w", err)
		}
		out = append(out, delivery{synth: s, msg: params.BuildProgramMessage(prog, ctx)})
	}
	return out, nil
}

// SendCurrentPart resolves and sends the program of every connected synth.
// Deliveries run independently: one synth failing does not hold up the
// rest. A synth with no part counts toward the total but not as a success.
// An error is returned only when no program could be resolved.
func (m *Manager) SendCurrentPart(opts SendOptions) (SendResult, error) {
	m.mu.Lock()
	targets := m.synthIDs()
	plan, err := m.plan(targets, opts)
	m.mu.Unlock()
	if err != nil {
		return SendResult{}, err
	}

	res := m.deliver(plan, len(targets))

	m.mu.Lock()
	m.last = res
	m.sends++
	m.mu.Unlock()

	log.Printf("Sent program to %d/%d synths", res.SuccessCount, res.TotalSynths)
	return res, nil
}

// SendTo resolves and sends the program of a single synth.
func (m *Manager) SendTo(synthID string, opts SendOptions) (bool, error) {
	m.mu.Lock()
	plan, err := m.plan([]string{synthID}, opts)
	m.mu.Unlock()
	if err != nil {
		return false, err
	}
	return m.deliver(plan, 1).SuccessCount == 1, nil
}

func (m *Manager) deliver(plan []delivery, total int) SendResult {
	ok := make([]bool, len(plan))
	g := taskgroup.New(nil)
	for i, d := range plan {
		i, d := i, d
		g.Go(func() error {
			ok[i] = m.sender.Send(d.synth, d.msg)
			return nil
		})
	}
	g.Wait()

	res := SendResult{TotalSynths: total}
	for i, d := range plan {
		if ok[i] {
			res.SuccessCount++
		} else {
			res.Failed = append(res.Failed, d.synth)
		}
	}
	return res
}

func mergeTransition(tc, def params.TransitionConfig) params.TransitionConfig {
	if tc.Duration == nil {
		tc.Duration = def.Duration
	}
	if tc.Stagger == nil {
		tc.Stagger = def.Stagger
	}
	if tc.DurationSpread == nil {
		tc.DurationSpread = def.DurationSpread
	}
	if tc.Glissando == nil {
		tc.Glissando = def.Glissando
	}
	return tc
}

// GetStatistics summarizes the model and the most recent send.
func (m *Manager) GetStatistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	played := make(map[string]bool)
	for _, id := range m.assign {
		played[id] = true
	}
	return Statistics{
		Parts:           len(m.parts),
		Synths:          len(m.synths),
		Assigned:        len(m.assign),
		UnassignedParts: len(m.parts) - len(played),
		LastSuccess:     m.last.SuccessCount,
		LastTotal:       m.last.TotalSynths,
		Sends:           m.sends,
	}
}

// Snapshot captures the authoring model.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		Parts:      append([]Part(nil), m.parts...),
		Chord:      m.chord(),
		Parameters: m.base,
		Selections: m.sel.Clone(),
		PowerOn:    m.power,
	}
}

// Restore replaces the authoring model with s and redistributes. Nothing
// is sent.
func (m *Manager) Restore(s State) error {
	if err := s.Parameters.Validate(); err != nil {
		return err
	}
	seen := make(map[string]bool)
	for _, p := range s.Parts {
		if err := checkFrequency(p.Frequency); err != nil {
			return err
		}
		if p.ID != "" && seen[p.ID] {
			return fmt.Errorf("duplicate part id %s", p.ID)
		}
		seen[p.ID] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.parts = append([]Part(nil), s.Parts...)
	for i := range m.parts {
		if m.parts[i].ID == "" {
			m.parts[i].ID = m.newID()
		}
	}
	m.base = s.Parameters
	m.sel = s.Selections.Clone()
	m.power = s.PowerOn
	m.redistribute()
	return nil
}
