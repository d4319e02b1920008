// Package synth is the receiving end of the data channel protocol: it
// applies programs and commands to an Engine and answers pings.
package synth

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sync"

	"github.com/mossy-p/ensemble/internal/models"
)

// Engine renders sound. Implementations must not block.
type Engine interface {
	ApplyProgram(p models.Program)
	SetPower(on bool)
	SetVolume(v float64)
}

// Replier sends a message back to a peer. *router.Router implements it.
type Replier interface {
	Send(peerID string, msg models.Message) bool
}

// Receiver handles the messages a synth gets from its controllers.
type Receiver struct {
	engine Engine
	out    Replier

	mu       sync.Mutex
	powered  bool
	volume   float64
	current  *models.Program
	programs int
	bank     map[int]models.Program
}

func NewReceiver(engine Engine, out Replier) *Receiver {
	return &Receiver{
		engine: engine,
		out:    out,
		volume: 1,
		bank:   make(map[int]models.Program),
	}
}

// Handle applies one decoded message received from peerID.
func (r *Receiver) Handle(peerID string, msg models.Message) error {
	switch m := msg.(type) {
	case *models.ProgramMessage:
		r.applyProgram(*m.Program, *m.Power)
		return nil
	case *models.CommandMessage:
		return r.command(m)
	case *models.PingMessage:
		if !r.out.Send(peerID, &models.PongMessage{Timestamp: m.Timestamp, State: r.State()}) {
			log.Printf("Failed to answer ping from %s", peerID)
		}
		return nil
	case *models.PongMessage:
		return nil
	default:
		return fmt.Errorf("unexpected %T message", msg)
	}
}

func (r *Receiver) applyProgram(p models.Program, power bool) {
	r.mu.Lock()
	r.current = &p
	r.programs++
	changed := r.powered != power
	r.powered = power
	r.mu.Unlock()

	r.engine.ApplyProgram(p)
	if changed {
		r.engine.SetPower(power)
	}
}

func (r *Receiver) command(m *models.CommandMessage) error {
	switch m.Name {
	case models.CommandPower:
		var on bool
		if err := json.Unmarshal(m.Value, &on); err != nil {
			return fmt.Errorf("invalid power value %s: %w", m.Value, err)
		}
		r.mu.Lock()
		r.powered = on
		r.mu.Unlock()
		r.engine.SetPower(on)

	case models.CommandVolume:
		var v float64
		if err := json.Unmarshal(m.Value, &v); err != nil {
			return fmt.Errorf("invalid volume value %s: %w", m.Value, err)
		}
		v = math.Max(0, math.Min(1, v))
		r.mu.Lock()
		r.volume = v
		r.mu.Unlock()
		r.engine.SetVolume(v)

	case models.CommandSave:
		slot, err := slotValue(m.Value)
		if err != nil {
			return err
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.current == nil {
			return fmt.Errorf("no program to save in slot %d", slot)
		}
		r.bank[slot] = *r.current

	case models.CommandLoad:
		slot, err := slotValue(m.Value)
		if err != nil {
			return err
		}
		r.mu.Lock()
		p, ok := r.bank[slot]
		power := r.powered
		r.mu.Unlock()
		if !ok {
			return fmt.Errorf("slot %d is empty", slot)
		}
		r.applyProgram(p, power)

	default:
		return fmt.Errorf("unknown command %q", m.Name)
	}
	return nil
}

func slotValue(raw json.RawMessage) (int, error) {
	var slot int
	if err := json.Unmarshal(raw, &slot); err != nil {
		return 0, fmt.Errorf("invalid slot %s: %w", raw, err)
	}
	return slot, nil
}

// State reports what the synth is doing now.
func (r *Receiver) State() *models.SynthState {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &models.SynthState{Powered: r.powered, Volume: r.volume, Programs: r.programs}
	if r.current != nil {
		s.Frequency = r.current.FundamentalFrequency
	}
	return s
}

// LogEngine is an Engine that logs what it would play.
type LogEngine struct{}

func (LogEngine) ApplyProgram(p models.Program) {
	log.Printf("Playing %.2f Hz (vibrato=%d tremolo=%d trill=%d)",
		p.FundamentalFrequency, p.VibratoEnabled, p.TremoloEnabled, p.TrillEnabled)
}

func (LogEngine) SetPower(on bool) { log.Printf("Power %v", on) }

func (LogEngine) SetVolume(v float64) { log.Printf("Volume %.2f", v) }
