package models

import "encoding/json"

// MessageType is the type tag of a data channel message.
type MessageType string

const (
	MessageTypeProgram MessageType = "program"
	MessageTypeCommand MessageType = "command"
	MessageTypePing    MessageType = "ping"
	MessageTypePong    MessageType = "pong"
)

// Command names understood by synths.
const (
	CommandPower  = "power"
	CommandVolume = "volume"
	CommandSave   = "save"
	CommandLoad   = "load"
)

// Message is implemented by every data channel message.
type Message interface {
	MessageType() MessageType
}

// ProgramMessage delivers a resolved program to one synth.
type ProgramMessage struct {
	Type      MessageType `json:"type"`
	Program   *Program    `json:"program" validate:"required"`
	Power     *bool       `json:"power" validate:"required"`
	Chord     []float64   `json:"chord,omitempty"`
	Timestamp int64       `json:"timestamp,omitempty"`
}

// CommandMessage carries a named control change. Value is kept raw because
// its shape depends on Name.
type CommandMessage struct {
	Type      MessageType     `json:"type"`
	Name      string          `json:"name" validate:"required"`
	Value     json.RawMessage `json:"value" validate:"required"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

type PingMessage struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp" validate:"required"`
}

// PongMessage answers a ping, echoing its timestamp.
type PongMessage struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp" validate:"required"`
	State     *SynthState `json:"state,omitempty"`
}

func (*ProgramMessage) MessageType() MessageType { return MessageTypeProgram }
func (*CommandMessage) MessageType() MessageType { return MessageTypeCommand }
func (*PingMessage) MessageType() MessageType    { return MessageTypePing }
func (*PongMessage) MessageType() MessageType    { return MessageTypePong }

// SynthState is what a synth reports about itself in a pong.
type SynthState struct {
	Powered   bool    `json:"powered"`
	Volume    float64 `json:"volume"`
	Frequency float64 `json:"frequency"`
	Programs  int     `json:"programs"`
}

// Program is a fully resolved, self-contained parameter set for one synth.
type Program struct {
	FundamentalFrequency float64 `json:"fundamentalFrequency"`

	BowForce      float64 `json:"bowForce"`
	BowPosition   float64 `json:"bowPosition"`
	BowSpeed      float64 `json:"bowSpeed"`
	Brightness    float64 `json:"brightness"`
	StringDamping float64 `json:"stringDamping"`
	BodyResonance float64 `json:"bodyResonance"`
	MasterGain    float64 `json:"masterGain"`

	VibratoEnabled int     `json:"vibratoEnabled"`
	VibratoRate    float64 `json:"vibratoRate"`
	VibratoDepth   float64 `json:"vibratoDepth"`

	TremoloEnabled int     `json:"tremoloEnabled"`
	TremoloSpeed   float64 `json:"tremoloSpeed"`
	TremoloDepth   float64 `json:"tremoloDepth"`

	TrillEnabled  int     `json:"trillEnabled"`
	TrillSpeed    float64 `json:"trillSpeed"`
	TrillInterval float64 `json:"trillInterval"`

	Transition *Transition `json:"transition,omitempty"`
}

// Transition describes how a synth moves from its current program to a new one.
type Transition struct {
	Duration       float64 `json:"duration"`
	Stagger        float64 `json:"stagger"`
	DurationSpread float64 `json:"durationSpread"`
	Glissando      bool    `json:"glissando"`
}
