package models

import "encoding/json"

// SignalType represents the type of a message exchanged through the relay
type SignalType string

const (
	SignalTypeRegister           SignalType = "register"
	SignalTypeRegistered         SignalType = "registered"
	SignalTypeRequestControllers SignalType = "request-controllers"
	SignalTypeControllersList    SignalType = "controllers-list"
	SignalTypeControllerJoined   SignalType = "controller-joined"
	SignalTypeControllerLeft     SignalType = "controller-left"
	SignalTypeSynthJoined        SignalType = "synth-joined"
	SignalTypeSynthLeft          SignalType = "synth-left"
	SignalTypeOffer              SignalType = "offer"
	SignalTypeAnswer             SignalType = "answer"
	SignalTypeICE                SignalType = "ice"
	SignalTypeICECandidate       SignalType = "ice-candidate" // legacy alias of ice
	SignalTypeError              SignalType = "error"
)

// Role is the part a client plays in the ensemble.
type Role string

const (
	RoleController Role = "controller"
	RoleSynth      Role = "synth"
)

// SignalMessage is the JSON envelope carried over the signaling websocket.
// Offer and answer Data hold a webrtc.SessionDescription, ice Data holds a
// webrtc.ICECandidateInit.
type SignalMessage struct {
	Type         SignalType      `json:"type"`
	Source       string          `json:"source,omitempty"`
	Target       string          `json:"target,omitempty"`
	From         string          `json:"from,omitempty"`
	To           string          `json:"to,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	ClientID     string          `json:"client_id,omitempty"`
	Role         Role            `json:"role,omitempty"`
	Controllers  []string        `json:"controllers,omitempty"`
	ControllerID string          `json:"controller_id,omitempty"`
	SynthID      string          `json:"synth_id,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// Normalize folds the legacy from/to addressing and the ice-candidate alias
// into their canonical forms.
func (m *SignalMessage) Normalize() {
	if m.Source == "" {
		m.Source = m.From
	}
	if m.Target == "" {
		m.Target = m.To
	}
	m.From, m.To = "", ""
	if m.Type == SignalTypeICECandidate {
		m.Type = SignalTypeICE
	}
}
