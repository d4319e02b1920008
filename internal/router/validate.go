package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mossy-p/ensemble/internal/models"
)

// ValidationError reports a data channel message rejected at the boundary.
type ValidationError struct {
	Type   models.MessageType
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid %q message: %s", e.Type, e.Reason)
	}
	return fmt.Sprintf("invalid %q message: %s %s", e.Type, e.Field, e.Reason)
}

var validate *validator.Validate

func init() {
	validate = validator.New()

	// Report fields by their wire names.
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// Validate checks msg against the required fields of its type.
func Validate(msg models.Message) error {
	if isNil(msg) {
		return &ValidationError{Reason: "message is nil"}
	}
	switch msg.(type) {
	case *models.ProgramMessage, *models.CommandMessage, *models.PingMessage, *models.PongMessage:
	default:
		return &ValidationError{Type: msg.MessageType(), Field: "type", Reason: "is not a known message type"}
	}

	err := validate.Struct(msg)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &ValidationError{Type: msg.MessageType(), Field: fe.Field(), Reason: "is " + fe.Tag()}
	} else if err != nil {
		return &ValidationError{Type: msg.MessageType(), Reason: err.Error()}
	}
	return nil
}

// Decode parses and validates a data channel message.
func Decode(data []byte) (models.Message, error) {
	var head struct {
		Type models.MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, &ValidationError{Reason: "malformed JSON: " + err.Error()}
	}

	var msg models.Message
	switch head.Type {
	case models.MessageTypeProgram:
		msg = new(models.ProgramMessage)
	case models.MessageTypeCommand:
		msg = new(models.CommandMessage)
	case models.MessageTypePing:
		msg = new(models.PingMessage)
	case models.MessageTypePong:
		msg = new(models.PongMessage)
	case "":
		return nil, &ValidationError{Field: "type", Reason: "is required"}
	default:
		return nil, &ValidationError{Type: head.Type, Field: "type", Reason: "is not a known message type"}
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, &ValidationError{Type: head.Type, Reason: "malformed JSON: " + err.Error()}
	}
	if err := Validate(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// isNil reports whether msg is nil or a nil pointer.
func isNil(msg models.Message) bool {
	if msg == nil {
		return true
	}
	v := reflect.ValueOf(msg)
	return v.Kind() == reflect.Pointer && v.IsNil()
}

// Encode stamps the type tag of msg, validates it and renders it as JSON.
func Encode(msg models.Message) ([]byte, error) {
	if isNil(msg) {
		return nil, &ValidationError{Reason: "message is nil"}
	}
	switch m := msg.(type) {
	case *models.ProgramMessage:
		m.Type = models.MessageTypeProgram
	case *models.CommandMessage:
		m.Type = models.MessageTypeCommand
	case *models.PingMessage:
		m.Type = models.MessageTypePing
	case *models.PongMessage:
		m.Type = models.MessageTypePong
	}
	if err := Validate(msg); err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}
