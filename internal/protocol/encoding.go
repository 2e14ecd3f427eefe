package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var (
	ErrMalformedFrame = errors.New("malformed event frame")
	ErrUnknownEvent   = errors.New("unknown event")
	ErrInvalidPayload = errors.New("invalid event payload")
)

var validate = validator.New()

// Decode parses a raw frame into an Envelope. The event name must be non-empty.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event name", ErrMalformedFrame)
	}
	return env, nil
}

// Encode marshals data under the given event name.
func Encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// Bind unmarshals the envelope data into payload and validates it.
func Bind[T any](env Envelope) (T, error) {
	var payload T
	if len(env.Data) == 0 {
		return payload, fmt.Errorf("%w: %s has no data", ErrInvalidPayload, env.Event)
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return payload, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, env.Event, err)
	}
	if err := validate.Struct(payload); err != nil {
		return payload, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, env.Event, err)
	}
	return payload, nil
}

// IsInbound reports whether event is one a client may send.
func IsInbound(event string) bool {
	switch event {
	case EventJoin, EventCodeChange, EventLeaveRoom, EventTyping, EventLanguageChange, EventCompileCode:
		return true
	}
	return false
}
