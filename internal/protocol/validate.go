package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeWatchStart:      true,
	TypeWatchStop:       true,
	TypeWatchGet:        true,
	TypeGenerationStart: true,
	TypeGenerationKill:  true,
	TypeModelsList:      true,
}

// ValidateClientMessage validates a raw JSON message from a client.
// Returns the parsed Message and any validation error. Commands without
// arguments may omit the payload.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	// Validate required payload fields per type.
	switch msg.Type {
	case TypeWatchStart:
		if msg.Payload == nil {
			return nil, fmt.Errorf("missing 'payload' field")
		}
		var p WatchStartPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if strings.TrimSpace(p.Directory) == "" {
			return nil, fmt.Errorf("missing required field 'directory' in %s payload", msg.Type)
		}

	case TypeGenerationStart:
		if msg.Payload == nil {
			return nil, fmt.Errorf("missing 'payload' field")
		}
		var p GenerationStartPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if len(p.Options) == 0 || string(p.Options) == "null" {
			return nil, fmt.Errorf("missing required field 'options' in %s payload", msg.Type)
		}
		var probe promptProbe
		if err := json.Unmarshal(p.Options, &probe); err != nil {
			return nil, fmt.Errorf("invalid options for %s: %w", msg.Type, err)
		}
		if strings.TrimSpace(probe.Prompt) == "" {
			return nil, fmt.Errorf("missing required field 'prompt' in %s options", msg.Type)
		}
	}

	return &msg, nil
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
