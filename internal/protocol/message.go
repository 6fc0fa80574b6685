package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeFileDetected   = "file.detected"
	TypeProcessStarted = "process.started"
	TypeProcessStdout  = "process.stdout"
	TypeProcessStderr  = "process.stderr"
	TypeProcessExited  = "process.exited"
	TypeProcessError   = "process.error"
	// TypeProcessOutputDropped reports output the client fell too far
	// behind to receive.
	TypeProcessOutputDropped = "process.output_dropped"
	TypeWatchStatus          = "watch.status"
	TypeError                = "error"
)

// Client → Server message types.
const (
	TypeWatchStart      = "watch.start"
	TypeWatchStop       = "watch.stop"
	TypeWatchGet        = "watch.get"
	TypeGenerationStart = "generation.start"
	TypeGenerationKill  = "generation.kill"
	// TypeModelsList is also the reply type.
	TypeModelsList = "models.list"
)

// Error codes.
const (
	ErrWatchDirInvalid = "WATCH_DIR_INVALID"
	ErrInvalidOptions  = "INVALID_OPTIONS"
	ErrSpawnFailed     = "SPAWN_FAILED"
	ErrInvalidMessage  = "INVALID_MESSAGE"
	ErrModelsFailed    = "MODELS_FAILED"
)

// Server → Client payloads.

type FileDetectedPayload struct {
	Path          string `json:"path"`
	ModTimeMillis int64  `json:"modTimeMillis"`
}

type ProcessStartedPayload struct {
	SessionID string   `json:"sessionId"`
	Args      []string `json:"args"`
}

type ProcessOutputPayload struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

type ProcessExitedPayload struct {
	SessionID string `json:"sessionId"`
	ExitCode  int    `json:"exitCode"`
}

type ProcessOutputDroppedPayload struct {
	SessionID string `json:"sessionId"`
	Bytes     int    `json:"bytes"`
}

type ProcessErrorPayload struct {
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message"`
}

type WatchStatusPayload struct {
	Directory string `json:"directory,omitempty"`
	Active    bool   `json:"active"`
}

type ModelsPayload struct {
	Models []string `json:"models"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

type WatchStartPayload struct {
	Directory string `json:"directory"`
}

// GenerationStartPayload carries raw options; the generation package owns
// their decoding so sentinel values stay in one place.
type GenerationStartPayload struct {
	Options json.RawMessage `json:"options"`
}

type promptProbe struct {
	Prompt string `json:"prompt"`
}
