package generation

import "time"

// Session holds metadata for one run of the generation executable. A
// Session is only reachable while its process is alive.
type Session struct {
	ID         string    `json:"id"`
	Executable string    `json:"executable"`
	WorkDir    string    `json:"workDir"`
	Args       []string  `json:"args"`
	Options    Options   `json:"options"`
	StartedAt  time.Time `json:"startedAt"`
}

// OutputEventType distinguishes lifecycle and output events.
type OutputEventType string

const (
	OutputStarted OutputEventType = "started"
	OutputStdout  OutputEventType = "stdout"
	OutputStderr  OutputEventType = "stderr"
	OutputExit    OutputEventType = "exit"
	OutputError   OutputEventType = "error"
	// OutputDropped reports output a subscriber lost because it fell too
	// far behind.
	OutputDropped OutputEventType = "dropped"
)

// OutputEvent is a raw chunk of process output or a lifecycle notification.
// Args is set on OutputStarted and DroppedBytes on OutputDropped. ExitCode is only meaningful for OutputExit;
// -1 means the process was terminated by a signal or could not be waited on.
type OutputEvent struct {
	SessionID    string          `json:"sessionId"`
	Type         OutputEventType `json:"type"`
	Data         string          `json:"data,omitempty"`
	Args         []string        `json:"args,omitempty"`
	ExitCode     int             `json:"exitCode"`
	DroppedBytes int             `json:"droppedBytes,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}
