package dhan

import "time"

// Phase is the lifecycle position of the feed connection.
type Phase string

const (
	PhaseDisconnected Phase = "DISCONNECTED"
	PhaseConnecting   Phase = "CONNECTING"
	PhaseSubscribing  Phase = "SUBSCRIBING"
	PhaseStreaming    Phase = "STREAMING"
	PhaseBackoff      Phase = "BACKOFF"
	PhaseAborted      Phase = "ABORTED"
)

// Status is a point-in-time view of the connection.
type Status struct {
	Phase       Phase         `json:"phase"`
	Attempts    int           `json:"attempts"`
	NextDelay   time.Duration `json:"next_delay"`
	Session     string        `json:"session,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	LastFrameAt time.Time     `json:"last_frame_at,omitempty"`
	Since       time.Time     `json:"since"`
}

// Transition is passed to the OnTransition hook after every phase change.
type Transition struct {
	From   Phase
	To     Phase
	Status Status
}
