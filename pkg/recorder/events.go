package recorder

import (
	"fmt"
	"time"
)

// EventType classifies journal entries
type EventType int

const (
	// CaptureEvent records a snapshot written to disk
	CaptureEvent EventType = iota
	// SkipEvent records a stop where no snapshot was taken
	SkipEvent
	// JobLaunchEvent records a background job being started
	JobLaunchEvent
	// JobDoneEvent records a background job finishing successfully
	JobDoneEvent
	// JobFailedEvent records a background job failure
	JobFailedEvent
	// ExitEvent records the inferior terminating
	ExitEvent
)

// Event is one journal entry
type Event struct {
	ID         int64
	Timestamp  time.Time
	Type       EventType
	Checkpoint string `json:",omitempty"` // snapshot directory name
	PC         uint64 `json:",omitempty"`
	Details    string // e.g., skip reason, job stage, error text
}

// String returns the string representation of the EventType
func (et EventType) String() string {
	switch et {
	case CaptureEvent:
		return "Capture"
	case SkipEvent:
		return "Skip"
	case JobLaunchEvent:
		return "JobLaunch"
	case JobDoneEvent:
		return "JobDone"
	case JobFailedEvent:
		return "JobFailed"
	case ExitEvent:
		return "Exit"
	default:
		return "Unknown"
	}
}

// String returns a single-line description of the event
func (e Event) String() string {
	s := fmt.Sprintf("[%s] %d %s", e.Timestamp.Format(time.RFC3339), e.ID, e.Type)
	if e.Checkpoint != "" {
		s += " " + e.Checkpoint
	}
	if e.PC != 0 {
		s += fmt.Sprintf(" pc=%#x", e.PC)
	}
	if e.Details != "" {
		s += ": " + e.Details
	}
	return s
}
