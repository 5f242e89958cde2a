// Package session holds the dictation session lifecycle as pure value
// transitions. Callers own synchronisation.
package session

import "time"

// Status is the lifecycle position of the current dictation session.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusRecording    Status = "recording"
	StatusTranscribing Status = "transcribing"
	StatusComplete     Status = "complete"
	StatusError        Status = "error"
)

// Failure reasons surfaced to users.
const (
	ReasonNoAudio  = "No audio recorded"
	ReasonNoSpeech = "No speech detected"
)

// CaptureFailed formats the reason recorded when the audio source cannot start.
func CaptureFailed(reason string) string {
	return "Capture failed: " + reason
}

// State is a snapshot of the session machine. The zero value is Idle.
type State struct {
	ID        string    `json:"session_id,omitempty"`
	Status    Status    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

// Idle returns the initial state.
func Idle() State {
	return State{Status: StatusIdle}
}

func (s State) status() Status {
	if s.Status == "" {
		return StatusIdle
	}
	return s.Status
}

// IsIdle reports whether a new session may begin.
func (s State) IsIdle() bool { return s.status() == StatusIdle }

// Terminal reports whether the session reached Complete or Error.
func (s State) Terminal() bool {
	st := s.status()
	return st == StatusComplete || st == StatusError
}

// Begin moves Idle to Recording under a fresh session id.
func (s State) Begin(id string, at time.Time) (State, bool) {
	if s.status() != StatusIdle || id == "" {
		return s, false
	}
	return State{ID: id, Status: StatusRecording, StartedAt: at}, true
}

// End moves Recording to Transcribing.
func (s State) End() (State, bool) {
	if s.status() != StatusRecording {
		return s, false
	}
	s.Status = StatusTranscribing
	return s, true
}

// Complete moves Transcribing to Complete.
func (s State) Complete() (State, bool) {
	if s.status() != StatusTranscribing {
		return s, false
	}
	s.Status = StatusComplete
	return s, true
}

// Fail moves Recording or Transcribing to Error. Recording is accepted so a
// capture failure right after Begin can be reported.
func (s State) Fail(reason string) (State, bool) {
	switch s.status() {
	case StatusRecording, StatusTranscribing:
		s.Status = StatusError
		s.Reason = reason
		return s, true
	default:
		return s, false
	}
}

// Settle returns a terminal session to Idle, only if id still names it.
func (s State) Settle(id string) (State, bool) {
	if !s.Terminal() || s.ID != id {
		return s, false
	}
	return Idle(), true
}
