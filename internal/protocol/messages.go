package protocol

import "time"

// AudioFrame represents PCM audio data streamed from edge devices.
type AudioFrame struct {
	DeviceID   string `json:"device_id,omitempty"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
}

// ControlSignal is a press or release edge from an input device.
type ControlSignal struct {
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PrimaryText is the committed transcription of a session.
type PrimaryText struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Engine    string    `json:"engine"`
	Timestamp time.Time `json:"timestamp"`
}

// Refinement carries the batch engine's text when it differs from the
// committed streaming text.
type Refinement struct {
	SessionID   string    `json:"session_id"`
	Text        string    `json:"text"`
	PrimaryText string    `json:"primary_text"`
	Timestamp   time.Time `json:"timestamp"`
}

// SessionStatus is published on every session transition.
type SessionStatus struct {
	SessionID string    `json:"session_id,omitempty"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"
	SubjectControlStart     = "dictation.control.start"
	SubjectControlStop      = "dictation.control.stop"
	SubjectTextPrimary      = "dictation.text.primary"
	SubjectTextRefinement   = "dictation.text.refinement"
	SubjectStatus           = "dictation.status"

	SubjectNodeAnnounce        = "ctrl.node.announce"
	SubjectNodeHeartbeatPrefix = "ctrl.node.heartbeat"
)

// AudioFrameSubject returns the subject frames from deviceID arrive on.
func AudioFrameSubject(deviceID string) string {
	return SubjectAudioFramePrefix + "." + deviceID
}

// NodeHeartbeatSubject returns the subject nodeID heartbeats on.
func NodeHeartbeatSubject(nodeID string) string {
	return SubjectNodeHeartbeatPrefix + "." + nodeID
}
