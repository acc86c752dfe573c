// Package types provides shared type definitions for the application.
package types

// SessionStatus represents the state of the microphone streaming session.
type SessionStatus struct {
	State       string `json:"state"`       // "idle" or "recording"
	Recording   bool   `json:"recording"`   // Whether audio is currently streaming
	HasRecorded bool   `json:"hasRecorded"` // Whether a recording completed since the last reset
	Connected   bool   `json:"connected"`   // Whether the backend socket is open
	Disabled    bool   `json:"disabled"`
	Language    string `json:"language"`
	RecordingID string `json:"recordingId,omitempty"`
	Frames      int64  `json:"frames"`   // Audio frames sent in the current recording
	Bytes       int64  `json:"bytes"`    // PCM bytes sent in the current recording
	Duration    int64  `json:"duration"` // Audio sent, in milliseconds
}
