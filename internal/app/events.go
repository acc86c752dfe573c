package app

import "encoding/json"

// Output kinds written by the terminal host.
const (
	KindEvent      = "event"
	KindStatus     = "status"
	KindHistory    = "history"
	KindRecordings = "recordings"
	KindDevices    = "devices"
	KindHelp       = "help"
	KindError      = "error"
)

// Line is one JSON line of host output. For KindEvent, Value is the session
// event value exactly as the backend sent it.
type Line struct {
	Kind      string `json:"kind"`
	Recording string `json:"recording,omitempty"`
	Local     bool   `json:"local,omitempty"`
	Value     any    `json:"value,omitempty"`
}

// ErrorValue is the Value of a KindError line.
type ErrorValue struct {
	Message string `json:"message"`
}

func eventLine(recording string, value json.RawMessage, local bool) Line {
	return Line{Kind: KindEvent, Recording: recording, Local: local, Value: value}
}
