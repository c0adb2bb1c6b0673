// Package helper implements the IPC client for the privileged helper process
// that owns the mesh core subprocess. The protocol is newline-delimited JSON
// envelopes over a unix-domain socket: requests carry a nonzero id and are
// answered by a reply with the same id; helper-initiated pushes carry id 0.
package helper

import "encoding/json"

// Request/reply method names.
const (
	methodRegisterListener = "register_listener"
	methodStartCore        = "start_core"
	methodStopCore         = "stop_core"
	methodGetCoreStatus    = "get_core_status"
	methodGetCoreStartTime = "get_core_start_time"
	methodGetVersion       = "get_version"
	methodGetRecentEvents  = "get_recent_events"
	methodGetRunningInfo   = "get_running_info"
	methodQuitHelper       = "quit_helper"
)

// Push method names (helper-initiated, id 0).
const (
	pushRunningInfoUpdated = "running_info_updated"
	pushLogUpdated         = "log_updated"
)

// envelope is the single wire frame for both directions.
type envelope struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// StartCoreRequest asks the helper to launch the core subprocess. The config
// itself is handed off through the shared file at ConfigPath; it is never
// inlined here.
type StartCoreRequest struct {
	ConfigPath   string `json:"config_path"`
	CorePath     string `json:"core_path"`
	ConsoleLevel string `json:"console_level"`
}

// StartCoreReply reports whether the helper accepted the start command.
type StartCoreReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// StopCoreReply reports whether the helper accepted the stop command.
type StopCoreReply struct {
	OK bool `json:"ok"`
}

// CoreStatusReply carries the core pid, 0 when not running.
type CoreStatusReply struct {
	PID int32 `json:"pid"`
}

// CoreStartTimeReply carries the core's start time as a unix timestamp,
// 0 when not running.
type CoreStartTimeReply struct {
	UnixTimestamp float64 `json:"unix_timestamp"`
}

// VersionReply carries the helper's own version string.
type VersionReply struct {
	Version string `json:"version"`
}

// RecentEventsRequest asks for events at or after SinceIndex in the helper's
// retained ring buffer.
type RecentEventsRequest struct {
	SinceIndex int `json:"since_index"`
}

// RecentEventsReply returns a batch of events. StartIndex is the ring index
// of the first returned event; when it is greater than the requested index,
// the ring has wrapped past the cursor and events were lost.
type RecentEventsReply struct {
	Events     []string `json:"events"`
	StartIndex int      `json:"start_index"`
	NextIndex  int      `json:"next_index"`
}

// RunningInfoReply carries the core's running-info JSON, nil while the core
// is not running.
type RunningInfoReply struct {
	JSON *string `json:"json"`
}

// QuitHelperReply reports whether the helper accepted the quit command.
type QuitHelperReply struct {
	OK bool `json:"ok"`
}

// RunningInfoUpdated is the push payload published when the core's running
// info changes.
type RunningInfoUpdated struct {
	JSON string `json:"json"`
}

// LogUpdated is the push payload published when new core log lines arrive.
type LogUpdated struct {
	Lines []string `json:"lines"`
}
