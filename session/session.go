package session

import (
	"fmt"
	"time"
)

// ConnectionState represents where a shard's engine is in its lifecycle.
// We use iota to auto-assign integer values to each constant.
type ConnectionState int32

const (
	Offline       ConnectionState = iota // 0 - not running, initial and final
	Connecting                           // 1 - opening a physical connection
	AwaitingHello                        // 2 - connected, first payload must be Hello
	Identifying                          // 3 - Identify sent, waiting for READY
	Resuming                             // 4 - Resume sent, waiting for RESUMED
	Connected                            // 5 - session live, dispatches flowing
	Reconnecting                         // 6 - connection dropped, backing off
	ShuttingDown                         // 7 - stop requested or fatal fault
)

var stateNames = [...]string{
	Offline:       "offline",
	Connecting:    "connecting",
	AwaitingHello: "awaiting_hello",
	Identifying:   "identifying",
	Resuming:      "resuming",
	Connected:     "connected",
	Reconnecting:  "reconnecting",
	ShuttingDown:  "shutting_down",
}

func (s ConnectionState) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// transitions defines which state changes are legal.
// Offline is only reachable through ShuttingDown.
var transitions = map[ConnectionState][]ConnectionState{
	Offline:       {Connecting},
	Connecting:    {AwaitingHello, Reconnecting, ShuttingDown},
	AwaitingHello: {Identifying, Resuming, Reconnecting, ShuttingDown},
	Identifying:   {Connected, Reconnecting, ShuttingDown},
	Resuming:      {Connected, Reconnecting, ShuttingDown},
	Connected:     {Reconnecting, ShuttingDown},
	Reconnecting:  {Connecting, ShuttingDown},
	ShuttingDown:  {Offline},
}

// ValidTransition reports whether the engine may move from one state to
// the other.
func ValidTransition(from, to ConnectionState) bool {
	for _, valid := range transitions[from] {
		if to == valid {
			return true
		}
	}
	return false
}

// State is everything needed to resume a dropped connection.
// The engine owns it; a Store only ever sees copies.
type State struct {
	ID                string        `json:"session_id"`         // issued by the server in READY
	Sequence          int64         `json:"seq"`                // highest dispatch sequence seen, never decreases
	ResumeURL         string        `json:"resume_url"`         // endpoint to use for Resume
	HeartbeatInterval time.Duration `json:"heartbeat_interval"` // learned from the last Hello
}

// Resumable reports whether a Resume can be attempted with this state.
func (s State) Resumable() bool {
	return s.ID != ""
}

// Clear drops the session so the next connection identifies afresh.
func (s *State) Clear() {
	*s = State{}
}
