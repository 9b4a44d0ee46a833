package transport

import "fmt"

// CloseAction is what the engine does after the remote closed with a code.
type CloseAction int

const (
	ActionResume     CloseAction = iota // reconnect and resume the session
	ActionReidentify                    // reconnect with a fresh session
	ActionFatal                         // stop, retrying cannot help
)

func (a CloseAction) String() string {
	switch a {
	case ActionResume:
		return "resume"
	case ActionReidentify:
		return "reidentify"
	case ActionFatal:
		return "fatal"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// CloseTable maps remote close codes to actions. It is configuration, not
// logic: deployments validate it against the protocol documentation they
// target and pass their own table to the engine.
type CloseTable map[int]CloseAction

// DefaultCloseTable covers the gateway's documented 4000-range codes.
// Codes not listed resume.
var DefaultCloseTable = CloseTable{
	4000: ActionResume,     // unknown error
	4001: ActionResume,     // unknown opcode
	4002: ActionResume,     // decode error
	4003: ActionReidentify, // not authenticated
	4004: ActionFatal,      // authentication failed
	4005: ActionResume,     // already authenticated
	4007: ActionReidentify, // invalid seq
	4008: ActionResume,     // rate limited
	4009: ActionReidentify, // session timed out
	4010: ActionFatal,      // invalid shard
	4011: ActionFatal,      // sharding required
	4012: ActionFatal,      // invalid API version
	4013: ActionFatal,      // invalid intents
	4014: ActionFatal,      // disallowed intents
}

// Lookup returns the action for code, ActionResume when unlisted.
func (t CloseTable) Lookup(code int) CloseAction {
	if a, ok := t[code]; ok {
		return a
	}
	return ActionResume
}

// Merge returns a copy of t with overrides applied on top.
func (t CloseTable) Merge(overrides map[int]CloseAction) CloseTable {
	out := make(CloseTable, len(t)+len(overrides))
	for code, a := range t {
		out[code] = a
	}
	for code, a := range overrides {
		out[code] = a
	}
	return out
}
