package payload

import "fmt"

// Opcode identifies what a gateway payload means.
// Values are fixed by the protocol; gaps (5) are intentional.
type Opcode int

const (
	OpDispatch            Opcode = 0  // receive: an application event with a sequence number
	OpHeartbeat           Opcode = 1  // send/receive: liveness ping, or a server request for one
	OpIdentify            Opcode = 2  // send: start a new session
	OpStatusUpdate        Opcode = 3  // send: update presence
	OpVoiceStateUpdate    Opcode = 4  // send: join/leave/move voice
	OpResume              Opcode = 6  // send: reattach to a previous session
	OpReconnect           Opcode = 7  // receive: reconnect and resume
	OpRequestGuildMembers Opcode = 8  // send: request member chunks
	OpInvalidSession      Opcode = 9  // receive: session invalidated, d says whether resumable
	OpHello               Opcode = 10 // receive: first payload, carries heartbeat_interval
	OpHeartbeatAck        Opcode = 11 // receive: ack for a heartbeat
)

var opcodeNames = map[Opcode]string{
	OpDispatch:            "Dispatch",
	OpHeartbeat:           "Heartbeat",
	OpIdentify:            "Identify",
	OpStatusUpdate:        "StatusUpdate",
	OpVoiceStateUpdate:    "VoiceStateUpdate",
	OpResume:              "Resume",
	OpReconnect:           "Reconnect",
	OpRequestGuildMembers: "RequestGuildMembers",
	OpInvalidSession:      "InvalidSession",
	OpHello:               "Hello",
	OpHeartbeatAck:        "HeartbeatAck",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Opcode(%d)", int(o))
}

// IsCommand reports whether callers may send this opcode through the
// command path. Identify, Resume and Heartbeat belong to the engine.
func (o Opcode) IsCommand() bool {
	switch o {
	case OpStatusUpdate, OpVoiceStateUpdate, OpRequestGuildMembers:
		return true
	}
	return false
}
