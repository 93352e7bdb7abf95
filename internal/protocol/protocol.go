package protocol

import "encoding/json"

const Version = "1.0"

// Message types. The relevancy/table envelope and subscription control
// messages use lower-case tags; the session/replication messages use
// the upper-case style of the handshake.
const (
	TypeHello       = "HELLO"
	TypeWelcome     = "WELCOME"
	TypeSpawn       = "SPAWN"
	TypeSpawnResult = "SPAWN_RESULT"
	TypeSnapshot    = "SNAPSHOT"
	TypeUpdate      = "UPDATE"
	TypeAck         = "ACK"
	TypeDestroy     = "DESTROY"

	TypeTableUpdate = "table_update"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
