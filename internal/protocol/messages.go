package protocol

import "encoding/json"

// HELLO (client -> server)
type HelloMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	ClientName      string     `json:"client_name"`
	Identity        string     `json:"identity,omitempty"`
	MaxQueue        int        `json:"max_queue,omitempty"`
	Auth            *HelloAuth `json:"auth,omitempty"`
}

type HelloAuth struct {
	Token string `json:"token,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	ClientID        string       `json:"client_id"`
	SessionID       string       `json:"session_id"`
	ServerParams    ServerParams `json:"server_params"`
}

type ServerParams struct {
	TickRateHz       int     `json:"tick_rate_hz"`
	MediumEveryTicks int     `json:"medium_every_ticks"`
	LowEveryTicks    int     `json:"low_every_ticks"`
	DefaultMaxDist   float64 `json:"default_max_distance"`
}

// SPAWN (client -> server): optimistic object creation. The client has
// already created the object locally under TempID; the authority either
// confirms with a real id or rejects.
type SpawnMsg struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	TempID          uint64            `json:"temp_id,string"`
	ClassID         uint32            `json:"class_id"`
	ActorName       string            `json:"actor_name"`
	Position        [3]float32        `json:"position"`
	Rotation        [4]float32        `json:"rotation"` // xyzw quaternion
	Scale           [3]float32        `json:"scale"`
	InitialProps    []InitialProperty `json:"initial_properties,omitempty"`
}

type InitialProperty struct {
	Name  string `json:"name"`
	Value string `json:"value"` // opaque; decoded server-side as a PropertyValue
}

// SPAWN_RESULT (server -> client): ObjectID 0 means failure.
type SpawnResultMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	TempID          uint64 `json:"temp_id,string"`
	ObjectID        uint64 `json:"object_id,string"`
	Error           string `json:"error,omitempty"`
	Code            string `json:"code,omitempty"`
}

// DESTROY (client -> server): owner-requested destruction.
type DestroyMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ObjectID        uint64 `json:"object_id,string"`
}

// SNAPSHOT (server -> client): one tick's worth of object state for
// this client. New objects carry a full property set; changed objects
// carry only the filtered delta; destroyed objects carry a tombstone.
type SnapshotMsg struct {
	Type            string           `json:"type"`
	ProtocolVersion string           `json:"protocol_version"`
	Tick            uint64           `json:"tick"`
	Objects         []ObjectSnapshot `json:"objects"`
}

type ObjectSnapshot struct {
	ObjectID   uint64                   `json:"object_id,string"`
	ClassID    uint32                   `json:"class_id"`
	Owner      string                   `json:"owner,omitempty"`
	IsNew      bool                     `json:"is_new"`
	Destroyed  bool                     `json:"destroyed,omitempty"`
	Properties map[string]PropertyValue `json:"properties,omitempty"`
}

// UPDATE (client -> server): an owner's property write request. When
// the write is a predicted transform, Sequence carries the client's
// prediction counter and the authority echoes it back in an ACK once
// the write is applied.
type UpdateMsg struct {
	Type            string                   `json:"type"`
	ProtocolVersion string                   `json:"protocol_version"`
	ObjectID        uint64                   `json:"object_id,string"`
	Sequence        uint32                   `json:"sequence,omitempty"`
	Properties      map[string]PropertyValue `json:"properties"`
}

// ACK (server -> client): prediction sequence confirmation.
type AckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ObjectID        uint64 `json:"object_id,string"`
	Sequence        uint32 `json:"sequence"`
}

// table_update (server -> client): relevancy/zone table maintenance in
// row-operation form.
type TableUpdateMsg struct {
	Type       string           `json:"type"`
	Table      string           `json:"table"`
	Operations []TableOperation `json:"operations"`
}

type TableOperation struct {
	Op  string                     `json:"op"` // insert | update | delete
	Row map[string]json.RawMessage `json:"row"`
}

// subscribe / unsubscribe (client -> server): table subscription
// control. Subscribing to "objects" additionally triggers a full
// resync of the client's relevant set.
type SubscribeMsg struct {
	Type     string `json:"type"` // TypeSubscribe or TypeUnsubscribe
	Table    string `json:"table"`
	ClientID string `json:"client_id"`
}
