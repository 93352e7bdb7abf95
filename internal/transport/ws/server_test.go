package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"statecast.dev/internal/protocol"
	"statecast.dev/internal/sim/authority"
	"statecast.dev/internal/sim/tuning"
)

func startTestServer(t *testing.T) (*authority.Authority, string, func()) {
	t.Helper()
	auth := authority.New(authority.Config{ID: "test", Tuning: tuning.Default()})
	if err := auth.RegisterClass(1, "Pawn"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := auth.RegisterProperty(1, authority.PropertyDefinition{
		Name: "Location", Type: protocol.PropVector, Replicated: true,
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = auth.Run(ctx) }()

	srv := httptest.NewServer(NewServer(auth, nil).Handler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	return auth, url, func() {
		cancel()
		srv.Close()
	}
}

func dialHello(t *testing.T, url string, hello protocol.HelloMsg) (*websocket.Conn, protocol.WelcomeMsg) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := conn.WriteJSON(hello); err != nil {
		t.Fatalf("hello: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var welcome protocol.WelcomeMsg
	if err := conn.ReadJSON(&welcome); err != nil {
		t.Fatalf("welcome: %v", err)
	}
	return conn, welcome
}

func TestHandshake(t *testing.T) {
	auth, url, stop := startTestServer(t)
	defer stop()

	conn, welcome := dialHello(t, url, protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      "tester",
	})
	defer conn.Close()

	if welcome.Type != protocol.TypeWelcome || welcome.ClientID == "" || welcome.SessionID == "" {
		t.Fatalf("welcome wrong: %+v", welcome)
	}
	want := auth.ServerParams()
	if welcome.ServerParams != want {
		t.Fatalf("server params = %+v, want %+v", welcome.ServerParams, want)
	}
}

func TestHandshake_IdentityPreserved(t *testing.T) {
	_, url, stop := startTestServer(t)
	defer stop()

	conn, welcome := dialHello(t, url, protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		Identity:        "returning-client",
	})
	defer conn.Close()
	if welcome.ClientID != "returning-client" {
		t.Fatalf("identity not honored: %s", welcome.ClientID)
	}
}

func TestHandshake_Rejections(t *testing.T) {
	_, url, stop := startTestServer(t)
	defer stop()

	cases := []protocol.HelloMsg{
		{Type: "SPAWN", ProtocolVersion: protocol.Version},  // not a HELLO
		{Type: protocol.TypeHello, ProtocolVersion: "99.0"}, // bad version
	}
	for i, hello := range cases {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			t.Fatalf("case %d dial: %v", i, err)
		}
		if err := conn.WriteJSON(hello); err != nil {
			t.Fatalf("case %d write: %v", i, err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, _, err = conn.ReadMessage()
		if closeErr, ok := err.(*websocket.CloseError); !ok || closeErr.Code != websocket.ClosePolicyViolation {
			t.Fatalf("case %d: expected policy violation close, got %v", i, err)
		}
		conn.Close()
	}
}

func TestSpawnOverWire(t *testing.T) {
	_, url, stop := startTestServer(t)
	defer stop()

	conn, _ := dialHello(t, url, protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      "tester",
	})
	defer conn.Close()

	spawn := protocol.SpawnMsg{
		Type:            protocol.TypeSpawn,
		ProtocolVersion: protocol.Version,
		TempID:          1<<63 | 7,
		ClassID:         1,
		Position:        [3]float32{1, 2, 3},
	}
	if err := conn.WriteJSON(spawn); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	// The result is the first upper-case frame; snapshots may interleave.
	deadline := time.Now().Add(5 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if base.Type != protocol.TypeSpawnResult {
			continue
		}
		var res protocol.SpawnResultMsg
		if err := json.Unmarshal(msg, &res); err != nil {
			t.Fatalf("decode result: %v", err)
		}
		if res.TempID != spawn.TempID || res.ObjectID == 0 {
			t.Fatalf("spawn result wrong: %+v", res)
		}
		return
	}
}

func TestDecodeCommand_VersionGate(t *testing.T) {
	s := NewServer(authority.New(authority.Config{ID: "test", Tuning: tuning.Default()}), nil)

	if _, ok := s.decodeCommand("c1", []byte(`{"type":"UPDATE","protocol_version":"0.9","object_id":"1","properties":{}}`)); ok {
		t.Fatalf("stale protocol version accepted")
	}
	if _, ok := s.decodeCommand("c1", []byte(`{"type":"NOPE"}`)); ok {
		t.Fatalf("unknown type accepted")
	}
	if _, ok := s.decodeCommand("c1", []byte(`not json`)); ok {
		t.Fatalf("garbage accepted")
	}
	env, ok := s.decodeCommand("c1", []byte(`{"type":"subscribe","table":"objects"}`))
	if !ok || env.Subscribe == nil || env.Subscribe.Table != "objects" {
		t.Fatalf("subscribe not decoded: %+v", env)
	}
	env, ok = s.decodeCommand("c1", []byte(`{"type":"DESTROY","protocol_version":"1.0","object_id":"42"}`))
	if !ok || env.Destroy == nil || env.Destroy.ObjectID != 42 {
		t.Fatalf("destroy not decoded: %+v", env)
	}
}
