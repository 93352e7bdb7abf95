package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"statecast.dev/internal/protocol"
	"statecast.dev/internal/sim/authority"
)

type Server struct {
	auth *authority.Authority
	log  *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(a *authority.Authority, logger *log.Logger) *Server {
	s := &Server{
		auth: a,
		log:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
	return s
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		clientID, out := s.handshake(conn)
		if clientID == "" {
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine. The out channel is closed by the authority
		// on disconnect.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b, ok := <-out:
					if !ok {
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			env, ok := s.decodeCommand(clientID, msg)
			if !ok {
				continue
			}
			s.auth.Inbox() <- env
		}

		// Cleanup.
		s.auth.Disconnect() <- clientID
	}
}

// decodeCommand turns one inbound frame into a command envelope. Frames
// with an unknown type or a mismatched protocol version are dropped.
func (s *Server) decodeCommand(clientID string, msg []byte) (authority.CommandEnvelope, bool) {
	env := authority.CommandEnvelope{ClientID: clientID}

	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return env, false
	}
	switch base.Type {
	case protocol.TypeSpawn:
		var m protocol.SpawnMsg
		if json.Unmarshal(msg, &m) != nil || m.ProtocolVersion != protocol.Version {
			return env, false
		}
		env.Spawn = &m
	case protocol.TypeUpdate:
		var m protocol.UpdateMsg
		if json.Unmarshal(msg, &m) != nil || m.ProtocolVersion != protocol.Version {
			return env, false
		}
		env.Update = &m
	case protocol.TypeDestroy:
		var m protocol.DestroyMsg
		if json.Unmarshal(msg, &m) != nil || m.ProtocolVersion != protocol.Version {
			return env, false
		}
		env.Destroy = &m
	case protocol.TypeSubscribe, protocol.TypeUnsubscribe:
		var m protocol.SubscribeMsg
		if json.Unmarshal(msg, &m) != nil {
			return env, false
		}
		env.Subscribe = &m
	default:
		return env, false
	}
	return env, true
}

func (s *Server) handshake(conn *websocket.Conn) (clientID string, out chan []byte) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return "", nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return "", nil
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return "", nil
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return "", nil
	}
	if hello.ClientName == "" {
		hello.ClientName = "client"
	}

	maxQ := hello.MaxQueue
	if maxQ <= 0 {
		maxQ = 64
	}
	if maxQ > 1024 {
		maxQ = 1024
	}
	out = make(chan []byte, maxQ)

	// Reconnecting clients present their previous id; fresh sessions
	// get a new one.
	clientID = hello.Identity
	if clientID == "" {
		clientID = uuid.NewString()
	}

	respCh := make(chan authority.ConnectResponse, 1)
	s.auth.Connect() <- authority.ConnectRequest{
		ClientID: clientID,
		Name:     hello.ClientName,
		Out:      out,
		Resp:     respCh,
	}
	resp := <-respCh

	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		ClientID:        clientID,
		SessionID:       uuid.NewString(),
		ServerParams:    resp.Params,
	}
	if err := writeJSON(conn, welcome); err != nil {
		s.auth.Disconnect() <- clientID
		return "", nil
	}

	if s.log != nil {
		s.log.Printf("ws: client %s (%s) connected", clientID, hello.ClientName)
	}
	return clientID, out
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
