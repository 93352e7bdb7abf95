package main

import (
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"

	"statecast.dev/internal/client/mirror"
	"statecast.dev/internal/client/predict"
	"statecast.dev/internal/protocol"
)

// A minimal client: connects, optimistically spawns a pawn under a
// temporary id, reconciles on SPAWN_RESULT, then walks it around with
// predicted updates.
func main() {
	var (
		url  = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name = flag.String("name", "bot", "client name")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      *name,
		MaxQueue:        64,
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}

	mir := mirror.New()
	tracker := predict.NewTracker(predict.AckAcceptAny)
	mir.OnObjectIDRemapped(func(tempID, serverID uint64) {
		logger.Printf("remapped %d -> %d", tempID, serverID)
		_ = tracker.Register(serverID)
	})

	var pawnID uint64 // authority id once confirmed

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for {
		select {
		case <-stop:
			return
		default:
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeWelcome:
			var w protocol.WelcomeMsg
			if err := json.Unmarshal(msg, &w); err != nil {
				continue
			}
			logger.Printf("WELCOME client_id=%s tick_rate=%d", w.ClientID, w.ServerParams.TickRateHz)

			// Spawn optimistically: the pawn exists locally right away.
			tempID := mir.CreateLocal(1, w.ClientID, map[string]protocol.PropertyValue{
				"Health": protocol.Int32Value(100),
			})
			spawn := protocol.SpawnMsg{
				Type:            protocol.TypeSpawn,
				ProtocolVersion: protocol.Version,
				TempID:          tempID,
				ClassID:         1,
				ActorName:       *name,
				Position:        [3]float32{rng.Float32() * 100, 0, rng.Float32() * 100},
				Rotation:        [4]float32{0, 0, 0, 1},
				Scale:           [3]float32{1, 1, 1},
				InitialProps: []protocol.InitialProperty{
					{Name: "Health", Value: `{"type":"Int32","value":100}`},
				},
			}
			if err := conn.WriteJSON(spawn); err != nil {
				logger.Fatalf("send SPAWN: %v", err)
			}

		case protocol.TypeSpawnResult:
			var res protocol.SpawnResultMsg
			if err := json.Unmarshal(msg, &res); err != nil {
				continue
			}
			if res.ObjectID == 0 {
				logger.Printf("spawn rejected: %s (%s)", res.Error, res.Code)
				mir.DiscardFailedCreate(res.TempID)
				continue
			}
			if err := mir.Remap(res.TempID, res.ObjectID); err != nil {
				logger.Printf("remap: %v", err)
				continue
			}
			pawnID = res.ObjectID

		case protocol.TypeSnapshot:
			var snap protocol.SnapshotMsg
			if err := json.Unmarshal(msg, &snap); err != nil {
				continue
			}
			for _, obj := range snap.Objects {
				mir.ApplySnapshot(obj)
			}
			if pawnID != 0 && snap.Tick%20 == 0 {
				sendMove(conn, tracker, pawnID, rng)
			}

		case protocol.TypeAck:
			var ack protocol.AckMsg
			if err := json.Unmarshal(msg, &ack); err != nil {
				continue
			}
			_ = tracker.ProcessAck(ack.ObjectID, ack.Sequence)
		}
	}
}

func sendMove(conn *websocket.Conn, tracker *predict.Tracker, objectID uint64, rng *rand.Rand) {
	seq, err := tracker.NextSequence(objectID)
	if err != nil {
		return
	}
	update := protocol.UpdateMsg{
		Type:            protocol.TypeUpdate,
		ProtocolVersion: protocol.Version,
		ObjectID:        objectID,
		Sequence:        seq,
		Properties: map[string]protocol.PropertyValue{
			"Location": protocol.VectorValue(protocol.Vector{
				X: rng.Float64() * 100,
				Y: 0,
				Z: rng.Float64() * 100,
			}),
		},
	}
	_ = conn.WriteJSON(update)
}
