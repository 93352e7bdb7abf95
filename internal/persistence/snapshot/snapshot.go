// Package snapshot persists the authority's full replication state as
// a zstd-compressed stream: one JSON header line for cheap inspection,
// then a gob body.
package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

type Header struct {
	Version  int    `json:"version"`
	ServerID string `json:"server_id"`
	Tick     uint64 `json:"tick"`
}

type StateV1 struct {
	Header Header `json:"header"`

	TickRateHz         int `json:"tick_rate_hz"`
	SnapshotEveryTicks int `json:"snapshot_every_ticks,omitempty"`
	TombstoneTicks     int `json:"tombstone_ticks,omitempty"`

	Classes   []ClassV1     `json:"classes"`
	Objects   []ObjectV1    `json:"objects"`
	Relevancy []RelevancyV1 `json:"relevancy"`
	Zones     []ZoneV1      `json:"zones"`

	Counters CountersV1 `json:"counters"`
}

type CountersV1 struct {
	NextObject uint64 `json:"next_object"`
}

type ClassV1 struct {
	ID         uint32       `json:"id"`
	Name       string       `json:"name"`
	Properties []PropertyV1 `json:"properties"`
}

type PropertyV1 struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Replicated bool   `json:"replicated"`
	Condition  uint8  `json:"condition"`
	ReadOnly   bool   `json:"read_only"`
	Flags      uint32 `json:"flags,omitempty"`
}

type ObjectV1 struct {
	ID          uint64 `json:"id"`
	ClassID     uint32 `json:"class_id"`
	Name        string `json:"name,omitempty"`
	Owner       string `json:"owner,omitempty"`
	State       uint8  `json:"state"`
	CreatedTick uint64 `json:"created_tick"`

	// Property values as their wire JSON; gob does not know the
	// tagged-union layout and the wire form is already canonical.
	Properties map[string][]byte `json:"properties,omitempty"`

	Position    [3]float64 `json:"position,omitempty"`
	HasPosition bool       `json:"has_position,omitempty"`
}

type RelevancyV1 struct {
	ObjectID    uint64  `json:"object_id"`
	Level       uint8   `json:"level"`
	Frequency   uint8   `json:"frequency"`
	Priority    int32   `json:"priority"`
	MaxDistance float64 `json:"max_distance,omitempty"`
}

type ZoneV1 struct {
	ObjectID uint64 `json:"object_id"`
	Zone     uint32 `json:"zone"`
}

func WriteState(path string, snap StateV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	defer enc.Close()

	bw := bufio.NewWriterSize(enc, 256*1024)
	defer bw.Flush()

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}

	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	return nil
}

func ReadState(path string) (StateV1, error) {
	var snap StateV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// Skip the header line; the gob body repeats it.
	_, _ = br.ReadBytes('\n')

	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	return snap, nil
}
