package indexdb

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"statecast.dev/internal/persistence/snapshot"
	"statecast.dev/internal/sim/authority"
	"statecast.dev/internal/sim/tuning"
)

func openTestIndex(t *testing.T) (*SQLiteIndex, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return idx, path
}

func TestIndex_TicksAndAudits(t *testing.T) {
	idx, path := openTestIndex(t)

	for tick := uint64(1); tick <= 5; tick++ {
		if err := idx.WriteTick(authority.TickLogEntry{
			Tick: tick, Objects: int(tick), Clients: 1, Digest: "abcd",
		}); err != nil {
			t.Fatalf("write tick: %v", err)
		}
	}
	_ = idx.WriteAudit(authority.AuditEntry{Tick: 2, Actor: "c1", Action: "SPAWN", ObjectID: 7, ClassID: 1})
	_ = idx.WriteAudit(authority.AuditEntry{Tick: 2, Actor: "c1", Action: "UPDATE_DENIED", ObjectID: 7, Code: "E_PERMISSION_DENIED"})
	_ = idx.WriteAudit(authority.AuditEntry{Tick: 3, Actor: "c2", Action: "SPAWN", ObjectID: 8, ClassID: 1})

	// Close drains the queue and commits the final batch.
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	ticks, err := reopened.LatestTicks(3)
	if err != nil {
		t.Fatalf("latest ticks: %v", err)
	}
	if len(ticks) != 3 || ticks[0].Tick != 5 || ticks[2].Tick != 3 {
		t.Fatalf("latest ticks wrong: %+v", ticks)
	}

	audits, err := reopened.AuditsForObject(7, 10)
	if err != nil {
		t.Fatalf("audits: %v", err)
	}
	if len(audits) != 2 {
		t.Fatalf("got %d audit rows", len(audits))
	}
	var first authority.AuditEntry
	if err := json.Unmarshal([]byte(audits[0]), &first); err != nil {
		t.Fatalf("decode audit: %v", err)
	}
	if first.Action != "SPAWN" || first.ObjectID != 7 {
		t.Fatalf("audit ordering wrong: %+v", first)
	}
}

func TestIndex_Snapshots(t *testing.T) {
	idx, path := openTestIndex(t)

	if p, _, err := idx.LatestSnapshotPath(); err != nil || p != "" {
		t.Fatalf("empty index: %q %v", p, err)
	}

	idx.RecordSnapshot("/data/snaps/100.snap.zst", snapshot.StateV1{
		Header:  snapshot.Header{Tick: 100},
		Objects: []snapshot.ObjectV1{{ID: 1}, {ID: 2}},
	})
	idx.RecordSnapshot("/data/snaps/200.snap.zst", snapshot.StateV1{
		Header: snapshot.Header{Tick: 200},
	})
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	p, tick, err := reopened.LatestSnapshotPath()
	if err != nil {
		t.Fatalf("latest snapshot: %v", err)
	}
	if p != "/data/snaps/200.snap.zst" || tick != 200 {
		t.Fatalf("latest snapshot wrong: %s @ %d", p, tick)
	}
}

func TestIndex_UpsertConfig(t *testing.T) {
	idx, _ := openTestIndex(t)
	defer idx.Close()

	if err := idx.UpsertConfig(tuning.Default()); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// Re-upserting replaces the single row instead of accumulating.
	if err := idx.UpsertConfig(tuning.Default()); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	var count int
	if err := idx.db.QueryRow(`SELECT COUNT(*) FROM configs`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("configs rows = %d", count)
	}
	var digest string
	if err := idx.db.QueryRow(`SELECT digest FROM configs WHERE name='tuning'`).Scan(&digest); err != nil {
		t.Fatalf("digest: %v", err)
	}
	if len(digest) != 64 {
		t.Fatalf("digest %q is not a sha256 hex", digest)
	}
}

func TestIndex_WritesAfterCloseAreNoOps(t *testing.T) {
	idx, _ := openTestIndex(t)
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := idx.WriteTick(authority.TickLogEntry{Tick: 1}); err != nil {
		t.Fatalf("write after close: %v", err)
	}
	if err := idx.WriteAudit(authority.AuditEntry{Tick: 1}); err != nil {
		t.Fatalf("audit after close: %v", err)
	}
	idx.RecordSnapshot("x", snapshot.StateV1{})
	// Double close is safe.
	if err := idx.Close(); err != nil {
		t.Fatalf("double close: %v", err)
	}
}
