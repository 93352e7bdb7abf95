package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"statecast.dev/internal/persistence/indexdb"
	persistlog "statecast.dev/internal/persistence/log"
	"statecast.dev/internal/persistence/snapshot"
	"statecast.dev/internal/sim/authority"
	"statecast.dev/internal/sim/tuning"
	"statecast.dev/internal/transport/ws"
)

func main() {
	var (
		addr        = flag.String("addr", ":8080", "http listen address")
		serverID    = flag.String("server", "authority_1", "authority server id")
		configDir   = flag.String("configs", "./configs", "config directory")
		dataDir     = flag.String("data", "./data", "runtime data directory")
		tuningPath  = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		classesPath = flag.String("classes", "", "path to classes.yaml (default: <configs>/classes.yaml)")
		disableDB   = flag.Bool("disable_db", false, "disable the sqlite index (tick/audit/snapshot metadata)")

		snapPath   = flag.String("snapshot", "", "path to state snapshot to load (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "load latest snapshot from data dir if present (when -snapshot is empty)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	serverDir := filepath.Join(*dataDir, "servers", *serverID)
	_ = os.MkdirAll(serverDir, 0o755)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	cp := strings.TrimSpace(*classesPath)
	if cp == "" {
		cp = filepath.Join(*configDir, "classes.yaml")
	}

	snapshotToLoad := strings.TrimSpace(*snapPath)
	if snapshotToLoad == "" && *loadLatest {
		snapshotToLoad = latestSnapshot(serverDir)
	}

	// Tuning is required for a fresh start; a snapshot resume carries
	// its own effective values and tolerates a missing file.
	tune, tuneErr := tuning.Load(tp)
	if tuneErr != nil {
		if snapshotToLoad != "" && os.IsNotExist(tuneErr) {
			logger.Printf("tuning not found (%s); using defaults", tp)
			tune = tuning.Default()
		} else {
			logger.Fatalf("load tuning: %v", tuneErr)
		}
	}

	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		var err error
		idx, err = indexdb.OpenSQLite(filepath.Join(serverDir, "index.db"))
		if err != nil {
			logger.Fatalf("open index db: %v", err)
		}
		defer idx.Close()
		if err := idx.UpsertConfig(tune); err != nil {
			logger.Printf("index db: upsert config: %v", err)
		}
	}

	auth := authority.New(authority.Config{ID: *serverID, Tuning: tune})

	if snapshotToLoad != "" {
		snap, err := snapshot.ReadState(snapshotToLoad)
		if err != nil {
			logger.Fatalf("read snapshot: %v", err)
		}
		if snap.Header.ServerID != "" && snap.Header.ServerID != *serverID {
			logger.Fatalf("snapshot server id mismatch: flag=%s snap=%s", *serverID, snap.Header.ServerID)
		}
		if err := auth.RestoreStateSnapshot(snap); err != nil {
			logger.Fatalf("restore snapshot: %v", err)
		}
		logger.Printf("resumed from snapshot=%s tick=%d", filepath.Base(snapshotToLoad), auth.CurrentTick())
	} else {
		classes, err := authority.LoadClasses(cp)
		if err != nil {
			logger.Fatalf("load classes: %v", err)
		}
		if err := auth.ApplyClasses(classes); err != nil {
			logger.Fatalf("apply classes: %v", err)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	tickLog := persistlog.NewTickLogger(serverDir)
	auditLog := persistlog.NewAuditLogger(serverDir)
	defer tickLog.Close()
	defer auditLog.Close()
	auth.SetTickLogger(multiTickLogger{a: tickLog, b: idx})
	auth.SetAuditLogger(multiAuditLogger{a: auditLog, b: idx})

	// Snapshot writer, off the loop goroutine.
	snapCh := make(chan snapshot.StateV1, 2)
	auth.SetSnapshotSink(snapCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case snap := <-snapCh:
				path := filepath.Join(serverDir, "snapshots", fmt.Sprintf("%d.snap.zst", snap.Header.Tick))
				if err := snapshot.WriteState(path, snap); err != nil {
					logger.Printf("snapshot write: %v", err)
					continue
				}
				if idx != nil {
					idx.RecordSnapshot(path, snap)
				}
			}
		}
	}()

	go func() {
		if err := auth.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("authority stopped: %v", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP statecast_tick Current authority tick.\n")
		fmt.Fprintf(rw, "# TYPE statecast_tick gauge\n")
		fmt.Fprintf(rw, "statecast_tick{server=%q} %d\n", *serverID, auth.CurrentTick())
	})
	mux.HandleFunc("/v1/ws", ws.NewServer(auth, logger).Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func latestSnapshot(serverDir string) string {
	dir := filepath.Join(serverDir, "snapshots")
	ents, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	var bestTick uint64
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		base := strings.TrimSuffix(name, ".snap.zst")
		tick, err := strconv.ParseUint(base, 10, 64)
		if err != nil {
			continue
		}
		if best == "" || tick > bestTick {
			bestTick = tick
			best = filepath.Join(dir, name)
		}
	}
	return best
}

type multiTickLogger struct {
	a authority.TickLogger
	b *indexdb.SQLiteIndex
}

func (m multiTickLogger) WriteTick(entry authority.TickLogEntry) error {
	if m.a != nil {
		_ = m.a.WriteTick(entry)
	}
	if m.b != nil {
		_ = m.b.WriteTick(entry)
	}
	return nil
}

type multiAuditLogger struct {
	a authority.AuditLogger
	b *indexdb.SQLiteIndex
}

func (m multiAuditLogger) WriteAudit(entry authority.AuditEntry) error {
	if m.a != nil {
		_ = m.a.WriteAudit(entry)
	}
	if m.b != nil {
		_ = m.b.WriteAudit(entry)
	}
	return nil
}
