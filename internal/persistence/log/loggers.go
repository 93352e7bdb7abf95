// Package log provides compressed JSONL sinks for the authority's tick
// and audit streams. Each stream lives in its own directory and rolls
// to a fresh segment file every hour; a restart within the hour appends
// a new zstd frame to the open segment, which decoders read through.
package log

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"statecast.dev/internal/sim/authority"
)

// segmentLayout labels segments by UTC hour.
const segmentLayout = "2006-01-02-15"

type segmentWriter struct {
	dir    string
	stream string

	mu  sync.Mutex
	seg string // label of the open segment, "" when closed
	out *os.File
	zw  *zstd.Encoder
	buf *bufio.Writer
}

func newSegmentWriter(dir, stream string) *segmentWriter {
	return &segmentWriter{dir: dir, stream: stream}
}

// append encodes v as one JSONL line into the current segment, rolling
// to a new one when the hour changed. Every line is flushed through so
// a crash loses at most the entry being written.
func (sw *segmentWriter) append(v any) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if seg := time.Now().UTC().Format(segmentLayout); seg != sw.seg {
		if err := sw.roll(seg); err != nil {
			return err
		}
	}

	line, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := sw.buf.Write(append(line, '\n')); err != nil {
		return err
	}
	return sw.buf.Flush()
}

func (sw *segmentWriter) roll(seg string) error {
	if err := sw.shutdown(); err != nil {
		return err
	}
	if err := os.MkdirAll(sw.dir, 0o755); err != nil {
		return err
	}
	name := filepath.Join(sw.dir, sw.stream+"-"+seg+".jsonl.zst")
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	sw.out, sw.zw, sw.buf, sw.seg = f, zw, bufio.NewWriterSize(zw, 64*1024), seg
	return nil
}

// shutdown finishes the open zstd frame and closes the segment file.
// Safe to call on an already-closed writer.
func (sw *segmentWriter) shutdown() error {
	if sw.out == nil {
		return nil
	}
	first := sw.buf.Flush()
	if err := sw.zw.Close(); first == nil {
		first = err
	}
	if err := sw.out.Close(); first == nil {
		first = err
	}
	sw.out, sw.zw, sw.buf, sw.seg = nil, nil, nil, ""
	return first
}

func (sw *segmentWriter) Close() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.shutdown()
}

// TickLogger writes one JSONL entry per scheduler tick (compressed).
type TickLogger struct{ w *segmentWriter }

func NewTickLogger(dataDir string) *TickLogger {
	return &TickLogger{w: newSegmentWriter(filepath.Join(dataDir, "ticks"), "ticks")}
}

func (l *TickLogger) WriteTick(v authority.TickLogEntry) error { return l.w.append(v) }
func (l *TickLogger) Close() error                             { return l.w.Close() }

// AuditLogger writes spawn/destroy/denial audit entries (compressed).
type AuditLogger struct{ w *segmentWriter }

func NewAuditLogger(dataDir string) *AuditLogger {
	return &AuditLogger{w: newSegmentWriter(filepath.Join(dataDir, "audit"), "audit")}
}

func (l *AuditLogger) WriteAudit(v authority.AuditEntry) error { return l.w.append(v) }
func (l *AuditLogger) Close() error                            { return l.w.Close() }
