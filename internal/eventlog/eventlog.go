// Package eventlog implements the durable, ordered, append-only event
// store. One session maps to one log file.
//
// The format is line-oriented: one self-describing JSON record per line,
// each carrying a CRC-32C over its canonical form for corruption
// detection and an HMAC-SHA256 tag for tamper detection. A truncated or
// corrupt final line is detected on open and truncated away (reported,
// never silently accepted); corruption anywhere earlier refuses the open
// and is left for operator action via Verify.
//
// Every Append is fsynced before it returns. AppendBatch fsyncs once per
// batch: callers trade per-event durability for throughput, and a crash
// may lose the unsynced tail of the batch.
package eventlog

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/gowebpki/jcs"

	"sessiond/internal/event"
	"sessiond/internal/faults"
)

var (
	// ErrClosed is returned by operations on a closed log.
	ErrClosed = errors.New("eventlog: log is closed")
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// line is the on-disk record. The CRC and HMAC cover the canonical JSON
// form of the record with both fields removed.
type line struct {
	Seq       uint64          `json:"seq"`
	SessionID string          `json:"session_id"`
	TS        int64           `json:"ts"`
	Category  event.Category  `json:"category"`
	Payload   json.RawMessage `json:"payload"`
	Checksum  uint32          `json:"checksum"`
	HMAC      string          `json:"hmac,omitempty"`
	CRC       uint32          `json:"crc"`
}

// canonicalCore returns the RFC 8785 canonical bytes of the record with
// HMAC and CRC zeroed out.
func (l line) canonicalCore() ([]byte, error) {
	core := l
	core.HMAC = ""
	core.CRC = 0
	raw, err := json.Marshal(core)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

func computeHMAC(key, core []byte) string {
	if len(key) == 0 {
		return ""
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(core)
	return hex.EncodeToString(mac.Sum(nil))
}

// RecoveryReport describes what open-time recovery found and did.
type RecoveryReport struct {
	LastSeq        uint64
	LineCount      uint64
	TruncatedBytes int64
	TruncatedLine  string // first 120 bytes of the dropped tail line, for the audit log
}

// Truncated reports whether recovery dropped a corrupt tail.
func (r *RecoveryReport) Truncated() bool { return r.TruncatedBytes > 0 }

// CorruptionPoint locates one integrity failure found by Verify.
type CorruptionPoint struct {
	Line   uint64 `json:"line"`
	Seq    uint64 `json:"seq"`
	Detail string `json:"detail"`
}

// Log is the append-only event store for a single session. Safe for
// concurrent use; appends serialize on an internal mutex.
type Log struct {
	mu sync.Mutex

	path      string
	sessionID string
	hmacKey   []byte
	file      *os.File
	logger    *slog.Logger

	lastSeq  uint64
	size     int64
	tailOff  int64 // offset of the last committed line
	tailLen  int64
	closed   bool
}

// Open opens or creates the log at path. On an existing file the tail is
// verified: a truncated or corrupt final line is cut back to the last
// valid record and reported in the RecoveryReport. Corruption before the
// tail fails the open with a CorruptionError.
func Open(path, sessionID string, hmacKey []byte, logger *slog.Logger) (*Log, *RecoveryReport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, nil, &faults.IOError{Op: "mkdir", Path: filepath.Dir(path), Err: err}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, nil, &faults.IOError{Op: "open", Path: path, Err: err}
	}

	l := &Log{
		path:      path,
		sessionID: sessionID,
		hmacKey:   hmacKey,
		file:      f,
		logger:    logger.With("component", "eventlog", "session", sessionID),
	}

	report, err := l.recover()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if report.Truncated() {
		l.logger.Warn("recovered corrupt tail",
			"dropped_bytes", report.TruncatedBytes,
			"last_seq", report.LastSeq)
	}
	return l, report, nil
}

// recover scans the file, validates every line, and truncates a corrupt
// or incomplete tail.
func (l *Log) recover() (*RecoveryReport, error) {
	report := &RecoveryReport{}

	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return nil, &faults.IOError{Op: "seek", Path: l.path, Err: err}
	}

	scanner := bufio.NewScanner(l.file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var (
		offset    int64
		lineNo    uint64
		validEnd  int64
		corruptAt int64 = -1
	)
	for scanner.Scan() {
		raw := scanner.Bytes()
		lineLen := int64(len(raw)) + 1 // newline
		lineNo++

		rec, err := decodeLine(raw)
		if err == nil {
			err = verifyLine(rec)
		}
		if err == nil && rec.Seq != l.lastSeq+1 {
			err = fmt.Errorf("sequence gap: expected %d, got %d", l.lastSeq+1, rec.Seq)
		}
		if err != nil {
			corruptAt = offset
			report.TruncatedLine = clip(string(raw), 120)
			break
		}

		l.lastSeq = rec.Seq
		l.tailOff = offset
		l.tailLen = lineLen
		validEnd = offset + lineLen
		report.LineCount++
		offset += lineLen
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, bufio.ErrTooLong) {
		return nil, &faults.IOError{Op: "scan", Path: l.path, Err: err}
	}

	stat, err := l.file.Stat()
	if err != nil {
		return nil, &faults.IOError{Op: "stat", Path: l.path, Err: err}
	}

	if corruptAt >= 0 {
		// Only a corrupt *tail* is recoverable. Anything after the bad
		// line means corruption mid-file: refuse and leave it to Verify.
		rest := stat.Size() - corruptAt
		if hasCompleteLineAfter(l.file, corruptAt) {
			return nil, &faults.CorruptionError{
				SessionID: l.sessionID,
				Seq:       l.lastSeq + 1,
				Detail:    fmt.Sprintf("corrupt record mid-file at line %d (offset %d)", lineNo, corruptAt),
			}
		}
		if err := l.file.Truncate(validEnd); err != nil {
			return nil, &faults.IOError{Op: "truncate", Path: l.path, Err: err}
		}
		if err := l.file.Sync(); err != nil {
			return nil, &faults.IOError{Op: "sync", Path: l.path, Err: err}
		}
		report.TruncatedBytes = rest
	} else if validEnd < stat.Size() {
		// Trailing partial line with no newline.
		report.TruncatedBytes = stat.Size() - validEnd
		if err := l.file.Truncate(validEnd); err != nil {
			return nil, &faults.IOError{Op: "truncate", Path: l.path, Err: err}
		}
		if err := l.file.Sync(); err != nil {
			return nil, &faults.IOError{Op: "sync", Path: l.path, Err: err}
		}
	}

	l.size = validEnd
	if _, err := l.file.Seek(validEnd, io.SeekStart); err != nil {
		return nil, &faults.IOError{Op: "seek", Path: l.path, Err: err}
	}
	report.LastSeq = l.lastSeq
	return report, nil
}

// hasCompleteLineAfter reports whether another newline-terminated line
// follows the line starting at offset. Used to distinguish a corrupt
// tail (recoverable) from mid-file corruption (not).
func hasCompleteLineAfter(f *os.File, offset int64) bool {
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return false
	}
	r := bufio.NewReader(f)
	if _, err := r.ReadBytes('\n'); err != nil {
		return false
	}
	_, err := r.ReadBytes('\n')
	return err == nil
}

const maxLineBytes = 4 * 1024 * 1024

// Append durably appends one event. The sequence number is assigned
// here; e.Seq is ignored. Before writing, the committed tail line is
// re-verified: a CRC mismatch fails the append with a CorruptionError
// and nothing is written.
func (l *Log) Append(e event.Event) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	seqs, err := l.appendLocked([]event.Event{e})
	if err != nil {
		return 0, err
	}
	return seqs[0], nil
}

// AppendBatch appends events with a single fsync at the end. On error
// nothing from the batch is observable.
func (l *Log) AppendBatch(events []event.Event) ([]uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(events)
}

func (l *Log) appendLocked(events []event.Event) ([]uint64, error) {
	if l.closed {
		return nil, ErrClosed
	}
	if len(events) == 0 {
		return nil, nil
	}
	if err := l.checkTailLocked(); err != nil {
		return nil, err
	}

	var (
		buf   bytes.Buffer
		seqs  = make([]uint64, 0, len(events))
		seq   = l.lastSeq
		offs  = make([]int64, 0, len(events))
		sizes = make([]int64, 0, len(events))
		off   = l.size
	)
	for _, e := range events {
		seq++
		rec := line{
			Seq:       seq,
			SessionID: l.sessionID,
			TS:        e.Timestamp.UnixNano(),
			Category:  e.Category,
			Payload:   e.Payload,
			Checksum:  e.Checksum,
		}
		core, err := rec.canonicalCore()
		if err != nil {
			return nil, fmt.Errorf("eventlog: encode seq %d: %w", seq, err)
		}
		rec.HMAC = computeHMAC(l.hmacKey, core)
		rec.CRC = crc32.Checksum(core, castagnoli)

		raw, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("eventlog: marshal seq %d: %w", seq, err)
		}
		offs = append(offs, off)
		sizes = append(sizes, int64(len(raw))+1)
		off += int64(len(raw)) + 1
		buf.Write(raw)
		buf.WriteByte('\n')
		seqs = append(seqs, seq)
	}

	if _, err := l.file.Write(buf.Bytes()); err != nil {
		// Roll back any partial write so no torn record is observable.
		l.file.Truncate(l.size)
		l.file.Seek(l.size, io.SeekStart)
		return nil, &faults.IOError{Op: "append", Path: l.path, Err: err}
	}
	if err := l.file.Sync(); err != nil {
		l.file.Truncate(l.size)
		l.file.Seek(l.size, io.SeekStart)
		return nil, &faults.IOError{Op: "fsync", Path: l.path, Err: err}
	}

	last := len(seqs) - 1
	l.lastSeq = seqs[last]
	l.tailOff = offs[last]
	l.tailLen = sizes[last]
	l.size = off
	return seqs, nil
}

// checkTailLocked re-reads the last committed line and verifies its CRC.
// Cheap tail-integrity check, not a full-store scan.
func (l *Log) checkTailLocked() error {
	if l.tailLen == 0 {
		return nil
	}
	raw := make([]byte, l.tailLen)
	if _, err := l.file.ReadAt(raw, l.tailOff); err != nil {
		return &faults.IOError{Op: "read tail", Path: l.path, Err: err}
	}
	rec, err := decodeLine(bytes.TrimRight(raw, "\n"))
	if err != nil {
		return &faults.CorruptionError{
			SessionID: l.sessionID,
			Seq:       l.lastSeq,
			Detail:    fmt.Sprintf("tail record unreadable: %v", err),
		}
	}
	if err := verifyLine(rec); err != nil {
		return &faults.CorruptionError{
			SessionID: l.sessionID,
			Seq:       rec.Seq,
			Detail:    fmt.Sprintf("tail record failed integrity check: %v", err),
		}
	}
	return nil
}

// LastSeq returns the sequence number of the last committed event, zero
// if the log is empty.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// Size returns the log file size in bytes.
func (l *Log) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Path returns the log file path.
func (l *Log) Path() string { return l.path }

// SessionID returns the owning session.
func (l *Log) SessionID() string { return l.sessionID }

// Close closes the underlying file. Further appends fail with ErrClosed.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}

// Exists reports whether a log file exists at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// decodeLine parses one raw line into its record form.
func decodeLine(raw []byte) (*line, error) {
	var rec line
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("unparseable record: %w", err)
	}
	if rec.Seq == 0 {
		return nil, errors.New("record has no sequence number")
	}
	return &rec, nil
}

// verifyLine checks the CRC of a decoded record.
func verifyLine(rec *line) error {
	core, err := rec.canonicalCore()
	if err != nil {
		return fmt.Errorf("canonicalize: %w", err)
	}
	if crc32.Checksum(core, castagnoli) != rec.CRC {
		return errors.New("crc mismatch")
	}
	return nil
}

// toEvent converts a verified record back to the domain event.
func (rec *line) toEvent() event.Event {
	return event.Event{
		Seq:       rec.Seq,
		SessionID: rec.SessionID,
		Timestamp: timeFromNanos(rec.TS),
		Category:  rec.Category,
		Payload:   rec.Payload,
		Checksum:  rec.Checksum,
	}
}
