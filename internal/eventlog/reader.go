package eventlog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"sessiond/internal/event"
	"sessiond/internal/faults"
)

func timeFromNanos(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

// Iterator is a restartable cursor over a contiguous range of events. It
// reads from its own file handle, so it never interferes with appends,
// and Reset rewinds it to the start of the range.
type Iterator struct {
	path      string
	sessionID string
	from, to  uint64 // inclusive bounds; to == 0 means unbounded

	sc      *bufio.Scanner
	file    *os.File
	nextSeq uint64 // contiguity watermark within the range
	done    bool
}

// ReadRange returns an iterator over events with from <= seq <= to.
// A to of zero means "through the end of the log". The iterator sees the
// log as of the moment each Next call reads, which is safe because
// committed lines are immutable.
func (l *Log) ReadRange(from, to uint64) *Iterator {
	if from == 0 {
		from = 1
	}
	return &Iterator{
		path:      l.path,
		sessionID: l.sessionID,
		from:      from,
		to:        to,
	}
}

// ReadAfter returns all events with seq > afterSeq as a slice.
func (l *Log) ReadAfter(afterSeq uint64) ([]event.Event, error) {
	it := l.ReadRange(afterSeq+1, 0)
	defer it.Close()
	var out []event.Event
	for {
		e, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		out = append(out, e)
	}
	return out, nil
}

// ReadAll returns every committed event.
func (l *Log) ReadAll() ([]event.Event, error) {
	return l.ReadAfter(0)
}

func (it *Iterator) open() error {
	file, err := os.Open(it.path)
	if err != nil {
		return &faults.IOError{Op: "open", Path: it.path, Err: err}
	}
	it.file = file
	sc := bufio.NewScanner(file)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	it.sc = sc
	it.nextSeq = 0
	it.done = false
	return nil
}

// Next returns the next event in the range. The second return value is
// false once the range is exhausted. A sequence gap inside the requested
// range is a ConsistencyError; it is never skipped over.
func (it *Iterator) Next() (event.Event, bool, error) {
	if it.done {
		return event.Event{}, false, nil
	}
	if it.sc == nil {
		if err := it.open(); err != nil {
			return event.Event{}, false, err
		}
	}
	for it.sc.Scan() {
		raw := it.sc.Bytes()
		rec, err := decodeLine(raw)
		if err != nil {
			return event.Event{}, false, &faults.CorruptionError{
				SessionID: it.sessionID,
				Detail:    fmt.Sprintf("unreadable record during range read: %v", err),
			}
		}
		if err := verifyLine(rec); err != nil {
			return event.Event{}, false, &faults.CorruptionError{
				SessionID: it.sessionID,
				Seq:       rec.Seq,
				Detail:    fmt.Sprintf("record failed integrity check: %v", err),
			}
		}
		if it.nextSeq != 0 && rec.Seq != it.nextSeq {
			return event.Event{}, false, &faults.ConsistencyError{
				SessionID: it.sessionID,
				Expected:  it.nextSeq,
				Got:       rec.Seq,
				Detail:    "sequence gap during range read",
			}
		}
		it.nextSeq = rec.Seq + 1

		if rec.Seq < it.from {
			continue
		}
		if it.to != 0 && rec.Seq > it.to {
			it.done = true
			return event.Event{}, false, nil
		}
		return rec.toEvent(), true, nil
	}
	if err := it.sc.Err(); err != nil {
		return event.Event{}, false, &faults.IOError{Op: "scan", Path: it.path, Err: err}
	}
	it.done = true
	if it.to != 0 && it.nextSeq <= it.to {
		var got uint64
		if it.nextSeq > 0 {
			got = it.nextSeq - 1
		}
		// Caller asked for events the store cannot supply.
		return event.Event{}, false, &faults.ConsistencyError{
			SessionID: it.sessionID,
			Expected:  it.to,
			Got:       got,
			Detail:    "range extends past end of log",
		}
	}
	return event.Event{}, false, nil
}

// Reset rewinds the iterator so the range can be re-iterated.
func (it *Iterator) Reset() error {
	if it.file != nil {
		it.file.Close()
		it.file = nil
	}
	it.sc = nil
	it.done = false
	it.nextSeq = 0
	return nil
}

// Close releases the iterator's file handle.
func (it *Iterator) Close() error {
	if it.file != nil {
		err := it.file.Close()
		it.file = nil
		return err
	}
	return nil
}

// Verify scans the whole log and returns every integrity failure found:
// CRC mismatches, HMAC mismatches, payload checksum mismatches and
// sequence gaps. It never repairs anything.
func (l *Log) Verify() ([]CorruptionPoint, error) {
	l.mu.Lock()
	path, key := l.path, l.hmacKey
	l.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return nil, &faults.IOError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var (
		points  []CorruptionPoint
		lineNo  uint64
		wantSeq uint64 = 1
	)
	for sc.Scan() {
		lineNo++
		raw := sc.Bytes()

		rec, err := decodeLine(raw)
		if err != nil {
			points = append(points, CorruptionPoint{Line: lineNo, Detail: err.Error()})
			continue
		}
		if err := verifyLine(rec); err != nil {
			points = append(points, CorruptionPoint{Line: lineNo, Seq: rec.Seq, Detail: err.Error()})
			wantSeq = rec.Seq + 1
			continue
		}
		if len(key) > 0 {
			core, _ := rec.canonicalCore()
			if rec.HMAC != computeHMAC(key, core) {
				points = append(points, CorruptionPoint{Line: lineNo, Seq: rec.Seq, Detail: "hmac mismatch (possible tamper)"})
			}
		}
		ev := rec.toEvent()
		if err := ev.VerifyChecksum(); err != nil {
			points = append(points, CorruptionPoint{Line: lineNo, Seq: rec.Seq, Detail: "payload checksum mismatch"})
		}
		if rec.Seq != wantSeq {
			points = append(points, CorruptionPoint{
				Line: lineNo, Seq: rec.Seq,
				Detail: fmt.Sprintf("sequence gap: expected %d", wantSeq),
			})
		}
		wantSeq = rec.Seq + 1
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, &faults.IOError{Op: "scan", Path: path, Err: err}
	}
	return points, nil
}
