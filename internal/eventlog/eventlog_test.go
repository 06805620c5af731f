// Package eventlog tests for the append-only event store.
package eventlog

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessiond/internal/event"
	"sessiond/internal/faults"
)

// Test helpers

const testSession = "11111111-2222-3333-4444-555555555555"

func newTestKey() []byte {
	key := make([]byte, 32)
	rand.Read(key)
	return key
}

func openTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.log")
	l, report, err := Open(path, testSession, newTestKey(), nil)
	require.NoError(t, err)
	require.Equal(t, uint64(0), report.LastSeq)
	t.Cleanup(func() { l.Close() })
	return l, path
}

func testEvent(t *testing.T, text string) event.Event {
	t.Helper()
	payload, err := json.Marshal(map[string]string{"text": text})
	require.NoError(t, err)
	e, err := event.New(testSession, event.Finding, payload)
	require.NoError(t, err)
	return e
}

func appendN(t *testing.T, l *Log, n int) []uint64 {
	t.Helper()
	seqs := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		seq, err := l.Append(testEvent(t, fmt.Sprintf("finding number %d", i)))
		require.NoError(t, err)
		seqs = append(seqs, seq)
	}
	return seqs
}

// =============================================================================
// Append and Read Tests
// =============================================================================

func TestAppend_AssignsContiguousSequences(t *testing.T) {
	l, _ := openTestLog(t)

	seqs := appendN(t, l, 5)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, seqs)
	assert.Equal(t, uint64(5), l.LastSeq())
}

func TestAppend_RoundTrip(t *testing.T) {
	l, _ := openTestLog(t)

	in := testEvent(t, "the cache invalidation decision")
	seq, err := l.Append(in)
	require.NoError(t, err)

	events, err := l.ReadAll()
	require.NoError(t, err)
	require.Len(t, events, 1)

	got := events[0]
	assert.Equal(t, seq, got.Seq)
	assert.Equal(t, testSession, got.SessionID)
	assert.Equal(t, event.Finding, got.Category)
	assert.JSONEq(t, string(in.Payload), string(got.Payload))
	assert.Equal(t, in.Checksum, got.Checksum)
	assert.NoError(t, got.VerifyChecksum())
}

func TestAppendBatch_SingleBatch(t *testing.T) {
	l, _ := openTestLog(t)

	batch := []event.Event{
		testEvent(t, "first"),
		testEvent(t, "second"),
		testEvent(t, "third"),
	}
	seqs, err := l.AppendBatch(batch)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, seqs)

	events, err := l.ReadAll()
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestAppendBatch_Empty(t *testing.T) {
	l, _ := openTestLog(t)

	seqs, err := l.AppendBatch(nil)
	require.NoError(t, err)
	assert.Nil(t, seqs)
	assert.Equal(t, uint64(0), l.LastSeq())
}

func TestAppend_AfterClose(t *testing.T) {
	l, _ := openTestLog(t)
	require.NoError(t, l.Close())

	_, err := l.Append(testEvent(t, "too late"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReadRange_Bounds(t *testing.T) {
	l, _ := openTestLog(t)
	appendN(t, l, 10)

	events, err := l.ReadAfter(7)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(8), events[0].Seq)
	assert.Equal(t, uint64(10), events[2].Seq)

	it := l.ReadRange(3, 5)
	defer it.Close()
	var got []uint64
	for {
		e, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, e.Seq)
	}
	assert.Equal(t, []uint64{3, 4, 5}, got)
}

func TestReadRange_PastEndIsConsistencyError(t *testing.T) {
	l, _ := openTestLog(t)
	appendN(t, l, 3)

	it := l.ReadRange(1, 10)
	defer it.Close()
	var err error
	for {
		var ok bool
		_, ok, err = it.Next()
		if err != nil || !ok {
			break
		}
	}
	assert.True(t, faults.IsConsistency(err), "expected ConsistencyError, got %v", err)
}

func TestIterator_Reset(t *testing.T) {
	l, _ := openTestLog(t)
	appendN(t, l, 4)

	it := l.ReadRange(1, 0)
	defer it.Close()

	count := func() int {
		n := 0
		for {
			_, ok, err := it.Next()
			require.NoError(t, err)
			if !ok {
				return n
			}
			n++
		}
	}
	assert.Equal(t, 4, count())
	require.NoError(t, it.Reset())
	assert.Equal(t, 4, count())
}

// =============================================================================
// Reopen and Recovery Tests
// =============================================================================

func TestReopen_ContinuesSequence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.log")
	key := newTestKey()

	l, _, err := Open(path, testSession, key, nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := l.Append(testEvent(t, "before close"))
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	l2, report, err := Open(path, testSession, key, nil)
	require.NoError(t, err)
	defer l2.Close()
	assert.Equal(t, uint64(3), report.LastSeq)
	assert.False(t, report.Truncated())

	seq, err := l2.Append(testEvent(t, "after reopen"))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)
}

func TestRecovery_PartialTailLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.log")
	key := newTestKey()

	l, _, err := Open(path, testSession, key, nil)
	require.NoError(t, err)
	appendN(t, l, 3)
	require.NoError(t, l.Close())

	// Simulate a torn write: half a record, no trailing newline.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":4,"session_id":"` + testSession + `","ts":17`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l2, report, err := Open(path, testSession, key, nil)
	require.NoError(t, err)
	defer l2.Close()

	assert.True(t, report.Truncated())
	assert.Equal(t, uint64(3), report.LastSeq)

	// The log accepts new appends at the recovered sequence.
	seq, err := l2.Append(testEvent(t, "after recovery"))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)

	events, err := l2.ReadAll()
	require.NoError(t, err)
	assert.Len(t, events, 4)
}

func TestRecovery_CorruptTailLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.log")
	key := newTestKey()

	l, _, err := Open(path, testSession, key, nil)
	require.NoError(t, err)
	appendN(t, l, 3)
	size := l.Size()
	require.NoError(t, l.Close())

	// Flip bytes inside the final committed line.
	corruptAt(t, path, size-10)

	l2, report, err := Open(path, testSession, key, nil)
	require.NoError(t, err)
	defer l2.Close()

	assert.True(t, report.Truncated())
	assert.Equal(t, uint64(2), report.LastSeq)

	events, err := l2.ReadAll()
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestRecovery_MidFileCorruptionRefusesOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.log")
	key := newTestKey()

	l, _, err := Open(path, testSession, key, nil)
	require.NoError(t, err)
	appendN(t, l, 5)
	require.NoError(t, l.Close())

	// Corrupt the first record: complete lines follow, so this is not a
	// recoverable tail.
	corruptAt(t, path, 10)

	_, _, err = Open(path, testSession, key, nil)
	require.Error(t, err)
	assert.True(t, faults.IsCorruption(err), "expected CorruptionError, got %v", err)
}

// corruptAt flips a byte at offset, avoiding newlines so line framing
// stays intact.
func corruptAt(t *testing.T, path string, offset int64) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	require.NoError(t, err)
	defer f.Close()

	b := make([]byte, 1)
	_, err = f.ReadAt(b, offset)
	require.NoError(t, err)
	if b[0] == '\n' {
		offset--
		_, err = f.ReadAt(b, offset)
		require.NoError(t, err)
	}
	b[0] ^= 0xFF
	_, err = f.WriteAt(b, offset)
	require.NoError(t, err)
}

// =============================================================================
// Tail Integrity Check Tests
// =============================================================================

func TestAppend_FailsWhenTailCorrupted(t *testing.T) {
	l, path := openTestLog(t)
	appendN(t, l, 2)

	// Corrupt the committed tail out-of-band while the log stays open.
	corruptAt(t, path, l.Size()-10)

	_, err := l.Append(testEvent(t, "must not land"))
	require.Error(t, err)
	assert.True(t, faults.IsCorruption(err), "expected CorruptionError, got %v", err)
}

// =============================================================================
// Verify Tests
// =============================================================================

func TestVerify_CleanLog(t *testing.T) {
	l, _ := openTestLog(t)
	appendN(t, l, 5)

	points, err := l.Verify()
	require.NoError(t, err)
	assert.Empty(t, points)
}

func TestVerify_ReportsCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.log")
	key := newTestKey()

	l, _, err := Open(path, testSession, key, nil)
	require.NoError(t, err)
	appendN(t, l, 4)

	corruptAt(t, path, 15)

	points, err := l.Verify()
	require.NoError(t, err)
	require.NotEmpty(t, points)
	assert.Equal(t, uint64(1), points[0].Line)
}

func TestVerify_DetectsTamperViaHMAC(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.log")
	key := newTestKey()

	l, _, err := Open(path, testSession, key, nil)
	require.NoError(t, err)
	payload, _ := json.Marshal(map[string]string{"text": "original"})
	e, err := event.New(testSession, event.Finding, payload)
	require.NoError(t, err)
	_, err = l.Append(e)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// Rewrite the record with a consistent CRC but a stale HMAC: an
	// attacker without the key can fix the CRC, not the tag.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var rec line
	require.NoError(t, json.Unmarshal(raw[:len(raw)-1], &rec))
	rec.Payload, _ = json.Marshal(map[string]string{"text": "tampered"})
	sum, err := event.PayloadChecksum(rec.Payload)
	require.NoError(t, err)
	rec.Checksum = sum
	core, err := rec.canonicalCore()
	require.NoError(t, err)
	rec.CRC = crc32.Checksum(core, castagnoli)
	forged, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, append(forged, '\n'), 0o600))

	l2, _, err := Open(path, testSession, key, nil)
	require.NoError(t, err)
	defer l2.Close()

	points, err := l2.Verify()
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Contains(t, points[0].Detail, "hmac")
}
