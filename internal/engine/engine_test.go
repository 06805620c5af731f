// Package engine end-to-end tests: the full record -> index -> checkpoint
// -> resume -> sync pipeline against real files and a real SQLite index.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessiond/internal/checkpoint"
	"sessiond/internal/config"
	"sessiond/internal/event"
	"sessiond/internal/faults"
	"sessiond/internal/query"
	"sessiond/internal/syncer"
)

// Test helpers

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Checkpoint.Interval.Duration = time.Hour // timers exercised explicitly
	cfg.Checkpoint.RecentEvents = 5
	cfg.Query.EmbeddingDim = 2
	return cfg
}

func openTestEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	e, err := Open(cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func record(t *testing.T, e *Engine, sessionID string, cat event.Category, payload string) uint64 {
	t.Helper()
	seq, err := e.Record(sessionID, cat, json.RawMessage(payload))
	require.NoError(t, err)
	return seq
}

// =============================================================================
// Session Lifecycle Tests
// =============================================================================

func TestEngine_CreateAndRecord(t *testing.T) {
	e := openTestEngine(t, testConfig(t))

	id, err := e.CreateSession("triage")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	seq1 := record(t, e, id, event.Question, `{"text":"which wire format"}`)
	seq2 := record(t, e, id, event.Decision, `{"subject":"wire format","choice":"jsonl","resolves":1}`)
	assert.Equal(t, uint64(1), seq1)
	assert.Equal(t, uint64(2), seq2)

	sess, err := e.Session(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), sess.LastEventSeq)
	assert.Equal(t, uint64(2), sess.LastIndexedSeq)
	assert.False(t, sess.Degraded)
}

func TestEngine_RecordRejectsInvalidPayload(t *testing.T) {
	e := openTestEngine(t, testConfig(t))
	id, err := e.CreateSession("generic")
	require.NoError(t, err)

	_, err = e.Record(id, event.Finding, json.RawMessage(`{"source":"no text field"}`))
	require.Error(t, err)

	// Nothing landed: the log is still empty.
	sess, err := e.Session(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), sess.LastEventSeq)
}

func TestEngine_RecordBatchIsAllOrNothingOnValidation(t *testing.T) {
	e := openTestEngine(t, testConfig(t))
	id, err := e.CreateSession("generic")
	require.NoError(t, err)

	_, err = e.RecordBatch(id, []Input{
		{Category: event.Finding, Payload: json.RawMessage(`{"text":"fine"}`)},
		{Category: event.Finding, Payload: json.RawMessage(`{"nope":1}`)},
	})
	require.Error(t, err)

	sess, err := e.Session(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), sess.LastEventSeq)
}

func TestEngine_UnknownWorkflowFallsBackToGeneric(t *testing.T) {
	e := openTestEngine(t, testConfig(t))
	id, err := e.CreateSession("never-registered")
	require.NoError(t, err)

	record(t, e, id, event.Finding, `{"text":"still works"}`)

	ctx, err := e.Resume(id)
	require.NoError(t, err)
	assert.Contains(t, ctx.Summary, "no workflow-specific state")
}

func TestEngine_CloseSessionRefusesFurtherWrites(t *testing.T) {
	e := openTestEngine(t, testConfig(t))
	id, err := e.CreateSession("generic")
	require.NoError(t, err)
	record(t, e, id, event.Finding, `{"text":"last words"}`)

	require.NoError(t, e.CloseSession(id))

	_, err = e.Record(id, event.Finding, json.RawMessage(`{"text":"too late"}`))
	assert.Error(t, err)
}

// =============================================================================
// Checkpoint and Resume Tests
// =============================================================================

func TestEngine_CheckpointThenResumeAcrossRestart(t *testing.T) {
	cfg := testConfig(t)
	e := openTestEngine(t, cfg)

	id, err := e.CreateSession("triage")
	require.NoError(t, err)
	record(t, e, id, event.Question, `{"text":"open one"}`)
	record(t, e, id, event.Question, `{"text":"open two"}`)
	record(t, e, id, event.Decision, `{"subject":"one","choice":"done","resolves":1}`)

	cpID, err := e.Checkpoint(id, checkpoint.TriggerManual)
	require.NoError(t, err)
	require.NotEmpty(t, cpID)

	// Events after the checkpoint must replay on resume.
	record(t, e, id, event.Question, `{"text":"open three"}`)
	require.NoError(t, e.Close())

	e2 := openTestEngine(t, cfg)
	ctx, err := e2.Resume(id)
	require.NoError(t, err)
	assert.Equal(t, id, ctx.SessionID)
	assert.Equal(t, "triage", ctx.WorkflowType)
	assert.Equal(t, []string{"open two", "open three"}, ctx.Open)
	assert.InDelta(t, 1.0/3.0, ctx.Progress, 1e-9)
	assert.NotEmpty(t, ctx.Recent)
}

func TestEngine_ManualCheckpointWritesMarker(t *testing.T) {
	e := openTestEngine(t, testConfig(t))
	id, err := e.CreateSession("generic")
	require.NoError(t, err)
	record(t, e, id, event.Finding, `{"text":"before marker"}`)

	cpID, err := e.Checkpoint(id, checkpoint.TriggerManual)
	require.NoError(t, err)

	// The audit marker landed in the log after the snapshotted range.
	sess, err := e.Session(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), sess.LastEventSeq)

	cps, err := e.Checkpoints(id)
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, cpID, cps[0].ID)
	assert.Equal(t, uint64(1), cps[0].Seq)
	assert.Equal(t, checkpoint.TriggerManual, cps[0].Trigger)
}

func TestEngine_TimerCheckpointSkipsMarker(t *testing.T) {
	e := openTestEngine(t, testConfig(t))
	id, err := e.CreateSession("generic")
	require.NoError(t, err)
	record(t, e, id, event.Finding, `{"text":"quiet"}`)

	_, err = e.Checkpoint(id, checkpoint.TriggerTimer)
	require.NoError(t, err)

	sess, err := e.Session(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), sess.LastEventSeq, "timer checkpoints must not grow the log")
}

func TestEngine_CheckpointOfEmptySessionIsNoop(t *testing.T) {
	e := openTestEngine(t, testConfig(t))
	id, err := e.CreateSession("generic")
	require.NoError(t, err)

	cpID, err := e.Checkpoint(id, checkpoint.TriggerManual)
	require.NoError(t, err)
	assert.Empty(t, cpID)
}

func TestEngine_TimerCheckpointFires(t *testing.T) {
	cfg := testConfig(t)
	cfg.Checkpoint.Interval.Duration = 20 * time.Millisecond
	e := openTestEngine(t, cfg)

	id, err := e.CreateSession("generic")
	require.NoError(t, err)
	record(t, e, id, event.Finding, `{"text":"tick"}`)

	assert.Eventually(t, func() bool {
		cps, err := e.Checkpoints(id)
		return err == nil && len(cps) > 0
	}, 2*time.Second, 10*time.Millisecond)

	cps, err := e.Checkpoints(id)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.TriggerTimer, cps[0].Trigger)
}

// =============================================================================
// Crash Recovery Tests
// =============================================================================

func TestEngine_RecoversFromTornTailAcrossRestart(t *testing.T) {
	cfg := testConfig(t)
	e := openTestEngine(t, cfg)

	id, err := e.CreateSession("generic")
	require.NoError(t, err)
	record(t, e, id, event.Finding, `{"text":"survives"}`)
	record(t, e, id, event.Finding, `{"text":"also survives"}`)
	require.NoError(t, e.Close())

	// Simulate a torn write at crash time.
	logPath := filepath.Join(cfg.Storage.DataDir, "logs", id+".log")
	f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":3,"session_id":"` + id + `","ts":17`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	e2 := openTestEngine(t, cfg)
	ctx, err := e2.Resume(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ctx.LastSeq)

	// The index was resynchronized to the recovered tail.
	sess, err := e2.Session(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), sess.LastEventSeq)
	assert.Equal(t, uint64(2), sess.LastIndexedSeq)

	// New appends continue at the recovered sequence.
	seq := record(t, e2, id, event.Finding, `{"text":"after recovery"}`)
	assert.Equal(t, uint64(3), seq)
}

func TestEngine_OwnAppendsDoNotTripWatcher(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.WatchExternal = true
	e := openTestEngine(t, cfg)

	id, err := e.CreateSession("generic")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		record(t, e, id, event.Finding, fmt.Sprintf(`{"text":"own write %d"}`, i))
	}

	// Let the watcher drain its event queue before asserting silence.
	time.Sleep(300 * time.Millisecond)
	e.mu.Lock()
	s := e.sessions[id]
	e.mu.Unlock()
	require.NotNil(t, s)
	s.mu.Lock()
	flagged := s.flagged
	s.mu.Unlock()
	assert.False(t, flagged, "an engine append must not flag its own session")
}

func TestEngine_VerifyCleanSession(t *testing.T) {
	e := openTestEngine(t, testConfig(t))
	id, err := e.CreateSession("generic")
	require.NoError(t, err)
	record(t, e, id, event.Finding, `{"text":"intact"}`)

	points, err := e.Verify(id)
	require.NoError(t, err)
	assert.Empty(t, points)
}

// =============================================================================
// Query Integration Tests
// =============================================================================

func TestEngine_SearchAndEmbeddings(t *testing.T) {
	e := openTestEngine(t, testConfig(t))
	id, err := e.CreateSession("generic")
	require.NoError(t, err)

	seq := record(t, e, id, event.Finding, `{"text":"connection pooling regression"}`)
	record(t, e, id, event.Finding, `{"text":"unrelated"}`)
	require.NoError(t, e.AttachEmbedding(id, seq, []float32{1, 0}))

	results, err := e.Search(context.Background(), query.Request{
		SessionID: id,
		Mode:      query.ModeKeyword,
		Text:      "pooling",
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, seq, results[0].Seq)

	results, err = e.Search(context.Background(), query.Request{
		SessionID: id,
		Mode:      query.ModeSemantic,
		Embedding: []float32{1, 0},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, seq, results[0].Seq)
}

func TestEngine_DegradedSearchRebuildsFirst(t *testing.T) {
	e := openTestEngine(t, testConfig(t))
	id, err := e.CreateSession("generic")
	require.NoError(t, err)
	record(t, e, id, event.Finding, `{"text":"projection row"}`)
	record(t, e, id, event.Finding, `{"text":"another row"}`)

	// Simulate an exhausted index apply: the projection is suspect.
	require.NoError(t, e.idx.SetDegraded(id, true))

	// The read path repairs the projection before answering.
	results, err := e.Search(context.Background(), query.Request{
		SessionID: id, Mode: query.ModeKeyword, Text: "projection",
	})
	require.NoError(t, err)
	assert.Len(t, results, 1)

	sess, err := e.Session(id)
	require.NoError(t, err)
	assert.False(t, sess.Degraded)
	assert.Equal(t, uint64(2), sess.LastIndexedSeq)
}

// =============================================================================
// Sync Integration Tests (httptest backend)
// =============================================================================

// syncBackend is a minimal in-memory remote with the push/pull HTTP
// contract.
type syncBackend struct {
	mu      sync.Mutex
	rev     int64
	payload json.RawMessage
	pushes  int
}

func (b *syncBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions/{id}/push", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var p struct {
			Revision int64 `json:"revision"`
		}
		if err := json.Unmarshal(body, &p); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if p.Revision <= b.rev {
			http.Error(w, "remote ahead", http.StatusConflict)
			return
		}
		b.rev = p.Revision
		b.payload = json.RawMessage(body)
		b.pushes++
		json.NewEncoder(w).Encode(map[string]int64{"revision": b.rev})
	})
	mux.HandleFunc("GET /sessions/{id}/pull", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.payload == nil {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"revision": b.rev,
			"payload":  b.payload,
		})
	})
	return mux
}

func TestEngine_SyncPushPullResolve(t *testing.T) {
	backend := &syncBackend{}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	cfg := testConfig(t)
	cfg.Sync.Enabled = true
	cfg.Sync.BaseURL = srv.URL
	e := openTestEngine(t, cfg)

	id, err := e.CreateSession("generic")
	require.NoError(t, err)
	record(t, e, id, event.Finding, `{"text":"first local"}`)
	record(t, e, id, event.Finding, `{"text":"second local"}`)

	// Push: remote accepts revision 1.
	require.NoError(t, e.Push(context.Background(), id))
	rec, err := e.SyncRecord(id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.LocalRev)
	assert.Equal(t, 1, backend.pushes)

	// Another replica pushes revision 2 with a divergent event.
	divergent, err := event.New(id, event.Finding, json.RawMessage(`{"text":"theirs"}`))
	require.NoError(t, err)
	divergent.Seq = 3
	remotePayload, err := json.Marshal(syncer.Payload{
		SessionID: id,
		Revision:  2,
		LastSeq:   3,
		Events:    []event.Event{divergent},
	})
	require.NoError(t, err)
	backend.mu.Lock()
	backend.rev = 2
	backend.payload = remotePayload
	backend.mu.Unlock()

	// Local work lands, push is rejected, session conflicts.
	record(t, e, id, event.Finding, `{"text":"ours"}`)
	err = e.Push(context.Background(), id)
	require.Error(t, err)
	assert.True(t, faults.IsConflict(err))

	// Resolve merges local-first and converges the remote.
	require.NoError(t, e.Resolve(context.Background(), id))

	ctx, err := e.Resume(id)
	require.NoError(t, err)
	// 2 shared + "ours" + "theirs" + sync marker.
	assert.Equal(t, uint64(5), ctx.LastSeq)

	rec, err = e.SyncRecord(id)
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.LocalRev)
	assert.Equal(t, int64(3), rec.RemoteRev)

	// The merged remote event is queryable locally.
	results, err := e.Search(context.Background(), query.Request{
		SessionID: id, Mode: query.ModeKeyword, Text: "theirs",
	})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestEngine_SyncDisabled(t *testing.T) {
	e := openTestEngine(t, testConfig(t))
	id, err := e.CreateSession("generic")
	require.NoError(t, err)

	assert.ErrorIs(t, e.Push(context.Background(), id), ErrSyncDisabled)
	assert.ErrorIs(t, e.Pull(context.Background(), id), ErrSyncDisabled)
	assert.ErrorIs(t, e.Resolve(context.Background(), id), ErrSyncDisabled)
}

// =============================================================================
// HMAC Key Derivation Tests
// =============================================================================

func TestEngine_PerSessionKeysDiffer(t *testing.T) {
	cfg := testConfig(t)
	keyFile := filepath.Join(cfg.Storage.DataDir, "master.key")
	require.NoError(t, os.WriteFile(keyFile, make([]byte, 32), 0o600))
	cfg.Storage.MasterKeyFile = keyFile
	e := openTestEngine(t, cfg)

	k1 := e.sessionKey("session-a")
	k2 := e.sessionKey("session-b")
	require.Len(t, k1, 32)
	assert.NotEqual(t, k1, k2)
	assert.Equal(t, k1, e.sessionKey("session-a"), "derivation is deterministic")
}

func TestEngine_RecordsVerifyUnderHMAC(t *testing.T) {
	cfg := testConfig(t)
	keyFile := filepath.Join(cfg.Storage.DataDir, "master.key")
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(keyFile, key, 0o600))
	cfg.Storage.MasterKeyFile = keyFile
	e := openTestEngine(t, cfg)

	id, err := e.CreateSession("generic")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		record(t, e, id, event.Finding, fmt.Sprintf(`{"text":"sealed %d"}`, i))
	}

	points, err := e.Verify(id)
	require.NoError(t, err)
	assert.Empty(t, points)
}
