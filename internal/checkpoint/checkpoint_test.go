// Package checkpoint tests for the snapshot store and resume path.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessiond/internal/event"
	"sessiond/internal/eventlog"
	"sessiond/internal/plugin"
)

// Test helpers

const testSession = "99999999-8888-7777-6666-555555555555"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "checkpoints"))
}

func newTestLog(t *testing.T) *eventlog.Log {
	t.Helper()
	l, _, err := eventlog.Open(filepath.Join(t.TempDir(), "session.log"), testSession, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func appendFindings(t *testing.T, l *eventlog.Log, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		payload, _ := json.Marshal(map[string]string{"text": fmt.Sprintf("finding %d", i)})
		e, err := event.New(testSession, event.Finding, payload)
		require.NoError(t, err)
		_, err = l.Append(e)
		require.NoError(t, err)
	}
}

func buildAndCommit(t *testing.T, store *Store, l *eventlog.Log, v plugin.Variant, upTo uint64) *Checkpoint {
	t.Helper()
	cp, err := Build(l, v, testSession, v.Type(), nil, upTo, TriggerManual)
	require.NoError(t, err)
	require.NoError(t, store.Commit(cp))
	return cp
}

// =============================================================================
// Store Tests
// =============================================================================

func TestCommit_LoadRoundTrip(t *testing.T) {
	store := newTestStore(t)
	l := newTestLog(t)
	appendFindings(t, l, 3)

	cp := buildAndCommit(t, store, l, plugin.NewGeneric(), 3)

	got, err := store.Load(testSession, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, cp.Seq, got.Seq)
	assert.Equal(t, cp.StateHash, got.StateHash)
	assert.Equal(t, cp.StateSchema, got.StateSchema)
}

func TestLatest_FollowsPointer(t *testing.T) {
	store := newTestStore(t)
	l := newTestLog(t)
	appendFindings(t, l, 2)
	first := buildAndCommit(t, store, l, plugin.NewGeneric(), 2)

	appendFindings(t, l, 2)
	second := buildAndCommit(t, store, l, plugin.NewGeneric(), 4)

	latest, err := store.Latest(testSession)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, second.ID, latest.ID)
	assert.NotEqual(t, first.ID, latest.ID)
}

func TestLatest_NoCheckpoints(t *testing.T) {
	store := newTestStore(t)

	latest, err := store.Latest(testSession)
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestLatest_FallsBackWhenPointerDamaged(t *testing.T) {
	store := newTestStore(t)
	l := newTestLog(t)
	appendFindings(t, l, 3)
	cp := buildAndCommit(t, store, l, plugin.NewGeneric(), 3)

	// Point LATEST at a checkpoint that does not exist.
	require.NoError(t, os.WriteFile(
		store.latestPath(testSession), []byte("deadbeef\n"), 0o600))

	latest, err := store.Latest(testSession)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, cp.ID, latest.ID)
}

func TestLatest_IgnoresTornTempFile(t *testing.T) {
	store := newTestStore(t)
	l := newTestLog(t)
	appendFindings(t, l, 2)
	cp := buildAndCommit(t, store, l, plugin.NewGeneric(), 2)

	// A crash mid-write leaves a .tmp behind; it must never be chosen.
	torn := filepath.Join(store.sessionDir(testSession), "torn.json.tmp")
	require.NoError(t, os.WriteFile(torn, []byte(`{"seq": 999`), 0o600))

	latest, err := store.Latest(testSession)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, cp.ID, latest.ID)
}

func TestList_OrderedBySeq(t *testing.T) {
	store := newTestStore(t)
	l := newTestLog(t)

	appendFindings(t, l, 1)
	buildAndCommit(t, store, l, plugin.NewGeneric(), 1)
	appendFindings(t, l, 1)
	buildAndCommit(t, store, l, plugin.NewGeneric(), 2)
	appendFindings(t, l, 1)
	buildAndCommit(t, store, l, plugin.NewGeneric(), 3)

	cps, err := store.List(testSession)
	require.NoError(t, err)
	require.Len(t, cps, 3)
	for i, cp := range cps {
		assert.Equal(t, uint64(i+1), cp.Seq)
	}
}

// =============================================================================
// Build Tests
// =============================================================================

func TestBuild_IncrementalFromPrior(t *testing.T) {
	store := newTestStore(t)
	l := newTestLog(t)
	v := plugin.NewGeneric()

	appendFindings(t, l, 5)
	prior := buildAndCommit(t, store, l, v, 5)
	appendFindings(t, l, 5)

	incremental, err := Build(l, v, testSession, v.Type(), prior, 10, TriggerTimer)
	require.NoError(t, err)
	full, err := Build(l, v, testSession, v.Type(), nil, 10, TriggerTimer)
	require.NoError(t, err)

	// Fold determinism: checkpoint-plus-delta equals full fold.
	assert.Equal(t, full.StateHash, incremental.StateHash)
}

func TestBuild_DegradesOnPriorDrift(t *testing.T) {
	l := newTestLog(t)
	v := plugin.NewGeneric()
	appendFindings(t, l, 4)

	prior := &Checkpoint{
		ID:          "drifted",
		SessionID:   testSession,
		Seq:         2,
		StateSchema: "generic/v0",
		PluginState: json.RawMessage(`{"schema":"generic/v0"}`),
	}
	cp, err := Build(l, v, testSession, v.Type(), prior, 4, TriggerTimer)
	require.NoError(t, err)

	full, err := Build(l, v, testSession, v.Type(), nil, 4, TriggerTimer)
	require.NoError(t, err)
	assert.Equal(t, full.StateHash, cp.StateHash)
}

// =============================================================================
// Resume Tests
// =============================================================================

func TestResume_EqualsFullReplay(t *testing.T) {
	store := newTestStore(t)
	l := newTestLog(t)
	v := plugin.NewGeneric()

	appendFindings(t, l, 6)
	buildAndCommit(t, store, l, v, 6)
	appendFindings(t, l, 4) // events after the checkpoint

	res, err := Resume(l, store, v, testSession, 5, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), res.LastSeq)
	assert.Equal(t, uint64(6), res.FromSeq)
	assert.Equal(t, uint64(4), res.ReplayCount)
	assert.False(t, res.Degraded)

	full, err := Build(l, v, testSession, v.Type(), nil, 10, TriggerManual)
	require.NoError(t, err)
	raw, err := v.MarshalState(res.State)
	require.NoError(t, err)
	hash, err := plugin.StateHash(raw)
	require.NoError(t, err)
	assert.Equal(t, full.StateHash, hash)
}

func TestResume_NoCheckpointReplaysEverything(t *testing.T) {
	store := newTestStore(t)
	l := newTestLog(t)
	v := plugin.NewGeneric()
	appendFindings(t, l, 7)

	res, err := Resume(l, store, v, testSession, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), res.LastSeq)
	assert.Equal(t, uint64(0), res.FromSeq)
	assert.Equal(t, uint64(7), res.ReplayCount)
	assert.Len(t, res.Context.Recent, 3)
}

func TestResume_SchemaDriftFallsBackToFullReplay(t *testing.T) {
	store := newTestStore(t)
	l := newTestLog(t)
	v := plugin.NewGeneric()
	appendFindings(t, l, 4)

	drifted := &Checkpoint{
		ID:          "old-schema",
		SessionID:   testSession,
		Seq:         2,
		StateSchema: "generic/v0",
		PluginState: json.RawMessage(`{"schema":"generic/v0","event_count":2}`),
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.Commit(drifted))

	res, err := Resume(l, store, v, testSession, 3, nil)
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, uint64(4), res.LastSeq)
	assert.Equal(t, uint64(4), res.ReplayCount, "drift must force full replay")
}

func TestResume_ContextCarriesIdentity(t *testing.T) {
	store := newTestStore(t)
	l := newTestLog(t)
	v := plugin.NewTriage()

	payload, _ := json.Marshal(map[string]string{"text": "which transport"})
	q, err := event.New(testSession, event.Question, payload)
	require.NoError(t, err)
	_, err = l.Append(q)
	require.NoError(t, err)

	res, err := Resume(l, store, v, testSession, 5, nil)
	require.NoError(t, err)
	assert.Equal(t, testSession, res.Context.SessionID)
	assert.Equal(t, "triage", res.Context.WorkflowType)
	assert.Equal(t, uint64(1), res.Context.LastSeq)
	assert.Equal(t, []string{"which transport"}, res.Context.Open)
	assert.Equal(t, float64(0), res.Context.Progress)
}

// =============================================================================
// Scheduler Tests
// =============================================================================

func TestScheduler_FiresPerSession(t *testing.T) {
	var fired atomic.Int64
	s := NewScheduler(10*time.Millisecond, func(string) { fired.Add(1) }, nil)
	defer s.Close()

	s.Register("session-a")
	assert.Equal(t, 1, s.Active())

	assert.Eventually(t, func() bool { return fired.Load() >= 2 },
		time.Second, 5*time.Millisecond)
}

func TestScheduler_CancelStopsFiring(t *testing.T) {
	var fired atomic.Int64
	s := NewScheduler(10*time.Millisecond, func(string) { fired.Add(1) }, nil)
	defer s.Close()

	s.Register("session-a")
	assert.Eventually(t, func() bool { return fired.Load() >= 1 },
		time.Second, 5*time.Millisecond)

	s.Cancel("session-a")
	assert.Equal(t, 0, s.Active())
	after := fired.Load()
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, fired.Load(), after+1, "at most one in-flight tick after cancel")
}

func TestScheduler_RegisterIsIdempotent(t *testing.T) {
	s := NewScheduler(time.Hour, func(string) {}, nil)
	defer s.Close()

	s.Register("session-a")
	s.Register("session-a")
	assert.Equal(t, 1, s.Active())
}
