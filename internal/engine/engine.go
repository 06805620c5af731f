// Package engine wires the event log, index, plugin state machines,
// checkpoint engine and sync reconciler into the session persistence
// facade used by callers.
//
// Concurrency model: one critical section per session (never global), so
// sessions do not serialize against each other. The append and index
// paths run under the session lock; checkpoint folding and sync run
// outside it, serialized against each other by a separate per-session
// mutex so a checkpoint mid-push stays pinned to a fixed sequence.
package engine

import (
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"sessiond/internal/checkpoint"
	"sessiond/internal/config"
	"sessiond/internal/event"
	"sessiond/internal/eventlog"
	"sessiond/internal/faults"
	"sessiond/internal/index"
	"sessiond/internal/plugin"
	"sessiond/internal/query"
	"sessiond/internal/syncer"
	"sessiond/internal/watcher"
)

// Engine is the session persistence facade.
type Engine struct {
	cfg       *config.Config
	logger    *slog.Logger
	idx       *index.DB
	ckpts     *checkpoint.Store
	registry  *plugin.Registry
	queries   *query.Engine
	validator *event.Validator
	sched     *checkpoint.Scheduler
	watch     *watcher.Watcher
	recon     *syncer.Reconciler
	masterKey []byte

	mu       sync.Mutex
	sessions map[string]*session
	byPath   map[string]string // log path -> session id, for watcher flags
	closed   bool
}

// session is the live handle for one open session.
type session struct {
	// mu guards the append/index/fold path. Held briefly; folding for
	// checkpoints happens outside it.
	mu sync.Mutex

	// opMu serializes checkpointing and sync operations per session.
	opMu sync.Mutex

	id       string
	workflow string
	log      *eventlog.Log
	variant  plugin.Variant
	state    plugin.State
	flagged  bool // out-of-band modification seen; verify before next append
}

// Open creates or opens the engine rooted at the configured data dir.
func Open(cfg *config.Config, registry *plugin.Registry, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = plugin.NewRegistry()
	}

	idx, err := index.Open(filepath.Join(cfg.Storage.DataDir, "index.db"), cfg.Query.EmbeddingDim)
	if err != nil {
		return nil, err
	}

	validator, err := event.NewValidator()
	if err != nil {
		idx.Close()
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		idx:       idx,
		ckpts:     checkpoint.NewStore(filepath.Join(cfg.Storage.DataDir, "checkpoints")),
		registry:  registry,
		validator: validator,
		sessions:  make(map[string]*session),
		byPath:    make(map[string]string),
	}

	e.queries = query.New(idx, query.Options{
		DefaultLimit:    cfg.Query.DefaultLimit,
		MaxLimit:        cfg.Query.MaxLimit,
		SimilarityFloor: cfg.Query.SimilarityFloor,
		CacheTTL:        cfg.CacheTTL(),
		EmbeddingDim:    cfg.Query.EmbeddingDim,
	}, logger)

	if cfg.Storage.MasterKeyFile != "" {
		key, err := os.ReadFile(cfg.Storage.MasterKeyFile)
		if err != nil {
			idx.Close()
			return nil, &faults.IOError{Op: "read", Path: cfg.Storage.MasterKeyFile, Err: err}
		}
		if len(key) < 32 {
			idx.Close()
			return nil, fmt.Errorf("engine: master key must be at least 32 bytes, got %d", len(key))
		}
		e.masterKey = key[:32]
	}

	e.sched = checkpoint.NewScheduler(cfg.CheckpointInterval(), e.timerCheckpoint, logger)

	if cfg.Storage.WatchExternal {
		w, err := watcher.New(e.flagPath, logger)
		if err != nil {
			idx.Close()
			return nil, fmt.Errorf("engine: start watcher: %w", err)
		}
		e.watch = w
	}

	if cfg.Sync.Enabled {
		remote, err := syncer.NewHTTPRemote(cfg.Sync.BaseURL, cfg.SyncTimeout())
		if err != nil {
			e.Close()
			return nil, err
		}
		e.recon = syncer.New(idx, &localAdapter{e}, remote, logger)
	}

	return e, nil
}

// sessionKey derives the per-session record authentication key from the
// deployment master key. Empty when HMAC tags are disabled.
func (e *Engine) sessionKey(sessionID string) []byte {
	if len(e.masterKey) == 0 {
		return nil
	}
	r := hkdf.New(sha256.New, e.masterKey, []byte(sessionID), []byte("sessiond record auth v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		// hkdf with sha256 cannot fail for 32 bytes.
		panic(fmt.Sprintf("engine: hkdf: %v", err))
	}
	return key
}

func (e *Engine) logPath(sessionID string) string {
	return filepath.Join(e.cfg.Storage.DataDir, "logs", sessionID+".log")
}

// CreateSession registers a new session for workflowType and starts its
// checkpoint timer. Unregistered workflow types degrade to the generic
// variant.
func (e *Engine) CreateSession(workflowType string) (string, error) {
	id := uuid.NewString()
	if err := e.idx.CreateSession(id, workflowType, time.Now().UTC()); err != nil {
		return "", err
	}

	s, err := e.openSession(id, workflowType, false)
	if err != nil {
		return "", err
	}
	e.sched.Register(id)
	e.logger.Info("session created", "session", id, "workflow", workflowType,
		"variant", s.variant.Type())
	return id, nil
}

// openSession opens the log and derives live plugin state. resumeState
// replays from the latest checkpoint; a fresh session skips it.
func (e *Engine) openSession(id, workflowType string, resumeState bool) (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("engine: closed")
	}
	if s, ok := e.sessions[id]; ok {
		return s, nil
	}

	path := e.logPath(id)
	log, report, err := eventlog.Open(path, id, e.sessionKey(id), e.logger)
	if err != nil {
		return nil, err
	}
	if report.Truncated() {
		e.logger.Warn("event log tail recovered",
			"session", id, "dropped_bytes", report.TruncatedBytes, "last_seq", report.LastSeq)
	}

	variant := e.registry.Resolve(workflowType)
	s := &session{
		id:       id,
		workflow: workflowType,
		log:      log,
		variant:  variant,
		state:    variant.NewState(),
	}

	if resumeState && report.LastSeq > 0 {
		res, err := checkpoint.Resume(log, e.ckpts, variant, id,
			e.cfg.Checkpoint.RecentEvents, e.logger)
		if err != nil {
			log.Close()
			return nil, err
		}
		s.state = res.State
	}

	// The index may trail the log after a crash, or lead it after a tail
	// truncation; either divergence is repaired by replaying the log.
	sess, err := e.idx.GetSession(id)
	if err != nil {
		log.Close()
		return nil, err
	}
	if sess.LastIndexedSeq != report.LastSeq || sess.Degraded {
		if err := e.idx.RebuildFrom(log.ReadRange(1, 0), id); err != nil {
			log.Close()
			return nil, err
		}
	}
	if sess.LastEventSeq != report.LastSeq {
		if err := e.idx.SetLastEventSeq(id, report.LastSeq); err != nil {
			log.Close()
			return nil, err
		}
	}

	if e.watch != nil {
		if err := e.watch.Track(path, log.Size()); err != nil {
			e.logger.Warn("cannot watch log file", "session", id, "error", err)
		}
	}

	e.sessions[id] = s
	e.byPath[path] = id
	return s, nil
}

// getSession returns the live handle, opening it from disk if needed.
func (e *Engine) getSession(id string) (*session, error) {
	e.mu.Lock()
	s, ok := e.sessions[id]
	e.mu.Unlock()
	if ok {
		return s, nil
	}

	sess, err := e.idx.GetSession(id)
	if err != nil {
		return nil, err
	}
	if sess.Status == index.StatusClosed {
		return nil, fmt.Errorf("engine: session %s is closed", id)
	}
	return e.openSession(id, sess.WorkflowType, true)
}

// flagPath marks the session owning a log file as suspect.
func (e *Engine) flagPath(path string) {
	e.mu.Lock()
	id, ok := e.byPath[path]
	var s *session
	if ok {
		s = e.sessions[id]
	}
	e.mu.Unlock()
	if s == nil {
		return
	}
	s.mu.Lock()
	s.flagged = true
	s.mu.Unlock()
	e.logger.Warn("session flagged for verification", "session", id)
}

// timerCheckpoint is the scheduler callback.
func (e *Engine) timerCheckpoint(sessionID string) {
	if _, err := e.Checkpoint(sessionID, checkpoint.TriggerTimer); err != nil {
		e.logger.Error("timer checkpoint failed", "session", sessionID, "error", err)
	}
}

// Close shuts the engine down. Open sessions are closed without changing
// their lifecycle status.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	sessions := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.sessions = make(map[string]*session)
	e.mu.Unlock()

	e.sched.Close()
	if e.watch != nil {
		e.watch.Close()
	}
	for _, s := range sessions {
		s.log.Close()
	}
	return e.idx.Close()
}
