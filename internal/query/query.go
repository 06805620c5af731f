// Package query implements ranked retrieval over the index: keyword
// (term-frequency), semantic (cosine similarity over caller-supplied
// embeddings) and a combined mode, with per-session result caching.
//
// Every query is capped: an absent limit gets the configured default
// (conservative rather than failing), and limits above the maximum are
// clamped. Unlimited queries over large sessions are a documented
// misuse.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"sessiond/internal/event"
	"sessiond/internal/index"
)

// Mode selects the retrieval strategy.
type Mode string

const (
	ModeKeyword  Mode = "keyword"
	ModeSemantic Mode = "semantic"
	ModeCombined Mode = "combined"
)

// Request describes one query.
type Request struct {
	SessionID string       `json:"session_id"`
	Mode      Mode         `json:"mode"`
	Text      string       `json:"text,omitempty"`      // keyword/combined
	Embedding []float32    `json:"embedding,omitempty"` // semantic/combined, computed externally
	Filter    index.Filter `json:"filter,omitempty"`
	Limit     int          `json:"limit,omitempty"` // 0 = configured default
}

// Result is one ranked hit.
type Result struct {
	Seq       uint64         `json:"seq"`
	Category  event.Category `json:"category"`
	Timestamp time.Time      `json:"ts"`
	Score     float64        `json:"score"`
	Text      string         `json:"text,omitempty"`
	Payload   []byte         `json:"payload"`
}

// Options fixes the engine's limits and thresholds from configuration.
type Options struct {
	DefaultLimit    int           // applied when Request.Limit is 0
	MaxLimit        int           // hard clamp
	SimilarityFloor float64       // semantic results below this are excluded
	CacheTTL        time.Duration // 0 disables caching
	EmbeddingDim    int           // expected query-embedding length, 0 = disabled
}

// Engine answers queries from the index. Read-only: it may run
// concurrently with appends and checkpoints, tolerating an index that is
// momentarily behind the event log.
type Engine struct {
	idx    *index.DB
	opts   Options
	cache  *cache
	logger *slog.Logger
}

// New creates a query engine over idx.
func New(idx *index.DB, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 1000
	}
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = opts.DefaultLimit
	}
	return &Engine{
		idx:    idx,
		opts:   opts,
		cache:  newCache(opts.CacheTTL),
		logger: logger.With("component", "query"),
	}
}

// Search runs one query. Results are ranked per mode and capped by the
// effective limit.
func (e *Engine) Search(ctx context.Context, req Request) ([]Result, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = e.opts.DefaultLimit
	}
	if limit > e.opts.MaxLimit {
		limit = e.opts.MaxLimit
	}
	if req.Mode == "" {
		req.Mode = ModeKeyword
	}

	gen, err := e.idx.Generation(req.SessionID)
	if err != nil {
		return nil, err
	}
	key, err := cacheKey(req, limit)
	if err != nil {
		return nil, err
	}
	if results, ok := e.cache.get(req.SessionID, key, gen); ok {
		return results, nil
	}

	var results []Result
	switch req.Mode {
	case ModeKeyword:
		results, err = e.keyword(ctx, req, limit)
	case ModeSemantic:
		results, err = e.semantic(ctx, req, limit)
	case ModeCombined:
		results, err = e.combined(ctx, req, limit)
	default:
		return nil, fmt.Errorf("query: unknown mode %q", req.Mode)
	}
	if err != nil {
		return nil, err
	}

	e.cache.put(req.SessionID, key, gen, results)
	return results, nil
}

func (e *Engine) keyword(ctx context.Context, req Request, limit int) ([]Result, error) {
	terms := index.Tokenize(req.Text)
	if len(terms) == 0 {
		return nil, fmt.Errorf("query: keyword mode needs query text")
	}
	hits, err := e.idx.SearchKeyword(ctx, req.SessionID, terms, req.Filter, limit)
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		results = append(results, Result{
			Seq:       h.Seq,
			Category:  h.Category,
			Timestamp: h.Timestamp,
			Score:     h.Score,
			Text:      h.Text,
			Payload:   h.Payload,
		})
	}
	return results, nil
}

func (e *Engine) semantic(ctx context.Context, req Request, limit int) ([]Result, error) {
	if len(req.Embedding) == 0 {
		return nil, fmt.Errorf("query: semantic mode needs a query embedding")
	}
	if e.opts.EmbeddingDim == 0 {
		return nil, fmt.Errorf("query: semantic mode disabled (embedding dim 0)")
	}
	if len(req.Embedding) != e.opts.EmbeddingDim {
		return nil, fmt.Errorf("query: embedding dimension mismatch: got %d, want %d",
			len(req.Embedding), e.opts.EmbeddingDim)
	}

	embs, err := e.idx.Embeddings(ctx, req.SessionID, req.Filter)
	if err != nil {
		return nil, err
	}

	type scored struct {
		seq uint64
		sim float64
	}
	var candidates []scored
	for _, emb := range embs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sim := cosine(req.Embedding, emb.Vec)
		// Below-floor results are excluded outright, not ranked low.
		if sim < e.opts.SimilarityFloor {
			continue
		}
		candidates = append(candidates, scored{seq: emb.Seq, sim: sim})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].sim != candidates[j].sim {
			return candidates[i].sim > candidates[j].sim
		}
		return candidates[i].seq > candidates[j].seq
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		entry, err := e.idx.Entry(ctx, req.SessionID, c.seq)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			// Embedding for a row the filter projection lacks; the index
			// may be rebuilding. Skip rather than fabricate.
			continue
		}
		results = append(results, Result{
			Seq:       entry.Seq,
			Category:  entry.Category,
			Timestamp: entry.Timestamp,
			Score:     c.sim,
			Text:      entry.Text,
			Payload:   entry.Payload,
		})
	}
	return results, nil
}

// combined fuses both modes: keyword scores are normalized by the best
// keyword score, cosine similarities clamped to [0,1], and each event's
// final score is the maximum of the two. Ties break by seq descending.
func (e *Engine) combined(ctx context.Context, req Request, limit int) ([]Result, error) {
	byseq := make(map[uint64]Result)

	if req.Text != "" {
		kw, err := e.keyword(ctx, req, e.opts.MaxLimit)
		if err != nil {
			return nil, err
		}
		var best float64
		for _, r := range kw {
			if r.Score > best {
				best = r.Score
			}
		}
		for _, r := range kw {
			if best > 0 {
				r.Score = r.Score / best
			}
			byseq[r.Seq] = r
		}
	}
	if len(req.Embedding) > 0 {
		sem, err := e.semantic(ctx, req, e.opts.MaxLimit)
		if err != nil {
			return nil, err
		}
		for _, r := range sem {
			r.Score = math.Max(0, math.Min(1, r.Score))
			if prev, ok := byseq[r.Seq]; !ok || r.Score > prev.Score {
				byseq[r.Seq] = r
			}
		}
	}
	if len(byseq) == 0 && req.Text == "" && len(req.Embedding) == 0 {
		return nil, fmt.Errorf("query: combined mode needs text or an embedding")
	}

	results := make([]Result, 0, len(byseq))
	for _, r := range byseq {
		results = append(results, r)
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Seq > results[j].Seq
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// cosine computes cosine similarity between two equal-length vectors.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return -1
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return -1
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
