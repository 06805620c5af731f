package query

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
)

// cache memoizes query results per session. An entry is valid until its
// TTL expires or the session's index write generation moves past the one
// it was computed against, whichever comes first. Staleness never
// silently persists past a write.
type cache struct {
	mu  sync.Mutex
	ttl time.Duration
	// session id -> key -> entry
	entries map[string]map[string]cacheEntry
}

type cacheEntry struct {
	results []Result
	gen     uint64
	expires time.Time
}

func newCache(ttl time.Duration) *cache {
	return &cache{
		ttl:     ttl,
		entries: make(map[string]map[string]cacheEntry),
	}
}

// cacheKey hashes the normalized request. Query text is lower-cased and
// whitespace-collapsed so trivially different spellings share an entry.
func cacheKey(req Request, limit int) (string, error) {
	norm := struct {
		Mode      Mode      `json:"mode"`
		Text      string    `json:"text"`
		Embedding []float32 `json:"embedding,omitempty"`
		Filter    any       `json:"filter"`
		Limit     int       `json:"limit"`
	}{
		Mode:      req.Mode,
		Text:      strings.Join(strings.Fields(strings.ToLower(req.Text)), " "),
		Embedding: req.Embedding,
		Filter:    req.Filter,
		Limit:     limit,
	}
	raw, err := json.Marshal(norm)
	if err != nil {
		return "", err
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

func (c *cache) get(sessionID, key string, gen uint64) ([]Result, bool) {
	if c.ttl == 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	byKey, ok := c.entries[sessionID]
	if !ok {
		return nil, false
	}
	ent, ok := byKey[key]
	if !ok {
		return nil, false
	}
	if ent.gen != gen || time.Now().After(ent.expires) {
		delete(byKey, key)
		return nil, false
	}
	return ent.results, true
}

func (c *cache) put(sessionID, key string, gen uint64, results []Result) {
	if c.ttl == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	byKey, ok := c.entries[sessionID]
	if !ok {
		byKey = make(map[string]cacheEntry)
		c.entries[sessionID] = byKey
	}
	byKey[key] = cacheEntry{
		results: results,
		gen:     gen,
		expires: time.Now().Add(c.ttl),
	}
}

// invalidate drops every cached entry for one session. Writes to other
// sessions are unaffected.
func (c *cache) invalidate(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, sessionID)
}

// Invalidate drops all cached results for a session. The engine calls
// this after direct index writes; generation tracking already catches
// everything else.
func (e *Engine) Invalidate(sessionID string) {
	e.cache.invalidate(sessionID)
}
