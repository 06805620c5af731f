package index

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"sessiond/internal/event"
)

// Hit is one keyword-search candidate with its term-frequency score.
type Hit struct {
	Entry
	Score float64
}

// filterSQL renders a Filter into WHERE clauses and args.
func filterSQL(f Filter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if len(f.Categories) > 0 {
		ph := make([]string, len(f.Categories))
		for i, c := range f.Categories {
			ph[i] = "?"
			args = append(args, string(c))
		}
		clauses = append(clauses, fmt.Sprintf("category IN (%s)", strings.Join(ph, ",")))
	}
	if !f.From.IsZero() {
		clauses = append(clauses, "timestamp_ns >= ?")
		args = append(args, f.From.UnixNano())
	}
	if !f.To.IsZero() {
		clauses = append(clauses, "timestamp_ns <= ?")
		args = append(args, f.To.UnixNano())
	}
	if f.FromSeq > 0 {
		clauses = append(clauses, "seq >= ?")
		args = append(args, f.FromSeq)
	}
	if f.ToSeq > 0 {
		clauses = append(clauses, "seq <= ?")
		args = append(args, f.ToSeq)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " AND " + strings.Join(clauses, " AND "), args
}

// Tokenize lower-cases and splits text on non-alphanumeric runes.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
}

// SearchKeyword runs a token-based match over the indexed text, scored
// by term frequency, ties broken by seq descending. The limit must be
// positive; the query engine enforces the configured cap.
func (d *DB) SearchKeyword(ctx context.Context, sessionID string, terms []string, f Filter, limit int) ([]Hit, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("index: limit must be positive")
	}
	norm := make([]string, 0, len(terms))
	for _, t := range terms {
		norm = append(norm, Tokenize(t)...)
	}
	if len(norm) == 0 {
		return nil, nil
	}

	// SQL prefilters candidates containing any term; exact scoring
	// happens on the tokenized text below.
	where, args := filterSQL(f)
	likes := make([]string, len(norm))
	qargs := []any{sessionID}
	for i, t := range norm {
		likes[i] = "lower(text) LIKE ?"
		qargs = append(qargs, "%"+t+"%")
	}
	qargs = append(qargs, args...)

	rows, err := d.db.QueryContext(ctx, `
		SELECT session_id, seq, category, timestamp_ns, text, payload
		FROM event_index
		WHERE session_id = ? AND (`+strings.Join(likes, " OR ")+`)`+where+`
		ORDER BY seq DESC`, qargs...)
	if err != nil {
		return nil, fmt.Errorf("index: keyword query: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var h Hit
		var tsNs int64
		var cat, payload string
		if err := rows.Scan(&h.SessionID, &h.Seq, &cat, &tsNs, &h.Text, &payload); err != nil {
			return nil, fmt.Errorf("index: scan hit: %w", err)
		}
		h.Category = event.Category(cat)
		h.Timestamp = time.Unix(0, tsNs).UTC()
		h.Payload = []byte(payload)
		h.Score = termFrequency(h.Text, norm)
		if h.Score > 0 {
			hits = append(hits, h)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index: keyword rows: %w", err)
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Seq > hits[j].Seq
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// termFrequency scores text as matched-term occurrences over total
// tokens.
func termFrequency(text string, terms []string) float64 {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return 0
	}
	var matches int
	for _, tok := range tokens {
		for _, t := range terms {
			if tok == t {
				matches++
				break
			}
		}
	}
	return float64(matches) / float64(len(tokens))
}

// Entries returns projected rows matching a filter, newest first, for
// callers that want raw browsing rather than ranked search.
func (d *DB) Entries(ctx context.Context, sessionID string, f Filter, limit int) ([]Entry, error) {
	where, args := filterSQL(f)
	qargs := append([]any{sessionID}, args...)
	qargs = append(qargs, limit)

	rows, err := d.db.QueryContext(ctx, `
		SELECT session_id, seq, category, timestamp_ns, text, payload
		FROM event_index
		WHERE session_id = ?`+where+`
		ORDER BY seq DESC LIMIT ?`, qargs...)
	if err != nil {
		return nil, fmt.Errorf("index: entries query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var tsNs int64
		var cat, payload string
		if err := rows.Scan(&e.SessionID, &e.Seq, &cat, &tsNs, &e.Text, &payload); err != nil {
			return nil, fmt.Errorf("index: scan entry: %w", err)
		}
		e.Category = event.Category(cat)
		e.Timestamp = time.Unix(0, tsNs).UTC()
		e.Payload = []byte(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// AttachEmbedding stores the embedding vector for one event. The vector
// length must match the dimension fixed at Open; mismatches fail fast.
func (d *DB) AttachEmbedding(sessionID string, seq uint64, vec []float32) error {
	if d.embeddingDim == 0 {
		return fmt.Errorf("index: semantic store disabled (embedding dim 0)")
	}
	if len(vec) != d.embeddingDim {
		return fmt.Errorf("index: embedding dimension mismatch: got %d, want %d",
			len(vec), d.embeddingDim)
	}
	blob := encodeVector(vec)
	_, err := d.db.Exec(`
		INSERT INTO embeddings (session_id, seq, dim, vec) VALUES (?, ?, ?, ?)
		ON CONFLICT (session_id, seq) DO UPDATE SET dim = excluded.dim, vec = excluded.vec`,
		sessionID, seq, len(vec), blob)
	if err != nil {
		return fmt.Errorf("index: attach embedding: %w", err)
	}
	_, err = d.db.Exec(`UPDATE sessions SET write_gen = write_gen + 1 WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("index: bump write gen: %w", err)
	}
	return nil
}

// Embedding is one stored vector keyed by sequence.
type Embedding struct {
	Seq uint64
	Vec []float32
}

// Embeddings streams the stored vectors for a session, restricted to the
// filter's sequence bounds.
func (d *DB) Embeddings(ctx context.Context, sessionID string, f Filter) ([]Embedding, error) {
	q := `SELECT seq, dim, vec FROM embeddings WHERE session_id = ?`
	args := []any{sessionID}
	if f.FromSeq > 0 {
		q += ` AND seq >= ?`
		args = append(args, f.FromSeq)
	}
	if f.ToSeq > 0 {
		q += ` AND seq <= ?`
		args = append(args, f.ToSeq)
	}
	q += ` ORDER BY seq`

	rows, err := d.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("index: embeddings query: %w", err)
	}
	defer rows.Close()

	var out []Embedding
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var seq uint64
		var dim int
		var blob []byte
		if err := rows.Scan(&seq, &dim, &blob); err != nil {
			return nil, fmt.Errorf("index: scan embedding: %w", err)
		}
		vec, err := decodeVector(blob, dim)
		if err != nil {
			return nil, fmt.Errorf("index: embedding seq %d: %w", seq, err)
		}
		out = append(out, Embedding{Seq: seq, Vec: vec})
	}
	return out, rows.Err()
}

// Entry looks up one projected row by sequence.
func (d *DB) Entry(ctx context.Context, sessionID string, seq uint64) (*Entry, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT session_id, seq, category, timestamp_ns, text, payload
		FROM event_index WHERE session_id = ? AND seq = ?`, sessionID, seq)
	var e Entry
	var tsNs int64
	var cat, payload string
	err := row.Scan(&e.SessionID, &e.Seq, &cat, &tsNs, &e.Text, &payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("index: entry lookup: %w", err)
	}
	e.Category = event.Category(cat)
	e.Timestamp = time.Unix(0, tsNs).UTC()
	e.Payload = []byte(payload)
	return &e, nil
}

// encodeVector packs float32s little-endian.
func encodeVector(vec []float32) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, len(vec)*4))
	for _, v := range vec {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
		buf.Write(b[:])
	}
	return buf.Bytes()
}

func decodeVector(blob []byte, dim int) ([]float32, error) {
	if len(blob) != dim*4 {
		return nil, fmt.Errorf("blob length %d does not match dim %d", len(blob), dim)
	}
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, nil
}
