package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"sessiond/internal/faults"
)

// HTTPRemote talks to a sync backend over HTTP:
//
//	POST {base}/sessions/{id}/push   body: Payload     -> 200 {"revision": n}
//	                                                    -> 409 remote ahead
//	GET  {base}/sessions/{id}/pull                      -> 200 {"revision": n, "payload": {...}}
//	                                                    -> 404 session unknown
//
// Remote calls are the only timed-out operations in the engine; local
// I/O is bounded by disk speed and not independently timed out.
type HTTPRemote struct {
	base   *url.URL
	client *http.Client
}

// NewHTTPRemote creates a client for the backend at baseURL.
func NewHTTPRemote(baseURL string, timeout time.Duration) (*HTTPRemote, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("syncer: parse remote url: %w", err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPRemote{
		base:   u,
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (h *HTTPRemote) endpoint(sessionID, op string) string {
	return h.base.JoinPath("sessions", sessionID, op).String()
}

// Push implements Remote.
func (h *HTTPRemote) Push(ctx context.Context, sessionID string, p *Payload) (int64, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return 0, fmt.Errorf("syncer: marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		h.endpoint(sessionID, "push"), bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, &faults.IOError{Op: "push", Path: req.URL.String(), Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var out struct {
			Revision int64 `json:"revision"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return 0, fmt.Errorf("syncer: decode push response: %w", err)
		}
		return out.Revision, nil
	case http.StatusConflict:
		io.Copy(io.Discard, resp.Body)
		return 0, ErrRemoteAhead
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, &faults.IOError{
			Op:   "push",
			Path: req.URL.String(),
			Err:  fmt.Errorf("remote returned %d: %s", resp.StatusCode, msg),
		}
	}
}

// Pull implements Remote.
func (h *HTTPRemote) Pull(ctx context.Context, sessionID string) (int64, *Payload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		h.endpoint(sessionID, "pull"), nil)
	if err != nil {
		return 0, nil, err
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, nil, &faults.IOError{Op: "pull", Path: req.URL.String(), Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var out struct {
			Revision int64    `json:"revision"`
			Payload  *Payload `json:"payload"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return 0, nil, fmt.Errorf("syncer: decode pull response: %w", err)
		}
		return out.Revision, out.Payload, nil
	case http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return 0, nil, ErrRemoteEmpty
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, nil, &faults.IOError{
			Op:   "pull",
			Path: req.URL.String(),
			Err:  fmt.Errorf("remote returned %d: %s", resp.StatusCode, msg),
		}
	}
}
