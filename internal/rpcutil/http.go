// Package rpcutil implements the JSON-over-HTTP RPC surface spec.md §6
// calls for ("JSON/XML-RPC equivalent"), shared by Peer, Coordinator, and
// Worker for every synchronous call between them.
package rpcutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dreamware/mrpeer/internal/mrerr"
)

// httpClient is shared across all RPC calls in the process for connection
// pooling. A short timeout turns a hung peer into a fast ErrRPCUnreachable
// rather than a stuck caller (spec.md §7: RpcUnreachable is fatal to the
// job, not retried).
var httpClient = &http.Client{Timeout: 10 * time.Second}

// PostJSON sends body JSON-encoded to url and decodes the response into
// out (nil to discard the body). A non-2xx response or transport failure
// is reported as mrerr.ErrRPCUnreachable.
func PostJSON(ctx context.Context, url string, body, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: POST %s: %v", mrerr.ErrRPCUnreachable, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: POST %s: http %d", mrerr.ErrRPCUnreachable, url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetJSON sends a GET request to url and decodes the JSON response into
// out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: GET %s: %v", mrerr.ErrRPCUnreachable, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: GET %s: http %d", mrerr.ErrRPCUnreachable, url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// WriteJSON writes v as the JSON response body, logging nothing on
// failure by design: response-write errors happen after status codes are
// already committed and are not actionable by the handler.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// DecodeJSON decodes the request body into out, matching the teacher's
// handler style of body-then-validate.
func DecodeJSON(r *http.Request, out any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}

// LineEncoder writes one JSON value per line, flush-friendly for the
// streaming execute() response spec.md §4.1 describes as "a lazy
// sequence of (message-kind, args) tuples."
type LineEncoder struct {
	enc *json.Encoder
}

// NewLineEncoder wraps w for newline-delimited JSON output.
func NewLineEncoder(w interface{ Write([]byte) (int, error) }) *LineEncoder {
	return &LineEncoder{enc: json.NewEncoder(w)}
}

// Encode writes v followed by a newline; json.Encoder already appends one.
func (e *LineEncoder) Encode(v any) error {
	return e.enc.Encode(v)
}

// streamClient has no blanket Timeout: an execute() stream can legitimately
// run for as long as the job does. Callers rely on ctx for cancellation.
var streamClient = &http.Client{}

// StreamPostNDJSON posts body to url and calls onMessage once per
// newline-delimited JSON response line, decoding each into a fresh T.
// Used by the submission client to consume Peer.execute's streamed
// progress messages.
func StreamPostNDJSON[T any](ctx context.Context, url string, body any, onMessage func(T) error) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: POST %s: %v", mrerr.ErrRPCUnreachable, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: POST %s: http %d", mrerr.ErrRPCUnreachable, url, resp.StatusCode)
	}

	dec := json.NewDecoder(resp.Body)
	for dec.More() {
		var msg T
		if err := dec.Decode(&msg); err != nil {
			return err
		}
		if err := onMessage(msg); err != nil {
			return err
		}
	}
	return nil
}
