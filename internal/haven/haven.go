// Package haven is a session-scoped client to the external model host
// ("Haven"): create/send/list/delete plus trace-log retrieval. Haven is an
// out-of-process collaborator reached over HTTP+JSON; its internals are out
// of scope for this repo. The retry/backoff shape is grounded on the
// teacher's internal/provider request handling (cenkalti/backoff), pointed
// at an external address instead of an embedded chat-model SDK.
package haven

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sandboxhaven/agentd/internal/apierr"
)

// HistoryEntry is one (role, content) pair as sent to get_or_create_session.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TraceEvent is one entry of Haven's trace log.
type TraceEvent struct {
	Timestamp int64          `json:"timestamp"`
	Event     string         `json:"event"`
	Data      map[string]any `json:"data,omitempty"`
}

// Proxy is a client bound to one Haven instance. Individual sessions are
// identified by name; Proxy itself holds no per-session state so it can be
// shared, but calls for a given session name are expected to be serialized
// by the caller (the session's ActiveSession owns that discipline).
type Proxy struct {
	baseURL string
	authKey string
	client  *http.Client
	timeout time.Duration
}

// New constructs a Proxy pointed at address (host:port) with the given
// shared-secret auth key and per-call timeout (spec default 120s).
func New(address, authKey string, timeout time.Duration) *Proxy {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Proxy{
		baseURL: "http://" + address,
		authKey: authKey,
		client:  &http.Client{},
		timeout: timeout,
	}
}

// GetOrCreateSession registers name with the model host, seeding it with
// history (a slice of role/content pairs) if it does not already exist.
func (p *Proxy) GetOrCreateSession(ctx context.Context, name string, history []HistoryEntry) (bool, error) {
	var out struct {
		Created bool `json:"created"`
	}
	err := p.call(ctx, "get_or_create_session", map[string]any{
		"name":    name,
		"history": history,
	}, &out)
	return out.Created, err
}

// SendMessage sends prompt to the named session and returns the model's
// text reply. Stateful: Haven appends both sides to its own history.
func (p *Proxy) SendMessage(ctx context.Context, name, prompt string) (string, error) {
	var out struct {
		Text string `json:"text"`
	}
	err := p.call(ctx, "send_message", map[string]any{
		"name":   name,
		"prompt": prompt,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Text, nil
}

// ListSessions returns every session name Haven currently holds.
func (p *Proxy) ListSessions(ctx context.Context) ([]string, error) {
	var out []string
	err := p.call(ctx, "list_sessions", nil, &out)
	return out, err
}

// DeleteSession removes name from Haven.
func (p *Proxy) DeleteSession(ctx context.Context, name string) error {
	var out struct {
		Status string `json:"status"`
	}
	return p.call(ctx, "delete_session", map[string]any{"name": name}, &out)
}

// HasSession reports whether Haven currently holds a session named name.
func (p *Proxy) HasSession(ctx context.Context, name string) (bool, error) {
	var out struct {
		Exists bool `json:"exists"`
	}
	err := p.call(ctx, "has_session", map[string]any{"name": name}, &out)
	return out.Exists, err
}

// GetTraceLog retrieves Haven's internal event trace, surfaced to the
// client via request_haven_trace_log.
func (p *Proxy) GetTraceLog(ctx context.Context) ([]TraceEvent, error) {
	var out []TraceEvent
	err := p.call(ctx, "get_trace_log", nil, &out)
	return out, err
}

// call performs one RPC against Haven with the proxy's per-call timeout and
// a short exponential-backoff retry for transient network failures, and
// decodes the JSON result into out.
func (p *Proxy) call(ctx context.Context, method string, params any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	body, err := json.Marshal(map[string]any{"method": method, "params": params})
	if err != nil {
		return apierr.Wrap(apierr.Unknown, "encoding haven request", err)
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)

	var respBody []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/rpc", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if p.authKey != "" {
			req.Header.Set("Authorization", "Bearer "+p.authKey)
		}

		resp, err := p.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err // retryable network error
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		if resp.StatusCode >= 500 {
			return fmt.Errorf("haven returned status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("haven returned status %d: %s", resp.StatusCode, string(data)))
		}

		respBody = data
		return nil
	}

	if err := backoff.Retry(operation, bo); err != nil {
		if ctx.Err() != nil {
			return apierr.Wrap(apierr.ModelHostTimeout, fmt.Sprintf("calling haven method %q", method), ctx.Err())
		}
		return apierr.Wrap(apierr.ModelHostUnavailable, fmt.Sprintf("calling haven method %q", method), err)
	}

	if out == nil {
		return nil
	}
	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  string          `json:"error"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return apierr.Wrap(apierr.ModelHostUnavailable, "decoding haven response envelope", err)
	}
	if envelope.Error != "" {
		return apierr.New(apierr.ModelHostUnavailable, envelope.Error)
	}
	if len(envelope.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return apierr.Wrap(apierr.ModelHostUnavailable, "decoding haven result", err)
	}
	return nil
}
