// Package upstream models a session against one ComfyUI-like
// inference peer: prompt submission over HTTP, progress streaming
// over WebSocket, and history/image retrieval, using context-scoped
// HTTP and WebSocket clients throughout.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/forgecanvas/comfybroker/internal/apperr"
)

// Timeouts configure every network boundary the client crosses.
type Timeouts struct {
	HTTPConnect time.Duration
	HTTPRead    time.Duration
	WSConnect   time.Duration
	WSIdle      time.Duration
}

// DefaultTimeouts is a reasonable baseline for a local ComfyUI peer.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		HTTPConnect: 3 * time.Second,
		HTTPRead:    10 * time.Second,
		WSConnect:   5 * time.Second,
		WSIdle:      120 * time.Second,
	}
}

// Client is a single session against one ComfyUI server address. One
// Client is created per job so each gets its own clientID and cancel
// handle.
type Client struct {
	httpScheme string
	hostport   string
	clientID   string
	timeouts   Timeouts
	http       *http.Client
}

// New normalizes addr (either "host:port" or a full http(s) URL) and
// builds a Client bound to a fresh client id.
func New(addr string, timeouts Timeouts) *Client {
	scheme, hostport := normalizeServer(addr)
	return &Client{
		httpScheme: scheme,
		hostport:   hostport,
		clientID:   uuid.NewString(),
		timeouts:   timeouts,
		http: &http.Client{
			Timeout: timeouts.HTTPRead,
			Transport: &http.Transport{
				DialContext: (&dialer{connectTimeout: timeouts.HTTPConnect}).DialContext,
			},
		},
	}
}

// ClientID returns the session's stable client identifier, used both
// as the WebSocket clientId query param and as the interrupt target.
func (c *Client) ClientID() string { return c.clientID }

func normalizeServer(raw string) (scheme, hostport string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "http", "127.0.0.1:8188"
	}
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return "http", "127.0.0.1:8188"
		}
		s := strings.ToLower(u.Scheme)
		if s != "http" && s != "https" {
			s = "http"
		}
		return s, u.Host
	}
	return "http", raw
}

func (c *Client) httpBase() string {
	return fmt.Sprintf("%s://%s", c.httpScheme, c.hostport)
}

func (c *Client) wsBase() string {
	scheme := "ws"
	if c.httpScheme == "https" {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s", scheme, c.hostport)
}

// PromptOverrides is a node-id keyed set of partial node bodies to
// deep-merge into a loaded workflow graph before submission.
type PromptOverrides map[string]map[string]any

// QueuePrompt deep-merges overrides into graph's per-node "inputs" map
// (preserving unspecified wires), then POSTs {prompt, client_id} to
// /prompt. Failures come back as apperr errors (logging is left to the
// caller); a successful response without a prompt_id yields an empty id
// and a nil error.
func (c *Client) QueuePrompt(ctx context.Context, graph map[string]any, overrides PromptOverrides) (promptID string, err error) {
	merged := deepMergeGraph(graph, overrides)

	body, err := json.Marshal(map[string]any{
		"prompt":    merged,
		"client_id": c.clientID,
	})
	if err != nil {
		return "", apperr.New(apperr.Internal, "marshal prompt body", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.httpBase()+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", apperr.New(apperr.Internal, "build prompt request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", apperr.New(apperr.UpstreamTimeout, "queue_prompt request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", apperr.New(apperr.UpstreamProtocol, fmt.Sprintf("queue_prompt returned %d", resp.StatusCode), nil)
	}

	var out struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", apperr.New(apperr.UpstreamProtocol, "decode queue_prompt response", err)
	}
	return out.PromptID, nil
}

// deepMergeGraph applies overrides' "inputs" maps into the matching
// node's existing "inputs" map, preserving any wire not named in the
// override; other override keys are ignored for such a node. A node
// without an "inputs" map takes every override key as is, and override
// ids absent from graph are skipped.
func deepMergeGraph(graph map[string]any, overrides PromptOverrides) map[string]any {
	out := make(map[string]any, len(graph))
	for k, v := range graph {
		out[k] = v
	}

	for nodeID, override := range overrides {
		node, ok := out[nodeID].(map[string]any)
		if !ok {
			continue
		}
		nodeCopy := make(map[string]any, len(node))
		for k, v := range node {
			nodeCopy[k] = v
		}

		existingInputs, hasInputs := nodeCopy["inputs"].(map[string]any)
		if hasInputs {
			if overrideInputs, ok := override["inputs"].(map[string]any); ok {
				mergedInputs := make(map[string]any, len(existingInputs))
				for k, v := range existingInputs {
					mergedInputs[k] = v
				}
				for k, v := range overrideInputs {
					mergedInputs[k] = v
				}
				nodeCopy["inputs"] = mergedInputs
			}
		} else {
			for k, v := range override {
				nodeCopy[k] = v
			}
		}

		out[nodeID] = nodeCopy
	}
	return out
}

// UploadImage POSTs a multipart form to /upload/image and returns the
// server-chosen filename, falling back to the requested filename if
// the response doesn't name one.
func (c *Client) UploadImage(ctx context.Context, filename string, data []byte, mime string) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreatePart(map[string][]string{
		"Content-Disposition": {fmt.Sprintf(`form-data; name="image"; filename="%s"`, filename)},
		"Content-Type":        {mime},
	})
	if err != nil {
		return "", apperr.New(apperr.Internal, "create multipart part", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", apperr.New(apperr.Internal, "write multipart body", err)
	}
	if err := w.WriteField("type", "input"); err != nil {
		return "", apperr.New(apperr.Internal, "write multipart field", err)
	}
	if err := w.Close(); err != nil {
		return "", apperr.New(apperr.Internal, "close multipart writer", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.httpBase()+"/upload/image", &buf)
	if err != nil {
		return "", apperr.New(apperr.Internal, "build upload request", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", apperr.New(apperr.UpstreamTimeout, "upload_image request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", apperr.New(apperr.UpstreamProtocol, fmt.Sprintf("upload_image returned %d", resp.StatusCode), nil)
	}

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return filename, nil
	}

	if name, ok := out["name"].(string); ok && name != "" {
		return name, nil
	}
	if name, ok := out["filename"].(string); ok && name != "" {
		return name, nil
	}
	if name, ok := out["file"].(string); ok && name != "" {
		return name, nil
	}
	if names, ok := out["names"].([]any); ok && len(names) > 0 {
		if name, ok := names[0].(string); ok {
			return name, nil
		}
	}
	return filename, nil
}

// Interrupt POSTs to /interrupt with our client id. Idempotent;
// returns false on any transport failure rather than raising.
func (c *Client) Interrupt(ctx context.Context) bool {
	body, _ := json.Marshal(map[string]string{"client_id": c.clientID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.httpBase()+"/interrupt", bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 400
}

// GetHistory fetches /history/<promptID>.
func (c *Client) GetHistory(ctx context.Context, promptID string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.httpBase()+"/history/"+url.PathEscape(promptID), nil)
	if err != nil {
		return nil, apperr.New(apperr.Internal, "build history request", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.New(apperr.UpstreamTimeout, "get_history request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, apperr.New(apperr.UpstreamProtocol, fmt.Sprintf("get_history returned %d", resp.StatusCode), nil)
	}

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperr.New(apperr.UpstreamProtocol, "decode history response", err)
	}
	return out, nil
}

// GetImage fetches one image via /view.
func (c *Client) GetImage(ctx context.Context, filename, subfolder, folderType string) ([]byte, error) {
	q := url.Values{}
	q.Set("filename", filename)
	q.Set("subfolder", subfolder)
	q.Set("type", folderType)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.httpBase()+"/view?"+q.Encode(), nil)
	if err != nil {
		return nil, apperr.New(apperr.Internal, "build view request", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.New(apperr.UpstreamTimeout, "get_image request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, apperr.New(apperr.UpstreamProtocol, fmt.Sprintf("get_image returned %d", resp.StatusCode), nil)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.New(apperr.IOError, "read image body", err)
	}
	return data, nil
}

// dialer enforces a connect timeout distinct from the overall HTTP
// read timeout, the Go equivalent of requests' (connect, read) tuple.
type dialer struct {
	connectTimeout time.Duration
}

func (d *dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	nd := net.Dialer{Timeout: d.connectTimeout}
	return nd.DialContext(ctx, network, addr)
}
