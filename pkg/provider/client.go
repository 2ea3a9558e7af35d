package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	bridgeerrors "github.com/ajitpratap0/llm-bridge-go/pkg/errors"
)

// ProbeTimeout bounds a liveness probe. A provider that cannot answer its
// health endpoint this fast is not worth routing to.
const ProbeTimeout = 3 * time.Second

// ForwardResult is the outcome of a non-streaming forward.
type ForwardResult struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// StreamChunk is one relayed chunk of a streaming response.
type StreamChunk struct {
	Data []byte
	Done bool
}

// ChunkHandler receives relayed chunks. Returning an error aborts the relay.
type ChunkHandler func(chunk StreamChunk) error

// Client executes HTTP requests against local LLM providers. One client is
// shared across all registered providers; per-provider identity travels in
// the Info argument.
type Client struct {
	httpClient     *http.Client
	defaultTimeout time.Duration
}

// NewClient creates a provider client. timeout bounds non-streaming requests
// only when the caller's context carries no deadline; a classified deadline
// on the context always wins. Streaming requests are bounded by the caller's
// context alone.
func NewClient(timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient:     &http.Client{},
		defaultTimeout: timeout,
	}
}

// healthPath returns the variant's native health/version endpoint.
func healthPath(info Info) string {
	switch info.Type {
	case TypeOllama:
		return "/api/version"
	case TypeLMStudio, TypeOpenAICompatible:
		return "/v1/models"
	default:
		if info.HealthPath != "" {
			return info.HealthPath
		}
		return "/"
	}
}

// Probe checks provider liveness against its native health endpoint and
// returns the observed latency.
func (c *Client) Probe(ctx context.Context, info Info) (time.Duration, error) {
	probeCtx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, info.BaseURL+healthPath(info), nil)
	if err != nil {
		return 0, bridgeerrors.Wrap(err, bridgeerrors.KindProviderConfigError, "invalid provider base URL")
	}
	applyHeaders(req, info, nil)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		if probeCtx.Err() == context.DeadlineExceeded {
			return latency, bridgeerrors.Wrap(err, bridgeerrors.KindConnectionTimeout, "provider probe timed out").
				WithContext(&bridgeerrors.Context{Provider: info.ID, Operation: "probe", Timestamp: time.Now()})
		}
		return latency, bridgeerrors.Wrap(err, bridgeerrors.KindProviderUnavailable, "provider probe failed").
			WithContext(&bridgeerrors.Context{Provider: info.ID, Operation: "probe", Timestamp: time.Now()})
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return latency, bridgeerrors.Newf(bridgeerrors.KindProviderUnavailable,
			"provider health endpoint returned %d", resp.StatusCode)
	}
	return latency, nil
}

// ListModels fetches the provider's installed model names.
func (c *Client) ListModels(ctx context.Context, info Info) ([]string, error) {
	var path string
	switch info.Type {
	case TypeOllama:
		path = "/api/tags"
	default:
		path = "/v1/models"
	}

	result, err := c.Forward(ctx, info, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	if result.Status >= 400 {
		return nil, bridgeerrors.Newf(bridgeerrors.KindProviderUnavailable,
			"model list returned %d", result.Status)
	}

	if info.Type == TypeOllama {
		var tags struct {
			Models []struct {
				Name string `json:"name"`
			} `json:"models"`
		}
		if err := json.Unmarshal(result.Body, &tags); err != nil {
			return nil, bridgeerrors.Wrap(err, bridgeerrors.KindProviderConfigError, "unexpected model list payload")
		}
		names := make([]string, 0, len(tags.Models))
		for _, m := range tags.Models {
			names = append(names, m.Name)
		}
		return names, nil
	}

	var models struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(result.Body, &models); err != nil {
		return nil, bridgeerrors.Wrap(err, bridgeerrors.KindProviderConfigError, "unexpected model list payload")
	}
	names := make([]string, 0, len(models.Data))
	for _, m := range models.Data {
		names = append(names, m.ID)
	}
	return names, nil
}

// Forward rebuilds a tunnel request against the provider's base URL and
// executes it, returning the full response. The caller's deadline bounds the
// request; the client default applies only when there is none.
func (c *Client) Forward(ctx context.Context, info Info, method, path string, headers map[string]string, body []byte) (*ForwardResult, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.defaultTimeout)
		defer cancel()
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, info.BaseURL+path, reader)
	if err != nil {
		return nil, bridgeerrors.Wrap(err, bridgeerrors.KindRequestMalformed, "failed to build provider request")
	}
	applyHeaders(req, info, headers)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, info, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, bridgeerrors.Wrap(err, bridgeerrors.KindResponseTimeout, "failed reading provider response").
			WithContext(&bridgeerrors.Context{Provider: info.ID, Timestamp: time.Now()})
	}

	if resp.StatusCode == http.StatusNotFound && looksLikeModelError(respBody) {
		return nil, bridgeerrors.New(bridgeerrors.KindModelNotFound, "model not found on provider").
			WithDetail(string(respBody))
	}

	return &ForwardResult{
		Status:  resp.StatusCode,
		Headers: flattenHeaders(resp.Header),
		Body:    respBody,
	}, nil
}

// ForwardStream executes a streaming request and relays each upstream chunk
// as it arrives, without buffering the full response. The relay ends on the
// upstream terminator (`"done":true` for NDJSON, `[DONE]` for SSE) or on
// upstream disconnect.
func (c *Client) ForwardStream(ctx context.Context, info Info, method, path string, headers map[string]string, body []byte, onChunk ChunkHandler) error {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, info.BaseURL+path, reader)
	if err != nil {
		return bridgeerrors.Wrap(err, bridgeerrors.KindRequestMalformed, "failed to build provider request")
	}
	applyHeaders(req, info, headers)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransportError(ctx, info, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusNotFound && looksLikeModelError(respBody) {
			return bridgeerrors.New(bridgeerrors.KindModelNotFound, "model not found on provider").
				WithDetail(string(respBody))
		}
		return bridgeerrors.Newf(bridgeerrors.KindProviderUnavailable,
			"provider returned %d before streaming", resp.StatusCode).WithDetail(string(respBody))
	}

	return relayStream(ctx, resp.Body, onChunk)
}

// relayStream reads newline-delimited chunks and forwards them one by one.
func relayStream(ctx context.Context, body io.Reader, onChunk ChunkHandler) error {
	reader := bufio.NewReader(body)
	for {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return bridgeerrors.New(bridgeerrors.KindRequestTimeout, "stream exceeded its timeout")
			}
			return bridgeerrors.Wrap(ctx.Err(), bridgeerrors.KindTunnelDisconnected, "stream cancelled")
		default:
		}

		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			chunk, terminal := parseStreamLine(line)
			if chunk != nil {
				if cbErr := onChunk(*chunk); cbErr != nil {
					return cbErr
				}
			}
			if terminal {
				return nil
			}
		}
		if err != nil {
			if err == io.EOF {
				// Upstream disconnect without a terminator still ends the
				// stream; the router emits the final frame.
				return onChunk(StreamChunk{Done: true})
			}
			if ctx.Err() == context.DeadlineExceeded {
				return bridgeerrors.Wrap(err, bridgeerrors.KindRequestTimeout, "stream exceeded its timeout")
			}
			return bridgeerrors.Wrap(err, bridgeerrors.KindResponseTimeout, "stream read failed")
		}
	}
}

// parseStreamLine interprets one upstream line as a chunk. It handles both
// Ollama-style NDJSON and OpenAI-style SSE framing.
func parseStreamLine(line []byte) (*StreamChunk, bool) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil, false
	}

	// SSE framing: strip the "data:" prefix, [DONE] is the sentinel.
	if bytes.HasPrefix(trimmed, []byte("data:")) {
		payload := bytes.TrimSpace(trimmed[len("data:"):])
		if bytes.Equal(payload, []byte("[DONE]")) {
			return &StreamChunk{Data: trimmed, Done: true}, true
		}
		return &StreamChunk{Data: trimmed}, false
	}

	// NDJSON framing: a record with done:true is the sentinel.
	var sentinel struct {
		Done bool `json:"done"`
	}
	if err := json.Unmarshal(trimmed, &sentinel); err == nil && sentinel.Done {
		return &StreamChunk{Data: trimmed, Done: true}, true
	}
	return &StreamChunk{Data: trimmed}, false
}

func applyHeaders(req *http.Request, info Info, extra map[string]string) {
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range info.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range extra {
		// Hop-by-hop headers from the tunnel must not leak through.
		switch strings.ToLower(k) {
		case "host", "connection", "content-length", "authorization":
			continue
		}
		req.Header.Set(k, v)
	}
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func classifyTransportError(ctx context.Context, info Info, err error) error {
	errCtx := &bridgeerrors.Context{Provider: info.ID, Timestamp: time.Now()}
	if ctx.Err() == context.DeadlineExceeded {
		return bridgeerrors.Wrap(err, bridgeerrors.KindRequestTimeout, "provider request timed out").WithContext(errCtx)
	}
	return bridgeerrors.Wrap(err, bridgeerrors.KindProviderUnavailable,
		fmt.Sprintf("provider %s is not reachable", info.ID)).WithContext(errCtx)
}

func looksLikeModelError(body []byte) bool {
	return bytes.Contains(bytes.ToLower(body), []byte("model"))
}
