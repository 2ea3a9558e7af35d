// Package router classifies forwarded requests, selects a live provider,
// and executes with automatic failover. Classification is a pure function of
// the raw request; routing consults the provider registry on every call.
package router

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/ajitpratap0/llm-bridge-go/pkg/protocol"
)

// RequestType is the classified kind of a forwarded request.
type RequestType string

const (
	TypeTextGeneration      RequestType = "textGeneration"
	TypeStreamingGeneration RequestType = "streamingGeneration"
	TypeModelList           RequestType = "modelList"
	TypeModelPull           RequestType = "modelPull"
	TypeModelDelete         RequestType = "modelDelete"
	TypeModelInfo           RequestType = "modelInfo"
	TypeHealthCheck         RequestType = "healthCheck"
	TypeProviderStatus      RequestType = "providerStatus"
	TypeUnknown             RequestType = "unknown"
)

// Priority orders queued messages while the tunnel is disconnected. It never
// preempts in-flight work.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the human-readable priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Default timeouts per classified type.
const (
	DefaultQueryTimeout     = 10 * time.Second // list / info / health / status
	DefaultChatTimeout      = 60 * time.Second
	DefaultStreamingTimeout = 5 * time.Minute
	DefaultPullTimeout      = 30 * time.Minute
	DefaultDeleteTimeout    = 30 * time.Second
	DefaultUnknownTimeout   = 30 * time.Second
)

// TimeoutHeader overrides the classified timeout for one request, in
// milliseconds.
const TimeoutHeader = "X-LLM-Timeout"

// LLMRequest is the classified view of a forwarded request. It is derived
// once per incoming request and never persisted.
type LLMRequest struct {
	Type              RequestType
	Priority          Priority
	Streaming         bool
	PreferredProvider string
	Timeout           time.Duration
	Model             string
}

// bodyParams are the request-body fields classification cares about.
type bodyParams struct {
	Model     string `json:"model"`
	Stream    *bool  `json:"stream"`
	TimeoutMS int64  `json:"timeout_ms"`
}

// Classify derives type, priority, streaming flag, and effective timeout
// from a forwarded request. Identical (method, path, body) always produce
// identical results.
func Classify(req *protocol.Request) LLMRequest {
	params := parseBody(req.Body)

	streaming := params.Stream != nil && *params.Stream
	if req.LLM != nil && req.LLM.Streaming {
		streaming = true
	}

	reqType := classifyPath(req.Method, req.Path, streaming)
	cls := LLMRequest{
		Type:      reqType,
		Priority:  priorityFor(reqType),
		Streaming: reqType == TypeStreamingGeneration,
		Timeout:   defaultTimeout(reqType),
		Model:     params.Model,
	}
	if req.LLM != nil {
		cls.PreferredProvider = req.LLM.PreferredProvider
	}

	if override := timeoutOverride(req, params); override > 0 {
		cls.Timeout = override
	}
	return cls
}

func classifyPath(method, path string, streaming bool) RequestType {
	p := strings.ToLower(strings.TrimSuffix(path, "/"))
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}

	switch {
	case strings.HasSuffix(p, "/api/chat"), strings.HasSuffix(p, "/api/generate"),
		strings.HasSuffix(p, "/v1/chat/completions"), strings.HasSuffix(p, "/v1/completions"):
		if streaming {
			return TypeStreamingGeneration
		}
		return TypeTextGeneration
	case strings.HasSuffix(p, "/api/tags"), strings.HasSuffix(p, "/v1/models"):
		return TypeModelList
	case strings.HasSuffix(p, "/api/pull"):
		return TypeModelPull
	case strings.HasSuffix(p, "/api/delete"):
		return TypeModelDelete
	case strings.HasSuffix(p, "/api/show"):
		return TypeModelInfo
	case strings.HasSuffix(p, "/api/version"), strings.HasSuffix(p, "/health"),
		strings.HasSuffix(p, "/healthz"):
		return TypeHealthCheck
	case strings.HasSuffix(p, "/provider-status"), strings.HasSuffix(p, "/providers/status"):
		return TypeProviderStatus
	case method == "DELETE" && strings.Contains(p, "/models/"):
		return TypeModelDelete
	default:
		return TypeUnknown
	}
}

func priorityFor(t RequestType) Priority {
	switch t {
	case TypeHealthCheck, TypeProviderStatus:
		return PriorityCritical
	case TypeTextGeneration, TypeStreamingGeneration:
		return PriorityHigh
	case TypeModelPull, TypeModelDelete:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

func defaultTimeout(t RequestType) time.Duration {
	switch t {
	case TypeTextGeneration:
		return DefaultChatTimeout
	case TypeStreamingGeneration:
		return DefaultStreamingTimeout
	case TypeModelPull:
		return DefaultPullTimeout
	case TypeModelDelete:
		return DefaultDeleteTimeout
	case TypeModelList, TypeModelInfo, TypeHealthCheck, TypeProviderStatus:
		return DefaultQueryTimeout
	default:
		return DefaultUnknownTimeout
	}
}

func parseBody(body json.RawMessage) bodyParams {
	var params bodyParams
	if len(body) > 0 {
		// Unparseable bodies classify as if empty; execution surfaces the
		// real error.
		_ = json.Unmarshal(body, &params)
	}
	return params
}

func timeoutOverride(req *protocol.Request, params bodyParams) time.Duration {
	for k, v := range req.Headers {
		if strings.EqualFold(k, TimeoutHeader) {
			if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
				return time.Duration(ms) * time.Millisecond
			}
		}
	}
	if params.TimeoutMS > 0 {
		return time.Duration(params.TimeoutMS) * time.Millisecond
	}
	return 0
}
