package protocol

import (
	"encoding/json"
	"time"
)

// BridgeConfig carries the server-tuned intervals and per-type timeouts
// negotiated at registration. All durations are milliseconds on the wire.
type BridgeConfig struct {
	PollingInterval     int `json:"pollingInterval"`
	HeartbeatInterval   int `json:"heartbeatInterval"`
	RequestTimeout      int `json:"requestTimeout"`
	LLMChatTimeout      int `json:"llmChatTimeout"`
	LLMModelTimeout     int `json:"llmModelTimeout"`
	LLMStreamingTimeout int `json:"llmStreamingTimeout"`
}

// PollingIntervalDuration returns the polling interval as a time.Duration.
func (c BridgeConfig) PollingIntervalDuration() time.Duration {
	return time.Duration(c.PollingInterval) * time.Millisecond
}

// HeartbeatIntervalDuration returns the heartbeat interval as a time.Duration.
func (c BridgeConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(c.HeartbeatInterval) * time.Millisecond
}

// RequestTimeoutDuration returns the generic request timeout as a time.Duration.
func (c BridgeConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Millisecond
}

// ChatTimeoutDuration returns the chat timeout as a time.Duration.
func (c BridgeConfig) ChatTimeoutDuration() time.Duration {
	return time.Duration(c.LLMChatTimeout) * time.Millisecond
}

// ModelTimeoutDuration returns the model-operation timeout as a time.Duration.
func (c BridgeConfig) ModelTimeoutDuration() time.Duration {
	return time.Duration(c.LLMModelTimeout) * time.Millisecond
}

// StreamingTimeoutDuration returns the streaming timeout as a time.Duration.
func (c BridgeConfig) StreamingTimeoutDuration() time.Duration {
	return time.Duration(c.LLMStreamingTimeout) * time.Millisecond
}

// RegisterRequest is the registration payload sent to the cloud relay.
type RegisterRequest struct {
	ClientID     string   `json:"clientId"`
	Platform     string   `json:"platform"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

// RegisterResult is the relay's answer to a registration attempt.
type RegisterResult struct {
	Success  bool         `json:"success"`
	BridgeID string       `json:"bridgeId"`
	Config   BridgeConfig `json:"config"`
	Message  string       `json:"message,omitempty"`
}

// PolledRequest wraps one pending request returned by a poll cycle.
type PolledRequest struct {
	ID   string  `json:"id"`
	Data Request `json:"data"`
}

// PollResult is the relay's answer to a long-poll.
type PollResult struct {
	Success  bool            `json:"success"`
	Requests []PolledRequest `json:"requests"`
}

// ResponseSubmission posts a completed result back, keyed by request id.
type ResponseSubmission struct {
	RequestID string            `json:"requestId"`
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      json.RawMessage   `json:"body,omitempty"`
	Provider  string            `json:"provider,omitempty"`
	Fallback  bool              `json:"fallback,omitempty"`
}

// ProviderStatusReport publishes the bridge's current provider view.
type ProviderStatusReport struct {
	Providers []ProviderStatus `json:"providers"`
	Timestamp time.Time        `json:"timestamp"`
}

// ProviderStatus is one provider entry in a status report.
type ProviderStatus struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"`
	Status      string   `json:"status"`
	Models      []string `json:"models,omitempty"`
	SuccessRate float64  `json:"successRate"`
	AvgLatency  int64    `json:"avgLatencyMs"`
}
