// Package provider tracks the LLM runtimes reachable by the bridge: their
// identity, rolling metrics, health state, and priority. The registry is the
// single source of truth the router consults when picking an execution
// target, and the health monitor keeps it current.
package provider

import (
	"time"

	"github.com/ajitpratap0/llm-bridge-go/pkg/protocol"
)

// Type identifies the provider variant. Variants share one capability
// record instead of per-vendor subclassing.
type Type string

const (
	TypeOllama           Type = "ollama"
	TypeLMStudio         Type = "lmStudio"
	TypeOpenAICompatible Type = "openAICompatible"
	TypeCustom           Type = "custom"
)

// HealthStatus is the 4-state provider health machine.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Info describes a provider as produced by discovery or manual registration.
type Info struct {
	ID      string            `json:"id"`
	Type    Type              `json:"type"`
	BaseURL string            `json:"baseUrl"`
	Headers map[string]string `json:"headers,omitempty"`

	// Capabilities flags what the provider supports (chat, streaming, pull).
	Capabilities []string `json:"capabilities,omitempty"`

	// Models lists model names discovered on the provider.
	Models []string `json:"models,omitempty"`

	// HealthPath overrides the variant's native health endpoint. Only
	// meaningful for custom providers.
	HealthPath string `json:"healthPath,omitempty"`
}

// Metrics holds the rolling request metrics for one provider.
type Metrics struct {
	TotalRequests int64         `json:"totalRequests"`
	SuccessCount  int64         `json:"successCount"`
	FailureCount  int64         `json:"failureCount"`
	AvgLatency    time.Duration `json:"avgLatency"`
	LastRequestAt time.Time     `json:"lastRequestAt"`
	LastSuccessAt time.Time     `json:"lastSuccessAt"`
	LastFailureAt time.Time     `json:"lastFailureAt"`
}

// SuccessRate returns the fraction of completed requests that succeeded.
// A provider with no completed requests has a rate of 0.
func (m Metrics) SuccessRate() float64 {
	if m.TotalRequests == 0 {
		return 0
	}
	return float64(m.SuccessCount) / float64(m.TotalRequests)
}

// Record is a point-in-time snapshot of one registered provider.
type Record struct {
	Info
	Status   HealthStatus `json:"status"`
	Metrics  Metrics      `json:"metrics"`
	Enabled  bool         `json:"enabled"`
	Priority int          `json:"priority"`
}

// StatusEntry converts a record into the wire form used by provider-status
// reports.
func (r Record) StatusEntry() protocol.ProviderStatus {
	return protocol.ProviderStatus{
		ID:          r.ID,
		Type:        string(r.Info.Type),
		Status:      string(r.Status),
		Models:      r.Models,
		SuccessRate: r.Metrics.SuccessRate(),
		AvgLatency:  r.Metrics.AvgLatency.Milliseconds(),
	}
}

// Health thresholds from the provider state machine. Evaluated after every
// completed request and after every periodic probe.
const (
	healthySuccessRate  = 0.95
	healthyMaxLatency   = 5 * time.Second
	degradedSuccessRate = 0.80
	degradedMaxLatency  = 10 * time.Second
)

// EvaluateHealth derives the health state from rolling metrics.
func EvaluateHealth(m Metrics) HealthStatus {
	switch {
	case m.TotalRequests == 0:
		return HealthUnknown
	case m.SuccessRate() >= healthySuccessRate && m.AvgLatency < healthyMaxLatency:
		return HealthHealthy
	case m.SuccessRate() >= degradedSuccessRate && m.AvgLatency < degradedMaxLatency:
		return HealthDegraded
	default:
		return HealthUnhealthy
	}
}

// Available reports whether a record may serve traffic.
func (r Record) Available() bool {
	return r.Enabled && (r.Status == HealthHealthy || r.Status == HealthDegraded)
}
