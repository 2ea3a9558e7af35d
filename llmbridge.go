// Package llmbridge connects local LLM runtimes to a cloud relay. A bridge
// registers with the relay, receives HTTP-shaped requests over a polling or
// duplex tunnel, executes them against local providers (Ollama, LM Studio,
// OpenAI-compatible servers), and pushes the results back.
package llmbridge

import (
	"github.com/ajitpratap0/llm-bridge-go/pkg/auth"
	"github.com/ajitpratap0/llm-bridge-go/pkg/logging"
	"github.com/ajitpratap0/llm-bridge-go/pkg/protocol"
	"github.com/ajitpratap0/llm-bridge-go/pkg/provider"
	"github.com/ajitpratap0/llm-bridge-go/pkg/router"
	"github.com/ajitpratap0/llm-bridge-go/pkg/transport"
)

// Version represents the current version of the bridge.
const Version = "1.0.0"

// These exports provide direct access to the core bridge components
var (
	// NewRegistry creates a provider registry
	NewRegistry = provider.NewRegistry

	// NewProviderClient creates the HTTP client shared by all providers
	NewProviderClient = provider.NewClient

	// NewHealthMonitor creates a periodic provider health monitor
	NewHealthMonitor = provider.NewHealthMonitor

	// NewRouter creates a request router over a registry
	NewRouter = router.New

	// NewTransport creates the transport selected by its config
	NewTransport = transport.New

	// NewPollingTransport creates an HTTP long-polling tunnel
	NewPollingTransport = transport.NewPollingTransport

	// NewDuplexTransport creates a websocket tunnel
	NewDuplexTransport = transport.NewDuplexTransport

	// NewLogger creates a structured logger
	NewLogger = logging.New

	// NewCachingTokenSource creates a token source around a refresh function
	NewCachingTokenSource = auth.NewCachingTokenSource
)

// Provider variants
const (
	ProviderOllama           = provider.TypeOllama
	ProviderLMStudio         = provider.TypeLMStudio
	ProviderOpenAICompatible = provider.TypeOpenAICompatible
	ProviderCustom           = provider.TypeCustom
)

// Transport variants
const (
	TransportPolling = transport.TypePolling
	TransportDuplex  = transport.TypeDuplex
)

// Classify derives type, priority, and timeout for a forwarded request.
var Classify = router.Classify

// ParseMessage decodes one tunnel frame.
var ParseMessage = protocol.ParseMessage
