package errors

import "net/http"

// KindInfo provides default handling metadata for an error kind.
type KindInfo struct {
	Kind        Kind
	Description string
	Severity    Severity
	Recovery    RecoveryStrategy
	HTTPStatus  int
	Hints       []string
}

// kindRegistry maps each taxonomy kind to its default handling metadata.
// Propagation policy: malformed requests fail fast; transient network and
// provider errors get one automatic recovery attempt before surfacing.
var kindRegistry = map[Kind]KindInfo{
	KindRequestMalformed: {
		Kind: KindRequestMalformed, Description: "Request could not be parsed or validated",
		Severity: SeverityWarning, Recovery: RecoveryNone, HTTPStatus: http.StatusBadRequest,
		Hints: []string{"Check the request method, path, and body encoding"},
	},
	KindProviderNotFound: {
		Kind: KindProviderNotFound, Description: "No provider matches the requested id",
		Severity: SeverityError, Recovery: RecoverySwitchProvider, HTTPStatus: http.StatusNotFound,
		Hints: []string{"Verify the provider id", "Run discovery to refresh the provider list"},
	},
	KindProviderUnavailable: {
		Kind: KindProviderUnavailable, Description: "Provider is not reachable or not healthy",
		Severity: SeverityError, Recovery: RecoverySwitchProvider, HTTPStatus: http.StatusServiceUnavailable,
		Hints: []string{"Check that the provider process is running", "Verify the provider base URL"},
	},
	KindModelNotFound: {
		Kind: KindModelNotFound, Description: "Requested model is not installed on the provider",
		Severity: SeverityError, Recovery: RecoveryNone, HTTPStatus: http.StatusNotFound,
		Hints: []string{"Pull the model first", "List available models with the model list endpoint"},
	},
	KindConnectionTimeout: {
		Kind: KindConnectionTimeout, Description: "Timed out establishing a connection",
		Severity: SeverityError, Recovery: RecoveryRetryWithBackoff, HTTPStatus: http.StatusGatewayTimeout,
		Hints: []string{"Check local network connectivity", "The provider may be starting up"},
	},
	KindRequestTimeout: {
		Kind: KindRequestTimeout, Description: "Request exceeded its effective timeout",
		Severity: SeverityError, Recovery: RecoveryRetry, HTTPStatus: http.StatusGatewayTimeout,
		Hints: []string{"Increase the per-request timeout", "Try a smaller prompt or faster model"},
	},
	KindResponseTimeout: {
		Kind: KindResponseTimeout, Description: "Timed out waiting for the provider response",
		Severity: SeverityError, Recovery: RecoveryRetry, HTTPStatus: http.StatusGatewayTimeout,
		Hints: []string{"The provider may be overloaded", "Try again or switch providers"},
	},
	KindAuthenticationFailed: {
		Kind: KindAuthenticationFailed, Description: "Authentication with the cloud relay failed",
		Severity: SeverityCritical, Recovery: RecoveryUserIntervention, HTTPStatus: http.StatusUnauthorized,
		Hints: []string{"Sign in again to refresh credentials"},
	},
	KindAuthorizationDenied: {
		Kind: KindAuthorizationDenied, Description: "The account is not authorized for this operation",
		Severity: SeverityError, Recovery: RecoveryUserIntervention, HTTPStatus: http.StatusUnauthorized,
		Hints: []string{"Check the account's plan and permissions"},
	},
	KindTokenExpired: {
		Kind: KindTokenExpired, Description: "Access token has expired",
		Severity: SeverityWarning, Recovery: RecoveryRetry, HTTPStatus: http.StatusUnauthorized,
		Hints: []string{"The token will be refreshed automatically on retry"},
	},
	KindRequestTooLarge: {
		Kind: KindRequestTooLarge, Description: "Request payload exceeds the allowed size",
		Severity: SeverityWarning, Recovery: RecoveryNone, HTTPStatus: http.StatusRequestEntityTooLarge,
		Hints: []string{"Reduce the prompt or attachment size"},
	},
	KindRequestRateLimited: {
		Kind: KindRequestRateLimited, Description: "Too many requests in flight",
		Severity: SeverityWarning, Recovery: RecoveryRetryWithBackoff, HTTPStatus: http.StatusTooManyRequests,
		Hints: []string{"Wait for in-flight requests to finish before retrying"},
	},
	KindProviderConfigError: {
		Kind: KindProviderConfigError, Description: "Provider configuration is invalid",
		Severity: SeverityError, Recovery: RecoveryFallbackMode, HTTPStatus: http.StatusInternalServerError,
		Hints: []string{"Review the provider's base URL and headers"},
	},
	KindTunnelDisconnected: {
		Kind: KindTunnelDisconnected, Description: "Tunnel to the cloud relay is disconnected",
		Severity: SeverityError, Recovery: RecoveryRetryWithBackoff, HTTPStatus: http.StatusServiceUnavailable,
		Hints: []string{"The bridge reconnects automatically", "Check internet connectivity"},
	},
}

func infoForKind(kind Kind) KindInfo {
	if info, ok := kindRegistry[kind]; ok {
		return info
	}
	return KindInfo{
		Kind:       kind,
		Severity:   SeverityError,
		Recovery:   RecoveryNone,
		HTTPStatus: http.StatusInternalServerError,
	}
}

// StatusForKind returns the HTTP-style status derived from an error kind.
func StatusForKind(kind Kind) int {
	return infoForKind(kind).HTTPStatus
}

// HintsForKind returns troubleshooting hints for an error kind.
func HintsForKind(kind Kind) []string {
	return infoForKind(kind).Hints
}

// RecoveryForKind returns the default recovery strategy for an error kind.
func RecoveryForKind(kind Kind) RecoveryStrategy {
	return infoForKind(kind).Recovery
}

// ListKinds returns all registered kinds with their metadata.
func ListKinds() []KindInfo {
	kinds := make([]KindInfo, 0, len(kindRegistry))
	for _, info := range kindRegistry {
		kinds = append(kinds, info)
	}
	return kinds
}
