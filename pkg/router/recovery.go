package router

import (
	"context"
	"encoding/json"
	"time"

	bridgeerrors "github.com/ajitpratap0/llm-bridge-go/pkg/errors"
	"github.com/ajitpratap0/llm-bridge-go/pkg/logging"
	"github.com/ajitpratap0/llm-bridge-go/pkg/protocol"
	"github.com/ajitpratap0/llm-bridge-go/pkg/provider"
)

// recover applies at most one recovery attempt for a failed request, driven
// by the error's recovery strategy. It returns the terminal message when
// recovery produced one, or nil when the original error stands.
func (r *Router) recover(ctx context.Context, req *protocol.Request, cls LLMRequest, failed provider.Record, sink StreamSink, cause error) protocol.Message {
	be, ok := bridgeerrors.AsBridgeError(cause)
	if !ok {
		return nil
	}

	log := r.logger.WithFields(
		logging.RequestID(req.ID),
		logging.String("strategy", string(be.Recovery())),
	)

	switch be.Recovery() {
	case bridgeerrors.RecoveryRetry:
		return r.retrySame(ctx, req, cls, failed, sink, log, r.cfg.RetryDelay)

	case bridgeerrors.RecoveryRetryWithBackoff:
		return r.retrySame(ctx, req, cls, failed, sink, log, r.cfg.BackoffDelay)

	case bridgeerrors.RecoverySwitchProvider:
		return r.switchProvider(ctx, req, cls, failed, sink, log)

	case bridgeerrors.RecoveryFallbackMode:
		return r.fallbackMode(ctx, req, cls, failed, sink, log)

	default:
		return nil
	}
}

// retrySame re-executes against the same provider after a pause.
func (r *Router) retrySame(ctx context.Context, req *protocol.Request, cls LLMRequest, rec provider.Record, sink StreamSink, log logging.Logger, delay time.Duration) protocol.Message {
	if !sleepCtx(ctx, delay) {
		return nil
	}
	resp, err := r.attempt(ctx, rec, req, cls, sink)
	if err != nil {
		log.Warn("retry failed", logging.Provider(rec.ID), logging.ErrorField(err))
		return nil
	}
	log.Info("retry succeeded", logging.Provider(rec.ID))
	return resp
}

// switchProvider re-executes against the next live candidate, excluding the
// provider that already failed. The result is marked as a fallback.
func (r *Router) switchProvider(ctx context.Context, req *protocol.Request, cls LLMRequest, failed provider.Record, sink StreamSink, log logging.Logger) protocol.Message {
	next, err := r.registry.GetProviderWithFailover(ctx, "", failed.ID)
	if err != nil {
		log.Error("no failover candidate", logging.ErrorField(err))
		return errorMessage(req.ID, bridgeerrors.New(bridgeerrors.KindProviderUnavailable,
			"all providers failed"))
	}

	resp, err := r.attempt(ctx, next, req, cls, sink)
	if err != nil {
		log.Error("failover attempt failed",
			logging.Provider(next.ID),
			logging.ErrorField(err),
		)
		return errorMessage(req.ID, bridgeerrors.New(bridgeerrors.KindProviderUnavailable,
			"all providers failed"))
	}

	log.Info("request served by fallback provider", logging.Provider(next.ID))
	resp.Fallback = true
	return resp
}

// fallbackMode strips the request to its essentials and retries once against
// the same provider with half the classified timeout.
func (r *Router) fallbackMode(ctx context.Context, req *protocol.Request, cls LLMRequest, rec provider.Record, sink StreamSink, log logging.Logger) protocol.Message {
	stripped := *req
	stripped.Body = essentialBody(req.Body)

	reducedCls := cls
	reducedCls.Streaming = false
	reducedCls.Timeout = cls.Timeout / 2

	fbCtx, cancel := context.WithTimeout(ctx, reducedCls.Timeout)
	defer cancel()

	resp, err := r.attempt(fbCtx, rec, &stripped, reducedCls, sink)
	if err != nil {
		log.Warn("fallback-mode attempt failed", logging.ErrorField(err))
		return nil
	}
	log.Info("fallback-mode attempt succeeded", logging.Provider(rec.ID))
	return resp
}

// essentialBody keeps only the fields a provider needs to answer at all and
// forces non-streaming delivery.
func essentialBody(body json.RawMessage) json.RawMessage {
	if len(body) == 0 {
		return body
	}
	var full map[string]json.RawMessage
	if err := json.Unmarshal(body, &full); err != nil {
		return body
	}

	stripped := make(map[string]json.RawMessage, 3)
	for _, key := range []string{"model", "messages", "prompt"} {
		if v, ok := full[key]; ok {
			stripped[key] = v
		}
	}
	stripped["stream"] = json.RawMessage("false")

	out, err := json.Marshal(stripped)
	if err != nil {
		return body
	}
	return out
}

// sleepCtx pauses for d unless the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
