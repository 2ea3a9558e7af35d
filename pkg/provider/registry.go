package provider

import (
	"context"
	"sort"
	"sync"
	"time"

	bridgeerrors "github.com/ajitpratap0/llm-bridge-go/pkg/errors"
	"github.com/ajitpratap0/llm-bridge-go/pkg/logging"
	"github.com/ajitpratap0/llm-bridge-go/pkg/protocol"
)

// Event is published whenever a provider's health state changes. Subscribers
// receive snapshots, never live internal state.
type Event struct {
	ProviderID string
	OldStatus  HealthStatus
	NewStatus  HealthStatus
	At         time.Time
}

type record struct {
	info     Info
	status   HealthStatus
	metrics  Metrics
	enabled  bool
	priority int
}

// Registry tracks known providers and their health. All mutation happens
// through registry operations; consumers observe via snapshots and the
// state-change event channel.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*record
	client    *Client
	logger    logging.Logger
	subs      []chan Event
}

// NewRegistry creates an empty provider registry.
func NewRegistry(client *Client, logger logging.Logger) *Registry {
	if client == nil {
		client = NewClient(0)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Registry{
		providers: make(map[string]*record),
		client:    client,
		logger:    logger.WithFields(logging.String("component", "provider-registry")),
	}
}

// Register idempotently upserts a provider. Re-registering an existing id
// updates its info and priority but preserves accumulated metrics.
func (r *Registry) Register(info Info, priority int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.providers[info.ID]; ok {
		existing.info = info
		existing.priority = priority
		r.logger.Debug("provider updated", logging.Provider(info.ID))
		return
	}

	r.providers[info.ID] = &record{
		info:     info,
		status:   HealthUnknown,
		enabled:  true,
		priority: priority,
	}
	r.logger.Info("provider registered",
		logging.Provider(info.ID),
		logging.String("type", string(info.Type)),
		logging.Int("priority", priority),
	)
}

// Unregister removes a provider.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, id)
}

// Get returns a snapshot of one provider.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.providers[id]
	if !ok {
		return Record{}, false
	}
	return rec.snapshot(), true
}

// List returns snapshots of every registered provider.
func (r *Registry) List() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.providers))
	for _, rec := range r.providers {
		out = append(out, rec.snapshot())
	}
	return out
}

// SetEnabled toggles a provider without discarding its metrics.
func (r *Registry) SetEnabled(id string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.providers[id]; ok {
		rec.enabled = enabled
	}
}

// GetAvailableProviders returns enabled providers whose health is healthy or
// degraded, sorted by priority descending.
func (r *Registry) GetAvailableProviders() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, 0, len(r.providers))
	for _, rec := range r.providers {
		snap := rec.snapshot()
		if snap.Available() {
			out = append(out, snap)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}

// RecordOutcome folds one completed request into a provider's rolling
// metrics and re-evaluates its health state. Probe completions flow through
// the same path, so health transitions happen only here.
func (r *Registry) RecordOutcome(id string, latency time.Duration, err error) {
	r.mu.Lock()
	rec, ok := r.providers[id]
	if !ok {
		r.mu.Unlock()
		return
	}

	m := &rec.metrics
	now := time.Now()
	// Rolling average over all completed requests.
	total := m.TotalRequests
	m.AvgLatency = time.Duration((int64(m.AvgLatency)*total + int64(latency)) / (total + 1))
	m.TotalRequests++
	m.LastRequestAt = now
	if err != nil {
		m.FailureCount++
		m.LastFailureAt = now
	} else {
		m.SuccessCount++
		m.LastSuccessAt = now
	}

	oldStatus := rec.status
	rec.status = EvaluateHealth(rec.metrics)
	newStatus := rec.status
	r.mu.Unlock()

	if oldStatus != newStatus {
		r.logger.Info("provider health changed",
			logging.Provider(id),
			logging.String("from", string(oldStatus)),
			logging.String("to", string(newStatus)),
		)
		r.publish(Event{ProviderID: id, OldStatus: oldStatus, NewStatus: newStatus, At: now})
	}
}

// GetProviderWithFailover returns a provider that was live at the moment of
// return. The preferred provider is re-validated with a probe first; on
// failure each available candidate is probed by priority. Excluded ids are
// never returned.
func (r *Registry) GetProviderWithFailover(ctx context.Context, preferredID string, exclude ...string) (Record, error) {
	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	if preferredID != "" && !excluded[preferredID] {
		if rec, ok := r.Get(preferredID); ok && rec.Enabled {
			if r.probe(ctx, rec) {
				return rec, nil
			}
			r.logger.Warn("preferred provider failed live probe", logging.Provider(preferredID))
		}
	}

	r.mu.RLock()
	registered := len(r.providers)
	r.mu.RUnlock()
	if registered == 0 {
		return Record{}, bridgeerrors.New(bridgeerrors.KindProviderNotFound, "no providers registered")
	}

	for _, candidate := range r.GetAvailableProviders() {
		if excluded[candidate.ID] || candidate.ID == preferredID {
			continue
		}
		if r.probe(ctx, candidate) {
			return candidate, nil
		}
	}

	return Record{}, bridgeerrors.New(bridgeerrors.KindProviderUnavailable,
		"no provider passed its liveness probe")
}

// probe runs a live probe and folds the outcome into the metrics.
func (r *Registry) probe(ctx context.Context, rec Record) bool {
	latency, err := r.client.Probe(ctx, rec.Info)
	r.RecordOutcome(rec.ID, latency, err)
	return err == nil
}

// Subscribe returns a channel of health state-change events. Slow consumers
// lose events rather than blocking the registry.
func (r *Registry) Subscribe() <-chan Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan Event, 16)
	r.subs = append(r.subs, ch)
	return ch
}

func (r *Registry) publish(event Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ch := range r.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// StatusReport builds the wire-form provider status report sent to the
// cloud relay.
func (r *Registry) StatusReport() protocol.ProviderStatusReport {
	records := r.List()
	entries := make([]protocol.ProviderStatus, 0, len(records))
	for _, rec := range records {
		entries = append(entries, rec.StatusEntry())
	}
	return protocol.ProviderStatusReport{Providers: entries, Timestamp: time.Now()}
}

// Client exposes the shared provider HTTP client.
func (r *Registry) Client() *Client {
	return r.client
}

func (rec *record) snapshot() Record {
	return Record{
		Info:     rec.info,
		Status:   rec.status,
		Metrics:  rec.metrics,
		Enabled:  rec.enabled,
		Priority: rec.priority,
	}
}
