package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeAllTransitionsHealth(t *testing.T) {
	live := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer live.Close()

	r := newTestRegistry()
	r.Register(Info{ID: "up", Type: TypeCustom, BaseURL: live.URL}, 0)
	r.Register(Info{ID: "down", Type: TypeCustom, BaseURL: "http://127.0.0.1:1"}, 0)

	monitor := NewHealthMonitor(r, time.Minute, nil)
	monitor.ProbeAll(context.Background())

	up, _ := r.Get("up")
	down, _ := r.Get("down")
	assert.Equal(t, HealthHealthy, up.Status)
	assert.Equal(t, HealthUnhealthy, down.Status)
}

func TestProbeAllSkipsDisabled(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	r := newTestRegistry()
	r.Register(Info{ID: "p", Type: TypeCustom, BaseURL: srv.URL}, 0)
	r.SetEnabled("p", false)

	NewHealthMonitor(r, time.Minute, nil).ProbeAll(context.Background())
	assert.Zero(t, hits.Load())

	rec, _ := r.Get("p")
	assert.Equal(t, HealthUnknown, rec.Status)
}

func TestMonitorLoopProbesOnInterval(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	r := newTestRegistry()
	r.Register(Info{ID: "p", Type: TypeCustom, BaseURL: srv.URL}, 0)

	monitor := NewHealthMonitor(r, 20*time.Millisecond, nil)
	monitor.Start(context.Background())
	defer monitor.Stop()

	require.Eventually(t, func() bool {
		return hits.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMonitorStopIsIdempotent(t *testing.T) {
	r := newTestRegistry()
	monitor := NewHealthMonitor(r, 10*time.Millisecond, nil)
	monitor.Start(context.Background())
	monitor.Stop()
	monitor.Stop()
}
