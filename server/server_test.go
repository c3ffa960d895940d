package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mevdschee/tqdbsync/admission"
	"github.com/mevdschee/tqdbsync/cache"
)

type pinger struct{ err error }

func (p pinger) PingContext(context.Context) error { return p.err }

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	m := admission.NewManager(nil)
	assert.Equal(t, http.StatusOK, do(t, New(m, nil, pinger{}).Handler(), "GET", "/healthz").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, New(m, nil, pinger{errors.New("down")}).Handler(), "GET", "/healthz").Code)
	assert.Equal(t, http.StatusOK, do(t, New(m, nil, nil).Handler(), "GET", "/healthz").Code)
}

func TestPoolAndWhitelist(t *testing.T) {
	m := admission.NewManager(map[string]admission.PoolConfig{"push": {MaxSize: 1, ReservationTimeout: time.Minute}})
	h := New(m, nil, nil).Handler()

	require.True(t, m.ReserveConnection("a", "push", admission.Soft))

	rec := do(t, h, "GET", "/pools/push")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Pool         string `json:"pool"`
		Count        int    `json:"count"`
		Reservations []struct {
			NodeID string `json:"node_id"`
			Type   string `json:"type"`
			TTLMs  int64  `json:"ttl_ms"`
		} `json:"reservations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "push", body.Pool)
	assert.Equal(t, 1, body.Count)
	require.Len(t, body.Reservations, 1)
	assert.Equal(t, "a", body.Reservations[0].NodeID)
	assert.Equal(t, "SOFT", body.Reservations[0].Type)
	assert.Equal(t, int64(60000), body.Reservations[0].TTLMs)

	assert.Equal(t, http.StatusNoContent, do(t, h, "PUT", "/whitelist/admin").Code)
	assert.Equal(t, []string{"admin"}, m.Whitelist())
	assert.True(t, m.ReserveConnection("admin", "push", admission.Soft))

	rec = do(t, h, "GET", "/whitelist")
	assert.JSONEq(t, `["admin"]`, rec.Body.String())

	assert.Equal(t, http.StatusNoContent, do(t, h, "DELETE", "/whitelist/admin").Code)
	assert.Empty(t, m.Whitelist())
}

func TestFlushCache(t *testing.T) {
	registry := cache.NewRegistry()
	flushed := 0
	registry.Register("channels", cache.FlushFunc(func() { flushed++ }))
	h := New(admission.NewManager(nil), registry, nil).Handler()

	assert.Equal(t, http.StatusNoContent, do(t, h, "POST", "/caches/channels/flush").Code)
	assert.Equal(t, 1, flushed)
	assert.Equal(t, http.StatusNotFound, do(t, h, "POST", "/caches/nope/flush").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	rec := do(t, New(admission.NewManager(nil), nil, nil).Handler(), "GET", "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStartAndShutdown(t *testing.T) {
	s := New(admission.NewManager(nil), nil, nil)
	assert.NoError(t, s.Shutdown(context.Background()))

	err := s.Start("127.0.0.1:-1")
	require.Error(t, err)
	assert.NoError(t, s.Shutdown(context.Background()))
}
