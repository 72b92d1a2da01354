package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct{ err error }

func (f fakeStore) Ping(context.Context) error { return f.err }

type fakeNATS bool

func (f fakeNATS) IsConnected() bool { return bool(f) }

type fakeCounter int

func (f fakeCounter) Count() int { return int(f) }

func TestChecker_Check(t *testing.T) {
	tests := []struct {
		name      string
		store     Pinger
		nats      NATSConn
		wantStore string
		wantNATS  string
		healthy   bool
	}{
		{"single node", fakeStore{}, nil, "connected", "not configured", true},
		{"cluster", fakeStore{}, fakeNATS(true), "connected", "connected", true},
		{"nats down", fakeStore{}, fakeNATS(false), "connected", "disconnected", false},
		{"store down", fakeStore{err: errors.New("refused")}, nil, "disconnected", "not configured", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewChecker("gw-1", tt.store, tt.nats, fakeCounter(3))
			status := checker.Check(context.Background())

			assert.Equal(t, tt.wantStore, status.Store)
			assert.Equal(t, tt.wantNATS, status.NATS)
			assert.Equal(t, 3, status.Sessions)
			assert.Equal(t, "gw-1", status.NodeID)
			assert.Equal(t, tt.healthy, checker.IsHealthy(context.Background()))
		})
	}
}

func TestChecker_ServeHTTP(t *testing.T) {
	checker := NewChecker("gw-1", fakeStore{err: errors.New("refused")}, nil, nil)

	rec := httptest.NewRecorder()
	checker.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var status Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "disconnected", status.Store)
}
