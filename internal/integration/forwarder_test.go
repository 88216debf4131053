package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blekey-server/blekey-server/internal/config"
)

func TestForwardToHTTP(t *testing.T) {
	var got Record
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("X-Api-Key")
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	f := NewForwarder(config.IntegrationConfig{
		HTTP: config.HTTPIntegrationConfig{
			Enabled:  true,
			Endpoint: srv.URL,
			Headers:  map[string]string{"X-Api-Key": "k1"},
		},
	})
	require.True(t, f.Enabled())

	err := f.Forward(context.Background(), Record{
		Type:    "key_info",
		Address: "C4:BE:84:00:30:09",
		Data:    map[string]int{"keyId": 4660},
	})
	require.NoError(t, err)

	assert.Equal(t, "k1", auth)
	assert.Equal(t, "key_info", got.Type)
	assert.Equal(t, "C4:BE:84:00:30:09", got.Address)
	assert.False(t, got.Timestamp.IsZero())
	assert.Equal(t, map[string]interface{}{"keyId": float64(4660)}, got.Data)
}

func TestForwardToHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := NewForwarder(config.IntegrationConfig{
		HTTP: config.HTTPIntegrationConfig{Enabled: true, Endpoint: srv.URL, Timeout: time.Second},
	})
	err := f.Forward(context.Background(), Record{Type: "events"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

func TestDisabledForwarderIsNoop(t *testing.T) {
	f := NewForwarder(config.IntegrationConfig{})
	assert.False(t, f.Enabled())
	assert.NoError(t, f.Forward(context.Background(), Record{Type: "events"}))
	f.Close()
}

func TestTopic(t *testing.T) {
	rec := Record{Type: "events", Address: "C4:BE:84:00:30:09", Session: "s1"}
	assert.Equal(t, "blekey/C4BE84003009/events", Topic("blekey/{address}/{type}", rec))
	assert.Equal(t, "keys/s1", Topic("keys/{session}", rec))
}
