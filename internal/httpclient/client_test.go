package httpclient

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/hooks/automation/run", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		_ = json.NewEncoder(w).Encode(map[string]string{"echo": in["runId"]})
	}))
	defer srv.Close()

	c, err := New(srv.URL+"/hooks", Options{Timeout: time.Second})
	require.NoError(t, err)

	var out map[string]string
	err = c.PostJSON(context.Background(), "automation/run", map[string]string{"runId": "run-1"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "run-1", out["echo"])
}

func TestPostJSONStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"bad profile"}`, http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c, err := New(srv.URL, Options{})
	require.NoError(t, err)

	err = c.PostJSON(context.Background(), "run", map[string]string{}, nil)
	require.Error(t, err)

	se, ok := AsStatusError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnprocessableEntity, se.StatusCode)
	assert.Contains(t, se.Error(), "bad profile")
}

func TestPostJSONHonorsContext(t *testing.T) {
	c, err := New("http://example.invalid", Options{RequestsPerSecond: 0.001, Burst: 1})
	require.NoError(t, err)

	// Drain the single token so the next call has to wait
	require.True(t, c.limiter.Allow())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, c.PostJSON(ctx, "run", nil, nil))
}

func TestNewValidatesURL(t *testing.T) {
	_, err := New("ftp://example.com", Options{})
	assert.Error(t, err)

	_, err = New("http://", Options{})
	assert.Error(t, err)

	_, err = New("http://localhost:8080", Options{BlockPrivateIP: true})
	assert.Error(t, err)

	_, err = New("http://10.0.0.4", Options{BlockPrivateIP: true})
	assert.Error(t, err)

	_, err = New("http://10.0.0.4", Options{})
	assert.NoError(t, err)
}

func TestIsPrivateIP(t *testing.T) {
	for _, addr := range []string{"127.0.0.1", "10.1.2.3", "172.16.0.1", "192.168.1.1", "169.254.0.1", "::1", "fd00::1", "fe80::1"} {
		assert.True(t, isPrivateIP(net.ParseIP(addr)), addr)
	}
	for _, addr := range []string{"8.8.8.8", "1.1.1.1", "2606:4700:4700::1111"} {
		assert.False(t, isPrivateIP(net.ParseIP(addr)), addr)
	}
}
