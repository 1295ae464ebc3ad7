package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/polar/errors"
)

func TestHTTPAutomationGateway(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"runId":"run-1","automationId":"job-1"}`, string(body))
		_, _ = w.Write([]byte(`{"status":"executed","runId":"run-1"}`))
	}))
	defer srv.Close()

	gw, err := NewHTTPAutomationGateway(HTTPConfig{URL: srv.URL, Timeout: time.Second})
	require.NoError(t, err)

	out, err := gw.ExecuteRun(context.Background(), json.RawMessage(`{"runId":"run-1","automationId":"job-1"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"executed","runId":"run-1"}`, string(out))
}

func TestHTTPGatewayBlocksPrivateTargets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("blocked gateway must not reach the server")
	}))
	defer srv.Close()

	_, err := NewHTTPAutomationGateway(HTTPConfig{URL: srv.URL, Timeout: time.Second, BlockPrivateIP: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked")

	_, err = NewHTTPHeartbeatGateway(HTTPConfig{URL: "http://localhost:9000", BlockPrivateIP: true})
	assert.Error(t, err)

	_, err = NewHTTPHeartbeatGateway(HTTPConfig{URL: "http://localhost:9000"})
	assert.NoError(t, err)
}

func TestHTTPGatewayContractErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		code    string
		message string
		details []string
	}{
		{
			name:    "structured body",
			status:  http.StatusUnprocessableEntity,
			body:    `{"code":"PROFILE_UNKNOWN","message":"profile does not exist","details":["profileId: p-9"]}`,
			code:    "PROFILE_UNKNOWN",
			message: "profile does not exist",
			details: []string{"profileId: p-9"},
		},
		{
			name:    "error body",
			status:  http.StatusBadRequest,
			body:    `{"error":"missing policyId"}`,
			code:    DefaultContractCode,
			message: "missing policyId",
		},
		{
			name:    "plain text body",
			status:  http.StatusConflict,
			body:    "already running",
			code:    DefaultContractCode,
			message: "already running",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			gw, err := NewHTTPHeartbeatGateway(HTTPConfig{URL: srv.URL})
			require.NoError(t, err)

			_, err = gw.Tick(context.Background(), json.RawMessage(`{}`))
			require.Error(t, err)

			ce, ok := AsContractError(err)
			require.True(t, ok)
			assert.Equal(t, tt.code, ce.Code)
			assert.Equal(t, tt.message, ce.Message)
			assert.Equal(t, tt.details, ce.Details)
		})
	}
}

func TestHTTPGatewayServerErrorIsNotContractError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	gw, err := NewHTTPAutomationGateway(HTTPConfig{URL: srv.URL})
	require.NoError(t, err)

	_, err = gw.ExecuteRun(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)
	_, ok := AsContractError(err)
	assert.False(t, ok)
}

func TestAsContractErrorFromValidationError(t *testing.T) {
	v := errors.NewValidationError("executeRun")
	v.Add("profileId", "is required")

	ce, ok := AsContractError(errors.Wrap(v.Err(), "executor"))
	require.True(t, ok)
	assert.Equal(t, DefaultContractCode, ce.Code)
	assert.Equal(t, []string{"profileId: is required"}, ce.Details)

	_, ok = AsContractError(errors.New("timeout"))
	assert.False(t, ok)
}

func TestFuncAdapters(t *testing.T) {
	var auto AutomationGateway = AutomationFunc(func(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"status":"skipped"}`), nil
	})
	out, err := auto.ExecuteRun(context.Background(), nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"skipped"}`, string(out))

	var hb HeartbeatGateway = HeartbeatFunc(func(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
		return nil, NewContractError("", "nope")
	})
	_, err = hb.Tick(context.Background(), nil)
	assert.EqualError(t, err, DefaultContractCode+": nope")
}
