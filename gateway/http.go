package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/teranos/polar/errors"
	"github.com/teranos/polar/internal/httpclient"
)

// HTTPConfig configures a webhook executor.
type HTTPConfig struct {
	URL               string
	Timeout           time.Duration
	RequestsPerSecond float64
	BlockPrivateIP    bool
}

func newClient(cfg HTTPConfig) (*httpclient.Client, error) {
	return httpclient.New(cfg.URL, httpclient.Options{
		Timeout:           cfg.Timeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             1,
		BlockPrivateIP:    cfg.BlockPrivateIP,
	})
}

// HTTPAutomationGateway posts automation requests to a webhook.
type HTTPAutomationGateway struct {
	client *httpclient.Client
}

// NewHTTPAutomationGateway creates a webhook automation executor.
func NewHTTPAutomationGateway(cfg HTTPConfig) (*HTTPAutomationGateway, error) {
	client, err := newClient(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "automation gateway")
	}
	return &HTTPAutomationGateway{client: client}, nil
}

// ExecuteRun posts request and returns the webhook's JSON response.
func (g *HTTPAutomationGateway) ExecuteRun(ctx context.Context, request json.RawMessage) (json.RawMessage, error) {
	return post(ctx, g.client, request)
}

// HTTPHeartbeatGateway posts heartbeat requests to a webhook.
type HTTPHeartbeatGateway struct {
	client *httpclient.Client
}

// NewHTTPHeartbeatGateway creates a webhook heartbeat executor.
func NewHTTPHeartbeatGateway(cfg HTTPConfig) (*HTTPHeartbeatGateway, error) {
	client, err := newClient(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "heartbeat gateway")
	}
	return &HTTPHeartbeatGateway{client: client}, nil
}

// Tick posts request and returns the webhook's JSON response.
func (g *HTTPHeartbeatGateway) Tick(ctx context.Context, request json.RawMessage) (json.RawMessage, error) {
	return post(ctx, g.client, request)
}

func post(ctx context.Context, client *httpclient.Client, request json.RawMessage) (json.RawMessage, error) {
	var out json.RawMessage
	err := client.PostJSON(ctx, "", request, &out)
	if err == nil {
		return out, nil
	}

	se, ok := httpclient.AsStatusError(err)
	if !ok {
		return nil, errors.Wrapf(err, "executor at %s", client.BaseURL())
	}
	switch se.StatusCode {
	case http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity:
		return nil, contractErrorFromBody(se)
	}
	return nil, errors.Wrapf(se, "executor at %s", client.BaseURL())
}

// contractErrorFromBody accepts either {"code","message","details"} or the
// plain {"error": "..."} body written by most handlers.
func contractErrorFromBody(se *httpclient.StatusError) *ContractError {
	var body struct {
		Code    string   `json:"code"`
		Message string   `json:"message"`
		Error   string   `json:"error"`
		Details []string `json:"details"`
	}
	if err := json.Unmarshal(se.Body, &body); err != nil {
		return NewContractError("", strings.TrimSpace(string(se.Body)))
	}
	message := body.Message
	if message == "" {
		message = body.Error
	}
	if message == "" {
		message = http.StatusText(se.StatusCode)
	}
	return NewContractError(body.Code, message, body.Details...)
}
