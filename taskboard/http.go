package taskboard

import (
	"context"
	"time"

	"github.com/teranos/polar/errors"
	"github.com/teranos/polar/internal/httpclient"
)

// ReplayPath is appended to the board's base URL.
const ReplayPath = "/runs/replay"

// HTTPConfig configures a remote board.
type HTTPConfig struct {
	URL               string
	Timeout           time.Duration
	RequestsPerSecond float64
	BlockPrivateIP    bool
}

// HTTPGateway posts replay batches to a remote board.
type HTTPGateway struct {
	client *httpclient.Client
}

// NewHTTPGateway creates a gateway for the board at cfg.URL.
func NewHTTPGateway(cfg HTTPConfig) (*HTTPGateway, error) {
	client, err := httpclient.New(cfg.URL, httpclient.Options{
		Timeout:           cfg.Timeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             1,
		BlockPrivateIP:    cfg.BlockPrivateIP,
	})
	if err != nil {
		return nil, errors.Wrap(err, "task board gateway")
	}
	return &HTTPGateway{client: client}, nil
}

func (g *HTTPGateway) ReplayRunLinks(ctx context.Context, req ReplayRequest) (*ReplayResult, error) {
	var result ReplayResult
	if err := g.client.PostJSON(ctx, ReplayPath, req, &result); err != nil {
		return nil, errors.Wrapf(err, "task board replay at %s", g.client.BaseURL())
	}
	if result.Items == nil {
		result.Items = []ReplayItem{}
	}
	return &result, nil
}
