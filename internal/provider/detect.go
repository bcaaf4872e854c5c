package provider

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/1ureka/roomsync/internal/util"
)

// DefaultProbeTimeout bounds DetectBridge.
const DefaultProbeTimeout = 2 * time.Second

// DetectBridge reports whether a host bridge answers its health check at
// bridgeURL. The bridge speaks the relay protocol, so its health endpoint is
// the relay's /healthz on the same host.
func DetectBridge(ctx context.Context, client *http.Client, bridgeURL string) bool {
	if bridgeURL == "" {
		return false
	}
	health, err := healthURL(bridgeURL)
	if err != nil {
		util.LogDebug("provider: bridge url %q: %v", bridgeURL, err)
		return false
	}
	if client == nil {
		client = http.DefaultClient
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, health, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		util.LogDebug("provider: bridge probe %s: %v", health, err)
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func healthURL(bridgeURL string) (string, error) {
	u, err := url.Parse(bridgeURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/healthz"
	u.RawQuery = ""
	return u.String(), nil
}
