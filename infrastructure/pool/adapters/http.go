package adapters

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"
)

// HTTPConfig configures an HTTPAdapter.
type HTTPConfig struct {
	Timeout time.Duration
	// PingURL, if set, is GET-requested by Validate/IdlePing to confirm
	// the upstream the client talks to is reachable; otherwise those
	// hooks are no-ops and only construction failure is detected.
	PingURL string
}

// HTTPAdapter manages *http.Client instances built with a minimum TLS 1.2
// transport, the policy the fabric's teacher applied to every outbound
// client it built (see the deleted infrastructure/httputil package this
// adapter folds in directly, since the fabric has no other caller for a
// standalone transport-construction helper).
type HTTPAdapter struct {
	cfg HTTPConfig
}

func NewHTTPAdapter(cfg HTTPConfig) *HTTPAdapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &HTTPAdapter{cfg: cfg}
}

// minTLS12Transport returns an *http.Transport requiring TLS 1.2 or
// later, cloned from http.DefaultTransport so proxy/dialer settings are
// preserved.
func minTLS12Transport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if t.TLSClientConfig == nil {
		t.TLSClientConfig = &tls.Config{}
	}
	t.TLSClientConfig.MinVersion = tls.VersionTLS12
	return t
}

func (a *HTTPAdapter) Create(ctx context.Context) (*http.Client, error) {
	client := &http.Client{
		Timeout:   a.cfg.Timeout,
		Transport: minTLS12Transport(),
	}
	if a.cfg.PingURL != "" {
		if err := a.ping(ctx, client); err != nil {
			return nil, err
		}
	}
	return client, nil
}

func (a *HTTPAdapter) ping(ctx context.Context, client *http.Client) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.PingURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

func (a *HTTPAdapter) Validate(ctx context.Context, client *http.Client) error {
	if a.cfg.PingURL == "" {
		return nil
	}
	return a.ping(ctx, client)
}

func (a *HTTPAdapter) Destroy(ctx context.Context, client *http.Client) error {
	client.CloseIdleConnections()
	return nil
}

func (a *HTTPAdapter) IdlePing(ctx context.Context, client *http.Client) error {
	return a.Validate(ctx, client)
}
