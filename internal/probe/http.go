package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"slices"

	"github.com/Paintersrp/procwatch/internal/config"
)

const maxHTTPBodyDrain = 64 << 10

type httpProber struct {
	client *http.Client
	url    string
	expect []int
}

func newHTTPProber(spec *config.HTTPProbeSpec) *httpProber {
	return &httpProber{
		client: &http.Client{
			// A redirect is an answer; following it would probe another endpoint.
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		url:    spec.URL,
		expect: slices.Clone(spec.ExpectStatus),
	}
}

// Probe accepts the listed status codes, or any 2xx and 3xx code when none
// are listed.
func (p *httpProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	req.Header.Set("User-Agent", "procwatch-probe")
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxHTTPBodyDrain))

	ok := resp.StatusCode >= 200 && resp.StatusCode < 400
	if len(p.expect) > 0 {
		ok = slices.Contains(p.expect, resp.StatusCode)
	}
	if !ok {
		return fmt.Errorf("status=%d", resp.StatusCode)
	}
	return nil
}
