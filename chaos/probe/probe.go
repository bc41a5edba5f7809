// Package probe implements target health probing: the Prober contract, an
// HTTP adapter and the Monitor that turns periodic probes into a run verdict.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// ErrTargetDown is returned (wrapped) by a Prober when the target answered
// and is not alive, or is definitively absent. Any other error is a
// transport failure and is retried.
var ErrTargetDown = errors.New("probe: target down")

// Prober performs one liveness check.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) error

// Probe calls f(ctx).
func (f ProberFunc) Probe(ctx context.Context) error {
	return f(ctx)
}

// HTTPProber checks GET <base>/healthz. 2xx is alive; any other status,
// a refused connection or an unanswered request is a miss.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// NewHTTPProber creates a prober for the agent at baseURL.
func NewHTTPProber(baseURL string, timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		URL:    strings.TrimRight(baseURL, "/") + "/healthz",
		Client: &http.Client{Timeout: timeout},
	}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return fmt.Errorf("building probe request: %w", err)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return err
		}
		if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return fmt.Errorf("%w: %v", ErrTargetDown, err)
		}
		return fmt.Errorf("probe transport: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrTargetDown, resp.StatusCode)
	}
	return nil
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
