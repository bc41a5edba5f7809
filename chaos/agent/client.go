package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/kaos-harness/kaos/chaos"
	"github.com/kaos-harness/kaos/chaos/probe"
)

// StatusError is returned for non-2xx agent responses. Conflict codes
// unwrap to the matching chaos invariant errors.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("agent: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("agent: %d: %s", e.Status, e.Message)
}

func (e *StatusError) Unwrap() error {
	switch e.Code {
	case CodeStaleGeneration:
		return chaos.ErrStaleGeneration
	case CodeGenerationMismatch:
		return chaos.ErrGenerationMismatch
	}
	return nil
}

// Client talks to a remote agent. It implements orchestrator.Target.
type Client struct {
	baseURL    string
	httpClient *http.Client
	prober     *probe.HTTPProber

	// DeactivateTries bounds Deactivate attempts on transport errors.
	DeactivateTries uint
}

// NewClient creates a client for the agent at baseURL. probeTimeout bounds
// each health probe; control calls use a separate, longer timeout.
func NewClient(baseURL string, probeTimeout time.Duration) *Client {
	return &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		httpClient:      &http.Client{Timeout: 10 * time.Second},
		prober:          probe.NewHTTPProber(baseURL, probeTimeout),
		DeactivateTries: 3,
	}
}

// Probe implements probe.Prober.
func (c *Client) Probe(ctx context.Context) error {
	return c.prober.Probe(ctx)
}

// Install sends plan to the agent.
func (c *Client) Install(ctx context.Context, plan chaos.RunPlan) error {
	body, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("encoding plan: %w", err)
	}
	var resp InstallResponse
	return c.do(ctx, http.MethodPut, "/v1/plan", body, &resp)
}

// Deactivate resets every fail point of the agent. Transport errors are
// retried; HTTP errors are not.
func (c *Client) Deactivate(ctx context.Context) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := c.do(ctx, http.MethodDelete, "/v1/plan", nil, nil)
		if _, ok := err.(*StatusError); ok {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(deactivateBackOff()),
		backoff.WithMaxTries(max(c.DeactivateTries, 1)),
	)
	return err
}

// Generation returns the generation of the agent's engine.
func (c *Client) Generation(ctx context.Context) (chaos.Generation, error) {
	var resp PlanStatusResponse
	if err := c.do(ctx, http.MethodGet, "/v1/plan", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Generation, nil
}

// Counts fetches hit/trigger counts for gen.
func (c *Client) Counts(ctx context.Context, gen chaos.Generation) (map[string]chaos.PointCounts, error) {
	q := url.Values{"generation": []string{strconv.FormatUint(uint64(gen), 10)}}
	var resp CountsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/plan/counts?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Counts, nil
}

// Points fetches the agent's fail point declarations.
func (c *Client) Points(ctx context.Context) ([]PointInfo, error) {
	var resp PointsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/points", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Points, nil
}

// Registry rebuilds the agent's registry locally, for planning.
func (c *Client) Registry(ctx context.Context) (*chaos.Registry, error) {
	points, err := c.Points(ctx)
	if err != nil {
		return nil, err
	}
	reg := chaos.NewRegistry()
	for _, p := range points {
		if err := reg.Register(p.ID, p.Actions, chaos.ParamBounds{MinDelay: p.MinDelay, MaxDelay: p.MaxDelay}); err != nil {
			return nil, fmt.Errorf("agent declared an invalid point: %w", err)
		}
	}
	return reg, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("agent %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading agent response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := &StatusError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var er ErrorResponse
		if json.Unmarshal(data, &er) == nil && er.Error != "" {
			serr.Code, serr.Message = er.Code, er.Error
		}
		return serr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding agent response: %w", err)
	}
	return nil
}

func deactivateBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	return b
}
