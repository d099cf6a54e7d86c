// Package metricsclient collects metrics from the local Netdata daemon
// and submits them to the management backend.
package metricsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// contexts is the fixed set of Netdata contexts collected every tick.
var contexts = []string{
	"system.cpu",
	"system.ram",
	"system.load",
	"system.uptime",
	"disk.space",
	"system.net",
}

const daemonTimeout = 10 * time.Second

// MetricsPayload is always constructible, even with the metrics daemon
// unreachable; only hostname, timestamp, and agent version are guaranteed.
type MetricsPayload struct {
	Hostname     string                     `json:"hostname"`
	Timestamp    string                     `json:"timestamp"`
	AgentVersion string                     `json:"agent_version"`
	Contexts     map[string]json.RawMessage `json:"contexts,omitempty"`
	Info         json.RawMessage            `json:"info,omitempty"`
}

// SubmitOutcome is the result taxonomy for submit/heartbeat.
type SubmitOutcome int

const (
	SubmitOK SubmitOutcome = iota
	SubmitAuthRejected
	SubmitRateLimited
	SubmitTransient
)

func (o SubmitOutcome) String() string {
	switch o {
	case SubmitOK:
		return "ok"
	case SubmitAuthRejected:
		return "auth_rejected"
	case SubmitRateLimited:
		return "rate_limited"
	default:
		return "transient"
	}
}

// Client collects from the local metrics daemon and submits to the backend.
type Client struct {
	daemonURL    string
	backendURL   string
	agentVersion string
	daemon       *http.Client
	backend      *http.Client
}

// New builds a Client. daemonURL is the local Netdata base (e.g.
// http://127.0.0.1:19999); backendURL is the management backend base.
func New(daemonURL, backendURL, agentVersion string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 0
	rc.Logger = nil
	rc.HTTPClient.Timeout = 30 * time.Second

	return &Client{
		daemonURL:    daemonURL,
		backendURL:   backendURL,
		agentVersion: agentVersion,
		daemon:       &http.Client{Timeout: daemonTimeout},
		backend:      rc.StandardClient(),
	}
}

// Collect gathers the fixed context set and the info endpoint from the
// metrics daemon in parallel. It never fails: a context the daemon can't
// serve is simply absent from the payload.
func (c *Client) Collect(ctx context.Context, hostname string) MetricsPayload {
	payload := MetricsPayload{
		Hostname:     hostname,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		AgentVersion: c.agentVersion,
		Contexts:     make(map[string]json.RawMessage, len(contexts)),
	}

	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, name := range contexts {
		wg.Add(1)
		go func(ctxName string) {
			defer wg.Done()
			raw, err := c.fetchDaemon(ctx, fmt.Sprintf("/api/v3/data?contexts=%s&format=json&points=1&time_group=average", ctxName))
			if err != nil {
				return
			}
			mu.Lock()
			payload.Contexts[ctxName] = raw
			mu.Unlock()
		}(name)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		raw, err := c.fetchDaemon(ctx, "/api/v3/info")
		if err != nil {
			return
		}
		mu.Lock()
		payload.Info = raw
		mu.Unlock()
	}()

	wg.Wait()
	return payload
}

func (c *Client) fetchDaemon(ctx context.Context, path string) (json.RawMessage, error) {
	reqCtx, cancel := context.WithTimeout(ctx, daemonTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.daemonURL+path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.daemon.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("metrics daemon returned HTTP %d for %s", resp.StatusCode, path)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

// Submit POSTs the payload to /api/metrics with the credential attached
// as the X-Agent-Key header.
func (c *Client) Submit(ctx context.Context, payload MetricsPayload, credential []byte) (SubmitOutcome, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return SubmitTransient, fmt.Errorf("marshal metrics payload: %w", err)
	}
	return c.post(ctx, "/api/metrics", bytes.NewReader(body), credential)
}

// Heartbeat POSTs an empty body to /api/heartbeat with the same auth
// header and failure taxonomy as Submit.
func (c *Client) Heartbeat(ctx context.Context, credential []byte) (SubmitOutcome, error) {
	return c.post(ctx, "/api/heartbeat", nil, credential)
}

func (c *Client) post(ctx context.Context, path string, body io.Reader, credential []byte) (SubmitOutcome, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.backendURL+path, body)
	if err != nil {
		return SubmitTransient, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Agent-Key", string(credential))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.backend.Do(req)
	if err != nil {
		return SubmitTransient, fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return SubmitAuthRejected, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return SubmitRateLimited, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return SubmitOK, nil
	default:
		return SubmitTransient, fmt.Errorf("%s returned HTTP %d", path, resp.StatusCode)
	}
}
