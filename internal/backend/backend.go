// Package backend implements the enrollment protocol against the
// management backend: enroll, check_status, and wait_for_approval.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/benjameshughes/rmm-agent/internal/credential"
	"github.com/benjameshughes/rmm-agent/internal/probe"
)

// ErrCancelled is returned when a cancellation signal fires mid-wait.
var ErrCancelled = errors.New("backend: cancelled")

// ErrRevoked is returned by WaitForApproval when the device is revoked
// while still pending.
var ErrRevoked = errors.New("backend: device revoked during enrollment")

// rejectionTokens are matched case-insensitively against the body of a 403
// enrollment response to distinguish a permanent rejection from a
// transient failure.
var rejectionTokens = []string{"revoked", "rejected", "banned", "invalid"}

// retrySchedule is the exact enrollment retry wait sequence: 30s, 60s,
// 120s, 240s, 300s, then 300s forever. Index is clamped to the last entry.
var retrySchedule = []time.Duration{
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
	240 * time.Second,
	300 * time.Second,
}

// RetryWait returns the wait duration before enrollment retry attempt n
// (0-indexed: n=0 is the wait after the first failure).
func RetryWait(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if n >= len(retrySchedule) {
		return retrySchedule[len(retrySchedule)-1]
	}
	return retrySchedule[n]
}

// RejectionError is a fatal, non-retryable enrollment rejection.
type RejectionError struct {
	StatusCode int
	Body       string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("enrollment rejected (HTTP %d): %s", e.StatusCode, e.Body)
}

// EnrollmentStatus is the closed set of states a status check can report.
type EnrollmentStatus int

const (
	StatusPending EnrollmentStatus = iota
	StatusApproved
	StatusRevoked
	StatusUnknown
)

func (s EnrollmentStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusApproved:
		return "approved"
	case StatusRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// CheckResult is the outcome of one check_status poll.
type CheckResult struct {
	Status     EnrollmentStatus
	RawStatus  string
	Credential []byte // only set when Status == StatusApproved
}

type enrollRequest struct {
	Hostname            string `json:"hostname"`
	OS                  string `json:"os"`
	HardwareFingerprint string `json:"hardware_fingerprint"`
	CPUModel            string `json:"cpu_model"`
	CPUCores            int    `json:"cpu_cores"`
	TotalRAMBytes       uint64 `json:"total_ram_bytes"`
}

type checkRequest struct {
	Hostname            string `json:"hostname"`
	HardwareFingerprint string `json:"hardware_fingerprint"`
}

type checkResponse struct {
	Status string `json:"status"`
	APIKey string `json:"api_key,omitempty"`
}

// Client talks to the management backend's enrollment endpoints.
type Client struct {
	baseURL string
	http    *http.Client
	store   *credential.Store
	log     *zap.SugaredLogger
}

// New creates an enrollment Client. store is used to persist the
// credential the instant wait_for_approval observes Approved.
func New(baseURL string, store *credential.Store, log *zap.SugaredLogger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 0 // the enrollment retry schedule is driven explicitly, not by the transport
	rc.Logger = nil
	rc.HTTPClient.Timeout = 30 * time.Second

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    rc.StandardClient(),
		store:   store,
		log:     log,
	}
}

// Enroll POSTs the enrollment request and returns once the backend accepts
// the submission for review. It does not yield a credential. Transient
// failures are retried per RetryWait; a classified rejection returns
// *RejectionError immediately without retry; cancellation returns
// ErrCancelled.
func (c *Client) Enroll(ctx context.Context, info probe.SystemInfo, cancel <-chan struct{}) error {
	payload := enrollRequest{
		Hostname:            info.Hostname,
		OS:                  fmt.Sprintf("%s %s", info.OSName, info.OSVersion),
		HardwareFingerprint: info.HardwareFingerprint,
		CPUModel:            info.CPUModel,
		CPUCores:            info.CPUCores,
		TotalRAMBytes:       info.TotalRAMBytes,
	}

	attempt := 0
	for {
		err := c.postEnroll(ctx, payload)
		if err == nil {
			return nil
		}

		var rejection *RejectionError
		if errors.As(err, &rejection) {
			return err
		}

		wait := RetryWait(attempt)
		c.log.Warnw("enrollment attempt failed, retrying", "attempt", attempt+1, "wait", wait, "err", err)
		attempt++

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-cancel:
			timer.Stop()
			return ErrCancelled
		case <-ctx.Done():
			timer.Stop()
			return ErrCancelled
		}
	}
}

func (c *Client) postEnroll(ctx context.Context, payload enrollRequest) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal enroll request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/enroll", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build enroll request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("enroll request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	respBody, _ := io.ReadAll(resp.Body)

	if Classify(resp.StatusCode, respBody) == Rejection {
		return &RejectionError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	return fmt.Errorf("enroll returned HTTP %d: %s", resp.StatusCode, string(respBody))
}

// Classification is the transient-vs-rejection taxonomy for enrollment
// responses.
type Classification int

const (
	Transient Classification = iota
	Rejection
)

// Classify implements spec's rejection rule: a response is a Rejection iff
// its status is 403 AND its body contains (case-insensitive substring) one
// of revoked|rejected|banned|invalid. Every other non-2xx response is
// Transient.
func Classify(statusCode int, body []byte) Classification {
	if statusCode != http.StatusForbidden {
		return Transient
	}
	lower := strings.ToLower(string(body))
	for _, tok := range rejectionTokens {
		if strings.Contains(lower, tok) {
			return Rejection
		}
	}
	return Transient
}

// CheckStatus performs a single poll of /api/check.
func (c *Client) CheckStatus(ctx context.Context, info probe.SystemInfo) (CheckResult, error) {
	payload := checkRequest{Hostname: info.Hostname, HardwareFingerprint: info.HardwareFingerprint}
	body, err := json.Marshal(payload)
	if err != nil {
		return CheckResult{}, fmt.Errorf("marshal check request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/check", bytes.NewReader(body))
	if err != nil {
		return CheckResult{}, fmt.Errorf("build check request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return CheckResult{}, fmt.Errorf("check request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return CheckResult{}, fmt.Errorf("read check response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return CheckResult{}, fmt.Errorf("check returned HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed checkResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return CheckResult{}, fmt.Errorf("parse check response: %w", err)
	}

	switch strings.ToLower(parsed.Status) {
	case "approved":
		if parsed.APIKey == "" {
			// Approved without a credential is not actionable; treat as pending.
			return CheckResult{Status: StatusPending, RawStatus: parsed.Status}, nil
		}
		return CheckResult{Status: StatusApproved, RawStatus: parsed.Status, Credential: []byte(parsed.APIKey)}, nil
	case "pending":
		return CheckResult{Status: StatusPending, RawStatus: parsed.Status}, nil
	case "revoked":
		return CheckResult{Status: StatusRevoked, RawStatus: parsed.Status}, nil
	default:
		return CheckResult{Status: StatusUnknown, RawStatus: parsed.Status}, nil
	}
}

// WaitForApproval polls CheckStatus at pollInterval until Approved,
// Revoked, or cancellation. On Approved the credential is persisted via
// the Store before returning. Transient errors and Unknown statuses log
// and continue; Revoked returns ErrRevoked.
func (c *Client) WaitForApproval(ctx context.Context, info probe.SystemInfo, pollInterval time.Duration, cancel <-chan struct{}) error {
	c.log.Infow("waiting for device approval", "hostname", info.Hostname)

	for {
		timer := time.NewTimer(pollInterval)
		select {
		case <-cancel:
			timer.Stop()
			return ErrCancelled
		case <-ctx.Done():
			timer.Stop()
			return ErrCancelled
		case <-timer.C:
		}

		result, err := c.CheckStatus(ctx, info)
		if err != nil {
			c.log.Warnw("status check failed during enrollment poll, continuing", "err", err)
			continue
		}

		switch result.Status {
		case StatusApproved:
			if err := c.store.Write(result.Credential); err != nil {
				return fmt.Errorf("persist credential: %w", err)
			}
			c.log.Infow("device approved")
			return nil
		case StatusPending:
			c.log.Debugw("still pending approval")
		case StatusRevoked:
			return ErrRevoked
		default:
			c.log.Warnw("unknown enrollment status during poll", "status", result.RawStatus)
		}
	}
}
