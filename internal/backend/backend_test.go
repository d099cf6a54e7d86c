package backend

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/benjameshughes/rmm-agent/internal/credential"
	"github.com/benjameshughes/rmm-agent/internal/probe"
)

func testInfo() probe.SystemInfo {
	return probe.SystemInfo{
		Hostname:            "test-host",
		OSName:              "linux",
		OSVersion:           "6.1",
		CPUModel:            "Generic CPU",
		CPUCores:            4,
		TotalRAMBytes:       8 << 30,
		HardwareFingerprint: "deadbeef",
	}
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	dir := t.TempDir()
	store := credential.New(filepath.Join(dir, "credential"))
	logger := zap.NewNop().Sugar()
	return New(url, store, logger)
}

func TestClassify_RejectionRequires403AndKeyword(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   Classification
	}{
		{"403 revoked", 403, "device was REVOKED by admin", Rejection},
		{"403 rejected", 403, "request rejected", Rejection},
		{"403 banned", 403, "this device is banned", Rejection},
		{"403 invalid", 403, "invalid fingerprint", Rejection},
		{"403 no keyword", 403, "forbidden", Transient},
		{"500 with keyword", 500, "revoked", Transient},
		{"429", 429, "too many requests", Transient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.status, []byte(tc.body))
			if got != tc.want {
				t.Errorf("Classify(%d, %q) = %v, want %v", tc.status, tc.body, got, tc.want)
			}
		})
	}
}

func TestEnroll_SucceedsOnFirstTry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/enroll" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	cancel := make(chan struct{})
	if err := c.Enroll(t.Context(), testInfo(), cancel); err != nil {
		t.Fatalf("enroll: %v", err)
	}
}

func TestEnroll_RejectionIsNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("device revoked"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	cancel := make(chan struct{})
	err := c.Enroll(t.Context(), testInfo(), cancel)
	if err == nil {
		t.Fatal("expected rejection error")
	}
	var rejection *RejectionError
	if !errors.As(err, &rejection) {
		t.Fatalf("expected *RejectionError, got %T: %v", err, err)
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 call, got %d", calls)
	}
}

func TestEnroll_CancelDuringRetryWaitReturnsPromptly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	cancel := make(chan struct{})

	done := make(chan error, 1)
	go func() {
		done <- c.Enroll(t.Context(), testInfo(), cancel)
	}()

	// Give the first attempt a moment to fail and enter its 30s wait.
	time.Sleep(50 * time.Millisecond)
	close(cancel)

	select {
	case err := <-done:
		if err != ErrCancelled {
			t.Errorf("expected ErrCancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Enroll did not return promptly after cancel")
	}
}

func TestCheckStatus_ParsesApprovedWithCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(checkResponse{Status: "approved", APIKey: "secret-key"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	result, err := c.CheckStatus(t.Context(), testInfo())
	if err != nil {
		t.Fatalf("check status: %v", err)
	}
	if result.Status != StatusApproved {
		t.Errorf("expected StatusApproved, got %v", result.Status)
	}
	if string(result.Credential) != "secret-key" {
		t.Errorf("expected credential 'secret-key', got %q", result.Credential)
	}
}

func TestCheckStatus_PendingHasNoCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(checkResponse{Status: "pending"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	result, err := c.CheckStatus(t.Context(), testInfo())
	if err != nil {
		t.Fatalf("check status: %v", err)
	}
	if result.Status != StatusPending {
		t.Errorf("expected StatusPending, got %v", result.Status)
	}
	if result.Credential != nil {
		t.Errorf("expected no credential for pending status")
	}
}

func TestWaitForApproval_PersistsCredentialOnApproval(t *testing.T) {
	poll := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		poll++
		if poll < 2 {
			json.NewEncoder(w).Encode(checkResponse{Status: "pending"})
			return
		}
		json.NewEncoder(w).Encode(checkResponse{Status: "approved", APIKey: "final-key"})
	}))
	defer srv.Close()

	dir := t.TempDir()
	store := credential.New(filepath.Join(dir, "credential"))
	logger := zap.NewNop().Sugar()
	c := New(srv.URL, store, logger)

	cancel := make(chan struct{})
	err := c.WaitForApproval(t.Context(), testInfo(), 20*time.Millisecond, cancel)
	if err != nil {
		t.Fatalf("wait for approval: %v", err)
	}
	if !store.Has() {
		t.Fatal("expected credential to be persisted")
	}
	got, err := store.Read()
	if err != nil {
		t.Fatalf("read credential: %v", err)
	}
	if string(got) != "final-key" {
		t.Errorf("expected 'final-key', got %q", got)
	}
}

func TestWaitForApproval_RevokedReturnsErrRevoked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(checkResponse{Status: "revoked"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	cancel := make(chan struct{})
	err := c.WaitForApproval(t.Context(), testInfo(), 10*time.Millisecond, cancel)
	if err != ErrRevoked {
		t.Errorf("expected ErrRevoked, got %v", err)
	}
}

func TestRetryWait_FollowsScheduleAndCaps(t *testing.T) {
	want := []time.Duration{
		30 * time.Second,
		60 * time.Second,
		120 * time.Second,
		240 * time.Second,
		300 * time.Second,
		300 * time.Second,
		300 * time.Second,
	}
	for i, w := range want {
		if got := RetryWait(i); got != w {
			t.Errorf("RetryWait(%d) = %v, want %v", i, got, w)
		}
	}
}
