// Package supervisor owns the agent's state machine and the cooperative
// loops (metrics, heartbeat, status poll, update check) that run once the
// agent is enrolled and active.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/benjameshughes/rmm-agent/internal/backend"
	"github.com/benjameshughes/rmm-agent/internal/config"
	"github.com/benjameshughes/rmm-agent/internal/credential"
	"github.com/benjameshughes/rmm-agent/internal/metricsclient"
	"github.com/benjameshughes/rmm-agent/internal/probe"
	"github.com/benjameshughes/rmm-agent/internal/service"
	"github.com/benjameshughes/rmm-agent/internal/updater"
)

// AgentState is the closed set of lifecycle states the supervisor drives
// the agent through.
type AgentState struct {
	kind    stateKind
	message string // only meaningful when kind == stateError
}

type stateKind int

const (
	StateNotEnrolled stateKind = iota
	StatePendingApproval
	StateActive
	StateRevoked
	StateError
)

func NotEnrolled() AgentState     { return AgentState{kind: StateNotEnrolled} }
func PendingApproval() AgentState { return AgentState{kind: StatePendingApproval} }
func Active() AgentState          { return AgentState{kind: StateActive} }
func Revoked() AgentState         { return AgentState{kind: StateRevoked} }
func ErrorState(msg string) AgentState {
	return AgentState{kind: StateError, message: msg}
}

func (s AgentState) Kind() stateKind { return s.kind }

func (s AgentState) String() string {
	switch s.kind {
	case StateNotEnrolled:
		return "not_enrolled"
	case StatePendingApproval:
		return "pending_approval"
	case StateActive:
		return "active"
	case StateRevoked:
		return "revoked"
	case StateError:
		return fmt.Sprintf("error: %s", s.message)
	default:
		return "unknown"
	}
}

func (s AgentState) Equal(other AgentState) bool {
	return s.kind == other.kind && s.message == other.message
}

// statusFile mirrors AgentState to disk for `agent status` to read.
type statusFile struct {
	State     string `json:"state"`
	Hostname  string `json:"hostname"`
	UpdatedAt string `json:"updated_at"`
}

// Supervisor owns AgentState, the cancellation signal, and the cooperative
// loops that run while the agent is Active.
type Supervisor struct {
	cfg   *config.Config
	log   *zap.SugaredLogger
	store *credential.Store

	backend *backend.Client
	metrics *metricsclient.Client
	update  *updater.Updater

	info probe.SystemInfo

	mu    sync.RWMutex
	state AgentState

	cancel context.CancelFunc
}

// New constructs a Supervisor. The SystemProbe gather must have already
// run; info is shared read-only with every component.
func New(cfg *config.Config, log *zap.SugaredLogger, info probe.SystemInfo, agentVersion, releaseFeedURL, assetName string) *Supervisor {
	store := credential.New(cfg.CredentialPath())

	return &Supervisor{
		cfg:     cfg,
		log:     log,
		store:   store,
		info:    info,
		backend: backend.New(cfg.ServerURL, store, log),
		metrics: metricsclient.New(cfg.MetricsURL, cfg.ServerURL, agentVersion),
		update:  updater.New(cfg.UpdateDir(), cfg.PendingMarkerPath(), agentVersion, releaseFeedURL, assetName, log),
		state:   NotEnrolled(),
	}
}

// State returns a snapshot of the current AgentState.
func (s *Supervisor) State() AgentState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Supervisor) setState(next AgentState) {
	s.mu.Lock()
	changed := !s.state.Equal(next)
	if changed {
		s.log.Infow("state transition", "from", s.state.String(), "to", next.String())
		s.state = next
	}
	s.mu.Unlock()

	if changed {
		s.writeStatusFile(next)
	}
}

func (s *Supervisor) writeStatusFile(state AgentState) {
	sf := statusFile{
		State:     state.String(),
		Hostname:  s.info.Hostname,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		s.log.Warnw("marshal status file failed", "err", err)
		return
	}
	if err := os.WriteFile(s.cfg.StatusPath(), data, 0644); err != nil {
		s.log.Warnw("write status file failed", "err", err)
	}
}

// Shutdown fires the cancellation signal. Safe to call from any
// goroutine, including a signal handler, and safe to call more than once.
func (s *Supervisor) Shutdown() {
	s.mu.RLock()
	cancel := s.cancel
	s.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// Run blocks until the shared cancellation signal fires.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	if s.cfg.UpdatesDisabled {
		s.log.Info("updates disabled, skipping pending-update check")
	} else if s.update.ApplyPending() {
		s.log.Info("pending update applied at startup")
	}

	if s.store.Has() {
		s.setState(Active())
	} else {
		s.setState(NotEnrolled())
	}

	if s.State().Kind() == StateNotEnrolled {
		if err := s.enroll(ctx); err != nil {
			if err == backend.ErrCancelled {
				return nil
			}
			s.log.Errorw("enrollment failed", "err", err)
		}
	}

	if s.State().Kind() != StateActive {
		// Revoked or Error: stay up, without the active loops, until cancelled.
		<-ctx.Done()
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.metricsLoop(gctx) })
	g.Go(func() error { return s.heartbeatLoop(gctx) })
	g.Go(func() error { return s.statusPollLoop(gctx) })
	if !s.cfg.UpdatesDisabled {
		g.Go(func() error { return s.updateLoop(gctx) })
	}

	return g.Wait()
}

func (s *Supervisor) enroll(ctx context.Context) error {
	s.setState(PendingApproval())

	cancel := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(cancel)
	}()

	if err := s.backend.Enroll(ctx, s.info, cancel); err != nil {
		s.setState(ErrorState(err.Error()))
		return err
	}

	if err := s.backend.WaitForApproval(ctx, s.info, s.cfg.EnrollPollInterval, cancel); err != nil {
		if err == backend.ErrRevoked {
			s.setState(Revoked())
			return nil
		}
		s.setState(ErrorState(err.Error()))
		return err
	}

	s.setState(Active())
	return nil
}

// sleepOrCancel waits for d or for ctx to be cancelled, whichever comes
// first. Returns false iff ctx was cancelled.
func sleepOrCancel(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Supervisor) metricsLoop(ctx context.Context) error {
	for sleepOrCancel(ctx, s.cfg.MetricsInterval) {
		cred, err := s.store.Read()
		if err != nil {
			s.log.Warnw("metrics tick: read credential failed", "err", err)
			continue
		}

		payload := s.metrics.Collect(ctx, s.info.Hostname)
		outcome, err := s.metrics.Submit(ctx, payload, cred)
		if err != nil {
			s.log.Warnw("metrics submit failed", "err", err)
		}
		if outcome == metricsclient.SubmitAuthRejected {
			s.log.Warn("metrics submit rejected by backend (401), awaiting status poll to confirm revocation")
		}
	}
	return ctx.Err()
}

func (s *Supervisor) heartbeatLoop(ctx context.Context) error {
	for sleepOrCancel(ctx, s.cfg.HeartbeatInterval) {
		cred, err := s.store.Read()
		if err != nil {
			s.log.Warnw("heartbeat tick: read credential failed", "err", err)
			continue
		}

		outcome, err := s.metrics.Heartbeat(ctx, cred)
		if err != nil {
			s.log.Warnw("heartbeat failed", "err", err)
		}
		if outcome == metricsclient.SubmitAuthRejected {
			s.log.Warn("heartbeat rejected by backend (401), awaiting status poll to confirm revocation")
		}
	}
	return ctx.Err()
}

func (s *Supervisor) statusPollLoop(ctx context.Context) error {
	for sleepOrCancel(ctx, s.cfg.StatusCheckInterval) {
		result, err := s.backend.CheckStatus(ctx, s.info)
		if err != nil {
			s.log.Debugw("status check failed, leaving state unchanged", "err", err)
			continue
		}

		switch result.Status {
		case backend.StatusRevoked:
			if err := s.store.Delete(); err != nil {
				s.log.Warnw("delete credential on revocation failed", "err", err)
			}
			s.setState(Revoked())
		case backend.StatusApproved:
			s.setState(Active())
		}
	}
	return ctx.Err()
}

func (s *Supervisor) updateLoop(ctx context.Context) error {
	for sleepOrCancel(ctx, s.cfg.UpdateCheckInterval) {
		staged, err := s.update.Tick(ctx, func() error {
			return s.requestRestart()
		})
		if err != nil {
			s.log.Warnw("update check failed", "err", err)
			continue
		}
		if staged {
			s.log.Info("new update staged, process will restart")
		}
	}
	return ctx.Err()
}

// requestRestart asks the host service manager to stop this process so
// its restart policy can relaunch the staged binary. When not running
// under service-manager control, it falls back to shutting the
// supervisor down directly so an operator can restart manually.
func (s *Supervisor) requestRestart() error {
	if err := service.RequestSelfStop(); err != nil {
		s.log.Warnw("could not ask service manager to restart, shutting down instead", "err", err)
		s.Shutdown()
	}
	return nil
}
