// Package updater manages the agent self-update lifecycle.
//
// The update flow:
//  1. check() consults the release feed for a newer semantic version
//  2. download() streams the asset into the update directory and verifies
//     its size, then writes a pending-update marker
//  3. the host service manager is asked to stop this process
//  4. on the next launch, apply_pending() performs the crash-safe binary
//     swap before the process registers with the service manager
package updater

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-version"
	"go.uber.org/zap"
)

// ReleaseAsset is one downloadable artifact of a release.
type ReleaseAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	Size               int64  `json:"size"`
}

// releaseFeed is the GitHub-compatible shape of the latest-release endpoint.
type releaseFeed struct {
	TagName string         `json:"tag_name"`
	Assets  []ReleaseAsset `json:"assets"`
}

// UpdateInfo describes a candidate update, only ever emitted when its
// version strictly exceeds the running build.
type UpdateInfo struct {
	Version      string
	DownloadURL  string
	ExpectedSize int64
}

// PendingUpdate is the on-disk marker written after a successful download
// and consumed at the next startup. StagedSHA256 records the digest of the
// bytes actually staged to disk, for support bundles and crash diagnosis;
// the release feed carries no server-declared hash, so there is nothing to
// verify it against and ApplyPending does not check it.
type PendingUpdate struct {
	Version        string `json:"version"`
	StagedExePath  string `json:"staged_exe_path"`
	DownloadedAt   string `json:"downloaded_at"`
	PreviousExeSHA string `json:"previous_exe_sha256,omitempty"`
	StagedSHA256   string `json:"staged_sha256,omitempty"`
}

// Updater manages the agent self-update lifecycle.
type Updater struct {
	updateDir      string
	markerPath     string
	currentVersion string
	releaseFeedURL string
	assetName      string // platform-specific binary name to match in the feed's asset list

	httpClient *http.Client
	log        *zap.SugaredLogger

	mu         sync.Mutex
	inProgress bool
}

// New creates an Updater. releaseFeedURL is the GitHub-compatible
// releases/latest endpoint; assetName is the platform binary's expected
// asset name (e.g. "rmm-agent-windows-amd64.exe").
func New(updateDir, markerPath, currentVersion, releaseFeedURL, assetName string, log *zap.SugaredLogger) *Updater {
	return &Updater{
		updateDir:      updateDir,
		markerPath:     markerPath,
		currentVersion: currentVersion,
		releaseFeedURL: releaseFeedURL,
		assetName:      assetName,
		httpClient:     &http.Client{Timeout: 5 * time.Minute},
		log:            log,
	}
}

// Check consults the release feed and returns an UpdateInfo iff the
// remote version strictly exceeds the running build per semver ordering.
// Returns (nil, nil) when already current.
func (u *Updater) Check(ctx context.Context) (*UpdateInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.releaseFeedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build release feed request: %w", err)
	}

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch release feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("release feed returned HTTP %d", resp.StatusCode)
	}

	var feed releaseFeed
	if err := json.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, fmt.Errorf("decode release feed: %w", err)
	}

	remote, err := version.NewVersion(feed.TagName)
	if err != nil {
		return nil, fmt.Errorf("parse remote version %q: %w", feed.TagName, err)
	}
	current, err := version.NewVersion(u.currentVersion)
	if err != nil {
		return nil, fmt.Errorf("parse current version %q: %w", u.currentVersion, err)
	}

	if !remote.GreaterThan(current) {
		return nil, nil
	}

	var asset *ReleaseAsset
	for i := range feed.Assets {
		if feed.Assets[i].Name == u.assetName {
			asset = &feed.Assets[i]
			break
		}
	}
	if asset == nil {
		return nil, fmt.Errorf("release %s has no asset named %q", feed.TagName, u.assetName)
	}

	return &UpdateInfo{
		Version:      feed.TagName,
		DownloadURL:  asset.BrowserDownloadURL,
		ExpectedSize: asset.Size,
	}, nil
}

// Download streams the candidate asset into the update directory,
// verifies its size against the advertised size, and writes the pending
// marker. Returns the staged path.
func (u *Updater) Download(ctx context.Context, info UpdateInfo) (string, error) {
	if err := os.MkdirAll(u.updateDir, 0700); err != nil {
		return "", fmt.Errorf("create update dir: %w", err)
	}

	stagedPath := filepath.Join(u.updateDir, stagedName())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, info.DownloadURL, nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download returned HTTP %d", resp.StatusCode)
	}

	f, err := os.Create(stagedPath)
	if err != nil {
		return "", fmt.Errorf("create staged file: %w", err)
	}

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(f, hasher), resp.Body)
	f.Close()
	if err != nil {
		os.Remove(stagedPath)
		return "", fmt.Errorf("stream download: %w", err)
	}

	if written != info.ExpectedSize {
		os.Remove(stagedPath)
		return "", fmt.Errorf("size mismatch: expected %s, got %s",
			humanize.Bytes(uint64(info.ExpectedSize)), humanize.Bytes(uint64(written)))
	}

	if err := os.Chmod(stagedPath, 0755); err != nil {
		u.log.Warnw("failed to set staged binary permissions", "err", err)
	}

	u.log.Infow("downloaded update", "version", info.Version, "size", humanize.Bytes(uint64(written)))

	marker := PendingUpdate{
		Version:       info.Version,
		StagedExePath: stagedPath,
		DownloadedAt:  time.Now().UTC().Format(time.RFC3339),
		StagedSHA256:  hex.EncodeToString(hasher.Sum(nil)),
	}
	data, err := json.MarshalIndent(marker, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal pending marker: %w", err)
	}
	if err := writeFileAtomic(u.markerPath, data, 0644); err != nil {
		return "", fmt.Errorf("write pending marker: %w", err)
	}

	return stagedPath, nil
}

// ApplyPending performs the crash-safe swap if a marker exists. It must
// be called before the process registers with the OS service manager.
// Returns true iff a swap was performed.
func (u *Updater) ApplyPending() bool {
	data, err := os.ReadFile(u.markerPath)
	if err != nil {
		return false
	}

	var marker PendingUpdate
	if err := json.Unmarshal(data, &marker); err != nil {
		u.log.Warnw("corrupt pending-update marker, discarding", "err", err)
		os.Remove(u.markerPath)
		return false
	}

	currentExe, err := os.Executable()
	if err != nil {
		u.log.Errorw("cannot resolve current executable, aborting update", "err", err)
		os.Remove(u.markerPath)
		return false
	}

	bakPath := currentExe + ".bak"
	os.Remove(bakPath) // remove any stale backup

	if err := os.Rename(currentExe, bakPath); err != nil {
		u.log.Errorw("rename current exe to .bak failed, aborting update", "err", err)
		os.Remove(u.markerPath)
		os.Remove(marker.StagedExePath)
		return false
	}

	if err := os.Rename(marker.StagedExePath, currentExe); err != nil {
		u.log.Errorw("rename staged binary to current failed, attempting rollback", "err", err)
		if restoreErr := os.Rename(bakPath, currentExe); restoreErr != nil {
			u.log.Errorw("rollback also failed, binary is missing; exiting for external recovery",
				"restoreErr", restoreErr)
			os.Remove(u.markerPath)
			os.Exit(1)
		}
		os.Remove(u.markerPath)
		return false
	}

	os.Remove(u.markerPath)
	u.log.Infow("update applied", "version", marker.Version, "backup", bakPath)
	return true
}

// Tick single-flights Check+Download+swap-trigger for one periodic tick.
// After staging a new update it calls requestRestart (when non-nil) to ask
// for this process to be restarted. Returns true if a new update was staged
// and the restart request, if any, returned no error.
func (u *Updater) Tick(ctx context.Context, requestRestart func() error) (bool, error) {
	u.mu.Lock()
	if u.inProgress {
		u.mu.Unlock()
		return false, nil
	}
	u.inProgress = true
	u.mu.Unlock()
	defer func() {
		u.mu.Lock()
		u.inProgress = false
		u.mu.Unlock()
	}()

	info, err := u.Check(ctx)
	if err != nil {
		return false, fmt.Errorf("check: %w", err)
	}
	if info == nil {
		return false, nil
	}

	u.log.Infow("update available", "current", u.currentVersion, "available", info.Version)

	if _, err := u.Download(ctx, *info); err != nil {
		return false, fmt.Errorf("download: %w", err)
	}

	if requestRestart != nil {
		if err := requestRestart(); err != nil {
			return false, fmt.Errorf("request restart: %w", err)
		}
	}

	return true, nil
}

// stagedName is the staged binary's file name: "<binary>.new".
func stagedName() string {
	name := "rmm-agent"
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return name + ".new"
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".marker-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}
