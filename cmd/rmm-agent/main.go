// Command rmm-agent is the headless endpoint agent: it enrolls with a
// management backend, forwards metrics scraped from a local metrics
// daemon, and self-updates via stage-and-swap.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/benjameshughes/rmm-agent/internal/config"
	"github.com/benjameshughes/rmm-agent/internal/credential"
	"github.com/benjameshughes/rmm-agent/internal/logging"
	"github.com/benjameshughes/rmm-agent/internal/probe"
	"github.com/benjameshughes/rmm-agent/internal/service"
	"github.com/benjameshughes/rmm-agent/internal/supervisor"
	"github.com/benjameshughes/rmm-agent/internal/updater"
)

// buildVersion is set at release build time via -ldflags; "dev" otherwise.
var buildVersion = "dev"

const releaseFeedURL = "https://api.github.com/repos/benjameshughes/rmm-agent/releases/latest"

func releaseAssetName() string {
	switch runtime.GOOS {
	case "windows":
		return "rmm-agent-windows-amd64.exe"
	case "darwin":
		return "rmm-agent-darwin-amd64"
	default:
		return "rmm-agent-linux-amd64"
	}
}

var (
	flagDataDir string
	flagURL     string
	flagReset   bool
)

func main() {
	root := &cobra.Command{
		Use:           "rmm-agent",
		Short:         "Endpoint agent: enrollment, metrics forwarding, and self-update",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runCmd,
	}
	root.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "override the default data directory")
	root.PersistentFlags().StringVar(&flagURL, "url", "", "persist a new management backend URL")
	root.PersistentFlags().BoolVar(&flagReset, "reset", false, "wipe the stored credential unconditionally")

	root.AddCommand(
		&cobra.Command{Use: "run", Short: "Run in the foreground", RunE: runCmd},
		&cobra.Command{Use: "install", Short: "Install the host service", RunE: installCmd},
		&cobra.Command{Use: "uninstall", Short: "Uninstall the host service", RunE: uninstallCmd},
		&cobra.Command{Use: "start", Short: "Start the installed service", RunE: startCmd},
		&cobra.Command{Use: "stop", Short: "Stop the installed service", RunE: stopCmd},
		&cobra.Command{Use: "status", Short: "Print resolved config and enrollment state", RunE: statusCmd},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagDataDir, "")
	if err != nil {
		return nil, err
	}

	if flagURL != "" {
		changed, err := config.SetServerURL(cfg.RuntimeConfigPath(), flagURL)
		if err != nil {
			return nil, fmt.Errorf("persist server url: %w", err)
		}
		cfg.ServerURL = flagURL
		if changed {
			store := credential.New(cfg.CredentialPath())
			if err := store.Delete(); err != nil {
				return nil, fmt.Errorf("wipe credential after url change: %w", err)
			}
		}
	}

	if flagReset {
		store := credential.New(cfg.CredentialPath())
		if err := store.Delete(); err != nil {
			return nil, fmt.Errorf("wipe credential: %w", err)
		}
	}

	return cfg, nil
}

func runCmd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.ServerURL == "" {
		return fmt.Errorf("no management backend URL configured; pass --url")
	}

	interactive := !service.IsWindowsService()
	log, cleanup, err := logging.New(cfg.LogPath(), interactive)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer cleanup()

	info, err := probe.Gather(context.Background())
	if err != nil {
		return fmt.Errorf("gather system info: %w", err)
	}

	sup := supervisor.New(cfg, log, info, buildVersion, releaseFeedURL, releaseAssetName())

	if interactive {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return sup.Run(ctx)
	}

	// Apply any staged update before registering with the service manager.
	if !cfg.UpdatesDisabled {
		updater.New(cfg.UpdateDir(), cfg.PendingMarkerPath(), buildVersion, releaseFeedURL, releaseAssetName(), log).ApplyPending()
	}

	handler := &service.AgentService{RunFunc: sup.Run, Log: log}
	return service.Run(handler)
}

func installCmd(cmd *cobra.Command, args []string) error {
	return service.Install("RMM Agent", "Endpoint agent: enrollment, metrics forwarding, and self-update")
}

func uninstallCmd(cmd *cobra.Command, args []string) error {
	return service.Uninstall()
}

func startCmd(cmd *cobra.Command, args []string) error {
	return service.Start()
}

func stopCmd(cmd *cobra.Command, args []string) error {
	return service.Stop()
}

func statusCmd(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagDataDir, "")
	if err != nil {
		return err
	}

	fmt.Printf("data_dir:    %s\n", cfg.DataDir)
	fmt.Printf("server_url:  %s\n", cfg.ServerURL)
	fmt.Printf("metrics_url: %s\n", cfg.MetricsURL)
	fmt.Printf("version:     %s\n", buildVersion)

	data, err := os.ReadFile(cfg.StatusPath())
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("state:       unknown (agent has not run yet)")
			return nil
		}
		return fmt.Errorf("read status file: %w", err)
	}

	var sf struct {
		State     string `json:"state"`
		Hostname  string `json:"hostname"`
		UpdatedAt string `json:"updated_at"`
	}
	if err := json.Unmarshal(data, &sf); err != nil {
		return fmt.Errorf("parse status file: %w", err)
	}

	fmt.Printf("hostname:    %s\n", sf.Hostname)
	fmt.Printf("state:       %s\n", sf.State)
	fmt.Printf("updated_at:  %s\n", sf.UpdatedAt)
	return nil
}
