package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quotabar/quotabar/internal/auth"
	"github.com/quotabar/quotabar/internal/clock"
	"github.com/quotabar/quotabar/internal/config"
	"github.com/quotabar/quotabar/internal/credentials"
	"github.com/quotabar/quotabar/internal/github"
	"github.com/quotabar/quotabar/internal/history"
	"github.com/quotabar/quotabar/internal/logging"
	"github.com/quotabar/quotabar/internal/scheduler"
	"github.com/quotabar/quotabar/internal/tasks"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "quotabar",
	Short:   "quotabar - GitHub Copilot quota monitor",
	Long:    `quotabar keeps a live view of your GitHub Copilot premium-request quota, signs you in via the device flow when credentials go stale, and tells you when a newer release is out`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runApp()
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(loginCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("quotabar %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in to GitHub via the device flow and store the credential",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLogin()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runApp() {
	// Baseline logger for early startup logs, reconfigured once config loads.
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "quotabar",
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "quotabar",
		FilePath:  cfg.LogFile,
	})
	defer logging.Shutdown()

	log.Info().Str("version", Version).Msg("Starting quotabar")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.MetricsAddr != "" {
		startMetricsServer(ctx, cfg.MetricsAddr)
	}

	var hist *history.Store
	if cfg.HistoryPath != "" {
		hist, err = history.Open(cfg.HistoryPath)
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.HistoryPath).Msg("Usage history disabled")
		} else {
			defer hist.Close()
		}
	}

	store := credentials.NewStore(cfg.CredentialsPath)
	authClient := github.NewAuthClient(cfg.GitHubBaseURL, cfg.ClientID, nil)
	apiClient := github.NewAPIClient(cfg.APIBaseURL, nil)
	runner := tasks.NewRunner(log.Logger)

	sched := scheduler.New(scheduler.Options{
		Quota:            apiClient,
		Releases:         apiClient,
		Credentials:      store,
		Clock:            clock.System{},
		Runner:           runner,
		Logger:           log.Logger,
		History:          historyRecorder(hist),
		UpdateRepo:       cfg.UpdateRepo,
		RefreshInterval:  cfg.RefreshInterval,
		WatchdogInterval: cfg.WatchdogInterval,
		CredentialsPath:  cfg.CredentialsPath,
		NewAuth: func(authenticated func()) *auth.Orchestrator {
			return auth.New(auth.Options{
				Gateway:       authClient,
				Tokens:        store,
				Clock:         clock.System{},
				Runner:        runner,
				Logger:        log.Logger,
				Authenticated: authenticated,
				PhaseChanged:  logPhase,
			})
		},
		CopyInstallCommand: func() {
			fmt.Printf("brew upgrade %s\n", cfg.UpdateRepo)
		},
		Relaunch:  relaunch,
		Terminate: cancel,
		StateChanged: func(st scheduler.State) {
			logState(st)
		},
	})

	sched.Launch(ctx, Version)

	if cfg.BundleMarkerPath != "" {
		sched.StartBundleWatchdog(ctx, cfg.BundleMarkerPath)
	}
	if err := sched.WatchCredentials(ctx); err != nil {
		log.Warn().Err(err).Msg("Credential file watch unavailable")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info().Msg("Shutting down...")
	case <-ctx.Done():
	}

	cancel()
	runner.CancelAll()
	log.Info().Msg("Stopped")
}

// runLogin drives one interactive device-flow sign-in to completion.
func runLogin() error {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "warn",
		Component: "quotabar",
	})

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	done := make(chan error, 1)
	orch := auth.New(auth.Options{
		Gateway: github.NewAuthClient(cfg.GitHubBaseURL, cfg.ClientID, nil),
		Tokens:  credentials.NewStore(cfg.CredentialsPath),
		Clock:   clock.System{},
		Runner:  tasks.NewRunner(log.Logger),
		Logger:  log.Logger,
		PhaseChanged: func(p auth.Phase) {
			switch p.Kind {
			case auth.PhaseAwaitingUser:
				fmt.Printf("Open %s and enter code %s\n", p.VerificationURL, p.UserCode)
			case auth.PhaseSuccess:
				done <- nil
			case auth.PhaseError:
				done <- fmt.Errorf("sign-in failed: %s", p.Message)
			}
		},
	})

	orch.SignIn(ctx)

	select {
	case err := <-done:
		if err == nil {
			fmt.Println("Signed in. Credential stored at", cfg.CredentialsPath)
		}
		return err
	case <-ctx.Done():
		orch.Cancel()
		return ctx.Err()
	}
}

// historyRecorder adapts a possibly-nil store to the scheduler's optional
// recorder. A typed nil inside a non-nil interface would defeat the nil
// check, so map nil to nil explicitly.
func historyRecorder(hist *history.Store) scheduler.HistoryRecorder {
	if hist == nil {
		return nil
	}
	return hist
}

func logPhase(p auth.Phase) {
	switch p.Kind {
	case auth.PhaseAwaitingUser:
		log.Info().
			Str("code", p.UserCode).
			Str("url", p.VerificationURL).
			Msg("Waiting for device authorization")
	case auth.PhaseSuccess:
		log.Info().Msg("Authenticated")
	case auth.PhaseError:
		log.Warn().Str("reason", p.Message).Msg("Authentication failed")
	}
}

func logState(st scheduler.State) {
	if st.IsLoading {
		return
	}
	if st.Err != nil {
		log.Debug().Err(st.Err).Bool("needsAuth", st.NeedsAuth).Msg("Refresh state")
		return
	}
	ev := log.Debug().Str("login", st.Login).Str("plan", st.Plan)
	if premium, ok := premiumOf(st); ok {
		ev = ev.Float64("remaining", premium)
	}
	if st.AvailableUpdate != "" {
		ev = ev.Str("updateAvailable", st.AvailableUpdate)
	}
	ev.Msg("Refresh state")
}

func premiumOf(st scheduler.State) (float64, bool) {
	if st.Usage == nil {
		return 0, false
	}
	premium, ok := st.Usage.Premium()
	if !ok {
		return 0, false
	}
	return premium.Remaining, true
}

// relaunch re-executes the current binary and exits, picking up a bundle
// that was replaced on disk.
func relaunch() {
	exe, err := os.Executable()
	if err != nil {
		log.Error().Err(err).Msg("Cannot resolve executable for relaunch")
		return
	}
	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		log.Error().Err(err).Msg("Relaunch failed")
		return
	}
	log.Info().Int("pid", cmd.Process.Pid).Msg("Relaunched")
	os.Exit(0)
}
