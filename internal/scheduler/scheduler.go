// Package scheduler drives the periodic quota refresh, the piggybacked
// release update-check, the auth hand-off on credential failures, and the
// self-relaunch watchdog. Every timer-driven unit runs as a named
// single-instance task, so restarting the scheduler never stacks timers.
package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/quotabar/quotabar/internal/auth"
	"github.com/quotabar/quotabar/internal/clock"
	"github.com/quotabar/quotabar/internal/errors"
	"github.com/quotabar/quotabar/internal/github"
	"github.com/quotabar/quotabar/internal/history"
	"github.com/quotabar/quotabar/internal/metrics"
	"github.com/quotabar/quotabar/internal/tasks"
	"github.com/quotabar/quotabar/internal/version"
)

// Task names owned by the scheduler.
const (
	taskRefreshTimer = "refresh-timer"
	taskCopyConfirm  = "copy-confirmation"
	taskWatchdog     = "bundle-watchdog"
	taskCredWatch    = "credential-watch"
)

const (
	// DefaultRefreshInterval is the periodic refresh cadence.
	DefaultRefreshInterval = 900 * time.Second

	// DefaultWatchdogInterval is the bundle-marker poll cadence.
	DefaultWatchdogInterval = 15 * time.Second

	// copyConfirmDelay is how long the "copied" confirmation stays up.
	copyConfirmDelay = 2 * time.Second

	resetDateLayout = "2006-01-02"
)

// QuotaGateway fetches current usage for a token.
type QuotaGateway interface {
	FetchUsage(ctx context.Context, token string) (*github.CopilotUsage, error)
}

// ReleaseGateway fetches latest published release metadata.
type ReleaseGateway interface {
	LatestRelease(ctx context.Context, repo string) (*github.Release, error)
}

// CredentialReader reads the stored OAuth token.
type CredentialReader interface {
	Token() (string, error)
}

// HistoryRecorder persists usage snapshots. Recording failures are logged
// and swallowed.
type HistoryRecorder interface {
	Record(e history.Entry) error
}

// State is the refresh state consumed by the presentation layer. NeedsAuth
// and Err are set together exactly when the most recent fetch failed with an
// auth-classified error; a successful fetch clears both.
type State struct {
	IsLoading              bool
	Usage                  *github.CopilotUsage
	Login                  string
	Plan                   string
	ResetDate              time.Time
	LastUpdated            time.Time
	Err                    error
	NeedsAuth              bool
	AvailableUpdate        string
	CurrentVersion         string
	ShowCopiedConfirmation bool
}

// Options configures a Scheduler.
type Options struct {
	Quota       QuotaGateway
	Releases    ReleaseGateway
	Credentials CredentialReader
	Clock       clock.Clock
	Runner      *tasks.Runner
	Logger      zerolog.Logger
	History     HistoryRecorder // optional

	UpdateRepo       string
	RefreshInterval  time.Duration // defaults to DefaultRefreshInterval
	WatchdogInterval time.Duration // defaults to DefaultWatchdogInterval
	CredentialsPath  string        // watched by WatchCredentials

	// NewAuth constructs a fresh AuthOrchestrator wired to the given
	// authenticated callback. Called on each auth-classified failure.
	NewAuth func(authenticated func()) *auth.Orchestrator

	// Side effects raised by user intents.
	CopyInstallCommand func()
	Relaunch           func()
	Terminate          func()

	// StateChanged, when set, receives a snapshot after every mutation.
	StateChanged func(State)
}

// Scheduler owns the refresh state. One mutex guards the state and the
// current auth orchestrator; effects run on their own goroutines and apply
// results in arrival order.
type Scheduler struct {
	mu      sync.Mutex
	state   State
	auth    *auth.Orchestrator
	baseCtx context.Context

	opts             Options
	refreshInterval  time.Duration
	watchdogInterval time.Duration
}

// New creates a Scheduler with empty state.
func New(opts Options) *Scheduler {
	refreshInterval := opts.RefreshInterval
	if refreshInterval <= 0 {
		refreshInterval = DefaultRefreshInterval
	}
	watchdogInterval := opts.WatchdogInterval
	if watchdogInterval <= 0 {
		watchdogInterval = DefaultWatchdogInterval
	}
	return &Scheduler{
		opts:             opts,
		baseCtx:          context.Background(),
		refreshInterval:  refreshInterval,
		watchdogInterval: watchdogInterval,
	}
}

// State returns a snapshot of the current refresh state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Auth returns the active auth orchestrator, or nil when no auth hand-off is
// in progress.
func (s *Scheduler) Auth() *auth.Orchestrator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auth
}

// Launch captures the current build version and starts the refresh cycle:
// an immediate fetch, an immediate update check, and the periodic timer.
func (s *Scheduler) Launch(ctx context.Context, currentVersion string) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.state.CurrentVersion = currentVersion
	s.mu.Unlock()

	s.refreshAndRestartTimer(ctx)
}

// Reappear re-runs the launch sequence. Restarting the timer task replaces
// the previous one, so repeated launches never produce two ticking timers.
func (s *Scheduler) Reappear(ctx context.Context) {
	s.refreshAndRestartTimer(ctx)
}

func (s *Scheduler) refreshAndRestartTimer(ctx context.Context) {
	go s.fetch(ctx)
	go s.checkForUpdates(ctx)

	s.runner().Start(ctx, taskRefreshTimer, func(taskCtx context.Context) {
		ticker := s.opts.Clock.NewTicker(s.refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C():
				s.tick(taskCtx)
			case <-taskCtx.Done():
				return
			}
		}
	})
}

// tick issues the fetch and the update check concurrently; each applies its
// result independently of the other.
func (s *Scheduler) tick(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.fetch(gctx)
		return nil
	})
	g.Go(func() error {
		s.checkForUpdates(gctx)
		return nil
	})
	_ = g.Wait()
}

// Refresh issues a single fetch without touching the timer. Fetches are not
// generation-tagged: the latest received result wins, so an older in-flight
// fetch racing a newer one may still overwrite fresher state.
func (s *Scheduler) Refresh(ctx context.Context) {
	go s.fetch(ctx)
}

func (s *Scheduler) fetch(ctx context.Context) {
	s.mutate(func(st *State) { st.IsLoading = true })

	token, err := s.opts.Credentials.Token()
	if err != nil {
		s.applyFetchError(ctx, err)
		return
	}

	usage, err := s.opts.Quota.FetchUsage(ctx, token)
	if err != nil {
		s.applyFetchError(ctx, err)
		return
	}
	if ctx.Err() != nil {
		return
	}

	metrics.FetchTotal.WithLabelValues(metrics.OutcomeSuccess).Inc()
	now := s.opts.Clock.Now()

	s.mutate(func(st *State) {
		st.IsLoading = false
		st.Usage = usage
		st.Login = usage.Login
		st.Plan = usage.CopilotPlan
		st.ResetDate = parseResetDate(usage.QuotaResetDate)
		st.LastUpdated = now
		st.Err = nil
		st.NeedsAuth = false
	})

	s.recordHistory(usage, now)
}

func (s *Scheduler) applyFetchError(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}

	if errors.IsAuthError(err) {
		metrics.FetchTotal.WithLabelValues(metrics.OutcomeAuthError).Inc()
		s.opts.Logger.Warn().Err(err).Msg("Quota fetch needs authentication")

		s.mu.Lock()
		s.state.IsLoading = false
		s.state.Err = err
		s.state.NeedsAuth = true
		if s.opts.NewAuth != nil {
			s.auth = s.opts.NewAuth(s.onAuthenticated)
		}
		snapshot := s.state
		s.mu.Unlock()
		s.emit(snapshot)
		return
	}

	metrics.FetchTotal.WithLabelValues(metrics.OutcomeAPIError).Inc()
	s.opts.Logger.Error().Err(err).Msg("Quota fetch failed")
	s.mutate(func(st *State) {
		st.IsLoading = false
		st.Err = err
		st.NeedsAuth = false
	})
}

// onAuthenticated runs after the orchestrator's delayed success signal:
// clear the auth sub-state and immediately re-issue a fetch.
func (s *Scheduler) onAuthenticated() {
	s.mu.Lock()
	s.auth = nil
	s.state.NeedsAuth = false
	ctx := s.baseCtx
	snapshot := s.state
	s.mu.Unlock()
	s.emit(snapshot)

	go s.fetch(ctx)
}

func (s *Scheduler) checkForUpdates(ctx context.Context) {
	release, err := s.opts.Releases.LatestRelease(ctx, s.opts.UpdateRepo)
	if err != nil {
		// Best effort: no state change, no error surfaced.
		metrics.UpdateChecksTotal.WithLabelValues(metrics.OutcomeError).Inc()
		s.opts.Logger.Debug().Err(err).Msg("Update check failed")
		return
	}

	latest, err := version.Parse(release.TagName)
	if err != nil {
		metrics.UpdateChecksTotal.WithLabelValues(metrics.OutcomeError).Inc()
		s.opts.Logger.Debug().Err(err).Str("tag", release.TagName).Msg("Unparsable release tag")
		return
	}

	s.mu.Lock()
	currentStr := s.state.CurrentVersion
	s.mu.Unlock()

	current, err := version.Parse(currentStr)
	if err != nil {
		metrics.UpdateChecksTotal.WithLabelValues(metrics.OutcomeError).Inc()
		return
	}

	available := ""
	if latest.IsNewerThan(current) {
		available = latest.String()
		metrics.UpdateChecksTotal.WithLabelValues(metrics.OutcomeNewer).Inc()
		s.opts.Logger.Info().Str("version", available).Msg("Update available")
	} else {
		metrics.UpdateChecksTotal.WithLabelValues(metrics.OutcomeCurrent).Inc()
	}

	if ctx.Err() != nil {
		return
	}
	s.mutate(func(st *State) { st.AvailableUpdate = available })
}

// UpdateBannerTapped copies the install command and shows a transient
// confirmation. Retriggering restarts the 2 s window instead of stacking
// timers.
func (s *Scheduler) UpdateBannerTapped() {
	if s.opts.CopyInstallCommand != nil {
		s.opts.CopyInstallCommand()
	}

	s.mutate(func(st *State) { st.ShowCopiedConfirmation = true })

	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()

	s.runner().Start(ctx, taskCopyConfirm, func(taskCtx context.Context) {
		if err := s.opts.Clock.Sleep(taskCtx, copyConfirmDelay); err != nil {
			return
		}
		if taskCtx.Err() != nil {
			return
		}
		s.mutate(func(st *State) { st.ShowCopiedConfirmation = false })
	})
}

// StartBundleWatchdog polls the on-disk build-version marker and triggers a
// relaunch when it differs from the captured current version. Absence of
// either value is a no-op.
func (s *Scheduler) StartBundleWatchdog(ctx context.Context, markerPath string) {
	s.runner().Start(ctx, taskWatchdog, func(taskCtx context.Context) {
		ticker := s.opts.Clock.NewTicker(s.watchdogInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C():
				if s.bundleVersionChanged(markerPath) {
					s.opts.Logger.Info().Msg("Bundle version changed on disk, relaunching")
					if s.opts.Relaunch != nil {
						s.opts.Relaunch()
					}
					return
				}
			case <-taskCtx.Done():
				return
			}
		}
	})
}

func (s *Scheduler) bundleVersionChanged(markerPath string) bool {
	data, err := os.ReadFile(markerPath)
	if err != nil {
		return false
	}
	marker := strings.TrimSpace(string(data))

	s.mu.Lock()
	current := s.state.CurrentVersion
	s.mu.Unlock()

	return marker != "" && current != "" && marker != current
}

// WatchCredentials refreshes when the credential file changes on disk, so a
// sign-in performed externally (e.g. via the gh CLI) is picked up without
// waiting for the next tick.
func (s *Scheduler) WatchCredentials(ctx context.Context) error {
	path := s.opts.CredentialsPath
	if path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the parent directory: the file itself may not exist yet, and
	// atomic-replace writes land as create+rename events on the directory.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}

	s.runner().Start(ctx, taskCredWatch, func(taskCtx context.Context) {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					s.opts.Logger.Debug().Str("event", event.Op.String()).Msg("Credential file changed")
					go s.fetch(taskCtx)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.opts.Logger.Debug().Err(err).Msg("Credential watch error")
			case <-taskCtx.Done():
				return
			}
		}
	})
	return nil
}

// Quit invokes the termination primitive. Timer tear-down is the
// terminator's responsibility.
func (s *Scheduler) Quit() {
	if s.opts.Terminate != nil {
		s.opts.Terminate()
	}
}

func (s *Scheduler) recordHistory(usage *github.CopilotUsage, takenAt time.Time) {
	if s.opts.History == nil {
		return
	}
	premium, ok := usage.Premium()
	if !ok {
		return
	}
	err := s.opts.History.Record(history.Entry{
		TakenAt:          takenAt,
		Login:            usage.Login,
		Plan:             usage.CopilotPlan,
		Entitlement:      premium.Entitlement,
		Remaining:        premium.Remaining,
		PercentRemaining: premium.PercentRemaining,
	})
	if err != nil {
		s.opts.Logger.Debug().Err(err).Msg("Failed to record usage history")
	}
}

func (s *Scheduler) runner() *tasks.Runner {
	return s.opts.Runner
}

func (s *Scheduler) mutate(fn func(*State)) {
	s.mu.Lock()
	fn(&s.state)
	snapshot := s.state
	s.mu.Unlock()
	s.emit(snapshot)
}

func (s *Scheduler) emit(snapshot State) {
	if s.opts.StateChanged != nil {
		s.opts.StateChanged(snapshot)
	}
}

func parseResetDate(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(resetDateLayout, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
