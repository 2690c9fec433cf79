package scheduler

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotabar/quotabar/internal/auth"
	"github.com/quotabar/quotabar/internal/clock"
	"github.com/quotabar/quotabar/internal/errors"
	"github.com/quotabar/quotabar/internal/github"
	"github.com/quotabar/quotabar/internal/history"
	"github.com/quotabar/quotabar/internal/tasks"
)

type fakeQuota struct {
	mu    sync.Mutex
	usage *github.CopilotUsage
	err   error
	calls atomic.Int32
}

func (f *fakeQuota) FetchUsage(ctx context.Context, token string) (*github.CopilotUsage, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.usage, nil
}

func (f *fakeQuota) set(usage *github.CopilotUsage, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usage = usage
	f.err = err
}

type fakeReleases struct {
	mu    sync.Mutex
	tag   string
	err   error
	calls atomic.Int32
}

func (f *fakeReleases) LatestRelease(ctx context.Context, repo string) (*github.Release, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &github.Release{TagName: f.tag, HTMLURL: "https://example.com/" + f.tag}, nil
}

func (f *fakeReleases) set(tag string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tag = tag
	f.err = err
}

type fakeCreds struct {
	mu    sync.Mutex
	token string
	err   error
}

func (f *fakeCreds) Token() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token, f.err
}

type recordedHistory struct {
	mu      sync.Mutex
	entries []history.Entry
}

func (r *recordedHistory) Record(e history.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *recordedHistory) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

type schedHarness struct {
	clock    *clock.Fake
	runner   *tasks.Runner
	quota    *fakeQuota
	releases *fakeReleases
	creds    *fakeCreds
	hist     *recordedHistory
	states   chan State
	copied   atomic.Int32
	relaunch chan struct{}
	quit     chan struct{}
	authFn   atomic.Value // func(), captured authenticated callback
	sched    *Scheduler
}

func mediumUsage() *github.CopilotUsage {
	return &github.CopilotUsage{
		Login:          "octocat",
		CopilotPlan:    "individual",
		QuotaResetDate: "2025-07-01",
		QuotaSnapshots: map[string]github.QuotaSnapshot{
			"premium_interactions": {
				Entitlement:      300,
				Remaining:        150,
				PercentRemaining: 50,
			},
		},
	}
}

func newSchedHarness(t *testing.T) *schedHarness {
	t.Helper()
	h := &schedHarness{
		clock:    clock.NewFake(),
		runner:   tasks.NewRunner(zerolog.Nop()),
		quota:    &fakeQuota{usage: mediumUsage()},
		releases: &fakeReleases{tag: "v1.4.0"},
		creds:    &fakeCreds{token: "gho_token"},
		hist:     &recordedHistory{},
		states:   make(chan State, 256),
		relaunch: make(chan struct{}, 1),
		quit:     make(chan struct{}, 1),
	}
	h.sched = New(Options{
		Quota:       h.quota,
		Releases:    h.releases,
		Credentials: h.creds,
		Clock:       h.clock,
		Runner:      h.runner,
		Logger:      zerolog.Nop(),
		History:     h.hist,
		UpdateRepo:  "quotabar/quotabar",
		NewAuth: func(authenticated func()) *auth.Orchestrator {
			h.authFn.Store(authenticated)
			return auth.New(auth.Options{
				Clock:  h.clock,
				Runner: h.runner,
				Logger: zerolog.Nop(),
			})
		},
		CopyInstallCommand: func() { h.copied.Add(1) },
		Relaunch:           func() { h.relaunch <- struct{}{} },
		Terminate:          func() { h.quit <- struct{}{} },
		StateChanged:       func(st State) { h.states <- st },
	})
	return h
}

func (h *schedHarness) waitState(t *testing.T, pred func(State) bool) State {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case st := <-h.states:
			if pred(st) {
				return st
			}
		case <-deadline:
			t.Fatal("expected state never emitted")
		}
	}
}

func TestLaunch_FetchPopulatesState(t *testing.T) {
	h := newSchedHarness(t)

	h.sched.Launch(context.Background(), "1.4.0")

	st := h.waitState(t, func(st State) bool { return st.Login != "" && !st.IsLoading })
	assert.Equal(t, "octocat", st.Login)
	assert.Equal(t, "individual", st.Plan)
	assert.Equal(t, time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC), st.ResetDate)
	assert.NoError(t, st.Err)
	assert.False(t, st.NeedsAuth)
	assert.Equal(t, "1.4.0", st.CurrentVersion)

	require.Eventually(t, func() bool { return h.hist.count() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestLaunch_EqualReleaseVersionIsNotAnUpdate(t *testing.T) {
	h := newSchedHarness(t)

	h.sched.Launch(context.Background(), "1.4.0")

	require.Eventually(t, func() bool { return h.releases.calls.Load() >= 1 },
		time.Second, 5*time.Millisecond)
	h.waitState(t, func(st State) bool { return st.Login != "" })
	assert.Empty(t, h.sched.State().AvailableUpdate)
}

func TestLaunch_NewerReleaseSetsAvailableUpdate(t *testing.T) {
	h := newSchedHarness(t)
	h.releases.set("v1.5.0", nil)

	h.sched.Launch(context.Background(), "1.4.0")

	st := h.waitState(t, func(st State) bool { return st.AvailableUpdate != "" })
	assert.Equal(t, "1.5.0", st.AvailableUpdate)
}

func TestUpdateCheck_FailureIsSwallowed(t *testing.T) {
	h := newSchedHarness(t)
	h.releases.set("", stderrors.New("rate limited"))

	h.sched.Launch(context.Background(), "1.4.0")

	st := h.waitState(t, func(st State) bool { return st.Login != "" && !st.IsLoading })
	assert.NoError(t, st.Err)
	assert.Empty(t, st.AvailableUpdate)
}

func TestRepeatedLaunches_SingleTimer(t *testing.T) {
	h := newSchedHarness(t)
	ctx := context.Background()

	h.sched.Launch(ctx, "1.4.0")
	h.sched.Reappear(ctx)
	h.sched.Reappear(ctx)
	h.sched.Reappear(ctx)

	// Four immediate fetches, one per launch.
	require.Eventually(t, func() bool { return h.quota.calls.Load() == 4 },
		2*time.Second, 5*time.Millisecond)

	// Only the latest timer survives the restarts.
	require.Eventually(t, func() bool { return h.clock.ActiveTickers() == 1 },
		2*time.Second, 5*time.Millisecond)

	h.clock.Advance(DefaultRefreshInterval)
	require.Eventually(t, func() bool { return h.quota.calls.Load() == 5 },
		2*time.Second, 5*time.Millisecond)

	// No second tick from a stale timer.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(5), h.quota.calls.Load())
}

func TestFetch_AuthClassifiedFailureInstallsOrchestrator(t *testing.T) {
	h := newSchedHarness(t)
	h.creds.err = errors.New(errors.KindCredentialFileMissing, "read_credentials", os.ErrNotExist)
	h.creds.token = ""

	h.sched.Launch(context.Background(), "1.4.0")

	st := h.waitState(t, func(st State) bool { return st.NeedsAuth })
	assert.Error(t, st.Err)
	assert.NotNil(t, h.sched.Auth())
	assert.Zero(t, h.hist.count())
}

func TestFetch_GenericFailureDoesNotTouchAuth(t *testing.T) {
	h := newSchedHarness(t)
	h.quota.set(nil, errors.New(errors.KindAPIError, "fetch_usage", stderrors.New("boom")))

	h.sched.Launch(context.Background(), "1.4.0")

	st := h.waitState(t, func(st State) bool { return st.Err != nil && !st.IsLoading })
	assert.False(t, st.NeedsAuth)
	assert.Nil(t, h.sched.Auth())
}

func TestFetch_SuccessClearsErrorAndNeedsAuth(t *testing.T) {
	h := newSchedHarness(t)
	h.quota.set(nil, errors.New(errors.KindAuthenticationFailed, "fetch_usage", nil).WithStatusCode(401))

	h.sched.Launch(context.Background(), "1.4.0")
	h.waitState(t, func(st State) bool { return st.NeedsAuth })

	h.quota.set(mediumUsage(), nil)
	h.sched.Refresh(context.Background())

	st := h.waitState(t, func(st State) bool { return st.Login != "" && !st.NeedsAuth && st.Err == nil })
	assert.Equal(t, "octocat", st.Login)
}

func TestAuthenticatedSignal_ClearsAuthAndRefetches(t *testing.T) {
	h := newSchedHarness(t)
	h.creds.err = errors.New(errors.KindNoCredential, "read_credentials", nil)

	h.sched.Launch(context.Background(), "1.4.0")
	h.waitState(t, func(st State) bool { return st.NeedsAuth })
	require.NotNil(t, h.sched.Auth())

	before := h.quota.calls.Load()

	// Credential is now in place; deliver the orchestrator's signal.
	h.creds.mu.Lock()
	h.creds.err = nil
	h.creds.token = "gho_fresh"
	h.creds.mu.Unlock()

	authenticated := h.authFn.Load().(func())
	authenticated()

	st := h.waitState(t, func(st State) bool { return st.Login != "" && !st.NeedsAuth })
	assert.Equal(t, "octocat", st.Login)
	assert.Nil(t, h.sched.Auth())
	assert.Greater(t, h.quota.calls.Load(), before)
}

func TestUpdateBannerTapped_ConfirmationResetsAfterDelay(t *testing.T) {
	h := newSchedHarness(t)

	h.sched.UpdateBannerTapped()
	assert.Equal(t, int32(1), h.copied.Load())

	st := h.waitState(t, func(st State) bool { return st.ShowCopiedConfirmation })
	assert.True(t, st.ShowCopiedConfirmation)

	h.clock.BlockUntilSleepers(1)
	h.clock.Advance(1900 * time.Millisecond)
	select {
	case st := <-h.states:
		t.Fatalf("unexpected state change before the window elapsed: %+v", st)
	case <-time.After(20 * time.Millisecond):
	}

	h.clock.Advance(100 * time.Millisecond)
	st = h.waitState(t, func(st State) bool { return !st.ShowCopiedConfirmation })
	assert.False(t, st.ShowCopiedConfirmation)
}

func TestUpdateBannerTapped_RetriggerRestartsWindow(t *testing.T) {
	h := newSchedHarness(t)

	h.sched.UpdateBannerTapped()
	h.waitState(t, func(st State) bool { return st.ShowCopiedConfirmation })
	h.clock.BlockUntilSleepers(1)
	h.clock.Advance(time.Second)

	h.sched.UpdateBannerTapped()
	h.waitState(t, func(st State) bool { return st.ShowCopiedConfirmation })
	time.Sleep(20 * time.Millisecond) // let the superseded delay unwind
	h.clock.BlockUntilSleepers(1)

	// Past the original deadline, inside the restarted one.
	h.clock.Advance(1500 * time.Millisecond)
	assert.True(t, h.sched.State().ShowCopiedConfirmation)

	h.clock.Advance(500 * time.Millisecond)
	h.waitState(t, func(st State) bool { return !st.ShowCopiedConfirmation })
}

func TestBundleWatchdog_RelaunchesOnVersionChange(t *testing.T) {
	h := newSchedHarness(t)
	marker := filepath.Join(t.TempDir(), "VERSION")
	require.NoError(t, os.WriteFile(marker, []byte("1.5.0\n"), 0o644))

	h.sched.Launch(context.Background(), "1.4.0")
	h.waitState(t, func(st State) bool { return st.Login != "" })

	h.sched.StartBundleWatchdog(context.Background(), marker)
	require.Eventually(t, func() bool { return h.clock.ActiveTickers() >= 2 },
		time.Second, 5*time.Millisecond)

	h.clock.Advance(DefaultWatchdogInterval)
	select {
	case <-h.relaunch:
	case <-time.After(2 * time.Second):
		t.Fatal("relaunch never triggered")
	}
}

func TestBundleWatchdog_MissingMarkerIsNoop(t *testing.T) {
	h := newSchedHarness(t)

	h.sched.Launch(context.Background(), "1.4.0")
	h.waitState(t, func(st State) bool { return st.Login != "" })

	h.sched.StartBundleWatchdog(context.Background(), filepath.Join(t.TempDir(), "VERSION"))
	require.Eventually(t, func() bool { return h.clock.ActiveTickers() >= 2 },
		time.Second, 5*time.Millisecond)

	h.clock.Advance(3 * DefaultWatchdogInterval)
	select {
	case <-h.relaunch:
		t.Fatal("relaunched without a marker file")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBundleWatchdog_SameVersionIsNoop(t *testing.T) {
	h := newSchedHarness(t)
	marker := filepath.Join(t.TempDir(), "VERSION")
	require.NoError(t, os.WriteFile(marker, []byte("1.4.0"), 0o644))

	h.sched.Launch(context.Background(), "1.4.0")
	h.waitState(t, func(st State) bool { return st.Login != "" })

	h.sched.StartBundleWatchdog(context.Background(), marker)
	require.Eventually(t, func() bool { return h.clock.ActiveTickers() >= 2 },
		time.Second, 5*time.Millisecond)

	h.clock.Advance(DefaultWatchdogInterval)
	select {
	case <-h.relaunch:
		t.Fatal("relaunched although versions match")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestQuit_InvokesTerminate(t *testing.T) {
	h := newSchedHarness(t)

	h.sched.Quit()
	select {
	case <-h.quit:
	case <-time.After(time.Second):
		t.Fatal("terminate never invoked")
	}
}

func TestWatchCredentials_TriggersFetchOnWrite(t *testing.T) {
	h := newSchedHarness(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "hosts.json")
	h.sched.opts.CredentialsPath = path

	require.NoError(t, h.sched.WatchCredentials(context.Background()))

	before := h.quota.calls.Load()
	require.NoError(t, os.WriteFile(path, []byte(`{"github.com":{"oauth_token":"gho"}}`), 0o600))

	require.Eventually(t, func() bool { return h.quota.calls.Load() > before },
		2*time.Second, 10*time.Millisecond)
}
