// Package auth owns the OAuth Device Authorization Grant state machine: it
// requests a user code, polls the token endpoint with RFC 8628 backoff
// semantics, persists the resulting credential, and signals the caller once
// authentication has settled.
package auth

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quotabar/quotabar/internal/clock"
	"github.com/quotabar/quotabar/internal/errors"
	"github.com/quotabar/quotabar/internal/github"
	"github.com/quotabar/quotabar/internal/metrics"
	"github.com/quotabar/quotabar/internal/tasks"
)

// Task names owned by the orchestrator.
const (
	taskPolling = "polling"
	taskNotify  = "auth-notify"
)

const (
	// Grace delay between reaching Success and notifying the caller, so
	// the user sees the confirmation before the popover switches back.
	notifyDelay = 1500 * time.Millisecond

	// RFC 8628: slow_down adds 5 seconds to the poll interval.
	slowDownStep = 5 * time.Second

	// Fallback cadence when the grant carries no interval.
	defaultPollInterval = 5 * time.Second
)

// PhaseKind identifies which authentication phase is active.
type PhaseKind string

const (
	PhaseIdle         PhaseKind = "idle"
	PhaseAwaitingUser PhaseKind = "awaiting_user"
	PhaseSuccess      PhaseKind = "success"
	PhaseError        PhaseKind = "error"
)

// Phase is the externally visible authentication state. Exactly one kind is
// active at a time; UserCode and VerificationURL are set only for
// AwaitingUser, Message only for Error.
type Phase struct {
	Kind            PhaseKind
	UserCode        string
	VerificationURL string
	Message         string
}

// Gateway performs the two device-flow HTTP calls.
type Gateway interface {
	RequestDeviceCode(ctx context.Context) (*github.DeviceCodeGrant, error)
	PollToken(ctx context.Context, deviceCode string) (*github.TokenPollResponse, error)
}

// TokenSaver persists a freshly issued credential.
type TokenSaver interface {
	SaveToken(token string) error
}

// Options configures an Orchestrator.
type Options struct {
	Gateway Gateway
	Tokens  TokenSaver
	Clock   clock.Clock
	Runner  *tasks.Runner
	Logger  zerolog.Logger

	// Authenticated fires once, notifyDelay after the credential has been
	// persisted, unless Cancel intervenes.
	Authenticated func()

	// PhaseChanged, when set, receives every phase transition.
	PhaseChanged func(Phase)
}

// Orchestrator drives the device-flow state machine. All phase mutations
// happen under one mutex; the poll loop runs as the single live instance of
// the "polling" task.
type Orchestrator struct {
	mu    sync.Mutex
	phase Phase

	gateway       Gateway
	tokens        TokenSaver
	clock         clock.Clock
	runner        *tasks.Runner
	logger        zerolog.Logger
	authenticated func()
	phaseChanged  func(Phase)
}

// New creates an Orchestrator in the Idle phase.
func New(opts Options) *Orchestrator {
	return &Orchestrator{
		phase:         Phase{Kind: PhaseIdle},
		gateway:       opts.Gateway,
		tokens:        opts.Tokens,
		clock:         opts.Clock,
		runner:        opts.Runner,
		logger:        opts.Logger,
		authenticated: opts.Authenticated,
		phaseChanged:  opts.PhaseChanged,
	}
}

// Phase returns a snapshot of the current phase.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// SignIn resets the flow and starts a fresh device-code grant. Starting the
// poll task under its fixed name supersedes any stale loop, so no result from
// a previous grant is ever applied.
func (o *Orchestrator) SignIn(ctx context.Context) {
	o.setPhase(Phase{Kind: PhaseIdle})
	o.runner.Start(ctx, taskPolling, func(taskCtx context.Context) {
		o.run(ctx, taskCtx)
	})
}

// TryAgain restarts the flow after an error. Identical to SignIn.
func (o *Orchestrator) TryAgain(ctx context.Context) {
	o.SignIn(ctx)
}

// Cancel stops the poll loop and any pending authenticated notification and
// returns to Idle. Safe to call from any phase.
func (o *Orchestrator) Cancel() {
	o.runner.Cancel(taskPolling)
	o.runner.Cancel(taskNotify)
	o.setPhase(Phase{Kind: PhaseIdle})
}

// run executes one grant: request codes, then poll until a terminal outcome.
// parentCtx outlives the polling task and parents the delayed notification.
func (o *Orchestrator) run(parentCtx, ctx context.Context) {
	grant, err := o.gateway.RequestDeviceCode(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		o.logger.Warn().Err(err).Msg("Device code request failed")
		o.setPhase(Phase{Kind: PhaseError, Message: err.Error()})
		return
	}

	if ctx.Err() != nil {
		return
	}

	o.setPhase(Phase{
		Kind:            PhaseAwaitingUser,
		UserCode:        grant.UserCode,
		VerificationURL: grant.VerificationURL,
	})
	o.logger.Info().
		Str("userCode", grant.UserCode).
		Dur("expiresIn", grant.ExpiresIn).
		Msg("Awaiting user authorization")

	interval := grant.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	start := o.clock.Now()

	for {
		// Cancellation is checked on both sides of the sleep so that an
		// in-flight sleep cannot lead to a poll after the caller gave up.
		if ctx.Err() != nil {
			return
		}
		if err := o.clock.Sleep(ctx, interval); err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}

		if o.clock.Now().Sub(start) >= grant.ExpiresIn {
			metrics.TokenPollsTotal.WithLabelValues("expired").Inc()
			o.setPhase(Phase{Kind: PhaseError, Message: errors.ErrGrantExpired.Error()})
			return
		}

		resp, err := o.gateway.PollToken(ctx, grant.DeviceCode)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.TokenPollsTotal.WithLabelValues("network_error").Inc()
			o.setPhase(Phase{Kind: PhaseError, Message: err.Error()})
			return
		}
		// A superseded loop must never apply its result, even when the
		// gateway ignored the cancellation.
		if ctx.Err() != nil {
			return
		}

		switch classify(resp) {
		case outcomeToken:
			metrics.TokenPollsTotal.WithLabelValues("token").Inc()
			o.finish(parentCtx, resp.AccessToken)
			return
		case outcomeSlowDown:
			metrics.TokenPollsTotal.WithLabelValues("slow_down").Inc()
			interval += slowDownStep
		case outcomeExpired:
			metrics.TokenPollsTotal.WithLabelValues("expired").Inc()
			o.setPhase(Phase{Kind: PhaseError, Message: errors.ErrGrantExpired.Error()})
			return
		case outcomeDenied:
			metrics.TokenPollsTotal.WithLabelValues("denied").Inc()
			o.setPhase(Phase{Kind: PhaseError, Message: errors.ErrAccessDenied.Error()})
			return
		default:
			metrics.TokenPollsTotal.WithLabelValues("pending").Inc()
		}
	}
}

// finish persists the token and, on success, schedules the delayed
// authenticated notification. A persistence failure is an error phase: the
// flow only counts as succeeded once the credential is on disk.
func (o *Orchestrator) finish(parentCtx context.Context, token string) {
	if err := o.tokens.SaveToken(token); err != nil {
		o.logger.Error().Err(err).Msg("Failed to persist credential")
		o.setPhase(Phase{Kind: PhaseError, Message: err.Error()})
		return
	}

	o.setPhase(Phase{Kind: PhaseSuccess})
	o.logger.Info().Msg("Authentication succeeded")

	o.runner.Start(parentCtx, taskNotify, func(ctx context.Context) {
		if err := o.clock.Sleep(ctx, notifyDelay); err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		if o.authenticated != nil {
			o.authenticated()
		}
	})
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	o.phase = p
	changed := o.phaseChanged
	o.mu.Unlock()

	if changed != nil {
		changed(p)
	}
}

type pollOutcome int

const (
	outcomeToken pollOutcome = iota
	outcomePending
	outcomeSlowDown
	outcomeExpired
	outcomeDenied
)

// classify maps one poll response to a loop action. Error codes this client
// does not recognize are treated as pending, for forward compatibility.
func classify(resp *github.TokenPollResponse) pollOutcome {
	switch {
	case resp.AccessToken != "":
		return outcomeToken
	case resp.Error == github.PollErrorSlowDown:
		return outcomeSlowDown
	case resp.Error == github.PollErrorExpiredToken:
		return outcomeExpired
	case resp.Error == github.PollErrorAccessDenied:
		return outcomeDenied
	default:
		return outcomePending
	}
}
