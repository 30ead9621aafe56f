// Package oauthflow runs the third-party authorization-code handshake: it
// issues CSRF state nonces, opens and supervises the login surface (system
// browser plus local callback server, or a plain URL handed to the caller),
// validates callbacks, and exchanges authorization codes through the backend
// broker.
//
// The attempt table is exclusively owned by the Coordinator and lives in
// memory only: a process restart invalidates every in-flight attempt by
// design.
package oauthflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tidegate/authkit/internal/api"
	"github.com/tidegate/authkit/internal/browser"
	"github.com/tidegate/authkit/sdk/session"
)

// watchTick is the interval at which an attempt's watchdog polls the login
// surface for having died underneath the user.
const watchTick = time.Second

// Backend is the subset of the REST client the coordinator needs.
// *api.Client satisfies it.
type Backend interface {
	OAuthLoginURL(ctx context.Context, provider, redirectURI, state string) (string, error)
	OAuthExchange(ctx context.Context, provider, code, state string) (*api.TokenResponse, error)
	OAuthProviders(ctx context.Context) ([]api.ProviderInfo, error)
}

// Outcome is the terminal result of one OAuth attempt.
type Outcome struct {
	Provider string
	Tokens   *api.TokenResponse
	Err      error
	// Cancelled marks a user-cancelled attempt: a silent no-op, not an error.
	Cancelled bool
}

// OutcomeSink receives every terminal outcome, including cancellations.
type OutcomeSink func(Outcome)

// StartResult is returned by Start. Done is non-nil only in popup mode and
// resolves with the attempt's terminal outcome.
type StartResult struct {
	AuthorizationURL string
	State            string
	Done             <-chan Outcome
}

// Options tunes the coordinator. Zero values pick the defaults: 30 s popup
// timeout, 10 min attempt lifetime, hourly sweep.
type Options struct {
	CallbackPort int
	PopupTimeout time.Duration
	AttemptTTL   time.Duration
	SweepEvery   time.Duration
	// OpenBrowser and BrowserCheck exist so tests can run without a display.
	OpenBrowser  func(url string) error
	BrowserCheck func() bool
}

func (o *Options) fill() {
	if o.PopupTimeout <= 0 {
		o.PopupTimeout = 30 * time.Second
	}
	if o.AttemptTTL <= 0 {
		o.AttemptTTL = 10 * time.Minute
	}
	if o.SweepEvery <= 0 {
		o.SweepEvery = time.Hour
	}
	if o.OpenBrowser == nil {
		o.OpenBrowser = browser.OpenURL
	}
	if o.BrowserCheck == nil {
		o.BrowserCheck = browser.IsAvailable
	}
}

// attempt is one outstanding third-party login try, keyed by its single-use
// state nonce.
type attempt struct {
	state    string
	provider string
	issuedAt time.Time
	popup    *callbackServer
	cancel   context.CancelFunc
	done     chan Outcome
	finish   sync.Once
}

// Coordinator owns the attempt table and enforces at most one outstanding
// attempt per provider.
type Coordinator struct {
	backend Backend
	sink    OutcomeSink
	opts    Options

	mu         sync.Mutex
	attempts   map[string]*attempt
	byProvider map[string]string
	closed     bool

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// New creates a coordinator and starts the periodic sweep that purges
// abandoned attempts. sink may be nil.
func New(backend Backend, sink OutcomeSink, opts Options) *Coordinator {
	opts.fill()
	c := &Coordinator{
		backend:    backend,
		sink:       sink,
		opts:       opts,
		attempts:   make(map[string]*attempt),
		byProvider: make(map[string]string),
		stopSweep:  make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Start begins an OAuth attempt for the provider. Starting while a previous
// attempt for the same provider is outstanding cancels the old one first,
// releasing its login surface before a new one is acquired.
//
// In popup mode the system browser is opened against the authorization URL
// and the attempt resolves asynchronously through StartResult.Done and the
// sink. In redirect mode only the URL is returned; the caller resumes the
// flow later via HandleCallback (typically through ParseCallback on a pasted
// URL).
func (c *Coordinator) Start(ctx context.Context, provider string, usePopup bool) (*StartResult, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return nil, fmt.Errorf("oauthflow: provider is empty")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("oauthflow: coordinator is closed")
	}
	var previous *attempt
	if prevState, ok := c.byProvider[provider]; ok {
		previous = c.attempts[prevState]
		c.removeLocked(previous)
	}
	c.mu.Unlock()
	if previous != nil {
		log.Debugf("cancelling previous %s attempt before starting a new one", provider)
		c.finishAttempt(previous, Outcome{Provider: provider, Cancelled: true})
	}

	state, err := GenerateState()
	if err != nil {
		return nil, fmt.Errorf("oauthflow: %w", err)
	}

	a := &attempt{
		state:    state,
		provider: provider,
		issuedAt: time.Now(),
		done:     make(chan Outcome, 1),
	}
	c.mu.Lock()
	c.attempts[state] = a
	c.byProvider[provider] = state
	c.mu.Unlock()

	redirectURI := fmt.Sprintf("http://localhost:%d%s", c.opts.CallbackPort, callbackPath)
	authURL, err := c.backend.OAuthLoginURL(ctx, provider, redirectURI, state)
	if err != nil {
		c.discard(a)
		return nil, err
	}
	if strings.TrimSpace(authURL) == "" {
		// No usable URL means no window is ever opened.
		c.discard(a)
		return nil, &session.NetworkError{Op: "oauth login", Body: "backend returned no authorization URL"}
	}

	if !usePopup {
		log.WithField("provider", provider).Debug("OAuth redirect flow started")
		return &StartResult{AuthorizationURL: authURL, State: state}, nil
	}

	if !c.opts.BrowserCheck() {
		c.discard(a)
		return nil, &session.PopupBlockedError{Reason: "no browser available on this system"}
	}

	popup := newCallbackServer(c.opts.CallbackPort)
	if err = popup.Start(); err != nil {
		c.discard(a)
		return nil, &session.PopupBlockedError{Reason: err.Error()}
	}

	c.mu.Lock()
	if c.attempts[state] != a {
		// Cancelled while we were binding the listener.
		c.mu.Unlock()
		_ = popup.Stop(context.Background())
		return nil, &session.InvalidOAuthStateError{State: state, Reason: "attempt cancelled during start"}
	}
	a.popup = popup
	watchCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	c.mu.Unlock()

	if err = c.opts.OpenBrowser(authURL); err != nil {
		c.discard(a)
		cancel()
		_ = popup.Stop(context.Background())
		return nil, &session.PopupBlockedError{Reason: err.Error()}
	}

	go c.watch(watchCtx, a, popup)
	log.WithField("provider", provider).Debug("OAuth popup flow started")
	return &StartResult{AuthorizationURL: authURL, State: state, Done: a.done}, nil
}

// HandleCallback validates and consumes a callback for the given provider.
//
// The state nonce is the primary CSRF defense: a missing or foreign state is
// rejected before any network call happens, as is a provider mismatch. A
// match older than the attempt lifetime is purged and rejected. A consumed
// attempt can never be matched again regardless of outcome.
func (c *Coordinator) HandleCallback(ctx context.Context, provider, code, state, errParam string) (*api.TokenResponse, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))

	c.mu.Lock()
	a, ok := c.attempts[state]
	if !ok {
		c.mu.Unlock()
		return nil, &session.InvalidOAuthStateError{State: state, Reason: "unknown, expired, or already used state"}
	}
	if a.provider != provider {
		// The attempt stays outstanding; only this callback is rejected.
		c.mu.Unlock()
		return nil, &session.InvalidOAuthStateError{State: state, Reason: fmt.Sprintf("state was issued for provider %q, callback claims %q", a.provider, provider)}
	}
	if time.Since(a.issuedAt) > c.opts.AttemptTTL {
		c.removeLocked(a)
		c.mu.Unlock()
		err := &session.InvalidOAuthStateError{State: state, Reason: "state expired"}
		c.finishAttempt(a, Outcome{Provider: provider, Err: err})
		return nil, err
	}
	c.removeLocked(a)
	c.mu.Unlock()

	if errParam != "" {
		err := &session.OAuthProviderError{Provider: provider, Code: errParam}
		c.finishAttempt(a, Outcome{Provider: provider, Err: err})
		return nil, err
	}

	tokens, err := c.backend.OAuthExchange(ctx, provider, code, state)
	if err != nil {
		c.finishAttempt(a, Outcome{Provider: provider, Err: err})
		return nil, err
	}
	c.finishAttempt(a, Outcome{Provider: provider, Tokens: tokens})
	return tokens, nil
}

// Cancel discards the provider's outstanding attempt without completing the
// exchange. The delivered outcome is marked cancelled, which downstream
// treats as a silent no-op rather than an error.
func (c *Coordinator) Cancel(provider string) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	c.mu.Lock()
	state, ok := c.byProvider[provider]
	if !ok {
		c.mu.Unlock()
		return
	}
	a := c.attempts[state]
	c.removeLocked(a)
	c.mu.Unlock()
	c.finishAttempt(a, Outcome{Provider: provider, Cancelled: true})
}

// CancelAll discards every outstanding attempt, e.g. on logout. Unlike Close
// the coordinator stays usable afterwards.
func (c *Coordinator) CancelAll() {
	c.mu.Lock()
	pending := make([]*attempt, 0, len(c.attempts))
	for _, a := range c.attempts {
		pending = append(pending, a)
	}
	for _, a := range pending {
		c.removeLocked(a)
	}
	c.mu.Unlock()
	for _, a := range pending {
		c.finishAttempt(a, Outcome{Provider: a.provider, Cancelled: true})
	}
}

// Pending reports whether the provider has an outstanding attempt.
func (c *Coordinator) Pending(provider string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.byProvider[strings.ToLower(strings.TrimSpace(provider))]
	return ok
}

// ProviderDisplay pairs a backend-enabled provider with its local metadata.
type ProviderDisplay struct {
	api.ProviderInfo
	Meta ProviderMeta
}

// ListProviders fetches the enabled providers and decorates them with display
// metadata.
func (c *Coordinator) ListProviders(ctx context.Context) ([]ProviderDisplay, error) {
	infos, err := c.backend.OAuthProviders(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ProviderDisplay, 0, len(infos))
	for _, info := range infos {
		out = append(out, ProviderDisplay{ProviderInfo: info, Meta: MetaFor(info.ID)})
	}
	return out, nil
}

// Close cancels every outstanding attempt and stops the sweep.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := make([]*attempt, 0, len(c.attempts))
	for _, a := range c.attempts {
		pending = append(pending, a)
	}
	c.attempts = map[string]*attempt{}
	c.byProvider = map[string]string{}
	c.mu.Unlock()

	c.sweepOnce.Do(func() { close(c.stopSweep) })
	for _, a := range pending {
		c.finishAttempt(a, Outcome{Provider: a.provider, Cancelled: true})
	}
}

// watch supervises a popup attempt: it resolves the attempt on callback
// delivery, fails it when the bounded timeout elapses (force-closing the
// window), and notices a login surface that died early.
func (c *Coordinator) watch(ctx context.Context, a *attempt, popup *callbackServer) {
	timeout := time.NewTimer(c.opts.PopupTimeout)
	defer timeout.Stop()
	ticker := time.NewTicker(watchTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case cb := <-popup.Result():
			if cb.State != a.state {
				// Forged or stale redirect; the bounded wait keeps running.
				log.WithField("provider", a.provider).Warn("ignoring callback with foreign state")
				continue
			}
			_, _ = c.HandleCallback(context.Background(), a.provider, cb.Code, cb.State, cb.Error)
			return
		case err := <-popup.Err():
			c.consume(a)
			c.finishAttempt(a, Outcome{Provider: a.provider, Err: &session.PopupBlockedError{Reason: err.Error()}})
			return
		case <-timeout.C:
			log.Warnf("OAuth attempt for %s timed out, force-closing login window", a.provider)
			c.consume(a)
			c.finishAttempt(a, Outcome{Provider: a.provider, Err: &session.OAuthTimeoutError{Provider: a.provider, Timeout: c.opts.PopupTimeout}})
			return
		case <-ticker.C:
			if !popup.Running() {
				// Surface closed without completing; treated as user cancel.
				c.consume(a)
				c.finishAttempt(a, Outcome{Provider: a.provider, Cancelled: true})
				return
			}
		}
	}
}

// consume removes the attempt from the table if it is still registered.
func (c *Coordinator) consume(a *attempt) {
	c.mu.Lock()
	if current, ok := c.attempts[a.state]; ok && current == a {
		c.removeLocked(a)
	}
	c.mu.Unlock()
}

// discard consumes an attempt that never acquired a surface; no outcome is
// delivered because Start reports the failure synchronously.
func (c *Coordinator) discard(a *attempt) {
	c.consume(a)
	a.finish.Do(func() { close(a.done) })
}

// removeLocked unregisters the attempt. Callers hold c.mu.
func (c *Coordinator) removeLocked(a *attempt) {
	if a == nil {
		return
	}
	delete(c.attempts, a.state)
	if c.byProvider[a.provider] == a.state {
		delete(c.byProvider, a.provider)
	}
}

// finishAttempt delivers the terminal outcome exactly once: the watchdog is
// stopped, the popup closed, the done channel resolved, and the sink
// notified.
func (c *Coordinator) finishAttempt(a *attempt, out Outcome) {
	if a == nil {
		return
	}
	a.finish.Do(func() {
		if a.cancel != nil {
			a.cancel()
		}
		if a.popup != nil {
			if err := a.popup.Stop(context.Background()); err != nil {
				log.Debugf("closing login window failed: %v", err)
			}
		}
		a.done <- out
		close(a.done)
		if c.sink != nil {
			c.sink(out)
		}
	})
}

// sweepLoop garbage-collects attempts that were never consumed, covering
// abandoned logins whose surface nobody will ever complete.
func (c *Coordinator) sweepLoop() {
	ticker := time.NewTicker(c.opts.SweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopSweep:
			return
		case <-ticker.C:
			c.sweepExpired()
		}
	}
}

func (c *Coordinator) sweepExpired() {
	cutoff := time.Now().Add(-c.opts.AttemptTTL)
	var expired []*attempt
	c.mu.Lock()
	for _, a := range c.attempts {
		if a.issuedAt.Before(cutoff) {
			expired = append(expired, a)
		}
	}
	for _, a := range expired {
		c.removeLocked(a)
	}
	c.mu.Unlock()

	for _, a := range expired {
		log.Debugf("sweeping abandoned OAuth attempt for %s", a.provider)
		c.finishAttempt(a, Outcome{Provider: a.provider, Cancelled: true})
	}
}
