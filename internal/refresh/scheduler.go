// Package refresh owns the single timer that renews the access credential
// ahead of expiry and the single-flight guard that ensures at most one
// refresh network call is ever outstanding.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/tidegate/authkit/internal/api"
	"github.com/tidegate/authkit/internal/credstore"
	"github.com/tidegate/authkit/sdk/session"
)

// Exchanger performs the refresh network call. *api.Client satisfies it.
type Exchanger interface {
	Refresh(ctx context.Context, refreshToken string) (*api.TokenResponse, error)
}

// Scheduler arms a one-shot timer that fires a refresh before the access
// credential expires, and runs an independent periodic validity check that
// catches clock skew and system sleep. All refresh entry points funnel
// through one single-flight group.
type Scheduler struct {
	client Exchanger
	store  *credstore.Store
	buffer time.Duration
	hooks  Hooks

	sf singleflight.Group

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
	stop   chan struct{}
}

// Hooks lets the orchestrator observe the refresh lifecycle. All fields are
// optional and must not block.
type Hooks struct {
	// OnRefreshing fires when a refresh network call is about to start.
	OnRefreshing func()
	// OnTokens fires after a successful refresh has been persisted and the
	// timer re-armed; the orchestrator adopts the new token set here.
	OnTokens func(*session.TokenSet)
	// OnExpired fires when the session can no longer be trusted: a failed
	// refresh or an expired credential with no refresh token left.
	OnExpired func()
}

// New creates a scheduler and starts its periodic validity check.
// validityEvery defaults to one minute when zero.
func New(client Exchanger, store *credstore.Store, buffer, validityEvery time.Duration, hooks Hooks) *Scheduler {
	if buffer <= 0 {
		buffer = 5 * time.Minute
	}
	if validityEvery <= 0 {
		validityEvery = 60 * time.Second
	}
	s := &Scheduler{
		client: client,
		store:  store,
		buffer: buffer,
		hooks:  hooks,
		stop:   make(chan struct{}),
	}
	go s.validityLoop(validityEvery)
	return s
}

// Arm cancels any pending timer and schedules the next refresh for
// expiresAt minus the buffer. A fire time already in the past triggers an
// immediate refresh instead.
func (s *Scheduler) Arm(expiresAt time.Time) {
	if expiresAt.IsZero() {
		return
	}
	fireAt := expiresAt.Add(-s.buffer)
	delay := time.Until(fireAt)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if delay <= 0 {
		log.Debug("access credential already inside refresh buffer, refreshing now")
		go s.fire()
		return
	}
	log.WithField("expires_at", expiresAt.Format(time.RFC3339)).Debugf("refresh timer armed, firing in %s", delay.Round(time.Second))
	s.timer = time.AfterFunc(delay, s.fire)
}

// Disarm cancels the pending timer. It is idempotent and is called on logout
// and on every forced clear.
func (s *Scheduler) Disarm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Armed reports whether a refresh timer is currently pending.
func (s *Scheduler) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// Close disarms the timer and stops the validity check. Safe to call twice.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	close(s.stop)
	s.mu.Unlock()
}

func (s *Scheduler) fire() {
	if _, err := s.RefreshNow(context.Background()); err != nil {
		log.Warnf("scheduled refresh failed: %v", err)
	}
}

// RefreshNow renews the access credential. Concurrent callers share one
// underlying network call and resolve to the identical token set. The
// success path is strictly ordered: persist, re-arm, notify, then resolve
// every waiting caller. Failure clears all credentials, disarms the timer,
// and signals expiry to the orchestrator.
func (s *Scheduler) RefreshNow(ctx context.Context) (*session.TokenSet, error) {
	result, err, _ := s.sf.Do("refresh", func() (any, error) {
		return s.refreshOnce(ctx)
	})
	if err != nil {
		return nil, err
	}
	tokens, _ := result.(*session.TokenSet)
	return tokens, nil
}

func (s *Scheduler) refreshOnce(ctx context.Context) (*session.TokenSet, error) {
	refreshToken := s.store.RefreshToken()
	if strings.TrimSpace(refreshToken) == "" {
		return nil, s.failSession(fmt.Errorf("no refresh credential available"))
	}

	if s.hooks.OnRefreshing != nil {
		s.hooks.OnRefreshing()
	}
	resp, err := s.client.Refresh(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// The caller went away mid-call. The stored credentials are still
			// good; only a backend rejection invalidates the session.
			log.Debugf("refresh aborted: %v", err)
			return nil, err
		}
		return nil, s.failSession(err)
	}
	if !resp.HasCredentials() {
		return nil, s.failSession(fmt.Errorf("refresh response carried no access token"))
	}

	stored, err := s.store.Save(&session.TokenSet{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		TokenType:    resp.TokenType,
		ExpiresIn:    resp.ExpiresIn,
	})
	if err != nil {
		return nil, s.failSession(err)
	}

	s.Arm(stored.ExpiresAt)
	if s.hooks.OnTokens != nil {
		s.hooks.OnTokens(stored.Clone())
	}
	log.Debug("access credential refreshed")
	return stored, nil
}

// failSession is the unrecoverable-refresh path: a failed refresh means the
// session can no longer be trusted, so both credential partitions are
// cleared before anyone observes the error.
func (s *Scheduler) failSession(cause error) error {
	log.Warnf("refresh failed, clearing session: %v", cause)
	s.store.Clear()
	s.Disarm()
	if s.hooks.OnExpired != nil {
		s.hooks.OnExpired()
	}
	return &session.RefreshFailedError{Err: cause}
}

// validityLoop re-checks the stored credential on a fixed interval. A timer
// alone is not enough: the host may sleep past the fire time or the clock
// may jump.
func (s *Scheduler) validityLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.checkValidity()
		}
	}
}

func (s *Scheduler) checkValidity() {
	tokens := s.store.Load()
	if tokens == nil || !tokens.Expired(time.Now()) {
		return
	}
	if s.store.RefreshToken() == "" {
		log.Info("stored credential expired with no refresh token, invalidating session")
		s.store.Clear()
		s.Disarm()
		if s.hooks.OnExpired != nil {
			s.hooks.OnExpired()
		}
		return
	}
	go s.fire()
}
