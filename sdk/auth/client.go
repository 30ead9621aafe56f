// Package auth is the embeddable entry point of the authkit SDK. A Client
// owns the whole session lifecycle for one process: credential storage,
// scheduled renewal, third-party login flows, and cross-process session
// sync. Every externally visible state change flows through the session
// projection, so subscribers always observe a consistent snapshot.
package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/tidegate/authkit/internal/api"
	"github.com/tidegate/authkit/internal/config"
	"github.com/tidegate/authkit/internal/credstore"
	"github.com/tidegate/authkit/internal/oauthflow"
	"github.com/tidegate/authkit/internal/refresh"
	"github.com/tidegate/authkit/internal/syncbus"
	"github.com/tidegate/authkit/sdk/session"
)

const (
	// validityCheckEvery is the interval of the scheduler's independent
	// expiry check, which catches host sleep and clock jumps.
	validityCheckEvery = 60 * time.Second
	// busBuffer is the subscription depth for cross-process events.
	busBuffer = 16
)

// Listener receives session snapshots. Notifications are debounced: rapid
// bursts of changes collapse into one delivery carrying the latest state.
type Listener func(session.Session)

// Client is one authenticated client instance. Create it with New, release
// it with Close. All methods are safe for concurrent use.
type Client struct {
	cfg    *config.Config
	origin string

	api   *api.Client
	store *credstore.Store
	bus   *syncbus.Bus
	sched *refresh.Scheduler
	coord *oauthflow.Coordinator

	mu        sync.Mutex
	sess      session.Session
	listeners map[int]Listener
	nextSub   int

	notifier  *notifier
	busCancel func()
	busDone   chan struct{}
	closeOnce sync.Once
}

// New assembles a client from the configuration. A nil cfg uses the
// defaults. The returned client has not contacted the backend yet; call
// Bootstrap to attempt a silent resume of a previous session.
func New(cfg *config.Config) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	authDir, err := cfg.ResolveAuthDir()
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}

	c := &Client{
		cfg:       cfg,
		origin:    uuid.NewString(),
		sess:      session.Session{Status: session.StatusUnauthenticated},
		listeners: make(map[int]Listener),
		busDone:   make(chan struct{}),
	}
	c.notifier = newNotifier(c.fanout)

	c.bus, err = syncbus.New(c.origin, authDir, credstore.RefreshFile)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	c.store, err = credstore.New(authDir, c.bus)
	if err != nil {
		_ = c.bus.Close()
		return nil, fmt.Errorf("auth: %w", err)
	}

	c.api = api.New(cfg.BaseURL, cfg.ProxyURL, cfg.RequestTimeout())
	c.sched = refresh.New(c.api, c.store, cfg.RefreshBuffer(), validityCheckEvery, refresh.Hooks{
		OnRefreshing: c.onRefreshing,
		OnTokens:     c.onRefreshedTokens,
		OnExpired:    c.onSessionExpired,
	})
	c.coord = oauthflow.New(c.api, c.onOAuthOutcome, oauthflow.Options{
		CallbackPort: cfg.CallbackPort,
		PopupTimeout: cfg.PopupTimeout(),
	})

	events, cancel := c.bus.Subscribe(busBuffer)
	c.busCancel = cancel
	go c.consumeBus(events)

	log.WithField("origin", c.origin).Debug("auth client created")
	return c, nil
}

// Session returns a snapshot of the current session state.
func (c *Client) Session() session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.sess.Clone()
}

// AccessToken returns the current access credential, or "" when the session
// holds none.
func (c *Client) AccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess.Tokens == nil {
		return ""
	}
	return c.sess.Tokens.AccessToken
}

// Subscribe registers a listener for session snapshots and returns its
// cancel function. Delivery is debounced and carries the latest state only.
func (c *Client) Subscribe(fn Listener) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.listeners[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

// Bootstrap attempts a silent resume: when the durable partition holds a
// refresh credential, it is exchanged for a fresh access credential and the
// profile is re-fetched. Without one the session stays unauthenticated. A
// failed resume is reported but leaves the client fully usable.
func (c *Client) Bootstrap(ctx context.Context) (session.Session, error) {
	if c.store.RefreshToken() == "" {
		log.Debug("no durable refresh credential, starting unauthenticated")
		return c.Session(), nil
	}

	c.update(func(s *session.Session) {
		s.Status = session.StatusAuthenticating
		s.Err = nil
	})
	if _, err := c.sched.RefreshNow(ctx); err != nil {
		// The scheduler already cleared the partitions and downgraded the
		// session through OnExpired.
		return c.Session(), err
	}
	if err := c.RefreshProfile(ctx); err != nil {
		log.Warnf("profile fetch after resume failed: %v", err)
	}
	return c.Session(), nil
}

// Login authenticates with a username and password. On success the token
// set is persisted, the renewal timer armed, and the profile populated.
func (c *Client) Login(ctx context.Context, username, password string) (session.Session, error) {
	c.update(func(s *session.Session) {
		s.Status = session.StatusAuthenticating
		s.Err = nil
	})

	resp, err := c.api.Login(ctx, username, password)
	if err != nil {
		c.failAuth(err)
		return c.Session(), err
	}
	if err = c.adoptResponse(ctx, resp); err != nil {
		c.failAuth(err)
		return c.Session(), err
	}
	return c.Session(), nil
}

// Register creates an account. When the backend responds with credentials
// the session is established directly; otherwise a login with the submitted
// username and password is chained automatically.
func (c *Client) Register(ctx context.Context, data map[string]any) (session.Session, error) {
	c.update(func(s *session.Session) {
		s.Status = session.StatusAuthenticating
		s.Err = nil
	})

	resp, err := c.api.Register(ctx, data)
	if err != nil {
		c.failAuth(err)
		return c.Session(), err
	}
	if resp.HasCredentials() {
		if err = c.adoptResponse(ctx, resp); err != nil {
			c.failAuth(err)
			return c.Session(), err
		}
		return c.Session(), nil
	}

	username := stringValue(data, "username")
	if username == "" {
		username = stringValue(data, "email")
	}
	password := stringValue(data, "password")
	if username == "" || password == "" {
		err = fmt.Errorf("auth: registration succeeded but no credentials were issued and none can be derived for login")
		c.failAuth(err)
		return c.Session(), err
	}
	log.Debug("registration issued no credentials, chaining login")
	return c.Login(ctx, username, password)
}

// Logout revokes the session with the backend on a best-effort basis, then
// unconditionally clears both credential partitions, disarms the renewal
// timer, and announces the teardown to sibling processes.
func (c *Client) Logout(ctx context.Context) error {
	if token := c.AccessToken(); token != "" {
		if err := c.api.Logout(ctx, token); err != nil {
			log.Warnf("server-side logout failed, clearing locally anyway: %v", err)
		}
	}
	c.coord.CancelAll()
	c.sched.Disarm()
	c.store.ClearAll()
	c.update(func(s *session.Session) {
		s.Status = session.StatusUnauthenticated
		s.Tokens = nil
		s.User = nil
		s.Err = nil
	})
	return nil
}

// StartOAuth begins a third-party login with the provider. With usePopup the
// flow completes asynchronously through the session projection; without it
// the caller shows the returned authorization URL and later feeds the
// redirect back through CompleteOAuthCallback.
func (c *Client) StartOAuth(ctx context.Context, provider string, usePopup bool) (*oauthflow.StartResult, error) {
	c.update(func(s *session.Session) {
		s.Status = session.StatusAuthenticating
		s.Err = nil
	})
	res, err := c.coord.Start(ctx, provider, usePopup)
	if err != nil {
		c.failAuth(err)
		return nil, err
	}
	return res, nil
}

// CompleteOAuthCallback resumes a redirect-style flow from a pasted callback
// URL (or bare query string). Adoption of the resulting token set happens
// through the coordinator's outcome path, identical to the popup flow.
func (c *Client) CompleteOAuthCallback(ctx context.Context, provider, rawURL string) error {
	cb, err := oauthflow.ParseCallback(rawURL)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if _, err = c.coord.HandleCallback(ctx, provider, cb.Code, cb.State, cb.Error); err != nil {
		return err
	}
	return nil
}

// CancelOAuth abandons the provider's outstanding login attempt. The
// cancellation is silent: no error lands in the session.
func (c *Client) CancelOAuth(provider string) {
	c.coord.Cancel(provider)
}

// OAuthProviders lists the backend-enabled providers with display metadata.
func (c *Client) OAuthProviders(ctx context.Context) ([]oauthflow.ProviderDisplay, error) {
	return c.coord.ListProviders(ctx)
}

// RefreshIfNeeded renews the access credential only when it is missing or
// expired. Concurrent callers collapse into one network call.
func (c *Client) RefreshIfNeeded(ctx context.Context) (session.Session, error) {
	tokens := c.store.Load()
	if tokens != nil && !tokens.Expired(time.Now()) {
		return c.Session(), nil
	}
	if tokens == nil && c.store.RefreshToken() == "" {
		return c.Session(), nil
	}
	if _, err := c.sched.RefreshNow(ctx); err != nil {
		return c.Session(), err
	}
	return c.Session(), nil
}

// RefreshProfile re-fetches the profile from the backend and persists the
// snapshot.
func (c *Client) RefreshProfile(ctx context.Context) error {
	token := c.AccessToken()
	if token == "" {
		return fmt.Errorf("auth: not authenticated")
	}
	user, err := c.api.Me(ctx, token)
	if err != nil {
		return err
	}
	c.adoptUser(user)
	return nil
}

// UpdateProfile sends a partial profile update and adopts the returned
// snapshot.
func (c *Client) UpdateProfile(ctx context.Context, partial map[string]any) (*session.User, error) {
	token := c.AccessToken()
	if token == "" {
		return nil, fmt.Errorf("auth: not authenticated")
	}
	user, err := c.api.UpdateMe(ctx, token, partial)
	if err != nil {
		return nil, err
	}
	c.adoptUser(user)
	return user.Clone(), nil
}

// Close releases every resource: pending OAuth attempts are cancelled, the
// renewal timer and sync bus stopped, and the volatile partition removed.
// The durable partition is left intact for sibling processes.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.coord.Close()
		c.sched.Close()
		if c.busCancel != nil {
			c.busCancel()
		}
		_ = c.bus.Close()
		<-c.busDone
		c.notifier.stop()
		c.store.Destroy()
		log.WithField("origin", c.origin).Debug("auth client closed")
	})
}

// adoptResponse persists a credential-bearing backend response and promotes
// the session to authenticated. The profile comes from the response when
// embedded, otherwise from a follow-up fetch; the session is only ever
// authenticated with a profile present, so a failed fetch holds the status at
// authenticating until one arrives.
func (c *Client) adoptResponse(ctx context.Context, resp *api.TokenResponse) error {
	if resp == nil || !resp.HasCredentials() {
		return fmt.Errorf("auth: response carried no credentials")
	}
	stored, err := c.store.Save(&session.TokenSet{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		TokenType:    resp.TokenType,
		ExpiresIn:    resp.ExpiresIn,
	})
	if err != nil {
		return err
	}
	c.sched.Arm(stored.ExpiresAt)

	user := resp.User
	if user == nil {
		fetched, errMe := c.api.Me(ctx, stored.AccessToken)
		if errMe != nil {
			log.Warnf("profile fetch after login failed: %v", errMe)
		} else {
			user = fetched
		}
	}
	if user != nil {
		if err = c.store.SaveUser(user); err != nil {
			log.Warnf("persist profile snapshot failed: %v", err)
		}
	}
	c.update(func(s *session.Session) {
		s.Tokens = stored.Clone()
		s.Err = nil
		if user != nil {
			s.User = user.Clone()
			s.Status = session.StatusAuthenticated
		} else {
			s.Status = session.StatusAuthenticating
		}
	})
	return nil
}

func (c *Client) adoptUser(user *session.User) {
	if user == nil {
		return
	}
	if err := c.store.SaveUser(user); err != nil {
		log.Warnf("persist profile snapshot failed: %v", err)
	}
	c.update(func(s *session.Session) {
		s.User = user.Clone()
		// A session that was only waiting for its profile completes here.
		if s.Status == session.StatusAuthenticating && s.Tokens != nil {
			s.Status = session.StatusAuthenticated
		}
	})
}

// currentUser returns a copy of the projected profile, or nil.
func (c *Client) currentUser() *session.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess.User == nil {
		return nil
	}
	return c.sess.User.Clone()
}

// failAuth records a failed authentication attempt in the session.
func (c *Client) failAuth(err error) {
	c.update(func(s *session.Session) {
		s.Status = session.StatusError
		s.Err = err
	})
}

// onRefreshing projects an in-flight renewal of an authenticated session.
func (c *Client) onRefreshing() {
	c.update(func(s *session.Session) {
		if s.Status == session.StatusAuthenticated {
			s.Status = session.StatusRefreshing
		}
	})
}

// onRefreshedTokens adopts a token set the scheduler just persisted. Without
// a profile the session stays at authenticating; the profile fetch that
// follows every resume promotes it.
func (c *Client) onRefreshedTokens(tokens *session.TokenSet) {
	c.update(func(s *session.Session) {
		s.Tokens = tokens.Clone()
		s.Err = nil
		if s.User != nil {
			s.Status = session.StatusAuthenticated
		} else {
			s.Status = session.StatusAuthenticating
		}
	})
}

// onSessionExpired downgrades the session after an unrecoverable refresh.
// The scheduler has already cleared both partitions.
func (c *Client) onSessionExpired() {
	c.update(func(s *session.Session) {
		s.Status = session.StatusUnauthenticated
		s.Tokens = nil
		s.User = nil
		s.Err = nil
	})
}

// onOAuthOutcome is the coordinator's sink: every terminal OAuth result,
// popup or pasted-URL, converges here.
func (c *Client) onOAuthOutcome(o oauthflow.Outcome) {
	switch {
	case o.Cancelled:
		c.update(func(s *session.Session) {
			if s.Status == session.StatusAuthenticating {
				s.Status = session.StatusUnauthenticated
			}
		})
	case o.Err != nil:
		c.failAuth(o.Err)
	case o.Tokens != nil:
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout())
		defer cancel()
		if err := c.adoptResponse(ctx, o.Tokens); err != nil {
			c.failAuth(err)
		}
	}
}

// consumeBus applies events published by sibling processes.
func (c *Client) consumeBus(events <-chan session.ChangeEvent) {
	defer close(c.busDone)
	for ev := range events {
		c.applyEvent(ev)
	}
}

// applyEvent adopts one sibling event. Delivery is at-least-once, so every
// branch is idempotent.
func (c *Client) applyEvent(ev session.ChangeEvent) {
	switch {
	case ev.ClearsAuth():
		log.WithField("origin", ev.Origin).Debug("sibling cleared the session")
		c.sched.Disarm()
		c.store.AdoptClear()
		c.update(func(s *session.Session) {
			s.Status = session.StatusUnauthenticated
			s.Tokens = nil
			s.User = nil
			s.Err = nil
		})
	case ev.Kind == session.EventTokensUpdated:
		tokens := ev.Tokens()
		if tokens == nil {
			return
		}
		log.WithField("origin", ev.Origin).Debug("adopting credentials from sibling")
		c.store.Adopt(tokens)
		c.sched.Arm(tokens.ExpiresAt)
		// Token events carry no profile. A rotation in an established session
		// keeps the one we have; a fresh process fetches it before the
		// session may read as authenticated.
		user := c.currentUser()
		if user == nil {
			mctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout())
			fetched, err := c.api.Me(mctx, tokens.AccessToken)
			cancel()
			if err != nil {
				log.Warnf("profile fetch after credential adoption failed: %v", err)
			} else {
				user = fetched
				c.store.AdoptUser(fetched)
			}
		}
		c.update(func(s *session.Session) {
			s.Tokens = tokens.Clone()
			s.Err = nil
			if user != nil {
				s.User = user.Clone()
				s.Status = session.StatusAuthenticated
			} else {
				s.Status = session.StatusAuthenticating
			}
		})
	case ev.Kind == session.EventUserUpdated:
		if user := ev.User(); user != nil {
			c.store.AdoptUser(user)
			c.update(func(s *session.Session) {
				s.User = user.Clone()
				if s.Status == session.StatusAuthenticating && s.Tokens != nil {
					s.Status = session.StatusAuthenticated
				}
			})
		}
	case ev.Kind == session.EventUserCleared:
		c.update(func(s *session.Session) {
			s.User = nil
		})
	}
}

// update mutates the session under the lock and schedules a debounced
// notification carrying the resulting snapshot.
func (c *Client) update(mutate func(*session.Session)) {
	c.mu.Lock()
	mutate(&c.sess)
	snapshot := *c.sess.Clone()
	c.mu.Unlock()
	c.notifier.schedule(snapshot)
}

// fanout delivers a snapshot to every registered listener.
func (c *Client) fanout(snapshot session.Session) {
	c.mu.Lock()
	fns := make([]Listener, 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(*snapshot.Clone())
	}
}

func stringValue(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	v, _ := data[key].(string)
	return strings.TrimSpace(v)
}
