package oauthflow

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// callbackServer is the local HTTP listener standing in for the login popup.
// It captures the provider redirect carrying the authorization code and hands
// it to the owning attempt. Shutting the server down is the equivalent of
// closing the popup window.
type callbackServer struct {
	server     *http.Server
	port       int
	addr       string
	resultChan chan *Callback
	errorChan  chan error
	mu         sync.Mutex
	running    bool
}

const callbackPath = "/callback"

const callbackPageHTML = `<!DOCTYPE html>
<html>
<head><title>authkit</title></head>
<body style="font-family: sans-serif; text-align: center; padding-top: 4em;">
<h2>%s</h2>
<p>You can close this window and return to the application.</p>
</body>
</html>`

func newCallbackServer(port int) *callbackServer {
	return &callbackServer{
		port:       port,
		resultChan: make(chan *Callback, 1),
		errorChan:  make(chan error, 1),
	}
}

// RedirectURI returns the URI the state nonce is bound to.
func (s *callbackServer) RedirectURI() string {
	return fmt.Sprintf("http://localhost:%d%s", s.port, callbackPath)
}

// Start binds the listener and begins serving the callback endpoint. A port
// that cannot be bound is reported synchronously so the attempt can fail
// before any browser window opens.
func (s *callbackServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("callback server is already running")
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", s.port))
	if err != nil {
		return fmt.Errorf("port %d is unavailable: %w", s.port, err)
	}
	s.addr = listener.Addr().String()

	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, s.handleCallback)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	s.running = true

	server := s.server
	go func() {
		if errServe := server.Serve(listener); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			s.markStopped()
			select {
			case s.errorChan <- fmt.Errorf("callback server failed: %w", errServe):
			default:
			}
		}
	}()

	return nil
}

// Stop shuts the listener down. It is idempotent; every terminal transition
// of the owning attempt calls it.
func (s *callbackServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running || s.server == nil {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	server := s.server
	s.server = nil
	s.mu.Unlock()

	log.Debug("closing OAuth callback server")
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// Running reports whether the listener is still alive. The attempt watchdog
// polls this to notice a surface that died underneath the user.
func (s *callbackServer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *callbackServer) markStopped() {
	s.mu.Lock()
	s.running = false
	s.server = nil
	s.mu.Unlock()
}

// Addr returns the bound listen address once Start has succeeded. With port
// 0 this is the only way to learn the actual port.
func (s *callbackServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Result exposes the captured callback parameters.
func (s *callbackServer) Result() <-chan *Callback { return s.resultChan }

// Err exposes listener failures.
func (s *callbackServer) Err() <-chan error { return s.errorChan }

func (s *callbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	result := &Callback{
		Code:             query.Get("code"),
		State:            query.Get("state"),
		Error:            query.Get("error"),
		ErrorDescription: query.Get("error_description"),
	}

	if result.Error == "" && result.Code == "" {
		result.Error = "no_code"
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if result.Error != "" {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, callbackPageHTML, "Sign-in failed")
	} else {
		fmt.Fprintf(w, callbackPageHTML, "Sign-in complete")
	}

	select {
	case s.resultChan <- result:
	default:
		// A second redirect for the same attempt; the first one wins.
		log.Debug("duplicate OAuth callback ignored")
	}
}
