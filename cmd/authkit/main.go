// Package main provides the authkit command line client. It drives the full
// session lifecycle against an authkit-compatible backend: password login,
// registration, OAuth logins through the system browser or a pasted redirect
// URL, silent session resume, refresh, and logout. Sibling invocations
// sharing the same auth directory observe each other's session changes.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/tidegate/authkit/internal/buildinfo"
	"github.com/tidegate/authkit/internal/config"
	"github.com/tidegate/authkit/internal/logging"
	"github.com/tidegate/authkit/sdk/auth"
	"github.com/tidegate/authkit/sdk/session"
)

var (
	Version           = "dev"
	Commit            = "none"
	BuildDate         = "unknown"
	DefaultConfigPath = ""
)

// init initializes the shared logger setup.
func init() {
	logging.Setup()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	fmt.Printf("authkit Version: %s, Commit: %s, BuiltAt: %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)

	var (
		login         bool
		register      bool
		logout        bool
		status        bool
		providers     bool
		refresh       bool
		oauthProvider string
		oauthCallback string
		noBrowser     bool
		callbackPort  int
		username      string
		email         string
		baseURL       string
		configPath    string
	)

	flag.BoolVar(&login, "login", false, "Log in with username and password")
	flag.BoolVar(&register, "register", false, "Register a new account")
	flag.BoolVar(&logout, "logout", false, "End the current session")
	flag.BoolVar(&status, "status", false, "Show the current session state")
	flag.BoolVar(&providers, "providers", false, "List the enabled OAuth providers")
	flag.BoolVar(&refresh, "refresh", false, "Force a credential refresh")
	flag.StringVar(&oauthProvider, "oauth", "", "Log in through the named OAuth provider")
	flag.StringVar(&oauthCallback, "oauth-callback", "", "Complete an OAuth login from a pasted callback URL")
	flag.BoolVar(&noBrowser, "no-browser", false, "Don't open browser automatically for OAuth")
	flag.IntVar(&callbackPort, "oauth-callback-port", 0, "Override the local OAuth callback port")
	flag.StringVar(&username, "username", "", "Username for login or registration")
	flag.StringVar(&email, "email", "", "Email address for registration")
	flag.StringVar(&baseURL, "base-url", "", "Override the backend base URL")
	flag.StringVar(&configPath, "config", DefaultConfigPath, "Configure File Path")
	flag.Parse()

	wd, err := os.Getwd()
	if err != nil {
		log.Errorf("failed to get working directory: %v", err)
		return
	}
	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	if configPath == "" {
		configPath = filepath.Join(wd, "authkit.yaml")
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Errorf("failed to load configuration: %v", err)
		os.Exit(1)
	}
	if v := strings.TrimSpace(os.Getenv("AUTHKIT_BASE_URL")); v != "" {
		cfg.BaseURL = v
	}
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if callbackPort > 0 {
		cfg.CallbackPort = callbackPort
	}
	logging.SetLevel(cfg.LogLevel)
	if cfg.LoggingToFile {
		authDir, errDir := cfg.ResolveAuthDir()
		if errDir == nil {
			if errOut := logging.ConfigureOutput(filepath.Join(authDir, "logs"), true, cfg.LogDirMaxSizeMB); errOut != nil {
				log.Warnf("failed to configure log file output: %v", errOut)
			}
		}
	}

	client, err := auth.New(cfg)
	if err != nil {
		log.Errorf("failed to create auth client: %v", err)
		os.Exit(1)
	}
	defer client.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch {
	case login:
		err = runLogin(ctx, client, username)
	case register:
		err = runRegister(ctx, client, username, email)
	case oauthProvider != "":
		err = runOAuth(ctx, client, oauthProvider, !noBrowser)
	case oauthCallback != "":
		err = runOAuthCallback(ctx, client, oauthCallback)
	case logout:
		err = runLogout(ctx, client)
	case providers:
		err = runProviders(ctx, client)
	case refresh:
		err = runRefresh(ctx, client)
	case status:
		err = runStatus(ctx, client)
	default:
		flag.Usage()
		return
	}
	if err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

func runLogin(ctx context.Context, client *auth.Client, username string) error {
	reader := bufio.NewReader(os.Stdin)
	var err error
	if username == "" {
		if username, err = prompt(reader, "Username: "); err != nil {
			return err
		}
	}
	password, err := promptPassword("Password: ")
	if err != nil {
		return err
	}

	sess, err := client.Login(ctx, username, password)
	if err != nil {
		return describeAuthError(err)
	}
	fmt.Printf("Logged in as %s\n", displayName(sess.User))
	return nil
}

func runRegister(ctx context.Context, client *auth.Client, username, email string) error {
	reader := bufio.NewReader(os.Stdin)
	var err error
	if username == "" {
		if username, err = prompt(reader, "Username: "); err != nil {
			return err
		}
	}
	if email == "" {
		if email, err = prompt(reader, "Email: "); err != nil {
			return err
		}
	}
	password, err := promptPassword("Password: ")
	if err != nil {
		return err
	}

	sess, err := client.Register(ctx, map[string]any{
		"username": username,
		"email":    email,
		"password": password,
	})
	if err != nil {
		return describeAuthError(err)
	}
	fmt.Printf("Registered and logged in as %s\n", displayName(sess.User))
	return nil
}

func runOAuth(ctx context.Context, client *auth.Client, provider string, useBrowser bool) error {
	res, err := client.StartOAuth(ctx, provider, useBrowser)
	if err != nil {
		return describeAuthError(err)
	}

	if res.Done == nil {
		// Redirect mode: the user completes the flow in any browser and
		// pastes the resulting URL back.
		fmt.Println("Open this URL in your browser to continue:")
		fmt.Printf("\n  %s\n\n", res.AuthorizationURL)
		raw, errPrompt := prompt(bufio.NewReader(os.Stdin), "Paste the callback URL: ")
		if errPrompt != nil {
			return errPrompt
		}
		if err = client.CompleteOAuthCallback(ctx, provider, raw); err != nil {
			return describeAuthError(err)
		}
		fmt.Printf("Logged in as %s\n", displayName(client.Session().User))
		return nil
	}

	fmt.Println("Waiting for the browser login to complete...")
	select {
	case <-ctx.Done():
		client.CancelOAuth(provider)
		return ctx.Err()
	case <-res.Done:
	}
	sess := client.Session()
	if sess.Status != session.StatusAuthenticated {
		if sess.Err != nil {
			return describeAuthError(sess.Err)
		}
		return fmt.Errorf("login was cancelled")
	}
	fmt.Printf("Logged in as %s\n", displayName(sess.User))
	return nil
}

func runOAuthCallback(ctx context.Context, client *auth.Client, rawURL string) error {
	provider := strings.TrimSpace(flag.Arg(0))
	if provider == "" {
		return fmt.Errorf("usage: -oauth-callback <url> <provider>")
	}
	if err := client.CompleteOAuthCallback(ctx, provider, rawURL); err != nil {
		return describeAuthError(err)
	}
	fmt.Printf("Logged in as %s\n", displayName(client.Session().User))
	return nil
}

func runLogout(ctx context.Context, client *auth.Client) error {
	if _, err := client.Bootstrap(ctx); err != nil {
		log.Debugf("resume before logout failed: %v", err)
	}
	if err := client.Logout(ctx); err != nil {
		return err
	}
	fmt.Println("Logged out")
	return nil
}

func runProviders(ctx context.Context, client *auth.Client) error {
	providers, err := client.OAuthProviders(ctx)
	if err != nil {
		return err
	}
	if len(providers) == 0 {
		fmt.Println("No OAuth providers enabled")
		return nil
	}
	for _, p := range providers {
		state := "disabled"
		if p.Enabled {
			state = "enabled"
		}
		fmt.Printf("  %-12s %-16s %s\n", p.ID, p.Meta.DisplayName, state)
	}
	return nil
}

func runRefresh(ctx context.Context, client *auth.Client) error {
	if _, err := client.Bootstrap(ctx); err != nil {
		return describeAuthError(err)
	}
	sess, err := client.RefreshIfNeeded(ctx)
	if err != nil {
		return describeAuthError(err)
	}
	if sess.Tokens == nil {
		return fmt.Errorf("no session to refresh")
	}
	fmt.Printf("Session valid until %s\n", sess.Tokens.ExpiresAt.Local().Format(time.RFC1123))
	return nil
}

func runStatus(ctx context.Context, client *auth.Client) error {
	sess, err := client.Bootstrap(ctx)
	if err != nil {
		log.Debugf("silent resume failed: %v", err)
		sess = client.Session()
	}
	out := map[string]any{"status": string(sess.Status)}
	if sess.User != nil {
		out["user"] = sess.User
	}
	if sess.Tokens != nil {
		out["expires_at"] = sess.Tokens.ExpiresAt.Format(time.RFC3339)
	}
	raw, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}

func prompt(reader *bufio.Reader, label string) (string, error) {
	fmt.Print(label)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read input failed: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func promptPassword(label string) (string, error) {
	fmt.Print(label)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		raw, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("read password failed: %w", err)
		}
		return string(raw), nil
	}
	return prompt(bufio.NewReader(os.Stdin), "")
}

func displayName(user *session.User) string {
	if user == nil {
		return "unknown user"
	}
	if user.Name != "" {
		return user.Name
	}
	if user.Email != "" {
		return user.Email
	}
	return user.ID
}

// describeAuthError rewrites the typed auth errors into actionable messages.
func describeAuthError(err error) error {
	switch {
	case session.IsInvalidCredentials(err):
		return fmt.Errorf("invalid credentials: check your username and password")
	case session.IsInvalidOAuthState(err):
		return fmt.Errorf("the login attempt is no longer valid, start again")
	case session.IsNetworkError(err):
		return fmt.Errorf("cannot reach the authentication service: %w", err)
	default:
		return err
	}
}
