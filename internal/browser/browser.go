// Package browser opens URLs in the user's default web browser. It prefers a
// platform-agnostic library and falls back to OS-specific commands.
package browser

import (
	"fmt"
	"os/exec"
	"runtime"

	log "github.com/sirupsen/logrus"
	"github.com/skratchdot/open-golang/open"
)

// linuxBrowsers lists launcher commands probed in order of preference.
var linuxBrowsers = []string{"xdg-open", "x-www-browser", "www-browser", "firefox", "chromium", "google-chrome"}

// OpenURL opens the URL in the default browser. The library launcher is tried
// first; OS-specific commands serve as the fallback.
func OpenURL(url string) error {
	if err := open.Run(url); err == nil {
		log.Debug("opened URL using open-golang library")
		return nil
	} else {
		log.Debugf("open-golang failed: %v, trying platform-specific commands", err)
	}
	return openURLPlatformSpecific(url)
}

func openURLPlatformSpecific(url string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	case "linux":
		for _, browser := range linuxBrowsers {
			if _, err := exec.LookPath(browser); err == nil {
				cmd = exec.Command(browser, url)
				break
			}
		}
		if cmd == nil {
			return fmt.Errorf("browser: no suitable browser found on this system")
		}
	default:
		return fmt.Errorf("browser: unsupported operating system: %s", runtime.GOOS)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("browser: failed to start browser command: %w", err)
	}
	log.Debugf("opened URL using %s", cmd.Path)
	return nil
}

// IsAvailable reports whether the system has a command capable of opening a
// web browser. It never launches a visible window.
func IsAvailable() bool {
	switch runtime.GOOS {
	case "darwin":
		_, err := exec.LookPath("open")
		return err == nil
	case "windows":
		_, err := exec.LookPath("rundll32")
		return err == nil
	case "linux":
		for _, browser := range linuxBrowsers {
			if _, err := exec.LookPath(browser); err == nil {
				return true
			}
		}
		return false
	default:
		return false
	}
}
