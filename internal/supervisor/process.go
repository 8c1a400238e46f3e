// Package supervisor owns browser processes: launching them on their
// assigned debugging ports, watching for death, killing and restarting
// them within bounded windows, and driving each instance through its
// startup phases. The protected port is never touched.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// LaunchSpec describes one browser launch.
type LaunchSpec struct {
	Port       int
	ProfileDir string
	StartURL   string
	Executable string // empty = platform lookup
	Headless   bool
}

// Process is a launched browser process.
type Process struct {
	Pid int

	cmd  *exec.Cmd
	done chan struct{}

	mu      sync.Mutex
	waitErr error
}

// Alive reports whether the process has not yet exited.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Done returns a channel closed when the process exits.
func (p *Process) Done() <-chan struct{} { return p.done }

// Launcher abstracts OS process control so the supervisor's port
// protection can be tested without spawning browsers.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (*Process, error)
	Kill(p *Process, grace time.Duration) error
	CleanupPort(port int) error
}

// chromeLauncher is the real Launcher.
type chromeLauncher struct {
	log zerolog.Logger
}

// NewChromeLauncher returns the OS-backed launcher.
func NewChromeLauncher(log zerolog.Logger) Launcher {
	return &chromeLauncher{log: log}
}

// chromeCandidates lists per-platform executable locations, checked in
// order after PATH lookup.
func chromeCandidates() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
		}
	case "windows":
		return []string{
			`C:\Program Files\Google\Chrome\Application\chrome.exe`,
			`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
		}
	default:
		return []string{
			"/usr/bin/google-chrome",
			"/usr/bin/google-chrome-stable",
			"/usr/bin/chromium",
			"/usr/bin/chromium-browser",
		}
	}
}

// FindChromeExecutable locates the browser binary for this platform.
func FindChromeExecutable() (string, error) {
	for _, name := range []string{"google-chrome", "google-chrome-stable", "chromium", "chrome"} {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	for _, path := range chromeCandidates() {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no chrome executable found for %s", runtime.GOOS)
}

func (l *chromeLauncher) Launch(ctx context.Context, spec LaunchSpec) (*Process, error) {
	executable := spec.Executable
	if executable == "" {
		var err error
		executable, err = FindChromeExecutable()
		if err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(spec.ProfileDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create profile dir: %w", err)
	}

	args := []string{
		fmt.Sprintf("--remote-debugging-port=%d", spec.Port),
		fmt.Sprintf("--user-data-dir=%s", spec.ProfileDir),
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-background-networking",
		"--disable-session-crashed-bubble",
		"--disable-infobars",
	}
	if spec.Headless {
		args = append(args, "--headless=new")
	}
	if spec.StartURL != "" {
		args = append(args, spec.StartURL)
	}

	cmd := exec.CommandContext(ctx, executable, args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to launch browser on port %d: %w", spec.Port, err)
	}

	p := &Process{
		Pid:  cmd.Process.Pid,
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		close(p.done)
	}()

	l.log.Info().
		Int("pid", p.Pid).
		Int("port", spec.Port).
		Str("profile", spec.ProfileDir).
		Msg("Browser launched")
	return p, nil
}

// Kill terminates gracefully, escalating to SIGKILL after the grace
// period.
func (l *chromeLauncher) Kill(p *Process, grace time.Duration) error {
	if p == nil || !p.Alive() {
		return nil
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone counts as killed.
		if !p.Alive() {
			return nil
		}
		return fmt.Errorf("failed to signal pid %d: %w", p.Pid, err)
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}

	l.log.Warn().Int("pid", p.Pid).Msg("Graceful shutdown timed out, sending SIGKILL")
	if err := p.cmd.Process.Kill(); err != nil && p.Alive() {
		return fmt.Errorf("failed to kill pid %d: %w", p.Pid, err)
	}
	<-p.done
	return nil
}

// CleanupPort removes residual browser processes still flagged with the
// port's debugging argument. Callers must have already checked the port
// is not protected.
func (l *chromeLauncher) CleanupPort(port int) error {
	if runtime.GOOS == "windows" {
		// Residual cleanup relies on pkill; tracked pids cover windows.
		return nil
	}
	pattern := fmt.Sprintf("--remote-debugging-port=%d", port)
	cmd := exec.Command("pkill", "-f", pattern)
	if err := cmd.Run(); err != nil {
		// pkill exits 1 when nothing matched; that is success here.
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return nil
		}
		return fmt.Errorf("failed to clean up port %d: %w", port, err)
	}
	l.log.Info().Int("port", port).Msg("Cleaned up residual browser processes")
	return nil
}
