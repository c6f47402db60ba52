// Package tunnel manages public HTTPS exposure of the local webhook server.
// It supervises an ngrok agent process and discovers the public URL through
// the agent's local inspection API; alternatively a static public URL can be
// configured and no process is started.
package tunnel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"sync"
	"time"

	"call-me/internal/domain"
)

// ephemeralSuffixes are hosts whose tunnel URL changes on every agent
// restart. Calls attached through such a host cannot be re-verified against
// a stable address.
var ephemeralSuffixes = []string{
	".ngrok-free.app",
	".ngrok-free.dev",
	".ngrok.io",
	".ngrok.app",
}

// IsEphemeralHost reports whether host belongs to an ephemeral tunnel domain.
func IsEphemeralHost(host string) bool {
	host = strings.ToLower(host)
	for _, suffix := range ephemeralSuffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}

// Config holds tunnel manager configuration.
type Config struct {
	// Binary is the agent executable, normally "ngrok".
	Binary string
	// Args overrides the agent arguments. Empty means "http <port>".
	Args []string
	// AgentAPI is the agent's local inspection API base URL.
	AgentAPI string
	// HealthInterval is how often the agent API is probed.
	HealthInterval time.Duration
	// Port is the local port being exposed.
	Port int
	// PublicURL, when set, disables process supervision entirely.
	PublicURL string
}

const (
	restartBase        = 2 * time.Second
	restartMaxDelay    = 60 * time.Second
	restartMaxAttempts = 10
	discoverTimeout    = 30 * time.Second
	discoverPoll       = 500 * time.Millisecond
)

// Manager supervises the tunnel agent and tracks the current public URL.
type Manager struct {
	config Config
	logger *slog.Logger
	client *http.Client

	mu        sync.Mutex
	publicURL string
	cmd       *exec.Cmd
	cancel    context.CancelFunc
	stopped   bool

	// Lost is closed when the tunnel is given up on after exhausting
	// restart attempts. Active calls should be ended at that point.
	Lost chan struct{}

	lostOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a tunnel manager with defaults filled in.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if cfg.Binary == "" {
		cfg.Binary = "ngrok"
	}
	if cfg.AgentAPI == "" {
		cfg.AgentAPI = "http://127.0.0.1:4040"
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 30 * time.Second
	}
	return &Manager{
		config: cfg,
		logger: logger,
		client: &http.Client{Timeout: 5 * time.Second},
		Lost:   make(chan struct{}),
	}
}

// Start launches the agent (unless a static URL is configured), waits for the
// public URL, and begins health monitoring. It returns the public URL.
func (m *Manager) Start(ctx context.Context) (string, error) {
	if m.config.PublicURL != "" {
		m.mu.Lock()
		m.publicURL = m.config.PublicURL
		m.mu.Unlock()
		m.logger.Info("using static public url, tunnel agent not started", "url", m.config.PublicURL)
		return m.config.PublicURL, nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	if err := m.launch(runCtx); err != nil {
		cancel()
		return "", err
	}

	publicURL, err := m.discoverURL(ctx)
	if err != nil {
		m.Stop()
		return "", err
	}

	m.mu.Lock()
	m.publicURL = publicURL
	m.mu.Unlock()

	if u, perr := url.Parse(publicURL); perr == nil && IsEphemeralHost(u.Hostname()) {
		m.logger.Warn("tunnel host is ephemeral, public url changes on restart", "host", u.Hostname())
	}

	m.wg.Add(1)
	go m.healthLoop(runCtx)

	m.logger.Info("tunnel established", "url", publicURL)
	return publicURL, nil
}

// PublicURL returns the current public URL.
func (m *Manager) PublicURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.publicURL
}

// Stop terminates the agent process and health monitoring. Idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	cancel := m.cancel
	cmd := m.cmd
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
		cmd.Wait()
	}
	m.wg.Wait()
}

// launch starts the agent process.
func (m *Manager) launch(ctx context.Context) error {
	args := m.config.Args
	if len(args) == 0 {
		args = []string{"http", fmt.Sprintf("%d", m.config.Port)}
	}

	cmd := exec.CommandContext(ctx, m.config.Binary, args...)
	if err := cmd.Start(); err != nil {
		return domain.NewDomainError("tunnel.launch", domain.ErrTunnelLost,
			fmt.Sprintf("start %s: %v", m.config.Binary, err))
	}

	m.mu.Lock()
	m.cmd = cmd
	m.mu.Unlock()

	// Reap the process when it exits so it never zombies.
	go cmd.Wait()

	m.logger.Info("tunnel agent started", "binary", m.config.Binary, "pid", cmd.Process.Pid)
	return nil
}

// discoverURL polls the agent API until it reports an https tunnel.
func (m *Manager) discoverURL(ctx context.Context) (string, error) {
	deadline := time.Now().Add(discoverTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(discoverPoll):
		}

		if u, err := m.queryAgent(ctx); err == nil && u != "" {
			return u, nil
		}
	}
	return "", domain.NewDomainError("tunnel.discoverURL", domain.ErrTunnelLost,
		"agent did not report a public url in time")
}

// queryAgent fetches the tunnel list from the agent inspection API.
func (m *Manager) queryAgent(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.config.AgentAPI+"/api/tunnels", nil)
	if err != nil {
		return "", err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("agent api HTTP %d", resp.StatusCode)
	}

	var result struct {
		Tunnels []struct {
			PublicURL string `json:"public_url"`
			Proto     string `json:"proto"`
		} `json:"tunnels"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}

	for _, t := range result.Tunnels {
		if t.Proto == "https" {
			return t.PublicURL, nil
		}
	}
	// Fall back to any tunnel if no https entry exists.
	if len(result.Tunnels) > 0 {
		return result.Tunnels[0].PublicURL, nil
	}
	return "", nil
}

// healthLoop probes the agent and restarts it with exponential backoff when
// it dies. After restartMaxAttempts consecutive failures, Lost is closed.
func (m *Manager) healthLoop(ctx context.Context) {
	defer m.wg.Done()

	failures := 0
	delay := restartBase

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.config.HealthInterval):
		}

		if _, err := m.queryAgent(ctx); err == nil {
			failures = 0
			delay = restartBase
			continue
		}

		failures++
		m.logger.Warn("tunnel agent unhealthy", "consecutive_failures", failures)
		if failures > restartMaxAttempts {
			m.logger.Error("tunnel lost, restart attempts exhausted")
			m.lostOnce.Do(func() { close(m.Lost) })
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if delay *= 2; delay > restartMaxDelay {
			delay = restartMaxDelay
		}

		if err := m.restart(ctx); err != nil {
			m.logger.Warn("tunnel agent restart failed", "error", err)
		}
	}
}

// restart kills the old process, starts a new one, and re-discovers the URL.
// A changed URL is logged loudly: webhooks for in-flight calls still point at
// the old address.
func (m *Manager) restart(ctx context.Context) error {
	m.mu.Lock()
	cmd := m.cmd
	old := m.publicURL
	m.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
	}

	if err := m.launch(ctx); err != nil {
		return err
	}

	newURL, err := m.discoverURL(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.publicURL = newURL
	m.mu.Unlock()

	if newURL != old {
		m.logger.Warn("tunnel public url changed after restart, in-flight calls will not recover",
			"old", old, "new", newURL)
	} else {
		m.logger.Info("tunnel agent restarted", "url", newURL)
	}
	return nil
}
