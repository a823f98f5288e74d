package utils

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/proxy"
)

// DefaultProxyCheckURL is fetched through the proxy to prove it forwards traffic.
const DefaultProxyCheckURL = "http://httpbin.org/ip"

// SOCKSHealthStatus represents the current status of the SOCKS proxy
type SOCKSHealthStatus struct {
	IsHealthy    bool      `json:"is_healthy"`
	LastChecked  time.Time `json:"last_checked"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Enabled      bool      `json:"enabled"`
}

// SOCKSHealthChecker checks the SOCKS5 proxy browsers are launched behind.
type SOCKSHealthChecker struct {
	mu       sync.RWMutex
	status   SOCKSHealthStatus
	proxyURL string
	checkURL string
	timeout  time.Duration
}

// NewSOCKSHealthChecker returns a disabled checker when proxyURL is empty.
func NewSOCKSHealthChecker(proxyURL string) *SOCKSHealthChecker {
	return &SOCKSHealthChecker{
		proxyURL: proxyURL,
		checkURL: DefaultProxyCheckURL,
		timeout:  10 * time.Second,
		status: SOCKSHealthStatus{
			Enabled:     proxyURL != "",
			IsHealthy:   true, // Assume healthy until proven otherwise
			LastChecked: time.Now(),
		},
	}
}

// WithCheckURL changes the URL fetched through the proxy.
func (c *SOCKSHealthChecker) WithCheckURL(u string) *SOCKSHealthChecker {
	c.checkURL = u
	return c
}

func (c *SOCKSHealthChecker) Enabled() bool { return c.proxyURL != "" }

func (c *SOCKSHealthChecker) GetStatus() SOCKSHealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Check tests the proxy once and records the result.
func (c *SOCKSHealthChecker) Check(ctx context.Context) SOCKSHealthStatus {
	if !c.Enabled() {
		return c.GetStatus()
	}
	if err := c.fetchThrough(ctx); err != nil {
		c.updateStatus(false, err.Error())
	} else {
		c.updateStatus(true, "")
		slog.Debug("SOCKS proxy health check passed")
	}
	return c.GetStatus()
}

func (c *SOCKSHealthChecker) fetchThrough(ctx context.Context) error {
	proxyURL, err := url.Parse(c.proxyURL)
	if err != nil {
		return fmt.Errorf("invalid proxy URL: %w", err)
	}
	if proxyURL.Scheme == "" || proxyURL.Host == "" {
		return fmt.Errorf("invalid proxy URL: %q", c.proxyURL)
	}

	dialer, err := proxy.FromURL(proxyURL, proxy.Direct)
	if err != nil {
		return fmt.Errorf("failed to create SOCKS dialer: %w", err)
	}
	transport := &http.Transport{DisableKeepAlives: true}
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		transport.DialContext = cd.DialContext
	} else {
		transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
	}
	httpClient := &http.Client{Transport: transport, Timeout: c.timeout}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.checkURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return errors.New("SOCKS proxy connection timeout")
		}
		return fmt.Errorf("SOCKS proxy connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP request failed with status: %d", resp.StatusCode)
	}
	return nil
}

func (c *SOCKSHealthChecker) updateStatus(healthy bool, errorMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	previouslyHealthy := c.status.IsHealthy
	c.status.IsHealthy = healthy
	c.status.LastChecked = time.Now()
	c.status.ErrorMessage = errorMsg

	if previouslyHealthy != healthy {
		if healthy {
			slog.Info("SOCKS proxy is now healthy")
		} else {
			slog.Warn("SOCKS proxy is now unhealthy", "error", errorMsg)
		}
	}
}

// Run checks the proxy every interval until ctx is done.
func (c *SOCKSHealthChecker) Run(ctx context.Context, interval time.Duration) {
	if !c.Enabled() {
		slog.Info("SOCKS proxy not configured, health monitoring disabled")
		return
	}
	slog.Info("SOCKS proxy health monitoring enabled", "proxy", c.proxyURL)
	c.Check(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Check(ctx)
		case <-ctx.Done():
			slog.Info("SOCKS health monitoring stopped")
			return
		}
	}
}
