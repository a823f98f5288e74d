// Package proxy runs a local, unauthenticated SOCKS5 endpoint that forwards
// to an upstream proxy. Chromium cannot authenticate to a SOCKS5 proxy, so
// browsers are pointed at the relay instead of the upstream.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	xproxy "golang.org/x/net/proxy"
)

const (
	socksVersion = 0x05
	cmdConnect   = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	replySucceeded      = 0x00
	replyGeneralFailure = 0x01
	replyNotSupported   = 0x07
)

// Relay is a local SOCKS5 server forwarding CONNECT requests upstream.
type Relay struct {
	listenAddr     string
	upstream       string
	dialer         xproxy.Dialer
	connectTimeout time.Duration
	idleTimeout    time.Duration

	listener net.Listener
	wg       sync.WaitGroup
	closing  chan struct{}

	mu                  sync.Mutex
	activeConns         int
	upstreamFailures    int
	lastUpstreamFailure time.Time
}

// NeedsRelay reports whether the proxy URL carries credentials Chromium
// cannot use.
func NeedsRelay(proxyURL string) bool {
	u, err := parseUpstream(proxyURL)
	return err == nil && u.User != nil
}

func parseUpstream(proxyURL string) (*url.URL, error) {
	// socks5h means remote DNS, which is all this relay does anyway.
	if strings.HasPrefix(proxyURL, "socks5h://") {
		proxyURL = "socks5://" + strings.TrimPrefix(proxyURL, "socks5h://")
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse upstream URL: %w", err)
	}
	if u.Port() == "" {
		u.Host = net.JoinHostPort(u.Hostname(), "1080")
	}
	return u, nil
}

// NewRelay prepares a relay listening on listenAddr (127.0.0.1:0 picks a
// port) for the upstream proxy URL.
func NewRelay(listenAddr, upstreamURL string) (*Relay, error) {
	u, err := parseUpstream(upstreamURL)
	if err != nil {
		return nil, err
	}
	r := &Relay{
		listenAddr:     listenAddr,
		upstream:       u.Redacted(),
		connectTimeout: 30 * time.Second,
		idleTimeout:    5 * time.Minute,
		closing:        make(chan struct{}),
	}
	dialer, err := xproxy.FromURL(u, &net.Dialer{Timeout: r.connectTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to configure upstream proxy: %w", err)
	}
	r.dialer = dialer
	return r, nil
}

// NewDirectRelay is a relay that dials targets itself.
func NewDirectRelay(listenAddr string) *Relay {
	return &Relay{
		listenAddr:     listenAddr,
		upstream:       "direct",
		dialer:         xproxy.Direct,
		connectTimeout: 30 * time.Second,
		idleTimeout:    5 * time.Minute,
		closing:        make(chan struct{}),
	}
}

// Start listens and serves connections in the background.
func (r *Relay) Start() error {
	listener, err := net.Listen("tcp", r.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", r.listenAddr, err)
	}
	r.listener = listener

	slog.Info("SOCKS5 relay started",
		"listen_addr", listener.Addr().String(),
		"upstream", r.upstream,
		"connect_timeout", r.connectTimeout)

	r.wg.Add(1)
	go r.acceptLoop()
	return nil
}

// URL is the socks5:// address browsers should use.
func (r *Relay) URL() string {
	return "socks5://" + r.listener.Addr().String()
}

// Close stops accepting, closes live connections and waits for them.
func (r *Relay) Close() error {
	select {
	case <-r.closing:
		return nil
	default:
	}
	close(r.closing)
	if r.listener == nil {
		return nil
	}
	err := r.listener.Close()
	r.wg.Wait()
	slog.Info("SOCKS5 relay stopped")
	return err
}

func (r *Relay) acceptLoop() {
	defer r.wg.Done()
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			select {
			case <-r.closing:
				return
			default:
			}
			slog.Error("Failed to accept connection", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		r.wg.Add(1)
		go r.handle(conn)
	}
}

func (r *Relay) handle(client net.Conn) {
	defer r.wg.Done()
	defer client.Close()

	r.mu.Lock()
	r.activeConns++
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.activeConns--
		r.mu.Unlock()
	}()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-r.closing:
			client.Close()
		case <-done:
		}
	}()

	client.SetDeadline(time.Now().Add(r.connectTimeout))

	if err := handshake(client); err != nil {
		slog.Debug("SOCKS5 handshake failed", "error", err)
		return
	}
	target, err := readConnect(client)
	if err != nil {
		slog.Debug("SOCKS5 connect request failed", "error", err)
		if errors.Is(err, errUnsupported) {
			writeReply(client, replyNotSupported)
		}
		return
	}

	if !r.upstreamHealthy() {
		slog.Warn("Upstream proxy is backing off, rejecting connection", "target", target)
		writeReply(client, replyGeneralFailure)
		return
	}

	upstream, err := r.dial(target)
	if err != nil {
		slog.Error("Failed to connect through upstream", "error", err, "target", target)
		r.recordUpstreamFailure()
		writeReply(client, replyGeneralFailure)
		return
	}
	defer upstream.Close()
	r.resetUpstreamFailures()

	if err := writeReply(client, replySucceeded); err != nil {
		return
	}
	client.SetDeadline(time.Time{})
	r.pipe(client, upstream)
}

func (r *Relay) dial(target string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.connectTimeout)
	defer cancel()
	if cd, ok := r.dialer.(xproxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", target)
	}
	return r.dialer.Dial("tcp", target)
}

// pipe copies both ways until either side ends or the connection is idle
// for idleTimeout.
func (r *Relay) pipe(a, b net.Conn) {
	done := make(chan struct{}, 2)
	cp := func(dst, src net.Conn) {
		io.Copy(dst, &idleReader{conn: src, timeout: r.idleTimeout})
		done <- struct{}{}
	}
	go cp(a, b)
	go cp(b, a)

	<-done
	a.Close()
	b.Close()
	<-done
}

// idleReader extends the read deadline before every read.
type idleReader struct {
	conn    net.Conn
	timeout time.Duration
}

func (r *idleReader) Read(p []byte) (int, error) {
	r.conn.SetReadDeadline(time.Now().Add(r.timeout))
	return r.conn.Read(p)
}

var errUnsupported = errors.New("unsupported request")

// handshake accepts the no-authentication method only.
func handshake(conn net.Conn) error {
	header := make([]byte, 2)
	if _, err := io.ReadFull(conn, header); err != nil {
		return fmt.Errorf("failed to read greeting header: %w", err)
	}
	if header[0] != socksVersion {
		return fmt.Errorf("unsupported SOCKS version: %d", header[0])
	}
	methods := make([]byte, header[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return fmt.Errorf("failed to read auth methods: %w", err)
	}
	for _, m := range methods {
		if m == 0x00 {
			_, err := conn.Write([]byte{socksVersion, 0x00})
			return err
		}
	}
	conn.Write([]byte{socksVersion, 0xFF})
	return errors.New("client doesn't support no-authentication method")
}

// readConnect parses a CONNECT request into host:port.
func readConnect(conn net.Conn) (string, error) {
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return "", fmt.Errorf("failed to read request header: %w", err)
	}
	if buf[0] != socksVersion {
		return "", fmt.Errorf("unsupported SOCKS version: %d", buf[0])
	}
	if buf[1] != cmdConnect {
		return "", fmt.Errorf("%w: command %d", errUnsupported, buf[1])
	}

	var host string
	switch buf[3] {
	case atypIPv4, atypIPv6:
		size := net.IPv4len
		if buf[3] == atypIPv6 {
			size = net.IPv6len
		}
		addr := make([]byte, size)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return "", fmt.Errorf("failed to read address: %w", err)
		}
		host = net.IP(addr).String()
	case atypDomain:
		n := make([]byte, 1)
		if _, err := io.ReadFull(conn, n); err != nil {
			return "", fmt.Errorf("failed to read domain length: %w", err)
		}
		domain := make([]byte, n[0])
		if _, err := io.ReadFull(conn, domain); err != nil {
			return "", fmt.Errorf("failed to read domain name: %w", err)
		}
		host = string(domain)
	default:
		return "", fmt.Errorf("%w: address type %d", errUnsupported, buf[3])
	}

	port := make([]byte, 2)
	if _, err := io.ReadFull(conn, port); err != nil {
		return "", fmt.Errorf("failed to read port: %w", err)
	}
	return net.JoinHostPort(host, strconv.Itoa(int(port[0])<<8|int(port[1]))), nil
}

func writeReply(conn net.Conn, status byte) error {
	_, err := conn.Write([]byte{socksVersion, status, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0})
	return err
}

// backoffLocked is how long to refuse connections after repeated upstream
// failures: failures² seconds, at most a minute.
func (r *Relay) backoffLocked() time.Duration {
	d := time.Duration(r.upstreamFailures*r.upstreamFailures) * time.Second
	if d > time.Minute {
		d = time.Minute
	}
	return d
}

func (r *Relay) upstreamHealthy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upstreamFailures == 0 || time.Since(r.lastUpstreamFailure) >= r.backoffLocked()
}

func (r *Relay) recordUpstreamFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upstreamFailures++
	r.lastUpstreamFailure = time.Now()
	slog.Warn("Upstream proxy failure recorded", "failure_count", r.upstreamFailures)
}

func (r *Relay) resetUpstreamFailures() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.upstreamFailures > 0 {
		slog.Info("Upstream proxy recovered", "previous_failures", r.upstreamFailures)
		r.upstreamFailures = 0
	}
}

// Stats is a snapshot of the relay.
type Stats struct {
	ListenAddr          string `json:"listen_addr"`
	Upstream            string `json:"upstream"`
	ActiveConnections   int    `json:"active_connections"`
	UpstreamFailures    int    `json:"upstream_failures"`
	UpstreamHealthy     bool   `json:"upstream_healthy"`
	LastUpstreamFailure string `json:"last_upstream_failure,omitempty"`
}

func (r *Relay) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Stats{
		ListenAddr:        r.listener.Addr().String(),
		Upstream:          r.upstream,
		ActiveConnections: r.activeConns,
		UpstreamFailures:  r.upstreamFailures,
		UpstreamHealthy:   r.upstreamFailures == 0 || time.Since(r.lastUpstreamFailure) >= r.backoffLocked(),
	}
	if !r.lastUpstreamFailure.IsZero() {
		st.LastUpstreamFailure = r.lastUpstreamFailure.Format(time.RFC3339)
	}
	return st
}
