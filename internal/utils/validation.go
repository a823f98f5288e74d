package utils

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// URLPolicy decides which URLs a task may navigate to.
type URLPolicy struct {
	// BlockPrivateNetworks rejects hosts that are or resolve to loopback,
	// private, link-local or multicast addresses.
	BlockPrivateNetworks bool
	// LookupIP resolves hostnames; net.LookupIP when nil.
	LookupIP func(host string) ([]net.IP, error)
}

// Normalize validates rawURL and returns it with a scheme. URLs without a
// scheme get https.
func (p URLPolicy) Normalize(rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", fmt.Errorf("URL cannot be empty")
	}
	if err := checkMaliciousPatterns(rawURL); err != nil {
		return "", err
	}
	if !strings.Contains(rawURL, "://") {
		rawURL = "https://" + rawURL
	}

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL format: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return "", fmt.Errorf("only HTTP and HTTPS protocols are allowed")
	}
	if parsedURL.Hostname() == "" {
		return "", fmt.Errorf("URL must have a valid hostname")
	}

	if p.BlockPrivateNetworks {
		if err := p.checkSSRFProtection(parsedURL.Hostname()); err != nil {
			return "", err
		}
	}
	return parsedURL.String(), nil
}

// checkSSRFProtection prevents requests to private/internal networks
func (p URLPolicy) checkSSRFProtection(hostname string) error {
	if isLocalhost(hostname) {
		return fmt.Errorf("requests to localhost are not allowed")
	}

	if ip := net.ParseIP(hostname); ip != nil {
		if isPrivateIP(ip) {
			return fmt.Errorf("requests to private/internal IP addresses are not allowed")
		}
		return nil
	}

	lookup := p.LookupIP
	if lookup == nil {
		lookup = net.LookupIP
	}
	ips, err := lookup(hostname)
	if err != nil {
		return fmt.Errorf("unable to resolve hostname: %w", err)
	}
	for _, ip := range ips {
		if isPrivateIP(ip) {
			return fmt.Errorf("requests to private/internal IP addresses are not allowed")
		}
	}
	return nil
}

func isLocalhost(hostname string) bool {
	for _, local := range []string{"localhost", "127.0.0.1", "::1", "0.0.0.0"} {
		if strings.EqualFold(hostname, local) {
			return true
		}
	}
	return strings.HasSuffix(strings.ToLower(hostname), ".localhost")
}

var privateNets = mustParseCIDRs(
	"10.0.0.0/8",     // RFC1918
	"172.16.0.0/12",  // RFC1918
	"192.168.0.0/16", // RFC1918
	"127.0.0.0/8",    // Loopback
	"169.254.0.0/16", // Link-local
	"100.64.0.0/10",  // CGNAT
	"0.0.0.0/8",
	"224.0.0.0/4", // Multicast
	"240.0.0.0/4", // Reserved
	"::1/128",
	"fe80::/10",
	"fc00::/7",
	"ff00::/8",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		nets = append(nets, n)
	}
	return nets
}

func isPrivateIP(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	for _, n := range privateNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// checkMaliciousPatterns rejects non-web schemes, including percent-encoded ones.
func checkMaliciousPatterns(rawURL string) error {
	lower := strings.ToLower(rawURL)

	for _, pattern := range []string{
		"file://", "ftp://", "gopher://", "dict://", "ldap://", "ldaps://",
		"telnet://", "ssh://", "sftp://", "tftp://", "javascript:", "data:",
	} {
		if strings.HasPrefix(lower, pattern) || strings.Contains(lower, "="+pattern) {
			return fmt.Errorf("protocol %s is not allowed", strings.TrimSuffix(pattern, "//"))
		}
	}

	if strings.Contains(lower, "%") {
		decoded, err := url.QueryUnescape(lower)
		if err == nil && decoded != lower {
			return checkMaliciousPatterns(decoded)
		}
	}
	return nil
}
