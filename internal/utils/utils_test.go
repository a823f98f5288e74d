package utils

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func staticLookup(ips ...string) func(string) ([]net.IP, error) {
	return func(string) ([]net.IP, error) {
		var out []net.IP
		for _, s := range ips {
			out = append(out, net.ParseIP(s))
		}
		return out, nil
	}
}

func TestURLPolicy(t *testing.T) {
	strict := URLPolicy{BlockPrivateNetworks: true, LookupIP: staticLookup("93.184.216.34")}
	open := URLPolicy{}

	tests := []struct {
		name     string
		policy   URLPolicy
		url      string
		want     string
		errorMsg string
	}{
		{name: "Valid HTTPS URL", policy: strict, url: "https://example.com", want: "https://example.com"},
		{name: "Valid HTTP URL", policy: strict, url: "http://example.com/path", want: "http://example.com/path"},
		{name: "Scheme added", policy: strict, url: "example.com/in/jane", want: "https://example.com/in/jane"},
		{name: "Empty URL", policy: strict, url: "  ", errorMsg: "URL cannot be empty"},
		{name: "Localhost", policy: strict, url: "http://localhost:8080", errorMsg: "requests to localhost are not allowed"},
		{name: "127.0.0.1", policy: strict, url: "http://127.0.0.1:3000", errorMsg: "requests to localhost are not allowed"},
		{name: "Private IP 192.168.x.x", policy: strict, url: "http://192.168.1.1", errorMsg: "requests to private/internal IP addresses are not allowed"},
		{name: "Private IP 10.x.x.x", policy: strict, url: "http://10.0.0.1", errorMsg: "requests to private/internal IP addresses are not allowed"},
		{name: "File protocol", policy: strict, url: "file:///etc/passwd", errorMsg: "protocol file: is not allowed"},
		{name: "Encoded file protocol", policy: strict, url: "file%3A%2F%2F%2Fetc%2Fpasswd", errorMsg: "protocol file: is not allowed"},
		{name: "Javascript", policy: open, url: "javascript:alert(1)", errorMsg: "protocol javascript: is not allowed"},
		{name: "FTP", policy: open, url: "ftp://example.com", errorMsg: "protocol ftp: is not allowed"},
		{name: "Private allowed when open", policy: open, url: "http://10.0.0.1/admin", want: "http://10.0.0.1/admin"},
		{
			name:     "Hostname resolving to private",
			policy:   URLPolicy{BlockPrivateNetworks: true, LookupIP: staticLookup("10.1.2.3")},
			url:      "https://internal.example.com",
			errorMsg: "requests to private/internal IP addresses are not allowed",
		},
		{
			name:     "Unresolvable",
			policy:   URLPolicy{BlockPrivateNetworks: true, LookupIP: func(string) ([]net.IP, error) { return nil, errors.New("no such host") }},
			url:      "https://nowhere.invalid",
			errorMsg: "unable to resolve hostname",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.policy.Normalize(tt.url)
			if tt.errorMsg != "" {
				if err == nil {
					t.Fatalf("expected error containing %q, got none", tt.errorMsg)
				}
				if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("expected error containing %q, got %q", tt.errorMsg, err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.url, got, tt.want)
			}
		})
	}
}

func TestIsPrivateIP(t *testing.T) {
	for ip, want := range map[string]bool{
		"10.0.0.1":      true,
		"172.16.5.4":    true,
		"169.254.1.1":   true,
		"100.64.0.1":    true,
		"8.8.8.8":       false,
		"::1":           true,
		"fd00::1":       true,
		"2606:4700::11": false,
	} {
		if got := isPrivateIP(net.ParseIP(ip)); got != want {
			t.Errorf("isPrivateIP(%s) = %v, want %v", ip, got, want)
		}
	}
}

func TestSOCKSHealthCheckerDisabled(t *testing.T) {
	checker := NewSOCKSHealthChecker("")
	status := checker.Check(context.Background())
	if status.Enabled {
		t.Error("Expected SOCKS checker to be disabled when no proxy is configured")
	}
	if !status.IsHealthy {
		t.Error("Disabled checker should report healthy")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx, time.Second)
}

func TestSOCKSHealthCheckerInvalidProxy(t *testing.T) {
	checker := NewSOCKSHealthChecker("invalid-proxy-url")
	status := checker.Check(context.Background())
	if !status.Enabled {
		t.Error("Expected SOCKS checker to be enabled when proxy is configured")
	}
	if status.IsHealthy {
		t.Error("Expected SOCKS checker to be unhealthy with invalid proxy")
	}
	if status.ErrorMessage == "" {
		t.Error("Expected error message when SOCKS proxy is unhealthy")
	}
}

func TestSOCKSHealthCheckerUnreachableProxy(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer target.Close()

	checker := NewSOCKSHealthChecker("socks5://" + addr).WithCheckURL(target.URL)
	status := checker.Check(context.Background())
	if status.IsHealthy {
		t.Error("Expected unreachable proxy to be unhealthy")
	}
	if !strings.Contains(status.ErrorMessage, "SOCKS proxy connection") {
		t.Errorf("unexpected error message %q", status.ErrorMessage)
	}
}

func TestMHTMLConverter(t *testing.T) {
	doc := strings.Join([]string{
		"From: <Saved by Blink>",
		"Subject: Example",
		"MIME-Version: 1.0",
		`Content-Type: multipart/related; type="text/html"; boundary="----BOUNDARY"`,
		"",
		"------BOUNDARY",
		"Content-Type: text/html",
		"Content-Transfer-Encoding: quoted-printable",
		"Content-Location: https://example.com/",
		"",
		`<html><body><img src=3D"https://example.com/logo.png"><a href=3D"https://example.com/logo.png">x</a></body></html>`,
		"------BOUNDARY",
		"Content-Type: image/png",
		"Content-Transfer-Encoding: base64",
		"Content-Location: https://example.com/logo.png",
		"",
		"iVBORw0K",
		"------BOUNDARY--",
		"",
	}, "\r\n")

	var out strings.Builder
	if err := (&MHTMLConverter{}).Convert(strings.NewReader(doc), &out); err != nil {
		t.Fatal(err)
	}
	got := out.String()
	if !strings.Contains(got, `src="data:image/png;base64,iVBORw0K"`) {
		t.Errorf("image was not inlined: %s", got)
	}
	if !strings.Contains(got, `href="https://example.com/logo.png"`) {
		t.Errorf("anchor should keep its link: %s", got)
	}
}

func TestMHTMLConverterRejectsPlainHTML(t *testing.T) {
	doc := "Content-Type: text/html\r\n\r\n<html></html>"
	if err := (&MHTMLConverter{}).Convert(strings.NewReader(doc), io.Discard); err == nil {
		t.Error("expected error for non multipart document")
	}
}

func TestProfileSlug(t *testing.T) {
	for in, want := range map[string]string{
		"https://www.linkedin.com/in/jane-doe/":             "jane-doe",
		"https://www.linkedin.com/in/jane-doe?trk=profile": "jane-doe",
		"https://www.linkedin.com/in/jane-doe/?trk=x":      "jane-doe",
		"jane-doe": "jane-doe",
	} {
		if got := ProfileSlug(in); got != want {
			t.Errorf("ProfileSlug(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLinkedInUserSlug(t *testing.T) {
	if got := LinkedInUserSlug("https://www.linkedin.com/in/jane-doe/recent-activity/all/"); got != "jane-doe" {
		t.Errorf("got %q", got)
	}
	if got := LinkedInUserSlug("https://example.com/about"); got != "" {
		t.Errorf("expected empty slug, got %q", got)
	}
}

func TestArtifactFilename(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	got := ArtifactFilename(created, "https://www.Example.com/a/b?c=d", ".webp")
	if got != "2026-03-01_example_com_a_b_c_d.webp" {
		t.Errorf("unexpected filename %q", got)
	}
	if got := ArtifactFilename(created, "", "mhtml"); got != "2026-03-01_artifact.mhtml" {
		t.Errorf("unexpected filename %q", got)
	}
}
