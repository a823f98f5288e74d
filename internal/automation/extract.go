package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"browserd/internal/executor"
	"browserd/internal/pool"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const defaultMaxText = 100_000

type extractRequest struct {
	pageRequest
	MaxText int `json:"max_text" validate:"gte=0"`
}

// Document is the readable content of a page.
type Document struct {
	URL       string   `json:"url"`
	Title     string   `json:"title"`
	Text      string   `json:"text"`
	Links     []string `json:"links"`
	Truncated bool     `json:"truncated,omitempty"`
}

// Extract navigates and returns the page title, visible text and links.
func (h *Handlers) Extract(ctx context.Context, bctx pool.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req extractRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.MaxText == 0 {
		req.MaxText = defaultMaxText
	}
	if _, err := h.open(ctx, bctx, &req.pageRequest); err != nil {
		return nil, err
	}

	page := bctx.Page()
	content, err := page.Content()
	if err != nil {
		return nil, fmt.Errorf("read content: %w", err)
	}
	doc, err := ParseDocument(page.URL(), content, req.MaxText)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(executor.LogWriter(ctx), "Extracted %d characters and %d links\n", len(doc.Text), len(doc.Links))
	return json.Marshal(doc)
}

var skippedText = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Svg:      true,
	atom.Head:     true,
}

// ParseDocument extracts title, whitespace-collapsed visible text and
// absolute, de-duplicated link targets from an HTML document.
func ParseDocument(pageURL, content string, maxText int) (*Document, error) {
	root, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	base, _ := url.Parse(pageURL)

	doc := &Document{URL: pageURL, Links: []string{}}
	seen := make(map[string]bool)
	var text strings.Builder

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			if n.DataAtom == atom.A {
				if link := resolveLink(base, attr(n, "href")); link != "" && !seen[link] {
					seen[link] = true
					doc.Links = append(doc.Links, link)
				}
			}
			if skippedText[n.DataAtom] {
				return
			}
		case html.TextNode:
			if words := strings.Fields(n.Data); len(words) > 0 {
				if text.Len() > 0 {
					text.WriteByte(' ')
				}
				text.WriteString(strings.Join(words, " "))
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	if t := findFirst(root, atom.Title); t != nil && t.FirstChild != nil {
		doc.Title = strings.TrimSpace(t.FirstChild.Data)
	}

	doc.Text = text.String()
	if maxText > 0 && len(doc.Text) > maxText {
		cut := maxText
		for cut > 0 && !isRuneStart(doc.Text[cut]) {
			cut--
		}
		doc.Text = doc.Text[:cut]
		doc.Truncated = true
	}
	return doc, nil
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func findFirst(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, a); found != nil {
			return found
		}
	}
	return nil
}

func resolveLink(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	u.Fragment = ""
	return u.String()
}
