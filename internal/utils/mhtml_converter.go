package utils

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	"golang.org/x/net/html"
)

// MHTMLConverter turns a captured MHTML snapshot into a single HTML document
// with its resources inlined as data URLs.
type MHTMLConverter struct{}

type mhtmlPart struct {
	contentType string
	data        []byte
}

// Convert reads an MHTML document and writes standalone HTML.
func (c *MHTMLConverter) Convert(input io.Reader, output io.Writer) error {
	msg, err := mail.ReadMessage(input)
	if err != nil {
		return fmt.Errorf("failed to read mail message: %w", err)
	}

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil {
		return fmt.Errorf("failed to parse media type: %w", err)
	}
	if !strings.HasPrefix(mediaType, "multipart/related") {
		return fmt.Errorf("not a multipart/related message, got: %s", mediaType)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return fmt.Errorf("no boundary found in content type")
	}

	parts := make(map[string]*mhtmlPart)
	var htmlContent []byte
	htmlFound := false

	mr := multipart.NewReader(msg.Body, boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read multipart: %w", err)
		}

		raw, err := io.ReadAll(part)
		if err != nil {
			return fmt.Errorf("failed to read part: %w", err)
		}
		data, err := decodePart(raw, part.Header.Get("Content-Transfer-Encoding"))
		if err != nil {
			return fmt.Errorf("failed to decode part: %w", err)
		}

		contentType := part.Header.Get("Content-Type")
		if !htmlFound && strings.HasPrefix(contentType, "text/html") {
			htmlContent = data
			htmlFound = true
			continue
		}

		p := &mhtmlPart{contentType: contentType, data: data}
		if id := strings.Trim(part.Header.Get("Content-ID"), "<>"); id != "" {
			parts["cid:"+id] = p
		}
		if loc := part.Header.Get("Content-Location"); loc != "" {
			parts[loc] = p
		}
	}

	if !htmlFound {
		return fmt.Errorf("no HTML part found")
	}
	return rewriteReferences(htmlContent, parts, output)
}

// rewriteReferences streams the HTML through the tokenizer, inlining src and
// href values that name a captured part.
func rewriteReferences(htmlContent []byte, parts map[string]*mhtmlPart, output io.Writer) error {
	tokenizer := html.NewTokenizer(bytes.NewReader(htmlContent))

	for {
		tokenType := tokenizer.Next()
		switch tokenType {
		case html.ErrorToken:
			if tokenizer.Err() == io.EOF {
				return nil
			}
			return tokenizer.Err()

		case html.StartTagToken, html.SelfClosingTagToken:
			token := tokenizer.Token()
			modified := false
			for i := range token.Attr {
				attr := &token.Attr[i]
				if attr.Key != "src" && attr.Key != "href" {
					continue
				}
				// Stylesheet and image references are inlined; anchors stay links.
				if attr.Key == "href" && token.Data == "a" {
					continue
				}
				if p, ok := parts[attr.Val]; ok {
					attr.Val = p.dataURL()
					modified = true
				}
			}
			var err error
			if modified {
				_, err = io.WriteString(output, token.String())
			} else {
				_, err = output.Write(tokenizer.Raw())
			}
			if err != nil {
				return err
			}

		default:
			if _, err := output.Write(tokenizer.Raw()); err != nil {
				return err
			}
		}
	}
}

func (p *mhtmlPart) dataURL() string {
	contentType := p.contentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return fmt.Sprintf("data:%s;base64,%s", contentType, base64.StdEncoding.EncodeToString(p.data))
}

func decodePart(partData []byte, encoding string) ([]byte, error) {
	switch strings.ToLower(encoding) {
	case "quoted-printable":
		return io.ReadAll(quotedprintable.NewReader(bytes.NewReader(partData)))
	case "base64":
		cleaned := strings.NewReplacer("\r", "", "\n", "").Replace(string(partData))
		return base64.StdEncoding.DecodeString(cleaned)
	default:
		return partData, nil
	}
}
