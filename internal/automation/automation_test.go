package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"browserd/internal/config"
	"browserd/internal/engine"
	"browserd/internal/pool"
	"browserd/internal/pool/pooltest"
	"browserd/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeContext(t *testing.T) pool.Context {
	t.Helper()
	bctx, err := pooltest.NewBrowser().NewContext(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { bctx.Close() })
	return bctx
}

func TestMuxDispatch(t *testing.T) {
	m := NewMux()
	m.HandleFunc("title", func(ctx context.Context, bctx pool.Context, payload json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`"title"`), nil
	})
	m.HandleFunc("echo", func(ctx context.Context, bctx pool.Context, payload json.RawMessage) (json.RawMessage, error) {
		return payload, nil
	})
	bctx := fakeContext(t)

	out, err := m.Execute(context.Background(), bctx, json.RawMessage(`{"url":"https://example.com"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `"title"`, string(out))

	payload := json.RawMessage(`{"handler":"echo","n":1}`)
	out, err = m.Execute(context.Background(), bctx, payload)
	require.NoError(t, err)
	assert.JSONEq(t, string(payload), string(out))

	_, err = m.Execute(context.Background(), bctx, json.RawMessage(`{"handler":"nope"}`))
	assert.ErrorIs(t, err, ErrUnknownHandler)
	assert.Contains(t, err.Error(), `"nope"`)

	assert.True(t, m.Has(json.RawMessage(`{}`)))
	assert.False(t, m.Has(json.RawMessage(`{"handler":"nope"}`)))
	assert.Equal(t, []string{"echo", "title"}, m.Names())
}

func TestNewRegistersHandlers(t *testing.T) {
	assert.Equal(t, []string{"extract", "linkedin_profile", "title"}, New(Options{}).Names())

	m := New(Options{Artifacts: storage.NewMemoryStorage(), Diagnostics: true})
	assert.Equal(t, []string{"extract", "linkedin_profile", "mhtml", "screenshot", "sleep", "title"}, m.Names())
}

func TestHandlersRejectInvalidPayloads(t *testing.T) {
	m := New(Options{Artifacts: storage.NewMemoryStorage()})
	bctx := fakeContext(t)

	tests := []struct {
		name    string
		payload string
	}{
		{"title without url", `{}`},
		{"bad wait_until", `{"url":"https://example.com","wait_until":"soon"}`},
		{"extract negative max", `{"handler":"extract","url":"https://example.com","max_text":-1}`},
		{"linkedin without cookie", `{"handler":"linkedin_profile","url":"https://www.linkedin.com/in/ada"}`},
		{"not json", `{"url":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Execute(context.Background(), bctx, json.RawMessage(tt.payload))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid payload")
		})
	}
}

func TestHandlersRejectBlockedURLs(t *testing.T) {
	m := New(Options{})
	bctx := fakeContext(t)

	_, err := m.Execute(context.Background(), bctx, json.RawMessage(`{"url":"file:///etc/passwd"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not allowed")
}

func TestHandlerNeedsPage(t *testing.T) {
	_, err := New(Options{}).Execute(context.Background(), fakeContext(t), json.RawMessage(`{"url":"https://example.com"}`))
	assert.ErrorIs(t, err, errNoPage)
}

func TestSleep(t *testing.T) {
	bctx := fakeContext(t)

	out, err := Sleep(context.Background(), bctx, json.RawMessage(`{"ms":5}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"slept_ms":5}`, string(out))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = Sleep(ctx, bctx, json.RawMessage(`{"ms":10000}`))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = Sleep(context.Background(), bctx, json.RawMessage(`{"ms":-1}`))
	assert.Error(t, err)
}

func TestParseDocument(t *testing.T) {
	content := `<!doctype html><html><head><title> Example Domain </title>
<style>body { color: red }</style><script>var x = 1;</script></head>
<body><h1>Example   Domain</h1>
<p>This domain is for use in <a href="/docs#intro">examples</a>.</p>
<a href="https://www.iana.org/domains/example">More</a>
<a href="/docs">Again</a>
<a href="mailto:someone@example.com">Mail</a>
<a href="#top">Top</a>
<noscript>enable js</noscript>
</body></html>`

	doc, err := ParseDocument("https://example.com/page", content, 0)
	require.NoError(t, err)
	assert.Equal(t, "Example Domain", doc.Title)
	assert.Equal(t, "Example Domain This domain is for use in examples . More Again Mail Top", doc.Text)
	assert.Equal(t, []string{"https://example.com/docs", "https://www.iana.org/domains/example"}, doc.Links)
	assert.False(t, doc.Truncated)
}

func TestParseDocumentTruncatesOnRuneBoundary(t *testing.T) {
	doc, err := ParseDocument("https://example.com", "<p>ééééé</p>", 5)
	require.NoError(t, err)
	assert.True(t, doc.Truncated)
	assert.Equal(t, "éé", doc.Text)
	assert.Empty(t, doc.Links)
}

func TestPollIdle(t *testing.T) {
	opts := idleOptions{Idle: 20 * time.Millisecond, Total: time.Second}
	opts.setDefaults()
	opts.Poll = 5 * time.Millisecond

	var log bytes.Buffer
	start := time.Now()
	require.NoError(t, pollIdle(context.Background(), func() []string { return nil }, &log, opts))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Contains(t, log.String(), "Network idle")

	log.Reset()
	busy := func() []string { return []string{"a", "b", "c", "d"} }
	opts.Total = 30 * time.Millisecond
	require.NoError(t, pollIdle(context.Background(), busy, &log, opts))
	assert.Contains(t, log.String(), "Giving up")

	log.Reset()
	persistent := func() []string { return []string{"wss://chat"} }
	opts.Total = time.Second
	opts.FallbackAfter = 10 * time.Millisecond
	require.NoError(t, pollIdle(context.Background(), persistent, &log, opts))
	assert.Contains(t, log.String(), "Accepting 1 persistent requests")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, pollIdle(ctx, busy, io.Discard, opts), context.Canceled)
}

func TestIgnoredRequest(t *testing.T) {
	assert.True(t, ignoredRequest("https://www.googletagmanager.com/gtm.js"))
	assert.True(t, ignoredRequest("https://px.ads.linkedin.com/li/track?x=1"))
	assert.True(t, ignoredRequest("https://example.com/Beacon"))
	assert.False(t, ignoredRequest("https://example.com/app.js"))
}

func TestTimeoutMS(t *testing.T) {
	assert.Equal(t, 5000.0, *timeoutMS(context.Background(), 5*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.LessOrEqual(t, *timeoutMS(ctx, time.Minute), 1000.0)

	expired, cancel2 := context.WithTimeout(context.Background(), -time.Second)
	defer cancel2()
	assert.Equal(t, 1.0, *timeoutMS(expired, time.Minute))
}

func TestSelectImageFormat(t *testing.T) {
	ext, ct := selectImageFormat(image.NewRGBA(image.Rect(0, 0, 100, 200)))
	assert.Equal(t, ".webp", ext)
	assert.Equal(t, "image/webp", ct)

	ext, ct = selectImageFormat(image.NewRGBA(image.Rect(0, 0, 10, webpMaxDimension+1)))
	assert.Equal(t, ".jpg", ext)
	assert.Equal(t, "image/jpeg", ct)
}

func TestEncodeAndStoreImage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 16, 8))
	for x := 0; x < 16; x++ {
		img.Set(x, 0, color.RGBA{R: 255, A: 255})
	}
	s := storage.NewMemoryStorage()

	for _, ct := range []string{"image/webp", "image/jpeg"} {
		t.Run(ct, func(t *testing.T) {
			key := artifactKey("screenshots", ".img")
			size, err := store(s, key, func(w io.Writer) error { return encodeImage(w, img, ct) })
			require.NoError(t, err)
			assert.Positive(t, size)

			r, err := s.Reader(key)
			require.NoError(t, err)
			defer r.Close()
			data, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.EqualValues(t, len(data), size)
			if ct == "image/jpeg" {
				decoded, err := jpeg.Decode(bytes.NewReader(data))
				require.NoError(t, err)
				assert.Equal(t, img.Bounds(), decoded.Bounds())
			} else {
				require.Greater(t, len(data), 12)
				assert.Equal(t, "RIFF", string(data[:4]))
				assert.Equal(t, "WEBP", string(data[8:12]))
			}
		})
	}
}

func TestStoreRemovesFailedArtifact(t *testing.T) {
	s := storage.NewMemoryStorage()
	_, err := store(s, "mhtml/broken.mhtml", func(w io.Writer) error {
		io.WriteString(w, "partial")
		return errors.New("capture failed")
	})
	require.Error(t, err)

	exists, err := s.Exists("mhtml/broken.mhtml")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestArtifactKeyAndContentType(t *testing.T) {
	key := artifactKey("mhtml", ".mhtml")
	assert.True(t, strings.HasPrefix(key, "mhtml/"+time.Now().UTC().Format("2006/01/")))
	assert.True(t, strings.HasSuffix(key, ".mhtml"))
	assert.Equal(t, "multipart/related", ContentTypeForKey(key))
	assert.Equal(t, "image/webp", ContentTypeForKey("screenshots/a.webp"))
	assert.Equal(t, "image/jpeg", ContentTypeForKey("screenshots/a.jpg"))
	assert.Equal(t, "application/octet-stream", ContentTypeForKey("other/a"))
}

func TestSplitName(t *testing.T) {
	first, last := splitName("Ada King Lovelace")
	assert.Equal(t, "Ada", first)
	assert.Equal(t, "King Lovelace", last)

	first, last = splitName(" Plato ")
	assert.Equal(t, "Plato", first)
	assert.Empty(t, last)
}

func TestParseAbout(t *testing.T) {
	text := "About\nAbout\n  Builds analytical engines.\n\nWrites notes.\nTop skills\nMathematics"
	assert.Equal(t, "About Builds analytical engines. Writes notes.", parseAbout(text))
	assert.Empty(t, parseAbout("Skills\nAbout"))
}

func TestParseExperience(t *testing.T) {
	e, ok := parseExperience([]string{"Engineer", " Analytical Society ", "1842 - 1843 · 1 yr", "London, UK", "Wrote the", "first program"})
	require.True(t, ok)
	assert.Equal(t, Experience{
		Title:       "Engineer",
		Company:     "Analytical Society",
		Date:        "1842 - 1843 · 1 yr",
		Location:    "London, UK",
		Description: "Wrote the first program",
	}, e)

	e, ok = parseExperience([]string{"Engineer", "Society", "1842", "2 yrs 3 mos", "Notes"})
	require.True(t, ok)
	assert.Empty(t, e.Location)
	assert.Equal(t, "2 yrs 3 mos Notes", e.Description)

	_, ok = parseExperience([]string{" ", ""})
	assert.False(t, ok)
}

func TestParsePublication(t *testing.T) {
	p, ok := parsePublication([]string{"Notes", "Taylor's Memoirs", "1843"}, false)
	require.True(t, ok)
	assert.Equal(t, Publication{Title: "Notes", Publisher: "Taylor's Memoirs", Date: "1843"}, p)

	p, ok = parsePublication([]string{"Only title"}, true)
	require.True(t, ok)
	assert.Equal(t, Publication{Title: "Only title"}, p)

	p, ok = parsePublication([]string{"Notes", "· Publisher hidden"}, true)
	require.True(t, ok)
	assert.Empty(t, p.Publisher)

	_, ok = parsePublication([]string{"More profiles for you"}, true)
	assert.False(t, ok)
	_, ok = parsePublication([]string{"Charles Babbage", "Inventor", "· 3rd"}, true)
	assert.False(t, ok)
	_, ok = parsePublication(nil, false)
	assert.False(t, ok)
}

func TestParseLanguage(t *testing.T) {
	l, ok := parseLanguage([]string{"French", "French", "Professional working proficiency", "Professional working proficiency"})
	require.True(t, ok)
	assert.Equal(t, Language{Language: "French", Proficiency: "Professional working proficiency"}, l)

	l, ok = parseLanguage([]string{"Latin", "Latin"})
	require.True(t, ok)
	assert.Equal(t, "Not specified", l.Proficiency)

	_, ok = parseLanguage(nil)
	assert.False(t, ok)
}

func TestParseEducation(t *testing.T) {
	e, ok := parseEducation([]string{"Home tutoring", "Mathematics", "1820 - 1835", "Taught by", "De Morgan"})
	require.True(t, ok)
	assert.Equal(t, Education{School: "Home tutoring", Degree: "Mathematics", Date: "1820 - 1835", Description: "Taught by De Morgan"}, e)

	e, ok = parseEducation([]string{"School"})
	require.True(t, ok)
	assert.Equal(t, Education{School: "School"}, e)
}

func TestParsePostAndReaction(t *testing.T) {
	p, ok := parsePost([]string{"My thoughts", "Original", "post"})
	require.True(t, ok)
	assert.Equal(t, Post{UserCommentary: "My thoughts", RePost: "Original\npost"}, p)
	_, ok = parsePost(nil)
	assert.False(t, ok)

	assert.Equal(t, "Ada", parseReactionActor("Ada likes this"))
	assert.Equal(t, "Charles", parseReactionActor("Charles celebrates this"))
	assert.Empty(t, parseReactionActor("Ada commented on this"))
}

func TestDecodeComments(t *testing.T) {
	raw := []any{map[string]any{"commentText": "Agreed", "postText": "Post", "timestamp": nil, "postAuthor": "Org"}}
	comments, err := decodeComments(raw)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "Agreed", comments[0].CommentText)
	require.NotNil(t, comments[0].PostText)
	assert.Equal(t, "Post", *comments[0].PostText)
	assert.Nil(t, comments[0].Timestamp)
}

func TestLinkedInProfileJSONOmitsEmptyActivity(t *testing.T) {
	data, err := json.Marshal(LinkedInProfile{FirstName: "Ada", Experience: []Experience{}})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"experience":[]`)
	assert.NotContains(t, string(data), "posts")
	assert.NotContains(t, string(data), "reactions")
}

func TestTitleAgainstExampleDotCom(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping browser test in short mode")
	}
	if os.Getenv("BROWSERD_BROWSER_TESTS") == "" {
		t.Skip("Set BROWSERD_BROWSER_TESTS=1 to run tests that launch Chromium")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	inst, err := engine.Launch(ctx, engine.LaunchConfig{
		Headless:       true,
		Args:           config.DefaultChromiumArgs,
		StartupTimeout: 60 * time.Second,
	})
	require.NoError(t, err)
	defer inst.Shutdown(context.Background())

	bctx, err := inst.NewContext(ctx)
	require.NoError(t, err)
	defer bctx.Close()

	out, err := New(Options{}).Execute(ctx, bctx, json.RawMessage(`{"url":"https://example.com"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `"Example Domain"`, string(out))
}
