package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"browserd/internal/executor"
	"browserd/internal/pool"
	"browserd/internal/utils"

	"github.com/playwright-community/playwright-go"
)

const (
	maxCommentScrollRounds = 30
	commentScrollDelay     = 1500 * time.Millisecond
	feedScrollDelay        = 2 * time.Second
	feedStableRounds       = 10
	reactionsLimit         = 20
)

type linkedInRequest struct {
	URL             string `json:"url" validate:"required"`
	Cookie          string `json:"cookie" validate:"required"`
	ScrapePosts     bool   `json:"scrape_posts"`
	ScrapeComments  bool   `json:"scrape_comments"`
	ScrapeReactions bool   `json:"scrape_reactions"`
}

type Experience struct {
	Title       string `json:"title"`
	Company     string `json:"company"`
	Date        string `json:"date"`
	Location    string `json:"location"`
	Description string `json:"description"`
}

type Publication struct {
	Title     string `json:"title"`
	Publisher string `json:"publisher,omitempty"`
	Date      string `json:"date,omitempty"`
}

type Language struct {
	Language    string `json:"language"`
	Proficiency string `json:"proficiency"`
}

type Education struct {
	School      string `json:"school"`
	Degree      string `json:"degree,omitempty"`
	Date        string `json:"date,omitempty"`
	Description string `json:"description"`
}

type Post struct {
	UserCommentary string `json:"user_commentary,omitempty"`
	RePost         string `json:"re_post,omitempty"`
}

// Comment is one comment the profile owner left under someone else's post.
type Comment struct {
	CommentText string  `json:"commentText"`
	PostText    *string `json:"postText"`
	Timestamp   *string `json:"timestamp"`
	PostAuthor  *string `json:"postAuthor"`
}

type Reaction struct {
	LikedBy string `json:"liked_by,omitempty"`
	Content string `json:"content,omitempty"`
}

// LinkedInProfile is the scraped document. Activity lists are only present
// when requested and non-empty.
type LinkedInProfile struct {
	FirstName    string        `json:"first_name"`
	LastName     string        `json:"last_name"`
	Headline     string        `json:"headline"`
	Location     string        `json:"location"`
	About        string        `json:"about"`
	Services     string        `json:"services"`
	Experience   []Experience  `json:"experience"`
	Publications []Publication `json:"publications"`
	Languages    []Language    `json:"languages"`
	Education    []Education   `json:"education"`
	Posts        []Post        `json:"posts,omitempty"`
	Comments     []Comment     `json:"comments,omitempty"`
	Reactions    []Reaction    `json:"reactions,omitempty"`
}

// LinkedInProfile scrapes a profile page with the caller's li_at session
// cookie. Section failures are written to the task log and skipped; a page
// without a name heading fails the task.
func (h *Handlers) LinkedInProfile(ctx context.Context, bctx pool.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req linkedInRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	profileURL, err := h.policy.Normalize(req.URL)
	if err != nil {
		return nil, err
	}
	page, err := pageOf(bctx)
	if err != nil {
		return nil, err
	}
	logWriter := executor.LogWriter(ctx)

	fmt.Fprintf(logWriter, "Setting cookie...\n")
	if err := page.Context().AddCookies([]playwright.OptionalCookie{{
		Name:   "li_at",
		Value:  req.Cookie,
		Domain: playwright.String(".linkedin.com"),
		Path:   playwright.String("/"),
	}}); err != nil {
		return nil, fmt.Errorf("set session cookie: %w", err)
	}

	s := &linkedInScraper{
		ctx:        ctx,
		page:       page,
		log:        logWriter,
		profileURL: strings.TrimRight(profileURL, "/"),
		userSlug:   utils.LinkedInUserSlug(profileURL),
	}

	if err := navigate(ctx, page, profileURL, "domcontentloaded", logWriter); err != nil {
		return nil, err
	}
	profile, err := s.profile()
	if err != nil {
		return nil, err
	}

	if pubs := s.fullPublications(); len(pubs) > 0 {
		profile.Publications = pubs
	}
	if req.ScrapePosts && s.open("recent-activity/all/") {
		profile.Posts = s.posts()
	}
	if req.ScrapeComments && s.open("recent-activity/comments/") {
		profile.Comments = s.comments()
	}
	if req.ScrapeReactions && s.open("recent-activity/reactions/") {
		profile.Reactions = s.reactions()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return json.Marshal(profile)
}

type linkedInScraper struct {
	ctx        context.Context
	page       playwright.Page
	log        io.Writer
	profileURL string
	userSlug   string
}

func (s *linkedInScraper) logf(format string, args ...any) {
	fmt.Fprintf(s.log, format+"\n", args...)
}

func (s *linkedInScraper) ms(d time.Duration) *float64 {
	return timeoutMS(s.ctx, d)
}

// open navigates to a page below the profile URL.
func (s *linkedInScraper) open(suffix string) bool {
	if s.ctx.Err() != nil {
		return false
	}
	if err := navigate(s.ctx, s.page, s.profileURL+"/"+suffix, "domcontentloaded", s.log); err != nil {
		s.logf("Could not open %s: %v", suffix, err)
		return false
	}
	return true
}

func (s *linkedInScraper) pause(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *linkedInScraper) innerText(loc playwright.Locator, d time.Duration) (string, error) {
	return loc.InnerText(playwright.LocatorInnerTextOptions{Timeout: s.ms(d)})
}

func (s *linkedInScraper) tryClick(loc playwright.Locator, d time.Duration) {
	_ = loc.Click(playwright.LocatorClickOptions{Timeout: s.ms(d)})
}

func (s *linkedInScraper) section(heading string) playwright.Locator {
	return s.page.Locator(fmt.Sprintf("section:has(h2:has-text('%s'))", heading))
}

func (s *linkedInScraper) profile() (*LinkedInProfile, error) {
	s.logf("Waiting for profile page to load...")
	name, err := s.innerText(s.page.Locator("h1").First(), 60*time.Second)
	if err != nil {
		if s.ctx.Err() != nil {
			return nil, s.ctx.Err()
		}
		return nil, fmt.Errorf("profile name heading: %w", err)
	}

	p := &LinkedInProfile{}
	p.FirstName, p.LastName = splitName(name)
	if p.Headline, err = s.innerText(s.page.Locator("div.text-body-medium").First(), 10*time.Second); err != nil {
		s.logf("Could not extract headline: %v", err)
	}

	p.Location, err = s.innerText(s.page.Locator("span.text-body-small.inline.t-black--light.break-words").First(), 5*time.Second)
	if err != nil {
		p.Location = "Not specified"
	}

	s.logf("Extracting About section...")
	about := s.section("About")
	s.tryClick(about.Locator("button:has-text('See more')"), 2*time.Second)
	if text, err := s.innerText(about, 5*time.Second); err != nil {
		s.logf("Could not extract 'About' section text: %v", err)
	} else {
		p.About = parseAbout(text)
	}

	s.logf("Extracting Services section...")
	p.Services, err = s.innerText(s.page.Locator(`section.artdeco-card:has-text("Services")`), 5*time.Second)
	if err != nil {
		p.Services = "Not specified"
	}

	p.Experience = s.experience()
	p.Publications = s.publications()
	p.Languages = s.languages()
	p.Education = s.education()
	return p, nil
}

func (s *linkedInScraper) items(section playwright.Locator, selector string) []playwright.Locator {
	items, err := section.Locator(selector).All()
	if err != nil {
		s.logf("Could not list %s: %v", selector, err)
		return nil
	}
	return items
}

func (s *linkedInScraper) experience() []Experience {
	s.logf("Extracting Experience section...")
	section := s.section("Experience")
	s.tryClick(section.Locator("button:has-text('Show all')"), 2*time.Second)

	out := []Experience{}
	for _, li := range s.items(section, "li.artdeco-list__item") {
		if n, _ := li.Locator("span.t-14.t-normal.t-black--light").Count(); n == 0 {
			continue
		}
		s.tryClick(li.Locator("button.inline-show-more-text__button"), time.Second)
		texts, err := li.Locator("span[aria-hidden='true']").AllInnerTexts()
		if err != nil {
			continue
		}
		if e, ok := parseExperience(texts); ok {
			out = append(out, e)
		}
	}
	return out
}

func (s *linkedInScraper) publications() []Publication {
	s.logf("Extracting Publications section...")
	out := []Publication{}
	for _, li := range s.items(s.section("Publications"), "li.artdeco-list__item") {
		text, err := s.innerText(li, 5*time.Second)
		if err != nil {
			continue
		}
		if p, ok := parsePublication(nonEmptyLines(text), false); ok {
			out = append(out, p)
		}
	}
	return out
}

// fullPublications reads the dedicated publications page, which lists more
// entries than the profile card.
func (s *linkedInScraper) fullPublications() []Publication {
	s.logf("Extracting full Publications list...")
	if !s.open("details/publications/") {
		return nil
	}
	if err := s.page.Locator("li.artdeco-list__item").First().WaitFor(playwright.LocatorWaitForOptions{Timeout: s.ms(20 * time.Second)}); err != nil {
		s.logf("Could not extract full Publications: %v", err)
		return nil
	}
	s.scrollFeed()

	var out []Publication
	for _, li := range s.items(s.page.Locator("body"), "li.artdeco-list__item") {
		text, err := s.innerText(li, 5*time.Second)
		if err != nil {
			continue
		}
		if p, ok := parsePublication(nonEmptyLines(text), true); ok {
			out = append(out, p)
		}
	}
	s.logf("Collected %d publications.", len(out))
	return out
}

func (s *linkedInScraper) languages() []Language {
	s.logf("Extracting Languages section...")
	out := []Language{}
	for _, li := range s.items(s.section("Languages"), "li") {
		text, err := s.innerText(li, 5*time.Second)
		if err != nil {
			continue
		}
		if l, ok := parseLanguage(nonEmptyLines(text)); ok {
			out = append(out, l)
		}
	}
	return out
}

func (s *linkedInScraper) education() []Education {
	s.logf("Extracting Education section...")
	out := []Education{}
	for _, li := range s.items(s.section("Education"), "li.artdeco-list__item") {
		texts, err := li.Locator("span[aria-hidden='true']").AllInnerTexts()
		if err != nil {
			continue
		}
		if e, ok := parseEducation(texts); ok {
			out = append(out, e)
		}
	}
	return out
}

// scrollFeed wheels down until the page height is unchanged for
// feedStableRounds consecutive rounds.
func (s *linkedInScraper) scrollFeed() {
	var lastHeight float64
	for stable := 0; stable < feedStableRounds; {
		if err := s.page.Mouse().Wheel(0, 5000); err != nil {
			s.logf("Scrolling stopped: %v", err)
			return
		}
		if !s.pause(feedScrollDelay) {
			return
		}
		height := s.scrollHeight()
		if height == lastHeight {
			stable++
		} else {
			lastHeight = height
			stable = 0
		}
	}
}

func (s *linkedInScraper) scrollHeight() float64 {
	v, err := s.page.Evaluate("document.body.scrollHeight")
	if err != nil {
		return -1
	}
	switch h := v.(type) {
	case int:
		return float64(h)
	case float64:
		return h
	}
	return -1
}

func (s *linkedInScraper) posts() []Post {
	s.logf("Extracting posts...")
	cards := s.page.Locator("div[data-urn*='urn:li:activity:']")
	if err := cards.First().WaitFor(playwright.LocatorWaitForOptions{Timeout: s.ms(20 * time.Second)}); err != nil {
		s.logf("An error occurred while extracting posts: %v", err)
		return nil
	}
	s.scrollFeed()

	var out []Post
	for _, card := range s.items(s.page.Locator("body"), "div[data-urn*='urn:li:activity:']") {
		var texts []string
		for _, t := range s.items(card, ".update-components-text") {
			text, err := s.innerText(t, 5*time.Second)
			if err != nil {
				continue
			}
			texts = append(texts, strings.TrimSpace(text))
		}
		if p, ok := parsePost(texts); ok {
			out = append(out, p)
		}
	}
	return out
}

const commentExtractor = `(userSlug) => {
	const isAuthoredByUser = (commentEl) => {
		const container = commentEl.closest("li");
		if (!container) return false;
		return Array.from(container.querySelectorAll("a[href*='/in/']"))
			.some(a => (a.getAttribute('href') || '').includes('/in/' + userSlug));
	};
	const text = (el) => el ? el.innerText.trim() : null;
	const results = [];
	document.querySelectorAll("div.feed-shared-update-v2").forEach(card => {
		const postText = text(card.querySelector("div.update-components-text"));
		const timestamp = text(card.querySelector("time"));
		const postAuthor = text(card.querySelector("div.update-components-header a[href*='/company/'], div.update-components-header a[href*='/in/']"));
		card.querySelectorAll("span.comments-comment-item__main-content").forEach(commentEl => {
			if (!isAuthoredByUser(commentEl)) return;
			const commentText = commentEl.innerText.trim();
			if (!commentText) return;
			results.push({ commentText, postText, timestamp, postAuthor });
		});
	});
	return results;
}`

// comments loads the whole comment feed and keeps the comments written by
// the profile owner, with the post each one belongs to.
func (s *linkedInScraper) comments() []Comment {
	s.logf("Extracting comments...")
	if err := s.page.Locator("div.feed-shared-update-v2").First().WaitFor(playwright.LocatorWaitForOptions{Timeout: s.ms(20 * time.Second)}); err != nil {
		s.logf("An error occurred while extracting comments: %v", err)
		return nil
	}

	var lastHeight float64
	stagnant := 0
	for round := 1; round <= maxCommentScrollRounds; round++ {
		if _, err := s.page.Evaluate("window.scrollTo(0, document.body.scrollHeight)"); err != nil {
			s.logf("Scrolling stopped: %v", err)
			break
		}
		if !s.pause(commentScrollDelay) {
			return nil
		}
		loadMore := s.page.Locator("button.scaffold-finite-scroll__load-button").First()
		if n, _ := loadMore.Count(); n > 0 {
			if visible, _ := loadMore.IsVisible(); visible {
				s.tryClick(loadMore, 5*time.Second)
				if !s.pause(commentScrollDelay) {
					return nil
				}
			}
		}

		height := s.scrollHeight()
		if height == lastHeight {
			stagnant++
		} else {
			stagnant = 0
		}
		if stagnant >= 2 {
			s.logf("No new cards after multiple attempts, stopping scroll.")
			break
		}
		lastHeight = height
		s.logf("Scroll round %d/%d completed.", round, maxCommentScrollRounds)
	}

	raw, err := s.page.Evaluate(commentExtractor, s.userSlug)
	if err != nil {
		s.logf("An error occurred while extracting comments: %v", err)
		return nil
	}
	comments, err := decodeComments(raw)
	if err != nil {
		s.logf("Unexpected comment extractor result: %v", err)
		return nil
	}
	s.logf("Collected %d comments.", len(comments))
	return comments
}

func decodeComments(raw any) ([]Comment, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var comments []Comment
	if err := json.Unmarshal(data, &comments); err != nil {
		return nil, err
	}
	return comments, nil
}

// reactions reads the initially rendered reaction cards without scrolling.
func (s *linkedInScraper) reactions() []Reaction {
	s.logf("Extracting reactions...")
	if err := s.page.Locator("div.feed-shared-update-v2").First().WaitFor(playwright.LocatorWaitForOptions{Timeout: s.ms(10 * time.Second)}); err != nil {
		s.logf("An error occurred while extracting reactions: %v", err)
		return nil
	}
	cards := s.items(s.page.Locator("body"), "div.feed-shared-update-v2")
	s.logf("Found %d initial reaction cards.", len(cards))
	if len(cards) > reactionsLimit {
		cards = cards[:reactionsLimit]
	}

	var out []Reaction
	for _, card := range cards {
		var r Reaction
		actor := card.Locator(".feed-shared-actor__sub-description.t-12.t-normal.t-black--light").First()
		if n, _ := actor.Count(); n > 0 {
			if text, err := s.innerText(actor, 5*time.Second); err == nil {
				r.LikedBy = parseReactionActor(text)
			}
		}
		content := card.Locator(".update-components-text").First()
		if n, _ := content.Count(); n > 0 {
			if text, err := s.innerText(content, 5*time.Second); err == nil {
				r.Content = strings.TrimSpace(text)
			}
		}
		if r != (Reaction{}) {
			out = append(out, r)
		}
	}
	return out
}

// splitName splits on the first space: "Ada King Lovelace" is "Ada" and
// "King Lovelace".
func splitName(full string) (first, last string) {
	first, last, _ = strings.Cut(strings.TrimSpace(full), " ")
	return first, last
}

func nonEmptyLines(text string) []string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// parseAbout joins the lines after the "About" heading up to the skills
// summary.
func parseAbout(text string) string {
	var about []string
	inAbout := false
	for _, line := range nonEmptyLines(text) {
		lower := strings.ToLower(line)
		if lower == "about" && !inAbout {
			inAbout = true
			continue
		}
		if strings.Contains(lower, "skills") {
			break
		}
		if inAbout {
			about = append(about, line)
		}
	}
	return strings.Join(about, " ")
}

func trimmedNonEmpty(texts []string) []string {
	var out []string
	for _, t := range texts {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// parseExperience reads title, company, date, an optional location and the
// remaining description from an entry's visible spans. A line holding a
// "·" separator or a year count is part of the dates, not a location.
func parseExperience(texts []string) (Experience, bool) {
	texts = trimmedNonEmpty(texts)
	if len(texts) == 0 {
		return Experience{}, false
	}
	var e Experience
	next := func() string {
		if len(texts) == 0 {
			return ""
		}
		t := texts[0]
		texts = texts[1:]
		return t
	}
	e.Title = next()
	e.Company = next()
	e.Date = next()
	if len(texts) > 0 && !strings.Contains(texts[0], "·") && !strings.Contains(texts[0], "yr") {
		e.Location = next()
	}
	e.Description = strings.Join(texts, " ")
	return e, true
}

// parsePublication maps lines to title, publisher and date. With
// skipRecommendations, the "More profiles for you" blocks mixed into the
// details page are dropped; their third line is a "· 3rd" degree marker.
func parsePublication(lines []string, skipRecommendations bool) (Publication, bool) {
	if len(lines) == 0 {
		return Publication{}, false
	}
	if !skipRecommendations {
		p := Publication{Title: lines[0]}
		if len(lines) > 1 {
			p.Publisher = lines[1]
		}
		if len(lines) > 2 {
			p.Date = lines[2]
		}
		return p, true
	}

	if strings.Contains(lines[0], "More profiles") {
		return Publication{}, false
	}
	if len(lines) > 2 && strings.HasPrefix(lines[2], "·") {
		return Publication{}, false
	}
	p := Publication{Title: lines[0]}
	if len(lines) > 1 && !strings.HasPrefix(lines[1], "·") {
		p.Publisher = lines[1]
	}
	if len(lines) > 2 {
		p.Date = lines[2]
	}
	return p, true
}

// parseLanguage drops the duplicated visually-hidden copies LinkedIn
// renders before reading language and proficiency.
func parseLanguage(lines []string) (Language, bool) {
	seen := make(map[string]bool, len(lines))
	var distinct []string
	for _, l := range lines {
		if !seen[l] {
			seen[l] = true
			distinct = append(distinct, l)
		}
	}
	if len(distinct) == 0 {
		return Language{}, false
	}
	lang := Language{Language: distinct[0], Proficiency: "Not specified"}
	if len(distinct) > 1 {
		lang.Proficiency = distinct[1]
	}
	return lang, true
}

func parseEducation(texts []string) (Education, bool) {
	texts = trimmedNonEmpty(texts)
	if len(texts) == 0 {
		return Education{}, false
	}
	e := Education{School: texts[0]}
	if len(texts) > 1 {
		e.Degree = texts[1]
	}
	if len(texts) > 2 {
		e.Date = texts[2]
	}
	if len(texts) > 3 {
		e.Description = strings.Join(texts[3:], " ")
	}
	return e, true
}

// parsePost treats the first text block as the author's commentary and
// any further blocks as the reshared post.
func parsePost(texts []string) (Post, bool) {
	if len(texts) == 0 {
		return Post{}, false
	}
	p := Post{UserCommentary: texts[0]}
	if len(texts) > 1 {
		p.RePost = strings.Join(texts[1:], "\n")
	}
	return p, true
}

// parseReactionActor returns the reacting member's first word from lines
// like "Ada likes this".
func parseReactionActor(text string) string {
	if !strings.Contains(text, "likes this") && !strings.Contains(text, "celebrates this") {
		return ""
	}
	first, _, _ := strings.Cut(text, " ")
	return first
}
