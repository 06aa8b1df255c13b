package modules

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	readability "github.com/go-shiori/go-readability"

	"github.com/oriys/polaris/internal/domain"
	"github.com/oriys/polaris/internal/probe"
	"github.com/oriys/polaris/internal/store"
)

var wordRe = regexp.MustCompile(`[a-zA-Z]{3,}`)

// baitWords are terms that cluster on credential phishing and prize
// scam pages. Hits are counted, not judged; weighing them is the
// reviewer's job.
var baitWords = map[string]bool{
	"account":         true,
	"alert":           true,
	"billing":         true,
	"bonus":           true,
	"claim":           true,
	"confirm":         true,
	"congratulations": true,
	"credentials":     true,
	"jackpot":         true,
	"lottery":         true,
	"password":        true,
	"prize":           true,
	"reactivate":      true,
	"suspended":       true,
	"urgent":          true,
	"verify":          true,
	"winner":          true,
}

// SpellChecker pulls the readable text off the landing page and counts
// scam bait vocabulary in it.
type SpellChecker struct {
	probe *probe.Client
	store store.Store
	cfg   Settings
}

func NewSpellChecker(deps Deps) *SpellChecker {
	return &SpellChecker{probe: deps.Probe, store: deps.Store, cfg: deps.Profile.Get(NameSpellChecker)}
}

func (m *SpellChecker) Name() string           { return NameSpellChecker }
func (m *SpellChecker) Version() int64         { return 2 }
func (m *SpellChecker) Dependencies() []string { return nil }

func (m *SpellChecker) Schema() string {
	return `CREATE TABLE IF NOT EXISTS module_spellchecker (
		id BIGSERIAL PRIMARY KEY,
		request_id BIGINT NOT NULL,
		word_count INT NOT NULL,
		flagged INT NOT NULL,
		terms TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (request_id)
	)`
}

func (m *SpellChecker) Select() string {
	return `SELECT word_count, flagged, terms FROM module_spellchecker WHERE request_id = $1`
}

func (m *SpellChecker) Run(ctx context.Context, task domain.Task, attempt int) error {
	base := "http://" + task.Domain + "/"
	if m.cfg.Endpoint != "" {
		base = m.cfg.Endpoint
	}

	html, err := m.probe.FetchText(ctx, base)
	if err != nil {
		return classify(fmt.Errorf("fetch landing page: %w", err))
	}

	text := html
	if pageURL, err := url.Parse(base); err == nil {
		// Strip boilerplate so navigation chrome does not drown out
		// the page copy. On extraction failure the raw markup still
		// gets counted.
		if article, err := readability.FromReader(strings.NewReader(html), pageURL); err == nil &&
			strings.TrimSpace(article.TextContent) != "" {
			text = article.TextContent
		}
	}

	words := wordRe.FindAllString(text, -1)
	flagged := 0
	seen := map[string]bool{}
	for _, w := range words {
		w = strings.ToLower(w)
		if baitWords[w] {
			flagged++
			seen[w] = true
		}
	}
	terms := make([]string, 0, len(seen))
	for w := range seen {
		terms = append(terms, w)
	}
	sort.Strings(terms)
	if len(terms) > 8 {
		terms = terms[:8]
	}

	return record(ctx, m.store, m.Name(),
		`INSERT INTO module_spellchecker (request_id, word_count, flagged, terms) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (request_id) DO NOTHING`,
		task.RequestID, len(words), flagged, strings.Join(terms, ","))
}
