package modules

import (
	"context"
	"strings"

	"github.com/oriys/polaris/internal/domain"
	"github.com/oriys/polaris/internal/store"
)

// typoTargets are heavily squatted brand domains. A rated domain
// sitting one or two edits away from any of them is a strong phishing
// signal.
var typoTargets = []string{
	"adobe.com", "aliexpress.com", "amazon.com", "apple.com", "bankofamerica.com",
	"booking.com", "chase.com", "dropbox.com", "ebay.com", "facebook.com",
	"github.com", "gmail.com", "google.com", "icloud.com", "instagram.com",
	"linkedin.com", "live.com", "microsoft.com", "netflix.com", "office365.com",
	"outlook.com", "paypal.com", "reddit.com", "spotify.com", "steamcommunity.com",
	"telegram.org", "twitter.com", "wellsfargo.com", "whatsapp.com", "wikipedia.org",
	"yahoo.com", "youtube.com",
}

// Typo compares the domain against a list of commonly impersonated
// brands. It records near misses by edit distance and exact label
// matches under a foreign TLD (paypal.io style squats).
type Typo struct {
	store store.Store
}

func NewTypo(deps Deps) *Typo {
	return &Typo{store: deps.Store}
}

func (m *Typo) Name() string           { return NameTypo }
func (m *Typo) Version() int64         { return 1 }
func (m *Typo) Dependencies() []string { return nil }

func (m *Typo) Schema() string {
	return `CREATE TABLE IF NOT EXISTS module_typo (
		id BIGSERIAL PRIMARY KEY,
		request_id BIGINT NOT NULL,
		brand TEXT NOT NULL,
		distance INT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (request_id, brand)
	)`
}

func (m *Typo) Select() string {
	return `SELECT brand, distance FROM module_typo WHERE request_id = $1 ORDER BY distance`
}

func (m *Typo) Run(ctx context.Context, task domain.Task, attempt int) error {
	name := strings.ToLower(task.Domain)
	for _, brand := range typoTargets {
		d, hit := squatDistance(name, brand)
		if !hit {
			continue
		}
		err := record(ctx, m.store, m.Name(),
			`INSERT INTO module_typo (request_id, brand, distance) VALUES ($1, $2, $3)
			 ON CONFLICT (request_id, brand) DO NOTHING`,
			task.RequestID, brand, d)
		if err != nil {
			return err
		}
	}
	return nil
}

// squatDistance reports whether name looks like a squat of brand and
// how far off it is. The brand itself is not a squat of itself.
func squatDistance(name, brand string) (int, bool) {
	if name == brand {
		return 0, false
	}
	if d := editDistance(name, brand); d <= 2 {
		return d, true
	}
	// Same label under a different TLD, e.g. paypal.io.
	if label(name) == label(brand) {
		return 1, true
	}
	return 0, false
}

// label returns the leftmost DNS label: "paypal" for "paypal.com".
func label(name string) string {
	if i := strings.IndexByte(name, '.'); i > 0 {
		return name[:i]
	}
	return name
}

// editDistance is the Levenshtein distance over bytes. Domain names
// are ASCII after normalization, so no rune handling is needed.
func editDistance(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
