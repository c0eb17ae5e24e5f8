package contextmem

import (
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/duetlabs/duet-core/internal/protocol"
)

// EntityKind classifies an extracted term.
type EntityKind string

const (
	KindName  EntityKind = "name"
	KindPrice EntityKind = "price"
	KindBrand EntityKind = "brand"
)

// Entity is one term worth biasing future transcriptions toward.
type Entity struct {
	Kind     EntityKind
	Value    string
	LastSeen time.Time
}

type segment struct {
	channel protocol.Channel
	text    string
	at      time.Time
}

// Config tunes the rolling context window.
type Config struct {
	Window         time.Duration
	MaxSegments    int
	MaxPromptRunes int
	BasePrompt     string
	Brands         []string
}

// Memory keeps a sliding window of accepted text and extracted entities
// and renders a bounded enrichment prompt per channel. It is shared by
// both channels and locks internally; only the two worker emit paths
// write to it.
type Memory struct {
	cfg    Config
	brands map[string]string
	clock  func() time.Time

	mu       sync.Mutex
	segments []segment
	entities map[EntityKind]map[string]time.Time
}

var priceRe = regexp.MustCompile(`(?i)\b\d+(?:[.,]\d+)?\s*(?:€|\$|euros?|dollars?|EUR|USD)`)

func New(cfg Config) *Memory {
	if cfg.Window <= 0 {
		cfg.Window = 30 * time.Second
	}
	if cfg.MaxSegments <= 0 {
		cfg.MaxSegments = 50
	}
	if cfg.MaxPromptRunes <= 0 {
		cfg.MaxPromptRunes = 360
	}
	brands := make(map[string]string, len(cfg.Brands))
	for _, b := range cfg.Brands {
		brands[strings.ToLower(b)] = b
	}
	return &Memory{
		cfg:    cfg,
		brands: brands,
		clock:  time.Now,
		entities: map[EntityKind]map[string]time.Time{
			KindName:  {},
			KindPrice: {},
			KindBrand: {},
		},
	}
}

// SetClock replaces the time source. Tests use it to pin eviction.
func (m *Memory) SetClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
}

// Observe folds one accepted segment into the window: extract entities,
// record the text, evict everything older than the window.
func (m *Memory) Observe(channel protocol.Channel, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	m.segments = append(m.segments, segment{channel: channel, text: text, at: now})
	if len(m.segments) > m.cfg.MaxSegments {
		m.segments = m.segments[len(m.segments)-m.cfg.MaxSegments:]
	}

	for _, e := range extract(text, m.brands) {
		m.entities[e.kind][e.value] = now
	}
	m.evict(now)
}

type extracted struct {
	kind  EntityKind
	value string
}

// extract applies the rule-based heuristics: capitalized mid-sentence
// tokens become names, currency amounts become prices, lexicon matches
// become brands. Pure function of the text and the brand lexicon.
func extract(text string, brands map[string]string) []extracted {
	var out []extracted
	add := func(kind EntityKind, value string) {
		out = append(out, extracted{kind: kind, value: value})
	}

	for _, match := range priceRe.FindAllString(text, -1) {
		add(KindPrice, strings.Join(strings.Fields(match), " "))
	}

	words := strings.Fields(text)
	for i, word := range words {
		trimmed := strings.TrimFunc(word, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if trimmed == "" {
			continue
		}
		if canonical, ok := brands[strings.ToLower(trimmed)]; ok {
			add(KindBrand, canonical)
			continue
		}
		runes := []rune(trimmed)
		if len(runes) < 3 || !unicode.IsUpper(runes[0]) {
			continue
		}
		// Sentence-initial capitals are not treated as proper nouns.
		if i == 0 || strings.HasSuffix(words[i-1], ".") {
			continue
		}
		add(KindName, trimmed)
	}
	return out
}

func (m *Memory) evict(now time.Time) {
	cutoff := now.Add(-m.cfg.Window)
	kept := m.segments[:0]
	for _, s := range m.segments {
		if !s.at.Before(cutoff) {
			kept = append(kept, s)
		}
	}
	m.segments = kept
	for _, byValue := range m.entities {
		for value, seen := range byValue {
			if seen.Before(cutoff) {
				delete(byValue, value)
			}
		}
	}
}

// Entities returns a snapshot of the live window, newest first within
// each kind is not guaranteed.
func (m *Memory) Entities() []Entity {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(m.clock())
	var out []Entity
	for kind, byValue := range m.entities {
		for value, seen := range byValue {
			out = append(out, Entity{Kind: kind, Value: value, LastSeen: seen})
		}
	}
	return out
}

// Prompt renders the enrichment prompt for a channel: base prompt,
// recent entities, and the channel's latest text. Calling it repeatedly
// with no new data and a fixed clock yields the same string.
func (m *Memory) Prompt(channel protocol.Channel) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	m.evict(now)

	parts := []string{m.cfg.BasePrompt}

	if names := m.sortedValues(KindName, 5); len(names) > 0 {
		parts = append(parts, "Noms: "+strings.Join(names, ", "))
	}
	if prices := m.sortedValues(KindPrice, 3); len(prices) > 0 {
		parts = append(parts, "Prix: "+strings.Join(prices, ", "))
	}
	if brands := m.sortedValues(KindBrand, 3); len(brands) > 0 {
		parts = append(parts, "Marques: "+strings.Join(brands, ", "))
	}

	var lastTexts []string
	for i := len(m.segments) - 1; i >= 0 && len(lastTexts) < 2; i-- {
		if m.segments[i].channel == channel {
			lastTexts = append([]string{m.segments[i].text}, lastTexts...)
		}
	}
	if len(lastTexts) > 0 {
		parts = append(parts, strings.Join(lastTexts, " "))
	}

	prompt := strings.Join(parts, " | ")
	runes := []rune(prompt)
	if len(runes) > m.cfg.MaxPromptRunes {
		prompt = string(runes[:m.cfg.MaxPromptRunes])
	}
	return prompt
}

// sortedValues returns up to limit of the most recently seen values of
// a kind, oldest first, so the prompt stays stable between updates.
func (m *Memory) sortedValues(kind EntityKind, limit int) []string {
	byValue := m.entities[kind]
	if len(byValue) == 0 {
		return nil
	}
	type seenValue struct {
		value string
		seen  time.Time
	}
	all := make([]seenValue, 0, len(byValue))
	for value, seen := range byValue {
		all = append(all, seenValue{value: value, seen: seen})
	}
	// Insertion sort: the window holds a handful of entries.
	for i := 1; i < len(all); i++ {
		for j := i; j > 0; j-- {
			a, b := all[j-1], all[j]
			if a.seen.After(b.seen) || (a.seen.Equal(b.seen) && a.value > b.value) {
				all[j-1], all[j] = b, a
			} else {
				break
			}
		}
	}
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]string, len(all))
	for i, sv := range all {
		out[i] = sv.value
	}
	return out
}
