package filter

import (
	"regexp"
	"strings"
	"sync"
	"unicode"

	"github.com/agnivade/levenshtein"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/duetlabs/duet-core/internal/protocol"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Reason codes a rejection.
type Reason string

const (
	ReasonEmpty      Reason = "empty"
	ReasonBlacklist  Reason = "blacklist"
	ReasonFuzzy      Reason = "fuzzy"
	ReasonRepetition Reason = "repetition"
)

type Config struct {
	Blacklist      []string
	FuzzyThreshold float64
	MaxTokenRun    int
	RepeatLimit    int
	HistorySize    int
	MinChars       int
}

// Result is the filter verdict: either an accepted, normalized segment
// or a rejection with its reason. The Accepted flag is set here and
// nowhere else.
type Result struct {
	Segment  protocol.Segment
	Rejected bool
	Reason   Reason
}

// Stats is the running summary exposed on the status feed.
type Stats struct {
	Processed  uint64
	Filtered   uint64
	ByReason   map[Reason]uint64
	FilterRate float64
}

// Filter applies the ordered artifact pipeline: exact blacklist match,
// fuzzy blacklist similarity, repetition handling, then locale
// normalization of surviving text only. Stages short-circuit on
// rejection. Safe for concurrent use by both channel workers.
type Filter struct {
	cfg       Config
	blacklist []string // accent-folded, lowercased

	history *lru.Cache[string, int]

	mu        sync.Mutex
	processed uint64
	filtered  uint64
	byReason  map[Reason]uint64
}

func New(cfg Config) (*Filter, error) {
	if cfg.FuzzyThreshold <= 0 {
		cfg.FuzzyThreshold = 0.85
	}
	if cfg.MaxTokenRun <= 0 {
		cfg.MaxTokenRun = 3
	}
	if cfg.RepeatLimit <= 0 {
		cfg.RepeatLimit = 3
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 128
	}
	if cfg.MinChars <= 0 {
		cfg.MinChars = 2
	}

	history, err := lru.New[string, int](cfg.HistorySize)
	if err != nil {
		return nil, err
	}

	folded := make([]string, 0, len(cfg.Blacklist))
	for _, entry := range cfg.Blacklist {
		if f := fold(entry); f != "" {
			folded = append(folded, f)
		}
	}

	return &Filter{
		cfg:       cfg,
		blacklist: folded,
		history:   history,
		byReason:  make(map[Reason]uint64),
	}, nil
}

// Apply runs the pipeline on a raw segment and returns the verdict.
func (f *Filter) Apply(seg protocol.Segment) Result {
	text := strings.TrimSpace(seg.Text)

	if seg.Failed || len([]rune(text)) < f.cfg.MinChars {
		return f.reject(seg, ReasonEmpty)
	}

	folded := fold(text)

	for _, entry := range f.blacklist {
		if strings.Contains(folded, entry) {
			return f.reject(seg, ReasonBlacklist)
		}
	}

	for _, entry := range f.blacklist {
		if bestWindowSimilarity(folded, entry) >= f.cfg.FuzzyThreshold {
			return f.reject(seg, ReasonFuzzy)
		}
	}

	text = trimTokenRuns(text, f.cfg.MaxTokenRun)
	if f.sawRepeatedly(fold(text)) {
		return f.reject(seg, ReasonRepetition)
	}

	seg.Text = normalize(text)
	seg.Accepted = true

	f.mu.Lock()
	f.processed++
	f.mu.Unlock()
	return Result{Segment: seg}
}

func (f *Filter) reject(seg protocol.Segment, reason Reason) Result {
	seg.Accepted = false
	seg.RejectReason = string(reason)

	f.mu.Lock()
	f.processed++
	f.filtered++
	f.byReason[reason]++
	f.mu.Unlock()
	return Result{Segment: seg, Rejected: true, Reason: reason}
}

func (f *Filter) sawRepeatedly(folded string) bool {
	count, _ := f.history.Get(folded)
	count++
	f.history.Add(folded, count)
	return count >= f.cfg.RepeatLimit
}

// Snapshot returns the running counters.
func (f *Filter) Snapshot() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	byReason := make(map[Reason]uint64, len(f.byReason))
	for k, v := range f.byReason {
		byReason[k] = v
	}
	stats := Stats{Processed: f.processed, Filtered: f.filtered, ByReason: byReason}
	if f.processed > 0 {
		stats.FilterRate = float64(f.filtered) / float64(f.processed)
	}
	return stats
}

var foldTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// fold lowercases and strips diacritics so "Réalisés" matches
// "realises" in both exact and fuzzy stages.
func fold(s string) string {
	out, _, err := transform.String(foldTransformer, strings.ToLower(s))
	if err != nil {
		return strings.ToLower(s)
	}
	return out
}

// bestWindowSimilarity slides a pattern-sized rune window over the text
// and returns the highest Levenshtein similarity found. Short texts are
// compared whole.
func bestWindowSimilarity(text, pattern string) float64 {
	tr := []rune(text)
	pr := []rune(pattern)
	if len(pr) == 0 {
		return 0
	}
	if len(tr) <= len(pr) {
		return similarity(text, pattern)
	}
	best := 0.0
	for i := 0; i+len(pr) <= len(tr); i++ {
		if s := similarity(string(tr[i:i+len(pr)]), pattern); s > best {
			best = s
			if best == 1 {
				break
			}
		}
	}
	return best
}

func similarity(a, b string) float64 {
	la := len([]rune(a))
	lb := len([]rune(b))
	longest := la
	if lb > longest {
		longest = lb
	}
	if longest == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(longest)
}

// trimTokenRuns collapses runs of the same token beyond maxRun, the
// "parrot loop" failure mode of autoregressive decoding.
func trimTokenRuns(text string, maxRun int) string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return text
	}
	out := words[:0]
	run := 0
	for i, word := range words {
		if i > 0 && strings.EqualFold(word, words[i-1]) {
			run++
		} else {
			run = 1
		}
		if run <= maxRun {
			out = append(out, word)
		}
	}
	return strings.Join(out, " ")
}

var (
	noiseRe     = regexp.MustCompile(`[♪♫🎵🎶]|\[[^\]]*\]|\([^)]*\)`)
	spaceRe     = regexp.MustCompile(`\s+`)
	prePunctRe  = regexp.MustCompile(`\s+([.,!?;:])`)
	postPunctRe = regexp.MustCompile(`([.,!?;:])\s*`)
	ligatures   = strings.NewReplacer("œ", "oe", "Œ", "Oe", "æ", "ae", "Æ", "Ae")
)

// normalize cleans surviving text: canonical Unicode form, ligature
// expansion, bracketed noise removal, punctuation spacing, and a
// leading capital.
func normalize(text string) string {
	text = norm.NFC.String(text)
	text = ligatures.Replace(text)
	text = noiseRe.ReplaceAllString(text, "")
	text = spaceRe.ReplaceAllString(text, " ")
	text = prePunctRe.ReplaceAllString(text, "$1")
	text = postPunctRe.ReplaceAllString(text, "$1 ")
	text = strings.TrimSpace(text)

	runes := []rune(text)
	if len(runes) > 0 && unicode.IsLower(runes[0]) {
		runes[0] = unicode.ToUpper(runes[0])
		text = string(runes)
	}
	return text
}
