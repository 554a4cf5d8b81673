package navigation

import (
	"regexp"
	"sort"
	"strings"
)

var (
	punctuation = regexp.MustCompile(`[^\p{L}\p{N}\s-]+`)
	whitespace  = regexp.MustCompile(`\s+`)
	fillers     = regexp.MustCompile(`\b(?:can you|could you|please|take me to|bring me to|bring up|navigate to|go to|go back to|switch to|open up|open|show me|show|pull up|i want to see|let me see|the|my|our|under|inside|in the|page|screen|tab|section)\b`)
)

// Normalize lowercases text, strips punctuation and filler words and
// collapses whitespace.
func Normalize(text string) string {
	s := fillers.ReplaceAllString(canonical(text), " ")
	s = whitespace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// canonical lowercases text, strips punctuation and collapses whitespace.
// Synonyms keep their filler words: "main screen" must not shrink to "main".
func canonical(text string) string {
	s := strings.ToLower(text)
	s = punctuation.ReplaceAllString(s, " ")
	s = whitespace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

type candidate struct {
	entry   int
	synonym string
	re      *regexp.Regexp
}

// Resolver matches free text against a catalog. Longer synonyms win so that
// "work orders" is never shadowed by "work".
type Resolver struct {
	entries    []Entry
	candidates []candidate
}

// NewResolver indexes a catalog.
func NewResolver(entries []Entry) *Resolver {
	r := &Resolver{entries: entries}
	for i, e := range entries {
		seen := map[string]bool{}
		for _, syn := range append([]string{e.Label}, e.Synonyms...) {
			n := canonical(syn)
			if n == "" || seen[n] {
				continue
			}
			seen[n] = true
			r.candidates = append(r.candidates, candidate{
				entry:   i,
				synonym: n,
				re:      regexp.MustCompile(`\b` + regexp.QuoteMeta(n) + `\b`),
			})
		}
	}
	sort.SliceStable(r.candidates, func(a, b int) bool {
		return len(r.candidates[a].synonym) > len(r.candidates[b].synonym)
	})
	return r
}

// Resolve returns the most specific destination named in text. ok is false
// when nothing matches and the caller should try another interpretation.
// Synonyms are tried against the text both with and without filler words.
func (r *Resolver) Resolve(text string) (Entry, bool) {
	stripped := Normalize(text)
	if stripped == "" {
		return Entry{}, false
	}
	full := canonical(text)
	for _, c := range r.candidates {
		if c.re.MatchString(stripped) || c.re.MatchString(full) {
			return r.entries[c.entry], true
		}
	}
	return Entry{}, false
}

// Lookup returns the destination owning exactly this phrase as a synonym.
func (r *Resolver) Lookup(phrase string) (Entry, bool) {
	n := canonical(phrase)
	for _, c := range r.candidates {
		if c.synonym == n {
			return r.entries[c.entry], true
		}
	}
	return Entry{}, false
}

// Entries returns the indexed catalog.
func (r *Resolver) Entries() []Entry { return r.entries }
