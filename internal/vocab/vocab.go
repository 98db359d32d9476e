// Package vocab corrects misrecognised vocabulary in final transcripts.
//
// Recognisers regularly mangle product names, surnames and jargon ("eleven
// labs", "voxlin"). A [Corrector] holds a list of known terms and rewrites
// word windows of a transcript that sound like one of them. Candidates are
// found with Double Metaphone code overlap and ranked by Jaro-Winkler
// similarity; when no phonetic candidate exists a stricter pure Jaro-Winkler
// pass is used instead.
package vocab

import (
	"strings"
	"sync"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85

	// minRunes excludes very short words, whose codes collide with almost
	// everything.
	minRunes = 3
)

// Option configures a [Corrector].
type Option func(*Corrector)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a window
// whose phonetic codes overlap a term. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(c *Corrector) { c.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for a window with no
// phonetic overlap. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(c *Corrector) { c.fuzzyThreshold = threshold }
}

// term is a vocabulary entry with its comparison data computed once.
type term struct {
	text   string
	lower  string
	tokens []string
	concat string
	codes  map[string]struct{}
}

// Corrector rewrites transcript windows that match configured vocabulary.
// It is safe for concurrent use; [Corrector.SetVocabulary] may be called
// while other goroutines correct text.
type Corrector struct {
	phoneticThreshold float64
	fuzzyThreshold    float64

	mu       sync.RWMutex
	terms    []term
	maxWords int
}

// New returns a Corrector for words.
func New(words []string, opts ...Option) *Corrector {
	c := &Corrector{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(c)
	}
	c.SetVocabulary(words)
	return c
}

// SetVocabulary replaces the vocabulary. Blank entries are ignored.
func (c *Corrector) SetVocabulary(words []string) {
	terms := make([]term, 0, len(words))
	maxWords := 0
	for _, w := range words {
		lower := strings.ToLower(strings.TrimSpace(w))
		if lower == "" {
			continue
		}
		tokens := strings.Fields(lower)
		terms = append(terms, term{
			text:   strings.TrimSpace(w),
			lower:  strings.Join(tokens, " "),
			tokens: tokens,
			concat: strings.Join(tokens, ""),
			codes:  codesFor(tokens),
		})
		maxWords = max(maxWords, len(tokens))
	}
	// A single-word term may have been split into two words by the recogniser.
	if maxWords == 1 {
		maxWords = 2
	}

	c.mu.Lock()
	c.terms = terms
	c.maxWords = maxWords
	c.mu.Unlock()
}

// Vocabulary returns the configured terms.
func (c *Corrector) Vocabulary() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.terms))
	for i, t := range c.terms {
		out[i] = t.text
	}
	return out
}

// Correct returns text with every matching window replaced by the term's
// canonical spelling. Longer windows are tried first so multi-word terms win
// over partial single-word matches. Leading and trailing punctuation of a
// window is preserved.
func (c *Corrector) Correct(text string) string {
	c.mu.RLock()
	terms, maxWords := c.terms, c.maxWords
	c.mu.RUnlock()

	tokens := strings.Fields(text)
	if len(terms) == 0 || len(tokens) == 0 {
		return text
	}

	out := make([]string, 0, len(tokens))
	changed := false
	for i := 0; i < len(tokens); {
		matched := false
		for n := min(maxWords, len(tokens)-i); n >= 1; n-- {
			lead, words, trail := splitWindow(tokens[i : i+n])
			if len(words) != n {
				continue
			}
			best, ok := c.match(words, terms)
			if !ok {
				continue
			}
			out = append(out, lead+best+trail)
			changed = changed || lead+best+trail != strings.Join(tokens[i:i+n], " ")
			i += n
			matched = true
			break
		}
		if !matched {
			out = append(out, tokens[i])
			i++
		}
	}
	if !changed {
		return text
	}
	return strings.Join(out, " ")
}

// match returns the best term for the lowercase window words.
func (c *Corrector) match(words []string, terms []term) (string, bool) {
	if len(words) == 1 && len([]rune(words[0])) < minRunes {
		return "", false
	}
	full := strings.Join(words, " ")
	concat := strings.Join(words, "")
	codes := codesFor(words)
	var joined map[string]struct{}
	if len(words) == 2 {
		joined = codesFor([]string{concat})
	}

	var (
		best         string
		bestScore    float64
		bestPhonetic bool
	)
	for _, t := range terms {
		if skewed(concat, t.concat) {
			continue
		}
		var (
			score    float64
			phonetic bool
		)
		switch {
		case len(t.tokens) == len(words):
			score = matchr.JaroWinkler(full, t.lower, false)
			if len(words) > 1 {
				score = max(score, matchr.JaroWinkler(concat, t.concat, false))
			}
			phonetic = overlaps(codes, t.codes)
		case len(t.tokens) == 1 && len(words) == 2:
			// Compare the run-together window so a stray neighbour word
			// cannot lend its codes to the match.
			score = matchr.JaroWinkler(concat, t.concat, false)
			if matchr.JaroWinkler(words[0], t.concat, false) >= score {
				// The first word alone is the better match; leave the
				// second word for the next window.
				continue
			}
			phonetic = overlaps(joined, t.codes)
		default:
			continue
		}

		if phonetic {
			if score >= c.phoneticThreshold && (!bestPhonetic || score > bestScore) {
				best, bestScore, bestPhonetic = t.text, score, true
			}
		} else if !bestPhonetic && score >= c.fuzzyThreshold && score > bestScore {
			best, bestScore = t.text, score
		}
	}
	return best, best != ""
}

// splitWindow lowercases the tokens and strips punctuation from the outer
// edges of the window, returning it separately.
func splitWindow(tokens []string) (lead string, words []string, trail string) {
	words = make([]string, 0, len(tokens))
	last := len(tokens) - 1
	for i, tok := range tokens {
		if i == 0 {
			trimmed := strings.TrimLeftFunc(tok, isPunct)
			lead, tok = tok[:len(tok)-len(trimmed)], trimmed
		} else if strings.TrimLeftFunc(tok, isPunct) != tok {
			return "", nil, ""
		}
		if i == last {
			trimmed := strings.TrimRightFunc(tok, isPunct)
			trail, tok = tok[len(trimmed):], trimmed
		} else if strings.TrimRightFunc(tok, isPunct) != tok {
			// Punctuation inside the window separates clauses.
			return "", nil, ""
		}
		if tok == "" {
			return "", nil, ""
		}
		words = append(words, strings.ToLower(tok))
	}
	return lead, words, trail
}

func isPunct(r rune) bool { return unicode.IsPunct(r) && r != '\'' && r != '-' }

// skewed reports whether a and b differ in length by more than a third of
// the longer one. Jaro-Winkler rewards shared prefixes heavily, so "voxline
// rocks" would otherwise collapse into "voxline".
func skewed(a, b string) bool {
	la, lb := len([]rune(a)), len([]rune(b))
	d := la - lb
	if d < 0 {
		d = -d
	}
	return d*3 > max(la, lb)
}

// codesFor returns the union of the Double Metaphone codes of tokens.
func codesFor(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func overlaps(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
