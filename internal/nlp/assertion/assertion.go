// Package assertion classifies the clinical context of a mention: whether it
// is negated or hedged, when it happened, and who it happened to.
package assertion

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ehr/normalizer/internal/domain/ontology"
)

// DefaultWindow is the number of characters inspected on each side of a
// mention.
const DefaultWindow = 50

// Result is the context assigned to one mention.
type Result struct {
	Assertion   ontology.Assertion   `json:"assertion"`
	Temporality ontology.Temporality `json:"temporality"`
	Experiencer ontology.Experiencer `json:"experiencer"`
}

func wordList(terms ...string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(terms, "|") + `)\b`)
}

var (
	negationTriggers = wordList(
		`no`, `not`, `denies`, `denied`, `without`, `absence\s+of`, `negative\s+for`,
		`ruled\s+out`, `unlikely`, `no\s+evidence\s+of`,
	)
	uncertaintyTriggers = wordList(
		`cannot\s+rule\s+out`, `can't\s+rule\s+out`, `possible`, `probable`, `suspect(?:ed)?`,
		`questionable`, `may\s+have`, `might\s+have`, `could\s+be`, `appears?\s+to\s+be`,
		`likely`, `concern\s+for`, `rule\s+out`,
	)
	pastTriggers = wordList(
		`history\s+of`, `past\s+history\s+of`, `prior`, `previous`, `former`, `had`,
		`was\s+diagnosed\s+with`, `remote`,
	)
	futureTriggers = wordList(
		`scheduled\s+for`, `plan(?:ned)?\s+to`, `will\s+(?:start|begin|undergo|need|require|have)`,
		`upcoming`,
	)
	familyTriggers = wordList(
		`family\s+history`, `family\s+hx`, `fhx`,
		`(?:mother|father|sibling|brother|sister|parent|grandmother|grandfather|aunt|uncle|son|daughter|cousin)s?\s+(?:has|had|with|diagnosed)`,
	)
	otherTriggers = wordList(
		`(?:husband|wife|spouse|partner|roommate|friend|coworker|caregiver)s?\s+(?:has|had|with|diagnosed)`,
	)

	// A colon is not a terminator so section headers stay in scope.
	clauseBoundary = regexp.MustCompile(`(?i)[.!?;](?:\s|$)|\n|\b(?:but|however|although|though|except)\b`)
)

// Classifier applies the trigger rules. It is stateless after construction
// and safe for concurrent use.
type Classifier struct {
	window int
}

type Option func(*Classifier)

// WithWindow overrides the context window size in characters.
func WithWindow(n int) Option {
	return func(c *Classifier) {
		if n > 0 {
			c.window = n
		}
	}
}

func NewClassifier(opts ...Option) *Classifier {
	c := &Classifier{window: DefaultWindow}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Window returns the configured window size.
func (c *Classifier) Window() int { return c.window }

// Classify inspects the text around text[start:end]. start and end are byte
// offsets; the window counts characters. Negation and hedging only look
// backwards; temporality and experiencer look both ways. Every window is
// clipped to the clause that contains the mention.
func (c *Classifier) Classify(text string, start, end int) Result {
	start, end = clamp(start, len(text)), clamp(end, len(text))
	if end < start {
		end = start
	}

	before := clipBefore(text[runesBack(text, start, c.window):start])
	after := clipAfter(text[end:runesForward(text, end, c.window)])
	around := before + text[start:end] + after

	res := Result{
		Assertion:   ontology.AssertionPresent,
		Temporality: ontology.TemporalityCurrent,
		Experiencer: ontology.ExperiencerPatient,
	}

	switch {
	case negationTriggers.MatchString(before):
		res.Assertion = ontology.AssertionAbsent
	case uncertaintyTriggers.MatchString(before):
		res.Assertion = ontology.AssertionPossible
	}

	switch {
	case pastTriggers.MatchString(around):
		res.Temporality = ontology.TemporalityPast
	case futureTriggers.MatchString(around):
		res.Temporality = ontology.TemporalityFuture
	}

	switch {
	case familyTriggers.MatchString(around):
		res.Experiencer = ontology.ExperiencerFamily
	case otherTriggers.MatchString(around):
		res.Experiencer = ontology.ExperiencerOther
	}

	return res
}

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i > n {
		return n
	}
	return i
}

// runesBack steps n characters back from byte offset i.
func runesBack(s string, i, n int) int {
	for ; n > 0 && i > 0; n-- {
		_, size := utf8.DecodeLastRuneInString(s[:i])
		i -= size
	}
	return i
}

// runesForward steps n characters forward from byte offset i.
func runesForward(s string, i, n int) int {
	for ; n > 0 && i < len(s); n-- {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	return i
}

// clipBefore keeps only what follows the last clause boundary.
func clipBefore(s string) string {
	locs := clauseBoundary.FindAllStringIndex(s, -1)
	if len(locs) == 0 {
		return s
	}
	return s[locs[len(locs)-1][1]:]
}

// clipAfter keeps only what precedes the first clause boundary.
func clipAfter(s string) string {
	loc := clauseBoundary.FindStringIndex(s)
	if loc == nil {
		return s
	}
	return s[:loc[0]]
}
