// Package validate rejects page metadata that is empty, a block page, too
// short to be an article, or a generic placeholder title.
package validate

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
)

// Reason names why content was rejected.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonEmpty        Reason = "empty"
	ReasonBlocked      Reason = "blocked"
	ReasonTooShort     Reason = "too_short"
	ReasonGenericTitle Reason = "generic_title"
)

// Verdict is the outcome of validating one title/summary pair.
type Verdict struct {
	Reason Reason
	// Term is the matched block term or generic title, when any.
	Term string
}

// Accepted reports whether the content passed.
func (v Verdict) Accepted() bool {
	return v.Reason == ReasonNone
}

// DefaultBlockedTerms is the block/placeholder vocabulary of interstitial
// and anti-bot pages.
var DefaultBlockedTerms = []string{
	"just a moment",
	"access denied",
	"403 forbidden",
	"request blocked",
	"checking your browser",
	"captcha",
	"forbidden",
	"blocked",
	"not authorized",
	"temporarily unavailable",
}

// DefaultGenericTitles are titles that never describe an article.
var DefaultGenericTitles = []string{"home", "login", "index of", "redirecting", "oops", "error"}

// Rules configures a Validator. Zero values take the defaults.
type Rules struct {
	MinTitleChars int
	MinTotalChars int
	BlockedTerms  []string
	GenericTitles []string
}

// Validator checks title/summary pairs. It is safe for concurrent use.
type Validator struct {
	minTitle int
	minTotal int
	blocked  []string
	generic  map[string]struct{}
}

// New builds a Validator from rules.
func New(rules Rules) *Validator {
	if rules.MinTitleChars <= 0 {
		rules.MinTitleChars = 8
	}
	if rules.MinTotalChars <= 0 {
		rules.MinTotalChars = 12
	}
	if len(rules.BlockedTerms) == 0 {
		rules.BlockedTerms = DefaultBlockedTerms
	}
	if len(rules.GenericTitles) == 0 {
		rules.GenericTitles = DefaultGenericTitles
	}

	v := &Validator{
		minTitle: rules.MinTitleChars,
		minTotal: rules.MinTotalChars,
		generic:  make(map[string]struct{}, len(rules.GenericTitles)),
	}
	for _, term := range rules.BlockedTerms {
		if f := fold(term); f != "" {
			v.blocked = append(v.blocked, f)
		}
	}
	for _, title := range rules.GenericTitles {
		v.generic[fold(title)] = struct{}{}
	}
	return v
}

// fold trims s and applies Unicode case folding. A new Caser is built per
// call because Casers keep state.
func fold(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

// Check validates a title and summary. Checks run in order: empty, block
// vocabulary in either field, minimum length, generic title.
func (v *Validator) Check(title, summary string) Verdict {
	title = strings.TrimSpace(title)
	summary = strings.TrimSpace(summary)

	if title == "" && summary == "" {
		return Verdict{Reason: ReasonEmpty}
	}

	ft, fs := fold(title), fold(summary)
	for _, term := range v.blocked {
		if strings.Contains(ft, term) || strings.Contains(fs, term) {
			return Verdict{Reason: ReasonBlocked, Term: term}
		}
	}

	total := strings.TrimSpace(title + " " + summary)
	if utf8.RuneCountInString(title) < v.minTitle && utf8.RuneCountInString(total) < v.minTotal {
		return Verdict{Reason: ReasonTooShort}
	}

	if _, ok := v.generic[ft]; ok {
		return Verdict{Reason: ReasonGenericTitle, Term: ft}
	}
	return Verdict{}
}
