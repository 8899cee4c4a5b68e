// Package expr implements the compile-once, match-many expression
// matcher used by the domain dispatcher and ACL selection: literal
// characters, '*' (zero-or-more-any), '?' (one-any), alternation 'a|b',
// full-string (anchored) matching.
//
// There is no pack dependency that implements this particular glob/regex
// hybrid directly, so the compiled representation is built on the
// standard library's regexp: each alternative is translated to an
// anchored regular expression once, at Compile time, and the resulting
// *regexp.Regexp set is what Match consults. This keeps the match-many
// path allocation-free and the compile step is where all the translation
// cost is paid.
package expr

import (
	"fmt"
	"regexp"
	"strings"
)

// Expr is a compiled, immutable, shareable expression handle.
type Expr struct {
	source string
	alts   []*regexp.Regexp
}

// Compile builds an Expr from expression, which may contain '|' to
// separate alternatives; each alternative may use '*' and '?' as
// wildcards. Matching is always anchored to the full subject string.
func Compile(expression string) (*Expr, error) {
	parts := strings.Split(expression, "|")
	alts := make([]*regexp.Regexp, 0, len(parts))
	for _, p := range parts {
		pattern := "^" + translateGlob(p) + "$"
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("expr: compile %q: %w", p, err)
		}
		alts = append(alts, re)
	}
	return &Expr{source: expression, alts: alts}, nil
}

// translateGlob converts '*' and '?' wildcard syntax into the equivalent
// anchored regexp fragment, escaping every other regexp metacharacter so
// the matcher's only wildcard vocabulary is '*', '?', and the caller's
// top-level '|'.
func translateGlob(pattern string) string {
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	return b.String()
}

// Match reports whether subject matches the compiled expression (any
// alternative), anchored to the whole string.
func (e *Expr) Match(subject string) bool {
	for _, re := range e.alts {
		if re.MatchString(subject) {
			return true
		}
	}
	return false
}

// String returns the original expression text the handle was compiled
// from.
func (e *Expr) String() string { return e.source }
