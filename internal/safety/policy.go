// Package safety classifies free text against the content policy.
//
// The policy is an ordered table of rules evaluated against the normalized
// input; the first matching rule wins. Rules flagged with AgeOverride are
// skipped when the text carries an explicit adult age token (18-99).
// A Classifier holds no per-call state and is safe for concurrent use.
package safety

import (
	"fmt"
	"regexp"
)

// PolicyVersion identifies the rule table below. Bump it whenever a rule,
// term list or ordering changes so logs and metrics can be correlated.
const PolicyVersion = "2024.1"

// DefaultProximity is the maximum number of characters allowed between an
// age term and a sexual term for the minors rules to fire.
const DefaultProximity = 80

const (
	sexualTerms    = `(sex|sexual|explicit|nude|porn|intercourse|oral|anal|fetish|blowjob|handjob)`
	minorStrict    = `(child|children|kid|kids|minor|underage|preteen)`
	minorAmbiguous = `(teen|teenager|teen-aged)`

	coercionPattern = `\b(trafficking|sex slave|forced|coerced|non[- ]consensual)\b.*\b(sex|sexual)\b`
	violencePattern = `\b(rape|sexual assault)\b`
	adultAgePattern = `\b(18|19|2[0-9]|3[0-9]|4[0-9]|5[0-9]|6[0-9]|7[0-9]|8[0-9]|9[0-9])\b`
)

// Rule is one row of the policy table.
type Rule struct {
	// Name is a stable identifier used in logs and metrics.
	Name string
	// Category is reported on the verdict when the rule fires.
	Category Category
	// Pattern is matched against normalized text.
	Pattern *regexp.Regexp
	// AgeOverride skips the rule when an explicit adult age is present.
	AgeOverride bool
}

// DefaultRules returns the production rule table in evaluation order.
// proximity <= 0 falls back to DefaultProximity.
func DefaultRules(proximity int) []Rule {
	if proximity <= 0 {
		proximity = DefaultProximity
	}
	return []Rule{
		{
			Name:        "minors_strict",
			Category:    CategoryMinors,
			Pattern:     compile(nearPattern(minorStrict, sexualTerms, proximity)),
			AgeOverride: true,
		},
		{
			Name:        "minors_ambiguous",
			Category:    CategoryMinors,
			Pattern:     compile(nearPattern(minorAmbiguous, sexualTerms, proximity)),
			AgeOverride: true,
		},
		{
			Name:     "coercion_or_trafficking",
			Category: CategoryCoercion,
			Pattern:  compile(coercionPattern),
		},
		{
			Name:     "sexual_violence",
			Category: CategorySexualViolence,
			Pattern:  compile(violencePattern),
		},
	}
}

// nearPattern matches a and b as whole words within n characters of each
// other, in either order.
func nearPattern(a, b string, n int) string {
	return fmt.Sprintf(`\b%[1]s\b.{0,%[3]d}\b%[2]s\b|\b%[2]s\b.{0,%[3]d}\b%[1]s\b`, a, b, n)
}

func compile(expr string) *regexp.Regexp {
	return regexp.MustCompile(`(?is)` + expr)
}

var adultAgeRE = regexp.MustCompile(adultAgePattern)
