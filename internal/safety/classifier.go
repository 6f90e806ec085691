package safety

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// State is the moderation outcome.
type State string

const (
	StateAllow      State = "ALLOW"
	StateRefuseHard State = "REFUSE_HARD"
)

// Category names the policy area a refusal belongs to.
type Category string

const (
	CategoryMinors         Category = "minors"
	CategoryCoercion       Category = "coercion_or_trafficking"
	CategorySexualViolence Category = "sexual_violence"
)

// Stage tags where in the pipeline a check ran. It is informational only.
type Stage string

const (
	StagePre  Stage = "pre"
	StagePost Stage = "post"
)

// Reason strings carried on verdicts.
const (
	ReasonAllowed        = "allowed"
	ReasonDisabled       = "safety_disabled"
	ReasonIllegalContent = "illegal_or_exploitative_sexual_content"
)

// DefaultRefusal is used when no refusal template was configured.
const DefaultRefusal = "I can't help with that."

// Verdict is the result of classifying a piece of text.
type Verdict struct {
	State    State    `json:"state"`
	Category Category `json:"category,omitempty"`
	Rule     string   `json:"rule,omitempty"`
	Reason   string   `json:"reason"`
	Refusal  string   `json:"refusal,omitempty"`
}

// Allowed reports whether the verdict lets the text through.
func (v Verdict) Allowed() bool { return v.State == StateAllow }

// Classifier evaluates text against an ordered rule table.
type Classifier struct {
	rules   []Rule
	refusal string
	enabled bool
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithRefusal sets the text placed on refusing verdicts. Empty keeps the default.
func WithRefusal(text string) Option {
	return func(c *Classifier) {
		if t := strings.TrimSpace(text); t != "" {
			c.refusal = t
		}
	}
}

// WithRules replaces the rule table.
func WithRules(rules []Rule) Option {
	return func(c *Classifier) { c.rules = rules }
}

// WithEnabled toggles enforcement. A disabled classifier allows everything.
func WithEnabled(enabled bool) Option {
	return func(c *Classifier) { c.enabled = enabled }
}

// New returns an enabled classifier using DefaultRules.
func New(opts ...Option) *Classifier {
	c := &Classifier{
		rules:   DefaultRules(DefaultProximity),
		refusal: DefaultRefusal,
		enabled: true,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Enabled reports whether rules are enforced.
func (c *Classifier) Enabled() bool { return c.enabled }

// RefusalText returns the configured refusal message.
func (c *Classifier) RefusalText() string { return c.refusal }

// Classify evaluates text and returns the first matching rule's verdict, or
// ALLOW when nothing matches.
func (c *Classifier) Classify(text string) Verdict {
	if !c.enabled {
		return Verdict{State: StateAllow, Reason: ReasonDisabled}
	}

	normalized := Normalize(text)
	var adultChecked, adult bool
	for _, r := range c.rules {
		if !r.Pattern.MatchString(normalized) {
			continue
		}
		if r.AgeOverride {
			if !adultChecked {
				adult = adultAgeRE.MatchString(normalized)
				adultChecked = true
			}
			if adult {
				continue
			}
		}
		return Verdict{
			State:    StateRefuseHard,
			Category: r.Category,
			Rule:     r.Name,
			Reason:   ReasonIllegalContent,
			Refusal:  c.refusal,
		}
	}
	return Verdict{State: StateAllow, Reason: ReasonAllowed}
}

// Normalize folds compatibility characters (full-width letters, ligatures)
// with NFKC and lower-cases the result.
func Normalize(text string) string {
	return strings.ToLower(norm.NFKC.String(text))
}
