// Package memory pulls durable facts about the user out of chat text.
package memory

import (
	"regexp"
	"strings"
)

// Memory types.
const (
	TypeProfile    = "profile"
	TypePreference = "preference"
)

// Candidate is a fact found in a user message.
type Candidate struct {
	Type       string
	Content    string
	Importance float64
}

type pattern struct {
	re         *regexp.Regexp
	kind       string
	importance float64
}

var patterns = []pattern{
	{regexp.MustCompile(`(?i)\bmy name is ([a-zA-Z0-9 _'-]{2,40})`), TypeProfile, 0.6},
	{regexp.MustCompile(`(?i)\bi am ([a-zA-Z0-9 _'-]{2,40})`), TypeProfile, 0.4},
	{regexp.MustCompile(`(?i)\bi like ([^.!?]{2,80})`), TypePreference, 0.5},
	{regexp.MustCompile(`(?i)\bi love ([^.!?]{2,80})`), TypePreference, 0.7},
	{regexp.MustCompile(`(?i)\bi hate ([^.!?]{2,80})`), TypePreference, 0.6},
	{regexp.MustCompile(`(?i)\bi prefer ([^.!?]{2,80})`), TypePreference, 0.6},
}

// Extract returns at most one candidate per pattern, in pattern order.
func Extract(text string) []Candidate {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	var out []Candidate
	for _, p := range patterns {
		m := p.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		content := strings.TrimSpace(m[1])
		if content == "" {
			continue
		}
		out = append(out, Candidate{Type: p.kind, Content: content, Importance: p.importance})
	}
	return out
}
