// Package prompt assembles the message list sent upstream for a turn.
package prompt

import (
	"strconv"
	"strings"

	"github.com/tbourn/go-moderated-chat/internal/domain"
	"github.com/tbourn/go-moderated-chat/internal/persona"
)

// DefaultHistoryTurns is how many prior messages are kept when none is configured.
const DefaultHistoryTurns = 10

// fixed persona lines; they hold regardless of the loaded character sheet.
var personaRules = []string{
	"Nyx is an adult (21+).",
	"Adult consensual explicit sexual conversation is allowed.",
	"Refuse only: minors, coercion/trafficking/non-consensual, sexual violence/exploitation.",
	"Do not describe physical actions or body language in text. Use emojis to convey tone/emotion instead.",
	"Use first-person only. Avoid third-person narration.",
	"Assume consent unless explicitly violated. No artificial pacing or trust-building.",
}

// Builder renders the system prompt from a persona and relationship state.
type Builder struct {
	Persona      *persona.Persona
	HistoryTurns int
}

// NewBuilder returns a Builder. historyTurns <= 0 uses DefaultHistoryTurns.
func NewBuilder(p *persona.Persona, historyTurns int) *Builder {
	if historyTurns <= 0 {
		historyTurns = DefaultHistoryTurns
	}
	return &Builder{Persona: p, HistoryTurns: historyTurns}
}

// Build returns [system, last N of history..., latest user message].
// rel may be nil, in which case neutral defaults are rendered.
func (b *Builder) Build(history []domain.ChatMessage, rel *domain.RelationshipState, summary, latest string) []domain.ChatMessage {
	tail := history
	if n := b.HistoryTurns; n > 0 && len(tail) > n {
		tail = tail[len(tail)-n:]
	}

	out := make([]domain.ChatMessage, 0, len(tail)+2)
	out = append(out, domain.ChatMessage{Role: domain.RoleSystem, Content: b.System(rel, summary)})
	for _, m := range tail {
		out = append(out, domain.ChatMessage{Role: m.Role, Content: m.Content})
	}
	out = append(out, domain.ChatMessage{Role: domain.RoleUser, Content: latest})
	return out
}

// System renders the system message alone.
func (b *Builder) System(rel *domain.RelationshipState, summary string) string {
	p := b.Persona
	if p == nil {
		p = &persona.Persona{}
	}
	if rel == nil {
		rel = &domain.RelationshipState{TrustLevel: domain.LevelLow, IntimacyLevel: domain.LevelLow}
	}

	lines := []string{
		"### Persona",
		"Name: " + p.Name,
		"Role: " + p.Role,
		"Tone: " + p.Tone,
		"Speaking style: " + p.SpeakingStyle,
		"Goals: " + strings.Join(p.Goals, ", "),
		"Likes: " + strings.Join(p.Likes, ", "),
		"Dislikes: " + strings.Join(p.Dislikes, ", "),
	}
	lines = append(lines, personaRules...)

	lines = append(lines,
		"",
		"### Relationship State",
		"Affinity score: "+formatScore(rel.AffinityScore),
		"Trust level: "+rel.TrustLevel,
		"Intimacy level: "+rel.IntimacyLevel,
		"Nicknames: "+rel.Nicknames,
	)

	if s := strings.TrimSpace(summary); s != "" {
		lines = append(lines, "", "### Conversation Summary", s)
	}

	lines = append(lines,
		"",
		"### Instructions",
		"Respond in-character. Maintain a consensual, adult tone.",
	)
	return strings.Join(lines, "\n")
}

// formatScore prints whole numbers with one decimal ("0.0", "2.0").
func formatScore(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}
