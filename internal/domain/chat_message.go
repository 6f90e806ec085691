package domain

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one turn exchanged with the model. It is the in-memory and
// wire representation; Message is its persisted counterpart.
type ChatMessage struct {
	Role    string `json:"role"              binding:"required,chatrole" example:"user"`
	Content string `json:"content"           example:"Hey, how was your day?"`
	ID      *int64 `json:"id,omitempty"      example:"42"`
}

// ValidRole reports whether r is one of the accepted message roles.
func ValidRole(r string) bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// LatestUserContent returns the content of the last user message in msgs and
// whether one was found.
func LatestUserContent(msgs []ChatMessage) (string, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			return msgs[i].Content, true
		}
	}
	return "", false
}

// CloneMessages returns a copy of msgs that shares no backing array.
func CloneMessages(msgs []ChatMessage) []ChatMessage {
	if msgs == nil {
		return nil
	}
	out := make([]ChatMessage, len(msgs))
	copy(out, msgs)
	return out
}
