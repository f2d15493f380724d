// Package chat implements the retrieval-augmented generation pipeline:
// context retrieval, prompt composition, streaming completion, and the
// conversation model persisted after a completed run.
package chat

import (
	"time"
)

// Message roles. Only user and assistant turns appear in conversations;
// system instructions live in the prompt template.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// TitleMaxLength caps a derived conversation title.
const TitleMaxLength = 100

// Message is a single conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Conversation is the persisted record of a completed exchange: all prior
// turns plus the newly generated answer, owned by a registered user.
type Conversation struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"userId"`
	Title     string    `json:"title"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"createdAt"`
	Messages  []Message `json:"messages"`
}

// NewConversation builds the record saved after a completed run. The
// completion is appended as an assistant message; the title derives from
// the first message, truncated to TitleMaxLength.
func NewConversation(id, ownerID string, history []Message, completion string, now time.Time) *Conversation {
	messages := make([]Message, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, Message{Role: RoleAssistant, Content: completion})

	title := ""
	if len(history) > 0 {
		title = truncate(history[0].Content, TitleMaxLength)
	}

	return &Conversation{
		ID:        id,
		OwnerID:   ownerID,
		Title:     title,
		Path:      "/chat/" + id,
		CreatedAt: now,
		Messages:  messages,
	}
}

// truncate shortens s to at most n characters without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
