package domain

import (
	"fmt"
	"strings"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleUser:
		return RoleUser, nil
	case RoleAssistant:
		return RoleAssistant, nil
	default:
		return "", WrapError(ErrInvalidInput, "parse role", fmt.Errorf("role must be either %q or %q, got %q", RoleUser, RoleAssistant, raw))
	}
}

// Message is immutable once built; construct it with NewMessage.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

func NewMessage(role, content string) (Message, error) {
	parsed, err := ParseRole(role)
	if err != nil {
		return Message{}, err
	}
	if strings.TrimSpace(content) == "" {
		return Message{}, WrapError(ErrInvalidInput, "new message", fmt.Errorf("content must be a non-empty string"))
	}
	return Message{Role: parsed, Content: content}, nil
}

// Validate re-checks a message that did not come from NewMessage, e.g. one
// decoded from storage or a request body.
func (m Message) Validate() error {
	_, err := NewMessage(string(m.Role), m.Content)
	return err
}

// ValidateAlternation checks that a non-empty sequence starts with a user
// message and that roles strictly alternate.
func ValidateAlternation(messages []Message) error {
	if len(messages) == 0 {
		return nil
	}
	if messages[0].Role != RoleUser {
		return WrapError(ErrInvalidInput, "validate alternation", fmt.Errorf("the first message must be from the user, got %q", messages[0].Role))
	}
	for i := 1; i < len(messages); i++ {
		if messages[i].Role == messages[i-1].Role {
			return WrapError(ErrInvalidInput, "validate alternation", fmt.Errorf("roles must alternate: messages %d and %d are both %q", i-1, i, messages[i].Role))
		}
	}
	return nil
}

// Conversation is a role-alternating message log plus the evidence collected
// across its turns.
type Conversation struct {
	ID       string      `json:"id"`
	Messages []Message   `json:"messages"`
	Evidence EvidenceMap `json:"docs"`
}

func NewConversation(id string) *Conversation {
	return &Conversation{
		ID:       id,
		Messages: []Message{},
		Evidence: EvidenceMap{},
	}
}

// Append validates the combined sequence and only then commits it.
func (c *Conversation) Append(messages ...Message) error {
	for _, msg := range messages {
		if err := msg.Validate(); err != nil {
			return err
		}
	}
	combined := make([]Message, 0, len(c.Messages)+len(messages))
	combined = append(combined, c.Messages...)
	combined = append(combined, messages...)
	if err := ValidateAlternation(combined); err != nil {
		return err
	}
	c.Messages = combined
	return nil
}

// CanAcceptUserTurn reports whether a user message may be appended next.
func (c *Conversation) CanAcceptUserTurn() bool {
	return len(c.Messages) == 0 || c.Messages[len(c.Messages)-1].Role == RoleAssistant
}

func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := &Conversation{
		ID:       c.ID,
		Messages: make([]Message, len(c.Messages)),
		Evidence: c.Evidence.Clone(),
	}
	copy(out.Messages, c.Messages)
	return out
}

func ValidateConversationID(id string) error {
	if strings.TrimSpace(id) == "" {
		return WrapError(ErrInvalidInput, "validate conversation id", fmt.Errorf("conversation id is required"))
	}
	return nil
}
