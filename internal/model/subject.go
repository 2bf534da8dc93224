package model

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Mode is the coaching style a Subject or chat request runs in.
type Mode string

const (
	ModeGrounding     Mode = "grounding"
	ModeDiscipline    Mode = "discipline"
	ModeRelationships Mode = "relationships"
	ModeBusiness      Mode = "business"
	ModePurpose       Mode = "purpose"
)

var modes = map[Mode]struct{}{
	ModeGrounding:     {},
	ModeDiscipline:    {},
	ModeRelationships: {},
	ModeBusiness:      {},
	ModePurpose:       {},
}

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, bool) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	_, ok := modes[m]
	return m, ok
}

// Role tags a chat turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Subject is an owner-scoped chat thread.
type Subject struct {
	ID                 string    `db:"id" json:"id"`
	UserID             string    `db:"user_id" json:"user_id"`
	Title              string    `db:"title" json:"title"`
	Mode               Mode      `db:"mode" json:"mode"`
	LastMessagePreview *string   `db:"last_message_preview" json:"last_message_preview,omitempty"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time `db:"updated_at" json:"updated_at"`
}

// SubjectUpdate merges provided fields onto a Subject.
type SubjectUpdate struct {
	Title *string
	Mode  *Mode
}

// SubjectMessage is a single turn stored under a Subject.
type SubjectMessage struct {
	ID        string    `db:"id" json:"id"`
	SubjectID string    `db:"subject_id" json:"subject_id"`
	Role      Role      `db:"role" json:"role"`
	Content   string    `db:"content" json:"content"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// ThreadMessage is a turn in an Account's single persistent thread.
type ThreadMessage struct {
	ID        string    `db:"id" json:"id"`
	SessionID string    `db:"session_id" json:"session_id"`
	Role      Role      `db:"role" json:"role"`
	Content   string    `db:"content" json:"content"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Turn is a role-tagged message handed to the completion collaborator.
type Turn struct {
	Role    Role
	Content string
}

const previewMaxRunes = 120

// Preview collapses whitespace in content and truncates it for list views.
func Preview(content string) string {
	s := strings.Join(strings.Fields(content), " ")
	if utf8.RuneCountInString(s) <= previewMaxRunes {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:previewMaxRunes-1])) + "…"
}
