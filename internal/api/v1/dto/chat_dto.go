package dto

import (
	"time"

	"coachapi/internal/model"
)

type ChatRequestDTO struct {
	Message   string `json:"message" validate:"required,max=8000"`
	SubjectID string `json:"subjectId,omitempty" validate:"omitempty,max=64"`
	Mode      string `json:"mode,omitempty" validate:"omitempty,max=32"`
}

type ChatResponseDTO struct {
	Reply     string    `json:"reply"`
	SubjectID string    `json:"subjectId,omitempty"`
	Usage     int       `json:"usage"`
	CreatedAt time.Time `json:"createdAt"`
}

type MessageResponseDTO struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

func NewThreadMessageDTOs(msgs []model.ThreadMessage) []MessageResponseDTO {
	out := make([]MessageResponseDTO, len(msgs))
	for i, m := range msgs {
		out[i] = MessageResponseDTO{ID: m.ID, Role: string(m.Role), Content: m.Content, CreatedAt: m.CreatedAt}
	}
	return out
}

func NewSubjectMessageDTOs(msgs []model.SubjectMessage) []MessageResponseDTO {
	out := make([]MessageResponseDTO, len(msgs))
	for i, m := range msgs {
		out[i] = MessageResponseDTO{ID: m.ID, Role: string(m.Role), Content: m.Content, CreatedAt: m.CreatedAt}
	}
	return out
}
