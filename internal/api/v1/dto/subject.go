package dto

import (
	"time"

	"coachapi/internal/model"
)

// SubjectCreateDTO fields are checked by the subject service so that missing
// values map to INVALID_TITLE and INVALID_MODE.
type SubjectCreateDTO struct {
	Title string `json:"title" validate:"max=1000"`
	Mode  string `json:"mode" validate:"max=32"`
}

type SubjectUpdateDTO struct {
	Title *string `json:"title,omitempty" validate:"omitempty,max=1000"`
	Mode  *string `json:"mode,omitempty" validate:"omitempty,max=32"`
}

type SubjectResponseDTO struct {
	ID                 string    `json:"id"`
	Title              string    `json:"title"`
	Mode               string    `json:"mode"`
	LastMessagePreview *string   `json:"lastMessagePreview"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

func NewSubjectResponseDTO(s *model.Subject) SubjectResponseDTO {
	return SubjectResponseDTO{
		ID:                 s.ID,
		Title:              s.Title,
		Mode:               string(s.Mode),
		LastMessagePreview: s.LastMessagePreview,
		CreatedAt:          s.CreatedAt,
		UpdatedAt:          s.UpdatedAt,
	}
}
