package dto

import "coachapi/internal/model"

// SessionResponseDTO is returned by the session endpoints.
type SessionResponseDTO struct {
	SessionID string `json:"sessionId"`
}

// OnboardingRequestDTO is used for incoming onboarding submissions
type OnboardingRequestDTO struct {
	Name          *string `json:"name,omitempty" validate:"omitempty,max=200"`
	PrimaryFocus  *string `json:"primaryFocus,omitempty" validate:"omitempty,max=500"`
	PreferredMode *string `json:"preferredMode,omitempty" validate:"omitempty,max=32"`
	Goal30        *string `json:"goal30,omitempty" validate:"omitempty,max=1000"`
	Skipped       *bool   `json:"skipped,omitempty"`
}

func (d OnboardingRequestDTO) ProfileUpdate() model.ProfileUpdate {
	return model.ProfileUpdate{
		Name:              d.Name,
		PrimaryFocus:      d.PrimaryFocus,
		PreferredMode:     d.PreferredMode,
		Goal30:            d.Goal30,
		OnboardingSkipped: d.Skipped,
	}
}

// ProfileResponseDTO is returned in API responses
type ProfileResponseDTO struct {
	SessionID          string  `json:"sessionId"`
	Name               *string `json:"name"`
	PrimaryFocus       *string `json:"primaryFocus"`
	PreferredMode      *string `json:"preferredMode"`
	Goal30             *string `json:"goal30"`
	OnboardingComplete bool    `json:"onboardingComplete"`
	OnboardingSkipped  bool    `json:"onboardingSkipped"`
}

func NewProfileResponseDTO(a *model.Account) ProfileResponseDTO {
	return ProfileResponseDTO{
		SessionID:          a.SessionID,
		Name:               a.Name,
		PrimaryFocus:       a.PrimaryFocus,
		PreferredMode:      a.PreferredMode,
		Goal30:             a.Goal30,
		OnboardingComplete: a.OnboardingComplete,
		OnboardingSkipped:  a.OnboardingSkipped,
	}
}

type CheckoutRequestDTO struct {
	Plan string `json:"plan" validate:"required,oneof=starter pro elite"`
}

type URLResponseDTO struct {
	URL string `json:"url"`
}
