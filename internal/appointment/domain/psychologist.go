package domain

import (
	"time"

	"github.com/google/uuid"
)

// Psychologist is a provider receiving appointments.
type Psychologist struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewPsychologist creates an active psychologist.
func NewPsychologist(name, email string, now time.Time) Psychologist {
	return Psychologist{
		ID:        uuid.Must(uuid.NewV7()),
		Name:      name,
		Email:     email,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// WithActive returns a copy with the active flag replaced.
func (p Psychologist) WithActive(active bool, now time.Time) Psychologist {
	p.Active = active
	p.UpdatedAt = now
	return p
}
