// Package domain defines the scheduling entities and the inbound confirmation messages.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Patient is a person booking appointments. Values are immutable; use the With helpers to
// derive updated copies.
type Patient struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewPatient creates a patient with a new UUIDv7.
func NewPatient(name, email, phone string, now time.Time) Patient {
	return Patient{
		ID:        uuid.Must(uuid.NewV7()),
		Name:      name,
		Email:     email,
		Phone:     phone,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// WithPhone returns a copy with the phone replaced.
func (p Patient) WithPhone(phone string, now time.Time) Patient {
	p.Phone = phone
	p.UpdatedAt = now
	return p
}

// WithName returns a copy with the name replaced.
func (p Patient) WithName(name string, now time.Time) Patient {
	p.Name = name
	p.UpdatedAt = now
	return p
}
