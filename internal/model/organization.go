package model

import (
	"time"

	"github.com/google/uuid"
)

type OrganizationStatus string

const (
	OrganizationStatusActive    OrganizationStatus = "active"
	OrganizationStatusSuspended OrganizationStatus = "suspended"
)

// Organization is the access record the dunning engine suspends and restores
type Organization struct {
	ID           uuid.UUID          `db:"id" json:"id"`
	Status       OrganizationStatus `db:"status" json:"status"`
	StatusReason *string            `db:"status_reason" json:"status_reason,omitempty"`
	CreatedAt    time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time          `db:"updated_at" json:"updated_at"`
}
