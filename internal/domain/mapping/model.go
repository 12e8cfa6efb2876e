package mapping

import (
	"time"

	"github.com/google/uuid"
)

// LabCodeMapping maps to the lab_code_mappings table: one device's external
// test code translated to an internal test identifier. Only active rows
// resolve during staging.
type LabCodeMapping struct {
	ID             uuid.UUID `db:"id" json:"id"`
	DeviceID       uuid.UUID `db:"device_id" json:"device_id"`
	ExternalCode   string    `db:"external_code" json:"external_code"`
	InternalTestID int       `db:"internal_test_id" json:"internal_test_id"`
	Active         bool      `db:"active" json:"active"`
	UpdatedBy      string    `db:"updated_by" json:"updated_by,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}
