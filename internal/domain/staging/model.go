package staging

import (
	"time"

	"github.com/google/uuid"
)

// StagedResult is the header written for every successfully parsed
// message: one per message, holding the subject identifiers shared by all
// items. Staged data is the holding area between "parsed" and "pushed to
// an order" and is deleted wholesale on reprocess.
type StagedResult struct {
	ID                  uuid.UUID           `db:"id" json:"id"`
	MessageID           uuid.UUID           `db:"message_id" json:"message_id"`
	PatientIdentifier   string              `db:"patient_identifier" json:"patient_identifier,omitempty"`
	EncounterIdentifier string              `db:"encounter_identifier" json:"encounter_identifier,omitempty"`
	SpecimenBarcode     string              `db:"specimen_barcode" json:"specimen_barcode,omitempty"`
	ReportStatus        string              `db:"report_status" json:"report_status,omitempty"`
	ObservedAt          *time.Time          `db:"observed_at" json:"observed_at,omitempty"`
	CreatedAt           time.Time           `db:"created_at" json:"created_at"`
	Items               []*StagedResultItem `db:"-" json:"items,omitempty"`
}

// StagedResultItem is one analyte line. InternalTestID stays nil until a
// code mapping resolves it, inline during staging or later by automap.
type StagedResultItem struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	StagedResultID uuid.UUID  `db:"staged_result_id" json:"staged_result_id"`
	Position       int        `db:"position" json:"position"`
	ExternalCode   string     `db:"external_code" json:"external_code"`
	InternalTestID *int       `db:"internal_test_id" json:"internal_test_id,omitempty"`
	ValueText      string     `db:"value_text" json:"value_text,omitempty"`
	Units          string     `db:"units" json:"units,omitempty"`
	ReferenceRange string     `db:"reference_range" json:"reference_range,omitempty"`
	AbnormalFlag   string     `db:"abnormal_flag" json:"abnormal_flag,omitempty"`
	StatusCode     string     `db:"status_code" json:"status_code,omitempty"`
	ObservedAt     *time.Time `db:"observed_at" json:"observed_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

// UnmappedItem is the automap working view: a staged item still missing
// its internal test id, joined with the owning header's specimen barcode
// and the source message's device.
type UnmappedItem struct {
	ItemID          uuid.UUID  `json:"item_id"`
	DeviceID        *uuid.UUID `json:"device_id,omitempty"`
	SpecimenBarcode string     `json:"specimen_barcode,omitempty"`
	ExternalCode    string     `json:"external_code"`
	ValueText       string     `json:"value_text,omitempty"`
	Units           string     `json:"units,omitempty"`
	ReferenceRange  string     `json:"reference_range,omitempty"`
	AbnormalFlag    string     `json:"abnormal_flag,omitempty"`
	StatusCode      string     `json:"status_code,omitempty"`
	ObservedAt      *time.Time `json:"observed_at,omitempty"`
}
