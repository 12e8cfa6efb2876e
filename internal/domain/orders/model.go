package orders

import (
	"time"

	"github.com/google/uuid"
)

// Status applies to both orders and their items. Items move independently;
// the order's status is an aggregate recomputed from the full item set.
type Status string

const (
	StatusOrdered    Status = "ordered"
	StatusInProgress Status = "in-progress"
	StatusReported   Status = "reported"
	StatusValidated  Status = "validated"
	StatusCancelled  Status = "cancelled"
)

var ValidStatuses = map[Status]bool{
	StatusOrdered:    true,
	StatusInProgress: true,
	StatusReported:   true,
	StatusValidated:  true,
	StatusCancelled:  true,
}

// LabOrder is the downstream push target for staged results: the specimen
// barcode plus each item's internal test id is how instrument data finds
// its way onto an order.
type LabOrder struct {
	ID                uuid.UUID       `db:"id" json:"id"`
	OrderNumber       string          `db:"order_number" json:"order_number"`
	PatientIdentifier string          `db:"patient_identifier" json:"patient_identifier,omitempty"`
	SpecimenBarcode   string          `db:"specimen_barcode" json:"specimen_barcode,omitempty"`
	Status            Status          `db:"status" json:"status"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
	Items             []*LabOrderItem `db:"-" json:"items,omitempty"`
}

type LabOrderItem struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	OrderID        uuid.UUID  `db:"order_id" json:"order_id"`
	InternalTestID int        `db:"internal_test_id" json:"internal_test_id"`
	ResultValue    string     `db:"result_value" json:"result_value,omitempty"`
	Units          string     `db:"units" json:"units,omitempty"`
	ReferenceRange string     `db:"reference_range" json:"reference_range,omitempty"`
	AbnormalFlag   string     `db:"abnormal_flag" json:"abnormal_flag,omitempty"`
	Status         Status     `db:"status" json:"status"`
	ReportedAt     *time.Time `db:"reported_at" json:"reported_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}
