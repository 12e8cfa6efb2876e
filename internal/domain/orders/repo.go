package orders

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("order not found")

	// ErrNoPushTarget means no item on any non-cancelled order matches a
	// (specimen barcode, internal test id) pair. Automap treats it as a
	// skip, not a failure.
	ErrNoPushTarget = errors.New("no matching order item")
)

type Filter struct {
	Status            Status
	SpecimenBarcode   string
	PatientIdentifier string
}

type Repository interface {
	Create(ctx context.Context, o *LabOrder) error
	GetByID(ctx context.Context, id uuid.UUID) (*LabOrder, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*LabOrder, int, error)

	// FindPushTarget returns the most recently created item matching
	// (specimen barcode, internal test id) whose order is not cancelled.
	FindPushTarget(ctx context.Context, specimenBarcode string, internalTestID int) (*LabOrderItem, error)

	ListItems(ctx context.Context, orderID uuid.UUID) ([]*LabOrderItem, error)
	UpdateItemResult(ctx context.Context, item *LabOrderItem) error
	UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, status Status) error
}
