package mapping

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no mapping matches the lookup.
	ErrNotFound = errors.New("mapping not found")
	// ErrDuplicateMapping is returned when the (device, external code) pair
	// is already mapped.
	ErrDuplicateMapping = errors.New("mapping already exists")
)

type Repository interface {
	Create(ctx context.Context, m *LabCodeMapping) error
	GetByID(ctx context.Context, id uuid.UUID) (*LabCodeMapping, error)
	Update(ctx context.Context, m *LabCodeMapping) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByDevice(ctx context.Context, deviceID uuid.UUID, limit, offset int) ([]*LabCodeMapping, int, error)
	// Resolve returns the active mapping for a device's external code.
	Resolve(ctx context.Context, deviceID uuid.UUID, externalCode string) (*LabCodeMapping, error)
}
