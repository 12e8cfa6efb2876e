package mapping

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/lis/lis/internal/platform/auth"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) Create(ctx context.Context, m *LabCodeMapping) error {
	if m.DeviceID == uuid.Nil {
		return fmt.Errorf("device_id is required")
	}
	if m.ExternalCode == "" {
		return fmt.Errorf("external_code is required")
	}
	if m.InternalTestID <= 0 {
		return fmt.Errorf("internal_test_id must be positive")
	}
	m.Active = true
	if m.UpdatedBy == "" {
		m.UpdatedBy = auth.UserIDFromContext(ctx)
	}
	return s.repo.Create(ctx, m)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*LabCodeMapping, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) Update(ctx context.Context, m *LabCodeMapping) error {
	if m.InternalTestID <= 0 {
		return fmt.Errorf("internal_test_id must be positive")
	}
	if _, err := s.repo.GetByID(ctx, m.ID); err != nil {
		return err
	}
	if m.UpdatedBy == "" {
		m.UpdatedBy = auth.UserIDFromContext(ctx)
	}
	return s.repo.Update(ctx, m)
}

func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	return s.repo.Delete(ctx, id)
}

func (s *Service) ListByDevice(ctx context.Context, deviceID uuid.UUID, limit, offset int) ([]*LabCodeMapping, int, error) {
	return s.repo.ListByDevice(ctx, deviceID, limit, offset)
}

// Resolve looks up the active mapping for a device's external code.
// Returns ErrNotFound when the code is unmapped; callers treat that as a
// soft condition, never a failure.
func (s *Service) Resolve(ctx context.Context, deviceID uuid.UUID, externalCode string) (*LabCodeMapping, error) {
	return s.repo.Resolve(ctx, deviceID, externalCode)
}
