package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/lis/lis/internal/platform/auth"
	"github.com/lis/lis/internal/platform/db"
	"github.com/lis/lis/internal/platform/wire"
)

// ErrAuthFailed is returned for every failed device-key verification.
// Deliberately carries no detail about which check failed.
var ErrAuthFailed = errors.New("device authentication failed")

type Service struct {
	repo   Repository
	routes RouteRepository
}

func NewService(repo Repository, routes RouteRepository) *Service {
	return &Service{repo: repo, routes: routes}
}

func (s *Service) validate(d *Device) error {
	if d.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !wire.ValidProtocols[d.Protocol] {
		return fmt.Errorf("invalid protocol: %s", d.Protocol)
	}
	if d.FacilityCode == "" {
		return fmt.Errorf("facility_code is required")
	}
	return nil
}

// Create registers a device and mints its shared secret. The raw key is
// returned exactly once; only its salted hash is persisted. New devices
// start enabled.
func (s *Service) Create(ctx context.Context, d *Device) (rawKey string, err error) {
	if err := s.validate(d); err != nil {
		return "", err
	}
	rawKey, hash, err := auth.GenerateDeviceKey()
	if err != nil {
		return "", fmt.Errorf("generating device secret: %w", err)
	}
	d.SecretHash = &hash
	d.Enabled = true
	if err := s.repo.Create(ctx, d); err != nil {
		return "", err
	}
	if err := s.upsertRoute(ctx, d); err != nil {
		return "", fmt.Errorf("registering facility route: %w", err)
	}
	return rawKey, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Device, error) {
	return s.repo.GetByID(ctx, id)
}

// Update rewrites the mutable fields and keeps the shared route registry in
// step when the routing key moves.
func (s *Service) Update(ctx context.Context, d *Device) error {
	if err := s.validate(d); err != nil {
		return err
	}
	existing, err := s.repo.GetByID(ctx, d.ID)
	if err != nil {
		return err
	}
	if err := s.repo.Update(ctx, d); err != nil {
		return err
	}
	if existing.Protocol != d.Protocol || existing.FacilityCode != d.FacilityCode {
		if err := s.routes.Delete(ctx, existing.Protocol, existing.FacilityCode); err != nil {
			return fmt.Errorf("dropping stale facility route: %w", err)
		}
	}
	if err := s.upsertRoute(ctx, d); err != nil {
		return fmt.Errorf("registering facility route: %w", err)
	}
	return nil
}

func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	d, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	return s.routes.Delete(ctx, d.Protocol, d.FacilityCode)
}

func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]*Device, int, error) {
	return s.repo.List(ctx, f, limit, offset)
}

func (s *Service) FindByRoute(ctx context.Context, protocol wire.Protocol, facilityCode string) (*Device, error) {
	return s.repo.FindByRoute(ctx, protocol, facilityCode)
}

func (s *Service) FindByFacility(ctx context.Context, facilityCode string) (*Device, error) {
	return s.repo.FindByFacility(ctx, facilityCode)
}

// ResolveTenant answers which tenant owns a routing key. Used by transports
// before any tenant schema is selected.
func (s *Service) ResolveTenant(ctx context.Context, protocol wire.Protocol, facilityCode string) (*FacilityRoute, error) {
	return s.routes.Resolve(ctx, protocol, facilityCode)
}

// RotateSecret replaces the device key and returns the new raw key once.
func (s *Service) RotateSecret(ctx context.Context, id uuid.UUID) (string, error) {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return "", err
	}
	rawKey, hash, err := auth.GenerateDeviceKey()
	if err != nil {
		return "", fmt.Errorf("generating device secret: %w", err)
	}
	if err := s.repo.UpdateSecretHash(ctx, id, hash); err != nil {
		return "", err
	}
	return rawKey, nil
}

// Authenticate verifies a pushed device key. Every failure mode collapses
// to ErrAuthFailed so callers cannot distinguish a missing device from a
// wrong key.
func (s *Service) Authenticate(ctx context.Context, id uuid.UUID, rawKey string) (*Device, error) {
	d, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, ErrAuthFailed
	}
	if !d.Enabled || d.SecretHash == nil {
		return nil, ErrAuthFailed
	}
	if !auth.VerifyDeviceKey(*d.SecretHash, rawKey) {
		return nil, ErrAuthFailed
	}
	return d, nil
}

func (s *Service) Heartbeat(ctx context.Context, id uuid.UUID) error {
	return s.repo.RecordHeartbeat(ctx, id)
}

func (s *Service) RecordError(ctx context.Context, id uuid.UUID, reason string) error {
	return s.repo.RecordError(ctx, id, reason)
}

func (s *Service) upsertRoute(ctx context.Context, d *Device) error {
	return s.routes.Upsert(ctx, &FacilityRoute{
		Protocol:     d.Protocol,
		FacilityCode: d.FacilityCode,
		TenantID:     db.TenantFromContext(ctx),
		DeviceID:     d.ID,
	})
}
