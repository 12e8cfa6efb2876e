package device

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/lis/lis/internal/platform/wire"
)

var (
	// ErrNotFound is returned when no device matches the lookup.
	ErrNotFound = errors.New("device not found")
	// ErrDuplicateRoute is returned when another device already claims the
	// same (protocol, facility code) pair.
	ErrDuplicateRoute = errors.New("device route already registered")
)

// Filter narrows List results. Zero values mean "no constraint".
type Filter struct {
	Protocol     wire.Protocol
	FacilityCode string
	Enabled      *bool
}

type Repository interface {
	Create(ctx context.Context, d *Device) error
	GetByID(ctx context.Context, id uuid.UUID) (*Device, error)
	Update(ctx context.Context, d *Device) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, f Filter, limit, offset int) ([]*Device, int, error)
	// FindByRoute resolves an enabled device by its routing key.
	FindByRoute(ctx context.Context, protocol wire.Protocol, facilityCode string) (*Device, error)
	// FindByFacility resolves an enabled device by facility code alone,
	// any protocol. When several match, the oldest registration wins.
	FindByFacility(ctx context.Context, facilityCode string) (*Device, error)
	// RecordHeartbeat stamps last_seen_at; RecordError stamps the error pair.
	RecordHeartbeat(ctx context.Context, id uuid.UUID) error
	RecordError(ctx context.Context, id uuid.UUID, reason string) error
	UpdateSecretHash(ctx context.Context, id uuid.UUID, hash string) error
}

// RouteRepository maintains the shared facility-route registry consulted by
// transports before any tenant schema is known.
type RouteRepository interface {
	Upsert(ctx context.Context, route *FacilityRoute) error
	Delete(ctx context.Context, protocol wire.Protocol, facilityCode string) error
	Resolve(ctx context.Context, protocol wire.Protocol, facilityCode string) (*FacilityRoute, error)
}
