package device

import (
	"time"

	"github.com/google/uuid"

	"github.com/lis/lis/internal/platform/wire"
)

// Device maps to the devices table: one lab instrument or integration
// endpoint. Tenancy is carried by the schema the row lives in.
type Device struct {
	ID           uuid.UUID     `db:"id" json:"id"`
	Name         string        `db:"name" json:"name"`
	Protocol     wire.Protocol `db:"protocol" json:"protocol"`
	FacilityCode string        `db:"facility_code" json:"facility_code"`
	Enabled      bool          `db:"enabled" json:"enabled"`
	IPAllowList  []string      `db:"ip_allow_list" json:"ip_allow_list,omitempty"`
	SecretHash   *string       `db:"secret_hash" json:"-"`
	LastSeenAt   *time.Time    `db:"last_seen_at" json:"last_seen_at,omitempty"`
	LastErrorAt  *time.Time    `db:"last_error_at" json:"last_error_at,omitempty"`
	LastError    *string       `db:"last_error" json:"last_error,omitempty"`
	CreatedAt    time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time     `db:"updated_at" json:"updated_at"`
}

// AllowsIP reports whether a sender address passes the device allow-list.
// An empty list admits everyone; an unknown remote address is not blocked
// (the transport may legitimately hide it).
func (d *Device) AllowsIP(remoteIP string) bool {
	if len(d.IPAllowList) == 0 || remoteIP == "" {
		return true
	}
	for _, ip := range d.IPAllowList {
		if ip == remoteIP {
			return true
		}
	}
	return false
}

// FacilityRoute maps to the shared.facility_routes table: the cross-tenant
// registry resolving (protocol, facility code) to the owning tenant before
// a tenant schema can be selected. Maintained by the device service.
type FacilityRoute struct {
	Protocol     wire.Protocol `db:"protocol" json:"protocol"`
	FacilityCode string        `db:"facility_code" json:"facility_code"`
	TenantID     string        `db:"tenant_id" json:"tenant_id"`
	DeviceID     uuid.UUID     `db:"device_id" json:"device_id"`
	UpdatedAt    time.Time     `db:"updated_at" json:"updated_at"`
}
