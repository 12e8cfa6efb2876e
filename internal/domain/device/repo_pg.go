package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lis/lis/internal/platform/db"
	"github.com/lis/lis/internal/platform/wire"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// =========== Device Repository ===========

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const devCols = `id, name, protocol, facility_code, enabled, ip_allow_list,
	secret_hash, last_seen_at, last_error_at, last_error, created_at, updated_at`

func scanDevice(row pgx.Row) (*Device, error) {
	var d Device
	err := row.Scan(&d.ID, &d.Name, &d.Protocol, &d.FacilityCode, &d.Enabled, &d.IPAllowList,
		&d.SecretHash, &d.LastSeenAt, &d.LastErrorAt, &d.LastError, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &d, err
}

func (r *repoPG) Create(ctx context.Context, d *Device) error {
	d.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO devices (id, name, protocol, facility_code, enabled, ip_allow_list, secret_hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		d.ID, d.Name, d.Protocol, d.FacilityCode, d.Enabled, d.IPAllowList, d.SecretHash)
	if isUniqueViolation(err) {
		return ErrDuplicateRoute
	}
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Device, error) {
	return scanDevice(r.conn(ctx).QueryRow(ctx, `SELECT `+devCols+` FROM devices WHERE id = $1`, id))
}

func (r *repoPG) Update(ctx context.Context, d *Device) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE devices SET name=$2, protocol=$3, facility_code=$4, enabled=$5,
			ip_allow_list=$6, updated_at=NOW()
		WHERE id = $1`,
		d.ID, d.Name, d.Protocol, d.FacilityCode, d.Enabled, d.IPAllowList)
	if isUniqueViolation(err) {
		return ErrDuplicateRoute
	}
	return err
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM devices WHERE id = $1`, id)
	return err
}

func (r *repoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Device, int, error) {
	query := `SELECT ` + devCols + ` FROM devices WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM devices WHERE 1=1`
	var args []interface{}
	idx := 1

	if f.Protocol != "" {
		query += fmt.Sprintf(` AND protocol = $%d`, idx)
		countQuery += fmt.Sprintf(` AND protocol = $%d`, idx)
		args = append(args, f.Protocol)
		idx++
	}
	if f.FacilityCode != "" {
		query += fmt.Sprintf(` AND facility_code = $%d`, idx)
		countQuery += fmt.Sprintf(` AND facility_code = $%d`, idx)
		args = append(args, f.FacilityCode)
		idx++
	}
	if f.Enabled != nil {
		query += fmt.Sprintf(` AND enabled = $%d`, idx)
		countQuery += fmt.Sprintf(` AND enabled = $%d`, idx)
		args = append(args, *f.Enabled)
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, d)
	}
	return items, total, nil
}

func (r *repoPG) FindByRoute(ctx context.Context, protocol wire.Protocol, facilityCode string) (*Device, error) {
	return scanDevice(r.conn(ctx).QueryRow(ctx, `
		SELECT `+devCols+` FROM devices
		WHERE protocol = $1 AND facility_code = $2 AND enabled = true`,
		protocol, facilityCode))
}

func (r *repoPG) FindByFacility(ctx context.Context, facilityCode string) (*Device, error) {
	return scanDevice(r.conn(ctx).QueryRow(ctx, `
		SELECT `+devCols+` FROM devices
		WHERE facility_code = $1 AND enabled = true
		ORDER BY created_at ASC LIMIT 1`,
		facilityCode))
}

func (r *repoPG) RecordHeartbeat(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `UPDATE devices SET last_seen_at = NOW() WHERE id = $1`, id)
	return err
}

func (r *repoPG) RecordError(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE devices SET last_error_at = NOW(), last_error = $2 WHERE id = $1`, id, reason)
	return err
}

func (r *repoPG) UpdateSecretHash(ctx context.Context, id uuid.UUID, hash string) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE devices SET secret_hash = $2, updated_at = NOW() WHERE id = $1`, id, hash)
	return err
}

// =========== FacilityRoute Repository ===========

// The registry lives in the shared schema so transports can resolve the
// owning tenant before any search_path is set. Queries are schema-qualified
// for that reason.

type routeRepoPG struct{ pool *pgxpool.Pool }

func NewRouteRepoPG(pool *pgxpool.Pool) RouteRepository { return &routeRepoPG{pool: pool} }

func (r *routeRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *routeRepoPG) Upsert(ctx context.Context, route *FacilityRoute) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO shared.facility_routes (protocol, facility_code, tenant_id, device_id, updated_at)
		VALUES ($1,$2,$3,$4,NOW())
		ON CONFLICT (protocol, facility_code)
		DO UPDATE SET tenant_id = EXCLUDED.tenant_id, device_id = EXCLUDED.device_id, updated_at = NOW()`,
		route.Protocol, route.FacilityCode, route.TenantID, route.DeviceID)
	return err
}

func (r *routeRepoPG) Delete(ctx context.Context, protocol wire.Protocol, facilityCode string) error {
	_, err := r.conn(ctx).Exec(ctx, `
		DELETE FROM shared.facility_routes WHERE protocol = $1 AND facility_code = $2`,
		protocol, facilityCode)
	return err
}

func (r *routeRepoPG) Resolve(ctx context.Context, protocol wire.Protocol, facilityCode string) (*FacilityRoute, error) {
	var fr FacilityRoute
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT protocol, facility_code, tenant_id, device_id, updated_at
		FROM shared.facility_routes WHERE protocol = $1 AND facility_code = $2`,
		protocol, facilityCode).
		Scan(&fr.Protocol, &fr.FacilityCode, &fr.TenantID, &fr.DeviceID, &fr.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &fr, nil
}
