package mapping

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lis/lis/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

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

const mapCols = `id, device_id, external_code, internal_test_id, active, updated_by, created_at, updated_at`

func scanMapping(row pgx.Row) (*LabCodeMapping, error) {
	var m LabCodeMapping
	err := row.Scan(&m.ID, &m.DeviceID, &m.ExternalCode, &m.InternalTestID, &m.Active,
		&m.UpdatedBy, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &m, err
}

func (r *repoPG) Create(ctx context.Context, m *LabCodeMapping) error {
	m.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO lab_code_mappings (id, device_id, external_code, internal_test_id, active, updated_by)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		m.ID, m.DeviceID, m.ExternalCode, m.InternalTestID, m.Active, m.UpdatedBy)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateMapping
	}
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*LabCodeMapping, error) {
	return scanMapping(r.conn(ctx).QueryRow(ctx, `SELECT `+mapCols+` FROM lab_code_mappings WHERE id = $1`, id))
}

func (r *repoPG) Update(ctx context.Context, m *LabCodeMapping) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE lab_code_mappings SET internal_test_id=$2, active=$3, updated_by=$4, updated_at=NOW()
		WHERE id = $1`,
		m.ID, m.InternalTestID, m.Active, m.UpdatedBy)
	return err
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM lab_code_mappings WHERE id = $1`, id)
	return err
}

func (r *repoPG) ListByDevice(ctx context.Context, deviceID uuid.UUID, limit, offset int) ([]*LabCodeMapping, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM lab_code_mappings WHERE device_id = $1`, deviceID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+mapCols+` FROM lab_code_mappings
		WHERE device_id = $1 ORDER BY external_code LIMIT $2 OFFSET $3`,
		deviceID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*LabCodeMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, m)
	}
	return items, total, nil
}

func (r *repoPG) Resolve(ctx context.Context, deviceID uuid.UUID, externalCode string) (*LabCodeMapping, error) {
	return scanMapping(r.conn(ctx).QueryRow(ctx, `
		SELECT `+mapCols+` FROM lab_code_mappings
		WHERE device_id = $1 AND external_code = $2 AND active = true`,
		deviceID, externalCode))
}
