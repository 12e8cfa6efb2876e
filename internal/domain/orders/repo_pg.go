package orders

import (
	"context"
	"errors"
	"fmt"

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

const orderCols = `id, order_number, patient_identifier, specimen_barcode, status, created_at, updated_at`

const itemCols = `id, order_id, internal_test_id, result_value, units, reference_range,
	abnormal_flag, status, reported_at, created_at`

func scanOrder(row pgx.Row) (*LabOrder, error) {
	var o LabOrder
	err := row.Scan(&o.ID, &o.OrderNumber, &o.PatientIdentifier, &o.SpecimenBarcode,
		&o.Status, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &o, err
}

func scanItem(row pgx.Row) (*LabOrderItem, error) {
	var it LabOrderItem
	err := row.Scan(&it.ID, &it.OrderID, &it.InternalTestID, &it.ResultValue, &it.Units,
		&it.ReferenceRange, &it.AbnormalFlag, &it.Status, &it.ReportedAt, &it.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoPushTarget
	}
	return &it, err
}

func (r *repoPG) Create(ctx context.Context, o *LabOrder) error {
	o.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO lab_orders (id, order_number, patient_identifier, specimen_barcode, status)
		VALUES ($1,$2,$3,$4,$5)`,
		o.ID, o.OrderNumber, o.PatientIdentifier, o.SpecimenBarcode, o.Status)
	if err != nil {
		return err
	}

	for _, item := range o.Items {
		item.ID = uuid.New()
		item.OrderID = o.ID
		if item.Status == "" {
			item.Status = StatusOrdered
		}
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO lab_order_items (id, order_id, internal_test_id, status)
			VALUES ($1,$2,$3,$4)`,
			item.ID, item.OrderID, item.InternalTestID, item.Status)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*LabOrder, error) {
	o, err := scanOrder(r.conn(ctx).QueryRow(ctx,
		`SELECT `+orderCols+` FROM lab_orders WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	o.Items, err = r.ListItems(ctx, o.ID)
	return o, err
}

func (r *repoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*LabOrder, int, error) {
	query := `SELECT ` + orderCols + ` FROM lab_orders WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM lab_orders WHERE 1=1`
	var args []interface{}
	idx := 1

	if f.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, idx)
		countQuery += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, f.Status)
		idx++
	}
	if f.SpecimenBarcode != "" {
		query += fmt.Sprintf(` AND specimen_barcode = $%d`, idx)
		countQuery += fmt.Sprintf(` AND specimen_barcode = $%d`, idx)
		args = append(args, f.SpecimenBarcode)
		idx++
	}
	if f.PatientIdentifier != "" {
		query += fmt.Sprintf(` AND patient_identifier = $%d`, idx)
		countQuery += fmt.Sprintf(` AND patient_identifier = $%d`, idx)
		args = append(args, f.PatientIdentifier)
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
	var out []*LabOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, o)
	}
	return out, total, nil
}

func (r *repoPG) FindPushTarget(ctx context.Context, specimenBarcode string, internalTestID int) (*LabOrderItem, error) {
	return scanItem(r.conn(ctx).QueryRow(ctx, `
		SELECT i.id, i.order_id, i.internal_test_id, i.result_value, i.units, i.reference_range,
			i.abnormal_flag, i.status, i.reported_at, i.created_at
		FROM lab_order_items i
		JOIN lab_orders o ON o.id = i.order_id
		WHERE o.specimen_barcode = $1 AND i.internal_test_id = $2 AND o.status <> $3
		ORDER BY i.created_at DESC
		LIMIT 1`,
		specimenBarcode, internalTestID, StatusCancelled))
}

func (r *repoPG) ListItems(ctx context.Context, orderID uuid.UUID) ([]*LabOrderItem, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+itemCols+` FROM lab_order_items WHERE order_id = $1 ORDER BY created_at`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*LabOrderItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (r *repoPG) UpdateItemResult(ctx context.Context, item *LabOrderItem) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE lab_order_items
		SET result_value=$2, units=$3, reference_range=$4, abnormal_flag=$5, status=$6, reported_at=$7
		WHERE id = $1`,
		item.ID, item.ResultValue, item.Units, item.ReferenceRange, item.AbnormalFlag,
		item.Status, item.ReportedAt)
	return err
}

func (r *repoPG) UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, status Status) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE lab_orders SET status = $2, updated_at = NOW() WHERE id = $1`, orderID, status)
	return err
}
