package staging

import (
	"context"
	"errors"

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

func (r *repoPG) Create(ctx context.Context, sr *StagedResult) error {
	sr.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO staged_results (id, message_id, patient_identifier, encounter_identifier,
			specimen_barcode, report_status, observed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		sr.ID, sr.MessageID, sr.PatientIdentifier, sr.EncounterIdentifier,
		sr.SpecimenBarcode, sr.ReportStatus, sr.ObservedAt)
	if err != nil {
		return err
	}

	for i, item := range sr.Items {
		item.ID = uuid.New()
		item.StagedResultID = sr.ID
		item.Position = i
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO staged_result_items (id, staged_result_id, position, external_code,
				internal_test_id, value_text, units, reference_range, abnormal_flag,
				status_code, observed_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			item.ID, item.StagedResultID, item.Position,
			wire.Truncate(item.ExternalCode, wire.CodeMaxLen),
			item.InternalTestID,
			wire.Truncate(item.ValueText, wire.ValueMaxLen),
			wire.Truncate(item.Units, wire.UnitsMaxLen),
			wire.Truncate(item.ReferenceRange, wire.RangeMaxLen),
			wire.Truncate(item.AbnormalFlag, wire.FlagMaxLen),
			wire.Truncate(item.StatusCode, wire.StatusMaxLen),
			item.ObservedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *repoPG) GetByMessage(ctx context.Context, messageID uuid.UUID) (*StagedResult, error) {
	var sr StagedResult
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, message_id, patient_identifier, encounter_identifier, specimen_barcode,
			report_status, observed_at, created_at
		FROM staged_results WHERE message_id = $1`, messageID).
		Scan(&sr.ID, &sr.MessageID, &sr.PatientIdentifier, &sr.EncounterIdentifier,
			&sr.SpecimenBarcode, &sr.ReportStatus, &sr.ObservedAt, &sr.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, staged_result_id, position, external_code, internal_test_id, value_text,
			units, reference_range, abnormal_flag, status_code, observed_at, created_at
		FROM staged_result_items WHERE staged_result_id = $1 ORDER BY position`, sr.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var it StagedResultItem
		if err := rows.Scan(&it.ID, &it.StagedResultID, &it.Position, &it.ExternalCode,
			&it.InternalTestID, &it.ValueText, &it.Units, &it.ReferenceRange,
			&it.AbnormalFlag, &it.StatusCode, &it.ObservedAt, &it.CreatedAt); err != nil {
			return nil, err
		}
		sr.Items = append(sr.Items, &it)
	}
	return &sr, rows.Err()
}

func (r *repoPG) DeleteByMessage(ctx context.Context, messageID uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx,
		`DELETE FROM staged_results WHERE message_id = $1`, messageID)
	return err
}

const unmappedSelect = `
	SELECT i.id, m.device_id, r.specimen_barcode, i.external_code, i.value_text,
		i.units, i.reference_range, i.abnormal_flag, i.status_code, i.observed_at
	FROM staged_result_items i
	JOIN staged_results r ON r.id = i.staged_result_id
	JOIN integration_messages m ON m.id = r.message_id
	WHERE i.internal_test_id IS NULL`

func (r *repoPG) ListUnmappedByDevice(ctx context.Context, deviceID uuid.UUID, limit int) ([]*UnmappedItem, error) {
	rows, err := r.conn(ctx).Query(ctx,
		unmappedSelect+` AND m.device_id = $1 ORDER BY i.created_at ASC LIMIT $2`,
		deviceID, limit)
	if err != nil {
		return nil, err
	}
	return scanUnmapped(rows)
}

func (r *repoPG) ListUnmappedBySpecimen(ctx context.Context, barcode string) ([]*UnmappedItem, error) {
	rows, err := r.conn(ctx).Query(ctx,
		unmappedSelect+` AND r.specimen_barcode = $1 ORDER BY i.created_at ASC`,
		barcode)
	if err != nil {
		return nil, err
	}
	return scanUnmapped(rows)
}

func scanUnmapped(rows pgx.Rows) ([]*UnmappedItem, error) {
	defer rows.Close()
	var items []*UnmappedItem
	for rows.Next() {
		var it UnmappedItem
		if err := rows.Scan(&it.ItemID, &it.DeviceID, &it.SpecimenBarcode, &it.ExternalCode,
			&it.ValueText, &it.Units, &it.ReferenceRange, &it.AbnormalFlag,
			&it.StatusCode, &it.ObservedAt); err != nil {
			return nil, err
		}
		items = append(items, &it)
	}
	return items, rows.Err()
}

func (r *repoPG) SetItemInternalTestID(ctx context.Context, itemID uuid.UUID, internalTestID int) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE staged_result_items SET internal_test_id = $2 WHERE id = $1`,
		itemID, internalTestID)
	return err
}
