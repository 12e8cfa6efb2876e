package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

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

const msgCols = `id, device_id, protocol, direction, status, message_type, message_control_id,
	facility_code, remote_ip, error_reason, raw_payload, parsed_summary, received_at, processed_at`

// listCols leaves out raw_payload: payloads can be kilobytes each and list
// endpoints never need them. The detail endpoint reads the full row.
const listCols = `id, device_id, protocol, direction, status, message_type, message_control_id,
	facility_code, remote_ip, error_reason, parsed_summary, received_at, processed_at`

func scanMessage(row pgx.Row) (*IntegrationMessage, error) {
	var m IntegrationMessage
	err := row.Scan(&m.ID, &m.DeviceID, &m.Protocol, &m.Direction, &m.Status, &m.MessageType,
		&m.MessageControlID, &m.FacilityCode, &m.RemoteIP, &m.ErrorReason, &m.RawPayload,
		&m.ParsedSummary, &m.ReceivedAt, &m.ProcessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &m, err
}

func scanMessageListRow(row pgx.Row) (*IntegrationMessage, error) {
	var m IntegrationMessage
	err := row.Scan(&m.ID, &m.DeviceID, &m.Protocol, &m.Direction, &m.Status, &m.MessageType,
		&m.MessageControlID, &m.FacilityCode, &m.RemoteIP, &m.ErrorReason,
		&m.ParsedSummary, &m.ReceivedAt, &m.ProcessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &m, err
}

func (r *repoPG) Insert(ctx context.Context, m *IntegrationMessage) error {
	m.ID = uuid.New()
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = time.Now().UTC()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO integration_messages (id, device_id, protocol, direction, status, message_type,
			message_control_id, facility_code, remote_ip, raw_payload, received_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		m.ID, m.DeviceID, m.Protocol, m.Direction, m.Status, m.MessageType,
		m.MessageControlID, m.FacilityCode, m.RemoteIP, m.RawPayload, m.ReceivedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateMessage
	}
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*IntegrationMessage, error) {
	return scanMessage(r.conn(ctx).QueryRow(ctx,
		`SELECT `+msgCols+` FROM integration_messages WHERE id = $1`, id))
}

func (r *repoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*IntegrationMessage, int, error) {
	query := `SELECT ` + listCols + ` FROM integration_messages WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM integration_messages WHERE 1=1`
	var args []interface{}
	idx := 1

	if f.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, idx)
		countQuery += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, f.Status)
		idx++
	}
	if f.DeviceID != nil {
		query += fmt.Sprintf(` AND device_id = $%d`, idx)
		countQuery += fmt.Sprintf(` AND device_id = $%d`, idx)
		args = append(args, *f.DeviceID)
		idx++
	}
	if f.From != nil {
		query += fmt.Sprintf(` AND received_at >= $%d`, idx)
		countQuery += fmt.Sprintf(` AND received_at >= $%d`, idx)
		args = append(args, *f.From)
		idx++
	}
	if f.To != nil {
		query += fmt.Sprintf(` AND received_at <= $%d`, idx)
		countQuery += fmt.Sprintf(` AND received_at <= $%d`, idx)
		args = append(args, *f.To)
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += fmt.Sprintf(` ORDER BY received_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*IntegrationMessage
	for rows.Next() {
		m, err := scanMessageListRow(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, m)
	}
	return items, total, nil
}

func (r *repoPG) MarkParsed(ctx context.Context, id uuid.UUID, summary json.RawMessage) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE integration_messages
		SET status = $2, parsed_summary = $3, error_reason = NULL
		WHERE id = $1`, id, StatusParsed, summary)
	return err
}

func (r *repoPG) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE integration_messages
		SET status = $2, processed_at = NOW(), error_reason = NULL
		WHERE id = $1`, id, StatusProcessed)
	return err
}

func (r *repoPG) MarkError(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE integration_messages
		SET status = $2, error_reason = $3
		WHERE id = $1`, id, StatusError, reason)
	return err
}

func (r *repoPG) ResetForReprocess(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE integration_messages
		SET status = $2, error_reason = NULL, parsed_summary = NULL, processed_at = NULL
		WHERE id = $1`, id, StatusReceived)
	return err
}

func (r *repoPG) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByStatus: make(map[Status]int)}

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT status, COUNT(*) FROM integration_messages GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var s Status
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		stats.ByStatus[s] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM integration_messages
		WHERE received_at > NOW() - INTERVAL '24 hours'`).Scan(&stats.Last24h); err != nil {
		return nil, err
	}

	devRows, err := r.conn(ctx).Query(ctx, `
		SELECT device_id, COUNT(*) AS total FROM integration_messages
		GROUP BY device_id ORDER BY total DESC`)
	if err != nil {
		return nil, err
	}
	defer devRows.Close()
	for devRows.Next() {
		var dc DeviceCount
		if err := devRows.Scan(&dc.DeviceID, &dc.Count); err != nil {
			return nil, err
		}
		stats.ByDevice = append(stats.ByDevice, dc)
	}
	return stats, devRows.Err()
}
