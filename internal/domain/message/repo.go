package message

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("message not found")

	// ErrDuplicateMessage is returned by Insert when the dedup key
	// (device_id, message_control_id) already exists. The original row
	// is untouched; no second row is written.
	ErrDuplicateMessage = errors.New("duplicate message")
)

type Filter struct {
	Status   Status
	DeviceID *uuid.UUID
	From     *time.Time
	To       *time.Time
}

type Repository interface {
	// Insert writes a new RECEIVED row. Dedup is enforced by the storage
	// layer: a unique-index conflict surfaces as ErrDuplicateMessage.
	Insert(ctx context.Context, m *IntegrationMessage) error
	GetByID(ctx context.Context, id uuid.UUID) (*IntegrationMessage, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*IntegrationMessage, int, error)

	MarkParsed(ctx context.Context, id uuid.UUID, summary json.RawMessage) error
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	MarkError(ctx context.Context, id uuid.UUID, reason string) error

	// ResetForReprocess returns a message to RECEIVED with error,
	// summary and processed-at cleared. The raw payload is untouched.
	ResetForReprocess(ctx context.Context, id uuid.UUID) error

	Stats(ctx context.Context) (*Stats, error)
}
