package staging

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("staged result not found")

type Repository interface {
	// Create writes the header and every item in sr.Items. Item text
	// fields are truncated to their storage caps on the way in.
	Create(ctx context.Context, sr *StagedResult) error
	GetByMessage(ctx context.Context, messageID uuid.UUID) (*StagedResult, error)

	// DeleteByMessage removes the header for a message; items go with it
	// (ON DELETE CASCADE). Used by reprocess.
	DeleteByMessage(ctx context.Context, messageID uuid.UUID) error

	ListUnmappedByDevice(ctx context.Context, deviceID uuid.UUID, limit int) ([]*UnmappedItem, error)
	ListUnmappedBySpecimen(ctx context.Context, barcode string) ([]*UnmappedItem, error)

	// SetItemInternalTestID back-fills a resolved mapping onto a staged
	// item without touching the rest of the row.
	SetItemInternalTestID(ctx context.Context, itemID uuid.UUID, internalTestID int) error
}
