package integration

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lis/lis/internal/domain/mapping"
	"github.com/lis/lis/internal/domain/orders"
	"github.com/lis/lis/internal/domain/staging"
)

// defaultAutomapLimit bounds a by-device batch when the caller does not
// say how many items to scan.
const defaultAutomapLimit = 100

// AutomapReport summarizes one batch run. Every scanned item lands in
// exactly one of mapped/pushed/skipped: pushed implies the value reached
// an order item, mapped means the code resolved but no order matched,
// skipped means no active mapping (or no device attribution) yet.
type AutomapReport struct {
	Scanned int `json:"scanned"`
	Mapped  int `json:"mapped"`
	Pushed  int `json:"pushed"`
	Skipped int `json:"skipped"`
}

// Automap is the batch half of code-mapping resolution: it sweeps staged
// items that are still unmapped, resolves them against the current mapping
// table and pushes resolved values onto matching lab orders.
type Automap struct {
	mappings mapping.Repository
	staged   staging.Repository
	orders   *orders.Service
	logger   zerolog.Logger
}

func NewAutomap(mappings mapping.Repository, staged staging.Repository,
	ordersSvc *orders.Service, logger zerolog.Logger) *Automap {
	return &Automap{
		mappings: mappings,
		staged:   staged,
		orders:   ordersSvc,
		logger:   logger,
	}
}

// ByDevice sweeps up to limit unmapped items for one device, oldest first.
func (a *Automap) ByDevice(ctx context.Context, deviceID uuid.UUID, limit int) (*AutomapReport, error) {
	if limit <= 0 {
		limit = defaultAutomapLimit
	}
	items, err := a.staged.ListUnmappedByDevice(ctx, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing unmapped items: %w", err)
	}
	return a.sweep(ctx, items)
}

// BySpecimen sweeps every unmapped item staged under one specimen barcode.
func (a *Automap) BySpecimen(ctx context.Context, barcode string) (*AutomapReport, error) {
	items, err := a.staged.ListUnmappedBySpecimen(ctx, barcode)
	if err != nil {
		return nil, fmt.Errorf("listing unmapped items: %w", err)
	}
	return a.sweep(ctx, items)
}

func (a *Automap) sweep(ctx context.Context, items []*staging.UnmappedItem) (*AutomapReport, error) {
	report := &AutomapReport{Scanned: len(items)}
	for _, item := range items {
		if err := a.resolveItem(ctx, item, report); err != nil {
			return nil, err
		}
	}
	a.logger.Info().
		Int("scanned", report.Scanned).
		Int("mapped", report.Mapped).
		Int("pushed", report.Pushed).
		Int("skipped", report.Skipped).
		Msg("automap sweep finished")
	return report, nil
}

func (a *Automap) resolveItem(ctx context.Context, item *staging.UnmappedItem, report *AutomapReport) error {
	if item.DeviceID == nil || item.ExternalCode == "" {
		report.Skipped++
		return nil
	}

	mp, err := a.mappings.Resolve(ctx, *item.DeviceID, item.ExternalCode)
	if errors.Is(err, mapping.ErrNotFound) {
		report.Skipped++
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolving %s: %w", item.ExternalCode, err)
	}

	if err := a.staged.SetItemInternalTestID(ctx, item.ItemID, mp.InternalTestID); err != nil {
		return fmt.Errorf("backfilling item %s: %w", item.ItemID, err)
	}

	if item.SpecimenBarcode == "" {
		report.Mapped++
		return nil
	}

	_, err = a.orders.PushResult(ctx, orders.ResultPush{
		SpecimenBarcode: item.SpecimenBarcode,
		InternalTestID:  mp.InternalTestID,
		ValueText:       item.ValueText,
		Units:           item.Units,
		ReferenceRange:  item.ReferenceRange,
		AbnormalFlag:    item.AbnormalFlag,
		ObservedAt:      item.ObservedAt,
	})
	if errors.Is(err, orders.ErrNoPushTarget) {
		report.Mapped++
		return nil
	}
	if err != nil {
		return fmt.Errorf("pushing result for %s: %w", item.ExternalCode, err)
	}
	report.Pushed++
	return nil
}
