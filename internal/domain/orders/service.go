package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) Create(ctx context.Context, o *LabOrder) error {
	if o.OrderNumber == "" {
		return fmt.Errorf("order_number is required")
	}
	if o.Status == "" {
		o.Status = StatusOrdered
	}
	if !ValidStatuses[o.Status] {
		return fmt.Errorf("invalid status: %s", o.Status)
	}
	for _, item := range o.Items {
		if item.InternalTestID <= 0 {
			return fmt.Errorf("item internal_test_id must be positive")
		}
	}
	return s.repo.Create(ctx, o)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*LabOrder, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]*LabOrder, int, error) {
	if f.Status != "" && !ValidStatuses[f.Status] {
		return nil, 0, fmt.Errorf("invalid status: %s", f.Status)
	}
	return s.repo.List(ctx, f, limit, offset)
}

// UpdateStatus is the operator path for validate/cancel actions. The
// aggregation below never produces "validated"; it only arrives here.
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error {
	if !ValidStatuses[status] {
		return fmt.Errorf("invalid status: %s", status)
	}
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return err
	}
	return s.repo.UpdateOrderStatus(ctx, id, status)
}

// ResultPush carries one resolved instrument result onto an order item.
type ResultPush struct {
	SpecimenBarcode string
	InternalTestID  int
	ValueText       string
	Units           string
	ReferenceRange  string
	AbnormalFlag    string
	ObservedAt      *time.Time
}

// PushResult writes a result value onto the matching order item and
// recomputes the owning order's status. The target is the most recently
// created item with the same (specimen barcode, internal test id) on a
// non-cancelled order; ErrNoPushTarget when nothing matches.
func (s *Service) PushResult(ctx context.Context, p ResultPush) (*LabOrderItem, error) {
	item, err := s.repo.FindPushTarget(ctx, p.SpecimenBarcode, p.InternalTestID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	reportedAt := &now
	if p.ObservedAt != nil {
		reportedAt = p.ObservedAt
	}

	item.ResultValue = p.ValueText
	item.Units = p.Units
	item.ReferenceRange = p.ReferenceRange
	item.AbnormalFlag = p.AbnormalFlag
	item.Status = StatusReported
	item.ReportedAt = reportedAt
	if err := s.repo.UpdateItemResult(ctx, item); err != nil {
		return nil, err
	}

	if err := s.RecomputeStatus(ctx, item.OrderID); err != nil {
		return nil, err
	}
	return item, nil
}

// RecomputeStatus re-derives the order's aggregate status from the full
// item set and persists it when it changed.
func (s *Service) RecomputeStatus(ctx context.Context, orderID uuid.UUID) error {
	o, err := s.repo.GetByID(ctx, orderID)
	if err != nil {
		return err
	}
	next := AggregateStatus(o.Items, o.Status)
	if next == o.Status {
		return nil
	}
	return s.repo.UpdateOrderStatus(ctx, orderID, next)
}

// statusRank orders the forward progression used by the downgrade guard.
func statusRank(s Status) int {
	switch s {
	case StatusInProgress:
		return 1
	case StatusReported:
		return 2
	case StatusValidated:
		return 3
	default:
		return 0
	}
}

// AggregateStatus maps an item set onto the order status: all cancelled
// -> cancelled; all reported-or-validated -> reported; any item moving
// (in-progress/reported/validated) -> in-progress; else ordered. An order
// already validated or reported never moves backward.
func AggregateStatus(items []*LabOrderItem, current Status) Status {
	if len(items) == 0 {
		return current
	}

	allCancelled := true
	allReportedOrValidated := true
	anyActive := false
	for _, it := range items {
		if it.Status != StatusCancelled {
			allCancelled = false
		}
		if it.Status != StatusReported && it.Status != StatusValidated {
			allReportedOrValidated = false
		}
		switch it.Status {
		case StatusInProgress, StatusReported, StatusValidated:
			anyActive = true
		}
	}

	var next Status
	switch {
	case allCancelled:
		next = StatusCancelled
	case allReportedOrValidated:
		next = StatusReported
	case anyActive:
		next = StatusInProgress
	default:
		next = StatusOrdered
	}

	if next != StatusCancelled &&
		(current == StatusValidated || current == StatusReported) &&
		statusRank(next) < statusRank(current) {
		return current
	}
	return next
}
