package message

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// ValidStatuses are the states a list filter may ask for. DUPLICATE is
// included for completeness even though no stored row carries it.
var ValidStatuses = map[Status]bool{
	StatusReceived:  true,
	StatusParsed:    true,
	StatusProcessed: true,
	StatusError:     true,
	StatusDuplicate: true,
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*IntegrationMessage, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]*IntegrationMessage, int, error) {
	if f.Status != "" && !ValidStatuses[f.Status] {
		return nil, 0, fmt.Errorf("invalid status: %s", f.Status)
	}
	return s.repo.List(ctx, f, limit, offset)
}

// ErrorQueue lists messages stuck in ERROR, oldest problems first surfaced
// by the caller's paging through received_at ordering.
func (s *Service) ErrorQueue(ctx context.Context, limit, offset int) ([]*IntegrationMessage, int, error) {
	return s.repo.List(ctx, Filter{Status: StatusError}, limit, offset)
}

func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	return s.repo.Stats(ctx)
}
