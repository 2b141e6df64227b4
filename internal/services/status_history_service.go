package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "github.com/oakmere/storefront/internal/domain"
	"github.com/oakmere/storefront/internal/repositories"
)

// ErrHistoryInvalidInput signals the caller provided invalid data.
var ErrHistoryInvalidInput = errors.New("status history: invalid input")

// StatusHistoryServiceDeps bundles collaborators for the history read service.
type StatusHistoryServiceDeps struct {
	History repositories.StatusHistoryRepository
}

type statusHistoryService struct {
	history repositories.StatusHistoryRepository
}

// NewStatusHistoryService wires dependencies into a StatusHistoryService implementation.
func NewStatusHistoryService(deps StatusHistoryServiceDeps) (StatusHistoryService, error) {
	if deps.History == nil {
		return nil, errors.New("status history service: repository is required")
	}
	return &statusHistoryService{history: deps.History}, nil
}

func (s *statusHistoryService) ListForOrder(ctx context.Context, orderID string, pager Pagination) (domain.CursorPage[StatusHistoryEntry], error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.CursorPage[StatusHistoryEntry]{}, fmt.Errorf("%w: order id is required", ErrHistoryInvalidInput)
	}
	page, err := s.history.ListByOrder(ctx, orderID, pager)
	if err != nil {
		return domain.CursorPage[StatusHistoryEntry]{}, mapHistoryError(err)
	}
	return page, nil
}

func (s *statusHistoryService) ListRefundRelevant(ctx context.Context, orderID string, pager Pagination) (domain.CursorPage[StatusHistoryEntry], error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.CursorPage[StatusHistoryEntry]{}, fmt.Errorf("%w: order id is required", ErrHistoryInvalidInput)
	}
	page, err := s.history.ListRefundRelevant(ctx, orderID, pager)
	if err != nil {
		return domain.CursorPage[StatusHistoryEntry]{}, mapHistoryError(err)
	}
	return page, nil
}

func mapHistoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsConflict() {
		return fmt.Errorf("%w: %v", ErrHistoryInvalidInput, err)
	}
	return err
}
