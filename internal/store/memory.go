package store

import (
	"context"
	"sync"
	"time"

	apperrors "autoexit-trader/internal/errors"
	"autoexit-trader/internal/models"
)

// MemoryStore is an in-process PositionStore used for paper trading and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	positions map[string]*models.Position
	bySymbol  map[string]map[string]struct{} // symbol -> ids of open positions
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[string]*models.Position),
		bySymbol:  make(map[string]map[string]struct{}),
	}
}

// Create stores a new position.
func (s *MemoryStore) Create(ctx context.Context, p *models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[p.ID]; ok {
		return apperrors.Wrapf(apperrors.ErrInputValidation, "position %s already exists", p.ID)
	}

	cp := clonePosition(p)
	s.positions[p.ID] = cp
	if cp.IsActive() {
		s.index(cp)
	}
	return nil
}

// Get returns a copy of the position with the given id.
func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrPositionNotFound, "position %s", id)
	}
	return clonePosition(p), nil
}

// ActiveBySymbol returns ACTIVE positions on symbol.
func (s *MemoryStore) ActiveBySymbol(ctx context.Context, symbol string) ([]models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.bySymbol[symbol]
	if len(ids) == 0 {
		return nil, nil
	}

	result := make([]models.Position, 0, len(ids))
	for id := range ids {
		p := s.positions[id]
		if p.Status == models.PositionActive {
			result = append(result, *clonePosition(p))
		}
	}
	return result, nil
}

// ListActive returns open positions, optionally filtered by owner.
func (s *MemoryStore) ListActive(ctx context.Context, owner string) ([]models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []models.Position
	for _, ids := range s.bySymbol {
		for id := range ids {
			p := s.positions[id]
			if owner != "" && p.Owner != owner {
				continue
			}
			result = append(result, *clonePosition(p))
		}
	}
	sortPositions(result)
	return result, nil
}

// UpdateConditions replaces the stop-loss and/or sell condition of an open position.
func (s *MemoryStore) UpdateConditions(ctx context.Context, id string, stopLoss *models.StopLossSpec, sell *models.SellSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.openLocked(id)
	if err != nil {
		return err
	}
	if stopLoss != nil {
		p.StopLoss = *stopLoss
	}
	if sell != nil {
		cp := *sell
		p.Sell = &cp
	}
	p.UpdatedAt = time.Now()
	return nil
}

// UpdateTrailing ratchets the trailing state of an open position.
func (s *MemoryStore) UpdateTrailing(ctx context.Context, id string, highest, base float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.openLocked(id)
	if err != nil {
		return err
	}
	if highest > p.HighestPrice {
		p.HighestPrice = highest
	}
	if base < p.BasePrice {
		p.BasePrice = base
	}
	p.UpdatedAt = time.Now()
	return nil
}

// Claim moves ACTIVE -> CLAIMED.
func (s *MemoryStore) Claim(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return false, apperrors.Wrapf(apperrors.ErrPositionNotFound, "position %s", id)
	}
	if p.Status != models.PositionActive {
		return false, nil
	}
	p.Status = models.PositionClaimed
	p.UpdatedAt = time.Now()
	return true, nil
}

// Release moves CLAIMED -> ACTIVE.
func (s *MemoryStore) Release(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return apperrors.Wrapf(apperrors.ErrPositionNotFound, "position %s", id)
	}
	if p.Status != models.PositionClaimed {
		return apperrors.Wrapf(apperrors.ErrPositionInactive, "release position %s in state %s", id, p.Status)
	}
	p.Status = models.PositionActive
	p.UpdatedAt = time.Now()
	return nil
}

// CommitExit moves CLAIMED -> CLOSED.
func (s *MemoryStore) CommitExit(ctx context.Context, id string, exit ExitRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return apperrors.Wrapf(apperrors.ErrPositionNotFound, "position %s", id)
	}
	if p.Status != models.PositionClaimed {
		return apperrors.Wrapf(apperrors.ErrPositionInactive, "commit exit for position %s in state %s", id, p.Status)
	}

	at := exit.At
	if at.IsZero() {
		at = time.Now()
	}
	p.Status = models.PositionClosed
	p.ExitPrice = max(exit.Price, 0)
	p.ExitReason = exit.Reason
	p.ExitOrderID = exit.OrderID
	p.ClosedAt = &at
	p.UpdatedAt = at
	s.unindex(p)
	return nil
}

// Cancel moves ACTIVE -> CANCELLED.
func (s *MemoryStore) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return apperrors.Wrapf(apperrors.ErrPositionNotFound, "position %s", id)
	}

	switch p.Status {
	case models.PositionClosed, models.PositionCancelled:
		return nil
	case models.PositionClaimed:
		return apperrors.Wrapf(apperrors.ErrExitInProgress, "position %s", id)
	}

	now := time.Now()
	p.Status = models.PositionCancelled
	p.ClosedAt = &now
	p.UpdatedAt = now
	s.unindex(p)
	return nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) openLocked(id string) (*models.Position, error) {
	p, ok := s.positions[id]
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrPositionNotFound, "position %s", id)
	}
	if !p.IsActive() {
		return nil, apperrors.Wrapf(apperrors.ErrPositionInactive, "position %s", id)
	}
	return p, nil
}

func (s *MemoryStore) index(p *models.Position) {
	ids, ok := s.bySymbol[p.Symbol]
	if !ok {
		ids = make(map[string]struct{})
		s.bySymbol[p.Symbol] = ids
	}
	ids[p.ID] = struct{}{}
}

func (s *MemoryStore) unindex(p *models.Position) {
	ids := s.bySymbol[p.Symbol]
	delete(ids, p.ID)
	if len(ids) == 0 {
		delete(s.bySymbol, p.Symbol)
	}
}

func clonePosition(p *models.Position) *models.Position {
	cp := *p
	if p.Sell != nil {
		sell := *p.Sell
		cp.Sell = &sell
	}
	if p.ClosedAt != nil {
		at := *p.ClosedAt
		cp.ClosedAt = &at
	}
	return &cp
}

var _ PositionStore = (*MemoryStore)(nil)
