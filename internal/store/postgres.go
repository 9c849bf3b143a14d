package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "autoexit-trader/internal/errors"
	"autoexit-trader/internal/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresConfig holds connection parameters for the PostgreSQL store.
type PostgresConfig struct {
	DSN      string
	MaxConns int
	MinConns int
}

// PostgresStore implements PositionStore on PostgreSQL so several engine
// processes can share one position book.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and applies pending migrations.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// migrate executes the embedded SQL files in lexical order.
func (s *PostgresStore) migrate(ctx context.Context) error {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		body, err := migrationsFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", e.Name(), err)
		}
		if _, err := s.pool.Exec(ctx, string(body)); err != nil {
			return fmt.Errorf("postgres: apply migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Create inserts a new position.
func (s *PostgresStore) Create(ctx context.Context, p *models.Position) error {
	sellKind, sellThreshold, sellRef := sellColumns(p.Sell)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO positions (`+positionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
	`, p.ID, p.Owner, p.Symbol, string(p.Exchange), p.InstrumentToken, string(p.Side), string(p.Product), p.Quantity, p.EntryPrice,
		string(p.StopLoss.Kind), p.StopLoss.Value, p.StopLoss.TrailingAdjustment, sellKind, sellThreshold, sellRef,
		p.HighestPrice, p.BasePrice, string(p.Status), exitPriceValue(p.ExitPrice), p.ExitReason, p.ExitOrderID,
		p.CreatedAt, p.UpdatedAt, p.ClosedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert position %s: %w", p.ID, err)
	}
	return nil
}

// Get returns the position with the given id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Position, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = $1`, id)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.Wrapf(apperrors.ErrPositionNotFound, "position %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// ActiveBySymbol returns ACTIVE positions on symbol.
func (s *PostgresStore) ActiveBySymbol(ctx context.Context, symbol string) ([]models.Position, error) {
	return s.query(ctx, `SELECT `+positionColumns+` FROM positions
		WHERE symbol = $1 AND status = 'ACTIVE' ORDER BY created_at, id`, symbol)
}

// ListActive returns ACTIVE and CLAIMED positions, optionally for one owner.
func (s *PostgresStore) ListActive(ctx context.Context, owner string) ([]models.Position, error) {
	if owner == "" {
		return s.query(ctx, `SELECT `+positionColumns+` FROM positions
			WHERE status IN ('ACTIVE', 'CLAIMED') ORDER BY created_at, id`)
	}
	return s.query(ctx, `SELECT `+positionColumns+` FROM positions
		WHERE owner = $1 AND status IN ('ACTIVE', 'CLAIMED') ORDER BY created_at, id`, owner)
}

// UpdateConditions replaces the stop-loss and/or sell condition of an open position.
func (s *PostgresStore) UpdateConditions(ctx context.Context, id string, stopLoss *models.StopLossSpec, sell *models.SellSpec) error {
	if stopLoss == nil && sell == nil {
		return nil
	}

	// COALESCE keeps the stored value for whichever side was not supplied.
	var slKind, slValue, slAdj any
	if stopLoss != nil {
		slKind, slValue, slAdj = string(stopLoss.Kind), stopLoss.Value, stopLoss.TrailingAdjustment
	}
	replaceSell := sell != nil
	sellKind, sellThreshold, sellRef := sellColumns(sell)

	tag, err := s.pool.Exec(ctx, `
		UPDATE positions SET
			sl_kind = COALESCE($1::text, sl_kind),
			sl_value = COALESCE($2::double precision, sl_value),
			sl_trailing_adjustment = COALESCE($3::double precision, sl_trailing_adjustment),
			sell_kind = CASE WHEN $4 THEN $5::text ELSE sell_kind END,
			sell_threshold = CASE WHEN $4 THEN $6::double precision ELSE sell_threshold END,
			sell_reference_close = CASE WHEN $4 THEN $7::double precision ELSE sell_reference_close END,
			updated_at = $8
		WHERE id = $9 AND status IN ('ACTIVE', 'CLAIMED')
	`, slKind, slValue, slAdj, replaceSell, sellKind, sellThreshold, sellRef, time.Now(), id)
	if err != nil {
		return fmt.Errorf("postgres: update conditions for %s: %w", id, err)
	}
	return s.requireOpen(ctx, tag, id)
}

// UpdateTrailing ratchets the trailing state of an open position.
func (s *PostgresStore) UpdateTrailing(ctx context.Context, id string, highest, base float64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE positions SET highest_price = GREATEST(highest_price, $1), base_price = LEAST(base_price, $2), updated_at = $3
		WHERE id = $4 AND status IN ('ACTIVE', 'CLAIMED')
	`, highest, base, time.Now(), id)
	if err != nil {
		return fmt.Errorf("postgres: update trailing state for %s: %w", id, err)
	}
	return s.requireOpen(ctx, tag, id)
}

// Claim moves ACTIVE -> CLAIMED.
func (s *PostgresStore) Claim(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE positions SET status = 'CLAIMED', updated_at = $1 WHERE id = $2 AND status = 'ACTIVE'
	`, time.Now(), id)
	if err != nil {
		return false, fmt.Errorf("postgres: claim position %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.status(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// Release moves CLAIMED -> ACTIVE.
func (s *PostgresStore) Release(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE positions SET status = 'ACTIVE', updated_at = $1 WHERE id = $2 AND status = 'CLAIMED'
	`, time.Now(), id)
	if err != nil {
		return fmt.Errorf("postgres: release position %s: %w", id, err)
	}
	return s.requireClaimed(ctx, tag, id)
}

// CommitExit moves CLAIMED -> CLOSED.
func (s *PostgresStore) CommitExit(ctx context.Context, id string, exit ExitRecord) error {
	at := exit.At
	if at.IsZero() {
		at = time.Now()
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE positions SET status = 'CLOSED', exit_price = $1, exit_reason = $2, exit_order_id = $3,
			closed_at = $4, updated_at = $4
		WHERE id = $5 AND status = 'CLAIMED'
	`, exitPriceValue(exit.Price), exit.Reason, exit.OrderID, at, id)
	if err != nil {
		return fmt.Errorf("postgres: commit exit for %s: %w", id, err)
	}
	return s.requireClaimed(ctx, tag, id)
}

// Cancel moves ACTIVE -> CANCELLED.
func (s *PostgresStore) Cancel(ctx context.Context, id string) error {
	now := time.Now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE positions SET status = 'CANCELLED', closed_at = $1, updated_at = $1
		WHERE id = $2 AND status = 'ACTIVE'
	`, now, id)
	if err != nil {
		return fmt.Errorf("postgres: cancel position %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	status, err := s.status(ctx, id)
	if err != nil {
		return err
	}
	return cancelOutcome(id, status)
}

func (s *PostgresStore) query(ctx context.Context, query string, args ...any) ([]models.Position, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query positions: %w", err)
	}
	defer rows.Close()

	var positions []models.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) status(ctx context.Context, id string) (models.PositionStatus, error) {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM positions WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", apperrors.Wrapf(apperrors.ErrPositionNotFound, "position %s", id)
	}
	if err != nil {
		return "", fmt.Errorf("postgres: position status %s: %w", id, err)
	}
	return models.PositionStatus(status), nil
}

func (s *PostgresStore) requireOpen(ctx context.Context, tag pgconn.CommandTag, id string) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.status(ctx, id); err != nil {
		return err
	}
	return apperrors.Wrapf(apperrors.ErrPositionInactive, "position %s", id)
}

func (s *PostgresStore) requireClaimed(ctx context.Context, tag pgconn.CommandTag, id string) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	status, err := s.status(ctx, id)
	if err != nil {
		return err
	}
	return apperrors.Wrapf(apperrors.ErrPositionInactive, "position %s in state %s", id, status)
}

var _ PositionStore = (*PostgresStore)(nil)
