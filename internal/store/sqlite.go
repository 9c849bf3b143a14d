package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	apperrors "autoexit-trader/internal/errors"
	"autoexit-trader/internal/models"
)

// SQLiteStore implements PositionStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the position database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for concurrent access
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Monitored positions and their exit conditions
	CREATE TABLE IF NOT EXISTS positions (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		symbol TEXT NOT NULL,
		exchange TEXT NOT NULL,
		instrument_token TEXT,
		side TEXT NOT NULL,
		product TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		entry_price REAL NOT NULL,
		sl_kind TEXT NOT NULL,
		sl_value REAL NOT NULL,
		sl_trailing_adjustment REAL NOT NULL DEFAULT 0,
		sell_kind TEXT,
		sell_threshold REAL,
		sell_reference_close REAL,
		highest_price REAL NOT NULL,
		base_price REAL NOT NULL,
		status TEXT NOT NULL,
		exit_price REAL,
		exit_reason TEXT,
		exit_order_id TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		closed_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_positions_symbol_active ON positions(symbol) WHERE status = 'ACTIVE';
	CREATE INDEX IF NOT EXISTS idx_positions_owner_status ON positions(owner, status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const positionColumns = `id, owner, symbol, exchange, instrument_token, side, product, quantity, entry_price,
	sl_kind, sl_value, sl_trailing_adjustment, sell_kind, sell_threshold, sell_reference_close,
	highest_price, base_price, status, exit_price, exit_reason, exit_order_id,
	created_at, updated_at, closed_at`

// Create inserts a new position.
func (s *SQLiteStore) Create(ctx context.Context, p *models.Position) error {
	sellKind, sellThreshold, sellRef := sellColumns(p.Sell)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (`+positionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Owner, p.Symbol, p.Exchange, p.InstrumentToken, p.Side, p.Product, p.Quantity, p.EntryPrice,
		p.StopLoss.Kind, p.StopLoss.Value, p.StopLoss.TrailingAdjustment, sellKind, sellThreshold, sellRef,
		p.HighestPrice, p.BasePrice, p.Status, exitPriceValue(p.ExitPrice), p.ExitReason, p.ExitOrderID,
		p.CreatedAt, p.UpdatedAt, p.ClosedAt)
	if err != nil {
		return fmt.Errorf("failed to insert position %s: %w", p.ID, err)
	}
	return nil
}

// Get returns the position with the given id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Position, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.Wrapf(apperrors.ErrPositionNotFound, "position %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load position %s: %w", id, err)
	}
	return p, nil
}

// ActiveBySymbol returns ACTIVE positions on symbol.
func (s *SQLiteStore) ActiveBySymbol(ctx context.Context, symbol string) ([]models.Position, error) {
	return s.query(ctx, `SELECT `+positionColumns+` FROM positions
		WHERE symbol = ? AND status = 'ACTIVE' ORDER BY created_at, id`, symbol)
}

// ListActive returns ACTIVE and CLAIMED positions, optionally for one owner.
func (s *SQLiteStore) ListActive(ctx context.Context, owner string) ([]models.Position, error) {
	if owner == "" {
		return s.query(ctx, `SELECT `+positionColumns+` FROM positions
			WHERE status IN ('ACTIVE', 'CLAIMED') ORDER BY created_at, id`)
	}
	return s.query(ctx, `SELECT `+positionColumns+` FROM positions
		WHERE owner = ? AND status IN ('ACTIVE', 'CLAIMED') ORDER BY created_at, id`, owner)
}

// UpdateConditions replaces the stop-loss and/or sell condition of an open position.
func (s *SQLiteStore) UpdateConditions(ctx context.Context, id string, stopLoss *models.StopLossSpec, sell *models.SellSpec) error {
	now := time.Now()
	var res sql.Result
	var err error

	switch {
	case stopLoss != nil && sell != nil:
		sellKind, sellThreshold, sellRef := sellColumns(sell)
		res, err = s.db.ExecContext(ctx, `
			UPDATE positions SET sl_kind = ?, sl_value = ?, sl_trailing_adjustment = ?,
				sell_kind = ?, sell_threshold = ?, sell_reference_close = ?, updated_at = ?
			WHERE id = ? AND status IN ('ACTIVE', 'CLAIMED')
		`, stopLoss.Kind, stopLoss.Value, stopLoss.TrailingAdjustment, sellKind, sellThreshold, sellRef, now, id)
	case stopLoss != nil:
		res, err = s.db.ExecContext(ctx, `
			UPDATE positions SET sl_kind = ?, sl_value = ?, sl_trailing_adjustment = ?, updated_at = ?
			WHERE id = ? AND status IN ('ACTIVE', 'CLAIMED')
		`, stopLoss.Kind, stopLoss.Value, stopLoss.TrailingAdjustment, now, id)
	case sell != nil:
		sellKind, sellThreshold, sellRef := sellColumns(sell)
		res, err = s.db.ExecContext(ctx, `
			UPDATE positions SET sell_kind = ?, sell_threshold = ?, sell_reference_close = ?, updated_at = ?
			WHERE id = ? AND status IN ('ACTIVE', 'CLAIMED')
		`, sellKind, sellThreshold, sellRef, now, id)
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to update conditions for %s: %w", id, err)
	}
	return s.requireOpen(ctx, res, id)
}

// UpdateTrailing ratchets the trailing state of an open position.
func (s *SQLiteStore) UpdateTrailing(ctx context.Context, id string, highest, base float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE positions SET highest_price = MAX(highest_price, ?), base_price = MIN(base_price, ?), updated_at = ?
		WHERE id = ? AND status IN ('ACTIVE', 'CLAIMED')
	`, highest, base, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update trailing state for %s: %w", id, err)
	}
	return s.requireOpen(ctx, res, id)
}

// Claim moves ACTIVE -> CLAIMED.
func (s *SQLiteStore) Claim(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE positions SET status = 'CLAIMED', updated_at = ? WHERE id = ? AND status = 'ACTIVE'
	`, time.Now(), id)
	if err != nil {
		return false, fmt.Errorf("failed to claim position %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.status(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// Release moves CLAIMED -> ACTIVE.
func (s *SQLiteStore) Release(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE positions SET status = 'ACTIVE', updated_at = ? WHERE id = ? AND status = 'CLAIMED'
	`, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to release position %s: %w", id, err)
	}
	return s.requireClaimed(ctx, res, id)
}

// CommitExit moves CLAIMED -> CLOSED.
func (s *SQLiteStore) CommitExit(ctx context.Context, id string, exit ExitRecord) error {
	at := exit.At
	if at.IsZero() {
		at = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE positions SET status = 'CLOSED', exit_price = ?, exit_reason = ?, exit_order_id = ?,
			closed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'CLAIMED'
	`, exitPriceValue(exit.Price), exit.Reason, exit.OrderID, at, at, id)
	if err != nil {
		return fmt.Errorf("failed to commit exit for %s: %w", id, err)
	}
	return s.requireClaimed(ctx, res, id)
}

// Cancel moves ACTIVE -> CANCELLED.
func (s *SQLiteStore) Cancel(ctx context.Context, id string) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE positions SET status = 'CANCELLED', closed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'ACTIVE'
	`, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to cancel position %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	status, err := s.status(ctx, id)
	if err != nil {
		return err
	}
	return cancelOutcome(id, status)
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]models.Position, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
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

func (s *SQLiteStore) status(ctx context.Context, id string) (models.PositionStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM positions WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return "", apperrors.Wrapf(apperrors.ErrPositionNotFound, "position %s", id)
	}
	if err != nil {
		return "", err
	}
	return models.PositionStatus(status), nil
}

func (s *SQLiteStore) requireOpen(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.status(ctx, id); err != nil {
		return err
	}
	return apperrors.Wrapf(apperrors.ErrPositionInactive, "position %s", id)
}

func (s *SQLiteStore) requireClaimed(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	status, err := s.status(ctx, id)
	if err != nil {
		return err
	}
	return apperrors.Wrapf(apperrors.ErrPositionInactive, "position %s in state %s", id, status)
}

var _ PositionStore = (*SQLiteStore)(nil)
