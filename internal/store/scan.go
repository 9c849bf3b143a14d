package store

import (
	"database/sql"
	"fmt"

	apperrors "autoexit-trader/internal/errors"
	"autoexit-trader/internal/models"
)

// scanPosition reads one row selected with positionColumns.
func scanPosition(row rowScanner) (*models.Position, error) {
	var (
		p             models.Position
		token         sql.NullString
		sellKind      sql.NullString
		sellThreshold sql.NullFloat64
		sellRef       sql.NullFloat64
		exitPrice     sql.NullFloat64
		exitReason    sql.NullString
		exitOrderID   sql.NullString
		closedAt      sql.NullTime
	)

	err := row.Scan(&p.ID, &p.Owner, &p.Symbol, &p.Exchange, &token, &p.Side, &p.Product, &p.Quantity, &p.EntryPrice,
		&p.StopLoss.Kind, &p.StopLoss.Value, &p.StopLoss.TrailingAdjustment, &sellKind, &sellThreshold, &sellRef,
		&p.HighestPrice, &p.BasePrice, &p.Status, &exitPrice, &exitReason, &exitOrderID,
		&p.CreatedAt, &p.UpdatedAt, &closedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan position: %w", err)
	}

	p.InstrumentToken = token.String
	if sellKind.Valid && sellKind.String != "" {
		p.Sell = &models.SellSpec{
			Kind:           models.SellKind(sellKind.String),
			Threshold:      sellThreshold.Float64,
			ReferenceClose: sellRef.Float64,
		}
	}
	p.ExitPrice = exitPrice.Float64
	p.ExitReason = exitReason.String
	p.ExitOrderID = exitOrderID.String
	if closedAt.Valid {
		t := closedAt.Time
		p.ClosedAt = &t
	}
	return &p, nil
}

// sellColumns flattens an optional sell condition into nullable columns.
func sellColumns(sell *models.SellSpec) (any, any, any) {
	if sell == nil {
		return nil, nil, nil
	}
	return string(sell.Kind), sell.Threshold, sell.ReferenceClose
}

// cancelOutcome maps the status of a position that could not be cancelled.
func cancelOutcome(id string, status models.PositionStatus) error {
	switch status {
	case models.PositionClosed, models.PositionCancelled:
		return nil
	case models.PositionClaimed:
		return apperrors.Wrapf(apperrors.ErrExitInProgress, "position %s", id)
	default:
		return apperrors.Wrapf(apperrors.ErrPositionInactive, "position %s in state %s", id, status)
	}
}
