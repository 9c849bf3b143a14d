package trading

import (
	apperrors "autoexit-trader/internal/errors"
	"autoexit-trader/internal/models"
)

// ValidateStopLoss checks a stop-loss spec.
func ValidateStopLoss(spec models.StopLossSpec) error {
	switch spec.Kind {
	case models.StopLossFixed, models.StopLossPoints:
		if spec.Value < 0 {
			return apperrors.NewValidationError("stop_loss.value", spec.Value, "must not be negative")
		}
	case models.StopLossPercentage:
		if spec.Value <= 0 || spec.Value > 100 {
			return apperrors.NewValidationError("stop_loss.value", spec.Value, "must be in (0, 100]")
		}
	default:
		return apperrors.NewValidationError("stop_loss.kind", spec.Kind, "must be FIXED, PERCENTAGE or POINTS")
	}
	return nil
}

// ValidateSell checks an optional sell spec.
func ValidateSell(spec *models.SellSpec) error {
	if spec == nil {
		return nil
	}
	switch spec.Kind {
	case models.SellFixed:
		if spec.Threshold <= 0 {
			return apperrors.NewValidationError("sell.threshold", spec.Threshold, "must be positive")
		}
	case models.SellPercentage:
		if spec.Threshold <= 0 || spec.Threshold >= 100 {
			return apperrors.NewValidationError("sell.threshold", spec.Threshold, "must be in (0, 100)")
		}
		if spec.ReferenceClose <= 0 {
			return apperrors.NewValidationError("sell.reference_close", spec.ReferenceClose, "must be positive")
		}
	default:
		return apperrors.NewValidationError("sell.kind", spec.Kind, "must be FIXED or PERCENTAGE")
	}
	return nil
}
