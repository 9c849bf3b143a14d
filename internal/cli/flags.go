package cli

import (
	"fmt"
	"strconv"
	"strings"

	apperrors "autoexit-trader/internal/errors"
	"autoexit-trader/internal/models"
	"autoexit-trader/internal/trading"
)

// condition is a parsed "kind:value[@reference]" flag value,
// e.g. "fixed:1450", "percentage:25" or "percentage:2@1510.5".
type condition struct {
	kind      string
	value     float64
	reference float64
}

func parseCondition(field, raw string) (condition, error) {
	kind, rest, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok || kind == "" || rest == "" {
		return condition{}, apperrors.NewValidationError(field, raw, "expected kind:value")
	}

	c := condition{kind: strings.ToUpper(kind)}
	valueStr, refStr, hasRef := strings.Cut(rest, "@")

	v, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return condition{}, apperrors.NewValidationError(field, raw, fmt.Sprintf("bad value %q", valueStr))
	}
	c.value = v

	if hasRef {
		ref, err := strconv.ParseFloat(refStr, 64)
		if err != nil {
			return condition{}, apperrors.NewValidationError(field, raw, fmt.Sprintf("bad reference %q", refStr))
		}
		c.reference = ref
	}
	return c, nil
}

// parseStopLoss parses --sl with an optional --trail re-anchor margin.
func parseStopLoss(raw string, trail float64) (models.StopLossSpec, error) {
	c, err := parseCondition("sl", raw)
	if err != nil {
		return models.StopLossSpec{}, err
	}
	if trail > 0 {
		trail = -trail
	}
	spec := models.StopLossSpec{
		Kind:               models.StopLossKind(c.kind),
		Value:              c.value,
		TrailingAdjustment: trail,
	}
	return spec, trading.ValidateStopLoss(spec)
}

// parseSell parses --sell. An empty value means no sell condition.
func parseSell(raw string) (*models.SellSpec, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	c, err := parseCondition("sell", raw)
	if err != nil {
		return nil, err
	}
	spec := &models.SellSpec{
		Kind:           models.SellKind(c.kind),
		Threshold:      c.value,
		ReferenceClose: c.reference,
	}
	return spec, trading.ValidateSell(spec)
}

// parseBuyCondition parses --when for the entry flow.
func parseBuyCondition(raw string) (trading.BuyCondition, error) {
	c, err := parseCondition("when", raw)
	if err != nil {
		return trading.BuyCondition{}, err
	}
	return trading.BuyCondition{
		Kind:          trading.BuyConditionKind(c.kind),
		Value:         c.value,
		PreviousClose: c.reference,
	}, nil
}

// describeStopLoss renders a stop-loss spec back in flag syntax.
func describeStopLoss(spec models.StopLossSpec) string {
	s := strings.ToLower(string(spec.Kind)) + ":" + strconv.FormatFloat(spec.Value, 'f', -1, 64)
	if spec.TrailingAdjustment < 0 {
		s += " trail " + strconv.FormatFloat(-spec.TrailingAdjustment, 'f', -1, 64)
	}
	return s
}

func describeSell(spec *models.SellSpec) string {
	if spec == nil {
		return "-"
	}
	s := strings.ToLower(string(spec.Kind)) + ":" + strconv.FormatFloat(spec.Threshold, 'f', -1, 64)
	if spec.Kind == models.SellPercentage {
		s += "@" + strconv.FormatFloat(spec.ReferenceClose, 'f', -1, 64)
	}
	return s
}
