package runner

import "github.com/darwinreplay/backtester/internal/runconfig"

// sizePosition computes the quote-currency size for a new position given
// the portfolio's configured method: equal_weight gives each of the
// max_positions slots an equal share of the maximum exposure
// (equity * max_exposure_fraction); risk_parity sizes so that a
// stop-loss hit loses risk_per_trade_fraction of equity, capped at the
// maximum exposure. It returns 0 when no position slot remains.
func sizePosition(portfolio runconfig.Portfolio, equity float64, openPositions int, stopDistanceFrac float64) float64 {
	maxExposure := equity * portfolio.MaxExposureFraction
	remainingSlots := portfolio.MaxPositions - openPositions
	if remainingSlots <= 0 {
		return 0
	}

	switch portfolio.PositionSizeMethod {
	case runconfig.SizeRiskParity:
		if stopDistanceFrac <= 0 {
			return 0
		}
		riskBudget := equity * portfolio.RiskPerTradeFraction
		size := riskBudget / stopDistanceFrac
		if size > maxExposure {
			size = maxExposure
		}
		return size
	default: // equal_weight
		perSlot := maxExposure / float64(portfolio.MaxPositions)
		if perSlot > maxExposure {
			perSlot = maxExposure
		}
		return perSlot
	}
}
