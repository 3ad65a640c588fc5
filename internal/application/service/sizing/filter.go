package sizing

import (
	"fmt"

	"optcore/internal/domain/entity/regime"
	"optcore/internal/domain/entity/signal"
)

// RegimeFilter rejects signals the current regime does not permit.
func RegimeFilter(sig signal.Signal, snap regime.Snapshot) error {
	if snap.Phase == regime.PhaseBlowoff {
		return fmt.Errorf("%s regime blocks fresh entries", snap.Phase)
	}
	switch sig.StrategyType.Family() {
	case signal.FamilyDirectional:
		if sig.Bias == signal.BiasBullish && snap.Phase == regime.PhaseBearish {
			return fmt.Errorf("bullish %s conflicts with %s regime", sig.StrategyType, snap.Phase)
		}
		if sig.Bias == signal.BiasBearish && snap.Phase == regime.PhaseBullish {
			return fmt.Errorf("bearish %s conflicts with %s regime", sig.StrategyType, snap.Phase)
		}
	case signal.FamilyNakedPremium:
		if snap.Phase != regime.PhaseCongestion {
			return fmt.Errorf("%s needs CONGESTION, regime is %s", sig.StrategyType, snap.Phase)
		}
		if !snap.PremiumSellingAllowed() {
			return fmt.Errorf("%s blocked by volatility flags %v", sig.StrategyType, snap.Flags)
		}
	case signal.FamilyHedgedRange:
	default:
		return fmt.Errorf("unknown strategy type %q", sig.StrategyType)
	}
	return nil
}
