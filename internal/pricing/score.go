package pricing

import (
	"math"

	"github.com/example/homeward-matching/internal/models"
)

// DensityTier selects the ranking weight profile for a market. Dense urban
// markets weigh directional alignment highest because almost every pickup
// is close; sparse markets care more about not sending drivers far away.
type DensityTier string

const (
	TierDense    DensityTier = "dense"
	TierStandard DensityTier = "standard"
	TierSparse   DensityTier = "sparse"
)

// Weights for the total-score blend. They should sum to 1.
type Weights struct {
	DirectionalAlignment float64
	PickupProximity      float64
	FareEfficiency       float64
}

func WeightsForTier(t DensityTier) Weights {
	switch t {
	case TierDense:
		return Weights{DirectionalAlignment: 0.6, PickupProximity: 0.2, FareEfficiency: 0.2}
	case TierSparse:
		return Weights{DirectionalAlignment: 0.3, PickupProximity: 0.5, FareEfficiency: 0.2}
	default:
		return Weights{DirectionalAlignment: 0.5, PickupProximity: 0.3, FareEfficiency: 0.2}
	}
}

// TotalScore ranks already-compatible candidates against each other. Each
// term is on a 0..100 scale before weighting.
func TotalScore(directionScore, pickupProximityKm, fareEfficiency float64, w Weights) float64 {
	proximity := math.Max(0, 100-pickupProximityKm*10)
	return w.DirectionalAlignment*directionScore +
		w.PickupProximity*proximity +
		w.FareEfficiency*fareEfficiency
}

// FareEfficiency scores fare earned per detour kilometer on a 0..100 scale.
// Detours under 100m are floored so a near-zero detour does not blow up the
// ratio.
func FareEfficiency(fare models.Cents, detourKm float64) float64 {
	if detourKm < 0.1 {
		detourKm = 0.1
	}
	perKm := float64(fare) / 100 / detourKm // whole currency units per km
	return math.Min(100, perKm*10)
}
