package pricing

import (
	"math"

	"github.com/example/homeward-matching/internal/models"
)

// Config carries the premium and settlement tunables. Percentages are whole
// numbers (5 means 5%), money is integer cents.
type Config struct {
	MinPremiumPercent          float64
	MaxPremiumPercent          float64
	MaxPremiumCapCents         models.Cents
	DriverPremiumSharePercent  float64
	BaseFarePlatformFeePercent float64
}

func DefaultConfig() Config {
	return Config{
		MinPremiumPercent:          5,
		MaxPremiumPercent:          12,
		MaxPremiumCapCents:         5000,
		DriverPremiumSharePercent:  80,
		BaseFarePlatformFeePercent: 10,
	}
}

// Quote is a priced detour premium for one candidate.
type Quote struct {
	Percent            float64
	AmountCents        models.Cents
	DriverShareCents   models.Cents
	PlatformShareCents models.Cents
}

// Premium prices the detour for a candidate. Better alignment (a higher
// direction score) yields a smaller premium: the platform only pays for
// actual deviation.
func Premium(baseFare models.Cents, directionScore float64, cfg Config) Quote {
	scoreMultiplier := 1 - (directionScore/100)*0.5
	pct := cfg.MaxPremiumPercent * scoreMultiplier
	if pct < cfg.MinPremiumPercent {
		pct = cfg.MinPremiumPercent
	}
	if pct > cfg.MaxPremiumPercent {
		pct = cfg.MaxPremiumPercent
	}

	amount := roundCents(float64(baseFare) * pct / 100)
	if amount > cfg.MaxPremiumCapCents {
		amount = cfg.MaxPremiumCapCents
	}
	if amount < 0 {
		amount = 0
	}

	driver := roundCents(float64(amount) * cfg.DriverPremiumSharePercent / 100)
	return Quote{
		Percent:            pct,
		AmountCents:        amount,
		DriverShareCents:   driver,
		PlatformShareCents: amount - driver,
	}
}

// Split is the settlement breakdown derived once at intent creation.
// The identity holds exactly in cents:
//
//	TotalCents            = base + premium
//	PlatformFeeCents      = baseFee + (premium - driverPremiumShare)
//	DriverEarningsCents   = (base - baseFee) + driverPremiumShare
//	PlatformFee + DriverEarnings = Total
//
// DriverPremiumShareCents is the tranche paid instantly at funding; the
// release tranche is DriverEarningsCents - DriverPremiumShareCents.
type Split struct {
	TotalCents              models.Cents
	PlatformFeeCents        models.Cents
	DriverEarningsCents     models.Cents
	DriverPremiumShareCents models.Cents
}

func SettlementSplit(baseFare, premium models.Cents, cfg Config) Split {
	baseFee := roundCents(float64(baseFare) * cfg.BaseFarePlatformFeePercent / 100)
	driverPremium := roundCents(float64(premium) * cfg.DriverPremiumSharePercent / 100)
	return Split{
		TotalCents:              baseFare + premium,
		PlatformFeeCents:        baseFee + (premium - driverPremium),
		DriverEarningsCents:     (baseFare - baseFee) + driverPremium,
		DriverPremiumShareCents: driverPremium,
	}
}

// ReleaseTrancheCents is what the driver is still owed at trip completion
// after the instant premium tranche was disbursed at funding.
func (s Split) ReleaseTrancheCents() models.Cents {
	return s.DriverEarningsCents - s.DriverPremiumShareCents
}

func roundCents(v float64) models.Cents {
	return models.Cents(math.Round(v))
}
