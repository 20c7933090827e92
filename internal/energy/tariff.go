package energy

import "math"

// Progressive three-tier tariffs mapping energy (kWh) to CO2 mass (kg).
// Each tier charges its factor on the marginal energy above the previous
// threshold, plus the full emissions of the lower tiers. The band constants
// are fixed by the reporting methodology and must not be re-derived.

// Annual tariff bands, applied to per-client yearly totals.
const (
	annualBand1KWh = 55
	annualBand2KWh = 250

	annualFactor1 = 0.0068
	annualFactor2 = 0.0013
	annualFactor3 = 0.0010
)

// Daily tariff bands, applied to single device-day energies.
const (
	dailyBand1KWh = 0.1505817
	dailyBand2KWh = 0.684462

	dailyFactor1 = 0.0068
	dailyFactor2 = 0.0013
	dailyFactor3 = 0.001
)

// AnnualEmissions converts a yearly energy total to CO2 kg using the
// aggregate tariff. The result is full precision; the reporting endpoint
// rounds to 4 decimals.
func AnnualEmissions(energyKWh float64) float64 {
	switch {
	case energyKWh <= annualBand1KWh:
		return energyKWh * annualFactor1
	case energyKWh <= annualBand2KWh:
		return (energyKWh-annualBand1KWh)*annualFactor2 + annualBand1KWh*annualFactor1
	default:
		return (energyKWh-annualBand2KWh)*annualFactor3 +
			annualBand1KWh*annualFactor1 +
			(annualBand2KWh-annualBand1KWh)*annualFactor2
	}
}

// DailyEmissions converts a device-day energy to CO2 kg using the per-day
// tariff, preserving full precision.
func DailyEmissions(energyKWh float64) float64 {
	switch {
	case energyKWh <= dailyBand1KWh:
		return energyKWh * dailyFactor1
	case energyKWh <= dailyBand2KWh:
		return (energyKWh-dailyBand1KWh)*dailyFactor2 + dailyBand1KWh*dailyFactor1
	default:
		return (energyKWh-dailyBand2KWh)*dailyFactor3 +
			dailyBand1KWh*dailyFactor1 +
			(dailyBand2KWh-dailyBand1KWh)*dailyFactor2
	}
}

// Round4 rounds to 4 decimals for the aggregate endpoint.
func Round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
