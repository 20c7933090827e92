package energy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTariffMonotonicity(t *testing.T) {
	points := []float64{0, 0.001, 0.1505817, 0.2, 0.684462, 1, 10, 55, 100, 250, 300, 1000}
	for i := 1; i < len(points); i++ {
		assert.Less(t, AnnualEmissions(points[i-1]), AnnualEmissions(points[i]),
			"annual tariff not increasing between %v and %v", points[i-1], points[i])
		assert.Less(t, DailyEmissions(points[i-1]), DailyEmissions(points[i]),
			"daily tariff not increasing between %v and %v", points[i-1], points[i])
	}
	assert.Equal(t, 0.0, AnnualEmissions(0))
	assert.Equal(t, 0.0, DailyEmissions(0))
}

func TestTariffContinuityAtBoundaries(t *testing.T) {
	const eps = 1e-9
	// Evaluate each boundary through both branch formulas.
	assert.InDelta(t, 55*0.0068, AnnualEmissions(55), 1e-12)
	assert.InDelta(t, AnnualEmissions(55), AnnualEmissions(55+eps), 1e-6)
	assert.InDelta(t, AnnualEmissions(250), AnnualEmissions(250+eps), 1e-6)

	assert.InDelta(t, 0.1505817*0.0068, DailyEmissions(0.1505817), 1e-12)
	assert.InDelta(t, DailyEmissions(0.1505817), DailyEmissions(0.1505817+eps), 1e-6)
	assert.InDelta(t, DailyEmissions(0.684462), DailyEmissions(0.684462+eps), 1e-6)
}

func TestTariffBandMath(t *testing.T) {
	// Energy in the top annual band: marginal rate plus lower-tier sums.
	want := (300-250)*0.0010 + 55*0.0068 + (250-55)*0.0013
	assert.InDelta(t, want, AnnualEmissions(300), 1e-12)

	// Middle daily band.
	wantDaily := (0.5-0.1505817)*0.0013 + 0.1505817*0.0068
	assert.InDelta(t, wantDaily, DailyEmissions(0.5), 1e-12)
}

func TestRound4(t *testing.T) {
	assert.Equal(t, 0.3740, Round4(0.374049))
	assert.Equal(t, 0.3741, Round4(0.374050001))
}
