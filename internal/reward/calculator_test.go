package reward

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustRat(t *testing.T, s string) *big.Rat {
	t.Helper()
	r, err := ParseDecimal(s)
	require.NoError(t, err)
	return r
}

func TestRewardExactQuantity(t *testing.T) {
	// 100 * 1% / 50 = 0.02
	units, err := Reward(mustRat(t, "100"), mustRat(t, "0.01"), mustRat(t, "50"), 6)
	require.NoError(t, err)
	require.Equal(t, "20000", units.String())
	require.Equal(t, "0.02", FormatUnits(units, 6))
}

func TestRewardScenarioHalfUnit(t *testing.T) {
	units, err := Reward(mustRat(t, "100"), mustRat(t, "0.01"), mustRat(t, "2.00"), 18)
	require.NoError(t, err)
	require.Equal(t, "0.5", FormatUnits(units, 18))
}

func TestRewardTruncatesAtSmallestUnit(t *testing.T) {
	// 99 * 1% / 3 = 0.33; with one decimal the smallest unit is 0.1
	units, err := Reward(mustRat(t, "99"), mustRat(t, "0.01"), mustRat(t, "3"), 1)
	require.NoError(t, err)
	require.Equal(t, "3", units.String())

	// 100 * 1% / 3 = 0.3333...
	units, err = Reward(mustRat(t, "100"), mustRat(t, "0.01"), mustRat(t, "3"), 2)
	require.NoError(t, err)
	require.Equal(t, "0.33", FormatUnits(units, 2))

	// 2/3 = 0.666... never becomes 0.67
	units, err = Reward(mustRat(t, "200"), mustRat(t, "0.01"), mustRat(t, "3"), 2)
	require.NoError(t, err)
	require.Equal(t, "66", units.String())
}

func TestRewardBelowSmallestUnitIsZero(t *testing.T) {
	units, err := Reward(mustRat(t, "1"), mustRat(t, "0.01"), mustRat(t, "1000"), 2)
	require.NoError(t, err)
	require.Equal(t, 0, units.Sign())
}

func TestRewardRejectsInvalidPrice(t *testing.T) {
	for _, price := range []string{"0", "-1"} {
		_, err := Reward(mustRat(t, "100"), mustRat(t, "0.01"), mustRat(t, price), 6)
		require.ErrorIs(t, err, ErrInvalidPrice)
	}
	_, err := Reward(mustRat(t, "100"), mustRat(t, "0.01"), nil, 6)
	require.ErrorIs(t, err, ErrInvalidPrice)
}

func TestRewardRejectsNegativeInputs(t *testing.T) {
	_, err := Reward(mustRat(t, "-100"), mustRat(t, "0.01"), mustRat(t, "1"), 6)
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = Reward(mustRat(t, "100"), mustRat(t, "-0.01"), mustRat(t, "1"), 6)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestOriginalFixedPriceReward(t *testing.T) {
	// $50 product, 1% reward, token at $0.000001 => 500000 tokens
	units, err := Reward(mustRat(t, "50"), mustRat(t, "0.01"), mustRat(t, "0.000001"), 9)
	require.NoError(t, err)
	require.Equal(t, "500000", FormatUnits(units, 9))
}

func TestParseHelpers(t *testing.T) {
	_, err := ParseDecimal("abc")
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = ParseUnits("-5")
	require.ErrorIs(t, err, ErrInvalidInput)

	v, err := ParseUnits("123")
	require.NoError(t, err)
	require.Equal(t, "0.000123", FormatUnits(v, 6))
	require.Equal(t, "100", FormatDecimal(mustRat(t, "100.000000"), 6))
}

func TestFitsPrecision(t *testing.T) {
	require.True(t, FitsPrecision(mustRat(t, "100"), 6))
	require.True(t, FitsPrecision(mustRat(t, "100.123456"), 6))
	require.True(t, FitsPrecision(mustRat(t, "1.0000010"), 6))
	require.False(t, FitsPrecision(mustRat(t, "1.0000001"), 6))
	require.False(t, FitsPrecision(mustRat(t, "1/3"), 6))
	require.False(t, FitsPrecision(mustRat(t, "0.5"), 0))
}
