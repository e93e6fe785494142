package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMoney(t *testing.T) {
	tests := []struct {
		in   string
		want Money
	}{
		{"1", 1_000_000},
		{"0.0025", 2_500},
		{"12.5", 12_500_000},
		{".75", 750_000},
		{"0.0000004", 0},
		{"0.0000005", 1},
		{"-0.01", -10_000},
		{"3.", 3_000_000},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMoney(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseMoney_Invalid(t *testing.T) {
	for _, in := range []string{
		"", "abc", "1.2x", ".", "-", "--1", "+1",
		"1.-5", "1.+5", "-0.-5", "1.5.5", "1 .5",
		"9223372036854.775807", "99999999999999999999",
	} {
		_, err := ParseMoney(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestMoney_Cents(t *testing.T) {
	assert.Equal(t, int64(0), Money(4_999).Cents())
	assert.Equal(t, int64(1), Money(5_000).Cents())
	assert.Equal(t, int64(250), Money(2_500_000).Cents())
	assert.Equal(t, int64(-1), Money(-5_000).Cents())
}

func TestMoney_TimesIsExact(t *testing.T) {
	price := Money(2_500)
	assert.Equal(t, Money(1_000_000), price.Times(400))
	assert.Equal(t, "1.000000", price.Times(400).String())
}

func TestOrderStatus_Terminal(t *testing.T) {
	assert.True(t, OrderCompleted.IsTerminal())
	assert.True(t, OrderPartialRefund.IsTerminal())
	assert.True(t, OrderFailed.IsTerminal())
	assert.False(t, OrderCancelled.IsTerminal())
	assert.False(t, OrderRunning.IsTerminal())
	assert.True(t, OrderRunning.IsOpen())
	assert.False(t, OrderCancelled.IsOpen())
}

func TestParseTier(t *testing.T) {
	tier, err := ParseTier("high_volume")
	require.NoError(t, err)
	assert.Equal(t, TierHighVolume, tier)

	tier, err = ParseTier("")
	require.NoError(t, err)
	assert.Equal(t, TierDefault, tier)

	_, err = ParseTier("gold")
	assert.Error(t, err)
}
