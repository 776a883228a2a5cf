package domain_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/duckoracle/internal/domain"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in      string
		want    domain.Amount
		wantErr bool
	}{
		{"1", domain.Unit, false},
		{"0.000001", 1, false},
		{"12.5", 12_500_000, false},
		{"-3.25", -3_250_000, false},
		{"0.0000001", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := domain.ParseAmount(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAmountJSON(t *testing.T) {
	var body struct {
		Stake domain.Amount `json:"stake"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"stake":"2.5"}`), &body))
	assert.Equal(t, domain.MustAmount("2.5"), body.Stake)

	out, err := json.Marshal(body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"stake":"2.500000"}`, string(out))
}

func TestMulDivFloor(t *testing.T) {
	assert.Equal(t, domain.Amount(3), domain.MulDivFloor(10, 1, 3))
	assert.Equal(t, domain.Units(50), domain.MulDivFloor(domain.Units(100), domain.Units(1), domain.Units(2)))
	assert.Equal(t, domain.Amount(0), domain.MulDivFloor(5, 5, 0))
}

func TestElapsed(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.False(t, domain.Elapsed(now, time.Time{}))
	assert.False(t, domain.Elapsed(now, now.Add(time.Second)))
	assert.True(t, domain.Elapsed(now, now))
	assert.True(t, domain.Elapsed(now, now.Add(-time.Second)))
}

func TestStateHelpers(t *testing.T) {
	assert.True(t, domain.MarketStateFinalized.Claimable())
	assert.True(t, domain.MarketStateClosed.Claimable())
	assert.False(t, domain.MarketStateDisputable.Claimable())
	assert.True(t, domain.MarketStateAwaitingPredictions.Resolving())
	assert.False(t, domain.MarketStateActive.Resolving())
	assert.Equal(t, domain.OutcomeNo, domain.OutcomeYes.Opposite())
}
