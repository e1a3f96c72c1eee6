package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garmaxai/tryon-system/internal/model"
)

func TestSessionCost(t *testing.T) {
	tests := []struct {
		quality model.RenderQuality
		want    int64
	}{
		{model.QualitySD, 10},
		{model.QualityHD, 15},
		{model.Quality4K, 25},
	}

	for _, tt := range tests {
		t.Run(string(tt.quality), func(t *testing.T) {
			cost, err := SessionCost(tt.quality)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cost)
		})
	}
}

func TestSessionCost_InvalidQuality(t *testing.T) {
	_, err := SessionCost("8k")
	assert.ErrorIs(t, err, ErrInvalidQuality)
}

func TestCartCost(t *testing.T) {
	tests := []struct {
		name      string
		itemCount int
		quality   model.RenderQuality
		want      int64
	}{
		{"single sd item", 1, model.QualitySD, 1},
		{"four items no discount", 4, model.QualitySD, 4},
		{"five items first tier", 5, model.QualitySD, 4},
		{"ten sd items", 10, model.QualitySD, 8},
		{"twelve sd items", 12, model.QualitySD, 9},
		{"twelve hd items", 12, model.QualityHD, 19},
		{"fifteen items", 15, model.QualitySD, 10},
		{"twenty 4k items", 20, model.Quality4K, 48},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cost, err := CartCost(tt.itemCount, tt.quality)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cost)
		})
	}
}

func TestCartCost_Validation(t *testing.T) {
	_, err := CartCost(0, model.QualitySD)
	assert.ErrorIs(t, err, ErrInvalidItemCount)

	_, err = CartCost(21, model.QualitySD)
	assert.ErrorIs(t, err, ErrInvalidItemCount)

	_, err = CartCost(5, "ultra")
	assert.ErrorIs(t, err, ErrInvalidQuality)
}

func TestVolumeDiscount_FloorBound(t *testing.T) {
	assert.Equal(t, 1.0, VolumeDiscount(4))
	assert.Equal(t, 0.9, VolumeDiscount(5))
	assert.Equal(t, 0.8, VolumeDiscount(14))
	assert.Equal(t, 0.7, VolumeDiscount(19))
	assert.Equal(t, 0.6, VolumeDiscount(20))
	assert.Equal(t, 0.5, VolumeDiscount(40))
}
