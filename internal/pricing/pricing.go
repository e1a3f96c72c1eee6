// Package pricing содержит расчёт стоимости рендеров в кредитах.
package pricing

import (
	"errors"

	"github.com/garmaxai/tryon-system/internal/model"
)

// ErrInvalidQuality возвращается для качества вне перечисления sd/hd/4k.
var (
	ErrInvalidQuality = errors.New("invalid render quality")
	// ErrInvalidItemCount возвращается, если число позиций вне диапазона [1, 20].
	ErrInvalidItemCount = errors.New("item count must be between 1 and 20")
)

// MaxCartItems ограничивает размер корзины для пакетной примерки.
const MaxCartItems = 20

// Фиксированная стоимость одиночной примерки по качеству.
var sessionCost = map[model.RenderQuality]int64{
	model.QualitySD: 10,
	model.QualityHD: 15,
	model.Quality4K: 25,
}

// Множитель качества для пакетных примерок корзины.
var qualityMultiplier = map[model.RenderQuality]int64{
	model.QualitySD: 1,
	model.QualityHD: 2,
	model.Quality4K: 4,
}

// SessionCost возвращает стоимость одиночной примерки в кредитах.
func SessionCost(quality model.RenderQuality) (int64, error) {
	cost, ok := sessionCost[quality]
	if !ok {
		return 0, ErrInvalidQuality
	}
	return cost, nil
}

// CartCost возвращает стоимость пакетной примерки корзины:
// itemCount * 1 кредит * множитель качества * объёмная скидка, с округлением вниз.
// Скидка считается в десятых долях целыми числами, чтобы floor не зависел
// от погрешности плавающей точки.
func CartCost(itemCount int, quality model.RenderQuality) (int64, error) {
	if itemCount < 1 || itemCount > MaxCartItems {
		return 0, ErrInvalidItemCount
	}

	mult, ok := qualityMultiplier[quality]
	if !ok {
		return 0, ErrInvalidQuality
	}

	return int64(itemCount) * mult * discountTenths(itemCount) / 10, nil
}

// VolumeDiscount возвращает коэффициент объёмной скидки: минус 0.1 за каждые
// полные 5 позиций, но не ниже 0.5.
func VolumeDiscount(itemCount int) float64 {
	return float64(discountTenths(itemCount)) / 10
}

func discountTenths(itemCount int) int64 {
	tenths := int64(10 - itemCount/5)
	if tenths < 5 {
		return 5
	}
	return tenths
}
