// Package curve реализует кривую курса продажи: экспоненциальное затухание
// курса по партиям фиксированного объёма и средний курс на интервале объёма.
package curve

import (
	"errors"
	"fmt"
	"math/big"
)

// ErrInvalidInterval возвращается для интервала объёма с отрицательной
// границей или концом раньше начала.
var ErrInvalidInterval = errors.New("invalid volume interval")

// Curve задаёт параметры кривой курса. Все вычисления целочисленные,
// деление — с округлением вниз; от порядка операций зависит сходимость
// расчётов между сторонами бит в бит, менять его нельзя.
type Curve struct {
	// InitialRate — курс нулевой партии в единицах RateScale.
	InitialRate int64
	// DecayNumerator и DecayDenominator задают множитель затухания
	// курса на одну партию.
	DecayNumerator   int64
	DecayDenominator int64
	// BatchSize — объём одной партии в минимальных единицах валюты.
	BatchSize int64
}

// Validate проверяет параметры кривой. Вырожденные конфигурации
// (отсутствие затухания, рост курса, нулевые параметры) отклоняются здесь,
// чтобы деление на ноль и переполнение были невозможны во время продажи.
func (c Curve) Validate() error {
	if c.InitialRate <= 0 {
		return fmt.Errorf("initial rate must be positive, got %d", c.InitialRate)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.DecayNumerator <= 0 || c.DecayDenominator <= 0 {
		return fmt.Errorf("decay factor must be positive, got %d/%d", c.DecayNumerator, c.DecayDenominator)
	}
	if c.DecayNumerator >= c.DecayDenominator {
		return fmt.Errorf("decay factor %d/%d must be strictly less than one", c.DecayNumerator, c.DecayDenominator)
	}
	return nil
}

// RateAt возвращает курс партии с индексом batch:
// initialRate * decayNumerator^batch / decayDenominator^batch.
func (c Curve) RateAt(batch int64) int64 {
	return c.rateAt(batch).Int64()
}

// rateAt вычисляет курс партии в big.Int. Курс не превышает InitialRate,
// поэтому результат всегда помещается в int64.
func (c Curve) rateAt(batch int64) *big.Int {
	if batch <= 0 {
		return big.NewInt(c.InitialRate)
	}
	e := big.NewInt(batch)
	num := new(big.Int).Exp(big.NewInt(c.DecayNumerator), e, nil)
	den := new(big.Int).Exp(big.NewInt(c.DecayDenominator), e, nil)
	r := new(big.Int).Mul(big.NewInt(c.InitialRate), num)
	return r.Quo(r, den)
}

// Average возвращает средний курс на полуоткрытом интервале объёма
// [start, end), взвешенный по объёму. Для пустого интервала возвращается
// курс партии, в которую попадает start.
func (c Curve) Average(start, end int64) (int64, error) {
	if start < 0 || end < start {
		return 0, fmt.Errorf("%w: [%d, %d)", ErrInvalidInterval, start, end)
	}

	batchStart := start / c.BatchSize
	batchEnd := end / c.BatchSize

	switch batchEnd - batchStart {
	case 0:
		// Обе границы в одной партии — курс на интервале постоянен.
		return c.RateAt(batchStart), nil
	case 1:
		// Интервал пересекает одну границу партий: среднее двух курсов,
		// взвешенное по объёму в каждой из партий.
		head := new(big.Int).Mul(c.rateAt(batchStart), big.NewInt((batchStart+1)*c.BatchSize-start))
		tail := new(big.Int).Mul(c.rateAt(batchEnd), big.NewInt(end-batchEnd*c.BatchSize))
		sum := head.Add(head, tail)
		return sum.Quo(sum, big.NewInt(end-start)).Int64(), nil
	default:
		// Полностью покрытые партии сворачиваются в конечную геометрическую
		// сумму: batchSize * (rate(batchStart+1) - rate(batchEnd)) *
		// decayDenominator / (decayDenominator - decayNumerator).
		head := new(big.Int).Mul(c.rateAt(batchStart), big.NewInt((batchStart+1)*c.BatchSize-start))
		mid := new(big.Int).Sub(c.rateAt(batchStart+1), c.rateAt(batchEnd))
		mid.Mul(mid, big.NewInt(c.BatchSize))
		mid.Mul(mid, big.NewInt(c.DecayDenominator))
		mid.Quo(mid, big.NewInt(c.DecayDenominator-c.DecayNumerator))
		tail := new(big.Int).Mul(c.rateAt(batchEnd), big.NewInt(end-batchEnd*c.BatchSize))
		sum := head.Add(head, mid)
		sum.Add(sum, tail)
		return sum.Quo(sum, big.NewInt(end-start)).Int64(), nil
	}
}
