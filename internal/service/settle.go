package service

import (
	"context"
	"fmt"
	"math/big"

	"go.uber.org/zap"

	"github.com/mkravchenko/crowdsale-system/internal/model"
)

// Collect рассчитывает один взнос: начисляет токены и/или возвращает
// средства по зафиксированному среднему курсу периода. Повторный вызов для
// уже рассчитанного взноса ничего не меняет. Участник рассчитывает только
// свои взносы; административный вызов (asAdmin) — любые.
func (s *Service) Collect(ctx context.Context, callerID, donationID int64, asAdmin bool) (*model.Settlement, error) {
	d, err := s.repo.GetDonation(ctx, donationID)
	if err != nil {
		return nil, err
	}
	if !asAdmin && d.DonorID != callerID {
		return nil, ErrNotOwner
	}
	if d.IsCollected {
		return &model.Settlement{DonationID: d.ID, AlreadyCollected: true}, nil
	}

	current, started := s.currentPeriod(s.now())
	if !started || d.PeriodID >= current {
		return nil, ErrPeriodNotClosed
	}

	period, err := s.repo.GetPeriod(ctx, d.PeriodID)
	if err != nil {
		return nil, err
	}
	if !period.IsAverageComputed {
		return nil, ErrAverageNotComputed
	}

	tokens, refund, err := settleAmounts(d, period, s.params.RateScale)
	if err != nil {
		return nil, err
	}

	// Сначала отметка, потом эмиссия: отметку получает ровно один из
	// конкурирующих вызовов, остальные видят взнос уже рассчитанным и
	// токены не дублируют.
	marked, err := s.repo.MarkCollected(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	if !marked {
		return &model.Settlement{DonationID: d.ID, AlreadyCollected: true}, nil
	}

	if tokens > 0 {
		if err := s.backend.Mint(ctx, d.Beneficiary, tokens); err != nil {
			return nil, fmt.Errorf("mint tokens: %w", err)
		}
	}
	if refund > 0 {
		donor, err := s.repo.GetAccountByID(ctx, d.DonorID)
		if err != nil {
			return nil, err
		}
		if err := s.backend.Transfer(ctx, donor.Number, refund); err != nil {
			return nil, fmt.Errorf("refund donor: %w", err)
		}
	}

	settlement := &model.Settlement{DonationID: d.ID, Tokens: tokens, Refund: refund}
	s.logSettlementCompleted(settlement)

	return settlement, nil
}

// CollectBatch рассчитывает набор взносов от имени администратора.
// Ошибка одного взноса не прерывает расчёт остальных.
func (s *Service) CollectBatch(ctx context.Context, donationIDs []int64) []model.Settlement {
	res := make([]model.Settlement, 0, len(donationIDs))
	for _, id := range donationIDs {
		st, err := s.Collect(ctx, 0, id, true)
		if err != nil {
			s.logger.Warn("batch collect failed",
				zap.Int64("donation_id", id),
				zap.Error(err),
			)
			continue
		}
		res = append(res, *st)
	}
	return res
}

// settleAmounts классифицирует взнос по зафиксированному среднему курсу
// периода и возвращает объём токенов и возврата. Взносы ровно на границе
// курса засчитываются пропорционально: из общего связанного объёма
// засчитана только часть TiedVolumeIncluded.
func settleAmounts(d *model.Donation, p *model.Period, rateScale int64) (tokens, refund int64, err error) {
	switch {
	case d.MinRate < p.AverageRate:
		tokens, err = scaleTokens(p.AverageRate, d.Value, rateScale)
		if err != nil {
			return 0, 0, err
		}
		return tokens, 0, nil

	case d.MinRate == p.AverageRate:
		spent := prorate(d.Value, p.TiedVolumeIncluded, p.TiedVolume)
		tokens, err = scaleTokens(p.AverageRate, spent, rateScale)
		if err != nil {
			return 0, 0, err
		}
		return tokens, d.Value - spent, nil

	default:
		return 0, d.Value, nil
	}
}

// scaleTokens возвращает rate * value / rateScale, считая произведение в
// big.Int. Результат за пределами int64 — фатальная ошибка конфигурации.
func scaleTokens(rate, value, rateScale int64) (int64, error) {
	t := new(big.Int).Mul(big.NewInt(rate), big.NewInt(value))
	t.Quo(t, big.NewInt(rateScale))
	if !t.IsInt64() {
		return 0, fmt.Errorf("%w: %d * %d / %d", ErrValueOverflow, rate, value, rateScale)
	}
	return t.Int64(), nil
}

// prorate возвращает value * included / total с округлением вниз,
// без потери точности на промежуточном произведении.
func prorate(value, included, total int64) int64 {
	if total == 0 {
		return 0
	}
	r := new(big.Int).Mul(big.NewInt(value), big.NewInt(included))
	r.Quo(r, big.NewInt(total))
	return r.Int64()
}
