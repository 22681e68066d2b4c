package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mkravchenko/crowdsale-system/internal/model"
	"github.com/mkravchenko/crowdsale-system/internal/repository"
)

// defaultVerifySteps ограничивает объём работы одного шага проверки,
// если вызывающая сторона не задала лимит.
const defaultVerifySteps = 256

// VerifyResult описывает продвижение проверки гипотезы среднего курса.
type VerifyResult struct {
	PeriodID    int64
	Scanned     int64
	Remaining   int64
	Finalized   bool
	AverageRate int64
	Raised      int64
}

// ProposeAverage регистрирует гипотезу итогового засчитанного объёма
// закрытого периода и сразу выполняет один шаг её проверки. Предыдущая
// попытка того же инициатора перезаписывается. Счётчик объёма ниже курса
// начинается с безусловного объёма периода: такие взносы засчитаны по
// построению и в списке ограниченных не участвуют.
func (s *Service) ProposeAverage(ctx context.Context, proposerID, periodID, hintRaised, maxSteps int64) (*VerifyResult, error) {
	if hintRaised < 0 {
		return nil, fmt.Errorf("%w: negative raised volume", ErrHintInvalid)
	}
	if periodID < 0 {
		return nil, fmt.Errorf("period id must be non-negative, got %d", periodID)
	}

	current, started := s.currentPeriod(s.now())
	if !started || periodID >= current {
		return nil, ErrPeriodNotClosed
	}

	if err := s.repo.EnsurePeriod(ctx, periodID); err != nil {
		return nil, err
	}
	period, err := s.repo.GetPeriod(ctx, periodID)
	if err != nil {
		return nil, err
	}
	if !period.IsInitialized {
		return nil, ErrPeriodNotInitialized
	}
	if period.IsAverageComputed {
		return nil, repository.ErrPeriodFinalized
	}

	hintRate, err := s.params.Curve.Average(period.RaisedUpTo, period.RaisedUpTo+hintRaised)
	if err != nil {
		return nil, err
	}

	attempt := &model.AverageAttempt{
		ProposerID:  proposerID,
		PeriodID:    periodID,
		Scanned:     0,
		HintRaised:  hintRaised,
		HintRate:    hintRate,
		VolumeBelow: period.Raised,
		VolumeTied:  0,
	}

	if err := s.repo.UpsertAttempt(ctx, attempt); err != nil {
		return nil, err
	}

	s.logger.Info("average proposed",
		zap.Int64("period_id", periodID),
		zap.Int64("proposer_id", proposerID),
		zap.Int64("hint_raised", hintRaised),
		zap.Int64("hint_rate", hintRate),
	)

	return s.verifyStep(ctx, attempt, period, maxSteps)
}

// VerifyAverage продолжает проверку гипотезы инициатора с сохранённой
// позиции. Повторные вызовы продвигаются монотонно; прерванную проверку
// можно продолжить в любой момент.
func (s *Service) VerifyAverage(ctx context.Context, proposerID, periodID, maxSteps int64) (*VerifyResult, error) {
	attempt, err := s.repo.GetAttempt(ctx, proposerID)
	if err != nil {
		return nil, err
	}
	if attempt.PeriodID != periodID {
		return nil, fmt.Errorf("%w: attempt targets period %d", repository.ErrAttemptNotFound, attempt.PeriodID)
	}

	period, err := s.repo.GetPeriod(ctx, attempt.PeriodID)
	if err != nil {
		return nil, err
	}
	if period.IsAverageComputed {
		// Кто-то успел зафиксировать период раньше — попытка потеряла смысл.
		return nil, repository.ErrPeriodFinalized
	}

	return s.verifyStep(ctx, attempt, period, maxSteps)
}

// verifyStep сканирует до maxSteps записей списка ограниченных взносов
// периода и, дойдя до конца списка, проверяет гипотезу. Состояние периода
// меняется только при полном успехе.
func (s *Service) verifyStep(ctx context.Context, attempt *model.AverageAttempt, period *model.Period, maxSteps int64) (*VerifyResult, error) {
	if maxSteps <= 0 {
		maxSteps = defaultVerifySteps
	}

	total, err := s.repo.CountLimitedDonations(ctx, attempt.PeriodID)
	if err != nil {
		return nil, err
	}

	if attempt.Scanned < total {
		donations, err := s.repo.ListLimitedDonations(ctx, attempt.PeriodID, attempt.Scanned, maxSteps)
		if err != nil {
			return nil, err
		}

		for _, d := range donations {
			switch {
			case d.MinRate < attempt.HintRate:
				attempt.VolumeBelow += d.Value
			case d.MinRate == attempt.HintRate:
				attempt.VolumeTied += d.Value
			}
			// Взносы с минимальным курсом выше гипотезы вернутся при расчёте
			// и в засчитанный объём не входят.
			attempt.Scanned++
		}
	}

	if attempt.Scanned < total {
		if err := s.repo.UpdateAttempt(ctx, attempt); err != nil {
			return nil, err
		}
		return &VerifyResult{
			PeriodID:  attempt.PeriodID,
			Scanned:   attempt.Scanned,
			Remaining: total - attempt.Scanned,
		}, nil
	}

	return s.finishVerification(ctx, attempt, period)
}

// finishVerification проверяет просканированную гипотезу и при успехе
// фиксирует период. Неудачная гипотеза не трогает состояние периода:
// инициатор может предложить новую.
func (s *Service) finishVerification(ctx context.Context, attempt *model.AverageAttempt, period *model.Period) (*VerifyResult, error) {
	if attempt.VolumeBelow > attempt.HintRaised || attempt.VolumeBelow+attempt.VolumeTied < attempt.HintRaised {
		s.logger.Warn("average hint rejected",
			zap.Int64("period_id", attempt.PeriodID),
			zap.Int64("proposer_id", attempt.ProposerID),
			zap.Int64("hint_raised", attempt.HintRaised),
			zap.Int64("volume_below", attempt.VolumeBelow),
			zap.Int64("volume_tied", attempt.VolumeTied),
		)
		if err := s.repo.DeleteAttempt(ctx, attempt.ProposerID); err != nil {
			return nil, err
		}
		return nil, ErrHintInvalid
	}

	err := s.repo.FinalizePeriod(ctx, repository.FinalizedPeriod{
		PeriodID:           attempt.PeriodID,
		ProposerID:         attempt.ProposerID,
		Raised:             attempt.HintRaised,
		AverageRate:        attempt.HintRate,
		TiedVolume:         attempt.VolumeTied,
		TiedVolumeIncluded: attempt.HintRaised - attempt.VolumeBelow,
		NextRaisedUpTo:     period.RaisedUpTo + attempt.HintRaised,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("period average finalized",
		zap.Int64("period_id", attempt.PeriodID),
		zap.Int64("proposer_id", attempt.ProposerID),
		zap.Int64("average_rate", attempt.HintRate),
		zap.Int64("raised", attempt.HintRaised),
		zap.Int64("tied_volume", attempt.VolumeTied),
	)

	return &VerifyResult{
		PeriodID:    attempt.PeriodID,
		Scanned:     attempt.Scanned,
		Finalized:   true,
		AverageRate: attempt.HintRate,
		Raised:      attempt.HintRaised,
	}, nil
}
