// Package service реализует бизнес-логику сервиса краудсейла.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mkravchenko/crowdsale-system/internal/curve"
	"github.com/mkravchenko/crowdsale-system/internal/model"
	"github.com/mkravchenko/crowdsale-system/internal/repository"
	"github.com/mkravchenko/crowdsale-system/internal/validation"
)

// ErrSaleInactive возвращается до начала продажи и после административной остановки.
var (
	ErrSaleInactive = errors.New("sale is not active")
	// ErrBelowMinimum возвращается для взноса меньше минимального.
	ErrBelowMinimum = errors.New("contribution below minimum")
	// ErrInvalidBeneficiary возвращается для некорректного номера счёта получателя токенов.
	ErrInvalidBeneficiary = errors.New("invalid beneficiary account number")
	// ErrRateTooLow возвращается, когда прогнозный средний курс периода уже ниже
	// заявленного минимума жертвователя.
	ErrRateTooLow = errors.New("projected average rate below declared minimum")
	// ErrPeriodNotClosed возвращается при обращении к ещё не завершённому периоду.
	ErrPeriodNotClosed = errors.New("period is not closed yet")
	// ErrPeriodNotInitialized возвращается, пока смещение периода по кривой неизвестно.
	ErrPeriodNotInitialized = errors.New("period offset is not initialized")
	// ErrAverageNotComputed возвращается при расчёте взноса до фиксации среднего курса.
	ErrAverageNotComputed = errors.New("period average rate is not computed yet")
	// ErrHintInvalid возвращается, когда гипотеза не прошла проверку по списку
	// ограниченных взносов. Состояние периода при этом не меняется.
	ErrHintInvalid = errors.New("average hint failed validation")
	// ErrNotOwner возвращается при попытке рассчитать чужой взнос.
	ErrNotOwner = errors.New("donation belongs to another donor")
	// ErrValueOverflow возвращается, когда объём токенов не представим в конфигурации.
	ErrValueOverflow = errors.New("token amount overflows configured limits")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateAccount(ctx context.Context, login, number string, passwordHash []byte) (int64, error)
	GetAccountByLogin(ctx context.Context, login string) (*model.Account, error)
	GetAccountByID(ctx context.Context, id int64) (*model.Account, error)
	EnsurePeriod(ctx context.Context, periodID int64) error
	GetPeriod(ctx context.Context, periodID int64) (*model.Period, error)
	CreateDonation(ctx context.Context, d *model.Donation) (int64, int64, error)
	GetDonation(ctx context.Context, donationID int64) (*model.Donation, error)
	GetDonationsByDonor(ctx context.Context, donorID int64) ([]model.Donation, error)
	ListLimitedDonations(ctx context.Context, periodID, offset, limit int64) ([]model.Donation, error)
	CountLimitedDonations(ctx context.Context, periodID int64) (int64, error)
	UpsertAttempt(ctx context.Context, a *model.AverageAttempt) error
	GetAttempt(ctx context.Context, proposerID int64) (*model.AverageAttempt, error)
	UpdateAttempt(ctx context.Context, a *model.AverageAttempt) error
	DeleteAttempt(ctx context.Context, proposerID int64) error
	FinalizePeriod(ctx context.Context, f repository.FinalizedPeriod) error
	MarkCollected(ctx context.Context, donationID int64) (bool, error)
	IsHalted(ctx context.Context) (bool, error)
	SetHalted(ctx context.Context, halted bool) error
}

// MintingBackend описывает контракт внешней системы эмиссии токенов и
// кастодиальных переводов.
type MintingBackend interface {
	Mint(ctx context.Context, account string, amount int64) error
	Transfer(ctx context.Context, account string, amount int64) error
}

// Params содержит неизменяемые параметры продажи.
type Params struct {
	SaleStart       time.Time
	PeriodDuration  time.Duration
	MinContribution int64
	RateScale       int64
	SaleRecipient   string
	Curve           curve.Curve
}

// Service содержит бизнес-логику сервиса краудсейла.
type Service struct {
	repo    Repository
	backend MintingBackend
	params  Params
	logger  *zap.Logger
	now     func() time.Time
}

// NewService создаёт новый сервис с указанным репозиторием и клиентом системы эмиссии.
func NewService(repo Repository, backend MintingBackend, params Params, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:    repo,
		backend: backend,
		params:  params,
		logger:  logger,
		now:     time.Now,
	}
}

// StartPeriodWatcher следит за сменой периодов продажи и логирует закрытие
// каждого периода. Блокируется до отмены контекста.
func (s *Service) StartPeriodWatcher(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	last, started := s.currentPeriod(s.now())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current, ok := s.currentPeriod(s.now())
			if !ok {
				continue
			}
			if !started {
				started = true
				last = current
				s.logger.Info("sale started", zap.Int64("period", current))
				continue
			}
			for p := last; p < current; p++ {
				s.logger.Info("period closed",
					zap.Int64("period", p),
					zap.Int64("next", p+1),
				)
			}
			last = current
		}
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterAccount регистрирует нового участника продажи.
func (s *Service) RegisterAccount(ctx context.Context, login, password, number string) (int64, error) {
	if !validation.IsValidAccountNumber(number) {
		return 0, ErrInvalidBeneficiary
	}

	hashed := hashPassword(login, password)
	id, err := s.repo.CreateAccount(ctx, login, number, hashed)
	if err != nil {
		if errors.Is(err, repository.ErrAccountExists) {
			return 0, repository.ErrAccountExists
		}
		return 0, err
	}
	return id, nil
}

// AuthenticateAccount проверяет логин и пароль участника и возвращает его идентификатор.
func (s *Service) AuthenticateAccount(ctx context.Context, login, password string) (int64, error) {
	a, err := s.repo.GetAccountByLogin(ctx, login)
	if err != nil {
		return 0, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(a.PasswordHash) {
		return 0, errors.New("invalid credentials")
	}

	return a.ID, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// currentPeriod возвращает идентификатор периода, идущего в момент now.
// Второе значение false, если продажа ещё не началась.
func (s *Service) currentPeriod(now time.Time) (int64, bool) {
	if now.Before(s.params.SaleStart) {
		return 0, false
	}
	return int64(now.Sub(s.params.SaleStart) / s.params.PeriodDuration), true
}

// Contribute принимает взнос. Безусловный взнос (minRate == 0) сразу
// пересылается получателю продажи и рассчитывается по текущему участку
// кривой; ограниченный взнос остаётся на контракте до фиксации среднего
// курса периода. Возвращает созданный взнос и, для безусловного взноса,
// результат немедленного расчёта.
func (s *Service) Contribute(ctx context.Context, donorID int64, beneficiary string, amount, minRate int64) (*model.Donation, *model.Settlement, error) {
	if !validation.IsValidAccountNumber(beneficiary) {
		return nil, nil, ErrInvalidBeneficiary
	}
	if minRate < 0 {
		return nil, nil, fmt.Errorf("minimum rate must be non-negative, got %d", minRate)
	}

	periodID, started := s.currentPeriod(s.now())
	if !started {
		return nil, nil, ErrSaleInactive
	}

	halted, err := s.repo.IsHalted(ctx)
	if err != nil {
		return nil, nil, err
	}
	if halted {
		return nil, nil, ErrSaleInactive
	}

	if amount < s.params.MinContribution {
		return nil, nil, ErrBelowMinimum
	}

	if err := s.repo.EnsurePeriod(ctx, periodID); err != nil {
		return nil, nil, err
	}
	period, err := s.repo.GetPeriod(ctx, periodID)
	if err != nil {
		return nil, nil, err
	}

	if minRate == 0 {
		return s.contributeUnconditional(ctx, donorID, beneficiary, amount, period)
	}
	return s.contributeLimited(ctx, donorID, beneficiary, amount, minRate, period)
}

// contributeUnconditional записывает взнос рассчитанным, занимая участок
// кривой атомарно с блокировкой строки периода, затем пересылает средства
// получателю продажи и начисляет токены по среднему курсу занятого участка.
// Курс берётся от позиции, возвращённой вставкой: конкурирующие взносы
// сериализуются на строке периода и не делят один участок кривой.
func (s *Service) contributeUnconditional(ctx context.Context, donorID int64, beneficiary string, amount int64, period *model.Period) (*model.Donation, *model.Settlement, error) {
	if !period.IsInitialized {
		return nil, nil, ErrPeriodNotInitialized
	}

	d := &model.Donation{
		DonorID:     donorID,
		Beneficiary: beneficiary,
		PeriodID:    period.ID,
		Value:       amount,
		MinRate:     0,
		IsCollected: true,
	}

	id, position, err := s.repo.CreateDonation(ctx, d)
	if err != nil {
		return nil, nil, err
	}
	d.ID = id
	s.logDonationReceived(d)

	rate, err := s.params.Curve.Average(position, position+amount)
	if err != nil {
		return nil, nil, err
	}
	tokens, err := scaleTokens(rate, amount, s.params.RateScale)
	if err != nil {
		return nil, nil, err
	}

	if err := s.backend.Transfer(ctx, s.params.SaleRecipient, amount); err != nil {
		return nil, nil, fmt.Errorf("forward contribution: %w", err)
	}
	if err := s.backend.Mint(ctx, beneficiary, tokens); err != nil {
		return nil, nil, fmt.Errorf("mint tokens: %w", err)
	}

	settlement := &model.Settlement{DonationID: id, Tokens: tokens}
	s.logSettlementCompleted(settlement)

	return d, settlement, nil
}

// contributeLimited добавляет взнос в список ограниченных взносов периода.
// Если смещение периода уже известно, заведомо невыполнимый минимальный курс
// отклоняется сразу; эта проверка — ускорение, а не гарантия: итоговый курс
// периода может оказаться ниже минимума и после неё.
func (s *Service) contributeLimited(ctx context.Context, donorID int64, beneficiary string, amount, minRate int64, period *model.Period) (*model.Donation, *model.Settlement, error) {
	if period.IsInitialized {
		projected, err := s.params.Curve.Average(period.RaisedUpTo, period.RaisedUpTo+period.Raised+amount)
		if err != nil {
			return nil, nil, err
		}
		if projected < minRate {
			return nil, nil, ErrRateTooLow
		}
	}

	d := &model.Donation{
		DonorID:     donorID,
		Beneficiary: beneficiary,
		PeriodID:    period.ID,
		Value:       amount,
		MinRate:     minRate,
	}

	id, _, err := s.repo.CreateDonation(ctx, d)
	if err != nil {
		return nil, nil, err
	}
	d.ID = id

	s.logDonationReceived(d)

	return d, nil, nil
}

// Halt останавливает приём взносов. Расчёт уже принятых взносов продолжается.
func (s *Service) Halt(ctx context.Context) error {
	if err := s.repo.SetHalted(ctx, true); err != nil {
		return err
	}
	s.logger.Info("sale halted")
	return nil
}

// Resume возобновляет приём взносов.
func (s *Service) Resume(ctx context.Context) error {
	if err := s.repo.SetHalted(ctx, false); err != nil {
		return err
	}
	s.logger.Info("sale resumed")
	return nil
}

// Status возвращает сводное состояние продажи.
func (s *Service) Status(ctx context.Context) (*model.SaleStatus, error) {
	halted, err := s.repo.IsHalted(ctx)
	if err != nil {
		return nil, err
	}

	periodID, started := s.currentPeriod(s.now())

	return &model.SaleStatus{
		Started:         started,
		Halted:          halted,
		CurrentPeriod:   periodID,
		SaleStart:       s.params.SaleStart,
		PeriodDuration:  s.params.PeriodDuration,
		MinContribution: s.params.MinContribution,
		InitialRate:     s.params.Curve.InitialRate,
		RateScale:       s.params.RateScale,
	}, nil
}

// GetAttempt возвращает активную попытку проверки среднего курса инициатора.
func (s *Service) GetAttempt(ctx context.Context, proposerID int64) (*model.AverageAttempt, error) {
	return s.repo.GetAttempt(ctx, proposerID)
}

// GetPeriod возвращает состояние периода.
func (s *Service) GetPeriod(ctx context.Context, periodID int64) (*model.Period, error) {
	return s.repo.GetPeriod(ctx, periodID)
}

// GetDonation возвращает взнос по идентификатору.
func (s *Service) GetDonation(ctx context.Context, donationID int64) (*model.Donation, error) {
	return s.repo.GetDonation(ctx, donationID)
}

// GetDonationsByDonor возвращает список взносов участника.
func (s *Service) GetDonationsByDonor(ctx context.Context, donorID int64) ([]model.Donation, error) {
	return s.repo.GetDonationsByDonor(ctx, donorID)
}

func (s *Service) logDonationReceived(d *model.Donation) {
	s.logger.Info("donation received",
		zap.Int64("donation_id", d.ID),
		zap.Int64("donor_id", d.DonorID),
		zap.String("beneficiary", d.Beneficiary),
		zap.Int64("period_id", d.PeriodID),
		zap.Int64("value", d.Value),
		zap.Int64("min_rate", d.MinRate),
	)
}

func (s *Service) logSettlementCompleted(st *model.Settlement) {
	s.logger.Info("settlement completed",
		zap.Int64("donation_id", st.DonationID),
		zap.Int64("tokens", st.Tokens),
		zap.Int64("refund", st.Refund),
	)
}
