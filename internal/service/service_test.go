package service

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/mkravchenko/crowdsale-system/internal/curve"
	"github.com/mkravchenko/crowdsale-system/internal/model"
	"github.com/mkravchenko/crowdsale-system/internal/repository"
)

var saleStart = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

const (
	recipientAccount   = "79927398713"
	beneficiaryAccount = "4539578763621486"
)

type stubRepo struct {
	accounts  map[int64]*model.Account
	donations []*model.Donation
	periods   map[int64]*model.Period
	attempts  map[int64]*model.AverageAttempt
	halted    bool
	nextID    int64

	// onCreate выполняется в начале CreateDonation и имитирует взнос,
	// успевший зафиксироваться между чтением периода сервисом и вставкой.
	onCreate func(s *stubRepo)
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		accounts: make(map[int64]*model.Account),
		periods:  make(map[int64]*model.Period),
		attempts: make(map[int64]*model.AverageAttempt),
	}
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) CreateAccount(ctx context.Context, login, number string, passwordHash []byte) (int64, error) {
	for _, a := range s.accounts {
		if a.Login == login {
			return 0, repository.ErrAccountExists
		}
	}
	s.nextID++
	s.accounts[s.nextID] = &model.Account{ID: s.nextID, Login: login, Number: number, PasswordHash: passwordHash}
	return s.nextID, nil
}

func (s *stubRepo) GetAccountByLogin(ctx context.Context, login string) (*model.Account, error) {
	for _, a := range s.accounts {
		if a.Login == login {
			return a, nil
		}
	}
	return nil, repository.ErrAccountNotFound
}

func (s *stubRepo) GetAccountByID(ctx context.Context, id int64) (*model.Account, error) {
	a, ok := s.accounts[id]
	if !ok {
		return nil, repository.ErrAccountNotFound
	}
	return a, nil
}

func (s *stubRepo) EnsurePeriod(ctx context.Context, periodID int64) error {
	if _, ok := s.periods[periodID]; !ok {
		s.periods[periodID] = &model.Period{ID: periodID, IsInitialized: periodID == 0}
	}
	return nil
}

func (s *stubRepo) GetPeriod(ctx context.Context, periodID int64) (*model.Period, error) {
	p, ok := s.periods[periodID]
	if !ok {
		return nil, repository.ErrPeriodNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *stubRepo) CreateDonation(ctx context.Context, d *model.Donation) (int64, int64, error) {
	if s.onCreate != nil {
		hook := s.onCreate
		s.onCreate = nil
		hook(s)
	}

	if err := s.EnsurePeriod(ctx, d.PeriodID); err != nil {
		return 0, 0, err
	}

	p := s.periods[d.PeriodID]
	position := p.RaisedUpTo + p.Raised

	cp := *d
	cp.ID = int64(len(s.donations)) + 1
	s.donations = append(s.donations, &cp)

	p.DonationCount++
	p.TotalReceived += d.Value
	if d.IsCollected {
		p.ClearedCount++
	}
	if !d.Limited() {
		p.Raised += d.Value
	}

	return cp.ID, position, nil
}

func (s *stubRepo) GetDonation(ctx context.Context, donationID int64) (*model.Donation, error) {
	if donationID < 1 || donationID > int64(len(s.donations)) {
		return nil, repository.ErrDonationNotFound
	}
	cp := *s.donations[donationID-1]
	return &cp, nil
}

func (s *stubRepo) GetDonationsByDonor(ctx context.Context, donorID int64) ([]model.Donation, error) {
	var res []model.Donation
	for _, d := range s.donations {
		if d.DonorID == donorID {
			res = append(res, *d)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID > res[j].ID })
	return res, nil
}

func (s *stubRepo) limited(periodID int64) []*model.Donation {
	var res []*model.Donation
	for _, d := range s.donations {
		if d.PeriodID == periodID && d.Limited() {
			res = append(res, d)
		}
	}
	return res
}

func (s *stubRepo) ListLimitedDonations(ctx context.Context, periodID, offset, limit int64) ([]model.Donation, error) {
	all := s.limited(periodID)

	var res []model.Donation
	for i := offset; i < int64(len(all)) && i < offset+limit; i++ {
		res = append(res, *all[i])
	}
	return res, nil
}

func (s *stubRepo) CountLimitedDonations(ctx context.Context, periodID int64) (int64, error) {
	return int64(len(s.limited(periodID))), nil
}

func (s *stubRepo) UpsertAttempt(ctx context.Context, a *model.AverageAttempt) error {
	cp := *a
	s.attempts[a.ProposerID] = &cp
	return nil
}

func (s *stubRepo) GetAttempt(ctx context.Context, proposerID int64) (*model.AverageAttempt, error) {
	a, ok := s.attempts[proposerID]
	if !ok {
		return nil, repository.ErrAttemptNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *stubRepo) UpdateAttempt(ctx context.Context, a *model.AverageAttempt) error {
	cp := *a
	s.attempts[a.ProposerID] = &cp
	return nil
}

func (s *stubRepo) DeleteAttempt(ctx context.Context, proposerID int64) error {
	delete(s.attempts, proposerID)
	return nil
}

func (s *stubRepo) FinalizePeriod(ctx context.Context, f repository.FinalizedPeriod) error {
	p, ok := s.periods[f.PeriodID]
	if !ok {
		return repository.ErrPeriodNotFound
	}
	if p.IsAverageComputed {
		return repository.ErrPeriodFinalized
	}

	p.Raised = f.Raised
	p.AverageRate = f.AverageRate
	p.TiedVolume = f.TiedVolume
	p.TiedVolumeIncluded = f.TiedVolumeIncluded
	p.IsAverageComputed = true

	next, ok := s.periods[f.PeriodID+1]
	if !ok {
		next = &model.Period{ID: f.PeriodID + 1}
		s.periods[f.PeriodID+1] = next
	}
	next.RaisedUpTo = f.NextRaisedUpTo
	next.IsInitialized = true

	delete(s.attempts, f.ProposerID)
	return nil
}

func (s *stubRepo) MarkCollected(ctx context.Context, donationID int64) (bool, error) {
	if donationID < 1 || donationID > int64(len(s.donations)) {
		return false, repository.ErrDonationNotFound
	}
	d := s.donations[donationID-1]
	if d.IsCollected {
		return false, nil
	}
	d.IsCollected = true
	s.periods[d.PeriodID].ClearedCount++
	return true, nil
}

func (s *stubRepo) IsHalted(ctx context.Context) (bool, error) { return s.halted, nil }

func (s *stubRepo) SetHalted(ctx context.Context, halted bool) error {
	s.halted = halted
	return nil
}

type backendCall struct {
	account string
	amount  int64
}

type stubBackend struct {
	mints       []backendCall
	transfers   []backendCall
	mintErr     error
	transferErr error
}

func (b *stubBackend) Mint(ctx context.Context, account string, amount int64) error {
	if b.mintErr != nil {
		return b.mintErr
	}
	b.mints = append(b.mints, backendCall{account: account, amount: amount})
	return nil
}

func (b *stubBackend) Transfer(ctx context.Context, account string, amount int64) error {
	if b.transferErr != nil {
		return b.transferErr
	}
	b.transfers = append(b.transfers, backendCall{account: account, amount: amount})
	return nil
}

func testParams() Params {
	return Params{
		SaleStart:       saleStart,
		PeriodDuration:  time.Hour,
		MinContribution: 10,
		RateScale:       1,
		SaleRecipient:   recipientAccount,
		Curve: curve.Curve{
			InitialRate:      1000,
			DecayNumerator:   9,
			DecayDenominator: 10,
			BatchSize:        100,
		},
	}
}

func newTestService() (*Service, *stubRepo, *stubBackend) {
	repo := newStubRepo()
	backend := &stubBackend{}
	svc := NewService(repo, backend, testParams(), nil)
	svc.now = func() time.Time { return saleStart }
	return svc, repo, backend
}

func atPeriod(svc *Service, periodID int64) {
	svc.now = func() time.Time {
		return saleStart.Add(time.Duration(periodID) * time.Hour)
	}
}

func TestContribute_UnconditionalImmediateMint(t *testing.T) {
	svc, repo, backend := newTestService()
	ctx := context.Background()

	d, st, err := svc.Contribute(ctx, 1, beneficiaryAccount, 50, 0)
	if err != nil {
		t.Fatalf("Contribute: %v", err)
	}

	if st == nil || st.Tokens != 50*1000 {
		t.Fatalf("expected immediate mint of 50000 tokens, got %+v", st)
	}
	if st.Refund != 0 {
		t.Fatalf("expected zero refund, got %d", st.Refund)
	}
	if !d.IsCollected {
		t.Fatalf("unconditional donation must be created collected")
	}

	if len(backend.transfers) != 1 || backend.transfers[0] != (backendCall{recipientAccount, 50}) {
		t.Fatalf("expected forwarded funds to sale recipient, got %+v", backend.transfers)
	}
	if len(backend.mints) != 1 || backend.mints[0] != (backendCall{beneficiaryAccount, 50000}) {
		t.Fatalf("expected mint to beneficiary, got %+v", backend.mints)
	}

	p, err := repo.GetPeriod(ctx, 0)
	if err != nil {
		t.Fatalf("GetPeriod: %v", err)
	}
	if p.Raised != 50 || p.TotalReceived != 50 {
		t.Fatalf("period volumes: raised=%d received=%d, want 50/50", p.Raised, p.TotalReceived)
	}

	if n, _ := repo.CountLimitedDonations(ctx, 0); n != 0 {
		t.Fatalf("unconditional donation must not enter the limited list")
	}
}

func TestContribute_SerializedPricing(t *testing.T) {
	svc, repo, backend := newTestService()
	ctx := context.Background()

	// Между чтением периода сервисом и вставкой успевает зафиксироваться
	// чужой безусловный взнос на 100. Курс должен браться от позиции,
	// возвращённой вставкой, а не от устаревшего чтения: участок [100, 200)
	// даёт курс 900, а не 1000.
	repo.onCreate = func(s *stubRepo) {
		s.periods[0].Raised += 100
		s.periods[0].TotalReceived += 100
	}
	if err := repo.EnsurePeriod(ctx, 0); err != nil {
		t.Fatalf("ensure period: %v", err)
	}

	_, st, err := svc.Contribute(ctx, 1, beneficiaryAccount, 100, 0)
	if err != nil {
		t.Fatalf("Contribute: %v", err)
	}

	if st.Tokens != 100*900 {
		t.Fatalf("tokens = %d, want %d priced from the reserved segment", st.Tokens, 100*900)
	}
	if len(backend.mints) != 1 || backend.mints[0].amount != 90000 {
		t.Fatalf("minted %+v, want a single mint of 90000", backend.mints)
	}
}

func TestContribute_BeforeSaleStart(t *testing.T) {
	svc, _, _ := newTestService()
	svc.now = func() time.Time { return saleStart.Add(-time.Minute) }

	_, _, err := svc.Contribute(context.Background(), 1, beneficiaryAccount, 50, 0)
	if !errors.Is(err, ErrSaleInactive) {
		t.Fatalf("expected ErrSaleInactive, got %v", err)
	}
}

func TestContribute_Halted(t *testing.T) {
	svc, repo, _ := newTestService()
	repo.halted = true

	_, _, err := svc.Contribute(context.Background(), 1, beneficiaryAccount, 50, 0)
	if !errors.Is(err, ErrSaleInactive) {
		t.Fatalf("expected ErrSaleInactive, got %v", err)
	}
}

func TestContribute_BelowMinimum(t *testing.T) {
	svc, _, _ := newTestService()

	_, _, err := svc.Contribute(context.Background(), 1, beneficiaryAccount, 5, 0)
	if !errors.Is(err, ErrBelowMinimum) {
		t.Fatalf("expected ErrBelowMinimum, got %v", err)
	}
}

func TestContribute_InvalidBeneficiary(t *testing.T) {
	svc, _, _ := newTestService()

	_, _, err := svc.Contribute(context.Background(), 1, "not-a-number", 50, 0)
	if !errors.Is(err, ErrInvalidBeneficiary) {
		t.Fatalf("expected ErrInvalidBeneficiary, got %v", err)
	}
}

func TestContribute_LimitedHeld(t *testing.T) {
	svc, repo, backend := newTestService()
	ctx := context.Background()

	d, st, err := svc.Contribute(ctx, 1, beneficiaryAccount, 30, 500)
	if err != nil {
		t.Fatalf("Contribute: %v", err)
	}
	if st != nil {
		t.Fatalf("limited donation must not settle immediately, got %+v", st)
	}
	if d.IsCollected {
		t.Fatalf("limited donation must not be collected at creation")
	}
	if len(backend.mints) != 0 || len(backend.transfers) != 0 {
		t.Fatalf("limited donation must not touch the backend")
	}

	p, _ := repo.GetPeriod(ctx, 0)
	if p.Raised != 0 || p.TotalReceived != 30 {
		t.Fatalf("period volumes: raised=%d received=%d, want 0/30", p.Raised, p.TotalReceived)
	}
	if n, _ := repo.CountLimitedDonations(ctx, 0); n != 1 {
		t.Fatalf("limited donation must enter the limited list")
	}
}

func TestContribute_EarlyRateRejection(t *testing.T) {
	svc, _, _ := newTestService()

	// Прогнозный средний курс периода 0 равен 1000; минимум выше него
	// отклоняется, не дожидаясь закрытия периода.
	_, _, err := svc.Contribute(context.Background(), 1, beneficiaryAccount, 50, 1001)
	if !errors.Is(err, ErrRateTooLow) {
		t.Fatalf("expected ErrRateTooLow, got %v", err)
	}
}

func TestContribute_UnconditionalRequiresInitializedPeriod(t *testing.T) {
	svc, _, _ := newTestService()
	atPeriod(svc, 1)

	// Период 0 ещё не зафиксирован, смещение периода 1 неизвестно.
	_, _, err := svc.Contribute(context.Background(), 1, beneficiaryAccount, 50, 0)
	if !errors.Is(err, ErrPeriodNotInitialized) {
		t.Fatalf("expected ErrPeriodNotInitialized, got %v", err)
	}
}

// seedLimitedPeriod наполняет период 0 тремя ограниченными взносами по 100.
// Гипотеза 150 пересекает границу партий и даёт курс Average(0, 150) = 966,
// поэтому минимумы распределяются ниже (500), ровно на уровне (966) и выше
// (980) итогового курса, причём все три проходят раннюю проверку: прогнозный
// курс на момент взноса равен 1000. Затем часы переводятся в период 1.
func seedLimitedPeriod(t *testing.T, svc *Service) {
	t.Helper()
	ctx := context.Background()

	donations := []struct {
		value, minRate int64
	}{
		{100, 500},
		{100, 966},
		{100, 980},
	}
	for _, d := range donations {
		if _, _, err := svc.Contribute(ctx, 1, beneficiaryAccount, d.value, d.minRate); err != nil {
			t.Fatalf("seed contribute: %v", err)
		}
	}

	atPeriod(svc, 1)
}

func TestProposeAverage_FinalizesPeriod(t *testing.T) {
	svc, repo, _ := newTestService()
	seedLimitedPeriod(t, svc)
	ctx := context.Background()

	res, err := svc.ProposeAverage(ctx, 7, 0, 150, 10)
	if err != nil {
		t.Fatalf("ProposeAverage: %v", err)
	}
	if !res.Finalized {
		t.Fatalf("expected finalization, got %+v", res)
	}
	if res.AverageRate != 966 || res.Raised != 150 {
		t.Fatalf("unexpected result: %+v", res)
	}

	p, _ := repo.GetPeriod(ctx, 0)
	if !p.IsAverageComputed {
		t.Fatalf("period must be finalized")
	}
	if p.Raised != 150 || p.AverageRate != 966 {
		t.Fatalf("period state: raised=%d rate=%d, want 150/966", p.Raised, p.AverageRate)
	}
	if p.TiedVolume != 100 || p.TiedVolumeIncluded != 50 {
		t.Fatalf("tied volumes: %d/%d, want 50/100", p.TiedVolumeIncluded, p.TiedVolume)
	}

	next, err := repo.GetPeriod(ctx, 1)
	if err != nil {
		t.Fatalf("next period: %v", err)
	}
	if !next.IsInitialized || next.RaisedUpTo != 150 {
		t.Fatalf("next period must start at offset 150, got %+v", next)
	}

	if _, err := repo.GetAttempt(ctx, 7); !errors.Is(err, repository.ErrAttemptNotFound) {
		t.Fatalf("attempt must be deleted after finalization")
	}
}

func TestProposeAverage_HintWindow(t *testing.T) {
	tests := []struct {
		name string
		hint int64
	}{
		{
			// Меньше объёма, который доказуемо набран взносами с
			// минимумом ниже курса гипотезы: при гипотезе 50 курс равен
			// 1000 и все 300 единиц оказываются ниже него.
			name: "hint below provable volume",
			hint: 50,
		},
		{
			// Больше объёма, который могут покрыть взносы ниже и ровно
			// на уровне курса: при гипотезе 400 курс равен 860 и
			// покрыты только 100 единиц.
			name: "hint above coverable volume",
			hint: 400,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, repo, _ := newTestService()
			seedLimitedPeriod(t, svc)
			ctx := context.Background()

			_, err := svc.ProposeAverage(ctx, 7, 0, tt.hint, 10)
			if !errors.Is(err, ErrHintInvalid) {
				t.Fatalf("expected ErrHintInvalid, got %v", err)
			}

			p, _ := repo.GetPeriod(ctx, 0)
			if p.IsAverageComputed {
				t.Fatalf("rejected hint must not change period state")
			}
			if _, err := repo.GetAttempt(ctx, 7); !errors.Is(err, repository.ErrAttemptNotFound) {
				t.Fatalf("rejected attempt must be deleted")
			}
		})
	}
}

func TestVerifyAverage_StepwiseEqualsSingleCall(t *testing.T) {
	single, singleRepo, _ := newTestService()
	seedLimitedPeriod(t, single)
	if _, err := single.ProposeAverage(context.Background(), 7, 0, 150, 3); err != nil {
		t.Fatalf("single-call propose: %v", err)
	}

	stepwise, stepwiseRepo, _ := newTestService()
	seedLimitedPeriod(t, stepwise)
	ctx := context.Background()

	res, err := stepwise.ProposeAverage(ctx, 7, 0, 150, 1)
	if err != nil {
		t.Fatalf("stepwise propose: %v", err)
	}
	if res.Finalized || res.Scanned != 1 || res.Remaining != 2 {
		t.Fatalf("after first step: %+v", res)
	}

	res, err = stepwise.VerifyAverage(ctx, 7, 0, 1)
	if err != nil {
		t.Fatalf("second step: %v", err)
	}
	if res.Finalized || res.Scanned != 2 {
		t.Fatalf("after second step: %+v", res)
	}

	res, err = stepwise.VerifyAverage(ctx, 7, 0, 1)
	if err != nil {
		t.Fatalf("third step: %v", err)
	}
	if !res.Finalized {
		t.Fatalf("third step must finalize, got %+v", res)
	}

	want, _ := singleRepo.GetPeriod(ctx, 0)
	got, _ := stepwiseRepo.GetPeriod(ctx, 0)
	if *want != *got {
		t.Fatalf("stepwise verification diverged:\nsingle:   %+v\nstepwise: %+v", want, got)
	}
}

func TestProposeAverage_Preconditions(t *testing.T) {
	t.Run("period not closed", func(t *testing.T) {
		svc, _, _ := newTestService()
		_, err := svc.ProposeAverage(context.Background(), 7, 0, 0, 10)
		if !errors.Is(err, ErrPeriodNotClosed) {
			t.Fatalf("expected ErrPeriodNotClosed, got %v", err)
		}
	})

	t.Run("period not initialized", func(t *testing.T) {
		svc, _, _ := newTestService()
		atPeriod(svc, 2)
		_, err := svc.ProposeAverage(context.Background(), 7, 1, 0, 10)
		if !errors.Is(err, ErrPeriodNotInitialized) {
			t.Fatalf("expected ErrPeriodNotInitialized, got %v", err)
		}
	})

	t.Run("already finalized", func(t *testing.T) {
		svc, _, _ := newTestService()
		seedLimitedPeriod(t, svc)
		ctx := context.Background()

		if _, err := svc.ProposeAverage(ctx, 7, 0, 150, 10); err != nil {
			t.Fatalf("first propose: %v", err)
		}
		_, err := svc.ProposeAverage(ctx, 8, 0, 150, 10)
		if !errors.Is(err, repository.ErrPeriodFinalized) {
			t.Fatalf("expected ErrPeriodFinalized, got %v", err)
		}
	})

	t.Run("verify without attempt", func(t *testing.T) {
		svc, _, _ := newTestService()
		atPeriod(svc, 1)
		_, err := svc.VerifyAverage(context.Background(), 7, 0, 10)
		if !errors.Is(err, repository.ErrAttemptNotFound) {
			t.Fatalf("expected ErrAttemptNotFound, got %v", err)
		}
	})
}

// finalizeSeededPeriod регистрирует жертвователя, проводит период 0 через
// гипотезу 150 и возвращает идентификаторы трёх ограниченных взносов.
func finalizeSeededPeriod(t *testing.T, svc *Service) (below, tied, above int64) {
	t.Helper()

	if _, err := svc.RegisterAccount(context.Background(), "donor", "pass", recipientAccount); err != nil {
		t.Fatalf("register donor: %v", err)
	}

	seedLimitedPeriod(t, svc)
	if _, err := svc.ProposeAverage(context.Background(), 7, 0, 150, 10); err != nil {
		t.Fatalf("propose: %v", err)
	}
	return 1, 2, 3
}

func TestCollect_Classification(t *testing.T) {
	svc, repo, backend := newTestService()
	below, tied, above := finalizeSeededPeriod(t, svc)
	ctx := context.Background()

	stBelow, err := svc.Collect(ctx, 1, below, false)
	if err != nil {
		t.Fatalf("collect below: %v", err)
	}
	if stBelow.Tokens != 100*966 || stBelow.Refund != 0 {
		t.Fatalf("below settlement: %+v, want 96600 tokens", stBelow)
	}

	// Связанный взнос: из 100 засчитано 100*50/100 = 50, остаток вернётся.
	stTied, err := svc.Collect(ctx, 1, tied, false)
	if err != nil {
		t.Fatalf("collect tied: %v", err)
	}
	if stTied.Tokens != 50*966 || stTied.Refund != 50 {
		t.Fatalf("tied settlement: %+v, want 48300 tokens and 50 refund", stTied)
	}

	stAbove, err := svc.Collect(ctx, 1, above, false)
	if err != nil {
		t.Fatalf("collect above: %v", err)
	}
	if stAbove.Tokens != 0 || stAbove.Refund != 100 {
		t.Fatalf("above settlement: %+v, want full refund of 100", stAbove)
	}

	// Сохранение объёма: сумма токенов всех взносов периода равна
	// averageRate * raised / rateScale.
	total := stBelow.Tokens + stTied.Tokens + stAbove.Tokens
	if total != 966*150 {
		t.Fatalf("minted total %d, want %d", total, 966*150)
	}

	// Возвраты уходят на счёт жертвователя.
	for _, tr := range backend.transfers {
		if tr.account != recipientAccount {
			t.Fatalf("refund sent to %q, want donor account", tr.account)
		}
	}

	p, _ := repo.GetPeriod(ctx, 0)
	if p.ClearedCount != 3 {
		t.Fatalf("cleared count = %d, want 3", p.ClearedCount)
	}
}

func TestCollect_Idempotent(t *testing.T) {
	svc, repo, backend := newTestService()
	below, _, _ := finalizeSeededPeriod(t, svc)
	ctx := context.Background()

	if _, err := svc.Collect(ctx, 1, below, false); err != nil {
		t.Fatalf("first collect: %v", err)
	}
	mintsAfterFirst := len(backend.mints)

	st, err := svc.Collect(ctx, 1, below, false)
	if err != nil {
		t.Fatalf("second collect: %v", err)
	}
	if !st.AlreadyCollected {
		t.Fatalf("second collect must be a no-op, got %+v", st)
	}
	if len(backend.mints) != mintsAfterFirst {
		t.Fatalf("second collect must not mint again")
	}

	p, _ := repo.GetPeriod(ctx, 0)
	if p.ClearedCount != 1 {
		t.Fatalf("cleared count = %d, want 1", p.ClearedCount)
	}
}

func TestCollect_ClaimPrecedesMint(t *testing.T) {
	svc, repo, backend := newTestService()
	below, _, _ := finalizeSeededPeriod(t, svc)
	ctx := context.Background()

	// Отметка ставится до обращения к системе эмиссии: конкурирующий вызов
	// не может начислить токены второй раз, даже если эмиссия первого
	// вызова ещё не завершилась или упала.
	backend.mintErr = errors.New("minting backend down")
	if _, err := svc.Collect(ctx, 1, below, false); err == nil {
		t.Fatalf("expected backend error")
	}

	d, err := repo.GetDonation(ctx, below)
	if err != nil {
		t.Fatalf("get donation: %v", err)
	}
	if !d.IsCollected {
		t.Fatalf("donation must be claimed before the mint call")
	}

	backend.mintErr = nil
	st, err := svc.Collect(ctx, 1, below, false)
	if err != nil {
		t.Fatalf("second collect: %v", err)
	}
	if !st.AlreadyCollected {
		t.Fatalf("claimed donation must not settle twice, got %+v", st)
	}
	if len(backend.mints) != 0 {
		t.Fatalf("claimed donation settled twice: %+v", backend.mints)
	}
}

func TestCollect_AccessControl(t *testing.T) {
	svc, _, _ := newTestService()
	below, _, _ := finalizeSeededPeriod(t, svc)
	ctx := context.Background()

	if _, err := svc.Collect(ctx, 2, below, false); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner for foreign donation, got %v", err)
	}

	// Административный вызов рассчитывает чужие взносы.
	if _, err := svc.Collect(ctx, 0, below, true); err != nil {
		t.Fatalf("admin collect: %v", err)
	}
}

func TestCollect_Preconditions(t *testing.T) {
	t.Run("period not closed", func(t *testing.T) {
		svc, _, _ := newTestService()
		ctx := context.Background()

		if _, _, err := svc.Contribute(ctx, 1, beneficiaryAccount, 30, 500); err != nil {
			t.Fatalf("contribute: %v", err)
		}
		if _, err := svc.Collect(ctx, 1, 1, false); !errors.Is(err, ErrPeriodNotClosed) {
			t.Fatalf("expected ErrPeriodNotClosed, got %v", err)
		}
	})

	t.Run("average not computed", func(t *testing.T) {
		svc, _, _ := newTestService()
		ctx := context.Background()

		if _, _, err := svc.Contribute(ctx, 1, beneficiaryAccount, 30, 500); err != nil {
			t.Fatalf("contribute: %v", err)
		}
		atPeriod(svc, 1)
		if _, err := svc.Collect(ctx, 1, 1, false); !errors.Is(err, ErrAverageNotComputed) {
			t.Fatalf("expected ErrAverageNotComputed, got %v", err)
		}
	})
}

func TestCollectBatch(t *testing.T) {
	svc, repo, _ := newTestService()
	finalizeSeededPeriod(t, svc)

	// Несуществующий идентификатор пропускается, остальные рассчитываются.
	res := svc.CollectBatch(context.Background(), []int64{1, 2, 3, 99})
	if len(res) != 3 {
		t.Fatalf("expected 3 settlements, got %d", len(res))
	}

	p, _ := repo.GetPeriod(context.Background(), 0)
	if p.ClearedCount != 3 {
		t.Fatalf("cleared count = %d, want 3", p.ClearedCount)
	}
}

func TestMonotonicOffsets(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()

	// Период 0: безусловный взнос 50, фиксация после закрытия.
	if _, _, err := svc.Contribute(ctx, 1, beneficiaryAccount, 50, 0); err != nil {
		t.Fatalf("contribute period 0: %v", err)
	}
	atPeriod(svc, 1)
	if _, err := svc.ProposeAverage(ctx, 7, 0, 50, 10); err != nil {
		t.Fatalf("finalize period 0: %v", err)
	}

	// Период 1: ещё 70 безусловно, затем фиксация.
	if _, _, err := svc.Contribute(ctx, 1, beneficiaryAccount, 70, 0); err != nil {
		t.Fatalf("contribute period 1: %v", err)
	}
	atPeriod(svc, 2)
	if _, err := svc.ProposeAverage(ctx, 7, 1, 70, 10); err != nil {
		t.Fatalf("finalize period 1: %v", err)
	}

	p0, _ := repo.GetPeriod(ctx, 0)
	p1, _ := repo.GetPeriod(ctx, 1)
	p2, _ := repo.GetPeriod(ctx, 2)

	if p1.RaisedUpTo != p0.RaisedUpTo+p0.Raised {
		t.Fatalf("offset of period 1 = %d, want %d", p1.RaisedUpTo, p0.RaisedUpTo+p0.Raised)
	}
	if p2.RaisedUpTo != p1.RaisedUpTo+p1.Raised {
		t.Fatalf("offset of period 2 = %d, want %d", p2.RaisedUpTo, p1.RaisedUpTo+p1.Raised)
	}
}

func TestRegisterAccount_Validation(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.RegisterAccount(ctx, "donor", "pass", "123"); !errors.Is(err, ErrInvalidBeneficiary) {
		t.Fatalf("expected ErrInvalidBeneficiary for bad account number, got %v", err)
	}

	if _, err := svc.RegisterAccount(ctx, "donor", "pass", recipientAccount); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.RegisterAccount(ctx, "donor", "other", recipientAccount); !errors.Is(err, repository.ErrAccountExists) {
		t.Fatalf("expected ErrAccountExists, got %v", err)
	}
}

func TestAuthenticateAccount_InvalidCredentials(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.RegisterAccount(ctx, "donor", "correct", recipientAccount); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := svc.AuthenticateAccount(ctx, "donor", "wrong"); err == nil {
		t.Fatalf("expected error for invalid credentials")
	}
	if id, err := svc.AuthenticateAccount(ctx, "donor", "correct"); err != nil || id != 1 {
		t.Fatalf("authenticate: id=%d err=%v", id, err)
	}
}
