// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/mkravchenko/crowdsale-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrAccountExists возвращается при попытке создать участника с уже существующим логином.
var (
	ErrAccountExists = errors.New("account already exists")
	// ErrAccountNotFound возвращается, если участник не найден.
	ErrAccountNotFound = errors.New("account not found")
	// ErrDonationNotFound возвращается, если взнос не найден.
	ErrDonationNotFound = errors.New("donation not found")
	// ErrPeriodNotFound возвращается, если период не найден.
	ErrPeriodNotFound = errors.New("period not found")
	// ErrAttemptNotFound возвращается, если у инициатора нет активной попытки.
	ErrAttemptNotFound = errors.New("average attempt not found")
	// ErrPeriodFinalized возвращается при попытке повторно зафиксировать средний курс периода.
	ErrPeriodFinalized = errors.New("period average already computed")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет операцию при сериализационных конфликтах и дедлоках.
// Конкурирующие фиксации периода и массовые расчёты конфликтуют на одних и
// тех же строках периодов.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
		}

		return err
	})
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateAccount создаёт нового участника.
func (r *PostgresRepository) CreateAccount(ctx context.Context, login, number string, passwordHash []byte) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO accounts (login, number, password_hash) VALUES ($1, $2, $3) RETURNING id`,
		login, number, passwordHash,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrAccountExists, login)
		}
		return 0, fmt.Errorf("create account: %w", err)
	}
	return id, nil
}

// GetAccountByLogin возвращает участника по логину.
func (r *PostgresRepository) GetAccountByLogin(ctx context.Context, login string) (*model.Account, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, number, password_hash, created_at FROM accounts WHERE login = $1`,
		login,
	)

	var a model.Account
	err := row.Scan(&a.ID, &a.Login, &a.Number, &a.PasswordHash, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}

	return &a, nil
}

// GetAccountByID возвращает участника по идентификатору.
func (r *PostgresRepository) GetAccountByID(ctx context.Context, id int64) (*model.Account, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, number, password_hash, created_at FROM accounts WHERE id = $1`,
		id,
	)

	var a model.Account
	err := row.Scan(&a.ID, &a.Login, &a.Number, &a.PasswordHash, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}

	return &a, nil
}

// EnsurePeriod создаёт строку периода, если её ещё нет. Период 0 создаётся
// инициализированным с нулевым смещением; остальные периоды инициализирует
// только фиксация среднего курса предыдущего периода.
func (r *PostgresRepository) EnsurePeriod(ctx context.Context, periodID int64) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO periods (id, is_initialized) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
		periodID, periodID == 0,
	)
	if err != nil {
		return fmt.Errorf("ensure period: %w", err)
	}
	return nil
}

// GetPeriod возвращает состояние периода по идентификатору.
func (r *PostgresRepository) GetPeriod(ctx context.Context, periodID int64) (*model.Period, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, donation_count, cleared_count, total_received, raised, raised_up_to,
		        average_rate, tied_volume, tied_volume_included, is_initialized, is_average_computed
		 FROM periods
		 WHERE id = $1`,
		periodID,
	)

	var p model.Period
	err := row.Scan(&p.ID, &p.DonationCount, &p.ClearedCount, &p.TotalReceived, &p.Raised,
		&p.RaisedUpTo, &p.AverageRate, &p.TiedVolume, &p.TiedVolumeIncluded,
		&p.IsInitialized, &p.IsAverageComputed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPeriodNotFound
		}
		return nil, fmt.Errorf("get period: %w", err)
	}

	return &p, nil
}

// CreateDonation сохраняет взнос и обновляет счётчики его периода в одной
// транзакции. Строка периода блокируется на время транзакции, поэтому
// конкурирующие взносы сериализуются: каждый безусловный взнос занимает
// непересекающийся участок кривой. Возвращает идентификатор взноса и
// позицию на кривой (смещение периода плюс засчитанный объём) на момент
// вставки; по ней рассчитывается курс безусловного взноса.
func (r *PostgresRepository) CreateDonation(ctx context.Context, d *model.Donation) (int64, int64, error) {
	var id, position int64

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		_, err = tx.Exec(ctx,
			`INSERT INTO periods (id, is_initialized) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
			d.PeriodID, d.PeriodID == 0,
		)
		if err != nil {
			return fmt.Errorf("ensure period: %w", err)
		}

		var raisedUpTo, raised int64
		err = tx.QueryRow(ctx,
			`SELECT raised_up_to, raised FROM periods WHERE id = $1 FOR UPDATE`,
			d.PeriodID,
		).Scan(&raisedUpTo, &raised)
		if err != nil {
			return fmt.Errorf("lock period: %w", err)
		}
		position = raisedUpTo + raised

		err = tx.QueryRow(ctx,
			`INSERT INTO donations (donor_id, beneficiary, period_id, value, min_rate, is_collected)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 RETURNING id`,
			d.DonorID, d.Beneficiary, d.PeriodID, d.Value, d.MinRate, d.IsCollected,
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("insert donation: %w", err)
		}

		raisedDelta := int64(0)
		if !d.Limited() {
			raisedDelta = d.Value
		}

		_, err = tx.Exec(ctx,
			`UPDATE periods
			 SET donation_count = donation_count + 1,
			     cleared_count = cleared_count + CASE WHEN $3 THEN 1 ELSE 0 END,
			     total_received = total_received + $2,
			     raised = raised + $4
			 WHERE id = $1`,
			d.PeriodID, d.Value, d.IsCollected, raisedDelta,
		)
		if err != nil {
			return fmt.Errorf("update period counters: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	return id, position, nil
}

// GetDonation возвращает взнос по идентификатору.
func (r *PostgresRepository) GetDonation(ctx context.Context, donationID int64) (*model.Donation, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, donor_id, beneficiary, period_id, value, min_rate, is_collected, created_at
		 FROM donations
		 WHERE id = $1`,
		donationID,
	)

	var d model.Donation
	err := row.Scan(&d.ID, &d.DonorID, &d.Beneficiary, &d.PeriodID, &d.Value, &d.MinRate, &d.IsCollected, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDonationNotFound
		}
		return nil, fmt.Errorf("get donation: %w", err)
	}

	return &d, nil
}

// GetDonationsByDonor возвращает список взносов участника.
func (r *PostgresRepository) GetDonationsByDonor(ctx context.Context, donorID int64) ([]model.Donation, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, donor_id, beneficiary, period_id, value, min_rate, is_collected, created_at
		 FROM donations
		 WHERE donor_id = $1
		 ORDER BY id DESC`,
		donorID,
	)
	if err != nil {
		return nil, fmt.Errorf("select donations: %w", err)
	}
	defer rows.Close()

	var res []model.Donation
	for rows.Next() {
		var d model.Donation
		if err := rows.Scan(&d.ID, &d.DonorID, &d.Beneficiary, &d.PeriodID, &d.Value, &d.MinRate, &d.IsCollected, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan donation: %w", err)
		}
		res = append(res, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListLimitedDonations возвращает срез упорядоченного списка ограниченных
// взносов периода, начиная с позиции offset.
func (r *PostgresRepository) ListLimitedDonations(ctx context.Context, periodID, offset, limit int64) ([]model.Donation, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, donor_id, beneficiary, period_id, value, min_rate, is_collected, created_at
		 FROM donations
		 WHERE period_id = $1 AND min_rate > 0
		 ORDER BY id
		 OFFSET $2 LIMIT $3`,
		periodID, offset, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select limited donations: %w", err)
	}
	defer rows.Close()

	var res []model.Donation
	for rows.Next() {
		var d model.Donation
		if err := rows.Scan(&d.ID, &d.DonorID, &d.Beneficiary, &d.PeriodID, &d.Value, &d.MinRate, &d.IsCollected, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan donation: %w", err)
		}
		res = append(res, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CountLimitedDonations возвращает длину списка ограниченных взносов периода.
func (r *PostgresRepository) CountLimitedDonations(ctx context.Context, periodID int64) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM donations WHERE period_id = $1 AND min_rate > 0`,
		periodID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count limited donations: %w", err)
	}
	return count, nil
}

// UpsertAttempt создаёт попытку проверки среднего курса или полностью
// перезаписывает предыдущую попытку того же инициатора.
func (r *PostgresRepository) UpsertAttempt(ctx context.Context, a *model.AverageAttempt) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO attempts (proposer_id, period_id, scanned, hint_raised, hint_rate, volume_below, volume_tied)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (proposer_id) DO UPDATE
		 SET period_id = EXCLUDED.period_id,
		     scanned = EXCLUDED.scanned,
		     hint_raised = EXCLUDED.hint_raised,
		     hint_rate = EXCLUDED.hint_rate,
		     volume_below = EXCLUDED.volume_below,
		     volume_tied = EXCLUDED.volume_tied,
		     updated_at = NOW()`,
		a.ProposerID, a.PeriodID, a.Scanned, a.HintRaised, a.HintRate, a.VolumeBelow, a.VolumeTied,
	)
	if err != nil {
		return fmt.Errorf("upsert attempt: %w", err)
	}
	return nil
}

// GetAttempt возвращает активную попытку инициатора.
func (r *PostgresRepository) GetAttempt(ctx context.Context, proposerID int64) (*model.AverageAttempt, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT proposer_id, period_id, scanned, hint_raised, hint_rate, volume_below, volume_tied
		 FROM attempts
		 WHERE proposer_id = $1`,
		proposerID,
	)

	var a model.AverageAttempt
	err := row.Scan(&a.ProposerID, &a.PeriodID, &a.Scanned, &a.HintRaised, &a.HintRate, &a.VolumeBelow, &a.VolumeTied)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("get attempt: %w", err)
	}

	return &a, nil
}

// UpdateAttempt сохраняет продвижение курсора попытки.
func (r *PostgresRepository) UpdateAttempt(ctx context.Context, a *model.AverageAttempt) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE attempts
		 SET scanned = $2, volume_below = $3, volume_tied = $4, updated_at = NOW()
		 WHERE proposer_id = $1`,
		a.ProposerID, a.Scanned, a.VolumeBelow, a.VolumeTied,
	)
	if err != nil {
		return fmt.Errorf("update attempt: %w", err)
	}
	return nil
}

// DeleteAttempt удаляет попытку инициатора.
func (r *PostgresRepository) DeleteAttempt(ctx context.Context, proposerID int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM attempts WHERE proposer_id = $1`, proposerID)
	if err != nil {
		return fmt.Errorf("delete attempt: %w", err)
	}
	return nil
}

// FinalizedPeriod описывает результат успешной проверки среднего курса.
type FinalizedPeriod struct {
	PeriodID           int64
	ProposerID         int64
	Raised             int64
	AverageRate        int64
	TiedVolume         int64
	TiedVolumeIncluded int64
	NextRaisedUpTo     int64
}

// FinalizePeriod фиксирует средний курс периода, инициализирует следующий
// период и удаляет попытку — всё в одной транзакции. Флаг
// is_average_computed служит единственным барьером против конкурирующих
// фиксаций: повторная попытка получает ErrPeriodFinalized.
func (r *PostgresRepository) FinalizePeriod(ctx context.Context, f FinalizedPeriod) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		cmdTag, err := tx.Exec(ctx,
			`UPDATE periods
			 SET raised = $2, average_rate = $3, tied_volume = $4, tied_volume_included = $5,
			     is_average_computed = TRUE
			 WHERE id = $1 AND NOT is_average_computed`,
			f.PeriodID, f.Raised, f.AverageRate, f.TiedVolume, f.TiedVolumeIncluded,
		)
		if err != nil {
			return fmt.Errorf("finalize period: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return ErrPeriodFinalized
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO periods (id, raised_up_to, is_initialized) VALUES ($1, $2, TRUE)
			 ON CONFLICT (id) DO UPDATE
			 SET raised_up_to = EXCLUDED.raised_up_to, is_initialized = TRUE`,
			f.PeriodID+1, f.NextRaisedUpTo,
		)
		if err != nil {
			return fmt.Errorf("initialize next period: %w", err)
		}

		_, err = tx.Exec(ctx, `DELETE FROM attempts WHERE proposer_id = $1`, f.ProposerID)
		if err != nil {
			return fmt.Errorf("delete attempt: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// MarkCollected помечает взнос рассчитанным и увеличивает счётчик
// рассчитанных взносов периода. Возвращает false, если взнос уже был
// рассчитан раньше.
func (r *PostgresRepository) MarkCollected(ctx context.Context, donationID int64) (bool, error) {
	var marked bool

	err := r.withRetry(ctx, func(ctx context.Context) error {
		marked = false

		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var periodID int64
		err = tx.QueryRow(ctx,
			`UPDATE donations SET is_collected = TRUE
			 WHERE id = $1 AND NOT is_collected
			 RETURNING period_id`,
			donationID,
		).Scan(&periodID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				// Взнос уже рассчитан — повторный вызов ничего не меняет.
				return tx.Commit(ctx)
			}
			return fmt.Errorf("mark collected: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE periods SET cleared_count = cleared_count + 1 WHERE id = $1`,
			periodID,
		)
		if err != nil {
			return fmt.Errorf("update cleared count: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		marked = true
		return nil
	})
	if err != nil {
		return false, err
	}

	return marked, nil
}

// IsHalted возвращает признак административной остановки продажи.
func (r *PostgresRepository) IsHalted(ctx context.Context) (bool, error) {
	var halted bool
	err := r.pool.QueryRow(ctx, `SELECT is_halted FROM sale_state WHERE id = 1`).Scan(&halted)
	if err != nil {
		return false, fmt.Errorf("get sale state: %w", err)
	}
	return halted, nil
}

// SetHalted устанавливает признак административной остановки продажи.
func (r *PostgresRepository) SetHalted(ctx context.Context, halted bool) error {
	_, err := r.pool.Exec(ctx, `UPDATE sale_state SET is_halted = $1 WHERE id = 1`, halted)
	if err != nil {
		return fmt.Errorf("set sale state: %w", err)
	}
	return nil
}
