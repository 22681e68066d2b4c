// Package model содержит доменные сущности сервиса краудсейла.
package model

import "time"

// Account представляет зарегистрированного участника продажи.
// Number — внешний платёжный счёт участника, на него уходят возвраты.
type Account struct {
	ID           int64
	Login        string
	Number       string
	PasswordHash []byte
	CreatedAt    time.Time
}

// Donation описывает один взнос. Все поля, кроме IsCollected, неизменяемы
// после создания; IsCollected переходит из false в true ровно один раз.
type Donation struct {
	ID          int64
	DonorID     int64
	Beneficiary string
	PeriodID    int64
	Value       int64
	MinRate     int64
	IsCollected bool
	CreatedAt   time.Time
}

// Limited сообщает, что взнос ограничен минимальным курсом и рассчитывается
// только после фиксации среднего курса периода.
func (d *Donation) Limited() bool {
	return d.MinRate != 0
}

// Period хранит агрегатное состояние одного периода продажи.
type Period struct {
	ID            int64
	DonationCount int64
	ClearedCount  int64
	TotalReceived int64
	// Raised до фиксации среднего курса накапливает безусловный объём,
	// после фиксации содержит итоговый засчитанный объём периода.
	Raised             int64
	RaisedUpTo         int64
	AverageRate        int64
	TiedVolume         int64
	TiedVolumeIncluded int64
	IsInitialized      bool
	IsAverageComputed  bool
}

// AverageAttempt — текущее состояние проверки гипотезы среднего курса.
// На одного инициатора одновременно существует не более одной попытки.
type AverageAttempt struct {
	ProposerID  int64
	PeriodID    int64
	Scanned     int64
	HintRaised  int64
	HintRate    int64
	VolumeBelow int64
	VolumeTied  int64
}

// Settlement описывает результат расчёта одного взноса.
type Settlement struct {
	DonationID       int64
	Tokens           int64
	Refund           int64
	AlreadyCollected bool
}

// SaleStatus — сводное состояние продажи вместе с её публичными параметрами.
type SaleStatus struct {
	Started         bool
	Halted          bool
	CurrentPeriod   int64
	SaleStart       time.Time
	PeriodDuration  time.Duration
	MinContribution int64
	InitialRate     int64
	RateScale       int64
}
