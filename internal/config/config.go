// Package config содержит логику чтения конфигурации сервиса краудсейла.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/mkravchenko/crowdsale-system/internal/curve"
	"github.com/mkravchenko/crowdsale-system/internal/validation"
)

// Config содержит параметры конфигурации сервиса краудсейла.
// Параметры продажи фиксируются на запуске и далее не меняются.
type Config struct {
	RunAddress           string `env:"RUN_ADDRESS"`
	DatabaseURI          string `env:"DATABASE_URI"`
	MintingSystemAddress string `env:"MINTING_SYSTEM_ADDRESS"`
	AdminToken           string `env:"ADMIN_TOKEN"`

	SaleStart       int64         `env:"SALE_START"`
	PeriodDuration  time.Duration `env:"PERIOD_DURATION" envDefault:"168h"`
	MinContribution int64         `env:"MIN_CONTRIBUTION" envDefault:"1"`
	SaleRecipient   string        `env:"SALE_RECIPIENT"`

	InitialRate      int64 `env:"INITIAL_RATE"`
	DecayNumerator   int64 `env:"DECAY_NUMERATOR"`
	DecayDenominator int64 `env:"DECAY_DENOMINATOR"`
	BatchSize        int64 `env:"BATCH_SIZE"`
	RateScale        int64 `env:"RATE_SCALE" envDefault:"1"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envMintingAddress := cfg.MintingSystemAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.MintingSystemAddress, "m", "", "minting system address")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envMintingAddress != "" {
		cfg.MintingSystemAddress = envMintingAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}

// Curve возвращает параметры кривой курса из конфигурации.
func (c *Config) Curve() curve.Curve {
	return curve.Curve{
		InitialRate:      c.InitialRate,
		DecayNumerator:   c.DecayNumerator,
		DecayDenominator: c.DecayDenominator,
		BatchSize:        c.BatchSize,
	}
}

// Validate проверяет параметры продажи. Ошибки кривой курса считаются
// фатальными ошибками конфигурации и отклоняются до старта сервера.
func (c *Config) Validate() error {
	if err := c.Curve().Validate(); err != nil {
		return fmt.Errorf("rate curve: %w", err)
	}
	if c.RateScale <= 0 {
		return fmt.Errorf("rate scale must be positive, got %d", c.RateScale)
	}
	if c.SaleStart <= 0 {
		return fmt.Errorf("sale start time is required")
	}
	if c.PeriodDuration <= 0 {
		return fmt.Errorf("period duration must be positive, got %s", c.PeriodDuration)
	}
	if c.MinContribution <= 0 {
		return fmt.Errorf("minimum contribution must be positive, got %d", c.MinContribution)
	}
	if !validation.IsValidAccountNumber(c.SaleRecipient) {
		return fmt.Errorf("sale recipient account number %q is invalid", c.SaleRecipient)
	}
	return nil
}
