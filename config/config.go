/*
Package config loads the service configuration.

LAYERS (later wins):
  1. Default()
  2. TOML file, if a path is given
  3. .env file in the working directory, if present (values land in the
     process environment without overriding variables already set)
  4. LEDGER_* environment variables

EXAMPLE (ledger.toml):
  [server]
  port = 8080

  [database]
  driver = "sqlite"
  dsn = "ledger.db"

  [ledger]
  default_click_remaining = 30
  default_negative_threshold = "0"
  profit_accrual = "settled"

  [deposit.contact]
  channel = "telegram"
  handle = "@vip_support"
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/warp/vip-ledger/deposit"
	"github.com/warp/vip-ledger/product"
)

type Config struct {
	Server   Server   `toml:"server"`
	Database Database `toml:"database"`
	Ledger   Ledger   `toml:"ledger"`
	Deposit  Deposit  `toml:"deposit"`
	Sweeper  Sweeper  `toml:"sweeper"`
	Audit    Audit    `toml:"audit"`
	Redis    Redis    `toml:"redis"`
	Log      Log      `toml:"log"`
}

type Server struct {
	Port            int      `toml:"port"`
	ReadTimeout     Duration `toml:"read_timeout"`
	WriteTimeout    Duration `toml:"write_timeout"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
	AllowedOrigins  []string `toml:"allowed_origins"`
}

const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

type Database struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

type Ledger struct {
	DefaultClickRemaining    int    `toml:"default_click_remaining"`
	DefaultNegativeThreshold string `toml:"default_negative_threshold"`
	ProfitAccrual            string `toml:"profit_accrual"`
}

type Deposit struct {
	Contact deposit.Contact `toml:"contact"`
}

type Sweeper struct {
	Enabled  bool   `toml:"enabled"`
	Schedule string `toml:"schedule"`
}

const (
	AuditSinkLog   = "log"
	AuditSinkStore = "store"
	AuditSinkQueue = "queue"
)

type Audit struct {
	Sink   string `toml:"sink"`
	Buffer int    `toml:"buffer"`
}

type Redis struct {
	Addr string `toml:"addr"`
}

type Log struct {
	Level string `toml:"level"`
}

// Duration decodes TOML strings such as "15s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func Default() Config {
	return Config{
		Server: Server{
			Port:            8080,
			ReadTimeout:     Duration{15 * time.Second},
			WriteTimeout:    Duration{15 * time.Second},
			ShutdownTimeout: Duration{30 * time.Second},
			AllowedOrigins:  []string{"*"},
		},
		Database: Database{Driver: DriverSQLite, DSN: "ledger.db"},
		Ledger: Ledger{
			DefaultClickRemaining:    30,
			DefaultNegativeThreshold: "0",
			ProfitAccrual:            string(product.AccrueOnSettlement),
		},
		Sweeper: Sweeper{Enabled: true, Schedule: "*/5 * * * *"},
		Audit:   Audit{Sink: AuditSinkStore, Buffer: 1024},
		Redis:   Redis{Addr: "localhost:6379"},
		Log:     Log{Level: "info"},
	}
}

// Load builds the configuration from every layer. path may be empty.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to read .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays LEDGER_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	if err := num("LEDGER_PORT", &c.Server.Port); err != nil {
		return err
	}
	str("LEDGER_DB_DRIVER", &c.Database.Driver)
	str("LEDGER_DB_DSN", &c.Database.DSN)
	str("LEDGER_REDIS_ADDR", &c.Redis.Addr)
	str("LEDGER_LOG_LEVEL", &c.Log.Level)
	str("LEDGER_PROFIT_ACCRUAL", &c.Ledger.ProfitAccrual)
	str("LEDGER_SWEEP_SCHEDULE", &c.Sweeper.Schedule)
	str("LEDGER_AUDIT_SINK", &c.Audit.Sink)
	if err := num("LEDGER_DEFAULT_CLICKS", &c.Ledger.DefaultClickRemaining); err != nil {
		return err
	}
	if v, ok := lookup("LEDGER_ALLOWED_ORIGINS"); ok {
		c.Server.AllowedOrigins = strings.Split(v, ",")
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Database.Driver {
	case DriverMemory:
	case DriverSQLite, DriverMySQL:
		if c.Database.DSN == "" {
			errs = append(errs, fmt.Errorf("database.dsn is required for %s", c.Database.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown database.driver %q", c.Database.Driver))
	}
	if c.Ledger.DefaultClickRemaining < 0 {
		errs = append(errs, fmt.Errorf("ledger.default_click_remaining %d is negative", c.Ledger.DefaultClickRemaining))
	}
	if _, err := c.NegativeThreshold(); err != nil {
		errs = append(errs, err)
	}
	if _, err := product.ParseAccrualPolicy(c.Ledger.ProfitAccrual); err != nil {
		errs = append(errs, err)
	}
	switch c.Audit.Sink {
	case AuditSinkLog, AuditSinkStore, AuditSinkQueue:
	default:
		errs = append(errs, fmt.Errorf("unknown audit.sink %q", c.Audit.Sink))
	}
	if c.Audit.Sink == AuditSinkQueue && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required for the queue audit sink"))
	}
	if c.Sweeper.Enabled && c.Sweeper.Schedule == "" {
		errs = append(errs, errors.New("sweeper.schedule is required when the sweeper is enabled"))
	}
	return errors.Join(errs...)
}

// NegativeThreshold parses ledger.default_negative_threshold.
func (c Config) NegativeThreshold() (decimal.Decimal, error) {
	v, err := decimal.NewFromString(c.Ledger.DefaultNegativeThreshold)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger.default_negative_threshold: %w", err)
	}
	return v, nil
}

// Addr is the HTTP listen address.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
