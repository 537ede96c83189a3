package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Conflict policies for two patient snapshots that claim the same effective date.
const (
	ConflictReject     = "reject"
	ConflictLatestWins = "latest-wins"
)

const dateLayout = "2006-01-02"

type Config struct {
	Port       string `mapstructure:"PORT"`
	Env        string `mapstructure:"ENV"`
	LogLevel   string `mapstructure:"LOG_LEVEL"`
	InputDir   string `mapstructure:"INPUT_DIR"`
	OutputDir  string `mapstructure:"OUTPUT_DIR"`
	SQLitePath string `mapstructure:"SQLITE_PATH"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	AlertWebhookURL    string `mapstructure:"ALERT_WEBHOOK_URL"`
	AlertWebhookSecret string `mapstructure:"ALERT_WEBHOOK_SECRET"`

	S3Bucket    string `mapstructure:"S3_BUCKET"`
	S3Region    string `mapstructure:"S3_REGION"`
	S3Endpoint  string `mapstructure:"S3_ENDPOINT"`
	S3PathStyle bool   `mapstructure:"S3_PATH_STYLE"`
	S3Prefix    string `mapstructure:"S3_PREFIX"`

	ReadmissionWindowDays  int    `mapstructure:"READMISSION_WINDOW_DAYS"`
	LongStayThresholdDays  int    `mapstructure:"LONG_STAY_THRESHOLD_DAYS"`
	SurgeWindowDays        int    `mapstructure:"SURGE_WINDOW_DAYS"`
	AllocationLookbackDays int    `mapstructure:"ALLOCATION_LOOKBACK_DAYS"`
	CalendarStartDate      string `mapstructure:"CALENDAR_START_DATE"`
	CalendarHorizonDays    int    `mapstructure:"CALENDAR_HORIZON_DAYS"`
	AsOfDate               string `mapstructure:"AS_OF_DATE"`
	PatientConflictPolicy  string `mapstructure:"PATIENT_CONFLICT_POLICY"`
	Workers                int    `mapstructure:"WORKERS"`

	RunInterval time.Duration `mapstructure:"RUN_INTERVAL"`

	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	// Parsed from the comma separated OCCUPANCY_BAND_THRESHOLDS and
	// SURGE_TIER_THRESHOLDS values.
	OccupancyBandThresholds []float64 `mapstructure:"-"`
	SurgeTierThresholds     []float64 `mapstructure:"-"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("INPUT_DIR", "./data/raw")
	v.SetDefault("OUTPUT_DIR", "./data/warehouse")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("S3_REGION", "us-east-1")
	v.SetDefault("S3_PREFIX", "hospitalwh")
	v.SetDefault("READMISSION_WINDOW_DAYS", 28)
	v.SetDefault("LONG_STAY_THRESHOLD_DAYS", 21)
	v.SetDefault("OCCUPANCY_BAND_THRESHOLDS", "0.80,0.85,0.92")
	v.SetDefault("SURGE_TIER_THRESHOLDS", "0.85,0.90,0.95")
	v.SetDefault("SURGE_WINDOW_DAYS", 3)
	v.SetDefault("ALLOCATION_LOOKBACK_DAYS", 30)
	v.SetDefault("CALENDAR_START_DATE", "2022-01-01")
	v.SetDefault("CALENDAR_HORIZON_DAYS", 1461)
	v.SetDefault("PATIENT_CONFLICT_POLICY", ConflictReject)
	v.SetDefault("WORKERS", 4)
	v.SetDefault("RUN_INTERVAL", "1h")
	v.SetDefault("CORS_ORIGINS", []string{"*"})
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("REQUEST_TIMEOUT", "30s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "LOG_LEVEL", "INPUT_DIR", "OUTPUT_DIR", "SQLITE_PATH",
		"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
		"ALERT_WEBHOOK_URL", "ALERT_WEBHOOK_SECRET",
		"S3_BUCKET", "S3_REGION", "S3_ENDPOINT", "S3_PATH_STYLE", "S3_PREFIX",
		"READMISSION_WINDOW_DAYS", "LONG_STAY_THRESHOLD_DAYS",
		"OCCUPANCY_BAND_THRESHOLDS", "SURGE_TIER_THRESHOLDS",
		"SURGE_WINDOW_DAYS", "ALLOCATION_LOOKBACK_DAYS",
		"CALENDAR_START_DATE", "CALENDAR_HORIZON_DAYS", "AS_OF_DATE",
		"PATIENT_CONFLICT_POLICY", "WORKERS", "RUN_INTERVAL",
		"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	var err error
	cfg.OccupancyBandThresholds, err = parseThresholds(v.GetString("OCCUPANCY_BAND_THRESHOLDS"))
	if err != nil {
		return nil, fmt.Errorf("OCCUPANCY_BAND_THRESHOLDS: %w", err)
	}
	cfg.SurgeTierThresholds, err = parseThresholds(v.GetString("SURGE_TIER_THRESHOLDS"))
	if err != nil {
		return nil, fmt.Errorf("SURGE_TIER_THRESHOLDS: %w", err)
	}

	return cfg, nil
}

func parseThresholds(raw string) ([]float64, error) {
	parts := strings.Split(raw, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid threshold %q: %w", p, err)
		}
		out = append(out, f)
	}
	return out, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the service is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// CalendarStart returns the parsed first day of the calendar dimension.
func (c *Config) CalendarStart() (time.Time, error) {
	t, err := time.Parse(dateLayout, c.CalendarStartDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("CALENDAR_START_DATE must be YYYY-MM-DD: %w", err)
	}
	return t, nil
}

// AsOf returns the run's reference instant. AS_OF_DATE pins it for
// reproducible backfills; otherwise now is used.
func (c *Config) AsOf(now time.Time) (time.Time, error) {
	if c.AsOfDate == "" {
		return now.UTC(), nil
	}
	t, err := time.Parse(dateLayout, c.AsOfDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("AS_OF_DATE must be YYYY-MM-DD: %w", err)
	}
	return t, nil
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.InputDir == "" {
		return fmt.Errorf("INPUT_DIR is required")
	}
	if c.ReadmissionWindowDays < 0 {
		return fmt.Errorf("READMISSION_WINDOW_DAYS must not be negative, got %d", c.ReadmissionWindowDays)
	}
	if c.LongStayThresholdDays < 0 {
		return fmt.Errorf("LONG_STAY_THRESHOLD_DAYS must not be negative, got %d", c.LongStayThresholdDays)
	}
	if c.CalendarHorizonDays <= 0 {
		return fmt.Errorf("CALENDAR_HORIZON_DAYS must be positive, got %d", c.CalendarHorizonDays)
	}
	if c.SurgeWindowDays <= 0 {
		return fmt.Errorf("SURGE_WINDOW_DAYS must be positive, got %d", c.SurgeWindowDays)
	}
	if c.AllocationLookbackDays <= 0 {
		return fmt.Errorf("ALLOCATION_LOOKBACK_DAYS must be positive, got %d", c.AllocationLookbackDays)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("WORKERS must be positive, got %d", c.Workers)
	}
	if _, err := c.CalendarStart(); err != nil {
		return err
	}
	if _, err := c.AsOf(time.Now()); err != nil {
		return err
	}
	if err := checkLadder("OCCUPANCY_BAND_THRESHOLDS", c.OccupancyBandThresholds); err != nil {
		return err
	}
	if err := checkLadder("SURGE_TIER_THRESHOLDS", c.SurgeTierThresholds); err != nil {
		return err
	}
	if c.PatientConflictPolicy != ConflictReject && c.PatientConflictPolicy != ConflictLatestWins {
		return fmt.Errorf("PATIENT_CONFLICT_POLICY must be %q or %q, got %q",
			ConflictReject, ConflictLatestWins, c.PatientConflictPolicy)
	}
	if c.S3Endpoint != "" && c.S3Bucket == "" {
		return fmt.Errorf("S3_BUCKET is required when S3_ENDPOINT is set")
	}
	return nil
}

// checkLadder requires exactly three strictly ascending ratios in [0,1].
func checkLadder(name string, values []float64) error {
	if len(values) != 3 {
		return fmt.Errorf("%s must list 3 thresholds, got %d", name, len(values))
	}
	prev := -1.0
	for _, v := range values {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s values must be within [0,1], got %v", name, v)
		}
		if v <= prev {
			return fmt.Errorf("%s must be strictly ascending, got %v", name, values)
		}
		prev = v
	}
	return nil
}
