package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultEnv             = "development"
	defaultHTTPHost        = "0.0.0.0"
	defaultHTTPPort        = 8080
	defaultRedisDB         = 0
	defaultRegimeKey       = "engine:regime:latest"
	defaultRegimeChannel   = "engine:regime:updates"
	defaultEventsExchange  = "engine.events"
	defaultCandlesExchange = "marketdata.candles"
	defaultQuotesExchange  = "marketdata.quotes"
	defaultSignalsExchange = "engine.signals"

	defaultLeaseSeconds        = 30
	defaultMaxAttempts         = 3
	defaultSupervisorSeconds   = 5
	defaultRegimeTickMillis    = 1000
	defaultPipelineTickMillis  = 1000
	defaultExecutionPollMillis = 250
	defaultLegDelayMillis      = 300
)

// Config keeps the runtime configuration for the engine.
type Config struct {
	Env       string
	HTTP      HTTPConfig
	Postgres  PostgresConfig
	Redis     RedisConfig
	RabbitMQ  RabbitMQConfig
	Alerts    AlertsConfig
	Queue     QueueConfig
	Safety    SafetyConfig
	Regime    RegimeConfig
	Sizing    SizingConfig
	Router    RouterConfig
	Freshness FreshnessConfig
	Execution ExecutionConfig
	Archive   ArchiveConfig
	Journal   JournalConfig
}

// HTTPConfig holds operator API settings.
type HTTPConfig struct {
	Host string
	Port int
}

// Addr renders the listen address in host:port form.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// PostgresConfig stores database connection parameters.
type PostgresConfig struct {
	DSN string
}

// RedisConfig stores Redis connection parameters. An empty Addr disables
// regime publication and the API response cache.
type RedisConfig struct {
	Addr          string
	Password      string
	DB            int
	RegimeKey     string
	RegimeChannel string
	CacheTTL      time.Duration
}

// RabbitMQConfig stores AMQP connection parameters. An empty URL disables the
// market data consumer and the event publisher.
type RabbitMQConfig struct {
	URL             string
	EventsExchange  string
	CandlesExchange string
	QuotesExchange  string
	SignalsExchange string
	Prefetch        int
}

// AlertsConfig configures the critical alert channel.
type AlertsConfig struct {
	WebhookURL string
}

// QueueConfig controls command queue leasing.
type QueueConfig struct {
	Lease       time.Duration
	MaxAttempts int
}

// SafetyConfig holds breaker thresholds and supervisor cadence.
type SafetyConfig struct {
	Capital              float64
	MaxDailyLossPct      float64
	MaxOrdersPerMinute   int
	MaxGrossNotionalMult float64
	MaxUnderlyingShare   float64
	UnhedgedTimeout      time.Duration
	SupervisorInterval   time.Duration
	HeartbeatMultiple    int
	MaxAgentRestarts     int
	AgentRestartBackoff  time.Duration
}

// RegimeConfig holds regime classification cadence and VIX thresholds.
type RegimeConfig struct {
	Tick           time.Duration
	Underlying     string
	LowVIX         float64
	HighVIX        float64
	ElevatedVIX    float64
	LowVIXScoreCap float64
}

// SizingConfig holds the risk sizing chain parameters.
type SizingConfig struct {
	TargetVolPct          float64
	MaxRiskPct            float64
	VIXHalvingThreshold   float64
	CorrelationThreshold  float64
	DiversificationFactor float64
	SectorLimit           float64
	MaxPositions          int
	MarginReservePct      float64
	DefaultWinRate        float64
	DefaultRewardRisk     float64
	// LotSizes is the fallback lot table for symbols missing from the
	// instruments catalog. Parsed from LOT_SIZES="NIFTY:75,BANKNIFTY:35".
	LotSizes              map[string]int64
}

// RouterConfig holds the conflict router caps.
type RouterConfig struct {
	MaxPositions   int
	SectorHeatCap  float64
	StrengthWeight float64
}

// FreshnessConfig holds staleness thresholds.
type FreshnessConfig struct {
	UnderlyingQuoteMaxAge time.Duration
	OptionQuoteMaxAge     time.Duration
	FeedSwitchCooldown    time.Duration
	DepthMaxAge           time.Duration
	AnalyticsMaxAge       time.Duration
	IVMaxAge              time.Duration
	IVCreditSpreadMaxAge  time.Duration
	VIXMaxAge             time.Duration
}

// ExecutionConfig controls the execution worker.
type ExecutionConfig struct {
	PollInterval      time.Duration
	PipelineInterval  time.Duration
	LegDelay          time.Duration
	DeferDelay        time.Duration
	Batch             int
	// ShortMarginFactor multiplies premium to estimate margin on sold legs.
	ShortMarginFactor float64
	InboxSize         int
	Paper             bool
}

// ArchiveConfig controls market data persistence and indicator warm start.
type ArchiveConfig struct {
	Enabled       bool
	BatchSize     int
	FlushTimeout  time.Duration
	Depth         bool
	BarInterval   int64
	WarmStartBars int
}

// JournalConfig controls the decision journal written through gorm.
type JournalConfig struct {
	Enabled      bool
	BatchSize    int
	FlushTimeout time.Duration
}

// Load builds Config from environment variables. A .env file in the working
// directory is loaded first when present; existing variables win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	port, err := getInt("HTTP_PORT", defaultHTTPPort)
	if err != nil {
		return nil, fmt.Errorf("parse HTTP_PORT: %w", err)
	}

	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		return nil, errors.New("DATABASE_DSN is required")
	}

	redisDB, err := getInt("REDIS_DB", defaultRedisDB)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_DB: %w", err)
	}

	cfg := &Config{
		Env:      getString("APP_ENV", defaultEnv),
		HTTP:     HTTPConfig{Host: getString("HTTP_HOST", defaultHTTPHost), Port: port},
		Postgres: PostgresConfig{DSN: dsn},
		Redis: RedisConfig{
			Addr:          os.Getenv("REDIS_ADDR"),
			Password:      os.Getenv("REDIS_PASSWORD"),
			DB:            redisDB,
			RegimeKey:     getString("REDIS_REGIME_KEY", defaultRegimeKey),
			RegimeChannel: getString("REDIS_REGIME_CHANNEL", defaultRegimeChannel),
		},
		Alerts: AlertsConfig{WebhookURL: os.Getenv("ALERT_WEBHOOK_URL")},
	}

	p := parser{}
	cfg.Redis.CacheTTL = p.seconds("REDIS_CACHE_TTL_SECONDS", 30)
	cfg.RabbitMQ = RabbitMQConfig{
		URL:             os.Getenv("RABBITMQ_URL"),
		EventsExchange:  getString("RABBITMQ_EVENTS_EXCHANGE", defaultEventsExchange),
		CandlesExchange: getString("RABBITMQ_CANDLES_EXCHANGE", defaultCandlesExchange),
		QuotesExchange:  getString("RABBITMQ_QUOTES_EXCHANGE", defaultQuotesExchange),
		SignalsExchange: getString("RABBITMQ_SIGNALS_EXCHANGE", defaultSignalsExchange),
		Prefetch:        p.int("RABBITMQ_PREFETCH", 50),
	}
	cfg.Queue = QueueConfig{
		Lease:       p.seconds("QUEUE_LEASE_SECONDS", defaultLeaseSeconds),
		MaxAttempts: p.int("QUEUE_MAX_ATTEMPTS", defaultMaxAttempts),
	}
	cfg.Safety = SafetyConfig{
		Capital:              p.float("SAFETY_CAPITAL", 1_000_000),
		MaxDailyLossPct:      p.float("SAFETY_MAX_DAILY_LOSS_PCT", 0.05),
		MaxOrdersPerMinute:   p.int("SAFETY_MAX_ORDERS_PER_MINUTE", 10),
		MaxGrossNotionalMult: p.float("SAFETY_MAX_GROSS_NOTIONAL_MULT", 5),
		MaxUnderlyingShare:   p.float("SAFETY_MAX_UNDERLYING_SHARE", 0.5),
		UnhedgedTimeout:      p.seconds("SAFETY_UNHEDGED_TIMEOUT_SECONDS", 5),
		SupervisorInterval:   p.seconds("SUPERVISOR_INTERVAL_SECONDS", defaultSupervisorSeconds),
		HeartbeatMultiple:    p.int("SUPERVISOR_HEARTBEAT_MULTIPLE", 2),
		MaxAgentRestarts:     p.int("SUPERVISOR_MAX_RESTARTS", 3),
		AgentRestartBackoff:  p.seconds("SUPERVISOR_RESTART_BACKOFF_SECONDS", 1),
	}
	cfg.Regime = RegimeConfig{
		Tick:           p.millis("REGIME_TICK_MS", defaultRegimeTickMillis),
		Underlying:     getString("REGIME_UNDERLYING", "NIFTY"),
		LowVIX:         p.float("REGIME_LOW_VIX", 12),
		ElevatedVIX:    p.float("REGIME_ELEVATED_VIX", 18),
		HighVIX:        p.float("REGIME_HIGH_VIX", 25),
		LowVIXScoreCap: p.float("REGIME_LOW_VIX_SCORE_CAP", 4),
	}
	cfg.Sizing = SizingConfig{
		TargetVolPct:          p.float("SIZING_TARGET_VOL_PCT", 0.01),
		MaxRiskPct:            p.float("SIZING_MAX_RISK_PCT", 0.02),
		VIXHalvingThreshold:   p.float("SIZING_VIX_HALVING_THRESHOLD", 20),
		CorrelationThreshold:  p.float("SIZING_CORRELATION_THRESHOLD", 0.7),
		DiversificationFactor: p.float("SIZING_DIVERSIFICATION_FACTOR", 0.7),
		SectorLimit:           p.float("SIZING_SECTOR_LIMIT", 0.20),
		MaxPositions:          p.int("SIZING_MAX_POSITIONS", 5),
		MarginReservePct:      p.float("SIZING_MARGIN_RESERVE_PCT", 0.30),
		DefaultWinRate:        p.float("SIZING_DEFAULT_WIN_RATE", 0.55),
		DefaultRewardRisk:     p.float("SIZING_DEFAULT_REWARD_RISK", 1.5),
		LotSizes:              p.lots("LOT_SIZES", "NIFTY:75,BANKNIFTY:35,FINNIFTY:65"),
	}
	cfg.Router = RouterConfig{
		MaxPositions:   p.int("ROUTER_MAX_POSITIONS", 5),
		SectorHeatCap:  p.float("ROUTER_SECTOR_HEAT_CAP", 0.20),
		StrengthWeight: p.float("ROUTER_STRENGTH_WEIGHT", 20),
	}
	cfg.Freshness = FreshnessConfig{
		UnderlyingQuoteMaxAge: p.seconds("FRESHNESS_UNDERLYING_SECONDS", 5),
		OptionQuoteMaxAge:     p.seconds("FRESHNESS_OPTION_SECONDS", 10),
		FeedSwitchCooldown:    p.seconds("FRESHNESS_FEED_SWITCH_COOLDOWN_SECONDS", 3),
		DepthMaxAge:           p.seconds("FRESHNESS_DEPTH_SECONDS", 5),
		AnalyticsMaxAge:       p.seconds("FRESHNESS_ANALYTICS_SECONDS", 300),
		IVMaxAge:              p.seconds("FRESHNESS_IV_SECONDS", 120),
		IVCreditSpreadMaxAge:  p.seconds("FRESHNESS_IV_CREDIT_SPREAD_SECONDS", 300),
		VIXMaxAge:             p.seconds("FRESHNESS_VIX_SECONDS", 60),
	}
	cfg.Execution = ExecutionConfig{
		PollInterval:      p.millis("EXECUTION_POLL_MS", defaultExecutionPollMillis),
		PipelineInterval:  p.millis("PIPELINE_TICK_MS", defaultPipelineTickMillis),
		LegDelay:          p.millis("EXECUTION_LEG_DELAY_MS", defaultLegDelayMillis),
		DeferDelay:        p.millis("EXECUTION_DEFER_MS", 2000),
		Batch:             p.int("EXECUTION_BATCH", 8),
		ShortMarginFactor: p.float("EXECUTION_SHORT_MARGIN_FACTOR", 5),
		InboxSize:         p.int("PIPELINE_INBOX_SIZE", 256),
		Paper:             p.bool("EXECUTION_PAPER", true),
	}
	cfg.Archive = ArchiveConfig{
		Enabled:       p.bool("ARCHIVE_ENABLED", true),
		BatchSize:     p.int("ARCHIVE_BATCH_SIZE", 100),
		FlushTimeout:  p.seconds("ARCHIVE_FLUSH_SECONDS", 2),
		Depth:         p.bool("ARCHIVE_DEPTH", false),
		BarInterval:   int64(p.int("ARCHIVE_BAR_INTERVAL_SECONDS", 300)),
		WarmStartBars: p.int("ARCHIVE_WARM_START_BARS", 120),
	}
	cfg.Journal = JournalConfig{
		Enabled:      p.bool("JOURNAL_ENABLED", true),
		BatchSize:    p.int("JOURNAL_BATCH_SIZE", 50),
		FlushTimeout: p.seconds("JOURNAL_FLUSH_SECONDS", 1),
	}
	if p.err != nil {
		return nil, p.err
	}
	return cfg, nil
}

// parser accumulates the first conversion error so Load can report it once.
type parser struct {
	err error
}

func (p *parser) int(key string, fallback int) int {
	v, err := getInt(key, fallback)
	if err != nil && p.err == nil {
		p.err = err
	}
	return v
}

func (p *parser) float(key string, fallback float64) float64 {
	v, err := getFloat(key, fallback)
	if err != nil && p.err == nil {
		p.err = err
	}
	return v
}

func (p *parser) bool(key string, fallback bool) bool {
	v, err := getBool(key, fallback)
	if err != nil && p.err == nil {
		p.err = err
	}
	return v
}

// lots parses "SYM:N,SYM:N" pairs.
func (p *parser) lots(key, fallback string) map[string]int64 {
	out := make(map[string]int64)
	for _, pair := range strings.Split(getString(key, fallback), ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		sym, n, ok := strings.Cut(pair, ":")
		lot, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if !ok || err != nil || lot <= 0 {
			if p.err == nil {
				p.err = fmt.Errorf("parse %s entry %q: want SYMBOL:LOT", key, pair)
			}
			continue
		}
		out[strings.ToUpper(strings.TrimSpace(sym))] = lot
	}
	return out
}

func (p *parser) seconds(key string, fallback int) time.Duration {
	return time.Duration(p.int(key, fallback)) * time.Second
}

func (p *parser) millis(key string, fallback int) time.Duration {
	return time.Duration(p.int(key, fallback)) * time.Millisecond
}

func getString(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	return value
}

func getInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}

	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("convert %s value %q to int: %w", key, value, err)
	}
	return parsed, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}

	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("convert %s value %q to float: %w", key, value, err)
	}
	return parsed, nil
}

func getBool(key string, fallback bool) (bool, error) {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback, nil
	}

	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return false, fmt.Errorf("convert %s value %q to bool: %w", key, value, err)
	}
	return parsed, nil
}
