package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"spreadbot/internal/observ"
)

// Engine is the top-level engine configuration, loaded once at session
// start. Strategy definitions live in a separate versioned yaml file (see
// strategies.go) so that bot parameters can be reviewed independently of
// engine tuning.
type Engine struct {
	Mode string // paper | live

	Session   SessionConfig
	Risk      RiskConfig
	Exec      ExecConfig
	Broker    BrokerConfig
	Feed      FeedConfig
	Telemetry TelemetryConfig
	Logging   observ.Config

	StrategiesPath string
	CalendarPath   string
}

type SessionConfig struct {
	WindowStart       string // "10:30" exchange-local
	WindowEnd         string // "15:30"
	FlattenBeforeMins int    // forced flatten this many minutes before WindowEnd
	TickInterval      time.Duration
	ForceExitGrace    time.Duration
	Timezone          string
}

type RiskConfig struct {
	DailyLossCap      float64
	PerTradeCap       float64
	MaxPositions      int     // concurrent open reservations; 0 disables the cap
	VolSpikeThreshold float64 // index-vol points; 0 disables the spike guard
}

type ExecConfig struct {
	RequoteInterval time.Duration
	RequoteStep     float64 // price step toward mid per attempt
	MaxAttempts     int
	OrderTimeout    time.Duration
	PollInterval    time.Duration
	ReconnectMin    time.Duration
	ReconnectMax    time.Duration
	MaxReconnects   int
}

type BrokerConfig struct {
	RatePerSec  float64
	Burst       int
	CallTimeout time.Duration
}

type FeedConfig struct {
	URL          string // websocket endpoint; empty selects the sim feed
	SimSeed      int64
	SimBasePrice float64
}

type TelemetryConfig struct {
	EventLogPath string
	JournalPath  string
	BufferSize   int
	MaxSizeMB    int
	MaxBackups   int
}

// LoadEngine reads the engine config with viper, applies defaults and
// validates. Any invalid value aborts startup; controllers never start
// half-configured.
func LoadEngine(path string) (Engine, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SPREADBOT")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Engine{}, fmt.Errorf("read engine config: %w", err)
	}

	cfg := Engine{
		Mode: v.GetString("mode"),
		Session: SessionConfig{
			WindowStart:       v.GetString("session.window_start"),
			WindowEnd:         v.GetString("session.window_end"),
			FlattenBeforeMins: v.GetInt("session.flatten_before_mins"),
			TickInterval:      v.GetDuration("session.tick_interval"),
			ForceExitGrace:    v.GetDuration("session.force_exit_grace"),
			Timezone:          v.GetString("session.timezone"),
		},
		Risk: RiskConfig{
			DailyLossCap:      v.GetFloat64("risk.daily_loss_cap"),
			PerTradeCap:       v.GetFloat64("risk.per_trade_cap"),
			MaxPositions:      v.GetInt("risk.max_positions"),
			VolSpikeThreshold: v.GetFloat64("risk.vol_spike_threshold"),
		},
		Exec: ExecConfig{
			RequoteInterval: v.GetDuration("exec.requote_interval"),
			RequoteStep:     v.GetFloat64("exec.requote_step"),
			MaxAttempts:     v.GetInt("exec.max_attempts"),
			OrderTimeout:    v.GetDuration("exec.order_timeout"),
			PollInterval:    v.GetDuration("exec.poll_interval"),
			ReconnectMin:    v.GetDuration("exec.reconnect_min"),
			ReconnectMax:    v.GetDuration("exec.reconnect_max"),
			MaxReconnects:   v.GetInt("exec.max_reconnects"),
		},
		Broker: BrokerConfig{
			RatePerSec:  v.GetFloat64("broker.rate_per_sec"),
			Burst:       v.GetInt("broker.burst"),
			CallTimeout: v.GetDuration("broker.call_timeout"),
		},
		Feed: FeedConfig{
			URL:          v.GetString("feed.url"),
			SimSeed:      v.GetInt64("feed.sim_seed"),
			SimBasePrice: v.GetFloat64("feed.sim_base_price"),
		},
		Telemetry: TelemetryConfig{
			EventLogPath: v.GetString("telemetry.event_log_path"),
			JournalPath:  v.GetString("telemetry.journal_path"),
			BufferSize:   v.GetInt("telemetry.buffer_size"),
			MaxSizeMB:    v.GetInt("telemetry.max_size_mb"),
			MaxBackups:   v.GetInt("telemetry.max_backups"),
		},
		Logging: observ.Config{
			Level:      v.GetString("logging.level"),
			Format:     v.GetString("logging.format"),
			Output:     v.GetString("logging.output"),
			MaxSizeMB:  v.GetInt("logging.max_size_mb"),
			MaxBackups: v.GetInt("logging.max_backups"),
			MaxAgeDays: v.GetInt("logging.max_age_days"),
			Compress:   v.GetBool("logging.compress"),
		},
		StrategiesPath: v.GetString("strategies_path"),
		CalendarPath:   v.GetString("calendar_path"),
	}

	if err := cfg.Validate(); err != nil {
		return Engine{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "paper")
	v.SetDefault("session.window_start", "10:30")
	v.SetDefault("session.window_end", "15:45")
	v.SetDefault("session.flatten_before_mins", 20)
	v.SetDefault("session.tick_interval", "5s")
	v.SetDefault("session.force_exit_grace", "90s")
	v.SetDefault("session.timezone", "America/New_York")
	v.SetDefault("risk.daily_loss_cap", 150)
	v.SetDefault("risk.per_trade_cap", 50)
	v.SetDefault("risk.max_positions", 3)
	v.SetDefault("risk.vol_spike_threshold", 3)
	v.SetDefault("exec.requote_interval", "10s")
	v.SetDefault("exec.requote_step", 0.01)
	v.SetDefault("exec.max_attempts", 5)
	v.SetDefault("exec.order_timeout", "10s")
	v.SetDefault("exec.poll_interval", "250ms")
	v.SetDefault("exec.reconnect_min", "1s")
	v.SetDefault("exec.reconnect_max", "30s")
	v.SetDefault("exec.max_reconnects", 10)
	v.SetDefault("feed.sim_base_price", 500)
	v.SetDefault("broker.rate_per_sec", 5)
	v.SetDefault("broker.burst", 2)
	v.SetDefault("broker.call_timeout", "5s")
	v.SetDefault("telemetry.event_log_path", "data/events.jsonl")
	v.SetDefault("telemetry.journal_path", "data/journal.db")
	v.SetDefault("telemetry.buffer_size", 1024)
	v.SetDefault("telemetry.max_size_mb", 50)
	v.SetDefault("telemetry.max_backups", 5)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("strategies_path", "configs/strategies.yaml")
	v.SetDefault("calendar_path", "configs/calendar.yaml")
}

// Validate rejects configurations the engine must not start with.
func (c Engine) Validate() error {
	if c.Mode != "paper" && c.Mode != "live" {
		return fmt.Errorf("config: mode must be paper or live, got %q", c.Mode)
	}
	start, err := parseClock(c.Session.WindowStart)
	if err != nil {
		return fmt.Errorf("config: session.window_start: %w", err)
	}
	end, err := parseClock(c.Session.WindowEnd)
	if err != nil {
		return fmt.Errorf("config: session.window_end: %w", err)
	}
	if !start.Before(end) {
		return fmt.Errorf("config: session window start %s not before end %s",
			c.Session.WindowStart, c.Session.WindowEnd)
	}
	if c.Session.FlattenBeforeMins < 0 {
		return fmt.Errorf("config: session.flatten_before_mins must be >= 0")
	}
	if c.Session.TickInterval <= 0 {
		return fmt.Errorf("config: session.tick_interval must be positive")
	}
	if _, err := time.LoadLocation(c.Session.Timezone); err != nil {
		return fmt.Errorf("config: session.timezone: %w", err)
	}
	if c.Risk.DailyLossCap <= 0 {
		return fmt.Errorf("config: risk.daily_loss_cap must be positive")
	}
	if c.Risk.PerTradeCap <= 0 || c.Risk.PerTradeCap > c.Risk.DailyLossCap {
		return fmt.Errorf("config: risk.per_trade_cap must be in (0, daily_loss_cap]")
	}
	if c.Risk.MaxPositions < 0 {
		return fmt.Errorf("config: risk.max_positions must be >= 0")
	}
	if c.Exec.MaxAttempts <= 0 {
		return fmt.Errorf("config: exec.max_attempts must be positive")
	}
	if c.Exec.RequoteStep <= 0 {
		return fmt.Errorf("config: exec.requote_step must be positive")
	}
	if c.Exec.OrderTimeout <= 0 {
		return fmt.Errorf("config: exec.order_timeout must be positive")
	}
	return nil
}

// Clock is a minutes-into-day wall-clock time inside the session timezone.
type Clock struct {
	Hour, Minute int
}

func (c Clock) Before(o Clock) bool {
	return c.Hour*60+c.Minute < o.Hour*60+o.Minute
}

// At anchors the clock onto a calendar date in loc.
func (c Clock) At(date time.Time, loc *time.Location) time.Time {
	return time.Date(date.Year(), date.Month(), date.Day(), c.Hour, c.Minute, 0, 0, loc)
}

func parseClock(s string) (Clock, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return Clock{}, fmt.Errorf("want HH:MM, got %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return Clock{}, fmt.Errorf("out of range: %q", s)
	}
	return Clock{Hour: h, Minute: m}, nil
}

// MustClock parses a validated HH:MM string. Panics on malformed input, so
// only call it on values that passed Validate.
func MustClock(s string) Clock {
	c, err := parseClock(s)
	if err != nil {
		panic(err)
	}
	return c
}
