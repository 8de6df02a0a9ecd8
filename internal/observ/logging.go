package observ

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls log level, format and rotation for the engine log.
type Config struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"` // text | json
	Output     string `yaml:"output" mapstructure:"output"` // "" or "stdout" for stdout
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

var log = logrus.New()

// Setup configures the package logger. Safe to call once at startup.
func Setup(cfg Config) {
	switch strings.ToLower(cfg.Format) {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if lvl, err := logrus.ParseLevel(cfg.Level); err == nil {
		log.SetLevel(lvl)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}

	var w io.Writer = os.Stdout
	if cfg.Output != "" && cfg.Output != "stdout" {
		w = &lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
			LocalTime:  true,
		}
	}
	log.SetOutput(w)
}

// Log emits a structured event line. kv may be nil.
func Log(event string, kv map[string]any) {
	if kv == nil {
		log.Info(event)
		return
	}
	log.WithFields(logrus.Fields(kv)).Info(event)
}

// Warn emits a warning-level event line.
func Warn(event string, kv map[string]any) {
	log.WithFields(logrus.Fields(kv)).Warn(event)
}

// Error emits an error-level event line.
func Error(event string, err error, kv map[string]any) {
	entry := log.WithFields(logrus.Fields(kv))
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(event)
}

// WithComponent returns an entry tagged with a component name for
// packages that want to hold their own logger.
func WithComponent(name string) *logrus.Entry {
	return log.WithField("component", name)
}

// WithStrategy returns an entry tagged with strategy and trade identifiers.
func WithStrategy(strategyID, tradeID string) *logrus.Entry {
	entry := log.WithField("strategy", strategyID)
	if tradeID != "" {
		entry = entry.WithField("trade", tradeID)
	}
	return entry
}
