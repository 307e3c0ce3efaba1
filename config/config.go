/*
Package config loads runtime configuration and builds the logger.

PURPOSE:
  One place for every environment knob. A .env file in the working
  directory is loaded first if present; real environment variables win.

VARIABLES:
  PORT                  HTTP port                              (8080)
  DB_PATH               SQLite file, ":memory:" for ephemeral  (billing.db)
  LOG_LEVEL             logrus level                           (info)
  REDIS_ADDRESS         enables distributed locks when set     ("")
  LOCK_TTL              redis lock expiry                      (30s)
  LOCK_WAIT             max wait for any lock                  (10s)
  NOTIFY_BUFFER         notification queue size                (256)
  NOTIFY_RETRIES        delivery attempts per notification     (3)
  DRIFT_CHECK_INTERVAL  drift audit period, 0 disables         (1h)
  DRIFT_AUTO_REPAIR     apply reconciliation on drift          (false)
  DRIFT_CONCURRENCY     guardians checked in parallel          (4)
  AGGREGATION_TIMEOUT   summary query budget                   (2s)
  UNDO_WINDOW           how long manual changes stay undoable  (168h)
  SETTINGS_FILE         guardian financial settings JSON       ("")
  OPERATOR_RECIPIENT    recipient for operator notifications   (operators)
*/
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Port               int
	DBPath             string
	LogLevel           string
	RedisAddress       string
	LockTTL            time.Duration
	LockWait           time.Duration
	NotifyBuffer       int
	NotifyRetries      int
	DriftCheckInterval time.Duration
	DriftAutoRepair    bool
	DriftConcurrency   int
	AggregationTimeout time.Duration
	UndoWindow         time.Duration
	SettingsFile       string
	OperatorRecipient  string
}

func Default() Config {
	return Config{
		Port:               8080,
		DBPath:             "billing.db",
		LogLevel:           "info",
		LockTTL:            30 * time.Second,
		LockWait:           10 * time.Second,
		NotifyBuffer:       256,
		NotifyRetries:      3,
		DriftCheckInterval: time.Hour,
		DriftConcurrency:   4,
		AggregationTimeout: 2 * time.Second,
		UndoWindow:         7 * 24 * time.Hour,
		OperatorRecipient:  "operators",
	}
}

// Load reads .env (optional) and the environment over Default().
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from a lookup function.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	p := parser{lookup: lookup}

	p.intVar("PORT", &cfg.Port)
	p.strVar("DB_PATH", &cfg.DBPath)
	p.strVar("LOG_LEVEL", &cfg.LogLevel)
	p.strVar("REDIS_ADDRESS", &cfg.RedisAddress)
	p.durationVar("LOCK_TTL", &cfg.LockTTL)
	p.durationVar("LOCK_WAIT", &cfg.LockWait)
	p.intVar("NOTIFY_BUFFER", &cfg.NotifyBuffer)
	p.intVar("NOTIFY_RETRIES", &cfg.NotifyRetries)
	p.durationVar("DRIFT_CHECK_INTERVAL", &cfg.DriftCheckInterval)
	p.boolVar("DRIFT_AUTO_REPAIR", &cfg.DriftAutoRepair)
	p.intVar("DRIFT_CONCURRENCY", &cfg.DriftConcurrency)
	p.durationVar("AGGREGATION_TIMEOUT", &cfg.AggregationTimeout)
	p.durationVar("UNDO_WINDOW", &cfg.UndoWindow)
	p.strVar("SETTINGS_FILE", &cfg.SettingsFile)
	p.strVar("OPERATOR_RECIPIENT", &cfg.OperatorRecipient)

	if p.err != nil {
		return cfg, p.err
	}
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		return cfg, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return cfg, nil
}

type parser struct {
	lookup func(string) (string, bool)
	err    error
}

func (p *parser) get(key string) (string, bool) {
	if p.err != nil {
		return "", false
	}
	v, ok := p.lookup(key)
	return v, ok && v != ""
}

func (p *parser) strVar(key string, dst *string) {
	if v, ok := p.get(key); ok {
		*dst = v
	}
}

func (p *parser) intVar(key string, dst *int) {
	if v, ok := p.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			p.err = fmt.Errorf("%s: invalid non-negative integer %q", key, v)
			return
		}
		*dst = n
	}
}

func (p *parser) boolVar(key string, dst *bool) {
	if v, ok := p.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			p.err = fmt.Errorf("%s: invalid boolean %q", key, v)
			return
		}
		*dst = b
	}
}

func (p *parser) durationVar(key string, dst *time.Duration) {
	if v, ok := p.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			p.err = fmt.Errorf("%s: invalid duration %q", key, v)
			return
		}
		*dst = d
	}
}
