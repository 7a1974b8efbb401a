// Package config holds the process settings, read from the environment and
// overridable by command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
)

// ErrInvalid is returned by Validate
var ErrInvalid = errors.New("invalid settings")

// Settings is everything the service needs at startup. The schedule itself
// lives in the document at ScheduleFile.
type Settings struct {
	// Home Assistant
	HAURL    string `validate:"required,url"`
	HAToken  string `validate:"required"`
	ReadOnly bool

	// Persistence
	ScheduleFile  string `validate:"required"`
	StateBackend  string `validate:"oneof=file redis memory"`
	StateFile     string `validate:"required_if=StateBackend file"`
	RedisAddr     string `validate:"required_if=StateBackend redis"`
	RedisPassword string
	RedisDB       int `validate:"gte=0"`

	// Evaluation
	HTTPPort        int           `validate:"gt=0,lte=65535"`
	TickInterval    time.Duration `validate:"gte=1s"`
	ApplyTimeout    time.Duration `validate:"gt=0"`
	ApplyRetries    int           `validate:"gte=0,lte=10"`
	RetryBackoff    time.Duration `validate:"gt=0"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
	Timezone        string

	// Presence
	PresenceSource   string `validate:"oneof=ha mqtt"`
	PresenceEntities []string
	MQTTBroker       string `validate:"required_if=PresenceSource mqtt"`
	MQTTTopic        string `validate:"required_if=PresenceSource mqtt"`
	MQTTUsername     string
	MQTTPassword     string

	LogLevel string `validate:"oneof=debug info warn error"`
}

// NewSettings returns the defaults
func NewSettings() *Settings {
	return &Settings{
		ScheduleFile:    "configs/schedule.yaml",
		StateBackend:    "file",
		StateFile:       "data/changestate.yaml",
		RedisAddr:       "localhost:6379",
		HTTPPort:        8080,
		TickInterval:    time.Minute,
		ApplyTimeout:    10 * time.Second,
		ApplyRetries:    2,
		RetryBackoff:    time.Second,
		ShutdownTimeout: 15 * time.Second,
		Timezone:        "Local",
		PresenceSource:  "ha",
		MQTTTopic:       "homeschedule/presence/+",
		LogLevel:        "info",
	}
}

// LoadFromEnv overrides values from environment variables that are set.
// Malformed numbers and durations are reported, not ignored.
func (s *Settings) LoadFromEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	integer := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("HA_URL", &s.HAURL)
	str("HA_TOKEN", &s.HAToken)
	if v := os.Getenv("READ_ONLY"); v != "" {
		s.ReadOnly = v == "true"
	}

	str("SCHEDULE_FILE", &s.ScheduleFile)
	str("STATE_BACKEND", &s.StateBackend)
	str("STATE_FILE", &s.StateFile)
	str("REDIS_ADDR", &s.RedisAddr)
	str("REDIS_PASSWORD", &s.RedisPassword)
	integer("REDIS_DB", &s.RedisDB)

	integer("HTTP_PORT", &s.HTTPPort)
	duration("TICK_INTERVAL", &s.TickInterval)
	duration("APPLY_TIMEOUT", &s.ApplyTimeout)
	integer("APPLY_RETRIES", &s.ApplyRetries)
	duration("RETRY_BACKOFF", &s.RetryBackoff)
	duration("SHUTDOWN_TIMEOUT", &s.ShutdownTimeout)
	str("TIMEZONE", &s.Timezone)

	str("PRESENCE_SOURCE", &s.PresenceSource)
	if v := os.Getenv("PRESENCE_ENTITIES"); v != "" {
		s.PresenceEntities = splitList(v)
	}
	str("MQTT_BROKER", &s.MQTTBroker)
	str("MQTT_TOPIC", &s.MQTTTopic)
	str("MQTT_USERNAME", &s.MQTTUsername)
	str("MQTT_PASSWORD", &s.MQTTPassword)

	str("LOG_LEVEL", &s.LogLevel)

	return errors.Join(errs...)
}

// RegisterFlags binds flags to the current values, so flags win over the
// environment when parsed after LoadFromEnv
func (s *Settings) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(&s.HAURL, "ha-url", s.HAURL, "Home Assistant websocket URL")
	fs.BoolVar(&s.ReadOnly, "read-only", s.ReadOnly, "Log service calls instead of performing them")

	fs.StringVar(&s.ScheduleFile, "schedule-file", s.ScheduleFile, "Path of the schedule document")
	fs.StringVar(&s.StateBackend, "state-backend", s.StateBackend, "Change-state backend (file, redis, memory)")
	fs.StringVar(&s.StateFile, "state-file", s.StateFile, "Change-state file for the file backend")
	fs.StringVar(&s.RedisAddr, "redis-addr", s.RedisAddr, "Redis address for the redis backend")
	fs.IntVar(&s.RedisDB, "redis-db", s.RedisDB, "Redis database number")

	fs.IntVar(&s.HTTPPort, "http-port", s.HTTPPort, "HTTP API port")
	fs.DurationVar(&s.TickInterval, "tick-interval", s.TickInterval, "Interval between full evaluations")
	fs.DurationVar(&s.ApplyTimeout, "apply-timeout", s.ApplyTimeout, "Timeout of one apply attempt")
	fs.IntVar(&s.ApplyRetries, "apply-retries", s.ApplyRetries, "Retries after a transient apply failure")
	fs.DurationVar(&s.RetryBackoff, "retry-backoff", s.RetryBackoff, "First retry delay, doubled per attempt")
	fs.DurationVar(&s.ShutdownTimeout, "shutdown-timeout", s.ShutdownTimeout, "Time allowed for in-flight passes at shutdown")
	fs.StringVar(&s.Timezone, "timezone", s.Timezone, "IANA zone slot times are expressed in")

	fs.StringVar(&s.PresenceSource, "presence-source", s.PresenceSource, "Presence signal source (ha, mqtt)")
	fs.StringSliceVar(&s.PresenceEntities, "presence-entities", s.PresenceEntities, "Presence entities used when the document names none")
	fs.StringVar(&s.MQTTBroker, "mqtt-broker", s.MQTTBroker, "MQTT broker URL, e.g. tcp://localhost:1883")
	fs.StringVar(&s.MQTTTopic, "mqtt-topic", s.MQTTTopic, "MQTT topic filter carrying presence signals")

	fs.StringVar(&s.LogLevel, "log-level", s.LogLevel, "Log level (debug, info, warn, error)")
}

// Validate checks the struct tags and that Timezone resolves
func (s *Settings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := s.Location(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Location resolves Timezone
func (s *Settings) Location() (*time.Location, error) {
	if s.Timezone == "" || s.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", s.Timezone, err)
	}
	return loc, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
