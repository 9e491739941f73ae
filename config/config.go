// Package config loads daemon settings from an optional YAML file, with
// explicitly set command-line flags taking precedence.
package config

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"pillmate/pairing"
	"pillmate/rtdb"
	"pillmate/rtdb/badgerstore"
	"pillmate/rtdb/firebasestore"
	"pillmate/rtdb/memstore"
	"pillmate/rtdb/redisstore"
	"pillmate/rtdb/sqlstore"

	"github.com/go-redis/redis/v8"
	"gopkg.in/yaml.v3"
)

var ErrUnknownBackend = errors.New("unknown realtime backend")

type Config struct {
	APIListen   string `yaml:"api_listen"`
	DebugListen string `yaml:"debug_listen"`

	// GCP project holding Firestore and Secret Manager state.
	DataProject string `yaml:"data_project"`

	// Audience that ID tokens presented to the API must carry.
	GoogleOAuthClientID string `yaml:"google_oauth_client_id"`

	// Export traces and metrics to Cloud Trace and Cloud Monitoring.
	Monitoring           bool    `yaml:"monitoring"`
	MonitoringProject    string  `yaml:"monitoring_project"`
	MonitoringTraceRatio float64 `yaml:"monitoring_trace_ratio"`

	// Time between supervisor passes over the linked devices.
	RecheckPeriod time.Duration `yaml:"recheck_period"`

	// "preserve" or "reset".
	SlotInit string `yaml:"slot_init"`

	Realtime RealtimeConfig `yaml:"realtime"`
	Safety   SafetyConfig   `yaml:"safety"`
	Alerts   AlertsConfig   `yaml:"alerts"`
}

type RealtimeConfig struct {
	// One of memory, redis, badger, sqlite, postgres, firebase.
	Backend string `yaml:"backend"`

	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`
	BadgerDir   string `yaml:"badger_dir"`
	FirebaseURL string `yaml:"firebase_url"`

	// Data source name for the sqlite and postgres backends.
	SQLDSN string `yaml:"sql_dsn"`
}

type SafetyConfig struct {
	// Base URL of the callable functions, e.g.
	// https://us-central1-PROJECT.cloudfunctions.net
	FunctionsURL string        `yaml:"functions_url"`
	AuthWait     time.Duration `yaml:"auth_wait"`
	Timeout      time.Duration `yaml:"timeout"`
}

type AlertsConfig struct {
	Cooldown time.Duration `yaml:"cooldown"`

	SendgridKeySecret string `yaml:"sendgrid_key_secret"`
	FromName          string `yaml:"from_name"`
	FromAddress       string `yaml:"from_address"`

	MQTTBroker    string `yaml:"mqtt_broker"`
	MQTTClientID  string `yaml:"mqtt_client_id"`
	MQTTTopicRoot string `yaml:"mqtt_topic_root"`
}

func Defaults() Config {
	return Config{
		APIListen:     "127.0.0.1:8000",
		DebugListen:   "127.0.0.1:8001",
		RecheckPeriod: 5 * time.Minute,

		MonitoringTraceRatio: 0.0001,
		SlotInit:      "preserve",
		Realtime: RealtimeConfig{
			Backend:     "memory",
			RedisAddr:   "127.0.0.1:6379",
			RedisPrefix: "pillmate",
		},
		Safety: SafetyConfig{
			AuthWait: 3 * time.Second,
			Timeout:  10 * time.Second,
		},
		Alerts: AlertsConfig{
			Cooldown:      2 * time.Second,
			FromName:      "PillMate",
			MQTTClientID:  "pillmated",
			MQTTTopicRoot: "pillmate",
		},
	}
}

func bind(fs *flag.FlagSet, c *Config) {
	fs.StringVar(&c.APIListen, "api-listen", c.APIListen, "Server address:port for the API endpoint.")
	fs.StringVar(&c.DebugListen, "debug-listen", c.DebugListen, "Server address:port for debug endpoint.")
	fs.StringVar(&c.DataProject, "data-project", c.DataProject, "GCP project that contains the application state.")
	fs.StringVar(&c.GoogleOAuthClientID, "google-oauth-client-id", c.GoogleOAuthClientID, "OAuth client ID that API ID tokens are issued for.")
	fs.BoolVar(&c.Monitoring, "monitoring", c.Monitoring, "Enable monitoring?")
	fs.StringVar(&c.MonitoringProject, "monitoring-project", c.MonitoringProject, "Override project used for monitoring integration.  If not specified, the project associated with Application Default Credentials is used.")
	fs.Float64Var(&c.MonitoringTraceRatio, "monitoring-trace-ratio", c.MonitoringTraceRatio, "What ratio of traces should be exported?")
	fs.DurationVar(&c.RecheckPeriod, "recheck-period", c.RecheckPeriod, "Time between scans of linked devices.")
	fs.StringVar(&c.SlotInit, "slot-init", c.SlotInit, "What linking does to existing slots: preserve or reset.")

	fs.StringVar(&c.Realtime.Backend, "realtime-backend", c.Realtime.Backend, "Realtime tree backend: memory, redis, badger, sqlite, postgres or firebase.")
	fs.StringVar(&c.Realtime.RedisAddr, "redis-addr", c.Realtime.RedisAddr, "Redis address for the redis backend.")
	fs.StringVar(&c.Realtime.RedisPrefix, "redis-prefix", c.Realtime.RedisPrefix, "Key prefix for the redis backend.")
	fs.StringVar(&c.Realtime.BadgerDir, "badger-dir", c.Realtime.BadgerDir, "Data directory for the badger backend.")
	fs.StringVar(&c.Realtime.FirebaseURL, "firebase-url", c.Realtime.FirebaseURL, "Realtime Database URL for the firebase backend.")
	fs.StringVar(&c.Realtime.SQLDSN, "sql-dsn", c.Realtime.SQLDSN, "Data source name for the sqlite and postgres backends.")

	fs.StringVar(&c.Safety.FunctionsURL, "functions-url", c.Safety.FunctionsURL, "Base URL of the medication safety functions.")
	fs.DurationVar(&c.Safety.AuthWait, "auth-wait", c.Safety.AuthWait, "How long safety checks wait for sign-in.")
	fs.DurationVar(&c.Safety.Timeout, "safety-timeout", c.Safety.Timeout, "Timeout of each safety check call.")

	fs.DurationVar(&c.Alerts.Cooldown, "alert-cooldown", c.Alerts.Cooldown, "Minimum time between stock alerts for one device.")
	fs.StringVar(&c.Alerts.SendgridKeySecret, "sendgrid-key-secret", c.Alerts.SendgridKeySecret, "GCP Secret Manager secret name that contains the Sendgrid API key")
	fs.StringVar(&c.Alerts.FromName, "alert-from-name", c.Alerts.FromName, "Sender name of alert emails.")
	fs.StringVar(&c.Alerts.FromAddress, "alert-from-address", c.Alerts.FromAddress, "Sender address of alert emails.")
	fs.StringVar(&c.Alerts.MQTTBroker, "mqtt-broker", c.Alerts.MQTTBroker, "MQTT broker URL for alerts, e.g. tcp://127.0.0.1:1883.  Empty disables MQTT.")
	fs.StringVar(&c.Alerts.MQTTClientID, "mqtt-client-id", c.Alerts.MQTTClientID, "MQTT client ID.")
	fs.StringVar(&c.Alerts.MQTTTopicRoot, "mqtt-topic-root", c.Alerts.MQTTTopicRoot, "Root of the MQTT alert topics.")
}

// RegisterFlags defines every setting as a flag on fs.
func RegisterFlags(fs *flag.FlagSet) {
	c := Defaults()
	bind(fs, &c)
}

// Resolve builds the configuration from the defaults, then the YAML file at
// path (if any), then the flags explicitly set on fs, which must already have
// been parsed.
func Resolve(fs *flag.FlagSet, path string) (Config, error) {
	c := Defaults()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("while reading config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return Config{}, fmt.Errorf("while parsing config file %s: %w", path, err)
		}
	}

	bound := flag.NewFlagSet("config", flag.ContinueOnError)
	bind(bound, &c)
	var setErr error
	fs.Visit(func(f *flag.Flag) {
		if bound.Lookup(f.Name) == nil {
			return
		}
		if err := bound.Set(f.Name, f.Value.String()); err != nil && setErr == nil {
			setErr = fmt.Errorf("while applying flag -%s: %w", f.Name, err)
		}
	})
	if setErr != nil {
		return Config{}, setErr
	}

	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) validate() error {
	if _, err := c.SlotInitPolicy(); err != nil {
		return err
	}
	if c.RecheckPeriod <= 0 {
		return fmt.Errorf("recheck_period must be positive, got %v", c.RecheckPeriod)
	}
	switch c.Realtime.Backend {
	case "memory":
	case "redis":
		if c.Realtime.RedisAddr == "" {
			return errors.New("redis backend needs redis_addr")
		}
	case "badger":
		if c.Realtime.BadgerDir == "" {
			return errors.New("badger backend needs badger_dir")
		}
	case "sqlite", "postgres":
		if c.Realtime.SQLDSN == "" {
			return fmt.Errorf("%s backend needs sql_dsn", c.Realtime.Backend)
		}
	case "firebase":
		if c.Realtime.FirebaseURL == "" {
			return errors.New("firebase backend needs firebase_url")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Realtime.Backend)
	}
	return nil
}

func (c Config) SlotInitPolicy() (pairing.SlotInit, error) {
	switch c.SlotInit {
	case "", "preserve":
		return pairing.SlotInitPreserve, nil
	case "reset":
		return pairing.SlotInitReset, nil
	}
	return 0, fmt.Errorf("slot_init must be preserve or reset, got %q", c.SlotInit)
}

// OpenRealtime connects to the configured realtime tree.  The returned close
// function releases the backend.
func OpenRealtime(ctx context.Context, c RealtimeConfig) (rtdb.Store, func() error, error) {
	switch c.Backend {
	case "memory":
		return memstore.New(), func() error { return nil }, nil

	case "redis":
		client := redis.NewClient(&redis.Options{Addr: c.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("while connecting to redis at %s: %w", c.RedisAddr, err)
		}
		return redisstore.New(client, redisstore.WithPrefix(c.RedisPrefix)), client.Close, nil

	case "badger":
		s, err := badgerstore.Open(c.BadgerDir)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case "sqlite", "postgres":
		s, err := sqlstore.Open(ctx, c.Backend, c.SQLDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case "firebase":
		httpClient, err := firebasestore.NewDefaultHTTPClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("while creating Firebase HTTP client: %w", err)
		}
		s, err := firebasestore.New(httpClient, c.FirebaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, func() error { return nil }, nil
	}
	return nil, nil, fmt.Errorf("%w: %q", ErrUnknownBackend, c.Backend)
}
