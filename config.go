package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	MySQL   MySQLConfig   `yaml:"mysql"`
	NATS    NATSConfig    `yaml:"nats"`
	Redis   RedisConfig   `yaml:"redis"`
	Monitor MonitorConfig `yaml:"monitor"`
	Logging LoggingConfig `yaml:"logging"`
}

type MySQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Flavor   string `yaml:"flavor"`    // mysql, mariadb
	ServerID uint32 `yaml:"server_id"` // base; each table watcher adds its index
}

type NATSConfig struct {
	URL           string        `yaml:"url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	AlertSubject  string        `yaml:"alert_subject"`
	MaxReconnect  int           `yaml:"max_reconnect"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

// RedisConfig enables the durable dedup ledger. When disabled, the ledger is
// in-memory for the process lifetime.
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type MonitorConfig struct {
	Database        string   `yaml:"database"`
	Tables          []string `yaml:"tables"`
	HashColumn      string   `yaml:"hash_column"`
	HashLength      int      `yaml:"hash_length"`
	RequiredColumns []string `yaml:"required_columns"`
	OrderColumn     string   `yaml:"order_column"`

	PollInterval     time.Duration `yaml:"poll_interval"`
	PageSize         int           `yaml:"page_size"`
	FailureThreshold int           `yaml:"failure_threshold"`

	HeartbeatPeriod  time.Duration `yaml:"heartbeat_period"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`

	BackoffBase time.Duration `yaml:"reconnect_backoff_base"`
	BackoffCap  time.Duration `yaml:"reconnect_backoff_cap"`
	MaxAttempts int           `yaml:"reconnect_max_attempts"`
	AlertEvery  int           `yaml:"alert_every_attempts"`

	DispatchMaxAttempts  int           `yaml:"dispatch_max_attempts"`
	DispatchRetryBackoff time.Duration `yaml:"dispatch_retry_backoff"`

	DedupRetention time.Duration `yaml:"dedup_retention"`

	TransformScript string `yaml:"transform_script"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults
	if config.MySQL.Flavor == "" {
		config.MySQL.Flavor = "mysql"
	}
	if config.MySQL.ServerID == 0 {
		config.MySQL.ServerID = 4001
	}
	if config.NATS.SubjectPrefix == "" {
		config.NATS.SubjectPrefix = "depot.records"
	}
	if config.NATS.AlertSubject == "" {
		config.NATS.AlertSubject = "depot.alerts"
	}
	if config.NATS.ReconnectWait == 0 {
		config.NATS.ReconnectWait = 2 * time.Second
	}
	if config.Monitor.HashColumn == "" {
		config.Monitor.HashColumn = "record_hash"
	}
	if config.Monitor.HashLength == 0 {
		config.Monitor.HashLength = 64
	}
	if len(config.Monitor.RequiredColumns) == 0 {
		config.Monitor.RequiredColumns = []string{"id", "created_at"}
	}
	if config.Monitor.OrderColumn == "" {
		config.Monitor.OrderColumn = "created_at"
	}
	if config.Monitor.PollInterval == 0 {
		config.Monitor.PollInterval = 2 * time.Minute
	}
	if config.Monitor.PageSize == 0 {
		config.Monitor.PageSize = 100
	}
	if config.Monitor.FailureThreshold == 0 {
		config.Monitor.FailureThreshold = 5
	}
	if config.Monitor.HeartbeatPeriod == 0 {
		config.Monitor.HeartbeatPeriod = 30 * time.Second
	}
	if config.Monitor.HeartbeatTimeout == 0 {
		config.Monitor.HeartbeatTimeout = 3 * config.Monitor.HeartbeatPeriod
	}
	if config.Monitor.BackoffBase == 0 {
		config.Monitor.BackoffBase = time.Second
	}
	if config.Monitor.BackoffCap == 0 {
		config.Monitor.BackoffCap = time.Minute
	}
	if config.Monitor.MaxAttempts == 0 {
		config.Monitor.MaxAttempts = 20
	}
	if config.Monitor.AlertEvery == 0 {
		config.Monitor.AlertEvery = 5
	}
	if config.Monitor.DispatchMaxAttempts == 0 {
		config.Monitor.DispatchMaxAttempts = 3
	}
	if config.Monitor.DispatchRetryBackoff == 0 {
		config.Monitor.DispatchRetryBackoff = 2 * time.Second
	}
	if config.Monitor.DedupRetention == 0 {
		config.Monitor.DedupRetention = 48 * time.Hour
	}

	if config.Monitor.Database == "" {
		return nil, fmt.Errorf("monitor.database must be set")
	}
	if len(config.Monitor.Tables) == 0 {
		return nil, fmt.Errorf("monitor.tables must list at least one table")
	}

	return &config, nil
}
