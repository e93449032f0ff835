package config

import "time"

// Config is the top-level YAML structure. Fields tagged env can be
// overridden by FLUXWATCH_* environment variables.
type Config struct {
	Version  string       `yaml:"version"`
	Server   ServerConf   `yaml:"server"`
	Window   WindowConf   `yaml:"window"`
	Alerting AlertingConf `yaml:"alerting"`
	Oracle   OracleConf   `yaml:"oracle"`
	Engine   EngineConf   `yaml:"engine"`
	Sinks    SinksConf    `yaml:"sinks"`
	Ingest   IngestConf   `yaml:"ingest"`
	Rules    []RuleDef    `yaml:"rules"`
}

// ServerConf holds process-level settings.
type ServerConf struct {
	Addr      string `yaml:"addr"       env:"ADDR"`
	LogLevel  string `yaml:"log_level"  env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`
}

// WindowConf sizes the trailing event-time window.
type WindowConf struct {
	Duration time.Duration `yaml:"duration" env:"WINDOW_DURATION"`
}

// AlertingConf holds the deterministic trigger and the rationale stage.
type AlertingConf struct {
	RatioThreshold float64 `yaml:"ratio_threshold" env:"RATIO_THRESHOLD"`
	Workers        int     `yaml:"workers"         env:"ALERT_WORKERS"`
	QueueDepth     int     `yaml:"queue_depth"     env:"ALERT_QUEUE_DEPTH"`
}

// OracleConf configures the advisory rationale oracle.
type OracleConf struct {
	Enabled          bool          `yaml:"enabled"           env:"ORACLE_ENABLED"`
	URL              string        `yaml:"url"               env:"ORACLE_URL"`
	Model            string        `yaml:"model"             env:"ORACLE_MODEL"`
	Timeout          time.Duration `yaml:"timeout"           env:"ORACLE_TIMEOUT"`
	MaxRetries       int           `yaml:"max_retries"       env:"ORACLE_MAX_RETRIES"`
	BreakerThreshold int           `yaml:"breaker_threshold" env:"ORACLE_BREAKER_THRESHOLD"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"  env:"ORACLE_BREAKER_COOLDOWN"`
}

// EngineConf holds tunable ingestion concurrency settings.
type EngineConf struct {
	Lanes          int    `yaml:"lanes"            env:"ENGINE_LANES"`
	QueueDepth     int    `yaml:"queue_depth"      env:"ENGINE_QUEUE_DEPTH"`
	EventTimeoutMs int    `yaml:"event_timeout_ms" env:"ENGINE_EVENT_TIMEOUT_MS"`
	BusPolicy      string `yaml:"bus_policy"       env:"ENGINE_BUS_POLICY"` // "continue" | "stop"
}

// SinksConf selects where alerts are delivered.
type SinksConf struct {
	Log          bool            `yaml:"log"           env:"SINK_LOG"`
	RecentAlerts int             `yaml:"recent_alerts" env:"SINK_RECENT_ALERTS"`
	Redis        RedisStreamConf `yaml:"redis"         envPrefix:"SINK_REDIS_"`
}

// IngestConf configures optional ingestion adapters besides HTTP.
type IngestConf struct {
	Redis RedisConsumerConf `yaml:"redis" envPrefix:"INGEST_REDIS_"`
}

// RedisStreamConf is an XADD target.
type RedisStreamConf struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Addr    string `yaml:"addr"    env:"ADDR"`
	Stream  string `yaml:"stream"  env:"STREAM"`
	MaxLen  int64  `yaml:"max_len" env:"MAX_LEN"`
}

// RedisConsumerConf is a consumer-group reader.
type RedisConsumerConf struct {
	Enabled  bool   `yaml:"enabled"  env:"ENABLED"`
	Addr     string `yaml:"addr"     env:"ADDR"`
	Stream   string `yaml:"stream"   env:"STREAM"`
	Group    string `yaml:"group"    env:"GROUP"`
	Consumer string `yaml:"consumer" env:"CONSUMER"`
	Count    int64  `yaml:"count"    env:"COUNT"`
}

// RuleDef is a supplementary detection rule evaluated on every window update.
type RuleDef struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description"`
	Enabled     bool   `yaml:"enabled"`
	Expression  string `yaml:"expression"`
}
