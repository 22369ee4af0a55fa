package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// ICEServer is one STUN/TURN endpoint, passed unmodified to every
// peer connection.
type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Timing groups every fixed delay the call core uses. Values are fixed by
// design: timeouts are expressed as delays before retry/refresh, not as
// per-operation deadlines.
type Timing struct {
	ReconnectDelay      time.Duration `mapstructure:"reconnect_delay"`
	AnswerRetryDelay    time.Duration `mapstructure:"answer_retry_delay"`
	AnswerRetryMax      int           `mapstructure:"answer_retry_max"`
	TeardownSettle      time.Duration `mapstructure:"teardown_settle"`
	RefreshSettle       time.Duration `mapstructure:"refresh_settle"`
	ConnectStagger      time.Duration `mapstructure:"connect_stagger"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	FirstCheckGrace     time.Duration `mapstructure:"first_check_grace"`
	SteadyGrace         time.Duration `mapstructure:"steady_grace"`
	StaleWindow         time.Duration `mapstructure:"stale_window"`
	ClassifyRetryDelay  time.Duration `mapstructure:"classify_retry_delay"`
	ClassifyRetryMax    int           `mapstructure:"classify_retry_max"`
	InitBackoffBase     time.Duration `mapstructure:"init_backoff_base"`
	InitBackoffCap      time.Duration `mapstructure:"init_backoff_cap"`
	InitAttemptsMax     int           `mapstructure:"init_attempts_max"`
}

type Config struct {
	Mode          string        `mapstructure:"mode"`
	Port          int           `mapstructure:"port"`
	RelayURL      string        `mapstructure:"relay_url"`
	Redis         RedisConfig   `mapstructure:"redis"`
	ICEServers    []ICEServer   `mapstructure:"ice_servers"`
	Timing        Timing        `mapstructure:"timing"`
	DedupWindow   int           `mapstructure:"dedup_window"`
	VADThreshold  float64       `mapstructure:"vad_threshold"`
	VADWindow     int           `mapstructure:"vad_window"`
	VADSilenceGap time.Duration `mapstructure:"vad_silence_gap"`
	CaptureAddr   string        `mapstructure:"capture_addr"`
	DisplayName   string        `mapstructure:"display_name"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8090)
	v.SetDefault("relay_url", "ws://localhost:8080/signal")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("capture_addr", "127.0.0.1")
	v.SetDefault("display_name", "guest")

	v.SetDefault("timing.reconnect_delay", "2s")
	v.SetDefault("timing.answer_retry_delay", "100ms")
	v.SetDefault("timing.answer_retry_max", 5)
	v.SetDefault("timing.teardown_settle", "100ms")
	v.SetDefault("timing.refresh_settle", "300ms")
	v.SetDefault("timing.connect_stagger", "100ms")
	v.SetDefault("timing.health_check_interval", "10s")
	v.SetDefault("timing.first_check_grace", "1s")
	v.SetDefault("timing.steady_grace", "30s")
	v.SetDefault("timing.stale_window", "10s")
	v.SetDefault("timing.classify_retry_delay", "500ms")
	v.SetDefault("timing.classify_retry_max", 2)
	v.SetDefault("timing.init_backoff_base", "1s")
	v.SetDefault("timing.init_backoff_cap", "30s")
	v.SetDefault("timing.init_attempts_max", 10)

	v.SetDefault("dedup_window", 100)
	v.SetDefault("vad_threshold", 20.0)
	v.SetDefault("vad_window", 50) // ~1s of 20ms opus frames
	v.SetDefault("vad_silence_gap", "1s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Relay: %s\n", cfg.Mode, cfg.Port, cfg.RelayURL)
	return &cfg, nil
}
