package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Scheduler SchedulerConfig
	Gateway   GatewayConfig
	Dispatch  DispatchConfig
}

type ServerConfig struct {
	Address string
}

type DatabaseConfig struct {
	PostgresURL string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type SchedulerConfig struct {
	Interval time.Duration
}

type GatewayConfig struct {
	URL          string
	RouteTestURL string
}

type DispatchConfig struct {
	MessageDelayMin     time.Duration
	MessageDelayMax     time.Duration
	IdentitySwitchDelay time.Duration
	MessagesPerIdentity int
	MaxConcurrentJobs   int
	SendRatePerSec      float64
	ReportDir           string
}

func LoadAll() (*Config, error) {
	postgresURL, err := requireEnv("POSTGRES_URL")
	if err != nil {
		return nil, err
	}
	gatewayURL, err := requireEnv("GATEWAY_URL")
	if err != nil {
		return nil, err
	}

	schedInterval, err := getEnvInt("SCHED_INTERVAL_SECONDS", 30)
	if err != nil {
		return nil, err
	}
	delayMin, err := getEnvInt("MESSAGE_DELAY_MIN_SECONDS", 30)
	if err != nil {
		return nil, err
	}
	delayMax, err := getEnvInt("MESSAGE_DELAY_MAX_SECONDS", 60)
	if err != nil {
		return nil, err
	}
	switchDelay, err := getEnvInt("IDENTITY_SWITCH_DELAY_SECONDS", 300)
	if err != nil {
		return nil, err
	}
	perIdentity, err := getEnvInt("MESSAGES_PER_IDENTITY", 20)
	if err != nil {
		return nil, err
	}
	maxJobs, err := getEnvInt("MAX_CONCURRENT_JOBS", 5)
	if err != nil {
		return nil, err
	}
	sendRate, err := getEnvFloat("SEND_RATE_PER_SEC", 0)
	if err != nil {
		return nil, err
	}

	redisCfg, err := loadRedisConfig()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Database: DatabaseConfig{
			PostgresURL: postgresURL,
		},
		Redis: redisCfg,
		Scheduler: SchedulerConfig{
			Interval: time.Duration(schedInterval) * time.Second,
		},
		Gateway: GatewayConfig{
			URL:          gatewayURL,
			RouteTestURL: getEnv("ROUTE_TEST_URL", "https://www.gstatic.com/generate_204"),
		},
		Dispatch: DispatchConfig{
			MessageDelayMin:     time.Duration(delayMin) * time.Second,
			MessageDelayMax:     time.Duration(delayMax) * time.Second,
			IdentitySwitchDelay: time.Duration(switchDelay) * time.Second,
			MessagesPerIdentity: perIdentity,
			MaxConcurrentJobs:   maxJobs,
			SendRatePerSec:      sendRate,
			ReportDir:           getEnv("REPORT_DIR", "reports"),
		},
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRedisConfig() (RedisConfig, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}, nil
	}

	db, err := getEnvInt("REDIS_DB", 0)
	if err != nil {
		return RedisConfig{}, err
	}
	ttl, err := getEnvInt("REDIS_TTL_SECONDS", 86400)
	if err != nil {
		return RedisConfig{}, err
	}

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
		TTL:      time.Duration(ttl) * time.Second,
	}, nil
}

func validate(cfg *Config) error {
	if cfg.Scheduler.Interval <= 0 {
		return fmt.Errorf("SCHED_INTERVAL_SECONDS must be > 0")
	}
	if cfg.Dispatch.MessageDelayMin < 0 {
		return fmt.Errorf("MESSAGE_DELAY_MIN_SECONDS must be >= 0")
	}
	if cfg.Dispatch.MessageDelayMax < cfg.Dispatch.MessageDelayMin {
		return fmt.Errorf("MESSAGE_DELAY_MAX_SECONDS must be >= MESSAGE_DELAY_MIN_SECONDS")
	}
	if cfg.Dispatch.IdentitySwitchDelay < 0 {
		return fmt.Errorf("IDENTITY_SWITCH_DELAY_SECONDS must be >= 0")
	}
	if cfg.Dispatch.MessagesPerIdentity <= 0 {
		return fmt.Errorf("MESSAGES_PER_IDENTITY must be > 0")
	}
	if cfg.Dispatch.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_JOBS must be > 0")
	}
	if cfg.Dispatch.SendRatePerSec < 0 {
		return fmt.Errorf("SEND_RATE_PER_SEC must be >= 0")
	}
	return nil
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid int for env %s: %s", key, v)
	}
	return i, nil
}

func getEnvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float for env %s: %s", key, v)
	}
	return f, nil
}
