package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port                    string
	AllowedOrigin           string
	DatabaseURL             string
	RedisAddr               string
	RedisPassword           string
	RedisDB                 int
	StockCacheTTLSeconds    int
	BranchID                string
	AuthSecret              string
	AccessTokenTTLMinutes   int
	ManagerPIN              string
	RabbitMQURL             string
	EventsExchange          string
	RefundRestocksInventory bool

	// Terminal settings.
	TerminalID           string
	QueueDBPath          string
	GatewayURL           string
	GatewayUsername      string
	GatewayPassword      string
	DrainIntervalSeconds int
	ProbeIntervalSeconds int
}

// fileConfig is the YAML overlay accepted by LoadFile. Empty fields keep the
// env value.
type fileConfig struct {
	BranchID                string `yaml:"branch_id"`
	TerminalID              string `yaml:"terminal_id"`
	QueueDBPath             string `yaml:"queue_db_path"`
	GatewayURL              string `yaml:"gateway_url"`
	GatewayUsername         string `yaml:"gateway_username"`
	GatewayPassword         string `yaml:"gateway_password"`
	DrainIntervalSeconds    int    `yaml:"drain_interval_seconds"`
	ProbeIntervalSeconds    int    `yaml:"probe_interval_seconds"`
	RefundRestocksInventory *bool  `yaml:"refund_restocks_inventory"`
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	cacheTTL, err := strconv.Atoi(getEnv("STOCK_CACHE_TTL_SECONDS", "30"))
	if err != nil || cacheTTL < 1 {
		cacheTTL = 30
	}
	drainInterval, err := strconv.Atoi(getEnv("DRAIN_INTERVAL_SECONDS", "15"))
	if err != nil || drainInterval < 1 {
		drainInterval = 15
	}
	probeInterval, err := strconv.Atoi(getEnv("PROBE_INTERVAL_SECONDS", "10"))
	if err != nil || probeInterval < 1 {
		probeInterval = 10
	}
	restock, _ := strconv.ParseBool(getEnv("REFUND_RESTOCKS_INVENTORY", "false"))

	return Config{
		Port:                    getEnv("PORT", "8080"),
		AllowedOrigin:           getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		RedisAddr:               os.Getenv("REDIS_ADDR"),
		RedisPassword:           os.Getenv("REDIS_PASSWORD"),
		RedisDB:                 redisDB,
		StockCacheTTLSeconds:    cacheTTL,
		BranchID:                getEnv("DEFAULT_BRANCH_ID", "main-branch"),
		AuthSecret:              strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:   tokenTTL,
		ManagerPIN:              strings.TrimSpace(os.Getenv("MANAGER_PIN")),
		RabbitMQURL:             os.Getenv("RABBITMQ_URL"),
		EventsExchange:          getEnv("EVENTS_EXCHANGE", "restopos.events"),
		RefundRestocksInventory: restock,
		TerminalID:              getEnv("TERMINAL_ID", "terminal-1"),
		QueueDBPath:             getEnv("QUEUE_DB_PATH", "restopos-queue.db"),
		GatewayURL:              strings.TrimRight(getEnv("GATEWAY_URL", "http://127.0.0.1:8080"), "/"),
		GatewayUsername:         os.Getenv("GATEWAY_USERNAME"),
		GatewayPassword:         os.Getenv("GATEWAY_PASSWORD"),
		DrainIntervalSeconds:    drainInterval,
		ProbeIntervalSeconds:    probeInterval,
	}
}

// LoadFile reads env via Load and overlays a terminal YAML file when path is set.
func LoadFile(path string) (Config, error) {
	cfg := Load()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	overlay(&cfg.BranchID, fc.BranchID)
	overlay(&cfg.TerminalID, fc.TerminalID)
	overlay(&cfg.QueueDBPath, fc.QueueDBPath)
	overlay(&cfg.GatewayURL, strings.TrimRight(fc.GatewayURL, "/"))
	overlay(&cfg.GatewayUsername, fc.GatewayUsername)
	overlay(&cfg.GatewayPassword, fc.GatewayPassword)
	if fc.DrainIntervalSeconds > 0 {
		cfg.DrainIntervalSeconds = fc.DrainIntervalSeconds
	}
	if fc.ProbeIntervalSeconds > 0 {
		cfg.ProbeIntervalSeconds = fc.ProbeIntervalSeconds
	}
	if fc.RefundRestocksInventory != nil {
		cfg.RefundRestocksInventory = *fc.RefundRestocksInventory
	}
	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) DrainInterval() time.Duration {
	return time.Duration(c.DrainIntervalSeconds) * time.Second
}

func (c Config) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalSeconds) * time.Second
}

func (c Config) StockCacheTTL() time.Duration {
	return time.Duration(c.StockCacheTTLSeconds) * time.Second
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func overlay(dst *string, val string) {
	if val != "" {
		*dst = val
	}
}
