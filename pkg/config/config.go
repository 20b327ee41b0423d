// Package config loads environment-driven settings, optionally from a .env
// file.
package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the engine.
type Config struct {
	Port   string
	DBPath string

	// Subscriptions
	SubscriptionsFile string

	// Risk limits (decimals, e.g. 0.05 = 5%)
	MaxOpenPositions  int
	MaxStopLossPct    float64
	DailyLossLimitPct float64
	MaxDrawdownPct    float64
	DefaultCapital    float64

	// Paper venue
	PaperInitialBalance float64
	PaperSlippageBps    float64
	PaperCommissionRate float64

	// Binance venue
	BinanceTestnet   bool
	BinanceAPIKey    string
	BinanceAPISecret string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:                getEnv("PORT", "8080"),
		DBPath:              getEnv("DB_PATH", "./data/quantcore.db"),
		SubscriptionsFile:   getEnv("SUBSCRIPTIONS_FILE", "./subscriptions.yaml"),
		MaxOpenPositions:    getEnvInt("RISK_MAX_OPEN_POSITIONS", 10),
		MaxStopLossPct:      getEnvFloat("RISK_MAX_STOP_LOSS_PCT", 0.10),
		DailyLossLimitPct:   getEnvFloat("RISK_DAILY_LOSS_LIMIT_PCT", 0.05),
		MaxDrawdownPct:      getEnvFloat("RISK_MAX_DRAWDOWN_PCT", 0.20),
		DefaultCapital:      getEnvFloat("DEFAULT_CAPITAL", 10000),
		PaperInitialBalance: getEnvFloat("PAPER_INITIAL_BALANCE", 10000),
		PaperSlippageBps:    getEnvFloat("PAPER_SLIPPAGE_BPS", 0),
		PaperCommissionRate: getEnvFloat("PAPER_COMMISSION_RATE", 0.001),
		BinanceTestnet:      getEnv("BINANCE_TESTNET", "false") == "true",
		BinanceAPIKey:       os.Getenv("BINANCE_API_KEY"),
		BinanceAPISecret:    os.Getenv("BINANCE_API_SECRET"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
