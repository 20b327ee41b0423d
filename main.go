package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"quantcore/internal/api"
	"quantcore/internal/coord"
	"quantcore/internal/engine"
	"quantcore/internal/events"
	"quantcore/internal/monitor"
	"quantcore/internal/risk"
	"quantcore/pkg/config"
	"quantcore/pkg/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("database open failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("database migration failed: %v", err)
	}

	bus := events.NewBus()
	store := coord.NewMemStore()

	subsFile := cfg.SubscriptionsFile
	if _, err := os.Stat(subsFile); err != nil {
		log.Printf("subscriptions file %s not found, starting with none", subsFile)
		subsFile = ""
	}

	eng := engine.New(database, store, bus, engine.Config{
		SubscriptionsFile: subsFile,
		RiskLimits: risk.Config{
			MaxOpenPositions:  cfg.MaxOpenPositions,
			MaxStopLossPct:    cfg.MaxStopLossPct,
			DailyLossLimitPct: cfg.DailyLossLimitPct,
			MaxDrawdownPct:    cfg.MaxDrawdownPct,
		},
		DefaultCapital: cfg.DefaultCapital,
	})
	eng.SetBrokerSettings("paper", map[string]string{
		"initial_balance": fmt.Sprintf("%g", cfg.PaperInitialBalance),
		"slippage_bps":    fmt.Sprintf("%g", cfg.PaperSlippageBps),
		"commission_rate": fmt.Sprintf("%g", cfg.PaperCommissionRate),
	})
	if cfg.BinanceAPIKey != "" {
		settings := map[string]string{
			"api_key":    cfg.BinanceAPIKey,
			"api_secret": cfg.BinanceAPISecret,
		}
		if cfg.BinanceTestnet {
			settings["testnet"] = "true"
		}
		eng.SetBrokerSettings("binance", settings)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitor.New(bus, nil).Start(ctx)

	if err := eng.Start(ctx); err != nil {
		log.Fatalf("engine start failed: %v", err)
	}

	server := api.NewServer(eng, bus)
	go func() {
		addr := ":" + cfg.Port
		log.Printf("api listening on %s", addr)
		if err := server.Start(addr); err != nil {
			log.Fatalf("api server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received %s, shutting down", sig)

	cancel()
	eng.Stop()
}
