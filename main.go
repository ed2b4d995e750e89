package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"market-settlement/internal/config"
	"market-settlement/internal/db"
	market "market-settlement/internal/marketService"
	model "market-settlement/internal/models"
	"market-settlement/internal/notify"
	"market-settlement/internal/repository"
	"market-settlement/internal/server"
	"market-settlement/internal/sweep"
	"market-settlement/utils"

	"github.com/shopspring/decimal"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the yaml config file")
	envOnly := flag.Bool("env-only", false, "ignore the config file and read MKT_* env vars only")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envOnly)
	if err != nil {
		utils.Fatal("failed to load config", map[string]any{"path": *configPath, "error": err.Error()})
	}
	utils.SetLevel(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, health, closeStore := openStore(cfg)
	defer closeStore()

	notifier, closeNotifier := buildNotifier(cfg.Notify)
	defer closeNotifier()

	increment, err := decimal.NewFromString(cfg.Market.AutoBidIncrement)
	if err != nil {
		utils.Fatal("invalid market.auto_bid_increment", map[string]any{"value": cfg.Market.AutoBidIncrement, "error": err.Error()})
	}
	marketSvc := market.NewMarketService(repo, market.Options{
		AutoBidIncrement: increment,
		MaxRetries:       cfg.Market.MaxRetries,
		RetryBackoff:     cfg.Market.RetryBackoff,
		MinDuration:      cfg.Market.MinDuration,
		MaxDuration:      cfg.Market.MaxDuration,
		Notifier:         notifier,
	})

	var runner *sweep.Runner
	if cfg.Sweep.Enabled {
		sweeper := sweep.New(marketSvc, cfg.Sweep.BatchSize, nil)
		runner = sweep.NewRunner(ctx)
		if _, err := runner.Add(cfg.Sweep.Schedule, sweeper.Job); err != nil {
			utils.Fatal("invalid sweep.schedule", map[string]any{"schedule": cfg.Sweep.Schedule, "error": err.Error()})
		}
		runner.Start()
	}

	router := server.SetupRouter(marketSvc, health)
	srv := &http.Server{Addr: cfg.Server.HTTPAddr, Handler: router}

	go func() {
		utils.Info("starting market server", map[string]any{"addr": cfg.Server.HTTPAddr, "store": cfg.Store.Driver})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			utils.Fatal("failed to start server", map[string]any{"error": err.Error()})
		}
	}()

	<-ctx.Done()
	utils.Info("shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		utils.Error("server shutdown failed", map[string]any{"error": err.Error()})
	}
	if runner != nil {
		runner.Stop()
	}
}

// openStore returns the configured repository with its health probe and closer
func openStore(cfg config.Config) (repository.MarketDB, func() error, func()) {
	switch cfg.Store.Driver {
	case "postgres":
		pg, err := db.Open(cfg.DB)
		if err != nil {
			utils.Fatal("failed to open database", map[string]any{"error": err.Error()})
		}
		if cfg.DB.AutoMigrate {
			if err := db.AutoMigrate(pg); err != nil {
				utils.Fatal("failed to migrate database", map[string]any{"error": err.Error()})
			}
		}
		if cfg.Store.Seed {
			utils.Warn("store.seed is ignored for postgres", nil)
		}
		closer := func() {
			if err := db.Close(pg); err != nil {
				utils.Error("failed to close database", map[string]any{"error": err.Error()})
			}
		}
		return repository.NewGormRepo(pg.Gorm, cfg.DB.LockTimeout), func() error { return db.Ping(pg) }, closer
	case "memory", "":
		repo := repository.NewMemoryRepo()
		if cfg.Store.Seed {
			prepopulate(repo)
		}
		return repo, nil, func() {}
	default:
		utils.Fatal("unknown store.driver", map[string]any{"driver": cfg.Store.Driver})
		return nil, nil, nil
	}
}

func buildNotifier(cfg config.NotifyConfig) (notify.Notifier, func()) {
	switch cfg.Driver {
	case "kafka":
		k := notify.NewKafkaNotifier(cfg.Brokers, cfg.Topic, cfg.WriteTimeout)
		return k, func() {
			if err := k.Close(); err != nil {
				utils.Error("failed to close kafka writer", map[string]any{"error": err.Error()})
			}
		}
	default:
		return notify.NewLogNotifier(), func() {}
	}
}

// prepopulate adds demo accounts, items and characters to the in-memory repo
func prepopulate(repo *repository.MemoryRepo) {
	for _, user := range []string{"user1", "user2", "user3"} {
		repo.AddAccount(model.Account{UserID: user, Balance: decimal.NewFromInt(1000)})
		repo.AddHolding(model.Holding{UserID: user, ItemID: "item1", Quantity: 10})
	}
	repo.AddCharacter(model.Character{ID: "char1", OwnerID: "user1", Name: "Aldric"})
	repo.AddCharacter(model.Character{ID: "char2", OwnerID: "user2", Name: "Mirelle"})
}
