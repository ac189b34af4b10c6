package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/angelmondragon/paybridge/internal/runtime"
	"github.com/angelmondragon/paybridge/pkg/config"
	"github.com/angelmondragon/paybridge/pkg/db"
	"github.com/angelmondragon/paybridge/pkg/logger"
	"github.com/angelmondragon/paybridge/pkg/migrate"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "orders-service"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "orders-service"

	logg = logger.New(logger.Options{
		ServiceName: "orders-service",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient, migrate.ServiceOrders); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		_ = dbClient.Close()
		os.Exit(1)
	}

	cache, redisClient, err := runtime.NewCache(context.Background(), cfg, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap inbox cache", err)
		_ = dbClient.Close()
		os.Exit(1)
	}
	defer func() {
		if err := runtime.CloseAll(redisClient, dbClient); err != nil {
			logg.Error(context.Background(), "error closing resources", err)
		}
	}()

	service, err := runtime.NewOrders(runtime.Params{
		Config: cfg,
		Logger: logg,
		DB:     dbClient,
		Cache:  cache,
		Redis:  redisClient,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create orders-service", err)
		_ = runtime.CloseAll(redisClient, dbClient)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": "orders-service",
		"broker":      cfg.Broker.Kind,
	})
	logg.Info(ctx, "starting orders-service")

	if err := service.Run(ctx); err != nil {
		logg.Error(ctx, "orders-service stopped unexpectedly", err)
		stop()
		_ = runtime.CloseAll(redisClient, dbClient)
		os.Exit(1)
	}

	logg.Info(ctx, "orders-service shutting down gracefully")
}
