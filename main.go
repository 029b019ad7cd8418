// File: main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"quotecast/internal/auth"
	"quotecast/internal/fanout"
	"quotecast/internal/health"
	"quotecast/internal/metrics"
	"quotecast/internal/quote"
	"quotecast/internal/simfeed"
	"quotecast/internal/stream"
	"quotecast/internal/tradingview"
	"quotecast/internal/watchlist"
)

func main() {
	portOverride := flag.Int("port", 0, "override server_port")
	configPath := flag.String("config", "config.yaml", "path to config.yaml")
	mintToken := flag.String("mint-token", "", "print a session token for user[:role] and exit")
	flag.Parse()

	_ = godotenv.Load(".env")

	cfg, err := loadConfig(*configPath, os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *portOverride != 0 {
		cfg.ServerPort = *portOverride
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.SessionSecret == "" {
		logger.Fatal("SESSION_SECRET is missing (set in .env)")
	}
	verifier, err := auth.NewVerifier(cfg.SessionSecret, cfg.Auth.CookieName)
	if err != nil {
		logger.Fatal("auth", zap.Error(err))
	}

	if *mintToken != "" {
		user, role, _ := strings.Cut(*mintToken, ":")
		tok, err := verifier.Issue(user, role, 24*time.Hour)
		if err != nil {
			logger.Fatal("mint token", zap.Error(err))
		}
		fmt.Println(tok)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, verifier, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(ctx context.Context, cfg AppConfig, verifier *auth.Verifier, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	met := metrics.New(reg)

	lists, closeLists, err := openWatchlist(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLists()

	manager := fanout.NewManager(fanout.Options{
		NewTicker:      tickerFactory(cfg, logger, met),
		HealthInterval: cfg.healthInterval(),
		Logger:         logger,
		Metrics:        met,
	})
	defer manager.Shutdown()

	rt := &routes{
		manager:  manager,
		verifier: verifier,
		lists:    lists,
		stream: stream.NewHandler(manager, lists, stream.Options{
			InitialStateDelay: time.Duration(cfg.Stream.InitialStateDelayMs) * time.Millisecond,
			ClientBuffer:      cfg.Stream.ClientBuffer,
			KeepAlive:         time.Duration(cfg.Stream.KeepaliveSeconds) * time.Second,
			Logger:            logger,
		}),
		health:   health.NewHandler(manager, time.Duration(cfg.Admin.RepairSettleSeconds)*time.Second, logger),
		gatherer: reg,
		log:      logger,
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ServerPort),
		Handler:           rt.mux(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening",
			zap.Int("port", cfg.ServerPort),
			zap.String("ticker", cfg.Ticker.Mode),
			zap.String("watchlist", cfg.Watchlist.Backend))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	// open streams end with the base context; Shutdown then drains the rest.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	manager.Shutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// tickerFactory builds a fresh upstream ticker each time the manager needs one.
func tickerFactory(cfg AppConfig, logger *zap.Logger, met *metrics.Metrics) fanout.Factory {
	if cfg.Ticker.Mode == "simulated" {
		interval := time.Duration(cfg.Ticker.SimIntervalMs) * time.Millisecond
		return func(symbols []string) quote.Ticker {
			return simfeed.New(symbols, interval, logger)
		}
	}
	opts := tradingview.Options{
		URL:            cfg.Ticker.URL,
		Origin:         cfg.Ticker.Origin,
		AuthToken:      cfg.Ticker.AuthToken,
		BatchSize:      cfg.Ticker.BatchSize,
		BatchDelay:     cfg.batchDelay(),
		ReconnectDelay: cfg.reconnectDelay(),
		Logger:         logger,
		Metrics:        met,
	}
	return func(symbols []string) quote.Ticker {
		return tradingview.NewClient(symbols, opts)
	}
}

func openWatchlist(ctx context.Context, cfg AppConfig) (watchlist.Source, func(), error) {
	switch cfg.Watchlist.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Watchlist.RedisAddr,
			Password: cfg.Watchlist.RedisPassword,
			DB:       cfg.Watchlist.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("redis %s: %w", cfg.Watchlist.RedisAddr, err)
		}
		return watchlist.NewRedisSource(rdb, cfg.Watchlist.KeyPrefix), func() { _ = rdb.Close() }, nil
	default:
		fs, err := watchlist.NewFileSource(cfg.Watchlist.File)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() {}, nil
	}
}
