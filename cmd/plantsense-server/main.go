package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"plantsense/internal/config"
	"plantsense/internal/devicekeys"
	"plantsense/internal/fetch"
	"plantsense/internal/httpapi"
	"plantsense/internal/ingest"
	"plantsense/internal/middleware"
	"plantsense/internal/mqtt"
	"plantsense/internal/readcache"
	"plantsense/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to server config yaml")
	flag.Parse()

	// Local development convenience; missing .env is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel)

	if strings.TrimSpace(cfg.JWTPublicKeyPath) == "" {
		slog.Error("missing required config", "key", "jwt_public_key_path")
		os.Exit(1)
	}
	pub, err := middleware.LoadRSAPublicKey(cfg.JWTPublicKeyPath)
	if err != nil {
		slog.Error("failed to load jwt public key", "error", err)
		os.Exit(1)
	}

	keys, err := devicekeys.LoadFile(cfg.DeviceKeysPath)
	if err != nil {
		slog.Error("device key file load failed", "path", cfg.DeviceKeysPath, "error", err)
		os.Exit(1)
	}

	db, err := store.OpenPostgres(
		cfg.Postgres.User,
		cfg.Postgres.Password,
		cfg.Postgres.DBName,
		cfg.Postgres.Host,
		cfg.Postgres.Port,
		cfg.Postgres.SSLMode,
	)
	if err != nil {
		slog.Error("db connect failed", "error", err)
		os.Exit(1)
	}
	repo, err := store.New(db)
	if err != nil {
		slog.Error("db migrate failed", "error", err)
		os.Exit(1)
	}

	cache := readcache.New(cfg.Cache.TTL, cfg.Cache.PerDeviceCap)
	fetcher := fetch.NewService(repo, cache, cfg.Fetch.ColdStartPerDevice, cfg.Fetch.MaxTotal)
	sampler := fetch.NewSampler(repo, cfg.History.Cooldown, cfg.History.DefaultWindowHours, cfg.History.MaxWindowHours)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.MQTT.Enabled {
		mq, err := mqtt.Connect(mqtt.Options{
			BrokerURL:            cfg.MQTT.BrokerURL,
			ClientID:             cfg.MQTT.ClientID,
			KeepAlive:            cfg.MQTT.KeepAlive,
			PingTimeout:          cfg.MQTT.PingTimeout,
			ConnectTimeout:       cfg.MQTT.ConnectTimeout,
			ConnectRetryInterval: cfg.MQTT.ConnectRetryInterval,
			InsecureTLS:          cfg.MQTT.TLSInsecure,
		})
		if err != nil {
			slog.Error("mqtt connect failed", "error", err)
			os.Exit(1)
		}
		defer mq.Close()

		ing := &ingest.Ingestor{Repo: repo, Cache: cache, Keys: keys, StatePrefix: cfg.MQTT.TopicPrefix}
		subTopic := strings.TrimRight(cfg.MQTT.TopicPrefix, "/") + "/#"
		if err := mq.Subscribe(subTopic, func(m mqtt.Message) {
			ing.HandleMessage(ctx, m, time.Now().UTC())
		}); err != nil {
			slog.Error("mqtt subscribe failed", "topic", subTopic, "error", err)
			os.Exit(1)
		}
		slog.Info("mqtt ingest subscribed", "topic", subTopic)
	}

	srv := httpapi.New(repo, cache, fetcher, sampler, keys, httpapi.Options{DefaultSleepSecs: cfg.DefaultSleepSecs})
	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: srv.Handler(pub), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		slog.Info("plantsense-server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
	case <-ctx.Done():
	}
	slog.Info("shutdown requested")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	cancel()
}

func setupLogging(level string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	h := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(h))
}
