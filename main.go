package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/slickwilli/sensorhub/config"
	"github.com/slickwilli/sensorhub/pkg/api"
	"github.com/slickwilli/sensorhub/pkg/cache"
	"github.com/slickwilli/sensorhub/pkg/clients/broker"
	"github.com/slickwilli/sensorhub/pkg/ingest"
	"github.com/slickwilli/sensorhub/pkg/metrics"
	"github.com/slickwilli/sensorhub/pkg/query"
	"github.com/slickwilli/sensorhub/pkg/storage"
)

func main() {
	logConf := zap.NewProductionConfig()
	logConf.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	logConf.DisableCaller = true
	logger, err := logConf.Build()
	if err != nil {
		log.Fatal("error building zap logger", err)
	}
	defer func() { _ = logger.Sync() }()

	var conf config.SensorHubConfig
	if err := envconfig.Process("SENSORHUB", &conf); err != nil {
		logger.Fatal("unable to build configuration", zap.Error(err))
	}
	if conf.Debug {
		logConf.Level.SetLevel(zapcore.DebugLevel)
	}
	if err := conf.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, &conf); err != nil {
		logger.Fatal("sensorhub stopped with error", zap.Error(err))
	}
	logger.Info("exiting sensorhub")
}

func run(ctx context.Context, logger *zap.Logger, conf *config.SensorHubConfig) error {
	store, err := storage.Open(ctx, conf.Storage, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("error closing storage", zap.Error(err))
		}
	}()

	m := metrics.New()
	subOpts := []ingest.Option{ingest.WithMetrics(m)}

	var latest *cache.Latest
	if conf.Cache.RedisAddr != "" {
		latest, err = cache.Dial(ctx, conf.Cache.RedisAddr, conf.Cache.RedisTTL)
		if err != nil {
			return err
		}
		defer latest.Close()
		subOpts = append(subOpts, ingest.WithLatest(latest))
		logger.Info("latest value cache enabled", zap.String("addr", conf.Cache.RedisAddr))
	}

	sub := ingest.New(ingest.Config{
		Topics:       conf.MQTT.Topics,
		QOS:          conf.MQTT.QOS,
		Workers:      conf.Ingest.Workers,
		QueueSize:    conf.Ingest.QueueSize,
		StoreTimeout: conf.Storage.Timeout,
	}, store, logger, subOpts...)

	if err := broker.SetLogger(logger, conf.Debug); err != nil {
		return err
	}
	client := mqtt.NewClient(broker.NewOptions(conf.MQTT, sub))

	connectCtx, cancel := context.WithTimeout(ctx, conf.MQTT.ConnectTimeout)
	err = broker.Connect(connectCtx, client)
	cancel()
	if err != nil {
		return err
	}
	logger.Info("connected to mqtt broker", zap.String("broker", broker.ServerURL(conf.MQTT)))

	opts := api.Options{
		Query:     query.NewService(store, m),
		Publisher: broker.NewPublisher(client, conf.MQTT.OutboundTopic, conf.MQTT.QOS),
		Metrics:   m.Handler(),
		Logger:    logger,
	}
	if latest != nil {
		opts.Latest = latest
	}
	router, err := api.NewRouter(opts)
	if err != nil {
		return err
	}
	srv := api.NewServer(conf.HTTPAddr, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sub.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", conf.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		client.Disconnect(250)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
