package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"mailpilot/blobstore"
	"mailpilot/config"
	controller "mailpilot/controllers"
	"mailpilot/routes"
	"mailpilot/summarizer"
	"mailpilot/syncer"
	"mailpilot/utils"
	"mailpilot/worker"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	if err := config.LoadConfig(); err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	if config.AppConfig.Environment == "development" {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		log.SetLevel(logrus.DebugLevel)
	}
	logger := log.WithField("service", "mailpilot")

	if dsn := config.AppConfig.SentryDSN; dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Environment: config.AppConfig.Environment,
		}); err != nil {
			logger.WithError(err).Warn("Failed to initialize Sentry")
		}
		defer sentry.Flush(2 * time.Second)
	}

	if err := config.ConnectDB(); err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}

	// Engine wiring: cipher, credential store, write path, orchestrator.
	cipher := utils.NewUserCipher(config.DB, config.AppConfig.EncryptionKey)
	credStore := syncer.NewCredentialStore(
		config.DB,
		cipher,
		&syncer.OAuthRefresher{Config: &oauth2.Config{
			ClientID:     config.AppConfig.Google.ClientID,
			ClientSecret: config.AppConfig.Google.ClientSecret,
			Endpoint:     google.Endpoint,
		}},
		&syncer.HTTPBroker{
			Config: config.AppConfig.Broker,
			Client: &http.Client{Timeout: 15 * time.Second},
		},
		logger.WithField("component", "credentials"),
	)
	store := syncer.NewStore(config.DB, cipher, logger.WithField("component", "store"))
	engine := syncer.New(config.DB, store, credStore, config.AppConfig.Sync,
		logger.WithField("component", "syncer"))

	var blobs *blobstore.Store
	if config.AppConfig.S3.AccessKey != "" {
		var err error
		blobs, err = blobstore.New(config.AppConfig.S3)
		if err != nil {
			logger.WithError(err).Warn("Object storage unavailable, attachments will not be cached")
		}
	}

	controller.Init(controller.Deps{
		Cipher:     cipher,
		Engine:     engine,
		Blobs:      blobs,
		Summarizer: summarizer.NewHTTP(config.AppConfig.SummarizerURL, config.AppConfig.SummarizerKey),
		Logger:     logger.WithField("component", "http"),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	syncWorker := worker.NewSyncWorker(config.DB, engine, config.AppConfig.Sync.Interval,
		logger.WithField("component", "worker"))
	go syncWorker.Start(ctx)

	app := fiber.New(fiber.Config{
		AppName:   "mailpilot",
		BodyLimit: 10 * 1024 * 1024,
	})
	routes.SetupRoutes(app)

	// Graceful shutdown: stop the worker, then drain the server.
	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		<-sigs
		logger.Info("Shutting down")
		cancel()
		_ = app.ShutdownWithTimeout(10 * time.Second)
	}()

	logger.WithField("port", config.AppConfig.ServerPort).Info("Server starting")
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.WithError(err).Fatal("Server stopped")
	}
}
