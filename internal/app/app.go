// Package app wires the shadow service together and owns every long lived
// component. Nothing is global: stores, runners and the publisher are created
// here and handed to the parts that need them.
package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/prite36/irrigation-shadow/internal/config"
	"github.com/prite36/irrigation-shadow/internal/ingest"
	"github.com/prite36/irrigation-shadow/internal/logger"
	"github.com/prite36/irrigation-shadow/internal/mqtt"
	"github.com/prite36/irrigation-shadow/internal/protocol"
	"github.com/prite36/irrigation-shadow/internal/repository"
	"github.com/prite36/irrigation-shadow/internal/scheduler"
	"github.com/prite36/irrigation-shadow/internal/server"
	"github.com/prite36/irrigation-shadow/internal/service"
	"github.com/prite36/irrigation-shadow/internal/shadow"
	"github.com/prite36/irrigation-shadow/internal/slack"
)

const (
	supervisorInterval = 30 * time.Second
	shutdownTimeout    = 5 * time.Second
)

// Deps overrides external connections, mainly for tests.
type Deps struct {
	// Dial returns the broker dialer for a connection role. Nil uses paho.
	Dial func(role string) mqtt.Dialer
	// DB replaces the database opened from the configuration.
	DB *gorm.DB
}

type App struct {
	cfg    *config.Config
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	db       *gorm.DB
	ownsDB   bool
	mirror   *repository.Mirror
	shadows  *shadow.Store
	acks     *shadow.AckStore
	runners  []*mqtt.Runner
	pub      *mqtt.Publisher
	svc      *service.WateringService
	sched    *scheduler.Scheduler
	slack    *slack.Client
	server   *http.Server
	serveErr chan error

	connecting sync.WaitGroup
}

func NewApp(cfg *config.Config, deps Deps) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())

	a := &App{
		cfg:      cfg,
		logger:   logger.WithComponent("app"),
		ctx:      ctx,
		cancel:   cancel,
		shadows:  shadow.NewStore(cfg.Shadow.OnlineThresholdDuration()),
		acks:     shadow.NewAckStore(),
		serveErr: make(chan error, 1),
	}

	a.slack = slack.NewClient(cfg.Slack.BotToken, cfg.Slack.ChannelID, logger.WithComponent("slack"))

	a.openDatabase(deps.DB)

	var (
		recorder ingest.Recorder
		states   service.StateLoader
	)

	if a.db != nil {
		repo := repository.NewStateRepository(a.db)
		a.mirror = repository.NewMirror(repo, 0, logger.WithComponent("persistence"))
		recorder = a.mirror
		states = repo
	}

	var notifier mqtt.Notifier
	if a.slack != nil {
		notifier = a.slack
	}

	topics := protocol.NewTopics(cfg.MQTT.Namespace)
	qos := byte(cfg.MQTT.QoS)

	dial := deps.Dial
	if dial == nil {
		opts := mqtt.Options{
			Broker:         cfg.MQTT.Broker,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			ConnectTimeout: cfg.MQTT.ConnectTimeoutDuration(),
			ConnectRetries: cfg.MQTT.ConnectRetries,
		}
		mqttLogger := logger.WithComponent("mqtt")
		dial = func(role string) mqtt.Dialer { return mqtt.NewDialer(opts, role, mqttLogger) }
	}

	handlers := ingest.New(ingest.Config{
		Topics:   topics,
		Shadows:  a.shadows,
		Acks:     a.acks,
		Recorder: recorder,
		Notifier: notifier,
		Logger:   logger.WithComponent("ingest"),
	})

	runnerLogger := logger.WithComponent("runner")
	a.runners = []*mqtt.Runner{
		mqtt.NewRunner("state", topics.StateFilter(), qos, dial("state"), handlers.HandleState, notifier, runnerLogger),
		mqtt.NewRunner("ack", topics.AckFilter(), qos, dial("ack"), handlers.HandleAck, notifier, runnerLogger),
	}

	a.pub = mqtt.NewPublisher(topics, qos, dial("cmd"), logger.WithComponent("publisher"))

	a.svc = service.NewWateringService(service.Config{
		Shadows:      a.shadows,
		Acks:         a.acks,
		Publisher:    a.pub,
		States:       states,
		PollInterval: cfg.Ack.PollIntervalDuration(),
		MaxWait:      cfg.Ack.MaxWaitDuration(),
		Logger:       logger.WithComponent("watering"),
	})

	a.sched = scheduler.NewScheduler(logger.WithComponent("scheduler"))

	if err := a.sched.Every("ack-cleanup", cfg.Ack.CleanupIntervalDuration(),
		scheduler.AckCleanupJob(a.acks, cfg.Ack.TTLDuration(), time.Now, a.logger)); err != nil {
		cancel()
		return nil, err
	}

	supervised := make([]scheduler.Runner, 0, len(a.runners))
	for _, r := range a.runners {
		supervised = append(supervised, r)
	}

	if err := a.sched.Every("broker-supervisor", supervisorInterval,
		scheduler.SupervisorJob(a.ctx, supervised, a.pub, cfg.MQTT.ConnectTimeoutDuration(), a.logger)); err != nil {
		cancel()
		return nil, err
	}

	a.server = server.New(cfg.Server.Addr, a.svc, a, logger.WithComponent("http"))

	return a, nil
}

// openDatabase connects the persistence fallback. The service runs without
// it when the database is disabled or unreachable.
func (a *App) openDatabase(db *gorm.DB) {
	if db == nil {
		if !a.cfg.Database.Enabled {
			a.logger.Info().Msg("Persistence fallback disabled")
			return
		}

		var err error

		db, err = gorm.Open(postgres.Open(a.cfg.DSN()), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			a.logger.Warn().Err(err).Msg("Failed to connect to database, continuing without persistence fallback")
			return
		}

		a.ownsDB = true
	}

	if err := repository.NewStateRepository(db).Migrate(); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to migrate database schema, continuing without persistence fallback")
		a.closeDB(db)

		return
	}

	a.db = db
}

func (a *App) closeDB(db *gorm.DB) {
	if !a.ownsDB {
		return
	}

	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// Service returns the command façade.
func (a *App) Service() *service.WateringService {
	return a.svc
}

// Handler returns the HTTP handler of the API server.
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

// Start serves HTTP, starts background jobs and connects to the broker in
// the background. Broker or database outages degrade the service; they never
// abort or delay startup.
func (a *App) Start() error {
	if a.mirror != nil {
		go a.mirror.Run(a.ctx)
	}

	go func() {
		a.logger.Info().Str("addr", a.server.Addr).Msg("Starting HTTP server")

		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error().Err(err).Msg("HTTP server failed")
			a.serveErr <- err
		}
	}()

	for _, r := range a.runners {
		a.connecting.Add(1)
		go func(r *mqtt.Runner) {
			defer a.connecting.Done()

			if err := r.Start(a.ctx); err != nil {
				a.logger.Warn().Err(err).Str("runner", r.Name()).Msg("Runner not started, supervisor will retry")
			}
		}(r)
	}

	a.connecting.Add(1)
	go func() {
		defer a.connecting.Done()

		if err := a.pub.Connect(a.ctx); err != nil {
			a.logger.Warn().Err(err).Msg("Command publisher not connected, supervisor will retry")
		}
	}()

	a.sched.Start()

	a.slack.SendMessage("Irrigation shadow service started.")
	a.logger.Info().Msg("Irrigation shadow service started")

	return nil
}

// Run starts the app and blocks until ctx is done or the HTTP server fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(); err != nil {
		return err
	}

	var err error

	select {
	case <-ctx.Done():
	case err = <-a.serveErr:
	}

	a.Stop()

	return err
}

func (a *App) Stop() {
	a.logger.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn().Err(err).Msg("HTTP server shutdown incomplete")
	}

	a.sched.Stop()

	a.cancel()
	a.connecting.Wait()

	for _, r := range a.runners {
		r.Stop()
	}

	a.pub.Close()

	if a.db != nil {
		a.closeDB(a.db)
	}

	a.logger.Info().Msg("Irrigation shadow service stopped")
}

// Health reports runner and publisher connectivity and the store sizes.
func (a *App) Health() server.Health {
	h := server.Health{
		Status:    "ok",
		Runners:   make(map[string]string, len(a.runners)),
		Publisher: "connected",
		Devices:   a.shadows.Len(),
		Acks:      a.acks.Len(),
	}

	for _, r := range a.runners {
		state := r.State()
		h.Runners[r.Name()] = string(state)

		if state != mqtt.StateSubscribed {
			h.Status = "degraded"
		}
	}

	if !a.pub.IsConnected() {
		h.Publisher = "disconnected"
		h.Status = "degraded"
	}

	return h
}
