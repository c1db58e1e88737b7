package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/frahmantamala/expert-payments/internal"
	"github.com/frahmantamala/expert-payments/internal/alert"
	"github.com/frahmantamala/expert-payments/internal/core/events"
	"github.com/frahmantamala/expert-payments/internal/dedupe"
	"github.com/frahmantamala/expert-payments/internal/fee"
	"github.com/frahmantamala/expert-payments/internal/payment"
	paymentpg "github.com/frahmantamala/expert-payments/internal/payment/postgres"
	"github.com/frahmantamala/expert-payments/internal/processor/stripe"
	"github.com/frahmantamala/expert-payments/internal/project"
	projectmongo "github.com/frahmantamala/expert-payments/internal/project/mongo"
	projectpg "github.com/frahmantamala/expert-payments/internal/project/postgres"
	"github.com/frahmantamala/expert-payments/internal/synctask"
	synctaskpg "github.com/frahmantamala/expert-payments/internal/synctask/postgres"
	"github.com/frahmantamala/expert-payments/internal/transport/rest"
	"github.com/frahmantamala/expert-payments/internal/user"
	usermongo "github.com/frahmantamala/expert-payments/internal/user/mongo"
	userpg "github.com/frahmantamala/expert-payments/internal/user/postgres"
	"github.com/frahmantamala/expert-payments/pkg/logger"
)

// Dependencies is everything the server and worker commands share. Build it once
// per process with initializeDependencies and release it with Close.
type Dependencies struct {
	Config *internal.Config
	Logger *slog.Logger

	DB     *sqlx.DB
	Gorm   *gorm.DB
	Mongo  *mongo.Client
	Dedupe dedupe.Store
	Alerts alert.Alerter

	EventBus   *events.EventBus
	Queue      *synctaskpg.QueueRepository
	Service    *payment.Service
	Reconciler *payment.Reconciler
	Sweeper    *payment.Sweeper
	Worker     *synctask.Worker

	// HealthChecks lists every backing service the readiness probe pings.
	HealthChecks map[string]rest.Pinger

	closers []func() error
}

func initializeDependencies(ctx context.Context, overrides ...func(*internal.Config)) (*Dependencies, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	for _, override := range overrides {
		override(cfg)
	}
	lg := logger.LoggerWrapper()

	deps := &Dependencies{
		Config:       cfg,
		Logger:       lg,
		HealthChecks: map[string]rest.Pinger{},
	}
	if err := deps.build(ctx); err != nil {
		deps.Close()
		return nil, err
	}
	return deps, nil
}

func (d *Dependencies) build(ctx context.Context) error {
	cfg := d.Config

	db, err := initDB(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	d.DB = db
	d.closers = append(d.closers, db.Close)
	d.HealthChecks["postgres"] = db

	d.Gorm, err = gormFor(db)
	if err != nil {
		return err
	}

	projects, users, err := d.collaborators(ctx)
	if err != nil {
		return err
	}

	if err := d.initDedupe(); err != nil {
		return err
	}
	if err := d.initAlerts(); err != nil {
		return err
	}

	rate, err := cfg.Payment.GetFeeRate()
	if err != nil {
		return err
	}
	fees, err := fee.NewCalculator(rate)
	if err != nil {
		return err
	}

	ledger := paymentpg.NewPaymentRepository(d.Gorm)
	processorClient := stripe.NewClient(stripe.Config{APIKey: cfg.Payment.APIKey, BaseURL: cfg.Payment.APIBaseURL}, d.Logger)
	d.Queue = synctaskpg.NewQueueRepository(d.Gorm)

	d.EventBus = events.NewEventBus(d.Logger)
	projectSync := payment.NewProjectSync(projects, d.Queue, d.Logger)
	projectSync.RegisterEventHandlers(d.EventBus)

	d.Service = payment.NewService(payment.Deps{
		Ledger:    ledger,
		Reports:   paymentpg.NewReportRepository(db),
		Projects:  projects,
		Users:     users,
		Processor: processorClient,
		Fees:      fees,
		EventBus:  d.EventBus,
		Alerts:    d.Alerts,
	}, payment.Config{
		MinAmountMinorUnits: cfg.Payment.MinAmountMinorUnits,
		SupportedCurrencies: cfg.Payment.SupportedCurrencies,
		ProcessorTimeout:    cfg.Payment.ProcessorTimeout,
	}, d.Logger)

	d.Reconciler = payment.NewReconciler(ledger, stripe.WebhookVerifier{}, d.Dedupe, d.Queue, d.EventBus, d.Alerts,
		payment.ReconcilerConfig{
			WebhookSecret:       cfg.Payment.WebhookSecret,
			DedupeTTL:           cfg.Worker.DedupeTTL,
			ConflictRetries:     cfg.Worker.ConflictRetries,
			ConflictBaseBackoff: cfg.Worker.ConflictBaseBackoff,
		}, d.Logger)

	d.Sweeper = payment.NewSweeper(ledger, projects, projectSync, d.Reconciler, d.Service, processorClient, d.Alerts,
		payment.SweepConfig{
			Lookback:          cfg.Worker.SweepLookback,
			StalePendingAfter: cfg.Worker.StalePendingAfter,
			StaleRefundClaim:  cfg.Worker.StaleRefundClaim,
			BatchSize:         cfg.Worker.BatchSize,
			ProcessorTimeout:  cfg.Payment.ProcessorTimeout,
		}, d.Logger)

	d.Worker = synctask.NewWorker(d.Queue, payment.NewTaskRunner(projects, d.Reconciler), d.Alerts,
		synctask.Config{
			MaxWorkers:   cfg.Worker.MaxWorkers,
			BatchSize:    cfg.Worker.BatchSize,
			PollInterval: cfg.Worker.PollInterval,
			MaxAttempts:  cfg.Worker.MaxAttempts,
			BaseBackoff:  cfg.Worker.BaseBackoff,
		}, d.Logger)

	return nil
}

// collaborators picks where projects and users live.
func (d *Dependencies) collaborators(ctx context.Context) (project.Store, user.Store, error) {
	cfg := d.Config
	if cfg.Collaborators.Backend != "mongo" {
		return projectpg.NewProjectRepository(d.Gorm), userpg.NewUserRepository(d.Gorm), nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	d.Mongo = client
	d.closers = append(d.closers, func() error { return client.Disconnect(context.Background()) })
	d.HealthChecks["mongo"] = rest.PingFunc(func(ctx context.Context) error { return client.Ping(ctx, nil) })

	mdb := client.Database(cfg.Mongo.Database)
	d.Logger.Info("using mongo collaborators", "database", cfg.Mongo.Database)
	return projectmongo.NewProjectStore(mdb), usermongo.NewUserStore(mdb), nil
}

func (d *Dependencies) initDedupe() error {
	rc := d.Config.Redis
	if !rc.Enabled {
		d.Logger.Warn("redis disabled: webhook dedupe is per process, the ledger event log still guards replays")
		d.Dedupe = dedupe.NewMemoryStore()
		return nil
	}

	store, err := dedupe.NewRedisStore(dedupe.RedisConfig{
		Host:     rc.Host,
		Port:     rc.Port,
		Password: rc.Password,
		DB:       rc.DB,
		PoolSize: rc.PoolSize,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	d.Dedupe = store
	d.closers = append(d.closers, store.Close)
	d.HealthChecks["redis"] = rest.PingFunc(store.Ping)
	return nil
}

func (d *Dependencies) initAlerts() error {
	nc := d.Config.NSQ
	if !nc.Enabled {
		d.Alerts = alert.NewLogAlerter(d.Logger)
		return nil
	}

	producer, err := alert.NewNSQAlerter(nc.Address, nc.AlertTopic, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to connect to nsq: %w", err)
	}
	d.Alerts = producer
	d.closers = append(d.closers, func() error { producer.Stop(); return nil })
	return nil
}

func (d *Dependencies) allowedOrigins() []string {
	if d.Config.Server.AllowedOrigins == "" {
		return nil
	}
	return strings.Split(d.Config.Server.AllowedOrigins, ",")
}

// Close waits for in-flight event handlers and releases connections in reverse order.
func (d *Dependencies) Close() {
	if d.EventBus != nil {
		d.EventBus.Wait()
	}
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			d.Logger.Error("failed to close dependency", "error", err)
		}
	}
	d.closers = nil
}

// initDB opens the shared pgx pool. gorm reuses the same *sql.DB.
func initDB(cfg internal.DatabaseConfig) (*sqlx.DB, error) {
	const driver = "pgx"

	dbConn, err := sqlx.Connect(driver, cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open db connection: %w", err)
	}

	dbConn.SetMaxIdleConns(cfg.MaxIdleConns)
	dbConn.SetMaxOpenConns(cfg.MaxOpenConns)
	dbConn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	dbConn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := dbConn.Ping(); err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return dbConn, nil
}

func gormFor(db *sqlx.DB) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: db.DB}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open gorm: %w", err)
	}
	return gdb, nil
}

// openGorm is for commands that only need the database.
func openGorm(cfg internal.DatabaseConfig) (*gorm.DB, func(), error) {
	db, err := initDB(cfg)
	if err != nil {
		return nil, nil, err
	}
	gdb, err := gormFor(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return gdb, func() { _ = db.Close() }, nil
}
