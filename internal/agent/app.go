// Package agent initializes and runs the recording agent. It wires the
// remote store repositories, blob storage, capture backend, and persisted
// upload queue, then supervises the periodic loops (poller, controller,
// shipper, status reporter) and handles graceful shutdown.
package agent

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/recwarden/agent/internal/agent/capture"
	"github.com/recwarden/agent/internal/agent/config"
	"github.com/recwarden/agent/internal/agent/controller"
	"github.com/recwarden/agent/internal/agent/migrations"
	"github.com/recwarden/agent/internal/agent/poller"
	"github.com/recwarden/agent/internal/agent/queue"
	"github.com/recwarden/agent/internal/agent/repositories/artifacts"
	"github.com/recwarden/agent/internal/agent/repositories/reservations"
	statusrepo "github.com/recwarden/agent/internal/agent/repositories/status"
	"github.com/recwarden/agent/internal/agent/shipper"
	"github.com/recwarden/agent/internal/agent/status"
	"github.com/recwarden/agent/internal/agent/storage"
	"github.com/recwarden/agent/internal/logging"
)

// preemptTargets are process names known to hold the camera outside our
// control; they are evicted best effort before the first acquisition.
var preemptTargets = []string{"libcamera-vid", "libcamera-still", "libcamera-raw"}

type App struct {
	config *config.Config
	logger logging.Logger

	db         *sql.DB
	queue      *queue.Queue
	resource   *capture.Resource
	controller *controller.Controller
	shipper    *shipper.Shipper
	poller     *poller.Poller
	reporter   *status.Reporter
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	db, err := sql.Open("pgx", cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	reservationRepo := reservations.NewPostgresRepository(db)
	artifactRepo := artifacts.NewPostgresRepository(db)
	statusRepo := statusrepo.NewPostgresRepository(db)

	blobs, err := storage.NewS3BlobStore(ctx, cfg)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("blob store init error: %w", err)
	}

	// A corrupt queue file is fatal: silently dropping owed uploads would
	// be worse than refusing to start.
	q, err := queue.New(queue.NewFileStore(cfg.QueuePath), queue.Policy{
		MaxAttempts: cfg.MaxUploadAttempts,
		BackoffBase: cfg.BackoffBase,
		BackoffCap:  cfg.BackoffCap,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("upload queue init error: %w", err)
	}

	backend, err := capture.SelectBackend(ctx, capture.Settings{
		Device:  cfg.CaptureDevice,
		Width:   cfg.RecordWidth,
		Height:  cfg.RecordHeight,
		FPS:     cfg.RecordFPS,
		Bitrate: cfg.RecordBitrate,
	}, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("capture backend init error: %w", err)
	}

	resource := capture.NewResource(backend, logger, capture.Options{
		StartGrace:       cfg.StartGrace,
		PreemptProcesses: preemptTargets,
	})

	ctrl := controller.New(resource, q, reservationRepo, logger, controller.Options{
		ResourceID:     cfg.ResourceID,
		RecordingsDir:  cfg.RecordingsDir,
		TickInterval:   cfg.TickInterval,
		PreStartBuffer: cfg.PreStartBuffer,
		StopRetries:    cfg.StopRetries,
		RemoteTimeout:  cfg.RemoteTimeout,
		ShutdownGrace:  cfg.ShutdownGrace,
	})

	ship := shipper.New(q, blobs, artifactRepo, reservationRepo, logger, shipper.Options{
		Workers:        cfg.UploadWorkers,
		AttemptTimeout: cfg.RemoteTimeout,
	})

	poll := poller.New(reservationRepo, ctrl, logger, poller.Options{
		ResourceID:    cfg.ResourceID,
		Interval:      cfg.PollInterval,
		Lookahead:     cfg.Lookahead,
		RemoteTimeout: cfg.RemoteTimeout,
	})

	reporter := status.New(statusRepo, ctrl, q, resource,
		[]status.ErrorCounter{ctrl, ship, poll}, logger, status.Options{
			ResourceID:    cfg.ResourceID,
			Interval:      cfg.StatusInterval,
			RemoteTimeout: cfg.RemoteTimeout,
		})

	return &App{
		config:     cfg,
		logger:     logger,
		db:         db,
		queue:      q,
		resource:   resource,
		controller: ctrl,
		shipper:    ship,
		poller:     poll,
		reporter:   reporter,
	}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// Run starts all loops and blocks until a shutdown signal arrives and
// every loop has finished its in-flight work.
func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "starting recording agent",
		"resource_id", app.config.ResourceID,
		"queue_depth", app.queue.Depth())

	app.initSignalHandler(cancelFunc)

	if app.config.ApplyMigrations {
		if err := migrations.Run(ctx, app.db); err != nil {
			return fmt.Errorf("migrations error: %w", err)
		}
		app.logger.Info(ctx, "schema migrations applied")
	}

	// Recordings stranded by a previous crash go straight to the queue.
	if err := app.controller.RecoverOrphans(ctx); err != nil {
		return fmt.Errorf("recovery scan error: %w", err)
	}

	var wg sync.WaitGroup

	for _, loop := range []func(context.Context){
		app.poller.Run,
		app.controller.Run,
		app.shipper.Run,
		app.reporter.Run,
	} {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(loop)
	}

	wg.Wait()

	if err := app.db.Close(); err != nil {
		app.logger.Warn(ctx, "db close failed", "error", err)
	}

	app.logger.Info(ctx, "recording agent stopped")
	return nil
}
