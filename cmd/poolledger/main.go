package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"PoolLedger/internal/config"
	"PoolLedger/internal/core"
	"PoolLedger/internal/event"
	"PoolLedger/internal/observability"
	"PoolLedger/internal/persistence"
	"PoolLedger/internal/projection"
	"PoolLedger/internal/publish"
	"PoolLedger/internal/query"
	"PoolLedger/internal/server"

	"github.com/holiman/uint256"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	cfg := config.FromEnv()
	log := observability.NewLogger("poolledger")
	log.Info().Msg("pool ledger starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Pool definition ---
	pool, err := config.LoadPool(cfg.PoolFile)
	if err != nil {
		log.Fatal().Err(err).Str("file", cfg.PoolFile).Msg("load pool definition")
	}
	coreCfg, err := pool.CoreConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("pool definition")
	}

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("postgres ping")
	}
	log.Info().Msg("postgres connected")

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, log)
	if err := migrator.Up(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}

	snapMgr := persistence.NewSnapshotManager(db)

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Channels ---
	// The persist channel blocks the ledger when the writer falls behind;
	// the projection channel drops on overflow.
	persistChan := make(chan core.Output, cfg.PersistChanSize)
	projectionChan := make(chan core.Output, cfg.ProjectionChanSize)

	// --- Collaborators ---
	// MemoryVault and MemoryReceipt stand in for the custody and receipt
	// backends; deposits arrive through the HTTP dev surface.
	oracle := core.NewPostedOracle(pool.OracleMaxAge(), nil)
	vault := core.NewMemoryVault()
	newReceipt := func(string) core.ReceiptAsset { return core.NewMemoryReceipt() }

	engine, err := core.NewEngine(coreCfg, oracle, vault, log, metrics, persistChan, projectionChan)
	if err != nil {
		log.Fatal().Err(err).Msg("build engine")
	}

	// --- Recovery ---
	if err := restoreOrSeed(ctx, engine, pool, snapMgr, newReceipt, log); err != nil {
		log.Fatal().Err(err).Msg("recovery")
	}

	// --- NATS ---
	nc, js, err := publish.ConnectNATS(cfg.NATSURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()

	if err := publish.EnsureOutboundStream(ctx, js, log); err != nil {
		log.Fatal().Err(err).Msg("ensure outbound stream")
	}
	if err := publish.EnsurePriceStream(ctx, js, log); err != nil {
		log.Fatal().Err(err).Msg("ensure price stream")
	}

	priceUpdates := make(chan publish.PriceUpdate, 1024)
	priceSub := publish.NewPriceSubscriber(js, priceUpdates, log)
	if err := priceSub.Subscribe(ctx); err != nil {
		log.Fatal().Err(err).Msg("subscribe prices")
	}

	publishChan := make(chan *event.Envelope, cfg.ProjectionChanSize)
	publisher := publish.NewOutboundPublisher(js, publishChan, log, metrics)

	// --- Read models ---
	history := query.NewService(db)

	// --- HTTP API ---
	srv := server.New(cfg.HTTPAddr, engine, oracle, vault, newReceipt, history, healthChecker, log, metrics)

	// --- Goroutines ---
	errChan := make(chan error, 8)

	rowChan := make(chan persistence.EventRow, cfg.PersistChanSize)
	persistWorker := persistence.NewWorker(db, rowChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, log, metrics)
	go func() { errChan <- persistWorker.Run(ctx) }()

	projChan := make(chan *event.Envelope, cfg.ProjectionChanSize)
	projWorker := projection.NewWorker(db, projChan, log, metrics)
	go func() { errChan <- projWorker.Run(ctx) }()

	go func() { errChan <- publisher.Run(ctx) }()

	go bridgeOutputs(ctx, persistChan, projectionChan, rowChan, publishChan, projChan, metrics, log)

	go applyPrices(ctx, priceUpdates, srv, log)

	go func() { errChan <- srv.Start(ctx) }()

	go runMetricsServer(ctx, cfg.MetricsAddr, errChan, log)

	go runPeriodicSnapshots(ctx, srv, snapMgr, cfg.SnapshotInterval, metrics, log)

	healthChecker.SetReady(true)
	log.Info().
		Int64("sequence", srv.Sequence()).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("pool ledger ready")

	// --- Wait for shutdown ---
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	healthChecker.SetReady(false)
	cancel()
	priceSub.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := takeSnapshot(shutdownCtx, srv, snapMgr, metrics); err != nil {
		log.Error().Err(err).Msg("final snapshot failed")
	} else {
		log.Info().Msg("final snapshot saved")
	}

	log.Info().Msg("pool ledger shutdown complete")
}

// restoreOrSeed restores the engine from the latest snapshot, or seeds a
// fresh engine from the pool definition on cold start. Events written
// after the latest snapshot describe committed transitions, not commands,
// so they cannot be replayed into the engine; a gap between snapshot and
// event-log head is surfaced to the operator instead.
func restoreOrSeed(
	ctx context.Context,
	engine *core.Engine,
	pool *config.Pool,
	snapMgr *persistence.SnapshotManager,
	newReceipt func(tranche string) core.ReceiptAsset,
	log zerolog.Logger,
) error {
	sequence, data, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if data == nil {
		log.Info().Msg("no snapshot found, seeding from pool definition")
		return pool.Apply(engine, newReceipt)
	}

	var snap core.SnapshotState
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode snapshot at seq %d: %w", sequence, err)
	}
	receipts := make(map[string]core.ReceiptAsset, len(snap.Tranches))
	for _, id := range snap.Tranches {
		receipts[id] = newReceipt(id)
	}
	if err := engine.RestoreFromSnapshot(&snap, receipts); err != nil {
		return fmt.Errorf("restore snapshot at seq %d: %w", sequence, err)
	}
	log.Info().Int64("sequence", sequence).Msg("restored from snapshot")

	head, err := snapMgr.LatestSequence(ctx)
	if err != nil {
		return fmt.Errorf("event log head: %w", err)
	}
	if head >= sequence+1 {
		log.Warn().
			Int64("snapshot", sequence).
			Int64("head", head).
			Msg("event log extends past snapshot; later transitions are not reflected in memory")
	}
	return nil
}

// bridgeOutputs fans committed transitions out to the event-log writer,
// the outbound publisher, and the history read models. The persistence
// side blocks; publishing and projection drop when their channels fill,
// since both rebuild from the event log.
func bridgeOutputs(
	ctx context.Context,
	persistIn, projectionIn <-chan core.Output,
	rowOut chan<- persistence.EventRow,
	publishOut, projOut chan<- *event.Envelope,
	metrics *observability.Metrics,
	log zerolog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return

		case out, ok := <-persistIn:
			if !ok {
				return
			}
			row, err := persistence.FromEnvelope(out.Envelope)
			if err != nil {
				log.Error().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("encode event row")
				continue
			}
			select {
			case rowOut <- row:
			case <-ctx.Done():
				return
			}

			select {
			case publishOut <- out.Envelope:
			default:
				metrics.PublishDrops.Inc()
			}

		case out, ok := <-projectionIn:
			if !ok {
				return
			}
			select {
			case projOut <- out.Envelope:
			default:
				metrics.ProjectionDrops.Inc()
			}
		}
	}
}

// applyPrices drains oracle observations from NATS into the posted
// oracle, under the server's engine lock.
func applyPrices(ctx context.Context, updates <-chan publish.PriceUpdate, srv *server.Server, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			low, err := uint256.FromDecimal(upd.Low)
			if err != nil {
				log.Warn().Err(err).Str("token", upd.Token).Msg("bad price low")
				continue
			}
			high, err := uint256.FromDecimal(upd.High)
			if err != nil {
				log.Warn().Err(err).Str("token", upd.Token).Msg("bad price high")
				continue
			}
			if err := srv.ApplyPriceUpdate(upd.Token, low, high, upd.At()); err != nil {
				log.Warn().Err(err).Str("token", upd.Token).Msg("reject price update")
			}
		}
	}
}

func runMetricsServer(ctx context.Context, addr string, errChan chan<- error, log zerolog.Logger) {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: addr, Handler: metricsMux}

	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		metricsServer.Shutdown(shutCtx)
	}()

	log.Info().Str("addr", addr).Msg("metrics server listening")
	if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- fmt.Errorf("metrics server: %w", err)
	}
}

// runPeriodicSnapshots saves a snapshot whenever the ledger has advanced
// by the configured number of events since the last one.
func runPeriodicSnapshots(
	ctx context.Context,
	srv *server.Server,
	snapMgr *persistence.SnapshotManager,
	interval int64,
	metrics *observability.Metrics,
	log zerolog.Logger,
) {
	if interval <= 0 {
		interval = 100_000
	}

	lastSnapshotSeq := srv.Sequence()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			currentSeq := srv.Sequence()
			if currentSeq-lastSnapshotSeq >= interval {
				if err := takeSnapshot(ctx, srv, snapMgr, metrics); err != nil {
					log.Warn().Err(err).Msg("periodic snapshot failed")
				} else {
					lastSnapshotSeq = currentSeq
					log.Info().Int64("sequence", currentSeq).Msg("periodic snapshot saved")
				}
			}
		}
	}
}

func takeSnapshot(ctx context.Context, srv *server.Server, snapMgr *persistence.SnapshotManager, metrics *observability.Metrics) error {
	start := time.Now()

	sequence, data, err := srv.Snapshot()
	if err != nil {
		return fmt.Errorf("capture snapshot: %w", err)
	}
	if err := snapMgr.SaveSnapshot(ctx, sequence, data); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	if metrics != nil {
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		metrics.SnapshotSizeBytes.Set(float64(len(data)))
		metrics.SnapshotLastSeq.Set(float64(sequence))
	}
	return nil
}
