package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"marketstream/config"
	"marketstream/internal/metrics"
	"marketstream/internal/normalizer"
	"marketstream/internal/symbols"
	"marketstream/logger"
	"marketstream/models"
	"marketstream/reader"
	"marketstream/registry"
	"marketstream/stream"
	"marketstream/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}
	metrics.Configure(cfg.Metrics)

	log.WithFields(logger.Fields{
		"service":     cfg.App.Name,
		"version":     cfg.App.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting marketstream")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch.Enabled {
		metrics.InitCloudWatch(ctx, cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Metrics.CloudWatch.Dashboard)
	}

	bookSymbols := make([]models.Symbol, 0, len(cfg.Book.Symbols))
	for _, s := range cfg.Book.Symbols {
		sym, err := models.NewSymbol(s)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"symbol": s}).Error("invalid book symbol")
			os.Exit(1)
		}
		bookSymbols = append(bookSymbols, sym)
	}

	fetcher, err := reader.NewSnapshotFetcher(cfg.Stream.Exchange, cfg.Book)
	if err != nil {
		log.WithError(err).Error("failed to create snapshot reader")
		os.Exit(1)
	}
	books := registry.New(cfg.Book, cfg.Arbitrage, fetcher)
	if len(bookSymbols) > 0 {
		loaded, err := books.Initialize(ctx, bookSymbols)
		if err != nil {
			log.WithError(err).Error("failed to initialize order books")
			os.Exit(1)
		}
		log.WithComponent("main").WithFields(logger.Fields{
			"requested": len(bookSymbols),
			"loaded":    len(loaded),
		}).Info("order books initialized")
	}

	norm, proto, err := normalizer.New(cfg.Stream.Exchange, symbols.NewMapper())
	if err != nil {
		log.WithError(err).Error("failed to create normalizer")
		os.Exit(1)
	}

	var wg sync.WaitGroup
	resync := newResyncer(ctx, books, &wg)

	opts := []stream.Option{
		stream.WithNormalizer(norm, proto),
		stream.WithDepthSink(books),
		stream.WithStatusObserver(func(s models.ConnectionStatus) {
			log.WithComponent("main").WithFields(logger.Fields{"status": s.String()}).Info("connection status changed")
		}),
	}
	if cfg.Book.AutoResync {
		opts = append(opts, stream.WithGapHandler(resync.trigger))
	}
	manager := stream.NewManager(cfg.Stream, opts...)

	var kafkaWriter *writer.KafkaWriter
	if cfg.Sink.Kafka.Enabled {
		kafkaWriter, err = writer.NewKafkaWriter(cfg.Sink.Kafka, manager.Broadcast().Subscribe())
		if err != nil {
			log.WithError(err).Error("failed to create kafka writer")
			os.Exit(1)
		}
		if err := kafkaWriter.Start(ctx); err != nil {
			log.WithError(err).Error("kafka writer failed to start")
			os.Exit(1)
		}
		kafkaWriter.StartMetricsReporting(ctx, cfg.Metrics.PublishInterval)
	} else {
		log.WithComponent("main").Info("kafka sink disabled; skipping writer")
	}

	if err := manager.Start(ctx); err != nil {
		log.WithError(err).Error("stream manager failed to start")
		os.Exit(1)
	}

	manager.Broadcast().StartMetricsReporting(ctx, cfg.Metrics.PublishInterval)
	manager.StartMetricsReporting(ctx, cfg.Metrics.PublishInterval)

	if cfg.Metrics.Prometheus.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector := metrics.NewStreamCollector(cfg.Metrics.Prometheus.Namespace, manager, books)
			if err := metrics.ServePrometheus(ctx, cfg.Metrics.Prometheus, collector); err != nil {
				log.WithError(err).Warn("prometheus endpoint stopped")
			}
		}()
	}

	if len(cfg.Arbitrage.DirectPairs) > 0 || len(cfg.Arbitrage.Triangles) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			scanArbitrage(ctx, books, cfg.Arbitrage.ScanInterval)
		}()
	}

	logger.StartReport(ctx, log, cfg.App.ReportInterval, func() logger.Fields {
		m := manager.Metrics()
		stats := books.Stats()
		return logger.Fields{
			"status":            manager.Status().String(),
			"messages_received": m.MessagesReceived,
			"messages_parsed":   m.MessagesParsed,
			"parse_errors":      m.ParseErrors,
			"reconnections":     m.ReconnectionCount,
			"books":             len(stats.Books),
			"book_updates":      stats.TotalUpdates,
			"book_gaps":         stats.TotalGaps,
			"stale_books":       len(books.StaleSymbols()),
		}
	})

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case <-manager.Done():
		if err := manager.Err(); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("stream connection gave up")
			exitCode = 1
		}
	}

	log.Info("starting graceful shutdown")

	if kafkaWriter != nil {
		log.Info("stopping kafka writer")
		kafkaWriter.Stop()
	}

	log.Info("stopping stream manager")
	if err := manager.Close(); err != nil {
		log.WithError(err).Warn("stream manager close failed")
	}
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.WithComponent("main").Info(books.Stats().String())
	log.Info("marketstream stopped")
	os.Exit(exitCode)
}

func scanArbitrage(ctx context.Context, books *registry.Registry, interval time.Duration) {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log := logger.GetLogger().WithComponent("arbitrage")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, o := range books.FindAllArbitrage() {
				log.WithFields(logger.Fields{
					"id":         o.ID,
					"kind":       string(o.Kind),
					"buy":        o.BuyLeg,
					"sell":       o.SellLeg,
					"path":       o.Path,
					"profit_bps": o.ProfitBps,
					"size":       o.Size,
				}).Info("arbitrage opportunity")
			}
		}
	}
}

// resyncer refetches a book after a sequence gap. Gaps reported while a
// refetch for the same symbol is in flight are coalesced.
type resyncer struct {
	ctx      context.Context
	books    *registry.Registry
	wg       *sync.WaitGroup
	mu       sync.Mutex
	inflight map[models.Symbol]struct{}
}

func newResyncer(ctx context.Context, books *registry.Registry, wg *sync.WaitGroup) *resyncer {
	return &resyncer{
		ctx:      ctx,
		books:    books,
		wg:       wg,
		inflight: make(map[models.Symbol]struct{}),
	}
}

func (r *resyncer) trigger(symbol models.Symbol, cause error) {
	r.mu.Lock()
	if _, busy := r.inflight[symbol]; busy {
		r.mu.Unlock()
		return
	}
	r.inflight[symbol] = struct{}{}
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.inflight, symbol)
			r.mu.Unlock()
		}()

		log := logger.GetLogger().WithComponent("main").WithFields(logger.Fields{"symbol": symbol})
		log.WithError(cause).Info("resyncing order book")
		if err := r.books.Resync(r.ctx, symbol); err != nil {
			log.WithError(err).Warn("order book resync failed")
		}
	}()
}
