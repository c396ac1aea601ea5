package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"matching-enginev1/config"
	"matching-enginev1/internal/eventfeed"
	"matching-enginev1/internal/executor"
	"matching-enginev1/internal/hotwindow"
	"matching-enginev1/internal/ledger"
	"matching-enginev1/internal/logger"
	"matching-enginev1/internal/matcher"
	"matching-enginev1/internal/metrics"
	"matching-enginev1/internal/notification"
	"matching-enginev1/internal/scanner"
	redisstore "matching-enginev1/internal/store/redis"
	sqlitestore "matching-enginev1/internal/store/sqlite"
	"matching-enginev1/internal/watcher"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[matchengine] starting...")

	cfg := config.Load()
	slogger := logger.Init("matchengine", slog.LevelInfo)

	instruments := cfg.ParseInstruments()
	if len(instruments) == 0 {
		log.Fatal("[matchengine] no instruments configured")
	}
	log.Printf("[matchengine] tracking %d instruments: %v", len(instruments), instruments)

	// ---- Redis: price reads + execution locks ----
	prices, err := redisstore.NewPriceReader(redisstore.PriceReaderConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		log.Fatalf("[matchengine] redis: %v", err)
	}
	defer prices.Close()
	locks := redisstore.NewLocker(prices.Client())

	// ---- SQLite: order store + fill journal ----
	orders, err := sqlitestore.New(sqlitestore.StoreConfig{DBPath: cfg.SQLitePath})
	if err != nil {
		log.Fatalf("[matchengine] sqlite: %v", err)
	}
	defer orders.Close()

	journal, err := executor.NewJournal(cfg.JournalPath)
	if err != nil {
		log.Fatalf("[matchengine] journal: %v", err)
	}
	defer journal.Close()

	// ---- Ledger service client ----
	ldgr := ledger.New(cfg.LedgerURL)

	// ---- Metrics, health, event feed ----
	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	health.SetInstruments(instruments)

	prices.Breaker().OnStateChange = func(from, to redisstore.State) {
		prom.RedisBreakerState.Set(float64(to))
		slogger.Warn("redis breaker state change", "from", from.String(), "to", to.String())
	}

	feed := eventfeed.NewHub()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health, map[string]http.Handler{
		"/ws":    feed,
		"/fills": journal,
	})
	metricsSrv.Start()

	// ---- Notification fan-out ----
	backends := []notification.Notifier{notification.NewLogNotifier(), feed}
	if cfg.WebhookURL != "" {
		backends = append(backends, notification.NewWebhookNotifier(cfg.WebhookURL))
	}
	if cfg.TelegramToken != "" && cfg.TelegramChat != "" {
		backends = append(backends, notification.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChat))
	}
	notifier := notification.NewMulti(backends...)

	// ---- Matching core ----
	cache := hotwindow.New(orders, cfg.BandWidthPct, cfg.CacheTTL, slogger)
	match := matcher.New(cache)

	slippagePolicy := executor.SlippageRetry
	if cfg.SlippagePolicy == config.SlippagePolicyFail {
		slippagePolicy = executor.SlippageFail
	}
	exec := executor.New(executor.Config{
		LockTTL:        cfg.LockTTL,
		SlippagePct:    cfg.SlippagePct,
		SlippagePolicy: slippagePolicy,
	}, orders, prices, locks, ldgr, cache, notifier, journal, slogger)

	board := watcher.NewBoard()
	health.SetPriceSnapshot(board.SnapshotStrings)
	watch := watcher.New(watcher.Config{
		Instruments:      instruments,
		PollInterval:     cfg.PollInterval,
		MoveThresholdPct: cfg.MoveThresholdPct,
	}, prices, board, cache, match, exec, prom, health, slogger)

	scan := scanner.New(scanner.Config{
		ScanInterval: cfg.ScanInterval,
	}, orders, prices, ldgr, exec, cache, notifier, prom, health, slogger)

	// ---- Run ----
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	health.StartLivenessChecker(ctx, prices.Client(), orders.DB(), 15*time.Second)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		watch.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		// Reconcile immediately on startup: triggers crossed while the
		// engine was down must not wait a full scan interval.
		scan.Scan(ctx)
		scan.Run(ctx)
	}()

	// ---- Graceful shutdown ----
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("[matchengine] received %v, shutting down...", sig)

	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Stop(shutdownCtx)

	log.Println("[matchengine] shutdown complete")
}
