package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hitoshi/chatrelay/internal/auth"
	"github.com/hitoshi/chatrelay/internal/backplane"
	"github.com/hitoshi/chatrelay/internal/config"
	"github.com/hitoshi/chatrelay/internal/database"
	"github.com/hitoshi/chatrelay/internal/fanout"
	"github.com/hitoshi/chatrelay/internal/gateway"
	"github.com/hitoshi/chatrelay/internal/handler"
	"github.com/hitoshi/chatrelay/internal/history"
	"github.com/hitoshi/chatrelay/internal/logger"
	"github.com/hitoshi/chatrelay/internal/membership"
	"github.com/hitoshi/chatrelay/internal/metrics"
	"github.com/hitoshi/chatrelay/internal/middleware"
	"github.com/hitoshi/chatrelay/internal/realtime"
	"github.com/hitoshi/chatrelay/internal/repository"
	"github.com/hitoshi/chatrelay/internal/security"
	"github.com/hitoshi/chatrelay/internal/worker/activity"
)

// shutdownTimeout はHTTPサーバーと接続の終了を待つ上限。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	if cmd == CommandHelp {
		return printUsage(w)
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "4000"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.Bool("backplane", cfg.BackplaneEnabled),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cfg)
	}
}

// runServe はリアルタイムサーバーモードで起動する。
// DBが到達不能でも起動は継続し、復旧するまで認証済みの操作をSTORE_UNAVAILABLEで拒否する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	base := slog.Default()

	// 1. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	// 2. DB接続と可用性の監視
	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	monitor := database.NewMonitor(db, database.MonitorConfig{
		BaseDelay:      cfg.DBRetryBaseDelay,
		MaxDelay:       cfg.DBRetryMaxDelay,
		HealthInterval: cfg.DBHealthInterval,
	}, base)
	monitor.OnChange(collector.SetStoreAvailable)
	if err := monitor.CheckOnce(ctx); err != nil {
		base.Warn("database is not reachable yet, serving in degraded mode",
			slog.String("error", err.Error()),
		)
	}

	// 3. リポジトリ
	channelRepo := repository.NewPostgresChannelRepo(db)
	messageRepo := repository.NewPostgresMessageRepo(db)
	activityRepo := repository.NewPostgresActivityRepo(db)

	// 4. アクティビティログ
	activityLog := activity.NewLog(activityRepo, activity.Config{
		QueueSize: cfg.ActivityQueueSize,
		Workers:   cfg.ActivityWorkers,
	}, collector, base)

	// 5. リアルタイム層
	registry := realtime.NewRegistry(collector, base)

	var relay *backplane.PostgresRelay
	var broadcaster *realtime.Broadcaster
	if cfg.BackplaneEnabled {
		relay = backplane.NewPostgresRelay(db, cfg.BackplaneChannel, registry, base)
		broadcaster = realtime.NewBroadcaster(registry, relay, base)
	} else {
		broadcaster = realtime.NewBroadcaster(registry, nil, base)
	}

	// 6. ドメインサービス
	sanitizer := security.NewContentSanitizer()
	members := membership.NewManager(channelRepo, broadcaster, activityLog, base)
	engine := fanout.NewEngine(
		channelRepo, messageRepo, broadcaster, activityLog, sanitizer,
		collector, base, fanout.Config{MaxMessageLength: cfg.MaxMessageLength},
	)
	reader := history.NewReader(channelRepo, messageRepo)
	verifier := auth.NewJWTVerifier(cfg.JWTSecret)

	// 7. レート制限
	limiter := middleware.NewRateLimiter(rateLimiterConfig(cfg))
	defer limiter.Stop()

	// 8. ゲートウェイとルーター
	gwCfg := gateway.DefaultConfig()
	gwCfg.HandshakeTimeout = cfg.HandshakeTimeout
	gwCfg.SendBufferSize = cfg.SendBufferSize
	gwCfg.Pump.PingInterval = cfg.WSPingInterval
	gwCfg.Pump.PongWait = cfg.WSPongWait
	gwCfg.AllowedOrigin = cfg.CORSAllowedOrigin

	gw := gateway.New(gateway.Deps{
		Verifier:   verifier,
		Gate:       monitor,
		Registry:   registry,
		Membership: members,
		Fanout:     engine,
		Limiter:    limiter,
		Metrics:    collector,
		Logger:     base,
	}, gwCfg)

	router := handler.NewRouter(&handler.RouterDeps{
		Verifier:          verifier,
		StoreGate:         monitor,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       limiter,
		Metrics:           collector,
		MetricsHandler:    metrics.Handler(reg),
		Logger:            base,
		Gateway:           gw,
		History:           reader,
		Sender:            engine,
	})

	// 9. HTTPサーバー
	// WebSocket接続は長寿命のためWriteTimeoutは設定しない
	server := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ln, err := net.Listen("tcp", ":"+cfg.ServerPort)
	if err != nil {
		return fmt.Errorf("failed to listen on port %s: %w", cfg.ServerPort, err)
	}
	if cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, cfg.MaxConnections)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		monitor.Start(gctx)
		return nil
	})

	g.Go(func() error {
		return activityLog.Run(gctx)
	})

	if relay != nil {
		listener := backplane.NewListener(cfg.DatabaseURL, base)
		g.Go(func() error {
			return relay.Run(gctx, listener)
		})
	}

	g.Go(func() error {
		base.Info("realtime server starting",
			slog.String("addr", ln.Addr().String()),
			slog.Int("max_connections", cfg.MaxConnections),
		)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		base.Info("shutting down realtime server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// 新規のHTTP受付を止めてから、ハイジャック済みのWebSocket接続を閉じる
		if err := server.Shutdown(shutdownCtx); err != nil {
			base.Error("server shutdown error", slog.String("error", err.Error()))
		}
		if err := gw.Shutdown(shutdownCtx); err != nil {
			base.Error("gateway shutdown error", slog.String("error", err.Error()))
		}
		// 受付済みのアクティビティはRunが書き終えてから戻る
		activityLog.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("realtime server stopped gracefully")
	return nil
}

// rateLimiterConfig は設定値からレート制限の設定を組み立てる。
// 設定はreq/min単位なのでreq/secに変換する。未設定の項目はデフォルトのまま。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	limiterCfg := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		limiterCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		limiterCfg.GeneralBurst = cfg.RateLimitGeneral
	}
	if cfg.RateLimitMessages > 0 {
		limiterCfg.MessageRate = rate.Limit(float64(cfg.RateLimitMessages) / 60.0)
		limiterCfg.MessageBurst = max(cfg.RateLimitMessages/3, 1)
	}
	return limiterCfg
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
