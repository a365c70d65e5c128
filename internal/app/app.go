// Package app はサブコマンドの解析と依存関係のワイヤリングを行う。
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/ratemyrental/internal/config"
	"github.com/hitoshi/ratemyrental/internal/database"
	"github.com/hitoshi/ratemyrental/internal/handler"
	"github.com/hitoshi/ratemyrental/internal/identity"
	"github.com/hitoshi/ratemyrental/internal/logger"
	"github.com/hitoshi/ratemyrental/internal/metrics"
	"github.com/hitoshi/ratemyrental/internal/middleware"
	"github.com/hitoshi/ratemyrental/internal/profile"
	"github.com/hitoshi/ratemyrental/internal/repository"
	"github.com/hitoshi/ratemyrental/internal/security"
	"github.com/hitoshi/ratemyrental/internal/session"
	"github.com/hitoshi/ratemyrental/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、LOG_LEVELに従ったJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, *slog.Logger, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたレベルでロガーを作り直す
	log := logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))
	return cfg, log, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, log, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	log.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandMigrate:
		margs, err := ParseMigrateArgs(args[1:])
		if err != nil {
			return err
		}
		return runMigrate(cfg, log, margs)
	default:
		return runServe(cfg, log)
	}
}

// server はワイヤリング済みのHTTPハンドラーと、その寿命を管理するコンポーネント。
type server struct {
	handler  http.Handler
	registry *session.Registry
	limiter  *middleware.RateLimiter
	sweeper  *cleanup.SessionSweeper
}

// Close はバックグラウンドで動くコンポーネントを停止する。
func (s *server) Close() {
	s.limiter.Stop()
	s.registry.Close()
}

// newServer は全依存関係をワイヤリングしてserverを構築する。
// DBへの接続やIdPへの通信はリクエスト処理時まで行わない。
func newServer(cfg *config.Config, db *sql.DB, store identity.TokenStore, log *slog.Logger, reg *prometheus.Registry) *server {
	// 1. メトリクス
	collector := metrics.NewCollector(reg)

	// 2. リポジトリ
	profileRepo := repository.NewPostgresProfileRepo(db)
	reviewRepo := repository.NewPostgresReviewRepo(db)

	// 3. プロフィール同期エンジン
	engine := profile.NewEngine(profileRepo, reviewRepo, collector, log, profile.Config{
		RetryBudget:  cfg.ProfileRetryBudget,
		RetryBackoff: cfg.ProfileRetryBackoff,
	})

	// 4. IdPクライアントとブラウザセッションのレジストリ
	api := identity.NewAPI(&http.Client{Timeout: 10 * time.Second}, log, identity.APIConfig{
		BaseURL:     cfg.AuthURL,
		AnonKey:     cfg.AuthAnonKey,
		JWTSecret:   cfg.AuthJWTSecret,
		RedirectURL: cfg.AuthRedirectURL,
	})
	registry := session.NewRegistry(
		func(key string) (session.IdentityClient, func()) {
			client := identity.NewGoTrueClient(api, store, key, log)
			return client, client.Close
		},
		engine, profileRepo, collector, collector, log,
	)

	// 5. ルーター
	limiter := middleware.NewRateLimiter(
		middleware.RateLimiterConfigPerMinute(cfg.RateLimitGeneral, cfg.RateLimitAuth),
		collector,
	)
	router := handler.NewRouter(&handler.RouterDeps{
		Logger: log,

		Sessions: registry,
		Cookie: middleware.CookieConfig{
			Secure: cfg.CookieSecure,
			Domain: cfg.CookieDomain,
			MaxAge: cfg.SessionMaxAge,
		},
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       limiter,
		HTTPRecorder:      collector,

		Sanitizer:     security.NewTextSanitizer(),
		AvatarChecker: security.NewAvatarProbe(security.NewSafeClient(5 * time.Second)),

		HealthChecker:  db,
		MetricsHandler: metrics.Handler(reg),
	})

	// 6. アイドルセッションの掃除
	sweeper := cleanup.NewSessionSweeper(registry, log)
	sweeper.IdleTimeout = cfg.SessionIdleTimeout

	return &server{
		handler:  router,
		registry: registry,
		limiter:  limiter,
		sweeper:  sweeper,
	}
}

// newTokenStore はIdPトークンの保存先を構築する。
// REDIS_ADDRが設定されていればRedis、なければプロセス内メモリに保存する。
// 返す関数は保存先の後始末。
func newTokenStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (identity.TokenStore, func() error, error) {
	if cfg.RedisAddr == "" {
		log.Warn("REDIS_ADDRが未設定のため、トークンをメモリに保存します（再起動でサインイン状態が失われます）")
		return identity.NewMemoryTokenStore(), func() error { return nil }, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Info("redis connection established", slog.String("addr", cfg.RedisAddr))
	return identity.NewRedisTokenStore(client, cfg.TokenTTL), client.Close, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. DB接続
	pool := database.DefaultPoolConfig()
	pool.MaxOpenConns = cfg.DBMaxOpenConns
	db, err := database.Open(cfg.DatabaseURL, pool)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.Ping(ctx, db, 5*time.Second); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	log.Info("database connection established")

	// 2. トークンストア
	store, closeStore, err := newTokenStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	// 3. ワイヤリング
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	srv := newServer(cfg, db, store, log, reg)
	defer srv.Close()

	go srv.sweeper.Start(ctx, cfg.SweepInterval)

	// 4. HTTPサーバーの起動
	httpServer := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: srv.handler,
		// プロフィール解決のリトライ待機を含むため、書き込みタイムアウトは長めに取る
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("API server starting", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
	case <-ctx.Done():
	}
	log.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Info("API server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
func runMigrate(cfg *config.Config, log *slog.Logger, args MigrateArgs) error {
	log.Info("running database migrations",
		slog.String("action", string(args.Action)),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	switch args.Action {
	case MigrateDown:
		if err := database.RollbackMigrations(cfg.DatabaseURL, args.Steps); err != nil {
			return fmt.Errorf("migration rollback failed: %w", err)
		}
		log.Info("database migrations rolled back", slog.Int("steps", args.Steps))
	case MigrateVersion:
		version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to read migration version: %w", err)
		}
		log.Info("current migration version",
			slog.Uint64("version", uint64(version)),
			slog.Bool("dirty", dirty),
		)
	default:
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		log.Info("database migrations completed successfully")
	}
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	target := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
