package app

import (
	"context"
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

	"github.com/hitoshi/promptcleaner/internal/config"
	"github.com/hitoshi/promptcleaner/internal/database"
	"github.com/hitoshi/promptcleaner/internal/handler"
	"github.com/hitoshi/promptcleaner/internal/license"
	"github.com/hitoshi/promptcleaner/internal/llm"
	"github.com/hitoshi/promptcleaner/internal/logger"
	"github.com/hitoshi/promptcleaner/internal/metrics"
	"github.com/hitoshi/promptcleaner/internal/middleware"
	"github.com/hitoshi/promptcleaner/internal/notify"
	"github.com/hitoshi/promptcleaner/internal/prompt"
	"github.com/hitoshi/promptcleaner/internal/repository"
	"github.com/hitoshi/promptcleaner/internal/usage"
)

// Init はアプリケーションの初期化を行う。
// .envファイルと環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. .envファイルを読み込む（既存の環境変数が優先）
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}

	// 3. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 4. 設定されたログレベルで再設定する
	logger.SetupDefault(w, cfg.LogLevel)

	return cfg, nil
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
			port = os.Getenv("PORT")
		}
		if port == "" {
			port = "3001"
		}
		return runHealthcheck(port)
	}

	// CLIクライアントはサーバーの必須設定を必要としない
	if cmd.IsClient() {
		logger.SetupDefault(os.Stderr, slog.LevelWarn)
		if err := config.LoadDotEnv(); err != nil {
			return err
		}
		return runClient(context.Background(), cmd, args[1:], os.Stdin, os.Stdout)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("app_env", cfg.AppEnv),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続とマイグレーション
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	slog.Info("database schema ready", slog.Uint64("version", uint64(version)))

	// 2. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 3. ライセンス
	mailer, err := newMailer(cfg)
	if err != nil {
		return err
	}
	licenseRepo := repository.NewPostgresLicenseRepo(db)
	licenseService := license.NewService(licenseRepo, mailer, collector, cfg.ProductID)

	verifier := license.NewVerifier(cfg.WebhookSecret)
	if !verifier.Enabled() {
		slog.Warn("WEBHOOK_SECRET is not set; webhook signature verification is disabled")
	}

	// 4. プロンプトクリーニング
	llmClient := llm.NewClient(&http.Client{}, slog.Default(), collector, llm.Config{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Timeout: cfg.LLMTimeout,
	})

	var quota prompt.Quota
	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rdb, err := usage.OpenRedis(ctx, cfg.RedisURL)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer rdb.Close()
		quota = usage.NewRedisQuota(rdb, cfg.DailyFreeLimit)
		slog.Info("server-side daily quota enabled", slog.Int("limit", cfg.DailyFreeLimit))
	}

	promptService := prompt.NewService(llmClient, quota, licenseService, collector, prompt.Config{
		FreeModel: cfg.FreeModel,
		ProModel:  cfg.ProModel,
		MaxChars:  cfg.MaxPromptChars,
		Debug:     cfg.IsDevelopment(),
	})

	// 5. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.ConfigFromPerMinute(cfg.RateLimitPerMinute, cfg.TrustProxy))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		TrustForwardedFor: cfg.TrustProxy,

		LicenseService: licenseService,
		Verifier:       verifier,
		LicenseConfig: handler.LicenseHandlerConfig{
			EmailDelivery: cfg.LookupDelivery == config.LookupEmail,
		},

		PromptService: promptService,

		DB:        db,
		HasAPIKey: llmClient.HasAPIKey(),

		MetricsHandler: metrics.Handler(registry),
	})

	// 6. HTTPサーバーの起動
	// 書き込みタイムアウトはLLM呼び出しのタイムアウトより長くする
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.LLMTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
			slog.String("lookup_delivery", string(cfg.LookupDelivery)),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serverErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// 送信中の購入者通知を待つ
	licenseService.Wait()

	slog.Info("API server stopped gracefully")
	return nil
}

// newMailer は購入者通知のMailerを構築する。
// SMTP_ADDRが未設定の場合は送信せずログに記録するMailerを返す。
func newMailer(cfg *config.Config) (notify.Mailer, error) {
	if cfg.SMTPAddr == "" {
		slog.Warn("SMTP_ADDR is not set; purchaser notifications are logged only")
		return notify.NewLogMailer(slog.Default()), nil
	}

	mailer, err := notify.NewSMTPMailer(notify.SMTPConfig{
		Addr:     cfg.SMTPAddr,
		From:     cfg.SMTPFrom,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid SMTP configuration: %w", err)
	}
	return mailer, nil
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

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
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

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
