// Package main provides the mailbox server executable with HTTP API and
// background routing loops.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/pressly/goose/v3"

	"github.com/coregx/mailbox"
	"github.com/coregx/mailbox/adapters/memory"
	mailboxredis "github.com/coregx/mailbox/adapters/redis"
	"github.com/coregx/mailbox/adapters/relica"
	"github.com/coregx/mailbox/cmd/mailbox-server/internal/api"
	"github.com/coregx/mailbox/cmd/mailbox-server/internal/config"
	"github.com/coregx/mailbox/model"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to YAML config file")
	flag.Parse()

	log.Println("🚀 Starting Mailbox Server v0.1.0...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("📝 Configuration loaded:")
	log.Printf("   Server: %s:%d", cfg.Server.Host, cfg.Server.Port)
	log.Printf("   Store: %s", cfg.Store.Backend)
	log.Printf("   Database: %s", cfg.Database.Driver)

	logger := mailbox.NewHCLogger(hclog.New(&hclog.LoggerOptions{
		Name:  "mailbox",
		Level: hclog.Info,
	}))

	// Backing store for messages, queues, and subscriptions
	var backend mailbox.Store
	switch cfg.Store.Backend {
	case "redis":
		redisStore, err := mailboxredis.NewStoreFromURL(cfg.Store.RedisURL)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		backend = redisStore
	default:
		backend = memory.NewStore()
	}
	store := mailbox.NewBreakerStore(backend, mailbox.BreakerConfig{
		Name:             cfg.Store.Backend,
		FailureThreshold: cfg.Store.BreakerThreshold,
		ResetTimeout:     time.Duration(cfg.Store.BreakerResetSecs) * time.Second,
	}, logger)
	log.Printf("✅ Backing store initialized (%s)", cfg.Store.Backend)

	// Permission and audit persistence
	var permRepo mailbox.PermissionRepository
	var auditRepo mailbox.AuditRepository
	if cfg.Database.Driver == "memory" {
		permRepo = memory.NewPermissionRepository()
		auditRepo = memory.NewAuditRepository()
	} else {
		db, err := sql.Open(cfg.Database.Driver, cfg.Database.GetDSN())
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer func() {
			if closeErr := db.Close(); closeErr != nil {
				log.Printf("Failed to close database: %v", closeErr)
			}
		}()
		if err := db.Ping(); err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}

		goose.SetBaseFS(mailbox.MigrationFiles)
		if err := goose.SetDialect(cfg.Database.Driver); err != nil {
			log.Fatalf("Failed to set migration dialect: %v", err)
		}
		if err := goose.Up(db, "migrations"); err != nil {
			log.Fatalf("Failed to apply migrations: %v", err)
		}
		log.Println("✅ Database migrations applied")

		var repos *relica.Repositories
		if cfg.Database.Prefix != "" {
			repos = relica.NewRepositoriesWithPrefix(db, cfg.Database.Driver, cfg.Database.Prefix)
		} else {
			repos = relica.NewRepositories(db, cfg.Database.Driver)
		}
		permRepo = repos.Permission
		auditRepo = repos.Audit
	}
	log.Println("✅ Repositories initialized")

	// Notification service
	var notificationService mailbox.NotificationService
	if cfg.Routing.EnableNotifications {
		notificationService = mailbox.NewLoggingNotificationService(logger)
	} else {
		notificationService = &mailbox.NoOpNotificationService{}
	}

	// All components of one process share an origin id so cross-process
	// envelopes published by this node are not delivered twice locally.
	origin := uuid.NewString()

	mailboxStoreOpts := []mailbox.MailboxStoreOption{
		mailbox.WithMailboxStoreBackend(store),
		mailbox.WithMailboxStoreLogger(logger),
	}
	if cfg.Routing.MailboxMaxCount > 0 {
		mailboxStoreOpts = append(mailboxStoreOpts, mailbox.WithMailboxStoreMaxCount(cfg.Routing.MailboxMaxCount))
	}
	mailboxes, err := mailbox.NewMailboxStore(mailboxStoreOpts...)
	if err != nil {
		log.Fatalf("Failed to create mailbox store: %v", err)
	}
	log.Println("✅ MailboxStore created")

	offline, err := mailbox.NewOfflineHandler(
		mailbox.WithOfflineStore(store),
		mailbox.WithOfflineLoader(mailboxes),
		mailbox.WithOfflineLogger(logger),
	)
	if err != nil {
		log.Fatalf("Failed to create offline handler: %v", err)
	}
	log.Println("✅ OfflineHandler created")

	subscriptions, err := mailbox.NewSubscriptionManager(
		mailbox.WithSubscriptionStore(store),
		mailbox.WithSubscriptionOfflineQueue(offline),
		mailbox.WithSubscriptionLogger(logger),
		mailbox.WithSubscriptionNotifier(notificationService),
		mailbox.WithSubscriptionOrigin(origin),
		mailbox.WithSubscriptionTimeouts(
			time.Duration(cfg.Routing.HeartbeatIntervalSecs)*time.Second,
			time.Duration(cfg.Routing.HeartbeatTimeoutSecs)*time.Second,
		),
	)
	if err != nil {
		log.Fatalf("Failed to create subscription manager: %v", err)
	}
	log.Println("✅ SubscriptionManager created")

	realtime, err := mailbox.NewRealtimeDelivery(
		mailbox.WithRealtimeSource(subscriptions),
		mailbox.WithRealtimeStore(store),
		mailbox.WithRealtimeLogger(logger),
		mailbox.WithRealtimeOrigin(origin),
	)
	if err != nil {
		log.Fatalf("Failed to create realtime delivery: %v", err)
	}
	subscriptions.SetChangeListener(realtime.InvalidatePatterns)
	log.Println("✅ RealtimeDelivery created")

	permissions, err := mailbox.NewPermissionManager(
		mailbox.WithPermissionRepositories(permRepo, auditRepo),
		mailbox.WithPermissionStore(store),
		mailbox.WithPermissionVerifier(mailbox.StaticCredentialVerifier(cfg.Auth.Credentials)),
		mailbox.WithPermissionLogger(logger),
		mailbox.WithPermissionTokenTTL(time.Duration(cfg.Routing.TokenTTLHours)*time.Hour),
	)
	if err != nil {
		log.Fatalf("Failed to create permission manager: %v", err)
	}
	log.Println("✅ PermissionManager created")

	router, err := mailbox.NewRouter(
		mailbox.WithRouterComponents(mailboxes, permissions, subscriptions, realtime, offline),
		mailbox.WithRouterLogger(logger),
		mailbox.WithRouterNotifier(notificationService),
		mailbox.WithRouterIntervals(
			time.Duration(cfg.Routing.RetryIntervalSecs)*time.Second,
			mailbox.DefaultConfirmationCleanup,
		),
	)
	if err != nil {
		log.Fatalf("Failed to create router: %v", err)
	}
	log.Println("✅ Router created")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Auth.OpenPermissions {
		_, err := permissions.Grant(ctx, model.NewPermission("*", "*",
			model.ActionRead, model.ActionWrite, model.ActionSubscribe))
		if err != nil {
			log.Fatalf("Failed to bootstrap permissions: %v", err)
		}
		log.Println("⚠️  Open permissions enabled: every participant has full access")
	}

	// Rebuild subscription records from the store, then start the
	// background loops.
	restored, err := subscriptions.Restore(ctx)
	if err != nil {
		log.Fatalf("Failed to restore subscriptions: %v", err)
	}
	log.Printf("🔄 Restored %d subscriptions", restored)

	subscriptions.Start(ctx)
	offline.Start(ctx)
	router.Start(ctx)

	handler := api.NewHandler(router, permissions, subscriptions, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth", handler.HandleAuth)
	mux.HandleFunc("/api/v1/messages", handler.HandleSend)
	mux.HandleFunc("/api/v1/messages/", handler.HandleMessageStatus) // Note trailing slash for :id
	mux.HandleFunc("/api/v1/subscriptions", handler.HandleSubscribe)
	mux.HandleFunc("/api/v1/subscriptions/", handler.HandleUnsubscribe) // Note trailing slash for :id
	mux.HandleFunc("/api/v1/mailboxes/", handler.HandleQueryMessages)
	mux.HandleFunc("/api/v1/unread", handler.HandleUnreadCount)
	mux.HandleFunc("/api/v1/heartbeat", handler.HandleHeartbeat)
	mux.HandleFunc("/api/v1/health", handler.HandleHealth)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      loggingMiddleware(mux, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("🌐 HTTP server listening on %s", addr)
		log.Println("📡 API Endpoints:")
		log.Println("   POST   /api/v1/auth")
		log.Println("   POST   /api/v1/messages")
		log.Println("   GET    /api/v1/messages/:id/status")
		log.Println("   POST   /api/v1/messages/:id/confirm")
		log.Println("   DELETE /api/v1/messages/:id/retry")
		log.Println("   POST   /api/v1/subscriptions")
		log.Println("   GET    /api/v1/subscriptions")
		log.Println("   DELETE /api/v1/subscriptions/:id")
		log.Println("   GET    /api/v1/mailboxes/:name/messages")
		log.Println("   GET    /api/v1/unread")
		log.Println("   POST   /api/v1/heartbeat")
		log.Println("   GET    /api/v1/health")
		log.Println()
		log.Println("✅ Mailbox Server is ready!")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	router.Stop()
	subscriptions.Stop()
	offline.Stop()
	cancel()
	log.Println("✅ Server stopped gracefully")
}

// loggingMiddleware logs HTTP requests.
func loggingMiddleware(next http.Handler, logger mailbox.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		logger.Infof("%s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
		logger.Debugf("%s %s - %v", r.Method, r.URL.Path, time.Since(start))
	})
}
