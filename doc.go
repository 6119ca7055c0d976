// Package mailbox provides a production-ready inter-agent mailbox and
// message-routing library for Go, with persistent mailboxes, wildcard
// subscriptions, realtime push delivery, offline queueing, and tracked
// delivery confirmations.
//
// Works both as a library for embedding in your application AND as a
// standalone microservice with REST API.
//
// # Features
//
//   - Persistent Mailboxes with per-mailbox size and message-count limits
//   - Direct, Broadcast, and Topic addressing modes
//   - Wildcard Subscriptions: "orders.*" matches one segment, "orders.**" any depth
//   - Realtime Push Delivery to connected participants with bounded handler timeouts
//   - Offline Queueing with per-subscription queue caps and replay on reconnect
//   - Read Tracking: per-participant unread counts and since-last-read queries
//   - Delivery Confirmations with exponential backoff retry and jitter
//   - Permission System: longest-match grants, roles, token auth, audit trail
//   - Repository Pattern for clean data access abstraction
//   - Options Pattern for modern Go API design
//   - Pluggable architecture: bring your own Logger, Store, NotificationService
//   - Backing Store adapters: in-memory and Redis, plus a circuit-breaker wrapper
//   - Multi-Database Support for permissions: MySQL, PostgreSQL, SQLite via Relica adapters
//   - Embedded Migrations for easy database setup
//   - Cloud Native: 12-factor app, ENV config, health checks
//
// # Quick Start
//
// # Option 1: As Embedded Library
//
// Create the components against an in-memory store:
//
//	import (
//	    "github.com/coregx/mailbox"
//	    "github.com/coregx/mailbox/adapters/memory"
//	    "github.com/coregx/mailbox/model"
//	)
//
//	store := memory.NewStore()
//
//	mailboxes, _ := mailbox.NewMailboxStore(
//	    mailbox.WithMailboxStoreBackend(store),
//	    mailbox.WithMailboxStoreLogger(logger),
//	)
//	offline, _ := mailbox.NewOfflineHandler(
//	    mailbox.WithOfflineStore(store),
//	    mailbox.WithOfflineLoader(mailboxes),
//	    mailbox.WithOfflineLogger(logger),
//	)
//	subscriptions, _ := mailbox.NewSubscriptionManager(
//	    mailbox.WithSubscriptionStore(store),
//	    mailbox.WithSubscriptionOfflineQueue(offline),
//	    mailbox.WithSubscriptionLogger(logger),
//	)
//	realtime, _ := mailbox.NewRealtimeDelivery(
//	    mailbox.WithRealtimeSource(subscriptions),
//	    mailbox.WithRealtimeStore(store),
//	    mailbox.WithRealtimeLogger(logger),
//	)
//	subscriptions.SetChangeListener(realtime.InvalidatePatterns)
//
//	permissions, _ := mailbox.NewPermissionManager(
//	    mailbox.WithPermissionRepositories(memory.NewPermissionRepository(), memory.NewAuditRepository()),
//	    mailbox.WithPermissionStore(store),
//	    mailbox.WithPermissionVerifier(verifier),
//	    mailbox.WithPermissionLogger(logger),
//	)
//
//	router, _ := mailbox.NewRouter(
//	    mailbox.WithRouterComponents(mailboxes, permissions, subscriptions, realtime, offline),
//	    mailbox.WithRouterLogger(logger),
//	)
//
// Subscribe and send:
//
//	sub, _ := router.Subscribe(ctx, mailbox.SubscribeRequest{
//	    Participant: "agent-b",
//	    Target:      "agent-b.inbox",
//	    Mode:        model.DeliveryRealtime,
//	})
//	subscriptions.RegisterDeliveryHandler("agent-b", handler)
//
//	msg := model.NewMessage("agent-a", "agent-b.inbox", model.ModeDirect, payload)
//	result, _ := router.Route(ctx, msg)
//
// # Option 2: As Standalone Service
//
// Run the standalone mailbox server:
//
//	go run ./cmd/mailbox-server -config config.yaml
//
// Access REST API at http://localhost:8080:
//
//	# Authenticate
//	curl -X POST http://localhost:8080/api/v1/auth \
//	  -H "Content-Type: application/json" \
//	  -d '{"participant":"agent-a","secret":"secret-a"}'
//
//	# Send message (payload is base64)
//	curl -X POST http://localhost:8080/api/v1/messages \
//	  -H "Authorization: Bearer <token>" \
//	  -H "Content-Type: application/json" \
//	  -d '{"target":"agent-b.inbox","mode":"DIRECT","payload":"aGVsbG8="}'
//
//	# Health check
//	curl http://localhost:8080/api/v1/health
//
// # Architecture
//
// The library follows Clean Architecture and Domain-Driven Design principles:
//
//	┌─────────────────────────────────────┐
//	│         Application Layer           │
//	│  (Router, SubscriptionManager,      │
//	│   PermissionManager, REST API)      │
//	└─────────────┬───────────────────────┘
//	              │
//	┌─────────────▼───────────────────────┐
//	│         Domain Layer                │
//	│  (Rich models with business logic)  │
//	└─────────────┬───────────────────────┘
//	              │
//	┌─────────────▼───────────────────────┐
//	│       Store + Relica Adapters       │
//	│  (Memory, Redis, SQL repositories)  │
//	└─────────────┬───────────────────────┘
//	              │
//	┌─────────────▼───────────────────────┐
//	│   Backing Store (Memory/Redis) +    │
//	│   Database (MySQL/PostgreSQL/       │
//	│             SQLite)                 │
//	└─────────────────────────────────────┘
//
// Key principles:
//   - Domain models contain business logic (Message.IsExpired, Mailbox.CanFit, etc.)
//   - Repository Pattern abstracts permission and audit persistence
//   - Dependency Inversion via interfaces (Logger, Store, NotificationService)
//   - Options Pattern for service configuration
//
// # Message Flow
//
//  1. ROUTE
//     Router → validate + authorize → append to mailbox
//     → match live subscriptions (exact + wildcard)
//     → push to connected subscribers in parallel
//
//  2. OFFLINE
//     Unreachable subscribers → offline queue (per-subscription cap)
//     → replay in order on reconnect
//     → unread tracking survives replay
//
//  3. CONFIRMATION (optional, per message)
//     Tracked delivery → retry with exponential backoff and jitter
//     → terminal FAILED after max attempts, with notification hook
//
// # Retry Strategy
//
// Failed tracked deliveries are retried with exponential backoff and jitter:
//
//	Attempt 1: Immediate
//	Attempt 2: +1 second (±20% jitter)
//	Attempt 3: +2 seconds (±20% jitter)
//
// After 3 failed attempts the confirmation is marked FAILED and reported via
// the NotificationService.
//
// # Database Schema
//
// Permission persistence requires 2 database tables (created via embedded
// migrations):
//
//	mailbox_permission    - Permission grants (subject, resource, actions)
//	mailbox_audit         - Audit trail of permission checks
//
// Supports MySQL, PostgreSQL, and SQLite via Relica adapters.
// Table prefix can be customized (default: "mailbox_").
//
// Mailboxes, messages, queues, and subscriptions live in the backing Store
// (memory or Redis), not in SQL.
//
// # Examples
//
// See the examples/ directory for complete working examples.
//
// For detailed documentation, see README.md and pkg.go.dev.
package mailbox
