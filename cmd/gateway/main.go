package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/commune/realtime/internal/auth"
	"github.com/commune/realtime/internal/broadcast"
	"github.com/commune/realtime/internal/channel"
	"github.com/commune/realtime/internal/gateway"
	"github.com/commune/realtime/internal/messaging"
	"github.com/commune/realtime/internal/metrics"
	"github.com/commune/realtime/internal/presence"
	"github.com/commune/realtime/internal/ratelimit"
	"github.com/commune/realtime/internal/rest"
	"github.com/commune/realtime/internal/session"
	"github.com/commune/realtime/internal/store"
	"github.com/commune/realtime/internal/ws"
)

func main() {
	config := ws.DefaultServerConfig()

	listenAddr := ":8080"
	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		listenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "gw-1"
	}

	// --- Auth ---
	secret := os.Getenv("AUTH_SECRET")
	if secret == "" {
		log.Fatal("AUTH_SECRET is required")
	}
	authn := auth.NewJWTAuthenticator([]byte(secret))

	// --- Persistence: Postgres when configured, in-memory otherwise ---
	var recordStore store.Store
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL != "" {
		pg, err := store.NewPostgresStore(dbURL)
		if err != nil {
			log.Fatalf("failed to open postgres: %v", err)
		}
		defer pg.Close()
		recordStore = pg
	} else {
		log.Printf("DATABASE_URL not set, using in-memory store (records are lost on restart)")
		recordStore = store.NewMemoryStore()
	}

	// --- Redis: sessions and rate limiting, optional ---
	var sessionStore *session.Store
	var limiter *ratelimit.Limiter
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr != "" {
		var err error
		sessionStore, err = session.NewStore(redisAddr, serverName)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		limiter = ratelimit.NewLimiter(sessionStore.Client())
	} else {
		log.Printf("REDIS_ADDR not set, sessions and rate limiting disabled")
	}

	// --- NATS backplane, optional ---
	var natsClient *messaging.NATSClient
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = natsURL
		natsConfig.Name = serverName

		var err error
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
	} else {
		log.Printf("NATS_URL not set, running single-instance without a backplane")
	}

	log.Printf("realtime gateway starting")
	log.Printf("  listen_addr:     %s", listenAddr)
	log.Printf("  server_name:     %s", serverName)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)

	// --- Core wiring ---
	server := ws.NewServer(config, authn)
	if sessionStore != nil {
		server.SetSessionStore(sessionStore)
	}
	if limiter != nil {
		server.SetConnectGate(func(ctx context.Context, remoteAddr string) bool {
			ok, _ := limiter.Allow(ctx, remoteAddr, ratelimit.RuleConnect)
			return ok
		})
	}

	registry := channel.NewRegistry()
	tracker := presence.NewTracker()
	dispatcher := broadcast.NewDispatcher(registry, server, serverName)
	if natsClient != nil {
		if err := dispatcher.AttachBackplane(natsClient); err != nil {
			log.Fatalf("failed to attach backplane: %v", err)
		}
	}

	gw := gateway.New(registry, tracker, recordStore, dispatcher)
	if limiter != nil {
		gw.SetRateLimiter(limiter)
	}

	verbs := ws.NewVerbDispatcher()
	gw.Bind(verbs)
	server.SetOnMessage(verbs.Dispatch)
	server.SetOnConnect(func(c *ws.Connection) { gw.OnConnect(c) })
	server.SetOnDisconnect(func(c *ws.Connection) { gw.OnDisconnect(c) })

	if err := server.Start(); err != nil {
		log.Fatalf("failed to start gateway: %v", err)
	}

	// --- HTTP surface ---
	router := chi.NewRouter()
	router.Get("/ws", server.HandleUpgrade)
	router.Get("/health", server.HandleHealth)
	router.Handle("/metrics", metrics.Handler())
	api := rest.NewAPI(gw, authn)
	if limiter != nil {
		api.SetRateLimiter(limiter)
	}
	router.Mount("/api", api.Routes())

	httpServer := &http.Server{
		Addr:    listenAddr,
		Handler: router,
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Printf("http shutdown error: %v", err)
		}
		if err := server.Shutdown(); err != nil {
			log.Printf("gateway shutdown error: %v", err)
		}
		if natsClient != nil {
			natsClient.Close()
		}
		if sessionStore != nil {
			if err := sessionStore.Close(); err != nil {
				log.Printf("session store close error: %v", err)
			}
		}
	}()

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("http server error: %v", err)
	}
}
