package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/soulchat/chat-server/internal/bot"
	"github.com/soulchat/chat-server/internal/gateway"
	"github.com/soulchat/chat-server/internal/history"
	"github.com/soulchat/chat-server/internal/httpapi"
	"github.com/soulchat/chat-server/internal/message"
	"github.com/soulchat/chat-server/internal/messaging"
	"github.com/soulchat/chat-server/internal/presence"
	"github.com/soulchat/chat-server/internal/ratelimit"
	"github.com/soulchat/chat-server/internal/router"
	"github.com/soulchat/chat-server/internal/session"
	"github.com/soulchat/chat-server/internal/upload"
	"github.com/soulchat/chat-server/internal/ws"
)

func main() {
	if err := godotenv.Load(); err == nil {
		log.Printf("loaded environment from .env")
	}

	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
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

	apiConfig := httpapi.DefaultConfig()
	if v, ok := os.LookupEnv("CORS_ORIGIN"); ok {
		apiConfig.CORSOrigin = v
	}

	uploadDir := "uploads"
	if v := os.Getenv("UPLOAD_DIR"); v != "" {
		uploadDir = v
	}
	var uploadMax int64 = 10 << 20
	if v := os.Getenv("UPLOAD_MAX_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			uploadMax = n
		}
	}

	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "chat-1"
	}

	// --- Message store ---
	var store message.Store
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		pg, err := message.OpenPostgres(ctx, databaseURL)
		cancel()
		if err != nil {
			log.Fatalf("failed to open message store: %v", err)
		}
		store = pg
	} else {
		store = message.NewMemoryStore()
	}

	// --- Redis (session mirror + rate limits) ---
	var (
		sessions *session.Store
		limiter  *ratelimit.Limiter
	)
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr != "" {
		var err error
		sessions, err = session.NewStore(redisAddr, serverName)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		limiter = ratelimit.NewLimiter(sessions.Client())
	}

	// --- Bot ---
	botConfig := bot.DefaultConfig()
	if v := os.Getenv("BOT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			botConfig.Timeout = d
		}
	}
	botMode := os.Getenv("BOT_MODE")
	if botMode == "" {
		botMode = "local"
	}

	var (
		completer  bot.Completer
		natsClient *messaging.NATSClient
		natsConfig = messaging.DefaultNATSConfig()
	)
	switch botMode {
	case "local":
		if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
			completer = bot.NewAnthropicCompleter(key, os.Getenv("BOT_MODEL"))
		} else {
			log.Printf("ANTHROPIC_API_KEY not set, bot replies use the fallback text")
		}
	case "remote":
		if v := os.Getenv("NATS_URL"); v != "" {
			natsConfig.URL = v
		}
		natsConfig.Name = "soulchat-" + serverName
		var err error
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		completer = bot.NewRemoteCompleter(natsClient)
	case "off":
	default:
		log.Fatalf("unknown BOT_MODE %q (want local, remote or off)", botMode)
	}

	uploads, err := upload.NewStore(uploadDir, uploadMax)
	if err != nil {
		log.Fatalf("failed to prepare upload dir: %v", err)
	}

	log.Printf("SOUL chat server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  store:           %s", storeKind(databaseURL))
	log.Printf("  redis_addr:      %s", orNone(redisAddr))
	log.Printf("  bot_mode:        %s", botMode)
	if natsClient != nil {
		log.Printf("  nats_url:        %s", natsConfig.URL)
	}
	log.Printf("  upload_dir:      %s", uploadDir)
	log.Printf("  server_name:     %s", serverName)

	registry := presence.NewRegistry()
	service := history.NewService(store, bot.NewResponder(completer, botConfig))
	api := httpapi.NewServer(apiConfig, service, uploads, limiter)

	dispatcher := ws.NewMessageDispatcher()
	server := ws.NewServer(config, dispatcher.Dispatch)
	server.SetLimiter(limiter)
	gateway.New(registry, router.New(registry), sessions, limiter).Attach(server, dispatcher)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		registry.Clear()
		if natsClient != nil {
			natsClient.Close()
		}
		if sessions != nil {
			if err := sessions.Close(); err != nil {
				log.Printf("session store close error: %v", err)
			}
		}
		if err := store.Close(); err != nil {
			log.Printf("message store close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(api.Handler()); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func storeKind(databaseURL string) string {
	if databaseURL == "" {
		return "memory"
	}
	return "postgres"
}

func orNone(v string) string {
	if v == "" {
		return "(none)"
	}
	return v
}
