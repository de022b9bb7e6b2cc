package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/soulchat/chat-server/internal/bot"
	"github.com/soulchat/chat-server/internal/messaging"
)

func main() {
	_ = godotenv.Load()
	log.Println("Starting SOUL bot worker...")

	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		log.Fatalf("ANTHROPIC_API_KEY is required")
	}
	model := os.Getenv("BOT_MODEL")

	timeout := bot.DefaultConfig().Timeout
	if v := os.Getenv("BOT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			timeout = d
		}
	}

	// NATS setup.
	natsConfig := messaging.DefaultNATSConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsConfig.Name = "soulchat-botworker"

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	worker := bot.NewWorker(bot.NewAnthropicCompleter(apiKey, model), timeout)
	if err := worker.Serve(natsClient); err != nil {
		log.Fatalf("failed to subscribe to %s: %v", messaging.SubjectBotComplete, err)
	}

	log.Printf("SOUL bot worker running")
	log.Printf("  nats_url: %s", natsConfig.URL)
	log.Printf("  subject:  %s (queue %s)", messaging.SubjectBotComplete, messaging.QueueBotWorkers)
	log.Printf("  model:    %s", orDefault(model))
	log.Printf("  timeout:  %s", timeout)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	natsClient.Close()
}

func orDefault(model string) string {
	if model == "" {
		return "(default)"
	}
	return model
}
