// Package bot answers messages addressed to the built-in assistant contact.
// A Responder turns user text into a prompt, asks a Completer for the
// continuation and always returns something printable: failures of the
// completion service degrade to FallbackReply.
package bot

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/soulchat/chat-server/internal/metrics"
)

const (
	// ID is the user identity of the assistant contact.
	ID = "SOUL_BOT"

	// FallbackReply is returned whenever the completion service fails.
	FallbackReply = "Sorry, I couldn't process that."

	// TurnMarker prefixes user turns in the prompt and stops generation.
	TurnMarker = "User:"
)

// Request is one completion call.
type Request struct {
	Prompt      string   `json:"prompt"`
	MaxTokens   int64    `json:"max_tokens"`
	Temperature float64  `json:"temperature"`
	Stop        []string `json:"stop,omitempty"`
}

// Completer is the external text-completion service.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Config holds Responder settings.
type Config struct {
	Persona     string        // instruction placed before the user turn
	MaxTokens   int64         // bound on generated output
	Temperature float64       // sampling temperature
	Timeout     time.Duration // wait bound for one completion
}

// DefaultConfig returns the assistant's stock settings.
func DefaultConfig() Config {
	return Config{
		Persona:     "You are SOUL, a helpful AI chat assistant.",
		MaxTokens:   80,
		Temperature: 0.7,
		Timeout:     15 * time.Second,
	}
}

// Responder produces bot replies. A nil Completer makes every reply the
// fallback.
type Responder struct {
	completer Completer
	config    Config
}

// NewResponder creates a Responder.
func NewResponder(completer Completer, config Config) *Responder {
	return &Responder{completer: completer, config: config}
}

// Prompt builds the completion prompt for text.
func (r *Responder) Prompt(text string) string {
	return r.config.Persona + " " + TurnMarker + " " + text + "\nAI:"
}

// Reply returns the assistant's answer to text. It never fails.
func (r *Responder) Reply(ctx context.Context, text string) string {
	if r.completer == nil {
		metrics.BotRequests.WithLabelValues("disabled").Inc()
		return FallbackReply
	}

	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := r.completer.Complete(ctx, Request{
		Prompt:      r.Prompt(text),
		MaxTokens:   r.config.MaxTokens,
		Temperature: r.config.Temperature,
		Stop:        []string{TurnMarker},
	})
	metrics.BotLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		outcome := "error"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			outcome = "timeout"
		}
		log.Printf("[bot] completion failed (%s): %v", outcome, err)
		metrics.BotRequests.WithLabelValues(outcome).Inc()
		return FallbackReply
	}

	reply := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(out), TurnMarker))
	if reply == "" {
		log.Printf("[bot] completion returned no text")
		metrics.BotRequests.WithLabelValues("empty").Inc()
		return FallbackReply
	}

	metrics.BotRequests.WithLabelValues("ok").Inc()
	return reply
}
