package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/soulchat/chat-server/internal/messaging"
)

// Requester sends one request and waits for its reply.
// *messaging.NATSClient satisfies it.
type Requester interface {
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
}

// completionReply is the wire form of a worker's answer.
type completionReply struct {
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

// RemoteCompleter forwards completions to a bot worker over NATS.
type RemoteCompleter struct {
	requester Requester
	subject   string
}

// NewRemoteCompleter creates a completer that sends requests on
// messaging.SubjectBotComplete.
func NewRemoteCompleter(requester Requester) *RemoteCompleter {
	return &RemoteCompleter{requester: requester, subject: messaging.SubjectBotComplete}
}

// Complete implements Completer.
func (c *RemoteCompleter) Complete(ctx context.Context, req Request) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("bot: marshal request: %w", err)
	}

	raw, err := c.requester.Request(ctx, c.subject, data)
	if err != nil {
		return "", fmt.Errorf("bot: remote completion: %w", err)
	}

	var reply completionReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return "", fmt.Errorf("bot: malformed worker reply: %w", err)
	}
	if reply.Error != "" {
		return "", fmt.Errorf("bot: worker: %s", reply.Error)
	}
	return reply.Text, nil
}

// Worker answers remote completion requests with a local Completer.
type Worker struct {
	completer Completer
	timeout   time.Duration
}

// NewWorker creates a Worker. timeout bounds each completion; zero means
// no bound beyond the requester's own.
func NewWorker(completer Completer, timeout time.Duration) *Worker {
	return &Worker{completer: completer, timeout: timeout}
}

// Serve registers the worker in the bot queue group on client.
func (w *Worker) Serve(client *messaging.NATSClient) error {
	return client.ServeRequests(messaging.SubjectBotComplete, messaging.QueueBotWorkers, w.Handle)
}

// Handle decodes one request, runs it and encodes the reply. Failures are
// reported in the reply so the requester does not wait out its timeout.
func (w *Worker) Handle(data []byte) []byte {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		log.Printf("[botworker] bad request: %v", err)
		return encodeReply(completionReply{Error: "invalid request"})
	}
	if req.Prompt == "" {
		return encodeReply(completionReply{Error: "empty prompt"})
	}

	ctx := context.Background()
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	text, err := w.completer.Complete(ctx, req)
	if err != nil {
		log.Printf("[botworker] completion failed: %v", err)
		msg := "completion failed"
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "completion timed out"
		}
		return encodeReply(completionReply{Error: msg})
	}
	return encodeReply(completionReply{Text: text})
}

func encodeReply(r completionReply) []byte {
	data, err := json.Marshal(r)
	if err != nil {
		return []byte(`{"error":"encode failed"}`)
	}
	return data
}
