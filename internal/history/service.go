// Package history is the request/response side of chat: it reads and
// mutates the durable message log independently of whether the other
// participant is online.
package history

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/soulchat/chat-server/internal/bot"
	"github.com/soulchat/chat-server/internal/message"
	"github.com/soulchat/chat-server/internal/metrics"
)

// View is a message projected for one participant. Participant and sender
// identities are replaced by FromSelf.
type View struct {
	ID        string             `json:"_id"`
	FromSelf  bool               `json:"fromSelf"`
	Message   string             `json:"message"`
	File      string             `json:"file,omitempty"`
	Filename  string             `json:"filename,omitempty"`
	Mimetype  string             `json:"mimetype,omitempty"`
	Seen      bool               `json:"seen"`
	CreatedAt time.Time          `json:"createdAt"`
	Reactions []message.Reaction `json:"reactions"`
}

// Receipt is the result of AppendMessage.
type Receipt struct {
	MessageID string
	CreatedAt time.Time

	// BotReply is set when the recipient is the bot. It holds the reply
	// text or bot.FallbackReply.
	BotReply string
	HasReply bool
}

// Service implements the history and mutation operations.
type Service struct {
	store     message.Store
	responder *bot.Responder
}

// NewService creates a Service. A nil responder answers every bot message
// with the fallback reply.
func NewService(store message.Store, responder *bot.Responder) *Service {
	if responder == nil {
		responder = bot.NewResponder(nil, bot.DefaultConfig())
	}
	return &Service{store: store, responder: responder}
}

// FetchConversation returns every message between requester and other,
// oldest first, projected for requester.
func (s *Service) FetchConversation(ctx context.Context, requester, other string) ([]View, error) {
	if requester == "" || other == "" {
		return nil, errValidation("from and to are required", nil)
	}

	msgs, err := s.store.Conversation(ctx, requester, other)
	if err != nil {
		log.Printf("[history] fetch %s<->%s: %v", requester, other, err)
		return nil, errInternal(err)
	}

	out := make([]View, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, project(m, requester))
	}
	return out, nil
}

func project(m *message.Message, viewer string) View {
	v := View{
		ID:        m.ID,
		FromSelf:  m.Sender == viewer,
		Message:   m.Body.Text,
		Seen:      m.Seen,
		CreatedAt: m.CreatedAt,
		Reactions: m.Reactions,
	}
	if m.Body.File != nil {
		v.File = m.Body.File.URL
		v.Filename = m.Body.File.Filename
		v.Mimetype = m.Body.File.Mimetype
	}
	if v.Reactions == nil {
		v.Reactions = []message.Reaction{}
	}
	return v
}

// MarkSeen flags every message that `to` sent to `from` as seen. It returns
// how many messages changed; calling it again returns 0.
func (s *Service) MarkSeen(ctx context.Context, from, to string) (int64, error) {
	if from == "" || to == "" {
		return 0, errValidation("from and to are required", nil)
	}

	n, err := s.store.MarkSeen(ctx, from, to)
	if err != nil {
		log.Printf("[history] mark seen %s<-%s: %v", from, to, err)
		return 0, errInternal(err)
	}
	return n, nil
}

// AppendMessage stores a message from `from` to `to`. Messages to the bot
// also produce and store the bot's reply, which is returned in the receipt.
func (s *Service) AppendMessage(ctx context.Context, from, to string, body message.Body) (Receipt, error) {
	if from == "" || to == "" {
		return Receipt{}, errValidation("from and to are required", nil)
	}
	if from == bot.ID {
		return Receipt{}, errForbidden("Cannot send as the assistant")
	}
	if err := message.ValidateBody(body); err != nil {
		return Receipt{}, classify(err)
	}

	return s.deliveryFor(to).deliver(ctx, s, message.New(from, to, body))
}

// DeleteMessage permanently removes a message. Only its sender may do so.
func (s *Service) DeleteMessage(ctx context.Context, messageID, requester string) error {
	if messageID == "" || requester == "" {
		return errValidation("messageId and userId are required", nil)
	}

	if err := s.store.Delete(ctx, messageID, requester); err != nil {
		e := classify(err)
		if e.Code == CodeInternal {
			log.Printf("[history] delete %s: %v", messageID, err)
		}
		return e
	}
	log.Printf("[history] message %s deleted by %s", messageID, requester)
	return nil
}

// ReactToMessage sets user's reaction on a message to emoji, replacing any
// earlier one. An empty emoji removes it. The message's full reaction set
// is returned.
func (s *Service) ReactToMessage(ctx context.Context, messageID, user, emoji string) ([]message.Reaction, error) {
	if messageID == "" || user == "" {
		return nil, errValidation("messageId and userId are required", nil)
	}

	reactions, err := s.store.React(ctx, messageID, user, strings.TrimSpace(emoji))
	if err != nil {
		e := classify(err)
		if e.Code == CodeInternal {
			log.Printf("[history] react %s: %v", messageID, err)
		}
		return nil, e
	}
	return reactions, nil
}

func (s *Service) persist(ctx context.Context, m *message.Message, kind string) error {
	if err := s.store.Append(ctx, m); err != nil {
		log.Printf("[history] append %s->%s: %v", m.Sender, m.Recipient(), err)
		return errInternal(err)
	}
	metrics.MessagesTotal.WithLabelValues(kind).Inc()
	return nil
}
