package history

import (
	"context"
	"log"

	"github.com/soulchat/chat-server/internal/bot"
	"github.com/soulchat/chat-server/internal/message"
)

// Delivery is how an appended message reaches its recipient. The variant
// is chosen from the recipient identity alone.
type Delivery interface {
	deliver(ctx context.Context, s *Service, m *message.Message) (Receipt, error)
}

// PeerDelivery stores the message and returns. The live copy travels
// separately through the router while the recipient is connected.
type PeerDelivery struct{}

// BotDelivery stores the user's message, asks the responder for a reply,
// then stores the reply. The writes happen in that order; the user's
// message stays stored when the reply write fails.
type BotDelivery struct{}

func (s *Service) deliveryFor(to string) Delivery {
	if to == bot.ID {
		return BotDelivery{}
	}
	return PeerDelivery{}
}

func (PeerDelivery) deliver(ctx context.Context, s *Service, m *message.Message) (Receipt, error) {
	if err := s.persist(ctx, m, m.Body.Kind()); err != nil {
		return Receipt{}, err
	}
	return Receipt{MessageID: m.ID, CreatedAt: m.CreatedAt}, nil
}

func (BotDelivery) deliver(ctx context.Context, s *Service, m *message.Message) (Receipt, error) {
	if err := s.persist(ctx, m, m.Body.Kind()); err != nil {
		return Receipt{}, err
	}

	// A stored user message always gets its reply, caller or not. The
	// responder's timeout bounds the call.
	ctx = context.WithoutCancel(ctx)

	text := m.Body.Text
	if m.Body.File != nil {
		text = m.Body.File.Filename
	}
	reply := s.responder.Reply(ctx, text)

	answer := message.New(bot.ID, m.Sender, message.Body{Text: reply})
	if err := s.persist(ctx, answer, "bot_reply"); err != nil {
		log.Printf("[history] bot reply for %s not stored", m.ID)
		return Receipt{}, err
	}

	return Receipt{
		MessageID: m.ID,
		CreatedAt: m.CreatedAt,
		BotReply:  reply,
		HasReply:  true,
	}, nil
}
