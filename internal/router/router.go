// Package router forwards live chat events to the addressed user's current
// connection. Delivery is best effort: when the recipient is offline or the
// write fails the event is dropped and the sender is not told.
package router

import (
	"log"
	"time"

	"github.com/soulchat/chat-server/internal/metrics"
	"github.com/soulchat/chat-server/internal/presence"
	"github.com/soulchat/chat-server/internal/protocol"
)

// Router fans events out over a presence registry. It holds no state of
// its own.
type Router struct {
	registry *presence.Registry
	now      func() time.Time
}

// New creates a Router bound to registry.
func New(registry *presence.Registry) *Router {
	return &Router{registry: registry, now: time.Now}
}

// Message forwards a chat message to `to` as msg-recieve.
func (r *Router) Message(from, to string, content protocol.Content) bool {
	return r.deliver(to, protocol.TypeMsgRecieve, protocol.MsgRecieveMsg{
		From:    from,
		Content: content,
		Ts:      r.now().Unix(),
	})
}

// Typing tells `to` that `from` started typing.
func (r *Router) Typing(from, to string) bool {
	return r.deliver(to, protocol.TypeTyping, protocol.TypingMsg{To: to, From: from})
}

// StopTyping tells `to` that `from` stopped typing.
func (r *Router) StopTyping(from, to string) bool {
	return r.deliver(to, protocol.TypeStopTyping, protocol.TypingMsg{To: to, From: from})
}

// Seen tells `to` that `from` has observed messageID. Advisory only; the
// stored seen flag is set through the history service.
func (r *Router) Seen(from, to, messageID string) bool {
	return r.deliver(to, protocol.TypeMessageSeen, protocol.MessageSeenMsg{
		To:        to,
		From:      from,
		MessageID: messageID,
	})
}

// ReactionUpdated pushes the current reaction set of messageID to `to`.
func (r *Router) ReactionUpdated(to, messageID string, reactions []protocol.ReactionEntry) bool {
	if reactions == nil {
		reactions = []protocol.ReactionEntry{}
	}
	return r.deliver(to, protocol.TypeReactionUpdated, protocol.ReactionUpdatedMsg{
		To:        to,
		MessageID: messageID,
		Reactions: reactions,
	})
}

func (r *Router) deliver(to, msgType string, payload interface{}) bool {
	if to == "" {
		metrics.DeliveriesTotal.WithLabelValues(msgType, "dropped").Inc()
		return false
	}

	h, ok := r.registry.Lookup(to)
	if !ok {
		log.Printf("[router] %s to=%s dropped: recipient offline", msgType, to)
		metrics.DeliveriesTotal.WithLabelValues(msgType, "dropped").Inc()
		return false
	}

	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[router] %s to=%s build failed: %v", msgType, to, err)
		metrics.DeliveriesTotal.WithLabelValues(msgType, "failed").Inc()
		return false
	}

	if err := h.WriteMessage(data); err != nil {
		log.Printf("[router] %s to=%s conn=%s write failed: %v", msgType, to, h.ConnID(), err)
		metrics.DeliveriesTotal.WithLabelValues(msgType, "failed").Inc()
		return false
	}

	metrics.DeliveriesTotal.WithLabelValues(msgType, "delivered").Inc()
	return true
}
