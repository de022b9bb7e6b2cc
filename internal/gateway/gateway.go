// Package gateway binds socket events to presence and routing: it announces
// users into the registry, unbinds them on disconnect and forwards every
// peer-addressed event through the router.
package gateway

import (
	"context"
	"log"
	"time"

	"github.com/soulchat/chat-server/internal/message"
	"github.com/soulchat/chat-server/internal/metrics"
	"github.com/soulchat/chat-server/internal/presence"
	"github.com/soulchat/chat-server/internal/protocol"
	"github.com/soulchat/chat-server/internal/ratelimit"
	"github.com/soulchat/chat-server/internal/router"
	"github.com/soulchat/chat-server/internal/session"
	"github.com/soulchat/chat-server/internal/ws"
)

const mirrorTimeout = 3 * time.Second

// Gateway holds the per-process collaborators of the socket handlers.
// Sessions and limiter may be nil.
type Gateway struct {
	registry *presence.Registry
	router   *router.Router
	sessions *session.Store
	limiter  *ratelimit.Limiter
}

// New creates a Gateway.
func New(registry *presence.Registry, rt *router.Router, sessions *session.Store, limiter *ratelimit.Limiter) *Gateway {
	return &Gateway{registry: registry, router: rt, sessions: sessions, limiter: limiter}
}

// Attach registers the event handlers on d and the lifecycle hooks on srv.
func (g *Gateway) Attach(srv *ws.Server, d *ws.MessageDispatcher) {
	srv.SetOnConnect(g.onConnect)
	srv.SetOnDisconnect(g.onDisconnect)
	srv.SetOnHeartbeat(g.onHeartbeat)

	// -----------------------------------------------------------------------
	// add-user: bind the connection to a user identity
	// -----------------------------------------------------------------------
	d.Register(protocol.TypeAddUser, func(c *ws.Connection, msg interface{}) {
		m := msg.(protocol.AddUserMsg)
		if m.UserID == "" {
			d.SendError(c, "invalid_user", "userId is required")
			return
		}

		c.SetUserID(m.UserID)
		if displaced := g.registry.Announce(c, m.UserID); displaced != nil {
			log.Printf("[gateway] user=%s moved from conn=%s to conn=%s", m.UserID, displaced.ConnID(), c.ID)
		} else {
			log.Printf("[gateway] user=%s online conn=%s", m.UserID, c.ID)
		}
		metrics.OnlineUsers.Set(float64(g.registry.Count()))

		if g.sessions != nil {
			ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
			defer cancel()
			if err := g.sessions.Bind(ctx, c.ID, m.UserID); err != nil {
				log.Printf("[gateway] session bind failed conn=%s: %v", c.ID, err)
			}
		}
	})

	// -----------------------------------------------------------------------
	// send-msg: live copy of a chat message
	// -----------------------------------------------------------------------
	d.Register(protocol.TypeSendMsg, func(c *ws.Connection, msg interface{}) {
		m := msg.(protocol.SendMsg)
		from := sender(c, m.From)
		if from == "" || m.To == "" {
			d.SendError(c, "invalid_message", "to and from are required")
			return
		}

		if err := message.ValidateBody(contentBody(m.Content)); err != nil {
			d.SendError(c, "invalid_message", "message must carry text or a complete file")
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		ok, _ := g.limiter.Allow(ctx, from, ratelimit.RuleLive)
		cancel()
		if !ok {
			d.SendError(c, "rate_limited", "too many messages, slow down")
			return
		}

		g.router.Message(from, m.To, m.Content)
	})

	// -----------------------------------------------------------------------
	// typing / stop-typing
	// -----------------------------------------------------------------------
	d.Register(protocol.TypeTyping, func(c *ws.Connection, msg interface{}) {
		m := msg.(protocol.TypingMsg)
		g.router.Typing(sender(c, m.From), m.To)
	})
	d.Register(protocol.TypeStopTyping, func(c *ws.Connection, msg interface{}) {
		m := msg.(protocol.TypingMsg)
		g.router.StopTyping(sender(c, m.From), m.To)
	})

	// -----------------------------------------------------------------------
	// message-seen: advisory seen receipt
	// -----------------------------------------------------------------------
	d.Register(protocol.TypeMessageSeen, func(c *ws.Connection, msg interface{}) {
		m := msg.(protocol.MessageSeenMsg)
		g.router.Seen(sender(c, m.From), m.To, m.MessageID)
	})

	// -----------------------------------------------------------------------
	// reaction-updated: advisory reaction refresh
	// -----------------------------------------------------------------------
	d.Register(protocol.TypeReactionUpdated, func(c *ws.Connection, msg interface{}) {
		m := msg.(protocol.ReactionUpdatedMsg)
		g.router.ReactionUpdated(m.To, m.MessageID, m.Reactions)
	})
}

func (g *Gateway) onConnect(c *ws.Connection) {
	if g.sessions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := g.sessions.Create(ctx, c.ID); err != nil {
		log.Printf("[gateway] session create failed conn=%s: %v", c.ID, err)
	}
}

func (g *Gateway) onDisconnect(c *ws.Connection) {
	if user, ok := g.registry.Remove(c); ok {
		log.Printf("[gateway] user=%s offline conn=%s", user, c.ID)
		metrics.OnlineUsers.Set(float64(g.registry.Count()))
	}

	if g.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if err := g.sessions.Delete(ctx, c.ID, c.UserID()); err != nil {
			log.Printf("[gateway] session delete failed conn=%s: %v", c.ID, err)
		}
	}
}

func (g *Gateway) onHeartbeat(c *ws.Connection) {
	if g.sessions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := g.sessions.Touch(ctx, c.ID, c.UserID()); err != nil {
		log.Printf("[gateway] session touch failed conn=%s: %v", c.ID, err)
	}
}

// sender is the identity an event is sent as: the announced user when
// there is one, otherwise the payload's claim.
func sender(c *ws.Connection, claimed string) string {
	if id := c.UserID(); id != "" {
		return id
	}
	return claimed
}

// contentBody converts socket content into a message body.
func contentBody(c protocol.Content) message.Body {
	if c.IsFile() {
		return message.Body{File: &message.Attachment{
			URL:      c.File,
			Filename: c.Filename,
			Mimetype: c.Mimetype,
		}}
	}
	return message.Body{Text: c.Message}
}
