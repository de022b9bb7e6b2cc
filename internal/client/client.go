// Package client is a Go WebSocket client for the chat server. It speaks
// the same events as the browser client: it announces a user identity,
// sends live messages and indicators, and exposes everything the server
// pushes as a stream of events.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/soulchat/chat-server/internal/protocol"
)

// ErrClosed is returned once the connection has gone away.
var ErrClosed = errors.New("client: connection closed")

// Event is one frame pushed by the server.
type Event struct {
	Type string
	Raw  json.RawMessage
}

// Decode unmarshals the event into dst.
func (e Event) Decode(dst interface{}) error {
	return json.Unmarshal(e.Raw, dst)
}

// Client is a single user connection.
type Client struct {
	conn      net.Conn
	mu        sync.Mutex // serialises writes
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once

	stateMu sync.RWMutex
	connID  string
	userID  string
}

// Dial connects to a chat server socket URL such as ws://host:port/ws and
// starts reading events in the background.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", url, err)
	}
	if br != nil {
		// Frames that arrived with the handshake response sit in br.
		conn = &bufferedConn{Conn: conn, r: br}
	}

	c := &Client{
		conn:   conn,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// ConnectionID returns the id from the server's connected event, or "" if
// it has not arrived yet.
func (c *Client) ConnectionID() string {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.connID
}

// UserID returns the identity passed to Announce.
func (c *Client) UserID() string {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.userID
}

// Announce binds the connection to userID on the server.
func (c *Client) Announce(userID string) error {
	c.stateMu.Lock()
	c.userID = userID
	c.stateMu.Unlock()
	return c.Send(protocol.AddUserMsg{Type: protocol.TypeAddUser, UserID: userID})
}

// SendText sends a live text message to a peer.
func (c *Client) SendText(to, text string) error {
	return c.SendContent(to, protocol.Content{Message: text})
}

// SendContent sends a live message with arbitrary content to a peer.
func (c *Client) SendContent(to string, content protocol.Content) error {
	return c.Send(protocol.SendMsg{Type: protocol.TypeSendMsg, To: to, From: c.UserID(), Content: content})
}

// Typing tells the peer this user is typing.
func (c *Client) Typing(to string) error {
	return c.Send(protocol.TypingMsg{Type: protocol.TypeTyping, To: to, From: c.UserID()})
}

// StopTyping tells the peer this user stopped typing.
func (c *Client) StopTyping(to string) error {
	return c.Send(protocol.TypingMsg{Type: protocol.TypeStopTyping, To: to, From: c.UserID()})
}

// Seen tells the peer that messageID has been observed.
func (c *Client) Seen(to, messageID string) error {
	return c.Send(protocol.MessageSeenMsg{Type: protocol.TypeMessageSeen, To: to, From: c.UserID(), MessageID: messageID})
}

// ReactionUpdated pushes a message's current reactions to the peer.
func (c *Client) ReactionUpdated(to, messageID string, reactions []protocol.ReactionEntry) error {
	return c.Send(protocol.ReactionUpdatedMsg{
		Type:      protocol.TypeReactionUpdated,
		To:        to,
		MessageID: messageID,
		Reactions: reactions,
	})
}

// Ping sends an application-level ping; the server answers with pong.
func (c *Client) Ping() error {
	return c.Send(protocol.PingMsg{Type: protocol.TypePing})
}

// Events returns the stream of server events. It is closed when the
// connection ends.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Next waits for the next event of type msgType, discarding others.
func (c *Client) Next(ctx context.Context, msgType string) (Event, error) {
	for {
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case ev, ok := <-c.events:
			if !ok {
				return Event{}, ErrClosed
			}
			if ev.Type == msgType {
				return ev, nil
			}
		}
	}
}

// Close closes the connection. It is safe to call multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Send writes any event as a JSON text frame. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("client: marshal: %w", err)
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		return fmt.Errorf("client: write: %w", err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.events)

	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		if env.Type == protocol.TypeConnected {
			var m protocol.ConnectedMsg
			if err := json.Unmarshal(env.Raw, &m); err == nil {
				c.stateMu.Lock()
				c.connID = m.ConnectionID
				c.stateMu.Unlock()
			}
		}

		select {
		case c.events <- Event{Type: env.Type, Raw: env.Raw}:
		case <-c.done:
			return
		}
	}
}

type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }
