// Package message holds the durable chat log: the Message model, its body
// and reaction invariants, and the stores that persist it.
package message

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a message id does not exist.
	ErrNotFound = errors.New("message: not found")

	// ErrForbidden is returned when a mutation is attempted by someone who
	// does not own the message.
	ErrForbidden = errors.New("message: forbidden")
)

// Attachment is the metadata of an uploaded file carried by a message.
type Attachment struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Mimetype string `json:"mimetype"`
}

// Body is either text or an attachment, never both.
type Body struct {
	Text string      `json:"text,omitempty"`
	File *Attachment `json:"file,omitempty"`
}

// Kind returns "file" for attachments and "text" otherwise.
func (b Body) Kind() string {
	if b.File != nil {
		return "file"
	}
	return "text"
}

// Reaction is one user's emoji on a message. A user holds at most one.
type Reaction struct {
	User  string `json:"user"`
	Emoji string `json:"emoji"`
}

// Message is one entry in a two-party conversation. Only Seen and
// Reactions change after creation.
type Message struct {
	ID           string
	Participants [2]string // sorted, see Pair
	Sender       string
	Body         Body
	Seen         bool
	Reactions    []Reaction
	CreatedAt    time.Time
	Seq          int64 // insertion order, breaks CreatedAt ties
}

// Pair returns the order-independent participant pair of a and b.
func Pair(a, b string) [2]string {
	if b < a {
		return [2]string{b, a}
	}
	return [2]string{a, b}
}

// New builds an unsaved message from sender to recipient.
func New(from, to string, body Body) *Message {
	return &Message{
		Participants: Pair(from, to),
		Sender:       from,
		Body:         body,
		Reactions:    []Reaction{},
	}
}

// Recipient returns the participant that is not the sender.
func (m *Message) Recipient() string {
	if m.Participants[0] == m.Sender {
		return m.Participants[1]
	}
	return m.Participants[0]
}

// clone returns a deep copy so callers never alias store internals.
func (m *Message) clone() *Message {
	c := *m
	if m.Body.File != nil {
		f := *m.Body.File
		c.Body.File = &f
	}
	c.Reactions = make([]Reaction, len(m.Reactions))
	copy(c.Reactions, m.Reactions)
	return &c
}

// applyReaction drops user's existing reaction and, when emoji is not
// empty, appends the new one.
func applyReaction(reactions []Reaction, user, emoji string) []Reaction {
	out := make([]Reaction, 0, len(reactions)+1)
	for _, r := range reactions {
		if r.User != user {
			out = append(out, r)
		}
	}
	if emoji != "" {
		out = append(out, Reaction{User: user, Emoji: emoji})
	}
	return out
}
